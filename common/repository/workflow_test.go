package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailganti/opsconductor/common/db"
	"github.com/mailganti/opsconductor/common/models"
)

// testPool connects to the database named by TEST_DATABASE_URL and
// applies the schema. Tests that need it skip when the variable is
// unset so the suite stays runnable without a server.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.ApplySchema(context.Background(), pool))
	return pool
}

func seedWorkflow(t *testing.T, repo *WorkflowRepository, requiredLevels int) *models.Workflow {
	t.Helper()
	w, err := repo.Create(context.Background(), &models.Workflow{
		WorkflowID:             "wf_" + uuid.NewString()[:12],
		ScriptID:               "restart-web",
		Targets:                []string{"web-01"},
		Requestor:              "alice",
		RequiredApprovalLevels: requiredLevels,
		TTLMinutes:             60,
		Status:                 models.StatusPending,
		ExpiresAt:              time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Delete(context.Background(), w.WorkflowID) })
	return w
}

func TestApproveDuplicateApprover(t *testing.T) {
	repo := NewWorkflowRepository(testPool(t))
	w := seedWorkflow(t, repo, 2)

	_, err := repo.Approve(context.Background(), w.WorkflowID, "bob", 1, 2)
	require.NoError(t, err)

	_, err = repo.Approve(context.Background(), w.WorkflowID, "bob", 2, 2)
	assert.ErrorIs(t, err, ErrAlreadyApproved)
}

func TestApproveMissingWorkflow(t *testing.T) {
	repo := NewWorkflowRepository(testPool(t))

	_, err := repo.Approve(context.Background(), "wf_nonexistent00", "bob", 1, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Two distinct approvers racing to deliver the final approval of a
// two-level workflow must leave it approved, with exactly one caller
// seeing the flip. The workflow row lock forces the second transaction
// to wait for the first commit before counting.
func TestApproveConcurrentFinalApprovals(t *testing.T) {
	repo := NewWorkflowRepository(testPool(t))
	w := seedWorkflow(t, repo, 2)

	start := make(chan struct{})
	results := make([]*ApproveResult, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i, approver := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(i int, approver string) {
			defer wg.Done()
			<-start
			results[i], errs[i] = repo.Approve(context.Background(), w.WorkflowID, approver, i+1, 2)
		}(i, approver)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	flips := 0
	for _, res := range results {
		if res.FullyApproved {
			flips++
		}
	}
	assert.Equal(t, 1, flips)

	saved, err := repo.GetByID(context.Background(), w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, saved.Status)
	assert.Len(t, saved.Approvals, 2)
}

// A second racer that loses the duplicate-approver race must not
// disturb the count seen by the winner.
func TestApproveConcurrentSameApprover(t *testing.T) {
	repo := NewWorkflowRepository(testPool(t))
	w := seedWorkflow(t, repo, 2)

	start := make(chan struct{})
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = repo.Approve(context.Background(), w.WorkflowID, "bob", 1, 2)
		}(i)
	}
	close(start)
	wg.Wait()

	dupes := 0
	for _, err := range errs {
		if errors.Is(err, ErrAlreadyApproved) {
			dupes++
		}
	}
	assert.Equal(t, 1, dupes)

	saved, err := repo.GetByID(context.Background(), w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, saved.Status)
	assert.Len(t, saved.Approvals, 1)
}
