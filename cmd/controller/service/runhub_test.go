package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
)

func startHub(t *testing.T, retention time.Duration) *RunHub {
	t.Helper()
	hub := NewRunHub(retention, logger.New("error", "text"))
	go hub.Start()
	return hub
}

func output(data string) Frame {
	return Frame{Type: FrameOutput, Data: data}
}

func terminal(status models.RunStatus, exit int) Frame {
	return Frame{Type: FrameComplete, Status: status, ExitCode: &exit}
}

func collect(t *testing.T, sub *Subscriber, n int) []Frame {
	t.Helper()
	var out []Frame
	for len(out) < n {
		select {
		case f, ok := <-sub.C:
			if !ok {
				t.Fatalf("channel closed after %d of %d frames", len(out), n)
			}
			out = append(out, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d frames", len(out), n)
		}
	}
	return out
}

func TestSubscribeUnknownRun(t *testing.T) {
	hub := startHub(t, time.Minute)

	sub, live := hub.Subscribe("run-missing")
	assert.False(t, live)
	_, open := <-sub.C
	assert.False(t, open)
}

func TestReplayThenLive(t *testing.T) {
	hub := startHub(t, time.Minute)
	hub.CreateRun("run-1")
	hub.Broadcast("run-1", output("line 1\n"))
	hub.Broadcast("run-1", output("line 2\n"))

	sub, live := hub.Subscribe("run-1")
	require.True(t, live)

	hub.Broadcast("run-1", output("line 3\n"))

	frames := collect(t, sub, 3)
	assert.Equal(t, "line 1\n", frames[0].Data)
	assert.Equal(t, "line 2\n", frames[1].Data)
	assert.Equal(t, "line 3\n", frames[2].Data)

	hub.Unsubscribe(sub)
}

func TestTerminalFrameClosesSubscribers(t *testing.T) {
	hub := startHub(t, time.Minute)
	hub.CreateRun("run-1")

	sub, live := hub.Subscribe("run-1")
	require.True(t, live)

	hub.Finish("run-1", terminal(models.RunCompleted, 0))

	frames := collect(t, sub, 1)
	assert.Equal(t, FrameComplete, frames[0].Type)
	assert.Equal(t, models.RunCompleted, frames[0].Status)
	require.NotNil(t, frames[0].ExitCode)
	assert.Equal(t, 0, *frames[0].ExitCode)

	select {
	case _, open := <-sub.C:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after terminal frame")
	}
}

func TestLateSubscriberGetsHistoryAndTerminal(t *testing.T) {
	hub := startHub(t, time.Minute)
	hub.CreateRun("run-1")
	hub.Broadcast("run-1", output("line 1\n"))
	hub.Finish("run-1", terminal(models.RunFailed, 2))

	sub, live := hub.Subscribe("run-1")
	require.True(t, live)

	frames := collect(t, sub, 2)
	assert.Equal(t, FrameOutput, frames[0].Type)
	assert.Equal(t, FrameComplete, frames[1].Type)
	assert.Equal(t, models.RunFailed, frames[1].Status)
}

func TestBroadcastAfterTerminalDropped(t *testing.T) {
	hub := startHub(t, time.Minute)
	hub.CreateRun("run-1")
	hub.Finish("run-1", terminal(models.RunCompleted, 0))
	hub.Broadcast("run-1", output("too late\n"))

	sub, live := hub.Subscribe("run-1")
	require.True(t, live)

	frames := collect(t, sub, 1)
	assert.Equal(t, FrameComplete, frames[0].Type)
}

func TestEvictionAfterRetention(t *testing.T) {
	hub := startHub(t, 50*time.Millisecond)
	hub.CreateRun("run-1")
	hub.Finish("run-1", terminal(models.RunCompleted, 0))

	require.Eventually(t, func() bool {
		_, live := hub.Subscribe("run-1")
		return !live
	}, 2*time.Second, 20*time.Millisecond)
}

func TestIndependentRuns(t *testing.T) {
	hub := startHub(t, time.Minute)
	hub.CreateRun("run-a")
	hub.CreateRun("run-b")

	subA, liveA := hub.Subscribe("run-a")
	require.True(t, liveA)
	subB, liveB := hub.Subscribe("run-b")
	require.True(t, liveB)

	hub.Broadcast("run-a", output("a only\n"))
	hub.Finish("run-b", terminal(models.RunCancelled, -1))

	framesA := collect(t, subA, 1)
	assert.Equal(t, "a only\n", framesA[0].Data)

	framesB := collect(t, subB, 1)
	assert.Equal(t, models.RunCancelled, framesB[0].Status)

	hub.Unsubscribe(subA)
}
