package service

import (
	"time"

	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
)

// Frame is one message on a run's output stream
type Frame struct {
	Type     string           `json:"type"`
	Data     string           `json:"data,omitempty"`
	Status   models.RunStatus `json:"status,omitempty"`
	ExitCode *int             `json:"exit_code,omitempty"`
}

// Frame types
const (
	FrameOutput   = "output"
	FrameComplete = "complete"
)

const subscriberFrameBuffer = 64

// Subscriber is one attached stream observer. Frames arrive on C in
// broadcast order; C is closed after the terminal frame or when the
// subscriber is culled.
type Subscriber struct {
	RunID string
	C     chan Frame

	attached chan bool
	dead     bool
	closed   bool
}

// runState is the in-memory live state of one run. It exists from run
// start until the retention window after the terminal frame.
type runState struct {
	frames      []Frame
	terminal    *Frame
	subscribers map[*Subscriber]bool
}

type runFrame struct {
	runID string
	frame Frame
}

// RunHub owns all per-run stream state. A single goroutine serializes
// every mutation, so subscribers always see replayed history followed
// by live frames with no gap or reorder.
type RunHub struct {
	retention time.Duration
	log       *logger.Logger

	create     chan string
	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan runFrame
	finish     chan runFrame
	evict      chan string

	runs map[string]*runState
}

// NewRunHub creates a hub; call Start in its own goroutine
func NewRunHub(retention time.Duration, log *logger.Logger) *RunHub {
	return &RunHub{
		retention:  retention,
		log:        log,
		create:     make(chan string),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		broadcast:  make(chan runFrame, 256),
		finish:     make(chan runFrame),
		evict:      make(chan string),
		runs:       make(map[string]*runState),
	}
}

// Start runs the hub loop until the channel owner exits the process
func (h *RunHub) Start() {
	for {
		select {
		case runID := <-h.create:
			h.runs[runID] = &runState{subscribers: make(map[*Subscriber]bool)}

		case sub := <-h.register:
			h.attach(sub)

		case sub := <-h.unregister:
			h.detach(sub)

		case rf := <-h.broadcast:
			h.deliver(rf.runID, rf.frame)

		case rf := <-h.finish:
			h.finishRun(rf.runID, rf.frame)

		case runID := <-h.evict:
			h.evictRun(runID)
		}
	}
}

// CreateRun registers live state for a new run
func (h *RunHub) CreateRun(runID string) {
	h.create <- runID
}

// Broadcast sends an output frame to all subscribers of a run
func (h *RunHub) Broadcast(runID string, frame Frame) {
	h.broadcast <- runFrame{runID: runID, frame: frame}
}

// Finish broadcasts the terminal frame and schedules eviction after
// the retention window so late subscribers still get the final state.
func (h *RunHub) Finish(runID string, frame Frame) {
	h.finish <- runFrame{runID: runID, frame: frame}
}

// Subscribe attaches an observer to a run. The returned bool is false
// when the run is unknown (never created or already evicted); the
// subscriber's channel is closed in that case.
func (h *RunHub) Subscribe(runID string) (*Subscriber, bool) {
	sub := &Subscriber{
		RunID:    runID,
		C:        make(chan Frame, subscriberFrameBuffer),
		attached: make(chan bool, 1),
	}
	h.register <- sub
	return sub, <-sub.attached
}

// Unsubscribe detaches an observer
func (h *RunHub) Unsubscribe(sub *Subscriber) {
	h.unregister <- sub
}

func (h *RunHub) attach(sub *Subscriber) {
	state, ok := h.runs[sub.RunID]
	if !ok {
		h.closeSub(sub)
		sub.attached <- false
		return
	}

	// Replay history, then the terminal frame if the run is done.
	// Everything fits the fresh buffer unless the run is enormous;
	// an overflowing subscriber is dropped rather than blocking the hub.
	for _, f := range state.frames {
		if !h.offer(sub, f) {
			h.closeSub(sub)
			sub.attached <- true
			return
		}
	}
	if state.terminal != nil {
		h.offer(sub, *state.terminal)
		h.closeSub(sub)
		sub.attached <- true
		return
	}

	state.subscribers[sub] = true
	sub.attached <- true
}

func (h *RunHub) detach(sub *Subscriber) {
	if state, ok := h.runs[sub.RunID]; ok {
		delete(state.subscribers, sub)
	}
	h.closeSub(sub)
}

func (h *RunHub) deliver(runID string, frame Frame) {
	state, ok := h.runs[runID]
	if !ok || state.terminal != nil {
		return
	}
	if frame.Type == FrameOutput {
		state.frames = append(state.frames, frame)
	}
	for sub := range state.subscribers {
		if !h.offer(sub, frame) {
			delete(state.subscribers, sub)
			h.closeSub(sub)
		}
	}
}

func (h *RunHub) finishRun(runID string, frame Frame) {
	state, ok := h.runs[runID]
	if !ok || state.terminal != nil {
		return
	}
	state.terminal = &frame
	for sub := range state.subscribers {
		h.offer(sub, frame)
		delete(state.subscribers, sub)
		h.closeSub(sub)
	}

	time.AfterFunc(h.retention, func() {
		h.evict <- runID
	})
}

func (h *RunHub) evictRun(runID string) {
	state, ok := h.runs[runID]
	if !ok {
		return
	}
	for sub := range state.subscribers {
		h.closeSub(sub)
	}
	delete(h.runs, runID)
}

// closeSub closes a subscriber channel exactly once
func (h *RunHub) closeSub(sub *Subscriber) {
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
}

// offer is a non-blocking send; false marks the subscriber dead
func (h *RunHub) offer(sub *Subscriber, frame Frame) bool {
	if sub.dead {
		return false
	}
	select {
	case sub.C <- frame:
		return true
	default:
		sub.dead = true
		h.log.Warn("dropping slow stream subscriber", "run_id", sub.RunID)
		return false
	}
}
