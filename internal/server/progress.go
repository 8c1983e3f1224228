package server

import (
	"context"
	"sync"
	"time"

	"github.com/qaops/ccqa-backend/internal/submit"
)

const (
	ProgressEventSubmission = "submission-progress"
	progressEventHeartbeat  = "heartbeat"
)

// ProgressMessage is one submission status update addressed to a reviewer.
type ProgressMessage struct {
	ReviewerID string
	Status     submit.Status
	Timestamp  time.Time
}

// ProgressDispatcher fans submission progress out to the owning reviewer's
// open streams. Slow subscribers drop updates instead of blocking the
// submission loop.
type ProgressDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*progressSubscriber
	bindings    map[string]string
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type progressSubscriber struct {
	id     int64
	stream chan ProgressMessage
}

func NewProgressDispatcher() *ProgressDispatcher {
	return &ProgressDispatcher{
		subscribers: make(map[string]map[int64]*progressSubscriber),
		bindings:    make(map[string]string),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Bind associates a run with the reviewer who started it. Terminal statuses
// drop the binding after delivery.
func (d *ProgressDispatcher) Bind(runID, reviewerID string) {
	if runID == "" || reviewerID == "" {
		return
	}
	d.mu.Lock()
	d.bindings[runID] = reviewerID
	d.mu.Unlock()
}

func (d *ProgressDispatcher) Subscribe(ctx context.Context, reviewerID string) (<-chan ProgressMessage, func()) {
	if reviewerID == "" {
		ch := make(chan ProgressMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &progressSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ProgressMessage, d.bufferSize),
	}
	d.registerSubscriber(reviewerID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(reviewerID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish routes a status update to the subscribers of the run's reviewer.
// Updates for unbound runs are dropped.
func (d *ProgressDispatcher) Publish(status submit.Status) {
	if status.RunID == "" {
		return
	}

	d.mu.RLock()
	reviewerID, bound := d.bindings[status.RunID]
	if !bound {
		d.mu.RUnlock()
		return
	}
	subscribers := d.subscribers[reviewerID]
	copies := make([]*progressSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	message := ProgressMessage{
		ReviewerID: reviewerID,
		Status:     status,
		Timestamp:  d.clock(),
	}
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}

	switch status.State {
	case submit.StateSucceeded, submit.StateFailed, submit.StateValidationFailed:
		d.mu.Lock()
		delete(d.bindings, status.RunID)
		d.mu.Unlock()
	}
}

func (d *ProgressDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ProgressDispatcher) registerSubscriber(reviewerID string, subscriber *progressSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[reviewerID]; !ok {
		d.subscribers[reviewerID] = make(map[int64]*progressSubscriber)
	}
	d.subscribers[reviewerID][subscriber.id] = subscriber
}

func (d *ProgressDispatcher) unregisterSubscriber(reviewerID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[reviewerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, reviewerID)
		}
	}
	d.mu.Unlock()
}
