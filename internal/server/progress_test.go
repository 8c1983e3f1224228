package server

import (
	"context"
	"testing"

	"github.com/qaops/ccqa-backend/internal/submit"
)

func TestProgressDispatcherRoutesBoundRuns(testContext *testing.T) {
	dispatcher := NewProgressDispatcher()
	dispatcher.Bind("run-1", "qr-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "qr-1")
	defer cleanup()

	dispatcher.Publish(submit.Status{RunID: "run-1", State: submit.StateSubmitting, Submitted: 1, Total: 3})

	select {
	case message := <-stream:
		if message.ReviewerID != "qr-1" || message.Status.Submitted != 1 {
			testContext.Fatalf("unexpected message: %+v", message)
		}
	default:
		testContext.Fatalf("expected a buffered progress message")
	}
}

func TestProgressDispatcherDropsUnboundRuns(testContext *testing.T) {
	dispatcher := NewProgressDispatcher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "qr-1")
	defer cleanup()

	dispatcher.Publish(submit.Status{RunID: "run-unknown", State: submit.StateSubmitting})

	select {
	case message := <-stream:
		testContext.Fatalf("expected no delivery, got %+v", message)
	default:
	}
}

func TestProgressDispatcherReleasesBindingOnTerminalState(testContext *testing.T) {
	dispatcher := NewProgressDispatcher()
	dispatcher.Bind("run-1", "qr-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "qr-1")
	defer cleanup()

	dispatcher.Publish(submit.Status{RunID: "run-1", State: submit.StateSucceeded, Percent: 100})
	select {
	case <-stream:
	default:
		testContext.Fatalf("expected terminal status delivery")
	}

	// the binding is gone, later statuses for the run are dropped.
	dispatcher.Publish(submit.Status{RunID: "run-1", State: submit.StateSucceeded})
	select {
	case message := <-stream:
		testContext.Fatalf("expected no delivery after terminal state, got %+v", message)
	default:
	}
}

func TestProgressDispatcherDropsWhenSubscriberBufferFull(testContext *testing.T) {
	dispatcher := NewProgressDispatcher()
	dispatcher.bufferSize = 1
	dispatcher.Bind("run-1", "qr-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "qr-1")
	defer cleanup()

	dispatcher.Publish(submit.Status{RunID: "run-1", State: submit.StateSubmitting, Submitted: 1})
	dispatcher.Publish(submit.Status{RunID: "run-1", State: submit.StateSubmitting, Submitted: 2})

	first := <-stream
	if first.Status.Submitted != 1 {
		testContext.Fatalf("expected first update kept, got %+v", first)
	}
	select {
	case message := <-stream:
		testContext.Fatalf("expected overflow update dropped, got %+v", message)
	default:
	}
}
