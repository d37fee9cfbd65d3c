package transfer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ecobridge/internal/domain"
)

func newTestPool(workers, queueSize int) *Pool {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPool(log, workers, queueSize)
}

func TestPool_RunsJobs(t *testing.T) {
	p := newTestPool(4, 16)
	p.Start(context.Background())

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	p.Close()

	if got := ran.Load(); got != 16 {
		t.Errorf("ran = %d, want 16", got)
	}
}

func TestPool_ShedsWhenFull(t *testing.T) {
	p := newTestPool(1, 1)
	// Not started: the queue fills and stays full.
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(func() {}); err != domain.ErrAuditQueueFull {
		t.Errorf("expected ErrAuditQueueFull, got %v", err)
	}
}

func TestPool_RefusesAfterClose(t *testing.T) {
	p := newTestPool(1, 4)
	p.Start(context.Background())
	p.Close()

	if err := p.Submit(func() {}); err != domain.ErrShuttingDown {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	// Close is idempotent.
	p.Close()
}

func TestPool_DrainsQueuedJobsOnClose(t *testing.T) {
	p := newTestPool(1, 16)

	var ran atomic.Int64
	block := make(chan struct{})
	p.Start(context.Background())

	// First job parks the single worker; the rest queue up behind it.
	if err := p.Submit(func() { <-block }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 8; i++ {
		if err := p.Submit(func() { ran.Add(1) }); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	close(block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if got := ran.Load(); got != 8 {
		t.Errorf("queued jobs after close ran = %d, want 8", got)
	}
}
