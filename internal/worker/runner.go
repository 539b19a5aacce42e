package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/scheduler"
)

const (
	logMsgBusy           = "Pass trigger ignored: a pass is already running."
	logMsgDiscoverFailed = "Discovery failed; running the pass on known rows: %v"
	logMsgTickFailed     = "Scheduled pass failed: %v"
)

// ErrBusy indicates a pass was requested while another one is running.
var ErrBusy = errors.New("a pass is already running")

// Discoverer registers new source documents.
type Discoverer interface {
	Discover(ctx context.Context) (int, error)
}

// Pass runs one scheduler pass.
type Pass interface {
	Run(ctx context.Context) (scheduler.PassReport, error)
}

// Outcome is the result of one guarded pass.
type Outcome struct {
	Discovered int
	Report     scheduler.PassReport
}

// PassRunner runs discovery followed by a scheduler pass, never two at once.
type PassRunner struct {
	discoverer Discoverer
	pass       Pass
	log        *logger.Logger
	mu         sync.Mutex
}

// NewPassRunner creates a PassRunner.
func NewPassRunner(discoverer Discoverer, pass Pass, log *logger.Logger) *PassRunner {
	return &PassRunner{discoverer: discoverer, pass: pass, log: log, mu: sync.Mutex{}}
}

// Run executes one pass or returns ErrBusy immediately. A discovery failure does not stop
// the pass; rows already in the ledger can still advance.
func (r *PassRunner) Run(ctx context.Context) (Outcome, error) {
	if !r.mu.TryLock() {
		r.log.Warn(logMsgBusy)

		return Outcome{}, ErrBusy
	}
	defer r.mu.Unlock()

	discovered, discoverErr := r.discoverer.Discover(ctx)
	if discoverErr != nil {
		r.log.Warn(logMsgDiscoverFailed, discoverErr)
	}

	report, err := r.pass.Run(ctx)
	if err != nil {
		return Outcome{Discovered: discovered, Report: report}, fmt.Errorf("pass %s: %w", report.PassID, err)
	}

	return Outcome{Discovered: discovered, Report: report}, nil
}

// RunEvery runs a pass immediately and then once per interval until ctx is cancelled.
func (r *PassRunner) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, err := r.Run(ctx)
		if err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
			r.log.Error(logMsgTickFailed, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
