package client

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"
)

var errAuthMissing = errors.New("no access token is available")

// Outcome is the terminal state of one convergence poll run.
type Outcome int

const (
	// Converged: the backend published a new snapshot or reported a
	// terminal sync status.
	Converged Outcome = iota
	// TimedOut: the deadline elapsed with no observed change.
	TimedOut
	// Superseded: a newer run (or teardown) invalidated this one; it made
	// no observable state mutation after that point.
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "converged"
	case TimedOut:
		return "timed out"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

const (
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 60 * time.Second
)

// Poller waits for a triggered re-sync to land by refetching the task
// summary until the snapshot version moves or the sync status turns
// terminal.
//
// Supersession is cooperative: each run captures a generation token at
// start and rechecks it before every externally visible effect. Starting a
// newer run or calling Close bumps the generation, and the stale run exits
// at its next check without touching anything. The fetch itself is never
// interrupted; staleness is only detected at iteration boundaries.
type Poller struct {
	client          *Client
	tokens          TokenProvider
	externalTaskKey string

	// Interval and Timeout default to 3s and 60s. The timeout is a
	// wall-clock deadline, independent of how many intervals complete.
	Interval time.Duration
	Timeout  time.Duration

	// RefreshFunc performs the one final dependent-data refresh after
	// convergence. StatusFunc publishes the ephemeral status line and
	// ClearStatusFunc removes it; both may be nil.
	RefreshFunc     func(ctx context.Context)
	StatusFunc      func(status string)
	ClearStatusFunc func()

	generation atomic.Int64
}

// NewPoller creates a poller for one task.
func NewPoller(client *Client, tokens TokenProvider, externalTaskKey string) *Poller {
	return &Poller{
		client:          client,
		tokens:          tokens,
		externalTaskKey: externalTaskKey,
		Interval:        defaultPollInterval,
		Timeout:         defaultPollTimeout,
	}
}

// Close invalidates the current run. An in-flight loop observes the bumped
// generation at its next check and exits as Superseded with no side effects.
func (p *Poller) Close() {
	p.generation.Add(1)
}

// StartSync triggers a re-sync and blocks until the result converges, the
// deadline passes, or a newer run supersedes this one. previousVersion is
// captured from the summary before triggering. Failures to trigger are
// surfaced on the ephemeral status only, never as a panic or transcript
// entry.
func (p *Poller) StartSync(ctx context.Context) Outcome {
	token, ok := p.tokens.AccessToken()
	if !ok {
		p.setStatus("Sync failed: no access token is available.")
		return TimedOut
	}

	previousVersion := ""
	if summary, err := p.client.Summary(ctx, token, p.externalTaskKey); err == nil {
		previousVersion = summary.SnapshotVersion
	}

	if _, err := p.client.TriggerSync(ctx, token, p.externalTaskKey, false); err != nil {
		p.setStatus("Sync failed: " + err.Error())
		return TimedOut
	}

	p.setStatus("Syncing task sources…")
	return p.Run(ctx, previousVersion)
}

// Run polls until convergence, timeout, or supersession. Each call is a new
// run: it allocates a generation token strictly greater than any before it,
// invalidating older runs.
func (p *Poller) Run(ctx context.Context, previousVersion string) Outcome {
	runToken := p.generation.Add(1)
	deadline := time.Now().Add(p.Timeout)

	for {
		if p.generation.Load() != runToken {
			return Superseded
		}

		summary, err := p.fetchSummary(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Superseded
			}
			log.Printf("[poll] summary fetch failed for task=%s: %v", p.externalTaskKey, err)
		} else {
			// Terminal status wins over version change: only this branch
			// clears the ephemeral status.
			if taskmodel.TerminalSyncStatus(summary.SyncStatus) {
				if p.generation.Load() != runToken {
					return Superseded
				}
				p.refresh(ctx)
				p.clearStatus()
				return Converged
			}

			if summary.SnapshotVersion != "" && summary.SnapshotVersion != previousVersion {
				if p.generation.Load() != runToken {
					return Superseded
				}
				p.refresh(ctx)
				return Converged
			}
		}

		if time.Now().After(deadline) {
			// Ephemeral status stays for the caller to handle.
			return TimedOut
		}

		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Superseded
		case <-timer.C:
		}
	}
}

func (p *Poller) fetchSummary(ctx context.Context) (taskmodel.SummaryResponse, error) {
	token, ok := p.tokens.AccessToken()
	if !ok {
		return taskmodel.SummaryResponse{}, errAuthMissing
	}

	fetchCtx, cancel := withTimeout(ctx, p.Interval*2)
	defer cancel()
	return p.client.Summary(fetchCtx, token, p.externalTaskKey)
}

// refresh refetches the dependent source listing once after convergence.
func (p *Poller) refresh(ctx context.Context) {
	if p.RefreshFunc != nil {
		p.RefreshFunc(ctx)
	}
}

func (p *Poller) setStatus(status string) {
	if p.StatusFunc != nil {
		p.StatusFunc(status)
	}
}

func (p *Poller) clearStatus() {
	if p.ClearStatusFunc != nil {
		p.ClearStatusFunc()
	}
}
