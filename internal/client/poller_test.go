package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"
)

// summaryScript serves /summary responses in order, repeating the last one.
type summaryScript struct {
	responses []taskmodel.SummaryResponse
	calls     atomic.Int64
	syncHits  atomic.Int64
	refreshes atomic.Int64
}

func (s *summaryScript) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/summary"):
			idx := int(s.calls.Add(1)) - 1
			if idx >= len(s.responses) {
				idx = len(s.responses) - 1
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"externalTaskKey":%q,"snapshotVersion":%q,"syncStatus":%q}`,
				testTaskKey, s.responses[idx].SnapshotVersion, s.responses[idx].SyncStatus)
		case strings.HasSuffix(r.URL.Path, "/sync"):
			s.syncHits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status":"queued"}`)
		case strings.HasSuffix(r.URL.Path, "/sources"):
			s.refreshes.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"files":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestPoller(server *httptest.Server) *Poller {
	p := NewPoller(NewClient(server.URL), StaticToken("secret"), testTaskKey)
	p.Interval = 10 * time.Millisecond
	p.Timeout = time.Second
	return p
}

func TestRunConvergesOnVersionChange(t *testing.T) {
	script := &summaryScript{responses: []taskmodel.SummaryResponse{
		{SnapshotVersion: "v1", SyncStatus: taskmodel.SyncSyncing},
		{SnapshotVersion: "v1", SyncStatus: taskmodel.SyncSyncing},
		{SnapshotVersion: "v2", SyncStatus: taskmodel.SyncSyncing},
	}}
	server := script.server(t)
	defer server.Close()

	poller := newTestPoller(server)
	var refreshed, cleared atomic.Int64
	poller.RefreshFunc = func(context.Context) { refreshed.Add(1) }
	poller.ClearStatusFunc = func() { cleared.Add(1) }

	outcome := poller.Run(context.Background(), "v1")
	if outcome != Converged {
		t.Fatalf("expected Converged, got %v", outcome)
	}
	if got := script.calls.Load(); got != 3 {
		t.Fatalf("expected convergence on the third poll, got %d", got)
	}
	if refreshed.Load() != 1 {
		t.Fatalf("expected exactly one dependent refresh, got %d", refreshed.Load())
	}
	if cleared.Load() != 0 {
		t.Fatal("version-change convergence must leave the ephemeral status untouched")
	}
}

func TestRunTerminalStatusClearsStatusBeforeVersionCheck(t *testing.T) {
	// Both branches could fire here; terminal status must win and clear.
	script := &summaryScript{responses: []taskmodel.SummaryResponse{
		{SnapshotVersion: "v2", SyncStatus: taskmodel.SyncCompleted},
	}}
	server := script.server(t)
	defer server.Close()

	poller := newTestPoller(server)
	var refreshed, cleared atomic.Int64
	poller.RefreshFunc = func(context.Context) { refreshed.Add(1) }
	poller.ClearStatusFunc = func() { cleared.Add(1) }

	if outcome := poller.Run(context.Background(), "v1"); outcome != Converged {
		t.Fatalf("expected Converged, got %v", outcome)
	}
	if refreshed.Load() != 1 || cleared.Load() != 1 {
		t.Fatalf("terminal convergence must refresh and clear, got refresh=%d clear=%d",
			refreshed.Load(), cleared.Load())
	}
}

func TestRunIgnoresEmptyVersion(t *testing.T) {
	script := &summaryScript{responses: []taskmodel.SummaryResponse{
		{SnapshotVersion: "", SyncStatus: taskmodel.SyncSyncing},
		{SnapshotVersion: "v2", SyncStatus: taskmodel.SyncSyncing},
	}}
	server := script.server(t)
	defer server.Close()

	poller := newTestPoller(server)
	if outcome := poller.Run(context.Background(), "v1"); outcome != Converged {
		t.Fatalf("expected Converged, got %v", outcome)
	}
	if script.calls.Load() < 2 {
		t.Fatal("an empty version must not count as a change")
	}
}

func TestRunTimesOutWithoutChange(t *testing.T) {
	script := &summaryScript{responses: []taskmodel.SummaryResponse{
		{SnapshotVersion: "v1", SyncStatus: taskmodel.SyncSyncing},
	}}
	server := script.server(t)
	defer server.Close()

	poller := newTestPoller(server)
	poller.Timeout = 80 * time.Millisecond
	var cleared atomic.Int64
	poller.ClearStatusFunc = func() { cleared.Add(1) }

	start := time.Now()
	outcome := poller.Run(context.Background(), "v1")
	elapsed := time.Since(start)

	if outcome != TimedOut {
		t.Fatalf("expected TimedOut, got %v", outcome)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("poller must respect the deadline, ran %v", elapsed)
	}
	if cleared.Load() != 0 {
		t.Fatal("timeout must leave the ephemeral status for the caller")
	}
}

func TestNewRunSupersedesOlderRun(t *testing.T) {
	script := &summaryScript{responses: []taskmodel.SummaryResponse{
		{SnapshotVersion: "v1", SyncStatus: taskmodel.SyncSyncing},
	}}
	server := script.server(t)
	defer server.Close()

	poller := newTestPoller(server)
	var refreshed atomic.Int64
	poller.RefreshFunc = func(context.Context) { refreshed.Add(1) }

	firstDone := make(chan Outcome, 1)
	go func() {
		firstDone <- poller.Run(context.Background(), "v1")
	}()

	waitFor(t, func() bool { return script.calls.Load() >= 1 })

	// The second run bumps the generation and converges at once (its
	// previousVersion differs); the first must exit without acting.
	if outcome := poller.Run(context.Background(), "v0"); outcome != Converged {
		t.Fatalf("expected second run to converge, got %v", outcome)
	}

	select {
	case outcome := <-firstDone:
		if outcome != Superseded {
			t.Fatalf("expected first run superseded, got %v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first run never exited")
	}

	if refreshed.Load() != 1 {
		t.Fatalf("only the current run may refresh, got %d refreshes", refreshed.Load())
	}
}

func TestCloseSupersedesInFlightRun(t *testing.T) {
	script := &summaryScript{responses: []taskmodel.SummaryResponse{
		{SnapshotVersion: "v1", SyncStatus: taskmodel.SyncSyncing},
	}}
	server := script.server(t)
	defer server.Close()

	poller := newTestPoller(server)
	var refreshed atomic.Int64
	poller.RefreshFunc = func(context.Context) { refreshed.Add(1) }

	done := make(chan Outcome, 1)
	go func() {
		done <- poller.Run(context.Background(), "v1")
	}()

	waitFor(t, func() bool { return script.calls.Load() >= 1 })
	poller.Close()

	select {
	case outcome := <-done:
		if outcome != Superseded {
			t.Fatalf("expected Superseded after Close, got %v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run never exited after Close")
	}
	if refreshed.Load() != 0 {
		t.Fatal("a superseded run must not refresh dependent data")
	}
}

func TestStartSyncTriggersAndConverges(t *testing.T) {
	script := &summaryScript{responses: []taskmodel.SummaryResponse{
		{SnapshotVersion: "v1", SyncStatus: taskmodel.SyncIdle},
		{SnapshotVersion: "v1", SyncStatus: taskmodel.SyncSyncing},
		{SnapshotVersion: "v2", SyncStatus: taskmodel.SyncCompleted},
	}}
	server := script.server(t)
	defer server.Close()

	poller := newTestPoller(server)
	var statuses []string
	var cleared atomic.Int64
	poller.StatusFunc = func(status string) { statuses = append(statuses, status) }
	poller.ClearStatusFunc = func() { cleared.Add(1) }
	poller.RefreshFunc = func(context.Context) {}

	if outcome := poller.StartSync(context.Background()); outcome != Converged {
		t.Fatalf("expected Converged, got %v", outcome)
	}
	if script.syncHits.Load() != 1 {
		t.Fatalf("expected one sync trigger, got %d", script.syncHits.Load())
	}
	if len(statuses) != 1 || !strings.Contains(statuses[0], "Syncing") {
		t.Fatalf("expected one syncing status update, got %+v", statuses)
	}
	if cleared.Load() != 1 {
		t.Fatal("terminal convergence must clear the ephemeral status")
	}
}
