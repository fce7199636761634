package sync

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/connection"
)

// runScheduler drives a scheduler over the fixture until stop returns
// true or the deadline passes, then waits for the full drain so the
// caller can read fixture state without racing a worker.
func runScheduler(t *testing.T, f *engineFixture, stop func() bool) {
	t.Helper()
	sched := NewScheduler(f.engine, nil, SchedulerConfig{
		Tenants: []string{"default"},
		Tick:    3 * time.Millisecond,
		Workers: 2,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !stop() {
		time.Sleep(3 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("scheduler returned %v", err)
	}
}

func (m *mockLogs) byStartTime() []*SyncLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SyncLog, 0, len(m.logs))
	for _, log := range m.logs {
		out = append(out, log)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func TestScheduler_FirstPassIsFull(t *testing.T) {
	f := newEngineFixture(t)
	f.conn.SyncFrequency = connection.FrequencyRealtime
	f.remote.resources["Observation/obs-1"] = obsRaw("obs-1", "72 bpm")

	runScheduler(t, f, func() bool { return f.logs.updateCount() > 0 })

	logs := f.logs.byStartTime()
	if len(logs) == 0 {
		t.Fatal("no pass ran for a due connection")
	}
	first := logs[0]
	if first.SyncType != TypeFull {
		t.Errorf("first contact should be a full pass, got %s", first.SyncType)
	}
	if first.TriggeredBy != audit.ActorSystem {
		t.Errorf("scheduler passes run as %q, got %q", audit.ActorSystem, first.TriggeredBy)
	}
	if first.Direction != f.conn.SyncDirection {
		t.Errorf("expected connection direction %s, got %s", f.conn.SyncDirection, first.Direction)
	}
}

func TestScheduler_OverdueConnectionRunsIncremental(t *testing.T) {
	f := newEngineFixture(t)
	last := time.Now().UTC().Add(-2 * time.Hour)
	f.conn.SyncFrequency = connection.FrequencyHourly
	f.conn.LastSyncAt = &last

	runScheduler(t, f, func() bool { return f.logs.updateCount() > 0 })

	logs := f.logs.byStartTime()
	if len(logs) == 0 {
		t.Fatal("overdue hourly connection never ran")
	}
	if logs[0].SyncType != TypeIncremental {
		t.Errorf("expected incremental pass, got %s", logs[0].SyncType)
	}
}

func TestScheduler_ManualFrequencyNeverDispatches(t *testing.T) {
	f := newEngineFixture(t)
	f.conn.SyncFrequency = connection.FrequencyManual

	started := time.Now()
	runScheduler(t, f, func() bool { return time.Since(started) > 30*time.Millisecond })

	if logs := f.logs.byStartTime(); len(logs) != 0 {
		t.Fatalf("manual connection dispatched %d passes", len(logs))
	}
}

func TestScheduler_FreshConnectionNotDue(t *testing.T) {
	f := newEngineFixture(t)
	last := time.Now().UTC().Add(-5 * time.Minute)
	f.conn.SyncFrequency = connection.FrequencyHourly
	f.conn.LastSyncAt = &last

	started := time.Now()
	runScheduler(t, f, func() bool { return time.Since(started) > 30*time.Millisecond })

	if logs := f.logs.byStartTime(); len(logs) != 0 {
		t.Fatalf("recently synced connection dispatched %d passes", len(logs))
	}
}
