package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/config"
	"github.com/slvnlrt/spacedrive/internal/testutil"
	"github.com/slvnlrt/spacedrive/pkg/cache"
	"github.com/slvnlrt/spacedrive/pkg/eventbus"
	"github.com/slvnlrt/spacedrive/pkg/events"
	"github.com/slvnlrt/spacedrive/pkg/jobs"
	"github.com/slvnlrt/spacedrive/pkg/querykey"
)

func newRemote() *testutil.FakeRemote {
	remote := testutil.NewFakeRemote()
	remote.SetQuery(querykey.MethodJobsList, map[string]any{"jobs": []map[string]any{
		{"id": "j1", "name": "file_copy", "status": "running"},
	}})
	remote.SetQuery(querykey.MethodLocationsList, []map[string]any{
		{"id": "l1", "name": "Home"},
		{"id": "l2", "name": "Photos"},
	})
	return remote
}

func startSession(t *testing.T, remote *testutil.FakeRemote, hooks jobs.Options) (*Session, *eventbus.Local) {
	t.Helper()
	bus := eventbus.NewLocal(64, zap.NewNop())
	s := New(Options{
		Bus:       bus,
		Remote:    remote,
		LibraryID: "lib1",
		Clock:     clockwork.NewFakeClock(),
		Jobs:      hooks,
		Logger:    zap.NewNop(),
	})
	t.Cleanup(s.Close)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Jobs().Ready(ctx); err != nil {
		t.Fatalf("jobs ready: %v", err)
	}
	return s, bus
}

func waitSub(t *testing.T, sub *cache.Subscription) cache.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := sub.Wait(ctx)
	if err != nil {
		t.Fatalf("wait %s: %v", sub.Key(), err)
	}
	return snap
}

func TestSession_SharedFetchAndScopedInvalidation(t *testing.T) {
	remote := newRemote()
	s, bus := startSession(t, remote, jobs.Options{})

	release := remote.Hold()
	var wg sync.WaitGroup
	subs := make([]*cache.Subscription, 2)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i] = s.Query(querykey.LocationsList(), cache.QueryOptions{})
		}(i)
	}
	wg.Wait()
	release()
	for _, sub := range subs {
		defer sub.Close()
		if snap := waitSub(t, sub); snap.Status != cache.StatusSuccess {
			t.Fatalf("status = %s", snap.Status)
		}
	}
	if n := remote.Calls(querykey.MethodLocationsList); n != 1 {
		t.Fatalf("expected one shared fetch, got %d", n)
	}

	bus.PublishLibrary("lib1", events.ResourceChanged{ResourceType: querykey.ResourceLocation, ResourceID: "l9"})
	bus.PublishLibrary("lib1", events.ResourceChanged{ResourceType: querykey.ResourceLocation, ResourceID: "l2"})
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return remote.Calls(querykey.MethodLocationsList) == 2
	}, "refetch after l2 changed")

	time.Sleep(20 * time.Millisecond)
	if n := remote.Calls(querykey.MethodLocationsList); n != 2 {
		t.Errorf("unrelated location caused a refetch: %d calls", n)
	}
}

func TestSession_OtherLibraryIgnored(t *testing.T) {
	remote := newRemote()
	s, bus := startSession(t, remote, jobs.Options{})

	sub := s.Query(querykey.LocationsList(), cache.QueryOptions{})
	defer sub.Close()
	waitSub(t, sub)

	bus.PublishLibrary("lib2", events.ResourceDeleted{ResourceType: querykey.ResourceLocation, ResourceID: "l1"})
	bus.PublishLibrary("lib1", events.ConfigChanged{Field: "theme"})

	time.Sleep(20 * time.Millisecond)
	if n := remote.Calls(querykey.MethodLocationsList); n != 1 {
		t.Errorf("event from another library invalidated: %d calls", n)
	}
}

func TestSession_JobLifecycle(t *testing.T) {
	remote := newRemote()
	remote.SetQuery(querykey.MethodJobsList, map[string]any{"jobs": []map[string]any{}})
	var completed atomic.Int32
	s, bus := startSession(t, remote, jobs.Options{
		OnJobCompleted: func(string, string) { completed.Add(1) },
	})
	if n := s.Jobs().ActiveJobCount(); n != 0 {
		t.Fatalf("expected no active jobs, got %d", n)
	}

	remote.SetQuery(querykey.MethodJobsList, map[string]any{"jobs": []map[string]any{
		{"id": "j1", "name": "file_copy", "status": "running"},
	}})
	bus.PublishLibrary("lib1", events.JobStarted{JobID: "j1", JobType: "file_copy"})
	testutil.WaitFor(t, 2*time.Second, func() bool {
		list := s.Jobs().List()
		return len(list) == 1 && list[0].ID == "j1" && list[0].Status == jobs.StatusRunning
	}, "j1 running after refetch")
	if n := remote.Calls(querykey.MethodJobsList); n != 2 {
		t.Errorf("expected one refetch on start, got %d calls", n)
	}
	if s.Jobs().ActiveJobCount() != 1 || !s.Jobs().HasRunningJobs() {
		t.Errorf("active=%d running=%v", s.Jobs().ActiveJobCount(), s.Jobs().HasRunningJobs())
	}

	bus.PublishLibrary("lib1", events.JobProgress{
		JobID:           "j1",
		Progress:        50,
		GenericProgress: &events.GenericProgress{Percentage: 0.5, Performance: events.Performance{Rate: 1 << 20}},
	})
	testutil.WaitFor(t, 2*time.Second, func() bool {
		list := s.Jobs().List()
		return len(list) == 1 && list[0].Progress != nil && *list[0].Progress == 50
	}, "progress merged")
	h := s.Jobs().SpeedHistory("j1")
	if len(h) != 1 || h[0].BytesPerSecond != 1<<20 {
		t.Errorf("speed history = %v, want one 1 MiB/s sample", h)
	}
	if n := remote.Calls(querykey.MethodJobsList); n != 2 {
		t.Errorf("progress caused a refetch: %d calls", n)
	}

	remote.SetQuery(querykey.MethodJobsList, map[string]any{"jobs": []map[string]any{
		{"id": "j1", "name": "file_copy", "status": "completed"},
	}})
	bus.PublishLibrary("lib1", events.JobCompleted{JobID: "j1", JobType: "file_copy"})
	bus.Publish(events.JobCompleted{JobID: "j1", JobType: "file_copy"})

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return s.Jobs().ActiveJobCount() == 0
	}, "j1 left the active set")
	if s.Jobs().HasRunningJobs() {
		t.Error("HasRunningJobs after completion")
	}
	if completed.Load() != 1 {
		t.Errorf("OnJobCompleted fired %d times", completed.Load())
	}
	if s.Jobs().SpeedHistory("j1") != nil {
		t.Error("speed history kept after completion")
	}
}

func TestSession_ActionThroughDispatcher(t *testing.T) {
	remote := newRemote()
	remote.HandleAction("locations.rescan", func(any) (json.RawMessage, error) {
		return json.RawMessage(`{"success":true}`), nil
	})
	s, _ := startSession(t, remote, jobs.Options{})

	if _, err := s.Dispatcher().Mutate(context.Background(), "locations.rescan", map[string]any{"location_id": "l1"}); err != nil {
		t.Fatal(err)
	}
	if remote.Calls("locations.rescan") != 1 {
		t.Error("action not sent")
	}
}

type failingBus struct{}

func (failingBus) SubscribeFiltered(context.Context, events.Filter, eventbus.Handler) (func(), error) {
	return nil, errors.New("dial refused")
}

func TestSession_StartErrors(t *testing.T) {
	s := New(Options{Bus: failingBus{}, Remote: newRemote(), Logger: zap.NewNop()})
	defer s.Close()
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}

	closed := New(Options{Bus: eventbus.NewLocal(0, zap.NewNop()), Remote: newRemote(), Logger: zap.NewNop()})
	closed.Close()
	closed.Close()
	if err := closed.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestSession_StopsWithContext(t *testing.T) {
	bus := eventbus.NewLocal(0, zap.NewNop())
	s := New(Options{Bus: bus, Remote: newRemote(), Logger: zap.NewNop()})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	testutil.WaitFor(t, time.Second, func() bool { return bus.Count() == 0 }, "bus subscription released")
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ServerURL = "http://127.0.0.1:1"
	cfg.EventsURL = config.DeriveEventsURL(cfg.ServerURL)
	cfg.RPC.RetryAttempts = 0
	cfg.RPC.Timeout = 100 * time.Millisecond

	s := FromConfig(cfg, jobs.Options{}, zap.NewNop())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Jobs().Ready(ctx); err == nil {
		t.Error("expected jobs.list to fail against a closed port")
	}
	if err := s.Start(ctx); err == nil {
		t.Error("expected event stream dial to fail")
	}
}
