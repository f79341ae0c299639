package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/testutil"
	"github.com/slvnlrt/spacedrive/pkg/events"
	"github.com/slvnlrt/spacedrive/pkg/protocol"
	"github.com/slvnlrt/spacedrive/pkg/querykey"
)

const grace = 5 * time.Second

func newTestCache(t *testing.T) (*Cache, func(time.Duration)) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c := New(Options{Clock: clock, EvictionGrace: grace, Logger: zap.NewNop()})
	t.Cleanup(c.Close)
	return c, clock.Advance
}

func wait(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := sub.Wait(ctx)
	if err != nil {
		t.Fatalf("wait %s: %v", sub.Key(), err)
	}
	return snap
}

func TestQuery_SingleInFlightFetch(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("locations.list", []map[string]any{{"id": "l1", "name": "Home"}})
	release := remote.Hold()
	fetch := RemoteFetcher(remote)
	key := querykey.LocationsList()

	var wg sync.WaitGroup
	subs := make([]*Subscription, 2)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i] = c.Query(key, fetch, QueryOptions{})
		}(i)
	}
	wg.Wait()

	select {
	case <-remote.Entered():
	case <-time.After(time.Second):
		t.Fatal("fetch never started")
	}
	release()

	a, b := wait(t, subs[0]), wait(t, subs[1])
	if got := remote.Calls("locations.list"); got != 1 {
		t.Fatalf("expected 1 remote call, got %d", got)
	}
	if string(a.Data) != string(b.Data) {
		t.Errorf("subscribers saw different data: %s vs %s", a.Data, b.Data)
	}
	if a.Status != StatusSuccess {
		t.Errorf("expected success, got %s", a.Status)
	}
}

func TestQuery_CachedEntryNotRefetched(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("devices.list", []any{})
	fetch := RemoteFetcher(remote)

	first := c.Query(querykey.DevicesList(), fetch, QueryOptions{})
	wait(t, first)
	second := c.Query(querykey.DevicesList(), fetch, QueryOptions{})
	snap := second.Snapshot()

	if snap.Status != StatusSuccess || string(snap.Data) != "[]" {
		t.Errorf("expected immediate cached data, got %s %s", snap.Status, snap.Data)
	}
	if got := remote.Calls("devices.list"); got != 1 {
		t.Errorf("expected 1 remote call, got %d", got)
	}
}

func TestQuery_StaleWhileError(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("volumes.list", []map[string]any{{"id": "v1"}})
	sub := c.Query(querykey.VolumesList(), RemoteFetcher(remote), QueryOptions{})
	good := wait(t, sub)

	remote.HandleQuery("volumes.list", func(any) (json.RawMessage, error) {
		return nil, &protocol.TransportError{Method: "volumes.list", Err: errors.New("connection reset")}
	})
	sub.Refetch()
	snap := wait(t, sub)

	if snap.Status != StatusError {
		t.Fatalf("expected error status, got %s", snap.Status)
	}
	if snap.Err == nil {
		t.Fatal("error status without error detail")
	}
	if snap.Err.Kind != KindTransport {
		t.Errorf("expected transport kind, got %s", snap.Err.Kind)
	}
	if string(snap.Data) != string(good.Data) {
		t.Errorf("stale data lost: %s", snap.Data)
	}
	if len(c.KeysFor(ResourceRef{Type: "volume", ID: "v1"})) != 1 {
		t.Error("index should keep refs of stale data")
	}
}

func TestQuery_ErrorKinds(t *testing.T) {
	tests := []struct {
		name  string
		fetch Fetcher
		want  ErrorKind
	}{
		{"invalid json", func(context.Context, querykey.Key) (json.RawMessage, error) {
			return json.RawMessage(`{"broken`), nil
		}, KindDecode},
		{"rejected", func(context.Context, querykey.Key) (json.RawMessage, error) {
			return nil, &protocol.RemoteRejection{Method: "m", Message: "no library"}
		}, KindRejected},
		{"other", func(context.Context, querykey.Key) (json.RawMessage, error) {
			return nil, errors.New("boom")
		}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(t)
			sub := c.Query(querykey.MustNew(querykey.Spec{Method: "m"}), tt.fetch, QueryOptions{})
			snap := wait(t, sub)
			if snap.Status != StatusError || snap.Err == nil {
				t.Fatalf("expected error with detail, got %s %v", snap.Status, snap.Err)
			}
			if snap.Err.Kind != tt.want {
				t.Errorf("kind = %s, want %s", snap.Err.Kind, tt.want)
			}
			if snap.HasData() {
				t.Error("failed first fetch should have no data")
			}
		})
	}
}

func TestFetch_LastIssuedWins(t *testing.T) {
	c, _ := newTestCache(t)

	var mu sync.Mutex
	var gates []chan struct{}
	fetch := func(ctx context.Context, _ querykey.Key) (json.RawMessage, error) {
		mu.Lock()
		n := len(gates)
		gate := make(chan struct{})
		gates = append(gates, gate)
		mu.Unlock()
		<-gate
		return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)), nil
	}
	gateCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(gates)
	}
	gate := func(i int) chan struct{} {
		mu.Lock()
		defer mu.Unlock()
		return gates[i]
	}

	sub := c.Query(querykey.MustNew(querykey.Spec{Method: "slow"}), fetch, QueryOptions{})
	testutil.WaitFor(t, time.Second, func() bool { return gateCount() == 1 }, "first fetch")
	sub.Refetch()
	testutil.WaitFor(t, time.Second, func() bool { return gateCount() == 2 }, "second fetch")

	close(gate(1))
	snap := wait(t, sub)
	if string(snap.Data) != `{"n":1}` {
		t.Fatalf("expected newest fetch to commit, got %s", snap.Data)
	}

	close(gate(0))
	time.Sleep(20 * time.Millisecond)
	if got := sub.Snapshot().Data; string(got) != `{"n":1}` {
		t.Errorf("superseded fetch overwrote data: %s", got)
	}
}

func TestUnsubscribeDoesNotCancelFetch(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("locations.list", []any{})
	release := remote.Hold()

	sub := c.Query(querykey.LocationsList(), RemoteFetcher(remote), QueryOptions{})
	<-remote.Entered()
	sub.Close()
	release()

	testutil.WaitFor(t, time.Second, func() bool {
		snap, ok := c.Peek(querykey.LocationsList())
		return ok && snap.Status == StatusSuccess
	}, "fetch result applied after unsubscribe")
}

func TestApplyEvent_ScopedToIndexedResources(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("locations.list", map[string]any{"locations": []map[string]any{{"id": "l1"}, {"id": "l2"}}})
	remote.SetQuery("devices.list", []map[string]any{{"id": "d1"}})
	remote.SetQuery("files.by_id", map[string]any{"id": "f1", "name": "a.txt"})
	fetch := RemoteFetcher(remote)

	locs := c.Query(querykey.LocationsList(), fetch, QueryOptions{})
	devs := c.Query(querykey.DevicesList(), fetch, QueryOptions{})
	file := c.Query(querykey.FileByID("f1", "/docs"), fetch, QueryOptions{})
	wait(t, locs)
	wait(t, devs)
	wait(t, file)

	n := c.ApplyEvent(events.ResourceChanged{ResourceType: "location", ResourceID: "l2"})
	if n != 1 {
		t.Fatalf("expected 1 invalidated entry, got %d", n)
	}
	testutil.WaitFor(t, time.Second, func() bool { return remote.Calls("locations.list") == 2 }, "locations refetch")
	wait(t, locs)

	if got := remote.Calls("devices.list"); got != 1 {
		t.Errorf("devices refetched %d times", got)
	}
	if got := remote.Calls("files.by_id"); got != 1 {
		t.Errorf("file refetched %d times", got)
	}

	// Unknown resource touches nothing.
	if n := c.ApplyEvent(events.ResourceDeleted{ResourceType: "location", ResourceID: "l9"}); n != 0 {
		t.Errorf("unknown resource invalidated %d entries", n)
	}

	c.ApplyEvent(events.ResourceDeleted{ResourceType: "file", ResourceID: "f1"})
	testutil.WaitFor(t, time.Second, func() bool { return remote.Calls("files.by_id") == 2 }, "file refetch")
	if got := remote.Calls("locations.list"); got != 2 {
		t.Errorf("locations refetched on file event: %d", got)
	}
}

func TestApplyEvent_PathScope(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("files.directory_listing", map[string]any{"files": []any{}})
	remote.SetQuery("search.files", map[string]any{"files": []any{}})
	fetch := RemoteFetcher(remote)

	docs := c.Query(querykey.DirectoryListing("/docs"), fetch, QueryOptions{})
	search, _ := querykey.SearchFiles(querykey.SearchOptions{Query: "cat", Scope: "/photos"})
	photos := c.Query(search, fetch, QueryOptions{})
	wait(t, docs)
	wait(t, photos)

	tests := []struct {
		name    string
		ev      events.Event
		matched int
	}{
		{"child of listing", events.ResourceChanged{ResourceType: "file", PathScope: "/docs/new.txt"}, 1},
		{"grandchild of listing", events.ResourceChanged{ResourceType: "file", PathScope: "/docs/a/b.txt"}, 0},
		{"descendant of search scope", events.ResourceChanged{ResourceType: "file", PathScope: "/photos/2024/cat.jpg"}, 1},
		{"other type", events.ResourceChanged{ResourceType: "location", PathScope: "/docs/new.txt"}, 0},
		{"unrelated dir", events.ResourceChanged{ResourceType: "file", PathScope: "/music/x.mp3"}, 0},
	}
	for _, tt := range tests {
		if got := c.ApplyEvent(tt.ev); got != tt.matched {
			t.Errorf("%s: matched %d, want %d", tt.name, got, tt.matched)
		}
		wait(t, docs)
		wait(t, photos)
	}
}

func TestApplyEvent_ConfigChanged(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("config.app.get", map[string]any{"theme": "dark"})
	remote.SetQuery("locations.list", []any{})
	fetch := RemoteFetcher(remote)

	cfg := c.Query(querykey.ConfigApp(), fetch, QueryOptions{})
	locs := c.Query(querykey.LocationsList(), fetch, QueryOptions{})
	wait(t, cfg)
	wait(t, locs)

	if n := c.ApplyEvent(events.ConfigChanged{Field: "theme"}); n != 1 {
		t.Fatalf("expected 1 entry invalidated, got %d", n)
	}
	testutil.WaitFor(t, time.Second, func() bool { return remote.Calls("config.app.get") == 2 }, "config refetch")
	if got := remote.Calls("locations.list"); got != 1 {
		t.Errorf("locations refetched on config change: %d", got)
	}

	// Job events are not the cache's business.
	if n := c.ApplyEvent(events.JobStarted{JobID: "j1"}); n != 0 {
		t.Errorf("job event invalidated %d entries", n)
	}
}

func TestApplyEvent_ConfigRules(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(Options{
		Clock:       clock,
		Logger:      zap.NewNop(),
		ConfigRules: map[string][]string{"devices": {"devices.list"}},
	})
	defer c.Close()
	remote := testutil.NewFakeRemote()
	remote.SetQuery("config.app.get", map[string]any{})
	remote.SetQuery("devices.list", []any{})
	fetch := RemoteFetcher(remote)
	wait(t, c.Query(querykey.ConfigApp(), fetch, QueryOptions{}))
	wait(t, c.Query(querykey.DevicesList(), fetch, QueryOptions{}))

	c.ApplyEvent(events.ConfigChanged{Field: "devices"})
	testutil.WaitFor(t, time.Second, func() bool { return remote.Calls("devices.list") == 2 }, "devices refetch")
	if got := remote.Calls("config.app.get"); got != 1 {
		t.Errorf("explicit rule should replace the default, config fetched %d times", got)
	}
}

func TestInvalidate_LazyWithoutSubscribers(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("locations.list", []any{})
	fetch := RemoteFetcher(remote)

	sub := c.Query(querykey.LocationsList(), fetch, QueryOptions{})
	wait(t, sub)
	sub.Close()

	if n := c.InvalidateMethods("locations.list"); n != 1 {
		t.Fatalf("expected 1 match, got %d", n)
	}
	time.Sleep(10 * time.Millisecond)
	if got := remote.Calls("locations.list"); got != 1 {
		t.Fatalf("unobserved entry refetched eagerly: %d calls", got)
	}
	snap, _ := c.Peek(querykey.LocationsList())
	if !snap.Stale {
		t.Error("entry should be marked stale")
	}

	sub = c.Query(querykey.LocationsList(), fetch, QueryOptions{})
	wait(t, sub)
	if got := remote.Calls("locations.list"); got != 2 {
		t.Errorf("expected refetch on resubscribe, got %d calls", got)
	}
	if sub.Snapshot().Stale {
		t.Error("refetched entry still stale")
	}
}

func TestInvalidate_LazyDuringFetch(t *testing.T) {
	tests := []struct {
		name string
		// resubscribe before the held fetch is released
		early bool
	}{
		{name: "after commit"},
		{name: "while in flight", early: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(t)
			remote := testutil.NewFakeRemote()
			remote.SetQuery("locations.list", []any{})
			release := remote.Hold()
			fetch := RemoteFetcher(remote)
			key := querykey.LocationsList()

			sub := c.Query(key, fetch, QueryOptions{})
			<-remote.Entered()
			sub.Close()
			if n := c.InvalidateMethods("locations.list"); n != 1 {
				t.Fatalf("expected 1 match, got %d", n)
			}

			if !tt.early {
				release()
				testutil.WaitFor(t, time.Second, func() bool {
					snap, _ := c.Peek(key)
					return snap.Status == StatusSuccess
				}, "held fetch committed")
				if snap, _ := c.Peek(key); !snap.Stale {
					t.Fatal("fetch issued before the invalidation cleared the stale mark")
				}
			}

			sub = c.Query(key, fetch, QueryOptions{})
			release()
			snap := wait(t, sub)
			if got := remote.Calls("locations.list"); got != 2 {
				t.Errorf("expected refetch on resubscribe, got %d calls", got)
			}
			if snap.Stale {
				t.Error("refetched entry still stale")
			}
		})
	}
}

func TestInvalidate_DisabledSubscriberDuringFetch(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("locations.list", []any{})
	release := remote.Hold()
	key := querykey.LocationsList()

	sub := c.Query(key, RemoteFetcher(remote), QueryOptions{})
	<-remote.Entered()
	sub.SetEnabled(false)
	c.InvalidateMethods("locations.list")
	release()

	testutil.WaitFor(t, time.Second, func() bool {
		return sub.Snapshot().Status == StatusSuccess
	}, "held fetch committed")
	if !sub.Snapshot().Stale {
		t.Fatal("entry should stay stale while its subscriber is disabled")
	}

	sub.SetEnabled(true)
	snap := wait(t, sub)
	if got := remote.Calls("locations.list"); got != 2 {
		t.Errorf("expected refetch on enable, got %d calls", got)
	}
	if snap.Stale {
		t.Error("refetched entry still stale")
	}
}

func TestEviction(t *testing.T) {
	c, advance := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("locations.list", []map[string]any{{"id": "l1"}})
	fetch := RemoteFetcher(remote)

	sub := c.Query(querykey.LocationsList(), fetch, QueryOptions{})
	wait(t, sub)
	sub.Close()

	advance(grace - time.Second)
	if c.Len() != 1 {
		t.Fatal("entry evicted before grace window")
	}
	advance(time.Second)
	testutil.WaitFor(t, time.Second, func() bool { return c.Len() == 0 }, "eviction")

	if keys := c.KeysFor(ResourceRef{Type: "location", ID: "l1"}); len(keys) != 0 {
		t.Errorf("evicted entry still indexed: %v", keys)
	}
}

func TestEviction_CancelledByResubscribe(t *testing.T) {
	c, advance := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("locations.list", []any{})
	fetch := RemoteFetcher(remote)

	sub := c.Query(querykey.LocationsList(), fetch, QueryOptions{})
	wait(t, sub)
	sub.Close()
	advance(grace / 2)

	again := c.Query(querykey.LocationsList(), fetch, QueryOptions{})
	advance(grace)
	time.Sleep(10 * time.Millisecond)

	if c.Len() != 1 {
		t.Fatal("resubscribed entry was evicted")
	}
	if got := remote.Calls("locations.list"); got != 1 {
		t.Errorf("reused entry refetched: %d calls", got)
	}
	if again.Snapshot().Status != StatusSuccess {
		t.Error("reused entry lost its data")
	}
}

func TestSetEnabled(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	key, enabled := querykey.SearchFiles(querykey.SearchOptions{Query: "x"})
	remote.SetQuery("search.files", map[string]any{"files": []any{}})

	sub := c.Query(key, RemoteFetcher(remote), QueryOptions{Disabled: !enabled})
	time.Sleep(10 * time.Millisecond)
	if got := remote.Calls("search.files"); got != 0 {
		t.Fatalf("disabled query fetched %d times", got)
	}
	if sub.Snapshot().Status != StatusIdle {
		t.Errorf("expected idle, got %s", sub.Snapshot().Status)
	}

	sub.SetEnabled(true)
	wait(t, sub)
	sub.SetEnabled(true)
	if got := remote.Calls("search.files"); got != 1 {
		t.Errorf("expected 1 fetch after enabling, got %d", got)
	}

	sub.SetEnabled(false)
	sub.SetEnabled(true)
	wait(t, sub)
	if got := remote.Calls("search.files"); got != 2 {
		t.Errorf("false->true should refetch, got %d calls", got)
	}
}

func TestPatch(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("locations.list", []map[string]any{{"id": "l1"}})
	sub := c.Query(querykey.LocationsList(), RemoteFetcher(remote), QueryOptions{})
	wait(t, sub)
	<-sub.Updates()

	changed, err := c.Patch(querykey.LocationsList(), func(data json.RawMessage) (json.RawMessage, bool, error) {
		return json.RawMessage(`[{"id":"l1"},{"id":"l2"}]`), true, nil
	})
	if err != nil || !changed {
		t.Fatalf("patch: changed=%v err=%v", changed, err)
	}
	select {
	case <-sub.Updates():
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified of patch")
	}
	if len(c.KeysFor(ResourceRef{Type: "location", ID: "l2"})) != 1 {
		t.Error("patched data not re-indexed")
	}

	_, err = c.Patch(querykey.LocationsList(), func(json.RawMessage) (json.RawMessage, bool, error) {
		return json.RawMessage(`{`), true, nil
	})
	if _, ok := protocol.AsDecode(err); !ok {
		t.Errorf("expected DecodeError for invalid patch, got %v", err)
	}

	changed, _ = c.Patch(querykey.DevicesList(), func(json.RawMessage) (json.RawMessage, bool, error) {
		t.Error("patch fn called for missing entry")
		return nil, true, nil
	})
	if changed {
		t.Error("patch of missing entry reported change")
	}
}

func TestSnapshotDecode(t *testing.T) {
	c, _ := newTestCache(t)
	remote := testutil.NewFakeRemote()
	remote.SetQuery("locations.list", []map[string]any{{"id": "l1", "name": "Home"}})
	snap := wait(t, c.Query(querykey.LocationsList(), RemoteFetcher(remote), QueryOptions{}))

	var locs []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := snap.Decode(&locs); err != nil {
		t.Fatal(err)
	}
	if len(locs) != 1 || locs[0].Name != "Home" {
		t.Errorf("unexpected decode %+v", locs)
	}

	var wrong map[string]any
	if _, ok := protocol.AsDecode(snap.Decode(&wrong)); !ok {
		t.Error("expected DecodeError for wrong shape")
	}
	if err := (Snapshot{Key: querykey.LocationsList()}).Decode(&locs); err == nil {
		t.Error("expected error decoding empty snapshot")
	}
}

func TestDefaultExtractor(t *testing.T) {
	key := querykey.MustNew(querykey.Spec{Method: "files.by_id", ResourceType: "file", ResourceID: "f0"})
	data := json.RawMessage(`{"id":"f1","children":[{"id":"f2"},{"id":3},{"name":"x"}],"meta":{"id":"nested"}}`)

	got := make(map[string]bool)
	for _, r := range DefaultExtractor(key, data) {
		if r.Type != "file" {
			t.Errorf("unexpected type %s", r.Type)
		}
		got[r.ID] = true
	}
	for _, id := range []string{"f0", "f1", "f2", "3"} {
		if !got[id] {
			t.Errorf("missing ref %s", id)
		}
	}
	if got["nested"] {
		t.Error("nested non-record object should not be indexed")
	}

	untyped := querykey.MustNew(querykey.Spec{Method: "m"})
	if refs := DefaultExtractor(untyped, data); len(refs) != 0 {
		t.Errorf("keys without a resource type index nothing, got %v", refs)
	}
}
