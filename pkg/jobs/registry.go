package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/logging"
	"github.com/slvnlrt/spacedrive/internal/metrics"
	"github.com/slvnlrt/spacedrive/pkg/cache"
	"github.com/slvnlrt/spacedrive/pkg/events"
	"github.com/slvnlrt/spacedrive/pkg/mutation"
	"github.com/slvnlrt/spacedrive/pkg/protocol"
	"github.com/slvnlrt/spacedrive/pkg/querykey"
	"github.com/slvnlrt/spacedrive/pkg/speed"
)

// Job control methods.
const (
	MethodPause  = "jobs.pause"
	MethodResume = "jobs.resume"
	MethodCancel = "jobs.cancel"
)

// DefaultDedupWindow suppresses repeated terminal callbacks for a job.
const DefaultDedupWindow = 5 * time.Second

// Remote is what the registry needs from the daemon connection.
type Remote interface {
	cache.Querier
	mutation.Mutator
}

// Options configures a Registry. Callbacks run on the goroutine that
// calls Handle, except OnVolumeIndexing which runs on the registry's
// own watcher.
//
// Each terminal callback fires at most once per job id within
// DedupWindow. The window is tracked per callback, so a JobFailed
// followed by a JobCancelled for the same job fires both OnJobFailed and
// OnJobCancelled. A redelivery after the window has passed fires again.
type Options struct {
	Clock       clockwork.Clock
	DedupWindow time.Duration
	Logger      *zap.Logger

	OnJobCompleted   func(jobID, jobType string)
	OnJobFailed      func(jobID, message string)
	OnJobCancelled   func(jobID string)
	OnVolumeIndexing func(fingerprint, jobID string, active bool)
}

// Registry is a live view of all jobs. The job list comes from one
// cached jobs.list query; afterwards it changes only through events.
type Registry struct {
	cache  *cache.Cache
	key    querykey.Key
	sub    *cache.Subscription
	speed  *speed.Tracker
	clock  clockwork.Clock
	window time.Duration
	log    *zap.Logger
	opts   Options

	pauseAction  *mutation.Mutation
	resumeAction *mutation.Mutation
	cancelAction *mutation.Mutation

	mu      sync.Mutex
	fired   map[string]time.Time
	pending map[string]int
	volumes map[string]string

	updates   chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New subscribes to jobs.list and starts tracking.
func New(c *cache.Cache, remote Remote, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	log := logging.Named(opts.Logger, "jobs")

	r := &Registry{
		cache:   c,
		key:     querykey.JobsList(nil),
		speed:   speed.New(opts.Clock),
		clock:   opts.Clock,
		window:  opts.DedupWindow,
		log:     log,
		opts:    opts,
		fired:   make(map[string]time.Time),
		pending: make(map[string]int),
		volumes: make(map[string]string),
		updates: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	d := mutation.New(remote, c, log)
	r.pauseAction = d.Action(MethodPause, mutation.Invalidation{})
	r.resumeAction = d.Action(MethodResume, mutation.Invalidation{})
	r.cancelAction = d.Action(MethodCancel, mutation.Invalidation{})

	r.sub = c.Query(r.key, cache.RemoteFetcher(remote), cache.QueryOptions{})

	r.wg.Add(1)
	go r.watch()
	return r
}

// Close stops tracking and releases the jobs.list subscription.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()
		r.sub.Close()
	})
}

// Ready waits for the first jobs.list result and returns its error, if
// any.
func (r *Registry) Ready(ctx context.Context) error {
	snap, err := r.sub.Wait(ctx)
	if err != nil {
		return err
	}
	if snap.Err != nil {
		return snap.Err
	}
	return nil
}

// Updates signals after the job list changes. Signals coalesce.
func (r *Registry) Updates() <-chan struct{} { return r.updates }

// List returns the current jobs in daemon order. It is empty while the
// first fetch is pending or has failed.
func (r *Registry) List() []Job {
	return decodeJobs(r.sub.Snapshot(), r.log)
}

// Err returns the error of the last jobs.list fetch, or nil.
func (r *Registry) Err() error {
	if info := r.sub.Snapshot().Err; info != nil {
		return info
	}
	return nil
}

// Loading reports whether the first fetch is still in flight.
func (r *Registry) Loading() bool {
	return r.sub.Snapshot().Status == cache.StatusLoading
}

// ActiveJobCount counts running and paused jobs.
func (r *Registry) ActiveJobCount() int { return ActiveCount(r.List()) }

// HasRunningJobs reports whether any job is running.
func (r *Registry) HasRunningJobs() bool { return AnyRunning(r.List()) }

// SpeedHistory returns the throughput samples recorded for jobID.
func (r *Registry) SpeedHistory(jobID string) []speed.Sample { return r.speed.Get(jobID) }

// IndexingVolumes returns the current volume fingerprint to job id map.
func (r *Registry) IndexingVolumes() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.volumes))
	for fp, id := range r.volumes {
		out[fp] = id
	}
	return out
}

// ActionPending reports whether a control action for jobID is in
// flight. It is independent of the job's status.
func (r *Registry) ActionPending(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[jobID] > 0
}

// Pause asks the daemon to pause jobID.
func (r *Registry) Pause(ctx context.Context, jobID string) error {
	return r.control(ctx, r.pauseAction, jobID)
}

// Resume asks the daemon to resume jobID.
func (r *Registry) Resume(ctx context.Context, jobID string) error {
	return r.control(ctx, r.resumeAction, jobID)
}

// Cancel asks the daemon to cancel jobID.
func (r *Registry) Cancel(ctx context.Context, jobID string) error {
	return r.control(ctx, r.cancelAction, jobID)
}

// control runs one job action. A {"success": false} reply returns a
// *protocol.RemoteRejection and any failure to reach the daemon a
// *protocol.TransportError. Job state is never changed here; the
// resulting event does that.
func (r *Registry) control(ctx context.Context, m *mutation.Mutation, jobID string) error {
	r.mu.Lock()
	r.pending[jobID]++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.pending[jobID]--; r.pending[jobID] <= 0 {
			delete(r.pending, jobID)
		}
		r.mu.Unlock()
	}()

	_, err := m.Run(ctx, protocol.JobActionInput{JobID: jobID})
	if err == nil {
		return nil
	}
	if _, ok := protocol.AsRejection(err); ok {
		return err
	}
	if _, ok := protocol.AsDecode(err); ok {
		return err
	}
	if _, ok := protocol.AsTransport(err); ok {
		return err
	}
	return &protocol.TransportError{Method: m.Method(), Err: err}
}

// Handle applies one event. Events are expected in delivery order from
// a single goroutine.
func (r *Registry) Handle(ev events.Event) {
	ev.Accept(reconciler{r})
}

type reconciler struct{ r *Registry }

func (v reconciler) JobQueued(events.JobQueued)   { v.r.refetch("queued") }
func (v reconciler) JobStarted(events.JobStarted) { v.r.refetch("started") }
func (v reconciler) JobPaused(events.JobPaused)   { v.r.refetch("paused") }
func (v reconciler) JobResumed(events.JobResumed) { v.r.refetch("resumed") }

func (v reconciler) JobProgress(e events.JobProgress) { v.r.applyProgress(e) }

func (v reconciler) JobCompleted(e events.JobCompleted) {
	v.r.finish(e.Type(), e.JobID, func() {
		if v.r.opts.OnJobCompleted != nil {
			v.r.opts.OnJobCompleted(e.JobID, e.JobType)
		}
	})
}

func (v reconciler) JobFailed(e events.JobFailed) {
	v.r.finish(e.Type(), e.JobID, func() {
		if v.r.opts.OnJobFailed != nil {
			v.r.opts.OnJobFailed(e.JobID, e.Error)
		}
	})
}

func (v reconciler) JobCancelled(e events.JobCancelled) {
	v.r.finish(e.Type(), e.JobID, func() {
		if v.r.opts.OnJobCancelled != nil {
			v.r.opts.OnJobCancelled(e.JobID)
		}
	})
}

func (reconciler) ConfigChanged(events.ConfigChanged)     {}
func (reconciler) ResourceChanged(events.ResourceChanged) {}
func (reconciler) ResourceDeleted(events.ResourceDeleted) {}

func (r *Registry) refetch(reason string) {
	n := r.cache.InvalidateMethods(querykey.MethodJobsList)
	r.log.Debug("refetching job list", zap.String("reason", reason), zap.Int("entries", n))
}

func (r *Registry) applyProgress(ev events.JobProgress) {
	if g := ev.GenericProgress; g != nil && g.Performance.Rate > 0 {
		r.speed.Record(ev.JobID, g.Performance.Rate)
	}

	changed, err := r.cache.Patch(r.key, func(data json.RawMessage) (json.RawMessage, bool, error) {
		return mergeProgress(data, ev)
	})
	if err != nil {
		r.log.Warn("progress merge failed", logging.JobID(ev.JobID), zap.Error(err))
		return
	}
	if !changed {
		r.log.Debug("dropping progress for unknown job", logging.JobID(ev.JobID))
	}
}

// finish handles a terminal event. Speed history is dropped and the
// list refetched; fire runs at most once per event kind and job within
// the dedup window.
func (r *Registry) finish(kind, jobID string, fire func()) {
	r.speed.Clear(jobID)
	if jobID != "" && r.firstTerminal(kind+"/"+jobID) {
		fire()
	} else {
		r.log.Debug("duplicate terminal event", zap.String("type", kind), logging.JobID(jobID))
	}
	r.refetch("terminal")
}

func (r *Registry) firstTerminal(key string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, at := range r.fired {
		if now.Sub(at) >= r.window {
			delete(r.fired, id)
		}
	}
	if _, ok := r.fired[key]; ok {
		return false
	}
	r.fired[key] = now
	return true
}

// watch reacts to job list changes: job gauges and volume indexing
// transitions.
func (r *Registry) watch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-r.sub.Updates():
		}

		jobs := decodeJobs(r.sub.Snapshot(), r.log)
		metrics.SetJobCounts(CountByStatus(jobs))
		r.syncVolumes(IndexingVolumes(jobs))

		select {
		case r.updates <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) syncVolumes(next map[string]string) {
	type change struct {
		fp, jobID string
		active    bool
	}
	var changes []change

	r.mu.Lock()
	for fp, id := range r.volumes {
		if next[fp] != id {
			changes = append(changes, change{fp, id, false})
		}
	}
	for fp, id := range next {
		if r.volumes[fp] != id {
			changes = append(changes, change{fp, id, true})
		}
	}
	r.volumes = next
	r.mu.Unlock()

	if r.opts.OnVolumeIndexing == nil {
		return
	}
	for _, c := range changes {
		r.opts.OnVolumeIndexing(c.fp, c.jobID, c.active)
	}
}

func decodeJobs(snap cache.Snapshot, log *zap.Logger) []Job {
	if !snap.HasData() {
		return nil
	}
	var out ListOutput
	if err := snap.Decode(&out); err != nil {
		log.Warn("decode job list", zap.Error(err))
		return nil
	}
	return out.Jobs
}
