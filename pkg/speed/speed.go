// Package speed keeps a bounded throughput history per job for graphing.
package speed

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MaxSamples is the number of samples retained per job.
const MaxSamples = 100

// Sample is one throughput reading.
type Sample struct {
	Timestamp      time.Time
	BytesPerSecond float64
}

// weighted remembers how many raw readings a sample stands for, so a
// sample compacted twice still holds the mean of its original readings.
type weighted struct {
	Sample
	n int
}

// Tracker records speed samples per job. It is safe for concurrent use.
type Tracker struct {
	clock clockwork.Clock

	mu      sync.Mutex
	history map[string][]weighted
}

// New creates a tracker. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock:   clock,
		history: make(map[string][]weighted),
	}
}

// Record appends a reading for jobID stamped with the current time.
// Timestamps are kept strictly increasing even if the clock stalls.
func (t *Tracker) Record(jobID string, bytesPerSecond float64) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	samples := t.history[jobID]
	if n := len(samples); n > 0 && !now.After(samples[n-1].Timestamp) {
		now = samples[n-1].Timestamp.Add(time.Nanosecond)
	}
	samples = append(samples, weighted{
		Sample: Sample{Timestamp: now, BytesPerSecond: bytesPerSecond},
		n:      1,
	})
	if len(samples) > MaxSamples {
		samples = downsample(samples)
	}
	t.history[jobID] = samples
}

// Get returns a copy of jobID's samples in time order, or nil.
func (t *Tracker) Get(jobID string) []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	samples := t.history[jobID]
	if len(samples) == 0 {
		return nil
	}
	out := make([]Sample, len(samples))
	for i, s := range samples {
		out[i] = s.Sample
	}
	return out
}

// Clear drops jobID's history.
func (t *Tracker) Clear(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, jobID)
}

// Jobs returns the number of jobs with history.
func (t *Tracker) Jobs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

// downsample folds contiguous buckets of ceil(len/MaxSamples) samples
// into one sample each, stamped with the bucket's first timestamp.
func downsample(samples []weighted) []weighted {
	step := (len(samples) + MaxSamples - 1) / MaxSamples
	out := make([]weighted, 0, (len(samples)+step-1)/step)

	for i := 0; i < len(samples); i += step {
		end := min(i+step, len(samples))
		var sum float64
		var n int
		for _, s := range samples[i:end] {
			sum += s.BytesPerSecond * float64(s.n)
			n += s.n
		}
		out = append(out, weighted{
			Sample: Sample{Timestamp: samples[i].Timestamp, BytesPerSecond: sum / float64(n)},
			n:      n,
		})
	}
	return out
}
