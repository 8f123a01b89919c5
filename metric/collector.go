package metric

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// SampleKind distinguishes counter-style events from timed observations.
type SampleKind int

// Supported sample kinds.
const (
	KindCounter SampleKind = iota
	KindTimer
	KindGauge
)

// sample is one raw recorded observation.
type sample struct {
	kind  SampleKind
	value float64
	at    time.Time
}

// bucket is a compacted aggregate of samples within one compaction slot.
type bucket struct {
	count int64
	sum   float64
	min   float64
	max   float64
	from  time.Time
	to    time.Time
}

// Stats summarizes a series over a trailing window.
type Stats struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Average returns the mean sample value, or 0 for an empty window.
func (s Stats) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// series holds raw samples plus compacted history for one metric name.
type series struct {
	raw     []sample
	buckets []bucket
}

// Collector records typed numeric samples with optional tags and maintains
// rolling aggregates over a trailing window. Raw samples are periodically
// compacted into fixed-width buckets so long-running processes keep memory
// bounded regardless of sample rate.
type Collector struct {
	window      time.Duration
	bucketWidth time.Duration

	mu     sync.Mutex
	series map[string]*series

	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithWindow sets the trailing retention window (default 5m).
func WithWindow(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithBucketWidth sets the compaction bucket width (default 10s).
func WithBucketWidth(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.bucketWidth = d
		}
	}
}

// NewCollector creates a sample collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		window:      5 * time.Minute,
		bucketWidth: 10 * time.Second,
		series:      make(map[string]*series),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches periodic compaction. Safe to skip for short-lived use;
// compaction then happens inline on record.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.bucketWidth)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.Compact()
			}
		}
	}()
}

// Stop halts background compaction.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

// seriesKey folds tags into the series identity so differently-tagged
// streams aggregate separately under the same name prefix.
func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// Record adds a counter-style sample of the given value.
func (c *Collector) Record(name string, value float64, tags map[string]string) {
	c.record(name, tags, sample{kind: KindCounter, value: value, at: time.Now()})
}

// Increment records a counter sample of 1.
func (c *Collector) Increment(name string, tags map[string]string) {
	c.Record(name, 1, tags)
}

// RecordDuration adds a timer sample in milliseconds.
func (c *Collector) RecordDuration(name string, d time.Duration, tags map[string]string) {
	c.record(name, tags, sample{kind: KindTimer, value: float64(d.Milliseconds()), at: time.Now()})
}

func (c *Collector) record(name string, tags map[string]string, s sample) {
	key := seriesKey(name, tags)

	c.mu.Lock()
	defer c.mu.Unlock()

	sr, ok := c.series[key]
	if !ok {
		sr = &series{}
		c.series[key] = sr
	}
	sr.raw = append(sr.raw, s)

	// Without background compaction, keep memory bounded inline.
	if !c.started && len(sr.raw) >= 4096 {
		c.compactSeries(sr, time.Now())
	}
}

// Compact folds raw samples older than one bucket width into aggregate
// buckets and prunes history beyond the retention window.
func (c *Collector) Compact() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sr := range c.series {
		c.compactSeries(sr, now)
	}
}

func (c *Collector) compactSeries(sr *series, now time.Time) {
	cutoff := now.Add(-c.bucketWidth)
	horizon := now.Add(-c.window)

	var keep []sample
	var b *bucket
	for _, s := range sr.raw {
		if s.at.After(cutoff) {
			keep = append(keep, s)
			continue
		}
		if s.at.Before(horizon) {
			continue
		}
		slot := s.at.Truncate(c.bucketWidth)
		if b == nil || !b.from.Equal(slot) {
			if b != nil {
				sr.buckets = append(sr.buckets, *b)
			}
			b = &bucket{min: s.value, max: s.value, from: slot, to: slot.Add(c.bucketWidth)}
		}
		b.count++
		b.sum += s.value
		if s.value < b.min {
			b.min = s.value
		}
		if s.value > b.max {
			b.max = s.value
		}
	}
	if b != nil {
		sr.buckets = append(sr.buckets, *b)
	}
	sr.raw = keep

	// Prune expired buckets.
	trimmed := sr.buckets[:0]
	for _, bk := range sr.buckets {
		if bk.to.After(horizon) {
			trimmed = append(trimmed, bk)
		}
	}
	sr.buckets = trimmed
}

// Stats returns aggregate statistics for all series sharing the given
// name over the trailing window.
func (c *Collector) Stats(name string, window time.Duration) Stats {
	if window <= 0 || window > c.window {
		window = c.window
	}
	since := time.Now().Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	var out Stats
	first := true
	merge := func(count int64, sum, minV, maxV float64) {
		out.Count += count
		out.Sum += sum
		if first {
			out.Min, out.Max = minV, maxV
			first = false
			return
		}
		if minV < out.Min {
			out.Min = minV
		}
		if maxV > out.Max {
			out.Max = maxV
		}
	}

	for key, sr := range c.series {
		if key != name && !strings.HasPrefix(key, name+"|") {
			continue
		}
		for _, s := range sr.raw {
			if s.at.Before(since) {
				continue
			}
			merge(1, s.value, s.value, s.value)
		}
		for _, bk := range sr.buckets {
			if !bk.to.After(since) {
				continue
			}
			merge(bk.count, bk.sum, bk.min, bk.max)
		}
	}
	return out
}

// Throughput returns events per second for a named series over the
// trailing window.
func (c *Collector) Throughput(name string, window time.Duration) float64 {
	if window <= 0 || window > c.window {
		window = c.window
	}
	st := c.Stats(name, window)
	secs := window.Seconds()
	if secs == 0 {
		return 0
	}
	return float64(st.Count) / secs
}

// AverageLatency returns the mean recorded duration for a timer series
// over the trailing window.
func (c *Collector) AverageLatency(name string, window time.Duration) time.Duration {
	st := c.Stats(name, window)
	return time.Duration(st.Average() * float64(time.Millisecond))
}

// Names returns all recorded series names (tags folded out).
func (c *Collector) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	for key := range c.series {
		name := key
		if i := strings.IndexByte(key, '|'); i >= 0 {
			name = key[:i]
		}
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
