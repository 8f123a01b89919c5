package metric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorStats(t *testing.T) {
	c := NewCollector()

	c.Record("requests", 1, nil)
	c.Record("requests", 1, nil)
	c.Record("requests", 1, map[string]string{"peer": "indexer"})

	st := c.Stats("requests", time.Minute)
	assert.Equal(t, int64(3), st.Count)
	assert.Equal(t, 3.0, st.Sum)
	assert.Equal(t, 1.0, st.Average())
}

func TestCollectorStatsEmpty(t *testing.T) {
	c := NewCollector()

	st := c.Stats("nothing", time.Minute)
	assert.Equal(t, int64(0), st.Count)
	assert.Equal(t, 0.0, st.Average())
}

func TestCollectorStatsMinMax(t *testing.T) {
	c := NewCollector()

	c.Record("latency", 10, nil)
	c.Record("latency", 50, nil)
	c.Record("latency", 30, nil)

	st := c.Stats("latency", time.Minute)
	assert.Equal(t, 10.0, st.Min)
	assert.Equal(t, 50.0, st.Max)
	assert.InDelta(t, 30.0, st.Average(), 0.001)
}

func TestCollectorNamePrefixIsolation(t *testing.T) {
	c := NewCollector()

	c.Record("req", 1, nil)
	c.Record("requests", 1, nil)

	// "req" must not pick up "requests" samples.
	assert.Equal(t, int64(1), c.Stats("req", time.Minute).Count)
	assert.Equal(t, int64(1), c.Stats("requests", time.Minute).Count)
}

func TestCollectorThroughput(t *testing.T) {
	c := NewCollector()

	for range 10 {
		c.Increment("events", nil)
	}

	// 10 events over a 10 second window is 1/s.
	assert.InDelta(t, 1.0, c.Throughput("events", 10*time.Second), 0.001)
}

func TestCollectorAverageLatency(t *testing.T) {
	c := NewCollector()

	c.RecordDuration("handler", 100*time.Millisecond, nil)
	c.RecordDuration("handler", 300*time.Millisecond, nil)

	avg := c.AverageLatency("handler", time.Minute)
	assert.Equal(t, 200*time.Millisecond, avg)
}

func TestCollectorCompaction(t *testing.T) {
	c := NewCollector(WithWindow(time.Hour), WithBucketWidth(time.Millisecond))

	c.Record("dense", 2, nil)
	c.Record("dense", 4, nil)
	time.Sleep(5 * time.Millisecond)
	c.Compact()

	// Samples moved into buckets but stats still see them.
	st := c.Stats("dense", time.Hour)
	assert.Equal(t, int64(2), st.Count)
	assert.Equal(t, 6.0, st.Sum)
	assert.Equal(t, 2.0, st.Min)
	assert.Equal(t, 4.0, st.Max)

	// Compacting again is a no-op.
	c.Compact()
	assert.Equal(t, int64(2), c.Stats("dense", time.Hour).Count)
}

func TestCollectorWindowExpiry(t *testing.T) {
	c := NewCollector(WithWindow(10*time.Millisecond), WithBucketWidth(time.Millisecond))

	c.Record("fleeting", 1, nil)
	time.Sleep(25 * time.Millisecond)
	c.Compact()

	assert.Equal(t, int64(0), c.Stats("fleeting", time.Hour).Count)
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(WithBucketWidth(5 * time.Millisecond))
	c.Start()
	c.Start() // idempotent

	c.Record("bg", 1, nil)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int64(1), c.Stats("bg", time.Minute).Count)

	c.Stop()
	c.Stop() // idempotent
}

func TestCollectorNames(t *testing.T) {
	c := NewCollector()

	c.Record("beta", 1, nil)
	c.Record("alpha", 1, map[string]string{"k": "v"})
	c.Record("alpha", 1, nil)

	assert.Equal(t, []string{"alpha", "beta"}, c.Names())
}
