// Package stats samples chain traffic. It polls byte counters on the
// hop-facing interfaces and keeps a sliding window of rates per interface.
package stats

import (
	"sync"
	"time"
)

// RingBuffer holds a sliding window of rate samples.
type RingBuffer struct {
	data     []float64
	head     int
	capacity int
	isFull   bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		data:     make([]float64, size),
		capacity: size,
	}
}

// Add inserts a value, overwriting the oldest when full.
func (r *RingBuffer) Add(val float64) {
	r.data[r.head] = val
	r.head = (r.head + 1) % r.capacity
	if r.head == 0 {
		r.isFull = true
	}
}

// Snapshot returns the samples ordered oldest to newest.
func (r *RingBuffer) Snapshot() []float64 {
	out := make([]float64, 0, r.capacity)
	if r.isFull {
		out = append(out, r.data[r.head:]...)
		out = append(out, r.data[:r.head]...)
	} else {
		out = append(out, r.data[:r.head]...)
	}
	return out
}

// Len returns the number of samples held.
func (r *RingBuffer) Len() int {
	if r.isFull {
		return r.capacity
	}
	return r.head
}

// CounterFetcher returns the current byte count per interface.
type CounterFetcher interface {
	FetchCounters() (map[string]uint64, error)
}

// Collector polls a fetcher and converts counter deltas to rates.
type Collector struct {
	mu       sync.RWMutex
	buffers  map[string]*RingBuffer
	lastRaw  map[string]uint64
	totals   map[string]uint64
	interval time.Duration
	capacity int
	fetcher  CounterFetcher
	stopCh   chan struct{}
	running  bool
}

// CollectorOption configures the Collector.
type CollectorOption func(*Collector)

// WithCapacity sets the window size in samples.
func WithCapacity(n int) CollectorOption {
	return func(c *Collector) { c.capacity = n }
}

// NewCollector creates a collector polling fetcher every interval.
// Default window: 60 samples.
func NewCollector(interval time.Duration, fetcher CounterFetcher, opts ...CollectorOption) *Collector {
	c := &Collector{
		buffers:  make(map[string]*RingBuffer),
		lastRaw:  make(map[string]uint64),
		totals:   make(map[string]uint64),
		interval: interval,
		capacity: 60,
		fetcher:  fetcher,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start begins polling. Idempotent.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	go c.poll()
}

// Stop halts polling. Idempotent.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

func (c *Collector) poll() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sample()
		}
	}
}

// Sample takes one reading immediately. Exposed so the scheduler can drive
// sampling instead of the internal ticker.
func (c *Collector) Sample() {
	counters, err := c.fetcher.FetchCounters()
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	secs := c.interval.Seconds()
	for name, count := range counters {
		buf, ok := c.buffers[name]
		if !ok {
			buf = NewRingBuffer(c.capacity)
			c.buffers[name] = buf
			c.lastRaw[name] = count
			c.totals[name] = count
			continue
		}
		last := c.lastRaw[name]
		c.lastRaw[name] = count
		c.totals[name] = count
		if count < last {
			// Counter reset (interface recreated); skip the bogus delta.
			continue
		}
		buf.Add(float64(count-last) / secs)
	}

	// Interfaces that disappeared stop accumulating but keep history until
	// Reset.
}

// Rates returns the windowed rate history per interface, bytes/sec.
func (c *Collector) Rates() map[string][]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]float64, len(c.buffers))
	for name, buf := range c.buffers {
		out[name] = buf.Snapshot()
	}
	return out
}

// Current returns the latest rate per interface, bytes/sec.
func (c *Collector) Current() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.buffers))
	for name, buf := range c.buffers {
		snap := buf.Snapshot()
		if len(snap) > 0 {
			out[name] = snap[len(snap)-1]
		}
	}
	return out
}

// Totals returns the last raw byte count per interface.
func (c *Collector) Totals() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.totals))
	for name, v := range c.totals {
		out[name] = v
	}
	return out
}

// Reset drops all history, for use after a chain teardown.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffers = make(map[string]*RingBuffer)
	c.lastRaw = make(map[string]uint64)
	c.totals = make(map[string]uint64)
}
