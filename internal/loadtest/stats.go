package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates samples from many clients. All methods are safe for
// concurrent use.
type Collector struct {
	mu        sync.Mutex
	samples   map[string][]time.Duration
	order     []string
	errors    int
	startTime time.Time
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{samples: make(map[string][]time.Duration), startTime: time.Now()}
}

// Add records a latency sample under name ("connect", "pair", "relay").
func (c *Collector) Add(name string, d time.Duration) {
	c.mu.Lock()
	if _, ok := c.samples[name]; !ok {
		c.order = append(c.order, name)
	}
	c.samples[name] = append(c.samples[name], d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Count returns the number of samples recorded under name.
func (c *Collector) Count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples[name])
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary describes the distribution of one sample set.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution for name. N is zero when there are no
// samples.
func (c *Collector) Summarize(name string) Summary {
	c.mu.Lock()
	ds := append([]time.Duration(nil), c.samples[name]...)
	c.mu.Unlock()
	return summarize(ds)
}

func summarize(ds []time.Duration) Summary {
	n := len(ds)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })

	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: ds[n/2],
		P95: ds[int(math.Ceil(float64(n)*0.95))-1],
		P99: ds[int(math.Ceil(float64(n)*0.99))-1],
		Max: ds[n-1],
	}
}

// Report writes a summary of every sample set to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	errs := c.errors
	elapsed := time.Since(c.startTime)
	c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:  %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Errors:    %d\n", errs)

	for _, name := range names {
		s := c.Summarize(name)
		fmt.Fprintf(w, "\n--- %s latency ---\n", name)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			s.Avg.Round(time.Microsecond),
			s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond),
			s.N,
		)
	}
	fmt.Fprintln(w)
}
