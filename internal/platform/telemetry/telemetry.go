// Package telemetry records HTTP and application metrics in memory and serves
// them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Request duration buckets in seconds.
var durationBuckets = []float64{0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; they are accumulated on export.
type histogram struct {
	bounds []float64

	mu      sync.Mutex
	buckets []int64
	count   int64
	sumBits uint64
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{bounds: bounds, buckets: make([]int64, len(bounds))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sumBits)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sumBits, old, next) {
			break
		}
	}
	i := sort.SearchFloat64s(h.bounds, v)
	if i == len(h.bounds) {
		return
	}
	h.mu.Lock()
	h.buckets[i]++
	h.mu.Unlock()
}

func (h *histogram) snapshot() (cumulative []int64, count int64, sum float64) {
	h.mu.Lock()
	cumulative = make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		cumulative[i] = running
	}
	h.mu.Unlock()
	return cumulative, atomic.LoadInt64(&h.count), math.Float64frombits(atomic.LoadUint64(&h.sumBits))
}

// ---------------------------------------------------------------------------
// Counter
// ---------------------------------------------------------------------------

// Counter is a monotonically increasing metric with a fixed label set.
type Counter struct {
	name   string
	help   string
	labels []string

	mu     sync.RWMutex
	values map[string]*int64
}

// Inc adds one to the series identified by labelValues. Missing values are
// exported as empty strings.
func (c *Counter) Inc(labelValues ...string) {
	key := seriesKey(labelValues, len(c.labels))
	c.mu.RLock()
	p, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if p, ok = c.values[key]; !ok {
			p = new(int64)
			c.values[key] = p
		}
		c.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// Value returns the current count of one series.
func (c *Counter) Value(labelValues ...string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.values[seriesKey(labelValues, len(c.labels))]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func seriesKey(values []string, n int) string {
	parts := make([]string, n)
	copy(parts, values)
	return strings.Join(parts, "\x1f")
}

type gauge struct {
	name string
	help string
	fn   func() int64
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider owns every metric of the process.
type Provider struct {
	service string
	version string

	active int64

	mu       sync.RWMutex
	requests map[string]*histogram
	counters []*Counter
	gauges   []gauge
}

func NewProvider(service, version string) *Provider {
	return &Provider{
		service:  service,
		version:  version,
		requests: make(map[string]*histogram),
	}
}

// Counter registers a counter. Names must be unique and should end in _total.
func (p *Provider) Counter(name, help string, labels ...string) *Counter {
	c := &Counter{name: name, help: help, labels: labels, values: make(map[string]*int64)}
	p.mu.Lock()
	p.counters = append(p.counters, c)
	p.mu.Unlock()
	return c
}

// GaugeFunc registers a gauge sampled from fn at scrape time.
func (p *Provider) GaugeFunc(name, help string, fn func() int64) {
	p.mu.Lock()
	p.gauges = append(p.gauges, gauge{name: name, help: help, fn: fn})
	p.mu.Unlock()
}

func (p *Provider) requestHistogram(method, route, status string) *histogram {
	key := method + "|" + route + "|" + status
	p.mu.RLock()
	h, ok := p.requests[key]
	p.mu.RUnlock()
	if ok {
		return h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.requests[key]; !ok {
		h = newHistogram(durationBuckets)
		p.requests[key] = h
	}
	return h
}

// RequestCount returns how many requests matched method, route pattern and status.
func (p *Provider) RequestCount(method, route string, status int) int64 {
	p.mu.RLock()
	h, ok := p.requests[method+"|"+route+"|"+strconv.Itoa(status)]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	_, count, _ := h.snapshot()
	return count
}

// Middleware records request durations keyed by method, route pattern and
// status code, plus the number of in-flight requests.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.active, 1)
			defer atomic.AddInt64(&p.active, -1)
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let the error handler write the response so the status is final.
				c.Error(err)
				err = nil
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(c.Response().Status)
			p.requestHistogram(c.Request().Method, route, status).observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves GET /metrics.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		p.write(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (p *Provider) write(b *strings.Builder) {
	b.WriteString("# HELP build_info Build information.\n# TYPE build_info gauge\n")
	fmt.Fprintf(b, "build_info{service=%q,version=%q} 1\n\n", p.service, p.version)

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&p.active))

	p.mu.RLock()
	keys := make([]string, 0, len(p.requests))
	for k := range p.requests {
		keys = append(keys, k)
	}
	hists := make(map[string]*histogram, len(p.requests))
	for k, h := range p.requests {
		hists[k] = h
	}
	counters := append([]*Counter(nil), p.counters...)
	gauges := append([]gauge(nil), p.gauges...)
	p.mu.RUnlock()
	sort.Strings(keys)

	const reqName = "http_server_request_duration_seconds"
	fmt.Fprintf(b, "# HELP %s Duration of HTTP requests in seconds.\n# TYPE %s histogram\n", reqName, reqName)
	for _, k := range keys {
		parts := strings.SplitN(k, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(b, reqName, labels, hists[k])
	}
	b.WriteByte('\n')

	for _, c := range counters {
		writeCounter(b, c)
	}
	for _, g := range gauges {
		fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", g.name, g.help, g.name, g.name, g.fn())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cumulative, count, sum := h.snapshot()
	for i, bound := range h.bounds {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, bound, cumulative[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, count)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, sum)
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, count)
}

func writeCounter(b *strings.Builder, c *Counter) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)

	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := atomic.LoadInt64(c.values[k])
		if len(c.labels) == 0 {
			fmt.Fprintf(b, "%s %d\n", c.name, v)
			continue
		}
		values := strings.Split(k, "\x1f")
		pairs := make([]string, len(c.labels))
		for i, l := range c.labels {
			pairs[i] = fmt.Sprintf("%s=%q", l, values[i])
		}
		fmt.Fprintf(b, "%s{%s} %d\n", c.name, strings.Join(pairs, ","), v)
	}
	c.mu.RUnlock()
	b.WriteByte('\n')
}
