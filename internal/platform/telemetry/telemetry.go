// Package telemetry keeps in-process HTTP and domain metrics and serves them
// in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"
)

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// histogram stores non-cumulative bucket counts; the exporter accumulates.
type histogram struct {
	mu      sync.Mutex
	bounds  []float64
	buckets []int64
	count   int64
	sum     float64
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{bounds: bounds, buckets: make([]int64, len(bounds))}
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.bounds {
		if v <= b {
			h.buckets[i]++
			return
		}
	}
}

func (h *histogram) snapshot() (cum []int64, count int64, sum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum = make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		cum[i] = running
	}
	return cum, h.count, h.sum
}

type gaugeFunc struct {
	help string
	fn   func() int64
}

// Provider owns all metric state for one server.
type Provider struct {
	cfg Config

	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status
	counters  map[string]*int64     // name|label
	gauges    map[string]gaugeFunc

	active atomic.Int64
}

func NewProvider(cfg Config) *Provider {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cardiorisk-server"
	}
	return &Provider{
		cfg:       cfg,
		durations: make(map[string]*histogram),
		counters:  make(map[string]*int64),
		gauges:    make(map[string]gaugeFunc),
	}
}

func labelsKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// Inc adds one to the counter name{type=label}. name must be a valid
// Prometheus metric name.
func (p *Provider) Inc(name, label string) {
	key := labelsKey(name, label)
	p.mu.RLock()
	c, ok := p.counters[key]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if c, ok = p.counters[key]; !ok {
			c = new(int64)
			p.counters[key] = c
		}
		p.mu.Unlock()
	}
	atomic.AddInt64(c, 1)
}

// Counter returns the current value of name{type=label}.
func (p *Provider) Counter(name, label string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.counters[labelsKey(name, label)]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// RegisterGauge adds a gauge sampled on every scrape.
func (p *Provider) RegisterGauge(name, help string, fn func() int64) {
	p.mu.Lock()
	p.gauges[name] = gaugeFunc{help: help, fn: fn}
	p.mu.Unlock()
}

func (p *Provider) observeDuration(method, route, status string, seconds float64) {
	key := labelsKey(method, route, status)
	p.mu.RLock()
	h, ok := p.durations[key]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if h, ok = p.durations[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			p.durations[key] = h
		}
		p.mu.Unlock()
	}
	h.observe(seconds)
}

// RequestCount returns how many requests matched method, route and status.
func (p *Provider) RequestCount(method, route string, status int) int64 {
	p.mu.RLock()
	h, ok := p.durations[labelsKey(method, route, strconv.Itoa(status))]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	_, count, _ := h.snapshot()
	return count
}

// Middleware records request duration by route pattern and the number of
// in-flight requests.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.active.Add(1)
			start := time.Now()

			err := next(c)

			p.active.Add(-1)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.observeDuration(c.Request().Method, route, strconv.Itoa(status), time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves every metric at /metrics.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, p.render())
	}
}

func (p *Provider) render() string {
	var b strings.Builder

	b.WriteString("# HELP service_info Build information.\n")
	b.WriteString("# TYPE service_info gauge\n")
	fmt.Fprintf(&b, "service_info{service=%q,version=%q,environment=%q} 1\n\n",
		p.cfg.ServiceName, p.cfg.ServiceVersion, p.cfg.Environment)

	p.mu.RLock()
	durations := make(map[string]*histogram, len(p.durations))
	for k, v := range p.durations {
		durations[k] = v
	}
	counters := make(map[string]int64, len(p.counters))
	for k, v := range p.counters {
		counters[k] = atomic.LoadInt64(v)
	}
	gauges := make(map[string]gaugeFunc, len(p.gauges))
	for k, v := range p.gauges {
		gauges[k] = v
	}
	p.mu.RUnlock()

	const durName = "http_server_request_duration_seconds"
	b.WriteString("# HELP " + durName + " Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE " + durName + " histogram\n")
	for _, key := range sortedKeys(durations) {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, durName, labels, durations[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.active.Load())

	var lastName string
	for _, key := range sortedKeys(counters) {
		name, label, _ := strings.Cut(key, "|")
		if name != lastName {
			if lastName != "" {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "# TYPE %s counter\n", name)
			lastName = name
		}
		fmt.Fprintf(&b, "%s{type=%q} %d\n", name, label, counters[key])
	}
	if lastName != "" {
		b.WriteByte('\n')
	}

	for _, name := range sortedKeys(gauges) {
		g := gauges[name]
		fmt.Fprintf(&b, "# HELP %s %s\n", name, g.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %d\n\n", name, g.fn())
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum, count, sum := h.snapshot()
	for i, bound := range h.bounds {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, bound, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, count)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, sum)
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, count)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
