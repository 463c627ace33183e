// Package metrics implements the metrics block (C11): per-node and global
// counters/gauges exposed to callers only through a visitor, and rendered
// by the monitor surface in the Prometheus text exposition grammar of
// spec §6 ("# HELP / # TYPE / name{labels} value").
//
// A registry counts references per metric name within each scope (spec
// §4.9: "so unregistering is safe while nodes still hold the entry"): a
// global entry registered twice survives until both holders unregister it,
// while the same name registered on two different nodes gives two
// independent entries, one per node.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind is the closed set of metric shapes a Entry can take (spec §4.9).
type Kind int

const (
	// Counter only increases.
	Counter Kind = iota
	// Gauge can move in either direction.
	Gauge
	// RollingCounter retains samples over a configured time span and
	// reports their sum, answering "how many in the last N seconds"
	// rather than "how many ever" (SPEC_FULL's rolling-counter supplement).
	RollingCounter
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "COUNTER"
	case Gauge:
		return "GAUGE"
	case RollingCounter:
		return "ROLLING_COUNTER"
	default:
		return "UNKNOWN"
	}
}

// Entry is one typed metric value (spec §4.9: "{name, help, type, value}").
type Entry struct {
	Name   string
	Help   string
	Kind   Kind
	Labels prometheus.Labels

	mu      sync.Mutex
	counter int64
	gauge   int64
	rolling *rollingCounter
}

func newEntry(name, help string, kind Kind, labels prometheus.Labels, window time.Duration, bucketWidth time.Duration) *Entry {
	e := &Entry{Name: name, Help: help, Kind: kind, Labels: labels}
	if kind == RollingCounter {
		e.rolling = newRollingCounter(window, bucketWidth)
	}
	return e
}

// Inc increments a Counter or RollingCounter by 1.
func (e *Entry) Inc() { e.Add(1) }

// Add adds delta to a Counter or RollingCounter. It is a no-op on a Gauge.
func (e *Entry) Add(delta int64) {
	switch e.Kind {
	case Counter:
		e.mu.Lock()
		e.counter += delta
		e.mu.Unlock()
	case RollingCounter:
		e.rolling.add(delta)
	}
}

// Set pins a Gauge to v. It is a no-op on a Counter or RollingCounter.
func (e *Entry) Set(v int64) {
	if e.Kind != Gauge {
		return
	}
	e.mu.Lock()
	e.gauge = v
	e.mu.Unlock()
}

// Value reads the entry's current value: the running total for a Counter,
// the pinned value for a Gauge, or the sum over the configured window for
// a RollingCounter.
func (e *Entry) Value() int64 {
	switch e.Kind {
	case Counter:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.counter
	case Gauge:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.gauge
	case RollingCounter:
		return e.rolling.sum()
	default:
		return 0
	}
}

// rollingCounter is a fixed-width ring of per-bucket sample sums.
type rollingCounter struct {
	mu          sync.Mutex
	bucketWidth time.Duration
	buckets     []int64
	stamps      []int64 // bucket index -> unix-nanosecond of last write
	lastIdx     int
	now         func() time.Time
}

func newRollingCounter(window, bucketWidth time.Duration) *rollingCounter {
	if bucketWidth <= 0 {
		bucketWidth = time.Second
	}
	n := int(window / bucketWidth)
	if n < 1 {
		n = 1
	}
	return &rollingCounter{
		bucketWidth: bucketWidth,
		buckets:     make([]int64, n),
		stamps:      make([]int64, n),
		now:         time.Now,
	}
}

func (r *rollingCounter) bucketIndex(t time.Time) int {
	return int(t.UnixNano()/int64(r.bucketWidth)) % len(r.buckets)
}

func (r *rollingCounter) add(delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now()
	idx := r.bucketIndex(t)
	if r.stamps[idx] != t.Truncate(r.bucketWidth).UnixNano() {
		r.buckets[idx] = 0
		r.stamps[idx] = t.Truncate(r.bucketWidth).UnixNano()
	}
	r.buckets[idx] += delta
}

func (r *rollingCounter) sum() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now()
	cutoff := t.Add(-time.Duration(len(r.buckets)) * r.bucketWidth).UnixNano()
	var total int64
	for i, stamp := range r.stamps {
		if stamp >= cutoff {
			total += r.buckets[i]
		}
	}
	return total
}

// Registry is the manager's metrics block: a global metric map, a per-node
// metric map, and a reference count per metric name so Unregister is safe
// while other nodes still hold an entry of the same name (spec §4.9).
//
// Registry also implements prometheus.Collector so the monitor plugin can
// hand it straight to a promhttp.Handler (SPEC_FULL's DOMAIN STACK entry
// for github.com/prometheus/client_golang).
type Registry struct {
	mu            sync.RWMutex
	window        time.Duration
	bucketWidth   time.Duration
	global        map[string]*Entry
	perNode       map[string]map[string]*Entry
	refs          map[string]int
	nodeKindState map[string][2]string // node -> [kind, runningState]
}

// Config controls rolling-counter bucket sizing.
type Config struct {
	// RollingWindow is the span rolling counters retain samples over.
	// Defaults to 60s.
	RollingWindow time.Duration
	// BucketWidth is the per-bucket granularity. Defaults to 1s.
	BucketWidth time.Duration
}

// NewRegistry builds an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 60 * time.Second
	}
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = time.Second
	}
	return &Registry{
		window:        cfg.RollingWindow,
		bucketWidth:   cfg.BucketWidth,
		global:        make(map[string]*Entry),
		perNode:       make(map[string]map[string]*Entry),
		refs:          make(map[string]int),
		nodeKindState: make(map[string][2]string),
	}
}

// Register creates (or attaches to an existing) metric named name under
// node's namespace, bumping its reference count. node == "" registers a
// global metric instead of a per-node one.
func (r *Registry) Register(node, name, help string, kind Kind) *Entry {
	return r.RegisterLabeled(node, name, help, kind, nil)
}

// RegisterLabeled is Register with an explicit label set. Two calls with
// the same (node, name) but different labels produce distinct entries
// (e.g. one "subscriber_stale" gauge per subscriber address), matching how
// the same Prometheus metric name legitimately carries several label
// combinations.
func (r *Registry) RegisterLabeled(node, name, help string, kind Kind, labels prometheus.Labels) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope := r.global
	if node != "" {
		m, ok := r.perNode[node]
		if !ok {
			m = make(map[string]*Entry)
			r.perNode[node] = m
		}
		scope = m
	}

	ek := entryKey(name, labels)
	if e, ok := scope[ek]; ok {
		r.refs[refKey(node, ek)]++
		return e
	}
	e := newEntry(name, help, kind, labels, r.window, r.bucketWidth)
	scope[ek] = e
	r.refs[refKey(node, ek)] = 1
	return e
}

// Unregister drops one reference to (node, name); the entry is removed
// only once its reference count reaches zero, so a metric shared by
// several still-live nodes is unaffected (spec §4.9).
func (r *Registry) Unregister(node, name string) {
	r.UnregisterLabeled(node, name, nil)
}

// UnregisterLabeled is Unregister for an entry registered with labels.
func (r *Registry) UnregisterLabeled(node, name string, labels prometheus.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ek := entryKey(name, labels)
	key := refKey(node, ek)
	n, ok := r.refs[key]
	if !ok {
		return
	}
	n--
	if n > 0 {
		r.refs[key] = n
		return
	}
	delete(r.refs, key)
	if node == "" {
		delete(r.global, ek)
		return
	}
	if m, ok := r.perNode[node]; ok {
		delete(m, ek)
		if len(m) == 0 {
			delete(r.perNode, node)
		}
	}
}

// UnregisterNode drops every metric owned by node, for use when an
// adapter is torn down.
func (r *Registry) UnregisterNode(node string) {
	r.mu.Lock()
	type dropKey struct {
		ek     string
		labels prometheus.Labels
	}
	drops := make([]dropKey, 0, len(r.perNode[node]))
	for ek, e := range r.perNode[node] {
		drops = append(drops, dropKey{ek: ek, labels: e.Labels})
	}
	delete(r.nodeKindState, node)
	r.mu.Unlock()
	for _, d := range drops {
		r.UnregisterLabeled(node, baseName(d.ek), d.labels)
	}
}

func refKey(node, entryKey string) string {
	return node + "\x00" + entryKey
}

// entryKey folds a metric name and its label set into one map key, so
// registrations that share a name but differ in labels don't collide.
func entryKey(name string, labels prometheus.Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// baseName recovers the metric name portion of an entryKey, for
// UnregisterNode which only has the folded key on hand.
func baseName(ek string) string {
	if i := strings.IndexByte(ek, '\x00'); i >= 0 {
		return ek[:i]
	}
	return ek
}

// SetNodeState records node's current (kind, runningState) pair so Visit
// can report node counts by type and state (spec §4.9).
func (r *Registry) SetNodeState(node, kind, runningState string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeKindState[node] = [2]string{kind, runningState}
}

// Snapshot is the read-only view Visit hands to its callback.
type Snapshot struct {
	Global           map[string]*Entry
	PerNode          map[string]map[string]*Entry
	NodeCountByKind  map[string]int
	NodeCountByState map[string]int
}

// Visit locks the registry's reader side, builds a Snapshot of node
// counts by type and state plus every registered metric, and calls cb
// exactly once (spec §4.9: "visit(cb): locks shared state, snapshots node
// counts by type and state, then calls cb(metrics) once").
//
// Mutable fields like CPU% or memory (spec §5: "computed out-of-band")
// are the caller's concern before invoking Visit, not the registry's.
func (r *Registry) Visit(cb func(Snapshot)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Global:           r.global,
		PerNode:          r.perNode,
		NodeCountByKind:  make(map[string]int),
		NodeCountByState: make(map[string]int),
	}
	for _, ks := range r.nodeKindState {
		snap.NodeCountByKind[ks[0]]++
		snap.NodeCountByState[ks[1]]++
	}
	cb(snap)
}

// Describe implements prometheus.Collector. The registry is an unchecked
// collector (metric set changes as nodes come and go), so Describe emits
// nothing, matching how minder's eventer registers unchecked collectors.
func (*Registry) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector, rendering every registered
// Entry as a const metric so promhttp.Handler can expose the
// "# HELP / # TYPE / name{labels} value" grammar spec §6 names.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	emit := func(node string, e *Entry) {
		labels := prometheus.Labels{}
		for k, v := range e.Labels {
			labels[k] = v
		}
		if node != "" {
			labels["node"] = node
		}
		labelNames := make([]string, 0, len(labels))
		labelValues := make([]string, 0, len(labels))
		for k, v := range labels {
			labelNames = append(labelNames, k)
			labelValues = append(labelValues, v)
		}
		desc := prometheus.NewDesc(e.Name, e.Help, labelNames, nil)
		valType := prometheus.CounterValue
		if e.Kind == Gauge {
			valType = prometheus.GaugeValue
		}
		m, err := prometheus.NewConstMetric(desc, valType, float64(e.Value()), labelValues...)
		if err != nil {
			return
		}
		ch <- m
	}

	for _, e := range r.global {
		emit("", e)
	}
	for node, metrics := range r.perNode {
		for _, e := range metrics {
			emit(node, e)
		}
	}
}
