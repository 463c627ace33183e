// Package group implements the Group entity (C3): a named, mutex-guarded
// collection of tags under a driver, polled on a common interval.
package group

import (
	"sort"
	"strings"
	"sync"

	"github.com/neurogate/gateway/internal/clock"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/tag"
)

// MinIntervalMS is the absolute floor on a group's poll interval (spec §3:
// "minimum 1 ms, enforced by driver-specific lower bound"). New and
// SetInterval enforce only this floor; this package has no per-driver
// floor of its own.
const MinIntervalMS = 1

// ChangeFunc is invoked by ChangeTest when a group's timestamp has moved
// since the caller last observed it.
type ChangeFunc func(timestamp int64, static, other []tag.Tag, intervalMS int64)

// Group is a named, ordered collection of tags under a driver (spec §3).
// All operations are safe for concurrent use; read operations return deep
// copies so no caller can hold a reference into the group's internal state
// past the call that produced it.
type Group struct {
	mu sync.Mutex

	clock *clock.Clock

	name       string
	intervalMS int64
	timestamp  int64
	tags       map[string]tag.Tag
	order      []string // preserves insertion order for List/ordered snapshots
}

// New creates a Group named name with the given poll interval, stamping its
// initial timestamp from clk.
func New(clk *clock.Clock, name string, intervalMS int64) (*Group, error) {
	if intervalMS < MinIntervalMS {
		return nil, gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	return &Group{
		clock:      clk,
		name:       name,
		intervalMS: intervalMS,
		timestamp:  clk.Now(),
		tags:       make(map[string]tag.Tag),
	}, nil
}

// Name returns the group's name.
func (g *Group) Name() string {
	return g.name
}

// Timestamp returns the group's current revision counter.
func (g *Group) Timestamp() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timestamp
}

// IntervalMS returns the group's current poll interval.
func (g *Group) IntervalMS() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.intervalMS
}

// SetInterval changes the poll interval and bumps the timestamp so any
// driver adapter watching this group rearms its timer within one tick
// (spec §9 open question (c)).
func (g *Group) SetInterval(intervalMS int64) error {
	if intervalMS < MinIntervalMS {
		return gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intervalMS = intervalMS
	g.bumpLocked()
	return nil
}

// bumpLocked must be called with mu held.
func (g *Group) bumpLocked() {
	g.timestamp = g.clock.Now()
}

// AddTag adds t to the group. Fails with TagNameConflict if a tag of that
// name already exists; the timestamp is not bumped on failure.
func (g *Group) AddTag(t tag.Tag) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tags[t.Name]; exists {
		return gatewayerr.New(gatewayerr.TagNameConflict)
	}
	g.tags[t.Name] = t.Dup()
	g.order = append(g.order, t.Name)
	g.bumpLocked()
	return nil
}

// UpdateTag replaces the tag named t.Name. Fails with TagNotExist if it
// is not present.
func (g *Group) UpdateTag(t tag.Tag) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tags[t.Name]; !exists {
		return gatewayerr.New(gatewayerr.TagNotExist)
	}
	g.tags[t.Name] = t.Dup()
	g.bumpLocked()
	return nil
}

// DelTag removes the tag named name. Fails with TagNotExist if it is not
// present; the timestamp is not bumped on failure.
func (g *Group) DelTag(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tags[name]; !exists {
		return gatewayerr.New(gatewayerr.TagNotExist)
	}
	delete(g.tags, name)
	g.order = removeName(g.order, name)
	g.bumpLocked()
	return nil
}

func removeName(order []string, name string) []string {
	out := order[:0:0]
	for _, n := range order {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// FindTag returns a deep copy of the named tag.
func (g *Group) FindTag(name string) (tag.Tag, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, exists := g.tags[name]
	if !exists {
		return tag.Tag{}, gatewayerr.New(gatewayerr.TagNotExist)
	}
	return t.Dup(), nil
}

// ListTags returns deep copies of every tag, in insertion order.
func (g *Group) ListTags() []tag.Tag {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]tag.Tag, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.tags[name].Dup())
	}
	return out
}

// Size returns the number of tags currently in the group.
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tags)
}

// Query returns deep copies of tags, in insertion order, that pass both
// filters: the name contains nameSubstr, and the description or the name
// contains descSubstr (case-sensitive, per spec §4.2). An empty filter
// matches every tag.
func (g *Group) Query(nameSubstr, descSubstr string) []tag.Tag {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []tag.Tag
	for _, name := range g.order {
		t := g.tags[name]
		if nameSubstr != "" && !strings.Contains(t.Name, nameSubstr) {
			continue
		}
		if descSubstr != "" && !strings.Contains(t.Description, descSubstr) && !strings.Contains(t.Name, descSubstr) {
			continue
		}
		out = append(out, t.Dup())
	}
	return out
}

// GetReadable returns deep copies of tags with READ, SUBSCRIBE, or STATIC
// set, in insertion order.
func (g *Group) GetReadable() []tag.Tag {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []tag.Tag
	for _, name := range g.order {
		t := g.tags[name]
		if t.Attribute.Has(tag.AttrRead) || t.Attribute.Has(tag.AttrSubscribe) || t.Attribute.Has(tag.AttrStatic) {
			out = append(out, t.Dup())
		}
	}
	return out
}

// SplitStatic partitions readable into tags carrying STATIC and the rest,
// preserving relative order within each partition.
func SplitStatic(readable []tag.Tag) (static, other []tag.Tag) {
	for _, t := range readable {
		if t.Attribute.Has(tag.AttrStatic) {
			static = append(static, t)
		} else {
			other = append(other, t)
		}
	}
	return static, other
}

// IsChanged reports whether the group's timestamp differs from prevTS.
func (g *Group) IsChanged(prevTS int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timestamp != prevTS
}

// ChangeTest invokes fn with a fresh read plan if the group's timestamp
// differs from prevTS, matching §4.2's change_test: the driver adapter
// calls this once per poll tick to decide whether to rebuild its cached
// read plan.
func (g *Group) ChangeTest(prevTS int64, fn ChangeFunc) {
	g.mu.Lock()
	if g.timestamp == prevTS {
		g.mu.Unlock()
		return
	}
	ts := g.timestamp
	interval := g.intervalMS
	readable := make([]tag.Tag, 0, len(g.order))
	for _, name := range g.order {
		readable = append(readable, g.tags[name].Dup())
	}
	g.mu.Unlock()

	static, other := SplitStaticFiltered(readable)
	fn(ts, static, other, interval)
}

// SplitStaticFiltered is SplitStatic restricted to readable tags, used by
// ChangeTest to build the default read plan (spec §4.2's
// get_readable() -> split_static()).
func SplitStaticFiltered(all []tag.Tag) (static, other []tag.Tag) {
	for _, t := range all {
		if !(t.Attribute.Has(tag.AttrRead) || t.Attribute.Has(tag.AttrSubscribe) || t.Attribute.Has(tag.AttrStatic)) {
			continue
		}
		if t.Attribute.Has(tag.AttrStatic) {
			static = append(static, t)
		} else {
			other = append(other, t)
		}
	}
	return static, other
}

// Names returns the sorted tag names currently in the group, useful for
// deterministic test assertions and for the control-plane "list tags"
// surface, which sorts for display.
func (g *Group) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.tags))
	for name := range g.tags {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
