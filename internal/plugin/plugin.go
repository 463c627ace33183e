// Package plugin implements the plugin module abstraction (C5): the
// static descriptor and interface functions a protocol implementation
// provides, plus a registry enforcing the singleton and type-match rules
// of spec §4.4.
//
// spec §6 describes the plugin surface as "a dynamically loadable
// artifact exposing a static descriptor". None of the example repos in
// this pack load protocol code from .so files at runtime — minder's own
// provider plugins, and every other teacher in the pack, register
// implementations at compile time through an init()-time Register call,
// the same pattern database/sql drivers and image codecs use. Go's
// std-library plugin package only works on Linux/ELF, can't unload, and
// requires every plugin to be built against the exact same toolchain and
// dependency versions as the host binary — it is exactly the kind of
// hand-rolled, fragile stdlib-only path the corpus never reaches for.
// This package keeps the dynamic-loading *shape* spec §4.4 describes
// (descriptor, registry, singleton/type enforcement) while binding
// modules at compile time through Register, and documents the tradeoff
// here rather than importing plugin.Open.
package plugin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/group"
	"github.com/neurogate/gateway/internal/reactor"
	"github.com/neurogate/gateway/internal/tag"
)

// NodeKind is the closed set of node kinds a plugin can serve (spec §3
// "Node / Adapter", §4.4 descriptor field `type`).
type NodeKind string

// The two node kinds.
const (
	KindDriver NodeKind = "DRIVER"
	KindApp    NodeKind = "APP"
)

// Descriptor is a plugin module's static metadata (spec §4.4).
type Descriptor struct {
	Version      string
	Schema       string
	Name         string
	Descriptions string
	NodeKind     NodeKind
	Kind         string // protocol-specific sub-kind label, e.g. "modbus-tcp"
	Single       bool
	SingleName   string // required adapter name when Single is true
	TimerType    reactor.TimerKind
	CacheType    string
}

// Callbacks is the explicit table an adapter passes to a plugin Instance
// at Init, replacing the cyclic adapter<->instance back-pointer of the
// original with a one-way handle (spec §9 "Re-architect as: adapter
// exclusively owns the plugin instance; plugin reaches the adapter only
// through an explicit callback table passed at init, never via a
// back-pointer").
type Callbacks interface {
	// SetLinkState reports a link_state transition (spec §3).
	SetLinkState(state string)
	// Now returns the manager's monotonic clock, in microseconds.
	Now() int64
}

// TagWrite is one resolved tag-name/value pair handed to WriteTags.
type TagWrite struct {
	Tag   tag.Tag
	Value json.RawMessage
}

// Instance is the common lifecycle every plugin instance implements
// (spec §4.4's open/close/init/uninit/start/stop/setting/request).
type Instance interface {
	Init(ctx context.Context, cb Callbacks, setting json.RawMessage) error
	Uninit(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Setting(ctx context.Context, setting json.RawMessage) error
	Request(ctx context.Context, reqType string, data json.RawMessage) (json.RawMessage, error)
}

// DriverInstance extends Instance with the driver-only callbacks (spec
// §4.4: "Driver plugins additionally provide validate_tag, group_timer,
// group_sync, write_tag, write_tags, tag_validator, load_tags, add_tags,
// del_tags").
type DriverInstance interface {
	Instance

	// ValidateTag checks one tag in isolation before it is committed to a
	// group (spec §4.5 "Tag mutation path").
	ValidateTag(t tag.Tag) error
	// TagValidator runs an optional whole-set check across every tag of a
	// group after an individual ValidateTag pass succeeds.
	TagValidator(tags []tag.Tag) error
	// GroupTimer runs one poll cycle: read the device and return a
	// snapshot of the non-static tags (spec §4.5 step 2). Static tags are
	// merged in by the driver adapter, not the plugin.
	GroupTimer(ctx context.Context, g *group.Group, readable []tag.Tag) (map[string]json.RawMessage, error)
	// GroupSync rebuilds any plugin-internal read plan when a group's
	// timestamp has moved (spec §4.2 "change_test", §4.5 step 1). A
	// plugin with no internal plan may implement this as a no-op.
	GroupSync(ctx context.Context, g *group.Group, static, other []tag.Tag) error
	// WriteTag converts value to t's native type and writes it.
	WriteTag(ctx context.Context, t tag.Tag, value json.RawMessage) error
	// WriteTags performs a batch write, returning one error per item in
	// the same order as writes (spec §4.5 "Write path").
	WriteTags(ctx context.Context, writes []TagWrite) []error
	// LoadTags lets a plugin prime an internal address cache from a
	// group's tags. The driver adapter does not call it; restored tags
	// arrive through the ADD_GTAG path and AddTags.
	LoadTags(ctx context.Context, groupName string, tags []tag.Tag) error
	// AddTags/DelTags mirror group mutations into the plugin's internal
	// state. The driver adapter calls AddTags after an ADD_GTAG batch has
	// been committed to the group; single-tag ADD_TAG, UPDATE_TAG and
	// DEL_TAG do not invoke these hooks, and DelTags is not called.
	AddTags(ctx context.Context, groupName string, tags []tag.Tag) error
	DelTags(ctx context.Context, groupName string, names []string) error
}

// AppInstance extends Instance with the app-only callback (spec §4.6).
type AppInstance interface {
	Instance

	// HandleTransData formats and forwards one group snapshot to the
	// app's external sink (spec §4.6).
	HandleTransData(ctx context.Context, driver, group string, timestamp int64, values map[string]json.RawMessage) error
}

// Module is what a compiled-in protocol package registers: its
// descriptor plus a constructor for fresh instances (spec §4.4's
// open()/close() pair, collapsed into Go construction/GC since the
// core no longer manages raw instance pointers).
type Module interface {
	Descriptor() Descriptor
	// Open returns a new, uninitialized Instance. Close releases any
	// resources Open allocated that Uninit doesn't already release.
	Open() (Instance, error)
	Close(Instance)
}

// Registry maps plugin_name -> Module and enforces spec §4.4's
// constraints: singleton plugins cannot instantiate twice, and a plugin's
// declared type must match the requested node kind.
type Registry struct {
	mu       sync.Mutex
	modules  map[string]Module
	acquired map[string]string // descriptor.Name -> adapter (node) name holding a singleton
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		modules:  make(map[string]Module),
		acquired: make(map[string]string),
	}
}

// Register adds m under its descriptor's Name. Registering a name twice
// replaces the previous module. The gatewayd start command registers its
// compiled-in modules once, before the manager is created.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Descriptor().Name] = m
}

// Unregister removes name, refusing if a singleton instance is currently
// live under it.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.acquired[name]; live {
		return gatewayerr.New(gatewayerr.LibraryNotAllowCreateInstance)
	}
	if _, ok := r.modules[name]; !ok {
		return gatewayerr.New(gatewayerr.LibraryNotFound)
	}
	delete(r.modules, name)
	return nil
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.LibraryNotFound)
	}
	return m, nil
}

// List returns the descriptors of every registered module.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.Descriptor())
	}
	return out
}

// Acquire validates and reserves plugin name for adapter nodeName wanting
// kind, returning the module ready for Open. It fails with
// PluginTypeNotSupport on a kind mismatch, or
// LibraryNotAllowCreateInstance if name is Single and already has a live
// instance under a different node name (spec §4.4).
func (r *Registry) Acquire(name, nodeName string, wantKind NodeKind) (Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.LibraryNotFound)
	}
	d := m.Descriptor()
	if d.NodeKind != wantKind {
		return nil, gatewayerr.New(gatewayerr.PluginTypeNotSupport)
	}
	if d.Single {
		if d.SingleName != "" && nodeName != d.SingleName {
			return nil, gatewayerr.New(gatewayerr.LibraryNotAllowCreateInstance)
		}
		if holder, live := r.acquired[name]; live && holder != nodeName {
			return nil, gatewayerr.New(gatewayerr.LibraryNotAllowCreateInstance)
		}
		r.acquired[name] = nodeName
	}
	return m, nil
}

// Acquired reports which node name currently holds name's singleton
// instance, if any — used by the manager's ADD_DRIVERS preflight to check
// "not singleton-occupied" before committing anything (spec §4.8).
func (r *Registry) Acquired(name string) (holder string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok = r.acquired[name]
	return holder, ok
}

// Release drops nodeName's hold on a singleton plugin, allowing it to be
// acquired again (by the same or another adapter) after teardown.
func (r *Registry) Release(name, nodeName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.acquired[name]; ok && holder == nodeName {
		delete(r.acquired, name)
	}
}
