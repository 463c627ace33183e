// Package manager implements the manager (C10): the single logical
// controller that serializes every mutation of the plugin registry, node
// registry and subscription table under its own lock (spec §4.8, §5).
// It owns the shared clock's single tick callback, runs the send-subscribe
// and delete-node cascades, and persists every control-plane mutation
// through the store package.
package manager

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurogate/gateway/internal/adapter"
	"github.com/neurogate/gateway/internal/bus"
	"github.com/neurogate/gateway/internal/clock"
	"github.com/neurogate/gateway/internal/config"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/metrics"
	"github.com/neurogate/gateway/internal/plugin"
	"github.com/neurogate/gateway/internal/reactor"
	"github.com/neurogate/gateway/internal/store"
	"github.com/neurogate/gateway/internal/subscription"
	"github.com/neurogate/gateway/internal/tag"
)

// controlAddr is the manager's own bus mailbox, used only to issue
// request/response calls against driver and app nodes (spec §4.8's
// handlers are all, in this implementation, envelopes the manager sends
// to the node it is addressing).
const controlAddr = "manager"

type node struct {
	kind       plugin.NodeKind
	pluginName string
	base       *adapter.Base
	driver     *adapter.Driver
	app        *adapter.App
}

// Manager is the gateway's control plane.
type Manager struct {
	cfg      config.ManagerConfig
	registry *plugin.Registry
	bus      *bus.Bus
	metrics  *metrics.Registry
	clock    *clock.Clock
	store    *store.Store
	log      zerolog.Logger
	caller   *bus.Caller
	subs     *subscription.Table

	mu    sync.Mutex
	nodes map[string]*node

	tickDone chan struct{}
}

// Deps bundles the manager's shared collaborators.
type Deps struct {
	Bus      *bus.Bus
	Metrics  *metrics.Registry
	Registry *plugin.Registry
	Store    *store.Store // nil disables persistence (e.g. in tests)
	Log      zerolog.Logger
}

// New builds a Manager and binds its control mailbox.
func New(ctx context.Context, cfg config.ManagerConfig, deps Deps) (*Manager, error) {
	caller, err := bus.NewCaller(ctx, deps.Bus, controlAddr)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		registry: deps.Registry,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		clock:    clock.New(),
		store:    deps.Store,
		log:      deps.Log.With().Str("component", "manager").Logger(),
		caller:   caller,
		subs:     subscription.New(),
		nodes:    make(map[string]*node),
	}, nil
}

// Clock exposes the manager's shared monotonic clock, for Deps.Clock of
// every adapter this manager creates.
func (m *Manager) Clock() *clock.Clock { return m.clock }

// StartClock launches the single goroutine advancing the shared clock
// (spec §9: "the monotonic global timestamp must be advanced only by a
// single tick callback the manager schedules"). Call once; Close stops it.
func (m *Manager) StartClock() {
	m.tickDone = make(chan struct{})
	interval := time.Duration(m.cfg.ClockTickMillis) * time.Millisecond
	if interval <= 0 {
		interval = time.Millisecond
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-m.tickDone:
				return
			case <-t.C:
				m.clock.Tick()
			}
		}
	}()
}

// Close stops the clock tick goroutine and the manager's control mailbox.
// It does not uninit any node; callers tear those down explicitly first.
func (m *Manager) Close() {
	if m.tickDone != nil {
		close(m.tickDone)
	}
	m.caller.Close()
}

func (m *Manager) newAdapterDeps() adapter.Deps {
	return adapter.Deps{
		Bus:                 m.bus,
		Metrics:             m.metrics,
		Clock:               m.clock,
		Log:                 m.log,
		Reactor:             reactor.New(m.cfg.ReactorMaxEvents),
		ReconnectMaxElapsed: time.Duration(m.cfg.ReconnectMaxElapsedMillis) * time.Millisecond,
	}
}

// call sends an envelope of type t carrying body to the node addressed by
// addr and decodes its reply, the way every other §4.8 handler in this
// implementation reaches a driver or app adapter: through the bus, never
// by touching the adapter's fields directly (spec §5 "cross-thread
// interaction is by envelope, never direct field access").
func (m *Manager) call(ctx context.Context, addr string, t bus.Type, body any) (*bus.Envelope, error) {
	encoded, err := bus.Encode(body)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return m.caller.Call(ctx, addr, &bus.Envelope{Type: t, Body: encoded})
}

// callOK is call plus the common RESP_ERROR -> error translation used by
// every handler that only cares about success/failure.
func (m *Manager) callOK(ctx context.Context, addr string, t bus.Type, body any) error {
	resp, err := m.call(ctx, addr, t, body)
	if err != nil {
		return err
	}
	return respErr(resp)
}

func respErr(env *bus.Envelope) error {
	if env.Type != bus.TypeRespError {
		return nil
	}
	var body bus.RespErrorBody
	_ = env.Decode(&body)
	code := gatewayerr.CodeFromName(body.Error)
	if code == gatewayerr.Success {
		return nil
	}
	return gatewayerr.New(code)
}

func (m *Manager) nodeLocked(name string) (*node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nd, ok := m.nodes[name]
	return nd, ok
}

// --- Node lifecycle -------------------------------------------------------

// AddDriver creates and starts-to-READY a driver node. The caller is
// responsible for NodeCtl(start=true) once it's ready to poll.
func (m *Manager) AddDriver(ctx context.Context, name, pluginName string, setting json.RawMessage) error {
	return m.addNode(ctx, name, pluginName, plugin.KindDriver, setting)
}

// AddApp creates and starts-to-READY an app node.
func (m *Manager) AddApp(ctx context.Context, name, pluginName string, setting json.RawMessage) error {
	return m.addNode(ctx, name, pluginName, plugin.KindApp, setting)
}

func (m *Manager) addNode(ctx context.Context, name, pluginName string, kind plugin.NodeKind, setting json.RawMessage) error {
	m.mu.Lock()
	if _, exists := m.nodes[name]; exists {
		m.mu.Unlock()
		return gatewayerr.New(gatewayerr.NodeExist)
	}
	m.mu.Unlock()

	mod, err := m.registry.Acquire(pluginName, name, kind)
	if err != nil {
		return err
	}

	var nd *node
	switch kind {
	case plugin.KindDriver:
		d, err := adapter.NewDriver(name, pluginName, mod, m.newAdapterDeps())
		if err != nil {
			m.registry.Release(pluginName, name)
			return err
		}
		if err := d.Bind(ctx); err != nil {
			m.registry.Release(pluginName, name)
			return err
		}
		if err := d.Init(ctx, setting); err != nil {
			_ = d.Uninit(ctx)
			m.registry.Release(pluginName, name)
			return err
		}
		nd = &node{kind: kind, pluginName: pluginName, base: d.Base, driver: d}
	case plugin.KindApp:
		a, err := adapter.NewApp(name, pluginName, mod, m.newAdapterDeps())
		if err != nil {
			m.registry.Release(pluginName, name)
			return err
		}
		if err := a.Bind(ctx); err != nil {
			m.registry.Release(pluginName, name)
			return err
		}
		if err := a.Init(ctx, setting); err != nil {
			_ = a.Uninit(ctx)
			m.registry.Release(pluginName, name)
			return err
		}
		nd = &node{kind: kind, pluginName: pluginName, base: a.Base, app: a}
	default:
		m.registry.Release(pluginName, name)
		return gatewayerr.New(gatewayerr.PluginTypeNotSupport)
	}

	m.mu.Lock()
	m.nodes[name] = nd
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveNode(ctx, store.NodeRecord{Name: name, PluginName: pluginName, NodeKind: kind, Setting: setting}); err != nil {
			m.log.Warn().Err(err).Str("node", name).Msg("persist node failed")
		}
	}
	return nil
}

// GroupSpec is one group (with its tags) inside a DriverSpec.
type GroupSpec struct {
	Name       string
	IntervalMS int64
	Tags       []tag.Tag
}

// DriverSpec is one driver inside an ADD_DRIVERS request.
type DriverSpec struct {
	Name       string
	PluginName string
	Setting    json.RawMessage
	Groups     []GroupSpec
}

// AddDrivers implements ADD_DRIVERS (spec §4.8): preflight every driver in
// the request (plugin exists, not singleton-occupied, type DRIVER, group
// count within GROUP_MAX_PER_NODE), then commit each driver in order —
// deleting any pre-existing node with the same name first, creating it,
// and adding its groups and tags. A failure at any step rolls back every
// driver already committed from this batch, in reverse order.
func (m *Manager) AddDrivers(ctx context.Context, specs []DriverSpec) error {
	for _, s := range specs {
		mod, err := m.registry.Get(s.PluginName)
		if err != nil {
			return err
		}
		d := mod.Descriptor()
		if d.NodeKind != plugin.KindDriver {
			return gatewayerr.New(gatewayerr.PluginTypeNotSupport)
		}
		if d.Single {
			if holder, occupied := m.registry.Acquired(s.PluginName); occupied && holder != s.Name {
				return gatewayerr.New(gatewayerr.LibraryNotAllowCreateInstance)
			}
		}
		if len(s.Groups) > m.cfg.GroupMaxPerNode {
			return gatewayerr.New(gatewayerr.GroupMaxGroups)
		}
	}

	var committed []string
	rollback := func() {
		for i := len(committed) - 1; i >= 0; i-- {
			_ = m.DeleteNode(context.Background(), committed[i])
		}
	}

	for _, s := range specs {
		if _, exists := m.nodeLocked(s.Name); exists {
			if err := m.DeleteNode(ctx, s.Name); err != nil {
				rollback()
				return err
			}
		}
		if err := m.AddDriver(ctx, s.Name, s.PluginName, s.Setting); err != nil {
			rollback()
			return err
		}
		committed = append(committed, s.Name)

		for _, g := range s.Groups {
			if err := m.AddGroup(ctx, s.Name, g.Name, g.IntervalMS); err != nil {
				rollback()
				return err
			}
			if len(g.Tags) > 0 {
				if err := m.AddGTag(ctx, s.Name, g.Name, g.Tags); err != nil {
					rollback()
					return err
				}
			}
		}
	}
	return nil
}

// DeleteNode implements "Delete node" (spec §4.8): cascades subscription
// cleanup before tearing the adapter down, so no dangling reference to
// name ever outlives the call.
func (m *Manager) DeleteNode(ctx context.Context, name string) error {
	nd, ok := m.nodeLocked(name)
	if !ok {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}

	switch nd.kind {
	case plugin.KindDriver:
		subs := m.subs.SubsForDriver(name)
		for _, sub := range subs {
			body, _ := bus.Encode(bus.NodeDeletedBody{Node: name})
			if err := m.bus.Send(sub.AppAddr, &bus.Envelope{Type: bus.TypeNodeDeleted, Body: body}); err != nil {
				m.log.Warn().Err(err).Str("app", sub.App).Str("driver", name).Msg("NODE_DELETED delivery failed")
			}
		}
		for _, sub := range subs {
			m.subs.Unsub(sub.Driver, sub.App, sub.Group)
			if m.store != nil {
				_ = m.store.DeleteSubscription(ctx, sub.App, sub.Driver, sub.Group)
			}
		}
	case plugin.KindApp:
		removed := m.subs.UnsubAll(name)
		for _, r := range removed {
			if other, ok := m.nodeLocked(r.Driver); ok {
				body, _ := bus.Encode(bus.UnsubscribeGroupBody{App: name, Driver: r.Driver, Group: r.Group, PeerAddr: name})
				if err := m.bus.Send(other.base.Addr(), &bus.Envelope{Type: bus.TypeUnsubscribeGroup, Body: body}); err != nil {
					m.log.Warn().Err(err).Str("driver", r.Driver).Msg("UNSUBSCRIBE_GROUP delivery failed")
				}
			}
			if m.store != nil {
				_ = m.store.DeleteSubscription(ctx, name, r.Driver, r.Group)
			}
		}
	}

	if nd.base.RunningState() == adapter.StateRunning {
		if err := nd.base.Stop(ctx); err != nil {
			m.log.Warn().Err(err).Str("node", name).Msg("stop before delete failed")
		}
	}
	uninitErr := nd.base.Uninit(ctx)
	m.registry.Release(nd.pluginName, name)

	m.mu.Lock()
	delete(m.nodes, name)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteNode(ctx, name); err != nil {
			m.log.Warn().Err(err).Str("node", name).Msg("persist node delete failed")
		}
	}
	return uninitErr
}

// RenameNode renames a node in place, cascading the rename through the
// subscription table so existing subscriptions keep referring to the same
// logical peer under its new name (spec §8 scenario 3).
func (m *Manager) RenameNode(ctx context.Context, oldName, newName string) error {
	m.mu.Lock()
	if _, exists := m.nodes[newName]; exists {
		m.mu.Unlock()
		return gatewayerr.New(gatewayerr.NodeExist)
	}
	nd, ok := m.nodes[oldName]
	if !ok {
		m.mu.Unlock()
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	delete(m.nodes, oldName)
	m.nodes[newName] = nd
	m.mu.Unlock()

	if err := nd.base.Rebind(ctx, newName); err != nil {
		m.mu.Lock()
		delete(m.nodes, newName)
		m.nodes[oldName] = nd
		m.mu.Unlock()
		return err
	}

	switch nd.kind {
	case plugin.KindDriver:
		m.subs.UpdateDriverName(oldName, newName)
	case plugin.KindApp:
		m.subs.UpdateAppName(oldName, newName)
	}

	if m.store != nil {
		if err := m.store.DeleteNode(ctx, oldName); err != nil {
			m.log.Warn().Err(err).Msg("persist rename (delete old) failed")
		}
		if err := m.store.SaveNode(ctx, store.NodeRecord{Name: newName, PluginName: nd.pluginName, NodeKind: nd.kind, Setting: nd.base.Setting()}); err != nil {
			m.log.Warn().Err(err).Msg("persist rename (save new) failed")
		}
	}
	return nil
}

// NodeCtl starts or stops a node (spec §4.8 "node control (start/stop)").
func (m *Manager) NodeCtl(ctx context.Context, name string, start bool) error {
	nd, ok := m.nodeLocked(name)
	if !ok {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	if start {
		return nd.base.Start(ctx)
	}
	return nd.base.Stop(ctx)
}

// GetNodeSetting and SetNodeSetting proxy to the node's own opaque blob.
func (m *Manager) GetNodeSetting(name string) (json.RawMessage, error) {
	nd, ok := m.nodeLocked(name)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.NodeNotExist)
	}
	return nd.base.Setting(), nil
}

func (m *Manager) SetNodeSetting(ctx context.Context, name string, setting json.RawMessage) error {
	nd, ok := m.nodeLocked(name)
	if !ok {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	return m.callOK(ctx, nd.base.Addr(), bus.TypeSetNodeSetting, bus.SetNodeSettingBody{Setting: setting})
}

// ListNodes returns every node name currently registered, sorted.
func (m *Manager) ListNodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// --- Groups ---------------------------------------------------------------

// AddGroup enforces GROUP_MAX_PER_NODE (SPEC_FULL's supplement) before
// forwarding ADD_GROUP to the driver.
func (m *Manager) AddGroup(ctx context.Context, driver, group string, intervalMS int64) error {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	resp, err := m.call(ctx, nd.base.Addr(), bus.TypeListSubGroups, struct{}{})
	if err != nil {
		return err
	}
	var listed bus.ListSubGroupsRespBody
	_ = resp.Decode(&listed)
	if len(listed.Groups) >= m.cfg.GroupMaxPerNode {
		return gatewayerr.New(gatewayerr.GroupMaxGroups)
	}
	if err := m.callOK(ctx, nd.base.Addr(), bus.TypeAddGroup, bus.AddGroupBody{Group: group, IntervalMS: intervalMS}); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.SaveGroup(ctx, store.GroupRecord{Driver: driver, Name: group, IntervalMS: intervalMS}); err != nil {
			m.log.Warn().Err(err).Msg("persist group failed")
		}
	}
	return nil
}

// DelGroup forwards DEL_GROUP to the driver and persists the deletion.
func (m *Manager) DelGroup(ctx context.Context, driver, group string) error {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	if err := m.callOK(ctx, nd.base.Addr(), bus.TypeDelGroup, bus.DelGroupBody{Group: group}); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.DeleteGroup(ctx, driver, group); err != nil {
			m.log.Warn().Err(err).Msg("persist group delete failed")
		}
	}
	return nil
}

// GetGroup forwards GET_GROUP to the driver and returns its metadata.
func (m *Manager) GetGroup(ctx context.Context, driver, group string) (*bus.GetGroupRespBody, error) {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return nil, gatewayerr.New(gatewayerr.NodeNotExist)
	}
	resp, err := m.call(ctx, nd.base.Addr(), bus.TypeGetGroup, bus.GetGroupBody{Group: group})
	if err != nil {
		return nil, err
	}
	if err := respErr(resp); err != nil {
		return nil, err
	}
	var out bus.GetGroupRespBody
	if err := resp.Decode(&out); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return &out, nil
}

// UpdateGroup forwards UPDATE_GROUP to the driver (spec §9 open question
// (c): the driver rearms its timer within one tick of this call).
func (m *Manager) UpdateGroup(ctx context.Context, driver, group string, intervalMS int64) error {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	resp, err := m.call(ctx, nd.base.Addr(), bus.TypeUpdateGroup, bus.UpdateGroupBody{Driver: driver, Group: group, IntervalMS: intervalMS})
	if err != nil {
		return err
	}
	if err := respErr(resp); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.SaveGroup(ctx, store.GroupRecord{Driver: driver, Name: group, IntervalMS: intervalMS}); err != nil {
			m.log.Warn().Err(err).Msg("persist group update failed")
		}
	}
	return nil
}

// --- Tags -------------------------------------------------------------

// AddTag forwards ADD_TAG to the driver and persists the tag.
func (m *Manager) AddTag(ctx context.Context, driver, group string, t tag.Tag) error {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	if err := m.callOK(ctx, nd.base.Addr(), bus.TypeAddTag, bus.AddTagBody{Group: group, Tag: t}); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.SaveTag(ctx, driver, group, t); err != nil {
			m.log.Warn().Err(err).Msg("persist tag failed")
		}
	}
	return nil
}

// UpdateTag forwards UPDATE_TAG to the driver and re-persists the tag.
func (m *Manager) UpdateTag(ctx context.Context, driver, group string, t tag.Tag) error {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	if err := m.callOK(ctx, nd.base.Addr(), bus.TypeUpdateTag, bus.UpdateTagBody{Group: group, Tag: t}); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.SaveTag(ctx, driver, group, t); err != nil {
			m.log.Warn().Err(err).Msg("persist tag update failed")
		}
	}
	return nil
}

// DelTag forwards DEL_TAG to the driver and removes the persisted row.
func (m *Manager) DelTag(ctx context.Context, driver, group, name string) error {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	if err := m.callOK(ctx, nd.base.Addr(), bus.TypeDelTag, bus.DelTagBody{Group: group, Name: name}); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.DeleteTag(ctx, driver, group, name); err != nil {
			m.log.Warn().Err(err).Msg("persist tag delete failed")
		}
	}
	return nil
}

// AddGTag forwards a transactional batch tag add (ADD_GTAG) to the driver.
func (m *Manager) AddGTag(ctx context.Context, driver, group string, tags []tag.Tag) error {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	if err := m.callOK(ctx, nd.base.Addr(), bus.TypeAddGTag, bus.AddGTagBody{Group: group, Tags: tags}); err != nil {
		return err
	}
	if m.store != nil {
		for _, t := range tags {
			if err := m.store.SaveTag(ctx, driver, group, t); err != nil {
				m.log.Warn().Err(err).Msg("persist batch tag failed")
			}
		}
	}
	return nil
}

// GetTag forwards GET_TAG to the driver.
func (m *Manager) GetTag(ctx context.Context, driver, group, name string) (tag.Tag, error) {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return tag.Tag{}, gatewayerr.New(gatewayerr.NodeNotExist)
	}
	resp, err := m.call(ctx, nd.base.Addr(), bus.TypeGetTag, bus.GetTagBody{Group: group, Name: name})
	if err != nil {
		return tag.Tag{}, err
	}
	if err := respErr(resp); err != nil {
		return tag.Tag{}, err
	}
	var out bus.GetTagRespBody
	if err := resp.Decode(&out); err != nil {
		return tag.Tag{}, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return out.Tag, nil
}

// --- Subscriptions ---------------------------------------------------------

// Subscribe implements "Send-subscribe" (spec §4.8): both the app and the
// driver must accept SUBSCRIBE_GROUP before the subscription is recorded
// (spec §9 open question (d): "not considered active until both
// notifications succeed").
func (m *Manager) Subscribe(ctx context.Context, app, driver, group, params string) error {
	appNode, ok := m.nodeLocked(app)
	if !ok || appNode.kind != plugin.KindApp {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}
	driverNode, ok := m.nodeLocked(driver)
	if !ok || driverNode.kind != plugin.KindDriver {
		return gatewayerr.New(gatewayerr.NodeNotExist)
	}

	exists := func(driver, group string) bool {
		nd, ok := m.nodeLocked(driver)
		if !ok {
			return false
		}
		_, err := nd.driver.Group(group)
		return err == nil
	}
	if !exists(driver, group) {
		return gatewayerr.New(gatewayerr.GroupNotExist)
	}

	toApp := bus.SubscribeGroupBody{App: app, Driver: driver, Group: group, Params: params, PeerAddr: driverNode.base.Addr()}
	if err := m.callOK(ctx, appNode.base.Addr(), bus.TypeSubscribeGroup, toApp); err != nil {
		return gatewayerr.Wrap(gatewayerr.NodeNotAllowSubscribe, err)
	}
	toDriver := bus.SubscribeGroupBody{App: app, Driver: driver, Group: group, Params: params, PeerAddr: appNode.base.Addr()}
	if err := m.callOK(ctx, driverNode.base.Addr(), bus.TypeSubscribeGroup, toDriver); err != nil {
		// App already accepted; undo it so the subscription isn't half-live
		// (spec §9 open question (d)).
		_ = m.callOK(ctx, appNode.base.Addr(), bus.TypeUnsubscribeGroup, bus.UnsubscribeGroupBody{App: app, Driver: driver, Group: group, PeerAddr: driverNode.base.Addr()})
		return gatewayerr.Wrap(gatewayerr.NodeNotAllowSubscribe, err)
	}

	if err := m.subs.Sub(driver, app, group, params, appNode.base.Addr(), exists); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.SaveSubscription(ctx, store.SubscriptionRecord{App: app, Driver: driver, Group: group, Params: params}); err != nil {
			m.log.Warn().Err(err).Msg("persist subscription failed")
		}
	}
	return nil
}

// Unsubscribe tears down a subscription on both sides, best-effort.
func (m *Manager) Unsubscribe(ctx context.Context, app, driver, group string) error {
	appNode, appOK := m.nodeLocked(app)
	driverNode, driverOK := m.nodeLocked(driver)
	if appOK {
		_ = m.callOK(ctx, appNode.base.Addr(), bus.TypeUnsubscribeGroup, bus.UnsubscribeGroupBody{App: app, Driver: driver, Group: group, PeerAddr: ""})
	}
	if driverOK {
		peer := ""
		if appOK {
			peer = appNode.base.Addr()
		}
		_ = m.callOK(ctx, driverNode.base.Addr(), bus.TypeUnsubscribeGroup, bus.UnsubscribeGroupBody{App: app, Driver: driver, Group: group, PeerAddr: peer})
	}
	m.subs.Unsub(driver, app, group)
	if m.store != nil {
		if err := m.store.DeleteSubscription(ctx, app, driver, group); err != nil {
			m.log.Warn().Err(err).Msg("persist unsubscribe failed")
		}
	}
	return nil
}

// ListSubGroups forwards LIST_SUB_GROUPS to driver.
func (m *Manager) ListSubGroups(ctx context.Context, driver string) ([]string, error) {
	nd, ok := m.nodeLocked(driver)
	if !ok || nd.kind != plugin.KindDriver {
		return nil, gatewayerr.New(gatewayerr.NodeNotExist)
	}
	resp, err := m.call(ctx, nd.base.Addr(), bus.TypeListSubGroups, struct{}{})
	if err != nil {
		return nil, err
	}
	var out bus.ListSubGroupsRespBody
	if err := resp.Decode(&out); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return out.Groups, nil
}

// --- Startup replay ---------------------------------------------------------

// Restore replays every persisted node, group, tag and subscription from
// the store, in dependency order (nodes, then groups, then tags, then
// subscriptions), recreating the in-memory state a fresh process lost.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := m.addNode(ctx, n.Name, n.PluginName, n.NodeKind, n.Setting); err != nil {
			m.log.Warn().Err(err).Str("node", n.Name).Msg("restore node failed")
			continue
		}
		if n.NodeKind != plugin.KindDriver {
			continue
		}
		groups, err := m.store.ListGroups(ctx, n.Name)
		if err != nil {
			m.log.Warn().Err(err).Str("node", n.Name).Msg("restore groups failed")
			continue
		}
		for _, g := range groups {
			if err := m.AddGroup(ctx, n.Name, g.Name, g.IntervalMS); err != nil {
				m.log.Warn().Err(err).Str("group", g.Name).Msg("restore group failed")
				continue
			}
			tags, err := m.store.ListTags(ctx, n.Name, g.Name)
			if err != nil {
				m.log.Warn().Err(err).Str("group", g.Name).Msg("restore tags failed")
				continue
			}
			if len(tags) > 0 {
				if err := m.AddGTag(ctx, n.Name, g.Name, tags); err != nil {
					m.log.Warn().Err(err).Str("group", g.Name).Msg("restore tags failed")
				}
			}
		}
	}

	subs, err := m.store.ListSubscriptions(ctx)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if err := m.Subscribe(ctx, s.App, s.Driver, s.Group, s.Params); err != nil {
			m.log.Warn().Err(err).Str("app", s.App).Str("driver", s.Driver).Msg("restore subscription failed")
		}
	}
	return nil
}
