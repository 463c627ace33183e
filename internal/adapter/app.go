package adapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/neurogate/gateway/internal/bus"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/metrics"
	"github.com/neurogate/gateway/internal/plugin"
)

// App is the app adapter (C8): a Base that consumes TRANS_DATA snapshots
// published by its subscribed drivers and can originate its own READ_GROUP
// / WRITE_TAG(S) requests, matching their replies back by envelope context
// (spec §4.6).
type App struct {
	*Base

	appInstance plugin.AppInstance

	mu      sync.Mutex
	subs    map[subKey]subInfo // driver+group -> peer address/params this app knows about
	pending map[string]chan *bus.Envelope

	snapshotsTotal *metrics.Entry
}

type subKey struct{ driver, group string }

type subInfo struct {
	peerAddr string
	params   string
}

// NewApp constructs and Opens an app adapter instance for plugin m. m's
// descriptor must declare NodeKind == plugin.KindApp.
func NewApp(name, pluginName string, m plugin.Module, deps Deps) (*App, error) {
	if m.Descriptor().NodeKind != plugin.KindApp {
		return nil, gatewayerr.New(gatewayerr.PluginTypeNotSupport)
	}
	base, err := newBase(name, pluginName, plugin.KindApp, m, deps)
	if err != nil {
		return nil, err
	}
	ai, ok := base.instance.(plugin.AppInstance)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.PluginTypeNotSupport)
	}
	a := &App{
		Base:        base,
		appInstance: ai,
		subs:        make(map[subKey]subInfo),
		pending:     make(map[string]chan *bus.Envelope),
	}
	if deps.Metrics != nil {
		a.snapshotsTotal = deps.Metrics.Register(name, "app_snapshots_total", "TRANS_DATA snapshots delivered to the plugin", metrics.Counter)
	}
	base.setHandler(a)
	return a, nil
}

// Bind opens the app's mailbox. Must be called once before Init.
func (a *App) Bind(ctx context.Context) error { return a.bind(ctx) }

func (a *App) onStarted(context.Context) error  { return nil }
func (a *App) onStopping(context.Context) error { return nil }

// handleEnvelope processes every app-specific envelope type: inbound
// TRANS_DATA snapshots, subscription bookkeeping pushed by the manager's
// send-subscribe procedure, NODE_DELETED notices, and replies to requests
// this app itself originated (spec §4.6, §4.8).
func (a *App) handleEnvelope(ctx context.Context, env *bus.Envelope) {
	switch env.Type {
	case bus.TypeTransData:
		a.handleTransData(ctx, env)
	case bus.TypeSubscribeGroup:
		a.handleSubscribeGroup(env)
	case bus.TypeUnsubscribeGroup:
		a.handleUnsubscribeGroup(env)
	case bus.TypeNodeDeleted:
		a.handleNodeDeleted(env)
	case bus.TypeRespError:
		a.deliverPending(env)
	default:
		a.Log().Debug().Str("type", string(env.Type)).Msg("app: unhandled envelope type")
	}
}

// handleTransData routes an inbound snapshot either to a pending one-shot
// ReadGroup caller (matched by context) or, for the normal subscription
// fan-out case, straight to the plugin's HandleTransData hook.
func (a *App) handleTransData(ctx context.Context, env *bus.Envelope) {
	if env.Context != "" && a.deliverPending(env) {
		return
	}
	var body bus.TransDataBody
	if err := env.Decode(&body); err != nil {
		a.Log().Warn().Err(err).Msg("app: malformed TRANS_DATA envelope")
		return
	}
	if a.snapshotsTotal != nil {
		a.snapshotsTotal.Inc()
	}
	values := make(map[string]json.RawMessage, len(body.Values))
	for _, v := range body.Values {
		values[v.Name] = v.Value
	}
	if err := a.appInstance.HandleTransData(ctx, body.Driver, body.Group, body.Timestamp, values); err != nil {
		a.Log().Warn().Err(err).Str("driver", body.Driver).Str("group", body.Group).Msg("handle_trans_data failed")
	}
}

// deliverPending matches env to a call this app originated via call(), and
// delivers it if found. Returns whether a waiter was found.
func (a *App) deliverPending(env *bus.Envelope) bool {
	a.mu.Lock()
	ch, ok := a.pending[env.Context]
	if ok {
		delete(a.pending, env.Context)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// handleSubscribeGroup records the driver's peer address for this
// subscription: the app side of send-subscribe (spec §4.8). The driver
// side is the handler of the same name in driver.go; both must succeed
// for the manager to consider the subscription active (spec §9 open
// question (d)).
func (a *App) handleSubscribeGroup(env *bus.Envelope) {
	var body bus.SubscribeGroupBody
	_ = env.Decode(&body)
	a.mu.Lock()
	a.subs[subKey{driver: body.Driver, group: body.Group}] = subInfo{peerAddr: body.PeerAddr, params: body.Params}
	a.mu.Unlock()
	a.reply(env, nil)
}

func (a *App) handleUnsubscribeGroup(env *bus.Envelope) {
	var body bus.UnsubscribeGroupBody
	_ = env.Decode(&body)
	a.mu.Lock()
	delete(a.subs, subKey{driver: body.Driver, group: body.Group})
	a.mu.Unlock()
	a.reply(env, nil)
}

// handleNodeDeleted drops every subscription this app held against the
// deleted driver, so a later READ_GROUP/WRITE_TAG against it fails fast
// with GROUP_NOT_SUBSCRIBE instead of addressing a dead mailbox (spec
// §4.8 invariant 4, §8 scenario 4).
func (a *App) handleNodeDeleted(env *bus.Envelope) {
	var body bus.NodeDeletedBody
	_ = env.Decode(&body)
	a.mu.Lock()
	for k := range a.subs {
		if k.driver == body.Node {
			delete(a.subs, k)
		}
	}
	a.mu.Unlock()
}

// peerAddr returns the driver mailbox address this app knows for
// (driver, group), or ok == false if it hasn't been told about that
// subscription yet (handleSubscribeGroup hasn't run, or it was dropped).
func (a *App) peerAddr(driver, group string) (addr string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.subs[subKey{driver: driver, group: group}]
	return info.peerAddr, ok
}

// call sends req to toAddr and blocks for the correlated reply, matched by
// context the way bus.Caller does, but reusing this adapter's own bound
// mailbox rather than an extra ephemeral one (spec §4.6: "matches responses
// back to the originating context by envelope context").
func (a *App) call(ctx context.Context, toAddr string, req *bus.Envelope) (*bus.Envelope, error) {
	if req.Context == "" {
		req.Context = uuid.NewString()
	}
	req.Sender = a.Addr()

	ch := make(chan *bus.Envelope, 1)
	a.mu.Lock()
	a.pending[req.Context] = ch
	a.mu.Unlock()

	if err := a.Bus().Send(toAddr, req); err != nil {
		a.mu.Lock()
		delete(a.pending, req.Context)
		a.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, req.Context)
		a.mu.Unlock()
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, ctx.Err())
	}
}

// ReadGroup performs a one-shot read of driver/group outside its normal
// poll cycle, returning the TRANS_DATA snapshot the driver replies with
// (spec §4.6).
func (a *App) ReadGroup(ctx context.Context, driver, group string) (*bus.TransDataBody, error) {
	addr, ok := a.peerAddr(driver, group)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.GroupNotSubscribe)
	}
	reqBody, _ := bus.Encode(bus.ReadGroupBody{Driver: driver, Group: group})
	resp, err := a.call(ctx, addr, &bus.Envelope{Type: bus.TypeReadGroup, Body: reqBody})
	if err != nil {
		return nil, err
	}
	if resp.Type == bus.TypeRespError {
		return nil, respErrToErr(resp)
	}
	var out bus.TransDataBody
	if err := resp.Decode(&out); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return &out, nil
}

// WriteTag forwards a single tag write to driver/group, returning the
// driver's RESP_ERROR outcome.
func (a *App) WriteTag(ctx context.Context, driver, group, tagName string, value json.RawMessage) error {
	addr, ok := a.peerAddr(driver, group)
	if !ok {
		return gatewayerr.New(gatewayerr.GroupNotSubscribe)
	}
	reqBody, _ := bus.Encode(bus.WriteTagBody{Driver: driver, Group: group, Tag: tagName, Value: value})
	resp, err := a.call(ctx, addr, &bus.Envelope{Type: bus.TypeWriteTag, Body: reqBody})
	if err != nil {
		return err
	}
	return respErrToErr(resp)
}

// WriteTags forwards a batch write to driver/group.
func (a *App) WriteTags(ctx context.Context, driver, group string, writes []bus.WriteTagItem) error {
	addr, ok := a.peerAddr(driver, group)
	if !ok {
		return gatewayerr.New(gatewayerr.GroupNotSubscribe)
	}
	reqBody, _ := bus.Encode(bus.WriteTagsBody{Driver: driver, Group: group, Writes: writes})
	resp, err := a.call(ctx, addr, &bus.Envelope{Type: bus.TypeWriteTags, Body: reqBody})
	if err != nil {
		return err
	}
	return respErrToErr(resp)
}

func respErrToErr(env *bus.Envelope) error {
	var body bus.RespErrorBody
	_ = env.Decode(&body)
	code := gatewayerr.CodeFromName(body.Error)
	if code == gatewayerr.Success {
		return nil
	}
	return gatewayerr.New(code)
}
