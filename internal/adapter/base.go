package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/neurogate/gateway/internal/bus"
	"github.com/neurogate/gateway/internal/clock"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/metrics"
	"github.com/neurogate/gateway/internal/plugin"
	"github.com/neurogate/gateway/internal/reactor"
)

// envelopeHandler is implemented by Driver and App to process envelopes
// specific to their kind; Base dispatches everything else (state control,
// setting get/set) itself.
type envelopeHandler interface {
	handleEnvelope(ctx context.Context, env *bus.Envelope)
	// onStarted/onStopping let Driver/App hook the RUNNING transition to
	// install/remove group timers or open/close sinks (spec §4.5).
	onStarted(ctx context.Context) error
	onStopping(ctx context.Context) error
}

// callbacks adapts Base to the plugin.Callbacks interface passed to
// Instance.Init, so the plugin only ever reaches the adapter through this
// narrow, explicit table (spec §9).
type callbacks struct{ a *Base }

func (c callbacks) SetLinkState(state string) { c.a.setLinkState(LinkState(state)) }
func (c callbacks) Now() int64                { return c.a.clockNow() }

// Base is the common runtime container every adapter embeds (C6): a
// plugin instance, a reactor, a mailbox bound to the node's name, a
// running/link state pair, and a metrics block (spec §4.5).
type Base struct {
	Name       string
	PluginName string
	NodeKind   plugin.NodeKind

	log     zerolog.Logger
	nowFunc func() int64

	module     plugin.Module
	descriptor plugin.Descriptor
	instance   plugin.Instance

	reactor *reactor.Reactor
	bus     *bus.Bus
	mailbox *bus.Mailbox
	metrics *metrics.Registry
	clock   *clock.Clock

	handler envelopeHandler

	mu           sync.Mutex
	runningState RunningState
	linkState    LinkState
	setting      json.RawMessage

	mailboxDone chan struct{}

	reconnectMaxElapsed time.Duration
}

// Deps bundles the shared collaborators every adapter needs at
// construction, so Driver/App constructors take one argument instead of
// five positional ones.
type Deps struct {
	Bus     *bus.Bus
	Metrics *metrics.Registry
	Reactor *reactor.Reactor
	Clock   *clock.Clock
	Log     zerolog.Logger
	NowFunc func() int64 // defaults to the shared Clock's microsecond reading
	// ReconnectMaxElapsed bounds Init's backoff retry of a failing plugin
	// connection; zero uses DefaultReconnectMaxElapsed.
	ReconnectMaxElapsed time.Duration
}

// DefaultReconnectMaxElapsed is used when Deps.ReconnectMaxElapsed is zero.
const DefaultReconnectMaxElapsed = 30 * time.Second

func newBase(name, pluginName string, kind plugin.NodeKind, m plugin.Module, deps Deps) (*Base, error) {
	inst, err := m.Open()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.LibraryFailedToOpen, err)
	}
	r := deps.Reactor
	if r == nil {
		r = reactor.New(0)
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	maxElapsed := deps.ReconnectMaxElapsed
	if maxElapsed == 0 {
		maxElapsed = DefaultReconnectMaxElapsed
	}
	b := &Base{
		Name:                name,
		PluginName:          pluginName,
		NodeKind:            kind,
		log:                 deps.Log.With().Str("node", name).Logger(),
		nowFunc:             deps.NowFunc,
		module:              m,
		descriptor:          m.Descriptor(),
		instance:            inst,
		reactor:             r,
		bus:                 deps.Bus,
		metrics:             deps.Metrics,
		clock:               clk,
		runningState:        StateInit,
		linkState:           LinkDisconnected,
		reconnectMaxElapsed: maxElapsed,
	}
	return b, nil
}

func (b *Base) clockNow() int64 {
	if b.nowFunc != nil {
		return b.nowFunc()
	}
	return b.clock.Now()
}

func (b *Base) setHandler(h envelopeHandler) { b.handler = h }

// bind opens the mailbox and starts the pump goroutine forwarding
// envelopes onto the reactor loop. Must be called after setHandler.
func (b *Base) bind(ctx context.Context) error {
	mb, err := b.bus.Mailbox(ctx, b.Name)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	b.mailbox = mb
	b.mailboxDone = make(chan struct{})
	go b.pump()
	return nil
}

// Rebind closes the mailbox bound at the adapter's current name and opens a
// fresh one at newName, waiting for the old pump goroutine to drain first
// (the manager's RenameNode cascade: a bound mailbox's subscription topic
// is fixed at bind time, so renaming the adapter alone would leave it
// listening on an address nothing sends to anymore).
func (b *Base) Rebind(ctx context.Context, newName string) error {
	mb, err := b.bus.Mailbox(ctx, newName)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	oldMailbox := b.mailbox
	oldDone := b.mailboxDone

	b.Name = newName
	b.mailbox = mb
	b.mailboxDone = make(chan struct{})
	go b.pump()

	if oldMailbox != nil {
		oldMailbox.Close()
		<-oldDone
	}
	return nil
}

func (b *Base) pump() {
	defer close(b.mailboxDone)
	for env := range b.mailbox.Recv() {
		env := env
		b.reactor.Submit(func(ctx context.Context) {
			b.dispatch(ctx, env)
		})
	}
}

func (b *Base) dispatch(ctx context.Context, env *bus.Envelope) {
	switch env.Type {
	case bus.TypeNodeCtl:
		b.handleNodeCtl(ctx, env)
	case bus.TypeGetNodeSetting:
		b.handleGetSetting(env)
	case bus.TypeSetNodeSetting:
		b.handleSetSetting(ctx, env)
	default:
		if b.handler != nil {
			b.handler.handleEnvelope(ctx, env)
		}
	}
}

func (b *Base) handleNodeCtl(ctx context.Context, env *bus.Envelope) {
	var body bus.NodeCtlBody
	_ = env.Decode(&body)
	var err error
	if body.Start {
		err = b.Start(ctx)
	} else {
		err = b.Stop(ctx)
	}
	b.reply(env, err)
}

func (b *Base) handleGetSetting(env *bus.Envelope) {
	b.mu.Lock()
	setting := b.setting
	b.mu.Unlock()
	respBody, _ := bus.Encode(bus.GetNodeSettingRespBody{Setting: setting})
	_ = b.bus.Send(env.Sender, &bus.Envelope{
		Type:    bus.TypeGetNodeSettingResp,
		Context: env.Context,
		Body:    respBody,
	})
}

func (b *Base) handleSetSetting(ctx context.Context, env *bus.Envelope) {
	var body bus.SetNodeSettingBody
	_ = env.Decode(&body)
	err := b.instance.Setting(ctx, body.Setting)
	if err == nil {
		b.mu.Lock()
		b.setting = body.Setting
		b.mu.Unlock()
	}
	b.reply(env, err)
}

// reply sends a generic RESP_ERROR correlated to env back to its sender
// (spec §7: "A control-plane failure is returned synchronously to the
// originating REST context via a RESP_ERROR envelope correlated by
// context").
func (b *Base) reply(env *bus.Envelope, err error) {
	if env.Sender == "" {
		return
	}
	body, _ := bus.Encode(bus.RespErrorBody{Error: gatewayerr.CodeOf(err).String()})
	_ = b.bus.Send(env.Sender, &bus.Envelope{
		Type:    bus.TypeRespError,
		Context: env.Context,
		Body:    body,
	})
}

func (b *Base) setLinkState(s LinkState) {
	b.mu.Lock()
	b.linkState = s
	b.mu.Unlock()
}

// LinkState returns the adapter's current link state.
func (b *Base) LinkState() LinkState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linkState
}

// retryableConnectCode reports whether code names a connectivity failure
// worth retrying, as opposed to a configuration mistake (bad setting, no
// such plugin) that will fail identically on every attempt.
func retryableConnectCode(code gatewayerr.Code) bool {
	switch code {
	case gatewayerr.MQTTFailure, gatewayerr.MQTTIsNull,
		gatewayerr.MQTTPublishFailure, gatewayerr.MQTTSubscribeFailure,
		gatewayerr.DeviceFailure, gatewayerr.EInternal:
		return true
	default:
		return false
	}
}

// Reconnect drives the adapter's link state through CONNECTING ->
// CONNECTED, retrying dial with an exponential backoff until it succeeds,
// ctx is cancelled, maxElapsed is exhausted, or dial fails with a
// non-connectivity error (a malformed setting retried forever would just
// hang startup). Init runs the plugin's init() through this, so a peer
// that is down at startup does not fail the node on the first refusal.
// It is not invoked when a link drops after Init has succeeded.
func (b *Base) Reconnect(ctx context.Context, maxElapsed time.Duration, dial func() error) error {
	b.setLinkState(LinkConnecting)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := dial()
		if err == nil {
			return nil
		}
		if !retryableConnectCode(gatewayerr.CodeOf(err)) {
			return backoff.Permanent(err)
		}
		b.log.Warn().Err(err).Msg("reconnect attempt failed, backing off")
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		b.setLinkState(LinkDisconnected)
		return err
	}
	b.setLinkState(LinkConnected)
	return nil
}

// RunningState returns the adapter's current running state.
func (b *Base) RunningState() RunningState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runningState
}

func (b *Base) transition(to RunningState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !validTransition(b.runningState, to) {
		return ErrInvalidTransition
	}
	b.runningState = to
	return nil
}

// Init runs the plugin's init() with load set to the currently stored
// setting, moving INIT -> READY (spec §4.5). A plugin whose init()
// dials an external peer (a PLC socket, a broker) is retried with
// backoff through CONNECTING until it succeeds or reconnectMaxElapsed
// is exhausted, rather than failing the node on the first transient
// refusal.
func (b *Base) Init(ctx context.Context, setting json.RawMessage) error {
	b.mu.Lock()
	b.setting = setting
	b.mu.Unlock()
	if err := b.Reconnect(ctx, b.reconnectMaxElapsed, func() error {
		return b.instance.Init(ctx, callbacks{a: b}, setting)
	}); err != nil {
		return err
	}
	return b.transition(StateReady)
}

// Start transitions READY -> RUNNING, running the plugin's start() and
// the Driver/App-specific onStarted hook (install timers, open sinks).
func (b *Base) Start(ctx context.Context) error {
	if err := b.transition(StateRunning); err != nil {
		return err
	}
	if err := b.instance.Start(ctx); err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	if b.handler != nil {
		if err := b.handler.onStarted(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop transitions RUNNING -> READY, running the Driver/App-specific
// onStopping hook (remove timers) then the plugin's stop().
func (b *Base) Stop(ctx context.Context) error {
	if b.handler != nil {
		if err := b.handler.onStopping(ctx); err != nil {
			return err
		}
	}
	if err := b.instance.Stop(ctx); err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return b.transition(StateReady)
}

// Uninit tears the adapter down: stops the reactor (joining its loop
// goroutine), closes the mailbox, and releases the plugin instance. It
// must be called only after Stop if the adapter was running (spec §4.5:
// "Any -> STOPPED on uninit(); reactor is closed and the thread joined
// before the adapter is destroyed").
func (b *Base) Uninit(ctx context.Context) error {
	if err := b.transition(StateStopped); err != nil {
		return err
	}
	uninitErr := b.instance.Uninit(ctx)
	b.reactor.Close()
	if b.mailbox != nil {
		b.mailbox.Close()
		<-b.mailboxDone
	}
	b.module.Close(b.instance)
	if b.metrics != nil {
		b.metrics.UnregisterNode(b.Name)
	}
	if uninitErr != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, uninitErr)
	}
	return nil
}

// Setting returns the adapter's currently stored opaque setting blob.
func (b *Base) Setting() json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setting
}

// Addr exposes the bound mailbox address, e.g. for the manager's
// send-subscribe procedure to learn a node's peer address.
func (b *Base) Addr() string { return b.Name }

// Reactor exposes the underlying reactor, for Driver to install per-group
// timers.
func (b *Base) Reactor() *reactor.Reactor { return b.reactor }

// Bus exposes the underlying bus, for Driver/App to send fan-out
// envelopes.
func (b *Base) Bus() *bus.Bus { return b.bus }

// Metrics exposes the metrics registry, scoped to this adapter's node
// name by convention at call sites.
func (b *Base) Metrics() *metrics.Registry { return b.metrics }

// Log exposes the adapter's component logger.
func (b *Base) Log() zerolog.Logger { return b.log }

// Clock exposes the shared monotonic clock groups stamp their revisions
// from.
func (b *Base) Clock() *clock.Clock { return b.clock }

// Descriptor returns the plugin module's static descriptor.
func (b *Base) Descriptor() plugin.Descriptor { return b.descriptor }
