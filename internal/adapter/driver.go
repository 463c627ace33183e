package adapter

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/neurogate/gateway/internal/bus"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/group"
	"github.com/neurogate/gateway/internal/metrics"
	"github.com/neurogate/gateway/internal/plugin"
	"github.com/neurogate/gateway/internal/reactor"
	"github.com/neurogate/gateway/internal/tag"
)

// Driver is the driver adapter (C7): a Base that additionally owns an
// ordered set of groups and drives per-group polling (spec §4.5).
type Driver struct {
	*Base

	driverInstance plugin.DriverInstance

	mu     sync.Mutex
	groups map[string]*group.Group
	order  []string
	poll   map[string]*pollState // group name -> poll bookkeeping
	fanout map[string][]string   // group name -> subscribed app addrs

	pollsTotal *metrics.Entry
	dropsTotal *metrics.Entry

	// staleThreshold bounds how many consecutive publish failures to the
	// same subscriber are tolerated before it's marked stale in metrics
	// rather than counted as merely transient (SPEC_FULL's dead-letter
	// supplement; removal is still the manager's job per spec §4.8).
	staleThreshold int
}

type pollState struct {
	cachedTS      int64
	static, other []tag.Tag
	timerHandle   reactor.Handle
	hasTimer      bool
	armedMS       int64

	// consecutiveFails counts publish failures per subscriber address
	// since its last success.
	consecutiveFails map[string]int
	staleGauges      map[string]*metrics.Entry
}

// defaultStaleThreshold is how many consecutive publish failures to the
// same subscriber mark it stale in metrics.
const defaultStaleThreshold = 5

// NewDriver constructs and Opens a driver adapter instance for plugin m.
// m's descriptor must declare NodeKind == plugin.KindDriver.
func NewDriver(name, pluginName string, m plugin.Module, deps Deps) (*Driver, error) {
	if m.Descriptor().NodeKind != plugin.KindDriver {
		return nil, gatewayerr.New(gatewayerr.PluginTypeNotSupport)
	}
	base, err := newBase(name, pluginName, plugin.KindDriver, m, deps)
	if err != nil {
		return nil, err
	}
	di, ok := base.instance.(plugin.DriverInstance)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.PluginTypeNotSupport)
	}
	d := &Driver{
		Base:           base,
		driverInstance: di,
		groups:         make(map[string]*group.Group),
		poll:           make(map[string]*pollState),
		fanout:         make(map[string][]string),
		staleThreshold: defaultStaleThreshold,
	}
	if deps.Metrics != nil {
		d.pollsTotal = deps.Metrics.Register(name, "driver_polls_total", "group polls completed", metrics.Counter)
		d.dropsTotal = deps.Metrics.Register(name, "driver_drops_total", "snapshot deliveries dropped", metrics.Counter)
	}
	base.setHandler(d)
	return d, nil
}

// Bind opens the driver's mailbox. Must be called once before Init.
func (d *Driver) Bind(ctx context.Context) error { return d.bind(ctx) }

// AddGroup creates a group named name with the given poll interval.
func (d *Driver) AddGroup(name string, intervalMS int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.groups[name]; exists {
		return gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	g, err := group.New(d.Clock(), name, intervalMS)
	if err != nil {
		return err
	}
	d.groups[name] = g
	d.order = append(d.order, name)
	d.poll[name] = &pollState{
		consecutiveFails: make(map[string]int),
		staleGauges:      make(map[string]*metrics.Entry),
	}
	return nil
}

// DelGroup destroys a group and stops its poll timer if the driver is
// running.
func (d *Driver) DelGroup(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.groups[name]; !exists {
		return gatewayerr.New(gatewayerr.GroupNotExist)
	}
	if ps, ok := d.poll[name]; ok {
		if ps.hasTimer {
			d.Reactor().DelTimer(ps.timerHandle)
		}
		if d.Metrics() != nil {
			for addr := range ps.staleGauges {
				d.Metrics().UnregisterLabeled(d.Name, "subscriber_stale", map[string]string{"subscriber": addr})
			}
		}
	}
	delete(d.groups, name)
	delete(d.poll, name)
	delete(d.fanout, name)
	d.order = removeString(d.order, name)
	return nil
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Group returns the named group, or GroupNotExist.
func (d *Driver) Group(name string) (*group.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[name]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.GroupNotExist)
	}
	return g, nil
}

// GroupNames returns every group name the driver currently owns, sorted.
func (d *Driver) GroupNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]string(nil), d.order...)
	sort.Strings(out)
	return out
}

// GroupCount reports how many groups the driver owns (spec §4.8's
// GROUP_MAX_PER_NODE preflight check reads this).
func (d *Driver) GroupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.groups)
}

// onStarted installs one poll timer per group (spec §4.5 "installs
// per-group timers (drivers)").
func (d *Driver) onStarted(ctx context.Context) error {
	d.mu.Lock()
	names := append([]string(nil), d.order...)
	d.mu.Unlock()
	for _, name := range names {
		d.armTimer(ctx, name)
	}
	return nil
}

// onStopping removes every group's poll timer.
func (d *Driver) onStopping(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ps := range d.poll {
		if ps.hasTimer {
			d.Reactor().DelTimer(ps.timerHandle)
			ps.hasTimer = false
		}
	}
	return nil
}

func (d *Driver) armTimer(ctx context.Context, groupName string) {
	d.mu.Lock()
	g, ok := d.groups[groupName]
	ps := d.poll[groupName]
	d.mu.Unlock()
	if !ok {
		return
	}
	intervalMS := g.IntervalMS()
	kind := d.Descriptor().TimerType
	h, err := d.Reactor().AddTimer(time.Duration(intervalMS)*time.Millisecond, kind, func(tctx context.Context) {
		d.pollGroup(tctx, groupName)
	})
	if err != nil {
		d.Log().Error().Err(err).Str("group", groupName).Msg("failed to arm group poll timer")
		return
	}
	d.mu.Lock()
	ps.timerHandle = h
	ps.hasTimer = true
	ps.armedMS = intervalMS
	d.mu.Unlock()
}

// pollGroup runs one poll cycle for groupName (spec §4.5 "Driver poll
// cycle (per group, per timer tick)").
func (d *Driver) pollGroup(ctx context.Context, groupName string) {
	d.mu.Lock()
	g, ok := d.groups[groupName]
	ps := d.poll[groupName]
	d.mu.Unlock()
	if !ok {
		return
	}

	g.ChangeTest(ps.cachedTS, func(ts int64, static, other []tag.Tag, _ int64) {
		d.mu.Lock()
		ps.cachedTS = ts
		ps.static = static
		ps.other = other
		d.mu.Unlock()
		if err := d.driverInstance.GroupSync(ctx, g, static, other); err != nil {
			d.Log().Warn().Err(err).Str("group", groupName).Msg("group_sync failed")
		}
	})

	d.mu.Lock()
	static := ps.static
	other := ps.other
	d.mu.Unlock()

	values, err := d.driverInstance.GroupTimer(ctx, g, other)
	if err != nil {
		d.Log().Warn().Err(err).Str("group", groupName).Msg("group_timer failed")
		return
	}
	if d.pollsTotal != nil {
		d.pollsTotal.Inc()
	}

	merged := make(map[string]json.RawMessage, len(static)+len(other))
	for _, t := range static {
		if sv, ok := t.GetStaticValue(); ok {
			if data, err := tag.DumpStaticValueAsJSON(sv); err == nil {
				merged[t.Name] = data
			}
		}
	}
	for name, v := range values {
		merged[name] = v
	}

	tagValues := make([]bus.TagValue, 0, len(merged))
	for name, v := range merged {
		tagValues = append(tagValues, bus.TagValue{Name: name, Value: v})
	}
	sort.Slice(tagValues, func(i, j int) bool { return tagValues[i].Name < tagValues[j].Name })

	body, _ := bus.Encode(bus.TransDataBody{
		Driver:    d.Name,
		Group:     groupName,
		Timestamp: ps.cachedTS,
		Values:    tagValues,
	})

	d.mu.Lock()
	addrs := append([]string(nil), d.fanout[groupName]...)
	d.mu.Unlock()

	// Publication path (spec §4.5 step 3): best-effort fan-out, never
	// blocks the poll loop on a slow or gone subscriber.
	for _, addr := range addrs {
		env := &bus.Envelope{Type: bus.TypeTransData, Body: body}
		if err := d.Bus().Send(addr, env); err != nil {
			if d.dropsTotal != nil {
				d.dropsTotal.Inc()
			}
			d.recordPublishFailure(groupName, ps, addr)
			continue
		}
		d.mu.Lock()
		delete(ps.consecutiveFails, addr)
		if g, ok := ps.staleGauges[addr]; ok {
			g.Set(0)
		}
		d.mu.Unlock()
	}

	d.mu.Lock()
	rearmNeeded := g.IntervalMS() != ps.armedMS
	d.mu.Unlock()
	if rearmNeeded {
		// Rearming from inside the timer callback itself would deadlock a
		// Block-kind timer's DelTimer barrier (it waits for the loop to
		// finish the very callback calling it), so hop off onto a fresh
		// goroutine (spec §9 open question (c): "rearm within one tick").
		go func() {
			d.mu.Lock()
			ps := d.poll[groupName]
			hasTimer := ps != nil && ps.hasTimer
			h := reactor.Handle(0)
			if ps != nil {
				h = ps.timerHandle
			}
			d.mu.Unlock()
			if hasTimer {
				d.Reactor().DelTimer(h)
			}
			d.armTimer(context.Background(), groupName)
		}()
	}
}

// recordPublishFailure tracks consecutive send failures to addr for
// groupName; once staleThreshold is reached the subscriber is flagged
// stale via a gauge, without the poll loop itself deciding to remove the
// subscription (that stays the manager's job per spec §4.8).
func (d *Driver) recordPublishFailure(groupName string, ps *pollState, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps.consecutiveFails[addr]++
	if ps.consecutiveFails[addr] < d.staleThreshold {
		return
	}
	g, ok := ps.staleGauges[addr]
	if !ok && d.Metrics() != nil {
		g = d.Metrics().RegisterLabeled(d.Name, "subscriber_stale", "subscriber has exceeded the consecutive publish-failure threshold", metrics.Gauge, map[string]string{"subscriber": addr})
		ps.staleGauges[addr] = g
	}
	if g != nil {
		g.Set(1)
	}
}

// handleEnvelope processes every driver-specific envelope type (spec
// §4.5 "Write path", "Tag mutation path", §4.7's SUBSCRIBE_GROUP /
// UNSUBSCRIBE_GROUP delivery to the driver side).
func (d *Driver) handleEnvelope(ctx context.Context, env *bus.Envelope) {
	switch env.Type {
	case bus.TypeAddGroup:
		d.handleAddGroup(env)
	case bus.TypeDelGroup:
		d.handleDelGroup(env)
	case bus.TypeGetGroup:
		d.handleGetGroup(env)
	case bus.TypeUpdateGroup:
		d.handleUpdateGroup(env)
	case bus.TypeListSubGroups:
		d.handleListSubGroups(env)
	case bus.TypeAddTag:
		d.handleAddTag(env)
	case bus.TypeUpdateTag:
		d.handleUpdateTag(env)
	case bus.TypeDelTag:
		d.handleDelTag(env)
	case bus.TypeAddGTag:
		d.handleAddGTag(env)
	case bus.TypeGetTag:
		d.handleGetTag(env)
	case bus.TypeReadGroup:
		d.handleReadGroup(ctx, env)
	case bus.TypeWriteTag:
		d.handleWriteTag(ctx, env)
	case bus.TypeWriteTags:
		d.handleWriteTags(ctx, env)
	case bus.TypeSubscribeGroup:
		d.handleSubscribeGroup(env)
	case bus.TypeUnsubscribeGroup:
		d.handleUnsubscribeGroup(env)
	default:
		d.Log().Debug().Str("type", string(env.Type)).Msg("driver: unhandled envelope type")
	}
}

func (d *Driver) handleAddGroup(env *bus.Envelope) {
	var body bus.AddGroupBody
	_ = env.Decode(&body)
	err := d.AddGroup(body.Group, body.IntervalMS)
	d.reply(env, err)
}

func (d *Driver) handleDelGroup(env *bus.Envelope) {
	var body bus.DelGroupBody
	_ = env.Decode(&body)
	err := d.DelGroup(body.Group)
	d.reply(env, err)
}

func (d *Driver) handleGetGroup(env *bus.Envelope) {
	var body bus.GetGroupBody
	_ = env.Decode(&body)
	g, err := d.Group(body.Group)
	if err != nil {
		d.reply(env, err)
		return
	}
	resp, _ := bus.Encode(bus.GetGroupRespBody{
		Group:      g.Name(),
		IntervalMS: g.IntervalMS(),
		Timestamp:  g.Timestamp(),
		Tags:       g.ListTags(),
	})
	_ = d.Bus().Send(env.Sender, &bus.Envelope{Type: bus.TypeGetGroup, Context: env.Context, Body: resp})
}

// handleUpdateGroup changes a group's poll interval; the running timer (if
// any) picks up the new value the next time pollGroup notices armedMS no
// longer matches and rearms off-thread (spec §9 open question (c)).
func (d *Driver) handleUpdateGroup(env *bus.Envelope) {
	var body bus.UpdateGroupBody
	_ = env.Decode(&body)
	g, err := d.Group(body.Group)
	if err != nil {
		d.reply(env, err)
		return
	}
	if err := g.SetInterval(body.IntervalMS); err != nil {
		d.reply(env, err)
		return
	}
	resp, _ := bus.Encode(bus.UpdateDriverGroupRespBody{Timestamp: g.Timestamp()})
	_ = d.Bus().Send(env.Sender, &bus.Envelope{Type: bus.TypeUpdateDriverGroupResp, Context: env.Context, Body: resp})
}

// handleListSubGroups answers with every group name this driver currently
// owns, letting the manager preflight GROUP_MAX_PER_NODE (SPEC_FULL's
// supplement) without holding its own shadow count.
func (d *Driver) handleListSubGroups(env *bus.Envelope) {
	resp, _ := bus.Encode(bus.ListSubGroupsRespBody{Groups: d.GroupNames()})
	_ = d.Bus().Send(env.Sender, &bus.Envelope{Type: bus.TypeListSubGroups, Context: env.Context, Body: resp})
}

func (d *Driver) handleAddTag(env *bus.Envelope) {
	var body bus.AddTagBody
	_ = env.Decode(&body)
	g, err := d.Group(body.Group)
	if err == nil {
		if verr := d.driverInstance.ValidateTag(body.Tag); verr != nil {
			err = verr
		} else {
			err = g.AddTag(body.Tag)
		}
	}
	d.reply(env, err)
}

func (d *Driver) handleUpdateTag(env *bus.Envelope) {
	var body bus.UpdateTagBody
	_ = env.Decode(&body)
	g, err := d.Group(body.Group)
	if err == nil {
		if verr := d.driverInstance.ValidateTag(body.Tag); verr != nil {
			err = verr
		} else {
			err = g.UpdateTag(body.Tag)
		}
	}
	d.reply(env, err)
}

func (d *Driver) handleDelTag(env *bus.Envelope) {
	var body bus.DelTagBody
	_ = env.Decode(&body)
	g, err := d.Group(body.Group)
	if err == nil {
		err = g.DelTag(body.Name)
	}
	d.reply(env, err)
}

// handleAddGTag commits a whole batch of tags transactionally: every tag
// is validated first, and only if every validation (including the
// optional whole-set check) succeeds are any of them committed to the
// group (spec §4.5 "A validation failure rolls back the entire request").
func (d *Driver) handleAddGTag(env *bus.Envelope) {
	var body bus.AddGTagBody
	_ = env.Decode(&body)
	g, err := d.Group(body.Group)
	if err != nil {
		d.reply(env, err)
		return
	}
	for _, t := range body.Tags {
		if verr := d.driverInstance.ValidateTag(t); verr != nil {
			d.reply(env, verr)
			return
		}
	}
	if verr := d.driverInstance.TagValidator(body.Tags); verr != nil {
		d.reply(env, verr)
		return
	}
	for _, t := range body.Tags {
		if cerr := g.AddTag(t); cerr != nil {
			// Shouldn't happen post-validation, but roll back anything
			// already committed from this batch rather than leave a
			// partial group.
			for _, done := range body.Tags {
				if done.Name == t.Name {
					break
				}
				_ = g.DelTag(done.Name)
			}
			d.reply(env, cerr)
			return
		}
	}
	if err := d.driverInstance.AddTags(context.Background(), body.Group, body.Tags); err != nil {
		d.Log().Warn().Err(err).Msg("plugin AddTags hook failed after commit")
	}
	d.reply(env, nil)
}

func (d *Driver) handleGetTag(env *bus.Envelope) {
	var body bus.GetTagBody
	_ = env.Decode(&body)
	g, err := d.Group(body.Group)
	if err != nil {
		d.reply(env, err)
		return
	}
	t, err := g.FindTag(body.Name)
	if err != nil {
		d.reply(env, err)
		return
	}
	resp, _ := bus.Encode(bus.GetTagRespBody{Tag: t})
	_ = d.Bus().Send(env.Sender, &bus.Envelope{Type: bus.TypeGetTag, Context: env.Context, Body: resp})
}

// handleReadGroup answers a one-shot read outside the group's normal poll
// cycle (spec §4.6: an app "originates READ_GROUP... envelopes initiated by
// external requests"), replying with a TRANS_DATA snapshot correlated by
// the request's context rather than waiting for the next timer tick.
func (d *Driver) handleReadGroup(ctx context.Context, env *bus.Envelope) {
	var body bus.ReadGroupBody
	_ = env.Decode(&body)

	d.mu.Lock()
	g, ok := d.groups[body.Group]
	ps := d.poll[body.Group]
	d.mu.Unlock()
	if !ok {
		d.reply(env, gatewayerr.New(gatewayerr.GroupNotExist))
		return
	}

	readable := g.GetReadable()
	values, err := d.driverInstance.GroupTimer(ctx, g, readable)
	if err != nil {
		d.reply(env, err)
		return
	}

	merged := make(map[string]json.RawMessage, len(readable)+len(values))
	for _, t := range readable {
		if sv, ok := t.GetStaticValue(); ok {
			if data, derr := tag.DumpStaticValueAsJSON(sv); derr == nil {
				merged[t.Name] = data
			}
		}
	}
	for name, v := range values {
		merged[name] = v
	}
	tagValues := make([]bus.TagValue, 0, len(merged))
	for name, v := range merged {
		tagValues = append(tagValues, bus.TagValue{Name: name, Value: v})
	}
	sort.Slice(tagValues, func(i, j int) bool { return tagValues[i].Name < tagValues[j].Name })

	timestamp := g.Timestamp()
	if ps != nil {
		d.mu.Lock()
		if ps.cachedTS > timestamp {
			timestamp = ps.cachedTS
		}
		d.mu.Unlock()
	}

	respBody, _ := bus.Encode(bus.TransDataBody{
		Driver:    d.Name,
		Group:     body.Group,
		Timestamp: timestamp,
		Values:    tagValues,
	})
	_ = d.Bus().Send(env.Sender, &bus.Envelope{
		Type:    bus.TypeTransData,
		Context: env.Context,
		Body:    respBody,
	})
}

// handleWriteTag resolves the target tag, hands it to the plugin's
// write_tag, and replies with a RESP_ERROR (spec §4.5 "Write path").
func (d *Driver) handleWriteTag(ctx context.Context, env *bus.Envelope) {
	var body bus.WriteTagBody
	_ = env.Decode(&body)
	g, err := d.Group(body.Group)
	if err != nil {
		d.reply(env, err)
		return
	}
	t, err := g.FindTag(body.Tag)
	if err != nil {
		d.reply(env, err)
		return
	}
	err = d.driverInstance.WriteTag(ctx, t, body.Value)
	d.reply(env, err)
}

func (d *Driver) handleWriteTags(ctx context.Context, env *bus.Envelope) {
	var body bus.WriteTagsBody
	_ = env.Decode(&body)
	g, err := d.Group(body.Group)
	if err != nil {
		d.reply(env, err)
		return
	}
	writes := make([]plugin.TagWrite, 0, len(body.Writes))
	for _, item := range body.Writes {
		t, ferr := g.FindTag(item.Tag)
		if ferr != nil {
			d.reply(env, ferr)
			return
		}
		writes = append(writes, plugin.TagWrite{Tag: t, Value: item.Value})
	}
	errs := d.driverInstance.WriteTags(ctx, writes)
	var first error
	for _, e := range errs {
		if e != nil {
			first = e
			break
		}
	}
	d.reply(env, first)
}

// handleSubscribeGroup records appAddr in this group's fan-out list: the
// driver side of send-subscribe (spec §4.8), letting the poll loop
// publish without consulting the manager's subscription table.
func (d *Driver) handleSubscribeGroup(env *bus.Envelope) {
	var body bus.SubscribeGroupBody
	_ = env.Decode(&body)
	d.mu.Lock()
	addrs := d.fanout[body.Group]
	found := false
	for _, a := range addrs {
		if a == body.PeerAddr {
			found = true
			break
		}
	}
	if !found {
		d.fanout[body.Group] = append(addrs, body.PeerAddr)
	}
	d.mu.Unlock()
	d.reply(env, nil)
}

func (d *Driver) handleUnsubscribeGroup(env *bus.Envelope) {
	var body bus.UnsubscribeGroupBody
	_ = env.Decode(&body)
	d.mu.Lock()
	addrs := d.fanout[body.Group]
	out := addrs[:0:0]
	for _, a := range addrs {
		if a != body.PeerAddr {
			out = append(out, a)
		}
	}
	d.fanout[body.Group] = out
	d.mu.Unlock()
	d.reply(env, nil)
}
