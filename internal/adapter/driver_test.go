package adapter_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/adapter"
	"github.com/neurogate/gateway/internal/bus"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/group"
	"github.com/neurogate/gateway/internal/metrics"
	"github.com/neurogate/gateway/internal/plugin"
	"github.com/neurogate/gateway/internal/tag"
)

type fakeDriverInstance struct {
	groupTimerValues map[string]json.RawMessage
	writeErr         error

	// initErrs is popped one element per Init call; once drained, Init
	// succeeds. Lets tests simulate a flaky connection that recovers
	// after N attempts.
	initErrs []error
}

func (f *fakeDriverInstance) Init(context.Context, plugin.Callbacks, json.RawMessage) error {
	if len(f.initErrs) == 0 {
		return nil
	}
	err := f.initErrs[0]
	f.initErrs = f.initErrs[1:]
	return err
}
func (*fakeDriverInstance) Uninit(context.Context) error                                    { return nil }
func (*fakeDriverInstance) Start(context.Context) error                                     { return nil }
func (*fakeDriverInstance) Stop(context.Context) error                                       { return nil }
func (*fakeDriverInstance) Setting(context.Context, json.RawMessage) error                   { return nil }
func (*fakeDriverInstance) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (*fakeDriverInstance) ValidateTag(tag.Tag) error    { return nil }
func (*fakeDriverInstance) TagValidator([]tag.Tag) error { return nil }
func (f *fakeDriverInstance) GroupTimer(context.Context, *group.Group, []tag.Tag) (map[string]json.RawMessage, error) {
	return f.groupTimerValues, nil
}
func (*fakeDriverInstance) GroupSync(context.Context, *group.Group, []tag.Tag, []tag.Tag) error {
	return nil
}
func (f *fakeDriverInstance) WriteTag(context.Context, tag.Tag, json.RawMessage) error { return f.writeErr }
func (f *fakeDriverInstance) WriteTags(_ context.Context, writes []plugin.TagWrite) []error {
	out := make([]error, len(writes))
	return out
}
func (*fakeDriverInstance) LoadTags(context.Context, string, []tag.Tag) error   { return nil }
func (*fakeDriverInstance) AddTags(context.Context, string, []tag.Tag) error    { return nil }
func (*fakeDriverInstance) DelTags(context.Context, string, []string) error     { return nil }

type fakeDriverModule struct {
	desc plugin.Descriptor
	inst *fakeDriverInstance
}

func (m fakeDriverModule) Descriptor() plugin.Descriptor { return m.desc }
func (m fakeDriverModule) Open() (plugin.Instance, error) { return m.inst, nil }
func (fakeDriverModule) Close(plugin.Instance)            {}

func newTestDriver(t *testing.T, b *bus.Bus, name string, inst *fakeDriverInstance) *adapter.Driver {
	t.Helper()
	mod := fakeDriverModule{desc: plugin.Descriptor{Name: "fake-driver", NodeKind: plugin.KindDriver}, inst: inst}
	reg := metrics.NewRegistry(metrics.Config{})
	d, err := adapter.NewDriver(name, "fake-driver", mod, adapter.Deps{
		Bus:     b,
		Metrics: reg,
		Log:     zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, d.Bind(context.Background()))
	require.NoError(t, d.Init(context.Background(), nil))
	return d
}

func TestDriverAddGetDelGroup(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	d := newTestDriver(t, b, "d1", &fakeDriverInstance{})

	require.NoError(t, d.AddGroup("g1", 1000))
	g, err := d.Group("g1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), g.IntervalMS())

	require.Error(t, d.AddGroup("g1", 1000)) // duplicate

	require.NoError(t, d.DelGroup("g1"))
	_, err = d.Group("g1")
	require.Error(t, err)
}

func TestDriverReadGroupRespondsWithTransData(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	inst := &fakeDriverInstance{groupTimerValues: map[string]json.RawMessage{"t1": json.RawMessage(`42`)}}
	d := newTestDriver(t, b, "d1", inst)
	require.NoError(t, d.AddGroup("g1", 1000))

	caller, err := bus.NewCaller(context.Background(), b, "requester")
	require.NoError(t, err)
	defer caller.Close()

	reqBody, err := bus.Encode(bus.ReadGroupBody{Driver: "d1", Group: "g1"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := caller.Call(ctx, "d1", &bus.Envelope{Type: bus.TypeReadGroup, Body: reqBody})
	require.NoError(t, err)
	require.Equal(t, bus.TypeTransData, resp.Type)

	var data bus.TransDataBody
	require.NoError(t, resp.Decode(&data))
	require.Equal(t, "d1", data.Driver)
	require.Equal(t, "g1", data.Group)
	require.Len(t, data.Values, 1)
	require.Equal(t, "t1", data.Values[0].Name)
}

func TestDriverWriteTagRespondsWithError(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	inst := &fakeDriverInstance{writeErr: gatewayerr.New(gatewayerr.TagNotExist)}
	d := newTestDriver(t, b, "d1", inst)
	require.NoError(t, d.AddGroup("g1", 1000))
	tg, err := tag.New("t1", "1!400001", tag.TypeInt16, tag.AttrRead|tag.AttrWrite, nil)
	require.NoError(t, err)

	caller, err := bus.NewCaller(context.Background(), b, "requester2")
	require.NoError(t, err)
	defer caller.Close()

	reqBody, err := bus.Encode(bus.AddTagBody{Group: "g1", Tag: tg})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := caller.Call(ctx, "d1", &bus.Envelope{Type: bus.TypeAddTag, Body: reqBody})
	require.NoError(t, err)
	require.Equal(t, bus.TypeRespError, resp.Type)
	var respBody bus.RespErrorBody
	require.NoError(t, resp.Decode(&respBody))
	require.Equal(t, gatewayerr.Success.String(), respBody.Error)

	writeReqBody, err := bus.Encode(bus.WriteTagBody{Driver: "d1", Group: "g1", Tag: "t1", Value: json.RawMessage(`1`)})
	require.NoError(t, err)
	writeResp, err := caller.Call(ctx, "d1", &bus.Envelope{Type: bus.TypeWriteTag, Body: writeReqBody})
	require.NoError(t, err)
	var writeRespBody bus.RespErrorBody
	require.NoError(t, writeResp.Decode(&writeRespBody))
	require.Equal(t, gatewayerr.TagNotExist.String(), writeRespBody.Error)
}

func TestDriverListSubGroups(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	d := newTestDriver(t, b, "d1", &fakeDriverInstance{})
	require.NoError(t, d.AddGroup("g2", 500))
	require.NoError(t, d.AddGroup("g1", 500))

	caller, err := bus.NewCaller(context.Background(), b, "requester3")
	require.NoError(t, err)
	defer caller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := caller.Call(ctx, "d1", &bus.Envelope{Type: bus.TypeListSubGroups})
	require.NoError(t, err)
	var body bus.ListSubGroupsRespBody
	require.NoError(t, resp.Decode(&body))
	require.Equal(t, []string{"g1", "g2"}, body.Groups)
}

func TestDriverSubscribeUnsubscribeFanout(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	d := newTestDriver(t, b, "d1", &fakeDriverInstance{})
	require.NoError(t, d.AddGroup("g1", 1000))

	caller, err := bus.NewCaller(context.Background(), b, "app.a1")
	require.NoError(t, err)
	defer caller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	subBody, err := bus.Encode(bus.SubscribeGroupBody{App: "a1", Driver: "d1", Group: "g1", PeerAddr: "app.a1"})
	require.NoError(t, err)
	_, err = caller.Call(ctx, "d1", &bus.Envelope{Type: bus.TypeSubscribeGroup, Body: subBody})
	require.NoError(t, err)

	unsubBody, err := bus.Encode(bus.UnsubscribeGroupBody{App: "a1", Driver: "d1", Group: "g1", PeerAddr: "app.a1"})
	require.NoError(t, err)
	_, err = caller.Call(ctx, "d1", &bus.Envelope{Type: bus.TypeUnsubscribeGroup, Body: unsubBody})
	require.NoError(t, err)
}
