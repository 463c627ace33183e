package adapter_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/adapter"
	"github.com/neurogate/gateway/internal/bus"
	"github.com/neurogate/gateway/internal/metrics"
	"github.com/neurogate/gateway/internal/plugin"
)

type recordedSnapshot struct {
	driver, group string
	timestamp     int64
	values        map[string]json.RawMessage
}

type fakeAppInstance struct {
	mu        sync.Mutex
	snapshots []recordedSnapshot
}

func (f *fakeAppInstance) Init(context.Context, plugin.Callbacks, json.RawMessage) error { return nil }
func (*fakeAppInstance) Uninit(context.Context) error                                    { return nil }
func (*fakeAppInstance) Start(context.Context) error                                     { return nil }
func (*fakeAppInstance) Stop(context.Context) error                                       { return nil }
func (*fakeAppInstance) Setting(context.Context, json.RawMessage) error                   { return nil }
func (*fakeAppInstance) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeAppInstance) HandleTransData(_ context.Context, driver, group string, timestamp int64, values map[string]json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, recordedSnapshot{driver: driver, group: group, timestamp: timestamp, values: values})
	return nil
}

func (f *fakeAppInstance) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

type fakeAppModule struct {
	inst *fakeAppInstance
}

func (fakeAppModule) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: "fake-app", NodeKind: plugin.KindApp}
}
func (m fakeAppModule) Open() (plugin.Instance, error) { return m.inst, nil }
func (fakeAppModule) Close(plugin.Instance)            {}

func newTestApp(t *testing.T, b *bus.Bus, name string, inst *fakeAppInstance) *adapter.App {
	t.Helper()
	mod := fakeAppModule{inst: inst}
	reg := metrics.NewRegistry(metrics.Config{})
	a, err := adapter.NewApp(name, "fake-app", mod, adapter.Deps{
		Bus:     b,
		Metrics: reg,
		Log:     zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Bind(context.Background()))
	require.NoError(t, a.Init(context.Background(), nil))
	return a
}

func TestAppHandlesUnsolicitedTransData(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	inst := &fakeAppInstance{}
	newTestApp(t, b, "a1", inst)

	body, err := bus.Encode(bus.TransDataBody{
		Driver: "d1", Group: "g1", Timestamp: 100,
		Values: []bus.TagValue{{Name: "t1", Value: json.RawMessage(`42`)}},
	})
	require.NoError(t, err)
	require.NoError(t, b.Send("a1", &bus.Envelope{Type: bus.TypeTransData, Body: body}))

	require.Eventually(t, func() bool { return inst.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestAppSubscribeBookkeepingAndReadGroup(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	inst := &fakeAppInstance{}
	app := newTestApp(t, b, "a1", inst)

	subBody, err := bus.Encode(bus.SubscribeGroupBody{App: "a1", Driver: "d1", Group: "g1", PeerAddr: "d1"})
	require.NoError(t, err)
	require.NoError(t, b.Send("a1", &bus.Envelope{Type: bus.TypeSubscribeGroup, Body: subBody}))
	time.Sleep(50 * time.Millisecond)

	// Stand in for d1: reply to whatever READ_GROUP arrives with a
	// TRANS_DATA envelope correlated by the request's context.
	mb, err := b.Mailbox(context.Background(), "d1")
	require.NoError(t, err)
	go func() {
		env := <-mb.Recv()
		respBody, _ := bus.Encode(bus.TransDataBody{Driver: "d1", Group: "g1", Timestamp: 7, Values: []bus.TagValue{{Name: "t1", Value: json.RawMessage(`1`)}}})
		_ = b.Send(env.Sender, &bus.Envelope{Type: bus.TypeTransData, Context: env.Context, Body: respBody})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := app.ReadGroup(ctx, "d1", "g1")
	require.NoError(t, err)
	require.Equal(t, int64(7), out.Timestamp)
}

func TestAppReadGroupUnknownSubscriptionFails(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	app := newTestApp(t, b, "a2", &fakeAppInstance{})

	_, err := app.ReadGroup(context.Background(), "d1", "g1")
	require.Error(t, err)
}
