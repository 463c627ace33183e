package manager_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/bus"
	"github.com/neurogate/gateway/internal/config"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/group"
	"github.com/neurogate/gateway/internal/manager"
	"github.com/neurogate/gateway/internal/metrics"
	"github.com/neurogate/gateway/internal/plugin"
	"github.com/neurogate/gateway/internal/tag"
)

type fakeCommon struct{}

func (fakeCommon) Init(context.Context, plugin.Callbacks, json.RawMessage) error { return nil }
func (fakeCommon) Uninit(context.Context) error                                  { return nil }
func (fakeCommon) Start(context.Context) error                                   { return nil }
func (fakeCommon) Stop(context.Context) error                                    { return nil }
func (fakeCommon) Setting(context.Context, json.RawMessage) error                { return nil }
func (fakeCommon) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

type fakeDriverInstance struct{ fakeCommon }

func (fakeDriverInstance) ValidateTag(tag.Tag) error    { return nil }
func (fakeDriverInstance) TagValidator([]tag.Tag) error { return nil }
func (fakeDriverInstance) GroupTimer(context.Context, *group.Group, []tag.Tag) (map[string]json.RawMessage, error) {
	return map[string]json.RawMessage{}, nil
}
func (fakeDriverInstance) GroupSync(context.Context, *group.Group, []tag.Tag, []tag.Tag) error {
	return nil
}
func (fakeDriverInstance) WriteTag(context.Context, tag.Tag, json.RawMessage) error { return nil }
func (fakeDriverInstance) WriteTags(_ context.Context, writes []plugin.TagWrite) []error {
	return make([]error, len(writes))
}
func (fakeDriverInstance) LoadTags(context.Context, string, []tag.Tag) error { return nil }
func (fakeDriverInstance) AddTags(context.Context, string, []tag.Tag) error  { return nil }
func (fakeDriverInstance) DelTags(context.Context, string, []string) error  { return nil }

type fakeAppInstance struct{ fakeCommon }

func (fakeAppInstance) HandleTransData(context.Context, string, string, int64, map[string]json.RawMessage) error {
	return nil
}

type fakeModule struct {
	desc plugin.Descriptor
	open func() (plugin.Instance, error)
}

func (m fakeModule) Descriptor() plugin.Descriptor  { return m.desc }
func (m fakeModule) Open() (plugin.Instance, error) { return m.open() }
func (fakeModule) Close(plugin.Instance)            {}

func driverModule(name string, single bool) fakeModule {
	return fakeModule{
		desc: plugin.Descriptor{Name: name, NodeKind: plugin.KindDriver, Single: single},
		open: func() (plugin.Instance, error) { return fakeDriverInstance{}, nil },
	}
}

func appModule(name string) fakeModule {
	return fakeModule{
		desc: plugin.Descriptor{Name: name, NodeKind: plugin.KindApp},
		open: func() (plugin.Instance, error) { return fakeAppInstance{}, nil },
	}
}

func newTestManager(t *testing.T) (*manager.Manager, *plugin.Registry) {
	t.Helper()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 16})
	reg := plugin.NewRegistry()
	m, err := manager.New(context.Background(), config.ManagerConfig{GroupMaxPerNode: 2, ClockTickMillis: 1, ReactorMaxEvents: 64}, manager.Deps{
		Bus:      b,
		Metrics:  metrics.NewRegistry(metrics.Config{}),
		Registry: reg,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, reg
}

func TestAddDriverAndGroupLifecycle(t *testing.T) {
	t.Parallel()
	m, reg := newTestManager(t)
	reg.Register(driverModule("modbus", false))
	ctx := context.Background()

	require.NoError(t, m.AddDriver(ctx, "d1", "modbus", nil))
	require.Error(t, m.AddDriver(ctx, "d1", "modbus", nil)) // duplicate name

	require.NoError(t, m.AddGroup(ctx, "d1", "g1", 1000))
	require.NoError(t, m.AddGroup(ctx, "d1", "g2", 1000))
	// Third group exceeds GroupMaxPerNode == 2.
	require.Error(t, m.AddGroup(ctx, "d1", "g3", 1000))

	got, err := m.GetGroup(ctx, "d1", "g1")
	require.NoError(t, err)
	require.Equal(t, "g1", got.Group)

	groups, err := m.ListSubGroups(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, []string{"g1", "g2"}, groups)
}

func TestSingletonDriverCannotBeAcquiredTwice(t *testing.T) {
	t.Parallel()
	m, reg := newTestManager(t)
	reg.Register(driverModule("singleton-proto", true))
	ctx := context.Background()

	require.NoError(t, m.AddDriver(ctx, "d1", "singleton-proto", nil))
	require.Error(t, m.AddDriver(ctx, "d2", "singleton-proto", nil))
}

func TestSubscribeAndDeleteDriverRemovesNode(t *testing.T) {
	t.Parallel()
	m, reg := newTestManager(t)
	reg.Register(driverModule("modbus", false))
	reg.Register(appModule("sink"))
	ctx := context.Background()

	require.NoError(t, m.AddDriver(ctx, "d1", "modbus", nil))
	require.NoError(t, m.AddApp(ctx, "a1", "sink", nil))
	require.NoError(t, m.AddGroup(ctx, "d1", "g1", 1000))
	require.NoError(t, m.Subscribe(ctx, "a1", "d1", "g1", "params"))

	require.NoError(t, m.DeleteNode(ctx, "d1"))
	require.NotContains(t, m.ListNodes(), "d1")
}

func TestAddTagRoundtrip(t *testing.T) {
	t.Parallel()
	m, reg := newTestManager(t)
	reg.Register(driverModule("modbus", false))
	ctx := context.Background()

	require.NoError(t, m.AddDriver(ctx, "d1", "modbus", nil))
	require.NoError(t, m.AddGroup(ctx, "d1", "g1", 1000))

	tg, err := tag.New("t1", "1!400001", tag.TypeInt16, tag.AttrRead, nil)
	require.NoError(t, err)
	require.NoError(t, m.AddTag(ctx, "d1", "g1", tg))
	require.Error(t, m.AddTag(ctx, "d1", "g1", tg)) // TAG_NAME_CONFLICT

	got, err := m.GetTag(ctx, "d1", "g1", "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", got.Name)

	require.NoError(t, m.DelTag(ctx, "d1", "g1", "t1"))
	_, err = m.GetTag(ctx, "d1", "g1", "t1")
	require.Error(t, err)
	require.Equal(t, gatewayerr.TagNotExist, gatewayerr.CodeOf(err))
}

func TestAddDriversRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	m, reg := newTestManager(t)
	reg.Register(driverModule("modbus", false))
	ctx := context.Background()

	specs := []manager.DriverSpec{
		{Name: "d1", PluginName: "modbus"},
		{Name: "d2", PluginName: "unknown-plugin"},
	}
	err := m.AddDrivers(ctx, specs)
	require.Error(t, err)

	require.Empty(t, m.ListNodes())
}

func TestRenameSubscribedNodeThenUnsubscribe(t *testing.T) {
	t.Parallel()
	m, reg := newTestManager(t)
	reg.Register(driverModule("modbus", false))
	reg.Register(appModule("sink"))
	ctx := context.Background()

	require.NoError(t, m.AddDriver(ctx, "d1", "modbus", nil))
	require.NoError(t, m.AddApp(ctx, "a1", "sink", nil))
	require.NoError(t, m.AddGroup(ctx, "d1", "g1", 1000))
	require.NoError(t, m.Subscribe(ctx, "a1", "d1", "g1", ""))

	require.NoError(t, m.RenameNode(ctx, "d1", "d1b"))
	require.NoError(t, m.Unsubscribe(ctx, "a1", "d1b", "g1"))

	time.Sleep(20 * time.Millisecond)
}
