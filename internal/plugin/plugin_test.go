package plugin_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/group"
	"github.com/neurogate/gateway/internal/plugin"
	"github.com/neurogate/gateway/internal/tag"
)

type fakeDriverInstance struct{}

func (fakeDriverInstance) Init(context.Context, plugin.Callbacks, json.RawMessage) error { return nil }
func (fakeDriverInstance) Uninit(context.Context) error                                  { return nil }
func (fakeDriverInstance) Start(context.Context) error                                   { return nil }
func (fakeDriverInstance) Stop(context.Context) error                                     { return nil }
func (fakeDriverInstance) Setting(context.Context, json.RawMessage) error                 { return nil }
func (fakeDriverInstance) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (fakeDriverInstance) ValidateTag(tag.Tag) error      { return nil }
func (fakeDriverInstance) TagValidator([]tag.Tag) error   { return nil }
func (fakeDriverInstance) GroupTimer(context.Context, *group.Group, []tag.Tag) (map[string]json.RawMessage, error) {
	return nil, nil
}
func (fakeDriverInstance) GroupSync(context.Context, *group.Group, []tag.Tag, []tag.Tag) error {
	return nil
}
func (fakeDriverInstance) WriteTag(context.Context, tag.Tag, json.RawMessage) error { return nil }
func (fakeDriverInstance) WriteTags(context.Context, []plugin.TagWrite) []error     { return nil }
func (fakeDriverInstance) LoadTags(context.Context, string, []tag.Tag) error        { return nil }
func (fakeDriverInstance) AddTags(context.Context, string, []tag.Tag) error          { return nil }
func (fakeDriverInstance) DelTags(context.Context, string, []string) error           { return nil }

type fakeModule struct {
	desc plugin.Descriptor
}

func (m fakeModule) Descriptor() plugin.Descriptor { return m.desc }
func (fakeModule) Open() (plugin.Instance, error)  { return fakeDriverInstance{}, nil }
func (fakeModule) Close(plugin.Instance)           {}

func TestAcquireTypeMismatch(t *testing.T) {
	t.Parallel()
	r := plugin.NewRegistry()
	r.Register(fakeModule{desc: plugin.Descriptor{Name: "modbus", NodeKind: plugin.KindDriver}})

	_, err := r.Acquire("modbus", "a1", plugin.KindApp)
	require.Error(t, err)
}

func TestAcquireSingletonExclusion(t *testing.T) {
	t.Parallel()
	r := plugin.NewRegistry()
	r.Register(fakeModule{desc: plugin.Descriptor{Name: "mqtt", NodeKind: plugin.KindApp, Single: true}})

	_, err := r.Acquire("mqtt", "app1", plugin.KindApp)
	require.NoError(t, err)

	_, err = r.Acquire("mqtt", "app2", plugin.KindApp)
	require.Error(t, err)

	r.Release("mqtt", "app1")
	_, err = r.Acquire("mqtt", "app2", plugin.KindApp)
	require.NoError(t, err)
}

func TestUnregisterRefusedWhileLive(t *testing.T) {
	t.Parallel()
	r := plugin.NewRegistry()
	r.Register(fakeModule{desc: plugin.Descriptor{Name: "mqtt", NodeKind: plugin.KindApp, Single: true}})
	_, err := r.Acquire("mqtt", "app1", plugin.KindApp)
	require.NoError(t, err)

	require.Error(t, r.Unregister("mqtt"))
	r.Release("mqtt", "app1")
	require.NoError(t, r.Unregister("mqtt"))
}

func TestListReturnsDescriptors(t *testing.T) {
	t.Parallel()
	r := plugin.NewRegistry()
	r.Register(fakeModule{desc: plugin.Descriptor{Name: "modbus", NodeKind: plugin.KindDriver}})
	got := r.List()
	require.Len(t, got, 1)
	require.Equal(t, "modbus", got[0].Name)
}
