package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/adapter"
	"github.com/neurogate/gateway/internal/bus"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/metrics"
	"github.com/neurogate/gateway/internal/plugin"
)

func TestInitRetriesTransientConnectFailures(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	inst := &fakeDriverInstance{
		initErrs: []error{
			gatewayerr.New(gatewayerr.DeviceFailure),
			gatewayerr.New(gatewayerr.DeviceFailure),
		},
	}
	mod := fakeDriverModule{desc: plugin.Descriptor{Name: "fake-driver", NodeKind: plugin.KindDriver}, inst: inst}
	reg := metrics.NewRegistry(metrics.Config{})
	d, err := adapter.NewDriver("d1", "fake-driver", mod, adapter.Deps{
		Bus:                 b,
		Metrics:             reg,
		Log:                 zerolog.Nop(),
		ReconnectMaxElapsed: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, d.Bind(context.Background()))

	require.NoError(t, d.Init(context.Background(), nil))
	require.Equal(t, adapter.LinkConnected, d.LinkState())
}

func TestInitDoesNotRetryConfigurationErrors(t *testing.T) {
	t.Parallel()
	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	inst := &fakeDriverInstance{
		initErrs: []error{gatewayerr.New(gatewayerr.GroupParameterInvalid)},
	}
	mod := fakeDriverModule{desc: plugin.Descriptor{Name: "fake-driver", NodeKind: plugin.KindDriver}, inst: inst}
	reg := metrics.NewRegistry(metrics.Config{})
	d, err := adapter.NewDriver("d1", "fake-driver", mod, adapter.Deps{
		Bus:                 b,
		Metrics:             reg,
		Log:                 zerolog.Nop(),
		ReconnectMaxElapsed: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, d.Bind(context.Background()))

	start := time.Now()
	err = d.Init(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, gatewayerr.GroupParameterInvalid, gatewayerr.CodeOf(err))
	require.Less(t, time.Since(start), time.Second, "configuration errors must not be retried with backoff")
	require.Equal(t, adapter.LinkDisconnected, d.LinkState())
}
