package config_test

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/config"
)

func TestDefaultConfigPassesValidation(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfigForTest()
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, ":9090", cfg.Metrics.ListenAddress)
	require.Equal(t, 64, cfg.Manager.GroupMaxPerNode)
}

func TestReadConfigFromViperRejectsBadLogLevel(t *testing.T) {
	t.Parallel()

	v := viper.New()
	config.SetViperDefaults(v)
	v.Set("logging.level", "loud")

	_, err := config.ReadConfigFromViper(v)
	require.Error(t, err)
}

func TestReadConfigFromViperRejectsZeroGroupMaxPerNode(t *testing.T) {
	t.Parallel()

	v := viper.New()
	config.SetViperDefaults(v)
	v.Set("manager.group_max_per_node", 0)

	_, err := config.ReadConfigFromViper(v)
	require.Error(t, err)
}
