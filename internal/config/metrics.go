package config

// MetricsConfig configures the metrics block (C11) and its Prometheus
// exposition surface.
type MetricsConfig struct {
	// ListenAddress is where promhttp.Handler is served, e.g. ":9090".
	ListenAddress string `mapstructure:"listen_address" default:":9090" validate:"required"`
	// RollingWindowSeconds is the span rolling-counter metrics retain
	// samples over.
	RollingWindowSeconds int64 `mapstructure:"rolling_window_seconds" default:"60" validate:"gt=0"`
	// BucketWidthSeconds is the per-bucket granularity of rolling counters.
	BucketWidthSeconds int64 `mapstructure:"bucket_width_seconds" default:"1" validate:"gt=0"`
}
