package config

// ManagerConfig configures the manager's preflight limits and tick rate
// (C10).
type ManagerConfig struct {
	// GroupMaxPerNode bounds how many groups a single driver node may own;
	// ADD_DRIVERS and ADD_GROUP both enforce it at preflight (SPEC_FULL's
	// GROUP_MAX_PER_NODE supplement).
	GroupMaxPerNode int `mapstructure:"group_max_per_node" default:"64" validate:"gt=0"`
	// ClockTickMillis is the period of the manager's single tick goroutine,
	// which on each tick sets the shared monotonic clock to the current
	// wall-clock time in microseconds (spec §9: "the monotonic
	// global timestamp must be advanced only by a single tick callback").
	ClockTickMillis int64 `mapstructure:"clock_tick_millis" default:"1" validate:"gt=0"`
	// ReactorMaxEvents bounds each adapter's reactor event table.
	ReactorMaxEvents int `mapstructure:"reactor_max_events" default:"1400" validate:"gt=0"`
	// ReconnectMaxElapsedMillis bounds how long an adapter's Init retries a
	// failed plugin connection with backoff before giving up (spec §9 open
	// question (d)). Zero falls back to adapter.DefaultReconnectMaxElapsed.
	ReconnectMaxElapsedMillis int64 `mapstructure:"reconnect_max_elapsed_millis" default:"30000" validate:"gte=0"`
}
