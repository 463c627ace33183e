package config

// BusConfig configures the in-process message bus (C4).
type BusConfig struct {
	// OutputChannelBuffer bounds how many envelopes can queue per mailbox
	// before Send reports a transient failure.
	OutputChannelBuffer int64 `mapstructure:"output_channel_buffer" default:"256" validate:"gt=0"`
}
