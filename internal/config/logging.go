package config

// LogFormat is the closed set of supported log encodings.
type LogFormat string

// The two supported log encodings.
const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// LoggingConfig configures the gateway's zerolog output.
type LoggingConfig struct {
	// Level is one of trace/debug/info/warn/error.
	Level string `mapstructure:"level" default:"info" validate:"oneof=trace debug info warn error"`
	// Format selects JSON (for ingestion) or human-readable console text.
	Format string `mapstructure:"format" default:"json" validate:"oneof=json text"`
	// LogFile, if set, additionally writes logs to this path.
	LogFile string `mapstructure:"log_file" default:""`
}
