// Package config contains the centralized configuration structure for the
// gateway daemon, read from a YAML file and overridable by environment
// variables and command-line flags (mapstructure + viper + pflag, the same
// stack minder's own internal/config uses).
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// validate holds the `validate` struct-tag rules every Config leaf field
// declares; checked once after viper unmarshals into a Config so a
// malformed file or env override is rejected at startup rather than
// surfacing later as an obscure runtime failure.
var validate = validator.New()

// Config is the top-level configuration structure for cmd/gatewayd.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Bus     BusConfig     `mapstructure:"bus"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Store   StoreConfig   `mapstructure:"store"`
	Manager ManagerConfig `mapstructure:"manager"`
}

// DefaultConfigForTest returns a configuration with every struct default
// applied and nothing else overridden.
func DefaultConfigForTest() *Config {
	v := viper.New()
	SetViperDefaults(v)
	c, err := ReadConfigFromViper(v)
	if err != nil {
		panic(fmt.Sprintf("failed to read default config: %v", err))
	}
	return c
}

// ReadConfigFromViper unmarshals v's current state into a Config, rejecting
// the result if it fails any field's `validate` tag.
func ReadConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// SetViperDefaults registers every struct-tagged default and binds the
// GATEWAY_ env prefix, so GATEWAY_STORE_PATH overrides store.path etc.
func SetViperDefaults(v *viper.Viper) {
	v.SetEnvPrefix("gateway")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setViperStructDefaults(v, "", Config{})
}

// setViperStructDefaults recursively walks a config struct, registering
// each leaf field's `default` tag with viper so env vars and flags layer
// over it correctly (see https://github.com/spf13/viper/issues/188).
func setViperStructDefaults(v *viper.Viper, prefix string, s any) {
	structType := reflect.TypeOf(s)

	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if unicode.IsLower([]rune(field.Name)[0]) {
			continue
		}
		if field.Tag.Get("mapstructure") == "" {
			panic(fmt.Sprintf("untagged config struct field %q", field.Name))
		}
		valueName := strings.ToLower(prefix + field.Tag.Get("mapstructure"))

		if field.Type.Kind() == reflect.Struct {
			setViperStructDefaults(v, valueName+".", reflect.Zero(field.Type).Interface())
			continue
		}

		value := field.Tag.Get("default")
		defaultValue := reflect.Zero(field.Type).Interface()
		var err error
		switch field.Type.Kind() {
		case reflect.String:
			defaultValue = value
		case reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8, reflect.Int,
			reflect.Uint64, reflect.Uint32, reflect.Uint16, reflect.Uint8, reflect.Uint:
			defaultValue, err = strconv.Atoi(value)
		case reflect.Float64:
			defaultValue, err = strconv.ParseFloat(value, 64)
		case reflect.Bool:
			defaultValue, err = strconv.ParseBool(value)
		default:
			err = fmt.Errorf("unhandled type %s", field.Type.Kind())
		}
		if err != nil {
			panic(fmt.Sprintf("bad default for field %q (%s): %v", valueName, field.Type.Kind(), err))
		}

		if err := v.BindEnv(strings.ToUpper(valueName)); err != nil {
			panic(fmt.Sprintf("failed to bind %q to env var: %v", valueName, err))
		}
		v.SetDefault(valueName, defaultValue)
	}
}

// FlagInst is a function that creates a flag and returns a pointer to its
// value, matching the signature of pflag.FlagSet's StringP/IntP/etc family.
type FlagInst[V any] func(name string, value V, usage string) *V

// FlagInstShort is FlagInst with a short flag name.
type FlagInstShort[V any] func(name, shorthand string, value V, usage string) *V

// BindConfigFlag registers a flag and binds it to viperPath, so the
// precedence order (flag > env > file > default) holds for every setting.
func BindConfigFlag[V any](
	v *viper.Viper,
	flags *pflag.FlagSet,
	viperPath string,
	cmdLineArg string,
	defaultValue V,
	help string,
	binder FlagInst[V],
) error {
	binder(cmdLineArg, defaultValue, help)
	return doViperBind(v, flags, viperPath, cmdLineArg, defaultValue)
}

// BindConfigFlagWithShort is BindConfigFlag with a short flag name.
func BindConfigFlagWithShort[V any](
	v *viper.Viper,
	flags *pflag.FlagSet,
	viperPath string,
	cmdLineArg string,
	short string,
	defaultValue V,
	help string,
	binder FlagInstShort[V],
) error {
	binder(cmdLineArg, short, defaultValue, help)
	return doViperBind(v, flags, viperPath, cmdLineArg, defaultValue)
}

func doViperBind[V any](
	v *viper.Viper,
	flags *pflag.FlagSet,
	viperPath string,
	cmdLineArg string,
	defaultValue V,
) error {
	v.SetDefault(viperPath, defaultValue)
	if err := v.BindPFlag(viperPath, flags.Lookup(cmdLineArg)); err != nil {
		return fmt.Errorf("failed to bind flag %s to viper path %s: %w", cmdLineArg, viperPath, err)
	}
	return nil
}
