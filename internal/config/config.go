package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type options struct {
	envPrefix string
	flags     *pflag.FlagSet
}

type Option func(o *options)

// WithEnvPrefix requires environment overrides to carry the prefix, e.g.
// SLANGQUIZ_HTTP_PORT for http.port.
func WithEnvPrefix(prefix string) Option {
	return func(o *options) {
		o.envPrefix = prefix
	}
}

// WithFlags lets explicitly set flags override every other source. Flag names
// are config keys, e.g. --log.level.
func WithFlags(fs *pflag.FlagSet) Option {
	return func(o *options) {
		o.flags = fs
	}
}

// Load config from file into the config struct, config must be a pointer to the config struct.
// Values already set in config are the defaults. An empty file loads defaults,
// environment and flags only.
func Load(file string, config any, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()

	if err := setDefaults(v, "", config); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	if o.envPrefix != "" {
		v.SetEnvPrefix(o.envPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if o.flags != nil {
		if err := v.BindPFlags(o.flags); err != nil {
			return fmt.Errorf("bind flags: %v", err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config from file %s: %v", file, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

// setDefaults registers every leaf of in as a viper default so that
// environment variables can override keys missing from the file.
func setDefaults(v *viper.Viper, prefix string, in any) error {
	m := make(map[string]any)
	if err := mapstructure.Decode(in, &m); err != nil {
		return err
	}

	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}

		if nested, ok := val.(map[string]any); ok {
			if err := setDefaults(v, key, nested); err != nil {
				return err
			}
			continue
		}

		if rv := reflect.Indirect(reflect.ValueOf(val)); rv.Kind() == reflect.Struct {
			if err := setDefaults(v, key, rv.Interface()); err != nil {
				return err
			}
			continue
		}

		v.SetDefault(key, val)
	}

	return nil
}
