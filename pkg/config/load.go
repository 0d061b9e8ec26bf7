package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "AVMON"

func setDefaults(v *viper.Viper) {
	v.SetDefault("listenaddr", ":8080")
	v.SetDefault("observerid", 0)
	v.SetDefault("tracker.silencethreshold", 15*time.Second)
	v.SetDefault("tracker.sweepinterval", 5*time.Second)
	v.SetDefault("tracker.lookuptimeout", 10*time.Second)
	v.SetDefault("tracker.reporttimeout", 10*time.Second)
	v.SetDefault("tracker.deliveryguardttl", 30*time.Minute)
	v.SetDefault("discovery.mode", DiscoveryModeBroker)
	v.SetDefault("discovery.topics", []string{"ble/+/sightings"})
	v.SetDefault("discovery.qos", 0)
	v.SetDefault("discovery.broker.listenaddr", ":1883")
	v.SetDefault("discovery.broker.allowedusers", []string{})
	v.SetDefault("discovery.client.url", "")
	v.SetDefault("discovery.client.clientid", "")
	v.SetDefault("discovery.client.username", "")
	v.SetDefault("discovery.client.password", "")
	v.SetDefault("discovery.client.connecttimeout", 10*time.Second)
	v.SetDefault("directory.kind", BackendHTTP)
	v.SetDefault("directory.baseurl", "")
	v.SetDefault("directory.timeout", 10*time.Second)
	v.SetDefault("sink.kind", BackendHTTP)
	v.SetDefault("sink.baseurl", "")
	v.SetDefault("sink.timeout", 10*time.Second)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.db", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads the configuration file at path, applies AVMON_* environment
// overrides and validates the result. An empty path loads defaults and the
// environment only.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Configuration{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
