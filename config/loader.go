package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/streamnet/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STREAMNET"

// Loader builds a Config from defaults, file layers and environment
// overrides, in that order. Later layers only override the keys they set.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with no layers and validation off.
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix, getenv: os.Getenv}
}

// AddLayer adds a JSON or YAML file layer.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load validate the merged result.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads a single layer on top of the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	format, err := layerFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := checkJSONDepth(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	if err := checkInlineChannels(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap overrides base with the keys present in override.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps merges override into base. Nested maps merge, anything else
// is replaced. Nil values in override are ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	str := func(name string, dst *string) {
		if v := l.env(name, &firstErr); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v := l.env(name, &firstErr)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
			}
			return
		}
		*dst = n
	}

	str("NODE_JOB", &cfg.Node.Job)
	str("NODE_ID", &cfg.Node.ID)
	str("NODE_IP", &cfg.Node.IP)
	str("IPC_ROOT", &cfg.Node.IPCRoot)
	str("REMOTE_SCHEME", &cfg.Network.RemoteScheme)
	str("RELAY_OVERFLOW", &cfg.Relay.Overflow)
	str("CHANNELS_FILE", &cfg.Channels.File)
	str("NATS_CHANNELS_BUCKET", &cfg.NATS.ChannelsBucket)
	str("NATS_USERNAME", &cfg.NATS.Username)
	str("NATS_PASSWORD", &cfg.NATS.Password)
	str("NATS_TOKEN", &cfg.NATS.Token)
	num("LOOP_WORKERS", &cfg.Loop.Workers)
	num("METRICS_PORT", &cfg.Metrics.Port)
	num("RELAY_QUEUE_CAPACITY", &cfg.Relay.QueueCapacity)

	if v := l.env("NATS_URLS", &firstErr); v != "" {
		cfg.NATS.URLs = strings.Split(v, ",")
	}

	if firstErr != nil {
		return errors.WrapInvalid(firstErr, "Loader", "Load", "apply environment overrides")
	}
	return nil
}

func (l *Loader) env(name string, firstErr *error) string {
	key := l.envPrefix + "_" + name
	v := l.getenv(key)
	if err := checkEnvValue(key, v); err != nil {
		if *firstErr == nil {
			*firstErr = err
		}
		return ""
	}
	return v
}
