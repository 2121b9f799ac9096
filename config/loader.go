package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override, for example
// ARCHON_LLM_API_KEY or ARCHON_STORE_BACKEND.
const DefaultEnvPrefix = "ARCHON"

// legacyEnv lists unprefixed variable names accepted for compatibility
// with existing deployments. A prefixed variable always wins.
var legacyEnv = map[string]string{
	"LLM_API_KEY":      "LLM_API_KEY",
	"BASE_URL":         "LLM_BASE_URL",
	"REASONER_MODEL":   "LLM_MODELS_REASONER",
	"PRIMARY_MODEL":    "LLM_MODELS_PRIMARY",
	"DIAGNOSTIC_MODEL": "LLM_MODELS_DIAGNOSTIC",
	"TOOL_GEN_MODEL":   "LLM_MODELS_TOOL_GEN",
}

// Loader builds a Config from defaults, an optional YAML file and the
// environment, in that order of precedence (lowest first).
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader creates a loader reading ARCHON_* variables.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the YAML file to read. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix changes the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLookupEnv replaces os.LookupEnv, mainly for tests.
func (l *Loader) WithLookupEnv(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// WithValidator adds a check run after Config.Validate.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.LoadUnvalidated()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// LoadUnvalidated merges defaults, file and environment without checking
// the result. Commands that only need a few settings use it so unrelated
// sections, such as a missing API key, do not stop them.
func (l *Loader) LoadUnvalidated() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	if err := l.applyLegacyEnv(cfg); err != nil {
		return err
	}
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// applyLegacyEnv maps unprefixed names onto their prefixed equivalent
// unless the prefixed variable is set.
func (l *Loader) applyLegacyEnv(cfg *Config) error {
	for legacy, key := range legacyEnv {
		value, ok := l.lookupEnv(legacy)
		if !ok || value == "" {
			continue
		}
		if v, set := l.lookupEnv(l.envPrefix + "_" + key); set && v != "" {
			continue
		}
		field, ok := fieldByEnvKey(reflect.ValueOf(cfg).Elem(), key)
		if !ok {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", legacy, err)
		}
	}
	return nil
}

// fieldByEnvKey resolves a key such as LLM_MODELS_PRIMARY to its field.
func fieldByEnvKey(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		field := v.Field(i)
		switch {
		case key == tag && field.Kind() != reflect.Struct:
			return field, true
		case field.Kind() == reflect.Struct && strings.HasPrefix(key, tag+"_"):
			if f, ok := fieldByEnvKey(field, strings.TrimPrefix(key, tag+"_")); ok {
				return f, true
			}
		}
	}
	return reflect.Value{}, false
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}

	return nil
}

// Load reads the configuration at path with the default loader.
func Load(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
