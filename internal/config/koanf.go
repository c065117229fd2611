package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"relaychat.yaml",
	"relaychat.yml",
	"/etc/relaychat/config.yaml",
}

// envMappings maps flat environment variable names to koanf paths.
var envMappings = map[string]string{
	"server_addr":                 "server.addr",
	"allowed_origins":             "server.allowed_origins",
	"max_message_size":            "server.max_message_size",
	"server_read_timeout":         "server.read_timeout",
	"server_write_timeout":        "server.write_timeout",
	"shutdown_timeout":            "server.shutdown_timeout",
	"heartbeat_probe_interval_ms": "heartbeat.probe_interval_ms",
	"heartbeat_pong_timeout_ms":   "heartbeat.pong_timeout_ms",
	"rate_limit_burst":            "rate_limit.burst",
	"rate_limit_refill_interval":  "rate_limit.refill_interval",
	"jwt_secret":                  "auth.jwt_secret",
	"token_ttl":                   "auth.token_ttl",
	"cookie_secure":               "auth.cookie_secure",
	"bcrypt_cost":                 "auth.bcrypt_cost",
	"database_path":               "storage.database_path",
	"uploads_dir":                 "storage.uploads_dir",
	"log_level":                   "log.level",
	"log_format":                  "log.format",
	"relay_url":                   "client.url",
	"client_backoff_ms":           "client.backoff_ms",
}

// sliceConfigPaths are split on commas when they arrive as a single string.
var sliceConfigPaths = []string{
	"server.allowed_origins",
}

// Load builds a Config from defaults, an optional YAML file and environment
// variables, in increasing order of precedence. An explicit path that does
// not exist is an error; otherwise the default paths are searched.
// Load does not validate; callers decide which sections must be complete.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}

	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	for _, candidate := range DefaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// envTransformFunc maps known environment variables to config paths and
// drops everything else by returning an empty key.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
