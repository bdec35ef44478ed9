package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables prefixed with VERIFYD_
//     (VERIFYD_SERVER_PORT, VERIFYD_LOGGING_LEVEL, ...)
//  2. YAML config file (configPath, skipped when empty or absent)
//  3. Defaults from Default()
//
// Environment variables map to config keys by stripping the prefix,
// lowercasing, and splitting on the first underscore between the known
// top-level section and the rest:
//
//	VERIFYD_SERVER_PORT              -> server.port
//	VERIFYD_ORCHESTRATOR_MAX_ATTEMPTS -> orchestrator.max_attempts
//	VERIFYD_LEDGER_NATS_URL          -> ledger.nats.url
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("VERIFYD_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// sections are the known top-level config keys. The env transformer splits
// the variable name after the matching section so compound field names
// (max_attempts, service_name) survive intact.
var sections = []string{
	"server", "logging", "telemetry", "ledger", "skills",
	"verification", "orchestrator",
}

// nested are second-level keys that themselves contain subkeys.
var nested = []string{"nats", "memory_first", "rls", "services", "accessibility", "timeouts"}

func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "VERIFYD_"))
	for _, sec := range sections {
		prefix := sec + "_"
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		rest := s[len(prefix):]
		for _, sub := range nested {
			subPrefix := sub + "_"
			if strings.HasPrefix(rest, subPrefix) {
				return sec + "." + sub + "." + rest[len(subPrefix):]
			}
		}
		return sec + "." + rest
	}
	return s
}
