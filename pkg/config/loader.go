// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Load reads, parses, and processes the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML (or JSON) configuration bytes.
func Parse(data []byte) (*Config, error) {
	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expandedMap := expandEnvVars(rawMap)

	canonicalizeAliases(expandedMap)
	warnUnknownKeys(expandedMap)

	cfg := &Config{}
	if err := decodeConfig(expandedMap, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// parseBytes parses raw bytes into a map.
// Supports YAML (primary) and JSON (fallback).
func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any

	// Try YAML first (YAML is a superset of JSON)
	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse as YAML or JSON: %w", err)
	}

	return result, nil
}

// decodeConfig decodes a map into a Config struct using mapstructure.
func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}

// canonicalizeAliases folds accepted alias keys into their canonical
// spelling. window_tokens and the deprecated context_window both feed
// transcript.context_tokens.
func canonicalizeAliases(input map[string]any) {
	tr, ok := input["transcript"].(map[string]any)
	if !ok {
		return
	}
	if v, ok := tr["context_window"]; ok {
		slog.Warn("Config key transcript.context_window is deprecated, use transcript.context_tokens")
		if _, exists := tr["context_tokens"]; !exists {
			tr["context_tokens"] = v
		}
		delete(tr, "context_window")
	}
	if v, ok := tr["window_tokens"]; ok {
		if _, exists := tr["context_tokens"]; !exists {
			tr["context_tokens"] = v
		}
		delete(tr, "window_tokens")
	}
}

// knownKeys enumerates the recognized configuration surface. Section maps
// with a nil value accept arbitrary sub-keys (e.g. per_tool_timeouts).
var knownKeys = map[string]map[string]bool{
	"": {
		"workspace_root": true,
		"agents":         true,
		"session":        true,
		"policy":         true,
		"supervisor":     true,
		"rate_limit":     true,
		"github":         true,
		"transcript":     true,
		"database":       true,
	},
	"session": {
		"time_budget_seconds": true,
		"token_budget_total":  true,
	},
	"policy": {
		"allow_list":                true,
		"deny_list":                 true,
		"forbidden_paths":           true,
		"writable_paths":            true,
		"sandbox_mode":              true,
		"execution_timeout_seconds": true,
		"per_tool_timeouts":         true,
	},
	"supervisor": {
		"work_hours_threshold":          true,
		"token_threshold":               true,
		"sleep_minutes":                 true,
		"degradation_score_threshold":   true,
		"degradation_check_turns":       true,
		"break_max_concurrent_fraction": true,
		"break_per_hour":                true,
		"break_max_minutes":             true,
		"mailbox_dir":                   true,
		"operator_public_key":           true,
	},
	"rate_limit": {
		"rpm": true,
		"tpm": true,
	},
	"github": {
		"enabled":       true,
		"branch_prefix": true,
	},
	"transcript": {
		"compression_high_water_tokens": true,
		"context_tokens":                true,
	},
	"database": {
		"path": true,
	},
}

// warnUnknownKeys logs every key outside the recognized surface. The key
// is left in place but nothing decodes it, so it cannot change behavior.
func warnUnknownKeys(input map[string]any) {
	for key, val := range input {
		if !knownKeys[""][key] {
			slog.Warn("Ignoring unknown config key", "key", key)
			continue
		}
		section, ok := knownKeys[key]
		if !ok {
			continue
		}
		sub, ok := val.(map[string]any)
		if !ok {
			continue
		}
		for subKey := range sub {
			if !section[subKey] {
				slog.Warn("Ignoring unknown config key", "key", key+"."+subKey)
			}
		}
	}
}

// expandEnvVars recursively expands ${VAR} and $VAR patterns in a map.
func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Handle ${VAR} and ${VAR:-default}
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1] // Remove ${ and }

			// Check for default value syntax: ${VAR:-default}
			if idx := strings.Index(inner, ":-"); idx != -1 {
				varName := inner[:idx]
				defaultVal := inner[idx+2:]
				if val := os.Getenv(varName); val != "" {
					return val
				}
				return defaultVal
			}

			// Simple ${VAR}
			return os.Getenv(inner)
		}

		// Handle $VAR
		varName := match[1:] // Remove $
		return os.Getenv(varName)
	})
}
