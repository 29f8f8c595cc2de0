// env_config.go: Environment variable support for Pythia options
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
)

// Environment variables read by LoadOptionsFromEnv.
const (
	EnvEnvironment        = "ENVIRONMENT"
	EnvHotReload          = "CONFIG_HOT_RELOAD"
	EnvConfigDir          = "CONFIG_DIR"
	EnvSchemaFile         = "CONFIG_SCHEMA"
	EnvSuggestionsFile    = "CONFIG_SUGGESTIONS"
	EnvPollInterval       = "PYTHIA_POLL_INTERVAL"
	EnvStrict             = "PYTHIA_STRICT"
	EnvNotify             = "PYTHIA_NOTIFY"
	EnvAuditEnabled       = "PYTHIA_AUDIT_ENABLED"
	EnvAuditOutputFile    = "PYTHIA_AUDIT_OUTPUT_FILE"
	EnvSuggestionCacheSz  = "PYTHIA_SUGGESTION_CACHE_SIZE"
	EnvSuggestionCacheTTL = "PYTHIA_SUGGESTION_CACHE_TTL"
)

// LoadOptionsFromEnv builds Options from the process environment and applies
// defaults. Malformed durations or sizes are reported as INVALID_CONFIG.
func LoadOptionsFromEnv() (Options, error) {
	return loadOptionsFrom(os.LookupEnv)
}

func loadOptionsFrom(lookup EnvLookup) (Options, error) {
	get := func(name string) string {
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}

	opts := Options{
		Dir:             get(EnvConfigDir),
		Environment:     get(EnvEnvironment),
		SchemaFile:      get(EnvSchemaFile),
		SuggestionsFile: get(EnvSuggestionsFile),
		HotReload:       parseBool(get(EnvHotReload)),
		Strict:          parseBool(get(EnvStrict)),
		Notify:          NotifyMode(strings.ToLower(get(EnvNotify))),
		LookupEnv:       lookup,
	}
	if opts.Dir == "" {
		opts.Dir = "config"
	}

	var err error
	if opts.PollInterval, err = envDuration(get, EnvPollInterval); err != nil {
		return Options{}, err
	}
	if opts.SuggestionCacheTTL, err = envDuration(get, EnvSuggestionCacheTTL); err != nil {
		return Options{}, err
	}
	if raw := get(EnvSuggestionCacheSz); raw != "" {
		size, cerr := strconv.Atoi(raw)
		if cerr != nil || size < 0 {
			return Options{}, errors.New(ErrCodeInvalidConfig, "invalid "+EnvSuggestionCacheSz+" value").
				WithContext("value", raw)
		}
		opts.SuggestionCacheSize = size
	}

	if parseBool(get(EnvAuditEnabled)) {
		opts.Audit = DefaultAuditConfig()
		opts.Audit.OutputFile = get(EnvAuditOutputFile)
	}

	return opts.WithDefaults(), nil
}

func envDuration(get func(string) string, name string) (time.Duration, error) {
	raw := get(name)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.New(ErrCodeInvalidConfig, "invalid "+name+" format").
			WithContext("value", raw)
	}
	return d, nil
}

// parseBool parses boolean values from environment variables
// Supports: true/false, 1/0, yes/no, on/off, enabled/disabled
func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}

// GetEnvWithDefault returns environment variable value or default if not set
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
