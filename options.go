// options.go: Manager options, defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	goerrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/agilira/go-errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// NotifyMode selects how the watcher detects file changes.
type NotifyMode string

const (
	// NotifyPoll stats watched files every PollInterval.
	NotifyPoll NotifyMode = "poll"
	// NotifyFS subscribes to filesystem notifications.
	NotifyFS NotifyMode = "fsnotify"
)

// ErrorHandler receives non-fatal errors such as rejected reloads.
type ErrorHandler func(err error, path string)

// Options configures a Manager.
type Options struct {
	// Dir holds base.<ext> and <environment>.<ext>.
	Dir string `validate:"required"`

	// BaseName is the stem of the base layer file. Default: "base"
	BaseName string `validate:"omitempty,excludesall=/\\"`

	// Environment selects the overlay layer. Empty means base only.
	Environment string `validate:"omitempty,max=64,excludesall=/\\"`

	// SchemaFile holds validation rules. Optional.
	SchemaFile string

	// SuggestionsFile holds a suggestion table. Ignored when Provider is set.
	SuggestionsFile string

	// Overrides are applied as the override layer at startup.
	Overrides map[string]Value

	// HotReload starts the watcher on Start.
	HotReload bool

	// PollInterval is the polling period. Default: 5s
	PollInterval time.Duration `validate:"gte=0"`

	// CacheTTL bounds how long a file stat is reused. Default: PollInterval/2
	CacheTTL time.Duration `validate:"gte=0"`

	// Notify picks polling or fsnotify detection. Default: poll
	Notify NotifyMode `validate:"omitempty,oneof=poll fsnotify"`

	// Debounce coalesces bursts of change events. Default: 100ms
	Debounce time.Duration `validate:"gte=0"`

	// Strict promotes range and cross-field warnings to errors.
	Strict bool

	// Epsilon overrides the schema tolerance for sum checks.
	Epsilon float64 `validate:"gte=0"`

	// SuggestionCacheSize is the suggestion cache capacity. Zero disables it.
	SuggestionCacheSize int `validate:"gte=0"`

	// SuggestionCacheTTL expires cached suggestions. Zero keeps them until
	// the next snapshot.
	SuggestionCacheTTL time.Duration `validate:"gte=0"`

	// Provider supplies suggestions. Takes precedence over SuggestionsFile.
	Provider SuggestionProvider

	// Bounded wraps the provider with a timeout and circuit breaker when set.
	Bounded *BoundedOptions

	// Audit configures the audit trail. Disabled unless Audit.Enabled.
	Audit AuditConfig

	// Logger receives structured logs. Default: no-op
	Logger *zap.Logger

	// LookupEnv resolves ${NAME} placeholders. Default: os.LookupEnv
	LookupEnv EnvLookup

	// ErrorHandler is called for reload failures. Optional.
	ErrorHandler ErrorHandler
}

// WithDefaults returns a copy with unset fields filled in.
func (o Options) WithDefaults() Options {
	if o.BaseName == "" {
		o.BaseName = LayerBase
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.CacheTTL <= 0 || o.CacheTTL > o.PollInterval {
		o.CacheTTL = o.PollInterval / 2
	}
	if o.Notify == "" {
		o.Notify = NotifyPoll
	}
	if o.Debounce <= 0 {
		o.Debounce = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

var optionsValidator = validator.New()

// Validate checks the options and returns an INVALID_CONFIG error listing
// every offending field.
func (o Options) Validate() error {
	err := optionsValidator.Struct(o)
	var problems []string
	if err != nil {
		var verrs validator.ValidationErrors
		if !goerrors.As(err, &verrs) {
			return errors.Wrap(err, ErrCodeInvalidConfig, "failed to validate options")
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	for path := range o.Overrides {
		if _, kerr := ParseKey(path); kerr != nil {
			problems = append(problems, fmt.Sprintf("Overrides: invalid key %q", path))
		}
	}
	if len(problems) > 0 {
		return errors.New(ErrCodeInvalidConfig, "invalid options: "+strings.Join(problems, "; ")).
			WithContext("problems", problems)
	}
	return nil
}
