// binder.go: Fluent binding of resolved keys into Go variables
//
// Bindings are declared first and resolved together by Apply, which reports
// every missing or mistyped key in a single error instead of stopping at the
// first one.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/agilira/go-errors"
)

type bindKind uint8

const (
	bindString bindKind = iota
	bindInt
	bindInt64
	bindBool
	bindFloat64
	bindDuration
	bindValue
)

// binding keeps the target as a raw pointer tagged with its kind; the typed
// Bind* methods are the only way to create one.
type binding struct {
	target unsafe.Pointer
	key    string
	kind   bindKind
	opts   []ResolveOption
}

// Binder resolves many keys against one snapshot.
type Binder struct {
	m        *Manager
	common   []ResolveOption
	bindings []binding
}

// Bind starts a binder. opts apply to every binding, before per-binding options.
func (m *Manager) Bind(opts ...ResolveOption) *Binder {
	return &Binder{m: m, common: opts, bindings: make([]binding, 0, 16)}
}

func (b *Binder) add(target unsafe.Pointer, key string, kind bindKind, opts []ResolveOption) *Binder {
	b.bindings = append(b.bindings, binding{target: target, key: key, kind: kind, opts: opts})
	return b
}

// BindString binds a text value.
func (b *Binder) BindString(target *string, key string, opts ...ResolveOption) *Binder {
	return b.add(unsafe.Pointer(target), key, bindString, opts) // #nosec G103 -- typed pointer, read back as the same type
}

// BindInt binds an integral number.
func (b *Binder) BindInt(target *int, key string, opts ...ResolveOption) *Binder {
	return b.add(unsafe.Pointer(target), key, bindInt, opts) // #nosec G103 -- typed pointer, read back as the same type
}

// BindInt64 binds an integral number.
func (b *Binder) BindInt64(target *int64, key string, opts ...ResolveOption) *Binder {
	return b.add(unsafe.Pointer(target), key, bindInt64, opts) // #nosec G103 -- typed pointer, read back as the same type
}

// BindBool binds a boolean.
func (b *Binder) BindBool(target *bool, key string, opts ...ResolveOption) *Binder {
	return b.add(unsafe.Pointer(target), key, bindBool, opts) // #nosec G103 -- typed pointer, read back as the same type
}

// BindFloat64 binds a number.
func (b *Binder) BindFloat64(target *float64, key string, opts ...ResolveOption) *Binder {
	return b.add(unsafe.Pointer(target), key, bindFloat64, opts) // #nosec G103 -- typed pointer, read back as the same type
}

// BindDuration binds a duration. Text is parsed with time.ParseDuration and
// numbers are taken as seconds.
func (b *Binder) BindDuration(target *time.Duration, key string, opts ...ResolveOption) *Binder {
	return b.add(unsafe.Pointer(target), key, bindDuration, opts) // #nosec G103 -- typed pointer, read back as the same type
}

// BindValue binds the raw Value.
func (b *Binder) BindValue(target *Value, key string, opts ...ResolveOption) *Binder {
	return b.add(unsafe.Pointer(target), key, bindValue, opts) // #nosec G103 -- typed pointer, read back as the same type
}

// Apply resolves every binding against the current snapshot. Targets of
// failed bindings are left untouched.
func (b *Binder) Apply() error {
	snap := b.m.Snapshot()
	var missing, invalid []string
	for _, bd := range b.bindings {
		opts := append(append([]ResolveOption(nil), b.common...), bd.opts...)
		rv, err := b.m.resolver.Resolve(snap, bd.key, opts...)
		if err != nil {
			if IsMissingConfiguration(err) {
				missing = append(missing, bd.key)
			} else {
				invalid = append(invalid, fmt.Sprintf("%s: %v", bd.key, err))
			}
			continue
		}
		if err := assign(bd, rv.Value); err != nil {
			invalid = append(invalid, fmt.Sprintf("%s: %v", bd.key, err))
		}
	}
	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(invalid, "; "))
	}
	return errors.New(ErrCodeBindingError, "failed to bind configuration ("+strings.Join(parts, "; ")+")").
		WithContext("missing", missing).
		WithContext("invalid", invalid).
		WithContext("version", snap.Version())
}

func assign(bd binding, v Value) error {
	switch bd.kind {
	case bindString:
		s, ok := v.Text()
		if !ok {
			return fmt.Errorf("expected text, got %s", v.Kind())
		}
		*(*string)(bd.target) = s
	case bindInt:
		n, ok := v.Int()
		if !ok {
			return fmt.Errorf("expected integer, got %s", v.String())
		}
		*(*int)(bd.target) = int(n)
	case bindInt64:
		n, ok := v.Int()
		if !ok {
			return fmt.Errorf("expected integer, got %s", v.String())
		}
		*(*int64)(bd.target) = n
	case bindBool:
		f, ok := v.Bool()
		if !ok {
			return fmt.Errorf("expected bool, got %s", v.Kind())
		}
		*(*bool)(bd.target) = f
	case bindFloat64:
		f, ok := v.Float()
		if !ok {
			return fmt.Errorf("expected number, got %s", v.Kind())
		}
		*(*float64)(bd.target) = f
	case bindDuration:
		d, err := toDuration(v)
		if err != nil {
			return err
		}
		*(*time.Duration)(bd.target) = d
	case bindValue:
		*(*Value)(bd.target) = v
	default:
		return fmt.Errorf("unsupported binding kind: %d", bd.kind)
	}
	return nil
}

func toDuration(v Value) (time.Duration, error) {
	if f, ok := v.Float(); ok {
		return time.Duration(f * float64(time.Second)), nil
	}
	if s, ok := v.Text(); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return d, nil
	}
	return 0, fmt.Errorf("expected duration, got %s", v.Kind())
}
