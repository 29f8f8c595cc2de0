// binder_test.go: Tests for fluent bindings
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"strings"
	"testing"
	"time"
)

func TestBinderApply(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})

	var (
		ttl     time.Duration
		size    int
		size64  int64
		name    string
		debug   bool
		weight  float64
		weights Value
		retries = 9
	)
	err := m.Bind().
		BindDuration(&ttl, "cache.ttl").
		BindInt(&size, "cache.size").
		BindInt64(&size64, "cache.size").
		BindString(&name, "service.name").
		BindBool(&debug, "service.debug").
		BindFloat64(&weight, "risk_weights.market_risk_weight").
		BindValue(&weights, "risk_weights").
		BindInt(&retries, "service.retries", WithDefault(Number(0))).
		Apply()
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if ttl != 2*time.Hour {
		t.Errorf("Expected 2h, got %v", ttl)
	}
	if size != 100 || size64 != 100 {
		t.Errorf("Expected 100, got %d and %d", size, size64)
	}
	if name != "scoring" || debug {
		t.Errorf("Unexpected service binding: %q %v", name, debug)
	}
	if weight != 0.5 {
		t.Errorf("Expected 0.5, got %v", weight)
	}
	if weights.Len() != 3 {
		t.Errorf("Expected the risk_weights section, got %s", weights)
	}
	if retries != 0 {
		t.Errorf("Expected default 0, got %d", retries)
	}
}

func TestBinderDurationText(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "timeout: 1m30s\n")
	m := newTestManager(t, Options{Dir: dir})

	var timeout time.Duration
	if err := m.Bind().BindDuration(&timeout, "timeout").Apply(); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if timeout != 90*time.Second {
		t.Errorf("Expected 90s, got %v", timeout)
	}
}

func TestBinderAggregatesErrors(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})

	name := "unchanged"
	var count, size int
	var ttl time.Duration
	err := m.Bind().
		BindInt(&count, "service.name").
		BindString(&name, "cache.size").
		BindInt(&size, "cache.missing").
		BindDuration(&ttl, "service.name").
		Apply()
	if !HasCode(err, ErrCodeBindingError) {
		t.Fatalf("Expected %s, got %v", ErrCodeBindingError, err)
	}
	if name != "unchanged" {
		t.Errorf("Expected failed target untouched, got %q", name)
	}

	msg := err.Error()
	for _, want := range []string{"missing: cache.missing", "service.name: expected integer", "cache.size: expected text", "invalid duration"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %s", want, msg)
		}
	}
}
