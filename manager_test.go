// manager_test.go: Tests for snapshot publication, reloads and overrides
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const baseJSON = `{
  "cache": {"ttl": "${CACHE_TTL:7200}", "size": 100},
  "risk_weights": {
    "market_risk_weight": 0.5,
    "credit_risk_weight": 0.3,
    "operational_risk_weight": 0.2
  },
  "service": {"name": "scoring", "debug": false}
}`

const schemaYAML = `
rules:
  - path: cache.ttl
    kind: type
    type: number
  - path: service.name
    kind: type
    type: text
  - path: risk_weights
    kind: cross-field
    check: sum
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.LookupEnv == nil {
		opts.LookupEnv = envMap(nil)
	}
	m, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func configDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "base.json", baseJSON)
	return dir
}

func TestManagerCacheTTLDefault(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})

	rv, err := m.Resolve("cache.ttl")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !rv.Value.Equal(Number(7200)) {
		t.Errorf("Expected 7200, got %s", rv.Value)
	}
	if rv.Provenance.String() != "ExplicitLayer(base)" {
		t.Errorf("Expected ExplicitLayer(base), got %s", rv.Provenance)
	}
	if rv.Version != 1 || m.Snapshot().Version() != 1 {
		t.Errorf("Expected version 1, got %d", rv.Version)
	}
	if len(m.Snapshot().Checksum()) != 64 {
		t.Errorf("Expected hex SHA-256 checksum, got %q", m.Snapshot().Checksum())
	}
}

func TestManagerCacheTTLFromEnvironment(t *testing.T) {
	m := newTestManager(t, Options{
		Dir:       configDir(t),
		LookupEnv: envMap(map[string]string{"CACHE_TTL": "300"}),
	})
	ttl, err := m.Float("cache.ttl")
	if err != nil || ttl != 300 {
		t.Errorf("Expected 300 from the environment, got %v err=%v", ttl, err)
	}
}

func TestManagerEnvironmentLayer(t *testing.T) {
	dir := configDir(t)
	writeFile(t, dir, "production.yaml", "service:\n  debug: true\n  region: eu\n")
	m := newTestManager(t, Options{Dir: dir, Environment: "production"})

	debug, err := m.Bool("service.debug")
	if err != nil || !debug {
		t.Errorf("Expected overlay debug=true, got %v err=%v", debug, err)
	}
	rv, _ := m.Resolve("service.name")
	if rv.Provenance.String() != "ExplicitLayer(base)" {
		t.Errorf("Expected untouched key to stay in base, got %s", rv.Provenance)
	}
	rv, _ = m.Resolve("service.region")
	if rv.Provenance.String() != "ExplicitLayer(environment:production)" {
		t.Errorf("Expected environment provenance, got %s", rv.Provenance)
	}

	layers := m.Snapshot().Layers()
	if len(layers) != 2 || layers[0].Name != LayerBase || layers[1].Name != "environment:production" {
		t.Fatalf("Unexpected layers: %+v", layers)
	}
	if layers[1].Leaves != 2 {
		t.Errorf("Expected 2 leaves in the overlay, got %d", layers[1].Leaves)
	}
}

func TestManagerMissingEnvironmentFileIsOptional(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t), Environment: "staging"})
	if name, err := m.Text("service.name"); err != nil || name != "scoring" {
		t.Errorf("Expected scoring, got %q err=%v", name, err)
	}
}

func TestManagerMissingBaseFails(t *testing.T) {
	_, err := New(context.Background(), Options{Dir: t.TempDir(), LookupEnv: envMap(nil)})
	if !HasCode(err, ErrCodeReloadIOFailure) {
		t.Errorf("Expected %s, got %v", ErrCodeReloadIOFailure, err)
	}
}

func TestManagerInvalidOptions(t *testing.T) {
	_, err := New(context.Background(), Options{})
	if !HasCode(err, ErrCodeInvalidConfig) {
		t.Errorf("Expected %s for missing Dir, got %v", ErrCodeInvalidConfig, err)
	}
}

func TestManagerHardFailureBlocksStartup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.json", `{"cache": {"ttl": "soon"}, "service": {"name": "x"}, "risk_weights": {"a": 1}}`)
	schema := writeFile(t, dir, "schema.yaml", schemaYAML)

	_, err := New(context.Background(), Options{Dir: dir, SchemaFile: schema, LookupEnv: envMap(nil)})
	if !HasCode(err, ErrCodeValidationFailure) {
		t.Fatalf("Expected %s, got %v", ErrCodeValidationFailure, err)
	}
	report, ok := ReportFromError(err)
	if !ok || report.HardCount() != 1 || report.Violations[0].Path != "cache.ttl" {
		t.Errorf("Expected one hard violation on cache.ttl, got %s", report)
	}
}

func TestManagerStrictPromotesWarnings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.json", `{"cache": {"ttl": 1}, "service": {"name": "x"}, "risk_weights": {"a": 0.5, "b": 0.33, "c": 0.2}}`)
	schema := writeFile(t, dir, "schema.yaml", schemaYAML)

	m := newTestManager(t, Options{Dir: dir, SchemaFile: schema})
	if warnings := m.Snapshot().Report().Warnings(); len(warnings) != 1 {
		t.Errorf("Expected one published warning, got %d", len(warnings))
	}

	_, err := New(context.Background(), Options{Dir: dir, SchemaFile: schema, Strict: true, LookupEnv: envMap(nil)})
	if !HasCode(err, ErrCodeValidationFailure) {
		t.Errorf("Expected strict mode to reject the sum warning, got %v", err)
	}
}

func TestManagerReloadKeepsSnapshotOnParseError(t *testing.T) {
	dir := configDir(t)
	var handled atomic.Int32
	m := newTestManager(t, Options{
		Dir:          dir,
		ErrorHandler: func(err error, path string) { handled.Add(1) },
	})
	before := m.Snapshot()

	writeFile(t, dir, "base.json", `{"cache": {"ttl": 10`)
	err := m.ReloadNow(context.Background())
	if !HasCode(err, ErrCodeReloadIOFailure) {
		t.Fatalf("Expected %s, got %v", ErrCodeReloadIOFailure, err)
	}
	if m.Snapshot() != before {
		t.Error("Expected the previous snapshot to stay published")
	}
	if ttl, _ := m.Float("cache.ttl"); ttl != 7200 {
		t.Errorf("Expected old value 7200, got %v", ttl)
	}
	if handled.Load() != 1 {
		t.Errorf("Expected ErrorHandler to be called once, got %d", handled.Load())
	}
	if got := testutil.ToFloat64(m.Metrics().Reloads.WithLabelValues(outcomeIOFailure)); got != 1 {
		t.Errorf("Expected one io_failure reload, got %v", got)
	}
}

func TestManagerReloadRejectedBySchema(t *testing.T) {
	dir := configDir(t)
	schema := writeFile(t, dir, "schema.yaml", schemaYAML)
	core, logs := observer.New(zapcore.WarnLevel)
	m := newTestManager(t, Options{Dir: dir, SchemaFile: schema, Logger: zap.New(core)})

	writeFile(t, dir, "base.json", `{"cache": {"ttl": "later"}, "service": {"name": 7}, "risk_weights": {"a": 1}}`)
	err := m.ReloadNow(context.Background())
	if !HasCode(err, ErrCodeValidationFailure) {
		t.Fatalf("Expected %s, got %v", ErrCodeValidationFailure, err)
	}
	report, _ := ReportFromError(err)
	if report.HardCount() != 2 {
		t.Errorf("Expected every violation in the report, got %s", report)
	}
	if m.Snapshot().Version() != 1 {
		t.Errorf("Expected version 1 to stay live, got %d", m.Snapshot().Version())
	}
	if logs.FilterMessage("candidate snapshot rejected").Len() != 1 {
		t.Error("Expected the rejection to be logged")
	}
}

func TestManagerReloadPublishesNewVersion(t *testing.T) {
	dir := configDir(t)
	m := newTestManager(t, Options{Dir: dir})

	writeFile(t, dir, "base.json", `{"cache": {"ttl": 60}}`)
	if err := m.ReloadNow(context.Background()); err != nil {
		t.Fatalf("ReloadNow failed: %v", err)
	}
	snap := m.Snapshot()
	if snap.Version() != 2 {
		t.Errorf("Expected version 2, got %d", snap.Version())
	}
	if ttl, _ := m.Float("cache.ttl"); ttl != 60 {
		t.Errorf("Expected 60, got %v", ttl)
	}
	if _, err := m.Get("service.name"); !IsMissingConfiguration(err) {
		t.Errorf("Expected removed key to be missing, got %v", err)
	}
}

func TestManagerReloadCanceled(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.ReloadNow(ctx); !HasCode(err, ErrCodeReloadIOFailure) {
		t.Errorf("Expected %s for a canceled reload, got %v", ErrCodeReloadIOFailure, err)
	}
	if m.Snapshot().Version() != 1 {
		t.Errorf("Expected no publish, got version %d", m.Snapshot().Version())
	}
}

func TestManagerSupersededReload(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})
	layers, failures, err := m.sources.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	stale := m.generation.Add(1)
	m.generation.Add(1) // a newer reload has started
	span := trace.SpanFromContext(context.Background())
	err = m.finishReload(context.Background(), span, stale, "stale", time.Now(), layers, failures, nil)
	if !HasCode(err, ErrCodeReloadSuperseded) {
		t.Fatalf("Expected %s, got %v", ErrCodeReloadSuperseded, err)
	}
	if m.Snapshot().Version() != 1 {
		t.Errorf("Expected superseded reload not to publish, got version %d", m.Snapshot().Version())
	}
}

func TestManagerWithOverride(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})

	h, err := m.WithOverride("cache.ttl", Number(10))
	if err != nil {
		t.Fatalf("WithOverride failed: %v", err)
	}
	rv, _ := m.Resolve("cache.ttl")
	if !rv.Value.Equal(Number(10)) || rv.Provenance.String() != "ExplicitLayer(override)" {
		t.Errorf("Expected override 10, got %s %s", rv.Value, rv.Provenance)
	}
	if rv.Version != 2 {
		t.Errorf("Expected version 2, got %d", rv.Version)
	}
	if h.Key() != "cache.ttl" {
		t.Errorf("Expected handle key cache.ttl, got %s", h.Key())
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	rv, _ = m.Resolve("cache.ttl")
	if !rv.Value.Equal(Number(7200)) || rv.Version != 3 {
		t.Errorf("Expected 7200 at version 3 after release, got %s at %d", rv.Value, rv.Version)
	}
	if err := h.Release(); err != nil || m.Snapshot().Version() != 3 {
		t.Errorf("Expected second Release to be a no-op, got err=%v version=%d", err, m.Snapshot().Version())
	}
}

func TestManagerOverrideSurvivesReload(t *testing.T) {
	dir := configDir(t)
	m := newTestManager(t, Options{Dir: dir})
	if _, err := m.WithOverride("service.name", Text("pinned")); err != nil {
		t.Fatalf("WithOverride failed: %v", err)
	}
	writeFile(t, dir, "base.json", `{"service": {"name": "renamed"}}`)
	if err := m.ReloadNow(context.Background()); err != nil {
		t.Fatalf("ReloadNow failed: %v", err)
	}
	if name, _ := m.Text("service.name"); name != "pinned" {
		t.Errorf("Expected override to stay above reloaded layers, got %q", name)
	}
}

func TestManagerOverrideRejected(t *testing.T) {
	dir := configDir(t)
	schema := writeFile(t, dir, "schema.yaml", schemaYAML)
	m := newTestManager(t, Options{Dir: dir, SchemaFile: schema})
	before := m.Snapshot()

	_, err := m.WithOverride("cache.ttl", Text("forever"))
	if !HasCode(err, ErrCodeValidationFailure) {
		t.Fatalf("Expected %s, got %v", ErrCodeValidationFailure, err)
	}
	if m.Snapshot() != before {
		t.Error("Expected rejected override to leave the snapshot unchanged")
	}
	if len(m.overrides) != 0 {
		t.Errorf("Expected rejected override not to be kept, got %d", len(m.overrides))
	}

	if _, err := m.WithOverride("cache.ttl", Absent()); !HasCode(err, ErrCodeInvalidValue) {
		t.Errorf("Expected %s for an Absent override, got %v", ErrCodeInvalidValue, err)
	}
	if _, err := m.WithOverride("cache..ttl", Number(1)); !HasCode(err, ErrCodeInvalidKey) {
		t.Errorf("Expected %s for a bad key, got %v", ErrCodeInvalidKey, err)
	}
}

func TestManagerStaticOverrides(t *testing.T) {
	m := newTestManager(t, Options{
		Dir:       configDir(t),
		Overrides: map[string]Value{"cache.size": Number(5), "feature.flag": Bool(true)},
	})
	rv, _ := m.Resolve("cache.size")
	if !rv.Value.Equal(Number(5)) || rv.Provenance.Layer != LayerOverride {
		t.Errorf("Expected startup override 5, got %s %s", rv.Value, rv.Provenance)
	}
	if flag, err := m.Bool("feature.flag"); err != nil || !flag {
		t.Errorf("Expected feature.flag=true, got %v err=%v", flag, err)
	}
}

func TestManagerTypedAccessors(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})
	if _, err := m.Float("service.name"); !HasCode(err, ErrCodeInvalidValue) {
		t.Errorf("Expected %s for text read as number, got %v", ErrCodeInvalidValue, err)
	}
	if _, err := m.Text("cache.size"); !HasCode(err, ErrCodeInvalidValue) {
		t.Errorf("Expected %s for number read as text, got %v", ErrCodeInvalidValue, err)
	}
	sec, err := m.GetSection("risk_weights")
	if err != nil || sec.Len() != 3 {
		t.Errorf("Expected risk_weights section with 3 entries, got %s err=%v", sec, err)
	}
}

func TestManagerSubscribe(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})

	var calls []uint64
	var oldVersions []uint64
	unsubscribe := m.Subscribe(func(old, snap *Snapshot) {
		calls = append(calls, snap.Version())
		oldVersions = append(oldVersions, old.Version())
	})
	m.Subscribe(func(old, snap *Snapshot) { panic("subscriber bug") })

	h, err := m.WithOverride("cache.ttl", Number(1))
	if err != nil {
		t.Fatalf("WithOverride failed: %v", err)
	}
	unsubscribe()
	_ = h.Release()

	if len(calls) != 1 || calls[0] != 2 || oldVersions[0] != 1 {
		t.Errorf("Expected one notification for version 2 replacing 1, got %v / %v", calls, oldVersions)
	}
	if m.Snapshot().Version() != 3 {
		t.Errorf("Expected a panicking subscriber not to block publication, got version %d", m.Snapshot().Version())
	}
}

func TestManagerConcurrentReaders(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var bad atomic.Int32
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				rv, err := m.Resolve("cache.ttl")
				if err != nil {
					bad.Add(1)
					return
				}
				f, _ := rv.Value.Float()
				if (f != 7200 && f != 10) || rv.Version < last {
					bad.Add(1)
					return
				}
				last = rv.Version
			}
		}()
	}

	for i := 0; i < 50; i++ {
		h, err := m.WithOverride("cache.ttl", Number(10))
		if err != nil {
			t.Fatalf("WithOverride failed: %v", err)
		}
		if err := h.Release(); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	if bad.Load() != 0 {
		t.Error("Expected readers to only ever see complete snapshots in version order")
	}
	if m.Snapshot().Version() != 101 {
		t.Errorf("Expected version 101, got %d", m.Snapshot().Version())
	}
}

func TestManagerSuggestionsFile(t *testing.T) {
	dir := configDir(t)
	suggestions := writeFile(t, dir, "suggestions.yaml", `
suggestions:
  - key: thresholds.high_risk_score
    match: {industry: healthcare, business_size: small}
    value: 0.7
    score: 0.8
`)
	m := newTestManager(t, Options{Dir: dir, SuggestionsFile: suggestions, SuggestionCacheSize: 64})

	ctxOpt := WithSuggestionContext(SuggestionContext{Industry: "healthcare", BusinessSize: "small"})
	for i := 0; i < 2; i++ {
		rv, err := m.Resolve("thresholds.high_risk_score", ctxOpt)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if rv.Provenance.String() != "Suggested(0.8)" {
			t.Errorf("Expected Suggested(0.8), got %s", rv.Provenance)
		}
	}
	if stats := m.SuggestionCacheStats(); stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Expected one hit and one miss, got %+v", stats)
	}

	_, err := m.Resolve("thresholds.high_risk_score")
	if !IsMissingConfiguration(err) {
		t.Errorf("Expected MissingConfiguration without a context, got %v", err)
	}
	if got := testutil.ToFloat64(m.Metrics().Missing); got != 1 {
		t.Errorf("Expected one missing resolution, got %v", got)
	}
	if got := testutil.ToFloat64(m.Metrics().Resolutions.WithLabelValues("suggested")); got != 2 {
		t.Errorf("Expected two suggested resolutions, got %v", got)
	}
}

func TestManagerClosed(t *testing.T) {
	m, err := New(context.Background(), Options{Dir: configDir(t), LookupEnv: envMap(nil)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Expected Close to be idempotent, got %v", err)
	}

	if err := m.ReloadNow(context.Background()); !HasCode(err, ErrCodeManagerClosed) {
		t.Errorf("Expected %s from ReloadNow, got %v", ErrCodeManagerClosed, err)
	}
	if _, err := m.WithOverride("a", Number(1)); !HasCode(err, ErrCodeManagerClosed) {
		t.Errorf("Expected %s from WithOverride, got %v", ErrCodeManagerClosed, err)
	}
	if err := m.Start(); !HasCode(err, ErrCodeManagerClosed) {
		t.Errorf("Expected %s from Start, got %v", ErrCodeManagerClosed, err)
	}
	if ttl, err := m.Float("cache.ttl"); err != nil || ttl != 7200 {
		t.Errorf("Expected the last snapshot to stay readable, got %v err=%v", ttl, err)
	}
}

func TestManagerHotReload(t *testing.T) {
	dir := configDir(t)
	m := newTestManager(t, Options{
		Dir:          dir,
		HotReload:    true,
		PollInterval: 20 * time.Millisecond,
		Debounce:     10 * time.Millisecond,
	})

	published := make(chan uint64, 4)
	m.Subscribe(func(old, snap *Snapshot) { published <- snap.Version() })
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	writeFile(t, dir, "base.json", `{"cache": {"ttl": 42, "size": 100}, "service": {"name": "hot"}}`)

	select {
	case v := <-published:
		if v != 2 {
			t.Errorf("Expected version 2, got %d", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for hot reload")
	}
	if ttl, _ := m.Float("cache.ttl"); ttl != 42 {
		t.Errorf("Expected hot-reloaded 42, got %v", ttl)
	}
}

func TestManagerStartWithoutHotReload(t *testing.T) {
	m := newTestManager(t, Options{Dir: configDir(t)})
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m.watcher.IsRunning() {
		t.Error("Expected no watcher without HotReload")
	}
	if m.State() != StateIdle {
		t.Errorf("Expected Idle, got %s", m.State())
	}
}

func TestManagerAuditTrail(t *testing.T) {
	dir := configDir(t)
	auditFile := filepath.Join(t.TempDir(), "audit.jsonl")
	audit := DefaultAuditConfig()
	audit.OutputFile = auditFile

	m, err := New(context.Background(), Options{Dir: dir, Audit: audit, LookupEnv: envMap(nil)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h, err := m.WithOverride("cache.ttl", Number(5))
	if err != nil {
		t.Fatalf("WithOverride failed: %v", err)
	}
	_ = h.Release()
	_, _ = m.Get("nope")
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(auditFile)
	if err != nil {
		t.Fatalf("Failed to open audit file: %v", err)
	}
	defer f.Close()

	counts := map[string]int{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("Invalid audit line %q: %v", scanner.Text(), err)
		}
		if ev.Checksum == "" {
			t.Errorf("Expected checksum on %s", ev.Event)
		}
		counts[ev.Event]++
	}
	want := map[string]int{
		AuditSnapshotPublished:    3,
		AuditOverridePushed:       1,
		AuditOverrideReleased:     1,
		AuditMissingConfiguration: 1,
	}
	for event, n := range want {
		if counts[event] != n {
			t.Errorf("Expected %d %s events, got %d", n, event, counts[event])
		}
	}
}

func TestChangedPaths(t *testing.T) {
	old := Mapping(Field{"a", Number(1)}, Field{"b", Mapping(Field{"c", Text("x")})})
	next := Mapping(Field{"a", Number(1)}, Field{"b", Mapping(Field{"c", Text("y")})}, Field{"d", Bool(true)})
	got := changedPaths(old, next)
	if len(got) != 2 || got[0] != "b.c" || got[1] != "d" {
		t.Errorf("Expected [b.c d], got %v", got)
	}
}
