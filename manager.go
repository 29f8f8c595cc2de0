// manager.go: Snapshot lifecycle, reloads and overrides
//
// The Manager owns the published snapshot. Readers load it through an atomic
// pointer and never block; reloads and overrides build a candidate off to the
// side, validate it and swap it in only when it has no hard failures. A failed
// reload leaves the previous snapshot live.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/agilira/pythia"

// Reload outcomes used in metrics and logs.
const (
	outcomePublished  = "published"
	outcomeRejected   = "rejected"
	outcomeIOFailure  = "io_failure"
	outcomeSuperseded = "superseded"
	outcomeCanceled   = "canceled"
)

// SubscriberFunc is called after every publish with the replaced snapshot
// (nil on the first publish) and the new one.
type SubscriberFunc func(old, new *Snapshot)

type overrideEntry struct {
	id    uint64
	key   Key
	value Value
}

// Manager loads, validates, publishes and resolves configuration.
type Manager struct {
	opts      Options
	logger    *zap.Logger
	audit     *AuditLogger
	metrics   *Metrics
	tracer    trace.Tracer
	validator SchemaValidator
	sources   *SourceSet
	resolver  *Resolver
	cache     *CachedProvider
	watcher   *Watcher

	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64

	// publishMu serializes publication and guards the fields below.
	publishMu       sync.Mutex
	version         uint64
	staticOverrides []overrideEntry
	overrides       []overrideEntry
	overrideSeq     uint64

	subsMu sync.RWMutex
	subs   map[uint64]SubscriberFunc
	subSeq uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds the initial snapshot. A load error or a hard validation failure
// prevents the manager from being created.
func New(ctx context.Context, opts Options) (*Manager, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	audit, err := NewAuditLogger(opts.Audit)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:      opts,
		logger:    opts.Logger.Named("pythia"),
		audit:     audit,
		metrics:   NewMetrics(),
		tracer:    otel.Tracer(tracerName),
		validator: SchemaValidator{Strict: opts.Strict, Epsilon: opts.Epsilon},
		sources:   NewSourceSet(opts.LookupEnv, DirectorySources(opts.Dir, opts.BaseName, opts.Environment)...),
		subs:      make(map[uint64]SubscriberFunc),
	}

	provider, err := m.buildProvider()
	if err != nil {
		_ = audit.Close()
		return nil, err
	}
	m.resolver = NewResolver(provider)
	m.resolver.hooks = resolveHooks{
		onResolved: m.metrics.recordResolution,
		onMissing:  m.onMissing,
		onProviderError: func(key string, err error) {
			m.metrics.ProviderErrors.Inc()
			m.logger.Debug("suggestion provider failed", zap.String("key", key), zap.String("code", ErrorCode(err)))
		},
	}

	for path, v := range opts.Overrides {
		m.staticOverrides = append(m.staticOverrides, overrideEntry{key: MustKey(path), value: v})
	}
	sort.Slice(m.staticOverrides, func(i, j int) bool {
		return m.staticOverrides[i].key.raw < m.staticOverrides[j].key.raw
	})

	m.watcher = NewWatcher(WatcherConfig{
		PollInterval: opts.PollInterval,
		CacheTTL:     opts.CacheTTL,
		Debounce:     opts.Debounce,
		Notify:       opts.Notify,
		ErrorHandler: opts.ErrorHandler,
		Audit:        audit,
		Logger:       m.logger,
	}, m.onFilesChanged)

	if err := m.reload(ctx, "startup"); err != nil {
		_ = audit.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) buildProvider() (SuggestionProvider, error) {
	provider := m.opts.Provider
	if provider == nil && m.opts.SuggestionsFile != "" {
		table, err := LoadTableProviderFile(m.opts.SuggestionsFile)
		if err != nil {
			return nil, err
		}
		provider = table
	}
	if provider == nil {
		return nil, nil
	}
	if m.opts.Bounded != nil {
		bounded := *m.opts.Bounded
		provider = NewBoundedProvider(provider, bounded)
	}
	if m.opts.SuggestionCacheSize > 0 {
		m.cache = NewCachedProvider(provider, m.opts.SuggestionCacheSize, m.opts.SuggestionCacheTTL)
		m.cache.onLookup = m.metrics.recordCacheLookup
		provider = m.cache
	}
	return provider, nil
}

// Start begins watching layer files when hot reload is enabled.
func (m *Manager) Start() error {
	if m.closed.Load() {
		return errors.New(ErrCodeManagerClosed, "manager is closed")
	}
	if !m.opts.HotReload {
		return nil
	}
	paths := m.sources.WatchPaths()
	if m.opts.SchemaFile != "" {
		paths = append(paths, m.opts.SchemaFile)
	}
	for _, p := range paths {
		if err := m.watcher.Watch(p); err != nil {
			return err
		}
	}
	if err := m.watcher.Start(); err != nil {
		return err
	}
	m.logger.Info("hot reload started",
		zap.String("dir", m.opts.Dir),
		zap.String("notify", string(m.opts.Notify)),
		zap.Int("files", m.watcher.WatchedFiles()))
	return nil
}

// Close stops the watcher and flushes the audit trail. Snapshots already
// handed out stay readable.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		if m.watcher.IsRunning() {
			_ = m.watcher.Stop()
		}
		err = m.audit.Close()
		_ = m.logger.Sync()
	})
	return err
}

// Snapshot returns the published snapshot.
func (m *Manager) Snapshot() *Snapshot {
	return m.current.Load()
}

// State reports where the reload pipeline is.
func (m *Manager) State() WatcherState {
	return m.watcher.State()
}

// Metrics returns the manager's collectors.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// SuggestionCacheStats reports the suggestion cache, or zero stats when it is disabled.
func (m *Manager) SuggestionCacheStats() CacheStats {
	if m.cache == nil {
		return CacheStats{}
	}
	return m.cache.Stats()
}

// Subscribe registers fn for publish notifications and returns a function
// that removes it. Callbacks run while publication is serialized, so they
// must not call ReloadNow or WithOverride synchronously.
func (m *Manager) Subscribe(fn SubscriberFunc) func() {
	m.subsMu.Lock()
	m.subSeq++
	id := m.subSeq
	m.subs[id] = fn
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Resolve resolves key against the current snapshot.
func (m *Manager) Resolve(key string, opts ...ResolveOption) (ResolvedValue, error) {
	return m.resolver.Resolve(m.current.Load(), key, opts...)
}

// Get returns the resolved value for key.
func (m *Manager) Get(key string, opts ...ResolveOption) (Value, error) {
	rv, err := m.Resolve(key, opts...)
	if err != nil {
		return Value{}, err
	}
	return rv.Value, nil
}

// Float resolves key and requires a number.
func (m *Manager) Float(key string, opts ...ResolveOption) (float64, error) {
	v, err := m.Get(key, opts...)
	if err != nil {
		return 0, err
	}
	f, ok := v.Float()
	if !ok {
		return 0, wrongKind(key, KindNumber, v)
	}
	return f, nil
}

// Text resolves key and requires text.
func (m *Manager) Text(key string, opts ...ResolveOption) (string, error) {
	v, err := m.Get(key, opts...)
	if err != nil {
		return "", err
	}
	s, ok := v.Text()
	if !ok {
		return "", wrongKind(key, KindText, v)
	}
	return s, nil
}

// Bool resolves key and requires a boolean.
func (m *Manager) Bool(key string, opts ...ResolveOption) (bool, error) {
	v, err := m.Get(key, opts...)
	if err != nil {
		return false, err
	}
	b, ok := v.Bool()
	if !ok {
		return false, wrongKind(key, KindBool, v)
	}
	return b, nil
}

func wrongKind(key string, want Kind, got Value) error {
	return errors.New(ErrCodeInvalidValue,
		fmt.Sprintf("%q is a %s, expected %s", key, got.Kind(), want)).
		WithContext("key", key)
}

// GetSection returns the mapping stored under prefix.
func (m *Manager) GetSection(prefix string) (Value, error) {
	return m.resolver.ResolveSection(m.current.Load(), prefix)
}

// ValidateCurrent re-runs validation on the published snapshot.
func (m *Manager) ValidateCurrent() ValidationReport {
	snap := m.current.Load()
	return m.validator.ValidateSchema(snap.Tree(), snap.Schema())
}

// ReloadNow reloads every layer and the schema. On failure the previous
// snapshot stays published and the error says why.
func (m *Manager) ReloadNow(ctx context.Context) error {
	if m.closed.Load() {
		return errors.New(ErrCodeManagerClosed, "manager is closed")
	}
	return m.reload(ctx, "manual")
}

func (m *Manager) onFilesChanged(events []ChangeEvent) {
	if m.closed.Load() {
		return
	}
	paths := make([]string, len(events))
	for i, ev := range events {
		paths[i] = ev.Path
	}
	m.logger.Info("layer files changed", zap.Strings("paths", paths))
	_ = m.reload(context.Background(), "watch")
}

func (m *Manager) onMissing(key string) {
	var version uint64
	if snap := m.current.Load(); snap != nil {
		version = snap.Version()
	}
	m.metrics.Missing.Inc()
	m.audit.LogMissingConfiguration(key, version)
	m.logger.Warn("missing configuration", zap.String("key", key), zap.Uint64("version", version))
}

// reload loads sources outside the publish lock, then composes, validates and
// publishes under it. A reload overtaken by a newer one is discarded.
func (m *Manager) reload(ctx context.Context, trigger string) (err error) {
	gen := m.generation.Add(1)
	reloadID := uuid.NewString()
	started := time.Now()

	ctx, span := m.tracer.Start(ctx, "pythia.reload", trace.WithAttributes(
		attribute.String("pythia.reload_id", reloadID),
		attribute.String("pythia.trigger", trigger),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ErrorCode(err))
		}
		span.End()
		m.watcher.setState(StateIdle)
	}()

	m.watcher.setState(StateBuilding)
	layers, failures, err := m.sources.Load(ctx)
	var schema *Schema
	if err == nil && m.opts.SchemaFile != "" {
		schema, err = LoadSchemaFile(m.opts.SchemaFile)
	}
	if err != nil {
		if ctx.Err() != nil {
			return m.canceled(ctx, reloadID, started)
		}
		m.metrics.recordReload(outcomeIOFailure, started)
		m.audit.LogReloadIOFailure(m.currentVersion(), err, reloadID)
		m.logger.Warn("reload failed, keeping current snapshot",
			zap.String("reload_id", reloadID),
			zap.String("code", ErrorCode(err)),
			zap.Error(err))
		m.handleError(err)
		return err
	}
	return m.finishReload(ctx, span, gen, reloadID, started, layers, failures, schema)
}

func (m *Manager) finishReload(ctx context.Context, span trace.Span, gen uint64, reloadID string, started time.Time,
	layers []Layer, failures []SubstitutionFailure, schema *Schema) error {
	if ctx.Err() != nil {
		return m.canceled(ctx, reloadID, started)
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	if gen != m.generation.Load() {
		m.metrics.recordReload(outcomeSuperseded, started)
		m.logger.Debug("reload superseded", zap.String("reload_id", reloadID))
		return errors.New(ErrCodeReloadSuperseded, "reload superseded by a newer one").
			WithContext("reload_id", reloadID)
	}

	all := append(layers, m.overrideLayers(m.overrides)...)
	candidate := buildSnapshot(m.opts.Environment, all, failures, schema, time.Now())
	span.SetAttributes(
		attribute.String("pythia.checksum", candidate.Checksum()),
		attribute.Int("pythia.layers", len(all)),
	)

	snap, err := m.publishLocked(ctx, candidate, reloadID)
	if err != nil {
		m.metrics.recordReload(outcomeRejected, started)
		return err
	}
	span.SetAttributes(attribute.Int64("pythia.version", int64(snap.Version()))) // #nosec G115 -- versions stay far below MaxInt64
	m.metrics.recordReload(outcomePublished, started)
	return nil
}

func (m *Manager) canceled(ctx context.Context, reloadID string, started time.Time) error {
	m.metrics.recordReload(outcomeCanceled, started)
	return errors.Wrap(ctx.Err(), ErrCodeReloadIOFailure, "reload canceled before publish").
		WithContext("reload_id", reloadID)
}

// publishLocked validates candidate and swaps it in. The caller holds publishMu.
func (m *Manager) publishLocked(ctx context.Context, candidate *Snapshot, reloadID string) (*Snapshot, error) {
	m.watcher.setState(StateValidating)
	report := m.validator.ValidateSchema(candidate.Tree(), candidate.Schema())
	if report.HasHardFailures() {
		err := validationFailure(report)
		m.audit.LogReloadRejected(m.currentVersion(), report, reloadID)
		m.logger.Warn("candidate snapshot rejected",
			zap.String("reload_id", reloadID),
			zap.Int("hard_violations", report.HardCount()),
			zap.Int("warnings", len(report.Warnings())))
		m.handleError(err)
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), ErrCodeReloadIOFailure, "reload canceled before publish").
			WithContext("reload_id", reloadID)
	}

	m.watcher.setState(StatePublishing)
	m.version++
	snap := candidate.withVersion(m.version, report)
	old := m.current.Swap(snap)

	m.metrics.recordPublish(snap)
	var changed []string
	if old != nil {
		changed = changedPaths(old.Tree(), snap.Tree())
	}
	m.audit.LogSnapshotPublished(snap.Version(), snap.Checksum(), changed, reloadID)
	for _, f := range snap.failures {
		m.audit.LogSubstitutionFailure(f)
		m.logger.Warn("unresolved environment variable",
			zap.String("layer", f.Layer), zap.String("path", f.Path), zap.String("var", f.Var))
	}
	for _, v := range report.Warnings() {
		m.logger.Warn("validation warning", zap.String("path", v.Path), zap.String("kind", string(v.Kind)), zap.String("message", v.Message))
	}
	m.logger.Info("snapshot published",
		zap.Uint64("version", snap.Version()),
		zap.String("checksum", snap.Checksum()),
		zap.String("reload_id", reloadID),
		zap.Int("changed", len(changed)))

	m.notify(old, snap)
	return snap, nil
}

func (m *Manager) notify(old, snap *Snapshot) {
	m.subsMu.RLock()
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]SubscriberFunc, len(ids))
	for i, id := range ids {
		fns[i] = m.subs[id]
	}
	m.subsMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("subscriber panicked", zap.Any("panic", r))
				}
			}()
			fn(old, snap)
		}()
	}
}

func (m *Manager) handleError(err error) {
	if m.opts.ErrorHandler != nil {
		m.opts.ErrorHandler(err, m.opts.Dir)
	}
}

func (m *Manager) currentVersion() uint64 {
	if snap := m.current.Load(); snap != nil {
		return snap.Version()
	}
	return 0
}

// overrideLayers returns the override layer for the static overrides plus
// entries, or nothing when both are empty.
func (m *Manager) overrideLayers(entries []overrideEntry) []Layer {
	all := make([]overrideEntry, 0, len(m.staticOverrides)+len(entries))
	all = append(all, m.staticOverrides...)
	all = append(all, entries...)
	if len(all) == 0 {
		return nil
	}
	return []Layer{{Name: LayerOverride, Rank: RankOverride, Tree: overrideTree(all)}}
}

// OverrideHandle reverts an override pushed with WithOverride.
type OverrideHandle struct {
	m    *Manager
	id   uint64
	key  string
	once sync.Once
	err  error
}

// Key returns the overridden key.
func (h *OverrideHandle) Key() string { return h.key }

// WithOverride publishes a snapshot in which key holds value, above every
// file layer. The candidate is validated like any reload; a hard failure
// rejects the override and the current snapshot stays.
func (m *Manager) WithOverride(key string, value Value) (*OverrideHandle, error) {
	if m.closed.Load() {
		return nil, errors.New(ErrCodeManagerClosed, "manager is closed")
	}
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	if value.IsAbsent() {
		return nil, errors.New(ErrCodeInvalidValue, "override value cannot be absent").
			WithContext("key", key)
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.overrideSeq++
	entry := overrideEntry{id: m.overrideSeq, key: k, value: value}
	entries := append(append([]overrideEntry(nil), m.overrides...), entry)
	snap, err := m.recomposeLocked(entries)
	if err != nil {
		return nil, err
	}
	m.overrides = entries
	m.audit.LogOverride(AuditOverridePushed, key, snap.Version())
	return &OverrideHandle{m: m, id: entry.id, key: key}, nil
}

// Release removes the override and publishes the snapshot without it. Only
// the first call has any effect. The override is dropped even when the
// resulting snapshot is rejected; the next successful reload will not carry it.
func (h *OverrideHandle) Release() error {
	h.once.Do(func() {
		m := h.m
		m.publishMu.Lock()
		defer m.publishMu.Unlock()

		entries := make([]overrideEntry, 0, len(m.overrides))
		for _, e := range m.overrides {
			if e.id != h.id {
				entries = append(entries, e)
			}
		}
		m.overrides = entries
		snap, err := m.recomposeLocked(entries)
		if err != nil {
			h.err = err
			return
		}
		m.audit.LogOverride(AuditOverrideReleased, h.key, snap.Version())
	})
	return h.err
}

// recomposeLocked rebuilds the snapshot from the published file layers and
// the given overrides. The caller holds publishMu.
func (m *Manager) recomposeLocked(entries []overrideEntry) (*Snapshot, error) {
	cur := m.current.Load()
	layers := append(cur.fileLayers(), m.overrideLayers(entries)...)
	candidate := buildSnapshot(cur.Environment(), layers, cur.failures, cur.Schema(), time.Now())
	return m.publishLocked(context.Background(), candidate, uuid.NewString())
}

// changedPaths lists leaf paths whose value differs between two trees.
func changedPaths(old, new Value) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tree := range []Value{old, new} {
		for _, p := range leafPaths(tree) {
			if seen[p] || p == "" {
				continue
			}
			seen[p] = true
			key, err := ParseKey(p)
			if err != nil {
				continue
			}
			a, okA := old.Lookup(key.segments)
			b, okB := new.Lookup(key.segments)
			if okA != okB || !a.Equal(b) {
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}
