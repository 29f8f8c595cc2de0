// watcher.go: Change detection for layer files
//
// Two detection modes share one debounced delivery path. Polling stats each
// watched file through a lock-free stat cache; fsnotify subscribes to the
// parent directories so editors that save by rename are still seen. Bursts of
// events within the debounce window reach the callback as a single batch.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WatcherState is the position of the reload pipeline.
type WatcherState int32

const (
	StateIdle WatcherState = iota
	StateDetecting
	StateBuilding
	StateValidating
	StatePublishing
)

func (s WatcherState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDetecting:
		return "Detecting"
	case StateBuilding:
		return "Building"
	case StateValidating:
		return "Validating"
	case StatePublishing:
		return "Publishing"
	default:
		return "Unknown"
	}
}

// ChangeEvent describes one detected change to a watched file.
type ChangeEvent struct {
	Path     string
	ModTime  time.Time
	Size     int64
	IsCreate bool
	IsDelete bool
	IsModify bool
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	PollInterval time.Duration
	CacheTTL     time.Duration
	Debounce     time.Duration
	Notify       NotifyMode
	ErrorHandler ErrorHandler
	Audit        *AuditLogger
	Logger       *zap.Logger
}

// fileStat is a cached os.Stat result.
type fileStat struct {
	modTime  time.Time
	size     int64
	exists   bool
	cachedAt int64
}

func (fs *fileStat) isExpired(ttl time.Duration) bool {
	return timecache.CachedTimeNano()-fs.cachedAt > int64(ttl)
}

type watchedFile struct {
	path     string
	lastStat fileStat
}

// StatCacheStats reports the polling stat cache.
type StatCacheStats struct {
	Entries   int
	OldestAge time.Duration
	NewestAge time.Duration
}

// Watcher detects changes to a set of files and reports them in batches.
type Watcher struct {
	cfg      WatcherConfig
	onChange func([]ChangeEvent)

	files   map[string]*watchedFile
	filesMu sync.RWMutex

	statCache atomic.Pointer[map[string]fileStat]

	pendingMu sync.Mutex
	pending   []ChangeEvent
	timer     *time.Timer

	fsw       *fsnotify.Watcher
	state     atomic.Int32
	running   atomic.Bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewWatcher creates a watcher delivering batches to onChange.
func NewWatcher(cfg WatcherConfig, onChange func([]ChangeEvent)) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 || cfg.CacheTTL > cfg.PollInterval {
		cfg.CacheTTL = cfg.PollInterval / 2
	}
	if cfg.Notify == "" {
		cfg.Notify = NotifyPoll
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	w := &Watcher{
		cfg:      cfg,
		onChange: onChange,
		files:    make(map[string]*watchedFile),
	}
	empty := make(map[string]fileStat)
	w.statCache.Store(&empty)
	return w
}

// Watch adds path to the watch list. The file does not need to exist yet.
func (w *Watcher) Watch(path string) error {
	abs, err := securePath(path, w.cfg.Audit)
	if err != nil {
		return err
	}
	w.cfg.Audit.LogFileWatch(AuditWatchStart, abs)

	stat, _ := w.getStat(abs)
	w.filesMu.Lock()
	if _, exists := w.files[abs]; !exists {
		w.files[abs] = &watchedFile{path: abs, lastStat: stat}
	}
	w.filesMu.Unlock()

	if w.running.Load() && w.fsw != nil {
		if err := w.fsw.Add(filepath.Dir(abs)); err != nil {
			return errors.Wrap(err, ErrCodeInvalidConfig, "failed to watch directory").
				WithContext("path", abs)
		}
	}
	return nil
}

// WatchedFiles returns the number of watched files.
func (w *Watcher) WatchedFiles() int {
	w.filesMu.RLock()
	defer w.filesMu.RUnlock()
	return len(w.files)
}

// State returns the current pipeline state.
func (w *Watcher) State() WatcherState {
	return WatcherState(w.state.Load())
}

func (w *Watcher) setState(s WatcherState) {
	w.state.Store(int32(s))
}

// IsRunning reports whether detection is active.
func (w *Watcher) IsRunning() bool {
	return w.running.Load()
}

// Start begins detection in the configured mode.
func (w *Watcher) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New(ErrCodeWatcherBusy, "watcher is already running")
	}
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})

	if w.cfg.Notify == NotifyFS {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.running.Store(false)
			return errors.Wrap(err, ErrCodeInvalidConfig, "failed to create filesystem watcher")
		}
		for _, dir := range w.watchedDirs() {
			if err := fsw.Add(dir); err != nil {
				_ = fsw.Close()
				w.running.Store(false)
				return errors.Wrap(err, ErrCodeInvalidConfig, "failed to watch directory").
					WithContext("dir", dir)
			}
		}
		w.fsw = fsw
		go w.notifyLoop()
		return nil
	}

	go w.watchLoop()
	return nil
}

// Stop halts detection and drops any batch still waiting for its debounce.
func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return errors.New(ErrCodeWatcherStopped, "watcher is not running")
	}
	close(w.stopCh)
	<-w.stoppedCh

	w.pendingMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = nil
	w.pendingMu.Unlock()
	return nil
}

// ClearCache forces fresh stat calls on the next poll.
func (w *Watcher) ClearCache() {
	empty := make(map[string]fileStat)
	w.statCache.Store(&empty)
}

// StatCacheStats reports the stat cache size and entry ages.
func (w *Watcher) StatCacheStats() StatCacheStats {
	cache := *w.statCache.Load()
	if len(cache) == 0 {
		return StatCacheStats{}
	}
	now := timecache.CachedTimeNano()
	var oldest, newest int64
	first := true
	for _, st := range cache {
		if first || st.cachedAt < oldest {
			oldest = st.cachedAt
		}
		if first || st.cachedAt > newest {
			newest = st.cachedAt
		}
		first = false
	}
	return StatCacheStats{
		Entries:   len(cache),
		OldestAge: time.Duration(now - oldest),
		NewestAge: time.Duration(now - newest),
	}
}

func (w *Watcher) watchedDirs() []string {
	w.filesMu.RLock()
	defer w.filesMu.RUnlock()
	seen := make(map[string]bool)
	var dirs []string
	for path := range w.files {
		dir := filepath.Dir(path)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}

func (w *Watcher) watchLoop() {
	defer close(w.stoppedCh)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollFiles()
		}
	}
}

// pollFiles checks every watched file, at most eight at a time.
func (w *Watcher) pollFiles() {
	w.filesMu.RLock()
	files := make([]*watchedFile, 0, len(w.files))
	for _, wf := range w.files {
		files = append(files, wf)
	}
	w.filesMu.RUnlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, wf := range files {
		g.Go(func() error {
			w.checkFile(wf)
			return nil
		})
	}
	_ = g.Wait()
}

// checkFile compares the current stat with the last one seen. Each file is
// checked by one goroutine per poll, so lastStat needs no lock.
func (w *Watcher) checkFile(wf *watchedFile) {
	current, err := w.getStat(wf.path)
	if err != nil && !os.IsNotExist(err) {
		if w.cfg.ErrorHandler != nil {
			w.cfg.ErrorHandler(errors.Wrap(err, ErrCodeReloadIOFailure, "failed to stat file").
				WithContext("path", wf.path), wf.path)
		}
		return
	}

	switch {
	case !current.exists && wf.lastStat.exists:
		w.enqueue(ChangeEvent{Path: wf.path, IsDelete: true})
	case current.exists && !wf.lastStat.exists:
		w.enqueue(ChangeEvent{Path: wf.path, ModTime: current.modTime, Size: current.size, IsCreate: true})
	case current.exists && (!current.modTime.Equal(wf.lastStat.modTime) || current.size != wf.lastStat.size):
		w.enqueue(ChangeEvent{Path: wf.path, ModTime: current.modTime, Size: current.size, IsModify: true})
	}
	wf.lastStat = current
}

// getStat returns the cached stat for path or refreshes it once expired.
func (w *Watcher) getStat(path string) (fileStat, error) {
	cache := *w.statCache.Load()
	if cached, ok := cache[path]; ok && !cached.isExpired(w.cfg.CacheTTL) {
		return cached, nil
	}

	info, err := os.Stat(path)
	stat := fileStat{cachedAt: timecache.CachedTimeNano(), exists: err == nil}
	if err == nil {
		stat.modTime = info.ModTime()
		stat.size = info.Size()
	}
	w.updateCache(path, stat)
	return stat, err
}

// updateCache replaces the cache map copy-on-write.
func (w *Watcher) updateCache(path string, stat fileStat) {
	for {
		oldPtr := w.statCache.Load()
		old := *oldPtr
		next := make(map[string]fileStat, len(old)+1)
		for k, v := range old {
			next[k] = v
		}
		next[path] = stat
		if w.statCache.CompareAndSwap(oldPtr, &next) {
			return
		}
	}
}

func (w *Watcher) notifyLoop() {
	defer close(w.stoppedCh)
	defer w.fsw.Close()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleNotify(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Warn("filesystem watcher error", zap.Error(err))
			if w.cfg.ErrorHandler != nil {
				w.cfg.ErrorHandler(errors.Wrap(err, ErrCodeReloadIOFailure, "filesystem watcher error"), "")
			}
		}
	}
}

func (w *Watcher) handleNotify(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	w.filesMu.RLock()
	_, watched := w.files[path]
	w.filesMu.RUnlock()
	if !watched || ev.Op == fsnotify.Chmod {
		return
	}
	w.enqueue(ChangeEvent{
		Path:     path,
		IsCreate: ev.Has(fsnotify.Create),
		IsDelete: ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename),
		IsModify: ev.Has(fsnotify.Write),
	})
}

// enqueue adds an event to the pending batch and (re)arms the debounce timer.
func (w *Watcher) enqueue(ev ChangeEvent) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.pending = append(w.pending, ev)
	if w.State() == StateIdle {
		w.setState(StateDetecting)
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.Debounce, w.flush)
		return
	}
	w.timer.Reset(w.cfg.Debounce)
}

func (w *Watcher) flush() {
	w.pendingMu.Lock()
	batch := w.pending
	w.pending = nil
	w.timer = nil
	w.pendingMu.Unlock()

	if len(batch) == 0 || !w.running.Load() {
		return
	}
	w.cfg.Logger.Debug("configuration change detected", zap.Int("events", len(batch)))
	if w.onChange != nil {
		w.onChange(batch)
	}
}
