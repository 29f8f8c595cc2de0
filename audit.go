// audit.go: Audit trail for configuration lifecycle events
//
// Reloads, rejections, overrides and missing keys are recorded with a
// tamper-detection checksum per event. Events carry key paths, versions and
// snapshot checksums only; configuration values are never written, since they
// may hold substituted secrets.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// AuditLevel represents the severity of audit events
type AuditLevel int

const (
	AuditInfo AuditLevel = iota
	AuditWarn
	AuditCritical
	AuditSecurity
)

func (al AuditLevel) String() string {
	switch al {
	case AuditInfo:
		return "INFO"
	case AuditWarn:
		return "WARN"
	case AuditCritical:
		return "CRITICAL"
	case AuditSecurity:
		return "SECURITY"
	default:
		return "UNKNOWN"
	}
}

// Audit event names.
const (
	AuditSnapshotPublished    = "snapshot_published"
	AuditReloadRejected       = "reload_rejected"
	AuditReloadIOFailure      = "reload_io_failure"
	AuditMissingConfiguration = "missing_configuration"
	AuditOverridePushed       = "override_pushed"
	AuditOverrideReleased     = "override_released"
	AuditSubstitutionFailure  = "substitution_failure"
	AuditWatchStart           = "watch_start"
	AuditPathRejected         = "path_rejected"
)

// AuditEvent represents a single auditable event
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       AuditLevel             `json:"level"`
	Event       string                 `json:"event"`
	Component   string                 `json:"component"`
	Key         string                 `json:"key,omitempty"`
	FilePath    string                 `json:"file_path,omitempty"`
	Version     uint64                 `json:"version,omitempty"`
	ProcessID   int                    `json:"process_id"`
	ProcessName string                 `json:"process_name"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Checksum    string                 `json:"checksum"`
}

// AuditConfig configures the audit system. The zero value disables auditing.
type AuditConfig struct {
	Enabled       bool          `json:"enabled"`
	OutputFile    string        `json:"output_file"`
	MinLevel      AuditLevel    `json:"min_level"`
	BufferSize    int           `json:"buffer_size" validate:"gte=0"`
	FlushInterval time.Duration `json:"flush_interval" validate:"gte=0"`
}

// DefaultAuditConfig returns an enabled configuration writing to the shared
// SQLite audit database.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:       true,
		OutputFile:    "",
		MinLevel:      AuditInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

// AuditLogger buffers events and flushes them to a backend in the background.
type AuditLogger struct {
	config      AuditConfig
	backend     auditBackend
	buffer      []AuditEvent
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
	processID   int
	processName string
}

// NewAuditLogger creates a logger. A disabled config yields a logger that
// drops every event without opening a backend.
func NewAuditLogger(config AuditConfig) (*AuditLogger, error) {
	logger := &AuditLogger{
		config:      config,
		stopCh:      make(chan struct{}),
		processID:   os.Getpid(),
		processName: filepath.Base(os.Args[0]),
	}
	if !config.Enabled {
		return logger, nil
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1
		logger.config.BufferSize = 1
	}

	backend, err := createAuditBackend(config)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidAuditConfig, "failed to initialize audit backend")
	}
	logger.backend = backend
	logger.buffer = make([]AuditEvent, 0, config.BufferSize)

	if config.FlushInterval > 0 {
		logger.flushTicker = time.NewTicker(config.FlushInterval)
		go logger.flushLoop()
	}
	return logger, nil
}

// Log records an audit event.
func (al *AuditLogger) Log(level AuditLevel, event, key, filePath string, version uint64, context map[string]interface{}) {
	if al == nil || al.backend == nil || !al.config.Enabled || level < al.config.MinLevel {
		return
	}

	auditEvent := AuditEvent{
		Timestamp:   timecache.CachedTime(),
		Level:       level,
		Event:       event,
		Component:   "pythia",
		Key:         key,
		FilePath:    filePath,
		Version:     version,
		ProcessID:   al.processID,
		ProcessName: al.processName,
		Context:     context,
	}
	auditEvent.Checksum = al.generateChecksum(auditEvent)

	al.bufferMu.Lock()
	al.buffer = append(al.buffer, auditEvent)
	if len(al.buffer) >= al.config.BufferSize {
		_ = al.flushBufferUnsafe()
	}
	al.bufferMu.Unlock()
}

// LogSnapshotPublished records a successful publish with the changed paths.
func (al *AuditLogger) LogSnapshotPublished(version uint64, checksum string, changed []string, reloadID string) {
	al.Log(AuditCritical, AuditSnapshotPublished, "", "", version, map[string]interface{}{
		"checksum":      checksum,
		"changed_paths": changed,
		"reload_id":     reloadID,
	})
}

// LogReloadRejected records a candidate discarded by validation.
func (al *AuditLogger) LogReloadRejected(keptVersion uint64, report ValidationReport, reloadID string) {
	paths := make([]string, 0, len(report.Violations))
	for _, v := range report.Errors() {
		paths = append(paths, v.Path)
	}
	al.Log(AuditWarn, AuditReloadRejected, "", "", keptVersion, map[string]interface{}{
		"hard_violations": report.HardCount(),
		"paths":           paths,
		"reload_id":       reloadID,
	})
}

// LogReloadIOFailure records an unreadable or corrupt source.
func (al *AuditLogger) LogReloadIOFailure(keptVersion uint64, err error, reloadID string) {
	al.Log(AuditWarn, AuditReloadIOFailure, "", "", keptVersion, map[string]interface{}{
		"code":      ErrorCode(err),
		"reload_id": reloadID,
	})
}

// LogMissingConfiguration records a key that resolved to nothing.
func (al *AuditLogger) LogMissingConfiguration(key string, version uint64) {
	al.Log(AuditWarn, AuditMissingConfiguration, key, "", version, nil)
}

// LogOverride records an override push or release.
func (al *AuditLogger) LogOverride(event, key string, version uint64) {
	al.Log(AuditCritical, event, key, "", version, nil)
}

// LogSubstitutionFailure records a placeholder left unresolved.
func (al *AuditLogger) LogSubstitutionFailure(f SubstitutionFailure) {
	al.Log(AuditWarn, AuditSubstitutionFailure, f.Path, "", 0, map[string]interface{}{
		"layer":    f.Layer,
		"variable": f.Var,
	})
}

// LogFileWatch records watcher lifecycle events for a file.
func (al *AuditLogger) LogFileWatch(event, filePath string) {
	al.Log(AuditInfo, event, "", filePath, 0, nil)
}

// LogSecurityEvent records a rejected path or similar security decision.
func (al *AuditLogger) LogSecurityEvent(event, details string, context map[string]interface{}) {
	if context == nil {
		context = map[string]interface{}{}
	}
	context["details"] = details
	al.Log(AuditSecurity, event, "", "", 0, context)
}

// Flush immediately writes all buffered events
func (al *AuditLogger) Flush() error {
	if al == nil || al.backend == nil {
		return nil
	}
	al.bufferMu.Lock()
	defer al.bufferMu.Unlock()
	return al.flushBufferUnsafe()
}

// Close flushes pending events and releases the backend. It is idempotent.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	var err error
	al.closeOnce.Do(func() {
		close(al.stopCh)
		if al.flushTicker != nil {
			al.flushTicker.Stop()
		}
		if al.backend == nil {
			return
		}
		if ferr := al.Flush(); ferr != nil {
			err = fmt.Errorf("failed to flush audit logger during close: %w", ferr)
			return
		}
		if cerr := al.backend.Close(); cerr != nil {
			err = fmt.Errorf("failed to close audit backend: %w", cerr)
		}
	})
	return err
}

func (al *AuditLogger) flushLoop() {
	for {
		select {
		case <-al.flushTicker.C:
			_ = al.Flush()
		case <-al.stopCh:
			return
		}
	}
}

// flushBufferUnsafe writes the buffer to the backend (caller holds bufferMu).
func (al *AuditLogger) flushBufferUnsafe() error {
	if len(al.buffer) == 0 {
		return nil
	}
	if err := al.backend.Write(al.buffer); err != nil {
		return fmt.Errorf("failed to write audit events to backend: %w", err)
	}
	al.buffer = al.buffer[:0]
	return nil
}

// generateChecksum creates a tamper-detection checksum using SHA-256
func (al *AuditLogger) generateChecksum(event AuditEvent) string {
	data := fmt.Sprintf("%s:%s:%s:%s:%d:%v",
		event.Timestamp.Format(time.RFC3339Nano),
		event.Event, event.Key, event.FilePath, event.Version, event.Context)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
