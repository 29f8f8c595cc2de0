// security.go: Path validation for watched configuration files
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/agilira/go-errors"
)

const (
	maxPathLength = 4096
	maxPathDepth  = 50
)

var (
	traversalPatterns = []string{"..", "../", "..\\", "/..", "\\.."}

	encodedPatterns = []string{
		"%2e%2e", "%252e%252e", "%2f", "%252f", "%5c", "%255c", "%00", "%2500",
	}

	sensitivePaths = []string{
		"/etc/passwd", "/etc/shadow", "/proc/", "/sys/", "/dev/",
		"windows/system32", "program files", ".ssh/", ".aws/", ".docker/",
	}

	windowsDevices = map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
		"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
		"COM6": true, "COM7": true, "COM8": true, "COM9": true,
		"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
		"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
	}
)

// validateSecurePath rejects paths that traverse upwards, hide traversal in
// percent-encoding, point at system files or carry control characters.
func validateSecurePath(path string) error {
	if path == "" {
		return errors.New(ErrCodeInvalidConfig, "empty path not allowed")
	}
	if len(path) > maxPathLength {
		return errors.New(ErrCodeInvalidConfig, fmt.Sprintf("path too long (max %d characters): %d", maxPathLength, len(path)))
	}
	for _, char := range path {
		if char == 0 {
			return errors.New(ErrCodeInvalidConfig, "null byte in path not allowed")
		}
		if char < 32 && char != '\t' {
			return errors.New(ErrCodeInvalidConfig, fmt.Sprintf("control character in path not allowed: %d", char))
		}
	}

	for _, p := range traversalPatterns {
		if strings.Contains(path, p) {
			return errors.New(ErrCodeInvalidConfig, "path contains dangerous traversal pattern: "+p)
		}
	}

	lower := strings.ToLower(path)
	for _, p := range encodedPatterns {
		if strings.Contains(lower, p) {
			return errors.New(ErrCodeInvalidConfig, "path contains URL-encoded traversal pattern: "+p)
		}
	}
	slashed := strings.ReplaceAll(lower, "\\", "/")
	for _, p := range sensitivePaths {
		if strings.Contains(slashed, p) {
			return errors.New(ErrCodeInvalidConfig, "access to system file/directory not allowed: "+p)
		}
	}

	base := strings.ToUpper(filepath.Base(path))
	if dot := strings.IndexByte(base, '.'); dot != -1 {
		base = base[:dot]
	}
	if windowsDevices[base] {
		return errors.New(ErrCodeInvalidConfig, "windows device name not allowed: "+base)
	}

	if depth := strings.Count(path, "/") + strings.Count(path, "\\"); depth > maxPathDepth {
		return errors.New(ErrCodeInvalidConfig, fmt.Sprintf("path too complex (max %d directory levels): %d", maxPathDepth, depth))
	}
	return nil
}

// securePath validates path, resolves it to an absolute path and checks the
// symlink target if there is one. Rejections are recorded on audit.
func securePath(path string, audit *AuditLogger) (string, error) {
	reject := func(err error, ctx map[string]interface{}) error {
		audit.LogSecurityEvent(AuditPathRejected, err.Error(), ctx)
		return errors.Wrap(err, ErrCodeInvalidConfig, "invalid or unsafe file path").
			WithContext("path", path)
	}

	if err := validateSecurePath(path); err != nil {
		return "", reject(err, map[string]interface{}{"rejected_path": path})
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(err, ErrCodeInvalidConfig, "invalid file path").WithContext("path", path)
	}
	if err := validateSecurePath(abs); err != nil {
		return "", reject(err, map[string]interface{}{"rejected_path": abs, "original_path": path})
	}

	// Watched files may not exist yet; only an existing symlink is checked.
	if real, err := filepath.EvalSymlinks(abs); err == nil && real != abs {
		if err := validateSecurePath(real); err != nil {
			return "", reject(err, map[string]interface{}{"symlink_path": abs, "resolved_path": real})
		}
	}
	return abs, nil
}
