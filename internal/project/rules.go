package project

import (
	"fmt"
	"path"
	"strings"

	"github.com/forgegate/hub/internal/core"
)

// suspiciousContent lists substrings that block a file write outright.
var suspiciousContent = []string{
	"rm -rf /",
	"eval(",
	"system(",
	"exec(",
	":(){ :|:& };:",
}

// criticalFiles may never be deleted through the aggregate.
var criticalFiles = map[string]bool{
	"package.json": true,
	"Cargo.toml":   true,
	"go.mod":       true,
	"Dockerfile":   true,
	"README.md":    true,
}

// Rules are the aggregate-local business rules, sourced from configuration.
// The zero value allows everything except the hardcoded suspicious and
// critical sets.
type Rules struct {
	MaxFileSize       int64
	allowedExtensions map[string]bool
	protectedPaths    []string
}

// NewRules normalizes the configured lists. Extensions compare
// case-insensitively with the leading dot; an empty list allows any.
func NewRules(maxFileSize int64, allowedExtensions, protectedPaths []string) Rules {
	r := Rules{MaxFileSize: maxFileSize, protectedPaths: protectedPaths}
	if len(allowedExtensions) > 0 {
		r.allowedExtensions = make(map[string]bool, len(allowedExtensions))
		for _, ext := range allowedExtensions {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			r.allowedExtensions[strings.ToLower(ext)] = true
		}
	}
	return r
}

// CheckWrite validates a file creation or modification.
func (r Rules) CheckWrite(p, content string) error {
	if err := r.checkPath(p); err != nil {
		return err
	}
	if r.MaxFileSize > 0 && int64(len(content)) > r.MaxFileSize {
		return core.NewBusinessRuleViolation("max_file_size", map[string]any{
			"path": p, "size": len(content), "limit": r.MaxFileSize,
		})
	}
	if err := r.checkExtension(p); err != nil {
		return err
	}
	for _, pattern := range suspiciousContent {
		if strings.Contains(content, pattern) {
			return core.NewBusinessRuleViolation("suspicious_content", map[string]any{
				"path": p, "pattern": pattern,
			})
		}
	}
	return nil
}

// CheckDelete validates a file deletion.
func (r Rules) CheckDelete(p string) error {
	if err := r.checkPath(p); err != nil {
		return err
	}
	if criticalFiles[path.Base(p)] {
		return core.NewBusinessRuleViolation("critical_file_deletion", map[string]any{"path": p})
	}
	return nil
}

// CheckMove validates both endpoints of a move.
func (r Rules) CheckMove(oldPath, newPath string) error {
	if err := r.checkPath(oldPath); err != nil {
		return err
	}
	if err := r.checkPath(newPath); err != nil {
		return err
	}
	return r.checkExtension(newPath)
}

// CheckDirectory validates a directory creation.
func (r Rules) CheckDirectory(p string) error {
	return r.checkPath(p)
}

func (r Rules) checkPath(p string) error {
	if p == "" || !strings.HasPrefix(p, "/") {
		return core.NewBusinessRuleViolation("invalid_path", map[string]any{"path": p})
	}
	if strings.Contains(p, "..") {
		return core.NewBusinessRuleViolation("invalid_path", map[string]any{"path": p, "detail": "parent traversal"})
	}
	for _, protected := range r.protectedPaths {
		if overlaps(p, protected) {
			return core.NewBusinessRuleViolation("protected_paths", map[string]any{
				"path": p, "protected": protected,
			})
		}
	}
	return nil
}

func (r Rules) checkExtension(p string) error {
	if r.allowedExtensions == nil {
		return nil
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		// Extensionless files (Makefile, Dockerfile, LICENSE) pass.
		return nil
	}
	if !r.allowedExtensions[ext] {
		return core.NewBusinessRuleViolation("allowed_extensions", map[string]any{
			"path": p, "extension": ext,
		})
	}
	return nil
}

// overlaps reports whether p is the protected path, lives under it, or
// contains it as an interior segment (/src/node_modules/x overlaps
// /node_modules).
func overlaps(p, protected string) bool {
	if p == protected || strings.HasPrefix(p, protected+"/") {
		return true
	}
	return strings.Contains(p, protected+"/") || strings.HasSuffix(p, protected)
}

// Describe summarizes the active rule set for the context surface.
func (r Rules) Describe() string {
	exts := "any"
	if r.allowedExtensions != nil {
		exts = fmt.Sprintf("%d allowed", len(r.allowedExtensions))
	}
	return fmt.Sprintf("max_file_size=%d extensions=%s protected=%d", r.MaxFileSize, exts, len(r.protectedPaths))
}
