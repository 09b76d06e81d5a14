// Package parser implements the process-wide extension-to-parser mapping.
// Re-index decisions compare a file's last-used parser_version against the
// registry's current version for that extension's parser_id.
package parser

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Parser extracts plain text from a file's raw bytes. External parsers for
// PDF/DOCX/DOC/RTF/spreadsheet formats register an implementation of this
// interface the same way the two built-in parsers do.
type Parser interface {
	// ID is the stable parser_id recorded on FileStatus.
	ID() string

	// Version is the current behaviour version. Bump it whenever a change
	// to Extract would alter previously-extracted text for the same input.
	Version() int

	// Extract returns the plain text content of a file given its raw bytes.
	Extract(ctx context.Context, content []byte) (string, error)
}

// Registration is a registry entry for a single file extension.
type Registration struct {
	ParserID         string
	Version          int
	EnabledByDefault bool
}

// Registry is the process-wide extension -> Registration map.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser   // parser_id -> Parser
	byExt   map[string]string   // extension -> parser_id
	enabled map[string]bool     // parser_id -> enabled_by_default
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		parsers: make(map[string]Parser),
		byExt:   make(map[string]string),
		enabled: make(map[string]bool),
	}
}

// NewDefaultRegistry returns a registry pre-populated with the two built-in
// parsers (plain text, Markdown), both enabled by default.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTextParser(), []string{".txt", ".log", ".csv", ".tsv"}, true)
	r.Register(NewMarkdownParser(), []string{".md", ".markdown", ".mdx"}, true)
	return r
}

// Register associates a parser with a set of extensions. Extensions are
// matched case-insensitively and must include the leading dot.
func (r *Registry) Register(p Parser, extensions []string, enabledByDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.parsers[p.ID()] = p
	r.enabled[p.ID()] = enabledByDefault
	for _, ext := range extensions {
		r.byExt[strings.ToLower(ext)] = p.ID()
	}
}

// Lookup returns the Registration for an extension, or ok=false if no
// parser is registered for it.
func (r *Registry) Lookup(extension string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byExt[strings.ToLower(extension)]
	if !ok {
		return Registration{}, false
	}
	p := r.parsers[id]
	return Registration{ParserID: id, Version: p.Version(), EnabledByDefault: r.enabled[id]}, true
}

// Parser returns the registered Parser implementation by parser_id.
func (r *Registry) Parser(id string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[id]
	return p, ok
}

// SetEnabled overrides the enabled state for a parser_id, used to apply the
// `file_types` config option on top of each parser's EnabledByDefault.
func (r *Registry) SetEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parsers[id]; ok {
		r.enabled[id] = enabled
	}
}

// IsEnabled reports whether extraction should run for the given extension.
// Returns false for unregistered extensions.
func (r *Registry) IsEnabled(extension string) bool {
	reg, ok := r.Lookup(extension)
	if !ok {
		return false
	}
	return reg.EnabledByDefault
}

// ErrUnknownExtension is returned by Extract for an unregistered extension.
type ErrUnknownExtension struct {
	Extension string
}

func (e *ErrUnknownExtension) Error() string {
	return fmt.Sprintf("no parser registered for extension %q", e.Extension)
}

// Extract looks up the parser for extension and runs it, returning the
// resolved parser_id and version alongside the extracted text so callers can
// stamp FileStatus without a second registry lookup.
func (r *Registry) Extract(ctx context.Context, extension string, content []byte) (text string, parserID string, version int, err error) {
	reg, ok := r.Lookup(extension)
	if !ok {
		return "", "", 0, &ErrUnknownExtension{Extension: extension}
	}
	if !r.enabledLocked(reg.ParserID) {
		return "", "", 0, fmt.Errorf("parser %q is disabled", reg.ParserID)
	}

	p, _ := r.Parser(reg.ParserID)
	text, err = p.Extract(ctx, content)
	if err != nil {
		return "", reg.ParserID, reg.Version, err
	}
	return text, reg.ParserID, reg.Version, nil
}

func (r *Registry) enabledLocked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[id]
}
