package parser

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"
)

// TextParser extracts plain-text files verbatim apart from converting CRLF
// line endings to LF, after validating the content is legal UTF-8.
type TextParser struct{}

// NewTextParser returns the plain-text parser.
func NewTextParser() *TextParser { return &TextParser{} }

func (p *TextParser) ID() string { return "text" }

func (p *TextParser) Version() int { return 1 }

func (p *TextParser) Extract(_ context.Context, content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", fmt.Errorf("content is not valid UTF-8")
	}
	// Normalize Windows line endings so offset math downstream is consistent
	// regardless of the source file's origin.
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	return string(normalized), nil
}
