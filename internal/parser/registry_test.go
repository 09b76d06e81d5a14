package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry_LooksUpKnownExtensions(t *testing.T) {
	r := NewDefaultRegistry()

	reg, ok := r.Lookup(".MD")
	require.True(t, ok)
	assert.Equal(t, "markdown", reg.ParserID)
	assert.True(t, reg.EnabledByDefault)

	_, ok = r.Lookup(".pdf")
	assert.False(t, ok)
}

func TestRegistry_Extract_UnknownExtension(t *testing.T) {
	r := NewDefaultRegistry()
	_, _, _, err := r.Extract(context.Background(), ".docx", []byte("x"))
	require.Error(t, err)
	var unknown *ErrUnknownExtension
	assert.ErrorAs(t, err, &unknown)
}

func TestRegistry_Extract_DisabledParser(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetEnabled("text", false)

	_, _, _, err := r.Extract(context.Background(), ".txt", []byte("hello"))
	require.Error(t, err)
}

func TestRegistry_Extract_NormalizesLineEndings(t *testing.T) {
	r := NewDefaultRegistry()
	text, id, version, err := r.Extract(context.Background(), ".txt", []byte("line one\r\nline two\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "text", id)
	assert.Equal(t, 1, version)
	assert.Equal(t, "line one\nline two\n", text)
}

func TestRegistry_Extract_RejectsInvalidUTF8(t *testing.T) {
	r := NewDefaultRegistry()
	_, _, _, err := r.Extract(context.Background(), ".txt", []byte{0xff, 0xfe, 0x00})
	assert.Error(t, err)
}
