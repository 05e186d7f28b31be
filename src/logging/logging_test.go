package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"grimstack.io/grim/src/oops"
)

func TestPrettyZerologWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(NewPrettyZerologWriter(&buf))

	t.Run("single line", func(t *testing.T) {
		buf.Reset()
		logger.Info().Msg("hello")
		assert.Contains(t, buf.String(), "INFO")
		assert.Contains(t, buf.String(), "hello\n")
		assert.NotContains(t, buf.String(), "Fields:")
	})
	t.Run("fields and errors", func(t *testing.T) {
		buf.Reset()
		logger.Error().Err(oops.New(nil, "kaboom")).Stack().Str("comment", "post:7:1/3:1").Msg("failed")
		out := buf.String()
		assert.Contains(t, out, "ERROR:")
		assert.Contains(t, out, "kaboom")
		assert.Contains(t, out, `comment: "post:7:1/3:1"`)
		assert.Contains(t, out, "Stack trace:")
	})
	t.Run("not json", func(t *testing.T) {
		buf.Reset()
		w := NewPrettyZerologWriter(&buf)
		w.Write([]byte("raw text"))
		assert.Equal(t, "raw text", buf.String())
	})
}

func TestLoggerContext(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		assert.Equal(t, GlobalLogger(), ExtractLogger(context.Background()))
	})
	t.Run("attached", func(t *testing.T) {
		logger := zerolog.Nop()
		ctx := AttachLoggerToContext(&logger, context.Background())
		assert.Equal(t, &logger, ExtractLogger(ctx))
	})
}
