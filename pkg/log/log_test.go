package log

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtx(t *testing.T) {
	t.Run("DefaultWhenUnset", func(t *testing.T) {
		l := Ctx(context.Background())
		require.NotNil(t, l)
		assert.Equal(t, defaultLogger, l)
	})

	t.Run("ReturnsAttachedLogger", func(t *testing.T) {
		custom := slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx := With(context.Background(), custom)
		assert.Equal(t, custom, Ctx(ctx))
		// the original context is untouched
		assert.Equal(t, defaultLogger, Ctx(context.Background()))
	})
}

func TestSetDefaultLogLevel(t *testing.T) {
	ctx := context.Background()
	SetDefaultLogLevel(slog.LevelWarn)
	defer SetDefaultLogLevel(slog.LevelInfo)

	assert.False(t, defaultLogger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, defaultLogger.Enabled(ctx, slog.LevelWarn))
}
