package logging

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New(&buf, "warn", "json")
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown", "store", "media-assets")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"store":"media-assets"`)

	_, err = New(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = New(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestRateLimited(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New(&buf, "debug", "text")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimited(l, time.Minute)
	rl.now = func() time.Time { return now }

	ctx := context.Background()
	assert.True(t, rl.Warn(ctx, "evicting"))
	assert.False(t, rl.Warn(ctx, "evicting"))
	assert.False(t, rl.Warn(ctx, "evicting"))

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.Warn(ctx, "evicting"))
	assert.Contains(t, buf.String(), "suppressed=2")
}
