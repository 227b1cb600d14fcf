package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "foliocache.yaml")
	doc := fmt.Sprintf(`
server:
  origin: https://folio.example
storage:
  dataDir: %s
logging:
  level: error
`, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDecide(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		size    int
		gallery bool
		want    string
		reason  string
	}{
		{"small image", "cover.png", 2048, false, "remote", "CDN-optimized"},
		{"gallery image", "shot.jpg", 16, true, "remote", "gallery image forced to CDN"},
		{"document", "cv.pdf", 100, false, "committed", "document stored in repository"},
		{"small video", "intro.mp4", 4096, false, "committed", "small video in repository for offline access"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{7}, tt.size), 0o644))
			args := []string{"--config", cfg, "decide", path}
			if tt.gallery {
				args = append(args, "--gallery")
			}
			out, err := run(t, args...)
			require.NoError(t, err)

			var got map[string]any
			require.NoError(t, json.Unmarshal([]byte(out), &got))
			assert.Equal(t, tt.want, got["destination"])
			assert.Equal(t, tt.reason, got["reason"])
			assert.Equal(t, tt.file, got["name"])
			assert.EqualValues(t, tt.size, got["sizeBytes"])
		})
	}
}

func TestEnqueueThenFlush(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "enqueue", "publish", "--payload", `{"page":"about"}`)
	require.NoError(t, err)
	var action struct {
		ID      string          `json:"id"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &action))
	assert.NotEmpty(t, action.ID)
	assert.Equal(t, "publish", action.Kind)
	assert.JSONEq(t, `{"page":"about"}`, string(action.Payload))

	// Nothing handles "publish" outside the server, so it stays queued.
	out, err = run(t, "--config", cfg, "flush")
	require.NoError(t, err)
	var res struct {
		Flushed int `json:"flushed"`
		Pending int `json:"pending"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Zero(t, res.Flushed)
	assert.Equal(t, 1, res.Pending)
}

func TestEnqueueRejectsBadPayload(t *testing.T) {
	t.Parallel()

	_, err := run(t, "--config", writeConfig(t), "enqueue", "publish", "--payload", "{nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestUsageAndClear(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t)
	out, err := run(t, "--config", cfg, "usage")
	require.NoError(t, err)
	var res struct {
		Usage []struct {
			Name string `json:"name"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Usage, 4)
	assert.Equal(t, "app-shell", res.Usage[0].Name)

	out, err = run(t, "--config", cfg, "clear", "--store", "media-assets")
	require.NoError(t, err)
	assert.Contains(t, out, `"media-assets"`)

	_, err = run(t, "--config", cfg, "clear", "--store", "nope")
	require.Error(t, err)
}

func TestEvictRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := run(t, "--config", writeConfig(t), "evict")
	require.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	t.Parallel()

	_, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "usage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
