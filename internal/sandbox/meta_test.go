package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMeta(t *testing.T) {
	t.Run("parses key value lines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "meta.txt")
		content := "time:0.123\ntime-wall:0.456\nmax-rss:2048\nstatus:TO\nmessage:Time limit exceeded\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		meta := readMeta(path)
		assert.Equal(t, "0.123", meta["time"])
		assert.Equal(t, "TO", meta["status"])
		assert.Equal(t, "Time limit exceeded", meta["message"])
	})

	t.Run("missing file yields empty map", func(t *testing.T) {
		meta := readMeta(filepath.Join(t.TempDir(), "nope.txt"))
		assert.Empty(t, meta)
	})

	t.Run("skips malformed lines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "meta.txt")
		require.NoError(t, os.WriteFile(path, []byte("garbage\ntime:1.5\n"), 0o644))

		meta := readMeta(path)
		assert.Len(t, meta, 1)
		assert.Equal(t, "1.5", meta["time"])
	})
}

func TestMetaTimeMs(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]string
		fallback int64
		want     int64
	}{
		{"seconds to milliseconds", map[string]string{"time": "0.123"}, 999, 123},
		{"whole seconds", map[string]string{"time": "2"}, 999, 2000},
		{"missing key falls back", map[string]string{}, 42, 42},
		{"unparseable falls back", map[string]string{"time": "abc"}, 42, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, metaTimeMs(tt.meta, tt.fallback))
		})
	}
}

func TestParseMemoryKB(t *testing.T) {
	tests := []struct {
		name string
		val  string
		want int64
	}{
		{"bare kilobytes", "2048", 2048},
		{"bare value above heuristic is bytes", "20480000", 20000},
		{"k suffix", "512k", 512},
		{"kb suffix", "1024kb", 1024},
		{"m suffix", "4m", 4096},
		{"mb suffix", "2mb", 2048},
		{"b suffix", "4096b", 4},
		{"quoted value", `"2048"`, 2048},
		{"uppercase suffix", "4MB", 4096},
		{"empty", "", 0},
		{"garbage", "lots", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemoryKB(tt.val))
		})
	}
}

func TestMetaMemoryKB(t *testing.T) {
	t.Run("prefers cg-mem over max-rss", func(t *testing.T) {
		meta := map[string]string{"cg-mem": "4096", "max-rss": "1024"}
		assert.Equal(t, int64(4096), metaMemoryKB(meta))
	})

	t.Run("falls back through key priority", func(t *testing.T) {
		meta := map[string]string{"max-rss": "1024"}
		assert.Equal(t, int64(1024), metaMemoryKB(meta))
	})

	t.Run("no usable value", func(t *testing.T) {
		assert.Equal(t, int64(0), metaMemoryKB(map[string]string{"status": "OK"}))
	})
}
