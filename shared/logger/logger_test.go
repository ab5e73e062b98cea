package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		wantMsgs []string
	}{
		{
			name:     "debug keeps everything",
			level:    "debug",
			wantMsgs: []string{"claim polled", "job queued", "lease lost", "ack failed"},
		},
		{
			name:     "info drops debug",
			level:    "info",
			wantMsgs: []string{"job queued", "lease lost", "ack failed"},
		},
		{
			name:     "warning alias",
			level:    "warning",
			wantMsgs: []string{"lease lost", "ack failed"},
		},
		{
			name:     "error only",
			level:    "ERROR",
			wantMsgs: []string{"ack failed"},
		},
		{
			name:     "unknown level falls back to info",
			level:    "verbose",
			wantMsgs: []string{"job queued", "lease lost", "ack failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := New(&Config{Level: tt.level, Format: "json", writer: &buf})
			require.NoError(t, err)

			log.Debug("claim polled")
			log.Info("job queued", slog.String("job_id", "j-1"))
			log.Warn("lease lost")
			log.Error("ack failed")

			var got []string
			for _, entry := range decodeLines(t, &buf) {
				got = append(got, entry["msg"].(string))
			}
			assert.Equal(t, tt.wantMsgs, got)
		})
	}
}

func TestNew_JSONAttributes(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: &buf})
	require.NoError(t, err)

	log.Info("Job completed successfully",
		slog.String("job_id", "j-1"),
		slog.String("filter", "sepia"),
		slog.Int("intensity", 70),
		slog.Bool("mirrored", true),
	)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	entry := entries[0]

	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "j-1", entry["job_id"])
	assert.Equal(t, "sepia", entry["filter"])
	assert.Equal(t, float64(70), entry["intensity"])
	assert.Equal(t, true, entry["mirrored"])
	assert.Contains(t, entry, "time")
	assert.Contains(t, entry, "source")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&Config{Level: "info", Format: "console", writer: &buf})
	require.NoError(t, err)

	log.Info("Worker service started successfully", slog.String("worker_id", "w-1"))

	out := buf.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "Worker service started successfully")
	assert.Contains(t, out, "worker_id=w-1")
	assert.NotContains(t, out, "\x1b[", "writer override disables colors")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log, err := New(&Config{
		Level:  "info",
		Format: "json",
		Output: path,
	})
	require.NoError(t, err)

	log.Info("job completed", slog.String("job_id", "abc"))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "job completed", entry["msg"])
	assert.Equal(t, "abc", entry["job_id"])
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	_, err := New(&Config{
		Format: "json",
		Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestClose_StdStreams(t *testing.T) {
	for _, output := range []string{"", "stdout", "stderr"} {
		log, err := New(&Config{Output: output})
		require.NoError(t, err)
		assert.NoError(t, log.Close())
	}
}

func TestNewDiscard(t *testing.T) {
	log := NewDiscard()
	require.NotNil(t, log)
	log.Error("dropped")
}
