package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestLoggerLevels(t *testing.T) {
	logger, buffer := NewTestLogger(LevelInfo)

	logger.Debug("hidden", "k", "v")
	logger.Info("epoch finished", EpochKey, 2, LossKey, 0.5)
	logger.Warn("overflow absorbed", LossScaleKey, 16384.0)
	logger.Error("run aborted", ErrAttr(fmt.Errorf("disk full")))

	out := buffer.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, logger.ContainsMessage("epoch finished"))
	assert.True(t, logger.ContainsField(EpochKey, 2.0))
	assert.True(t, logger.ContainsField(LossScaleKey, 16384.0))
	assert.True(t, logger.ContainsField(ErrAttrKey, "disk full"))

	assert.False(t, logger.Enabled(context.Background(), LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), LevelError))
}

func TestTestLoggerWith(t *testing.T) {
	base, _ := NewTestLogger(LevelDebug)
	worker := base.With(WorkerIDKey, 3, GPUIDKey, 1)
	worker.Info("bound device")

	entries, err := base.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3.0, entries[0][WorkerIDKey])
	assert.Equal(t, 1.0, entries[0][GPUIDKey])

	// parent stays clean
	base.Info("parent")
	entries, err = base.GetLogEntries()
	require.NoError(t, err)
	_, ok := entries[1][WorkerIDKey]
	assert.False(t, ok)
}

func TestTestLoggerConcurrent(t *testing.T) {
	logger, _ := NewTestLogger(LevelInfo)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Info("prefetch", IterationKey, i)
		}(i)
	}
	wg.Wait()

	entries, err := logger.GetLogEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}

func TestSetupLoggerStacktrace(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger, err := SetupLogger(&buf, "debug")
	require.NoError(t, err)

	New(logger).Error("checkpoint failed", ErrAttr(errors.New("rename: no space left")))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "checkpoint failed", record["message"])
	assert.Equal(t, "ERROR", record["severity"])
	assert.Contains(t, record[StacktraceAttrKey], "integration_test.go")
}

func TestSetupLoggerHints(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger, err := SetupLogger(&buf, "info")
	require.NoError(t, err)

	err = errors.WithHint(errors.Wrap(errors.New("no space left on device"), "write epoch_3.ckpt"), "free space in work_dir")
	logger.With(RunNameKey, "brave-turing").WithGroup("checkpoint").Warn("save failed", ErrAttr(err))
	logger.Info("epoch finished")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var failed, plain map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &failed))
	require.NoError(t, json.Unmarshal(lines[1], &plain))
	assert.Equal(t, "brave-turing", failed["run.name"])
	group, ok := failed["checkpoint"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "free space in work_dir", group[HintAttrKey])
	assert.Contains(t, group[StacktraceAttrKey], "integration_test.go")
	assert.NotContains(t, plain, StacktraceAttrKey)
	assert.NotContains(t, plain, HintAttrKey)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSlogAdapterEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	assert.False(t, l.Enabled(context.Background(), LevelInfo))
	assert.True(t, l.Enabled(context.Background(), LevelWarn))

	l.With(RunNameKey, "silly-lamport").Warn("slow iteration")
	assert.True(t, strings.Contains(buf.String(), `"run.name":"silly-lamport"`))
}
