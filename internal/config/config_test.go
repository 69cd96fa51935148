package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/checkpoint"
	"github.com/roach88/reaqtor/internal/recovery"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "reaqtor.db", cfg.Store.Path)
	assert.True(t, cfg.Store.SyncWrites)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, checkpoint.ModeFull, cfg.CheckpointMode())
	assert.True(t, cfg.Checkpoint.Canary)
	assert.Equal(t, "skip", cfg.Recovery.DefaultMitigation)
	assert.Empty(t, cfg.Recovery.Mitigations)

	g := cfg.ToGC()
	assert.True(t, g.Enabled)
	assert.True(t, g.SweepEnabled)
	assert.Equal(t, 100, g.BatchSize)
	assert.Equal(t, 1000, g.MaxIterations)
	assert.Equal(t, time.Minute, g.Interval)
	assert.Zero(t, g.IterationsPerSecond)

	assert.False(t, cfg.ToMetrics().Enabled)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load("testdata/reaqtor.cue")
	require.NoError(t, err)

	st := cfg.ToStore(nil)
	assert.Equal(t, "badger", st.Backend)
	assert.True(t, st.InMemory)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
	assert.Equal(t, checkpoint.ModeDifferential, cfg.CheckpointMode())

	g := cfg.ToGC()
	assert.Equal(t, 25, g.BatchSize)
	assert.Equal(t, 30*time.Second, g.Interval)
	assert.Equal(t, 10.0, g.IterationsPerSecond)

	m := cfg.ToMetrics()
	assert.True(t, m.Enabled)
	assert.Equal(t, "reaqtor", m.Namespace)

	table, err := cfg.MitigationTable()
	require.NoError(t, err)
	assert.Equal(t, recovery.Delete, table.Lookup("rx://bridge/1"))
	assert.Equal(t, recovery.Quarantine, table.Lookup("rx://ingest/orders"))
	assert.Equal(t, recovery.RetryOnce, table.Lookup("rx://other"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("testdata/absent.cue")
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", `store: bogus: 1`},
		{"unknown backend", `store: backend: "postgres"`},
		{"unknown mode", `checkpoint: mode: "sometimes"`},
		{"unknown strategy", `recovery: default_mitigation: "ignore"`},
		{"zero batch", `gc: batch_size: 0`},
		{"negative pacing", `gc: iterations_per_second: -1`},
		{"bad interval", `gc: interval: "soon"`},
		{"empty pattern", `recovery: mitigations: [{pattern: "", strategy: "skip"}]`},
		{"syntax", `store: {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "test.cue")
			assert.Error(t, err)
		})
	}
}

func TestParseRegexInvalid(t *testing.T) {
	_, err := Parse([]byte(`recovery: mitigations: [{pattern: "([", strategy: "delete"}]`), "test.cue")
	require.Error(t, err)
	assert.Equal(t, artifact.ErrCodeRegexInvalid, artifact.CodeOf(err))
}
