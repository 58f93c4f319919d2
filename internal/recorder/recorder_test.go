package recorder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepagent/internal/logging"
	"deepagent/internal/model"
)

type memLogs struct {
	entries []*model.TaskLogEntry
	err     error
}

func (m *memLogs) AppendLog(_ context.Context, e *model.TaskLogEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func newRecorder(t *testing.T, files map[string]string) (*Recorder, *memLogs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, body := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(body), 0o644))
	}
	logs := &memLogs{}
	return New(logs, fs, logging.Discard()), logs
}

func TestLogAppendsEntry(t *testing.T) {
	r, logs := newRecorder(t, nil)
	err := r.Log(context.Background(), "t1", "c1", model.LevelWarn, model.EventDelivery, "email failed", map[string]any{"channel": "email"})
	require.NoError(t, err)
	require.Len(t, logs.entries, 1)
	e := logs.entries[0]
	assert.Equal(t, "t1", e.TaskID)
	assert.Equal(t, "c1", e.CorrelationID)
	assert.Equal(t, model.LevelWarn, e.Level)
	assert.Equal(t, "email", e.Data["channel"])
}

func TestLogReturnsAppendError(t *testing.T) {
	r, logs := newRecorder(t, nil)
	logs.err = errors.New("store down")
	err := r.Log(context.Background(), "t1", "c1", model.LevelInfo, "x", "y", nil)
	require.Error(t, err)
}

func TestSummarizePrefersKnownFiles(t *testing.T) {
	r, _ := newRecorder(t, map[string]string{
		"/out/t1/notes.md":  "# Notes\n\nscratch",
		"/out/t1/report.md": "# Report\n\nFindings here.\n\n## Details\n\nmore",
		"/out/t1/README.md": "# Overview\n\nStart here.",
	})
	assert.Equal(t, "# Overview\n\nStart here.", r.Summarize("/out/t1", "engine said hi"))
}

func TestSummarizeFallbacks(t *testing.T) {
	r, _ := newRecorder(t, map[string]string{
		"/out/a/zeta.md":  "zeta body",
		"/out/a/alpha.md": "alpha body",
		"/out/b/data.csv": "1,2,3",
	})
	assert.Equal(t, "alpha body", r.Summarize("/out/a", "ignored"))
	assert.Equal(t, "engine output", r.Summarize("/out/b", "engine output"))
	assert.Equal(t, "", r.Summarize("/out/missing", "  "))
}

func TestFirstSection(t *testing.T) {
	doc := "\n\n# Title\n```go\nfmt.Println(1)\n```\nIntro line.\n\n## Second\nnot included"
	assert.Equal(t, "# Title\nIntro line.", FirstSection(doc, 500))

	long := strings.Repeat("word ", 200)
	got := FirstSection(long, 500)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), 503)
	assert.False(t, strings.HasSuffix(strings.TrimSuffix(got, "..."), " "))
	assert.True(t, strings.HasPrefix(got, "word word"))
}

func TestMainArtifactAndFiles(t *testing.T) {
	r, _ := newRecorder(t, map[string]string{
		"/out/x/summary.md":  "s",
		"/out/x/output.pdf":  "%PDF",
		"/out/x/.hidden":     "h",
		"/out/y/chart.png":   "png",
		"/out/y/b.pdf":       "b",
		"/out/y/a.md":        "a",
		"/out/z/sub/deep.md": "d",
	})
	assert.Equal(t, "/out/x/output.pdf", r.MainArtifact("/out/x"))
	assert.Equal(t, "/out/y/b.pdf", r.MainArtifact("/out/y"))
	assert.Equal(t, "", r.MainArtifact("/out/none"))

	assert.Equal(t, []string{"/out/x/output.pdf", "/out/x/summary.md"}, r.Files("/out/x"))
	assert.True(t, r.HasArtifacts("/out/z"))
	assert.False(t, r.HasArtifacts("/out/none"))
}

func TestHasArtifactsIgnoresEmptyDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out/empty/a/b", 0o755))
	r := New(nil, fs, logging.Discard())
	assert.False(t, r.HasArtifacts("/out/empty"))

	require.NoError(t, afero.WriteFile(fs, "/out/empty/a/b/notes.txt", []byte("n"), 0o644))
	assert.True(t, r.HasArtifacts("/out/empty"))
}
