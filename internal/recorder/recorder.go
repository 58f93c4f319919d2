// Package recorder writes the correlated audit trail of a task and derives
// its result summary from the files an execution left behind.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/spf13/afero"
	"gorm.io/datatypes"

	"deepagent/internal/model"
)

const MaxSummaryLength = 500

// summaryFiles are checked in order before falling back to any *.md file.
var summaryFiles = []string{"README.md", "summary.md", "report.md", "output.md", "result.md"}

// mainArtifacts are checked in order before falling back to any *.pdf,
// then any *.md file.
var mainArtifacts = []string{"report.pdf", "report.md", "output.pdf", "output.md", "README.md", "summary.md"}

type LogAppender interface {
	AppendLog(ctx context.Context, entry *model.TaskLogEntry) error
}

type Recorder struct {
	logs LogAppender
	fs   afero.Fs
	log  *slog.Logger
}

// New returns a Recorder. fs defaults to the OS filesystem.
func New(logs LogAppender, fs afero.Fs, logger *slog.Logger) *Recorder {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logs: logs, fs: fs, log: logger.With("component", "recorder")}
}

// Log appends an entry to the task's trail and mirrors it to the process
// log. The mirror is written even when the append fails.
func (r *Recorder) Log(ctx context.Context, taskID, correlationID string, level model.LogLevel, event, message string, data map[string]any) error {
	entry := &model.TaskLogEntry{
		TaskID:        taskID,
		Level:         level,
		Event:         event,
		Message:       message,
		Data:          datatypes.JSONMap(data),
		CorrelationID: correlationID,
	}
	err := r.logs.AppendLog(ctx, entry)

	attrs := []any{"task_id", taskID, "correlation_id", correlationID, "event", event}
	for k, v := range data {
		attrs = append(attrs, k, v)
	}
	r.log.Log(ctx, slogLevel(level), message, attrs...)
	if err != nil {
		r.log.Error("append task log failed", "task_id", taskID, "event", event, "err", err)
	}
	return err
}

func slogLevel(l model.LogLevel) slog.Level {
	switch l {
	case model.LevelDebug:
		return slog.LevelDebug
	case model.LevelWarn:
		return slog.LevelWarn
	case model.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HasArtifacts reports whether dir holds at least one regular file,
// searching subdirectories too.
func (r *Recorder) HasArtifacts(dir string) bool {
	found := false
	_ = afero.Walk(r.fs, dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			found = true
			return errStop
		}
		return nil
	})
	return found
}

var errStop = errors.New("stop walk")

// Summarize returns a short synopsis of an execution: the first section
// of the preferred markdown file in dir, else of engineOutput.
func (r *Recorder) Summarize(dir, engineOutput string) string {
	for _, name := range summaryFiles {
		if body, ok := r.read(filepath.Join(dir, name)); ok {
			return FirstSection(body, MaxSummaryLength)
		}
	}
	if md := r.firstWithExt(dir, ".md"); md != "" {
		if body, ok := r.read(md); ok {
			return FirstSection(body, MaxSummaryLength)
		}
	}
	if strings.TrimSpace(engineOutput) != "" {
		return FirstSection(engineOutput, MaxSummaryLength)
	}
	return ""
}

// MainArtifact returns the file best suited as an attachment, or "".
func (r *Recorder) MainArtifact(dir string) string {
	for _, name := range mainArtifacts {
		p := filepath.Join(dir, name)
		if ok, _ := afero.Exists(r.fs, p); ok {
			return p
		}
	}
	for _, ext := range []string{".pdf", ".md"} {
		if p := r.firstWithExt(dir, ext); p != "" {
			return p
		}
	}
	return ""
}

// Files lists the visible regular files directly inside dir.
func (r *Recorder) Files(dir string) []string {
	infos, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, info := range infos {
		if info.Mode().IsRegular() && !strings.HasPrefix(info.Name(), ".") {
			out = append(out, filepath.Join(dir, info.Name()))
		}
	}
	sort.Strings(out)
	return out
}

func (r *Recorder) firstWithExt(dir, ext string) string {
	for _, p := range r.Files(dir) {
		if strings.EqualFold(filepath.Ext(p), ext) {
			return p
		}
	}
	return ""
}

func (r *Recorder) read(p string) (string, bool) {
	b, err := afero.ReadFile(r.fs, p)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// FirstSection extracts the opening section of a markdown document: code
// fences are skipped, leading blank lines dropped, and reading stops at
// the second heading or once limit bytes are collected. Longer text is
// cut at a word boundary and suffixed with "...".
func FirstSection(content string, limit int) string {
	var (
		kept    []string
		inFence bool
		size    int
	)
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if len(kept) == 0 && trimmed == "" {
			continue
		}
		if strings.HasPrefix(line, "#") && len(kept) > 0 {
			break
		}
		kept = append(kept, line)
		size += len(line)
		if size > limit {
			break
		}
	}

	summary := strings.TrimSpace(strings.Join(kept, "\n"))
	if len(summary) <= limit {
		return summary
	}
	cut := summary[:limit]
	for len(cut) > 0 && !utf8.RuneStart(summary[len(cut)]) {
		cut = cut[:len(cut)-1]
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
