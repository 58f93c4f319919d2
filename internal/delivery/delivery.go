// Package delivery hands finished results to external destinations. It is
// strictly best effort: a failed channel is recorded, never retried, and
// never blocks the task from completing.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"deepagent/internal/model"
)

// Channel names as they appear in delivery results.
const (
	GoogleDrive = "google_drive"
	OneDrive    = "onedrive"
	Email       = "email"
)

const (
	DefaultFolder = "DeepAgent/Results"
	// files above this size are not attached to emails
	MaxAttachmentSize = 10 << 20
)

// Request describes one finished task to deliver.
type Request struct {
	TaskID          string
	CorrelationID   string
	Title           string
	Summary         string
	OutputsLocation string
	Preferences     map[string]any
}

// Gateway delivers a result over every channel the preferences ask for and
// reports one outcome per channel. It must not fail as a whole.
type Gateway interface {
	Deliver(ctx context.Context, req Request) map[string]model.DeliveryOutcome
}

// Job is what a single channel receives.
type Job struct {
	TaskID  string
	File    string
	Dir     string
	Folder  string
	To      string
	Subject string
	Body    string
}

type Channel interface {
	Send(ctx context.Context, job Job) model.DeliveryOutcome
}

// ArtifactFinder picks the file that best represents a result.
type ArtifactFinder interface {
	MainArtifact(dir string) string
}

// Router is the Gateway used in production. Storage channels run first so
// that the email can carry their links.
type Router struct {
	channels  map[string]Channel
	artifacts ArtifactFinder
	fs        afero.Fs
	log       *slog.Logger
}

func NewRouter(artifacts ArtifactFinder, fs afero.Fs, logger *slog.Logger) *Router {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		channels:  map[string]Channel{},
		artifacts: artifacts,
		fs:        fs,
		log:       logger.With("component", "delivery"),
	}
}

// Register installs ch under name, replacing any previous handler.
func (r *Router) Register(name string, ch Channel) {
	r.channels[name] = ch
}

// Channels lists the registered channel names.
func (r *Router) Channels() []string {
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Deliver(ctx context.Context, req Request) map[string]model.DeliveryOutcome {
	results := map[string]model.DeliveryOutcome{}
	prefs := req.Preferences
	if len(prefs) == 0 {
		return results
	}
	log := r.log.With("task_id", req.TaskID, "correlation_id", req.CorrelationID)

	folder := stringPref(prefs, "folder")
	if folder == "" {
		folder = DefaultFolder
	}
	var artifact string
	if r.artifacts != nil && req.OutputsLocation != "" {
		artifact = r.artifacts.MainArtifact(req.OutputsLocation)
	}

	storage, unknown := storageChannels(stringPref(prefs, "storage"))
	if unknown != "" {
		results[unknown] = model.DeliveryOutcome{Status: model.DeliverySkipped, Detail: "unknown storage target"}
	}
	links := map[string]string{}
	for _, name := range storage {
		job := Job{
			TaskID: req.TaskID,
			File:   artifact,
			Dir:    req.OutputsLocation,
			Folder: path.Join(folder, req.TaskID),
		}
		out := r.send(ctx, name, job, artifact == "")
		if out.OK() && out.URL != "" {
			links[name] = out.URL
		}
		results[name] = out
		log.Info("delivery attempted", "channel", name, "status", out.Status)
	}

	if to := stringPref(prefs, "email"); to != "" {
		job := Job{
			TaskID:  req.TaskID,
			Dir:     req.OutputsLocation,
			To:      to,
			Subject: "Task Complete: " + req.Title,
			Body:    emailBody(req, links),
		}
		if artifact != "" && r.attachable(artifact) {
			job.File = artifact
		}
		out := r.send(ctx, Email, job, false)
		results[Email] = out
		log.Info("delivery attempted", "channel", Email, "status", out.Status)
	}
	return results
}

func (r *Router) send(ctx context.Context, name string, job Job, noArtifact bool) model.DeliveryOutcome {
	ch, ok := r.channels[name]
	if !ok {
		return model.DeliveryOutcome{Status: model.DeliverySkipped, Detail: "no handler configured"}
	}
	if noArtifact {
		return model.DeliveryOutcome{Status: model.DeliveryFailed, Detail: "no files to upload"}
	}
	if err := ctx.Err(); err != nil {
		return model.DeliveryOutcome{Status: model.DeliveryFailed, Detail: err.Error()}
	}
	return ch.Send(ctx, job)
}

func (r *Router) attachable(file string) bool {
	info, err := r.fs.Stat(file)
	return err == nil && info.Size() < MaxAttachmentSize
}

// storageChannels expands the storage preference. An unrecognised value is
// returned separately so it can be reported.
func storageChannels(storage string) (names []string, unknown string) {
	switch storage {
	case "":
		return nil, ""
	case GoogleDrive, OneDrive:
		return []string{storage}, ""
	case "both":
		return []string{GoogleDrive, OneDrive}, ""
	}
	return nil, storage
}

func emailBody(req Request, links map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your task '%s' has been completed.\n\n", req.Title)
	if req.Summary != "" {
		fmt.Fprintf(&b, "## Summary\n%s\n\n", req.Summary)
	}
	if len(links) > 0 {
		b.WriteString("## Results\n")
		for _, name := range []string{GoogleDrive, OneDrive} {
			if url, ok := links[name]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", displayName(name), url)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("---\nGenerated by DeepAgent")
	return b.String()
}

func displayName(channel string) string {
	switch channel {
	case GoogleDrive:
		return "Google Drive"
	case OneDrive:
		return "OneDrive"
	}
	return channel
}

func stringPref(prefs map[string]any, key string) string {
	v, _ := prefs[key].(string)
	return strings.TrimSpace(v)
}
