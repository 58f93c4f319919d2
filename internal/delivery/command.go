package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"deepagent/internal/model"
)

const DefaultCommandTimeout = 5 * time.Minute

var urlPattern = regexp.MustCompile(`https?://\S+`)

// CommandChannel delivers by running an external tool, for example an
// upload or mail CLI. Args may contain the placeholders {file}, {dir},
// {task_id}, {folder}, {to}, {subject} and {body}.
type CommandChannel struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func NewCommandChannel(command string, args []string, timeout time.Duration) *CommandChannel {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandChannel{Command: command, Args: args, Timeout: timeout}
}

func (c *CommandChannel) Send(ctx context.Context, job Job) model.DeliveryOutcome {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Command, c.expand(job)...)
	cmd.Dir = job.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			detail = fmt.Sprintf("timed out after %s", c.Timeout)
		case errors.Is(err, exec.ErrNotFound):
			detail = fmt.Sprintf("%s not found", c.Command)
		case detail == "":
			detail = err.Error()
		}
		return model.DeliveryOutcome{Status: model.DeliveryFailed, Detail: detail}
	}
	return model.DeliveryOutcome{
		Status: model.DeliverySuccess,
		URL:    urlPattern.FindString(stdout.String()),
	}
}

func (c *CommandChannel) expand(job Job) []string {
	r := strings.NewReplacer(
		"{file}", job.File,
		"{dir}", job.Dir,
		"{task_id}", job.TaskID,
		"{folder}", job.Folder,
		"{to}", job.To,
		"{subject}", job.Subject,
		"{body}", job.Body,
	)
	out := make([]string, len(c.Args))
	for i, a := range c.Args {
		out[i] = r.Replace(a)
	}
	return out
}
