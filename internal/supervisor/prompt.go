package supervisor

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const defaultDeliveryFolder = "DeepAgent/Results"

// template returns the override file for the type when one exists,
// otherwise the built-in template.
func (s *Supervisor) template(snap Snapshot, prof Profile) (string, error) {
	if s.promptsDir != "" {
		b, err := afero.ReadFile(s.fs, filepath.Join(s.promptsDir, string(snap.Type)+".md"))
		if err == nil && len(strings.TrimSpace(string(b))) > 0 {
			return string(b), nil
		}
	}
	if strings.TrimSpace(prof.Template) == "" {
		return "", fmt.Errorf("%w: no prompt template for task type %q", ErrContract, snap.Type)
	}
	return prof.Template, nil
}

// BuildPrompt merges the task into its type's template.
func (s *Supervisor) BuildPrompt(snap Snapshot) (string, error) {
	prof, ok := s.profiles[snap.Type]
	if !ok {
		return "", fmt.Errorf("%w: unknown task type %q", ErrContract, snap.Type)
	}
	base, err := s.template(snap, prof)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n## Task Details\n")
	fmt.Fprintf(&b, "- **Title**: %s\n", snap.Title)
	fmt.Fprintf(&b, "- **Description**: %s\n", snap.Description)
	fmt.Fprintf(&b, "- **Output Directory**: %s\n", s.OutputDir(snap.ID))

	if len(snap.Config) > 0 {
		cfg, err := json.MarshalIndent(snap.Config, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode task config: %w", err)
		}
		b.WriteString("\n## Configuration\n```json\n")
		b.Write(cfg)
		b.WriteString("\n```\n")
	}

	if attachments := stringList(snap.Config["attachments"]); len(attachments) > 0 {
		b.WriteString("\n## Attachments\n")
		for _, ref := range attachments {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
	}

	if prefs := snap.DeliveryPreferences; len(prefs) > 0 {
		var lines []string
		if to, _ := prefs["email"].(string); to != "" {
			lines = append(lines, fmt.Sprintf("- Send notification to: %s", to))
		}
		if storage, _ := prefs["storage"].(string); storage != "" {
			folder, _ := prefs["folder"].(string)
			if folder == "" {
				folder = defaultDeliveryFolder
			}
			lines = append(lines, fmt.Sprintf("- Upload to %s: %s", storage, folder))
		}
		if len(lines) > 0 {
			b.WriteString("\n## Delivery Instructions\n")
			b.WriteString(strings.Join(lines, "\n"))
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func stringList(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
