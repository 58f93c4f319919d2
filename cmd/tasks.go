package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"deepagent/internal/model"
	"deepagent/internal/trace"
)

var submitOpts struct {
	typ         string
	title       string
	description string
	config      string
	storage     string
	folder      string
	email       string
	maxAttempts int
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the queue",
	Example: `  deepagent submit --type research --title "EV chargers" \
    --description "Compare the top five EU charger vendors" --email me@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _, err := bootstrap()
		if err != nil {
			return err
		}
		draft := model.TaskDraft{
			Type:        model.TaskType(submitOpts.typ),
			Title:       submitOpts.title,
			Description: submitOpts.description,
			MaxAttempts: submitOpts.maxAttempts,
		}
		if submitOpts.config != "" {
			if err := json.Unmarshal([]byte(submitOpts.config), &draft.Config); err != nil {
				return fmt.Errorf("--config-json must be a JSON object: %w", err)
			}
		}
		prefs := map[string]any{}
		for key, v := range map[string]string{"storage": submitOpts.storage, "folder": submitOpts.folder, "email": submitOpts.email} {
			if v != "" {
				prefs[key] = v
			}
		}
		if len(prefs) > 0 {
			draft.DeliveryPreferences = prefs
		}

		ctx, _ := trace.Ensure(cmd.Context())
		task, err := sc.Tasks.Submit(ctx, draft)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), task)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task and its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _, err := bootstrap()
		if err != nil {
			return err
		}
		task, err := sc.Tasks.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		res, err := sc.Tasks.GetResult(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"task": task, "result": res})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Print the audit trail of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _, err := bootstrap()
		if err != nil {
			return err
		}
		entries, err := sc.Tasks.GetLogs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(out, "%s %-7s %-18s %s [%s]\n",
				e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), e.Level, e.Event, e.Message, e.CorrelationID)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task, or ask its worker to stop it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _, err := bootstrap()
		if err != nil {
			return err
		}
		task, err := sc.Tasks.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if task.Status == model.StatusRunning {
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", task.ID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "task %s %s\n", task.ID, task.Status)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _, err := bootstrap()
		if err != nil {
			return err
		}
		stats, err := sc.Tasks.QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		// bootstrap migrates as part of opening the database
		if _, _, err := bootstrap(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	f := submitCmd.Flags()
	f.StringVarP(&submitOpts.typ, "type", "t", "", "task type: research, analysis or document")
	f.StringVar(&submitOpts.title, "title", "", "short title")
	f.StringVarP(&submitOpts.description, "description", "d", "", "what the agent should do")
	f.StringVar(&submitOpts.config, "config-json", "", "task configuration as a JSON object")
	f.StringVar(&submitOpts.storage, "storage", "", "upload results to google_drive, onedrive or both")
	f.StringVar(&submitOpts.folder, "folder", "", "remote folder for uploads")
	f.StringVar(&submitOpts.email, "email", "", "address to notify on completion")
	f.IntVar(&submitOpts.maxAttempts, "max-attempts", 0, "attempts before the task is given up (default from config)")
	_ = submitCmd.MarkFlagRequired("type")
	_ = submitCmd.MarkFlagRequired("title")
	_ = submitCmd.MarkFlagRequired("description")

	rootCmd.AddCommand(submitCmd, statusCmd, logsCmd, cancelCmd, statsCmd, migrateCmd)
}
