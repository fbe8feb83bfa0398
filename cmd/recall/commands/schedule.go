package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/recall/pkg/recall/scheduler"
	"github.com/jholhewres/recall/pkg/recall/storage"
)

// newScheduleCmd creates the `recall schedule` command group.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled tasks",
		Long: `Manage the assistant's scheduled tasks. Schedules accept cron
expressions, @every intervals or natural language.

Examples:
  recall schedule list
  recall schedule add "daily at 9:00" "send me a morning briefing" --chat-id 15551234567
  recall schedule add "0 */2 * * *" "check the build status"
  recall schedule add "in 20 minutes" "remind me to take the bread out"
  recall schedule remove <id>`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleAddCmd(),
		newScheduleRemoveCmd(),
	)
	return cmd
}

// openJobStorage opens the shared database's job table.
func openJobStorage(cmd *cobra.Command) (*scheduler.SQLiteJobStorage, func(), error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return scheduler.NewSQLiteJobStorage(db), func() { db.Close() }, nil
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := openJobStorage(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			jobs, err := store.LoadAll()
			if err != nil {
				return fmt.Errorf("loading jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("No scheduled tasks.")
				return nil
			}
			for _, job := range jobs {
				state := "enabled"
				if !job.Enabled {
					state = "disabled"
				}
				lastRun := "never"
				if job.LastRunAt != nil {
					lastRun = job.LastRunAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Printf("%s  [%s, %s]  %q  runs=%d  last=%s\n",
					job.ID, job.Schedule, state, job.Task, job.RunCount, lastRun)
				if job.LastError != "" {
					fmt.Printf("    last error: %s\n", job.LastError)
				}
			}
			return nil
		},
	}
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <schedule> <task>",
		Short: "Add a scheduled task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openJobStorage(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			schedule := args[0]
			task := strings.Join(args[1:], " ")
			jobType, _ := cmd.Flags().GetString("type")

			// Natural language beats guessing the type by hand.
			if parsed, ok := scheduler.ParseNaturalLanguage(schedule); ok {
				schedule = parsed.Schedule
				jobType = parsed.Type
			}
			if jobType == "" {
				jobType = "cron"
			}

			channel, _ := cmd.Flags().GetString("channel")
			chatID, _ := cmd.Flags().GetString("chat-id")

			job := &scheduler.Job{
				ID:        uuid.NewString()[:8],
				Schedule:  schedule,
				Type:      jobType,
				Task:      task,
				Channel:   channel,
				ChatID:    chatID,
				Enabled:   true,
				CreatedAt: time.Now(),
			}
			if err := store.Save(job); err != nil {
				return fmt.Errorf("saving job: %w", err)
			}
			fmt.Printf("Scheduled %s: %q (%s)\n", job.ID, task, schedule)
			fmt.Println("The daemon picks up new jobs on its next start.")
			return nil
		},
	}

	cmd.Flags().String("channel", "", "channel to deliver results on (whatsapp, telegram)")
	cmd.Flags().String("chat-id", "", "chat or user id to deliver results to")
	cmd.Flags().String("type", "", "job type (cron, every, at); inferred when omitted")
	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openJobStorage(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := store.Delete(args[0]); err != nil {
				return fmt.Errorf("removing job: %w", err)
			}
			fmt.Printf("Removed %s.\n", args[0])
			return nil
		},
	}
}
