package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/flagrace/internal/store"
	"github.com/me/flagrace/internal/taskdir"
	"github.com/me/flagrace/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current state of every task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(cfg.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate store: %w", err)
			}

			dirs := taskdir.NewManager(cfg.TasksDir, logger)
			return printStatus(cmd.Context(), st, dirs)
		},
	}
}

func printStatus(ctx context.Context, st store.Store, dirs *taskdir.Manager) error {
	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks. Run `flagrace solve` first.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tROUND\tUPDATED\tDETAIL")
	for _, t := range tasks {
		detail := ""
		switch t.State {
		case model.TaskStateSolved:
			detail = dirs.SolvedFlag(t.ID)
		case model.TaskStateAbandoned:
			detail = dirs.AbandonReason(t.ID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Name, t.State, t.Round, humanize.Time(t.UpdatedAt), detail)
	}
	return w.Flush()
}
