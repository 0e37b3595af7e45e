package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/flagrace/internal/archive"
	"github.com/me/flagrace/internal/config"
	"github.com/me/flagrace/internal/ctfd"
	"github.com/me/flagrace/internal/logging"
	"github.com/me/flagrace/internal/rotation"
	"github.com/me/flagrace/internal/sandbox"
	"github.com/me/flagrace/internal/server"
	"github.com/me/flagrace/internal/store"
	"github.com/me/flagrace/internal/supervisor"
	"github.com/me/flagrace/internal/taskdir"
	"github.com/me/flagrace/pkg/model"
)

func newSolveCmd() *cobra.Command {
	var (
		flagCategory     string
		flagChallenges   []int
		flagSkip         []int
		flagSubmitScript string
	)

	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Ingest challenges and run the rotation loop until done",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSolve(ctx, cfg, ingestFilter{
				category: flagCategory,
				ids:      idSet(flagChallenges),
				skip:     idSet(flagSkip),
			}, flagSubmitScript)
		},
	}

	cmd.Flags().StringVar(&flagCategory, "category", "", "Only ingest challenges in this category")
	cmd.Flags().IntSliceVar(&flagChallenges, "challenge", nil, "Only ingest these challenge IDs (repeatable)")
	cmd.Flags().IntSliceVar(&flagSkip, "skip", nil, "Challenge IDs to leave out (repeatable)")
	cmd.Flags().StringVar(&flagSubmitScript, "submit-script", "", "Host path of the submission helper staged into each workspace")
	return cmd
}

func idSet(ids []int) map[int]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func runSolve(ctx context.Context, cfg *config.Config, filter ingestFilter, submitScript string) error {
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	dirs := taskdir.NewManager(cfg.TasksDir, logger)
	client := ctfd.NewClient(ctfd.ClientConfig{BaseURL: cfg.CTFd.URL, Token: cfg.CTFd.Token}, logger)

	tasks, err := ingestTasks(ctx, client, dirs, st, filter, logger)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		logger.Info("nothing to solve")
		return nil
	}

	runtime := sandbox.NewDockerRuntime(logger)
	if err := runtime.Ping(ctx); err != nil {
		return fmt.Errorf("docker unavailable: %w", err)
	}

	sink := logging.NewStreamSink(logger)
	defer sink.Close()

	sup := supervisor.New(runtime, sink, nil, cfg.Supervisor(), logger)
	runner := rotation.NewRaceRunner(agents(cfg), resources(cfg), sup, dirs, submitScript, logger)
	sched := rotation.New(cfg.Rotation(), runner, dirs, st, logger)

	if cfg.Server.Enabled {
		startStatusServer(ctx, cfg.Server.Addr, st, dirs)
	}

	if err := sched.Run(ctx, tasks); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("rotation: %w", err)
	}

	report(ctx, st, dirs, tasks)

	if cfg.Archive.Enabled {
		archiveSolved(ctx, cfg, dirs, tasks)
	}
	return nil
}

// agents maps the enabled agent configs, instance-expanded, onto the runner's
// own types.
func agents(cfg *config.Config) []rotation.Agent {
	enabled := cfg.EnabledAgents()
	out := make([]rotation.Agent, 0, len(enabled))
	for _, a := range enabled {
		out = append(out, rotation.Agent{
			Name:    a.Name,
			Type:    a.Type,
			Image:   a.Image,
			Command: a.Command,
			Env:     a.Env,
		})
	}
	return out
}

func resources(cfg *config.Config) rotation.Resources {
	return rotation.Resources{
		Network: cfg.Docker.Network,
		Memory:  cfg.Docker.Memory,
		CPUs:    cfg.Docker.CPUs,
	}
}

// startStatusServer serves the status API for the lifetime of ctx.
func startStatusServer(ctx context.Context, addr string, st store.Store, dirs *taskdir.Manager) {
	srv := &http.Server{Addr: addr, Handler: server.New(st, dirs, logger).Handler()}
	go func() {
		logger.Info("status API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status API stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// report prints the final per-task verdicts.
func report(ctx context.Context, st store.Store, dirs *taskdir.Manager, tasks []*model.Task) {
	var lines []string
	solved := 0
	for _, task := range tasks {
		current, err := st.GetTask(ctx, task.ID)
		if err != nil || current == nil {
			current = task
		}
		switch current.State {
		case model.TaskStateSolved:
			solved++
			lines = append(lines, fmt.Sprintf("  [%d] %s: SOLVED %s", current.ID, current.Name, dirs.SolvedFlag(current.ID)))
		case model.TaskStateAbandoned:
			lines = append(lines, fmt.Sprintf("  [%d] %s: ABANDONED (%s)", current.ID, current.Name, dirs.AbandonReason(current.ID)))
		default:
			lines = append(lines, fmt.Sprintf("  [%d] %s: %s", current.ID, current.Name, current.State))
		}
	}
	fmt.Printf("Solved %d/%d tasks\n%s\n", solved, len(tasks), strings.Join(lines, "\n"))
}

// archiveSolved ships solved task artifacts to S3. Failures are logged and
// swallowed; verdicts are already final at this point.
func archiveSolved(ctx context.Context, cfg *config.Config, dirs *taskdir.Manager, tasks []*model.Task) {
	uploader, err := archive.NewS3Uploader(ctx, cfg.Archive.Region)
	if err != nil {
		logger.Error("archive disabled", "error", err)
		return
	}
	arch := archive.New(uploader, cfg.Archive.Bucket, cfg.Archive.Prefix, dirs, logger)
	for _, task := range tasks {
		if dirs.State(task.ID) != model.TaskStateSolved {
			continue
		}
		if err := arch.ArchiveTask(ctx, task.ID); err != nil {
			logger.Error("failed to archive task", "task", task.ID, "error", err)
		}
	}
}
