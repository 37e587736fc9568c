package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/example/foundry/internal/audit"
	"github.com/example/foundry/internal/breaker"
	"github.com/example/foundry/internal/cmdexec"
	"github.com/example/foundry/internal/config"
	"github.com/example/foundry/internal/control"
	"github.com/example/foundry/internal/eventbus"
	"github.com/example/foundry/internal/promptlog"
	"github.com/example/foundry/internal/provider"
	"github.com/example/foundry/internal/retry"
	"github.com/example/foundry/internal/store"
	"github.com/example/foundry/internal/types"
	"github.com/example/foundry/internal/validation"
)

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			log.Logger = zerolog.New(f).With().Timestamp().Logger()
			return
		}
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func newStore(cfg *config.Config) store.Store {
	return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.StateDB, cfg.BreakerDB, cfg.QueueDB)
}

func newInitStateCmd() *cobra.Command {
	var goal, project string
	cmd := &cobra.Command{
		Use:   "init-state",
		Short: "Initialize a fresh supervisor:state document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg)
			st := newStore(cfg)
			defer st.Close()

			state := types.SupervisorState{
				Goal:          types.Goal{Description: goal, ProjectID: project},
				Status:        types.StatusRunning,
				Iteration:     0,
				ExecutionMode: types.ExecutionAuto,
				UpdatedAt:     time.Now(),
			}
			data, err := json.Marshal(state)
			if err != nil {
				return err
			}
			return st.SetState(cmd.Context(), data)
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "human-defined goal for this supervisor")
	cmd.Flags().StringVar(&project, "project", "default", "project ID, used as the sandbox subdirectory")
	return cmd
}

func newSetGoalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-goal [goal text]",
		Short: "Update the supervisor's goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg)
			st := newStore(cfg)
			defer st.Close()

			data, err := st.GetState(cmd.Context())
			if err != nil {
				return err
			}
			var state types.SupervisorState
			if err := json.Unmarshal(data, &state); err != nil {
				return err
			}
			state.Goal.Description = args[0]
			state.UpdatedAt = time.Now()
			out, err := json.Marshal(state)
			if err != nil {
				return err
			}
			return st.SetState(cmd.Context(), out)
		},
	}
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var featureID, projectID, tool string
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "enqueue [prompt]",
		Short: "Enqueue a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg)
			st := newStore(cfg)
			defer st.Close()

			task := types.Task{
				ID:        uuid.New().String(),
				FeatureID: featureID,
				ProjectID: projectID,
				Prompt:    args[0],
				Tool:      tool,
				Status:    types.TaskPending,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if maxRetries > 0 {
				task.RetryPolicy = &types.RetryPolicy{MaxRetries: maxRetries}
			}
			data, err := json.Marshal(task)
			if err != nil {
				return err
			}
			if err := st.Enqueue(cmd.Context(), data); err != nil {
				return err
			}
			fmt.Println(task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&featureID, "feature", "", "feature ID this task belongs to")
	cmd.Flags().StringVar(&projectID, "project", "default", "project ID, used as the sandbox subdirectory")
	cmd.Flags().StringVar(&tool, "tool", "", "preferred provider for this task")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "per-task retry limit, overriding the configured default")
	return cmd
}

func newHaltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Halt the control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setStatus(cmd.Context(), types.StatusHalted)
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a halted or blocked control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setStatus(cmd.Context(), types.StatusRunning)
		},
	}
}

func setStatus(ctx context.Context, status types.SupervisorStatus) error {
	cfg := config.Load()
	setupLogging(cfg)
	st := newStore(cfg)
	defer st.Close()

	data, err := st.GetState(ctx)
	if err != nil {
		return err
	}
	var state types.SupervisorState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	state.Status = status
	state.UpdatedAt = time.Now()
	out, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return st.SetState(ctx, out)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current supervisor state and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg)
			st := newStore(cfg)
			defer st.Close()

			data, err := st.GetState(cmd.Context())
			if err != nil {
				return err
			}
			var state types.SupervisorState
			if err := json.Unmarshal(data, &state); err != nil {
				return err
			}
			depth, err := st.QueueLen(cmd.Context())
			if err != nil {
				return err
			}
			currentTaskID := ""
			if state.CurrentTask != nil {
				currentTaskID = state.CurrentTask.ID
			}
			fmt.Printf("status: %s\niteration: %d\ncurrent_task: %s\nqueue_depth: %d\ngoal: %s (completed=%t)\ncompleted_tasks: %d\nblocked_tasks: %d\n",
				state.Status, state.Iteration, currentTaskID, depth,
				state.Goal.Description, state.Goal.Completed, len(state.CompletedTasks), len(state.BlockedTasks))
			if state.HaltReason != "" {
				fmt.Printf("halt_reason: %s\n", state.HaltReason)
			}
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the control loop until halted or canceled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg)
			st := newStore(cfg)
			defer st.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			br := breaker.New(st, cfg.BreakerOpenTTL)

			sandboxFor := func(projectID string) string {
				return filepath.Join(cfg.SandboxRoot, projectID)
			}

			var adapters []provider.Adapter
			for _, name := range cfg.ProviderPriority {
				adapters = append(adapters, provider.Adapter{
					Name:    name,
					Binary:  cfg.ProviderBinary[name],
					WorkDir: sandboxFor,
				})
			}
			dispatcher := &provider.Dispatcher{
				Providers: adapters,
				Breaker:   br,
				Deadline:  cfg.ProviderTimeout,
			}

			exec := cmdexec.Executor{
				Allowed:   []string{"go build", "go vet", "go test", "npm test", "npm run build"},
				Timeout:   cfg.CommandTimeout,
				OutputCap: int64(cfg.CommandOutputCapMB) * 1024 * 1024,
			}
			helperExec := cmdexec.Executor{
				Allowed:   cmdexec.HelperReadOnlyAllowList,
				Timeout:   cfg.CommandTimeout,
				OutputCap: int64(cfg.CommandOutputCapMB) * 1024 * 1024,
			}

			projectIDOf := func(t types.Task) string { return t.ProjectID }
			bus := eventbus.New()
			pipeline := validation.New(
				validation.Standard{SandboxRoot: sandboxFor},
				validation.Deterministic{
					SandboxRoot:     sandboxFor,
					Exec:            exec,
					Enabled:         cfg.HelperDeterministicEnabled,
					Percent:         cfg.HelperDeterministicPercent,
					MaxFiles:        cfg.HelperDeterministicMaxFiles,
					MaxBytesPerFile: cfg.HelperDeterministicMaxBytesPerFile,
					TotalByteBudget: cfg.HelperDeterministicMaxBytes,
				},
				validation.ASTPredicate{SandboxRoot: sandboxFor},
				validation.HelperAgent{Invoke: dispatcher, ProjectID: projectIDOf, SandboxRoot: sandboxFor, VerifyExec: helperExec, Mode: cfg.HelperAgentMode, Bus: bus},
				validation.Interrogation{Invoke: dispatcher, ProjectID: projectIDOf},
			)

			// The final evidentiary sweep judges the evidence validation
			// accumulated across the task's attempts, not the task text.
			finalCheck := func(ctx context.Context, task types.Task, report types.ValidationReport) (bool, error) {
				interrogation := validation.Interrogation{Invoke: dispatcher, ProjectID: projectIDOf}
				valid, _, _, err := interrogation.Evaluate(ctx, task, types.ProviderResult{Stdout: validation.EvidenceSummary(report)})
				return valid, err
			}
			orchestrator := retry.New(cfg.MaxRetries, cfg.RepeatedErrorThreshold, finalCheck)

			auditLogger, err := audit.Open(cfg.SandboxRoot)
			if err != nil {
				return err
			}
			defer auditLogger.Close()
			go auditLogger.Run(bus.Tap())

			promptLogger, err := promptlog.Open(cfg.SandboxRoot)
			if err != nil {
				return err
			}
			defer promptLogger.Close()
			go promptLogger.Run(bus.Tap())

			if cfg.MetricsAddr != "" {
				registry := prometheus.NewRegistry()
				registry.MustRegister(br.Collector())
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Warn().Err(err).Msg("metrics server stopped")
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			loop := &control.Loop{
				Store:                 st,
				Dispatcher:            dispatcher,
				Pipeline:              pipeline,
				Retry:                 orchestrator,
				Bus:                   bus,
				SessionErrorThreshold: cfg.SessionErrorThreshold,
				SandboxRoot:           sandboxFor,
			}
			runErr := loop.Run(ctx)
			bus.Close()
			return runErr
		},
	}
}
