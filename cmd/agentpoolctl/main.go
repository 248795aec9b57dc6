package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundryhq/agentpool/config"
	"github.com/foundryhq/agentpool/log"
	"github.com/foundryhq/agentpool/pool"
)

var (
	version = "1.0.0"

	childFlag    string
	childArgs    []string
	deadlineFlag time.Duration
	verboseFlag  bool

	rootCmd = &cobra.Command{
		Use:   "agentpoolctl",
		Short: "agentpoolctl - run agent tasks on a local worker pool",
		Long: `agentpoolctl drives the agentpool supervisor from the command line:
it starts a pool of child processes, submits a batch of tasks, streams
status transitions, and prints a summary once every task is terminal.`,
	}

	runCmd = &cobra.Command{
		Use:   "run <tasks.json>",
		Short: "Run a batch of tasks to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(verboseFlag)
			defer log.Close()
			return runBatch(cmd.Context(), args[0])
		},
	}

	validateCmd = &cobra.Command{
		Use:   "validate <tasks.json>",
		Short: "Parse a task file and report what would be submitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := loadTaskFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d tasks ok\n", args[0], len(specs))
			return nil
		},
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run as a pool child process, speaking the IPC protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerChild()
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentpoolctl version %s\n", version)
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&childFlag, "child", "", "worker child command (default: this binary's worker subcommand)")
	runCmd.Flags().StringArrayVar(&childArgs, "child-arg", nil, "argument passed to the worker child command (repeatable)")
	runCmd.Flags().DurationVar(&deadlineFlag, "deadline", 30*time.Minute, "abandon the batch after this long")
	runCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, validateCmd, workerCmd, configCmd, versionCmd)
}

// taskSpec is the on-disk shape of one task in a batch file. Priority is a
// name ("high", "medium", "low", "background") rather than the queue's
// internal ordinal.
type taskSpec struct {
	Type         string            `json:"type"`
	Priority     string            `json:"priority,omitempty"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	TimeoutMs    int               `json:"timeoutMs,omitempty"`
	MaxRetries   int               `json:"maxRetries,omitempty"`
	WorkstreamID string            `json:"workstreamId,omitempty"`
}

func parsePriority(name string) (pool.Priority, error) {
	switch name {
	case "high":
		return pool.High, nil
	case "medium", "":
		return pool.Medium, nil
	case "low":
		return pool.Low, nil
	case "background":
		return pool.Background, nil
	default:
		return pool.Medium, fmt.Errorf("unknown priority %q", name)
	}
}

func (s taskSpec) toTask() (pool.Task, error) {
	priority, err := parsePriority(s.Priority)
	if err != nil {
		return pool.Task{}, err
	}
	if s.Command == "" {
		return pool.Task{}, fmt.Errorf("task has no command")
	}
	return pool.Task{
		Type:         pool.TaskType(s.Type),
		Priority:     priority,
		Command:      s.Command,
		Args:         s.Args,
		Env:          s.Env,
		Cwd:          s.Cwd,
		TimeoutMs:    s.TimeoutMs,
		MaxRetries:   s.MaxRetries,
		WorkstreamID: s.WorkstreamID,
	}, nil
}

func loadTaskFile(path string) ([]pool.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var specs []taskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	tasks := make([]pool.Task, 0, len(specs))
	for i, s := range specs {
		task, err := s.toTask()
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func childCommand() (string, []string, error) {
	if childFlag != "" {
		return childFlag, childArgs, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("failed to locate own binary for worker child: %w", err)
	}
	return self, []string{"worker"}, nil
}

func runBatch(ctx context.Context, path string) error {
	tasks, err := loadTaskFile(path)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("nothing to do")
		return nil
	}

	fileCfg, err := config.Load()
	if err != nil {
		return err
	}
	child, args, err := childCommand()
	if err != nil {
		return err
	}
	cfg := pool.FromFileConfig(fileCfg, child, args)

	p := pool.New(cfg)

	terminal := make(chan string, len(tasks))
	unsub := p.Subscribe(pool.EventAny, func(e pool.Event) {
		switch payload := e.Payload.(type) {
		case pool.TaskAssignedEvent:
			fmt.Printf("  %s -> %s\n", payload.TaskID, payload.WorkerID)
		case pool.TaskCompletedEvent:
			fmt.Printf("  %s completed in %dms\n", payload.TaskID, payload.Result.Duration)
			terminal <- payload.TaskID
		case pool.TaskFailedEvent:
			fmt.Printf("  %s failed: %s\n", payload.TaskID, payload.Error)
			terminal <- payload.TaskID
		case pool.TaskCancelledEvent:
			fmt.Printf("  %s cancelled: %s\n", payload.TaskID, payload.Reason)
			terminal <- payload.TaskID
		case pool.PoolScaledEvent:
			fmt.Printf("  pool scaled %s: %d -> %d\n", payload.Direction, payload.From, payload.To)
		}
	})
	defer unsub()

	if err := p.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if err := p.Shutdown(); err != nil {
			log.ErrorLog.Printf("shutdown: %v", err)
		}
	}()

	for _, task := range tasks {
		id, err := p.SubmitTask(task)
		if err != nil {
			return fmt.Errorf("failed to submit task: %w", err)
		}
		fmt.Printf("queued %s (%s %s)\n", id, task.Type, task.Command)
	}

	deadline := time.NewTimer(deadlineFlag)
	defer deadline.Stop()
	remaining := len(tasks)
	for remaining > 0 {
		select {
		case <-terminal:
			remaining--
		case <-deadline.C:
			fmt.Printf("deadline reached with %d tasks outstanding\n", remaining)
			remaining = 0
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metrics := p.GetMetrics()
	fmt.Printf("\ncompleted=%d failed=%d avg=%s workers=%d\n",
		metrics.TotalTasksCompleted, metrics.TotalTasksFailed,
		metrics.AverageTaskDuration, metrics.WorkerCount)
	if metrics.TotalTasksFailed > 0 {
		return fmt.Errorf("%d tasks failed", metrics.TotalTasksFailed)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
