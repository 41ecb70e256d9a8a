package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/budget"
	"github.com/DaveCBeck/thala-sub003/internal/checkpoint"
	"github.com/DaveCBeck/thala-sub003/internal/events"
	"github.com/DaveCBeck/thala-sub003/internal/model"
	"github.com/DaveCBeck/thala-sub003/internal/monitor"
	"github.com/DaveCBeck/thala-sub003/internal/queue"
	"github.com/DaveCBeck/thala-sub003/internal/runner"
	"github.com/DaveCBeck/thala-sub003/internal/schedule"
	"github.com/DaveCBeck/thala-sub003/internal/storage"
	"github.com/DaveCBeck/thala-sub003/internal/store"
	"github.com/DaveCBeck/thala-sub003/internal/workflow"
)

const pidFile = "queued.pid"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: queue <command> [flags]

Commands:
  add      enqueue a new task
  list     list queued tasks
  status   show queue and budget status
  config   set the concurrency configuration
  start    run the queue loop
  stop     signal a running queue loop to stop
  remove   remove a task from the queue
  history  list archived task executions
`)
	os.Exit(2)
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetDefault("app.data_dir", "./data")
	viper.SetDefault("app.output_dir", "./outputs")
	viper.SetDefault("budget.monthly_budget", 100.0)
	viper.SetDefault("budget.project_scope", "publication-pipeline")
	viper.SetDefault("runner.check_interval", 30*time.Second)
	viper.SetDefault("runner.stats_interval", 60*time.Second)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Fatal("Failed to read config file", zap.Error(err))
		}
	}

	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "add":
		runAdd(logger, os.Args[2:])
	case "list":
		runList(logger)
	case "status":
		runStatus(logger)
	case "config":
		runConfig(logger, os.Args[2:])
	case "start":
		runStart(logger, os.Args[2:])
	case "stop":
		runStop(logger)
	case "remove":
		runRemove(logger, os.Args[2:])
	case "history":
		runHistory(logger, os.Args[2:])
	default:
		usage()
	}
}

// app bundles the wired managers shared by the subcommands
type app struct {
	store       *store.Store
	tracker     *budget.Tracker
	registry    *workflow.Registry
	queue       *queue.Manager
	checkpoints *checkpoint.Manager
}

func buildApp(ctx context.Context, logger *zap.Logger) *app {
	dataDir := viper.GetString("app.data_dir")
	outputDir := viper.GetString("app.output_dir")

	st, err := store.New(dataDir, logger)
	if err != nil {
		logger.Fatal("Failed to open document store", zap.Error(err))
	}

	ledger := budget.NewHTTPLedger(viper.GetString("budget.ledger_url"), logger)
	tracker := budget.NewTracker(st, ledger,
		viper.GetString("budget.project_scope"),
		viper.GetFloat64("budget.monthly_budget"),
		logger)

	registry := workflow.NewRegistry()
	registry.Register("web_fetch", workflow.NewWebFetchWorkflow(outputDir, logger))
	registry.Register("shell_command", workflow.NewShellCommandWorkflow(outputDir, logger))

	q := queue.NewManager(st, tracker, registry, logger)

	if categories := viper.GetStringSlice("categories"); len(categories) > 0 {
		if err := q.SetCategories(ctx, categories); err != nil {
			logger.Fatal("Failed to apply configured categories", zap.Error(err))
		}
	}

	cp := checkpoint.NewManager(st, q, registry, logger)

	return &app{
		store:       st,
		tracker:     tracker,
		registry:    registry,
		queue:       q,
		checkpoints: cp,
	}
}

func runAdd(logger *zap.Logger, args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	taskType := fs.String("type", "", "task type (registered workflow)")
	category := fs.String("category", "", "task category")
	priority := fs.String("priority", "normal", "priority: low|normal|high|urgent")
	quality := fs.String("quality", "standard", "quality tier")
	payloadJSON := fs.String("payload", "{}", "task payload as JSON object")
	fs.Parse(args)

	if *taskType == "" || *category == "" {
		logger.Fatal("add requires -type and -category")
	}

	prio, err := model.ParsePriority(*priority)
	if err != nil {
		logger.Fatal("Invalid priority", zap.Error(err))
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
		logger.Fatal("Invalid payload JSON", zap.Error(err))
	}

	ctx := context.Background()
	a := buildApp(ctx, logger)

	id, err := a.queue.AddTask(ctx, *taskType, *category, prio, payload, *quality)
	if err != nil {
		logger.Fatal("Failed to add task", zap.Error(err))
	}
	fmt.Println(id)
}

func runList(logger *zap.Logger) {
	ctx := context.Background()
	a := buildApp(ctx, logger)

	tasks, err := a.queue.ListTasks(ctx)
	if err != nil {
		logger.Fatal("Failed to list tasks", zap.Error(err))
	}

	for _, t := range tasks {
		fmt.Printf("%s  %-12s %-12s %-8s %-12s %s\n",
			t.ID, t.TaskType, t.Category, t.Priority, t.Status, t.CreatedAt.Format(time.RFC3339))
	}
}

func runStatus(logger *zap.Logger) {
	ctx := context.Background()
	a := buildApp(ctx, logger)

	snapshot, err := a.queue.GetSnapshot(ctx)
	if err != nil {
		logger.Fatal("Failed to read queue snapshot", zap.Error(err))
	}

	fmt.Printf("categories:      %v\n", snapshot.Categories)
	fmt.Printf("rotation cursor: %s\n", snapshot.RotationCursor)
	fmt.Printf("concurrency:     %s", snapshot.Concurrency.Mode)
	switch snapshot.Concurrency.Mode {
	case model.ConcurrencyModeMaxConcurrent:
		fmt.Printf(" (max %d)\n", snapshot.Concurrency.MaxConcurrent)
	case model.ConcurrencyModeStaggerHours:
		fmt.Printf(" (%.2fh)\n", snapshot.Concurrency.StaggerHours)
	default:
		fmt.Println()
	}
	for _, status := range []model.TaskStatus{
		model.TaskStatusPending, model.TaskStatusInProgress, model.TaskStatusPaused,
		model.TaskStatusCompleted, model.TaskStatusFailed,
	} {
		fmt.Printf("%-12s %d\n", status, snapshot.Counts[status])
	}

	if budgetStatus, err := a.tracker.GetBudgetStatus(ctx); err != nil {
		fmt.Printf("budget:          unavailable (%v)\n", err)
	} else {
		fmt.Printf("budget:          %.2f / %.2f (%s)\n",
			budgetStatus.MonthlyCost, budgetStatus.MonthlyBudget, budgetStatus.Action)
	}

	orphaned, err := a.checkpoints.GetIncompleteWork(ctx)
	if err != nil {
		logger.Fatal("Failed to check incomplete work", zap.Error(err))
	}
	for _, record := range orphaned {
		fmt.Printf("abandoned:       %s (phase %s, dead pid %d)\n",
			record.TaskID, record.Phase, record.OwningProcessID)
	}
}

func runConfig(logger *zap.Logger, args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	mode := fs.String("mode", "", "concurrency mode: max_concurrent|stagger_hours")
	maxConcurrent := fs.Int("max-concurrent", 0, "max concurrent tasks")
	staggerHours := fs.Float64("stagger-hours", 0, "base hours between task starts")
	fs.Parse(args)

	cfg := model.ConcurrencyConfig{
		Mode:          model.ConcurrencyMode(*mode),
		MaxConcurrent: *maxConcurrent,
		StaggerHours:  *staggerHours,
	}

	ctx := context.Background()
	a := buildApp(ctx, logger)

	if err := a.queue.SetConcurrency(ctx, cfg); err != nil {
		logger.Fatal("Failed to set concurrency", zap.Error(err))
	}
	fmt.Println("concurrency configuration updated")
}

func runStart(logger *zap.Logger, args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	maxTasks := fs.Int("max-tasks", 0, "stop after this many executions (0 = run forever)")
	checkInterval := fs.Duration("check-interval", viper.GetDuration("runner.check_interval"), "idle poll interval")
	fs.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := buildApp(ctx, logger)

	// Optional NATS event stream.
	var publisher *events.Publisher
	if natsURL := viper.GetString("nats.url"); natsURL != "" {
		nc, err := nats.Connect(natsURL,
			nats.Name("queue-coordinator"),
			nats.MaxReconnects(10),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				logger.Warn("NATS disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
		)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		publisher, err = events.NewPublisher(js, logger)
		if err != nil {
			logger.Fatal("Failed to create event publisher", zap.Error(err))
		}
	}

	archive, err := storage.NewSQLiteArchive(
		filepath.Join(viper.GetString("app.data_dir"), "task_archive.db"), logger)
	if err != nil {
		logger.Fatal("Failed to open task archive", zap.Error(err))
	}
	defer archive.Close()

	r := runner.New(a.queue, a.checkpoints, a.tracker, a.registry, archive, publisher, logger)

	// Recurring schedules from config.
	cron := schedule.NewCronScheduler(a.queue, logger)
	for _, raw := range readSchedules(logger) {
		if err := cron.AddSchedule(raw); err != nil {
			logger.Error("Skipping invalid schedule",
				zap.String("name", raw.Name),
				zap.Error(err))
		}
	}
	cron.Start()
	defer cron.Stop()

	stats := monitor.NewStatsReporter(a.queue, publisher, viper.GetDuration("runner.stats_interval"), logger)
	stats.Start(ctx)

	pidPath := filepath.Join(viper.GetString("app.data_dir"), pidFile)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Fatal("Failed to write pid file", zap.Error(err))
	}
	defer os.Remove(pidPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Queue loop starting",
		zap.Int("max_tasks", *maxTasks),
		zap.Duration("check_interval", *checkInterval))

	if err := r.RunQueueLoop(ctx, *maxTasks, *checkInterval); err != nil && ctx.Err() == nil {
		logger.Fatal("Queue loop failed", zap.Error(err))
	}
	logger.Info("Queue loop stopped")
}

func runStop(logger *zap.Logger) {
	pidPath := filepath.Join(viper.GetString("app.data_dir"), pidFile)
	data, err := os.ReadFile(pidPath)
	if err != nil {
		logger.Fatal("No running queue loop found", zap.Error(err))
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		logger.Fatal("Invalid pid file", zap.Error(err))
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		logger.Fatal("Failed to find process", zap.Int("pid", pid), zap.Error(err))
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		logger.Fatal("Failed to signal process", zap.Int("pid", pid), zap.Error(err))
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
}

func runRemove(logger *zap.Logger, args []string) {
	if len(args) < 1 {
		logger.Fatal("remove requires a task id")
	}

	ctx := context.Background()
	a := buildApp(ctx, logger)

	if err := a.queue.RemoveTask(ctx, args[0]); err != nil {
		logger.Fatal("Failed to remove task", zap.Error(err))
	}
	fmt.Println("removed")
}

func runHistory(logger *zap.Logger, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "max records to show")
	fs.Parse(args)

	archive, err := storage.NewSQLiteArchive(
		filepath.Join(viper.GetString("app.data_dir"), "task_archive.db"), logger)
	if err != nil {
		logger.Fatal("Failed to open task archive", zap.Error(err))
	}
	defer archive.Close()

	records, err := archive.List(context.Background(), *limit)
	if err != nil {
		logger.Fatal("Failed to list archive", zap.Error(err))
	}

	for _, r := range records {
		completed := ""
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-12s %-12s %-10s %-10s %s\n",
			r.TaskID, r.TaskType, r.Category, r.Status, r.Duration, completed)
	}
}

// readSchedules decodes recurring schedule entries from the config file.
func readSchedules(logger *zap.Logger) []*model.RecurringSchedule {
	var raw []struct {
		Name       string         `mapstructure:"name"`
		Expression string         `mapstructure:"expression"`
		TaskType   string         `mapstructure:"task_type"`
		Category   string         `mapstructure:"category"`
		Priority   string         `mapstructure:"priority"`
		Quality    string         `mapstructure:"quality"`
		Payload    map[string]any `mapstructure:"payload"`
	}
	if err := viper.UnmarshalKey("schedules", &raw); err != nil {
		logger.Error("Failed to decode schedules from config", zap.Error(err))
		return nil
	}

	schedules := make([]*model.RecurringSchedule, 0, len(raw))
	for _, entry := range raw {
		prio, err := model.ParsePriority(entry.Priority)
		if err != nil {
			logger.Error("Skipping schedule with invalid priority",
				zap.String("name", entry.Name),
				zap.Error(err))
			continue
		}
		schedules = append(schedules, &model.RecurringSchedule{
			Name:       entry.Name,
			Expression: entry.Expression,
			TaskType:   entry.TaskType,
			Category:   entry.Category,
			Priority:   prio,
			Quality:    entry.Quality,
			Payload:    entry.Payload,
		})
	}
	return schedules
}
