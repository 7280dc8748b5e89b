package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/mousehunter/crawler/pkg/api"
	"github.com/mousehunter/crawler/pkg/autoscaler"
	"github.com/mousehunter/crawler/pkg/broker"
	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/events"
	"github.com/mousehunter/crawler/pkg/handler"
	"github.com/mousehunter/crawler/pkg/injector"
	"github.com/mousehunter/crawler/pkg/log"
	"github.com/mousehunter/crawler/pkg/metrics"
	"github.com/mousehunter/crawler/pkg/shutdown"
	"github.com/mousehunter/crawler/pkg/types"
	"github.com/mousehunter/crawler/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crawler",
	Short: "Saturn crawler - distributed market data crawler worker",
	Long: `The Saturn crawler worker pulls prioritized crawl tasks from the
shared queue, binds each one to a proxy and session credential, runs it
against the venue API under a deadline, and reports outcomes back.

The same binary also runs the queue-depth autoscaler and carries small
operational commands for enqueuing tasks and inspecting their status.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Saturn crawler version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(autoscalerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queuesCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	log.Init(log.Config{Level: log.Level(cfg.Service.LogLevel), JSONOutput: !cfg.Service.Debug})
	metrics.SetVersion(Version)
	return cfg, nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a crawler worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		gw := broker.NewGateway(cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Ping(ctx); err != nil {
			return err
		}
		metrics.UpdateComponent("broker", true, "")

		bus := events.NewBroker()
		bus.Start()

		var pool injector.PoolFetcher
		if cfg.Injector.EnableProxyInjection {
			pool = injector.NewPoolClient(cfg.Injector)
		}
		inj := injector.NewService(cfg.Injector, gw, pool)
		inj.Start()

		registry := handler.NewRegistry()
		adapter := handler.NewAdapter(nil, resultSink(gw))
		registry.SetDefault(adapter.Handle)

		consumer := worker.NewConsumer(cfg.Worker, gw, inj, registry, bus)
		if err := consumer.Initialize(ctx); err != nil {
			return err
		}
		consumer.Start()
		metrics.UpdateComponent("consumer", true, "")

		collector := metrics.NewCollector(bus, gaugeSource{consumer, inj})
		collector.Start()

		opsServer := api.NewServer(cfg, consumer, gw, inj)
		go func() {
			if err := opsServer.Start(); err != nil {
				log.Errorf("ops server exited", err)
			}
		}()

		controller := shutdown.NewController(cfg.Shutdown, consumer, gw, inj, bus)
		controller.Listen()

		workerLog := log.WithWorkerID(cfg.Worker.WorkerID)
		workerLog.Info().
			Int("port", cfg.Service.Port).
			Msg("worker running")
		<-controller.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = opsServer.Stop(shutdownCtx)
		collector.Stop()
		bus.Stop()
		return nil
	},
}

var autoscalerCmd = &cobra.Command{
	Use:   "autoscaler",
	Short: "Run the queue-depth autoscaler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		gw := broker.NewGateway(cfg.Redis)
		defer gw.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Ping(pingCtx); err != nil {
			return err
		}

		client, err := buildKubernetesClient()
		if err != nil {
			return err
		}

		scaler := autoscaler.NewScaler(cfg.Autoscaler, gw, client, nil)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		scaler.Run(ctx)
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a crawl task",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		taskType, _ := cmd.Flags().GetString("type")
		market, _ := cmd.Flags().GetString("market")
		symbol, _ := cmd.Flags().GetString("symbol")
		priorityStr, _ := cmd.Flags().GetString("priority")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		delaySecs, _ := cmd.Flags().GetInt("delay")

		priority, err := types.ParsePriority(priorityStr)
		if err != nil {
			return err
		}

		gw := broker.NewGateway(cfg.Redis)
		defer gw.Close()

		task := &types.Task{
			TaskID:     uuid.New().String(),
			TaskType:   taskType,
			Market:     types.Market(market),
			Symbol:     symbol,
			Priority:   priority,
			MaxRetries: maxRetries,
			EnqueuedAt: time.Now(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Enqueue(ctx, task, time.Duration(delaySecs)*time.Second); err != nil {
			return err
		}

		fmt.Printf("Enqueued task %s\n", task.TaskID)
		fmt.Printf("  Type: %s\n", task.TaskType)
		fmt.Printf("  Market: %s\n", task.Market)
		fmt.Printf("  Symbol: %s\n", task.Symbol)
		fmt.Printf("  Queue: %s\n", priority.QueueName())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Show the status log of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		gw := broker.NewGateway(cfg.Redis)
		defer gw.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		statusEvents, err := gw.TaskStatusLog(ctx, args[0])
		if err != nil {
			return err
		}
		if len(statusEvents) == 0 {
			return fmt.Errorf("no status recorded for task %s", args[0])
		}

		for _, ev := range statusEvents {
			fmt.Printf("%s  %-14s", ev.TS.Format(time.RFC3339), ev.Status)
			if len(ev.Details) > 0 {
				detail, _ := json.Marshal(ev.Details)
				fmt.Printf("  %s", detail)
			}
			fmt.Println()
		}
		return nil
	},
}

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		gw := broker.NewGateway(cfg.Redis)
		defer gw.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, p := range types.AllPriorities {
			depth, err := gw.QueueDepth(ctx, p.QueueName())
			if err != nil {
				return err
			}
			fmt.Printf("%-24s %d\n", p.QueueName(), depth)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("type", types.TaskType1mRealtime, "Task type")
	enqueueCmd.Flags().String("market", "CN", "Market code")
	enqueueCmd.Flags().String("symbol", "", "Symbol to crawl")
	enqueueCmd.Flags().String("priority", string(types.PriorityNormal), "Priority (CRITICAL, HIGH, NORMAL, LOW)")
	enqueueCmd.Flags().Int("max-retries", 3, "Maximum retry attempts")
	enqueueCmd.Flags().Int("delay", 0, "Delay before visibility, in seconds")
	_ = enqueueCmd.MarkFlagRequired("symbol")
}

// gaugeSource feeds the metrics collector from the consumer and the
// injector.
type gaugeSource struct {
	consumer *worker.Consumer
	inj      *injector.Service
}

func (g gaugeSource) ActiveExecutionCount() int { return g.consumer.ActiveExecutionCount() }
func (g gaugeSource) CacheSizes() (int, int)    { return g.inj.CacheSizes() }

// resultSink stores fetched payloads in the broker cache for the
// downstream ingest pipeline.
func resultSink(gw *broker.Gateway) handler.DataSink {
	return func(ctx context.Context, task *types.Task, data json.RawMessage) error {
		return gw.CacheSet(ctx, "crawler_result:"+task.TaskID, data, time.Hour)
	}
}

// buildKubernetesClient prefers in-cluster credentials and falls back to
// the local kubeconfig for development.
func buildKubernetesClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = home + "/.kube/config"
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}
	return kubernetes.NewForConfig(restCfg)
}
