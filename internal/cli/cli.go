// ============================================================================
// studio-jobs CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面，服務端 (run) 與 gRPC 客戶端命令共用同一個 binary
//
// Command Structure:
//   studiojobs                     # Root command
//   ├── run                        # 啟動服務 (controller + gRPC + metrics)
//   ├── submit <domain>            # 提交任務
//   │   ├── --param, -p key=value  # 可重複
//   │   ├── --params-file          # JSON 物件
//   │   └── --timeout              # 覆寫 adapter 預設逾時
//   ├── status [job-id]            # 單一任務或整體狀態
//   ├── queue <domain>             # 等待中的任務
//   ├── cancel <job-id>
//   ├── cleanup <job-id>
//   ├── history <domain>
//   ├── config                     # 顯示生效中的設定
//   └── wal dump|stats             # 離線檢查 WAL
//
// Configuration:
//   --config, -c 指定 YAML 檔 (預設 configs/default.yaml，不存在時略過)，
//   之後套用 .env 與 STUDIOJOBS_* 環境變數。
//
// Signal Handling:
//   run 捕捉 SIGINT / SIGTERM：停止接受請求 → 終止執行中的任務 →
//   最後一次快照 → 關閉所有資源
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/studio-jobs/internal/config"
	"github.com/ChuLiYu/studio-jobs/internal/controller"
	logpkg "github.com/ChuLiYu/studio-jobs/internal/log"
	"github.com/ChuLiYu/studio-jobs/internal/metrics"
	"github.com/ChuLiYu/studio-jobs/internal/server"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

type options struct {
	configFile string
	addr       string
	jsonOut    bool
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "studiojobs",
		Short: "studio-jobs: sequential job queue for the creative studio",
		Long: `studio-jobs runs long external jobs (image generation, scraping,
LoRA training, containerized remediation) one at a time per domain with:
- WAL + snapshot recovery
- a shared GPU lock for GPU-bound domains
- Prometheus metrics and a gRPC API`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "server address (default: server.addr from config)")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON instead of tables")

	rootCmd.AddCommand(
		buildRunCommand(opts),
		buildSubmitCommand(opts),
		buildStatusCommand(opts),
		buildQueueCommand(opts),
		buildCancelCommand(opts),
		buildCleanupCommand(opts),
		buildHistoryCommand(opts),
		buildConfigCommand(opts),
		buildWALCommand(opts),
	)
	return rootCmd
}

// loadConfig loads the config file. A missing default file is not an error.
func (o *options) loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := o.configFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the job service",
		Long:  "Recover state, start one worker loop per domain and serve the gRPC API until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if opts.addr != "" {
				cfg.Server.Addr = opts.addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg)
		},
	}
}

// runService blocks until ctx is done.
func runService(ctx context.Context, cfg config.Config) error {
	logger := logpkg.Setup(cfg.Log)
	logger.Info("starting studio-jobs", "version", Version, "data_dir", cfg.DataDir, "queue", cfg.Queue.Backend)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	ctrl, err := controller.New(cfg, nil, controller.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, cfg.Server.Addr, ctrl)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, prometheus.DefaultGatherer)
		})
	}

	logger.Info("system started", "grpc", cfg.Server.Addr, "metrics", cfg.Metrics.Enabled)
	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// ============================================================================
// config / wal
// ============================================================================

func buildConfigCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Queue.Redis.Password != "" {
				cfg.Queue.Redis.Password = "******"
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}
