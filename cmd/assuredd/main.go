package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"AssuredChain/internal/anchor"
	"AssuredChain/internal/api"
	"AssuredChain/internal/auth"
	"AssuredChain/internal/config"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/ledger"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/observability/alerting"
	"AssuredChain/internal/observability/metrics"
	"AssuredChain/internal/report"
	"AssuredChain/internal/snapshot"
	"AssuredChain/internal/watch"
	"AssuredChain/internal/web3"
	"AssuredChain/internal/web3/provider"
	"AssuredChain/pkg/logger"
)

// main 是 ASSUREDChain 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("assuredd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ASSURED_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "assured.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging.Logger()); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("assuredd")

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return err
	}
	projects, err := manifest.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	ledgerRepo, err := ledger.Open(ctx, cfg.Storage.Ledger, cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer ledgerRepo.Close()

	anchorStore, err := anchor.OpenStore(ctx, cfg.Storage.AnchorStore, cfg.Storage.Ledger.Pool)
	if err != nil {
		return err
	}
	queue, err := anchor.OpenQueue(cfg.AnchorQueue)
	if err != nil {
		_ = anchorStore.Close()
		return err
	}
	anchors := anchor.NewService(anchorStore, queue, cfg.Storage.AnchorStore.Retries, anchor.WithProjects(projects))
	defer func() {
		if err := anchors.Close(); err != nil {
			log.Warn("关闭锚定服务失败", slog.Any("error", err))
		}
	}()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()
	chain, err := defaultChain(chains)
	if err != nil {
		return err
	}
	if chain == nil {
		log.Warn("未配置区块链节点，锚定任务将以 CHAIN_NOT_CONFIGURED 失败")
	} else {
		log.Info("已连接区块链", slog.String("chain", chains.DefaultName()), slog.Any("chains", chains.Chains()))
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	reports := report.NewService(projects,
		report.WithLogoPath(cfg.Report.LogoPath),
		report.WithConcurrency(cfg.Report.Concurrency),
	)
	processor := anchor.NewProcessor(chain, anchorStore, queue, queue,
		anchor.WithWorkerCount(cfg.AnchorQueue.Worker),
		anchor.WithRetryBackoff(cfg.AnchorQueue.RetryBackoff()),
		anchor.WithLeaseTimeout(cfg.AnchorQueue.Lease()),
		anchor.WithRecoveryHandler(&anchor.LedgerRecovery{Ledger: ledgerRepo}),
		anchor.WithAlertDispatcher(alerting.FromConfig(cfg.Observability.Alerting)),
		anchor.WithProjectStore(projects),
		anchor.WithLedger(ledgerRepo),
	)
	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Projects:  projects,
		Snapshots: snapshot.NewService(projects),
		Reports:   reports,
		Anchors:   anchors,
		Verifier:  anchor.NewVerifier(ledgerRepo, chain),
		Ledger:    ledgerRepo,
		Chain:     chain,
		Auth:      authSvc,
	}, api.WithMaxUploadMB(cfg.Server.MaxUploadMB))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	if cfg.Watch.Enabled {
		w := watch.New(projects.Root(), reports, watch.WithDebounce(cfg.Watch.Debounce()))
		g.Go(func() error { return w.Run(gctx) })
	}
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Server.MetricsAddress) })
	}

	log.Info("assuredd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.String("queue", cfg.AnchorQueue.Driver),
		slog.String("auth", string(authSvc.Mode())),
	)
	err = g.Wait()
	log.Info("assuredd 已停止")
	return err
}

// defaultChain 在未配置任何链时返回 nil 而不是错误。
func defaultChain(reg *provider.Registry) (web3.Anchorer, error) {
	client, err := reg.Default()
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeChainNotConfigured && len(reg.Chains()) == 0 {
			return nil, nil
		}
		return nil, err
	}
	return client, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
