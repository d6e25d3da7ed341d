package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"AssuredChain/internal/config"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/report"
	"AssuredChain/internal/snapshot"
	"AssuredChain/pkg/logger"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var (
	configPath string
	dataDir    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "assuredctl",
	Short:         "ASSUREDChain 项目数据、报告与链上锚定的命令行工具",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	defaultConfig := os.Getenv("ASSURED_CONFIG")
	if defaultConfig == "" {
		defaultConfig = filepath.Join("configs", "assured.json")
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "配置文件路径，不存在时使用默认配置")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "覆盖配置中的数据目录")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "输出调试日志")

	rootCmd.AddCommand(projectCmd, snapshotCmd, uploadCmd, reportCmd, anchorCmd, ledgerCmd, verifyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, red("错误:"), err)
		os.Exit(1)
	}
}

// env 是一次命令执行所需的配置与服务。
type env struct {
	cfg       *config.Config
	projects  *manifest.FileStore
	snapshots *snapshot.Service
	reports   *report.Service
}

// loadEnv 读取配置并初始化本地服务。CLI 的日志默认只输出警告到 stderr。
func loadEnv() (*env, error) {
	var cfg *config.Config
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if errors.Is(err, os.ErrNotExist) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg = config.Default(wd)
	} else {
		return nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}

	logCfg := cfg.Logging
	logCfg.Format = "text"
	logCfg.OutputPaths = []string{"stderr"}
	logCfg.Level = "warn"
	if verbose {
		logCfg.Level = "debug"
	}
	if err := logger.Init(logCfg.Logger()); err != nil {
		return nil, err
	}

	projects, err := manifest.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:       cfg,
		projects:  projects,
		snapshots: snapshot.NewService(projects),
		reports: report.NewService(projects,
			report.WithLogoPath(cfg.Report.LogoPath),
			report.WithConcurrency(cfg.Report.Concurrency),
		),
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
