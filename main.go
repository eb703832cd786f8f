package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/config"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/mediacache"
	"github.com/any-hub/media-cache/internal/refsync"
	"github.com/any-hub/media-cache/internal/server"
	"github.com/any-hub/media-cache/internal/server/routes"
	"github.com/any-hub/media-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	syncFile    string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_dir"] = cfg.Global.CacheDir()
		fields["stream_host"] = cfg.Global.StreamHost
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 日志 → 缓存管理器（持有目录锁）→ 同步器 → Fiber server 或一次性同步。
	managerOpts := mediacache.OptionsFromConfig(cfg.Global)
	managerOpts.Client = server.NewUpstreamClient(cfg)
	managerOpts.Logger = logger
	manager, err := mediacache.New(managerOpts)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化媒体缓存失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("cache_close_failed")
		}
	}()

	syncer := refsync.New(manager, refsync.Options{
		Concurrency: cfg.Global.SyncConcurrency,
		SoftMissTTL: cfg.Global.SoftMissTTL.DurationValue(),
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_dir"] = manager.Dir()
	fields["cached_entries"] = len(manager.CachedURLs())
	fields["version"] = version.Full()

	if opts.syncFile != "" {
		fields["sync_file"] = opts.syncFile
		logger.WithFields(fields).Info("配置加载完成")
		return runSync(ctx, syncer, opts.syncFile)
	}

	fields["listen_port"] = cfg.Global.ListenPort
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, manager, syncer, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// runSync 读取 URL 列表执行一次同步，并把报告以 JSON 输出到 stdout。
func runSync(ctx context.Context, syncer *refsync.Syncer, path string) int {
	file, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(stdErr, "读取同步列表失败: %v\n", err)
		return 1
	}
	urls, err := refsync.ReadURLList(file)
	file.Close()
	if err != nil {
		fmt.Fprintf(stdErr, "读取同步列表失败: %v\n", err)
		return 1
	}

	report, err := syncer.Sync(ctx, urls)
	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(report)
	if err != nil {
		fmt.Fprintf(stdErr, "同步中断: %v\n", err)
		return 1
	}
	if len(report.Failed) > 0 {
		return 3
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("media-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		syncFile   string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MEDIA_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&syncFile, "sync", "", "按 URL 列表文件执行一次同步后退出（每行一个 URL，# 开头为注释）")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MEDIA_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		syncFile:    syncFile,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, manager *mediacache.Manager, syncer *refsync.Syncer, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Media:      manager,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Cache:  manager,
		Syncer: syncer,
		Logger: logger,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		return app.Shutdown()
	}
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
