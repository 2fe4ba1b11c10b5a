package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/http-replicator/replicator/internal/cache"
	"github.com/http-replicator/replicator/internal/config"
	"github.com/http-replicator/replicator/internal/logging"
	"github.com/http-replicator/replicator/internal/proxy"
	"github.com/http-replicator/replicator/internal/server"
	"github.com/http-replicator/replicator/internal/server/routes"
	"github.com/http-replicator/replicator/internal/upstream"
	"github.com/http-replicator/replicator/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

// shutdownTimeout 限制优雅退出时等待连接与写入方的时间。
const shutdownTimeout = 10 * time.Second

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
		fields["mode"] = cfg.Global.Mode()
		fields["storage"] = cfg.Global.StoragePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存目录 → 解析缓存与上游客户端 → Fiber server。
	manager, err := cache.NewManager(cache.Options{
		Layout: cache.Layout{
			Root:   cfg.Global.StoragePath,
			Suffix: cfg.Global.IncompleteSuffix,
			Flat:   cfg.Global.Flat,
		},
		Static:    cfg.Global.Static,
		Offline:   cfg.Global.Offline,
		ChunkSize: cfg.Global.ChunkSize,
		RateKiB:   cfg.Global.RateLimit,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	timeout := cfg.Global.Timeout.DurationValue()
	resolver := upstream.NewResolver(cfg.Global.ResolverTTL.DurationValue(), timeout)
	defer resolver.Close()

	httpClient, err := server.NewUpstreamClient(cfg, resolver.DialContext)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化上游客户端失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	forwarder, err := buildForwarder(ctx, cfg, manager, httpClient, resolver, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化代理失败: %v\n", err)
		return 1
	}

	fields := logging.StartupFields(cfg.Global)
	fields["configPath"] = opts.configPath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, forwarder, manager, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("replicator", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 REPLICATOR_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("REPLICATOR_CONFIG")
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
	}, nil
}

// buildForwarder 为 http/https/ftp 注册各自的 handler，三者共享同一个缓存管理器。
func buildForwarder(ctx context.Context, cfg *config.Config, manager *cache.Manager, client *http.Client, resolver *upstream.Resolver, logger *logrus.Logger) (*proxy.Forwarder, error) {
	timeout := cfg.Global.Timeout.DurationValue()

	httpHandler, err := proxy.NewHandler(proxy.Options{
		Manager:     manager,
		Protocols:   proxy.HTTPProtocols(client, timeout),
		Blind:       upstream.NewBlindTransfer(client, timeout),
		Logger:      logger,
		BaseContext: ctx,
		Offline:     cfg.Global.Offline,
	})
	if err != nil {
		return nil, err
	}
	ftpHandler, err := proxy.NewHandler(proxy.Options{
		Manager:     manager,
		Protocols:   proxy.FTPProtocols(resolver.DialContext, timeout),
		Logger:      logger,
		BaseContext: ctx,
		Offline:     cfg.Global.Offline,
	})
	if err != nil {
		return nil, err
	}

	forwarder := proxy.NewForwarder(logger)
	for _, reg := range []proxy.SchemeRegistration{
		{Scheme: "http", Handler: httpHandler},
		{Scheme: "https", Handler: httpHandler},
		{Scheme: "ftp", Handler: ftpHandler},
	} {
		if err := forwarder.Register(reg); err != nil {
			return nil, err
		}
	}
	return forwarder, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, proxyHandler server.ProxyHandler, manager *cache.Manager, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterEntryRoutes(app, manager)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   cfg.Global.ListenAddress(),
	}).Info("Fiber 服务启动")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(cfg.Global.ListenAddress(), fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("停止接收新连接")
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			return err
		}
		// 写入方随根 context 取消，未完成的文件保留为可续传的临时文件。
		if err := manager.Wait(shutdownCtx); err != nil {
			logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("cache_writers_pending")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
