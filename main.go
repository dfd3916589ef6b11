package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/config"
	"github.com/any-hub/imgcache/internal/fetch"
	"github.com/any-hub/imgcache/internal/logging"
	"github.com/any-hub/imgcache/internal/metrics"
	"github.com/any-hub/imgcache/internal/server"
	"github.com/any-hub/imgcache/internal/server/routes"
	"github.com/any-hub/imgcache/internal/source"
	"github.com/any-hub/imgcache/internal/storage"
	"github.com/any-hub/imgcache/internal/version"
)

// volumeRefPrefix 标记 -resolve 参数中的卷资源引用，格式为 volume:<handle>/<path>。
const volumeRefPrefix = "volume:"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	resolveRef  string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// components 聚合启动阶段构建、之后在所有请求间共享的组件。
type components struct {
	registry  *cache.Registry
	collector *metrics.Collector
	volumes   *server.VolumeSet
	resolver  *source.Resolver
	fetcher   *fetch.Fetcher
}

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
		fields["volumes"] = config.VolumeNames(cfg.Volumes)
		fields["cache_ttl"] = cfg.Global.CacheTTL.DurationValue().String()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	rt, err := newComponents(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}

	if opts.resolveRef != "" {
		return resolveOnce(rt, opts.resolveRef)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["volumes"] = config.VolumeNames(cfg.Volumes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["runtime_path"] = cfg.Global.RuntimePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// newComponents 按“磁盘缓存 → 注册表/指标 → 上游客户端 → 卷 → 解析器 → 拉取器”顺序构建共享组件，
// 保证所有请求共用同一份缓存与注册表。
func newComponents(cfg *config.Config, logger *logrus.Logger) (*components, error) {
	store, err := cache.NewStore(cfg.Global.RuntimePath, cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("初始化运行时目录失败: %w", err)
	}

	registry := cache.NewRegistry()
	collector := metrics.NewCollector()
	collector.TrackRegistrySize(registry.Len)

	client := server.NewUpstreamClient(cfg.Global)
	volumes, err := server.NewVolumeSet(cfg, client)
	if err != nil {
		return nil, fmt.Errorf("构建存储卷失败: %w", err)
	}

	transport, err := fetch.SelectTransport(cfg.Global, client)
	if err != nil {
		if !errors.Is(err, fetch.ErrNoTransport) {
			return nil, err
		}
		// 仍允许启动：本地文件与卷资源不依赖下载通道，远程引用会在请求时返回配置错误。
		logger.WithFields(logrus.Fields{
			"action": "startup",
		}).Warn("remote_fetch_disabled")
	}

	fetcher, err := fetch.NewFetcher(cfg.Global, fetch.Options{
		Store:     store,
		Registry:  registry,
		Transport: transport,
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		return nil, err
	}

	return &components{
		registry:  registry,
		collector: collector,
		volumes:   volumes,
		resolver:  source.NewResolver(cfg.Global),
		fetcher:   fetcher,
	}, nil
}

// resolveOnce 解析单个引用并确保本地副本存在，成功时把本地路径写到 stdout。
func resolveOnce(rt *components, raw string) int {
	ref, err := parseReference(raw, rt.volumes)
	if err != nil {
		fmt.Fprintf(stdErr, "无法识别引用: %v\n", err)
		return 1
	}

	resolved, err := rt.resolver.Resolve(ref)
	if err != nil {
		fmt.Fprintf(stdErr, "解析失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	localPath, err := rt.fetcher.EnsureLocalCopy(ctx, resolved)
	if err != nil {
		fmt.Fprintf(stdErr, "获取本地副本失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdOut, localPath)
	return 0
}

// parseReference 将命令行参数转换为引用；volume:<handle>/<path> 指向已配置的卷，其余按字符串引用处理。
func parseReference(raw string, volumes *server.VolumeSet) (source.Reference, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, volumeRefPrefix) {
		return source.FromString(raw), nil
	}

	handle, originPath, ok := strings.Cut(strings.TrimPrefix(raw, volumeRefPrefix), "/")
	if !ok || originPath == "" {
		return source.Reference{}, fmt.Errorf("%s 缺少卷内路径", raw)
	}
	volume, found := volumes.Lookup(handle)
	if !found {
		return source.Reference{}, fmt.Errorf("卷 %s 未配置", handle)
	}
	return source.FromAsset(storage.NewFileAsset(volume, originPath, "")), nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("imgcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		resolveRef string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMGCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&resolveRef, "resolve", "", "解析单个引用并输出本地路径后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IMGCACHE_CONFIG")
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
		resolveRef:  strings.TrimSpace(resolveRef),
	}, nil
}

func startHTTPServer(cfg *config.Config, rt *components, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Config:   cfg,
		Resolver: rt.resolver,
		Fetcher:  rt.fetcher,
		Volumes:  rt.volumes,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticRoutes(app, rt.registry, rt.volumes, rt.collector)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
