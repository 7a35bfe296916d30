package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/imgcache/imgcache/internal/cache"
	"github.com/imgcache/imgcache/internal/config"
	"github.com/imgcache/imgcache/internal/logging"
	"github.com/imgcache/imgcache/internal/server"
	"github.com/imgcache/imgcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	clearCache  bool
	fetchURI    string
}

// fetchOutput 是 -fetch 模式打印到 stdout 的 JSON。
type fetchOutput struct {
	LocalReference string `json:"local_reference"`
	Source         string `json:"source"`
	Key            string `json:"key,omitempty"`
	Error          string `json:"error,omitempty"`
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
		fields["cache_dir"] = cfg.Global.CacheDir
		fields["max_cache_size"] = cfg.Global.MaxCacheSize
		fields["prefetch"] = len(cfg.Prefetch)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 下载器 → 图片缓存 → Fiber server”顺序，
	// 所有请求共享同一个 cache.Service，内存索引与元数据锁才能生效。
	svc, err := newImageCache(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化图片缓存失败: %v\n", err)
		return 1
	}
	defer svc.Close()

	ctx := context.Background()
	switch {
	case opts.clearCache:
		if err := svc.ClearAll(ctx); err != nil {
			fmt.Fprintf(stdErr, "清空缓存失败: %v\n", err)
			return 1
		}
		return 0
	case opts.fetchURI != "":
		return runFetch(ctx, svc, cfg, opts.fetchURI)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_dir"] = cfg.Global.CacheDir
	fields["listen_port"] = cfg.Global.ListenPort
	fields["prefetch"] = config.PrefetchURIs(cfg.Prefetch)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	go runPrefetch(ctx, svc, cfg, logger)

	if err := startHTTPServer(cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("imgcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		clearCache bool
		fetchURI   string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMGCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&clearCache, "clear", false, "清空缓存目录后退出")
	fs.StringVar(&fetchURI, "fetch", "", "解析单个图片 URI 并以 JSON 输出结果")

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
		clearCache:  clearCache,
		fetchURI:    strings.TrimSpace(fetchURI),
	}, nil
}

func newImageCache(cfg *config.Config, logger *logrus.Logger) (*cache.Service, error) {
	userAgent := cfg.Global.UserAgent
	if userAgent == "" {
		userAgent = "imgcache/" + version.Version
	}
	downloader := cache.NewHTTPDownloader(cache.HTTPDownloaderOptions{
		Client:         server.NewDownloadClient(cfg),
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		UserAgent:      userAgent,
		Logger:         logger,
	})
	return cache.New(cache.Options{
		Dir:            cfg.Global.CacheDir,
		MaxSize:        cfg.Global.MaxCacheSize,
		EvictionTarget: cfg.Global.EvictionTarget,
		DefaultTTL:     cfg.Global.DefaultTTL.DurationValue(),
		Downloader:     downloader,
		Logger:         logger,
	})
}

func runFetch(ctx context.Context, svc *cache.Service, cfg *config.Config, uri string) int {
	result := svc.Resolve(ctx, cache.Request{URI: uri, TTL: cfg.Global.DefaultTTL.DurationValue()})
	out := fetchOutput{
		LocalReference: result.LocalReference,
		Source:         string(result.Source),
		Key:            result.Key,
	}
	if result.Err != nil {
		out.Error = result.Err.Error()
	}

	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		fmt.Fprintf(stdErr, "输出结果失败: %v\n", err)
		return 1
	}
	if result.Err != nil {
		return 1
	}
	return 0
}

// runPrefetch 在后台预热配置中的图片，失败只记录日志。
func runPrefetch(ctx context.Context, svc *cache.Service, cfg *config.Config, logger *logrus.Logger) {
	if len(cfg.Prefetch) == 0 {
		return
	}
	reqs := make([]cache.Request, len(cfg.Prefetch))
	for i, item := range cfg.Prefetch {
		reqs[i] = cache.Request{
			URI:      item.URI,
			CacheKey: item.CacheKey,
			TTL:      cfg.EffectiveTTL(item),
		}
	}

	failed := 0
	for _, result := range svc.Prefetch(ctx, reqs) {
		if result.Err != nil {
			failed++
		}
	}
	logger.WithFields(logrus.Fields{
		"action": "prefetch",
		"total":  len(reqs),
		"failed": failed,
	}).Info("预热完成")
}

func startHTTPServer(cfg *config.Config, svc *cache.Service, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Cache:      svc,
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
