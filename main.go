package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/config"
	"github.com/any-hub/asset-cache/internal/engine"
	"github.com/any-hub/asset-cache/internal/logging"
	"github.com/any-hub/asset-cache/internal/server"
	"github.com/any-hub/asset-cache/internal/server/routes"
	"github.com/any-hub/asset-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	skipPreload bool
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
		fmt.Fprintln(stdOut, version.Full())
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
		fields := configSummary(cfg, opts.configPath, "check_config")
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 日志 → 缓存引擎 → 启动预加载 → Fiber server”顺序，
	// 预加载失败只记录日志，不阻止服务启动。
	eng, err := engine.New(cfg, engine.Options{Logger: logger})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存引擎失败: %v\n", err)
		return 1
	}
	defer eng.Close()

	fields := configSummary(cfg, opts.configPath, "startup")
	fields["version"] = version.Version
	fields["revision"] = version.Revision()
	logger.WithFields(fields).Info("配置加载完成")

	if !opts.skipPreload {
		if err := eng.PreloadConfigured(context.Background()); err != nil {
			logger.WithError(err).WithField("action", "preload").Warn("启动预加载存在失败路径")
		}
	}

	if err := startHTTPServer(cfg, eng, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func configSummary(cfg *config.Config, configPath, action string) logrus.Fields {
	strategy, delay := cfg.Global.ReleasePolicy()
	fields := logging.BaseFields(action, configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["release_strategy"] = strategy.String()
	fields["release_delay_ms"] = delay.Milliseconds()
	fields["max_concurrent_loads"] = cfg.Global.MaxConcurrentLoads
	fields["version_check"] = cfg.Global.VersionCheckEnabled()
	fields["preload_groups"] = len(cfg.Preload)
	fields["preload_paths"] = cfg.PreloadPathCount()
	return fields
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("asset-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		skipPreload bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ASSET_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&skipPreload, "skip-preload", false, "跳过配置中的启动预加载")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ASSET_CACHE_CONFIG")
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
		skipPreload: skipPreload,
	}, nil
}

func startHTTPServer(cfg *config.Config, eng *engine.Engine, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Engine:     eng,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterAdminRoutes(app, eng, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
