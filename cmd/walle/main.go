package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/walle/internal/cfg"
	"github.com/simplesurance/walle/internal/clock"
	"github.com/simplesurance/walle/internal/githubclt"
	"github.com/simplesurance/walle/internal/logfields"
	"github.com/simplesurance/walle/internal/mergequeue"
	"github.com/simplesurance/walle/internal/provider"
	"github.com/simplesurance/walle/internal/provider/github"
	"github.com/simplesurance/walle/internal/set"
)

const appName = "walle"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const eventChannelBufferSize = 1024

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		if err := httpsServer.Shutdown(ctx); err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/walle/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the walle configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nSerialize pull request integration into protected branches.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	exitOnErr("configuration is invalid", config.Validate())

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	return zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else if err := (&logLevel).Set(config.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
		os.Exit(2)
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func mergequeueConfig(config *cfg.Config) mergequeue.Config {
	return mergequeue.Config{
		IntegrationLabel:        config.MergeQueue.IntegrationLabel,
		TopPriorityLabels:       set.From(config.MergeQueue.TopPriorityLabels),
		RequiresAllStatusChecks: config.MergeQueue.RequiresAllStatusChecks,
		StatusChecksTimeout:     config.MergeQueue.StatusChecksTimeout(),
		BotUser:                config.MergeQueue.BotUser,
	}
}

// discoverTargetBranches fetches every currently open, integration-labeled
// pull request across the configured repositories and groups them by
// target branch, so the dispatcher can prime a MergeService for each one
// before the first webhook event arrives.
func discoverTargetBranches(ctx context.Context, gh *githubclt.Client, repos []cfg.GithubRepository, label string) []mergequeue.BranchRef {
	seen := map[mergequeue.BranchRef]bool{}
	var targets []mergequeue.BranchRef

	for _, r := range repos {
		repo := mergequeue.Repository{Owner: r.Owner, Name: r.RepositoryName}

		prs, err := gh.FetchOpenPullRequests(ctx, repo, "", label)
		if err != nil {
			logger.Error(
				"fetching open pull requests for bootstrap failed",
				zap.String("repository", repo.String()),
				zap.Error(err),
			)
			continue
		}

		for _, pr := range prs {
			if seen[pr.Target] {
				continue
			}

			seen[pr.Target] = true
			targets = append(targets, pr.Target)
		}
	}

	return targets
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintf(os.Stderr, "https_listen_addr or http_listen_addr must be defined in the config file, both are unset\n")
		os.Exit(1)
	}

	githubClient := githubclt.New(config.GithubAPIToken)
	clk := clock.New()

	dispatcher := mergequeue.NewDispatcher(
		mergequeueConfig(config),
		githubClient,
		clk,
		logger,
		config.MergeQueue.IdleCleanupDelay(),
		config.MergeQueue.PokeInterval(),
	)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_listen_addr", config.HTTPListenAddr),
		zap.String("https_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
		zap.String("integration_label", config.MergeQueue.IntegrationLabel),
	)

	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	targets := discoverTargetBranches(bootstrapCtx, githubClient, config.Repositories, config.MergeQueue.IntegrationLabel)
	dispatcher.Bootstrap(bootstrapCtx, targets)
	bootstrapCancel()

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		dispatcher.Stop()
	})

	prChan := make(chan *provider.PullRequestActionEvent, eventChannelBufferSize)
	statusChan := make(chan *provider.StatusCheckEvent, eventChannelBufferSize)

	ctx, cancel := context.WithCancel(context.Background())
	goodbye.Register(func(context.Context, os.Signal) { cancel() })

	monitored := map[mergequeue.Repository]bool{}
	for _, r := range config.Repositories {
		monitored[mergequeue.Repository{Owner: r.Owner, Name: r.RepositoryName}] = true
	}

	go func() {
		for {
			select {
			case ev, ok := <-prChan:
				if !ok {
					return
				}
				if !monitored[ev.PullRequest.Target.Repository] {
					continue
				}
				dispatcher.DispatchPullRequestAction(ctx, ev.PullRequest, ev.Action)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case ev, ok := <-statusChan:
				if !ok {
					return
				}
				if !monitored[ev.BranchRef.Repository] {
					continue
				}
				dispatcher.DispatchStatusEvent(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	gh := github.New(
		[]chan<- *provider.PullRequestActionEvent{prChan},
		[]chan<- *provider.StatusCheckEvent{statusChan},
		github.WithPayloadSecret(config.GithubWebHookSecret),
	)

	mux := http.NewServeMux()
	mux.HandleFunc(config.HTTPGithubWebhookEndpoint, gh.HTTPHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpService := mergequeue.NewHTTPService(dispatcher, logger)
	httpService.RegisterHandlers(mux, "/status/")

	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
	)

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	<-ctx.Done()
}
