package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	backend "github.com/KauaneAlmeida/projet-backendd"
	"github.com/KauaneAlmeida/projet-backendd/internal/svcfields"
	"github.com/KauaneAlmeida/projet-backendd/internal/version"
)

const envPrefix = "WABRIDGE"

// envAliases maps flags to the unprefixed variables used by existing
// deployments. The prefixed name always wins.
var envAliases = map[string][]string{
	"bucket":       {"SESSION_BUCKET"},
	"notify-url":   {"WEBHOOK_URL"},
	"phone-number": {"WHATSAPP_PHONE_NUMBER"},
	"listen":       {"PORT"},
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "wabridge")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	var checkConfig bool

	cmd := &cobra.Command{
		Use:           "wabridge",
		Short:         "wabridge keeps a WhatsApp bot connected with its session in object storage and queues outbound messages",
		SilenceErrors: true,
		Example: `
  # AWS S3 bucket (credentials from the default AWS chain)
  SESSION_BUCKET=my-bucket AWS_REGION=sa-east-1 wabridge

  # MinIO with a webhook for inbound messages
  WABRIDGE_STORE=s3://localhost:9000/bots?insecure=1 WEBHOOK_URL=http://bot:3000/hook wabridge

  # Local disk, exponential reconnect backoff
  wabridge --store disk:///var/lib/wabridge --reconnect-backoff

  # Print the resolved configuration and exit
  wabridge --store mem:// --check-config
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if checkConfig {
				return writeSettings(cmd.OutOrStdout(), settingsFromConfig(cfg))
			}

			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info("welcome to wabridge",
				"version", version.Current(),
				"pid", os.Getpid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			return run(cmd.Context(), cfg, logger, cliLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.BoolVar(&checkConfig, "check-config", false, "validate and print the resolved configuration, then exit")
	flags.String("store", "", "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("bucket", "", "S3 bucket holding the session (shorthand for --store aws://<bucket>; env SESSION_BUCKET)")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("session-prefix", backend.DefaultSessionPrefix, "object prefix for session files and the lock")
	flags.String("session-dir", backend.DefaultSessionDir, "local working directory for the session")
	flags.String("listen", backend.DefaultListen, "HTTP listen address or port (env PORT)")
	flags.String("phone-number", backend.DefaultPhoneNumber, "phone number reported by /health (env WHATSAPP_PHONE_NUMBER)")
	flags.String("allowed-origin", backend.DefaultAllowedOrigin, "Access-Control-Allow-Origin sent with every response")
	flags.String("device-name", backend.DefaultDeviceName, "device name shown under Linked devices")
	flags.String("notify-url", "", "webhook receiving inbound messages (env WEBHOOK_URL)")
	flags.Float64("notify-rate", backend.DefaultNotifyRate, "webhook requests per second")
	flags.Int("notify-burst", backend.DefaultNotifyBurst, "webhook burst size")
	flags.Bool("disable-lock", false, "run without the session lock")
	flags.Duration("lock-ttl", backend.DefaultLockTTL, "age after which an abandoned session lock may be broken")
	flags.Duration("lock-keepalive", backend.DefaultLockKeepalive, "interval between session lock refreshes (negative disables)")
	flags.Duration("qr-debounce", backend.DefaultQRDebounce, "minimum interval between exposed pairing codes")
	flags.Duration("reconnect-delay", backend.DefaultReconnectDelay, "delay before reconnecting")
	flags.Bool("reconnect-backoff", false, "double the reconnect delay after each consecutive failure")
	flags.Duration("reconnect-max-delay", backend.DefaultReconnectMaxDelay, "cap for the reconnect backoff")
	flags.Duration("upload-debounce", 0, "quiet period before saving and uploading changed session files (0 disables the watcher)")
	flags.Int("queue-size", backend.DefaultQueueSize, "outbound queue capacity")
	flags.Int("queue-max-attempts", backend.DefaultQueueMaxAttempts, "send attempts per queued message")
	flags.Duration("queue-retry-delay", backend.DefaultQueueRetryDelay, "pause after a failed send")
	flags.Duration("queue-item-delay", backend.DefaultQueueItemDelay, "pause between consecutive sends")
	flags.Int("retry-attempts", backend.DefaultRetryAttempts, "attempts for session storage and webhook operations")
	flags.Duration("retry-base-delay", backend.DefaultRetryBaseDelay, "first retry delay")
	flags.Duration("retry-max-delay", backend.DefaultRetryMaxDelay, "maximum retry delay")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", backend.DefaultShutdownTimeout, "graceful shutdown budget")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bind := func(flag *pflag.Flag) {
		if flag.Name == "check-config" {
			return
		}
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
		if aliases, ok := envAliases[flag.Name]; ok {
			envs := append([]string{envName(flag.Name)}, aliases...)
			if err := v.BindEnv(append([]string{flag.Name}, envs...)...); err != nil {
				panic(err)
			}
		}
	}
	persistentFlags.VisitAll(bind)
	flags.VisitAll(bind)

	cmd.AddCommand(newConfigCommand(flags))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func envName(flag string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func run(ctx context.Context, cfg backend.Config, logger, cliLogger pslog.Logger) error {
	srv, err := backend.NewServer(ctx, cfg, backend.WithLogger(logger))
	if err != nil {
		return err
	}
	shutdownDone := make(chan error, 2)
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		start := time.Now()
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		} else {
			cliLogger.Info("shutdown complete", "elapsed", time.Since(start).Round(time.Millisecond).String())
		}
		shutdownDone <- err
	}
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdown()
		case <-stopped:
		}
	}()

	serveErr := srv.Start()
	close(stopped)
	if ctx.Err() == nil {
		shutdown()
	}
	shutdownErr := <-shutdownDone
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

func bindConfig(v *viper.Viper) (backend.Config, error) {
	cfg := backend.Config{
		Store:                  v.GetString("store"),
		Bucket:                 v.GetString("bucket"),
		AWSRegion:              v.GetString("aws-region"),
		SessionPrefix:          v.GetString("session-prefix"),
		SessionDir:             v.GetString("session-dir"),
		Listen:                 v.GetString("listen"),
		PhoneNumber:            v.GetString("phone-number"),
		AllowedOrigin:          v.GetString("allowed-origin"),
		DeviceName:             v.GetString("device-name"),
		NotifyURL:              v.GetString("notify-url"),
		NotifyRate:             v.GetFloat64("notify-rate"),
		NotifyBurst:            v.GetInt("notify-burst"),
		DisableLock:            v.GetBool("disable-lock"),
		LockTTL:                v.GetDuration("lock-ttl"),
		LockKeepalive:          v.GetDuration("lock-keepalive"),
		QRDebounce:             v.GetDuration("qr-debounce"),
		ReconnectDelay:         v.GetDuration("reconnect-delay"),
		ReconnectBackoff:       v.GetBool("reconnect-backoff"),
		ReconnectMaxDelay:      v.GetDuration("reconnect-max-delay"),
		UploadDebounce:         v.GetDuration("upload-debounce"),
		QueueSize:              v.GetInt("queue-size"),
		QueueMaxAttempts:       v.GetInt("queue-max-attempts"),
		QueueRetryDelay:        v.GetDuration("queue-retry-delay"),
		QueueItemDelay:         v.GetDuration("queue-item-delay"),
		RetryAttempts:          v.GetInt("retry-attempts"),
		RetryBaseDelay:         v.GetDuration("retry-base-delay"),
		RetryMaxDelay:          v.GetDuration("retry-max-delay"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
	}
	return cfg, nil
}

func settingsFromConfig(cfg backend.Config) map[string]any {
	return map[string]any{
		"store":                    cfg.Store,
		"aws-region":               cfg.AWSRegion,
		"session-prefix":           cfg.SessionPrefix,
		"session-dir":              cfg.SessionDir,
		"listen":                   cfg.Listen,
		"phone-number":             cfg.PhoneNumber,
		"allowed-origin":           cfg.AllowedOrigin,
		"device-name":              cfg.DeviceName,
		"notify-url":               cfg.NotifyURL,
		"notify-rate":              cfg.NotifyRate,
		"notify-burst":             cfg.NotifyBurst,
		"disable-lock":             cfg.DisableLock,
		"lock-ttl":                 cfg.LockTTL.String(),
		"lock-keepalive":           cfg.LockKeepalive.String(),
		"qr-debounce":              cfg.QRDebounce.String(),
		"reconnect-delay":          cfg.ReconnectDelay.String(),
		"reconnect-backoff":        cfg.ReconnectBackoff,
		"reconnect-max-delay":      cfg.ReconnectMaxDelay.String(),
		"upload-debounce":          cfg.UploadDebounce.String(),
		"queue-size":               cfg.QueueSize,
		"queue-max-attempts":       cfg.QueueMaxAttempts,
		"queue-retry-delay":        cfg.QueueRetryDelay.String(),
		"queue-item-delay":         cfg.QueueItemDelay.String(),
		"retry-attempts":           cfg.RetryAttempts,
		"retry-base-delay":         cfg.RetryBaseDelay.String(),
		"retry-max-delay":          cfg.RetryMaxDelay.String(),
		"metrics-listen":           cfg.MetricsListen,
		"pprof-listen":             cfg.PprofListen,
		"otlp-endpoint":            cfg.OTLPEndpoint,
		"enable-profiling-metrics": cfg.EnableProfilingMetrics,
		"shutdown-timeout":         cfg.ShutdownTimeout.String(),
	}
}

func writeSettings(w io.Writer, settings map[string]any) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
