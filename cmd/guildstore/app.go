package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/guildstore"
	"pkt.systems/guildstore/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("GUILDSTORE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "guildstore")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, svcfields.CLI, "root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged structurally only for the server.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := guildstore.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, guildstore.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
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

// configNames lists every key bound from flags, environment (GUILDSTORE_*)
// and the YAML config file.
var configNames = []string{
	"config", "store", "listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
	"otlp-endpoint", "disable-storage-tracing",
	"lease-ttl", "cache-ttl", "cache-capacity", "max-record-bytes", "max-wait", "shutdown-timeout",
	"azure-key", "azure-sas-token", "azure-connection-string", "azure-endpoint",
	"aws-region", "s3-access-key-id", "s3-secret-access-key", "s3-session-token",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg guildstore.Config
	cmd := &cobra.Command{
		Use:           "guildstore",
		Short:         "guildstore serves per-guild configuration records with exclusive checkout",
		SilenceErrors: true,
		Example: `
  # Records as JSON files under ./file-data/guilds (the default)
  guildstore

  # MinIO (append ?insecure=1 for plain HTTP)
  GUILDSTORE_STORE=s3://localhost:9000/guilds?insecure=1 GUILDSTORE_S3_ACCESS_KEY_ID=minioadmin GUILDSTORE_S3_SECRET_ACCESS_KEY=minioadmin guildstore

  # AWS S3 (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  guildstore --store aws://my-bucket/guilds --aws-region eu-north-1

  # Azure Blob Storage with native blob leases
  AZURE_STORAGE_KEY=... guildstore --store azure://myaccount/guilds

  # Inspect and edit a record
  guildstore show 123456789012345678
  guildstore set 123456789012345678 --add-creator-role 42 --welcome-channel 99
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger, err := prepareConfig(&cfg, baseLogger)
			if err != nil {
				return err
			}
			cliLogger := svcfields.WithSubsystem(logger, svcfields.CLI, "root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to guildstore",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			server, err := guildstore.NewServer(cfg, guildstore.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.guildstore/"+guildstore.DefaultConfigFileName+")")
	persistentFlags.StringP("store", "s", guildstore.DefaultStore, "storage backend URL (disk:path, mem://, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	persistentFlags.Duration("lease-ttl", guildstore.DefaultLeaseTTL, "lease requested per checkout on remote backends")
	persistentFlags.String("max-record-bytes", humanizeBytes(guildstore.DefaultMaxRecordBytes), "largest record accepted before it is reported as corrupt")
	persistentFlags.Duration("max-wait", guildstore.DefaultMaxWait, "how long updates wait for a locked record (0 tries once)")
	persistentFlags.Bool("disable-storage-tracing", false, "skip the traced storage decorator")
	persistentFlags.String("azure-key", "", "Azure Storage account key (or AZURE_STORAGE_KEY)")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token (alternative to account key)")
	persistentFlags.String("azure-connection-string", "", "Azure Storage connection string (takes precedence)")
	persistentFlags.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to https://<account>.blob.core.windows.net)")
	persistentFlags.String("aws-region", "", "AWS region for aws:// stores")
	persistentFlags.String("s3-access-key-id", "", "access key for s3:// stores")
	persistentFlags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	persistentFlags.String("s3-session-token", "", "session token for s3:// stores")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", guildstore.DefaultListen, "HTTP listen address")
	flags.String("metrics-listen", guildstore.DefaultMetricsListen, "Prometheus scrape endpoint address (empty disables)")
	flags.String("pprof-listen", guildstore.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("cache-ttl", guildstore.DefaultCacheTTL, "how long cached guild snapshots are served")
	flags.Uint64("cache-capacity", guildstore.DefaultCacheCapacity, "maximum cached guilds")
	flags.Duration("shutdown-timeout", guildstore.DefaultShutdownTimeout, "graceful shutdown timeout")

	viper.SetEnvPrefix("GUILDSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range configNames {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newShowCommand(baseLogger))
	cmd.AddCommand(newSetCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// prepareConfig loads the config file, binds viper into cfg and applies
// --log-level to baseLogger.
func prepareConfig(cfg *guildstore.Config, baseLogger pslog.Logger) (pslog.Logger, error) {
	logger := baseLogger
	configFile, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	if err := bindConfig(cfg); err != nil {
		return nil, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(logger, svcfields.CLI).Info("loaded config file", "path", configFile)
	}
	return logger, nil
}

func bindConfig(cfg *guildstore.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableStorageTracing = viper.GetBool("disable-storage-tracing")
	cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	cfg.CacheTTL = viper.GetDuration("cache-ttl")
	cfg.CacheCapacity = viper.GetUint64("cache-capacity")
	if raw := strings.TrimSpace(viper.GetString("max-record-bytes")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-record-bytes: %w", err)
		}
		cfg.MaxRecordBytes = int64(size)
	}
	cfg.MaxWait = viper.GetDuration("max-wait")
	if cfg.MaxWait == 0 {
		cfg.MaxWait = guildstore.NoWait
	}
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.AzureConnectionString = viper.GetString("azure-connection-string")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	return cfg.Validate()
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
