package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/guildstore"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage guildstore configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.guildstore/" + guildstore.DefaultConfigFileName
	if dir, err := guildstore.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, guildstore.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default guildstore configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := guildstore.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, guildstore.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the flag names so the file can be read back by viper.
type configDefaults struct {
	Store                  string `yaml:"store"`
	Listen                 string `yaml:"listen"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	DisableStorageTracing  bool   `yaml:"disable-storage-tracing"`
	LeaseTTL               string `yaml:"lease-ttl"`
	CacheTTL               string `yaml:"cache-ttl"`
	CacheCapacity          uint64 `yaml:"cache-capacity"`
	MaxRecordBytes         string `yaml:"max-record-bytes"`
	MaxWait                string `yaml:"max-wait"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	AzureEndpoint          string `yaml:"azure-endpoint"`
	AWSRegion              string `yaml:"aws-region"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:           guildstore.DefaultStore,
		Listen:          guildstore.DefaultListen,
		MetricsListen:   guildstore.DefaultMetricsListen,
		PprofListen:     guildstore.DefaultPprofListen,
		LeaseTTL:        guildstore.DefaultLeaseTTL.String(),
		CacheTTL:        guildstore.DefaultCacheTTL.String(),
		CacheCapacity:   guildstore.DefaultCacheCapacity,
		MaxRecordBytes:  humanizeBytes(guildstore.DefaultMaxRecordBytes),
		MaxWait:         guildstore.DefaultMaxWait.String(),
		ShutdownTimeout: guildstore.DefaultShutdownTimeout.String(),
		LogLevel:        "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := []byte("# guildstore configuration. Secrets (azure-key, s3-secret-access-key, ...)\n# are better passed through GUILDSTORE_* environment variables.\n")
	return append(header, data...), nil
}
