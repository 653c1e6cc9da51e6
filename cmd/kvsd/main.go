package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kvsd/internal/backup"
	"kvsd/internal/config"
	"kvsd/internal/jobs"
	"kvsd/internal/server"
	"kvsd/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kvsd",
		Short: "An in-memory key/value store with job-file batch processing and interactive sessions",
	}

	rootCmd.AddCommand(newServeCmd(), newRunJobsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve [jobs_dir] [max_threads] [max_backups] [server_pipe_name]",
		Short: "Start the job-file driver and the interactive session server",
		Args:  cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyPositionalArgs(v, args, "jobs_dir", "max_threads", "max_backups", "pipe"); err != nil {
				return err
			}
			return runServe(v)
		},
	}

	f := cmd.Flags()
	f.String("jobs-dir", "", "directory of *.job files to process at startup")
	f.Int("max-threads", 4, "worker threads for the job-file driver")
	f.Int("max-backups", 1, "maximum concurrent backup snapshot writes")
	f.String("pipe", "kvsd", "name of the server FIFO, created at /tmp/<name>")
	f.String("metrics-addr", ":9090", "listen address for the Prometheus/health HTTP server")
	f.String("config", "", "optional path to a commented-JSON (.jsonc) config file")

	bindFlag := func(viperKey, flagName string) {
		_ = v.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("jobs_dir", "jobs-dir")
	bindFlag("max_threads", "max-threads")
	bindFlag("max_backups", "max-backups")
	bindFlag("pipe", "pipe")
	bindFlag("metrics_addr", "metrics-addr")

	v.SetEnvPrefix("KVSD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if path, _ := f.GetString("config"); path != "" {
			return config.LoadFile(v, path)
		}
		return nil
	}

	return cmd
}

func newRunJobsCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run-jobs [jobs_dir] [max_threads] [max_backups]",
		Short: "Process every *.job file in a directory once, then exit",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyPositionalArgs(v, args, "jobs_dir", "max_threads", "max_backups"); err != nil {
				return err
			}
			return runJobsOnce(v)
		},
	}

	f := cmd.Flags()
	f.String("jobs-dir", "", "directory of *.job files to process")
	f.Int("max-threads", 4, "worker threads for the job-file driver")
	f.Int("max-backups", 1, "maximum concurrent backup snapshot writes")
	f.String("config", "", "optional path to a commented-JSON (.jsonc) config file")

	bindFlag := func(viperKey, flagName string) {
		_ = v.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("jobs_dir", "jobs-dir")
	bindFlag("max_threads", "max-threads")
	bindFlag("max_backups", "max-backups")

	v.SetEnvPrefix("KVSD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if path, _ := f.GetString("config"); path != "" {
			return config.LoadFile(v, path)
		}
		return nil
	}

	return cmd
}

// applyPositionalArgs supports a positional-argument calling convention
// (`kvsd serve <jobs_dir> <max_threads> <max_backups> <server_pipe_name>`)
// by setting each present argument as a default in v,
// which takes priority over flag defaults but not over an explicitly
// passed flag, an environment variable, or a config-file value.
func applyPositionalArgs(v *viper.Viper, args []string, keys ...string) error {
	for i, raw := range args {
		if i >= len(keys) {
			break
		}
		key := keys[i]
		switch key {
		case "max_threads", "max_backups":
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s must be a positive integer, got %q", key, raw)
			}
			v.SetDefault(key, n)
		default:
			v.SetDefault(key, raw)
		}
	}
	return nil
}

func runServe(v *viper.Viper) error {
	cfg := config.Load(v)
	if cfg.MaxThreads <= 0 || cfg.MaxBackups <= 0 {
		return fmt.Errorf("max_threads and max_backups must both be > 0")
	}

	srv := server.New(server.Config{
		JobsDir:     cfg.JobsDir,
		MaxThreads:  cfg.MaxThreads,
		MaxBackups:  cfg.MaxBackups,
		PipeName:    cfg.ServerPipe,
		MetricsAddr: cfg.MetricsAddr,
	})
	return srv.Start()
}

func runJobsOnce(v *viper.Viper) error {
	cfg := config.Load(v)
	if cfg.MaxThreads <= 0 || cfg.MaxBackups <= 0 {
		return fmt.Errorf("max_threads and max_backups must both be > 0")
	}
	if cfg.JobsDir == "" {
		return fmt.Errorf("jobs_dir is required")
	}

	st := store.New(store.DefaultTableSize)
	backups := backup.New(st, cfg.MaxBackups)

	driver := &jobs.Driver{
		Store:      st,
		Backups:    backups,
		Dir:        cfg.JobsDir,
		MaxThreads: cfg.MaxThreads,
	}
	if err := driver.Run(context.Background()); err != nil {
		return err
	}
	backups.Wait()
	return nil
}
