// schedulerd is the marketplace posting scheduler daemon.
//
// It polls the schedule store for due posting jobs, hands them to the
// configured execution agent, and reschedules recurring jobs. The dashboard
// talks to the same store; schedulerd never serves HTTP itself.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dealerkit/scheduler/sqlite"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "schedulerd",
	Short: "Marketplace posting scheduler daemon",
	Long: `schedulerd - background scheduler for marketplace posting jobs.

The daemon polls the schedule store at a fixed cadence, executes due
posting jobs through the configured automation agent, and reschedules
recurring jobs. All state lives in the store, so the dashboard can
create and cancel jobs while the daemon is running.

Examples:
  schedulerd start                # run the daemon in the foreground
  schedulerd stop                 # signal a running daemon to exit
  schedulerd status               # job counts, next run, recent history
  schedulerd diagnose             # read-only store and clock health check`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: schedulerd.yaml in the working directory)")
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, diagnoseCmd)
}

// loadConfig builds the daemon configuration: defaults, then an optional
// config file, then SCHEDULERD_* environment overrides.
func loadConfig() (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("db.path", "schedules.db")
	v.SetDefault("log.path", "scheduler.log")
	v.SetDefault("scheduler.poll_interval", "60s")
	v.SetDefault("scheduler.due_buffer", "2m")
	v.SetDefault("scheduler.agent_timeout", "10m")
	v.SetDefault("scheduler.stale_after", "30m")
	v.SetDefault("scheduler.stop_file", "scheduler_stop_signal.txt")
	v.SetDefault("agent.command", "python Bot.py")
	v.SetDefault("agent.workdir", ".")
	v.SetDefault("agent.profiles_file", "")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("schedulerd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SCHEDULERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// buildLogger tees a JSON core appending to the execution log file (the
// line-oriented, timestamped record the dashboard tails) with a console core
// on stdout. The returned func flushes both.
func buildLogger(v *viper.Viper) (*zap.SugaredLogger, func(), error) {
	logPath := v.GetString("log.path")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), zap.InfoLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), zap.InfoLevel),
	)
	logger := zap.New(core)

	cleanup := func() {
		_ = logger.Sync()
		_ = file.Close()
	}
	return logger.Sugar(), cleanup, nil
}

func openStore(v *viper.Viper, log *zap.SugaredLogger) (*sqlite.Store, error) {
	return sqlite.Open(v.GetString("db.path"), log)
}
