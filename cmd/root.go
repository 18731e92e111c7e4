/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Seann-Moser/rccar/pkg/config"
)

var (
	cfgFile  string
	chipName string
	debug    bool
	logFile  string

	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger *zap.SugaredLogger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rccar",
	Short: "Drive a two-servo RC car over GPIO",
	Long: `rccar drives the steering and speed servos of an RC car by generating
50 Hz servo pulses in software on Raspberry Pi GPIO lines.

Use "run" for the keyboard session, "console" for line commands with history,
or "serve" for the browser control page.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger()
		if err != nil {
			return err
		}
		logger = l.Sugar()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&chipName, "chip", "", `GPIO chip to open, or "fake" for no hardware`)
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.Config{
		Level:    level,
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
	}
	if debug {
		level.SetLevel(zap.DebugLevel)
	}
	return cfg.Build()
}

// quietOnTerminal keeps info logs off a screen that is also drawing the
// session, unless they go to a file or debug was asked for.
func quietOnTerminal() {
	if logFile == "" && !debug {
		level.SetLevel(zap.WarnLevel)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if chipName != "" {
		cfg.Chip = chipName
	}
	logger.Debugw("loaded config", "file", cfgFile, "chip", cfg.Chip, "frequency", cfg.Frequency.String())
	return cfg, nil
}
