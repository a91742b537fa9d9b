// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

// Command edusync is a thin driver around the sync engine: it plays the role
// the mobile UI plays in the app, calling into the repositories and the
// reconciler and rendering their results.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "edusync",
		Short:         "Local-first sync engine for offices, levels and students",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("db", "edusync.db", "path to the local SQLite database")
	root.PersistentFlags().String("remote-dsn", "", "Postgres DSN of the remote store")
	root.PersistentFlags().String("log-file", "", "write logs to this file (rotated) instead of stderr")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")

	viper.SetEnvPrefix("EDUSYNC")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("db", root.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("remote_dsn", root.PersistentFlags().Lookup("remote-dsn"))
	_ = viper.BindPFlag("log_file", root.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))

	root.AddCommand(newListCmd())
	root.AddCommand(newCreateCmd())
	root.AddCommand(newUpdateCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newLoginCmd())
	return root
}

// newLogger builds the process logger. With --log-file set, output rotates
// via lumberjack so long-running sync sessions don't grow without bound.
func newLogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if path := viper.GetString("log_file"); path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}
	}
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
