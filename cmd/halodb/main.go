// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// halodb is a command line tool for inspecting and loading halodb
// databases.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bpowers/halodb"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "halodb",
		Short:        "Read and write halodb databases",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("dir", "", "database directory")
	cmd.PersistentFlags().Bool("verbose", false, "log recovery and compaction to stderr")
	cmd.PersistentFlags().Bool("sync", false, "sync every write to disk")
	cmd.PersistentFlags().Int64("max-file-size", halodb.DefaultOptions().MaxFileSize, "size at which data files are rotated")
	cmd.PersistentFlags().Int("threads", 1, "threads used to rebuild the index at open")
	cmd.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newStatsCmd(),
		newLoadCmd(),
		newGenCmd(),
	)
	return cmd
}

// openDB opens the database named by the persistent flags.
func openDB(cmd *cobra.Command) (*halodb.DB, error) {
	flags := cmd.Flags()
	dir, err := flags.GetString("dir")
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, errMissingDir
	}

	opts := halodb.DefaultOptions()
	if opts.SyncWrite, err = flags.GetBool("sync"); err != nil {
		return nil, err
	}
	if opts.MaxFileSize, err = flags.GetInt64("max-file-size"); err != nil {
		return nil, err
	}
	if opts.BuildIndexThreads, err = flags.GetInt("threads"); err != nil {
		return nil, err
	}

	dbOpts := []halodb.Option{halodb.WithOptions(opts)}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
		dbOpts = append(dbOpts, halodb.WithLogger(logger))
	}
	return halodb.Open(dir, dbOpts...)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
