// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bpowers/halodb"
)

var errMissingDir = errors.New("--dir is required")

// withDB opens the database for the duration of fn, reporting the first
// of fn's and Close's errors.
func withDB(cmd *cobra.Command, fn func(db *halodb.DB) error) (err error) {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(db)
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Add or update a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *halodb.DB) error {
				return db.Put([]byte(args[0]), []byte(args[1]))
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *halodb.DB) error {
				v, err := db.Get([]byte(args[0]))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", v)
				return err
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *halodb.DB) error {
				return db.Delete([]byte(args[0]))
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the database's files and index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *halodb.DB) error {
				s := db.Stats()
				w := bufio.NewWriter(cmd.OutOrStdout())
				fmt.Fprintf(w, "live keys:       %d\n", s.LiveKeys)
				fmt.Fprintf(w, "sequence:        %d\n", s.Sequence)
				fmt.Fprintf(w, "data files:      %d\n", s.DataFiles)
				fmt.Fprintf(w, "tombstone files: %d\n", s.TombstoneFiles)
				fmt.Fprintf(w, "data bytes:      %d\n", s.DataBytes)
				fmt.Fprintf(w, "stale bytes:     %d\n", s.StaleDataBytes)
				fmt.Fprintf(w, "index memory:    %d\n", s.IndexMemoryBytes)
				// a bufio.Writer keeps the first write error and reports it here
				return w.Flush()
			})
		},
	}
}
