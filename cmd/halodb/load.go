// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bpowers/halodb"
)

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load [FILE]",
		Short: "Put every key:value line of FILE (or stdin) into the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() {
					_ = f.Close()
				}()
				in = f
			}
			return withDB(cmd, func(db *halodb.DB) error {
				n, err := load(db, in)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "loaded %d records\n", n)
				return err
			})
		},
	}
}

func load(db *halodb.DB, r io.Reader) (int, error) {
	n := 0
	s := bufio.NewScanner(bufio.NewReaderSize(r, 16*1024))
	for lineno := 1; s.Scan(); lineno++ {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		k, v, ok := split2(line, ':')
		if !ok {
			return n, fmt.Errorf("line %d: expected key:value", lineno)
		}
		if err := db.Put(k, v); err != nil {
			return n, fmt.Errorf("line %d: %w", lineno, err)
		}
		n++
	}
	return n, s.Err()
}
