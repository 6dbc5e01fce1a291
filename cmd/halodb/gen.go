// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"

	"github.com/spf13/cobra"
)

const (
	genPrefix    = "pref_"
	genSuffixLen = 16
	genHMACKey   = "d259c7f656caf7f1"
)

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		var seedBytes [8]byte
		_, _ = crand.Read(seedBytes[:])
		seed = int64(binary.LittleEndian.Uint64(seedBytes[:]))
	}
	return rand.New(rand.NewSource(seed))
}

func newGenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Write random key:value test data to stdout, suitable for load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := cmd.Flags().GetInt("count")
			if err != nil {
				return err
			}
			seed, err := cmd.Flags().GetInt64("seed")
			if err != nil {
				return err
			}
			w := bufio.NewWriter(cmd.OutOrStdout())
			if err := generate(w, newRand(seed), n); err != nil {
				return err
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("count", 1000000, "number of pairs to generate")
	cmd.Flags().Int64("seed", 0, "random seed; 0 picks one")
	return cmd
}

// generate writes n lines of the form hex(hmac(value)):value.
func generate(w io.Writer, rng *rand.Rand, n int) error {
	h := hmac.New(sha256.New, []byte(genHMACKey))
	for i := 0; i < n; i++ {
		var buf [genSuffixLen / 2]byte
		if _, err := rng.Read(buf[:]); err != nil {
			return err
		}
		value := fmt.Sprintf("%s%x", genPrefix, buf)
		h.Reset()
		h.Write([]byte(value))
		key := hex.EncodeToString(h.Sum(nil))

		if _, err := fmt.Fprintf(w, "%s:%s\n", key, value); err != nil {
			return err
		}
	}
	return nil
}
