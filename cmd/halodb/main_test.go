// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/halodb"
)

func TestSplit2(t *testing.T) {
	sep := byte(':')
	for _, testcase := range []string{
		"",
		"a:b",
		":a:b:",
		"a:b:",
	} {
		input := []byte(testcase)
		expected := bytes.SplitN(input, []byte{sep}, 2)
		var actualL, actualR []byte
		var ok bool
		allocs := testing.AllocsPerRun(1, func() {
			actualL, actualR, ok = split2(input, sep)
		})
		require.Zero(t, allocs)
		if len(expected) < 2 {
			require.False(t, ok)
		} else {
			require.True(t, ok)
			require.Equal(t, expected[0], actualL)
			require.Equal(t, expected[1], actualR)
		}
	}
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "", "put", "--dir", dir, "hello", "world")
	require.NoError(t, err)
	out, err := run(t, "", "get", "--dir", dir, "hello")
	require.NoError(t, err)
	assert.Equal(t, "world\n", out)

	_, err = run(t, "", "delete", "--dir", dir, "hello")
	require.NoError(t, err)
	_, err = run(t, "", "get", "--dir", dir, "hello")
	assert.ErrorIs(t, err, halodb.ErrNotFound)

	out, err = run(t, "", "stats", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "live keys:       0\n")
	assert.Contains(t, out, "sequence:        2\n")

	_, err = run(t, "", "get", "hello")
	assert.ErrorIs(t, err, errMissingDir)
}

func TestGenLoad(t *testing.T) {
	dir := t.TempDir()

	data, err := run(t, "", "gen", "--count", "500", "--seed", "7")
	require.NoError(t, err)
	again, err := run(t, "", "gen", "--count", "500", "--seed", "7")
	require.NoError(t, err)
	require.Equal(t, data, again)

	out, err := run(t, data, "load", "--dir", dir, "--max-file-size", "4096")
	require.NoError(t, err)
	assert.Equal(t, "loaded 500 records\n", out)

	d, err := halodb.Open(dir)
	require.NoError(t, err)
	defer d.Close()
	s := bufio.NewScanner(strings.NewReader(data))
	n := 0
	for s.Scan() {
		k, v, ok := split2(s.Bytes(), ':')
		require.True(t, ok)
		got, err := d.Get(k)
		require.NoError(t, err)
		assert.Equal(t, string(v), string(got))
		n++
	}
	assert.Equal(t, 500, n)
	assert.Equal(t, 500, d.Stats().LiveKeys)

	_, err = run(t, "no separator here\n", "load", "--dir", dir)
	assert.Error(t, err)
}

func TestLoad_ReportsInputLine(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "a:1\n\n\nno separator\n", "load", "--dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 4:")

	// the line before the bad one was still loaded
	out, err := run(t, "", "get", "--dir", dir, "a")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}

var errBrokenPipe = errors.New("broken pipe")

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errBrokenPipe
}

func TestStats_ReportsWriteErrors(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(failingWriter{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"stats", "--dir", t.TempDir()})
	assert.ErrorIs(t, cmd.Execute(), errBrokenPipe)
}
