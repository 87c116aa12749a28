// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_doMain(t *testing.T) {
	t.Run("version", func(t *testing.T) {
		out := &bytes.Buffer{}
		doMain(t.Context(), out, os.Stderr, []string{"version"}, nil, nil, nil)
		require.Equal(t, "Memory Gateway CLI: dev\n", out.String())
	})

	t.Run("help exits zero", func(t *testing.T) {
		out := &bytes.Buffer{}
		require.PanicsWithValue(t, 0, func() {
			doMain(t.Context(), out, os.Stderr, []string{"--help"}, func(code int) { panic(code) }, nil, nil)
		})
		require.Contains(t, out.String(), "Memory Gateway CLI")
		require.Contains(t, out.String(), "healthcheck")
	})

	t.Run("run dispatches with parsed flags", func(t *testing.T) {
		var got cmdRun
		rf := func(_ context.Context, c cmdRun, _, _ io.Writer) error {
			got = c
			return nil
		}
		doMain(t.Context(), &bytes.Buffer{}, os.Stderr, []string{"run", "./config.yaml", "--debug", "--admin-port=9901"}, nil, rf, nil)

		abs, err := filepath.Abs("./config.yaml")
		require.NoError(t, err)
		require.Equal(t, abs, got.Path)
		require.True(t, got.Debug)
		require.Equal(t, 9901, got.AdminPort)
	})

	t.Run("run without path is a parse error", func(t *testing.T) {
		rf := func(context.Context, cmdRun, io.Writer, io.Writer) error { return nil }
		// Kong follows the "semantic exit code" convention, 80 means usage error.
		require.PanicsWithValue(t, 80, func() {
			doMain(t.Context(), &bytes.Buffer{}, io.Discard, []string{"run"}, func(code int) { panic(code) }, rf, nil)
		})
	})

	t.Run("healthcheck dispatches with port", func(t *testing.T) {
		var gotPort int
		hf := func(_ context.Context, port int, _, _ io.Writer) error {
			gotPort = port
			return nil
		}
		doMain(t.Context(), &bytes.Buffer{}, os.Stderr, []string{"healthcheck", "--admin-port=9901"}, nil, nil, hf)
		require.Equal(t, 9901, gotPort)
	})
}
