package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "codexbridge dev\n", out)
}

func TestServeOverStdio(t *testing.T) {
	cfg := writeConfig(t, "llm: mock\nlogging:\n  level: error\n")
	dir := t.TempDir()
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"thread/start","params":{"name":"T"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"thread/list"}`,
	}, "\n") + "\n"

	out, err := run(t, input, "--config", cfg, "serve", "--workspace", dir)
	require.NoError(t, err)

	var lines []map[string]json.RawMessage
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]["result"]), `"codexbridge"`)

	var started struct {
		Thread struct {
			ID  string `json:"id"`
			Cwd string `json:"cwd"`
		} `json:"thread"`
	}
	require.NoError(t, json.Unmarshal(lines[1]["result"], &started))
	assert.NotEmpty(t, started.Thread.ID)
	assert.Contains(t, string(lines[2]["result"]), started.Thread.ID)
}

func TestServeRejectsUnknownProvider(t *testing.T) {
	_, err := run(t, "", "serve", "--llm", "nope")
	require.Error(t, err)
}

func TestDoctor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script")
	}
	bin := filepath.Join(t.TempDir(), "fake-server")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho fake 1.2.3\n"), 0o755))

	out, err := run(t, "", "doctor", "--executable", bin)
	require.NoError(t, err)
	var report struct {
		OK      bool   `json:"ok"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.OK)
	assert.Equal(t, "fake 1.2.3", report.Version)

	out, err = run(t, "", "doctor", "--executable", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Contains(t, out, `"ok": false`)
}
