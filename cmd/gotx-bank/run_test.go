package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/gotx/config"
)

func Test_run_bank(t *testing.T) {
	c, err := config.Parse(`
[log]
level = "error"

[bank]
accounts = 3
initial-balance = 50
transfers = 30
concurrency = 3
max-amount = 10

[transaction]
lock-timeout = "300ms"
monitor-tick = "10ms"
`)
	require.NoError(t, err)
	c.Log.File = filepath.Join(t.TempDir(), "bank.log")

	var out bytes.Buffer
	require.NoError(t, runBank(context.Background(), c, &out))
	assert.Contains(t, out.String(), "acc0")
	assert.Contains(t, out.String(), "total balance 150 preserved")
}

func Test_run_command(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bank.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "error"
file = "`+filepath.ToSlash(filepath.Join(dir, "bank.log"))+`"

[bank]
accounts = 2
transfers = 5
`), 0o644))

	tests := []struct {
		name    string
		args    []string
		expect  string
		wantErr bool
	}{
		{
			name:   "version",
			args:   []string{"version"},
			expect: "gotx-bank dev",
		},
		{
			name:   "run with config",
			args:   []string{"run", "--config", path, "--concurrency", "2"},
			expect: "total balance 200 preserved",
		},
		{
			name:    "unknown backend",
			args:    []string{"run", "--config", path, "--backend", "etcd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backendArg, configPath = "", ""
			cmd := newRootCommand()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), tt.expect)
		})
	}
}
