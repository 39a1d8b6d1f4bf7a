package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/logging"
	"github.com/polisai/polis-governance/pkg/storage"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["verify"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestVerifyCommandOnEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit:\n  algorithm: blake3\n"), 0o600))

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"verify", "--config", path})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "OK: 0 events")
	assert.Contains(t, out.String(), "blake3")
}

func TestVerifyRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit:\n  algorithm: md5\n"), 0o600))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"verify", "--config", path})
	assert.Error(t, root.Execute())
}

func TestOpenStore(t *testing.T) {
	cfg := config.Default()
	store, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryAuditStore{}, store)
	require.NoError(t, store.Close())

	cfg.Storage.Driver = "sqlite"
	_, err = openStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestVerifyWritesSummary(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, verify(context.Background(), config.Default(), logging.Discard(), &out))
	assert.Contains(t, out.String(), "sha256")
}
