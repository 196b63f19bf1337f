package cmd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/trialkey-cli/internal/config"
	"github.com/xkilldash9x/trialkey-cli/internal/provision"
)

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestInitializeComponents_UnreachableJournalIsOptional(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.Ledger.Path = filepath.Join(dir, "accounts.tsv")
	cfg.SharedConfig.Path = filepath.Join(dir, ".env")
	cfg.Registration.Password = "s3cret!"
	cfg.Database.URL = "postgres://trialkey@" + closedPort(t) + "/trialkey?connect_timeout=2"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	core, logs := observer.New(zapcore.WarnLevel)
	c, err := initializeComponents(ctx, cfg, provision.StepProvision, zap.New(core))
	require.NoError(t, err)
	defer c.Shutdown()

	assert.NotNil(t, c.Dispatcher)
	assert.Nil(t, c.DBPool, "the failed pool is closed")
	assert.Len(t, logs.FilterMessage("Run journal unavailable, continuing without it.").All(), 1)
}

func TestInitializeComponents_UnknownStep(t *testing.T) {
	_, err := initializeComponents(context.Background(), config.NewDefaultConfig(), provision.Step("scan"), zap.NewNop())
	assert.ErrorIs(t, err, provision.ErrUnknownStep)
}
