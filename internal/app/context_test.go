package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"quorumledger/internal/domain"
)

const admin = domain.Address("0x00000000000000000000000000000000000000aa")

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestInitIsRerunnable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := Init(ctx, dir, admin, quiet())
	require.NoError(t, err)
	info, err := a.Ledger.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, "QLINDO", info.Symbol)
	bal, err := a.Ledger.BalanceOf(ctx, info.TaskManager)
	require.NoError(t, err)
	require.Equal(t, info.TotalSupply, bal)
	require.NoError(t, a.Close())

	a, err = Init(ctx, dir, "", quiet())
	require.NoError(t, err)
	defer a.Close()
	n, err := a.Engine.CountOf(ctx, domain.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, a.Ledger.Audit(ctx))
}

func TestInitNeedsAdminForFreshWorkspace(t *testing.T) {
	_, err := Init(context.Background(), t.TempDir(), "", quiet())
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestOpenWithoutConfig(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), quiet())
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, lvl)
	_, err = ParseLevel("loud")
	require.Error(t, err)
}
