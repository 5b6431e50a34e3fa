package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"quorumledger/internal/domain"
)

const admin = domain.Address("0x00000000000000000000000000000000000000aa")

func TestDefaultIsValid(t *testing.T) {
	cfg := Default(admin)
	require.Equal(t, "QLINDO", cfg.Token.Symbol)
	require.Equal(t, uint64(10_000_000_000), cfg.Token.TotalSupply)
	require.Equal(t, []domain.Address{admin}, cfg.Committee.Members(domain.RoleAdmin))
	require.Equal(t, []domain.Address{DefaultLedger}, cfg.Committee.Members(domain.RoleFinalizer))
	p, err := cfg.Policy()
	require.NoError(t, err)
	require.Equal(t, "majority", p.Name())
}

func TestValidateNormalizesAddresses(t *testing.T) {
	raw := strings.Replace(GenerateDefault(admin), string(admin), "0x00000000000000000000000000000000000000AA", 1)
	cfg, err := FromYAML([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, string(admin), cfg.Committee.Admins[0])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(string) string{
		"no admins": func(s string) string {
			return strings.Replace(s, `admins: ["`+string(admin)+`"]`, "admins: []", 1)
		},
		"zero task manager": func(s string) string {
			return strings.Replace(s, DefaultTaskManager, string(domain.ZeroAddress), 1)
		},
		"same addresses": func(s string) string {
			return strings.Replace(s, DefaultLedger, DefaultTaskManager, 1)
		},
		"bad address": func(s string) string {
			return strings.Replace(s, `creators: ["`+string(admin)+`"]`, `creators: ["0x12"]`, 1)
		},
		"unknown policy": func(s string) string {
			return strings.Replace(s, "policy: majority", "policy: unanimous", 1)
		},
		"bad supermajority": func(s string) string {
			return strings.Replace(s, "policy: majority", "policy: supermajority\n  numerator: 3\n  denominator: 2", 1)
		},
		"zero supply": func(s string) string {
			return strings.Replace(s, "total_supply: 10000000000", "total_supply: 0", 1)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(mutate(GenerateDefault(admin))))
			require.Error(t, err)
		})
	}
}

func TestSupermajorityPolicy(t *testing.T) {
	raw := strings.Replace(GenerateDefault(admin), "policy: majority", "policy: supermajority\n  numerator: 2\n  denominator: 3", 1)
	cfg, err := FromYAML([]byte(raw))
	require.NoError(t, err)
	p, err := cfg.Policy()
	require.NoError(t, err)
	require.Equal(t, 7, p.Threshold(9))
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Nil(t, cfg)

	_, err = Load(dir)
	require.ErrorContains(t, err, "ql init")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault(admin)), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, DefaultLedger, cfg.Addresses.Ledger)
}
