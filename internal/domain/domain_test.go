package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("  0xABCDEF0000000000000000000000000000000001 ")
	require.NoError(t, err)
	require.Equal(t, Address("0xabcdef0000000000000000000000000000000001"), a)

	for _, bad := range []string{"", "0x1", "abcdef00000000000000000000000000000000010x", "0xzz00000000000000000000000000000000000000"} {
		_, err := ParseAddress(bad)
		require.Error(t, err, bad)
	}
	require.True(t, ZeroAddress.IsZero())
	require.True(t, Address("").IsZero())
}

func TestTaskKindRoles(t *testing.T) {
	require.Equal(t, RoleAdmin, TaskAdministrative.CreatorRole())
	require.Equal(t, RoleAdmin, TaskAdministrative.ApproverRole())
	require.Equal(t, RoleCreator, TaskOperational.CreatorRole())
	require.Equal(t, RoleApprover, TaskOperational.ApproverRole())
	require.False(t, TaskKind("other").Valid())
}

func TestCodeFollowsWrapping(t *testing.T) {
	wrapped := fmt.Errorf("task 4: %w", ErrTaskAlreadyFinalized)
	require.Equal(t, "task_already_finalized", Code(wrapped))
	require.Equal(t, "", Code(errors.New("boom")))
}
