package allowance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/kernel/pkg/action"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/signer"
)

func newTestAllowanceStore(t *testing.T) (*Store, *signer.Signer) {
	t.Helper()
	sign, err := signer.New()
	require.NoError(t, err)
	return NewStore(sign), sign
}

func TestGrantAndMatchConsumesUse(t *testing.T) {
	store, _ := newTestAllowanceStore(t)
	maxUses := 1
	a := action.Action{Kind: action.KindReadFile, Path: "/w/data.txt"}

	_, err := store.Grant(GrantInput{
		Pattern: Pattern{Kind: PatternFile, Glob: "/w/*", Permission: action.PermissionRead},
		MaxUses: &maxUses,
	})
	require.NoError(t, err)

	id, err := store.Match(a, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = store.Match(a, "")
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeAllowanceMissing))
}

func TestWorkspaceScopeDoesNotLeak(t *testing.T) {
	store, _ := newTestAllowanceStore(t)
	_, err := store.Grant(GrantInput{
		Pattern:       Pattern{Kind: PatternWorkspaceRelative, Glob: "/a/src/**", Permission: action.PermissionRead},
		WorkspaceRoot: "/a",
	})
	require.NoError(t, err)

	a := action.Action{Kind: action.KindReadFile, Path: "/a/src/main.go"}
	_, err = store.Match(a, "/a")
	require.NoError(t, err)

	_, err = store.Match(a, "/b")
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeAllowanceMissing))
}

func TestClearSessionRemovesOnlySessionScoped(t *testing.T) {
	store, _ := newTestAllowanceStore(t)
	_, err := store.Grant(GrantInput{
		Pattern:     Pattern{Kind: PatternFile, Glob: "/w/tmp.txt", Permission: action.PermissionDelete},
		SessionOnly: true,
		SessionID:   "sess-1",
	})
	require.NoError(t, err)
	_, err = store.Grant(GrantInput{
		Pattern:       Pattern{Kind: PatternFile, Glob: "/w/keep.txt", Permission: action.PermissionDelete},
		WorkspaceRoot: "/w",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, store.Count())
	store.ClearSession("sess-1")
	assert.Equal(t, 1, store.Count())
}

func TestRevokeByID(t *testing.T) {
	store, _ := newTestAllowanceStore(t)
	a, err := store.Grant(GrantInput{Pattern: Pattern{Kind: PatternCommand, Command: "git *"}})
	require.NoError(t, err)

	store.Revoke(a.ID)
	assert.Equal(t, 0, store.Count())
}

func TestAllowanceSignatureVerifies(t *testing.T) {
	store, sign := newTestAllowanceStore(t)
	a, err := store.Grant(GrantInput{Pattern: Pattern{Kind: PatternCommand, Command: "git *"}})
	require.NoError(t, err)
	assert.True(t, a.Verify(sign.PublicKey()))
}
