package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/kernel/pkg/action"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/signer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sign, err := signer.New()
	require.NoError(t, err)
	return NewStore(sign)
}

func TestGrantAndCheckRoundTrip(t *testing.T) {
	store := newTestStore(t)
	a := action.Action{Kind: action.KindReadFile, Path: "/w/data.txt"}

	tok, err := store.Grant(GrantInput{
		ResourcePattern: a.Fingerprint(),
		Permissions:     []action.Permission{action.PermissionRead},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ID)

	id, err := store.Check(a)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, id)
}

func TestCheckFailsWhenNoMatch(t *testing.T) {
	store := newTestStore(t)
	a := action.Action{Kind: action.KindReadFile, Path: "/w/data.txt"}
	_, err := store.Check(a)
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeCapabilityMissing))
}

func TestConsumeDecrementsAndRevokesAtZero(t *testing.T) {
	store := newTestStore(t)
	a := action.Action{Kind: action.KindReadFile, Path: "/w/data.txt"}
	uses := 1

	tok, err := store.Grant(GrantInput{
		ResourcePattern: a.Fingerprint(),
		Permissions:     []action.Permission{action.PermissionRead},
		MaxUses:         &uses,
	})
	require.NoError(t, err)

	require.NoError(t, store.Consume(tok.ID))
	assert.Equal(t, 0, store.Count())

	_, err = store.Check(a)
	require.Error(t, err)
}

func TestCapabilityExpiresByWallClock(t *testing.T) {
	now := time.Now()
	clock := now
	sign, err := signer.New()
	require.NoError(t, err)
	store := NewStore(sign, WithClock(func() time.Time { return clock }))

	a := action.Action{Kind: action.KindReadFile, Path: "/w/data.txt"}
	expiry := now.Add(time.Minute)
	_, err = store.Grant(GrantInput{
		ResourcePattern: a.Fingerprint(),
		Permissions:     []action.Permission{action.PermissionRead},
		ExpiresAt:       &expiry,
	})
	require.NoError(t, err)

	_, err = store.Check(a)
	require.NoError(t, err)

	clock = now.Add(2 * time.Minute)
	_, err = store.Check(a)
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeCapabilityMissing))
}

func TestRevokeByID(t *testing.T) {
	store := newTestStore(t)
	a := action.Action{Kind: action.KindReadFile, Path: "/w/data.txt"}
	tok, err := store.Grant(GrantInput{
		ResourcePattern: a.Fingerprint(),
		Permissions:     []action.Permission{action.PermissionRead},
	})
	require.NoError(t, err)

	store.Revoke(tok.ID)
	_, err = store.Check(a)
	require.Error(t, err)
}

func TestTokenSignatureVerifies(t *testing.T) {
	sign, err := signer.New()
	require.NoError(t, err)
	store := NewStore(sign)

	a := action.Action{Kind: action.KindReadFile, Path: "/w/data.txt"}
	tok, err := store.Grant(GrantInput{
		ResourcePattern: a.Fingerprint(),
		Permissions:     []action.Permission{action.PermissionRead},
	})
	require.NoError(t, err)
	assert.True(t, tok.Verify(sign.PublicKey()))
}

func TestListEvictsExpired(t *testing.T) {
	now := time.Now()
	clock := now
	sign, err := signer.New()
	require.NoError(t, err)
	store := NewStore(sign, WithClock(func() time.Time { return clock }))

	expiry := now.Add(time.Second)
	_, err = store.Grant(GrantInput{
		ResourcePattern: "*",
		Permissions:     []action.Permission{action.PermissionRead},
		ExpiresAt:       &expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Count())

	clock = now.Add(time.Minute)
	assert.Equal(t, 0, store.Count())
}
