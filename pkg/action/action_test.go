package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDistinguishesVariants(t *testing.T) {
	a := Action{Kind: KindReadFile, Path: "/w/data.txt"}
	b := Action{Kind: KindWriteFileOutsideSandbox, Path: "/w/data.txt"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintStableForEqualActions(t *testing.T) {
	a := Action{Kind: KindNetworkRequest, Host: "example.com", Port: 443}
	b := Action{Kind: KindNetworkRequest, Host: "example.com", Port: 443}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestImpliedPermission(t *testing.T) {
	cases := []struct {
		action Action
		want   Permission
	}{
		{Action{Kind: KindReadFile}, PermissionRead},
		{Action{Kind: KindWriteFileOutsideSandbox}, PermissionWrite},
		{Action{Kind: KindDeleteFile}, PermissionDelete},
		{Action{Kind: KindExecuteCommand}, PermissionExecute},
		{Action{Kind: KindInvokeNamedTool}, PermissionInvoke},
		{Action{Kind: KindPluginFileAccess, FilePermission: PermissionWrite}, PermissionWrite},
		{Action{Kind: KindPluginFileAccess}, PermissionRead},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.action.ImpliedPermission())
	}
}

func TestIsIntrinsicallyApprovalGated(t *testing.T) {
	assert.True(t, Action{Kind: KindDeleteFile}.IsIntrinsicallyApprovalGated())
	assert.True(t, Action{Kind: KindNetworkRequest}.IsIntrinsicallyApprovalGated())
	assert.True(t, Action{Kind: KindPluginExecution}.IsIntrinsicallyApprovalGated())
	assert.False(t, Action{Kind: KindReadFile}.IsIntrinsicallyApprovalGated())
	assert.False(t, Action{Kind: KindInvokeNamedTool}.IsIntrinsicallyApprovalGated())
}

func TestDescriptionIsHumanReadable(t *testing.T) {
	a := Action{Kind: KindReadFile, Path: "/w/data.txt"}
	assert.Contains(t, a.Description(), "/w/data.txt")
}

func TestActionIsComparable(t *testing.T) {
	a := Action{Kind: KindReadFile, Path: "/w/data.txt"}
	b := Action{Kind: KindReadFile, Path: "/w/data.txt"}
	assert.Equal(t, a, b)

	set := map[Action]bool{a: true}
	assert.True(t, set[b])
}
