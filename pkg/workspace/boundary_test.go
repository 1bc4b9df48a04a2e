package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testBoundary() *Boundary {
	return New(Config{
		WorkspaceRoot:       "/home/user/project",
		NeverAllowRoots:     []string{"/etc", "/home/user/.ssh"},
		AutoAllowReadRoots:  []string{"/usr/share/doc"},
		AutoAllowWriteRoots: []string{"/tmp/scratch"},
		EscapePolicy:        EscapePolicyAsk,
	})
}

func TestCheckAllowsPathsUnderWorkspaceRoot(t *testing.T) {
	b := testBoundary()
	assert.Equal(t, CheckAllowed, b.Check("/home/user/project/src/main.go", false))
	assert.Equal(t, CheckAllowed, b.Check("/home/user/project", false))
}

func TestCheckNeverAllowedTakesPrecedence(t *testing.T) {
	b := testBoundary()
	assert.Equal(t, CheckNeverAllowed, b.Check("/etc/passwd", false))
	assert.Equal(t, CheckNeverAllowed, b.Check("/home/user/.ssh/id_rsa", false))
}

func TestCheckAutoAllowedReadVsWriteRootsAreDistinct(t *testing.T) {
	b := testBoundary()
	assert.Equal(t, CheckAutoAllowed, b.Check("/usr/share/doc/readme.txt", false))
	assert.Equal(t, CheckRequiresApproval, b.Check("/usr/share/doc/readme.txt", true))

	assert.Equal(t, CheckAutoAllowed, b.Check("/tmp/scratch/out.txt", true))
	assert.Equal(t, CheckRequiresApproval, b.Check("/tmp/scratch/out.txt", false))
}

func TestCheckOutsideEverythingFallsBackToEscapePolicy(t *testing.T) {
	assert.Equal(t, CheckRequiresApproval, testBoundary().Check("/opt/other/file.txt", false))

	deny := New(Config{WorkspaceRoot: "/w", EscapePolicy: EscapePolicyDeny})
	assert.Equal(t, CheckNeverAllowed, deny.Check("/opt/other/file.txt", false))

	allow := New(Config{WorkspaceRoot: "/w", EscapePolicy: EscapePolicyAllow})
	assert.Equal(t, CheckAutoAllowed, allow.Check("/opt/other/file.txt", false))
}

func TestCheckRejectsPathTraversalOutOfWorkspace(t *testing.T) {
	b := testBoundary()
	assert.Equal(t, CheckRequiresApproval, b.Check("/home/user/project/../../etc/shadow", false))
}

func TestScanArgsFindsPathShapedValuesByKeyAndPrefix(t *testing.T) {
	args := map[string]string{
		"file_path": "notes.txt",
		"query":     "/home/user/docs/report.pdf",
		"count":     "5",
	}
	paths := ScanArgs(args)
	assert.Len(t, paths, 1)
	assert.Contains(t, paths, "/home/user/docs/report.pdf")
}
