package worker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectLeaks_ExcludesFilesUnderCompletedRoot(t *testing.T) {
	repoRoot := "/repo"
	completedRoot := filepath.Join(repoRoot, ".issues", "bugs", "completed")

	mainDirty := []string{
		".issues/bugs/completed/P2-BUG-001-fix-thing.md",
		"internal/handler.go",
	}

	leaks := DetectLeaks(repoRoot, mainDirty, completedRoot)

	require.Equal(t, []string{filepath.Join(repoRoot, "internal/handler.go")}, leaks)
}

func TestDetectLeaks_EmptyCompletedRootFlagsEverything(t *testing.T) {
	repoRoot := "/repo"
	mainDirty := []string{".issues/bugs/completed/P2-BUG-001-fix-thing.md"}

	leaks := DetectLeaks(repoRoot, mainDirty, "")

	require.Len(t, leaks, 1)
}

func TestWithinRoot(t *testing.T) {
	root := filepath.Join("/repo", ".issues", "completed")

	require.True(t, withinRoot(root, root))
	require.True(t, withinRoot(filepath.Join(root, "sub", "file.md"), root))
	require.False(t, withinRoot(filepath.Join("/repo", "completed-other", "file.md"), root))
	require.False(t, withinRoot("/repo/internal/handler.go", root))
}
