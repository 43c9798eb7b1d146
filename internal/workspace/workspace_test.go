package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/pepper/internal/knowledge"
)

func TestInitializeCreatesPrivateLayout(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Initialize(root))

	for _, dir := range GetRequiredDirectories() {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm(), "%s must be owner-only", dir)
	}

	// a second call leaves existing memories alone
	note := filepath.Join(MemoryRoot(root), "sites", "example.md")
	require.NoError(t, os.WriteFile(note, []byte("# example.com\n"), 0600))
	require.NoError(t, Initialize(root))
	data, err := os.ReadFile(note)
	require.NoError(t, err)
	assert.Equal(t, "# example.com\n", string(data))
}

func TestInitializeFailsUnderAFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	err := Initialize(filepath.Join(blocker, "home"))
	assert.ErrorContains(t, err, "failed to create directory")
}

func TestIsInitialized(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, root string)
		want    bool
	}{
		{
			name:    "empty directory",
			prepare: func(*testing.T, string) {},
		},
		{
			name: "state only",
			prepare: func(t *testing.T, root string) {
				require.NoError(t, os.Mkdir(filepath.Join(root, StateDir), 0700))
			},
		},
		{
			name: "memory category replaced by a file",
			prepare: func(t *testing.T, root string) {
				require.NoError(t, Initialize(root))
				skills := filepath.Join(MemoryRoot(root), "skills")
				require.NoError(t, os.RemoveAll(skills))
				require.NoError(t, os.WriteFile(skills, nil, 0600))
			},
		},
		{
			name: "initialized",
			prepare: func(t *testing.T, root string) {
				require.NoError(t, Initialize(root))
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tt.prepare(t, root)

			got, err := IsInitialized(root)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequiredDirectoriesCoverEveryMemoryCategory(t *testing.T) {
	dirs := GetRequiredDirectories()
	assert.Subset(t, dirs, []string{StateDir, EventsDir, OutputsDir, MemoryDir})

	for _, c := range knowledge.Categories {
		d, ok := c.Dir()
		require.True(t, ok, c)
		assert.Contains(t, dirs, filepath.Join(MemoryDir, d))
	}
}

func TestRootHelpers(t *testing.T) {
	assert.Equal(t, filepath.Join("/w", "memory"), MemoryRoot("/w"))
	assert.Equal(t, filepath.Join("/w", "outputs"), OutputsRoot("/w"))
}
