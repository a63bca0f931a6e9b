package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("fake slide"), 0o644))
}

// testRoot lays out:
//
//	root/
//	  alpha/one.svs
//	  alpha/two.ndpi
//	  beta/            (empty, pruned)
//	  gamma/nested/three.svs
//	  notes.txt        (not a slide)
//	  tmp_scratch/ignored.svs  (excluded)
func testRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "alpha", "one.svs"))
	writeFile(t, filepath.Join(root, "alpha", "two.ndpi"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "beta"), 0o755))
	writeFile(t, filepath.Join(root, "gamma", "nested", "three.svs"))
	writeFile(t, filepath.Join(root, "notes.txt"))
	writeFile(t, filepath.Join(root, "tmp_scratch", "ignored.svs"))
	return root
}

func testIndex(t *testing.T, root string) *Index {
	t.Helper()
	return New(
		[]Root{{Path: root, Label: "Test Slides"}},
		[]string{".svs", ".ndpi"},
		[]string{"tmp_"},
		zap.NewNop(),
	)
}

func TestStableID(t *testing.T) {
	id := StableID("/data/slides/a.svs")
	assert.Len(t, id, 16)
	assert.Equal(t, id, StableID("/data/slides/a.svs"))
	assert.NotEqual(t, id, StableID("/data/slides/b.svs"))
}

func TestTree(t *testing.T) {
	root := testRoot(t)
	ix := testIndex(t, root)

	node, err := ix.Tree(ix.Roots()[0])
	require.NoError(t, err)

	assert.Equal(t, "Test Slides", node.Name)
	assert.Equal(t, 3, node.SlideCount, "excluded and non-slide files are not counted")
	assert.True(t, node.IsDir)

	// beta (no slides) and tmp_scratch (excluded) are pruned.
	require.Len(t, node.Children, 2)
	assert.Equal(t, "alpha", node.Children[0].Name)
	assert.Equal(t, 2, node.Children[0].SlideCount)
	assert.Equal(t, "gamma", node.Children[1].Name)
	assert.Equal(t, 1, node.Children[1].SlideCount)
}

func TestTreeMissingRoot(t *testing.T) {
	ix := testIndex(t, t.TempDir())
	_, err := ix.Tree(Root{Path: "/does/not/exist"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDir(t *testing.T) {
	root := testRoot(t)
	ix := testIndex(t, root)

	entries, err := ix.Dir(filepath.Join(root, "alpha"))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Sorted case-insensitively by name.
	assert.Equal(t, "one.svs", entries[0].Name)
	assert.Equal(t, "two.ndpi", entries[1].Name)
	assert.Equal(t, StableID(entries[0].Path), entries[0].ID)
	assert.Greater(t, entries[0].Size, int64(0))
	assert.Greater(t, entries[0].Mtime, int64(0))
}

func TestDirOutsideRoots(t *testing.T) {
	ix := testIndex(t, testRoot(t))

	_, err := ix.Dir("/etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirNotADirectory(t *testing.T) {
	root := testRoot(t)
	ix := testIndex(t, root)

	_, err := ix.Dir(filepath.Join(root, "alpha", "one.svs"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ix.Dir(filepath.Join(root, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveAfterWalk(t *testing.T) {
	root := testRoot(t)
	ix := testIndex(t, root)

	slidePath := filepath.Join(root, "alpha", "one.svs")
	id := StableID(slidePath)

	// Populated by a tree walk.
	_, err := ix.Tree(ix.Roots()[0])
	require.NoError(t, err)

	got, err := ix.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, slidePath, got)
}

func TestResolveColdCache(t *testing.T) {
	root := testRoot(t)
	ix := testIndex(t, root)

	slidePath := filepath.Join(root, "gamma", "nested", "three.svs")
	got, err := ix.Resolve(StableID(slidePath))
	require.NoError(t, err)
	assert.Equal(t, slidePath, got)
}

func TestResolveUnknownID(t *testing.T) {
	ix := testIndex(t, testRoot(t))
	_, err := ix.Resolve("0123456789abcdef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveStalePathIsForgotten(t *testing.T) {
	root := testRoot(t)
	ix := testIndex(t, root)

	slidePath := filepath.Join(root, "alpha", "one.svs")
	id := StableID(slidePath)

	_, err := ix.Tree(ix.Roots()[0])
	require.NoError(t, err)
	require.NoError(t, os.Remove(slidePath))

	// The remembered path is stale; resolution falls back to walking
	// and reports the slide gone rather than serving the dead path.
	_, err = ix.Resolve(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveExcludedFileStaysHidden(t *testing.T) {
	root := testRoot(t)
	ix := testIndex(t, root)

	hidden := filepath.Join(root, "tmp_scratch", "ignored.svs")
	_, err := ix.Resolve(StableID(hidden))
	assert.ErrorIs(t, err, ErrNotFound)
}
