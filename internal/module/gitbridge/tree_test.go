package gitbridge

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha(t *testing.T, s string) [20]byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	require.NoError(t, err)
	var out [20]byte
	copy(out[:], raw)
	return out
}

func TestBuildTrees_Empty(t *testing.T) {
	root, objs := buildTrees(nil)
	// The well-known id of git's empty tree.
	assert.Equal(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904", hex.EncodeToString(root[:]))
	require.Len(t, objs, 1)
}

func TestBuildTrees_KnownLayout(t *testing.T) {
	// Mirrors a real git repo:
	//   echo -n "" > a.txt; mkdir d; echo -n "" > d/b.txt
	empty := sha(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	root, objs := buildTrees([]fileRef{
		{path: "a.txt", sha: empty},
		{path: "d/b.txt", sha: empty},
	})
	// Ids verified against git hash-object / write-tree output.
	assert.Equal(t, "52bef19712c37f307f67bda2bd77d2bbad2cd909", hex.EncodeToString(root[:]))
	assert.Len(t, objs, 2)
}

func TestBuildTrees_GitSortOrder(t *testing.T) {
	// "foo" as a directory sorts after "foo.bar" because directories
	// compare as "foo/".
	empty := sha(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	_, objs := buildTrees([]fileRef{
		{path: "foo.bar", sha: empty},
		{path: "foo/inner", sha: empty},
	})

	var rootPayload []byte
	for _, o := range objs {
		rootPayload = o.data // root tree is emitted last
	}
	idxFile := indexOf(rootPayload, []byte("foo.bar"))
	idxDir := indexOf(rootPayload, []byte("40000 foo"))
	require.GreaterOrEqual(t, idxFile, 0)
	require.GreaterOrEqual(t, idxDir, 0)
	assert.Less(t, idxFile, idxDir)
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func TestPointerBlob(t *testing.T) {
	oid := "1111111111111111111111111111111111111111111111111111111111111111"
	got := pointerBlob(oid, 12345)
	want := "version https://git-lfs.github.com/spec/v1\n" +
		"oid sha256:" + oid + "\n" +
		"size 12345\n"
	assert.Equal(t, want, string(got))
}

func TestCommitObject_Deterministic(t *testing.T) {
	tree := sha(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904")
	a := commitObject(tree, "Hub", "git@hub.local", "Sync", 1700000000)
	b := commitObject(tree, "Hub", "git@hub.local", "Sync", 1700000000)
	assert.Equal(t, a.sha, b.sha)

	c := commitObject(tree, "Hub", "git@hub.local", "Sync", 1700000001)
	assert.NotEqual(t, a.sha, c.sha)
}
