package gitbridge

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Git object types as they appear in pack entries.
const (
	objCommit = 1
	objTree   = 2
	objBlob   = 3
)

// object is one synthesized git object.
type object struct {
	typ  int
	data []byte
	sha  [20]byte
}

func hashObject(typ string, data []byte) [20]byte {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", typ, len(data))
	h.Write(data)
	var sha [20]byte
	copy(sha[:], h.Sum(nil))
	return sha
}

func newBlob(data []byte) object {
	return object{typ: objBlob, data: data, sha: hashObject("blob", data)}
}

// blobSHA computes a blob id without materializing the object.
func blobSHA(data []byte) [20]byte {
	return hashObject("blob", data)
}

// pointerBlob renders the git-lfs pointer for an object.
func pointerBlob(sha256 string, size int64) []byte {
	return []byte(fmt.Sprintf(
		"version https://git-lfs.github.com/spec/v1\noid sha256:%s\nsize %d\n", sha256, size))
}

// fileRef is one file going into a synthesized tree.
type fileRef struct {
	path string
	sha  [20]byte
}

type treeEntry struct {
	mode  string
	name  string
	sha   [20]byte
	isDir bool
}

// sortKey orders tree entries the way git does: directory names compare
// as if suffixed with "/".
func sortKey(e treeEntry) string {
	if e.isDir {
		return e.name + "/"
	}
	return e.name
}

func renderTree(entries []treeEntry) []byte {
	sort.Slice(entries, func(i, j int) bool {
		return sortKey(entries[i]) < sortKey(entries[j])
	})
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s %s\x00", e.mode, e.name)
		buf.Write(e.sha[:])
	}
	return buf.Bytes()
}

// buildTrees synthesizes the tree objects for a flat file listing and
// returns the root tree id. Files must carry slash-separated paths with
// no leading slash.
func buildTrees(files []fileRef) (root [20]byte, objs []object) {
	children := map[string]map[string]treeEntry{"": {}}

	ensureDir := func(dir string) {
		for d := dir; ; d = parentDir(d) {
			if _, ok := children[d]; !ok {
				children[d] = map[string]treeEntry{}
			}
			if d == "" {
				break
			}
		}
	}

	for _, f := range files {
		dir := parentDir(f.path)
		ensureDir(dir)
		children[dir][path.Base(f.path)] = treeEntry{mode: "100644", name: path.Base(f.path), sha: f.sha}
	}

	// Deepest directories first so parent trees see child tree ids.
	dirs := make([]string, 0, len(children))
	for d := range children {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := depth(dirs[i]), depth(dirs[j])
		if di != dj {
			return di > dj
		}
		return dirs[i] < dirs[j]
	})

	for _, dir := range dirs {
		entries := make([]treeEntry, 0, len(children[dir]))
		for _, e := range children[dir] {
			entries = append(entries, e)
		}
		payload := renderTree(entries)
		sha := hashObject("tree", payload)
		objs = append(objs, object{typ: objTree, data: payload, sha: sha})
		if dir == "" {
			root = sha
			break
		}
		parent := parentDir(dir)
		children[parent][path.Base(dir)] = treeEntry{mode: "40000", name: path.Base(dir), sha: sha, isDir: true}
	}
	return root, objs
}

func parentDir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func depth(dir string) int {
	if dir == "" {
		return 0
	}
	return strings.Count(dir, "/") + 1
}

// commitObject renders a git commit pointing at a tree. The timestamp and
// message come from the versioned store so the id is stable across
// requests.
func commitObject(tree [20]byte, authorName, authorEmail, message string, unix int64) object {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %x\n", tree)
	fmt.Fprintf(&buf, "author %s <%s> %d +0000\n", authorName, authorEmail, unix)
	fmt.Fprintf(&buf, "committer %s <%s> %d +0000\n", authorName, authorEmail, unix)
	fmt.Fprintf(&buf, "\n%s\n", message)
	data := buf.Bytes()
	return object{typ: objCommit, data: data, sha: hashObject("commit", data)}
}
