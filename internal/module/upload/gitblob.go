package upload

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// GitBlobSHA1 computes the git object id of content stored as a blob.
func GitBlobSHA1(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// LFSKey is the content-addressed object store key for an LFS blob.
func LFSKey(oid string) string {
	return fmt.Sprintf("lfs/%s/%s/%s", oid[0:2], oid[2:4], oid)
}
