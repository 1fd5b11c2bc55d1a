package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGitBlobSHA1(t *testing.T) {
	// Ids git itself produces for the same content.
	assert.Equal(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", GitBlobSHA1(nil))
	assert.Equal(t, "3b18e512dba79e4c8300dd08aeb37f8e728b8dad", GitBlobSHA1([]byte("hello world\n")))
}

func TestLFSKey(t *testing.T) {
	oid := "deadbeef00000000000000000000000000000000000000000000000000000000"
	assert.Equal(t, "lfs/de/ad/"+oid, LFSKey(oid))
}
