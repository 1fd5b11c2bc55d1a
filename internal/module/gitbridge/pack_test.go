package gitbridge

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readObjectHeader is the inverse of writeObjectHeader, used to walk a
// pack back in tests.
func readObjectHeader(r io.ByteReader) (typ int, size int64, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	typ = int(b>>4) & 0x7
	size = int64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		if b, err = r.ReadByte(); err != nil {
			return 0, 0, err
		}
		size |= int64(b&0x7f) << shift
		shift += 7
	}
	return typ, size, nil
}

func TestWriteObjectHeader_Roundtrip(t *testing.T) {
	sizes := []int64{0, 1, 15, 16, 127, 128, 4095, 4096, 1 << 20, 1<<32 + 5}
	for _, size := range sizes {
		var buf bytes.Buffer
		require.NoError(t, writeObjectHeader(&buf, objBlob, size))
		typ, got, err := readObjectHeader(&buf)
		require.NoError(t, err)
		assert.Equal(t, objBlob, typ)
		assert.Equal(t, size, got, "size %d", size)
	}
}

func TestWritePack(t *testing.T) {
	blob := newBlob([]byte("hello world\n"))
	root, trees := buildTrees([]fileRef{{path: "hello.txt", sha: blob.sha}})
	commit := commitObject(root, "Hub", "git@hub.local", "Sync", 1700000000)

	objects := []object{commit}
	objects = append(objects, trees...)
	objects = append(objects, blob)

	var buf bytes.Buffer
	require.NoError(t, WritePack(&buf, objects))
	raw := buf.Bytes()

	// Preamble.
	require.Greater(t, len(raw), 32)
	assert.Equal(t, "PACK", string(raw[:4]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(raw[4:8]))
	assert.Equal(t, uint32(len(objects)), binary.BigEndian.Uint32(raw[8:12]))

	// Trailer covers everything before it.
	body, trailer := raw[:len(raw)-20], raw[len(raw)-20:]
	sum := sha1.Sum(body)
	assert.Equal(t, sum[:], trailer)

	// Every entry inflates back to its original payload.
	r := bytes.NewReader(body[12:])
	for i, obj := range objects {
		typ, size, err := readObjectHeader(r)
		require.NoError(t, err, "object %d", i)
		assert.Equal(t, obj.typ, typ)
		assert.Equal(t, int64(len(obj.data)), size)

		zr, err := zlib.NewReader(r)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)
		require.NoError(t, zr.Close())
		assert.Equal(t, obj.data, data)
	}
}
