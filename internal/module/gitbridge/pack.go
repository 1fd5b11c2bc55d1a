package gitbridge

import (
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
)

// writePackHeader emits the pack preamble: magic, version 2, object count.
func writePackHeader(w io.Writer, count int) error {
	if _, err := w.Write([]byte("PACK")); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(2)); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, uint32(count))
}

// writeObjectHeader emits the variable-length type+size header of one
// pack entry.
func writeObjectHeader(w io.Writer, typ int, size int64) error {
	b := byte(typ<<4) | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		if _, err := w.Write([]byte{b | 0x80}); err != nil {
			return err
		}
		b = byte(size & 0x7f)
		size >>= 7
	}
	_, err := w.Write([]byte{b})
	return err
}

// WritePack streams a version 2 packfile holding the given objects,
// all stored whole (no deltas), followed by the SHA-1 trailer.
func WritePack(w io.Writer, objects []object) error {
	h := sha1.New()
	mw := io.MultiWriter(w, h)

	if err := writePackHeader(mw, len(objects)); err != nil {
		return err
	}
	for _, obj := range objects {
		if err := writeObjectHeader(mw, obj.typ, int64(len(obj.data))); err != nil {
			return err
		}
		zw := zlib.NewWriter(mw)
		if _, err := zw.Write(obj.data); err != nil {
			return fmt.Errorf("compress object %x: %w", obj.sha, err)
		}
		if err := zw.Close(); err != nil {
			return err
		}
	}
	_, err := w.Write(h.Sum(nil))
	return err
}
