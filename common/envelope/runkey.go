package envelope

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// RunKey hashes (bucket, key, version) into a 64-character hex digest.
// Each component is length-prefixed so ("a/b","c") and ("a","b/c") never collide.
func RunKey(bucket, key, version string) string {
	h, _ := blake2b.New256(nil) // only errors for oversized MAC keys
	var n [8]byte
	for _, part := range []string{bucket, key, version} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
