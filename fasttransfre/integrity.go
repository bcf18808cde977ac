package fasttransfre

import (
	"github.com/opencontainers/go-digest"
)

// SubChunkDigest computes the SHA-256 digest of a sub-chunk payload,
// serialized as lowercase hex without the algorithm prefix. This is the
// value announced in chunk-metadata frames.
func SubChunkDigest(payload []byte) string {
	return digest.SHA256.FromBytes(payload).Encoded()
}

// VerifySubChunk reports whether payload hashes to the announced digest
func VerifySubChunk(payload []byte, announced string) bool {
	return SubChunkDigest(payload) == announced
}
