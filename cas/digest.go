// Package cas is the content-addressed store for attachment blobs. Digests
// are the identity: two attachments with the same bytes share one stored
// object, and only the first writer uploads.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// digestChunkSize is the read granularity for streaming digests. The digest
// value is independent of chunking; this only bounds memory per reader.
const digestChunkSize = 1 << 20

// Digest consumes r and returns the lower-case hex sha256 of its contents and
// the byte count.
func Digest(r io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, digestChunkSize)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Key maps a digest to its storage key. The two-character fan-out keeps any
// one listing prefix small.
func Key(digest string) string {
	if len(digest) < 2 {
		return "attachments/" + digest
	}
	return "attachments/" + digest[:2] + "/" + digest
}
