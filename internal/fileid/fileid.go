// Package fileid derives stable identities for documents and chunks.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

const prefix = "doc-"

// chunkNamespace scopes chunk UUIDs so they never collide with other SHA1 UUIDs.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:yakkan:chunk"))

// PathDocID returns a stable document ID for a file dropped into the inbox.
// Same path always yields the same ID, so re-ingesting a file replaces its chunks.
func PathDocID(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:12])
}

// NewDocID returns a random document ID for uploads that do not carry one.
func NewDocID() string {
	return prefix + uuid.NewString()
}

// ChunkID returns the deterministic ID of the chunk at index within documentID.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+":"+strconv.Itoa(index))).String()
}
