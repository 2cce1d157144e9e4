package highlight

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DefaultBucketSize is the width, in characters, of the position buckets used
// when deriving stable ids.
const DefaultBucketSize = 64

// StableID derives an id from the kind, the matched text (case and whitespace
// folded) and the bucket holding start. Re-analysis of a lightly edited document
// yields the same id for an issue that did not move out of its bucket.
func StableID(kind Kind, matched string, start, bucketSize int) string {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(matched)), " ")
	key := string(kind) + "\x00" + normalized + "\x00" + strconv.Itoa(start/bucketSize)
	sum := blake2b.Sum256([]byte(key))
	return "hl_" + hex.EncodeToString(sum[:8])
}

// idAllocator disambiguates equal ids within one pass by ordinal suffix.
type idAllocator map[string]int

func (a idAllocator) unique(id string) string {
	n := a[id]
	a[id] = n + 1
	if n == 0 {
		return id
	}
	return fmt.Sprintf("%s-%d", id, n+1)
}
