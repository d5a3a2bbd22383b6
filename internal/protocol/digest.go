package protocol

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// ContentDigest returns a short stable fingerprint of content used for
// near-duplicate detection. Case and whitespace differences do not change
// the digest, so a proposal resent with cosmetic edits still matches.
func ContentDigest(content string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	h := fnv.New64a()
	_, _ = h.Write([]byte(norm))
	return fmt.Sprintf("%016x", h.Sum64())
}
