package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ContentHash derives the dedup key used when no external message id is
// available: the first 32 hex characters of SHA-256 over
// "text|<millisecond UTC timestamp>|<fromMe>". The timestamp rendering
// must stay byte-identical across writers or hashes stop matching.
func ContentHash(text string, timestamp time.Time, fromMe bool) string {
	content := fmt.Sprintf("%s|%s|%t", text, timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), fromMe)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:32]
}
