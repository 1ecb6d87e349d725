package audiocache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// Fingerprint derives the deterministic cache key for a synthesis
// request so repeat requests hit the same entry.
func Fingerprint(text, voice string, speed float64) string {
	hash := md5.Sum([]byte(fmt.Sprintf("%s|%s|%.2f", text, voice, speed)))
	return hex.EncodeToString(hash[:])
}
