package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ContentKey derives the storage key for a filing from its identifier alone,
// so every decode of the same filing targets the same object. The two-hex
// prefix spreads keys across store partitions.
func ContentKey(filingID string) string {
	sum := sha256.Sum256([]byte(filingID))
	name := strings.Trim(unsafeKeyChars.ReplaceAllString(filingID, "_"), "._-")
	if name == "" {
		name = hex.EncodeToString(sum[:8])
	}
	return "filings/" + hex.EncodeToString(sum[:1]) + "/" + name
}
