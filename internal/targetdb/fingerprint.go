package targetdb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SourceFingerprint deterministically derives a KG's natural key from a
// target database's (host, port, database name). Two connections to the
// same physical database always yield the same fingerprint regardless of
// DSN spelling, which is what makes connect_or_build_kg idempotent.
func SourceFingerprint(host string, port int, database string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d/%s", host, port, database)))
	return hex.EncodeToString(sum[:])
}
