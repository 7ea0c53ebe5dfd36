package dataset

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strings"
)

// fingerprintPrefix versions the fingerprint encoding so a future change to
// the hashed fields never collides with keys written by this one.
const fingerprintPrefix = "fp1:"

// Fingerprint returns the content fingerprint of a dataset: a SHA-256 over
// the digest of the raw bytes followed by the schema signature, each field
// length-prefixed. File metadata such as mtime is never included.
func Fingerprint(raw []byte, schema Schema) string {
	content := sha256.Sum256(raw)

	h := sha256.New()
	writeField(h, hex.EncodeToString(content[:]))
	for _, sig := range schema.Signature() {
		writeField(h, sig)
	}
	return fingerprintPrefix + hex.EncodeToString(h.Sum(nil))
}

// ShortFingerprint returns the first eight hex characters of fp.
func ShortFingerprint(fp string) string {
	s := strings.TrimPrefix(fp, fingerprintPrefix)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// ValidFingerprint reports whether fp has the shape Fingerprint produces.
func ValidFingerprint(fp string) bool {
	s, ok := strings.CutPrefix(fp, fingerprintPrefix)
	if !ok || len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by header sizes
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}
