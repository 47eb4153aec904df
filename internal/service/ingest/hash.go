package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

const hashChunkSize = 64 << 10

// HashFile returns the lowercase hex SHA-256 of the file at path. The second
// result is false when the file cannot be read.
func HashFile(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", false
	}
	return hex.EncodeToString(h.Sum(nil)), true
}
