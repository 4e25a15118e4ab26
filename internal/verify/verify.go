// Package verify computes and checks content digests for bundle files.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Files are hashed in fixed chunks so multi-GB weight shards never get
// loaded into memory whole.
const chunkSize = 64 * 1024

// Digest returns the lowercase hex SHA-256 of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("error reading %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Normalize lowercases a digest string and strips an optional "sha256:"
// prefix, the form some model indexes publish.
func Normalize(digest string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(digest), "sha256:"))
}

// Verify reports whether the file at path matches expected. An empty
// expected digest means no verification was requested and counts as a match.
// An unreadable file is an error, not a mismatch.
func Verify(path string, expected string) (bool, error) {
	if expected == "" {
		return true, nil
	}
	actual, err := Digest(path)
	if err != nil {
		return false, err
	}
	return actual == Normalize(expected), nil
}
