// Package verify validates downloaded artifacts against an expected
// content digest.
package verify

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// MismatchError reports a digest that does not match the expected
// value. It is a distinct type so callers never confuse an integrity
// failure with a network failure.
type MismatchError struct {
	Algo string
	Want string
	Got  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: want %s, got %s", e.Algo, e.Want, e.Got)
}

// algoForDigest picks the hash by the hex length of the expected digest.
// Archive mirrors publish MD5, SHA-1 or SHA-256 depending on the source
// collection.
func algoForDigest(expectedHex string) (string, hash.Hash, error) {
	switch len(expectedHex) {
	case md5.Size * 2:
		return "md5", md5.New(), nil
	case sha1.Size * 2:
		return "sha1", sha1.New(), nil
	case sha256.Size * 2:
		return "sha256", sha256.New(), nil
	default:
		return "", nil, fmt.Errorf("unsupported digest length %d", len(expectedHex))
	}
}

// File streams the artifact at path through the digest implied by
// expectedHex and compares the result. A mismatch returns a
// *MismatchError; I/O problems return the underlying error.
func File(path, expectedHex string) error {
	expectedHex = strings.ToLower(strings.TrimSpace(expectedHex))
	algo, h, err := algoForDigest(expectedHex)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != expectedHex {
		return &MismatchError{Algo: algo, Want: expectedHex, Got: got}
	}
	return nil
}
