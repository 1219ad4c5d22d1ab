package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	refPrefix = "sha256:"
	blobExt   = ".telb"
)

var (
	ErrNotFound   = errors.New("artifacts: not found")
	ErrInvalidRef = errors.New("artifacts: invalid reference")
)

// refFor returns the "sha256:<hex>" reference of data and its object name.
func refFor(data []byte) (ref, name string) {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	return refPrefix + h, h + blobExt
}

// objectName validates ref and maps it to the stored object name.
func objectName(ref string) (string, error) {
	h, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if raw, err := hex.DecodeString(h); err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return strings.ToLower(h) + blobExt, nil
}

// verifyContent guards against a backend returning the wrong object.
func verifyContent(ref string, data []byte) error {
	got, _ := refFor(data)
	if !strings.EqualFold(got, ref) {
		return fmt.Errorf("artifacts: content of %s hashes to %s", ref, got)
	}
	return nil
}
