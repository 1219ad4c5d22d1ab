package artifacts

import (
	"context"

	"github.com/Mindburn-Labs/tel/pkg/bundle"
)

// PutBundle encodes b and stores it, returning its reference.
func PutBundle(ctx context.Context, s Store, b *bundle.Bundle) (string, error) {
	data, err := bundle.Encode(b)
	if err != nil {
		return "", err
	}
	return s.Put(ctx, data)
}

// GetBundle fetches and decodes the bundle at ref. The result still needs
// bundle.Verify.
func GetBundle(ctx context.Context, s Store, ref string) (*bundle.Bundle, error) {
	data, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return bundle.Decode(data)
}
