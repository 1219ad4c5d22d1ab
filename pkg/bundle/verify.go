package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/tel/pkg/canonicalize"
	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/event"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

// Report summarizes a verified bundle.
type Report struct {
	Format  string `json:"format"`
	KeyID   string `json:"key_id"`
	Root    string `json:"root"`
	Members int    `json:"members"`
	Events  int    `json:"events"`
}

// CheckFormat reports whether this build can read a bundle of format.
func CheckFormat(format string) error {
	v, err := semver.NewVersion(format)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrIncompatibleFormat, format, err)
	}
	c, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleFormat, v, formatConstraint)
	}
	return nil
}

// Verify checks the format, the manifest signature against ring, and replays
// every log against its manifest entry. Nothing in the bundle is trusted
// until Verify succeeds.
func Verify(b *Bundle, ring *crypto.KeyRing) (*Report, error) {
	if err := CheckFormat(b.Manifest.Format); err != nil {
		return nil, err
	}

	canonical, err := canonicalize.JCS(b.Manifest)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	if !bytes.Equal(canonical, b.raw) {
		return nil, fmt.Errorf("%w: manifest is not in canonical form", ErrMalformedBundle)
	}
	ok, err := ring.VerifyKey(b.Manifest.KeyID, signingBytes(b.raw), b.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return nil, ErrBadSignature
	}

	if len(b.Logs) != len(b.Manifest.Members) {
		return nil, fmt.Errorf("%w: %d logs for %d manifest entries", ErrManifestMismatch, len(b.Logs), len(b.Manifest.Members))
	}
	seen := make(map[string]bool, len(b.Manifest.Members))
	for _, want := range b.Manifest.Members {
		if seen[want.Member] {
			return nil, fmt.Errorf("%w: member %q listed twice", ErrManifestMismatch, want.Member)
		}
		seen[want.Member] = true

		records, ok := b.Logs[want.Member]
		if !ok {
			return nil, fmt.Errorf("%w: no log for %q", ErrManifestMismatch, want.Member)
		}
		got, err := describe(want.Member, records)
		if err != nil {
			return nil, err
		}
		if got != want {
			return nil, fmt.Errorf("%w: %s: manifest %+v, log %+v", ErrManifestMismatch, want.Member, want, got)
		}
	}

	root, err := manifestRoot(b.Manifest.Members)
	if err != nil {
		return nil, err
	}
	if root != b.Manifest.Root {
		return nil, fmt.Errorf("%w: root %s, recomputed %s", ErrManifestMismatch, b.Manifest.Root, root)
	}

	return &Report{
		Format:  b.Manifest.Format,
		KeyID:   b.Manifest.KeyID,
		Root:    root,
		Members: len(b.Manifest.Members),
		Events:  b.Events(),
	}, nil
}

// ImportReport counts what Import did.
type ImportReport struct {
	Appended int `json:"appended"`
	Skipped  int `json:"skipped"`
}

// Import submits every event of a verified bundle to m. Events m already
// holds are skipped; any other rejection stops the import.
func Import(ctx context.Context, m *tel.Manager, b *Bundle) (*ImportReport, error) {
	report := &ImportReport{}
	for _, entry := range b.Manifest.Members {
		for i, rec := range b.Logs[entry.Member] {
			e, err := event.Unmarshal(rec)
			if err != nil {
				return report, fmt.Errorf("%s#%d: %w", entry.Member, i, err)
			}
			_, err = m.SubmitEvent(ctx, entry.Member, e)
			switch {
			case err == nil:
				report.Appended++
			case errors.Is(err, tel.ErrDuplicateEvent):
				report.Skipped++
			default:
				return report, err
			}
		}
	}
	return report, nil
}
