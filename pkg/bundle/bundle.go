// Package bundle exports member logs as signed, self-verifying archives.
//
// A bundle carries the record encoding of every exported event together with
// a JCS manifest naming each member's head, length and state. The manifest is
// signed by an exporter key; a verifier holding that key in its KeyRing can
// replay every log independently and check it against the manifest and the
// manifest's checkpoint root.
package bundle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/tel/pkg/canonicalize"
	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

// FormatVersion is written into every manifest. Readers accept any bundle
// whose format satisfies formatConstraint.
const (
	FormatVersion    = "1.0.0"
	formatConstraint = "^1.0.0"

	signingDomain = "tel:bundle:manifest:v1\x00"
)

var (
	ErrMalformedBundle    = errors.New("bundle: malformed")
	ErrIncompatibleFormat = errors.New("bundle: incompatible format")
	ErrBadSignature       = errors.New("bundle: manifest signature invalid")
	ErrManifestMismatch   = errors.New("bundle: logs do not match manifest")
)

// MemberEntry is the manifest's claim about one member log.
type MemberEntry struct {
	Member      string `json:"member"`
	Length      int    `json:"length"`
	Head        string `json:"head"`
	State       string `json:"state"`
	RecordsHash string `json:"records_hash"`
}

// Manifest describes a bundle. Its JCS form is what gets signed.
type Manifest struct {
	Format    string        `json:"format"`
	Registry  string        `json:"registry,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	KeyID     string        `json:"key_id"`
	Root      string        `json:"root"`
	Members   []MemberEntry `json:"members"`
}

// Bundle is a decoded or freshly built export.
type Bundle struct {
	Manifest  Manifest
	Signature []byte
	// Logs maps member to its records in sequence order.
	Logs map[string][][]byte

	// raw is the manifest exactly as signed.
	raw []byte
}

// Source is what a bundle is built from. *tel.Manager satisfies it.
type Source interface {
	Members() []string
	ExportRecords(member string) ([][]byte, error)
}

// Options controls Build.
type Options struct {
	// Registry names the exporting registry in the manifest.
	Registry string
	// Members restricts the export. Empty exports every live member and
	// skips halted ones.
	Members []string
	Clock   func() time.Time
}

// Build exports members of src, re-verifying every log before it is signed.
func Build(src Source, signer crypto.Signer, keyID string, opts Options) (*Bundle, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	explicit := len(opts.Members) > 0
	members := opts.Members
	if !explicit {
		members = src.Members()
	}
	members = append([]string(nil), members...)
	sort.Strings(members)

	b := &Bundle{
		Manifest: Manifest{
			Format:    FormatVersion,
			Registry:  opts.Registry,
			CreatedAt: clock().UTC().Truncate(time.Second),
			KeyID:     keyID,
			Members:   make([]MemberEntry, 0, len(members)),
		},
		Logs: make(map[string][][]byte, len(members)),
	}

	for _, id := range members {
		if _, dup := b.Logs[id]; dup {
			continue
		}
		records, err := src.ExportRecords(id)
		if err != nil {
			if !explicit && errors.Is(err, tel.ErrMemberHalted) {
				continue
			}
			return nil, fmt.Errorf("export %s: %w", id, err)
		}
		entry, err := describe(id, records)
		if err != nil {
			return nil, err
		}
		b.Manifest.Members = append(b.Manifest.Members, entry)
		b.Logs[id] = records
	}

	root, err := manifestRoot(b.Manifest.Members)
	if err != nil {
		return nil, err
	}
	b.Manifest.Root = root

	if err := b.sign(signer); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bundle) sign(signer crypto.Signer) error {
	raw, err := canonicalize.JCS(b.Manifest)
	if err != nil {
		return fmt.Errorf("canonicalize manifest: %w", err)
	}
	sig, err := signer.Sign(signingBytes(raw))
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}
	b.raw = raw
	b.Signature = sig
	return nil
}

// Events is the total number of records in the bundle.
func (b *Bundle) Events() int {
	n := 0
	for _, recs := range b.Logs {
		n += len(recs)
	}
	return n
}

// describe replays records and summarizes them for the manifest.
func describe(member string, records [][]byte) (MemberEntry, error) {
	_, h, err := tel.DecodeLog(member, records)
	if err != nil {
		return MemberEntry{}, err
	}
	return MemberEntry{
		Member:      member,
		Length:      len(records),
		Head:        h.Head().String(),
		State:       h.Final.String(),
		RecordsHash: recordsHash(records),
	}, nil
}

// manifestRoot commits to the member entries the same way a registry
// checkpoint does, so a bundle root can be compared with a published one.
func manifestRoot(entries []MemberEntry) (string, error) {
	leaves := make([]tel.CheckpointLeaf, 0, len(entries))
	for _, e := range entries {
		state, err := tel.ParseState(e.State)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrMalformedBundle, e.Member, err)
		}
		leaves = append(leaves, tel.CheckpointLeaf{Member: e.Member, Head: e.Head, Length: e.Length, State: state})
	}
	cp, err := tel.BuildCheckpoint(leaves, time.Time{})
	if err != nil {
		return "", err
	}
	return cp.Root, nil
}

// recordsHash is sha256 over each record prefixed by its u32be length.
func recordsHash(records [][]byte) string {
	h := sha256.New()
	var n [4]byte
	for _, rec := range records {
		binary.BigEndian.PutUint32(n[:], uint32(len(rec)))
		h.Write(n[:])
		h.Write(rec)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func signingBytes(manifest []byte) []byte {
	return append([]byte(signingDomain), manifest...)
}
