package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/tel/pkg/artifacts"
	"github.com/Mindburn-Labs/tel/pkg/bundle"
	"github.com/Mindburn-Labs/tel/pkg/crypto"
)

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	common := addCommonFlags(fs)
	out := fs.StringP("out", "o", "", "write the bundle to this file")
	members := fs.StringSlice("member", nil, "members to export (repeatable; default all live members)")
	publish := fs.Bool("publish", false, "also store the bundle in the configured bundle store")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if *out == "" && !*publish {
		return usageError(stderr, fs, "--out or --publish is required")
	}
	cfg, err := common.load()
	if err != nil {
		return fail(stderr, err)
	}

	ctx := context.Background()
	keys, err := crypto.NewFileKeyStore(cfg.KeyDir)
	if err != nil {
		return fail(stderr, err)
	}
	exporter, err := keys.Signer(exporterLabel, true)
	if err != nil {
		return fail(stderr, err)
	}
	m, closeFn, err := openLocal(ctx, cfg, cliLogger(stderr, cfg))
	if err != nil {
		return fail(stderr, err)
	}
	defer closeFn()

	b, err := bundle.Build(m, exporter, exporter.KeyID, bundle.Options{
		Registry: cfg.Registry,
		Members:  *members,
	})
	if err != nil {
		return fail(stderr, err)
	}
	data, err := bundle.Encode(b)
	if err != nil {
		return fail(stderr, err)
	}

	result := map[string]any{
		"root":    b.Manifest.Root,
		"members": len(b.Manifest.Members),
		"events":  b.Events(),
		"key_id":  b.Manifest.KeyID,
	}
	if *out != "" {
		if err := os.WriteFile(*out, data, 0o600); err != nil {
			return fail(stderr, err)
		}
		result["file"] = *out
	}
	if *publish {
		blobs, err := artifacts.Open(ctx, cfg.BundleOptions())
		if err != nil {
			return fail(stderr, err)
		}
		ref, err := blobs.Put(ctx, data)
		if err != nil {
			return fail(stderr, err)
		}
		result["ref"] = ref
	}

	if common.jsonOut {
		printJSON(stdout, result)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "exported %d members, %d events, root %s\n", len(b.Manifest.Members), b.Events(), b.Manifest.Root)
	if ref, ok := result["ref"]; ok {
		_, _ = fmt.Fprintf(stdout, "ref %s\n", ref)
	}
	return 0
}

// bundleSource holds the flags that locate a bundle and the keys to trust it with.
type bundleSource struct {
	path  string
	ref   string
	trust []string
}

func addBundleFlags(fs *pflag.FlagSet) *bundleSource {
	s := &bundleSource{}
	fs.StringVar(&s.path, "bundle", "", "bundle file")
	fs.StringVar(&s.ref, "ref", "", "bundle reference in the configured bundle store")
	fs.StringSliceVar(&s.trust, "trust", nil, "trusted exporter key: a .pub file or key-id=hex (repeatable)")
	return s
}

func (s *bundleSource) load(ctx context.Context, opts artifacts.Options) (*bundle.Bundle, error) {
	switch {
	case s.path != "":
		data, err := os.ReadFile(s.path)
		if err != nil {
			return nil, err
		}
		return bundle.Decode(data)
	case s.ref != "":
		blobs, err := artifacts.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return artifacts.GetBundle(ctx, blobs, s.ref)
	default:
		return nil, fmt.Errorf("--bundle or --ref is required")
	}
}

// ring trusts the local exporter key, every key in keyDir/trusted, and each
// --trust value.
func (s *bundleSource) ring(keyDir string) (*crypto.KeyRing, error) {
	ring := crypto.NewKeyRing()
	keys, err := crypto.NewFileKeyStore(keyDir)
	if err != nil {
		return nil, err
	}
	if exporter, err := keys.Signer(exporterLabel, false); err == nil {
		if err := ring.AddSigner(exporter); err != nil {
			return nil, err
		}
	}
	if err := loadTrustedKeys(filepath.Join(keyDir, "trusted"), ring); err != nil {
		return nil, err
	}
	for _, t := range s.trust {
		id, pubHex, err := parseTrust(t)
		if err != nil {
			return nil, err
		}
		pub, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, fmt.Errorf("trust %q: %w", t, err)
		}
		if err := ring.AddKey(id, pub); err != nil {
			return nil, fmt.Errorf("trust %q: %w", t, err)
		}
	}
	return ring, nil
}

func parseTrust(v string) (id, pubHex string, err error) {
	if id, pubHex, ok := strings.Cut(v, "="); ok {
		return id, pubHex, nil
	}
	raw, err := os.ReadFile(v) //nolint:gosec // operator-supplied path
	if err != nil {
		return "", "", fmt.Errorf("trust %q: %w", v, err)
	}
	return strings.TrimSuffix(filepath.Base(v), ".pub"), strings.TrimSpace(string(raw)), nil
}

func runVerifyBundleCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify-bundle", stderr)
	common := addCommonFlags(fs)
	src := addBundleFlags(fs)
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cfg, err := common.load()
	if err != nil {
		return fail(stderr, err)
	}

	b, err := src.load(context.Background(), cfg.BundleOptions())
	if err != nil {
		return fail(stderr, err)
	}
	ring, err := src.ring(cfg.KeyDir)
	if err != nil {
		return fail(stderr, err)
	}
	report, err := bundle.Verify(b, ring)
	if err != nil {
		if common.jsonOut {
			printJSON(stdout, map[string]any{"verified": false, "error": err.Error()})
		} else {
			_, _ = fmt.Fprintf(stdout, "bundle INVALID: %v\n", err)
		}
		return 1
	}

	if common.jsonOut {
		printJSON(stdout, map[string]any{"verified": true, "report": report})
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "bundle valid: format %s, key %s, %d members, %d events, root %s\n",
		report.Format, report.KeyID, report.Members, report.Events, report.Root)
	return 0
}

func runImportCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("import", stderr)
	common := addCommonFlags(fs)
	src := addBundleFlags(fs)
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cfg, err := common.load()
	if err != nil {
		return fail(stderr, err)
	}

	ctx := context.Background()
	b, err := src.load(ctx, cfg.BundleOptions())
	if err != nil {
		return fail(stderr, err)
	}
	ring, err := src.ring(cfg.KeyDir)
	if err != nil {
		return fail(stderr, err)
	}
	if _, err := bundle.Verify(b, ring); err != nil {
		return fail(stderr, err)
	}

	m, closeFn, err := openLocal(ctx, cfg, cliLogger(stderr, cfg))
	if err != nil {
		return fail(stderr, err)
	}
	defer closeFn()

	report, err := bundle.Import(ctx, m, b)
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOut {
		printJSON(stdout, report)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "imported %d events, %d already present\n", report.Appended, report.Skipped)
	return 0
}
