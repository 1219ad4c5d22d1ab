package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/tel/pkg/config"
	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/event"
	"github.com/Mindburn-Labs/tel/pkg/ledger"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	common := addCommonFlags(fs)
	label := fs.String("label", "", "key label, usually the member id (REQUIRED)")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if *label == "" {
		return usageError(stderr, fs, "--label is required")
	}
	cfg, err := common.load()
	if err != nil {
		return fail(stderr, err)
	}
	keys, err := crypto.NewFileKeyStore(cfg.KeyDir)
	if err != nil {
		return fail(stderr, err)
	}
	signer, err := keys.Signer(*label, true)
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOut {
		printJSON(stdout, map[string]string{"label": signer.KeyID, "public_key": signer.PublicKeyHex()})
		return 0
	}
	_, _ = fmt.Fprintln(stdout, signer.PublicKeyHex())
	return 0
}

// eventFlags are shared by incept, issue and revoke.
type eventFlags struct {
	*commonFlags
	member  string
	key     string
	payload string
	server  string
}

func runEventCmd(name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	f := &eventFlags{commonFlags: addCommonFlags(fs)}
	fs.StringVarP(&f.member, "member", "m", "", "member id (REQUIRED)")
	fs.StringVar(&f.key, "key", "", "controller key label (default: the member id)")
	fs.StringVar(&f.server, "server", "", "registry URL; default opens the store directly")
	if name != "incept" {
		fs.StringVarP(&f.payload, "payload", "p", "", "opaque payload, @file reads a file")
	}
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if f.member == "" {
		return usageError(stderr, fs, "--member is required")
	}
	if f.key == "" {
		f.key = f.member
	}
	cfg, err := f.load()
	if err != nil {
		return fail(stderr, err)
	}
	payload, err := readPayload(f.payload)
	if err != nil {
		return fail(stderr, err)
	}
	keys, err := crypto.NewFileKeyStore(cfg.KeyDir)
	if err != nil {
		return fail(stderr, err)
	}
	// Only inception may mint a key; later events must use the controller's.
	signer, err := keys.Signer(f.key, name == "incept")
	if err != nil {
		return fail(stderr, err)
	}

	ctx := context.Background()
	var out any
	if f.server != "" {
		out, err = submitRemote(ctx, cfg, f, name, signer, payload)
	} else {
		out, err = submitLocal(ctx, cfg, f, name, signer, payload, stderr)
	}
	if err != nil {
		return fail(stderr, err)
	}
	if f.jsonOut {
		printJSON(stdout, out)
		return 0
	}
	switch o := out.(type) {
	case tel.Outcome:
		_, _ = fmt.Fprintf(stdout, "%s %s#%d %s state=%s\n", o.Kind, o.Member, o.Sequence, o.Digest, o.State)
	default:
		printJSON(stdout, out)
	}
	return 0
}

func submitLocal(ctx context.Context, cfg *config.Config, f *eventFlags, name string, signer crypto.Signer, payload []byte, stderr io.Writer) (any, error) {
	m, closeFn, err := openLocal(ctx, cfg, cliLogger(stderr, cfg))
	if err != nil {
		return nil, err
	}
	defer closeFn()

	switch name {
	case "incept":
		snap, err := m.Inception(ctx, f.member, signer)
		if err != nil {
			return nil, err
		}
		head, _ := snap.Head()
		return tel.Outcome{Kind: tel.Appended, Member: f.member, Digest: head, State: snap.State()}, nil
	case "issue":
		return m.Issue(ctx, f.member, signer, payload)
	default:
		return m.Revoke(ctx, f.member, signer, payload)
	}
}

func submitRemote(ctx context.Context, cfg *config.Config, f *eventFlags, name string, signer crypto.Signer, payload []byte) (any, error) {
	r, err := newRemote(f.server, cfg)
	if err != nil {
		return nil, err
	}
	var e *event.Event
	if name == "incept" {
		e, err = event.NewInception(f.member, cfg.Digest, signer)
	} else {
		view, verr := r.member(ctx, f.member)
		if verr != nil {
			return nil, verr
		}
		prior, perr := digest.Parse(view.Head)
		if perr != nil {
			return nil, perr
		}
		typ := event.Issuance
		if name == "revoke" {
			typ = event.Revocation
		}
		e, err = event.New(typ, f.member, uint64(view.Length), prior, payload)
		if err == nil {
			err = e.Sign(signer)
		}
	}
	if err != nil {
		return nil, err
	}
	resp, err := r.submit(ctx, f.member, e)
	if err != nil {
		return nil, err
	}
	return resp.Outcome, nil
}

func readPayload(p string) ([]byte, error) {
	if len(p) > 1 && p[0] == '@' {
		return os.ReadFile(p[1:])
	}
	if p == "" {
		return nil, nil
	}
	return []byte(p), nil
}

func runStateCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("state", stderr)
	common := addCommonFlags(fs)
	member := fs.StringP("member", "m", "", "member id (REQUIRED)")
	server := fs.String("server", "", "registry URL")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if *member == "" {
		return usageError(stderr, fs, "--member is required")
	}
	cfg, err := common.load()
	if err != nil {
		return fail(stderr, err)
	}

	ctx := context.Background()
	var state tel.State
	if *server != "" {
		r, err := newRemote(*server, cfg)
		if err != nil {
			return fail(stderr, err)
		}
		view, err := r.member(ctx, *member)
		if err != nil {
			return fail(stderr, err)
		}
		if view.Halted != "" {
			return fail(stderr, fmt.Errorf("%w: %s", tel.ErrMemberHalted, view.Halted))
		}
		state = view.State
	} else {
		m, closeFn, err := openLocal(ctx, cfg, cliLogger(stderr, cfg))
		if err != nil {
			return fail(stderr, err)
		}
		defer closeFn()
		if state, err = m.GetState(*member); err != nil {
			return fail(stderr, err)
		}
	}

	if common.jsonOut {
		printJSON(stdout, map[string]any{"member": *member, "state": state})
		return 0
	}
	_, _ = fmt.Fprintln(stdout, state)
	return 0
}

func runLogCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("log", stderr)
	common := addCommonFlags(fs)
	member := fs.StringP("member", "m", "", "member id (REQUIRED)")
	server := fs.String("server", "", "registry URL")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if *member == "" {
		return usageError(stderr, fs, "--member is required")
	}
	cfg, err := common.load()
	if err != nil {
		return fail(stderr, err)
	}

	ctx := context.Background()
	var events []*event.Event
	if *server != "" {
		r, err := newRemote(*server, cfg)
		if err != nil {
			return fail(stderr, err)
		}
		if events, err = r.events(ctx, *member); err != nil {
			return fail(stderr, err)
		}
		// Never trust a remote log without replaying it.
		if _, err := tel.VerifyLog(events); err != nil {
			return fail(stderr, err)
		}
	} else {
		m, closeFn, err := openLocal(ctx, cfg, cliLogger(stderr, cfg))
		if err != nil {
			return fail(stderr, err)
		}
		defer closeFn()
		if events, err = m.GetLog(*member); err != nil {
			return fail(stderr, err)
		}
	}

	if common.jsonOut {
		printJSON(stdout, events)
		return 0
	}
	for _, e := range events {
		_, _ = fmt.Fprintf(stdout, "%4d  %-10s  %s  payload=%s\n", e.Sequence, e.Type, e.Digest, hex.EncodeToString(e.Payload))
	}
	return 0
}

func runCheckpointCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("checkpoint", stderr)
	common := addCommonFlags(fs)
	server := fs.String("server", "", "registry URL")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cfg, err := common.load()
	if err != nil {
		return fail(stderr, err)
	}

	ctx := context.Background()
	var cp *tel.Checkpoint
	if *server != "" {
		r, err := newRemote(*server, cfg)
		if err != nil {
			return fail(stderr, err)
		}
		cp, err = r.checkpoint(ctx)
		if err != nil {
			return fail(stderr, err)
		}
	} else {
		m, closeFn, err := openLocal(ctx, cfg, cliLogger(stderr, cfg))
		if err != nil {
			return fail(stderr, err)
		}
		defer closeFn()
		if cp, err = m.Checkpoint(ctx); err != nil {
			return fail(stderr, err)
		}
	}

	if common.jsonOut {
		printJSON(stdout, cp)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "root %s (%d members)\n", cp.Root, len(cp.Members))
	return 0
}

// runAuditCmd re-verifies members against their persisted records, or with
// --ledger verifies an audit ledger file written by serve.
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("audit", stderr)
	common := addCommonFlags(fs)
	member := fs.StringP("member", "m", "", "member id; default audits every member")
	server := fs.String("server", "", "registry URL")
	ledgerPath := fs.String("ledger", "", "verify the hash chain of an audit ledger file instead")
	if code, ok := parse(fs, args); !ok {
		return code
	}

	if *ledgerPath != "" {
		return auditLedgerFile(*ledgerPath, common.jsonOut, stdout, stderr)
	}

	cfg, err := common.load()
	if err != nil {
		return fail(stderr, err)
	}
	ctx := context.Background()

	if *server != "" {
		if *member == "" {
			return usageError(stderr, fs, "--member is required with --server")
		}
		r, err := newRemote(*server, cfg)
		if err != nil {
			return fail(stderr, err)
		}
		if err := r.audit(ctx, *member); err != nil {
			return fail(stderr, err)
		}
		_, _ = fmt.Fprintf(stdout, "%s verified\n", *member)
		return 0
	}

	m, closeFn, err := openLocal(ctx, cfg, cliLogger(stderr, cfg))
	if err != nil {
		return fail(stderr, err)
	}
	defer closeFn()

	members := m.Members()
	if *member != "" {
		members = []string{*member}
	}
	failed := 0
	results := make(map[string]string, len(members))
	for _, id := range members {
		if err := m.Audit(ctx, id); err != nil {
			failed++
			results[id] = err.Error()
			continue
		}
		results[id] = "verified"
	}
	if common.jsonOut {
		printJSON(stdout, results)
	} else {
		for _, id := range members {
			_, _ = fmt.Fprintf(stdout, "%-24s %s\n", id, results[id])
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func auditLedgerFile(path string, jsonOut bool, stdout, stderr io.Writer) int {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = f.Close() }()
	entries, err := ledger.ReadEntries(f)
	if err != nil {
		return fail(stderr, err)
	}
	ok, reason := ledger.VerifyEntries(entries)
	if jsonOut {
		printJSON(stdout, map[string]any{"entries": len(entries), "valid": ok, "reason": reason})
	} else if ok {
		_, _ = fmt.Fprintf(stdout, "ledger valid (%d entries)\n", len(entries))
	} else {
		_, _ = fmt.Fprintf(stdout, "ledger INVALID: %s\n", reason)
	}
	if !ok {
		return 1
	}
	return 0
}
