// Command tel runs a transaction event log registry and administers member
// logs and export bundles.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/tel/pkg/config"
	"github.com/Mindburn-Labs/tel/pkg/store"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. It returns the process exit code:
// 0 on success, 1 on failure, 2 on usage errors.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cmd, rest := args[1], args[2:]
	switch cmd {
	case "serve", "server":
		return runServeCmd(rest, stdout, stderr)
	case "keygen":
		return runKeygenCmd(rest, stdout, stderr)
	case "incept", "issue", "revoke":
		return runEventCmd(cmd, rest, stdout, stderr)
	case "state":
		return runStateCmd(rest, stdout, stderr)
	case "log":
		return runLogCmd(rest, stdout, stderr)
	case "checkpoint":
		return runCheckpointCmd(rest, stdout, stderr)
	case "audit":
		return runAuditCmd(rest, stdout, stderr)
	case "export":
		return runExportCmd(rest, stdout, stderr)
	case "verify-bundle":
		return runVerifyBundleCmd(rest, stdout, stderr)
	case "import":
		return runImportCmd(rest, stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "tel %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "tel %s: transaction event log registry\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  tel <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "REGISTRY:")
	printCommand(w, "serve", "Run the HTTP registry")
	printCommand(w, "state", "Show a member's state (--member)")
	printCommand(w, "log", "Print a member's events (--member)")
	printCommand(w, "checkpoint", "Commit to every member head")
	printCommand(w, "audit", "Re-verify persisted logs against memory")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "MEMBERS:")
	printCommand(w, "keygen", "Create or show a signing key (--label)")
	printCommand(w, "incept", "Open a member log (--member)")
	printCommand(w, "issue", "Append an issuance (--member, --payload)")
	printCommand(w, "revoke", "Append a revocation (--member, --payload)")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "BUNDLES:")
	printCommand(w, "export", "Write a signed export bundle (--out)")
	printCommand(w, "verify-bundle", "Verify a bundle offline (--bundle, --trust)")
	printCommand(w, "import", "Verify and apply a bundle (--bundle)")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Every command accepts --config <file.yaml>; TEL_* environment variables")
	_, _ = fmt.Fprintln(w, "override the file. Member commands accept --server <url> to talk to a")
	_, _ = fmt.Fprintln(w, "running registry instead of opening the store directly.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-14s %s\n", name, desc)
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	storeKind  string
	dataDir    string
	keyDir     string
	jsonOut    bool
}

func addCommonFlags(fs *pflag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVarP(&c.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&c.storeKind, "store", "", "record store: memory, file, sqlite, postgres, redis")
	fs.StringVar(&c.dataDir, "data-dir", "", "data directory for file and sqlite stores")
	fs.StringVar(&c.keyDir, "key-dir", "", "directory holding signing keys")
	fs.BoolVar(&c.jsonOut, "json", false, "print JSON")
	return c
}

// load resolves configuration: defaults, then the file, then the
// environment, then flags.
func (c *commonFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFile(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if c.storeKind != "" {
		cfg.Store = store.Kind(c.storeKind)
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.keyDir != "" {
		cfg.KeyDir = c.keyDir
	}
	return cfg, cfg.Validate()
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	return fs
}

// parse returns the exit code to use when parsing stops the command.
func parse(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func usageError(stderr io.Writer, fs *pflag.FlagSet, msg string) int {
	_, _ = fmt.Fprintf(stderr, "Error: %s\n", msg)
	fs.PrintDefaults()
	return 2
}
