// Package ledger is the registry's audit channel: an append-only, hash-chained
// record of every outcome the event log produces. Each entry commits to its
// predecessor, so a copy of the ledger can be verified independently.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tel/pkg/canonicalize"
)

// Entry types written by the registry manager.
const (
	EntryAppended      = "APPENDED"
	EntryEscrowed      = "ESCROWED"
	EntryPromoted      = "PROMOTED"
	EntryRejected      = "REJECTED"
	EntryForkDetected  = "FORK_DETECTED"
	EntryEscrowDropped = "ESCROW_DROPPED"
	EntryMemberHalted  = "MEMBER_HALTED"
	EntryCheckpoint    = "CHECKPOINT"
)

const genesis = "genesis"

// LedgerEntry is an immutable, hash-chained entry.
type LedgerEntry struct {
	ID          string                 `json:"id"`
	Sequence    uint64                 `json:"sequence"`
	EntryType   string                 `json:"entry_type"`
	Member      string                 `json:"member,omitempty"`
	ContentHash string                 `json:"content_hash"`
	PrevHash    string                 `json:"prev_hash"`
	Timestamp   time.Time              `json:"timestamp"`
	Author      string                 `json:"author,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

type hashInput struct {
	Seq      uint64                 `json:"seq"`
	Type     string                 `json:"type"`
	Member   string                 `json:"member"`
	Data     map[string]interface{} `json:"data"`
	PrevHash string                 `json:"prev"`
}

func contentHash(e *LedgerEntry) (string, error) {
	h, err := canonicalize.PrefixedHash(hashInput{e.Sequence, e.EntryType, e.Member, e.Data, e.PrevHash})
	if err != nil {
		return "", fmt.Errorf("failed to hash entry %d: %w", e.Sequence, err)
	}
	return h, nil
}

// Ledger is an append-only, hash-chained log.
type Ledger struct {
	mu       sync.RWMutex
	entries  []LedgerEntry
	headHash string
	clock    func() time.Time
	sink     io.Writer
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries:  make([]LedgerEntry, 0),
		headHash: genesis,
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithSink mirrors every appended entry to w as one JSON line.
func (l *Ledger) WithSink(w io.Writer) *Ledger {
	l.sink = w
	return l
}

// Resume seeds an empty ledger with entries read back from its sink, so new
// entries continue the same chain.
func (l *Ledger) Resume(entries []LedgerEntry) error {
	if ok, reason := VerifyEntries(entries); !ok {
		return fmt.Errorf("resume ledger: %s", reason)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) != 0 {
		return fmt.Errorf("resume ledger: ledger already has %d entries", len(l.entries))
	}
	l.entries = append(l.entries, entries...)
	if n := len(entries); n > 0 {
		l.headHash = entries[n-1].ContentHash
	}
	return nil
}

// Append adds an entry to the ledger. Returns the sequence number.
func (l *Ledger) Append(entryType, author, member string, data map[string]interface{}) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if data == nil {
		data = map[string]interface{}{}
	}
	entry := LedgerEntry{
		ID:        uuid.NewString(),
		Sequence:  uint64(len(l.entries)) + 1,
		EntryType: entryType,
		Member:    member,
		PrevHash:  l.headHash,
		Timestamp: l.clock().UTC(),
		Author:    author,
		Data:      data,
	}
	h, err := contentHash(&entry)
	if err != nil {
		return 0, err
	}
	entry.ContentHash = h

	if l.sink != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := l.sink.Write(append(line, '\n')); err != nil {
			return 0, fmt.Errorf("audit sink: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	l.headHash = h
	return entry.Sequence, nil
}

// Get retrieves an entry by sequence number.
func (l *Ledger) Get(seq uint64) (*LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("entry %d not found", seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns entries with sequence greater than after, optionally
// restricted to one member. An empty member matches all.
func (l *Ledger) Entries(member string, after uint64) []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]LedgerEntry, 0)
	for _, e := range l.entries {
		if e.Sequence <= after {
			continue
		}
		if member != "" && e.Member != member {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Verify checks the integrity of the entire ledger chain.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEntries(l.entries)
}

// VerifyEntries checks a chain read back from a sink.
func VerifyEntries(entries []LedgerEntry) (bool, string) {
	prevHash := genesis
	for i := range entries {
		entry := &entries[i]
		if entry.Sequence != uint64(i)+1 {
			return false, fmt.Sprintf("sequence gap at entry %d: got %d", i+1, entry.Sequence)
		}
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := contentHash(entry)
		if err != nil {
			return false, err.Error()
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return true, "chain verified"
}

// ReadEntries parses the JSON lines written by a sink.
func ReadEntries(r io.Reader) ([]LedgerEntry, error) {
	var out []LedgerEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e LedgerEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit line %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
