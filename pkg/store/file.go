package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileExt = ".tel"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileStore keeps one append-only file per member under dir.
//
// File layout is a sequence of frames, u32 length | u32 crc32c | bytes. The
// first frame holds the member id, each later frame one record. A torn final
// frame left by a crash is dropped and truncated away on first access. Any
// other inconsistency, including a length field that overruns bytes which
// still hold a valid frame, is reported as ErrCorrupt and the file is left
// untouched.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	members map[string]*fileLog
	closed  bool
}

type fileLog struct {
	path    string
	records [][]byte
	size    int64
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &FileStore{
		dir:     dir,
		logger:  slog.Default().With("component", "file_store"),
		members: make(map[string]*fileLog),
	}, nil
}

// Member ids can be long and contain any byte, so file names are derived from
// their hash and the id itself lives in the header frame.
func (s *FileStore) pathFor(member string) string {
	sum := sha256.Sum256([]byte(member))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+fileExt)
}

func (s *FileStore) Append(ctx context.Context, member string, seq uint64, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	fl, err := s.open(member)
	if err != nil {
		return err
	}
	if have := uint64(len(fl.records)); seq != have {
		return fmt.Errorf("%w: %s has %d records, append at %d", ErrConflict, member, have, seq)
	}

	var buf []byte
	if fl.size == 0 {
		buf = appendFrame(buf, []byte(member))
	}
	buf = appendFrame(buf, record)

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // path derived from hash
	if err != nil {
		return fmt.Errorf("open %s: %w", fl.path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteAt(buf, fl.size); err != nil {
		return fmt.Errorf("write %s: %w", fl.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", fl.path, err)
	}
	fl.size += int64(len(buf))
	fl.records = append(fl.records, append([]byte(nil), record...))
	return nil
}

func (s *FileStore) Load(ctx context.Context, member string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	// Always re-read so tampering on disk is visible to audits.
	delete(s.members, member)
	fl, err := s.open(member)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(fl.records))
	for i, r := range fl.records {
		out[i] = append([]byte(nil), r...)
	}
	return out, nil
}

func (s *FileStore) Members(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var (
		out        []string
		unreadable *UnreadableError
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		member, err := readHeader(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			if unreadable == nil {
				unreadable = &UnreadableError{}
			}
			unreadable.add(entry.Name(), err)
			continue
		}
		if member != "" {
			out = append(out, member)
		}
	}
	sort.Strings(out)
	if unreadable != nil {
		s.logger.Error("unreadable member files", "count", len(unreadable.Entries), "error", unreadable)
		return out, unreadable
	}
	return out, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.members = nil
	return nil
}

// open returns the cached state of member, scanning its file on first use.
func (s *FileStore) open(member string) (*fileLog, error) {
	if fl, ok := s.members[member]; ok {
		return fl, nil
	}
	fl := &fileLog{path: s.pathFor(member)}

	data, err := os.ReadFile(fl.path)
	if errors.Is(err, os.ErrNotExist) {
		s.members[member] = fl
		return fl, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fl.path, err)
	}

	frames, valid, err := readFrames(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fl.path, err)
	}
	if len(frames) == 0 {
		valid = 0
	} else if string(frames[0]) != member {
		return nil, fmt.Errorf("%w: %s holds member %q", ErrCorrupt, fl.path, frames[0])
	}
	if valid < int64(len(data)) {
		s.logger.Warn("truncating torn tail", "path", fl.path, "valid", valid, "size", len(data))
		if err := os.Truncate(fl.path, valid); err != nil {
			return nil, fmt.Errorf("truncate %s: %w", fl.path, err)
		}
	}
	if len(frames) > 0 {
		fl.records = frames[1:]
	}
	fl.size = valid
	s.members[member] = fl
	return fl, nil
}

func appendFrame(buf, payload []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.BigEndian.AppendUint32(buf, crc32.Checksum(payload, castagnoli))
	return append(buf, payload...)
}

// readFrames splits data into frames and returns the offset just past the last
// complete one. Only a final frame whose claimed length runs past the end of
// data is treated as torn, and only when none of the bytes after its start
// hold a complete frame, which a crash mid-append cannot produce.
func readFrames(data []byte) ([][]byte, int64, error) {
	var frames [][]byte
	off := 0
	for len(data)-off >= 8 {
		n := uint64(binary.BigEndian.Uint32(data[off:]))
		sum := binary.BigEndian.Uint32(data[off+4:])
		rest := data[off+8:]
		if uint64(len(rest)) < n {
			if crc32.Checksum(rest, castagnoli) == sum || frameWithin(data[off+1:]) {
				return nil, 0, fmt.Errorf("%w: frame %d claims %d bytes, %d follow", ErrCorrupt, len(frames), n, len(rest))
			}
			break
		}
		payload := rest[:n]
		if n == 0 || crc32.Checksum(payload, castagnoli) != sum {
			return nil, 0, fmt.Errorf("%w: checksum mismatch in frame %d", ErrCorrupt, len(frames))
		}
		frames = append(frames, append([]byte(nil), payload...))
		off += 8 + int(n)
	}
	return frames, int64(off), nil
}

// frameWithin reports whether a complete, non-empty frame starts at any
// offset of data.
func frameWithin(data []byte) bool {
	for k := 0; len(data)-k >= 8; k++ {
		n := uint64(binary.BigEndian.Uint32(data[k:]))
		if n == 0 || uint64(len(data)-k-8) < n {
			continue
		}
		if crc32.Checksum(data[k+8:k+8+int(n)], castagnoli) == binary.BigEndian.Uint32(data[k+4:]) {
			return true
		}
	}
	return false
}

// readHeader returns the member id of the file at path, or "" when not even
// the header frame was committed.
func readHeader(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path from our data dir
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var hdr [8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return "", nil
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if n == 0 || n > 4096 {
		return "", fmt.Errorf("%w: %s header is %d bytes", ErrCorrupt, path, n)
	}
	member := make([]byte, n)
	if _, err := io.ReadFull(f, member); err != nil {
		// Short header: torn first append, or a damaged length.
		data, err := os.ReadFile(path) //nolint:gosec // path from our data dir
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		if _, _, err := readFrames(data); err != nil {
			return "", fmt.Errorf("%s: %w", path, err)
		}
		return "", nil
	}
	if crc32.Checksum(member, castagnoli) != binary.BigEndian.Uint32(hdr[4:]) {
		return "", fmt.Errorf("%w: %s header checksum mismatch", ErrCorrupt, path)
	}
	return string(member), nil
}
