package status

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"rdsping/pkg/protocol/codec"
)

// maxRecord bounds a single framed journal record.
const maxRecord = 1 << 20

// JournalOptions configures an event journal.
type JournalOptions struct {
	Path       string
	Format     string // json, cbor or proto
	Rotate     bool
	MaxSizeMB  int
	MaxBackups int
}

// Journal appends encoded events to a file. Text codecs write one record
// per line; binary codecs prefix each record with its length (u32 LE).
type Journal struct {
	mu     sync.Mutex
	w      io.WriteCloser
	codec  codec.Codec
	failed bool
}

// OpenJournal opens (or creates) the journal file.
func OpenJournal(opts JournalOptions) (*Journal, error) {
	reg, err := codec.NewRegistry()
	if err != nil {
		return nil, err
	}
	format := opts.Format
	if format == "" {
		format = "json"
	}
	c, err := reg.Lookup(format)
	if err != nil {
		return nil, err
	}
	if opts.Path == "" {
		return nil, errors.New("journal: path is required")
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	var w io.WriteCloser
	if opts.Rotate {
		w = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    max(opts.MaxSizeMB, 1),
			MaxBackups: max(opts.MaxBackups, 1),
		}
	} else {
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		w = f
	}
	return &Journal{w: w, codec: c}, nil
}

// NewJournalWriter journals to an arbitrary writer; used by tests.
func NewJournalWriter(w io.WriteCloser, c codec.Codec) *Journal {
	return &Journal{w: w, codec: c}
}

func (j *Journal) Emit(e Event) {
	b, err := j.codec.Marshal(e.Fields())
	if err != nil {
		j.warn(err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.codec.Binary() {
		var lenbuf [4]byte
		binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
		if _, err := j.w.Write(append(lenbuf[:], b...)); err != nil {
			j.warnLocked(err)
		}
		return
	}
	if _, err := j.w.Write(append(b, '\n')); err != nil {
		j.warnLocked(err)
	}
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.w.Close()
}

func (j *Journal) warn(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.warnLocked(err)
}

// warnLocked logs the first failure only; the journal is best effort.
func (j *Journal) warnLocked(err error) {
	if j.failed {
		return
	}
	j.failed = true
	zap.L().Warn("event journal write failed", zap.String("format", j.codec.Name()), zap.Error(err))
}

// ReadJournal decodes every record in r written with codec c.
func ReadJournal(r io.Reader, c codec.Codec) ([]map[string]any, error) {
	var out []map[string]any
	if !c.Binary() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxRecord)
		for sc.Scan() {
			if len(sc.Bytes()) == 0 {
				continue
			}
			var m map[string]any
			if err := c.Unmarshal(sc.Bytes(), &m); err != nil {
				return out, fmt.Errorf("journal: record %d: %w", len(out), err)
			}
			out = append(out, m)
		}
		return out, sc.Err()
	}

	br := bufio.NewReader(r)
	for {
		var lenbuf [4]byte
		if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("journal: record %d: %w", len(out), err)
		}
		n := binary.LittleEndian.Uint32(lenbuf[:])
		if n > maxRecord {
			return out, fmt.Errorf("journal: record %d: invalid size %d", len(out), n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return out, fmt.Errorf("journal: record %d: %w", len(out), err)
		}
		var m map[string]any
		if err := c.Unmarshal(buf, &m); err != nil {
			return out, fmt.Errorf("journal: record %d: %w", len(out), err)
		}
		out = append(out, m)
	}
}
