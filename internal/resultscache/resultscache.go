// Package resultscache implements the on-disk result exchange format each
// worker writes and the aggregator reads back: a sequence of
// length-prefixed JSON records per worker, plus a meta.json describing the
// run. The record framing is a binary variant of chromiumos/tast/internal/
// control's MessageWriter/MessageReader: that package relies on
// json.Decoder's streaming support to find message boundaries, but since
// karva's records are written to a plain file (not a live pipe shared with
// other readers), an explicit uint32 length prefix makes re-reading a
// partial worker-crash file robust against a truncated final record.
package resultscache

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MatthewMckee4/karva/internal/errors"
)

// Record is one test outcome as persisted by a worker.
type Record struct {
	DisplayName string `json:"displayName"`
	ModulePath  string `json:"modulePath"`
	Line        int    `json:"line"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	DurationMS  int64  `json:"durationMs"`
	Attempts    int    `json:"attempts"`
}

// Meta describes a run's worker topology, written once per run directory.
type Meta struct {
	RunID       string           `json:"runID"`
	NumWorkers  int              `json:"numWorkers"`
	StartedUnix int64            `json:"startedUnix"`
	Shards      map[int][]string `json:"shards,omitempty"`
}

func metaPath(dir string) string { return filepath.Join(dir, "meta.json") }
func shardPath(dir string, workerID int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.results", workerID))
}

// WriteMeta writes the run's meta.json.
func WriteMeta(dir string, m Meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath(dir), b, 0o644)
}

// ReadMeta reads a run's meta.json.
func ReadMeta(dir string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(metaPath(dir))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

// Writer appends length-prefixed Records to one worker's shard file.
type Writer struct {
	f *os.File
}

// NewWriter opens (creating if necessary) the shard file for workerID
// within dir for appending.
func NewWriter(dir string, workerID int) (*Writer, error) {
	f, err := os.OpenFile(shardPath(dir, workerID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening results shard for writing")
	}
	return &Writer{f: f}, nil
}

// Write appends r, flushing immediately so a crashed worker leaves every
// already-completed test's record intact on disk.
func (w *Writer) Write(r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.f.Write(b); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close closes the underlying file.
func (w *Writer) Close() error { return w.f.Close() }

// ReadShard reads every complete Record from a worker's shard file. A
// truncated final record (from a worker that crashed mid-write) is
// silently dropped rather than treated as a read error, since the
// aggregator reports the worker crash separately.
func ReadShard(dir string, workerID int) ([]Record, error) {
	f, err := os.Open(shardPath(dir, workerID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []Record
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			break
		}
		var rec Record
		if err := json.Unmarshal(buf, &rec); err != nil {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}
