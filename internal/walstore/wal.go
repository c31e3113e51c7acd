// Package walstore provides an append-only log of tagged, already-serialized
// consensus messages and a Replay over it. internal/core holds a WAL handle
// but does not append to it or replay it. Grounded on chainmaker-go's chainedbft/wal.go, which wraps
// github.com/tidwall/wal the same way.
package walstore

import (
	"fmt"

	"github.com/tidwall/wal"

	"github.com/mastran/synchs-omission/internal/logging"
)

var log = logging.Get("wal")

// EntryKind tags what a WAL entry records, so replay can dispatch it back
// into the right on_receive_* handler.
type EntryKind byte

const (
	KindProposal EntryKind = iota
	KindVote
	KindBlame
	KindBlameNotify
	KindPreCommit
)

// Entry is one WAL record: a kind tag plus the already-serialized message.
type Entry struct {
	Kind EntryKind
	Body []byte
}

// WAL wraps a tidwall/wal.Log with periodic truncation, mirroring
// chainedbft's updateWalIndexAndTruncFile behavior (truncate the front
// every truncEvery appends).
type WAL struct {
	log        *wal.Log
	truncEvery uint64
	sinceTrunc uint64
}

// Open opens or creates a WAL rooted at dir.
func Open(dir string, truncEvery uint64) (*WAL, error) {
	l, err := wal.Open(dir, wal.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", dir, err)
	}
	if truncEvery == 0 {
		truncEvery = 5
	}
	return &WAL{log: l, truncEvery: truncEvery}, nil
}

// Append writes one entry, encoded as [kind byte ‖ body].
func (w *WAL) Append(kind EntryKind, body []byte) error {
	idx, err := w.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal: last index: %w", err)
	}
	rec := make([]byte, 0, len(body)+1)
	rec = append(rec, byte(kind))
	rec = append(rec, body...)
	if err := w.log.Write(idx+1, rec); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	w.sinceTrunc++
	if w.sinceTrunc >= w.truncEvery {
		w.truncFront(idx + 1)
		w.sinceTrunc = 0
	}
	return nil
}

func (w *WAL) truncFront(index uint64) {
	if index == 0 {
		return
	}
	if err := w.log.TruncateFront(index); err != nil {
		log.Warnf("wal: truncate front at %d: %v", index, err)
	}
}

// Replay invokes fn for every entry still present in the log, in order.
func (w *WAL) Replay(fn func(Entry) error) error {
	first, err := w.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal: first index: %w", err)
	}
	last, err := w.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal: last index: %w", err)
	}
	for i := first; i <= last && i != 0; i++ {
		rec, err := w.log.Read(i)
		if err != nil {
			return fmt.Errorf("wal: read %d: %w", i, err)
		}
		if len(rec) == 0 {
			continue
		}
		if err := fn(Entry{Kind: EntryKind(rec[0]), Body: rec[1:]}); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying log file.
func (w *WAL) Close() error {
	return w.log.Close()
}
