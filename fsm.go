package main

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	errs "errors"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/faststore"
)

type cmd int64

const (
	undefinedCmd cmd = iota
	acquireCmd
	commitCmd
	releaseCmd
	setIntCmd
)

func (c cmd) String() string {
	switch c {
	case acquireCmd:
		return "acquire"
	case commitCmd:
		return "commit"
	case releaseCmd:
		return "release"
	case setIntCmd:
		return "setInt"
	default:
		return "undefined"
	}
}

func (c cmd) size() int {
	return binary.Size(int64(c))
}

func (c cmd) writeTo(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, int64(c))
}

func (c *cmd) read(w io.Reader) error {
	return binary.Read(w, binary.BigEndian, (*int64)(c))
}

// command is the body of a replicated fast store write. At is the leader's
// clock when the command was proposed so every replica expires markers the
// same way.
type command struct {
	Key       string
	Token     string
	Value     int64
	At        time.Time
	ExpiresAt time.Time
}

func encodeCommand(c cmd, body command) ([]byte, error) {
	b := bytes.NewBuffer(make([]byte, 0, c.size()))
	if err := c.writeTo(b); err != nil {
		return nil, errors.Wrap(err, "writeTo")
	}
	if err := gob.NewEncoder(b).Encode(body); err != nil {
		return nil, errors.Wrap(err, "Encode")
	}

	return b.Bytes(), nil
}

func decodeCommand(data []byte) (cmd, command, error) {
	var (
		c    cmd
		body command
	)
	r := bytes.NewReader(data)
	if err := c.read(r); err != nil {
		return undefinedCmd, body, errors.Wrap(err, "read")
	}
	if err := gob.NewDecoder(r).Decode(&body); err != nil {
		return c, body, errors.Wrap(err, "Decode")
	}

	return c, body, nil
}

type entry struct {
	Token     string
	Value     int64
	ExpiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// FSM is the replicated fast store state.
type FSM struct {
	mu      sync.RWMutex
	entries map[string]entry
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM() *FSM {
	return &FSM{
		entries: make(map[string]entry),
	}
}

// Apply returns a bool for acquireCmd and an error (or nil) otherwise.
func (f *FSM) Apply(l *raft.Log) interface{} {
	c, body, err := decodeCommand(l.Data)
	if err != nil {
		log.WithError(err).WithField("index", l.Index).Error("Could not decode fast store command")

		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch c {
	case acquireCmd:
		if e, ok := f.entries[body.Key]; ok && !e.expired(body.At) {
			return false
		}
		f.entries[body.Key] = entry{Token: body.Token, ExpiresAt: body.ExpiresAt}

		return true
	case commitCmd:
		e, err := f.owned(body.Key, body.Token, body.At)
		if err != nil {
			return err
		}
		e.ExpiresAt = time.Time{}
		f.entries[body.Key] = e
	case releaseCmd:
		if _, err := f.owned(body.Key, body.Token, body.At); err != nil {
			if errors.Is(err, faststore.ErrKeyNotFound) {
				return nil
			}

			return err
		}
		delete(f.entries, body.Key)
	case setIntCmd:
		f.entries[body.Key] = entry{Value: body.Value}
	default:
		return errors.Errorf("unknown command %d", c)
	}

	return nil
}

func (f *FSM) owned(key, token string, now time.Time) (entry, error) {
	e, ok := f.entries[key]
	if !ok || e.expired(now) {
		return entry{}, faststore.ErrKeyNotFound
	}
	if e.Token != token {
		return entry{}, faststore.ErrNotOwner
	}

	return e, nil
}

func (f *FSM) get(key string, now time.Time) (entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.entries[key]
	if !ok || e.expired(now) {
		return entry{}, false
	}

	return e, true
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries := make(map[string]entry, len(f.entries))
	for k, v := range f.entries {
		entries[k] = v
	}

	return &snapshot{entries: entries}, nil
}

func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	entries := make(map[string]entry)
	if err := gob.NewDecoder(r).Decode(&entries); err != nil {
		return errors.Wrap(err, "Decode")
	}

	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()

	return nil
}

var _ raft.FSMSnapshot = (*snapshot)(nil)

type snapshot struct {
	entries map[string]entry
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if err := gob.NewEncoder(sink).Encode(s.entries); err != nil {
		return errors.Wrap(errs.Join(err, sink.Cancel()), "Encode")
	}

	return sink.Close()
}

func (s *snapshot) Release() {}
