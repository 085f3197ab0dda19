// Package journal is an append-only, length-prefixed record file. Slash
// votes are written here in emission order before they leave the node. A
// cursor file next to the journal marks how far the votes were published.
package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	errs "errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

var (
	enc = binary.BigEndian
)

const (
	lenWidth = 8
	filePerm = 0644
	dirPerm  = 0755

	cursorSuffix = ".published"
)

var ErrCursorOutOfRange = errors.New("published cursor beyond journal end")

type store struct {
	*os.File
	mu   sync.Mutex
	buf  *bufio.Writer
	size uint64
}

func newStore(f *os.File) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}

	return &store{
		File: f,
		size: uint64(fi.Size()),
		buf:  bufio.NewWriter(f),
	}, nil
}

// Append writes one record and syncs it. A failed append is cut off the
// file so the next record starts where the store expects it.
func (s *store) Append(p []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos = s.size
	defer func() {
		if err != nil {
			err = s.truncate(pos, err)
		}
	}()
	if err = binary.Write(s.buf, enc, uint64(len(p))); err != nil {
		return 0, 0, errors.Wrap(err, "Write length")
	}
	w, err := s.buf.Write(p)
	if err != nil {
		return 0, 0, errors.Wrap(err, "Write")
	}
	if err = s.buf.Flush(); err != nil {
		return 0, 0, errors.Wrap(err, "Flush")
	}
	if err = s.File.Sync(); err != nil {
		return 0, 0, errors.Wrap(err, "Sync")
	}
	w += lenWidth
	s.size += uint64(w)

	return uint64(w), pos, nil
}

func (s *store) truncate(size uint64, cause error) error {
	s.buf.Reset(s.File)
	if err := s.File.Truncate(int64(size)); err != nil {
		return errs.Join(cause, errors.Wrap(err, "Truncate"))
	}

	return cause
}

func (s *store) ReadPos(pos uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return nil, err
	}
	size := make([]byte, lenWidth)
	if _, err := s.File.ReadAt(size, int64(pos)); err != nil {
		return nil, err
	}
	b := make([]byte, enc.Uint64(size))
	if _, err := s.File.ReadAt(b, int64(pos+lenWidth)); err != nil {
		return nil, err
	}

	return b, nil
}

func (s *store) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return err
	}

	return s.File.Close()
}

// Journal records slash votes.
type Journal struct {
	store *store

	mu         sync.Mutex
	cursorPath string
	published  uint64
}

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, errors.Wrap(err, "MkdirAll")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return nil, errors.Wrap(err, "OpenFile")
	}
	s, err := newStore(f)
	if err != nil {
		_ = f.Close()

		return nil, errors.Wrap(err, "newStore")
	}
	j := &Journal{
		store:      s,
		cursorPath: path + cursorSuffix,
	}
	if j.published, err = readCursor(j.cursorPath); err != nil {
		return nil, errs.Join(err, s.Close())
	}
	if j.published > s.Size() {
		return nil, errs.Join(errors.Wrapf(ErrCursorOutOfRange, "%d > %d", j.published, s.Size()), s.Close())
	}

	return j, nil
}

func readCursor(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if errs.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "ReadFile")
	}
	if len(raw) != lenWidth {
		return 0, errors.Errorf("cursor file %s holds %d bytes", path, len(raw))
	}

	return enc.Uint64(raw), nil
}

// writeCursor replaces the cursor file atomically.
func writeCursor(path string, pos uint64) error {
	raw := make([]byte, lenWidth)
	enc.PutUint64(raw, pos)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, filePerm); err != nil {
		return errors.Wrap(err, "WriteFile")
	}

	return errors.Wrap(os.Rename(tmp, path), "Rename")
}

func (j *Journal) Append(vote domain.SlashVote) error {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(vote); err != nil {
		return errors.Wrap(err, "Encode")
	}
	if _, _, err := j.store.Append(b.Bytes()); err != nil {
		return errors.Wrap(err, "Append")
	}

	return nil
}

// ReadAll returns every recorded vote in append order.
func (j *Journal) ReadAll() ([]domain.SlashVote, error) {
	votes, _, err := j.read(0, -1)

	return votes, err
}

// Unpublished returns the votes after the published cursor, in append
// order.
func (j *Journal) Unpublished() ([]domain.SlashVote, error) {
	j.mu.Lock()
	from := j.published
	j.mu.Unlock()

	votes, _, err := j.read(from, -1)

	return votes, err
}

// MarkPublished moves the published cursor past the next n votes.
func (j *Journal) MarkPublished(n int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	votes, next, err := j.read(j.published, n)
	if err != nil {
		return err
	}
	if len(votes) < n {
		return errors.Wrapf(ErrCursorOutOfRange, "%d votes left, %d published", len(votes), n)
	}
	if err = writeCursor(j.cursorPath, next); err != nil {
		return err
	}
	j.published = next

	return nil
}

// read decodes up to limit records starting at pos, all of them when limit
// is negative, and returns the position after the last one.
func (j *Journal) read(pos uint64, limit int) ([]domain.SlashVote, uint64, error) {
	var (
		votes []domain.SlashVote
		end   = j.store.Size()
	)
	for pos < end && (limit < 0 || len(votes) < limit) {
		b, err := j.store.ReadPos(pos)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return votes, pos, errors.Wrapf(io.ErrUnexpectedEOF, "record at %d", pos)
			}

			return votes, pos, errors.Wrap(err, "ReadPos")
		}
		var vote domain.SlashVote
		if err = gob.NewDecoder(bytes.NewReader(b)).Decode(&vote); err != nil {
			return votes, pos, errors.Wrapf(err, "Decode record at %d", pos)
		}
		votes = append(votes, vote)
		pos += lenWidth + uint64(len(b))
	}

	return votes, pos, nil
}

func (j *Journal) Close() error {
	return j.store.Close()
}
