package journal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

func TestJournal_AppendReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "votes", "votes.log")

	j, err := Open(path)
	require.NoError(t, err)

	votes := []domain.SlashVote{
		{Bundler: "b", TxID: "tx1", BlockPromised: 60, BlockActual: 50, BundleID: "bundle1", CreatedAt: time.Unix(100, 0).UTC()},
		{Bundler: "b", TxID: "tx2", BlockPromised: 70, BlockActual: 69, CreatedAt: time.Unix(200, 0).UTC()},
	}
	for _, v := range votes {
		require.NoError(t, j.Append(v))
	}

	got, err := j.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, votes, got)
	require.NoError(t, j.Close())

	t.Run("reopen keeps order", func(t *testing.T) {
		j, err := Open(path)
		require.NoError(t, err)
		defer j.Close()

		third := domain.SlashVote{Bundler: "b", TxID: "tx3", BlockPromised: 9, BlockActual: 8, CreatedAt: time.Unix(300, 0).UTC()}
		require.NoError(t, j.Append(third))

		got, err := j.ReadAll()
		require.NoError(t, err)
		assert.Equal(t, append(votes, third), got)
	})
}

func TestJournal_Empty(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "votes.log"))
	require.NoError(t, err)
	defer j.Close()

	got, err := j.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testVote(tx string) domain.SlashVote {
	return domain.SlashVote{Bundler: "b", TxID: tx, BlockPromised: 2, BlockActual: 1, CreatedAt: time.Unix(100, 0).UTC()}
}

func TestJournal_PublishedCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "votes.log")

	j, err := Open(path)
	require.NoError(t, err)
	for _, tx := range []string{"a", "b", "c"} {
		require.NoError(t, j.Append(testVote(tx)))
	}

	pending, err := j.Unpublished()
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, j.MarkPublished(2))
	assert.True(t, errors.Is(j.MarkPublished(2), ErrCursorOutOfRange))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	pending, err = j.Unpublished()
	require.NoError(t, err)
	assert.Equal(t, []domain.SlashVote{testVote("c")}, pending)

	all, err := j.ReadAll()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, j.MarkPublished(1))
	pending, err = j.Unpublished()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJournal_CursorBeyondEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "votes.log")
	require.NoError(t, writeCursor(path+cursorSuffix, 1024))

	_, err := Open(path)
	assert.True(t, errors.Is(err, ErrCursorOutOfRange))
}

// shortWriter accepts left bytes and then fails.
type shortWriter struct {
	w    io.Writer
	left int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) <= s.left {
		s.left -= len(p)

		return s.w.Write(p)
	}
	n, _ := s.w.Write(p[:s.left])
	s.left = 0

	return n, errors.New("disk full")
}

func TestStore_FailedAppendIsCutOff(t *testing.T) {
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "store"), os.O_RDWR|os.O_CREATE|os.O_APPEND, filePerm)
	require.NoError(t, err)
	s, err := newStore(f)
	require.NoError(t, err)
	defer s.Close()

	s.buf = bufio.NewWriterSize(&shortWriter{w: f, left: lenWidth + 2}, 16)
	_, _, err = s.Append(make([]byte, 64))
	require.Error(t, err)
	assert.Zero(t, s.Size())

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Zero(t, fi.Size())

	_, pos, err := s.Append([]byte("vote"))
	require.NoError(t, err)
	assert.Zero(t, pos)

	got, err := s.ReadPos(pos)
	require.NoError(t, err)
	assert.Equal(t, []byte("vote"), got)
}
