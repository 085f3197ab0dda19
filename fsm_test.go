package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrorezn/bundler-validator/internal/faststore"
)

func TestCmd(t *testing.T) {
	for _, c := range []cmd{acquireCmd, commitCmd, releaseCmd, setIntCmd} {
		t.Run(c.String(), func(t *testing.T) {
			b := &bytes.Buffer{}
			require.NoError(t, c.writeTo(b))
			assert.Equal(t, c.size(), b.Len())

			var got cmd
			require.NoError(t, got.read(b))
			assert.Equal(t, c, got)
		})
	}
}

func TestCommandCodec(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	body := command{Key: "k", Token: "t", Value: 7, At: at, ExpiresAt: at.Add(time.Second)}

	raw, err := encodeCommand(acquireCmd, body)
	require.NoError(t, err)

	c, got, err := decodeCommand(raw)
	require.NoError(t, err)
	assert.Equal(t, acquireCmd, c)
	assert.True(t, body.At.Equal(got.At))
	assert.True(t, body.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, body.Key, got.Key)
	assert.Equal(t, body.Token, got.Token)
	assert.Equal(t, body.Value, got.Value)

	_, _, err = decodeCommand([]byte{1, 2})
	assert.Error(t, err)
}

func applyCmd(t *testing.T, f *FSM, c cmd, body command) interface{} {
	t.Helper()
	raw, err := encodeCommand(c, body)
	require.NoError(t, err)

	return f.Apply(&raft.Log{Data: raw})
}

func TestFSM_Markers(t *testing.T) {
	f := NewFSM()
	now := time.Unix(1700000000, 0)

	assert.Equal(t, true, applyCmd(t, f, acquireCmd, command{Key: "m", Token: "a", At: now, ExpiresAt: now.Add(time.Minute)}))
	assert.Equal(t, false, applyCmd(t, f, acquireCmd, command{Key: "m", Token: "b", At: now.Add(time.Second)}))

	err, _ := applyCmd(t, f, releaseCmd, command{Key: "m", Token: "b", At: now}).(error)
	assert.True(t, errors.Is(err, faststore.ErrNotOwner))

	t.Run("expired marker can be taken", func(t *testing.T) {
		later := now.Add(2 * time.Minute)
		assert.Equal(t, true, applyCmd(t, f, acquireCmd, command{Key: "m", Token: "c", At: later, ExpiresAt: later.Add(time.Minute)}))
		assert.Nil(t, applyCmd(t, f, commitCmd, command{Key: "m", Token: "c", At: later}))

		e, ok := f.get("m", later.Add(time.Hour))
		require.True(t, ok)
		assert.Equal(t, "c", e.Token)
	})

	t.Run("release", func(t *testing.T) {
		assert.Nil(t, applyCmd(t, f, releaseCmd, command{Key: "m", Token: "c", At: now}))
		_, ok := f.get("m", now)
		assert.False(t, ok)
		assert.Nil(t, applyCmd(t, f, releaseCmd, command{Key: "m", Token: "c", At: now}))
	})

	err, _ = applyCmd(t, f, commitCmd, command{Key: "missing", Token: "x", At: now}).(error)
	assert.True(t, errors.Is(err, faststore.ErrKeyNotFound))
}

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (m *memSink) ID() string   { return "test" }
func (m *memSink) Close() error { return nil }

func (m *memSink) Cancel() error {
	m.cancelled = true

	return nil
}

func TestFSM_SnapshotRestore(t *testing.T) {
	f := NewFSM()
	now := time.Now()
	applyCmd(t, f, setIntCmd, command{Key: faststore.KeyCurrentBlock, Value: 101, At: now})
	applyCmd(t, f, acquireCmd, command{Key: "m", Token: "a", At: now})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)
	snap.Release()

	restored := NewFSM()
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	e, ok := restored.get(faststore.KeyCurrentBlock, now)
	require.True(t, ok)
	assert.Equal(t, int64(101), e.Value)
	_, ok = restored.get("m", now)
	assert.True(t, ok)
}

// localRaft applies commands straight to the FSM.
type localRaft struct {
	fsm   *FSM
	state raft.RaftState
}

type localFuture struct {
	resp interface{}
	err  error
}

func (f localFuture) Error() error          { return f.err }
func (f localFuture) Index() uint64         { return 0 }
func (f localFuture) Response() interface{} { return f.resp }

func (l *localRaft) State() raft.RaftState { return l.state }

func (l *localRaft) LeaderWithID() (raft.ServerAddress, raft.ServerID) {
	return "leader:8081", "leader"
}

func (l *localRaft) Apply(data []byte, _ time.Duration) raft.ApplyFuture {
	return localFuture{resp: l.fsm.Apply(&raft.Log{Data: data})}
}

func TestRaftStore(t *testing.T) {
	fsm := NewFSM()
	r := &localRaft{fsm: fsm, state: raft.Leader}
	store := NewRaftStore(r, fsm, time.Second)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "m", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Acquire(ctx, "m", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := store.Exists(ctx, "m")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.True(t, errors.Is(store.Release(ctx, "m", "b"), faststore.ErrNotOwner))
	require.NoError(t, store.Commit(ctx, "m", "a"))

	require.NoError(t, store.SetInt(ctx, faststore.KeyCurrentBlock, 100))
	require.NoError(t, store.SetInt(ctx, faststore.KeyCurrentEpoch, 3))
	block, epoch, err := faststore.ChainView(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, int64(100), block)
	assert.Equal(t, int64(3), epoch)

	_, err = store.GetInt(ctx, "unknown")
	assert.True(t, errors.Is(err, faststore.ErrKeyNotFound))
}

func TestRaftStore_MarkerExpires(t *testing.T) {
	fsm := NewFSM()
	store := NewRaftStore(&localRaft{fsm: fsm, state: raft.Leader}, fsm, time.Second)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "m", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	exists, err := store.Exists(ctx, "m")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = store.Acquire(ctx, "m", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRaftStore_Follower(t *testing.T) {
	fsm := NewFSM()
	store := NewRaftStore(&localRaft{fsm: fsm, state: raft.Follower}, fsm, time.Second)

	_, err := store.Acquire(context.Background(), "m", "a", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faststore.ErrUnavailable))
	assert.Contains(t, err.Error(), "leader:8081")
}
