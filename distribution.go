package main

import (
	"context"
	errs "errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/faststore"
)

type ConsensusCfg struct {
	RaftAddr     string        `env:"RAFT_ADDR" envDefault:"localhost:8081"`
	MaxPool      int           `env:"MAX_POOL" envDefault:"5"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"10s"`
	LogStoreDir  string        `env:"RAFT_LOG_STORE_DIR" envDefault:"persist"`
	DataStoreDir string        `env:"RAFT_DATA_STORE_DIR" envDefault:"persist"`
	PeersFile    string        `env:"RAFT_PEERS_FILE" envDefault:"peers.json"`
	Bootstrap    bool          `env:"RAFT_BOOTSTRAP"`
	Join         string        `env:"RAFT_JOIN"`
}

type Consensus struct {
	*raft.Raft

	transport     raft.Transport
	cfg           ConsensusCfg
	stableStore   *raftboltdb.BoltStore
	logStore      *raftboltdb.BoltStore
	snapshotStore *raft.FileSnapshotStore
	fsm           raft.FSM
}

func NewConsensus(cfg ConsensusCfg, fsm raft.FSM) (*Consensus, error) {
	var consensus = Consensus{
		cfg: cfg,
		fsm: fsm,
	}
	setup := []struct {
		name string
		fn   func() error
	}{
		{"initStableStor", consensus.initStableStor},
		{"initSnapshotStor", consensus.initSnapshotStor},
		{"initLogStor", consensus.initLogStor},
		{"setupTransport", consensus.setupTransport},
		{"initRaft", consensus.initRaft},
		{"bootstrapCluster", consensus.bootstrapCluster},
	}
	for _, s := range setup {
		if err := s.fn(); err != nil {
			return nil, errors.Wrap(err, s.name)
		}
		log.WithField("step", s.name).Debug("Consensus setup")
	}

	return &consensus, nil
}

func (c *Consensus) setupTransport() error {
	addr, err := net.ResolveTCPAddr("tcp", c.cfg.RaftAddr)
	if err != nil {
		return errors.Wrap(err, "ResolveTCPAddr")
	}
	c.transport, err = raft.NewTCPTransportWithConfig(c.cfg.RaftAddr, addr, &raft.NetworkTransportConfig{
		MaxPool: c.cfg.MaxPool,
		Timeout: c.cfg.Timeout,
	})
	if err != nil {
		return errors.Wrap(err, "NewTCPTransportWithConfig")
	}

	return nil
}

func (c *Consensus) raftDir() string {
	return filepath.Join(c.cfg.LogStoreDir, "raft")
}

func (c *Consensus) initStableStor() (err error) {
	if err = os.MkdirAll(c.raftDir(), storePerm); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}
	if c.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(c.raftDir(), "stable")); err != nil {
		return errors.Wrap(err, "NewBoltStore")
	}

	return nil
}

func (c *Consensus) initSnapshotStor() (err error) {
	const retain = 1
	c.snapshotStore, err = raft.NewFileSnapshotStore(
		filepath.Join(c.cfg.DataStoreDir, "snapshot"),
		retain,
		os.Stderr,
	)

	return errors.Wrap(err, "NewFileSnapshotStore")
}

func (c *Consensus) initLogStor() (err error) {
	if c.logStore, err = raftboltdb.NewBoltStore(filepath.Join(c.raftDir(), "logs")); err != nil {
		return errors.Wrap(err, "NewBoltStore")
	}

	return nil
}

const (
	leaderWaitPeriod = time.Second
)

func (c *Consensus) WaitForLeader(ctx context.Context) (string, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
		leaderAddr, id := c.Raft.LeaderWithID()
		if leaderAddr != "" && id != "" {
			return string(leaderAddr), nil
		}
		log.Debug("Waiting for raft leader")
		timer.Reset(leaderWaitPeriod)
	}
}

func (c *Consensus) initRaft() (err error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.cfg.RaftAddr)

	c.Raft, err = raft.NewRaft(
		config,
		c.fsm,
		c.logStore,
		c.stableStore,
		c.snapshotStore,
		c.transport,
	)
	if err != nil {
		return errors.Wrap(err, "NewRaft <"+c.cfg.RaftAddr+">")
	}

	return nil
}

func (c *Consensus) Close() error {
	return errs.Join(
		c.Raft.Shutdown().Error(),
		c.logStore.Close(),
		c.stableStore.Close(),
	)
}

func await[T interface {
	Error() error
}](future ...T) error {
	var errsC = make(chan error)

	wg := sync.WaitGroup{}
	wg.Add(len(future))

	go func() {
		defer close(errsC)
		wg.Wait()
	}()
	for i := range future {
		go func(i int) {
			defer wg.Done()
			errsC <- future[i].Error()
		}(i)
	}
	var err error
	for _err := range errsC {
		err = errs.Join(err, _err)
	}

	return err
}

// bootstrapCluster seeds a new cluster from the peers file. Nodes started
// without RAFT_BOOTSTRAP wait to be added by the leader.
func (c *Consensus) bootstrapCluster() error {
	if !c.cfg.Bootstrap {
		return nil
	}
	id := raft.ServerID(c.cfg.RaftAddr)

	cfg := raft.Configuration{}
	if _, err := os.Stat(c.cfg.PeersFile); err == nil {
		if cfg, err = raft.ReadPeersJSON(c.cfg.PeersFile); err != nil {
			return errors.Wrap(err, "ReadPeersJSON")
		}
	}
	cfg.Servers = append(cfg.Servers, raft.Server{
		ID:      id,
		Address: c.transport.LocalAddr(),
	})

	err := await(c.Raft.BootstrapCluster(cfg))
	if errors.Is(err, raft.ErrCantBootstrap) {
		return nil
	}

	return errors.Wrap(err, "BootstrapCluster")
}

// Join adds voters to the cluster. Only the leader can do it.
func (c *Consensus) Join(addrs ...string) error {
	futures := make([]raft.IndexFuture, 0, len(addrs))
	for _, addr := range addrs {
		futures = append(futures, c.Raft.AddVoter(raft.ServerID(addr), raft.ServerAddress(addr), 0, c.cfg.Timeout))
	}

	return errors.Wrap(await(futures...), "AddVoter")
}

type applier interface {
	State() raft.RaftState
	LeaderWithID() (raft.ServerAddress, raft.ServerID)
	Apply(cmd []byte, timeout time.Duration) raft.ApplyFuture
}

// RaftStore is a fast store replicated with raft. Writes go through the
// leader; reads are served from the local state.
type RaftStore struct {
	raft    applier
	fsm     *FSM
	timeout time.Duration
	now     func() time.Time
}

var _ faststore.Store = (*RaftStore)(nil)

func NewRaftStore(r applier, fsm *FSM, timeout time.Duration) *RaftStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &RaftStore{
		raft:    r,
		fsm:     fsm,
		timeout: timeout,
		now:     time.Now,
	}
}

func (r *RaftStore) apply(ctx context.Context, c cmd, body command) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.raft.State() != raft.Leader {
		leader, _ := r.raft.LeaderWithID()

		return nil, errors.Wrapf(faststore.ErrUnavailable, "not the leader, leader is %q", leader)
	}
	data, err := encodeCommand(c, body)
	if err != nil {
		return nil, err
	}
	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	future := r.raft.Apply(data, timeout)
	if err = future.Error(); err != nil {
		return nil, errors.Wrapf(faststore.ErrUnavailable, "apply %s: %s", c, err)
	}
	if err, ok := future.Response().(error); ok {
		return nil, err
	}

	return future.Response(), nil
}

func (r *RaftStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := r.now()
	body := command{Key: key, Token: token, At: now}
	if ttl > 0 {
		body.ExpiresAt = now.Add(ttl)
	}
	resp, err := r.apply(ctx, acquireCmd, body)
	if err != nil {
		return false, err
	}
	acquired, _ := resp.(bool)

	return acquired, nil
}

func (r *RaftStore) Commit(ctx context.Context, key, token string) error {
	_, err := r.apply(ctx, commitCmd, command{Key: key, Token: token, At: r.now()})

	return err
}

func (r *RaftStore) Release(ctx context.Context, key, token string) error {
	_, err := r.apply(ctx, releaseCmd, command{Key: key, Token: token, At: r.now()})

	return err
}

func (r *RaftStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := r.fsm.get(key, r.now())

	return ok, nil
}

func (r *RaftStore) GetInt(_ context.Context, key string) (int64, error) {
	e, ok := r.fsm.get(key, r.now())
	if !ok {
		return 0, errors.Wrap(faststore.ErrKeyNotFound, key)
	}

	return e.Value, nil
}

func (r *RaftStore) SetInt(ctx context.Context, key string, v int64) error {
	_, err := r.apply(ctx, setIntCmd, command{Key: key, Value: v, At: r.now()})

	return err
}
