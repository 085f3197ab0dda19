package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
	"github.com/dmitrorezn/bundler-validator/internal/ledger"
	"github.com/dmitrorezn/bundler-validator/internal/slasher"
)

const bundler = "bundler-address"

type fakeLedger struct {
	t        *testing.T
	dir      string
	txs      []ledger.BundleTx
	listErr  error
	items    map[string][]ledger.Item
	download map[string]error
	verify   map[string]error

	mu    sync.Mutex
	paths []string
}

func (f *fakeLedger) LatestTransactions(_ context.Context, address string, limit int, cursor string) ([]ledger.BundleTx, error) {
	assert.Equal(f.t, bundler, address)
	assert.Equal(f.t, DefaultLimit, limit)
	assert.Empty(f.t, cursor)

	return f.txs, f.listErr
}

func (f *fakeLedger) TxData(_ context.Context, id string) (string, error) {
	if err := f.download[id]; err != nil {
		return "", err
	}
	path := filepath.Join(f.dir, id)
	require.NoError(f.t, os.WriteFile(path, []byte(id), 0644))
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()

	return path, nil
}

func (f *fakeLedger) VerifyFileBundle(_ context.Context, path string) ([]ledger.Item, error) {
	id := filepath.Base(path)
	if err := f.verify[id]; err != nil {
		return nil, err
	}

	return f.items[id], nil
}

type fakeStore struct {
	mu       sync.Mutex
	txs      map[string]*domain.Transaction
	bundles  map[string]domain.Bundle
	outcomes map[string]domain.Reconciliation
	hasErr   error
	marks    int
}

func newFakeStore(txs ...domain.Transaction) *fakeStore {
	s := &fakeStore{
		txs:      map[string]*domain.Transaction{},
		bundles:  map[string]domain.Bundle{},
		outcomes: map[string]domain.Reconciliation{},
	}
	for i := range txs {
		s.txs[txs[i].ID] = &txs[i]
	}

	return s
}

func (s *fakeStore) GetTransaction(_ context.Context, id, bundlerAddr string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || tx.Bundler != bundlerAddr {
		return nil, domain.ErrTxNotFound
	}
	cp := *tx

	return &cp, nil
}

func (s *fakeStore) MarkReconciled(_ context.Context, id, _ string, actual int64, validated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks++
	s.txs[id].BlockActual = &actual
	s.txs[id].Validated = validated

	return nil
}

func (s *fakeStore) HasBundle(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasErr != nil {
		return false, s.hasErr
	}
	_, ok := s.bundles[id]

	return ok, nil
}

func (s *fakeStore) InsertBundle(_ context.Context, bundle *domain.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundle.ID] = *bundle

	return nil
}

func (s *fakeStore) InsertReconciliation(_ context.Context, outcome *domain.Reconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome.TxID+"|"+outcome.Bundler] = *outcome

	return nil
}

func (s *fakeStore) HasReconciliation(_ context.Context, id, bundlerAddr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.outcomes[id+"|"+bundlerAddr]

	return ok, nil
}

type fakeFallback struct {
	receipts map[string]domain.TxReceipt
	calls    []string
}

func (f *fakeFallback) Lookup(_ context.Context, txID string) (domain.TxReceipt, error) {
	f.calls = append(f.calls, txID)
	r, ok := f.receipts[txID]
	if !ok {
		return domain.TxReceipt{}, errors.New("transaction not found on any peer")
	}

	return r, nil
}

type recordingSink struct {
	votes []domain.SlashVote
}

func (r *recordingSink) Submit(_ context.Context, vote domain.SlashVote) error {
	r.votes = append(r.votes, vote)

	return nil
}

func height(h int64) *int64 {
	return &h
}

func promise(id string, block int64) domain.Transaction {
	return domain.Transaction{
		ID:            id,
		Bundler:       bundler,
		Epoch:         1,
		BlockPromised: block,
		Signature:     []byte("sig-" + id),
	}
}

type fixture struct {
	ledger   *fakeLedger
	store    *fakeStore
	fallback *fakeFallback
	sink     *recordingSink
	engine   *Engine
}

func newFixture(t *testing.T, store *fakeStore) *fixture {
	f := &fixture{
		ledger: &fakeLedger{
			t:        t,
			dir:      t.TempDir(),
			items:    map[string][]ledger.Item{},
			download: map[string]error{},
			verify:   map[string]error{},
		},
		store:    store,
		fallback: &fakeFallback{receipts: map[string]domain.TxReceipt{}},
		sink:     &recordingSink{},
	}
	var err error
	f.engine, err = New(f.ledger, f.store, f.fallback, slasher.New(f.sink), 0)
	require.NoError(t, err)

	return f
}

func (f *fixture) assertArtifactsRemoved(t *testing.T) {
	for _, p := range f.ledger.paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
}

func TestEngine_KeptAndBrokenPromises(t *testing.T) {
	store := newFakeStore(promise("kept", 50), promise("exact", 60), promise("late", 60))
	f := newFixture(t, store)
	f.ledger.txs = []ledger.BundleTx{{ID: "bundle-1", Height: height(60)}}
	f.ledger.items["bundle-1"] = []ledger.Item{{ID: "kept"}, {ID: "exact"}}
	f.ledger.txs = append(f.ledger.txs, ledger.BundleTx{ID: "bundle-2", Height: height(50)})
	f.ledger.items["bundle-2"] = []ledger.Item{{ID: "late"}}

	report, err := f.engine.Run(context.Background(), bundler)
	require.NoError(t, err)

	assert.Equal(t, Report{Bundles: 2, Recorded: 2, Items: 3, Validated: 2, Slashed: 1}, report)

	require.Len(t, f.sink.votes, 1)
	vote := f.sink.votes[0]
	assert.Equal(t, bundler, vote.Bundler)
	assert.Equal(t, "late", vote.TxID)
	assert.Equal(t, int64(60), vote.BlockPromised)
	assert.Equal(t, int64(50), vote.BlockActual)

	assert.True(t, store.txs["kept"].Validated)
	assert.Equal(t, int64(60), *store.txs["kept"].BlockActual)
	assert.True(t, store.txs["exact"].Validated)
	assert.False(t, store.txs["late"].Validated)
	assert.Equal(t, int64(50), *store.txs["late"].BlockActual)

	assert.Equal(t, domain.Bundle{ID: "bundle-1", OwnerAddress: bundler, BlockHeight: 60}, store.bundles["bundle-1"])
	assert.Empty(t, f.fallback.calls)
	f.assertArtifactsRemoved(t)
}

func TestEngine_SkipsUnconfirmed(t *testing.T) {
	f := newFixture(t, newFakeStore())
	f.ledger.txs = []ledger.BundleTx{{ID: "pending"}}

	report, err := f.engine.Run(context.Background(), bundler)
	require.NoError(t, err)
	assert.Equal(t, Report{Bundles: 1, Skipped: 1}, report)
	assert.Empty(t, f.store.bundles)
	assert.Empty(t, f.ledger.paths)
}

func TestEngine_PeerFallback(t *testing.T) {
	f := newFixture(t, newFakeStore())
	f.ledger.txs = []ledger.BundleTx{{ID: "bundle-1", Height: height(100)}}
	f.ledger.items["bundle-1"] = []ledger.Item{{ID: "remote"}, {ID: "unknown"}}
	f.fallback.receipts["remote"] = domain.TxReceipt{TxID: "remote", Block: 101, Signature: "x"}

	report, err := f.engine.Run(context.Background(), bundler)
	require.NoError(t, err)

	assert.Equal(t, Report{Bundles: 1, Recorded: 1, Items: 2, Slashed: 1, Unreconciled: 1}, report)
	assert.Equal(t, []string{"remote", "unknown"}, f.fallback.calls)
	require.Len(t, f.sink.votes, 1)
	assert.Equal(t, int64(101), f.sink.votes[0].BlockPromised)
	assert.Zero(t, f.store.marks)
	assert.Equal(t, domain.Reconciliation{
		TxID:          "remote",
		Bundler:       bundler,
		BlockPromised: 101,
		BlockActual:   100,
	}, f.store.outcomes["remote|"+bundler])
	f.assertArtifactsRemoved(t)
}

func TestEngine_PeerReceiptVotedOnce(t *testing.T) {
	f := newFixture(t, newFakeStore())
	f.ledger.txs = []ledger.BundleTx{{ID: "bundle-1", Height: height(100)}}
	f.ledger.items["bundle-1"] = []ledger.Item{{ID: "remote"}, {ID: "unknown"}}
	f.fallback.receipts["remote"] = domain.TxReceipt{TxID: "remote", Block: 101, Signature: "x"}

	for pass := 0; pass < 3; pass++ {
		_, err := f.engine.Run(context.Background(), bundler)
		require.NoError(t, err)
	}
	require.Len(t, f.sink.votes, 1)
	assert.Equal(t, "remote", f.sink.votes[0].TxID)
	assert.Equal(t, []string{"remote", "unknown", "unknown", "unknown"}, f.fallback.calls)

	t.Run("restart keeps the outcome", func(t *testing.T) {
		sink := &recordingSink{}
		restarted, err := New(f.ledger, f.store, f.fallback, slasher.New(sink), 0)
		require.NoError(t, err)

		report, err := restarted.Run(context.Background(), bundler)
		require.NoError(t, err)
		assert.Empty(t, sink.votes)
		assert.Equal(t, Report{Bundles: 1, Items: 2, Unreconciled: 1}, report)
	})
}

func TestEngine_IsolatesBundleFailures(t *testing.T) {
	hook := logTest.NewGlobal()
	defer hook.Reset()

	store := newFakeStore(promise("ok", 10))
	f := newFixture(t, store)
	f.ledger.txs = []ledger.BundleTx{
		{ID: "unreachable", Height: height(10)},
		{ID: "corrupt", Height: height(10)},
		{ID: "good", Height: height(10)},
	}
	f.ledger.download["unreachable"] = ledger.ErrBundleDownloadFailed
	f.ledger.verify["corrupt"] = ledger.ErrBundleVerificationFailed
	f.ledger.items["corrupt"] = []ledger.Item{{ID: "ok"}}
	f.ledger.items["good"] = []ledger.Item{{ID: "ok"}}

	report, err := f.engine.Run(context.Background(), bundler)
	require.NoError(t, err)

	assert.Equal(t, Report{Bundles: 3, Recorded: 3, Failed: 2, Items: 1, Validated: 1}, report)
	assert.True(t, store.txs["ok"].Validated)
	f.assertArtifactsRemoved(t)

	var messages []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			messages = append(messages, e.Message)
		}
	}
	assert.Equal(t, []string{"Could not download bundle", "Bundle failed verification"}, messages)
}

func TestEngine_ListFailure(t *testing.T) {
	f := newFixture(t, newFakeStore())
	f.ledger.listErr = errors.New("gateway down")

	_, err := f.engine.Run(context.Background(), bundler)
	assert.True(t, errors.Is(err, ErrTxsFromAddressNotFound))
}

func TestEngine_SecondPassSkipsSettledBundles(t *testing.T) {
	store := newFakeStore(promise("a", 10))
	f := newFixture(t, store)
	f.ledger.txs = []ledger.BundleTx{
		{ID: "settled", Height: height(20)},
		{ID: "partial", Height: height(20)},
	}
	f.ledger.items["settled"] = []ledger.Item{{ID: "a"}}
	f.ledger.items["partial"] = []ledger.Item{{ID: "missing"}}

	_, err := f.engine.Run(context.Background(), bundler)
	require.NoError(t, err)

	report, err := f.engine.Run(context.Background(), bundler)
	require.NoError(t, err)
	assert.Equal(t, Report{Bundles: 2, Skipped: 1, Items: 1, Unreconciled: 1}, report)
	assert.Equal(t, 1, store.marks)
	assert.Len(t, f.ledger.paths, 3)
}

func TestEngine_AlreadyReconciledRowIsNotReevaluated(t *testing.T) {
	tx := promise("late", 60)
	tx.BlockActual = height(50)
	f := newFixture(t, newFakeStore(tx))
	f.ledger.txs = []ledger.BundleTx{{ID: "bundle-1", Height: height(50)}}
	f.ledger.items["bundle-1"] = []ledger.Item{{ID: "late"}}

	report, err := f.engine.Run(context.Background(), bundler)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Items)
	assert.Zero(t, report.Slashed)
	assert.Empty(t, f.sink.votes)
}

func TestEngine_RecordErrorDoesNotStopReconciliation(t *testing.T) {
	store := newFakeStore(promise("a", 10))
	store.hasErr = errors.New("disk gone")
	f := newFixture(t, store)
	f.ledger.txs = []ledger.BundleTx{{ID: "bundle-1", Height: height(10)}}
	f.ledger.items["bundle-1"] = []ledger.Item{{ID: "a"}}

	report, err := f.engine.Run(context.Background(), bundler)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Validated)
	assert.Zero(t, report.Recorded)
}

type blockingLedger struct {
	fakeLedger
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLedger) LatestTransactions(context.Context, string, int, string) ([]ledger.BundleTx, error) {
	close(b.entered)
	<-b.release

	return nil, nil
}

func TestEngine_OnePassAtATime(t *testing.T) {
	l := &blockingLedger{entered: make(chan struct{}), release: make(chan struct{})}
	e, err := New(l, newFakeStore(), nil, slasher.New(nil), 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), bundler)
		done <- err
	}()
	<-l.entered

	_, err = e.Run(context.Background(), bundler)
	assert.True(t, errors.Is(err, ErrPassInProgress))

	close(l.release)
	require.NoError(t, <-done)
}
