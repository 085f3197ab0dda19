package main

import (
	"bytes"
	"context"
	"encoding/gob"
	errs "errors"
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

type DiskStore struct {
	db *bolt.DB
}

type DiskStoreCfg struct {
	DiskStoreDir string `env:"DISK_STORE_DIR" envDefault:"persist"`
}

var (
	transactionsBucket = []byte("transactions")
	bundlesBucket      = []byte("bundles")
	peerOutcomesBucket = []byte("peer_outcomes")
)

const (
	storePerm    = 0755
	keySeparator = '|'
)

func NewDB(cfg DiskStoreCfg) (ds *DiskStore, err error) {
	ds = new(DiskStore)
	if err = os.MkdirAll(cfg.DiskStoreDir, storePerm); err != nil {
		return nil, errors.Wrap(err, "MkdirAll")
	}

	if ds.db, err = bolt.Open(
		filepath.Join(cfg.DiskStoreDir, "store"),
		0600,
		bolt.DefaultOptions,
	); err != nil {
		return nil, errors.Wrap(err, "bolt.Open")
	}
	for _, name := range [][]byte{transactionsBucket, bundlesBucket, peerOutcomesBucket} {
		if err = ds.createBucket(name); err != nil {
			return nil, errs.Join(err, ds.db.Close())
		}
	}

	return ds, nil
}

func (ds *DiskStore) createBucket(name []byte) (err error) {
	tx, closer, err := ds.Write()
	if err != nil {
		return err
	}
	defer func() {
		err = closer(err)
	}()
	if _, err = tx.CreateBucketIfNotExists(name); err != nil {
		return errors.Wrapf(err, "CreateBucket %s", name)
	}

	return nil
}

// Write opens a writable transaction. closer commits it when err is nil
// and rolls it back otherwise.
func (ds *DiskStore) Write() (
	tx *bolt.Tx,
	closer func(err error) error,
	err error,
) {
	tx, err = ds.db.Begin(true)

	return tx, func(err error) error {
		if err != nil {
			return rollback(tx, err)
		}

		return tx.Commit()
	}, err
}

func (ds *DiskStore) Read() (
	tx *bolt.Tx,
	closer func(err error) error,
	err error,
) {
	tx, err = ds.db.Begin(false)

	return tx, func(err error) error {
		return rollback(tx, err)
	}, err
}

func rollback(tx *bolt.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return errs.Join(err, rbErr)
	}

	return err
}

func (ds *DiskStore) Close() error {
	return ds.db.Close()
}

func txKey(id, bundler string) []byte {
	key := make([]byte, 0, len(id)+1+len(bundler))
	key = append(key, id...)
	key = append(key, keySeparator)

	return append(key, bundler...)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "Encode")
	}

	return buf.Bytes(), nil
}

func decode(raw []byte, v any) error {
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(raw)).Decode(v), "Decode")
}

// InsertTransaction stores a new countersigned promise. A second insert for
// the same (id, bundler) fails with domain.ErrTxExists.
func (ds *DiskStore) InsertTransaction(ctx context.Context, transaction *domain.Transaction) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(transaction)
	if err != nil {
		return err
	}
	tx, closer, err := ds.Write()
	if err != nil {
		return errors.Wrap(err, "Begin")
	}
	defer func() {
		err = closer(err)
	}()

	b := tx.Bucket(transactionsBucket)
	key := txKey(transaction.ID, transaction.Bundler)
	if b.Get(key) != nil {
		return domain.ErrTxExists
	}

	return errors.Wrap(b.Put(key, raw), "Put")
}

func (ds *DiskStore) GetTransaction(ctx context.Context, id, bundler string) (transaction *domain.Transaction, err error) {
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	tx, closer, err := ds.Read()
	if err != nil {
		return nil, errors.Wrap(err, "Begin")
	}
	defer func() {
		err = closer(err)
	}()

	raw := tx.Bucket(transactionsBucket).Get(txKey(id, bundler))
	if raw == nil {
		return nil, domain.ErrTxNotFound
	}
	transaction = new(domain.Transaction)
	if err = decode(raw, transaction); err != nil {
		return nil, err
	}

	return transaction, nil
}

// MarkReconciled records the block a promise was actually included in and
// whether the promise was kept.
func (ds *DiskStore) MarkReconciled(ctx context.Context, id, bundler string, actual int64, validated bool) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}
	tx, closer, err := ds.Write()
	if err != nil {
		return errors.Wrap(err, "Begin")
	}
	defer func() {
		err = closer(err)
	}()

	b := tx.Bucket(transactionsBucket)
	key := txKey(id, bundler)
	raw := b.Get(key)
	if raw == nil {
		return domain.ErrTxNotFound
	}
	var transaction domain.Transaction
	if err = decode(raw, &transaction); err != nil {
		return err
	}
	transaction.BlockActual = &actual
	transaction.Validated = validated
	if raw, err = encode(&transaction); err != nil {
		return err
	}

	return errors.Wrap(b.Put(key, raw), "Put")
}

// InsertReconciliation records the outcome of an item whose receipt came
// from a peer, so later passes do not evaluate it again.
func (ds *DiskStore) InsertReconciliation(ctx context.Context, outcome *domain.Reconciliation) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(outcome)
	if err != nil {
		return err
	}
	tx, closer, err := ds.Write()
	if err != nil {
		return errors.Wrap(err, "Begin")
	}
	defer func() {
		err = closer(err)
	}()

	return errors.Wrap(tx.Bucket(peerOutcomesBucket).Put(txKey(outcome.TxID, outcome.Bundler), raw), "Put")
}

func (ds *DiskStore) HasReconciliation(ctx context.Context, id, bundler string) (ok bool, err error) {
	if err = ctx.Err(); err != nil {
		return false, err
	}
	tx, closer, err := ds.Read()
	if err != nil {
		return false, errors.Wrap(err, "Begin")
	}
	defer func() {
		err = closer(err)
	}()

	return tx.Bucket(peerOutcomesBucket).Get(txKey(id, bundler)) != nil, nil
}

func (ds *DiskStore) HasBundle(ctx context.Context, id string) (ok bool, err error) {
	if err = ctx.Err(); err != nil {
		return false, err
	}
	tx, closer, err := ds.Read()
	if err != nil {
		return false, errors.Wrap(err, "Begin")
	}
	defer func() {
		err = closer(err)
	}()

	return tx.Bucket(bundlesBucket).Get([]byte(id)) != nil, nil
}

// InsertBundle records a confirmed bundle. Recording a bundle twice keeps
// the first row.
func (ds *DiskStore) InsertBundle(ctx context.Context, bundle *domain.Bundle) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(bundle)
	if err != nil {
		return err
	}
	tx, closer, err := ds.Write()
	if err != nil {
		return errors.Wrap(err, "Begin")
	}
	defer func() {
		err = closer(err)
	}()

	b := tx.Bucket(bundlesBucket)
	if b.Get([]byte(bundle.ID)) != nil {
		return nil
	}

	return errors.Wrap(b.Put([]byte(bundle.ID), raw), "Put")
}

func (ds *DiskStore) ListBundles(ctx context.Context) (bundles []*domain.Bundle, err error) {
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	err = ds.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bundlesBucket).ForEach(func(_, v []byte) error {
			var bundle domain.Bundle
			if err := decode(v, &bundle); err != nil {
				return err
			}
			bundles = append(bundles, &bundle)

			return nil
		})
	})

	return bundles, err
}
