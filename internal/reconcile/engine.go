// Package reconcile walks the bundles a bundler published on chain and
// checks every item in them against the receipts the validators signed.
package reconcile

import (
	"context"
	errs "errors"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
	"github.com/dmitrorezn/bundler-validator/internal/ledger"
	"github.com/dmitrorezn/bundler-validator/internal/slasher"
)

const (
	DefaultLimit = 50

	seenCacheSize = 4096
)

var (
	ErrTxsFromAddressNotFound = errors.New("could not fetch bundles of address")
	ErrPassInProgress         = errors.New("reconciliation pass already running")

	errSettled = errs.New("item already reconciled")
)

type Ledger interface {
	LatestTransactions(ctx context.Context, address string, limit int, cursor string) ([]ledger.BundleTx, error)
	TxData(ctx context.Context, id string) (string, error)
	VerifyFileBundle(ctx context.Context, path string) ([]ledger.Item, error)
}

type Store interface {
	GetTransaction(ctx context.Context, id, bundler string) (*domain.Transaction, error)
	MarkReconciled(ctx context.Context, id, bundler string, actual int64, validated bool) error
	HasBundle(ctx context.Context, id string) (bool, error)
	InsertBundle(ctx context.Context, bundle *domain.Bundle) error
	InsertReconciliation(ctx context.Context, outcome *domain.Reconciliation) error
	HasReconciliation(ctx context.Context, id, bundler string) (bool, error)
}

type Fallback interface {
	Lookup(ctx context.Context, txID string) (domain.TxReceipt, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, bundle domain.Bundle, receipt domain.TxReceipt) (slasher.Decision, error)
}

// Report summarizes one pass.
type Report struct {
	Bundles      int
	Skipped      int
	Recorded     int
	Failed       int
	Items        int
	Validated    int
	Slashed      int
	Unreconciled int
}

type Engine struct {
	ledger    Ledger
	store     Store
	fallback  Fallback
	evaluator Evaluator
	limit     int

	// recorded holds bundle ids known to have a row, done holds bundles
	// whose items were all reconciled.
	recorded *lru.Cache[string, struct{}]
	done     *lru.Cache[string, struct{}]
	running  atomic.Bool
}

func New(ledger Ledger, store Store, fallback Fallback, evaluator Evaluator, limit int) (*Engine, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	recorded, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "lru.New")
	}
	done, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "lru.New")
	}

	return &Engine{
		ledger:    ledger,
		store:     store,
		fallback:  fallback,
		evaluator: evaluator,
		limit:     limit,
		recorded:  recorded,
		done:      done,
	}, nil
}

// Run makes one reconciliation pass over the latest bundles of bundler.
// Bundles and their items are handled one at a time, in the order the
// ledger lists them. A failing bundle or item is logged and skipped; the
// pass itself only fails when the bundle list cannot be fetched.
func (e *Engine) Run(ctx context.Context, bundler string) (report Report, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return report, ErrPassInProgress
	}
	defer e.running.Store(false)

	start := time.Now()
	defer func() {
		passDuration.Observe(time.Since(start).Seconds())
		passesTotal.WithLabelValues(passResult(err)).Inc()
	}()

	txs, err := e.ledger.LatestTransactions(ctx, bundler, e.limit, "")
	if err != nil {
		return report, errors.Wrap(ErrTxsFromAddressNotFound, err.Error())
	}

	for _, tx := range txs {
		if err = ctx.Err(); err != nil {
			return report, err
		}
		report.Bundles++

		logger := log.WithField("bundleID", tx.ID)
		if tx.Height == nil {
			logger.Debug("Bundle not confirmed yet")
			report.Skipped++

			continue
		}
		if e.done.Contains(tx.ID) {
			report.Skipped++

			continue
		}

		bundle := domain.Bundle{
			ID:           tx.ID,
			OwnerAddress: bundler,
			BlockHeight:  *tx.Height,
		}
		if err = e.record(ctx, &bundle, &report); err != nil {
			logger.WithError(err).Error("Could not record bundle")
		}
		if e.reconcileBundle(ctx, bundle, &report) {
			e.done.Add(bundle.ID, struct{}{})
		}
	}

	log.WithFields(logrus.Fields{
		"bundler":      bundler,
		"bundles":      report.Bundles,
		"skipped":      report.Skipped,
		"recorded":     report.Recorded,
		"failed":       report.Failed,
		"items":        report.Items,
		"validated":    report.Validated,
		"slashed":      report.Slashed,
		"unreconciled": report.Unreconciled,
		"took":         time.Since(start),
	}).Info("Reconciliation pass done")

	return report, nil
}

func (e *Engine) record(ctx context.Context, bundle *domain.Bundle, report *Report) error {
	if e.recorded.Contains(bundle.ID) {
		return nil
	}
	ok, err := e.store.HasBundle(ctx, bundle.ID)
	if err != nil {
		return errors.Wrap(err, "HasBundle")
	}
	if !ok {
		if err = e.store.InsertBundle(ctx, bundle); err != nil {
			return errors.Wrap(err, "InsertBundle")
		}
		report.Recorded++
	}
	e.recorded.Add(bundle.ID, struct{}{})

	return nil
}

// reconcileBundle reports whether every item of the bundle was settled.
func (e *Engine) reconcileBundle(ctx context.Context, bundle domain.Bundle, report *Report) bool {
	logger := log.WithFields(logrus.Fields{
		"bundleID": bundle.ID,
		"height":   bundle.BlockHeight,
	})

	path, err := e.ledger.TxData(ctx, bundle.ID)
	if err != nil {
		logger.WithError(err).Error("Could not download bundle")
		report.Failed++

		return false
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errs.Is(err, fs.ErrNotExist) {
			logger.WithError(err).Warn("Could not remove bundle artifact")
		}
	}()

	items, err := e.ledger.VerifyFileBundle(ctx, path)
	if err != nil {
		logger.WithError(err).Error("Bundle failed verification")
		report.Failed++
		items = nil
	}
	settled := err == nil
	for _, item := range items {
		report.Items++
		if !e.reconcileItem(ctx, bundle, item.ID, report) {
			settled = false
		}
	}

	return settled
}

func (e *Engine) reconcileItem(ctx context.Context, bundle domain.Bundle, txID string, report *Report) bool {
	logger := log.WithFields(logrus.Fields{
		"bundleID": bundle.ID,
		"txID":     txID,
	})

	receipt, local, err := e.lookup(ctx, bundle.OwnerAddress, txID)
	if errs.Is(err, errSettled) {
		return true
	}
	if err != nil {
		logger.WithError(err).Warn("Item left unreconciled")
		report.Unreconciled++
		itemsTotal.WithLabelValues(outcomeUnreconciled).Inc()

		return false
	}
	if local != nil && local.BlockActual != nil {
		return true
	}

	decision, err := e.evaluator.Evaluate(ctx, bundle, receipt)
	switch decision {
	case slasher.DecisionKept:
		report.Validated++
		itemsTotal.WithLabelValues(outcomeValidated).Inc()
	case slasher.DecisionSlash:
		report.Slashed++
		itemsTotal.WithLabelValues(outcomeSlashed).Inc()
	}
	if err != nil {
		logger.WithError(err).Error("Could not raise slash vote")

		return false
	}
	if local == nil {
		if err = e.store.InsertReconciliation(ctx, &domain.Reconciliation{
			TxID:          txID,
			Bundler:       bundle.OwnerAddress,
			BlockPromised: receipt.Block,
			BlockActual:   bundle.BlockHeight,
			Validated:     decision == slasher.DecisionKept,
		}); err != nil {
			logger.WithError(err).Error("Could not persist reconciled peer receipt")

			return false
		}

		return true
	}
	if err = e.store.MarkReconciled(ctx, txID, bundle.OwnerAddress, bundle.BlockHeight, decision == slasher.DecisionKept); err != nil {
		logger.WithError(err).Error("Could not persist reconciled transaction")

		return false
	}

	return true
}

// lookup finds the receipt for txID, locally first and then on the peers.
// The local row is returned when there is one. Items already settled from
// a peer receipt yield errSettled.
func (e *Engine) lookup(ctx context.Context, bundler, txID string) (domain.TxReceipt, *domain.Transaction, error) {
	tx, err := e.store.GetTransaction(ctx, txID, bundler)
	if err == nil {
		return tx.Receipt(), tx, nil
	}
	if !errors.Is(err, domain.ErrTxNotFound) {
		return domain.TxReceipt{}, nil, errors.Wrap(err, "GetTransaction")
	}
	settled, err := e.store.HasReconciliation(ctx, txID, bundler)
	if err != nil {
		return domain.TxReceipt{}, nil, errors.Wrap(err, "HasReconciliation")
	}
	if settled {
		return domain.TxReceipt{}, nil, errSettled
	}
	if e.fallback == nil {
		return domain.TxReceipt{}, nil, domain.ErrTxNotFound
	}

	receipt, err := e.fallback.Lookup(ctx, txID)
	if err != nil {
		return domain.TxReceipt{}, nil, errors.Wrap(err, "Lookup")
	}

	return receipt, nil, nil
}
