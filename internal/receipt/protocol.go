package receipt

import (
	"context"
	errs "errors"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dmitrorezn/bundler-validator/internal/deephash"
	"github.com/dmitrorezn/bundler-validator/internal/domain"
	"github.com/dmitrorezn/bundler-validator/internal/faststore"
)

// FreshnessWindow bounds how far a promised block may lag or lead the
// validator's current block.
const FreshnessWindow = 5

const defaultLockTTL = 30 * time.Second

var (
	ErrStaleOrFutureBlock = errors.New("block outside freshness window")
	ErrInvalidSignature   = errors.New("invalid bundler signature")
	// ErrDuplicateReceipt means the promise was already accepted. It is not
	// a failure.
	ErrDuplicateReceipt = errors.New("receipt already accepted")
)

type Request struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
	Block     int64  `json:"block"`
}

// ChainView is the validator's view of the chain at request time.
type ChainView struct {
	CurrentBlock int64
	CurrentEpoch int64
}

type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Commit(ctx context.Context, key, token string) error
	Release(ctx context.Context, key, token string) error
}

type Signer interface {
	VerifyBundler(message, sig []byte) bool
	Countersign(message []byte) ([]byte, error)
	BundlerAddress() string
}

type Store interface {
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error
}

type Protocol struct {
	locker  Locker
	signer  Signer
	store   Store
	lockTTL time.Duration
}

func New(locker Locker, signer Signer, store Store, lockTTL time.Duration) *Protocol {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	return &Protocol{
		locker:  locker,
		signer:  signer,
		store:   store,
		lockTTL: lockTTL,
	}
}

// Sign accepts a bundler promise and returns the validator's
// countersignature. Either a signature is returned and the transaction is
// stored, or an error is returned and nothing is stored.
func (p *Protocol) Sign(ctx context.Context, req Request, view ChainView) (sig []byte, err error) {
	if req.ID == "" {
		return nil, errors.Wrap(ErrInvalidSignature, "empty id")
	}
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, errors.Wrap(err, "GenerateUUID")
	}
	key := faststore.MarkerKey(req.ID)

	acquired, err := p.locker.Acquire(ctx, key, token, p.lockTTL)
	if err != nil {
		return nil, errors.Wrap(err, "Acquire")
	}
	if !acquired {
		signRequestsTotal.WithLabelValues(resultDuplicate).Inc()

		return nil, ErrDuplicateReceipt
	}
	defer func() {
		if err != nil {
			if releaseErr := p.locker.Release(context.WithoutCancel(ctx), key, token); releaseErr != nil {
				log.WithError(releaseErr).WithField("txID", req.ID).Error("Could not release marker")
				err = errs.Join(err, releaseErr)
			}
			signRequestsTotal.WithLabelValues(resultLabel(err)).Inc()

			return
		}
		signRequestsTotal.WithLabelValues(resultSigned).Inc()
	}()

	if req.Block < view.CurrentBlock-FreshnessWindow || req.Block > view.CurrentBlock+FreshnessWindow {
		return nil, errors.Wrapf(ErrStaleOrFutureBlock, "block %d, current %d", req.Block, view.CurrentBlock)
	}

	bundlerSig, err := domain.DecodeID(req.Signature)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if !p.signer.VerifyBundler(deephash.PromiseMessage(req.ID, req.Block), bundlerSig) {
		return nil, ErrInvalidSignature
	}

	message, err := deephash.ReceiptMessage(req.ID, p.signer.BundlerAddress())
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if sig, err = p.signer.Countersign(message); err != nil {
		return nil, errors.Wrap(err, "Countersign")
	}

	tx := &domain.Transaction{
		ID:            req.ID,
		Bundler:       p.signer.BundlerAddress(),
		Epoch:         view.CurrentEpoch,
		BlockPromised: req.Block,
		BlockActual:   nil,
		Signature:     sig,
		Validated:     false,
	}
	if err = p.store.InsertTransaction(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrTxExists) {
			return nil, ErrDuplicateReceipt
		}

		return nil, errors.Wrap(err, "InsertTransaction")
	}

	if commitErr := p.locker.Commit(ctx, key, token); commitErr != nil {
		// The row exists, so a retry is rejected by the store.
		log.WithError(commitErr).WithField("txID", req.ID).Warn("Could not commit marker")
	}
	log.WithFields(logrus.Fields{
		"txID":  req.ID,
		"block": req.Block,
		"epoch": view.CurrentEpoch,
	}).Debug("Countersigned promise")

	return sig, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrStaleOrFutureBlock):
		return resultStale
	case errors.Is(err, ErrInvalidSignature):
		return resultInvalid
	case errors.Is(err, ErrDuplicateReceipt):
		return resultDuplicate
	default:
		return resultError
	}
}
