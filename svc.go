package main

import (
	"cmp"
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
	"github.com/dmitrorezn/bundler-validator/internal/faststore"
	"github.com/dmitrorezn/bundler-validator/internal/reconcile"
	"github.com/dmitrorezn/bundler-validator/internal/receipt"
)

type Signer interface {
	Sign(ctx context.Context, req receipt.Request, view receipt.ChainView) ([]byte, error)
}

type Reconciler interface {
	Run(ctx context.Context, bundler string) (reconcile.Report, error)
}

type HeightSource interface {
	Height(ctx context.Context) (int64, error)
}

type Store interface {
	GetTransaction(ctx context.Context, id, bundler string) (*domain.Transaction, error)
	ListBundles(ctx context.Context) ([]*domain.Bundle, error)
}

type Service struct {
	bundler    domain.Bundler
	validator  domain.Validator
	store      Store
	fast       faststore.Store
	signer     Signer
	reconciler Reconciler
	heights    HeightSource

	epochLength       int64
	reconcileInterval time.Duration
	headPollInterval  time.Duration
	trigger           chan struct{}
}

const (
	defaultEpochLength       = 720
	defaultReconcileInterval = 2 * time.Minute
	defaultHeadPollInterval  = 30 * time.Second
)

type ServiceCfg struct {
	Bundler           domain.Bundler
	Validator         domain.Validator
	EpochLength       int64
	ReconcileInterval time.Duration
	HeadPollInterval  time.Duration
}

func NewService(
	cfg ServiceCfg,
	store Store,
	fast faststore.Store,
	signer Signer,
	reconciler Reconciler,
	heights HeightSource,
) *Service {
	cfg.EpochLength = cmp.Or(cfg.EpochLength, defaultEpochLength)
	cfg.ReconcileInterval = cmp.Or(cfg.ReconcileInterval, defaultReconcileInterval)
	cfg.HeadPollInterval = cmp.Or(cfg.HeadPollInterval, defaultHeadPollInterval)

	return &Service{
		bundler:           cfg.Bundler,
		validator:         cfg.Validator,
		store:             store,
		fast:              fast,
		signer:            signer,
		reconciler:        reconciler,
		heights:           heights,
		epochLength:       cfg.EpochLength,
		reconcileInterval: cfg.ReconcileInterval,
		headPollInterval:  cfg.HeadPollInterval,
		trigger:           make(chan struct{}, 1),
	}
}

func (s *Service) Bundler() domain.Bundler {
	return s.bundler
}

func (s *Service) Validator() domain.Validator {
	return s.validator
}

// Sign countersigns a bundler promise against the current chain view.
func (s *Service) Sign(ctx context.Context, req receipt.Request) ([]byte, error) {
	block, epoch, err := faststore.ChainView(ctx, s.fast)
	if err != nil {
		return nil, errors.Wrap(faststore.ErrUnavailable, err.Error())
	}

	return s.signer.Sign(ctx, req, receipt.ChainView{
		CurrentBlock: block,
		CurrentEpoch: epoch,
	})
}

// Receipt returns the receipt of a promise this validator countersigned.
func (s *Service) Receipt(ctx context.Context, id string) (domain.TxReceipt, error) {
	tx, err := s.store.GetTransaction(ctx, id, s.bundler.Address)
	if err != nil {
		return domain.TxReceipt{}, err
	}

	return tx.Receipt(), nil
}

func (s *Service) Bundles(ctx context.Context) ([]*domain.Bundle, error) {
	return s.store.ListBundles(ctx)
}

func (s *Service) Reconcile(ctx context.Context) (reconcile.Report, error) {
	return s.reconciler.Run(ctx, s.bundler.Address)
}

// TriggerReconcile asks the scheduler for a pass now. A pending request
// absorbs further ones.
func (s *Service) TriggerReconcile() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunReconciler runs a pass at start, on every tick and on demand.
func (s *Service) RunReconciler(ctx context.Context) error {
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		s.reconcileOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

func (s *Service) reconcileOnce(ctx context.Context) {
	_, err := s.Reconcile(ctx)
	switch {
	case err == nil:
	case errors.Is(err, reconcile.ErrPassInProgress):
		log.Debug("Reconciliation pass skipped, one is running")
	case errors.Is(err, context.Canceled):
	default:
		log.WithError(err).WithField("bundler", s.bundler.Address).Error("Reconciliation pass failed")
	}
}

// RunHeadPoller keeps the current block and epoch counters in the fast
// store up to date.
func (s *Service) RunHeadPoller(ctx context.Context) error {
	ticker := time.NewTicker(s.headPollInterval)
	defer ticker.Stop()

	for {
		if err := s.PollHead(ctx); err != nil {
			entry := log.WithError(err)
			if errors.Is(err, faststore.ErrUnavailable) {
				entry.Debug("Chain head not stored")
			} else {
				entry.Warn("Could not refresh chain head")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) PollHead(ctx context.Context) error {
	height, err := s.heights.Height(ctx)
	if err != nil {
		return errors.Wrap(err, "Height")
	}
	epoch := height / s.epochLength
	if err = s.fast.SetInt(ctx, faststore.KeyCurrentBlock, height); err != nil {
		return errors.Wrap(err, "SetInt block")
	}
	if err = s.fast.SetInt(ctx, faststore.KeyCurrentEpoch, epoch); err != nil {
		return errors.Wrap(err, "SetInt epoch")
	}
	log.WithFields(logrus.Fields{
		"height": height,
		"epoch":  epoch,
	}).Debug("Chain head")

	return nil
}
