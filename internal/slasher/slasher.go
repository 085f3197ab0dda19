// Package slasher decides whether a reconciled item broke its promise and,
// if it did, emits a slash vote.
package slasher

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

type Decision int

const (
	// DecisionKept means the item was included no later than promised.
	DecisionKept Decision = iota
	// DecisionSlash means the bundler included the item after the promised
	// block and a slash vote was raised.
	DecisionSlash
)

func (d Decision) String() string {
	switch d {
	case DecisionKept:
		return "kept"
	case DecisionSlash:
		return "slash"
	default:
		return "unknown"
	}
}

// Sink delivers votes to the voting mechanism. A nil error means the vote
// is durably queued and will be published.
type Sink interface {
	Submit(ctx context.Context, vote domain.SlashVote) error
}

type Engine struct {
	sink Sink
	now  func() time.Time
}

func New(sink Sink) *Engine {
	return &Engine{
		sink: sink,
		now:  time.Now,
	}
}

// Violated reports whether a promise of promised was broken by inclusion
// at actual.
func Violated(promised, actual int64) bool {
	return promised > actual
}

// Evaluate compares the receipt's promised block with the bundle's
// confirmed height.
func (e *Engine) Evaluate(ctx context.Context, bundle domain.Bundle, receipt domain.TxReceipt) (Decision, error) {
	if !Violated(receipt.Block, bundle.BlockHeight) {
		return DecisionKept, nil
	}

	vote := domain.SlashVote{
		Bundler:       bundle.OwnerAddress,
		TxID:          receipt.TxID,
		BlockPromised: receipt.Block,
		BlockActual:   bundle.BlockHeight,
		BundleID:      bundle.ID,
		CreatedAt:     e.now().UTC(),
	}
	log.WithFields(logrus.Fields{
		"bundler":       vote.Bundler,
		"txID":          vote.TxID,
		"blockPromised": vote.BlockPromised,
		"blockActual":   vote.BlockActual,
		"bundleID":      vote.BundleID,
	}).Warn("Promise broken, voting to slash bundler")
	slashVotesTotal.Inc()

	if e.sink != nil {
		if err := e.sink.Submit(ctx, vote); err != nil {
			return DecisionSlash, errors.Wrap(err, "Submit")
		}
	}

	return DecisionSlash, nil
}
