package peers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

const (
	DefaultTimeout = 5 * time.Second

	maxReceiptSize = 64 << 10

	// RSA-2048 to RSA-4096 signatures.
	minSignatureSize = 256
	maxSignatureSize = 512
)

var (
	ErrTxNotFoundOnAnyPeer = errors.New("transaction not found on any peer")
	ErrMalformedReceipt    = errors.New("malformed peer receipt")
)

// Fallback asks the peer validators, in order, for a receipt the local
// store does not know.
type Fallback struct {
	peers   []domain.Validator
	client  *http.Client
	timeout time.Duration
}

func New(peers []domain.Validator, client *http.Client, timeout time.Duration) *Fallback {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Fallback{
		peers:   append([]domain.Validator(nil), peers...),
		client:  client,
		timeout: timeout,
	}
}

func (f *Fallback) Peers() []domain.Validator {
	return append([]domain.Validator(nil), f.peers...)
}

// Lookup returns the first receipt a peer answers with. Peers that fail,
// time out or answer with a non-success status are skipped.
func (f *Fallback) Lookup(ctx context.Context, txID string) (domain.TxReceipt, error) {
	for _, peer := range f.peers {
		if err := ctx.Err(); err != nil {
			return domain.TxReceipt{}, err
		}
		logger := log.WithFields(logrus.Fields{
			"peer": peer.URL,
			"txID": txID,
		})

		receipt, err := f.lookup(ctx, peer, txID)
		if err != nil {
			peerLookupsTotal.WithLabelValues(resultMiss).Inc()
			logger.WithError(err).Debug("Peer lookup failed")

			continue
		}
		peerLookupsTotal.WithLabelValues(resultHit).Inc()
		logger.Debug("Receipt found on peer")

		return receipt, nil
	}

	return domain.TxReceipt{}, ErrTxNotFoundOnAnyPeer
}

func (f *Fallback) lookup(ctx context.Context, peer domain.Validator, txID string) (domain.TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	endpoint := strings.TrimRight(peer.URL, "/") + "/tx/" + url.PathEscape(txID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.TxReceipt{}, errors.Wrap(err, "NewRequest")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return domain.TxReceipt{}, errors.Wrap(err, "Do")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxReceiptSize))

		return domain.TxReceipt{}, errors.Errorf("status %d", resp.StatusCode)
	}

	var receipt domain.TxReceipt
	if err = json.NewDecoder(io.LimitReader(resp.Body, maxReceiptSize)).Decode(&receipt); err != nil {
		return domain.TxReceipt{}, errors.Wrap(err, "Decode")
	}
	if receipt.TxID == "" {
		receipt.TxID = txID
	}
	if receipt.TxID != txID {
		return domain.TxReceipt{}, errors.Errorf("peer answered for %q", receipt.TxID)
	}
	if err = checkReceipt(receipt); err != nil {
		return domain.TxReceipt{}, err
	}

	return receipt, nil
}

// checkReceipt rejects receipts that cannot be a countersigned promise. The
// peer's key is not known here, so the signature itself is not verified.
func checkReceipt(receipt domain.TxReceipt) error {
	if receipt.Block <= 0 {
		return errors.Wrapf(ErrMalformedReceipt, "block %d", receipt.Block)
	}
	sig, err := domain.DecodeID(receipt.Signature)
	if err != nil {
		return errors.Wrap(ErrMalformedReceipt, err.Error())
	}
	if len(sig) < minSignatureSize || len(sig) > maxSignatureSize {
		return errors.Wrapf(ErrMalformedReceipt, "signature of %d bytes", len(sig))
	}

	return nil
}
