package domain

import (
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrTxNotFound     = errors.New("transaction not found")
	ErrTxExists       = errors.New("transaction already exists")
	ErrBundleNotFound = errors.New("bundle not found")
)

// Transaction is a promise the validator countersigned. It is unique per
// (ID, Bundler).
type Transaction struct {
	ID            string `json:"id"`
	Bundler       string `json:"bundler"`
	Epoch         int64  `json:"epoch"`
	BlockPromised int64  `json:"block_promised"`
	BlockActual   *int64 `json:"block_actual"`
	Signature     []byte `json:"signature"`
	Validated     bool   `json:"validated"`
}

func (t *Transaction) Receipt() TxReceipt {
	return TxReceipt{
		TxID:      t.ID,
		Block:     t.BlockPromised,
		Signature: EncodeSignature(t.Signature),
	}
}

type Bundle struct {
	ID           string `json:"id"`
	OwnerAddress string `json:"owner_address"`
	BlockHeight  int64  `json:"block_height"`
}

// TxReceipt is the proof that a validator countersigned a promise.
type TxReceipt struct {
	TxID      string `json:"tx_id"`
	Block     int64  `json:"block"`
	Signature string `json:"signature"`
}

// Reconciliation is the settled outcome of an item whose receipt was
// countersigned by a peer rather than by this validator.
type Reconciliation struct {
	TxID          string `json:"tx_id"`
	Bundler       string `json:"bundler"`
	BlockPromised int64  `json:"block_promised"`
	BlockActual   int64  `json:"block_actual"`
	Validated     bool   `json:"validated"`
}

type Validator struct {
	Address string `json:"address"`
	URL     string `json:"url"`
}

type Bundler struct {
	Address string `json:"address"`
	URL     string `json:"url"`
}

type SlashVote struct {
	Bundler       string    `json:"bundler_address"`
	TxID          string    `json:"tx_id"`
	BlockPromised int64     `json:"block_promised"`
	BlockActual   int64     `json:"block_actual"`
	BundleID      string    `json:"bundle_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func EncodeSignature(sig []byte) string {
	return EncodeID(sig)
}

func EncodeID(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeID decodes a base64url identifier, tolerating trailing padding.
func DecodeID(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(trimPadding(s))
	if err != nil {
		return nil, errors.Wrap(err, "DecodeString")
	}

	return b, nil
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}

	return s
}
