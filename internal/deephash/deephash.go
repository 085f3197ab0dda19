// Package deephash implements the Arweave deep hash: a deterministic,
// order- and content-sensitive SHA-384 digest over nested byte chunks.
// It is the message every promise and receipt signature is computed over.
package deephash

import (
	"crypto/sha512"
	"strconv"

	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

const Size = sha512.Size384

var (
	NamespaceBundler   = []byte("Bundlr")
	NamespaceValidator = []byte("Validator")
	VersionOne         = []byte("1")
)

// Chunk is either a leaf blob or a list of chunks.
type Chunk struct {
	blob   []byte
	list   []Chunk
	isList bool
}

func Blob(b []byte) Chunk {
	return Chunk{blob: b}
}

func List(chunks ...Chunk) Chunk {
	return Chunk{list: chunks, isList: true}
}

func Hash(c Chunk) []byte {
	if !c.isList {
		tag := sum([]byte("blob" + strconv.Itoa(len(c.blob))))
		data := sum(c.blob)

		return sum(tag, data)
	}

	acc := sum([]byte("list" + strconv.Itoa(len(c.list))))
	for _, child := range c.list {
		acc = sum(acc, Hash(child))
	}

	return acc
}

func sum(parts ...[]byte) []byte {
	h := sha512.New384()
	for _, p := range parts {
		h.Write(p)
	}

	return h.Sum(nil)
}

// PromiseMessage is the message the bundler signs when it promises to
// include id by block.
func PromiseMessage(id string, block int64) []byte {
	return Hash(List(
		Blob(NamespaceBundler),
		Blob(VersionOne),
		Blob([]byte(id)),
		Blob([]byte(strconv.FormatInt(block, 10))),
	))
}

// ReceiptMessage is the message the validator countersigns. Both the id
// and the bundler address are base64url encoded.
func ReceiptMessage(id, bundlerAddress string) ([]byte, error) {
	rawID, err := domain.DecodeID(id)
	if err != nil {
		return nil, errors.Wrap(err, "decode id")
	}
	rawAddress, err := domain.DecodeID(bundlerAddress)
	if err != nil {
		return nil, errors.Wrap(err, "decode bundler address")
	}

	return Hash(List(
		Blob(NamespaceValidator),
		Blob(VersionOne),
		Blob(rawID),
		Blob(rawAddress),
	)), nil
}
