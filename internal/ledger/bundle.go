package ledger

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

const (
	countSize = 32
	entrySize = 64
	idSize    = 32
)

// Item is one data item indexed by a bundle header.
type Item struct {
	ID   string
	Size int64
}

// VerifyFileBundle reads the item index of the binary bundle at path and
// checks that the declared item sizes account for the whole file.
func (c *Client) VerifyFileBundle(_ context.Context, path string) ([]Item, error) {
	return ReadBundleIndex(path)
}

func ReadBundleIndex(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrBundleVerificationFailed, err.Error())
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(ErrBundleVerificationFailed, err.Error())
	}
	fileSize := info.Size()

	r := bufio.NewReader(f)
	count, err := readUint256(r)
	if err != nil {
		return nil, errors.Wrap(ErrBundleVerificationFailed, "item count: "+err.Error())
	}
	headerSize := uint64(countSize)
	if count > (uint64(fileSize)-headerSize)/entrySize {
		return nil, errors.Wrapf(ErrBundleVerificationFailed, "%d items do not fit in %d bytes", count, fileSize)
	}
	headerSize += count * entrySize

	items := make([]Item, 0, count)
	total := headerSize
	for i := uint64(0); i < count; i++ {
		size, err := readUint256(r)
		if err != nil {
			return nil, errors.Wrapf(ErrBundleVerificationFailed, "item %d size: %s", i, err)
		}
		id := make([]byte, idSize)
		if _, err = io.ReadFull(r, id); err != nil {
			return nil, errors.Wrapf(ErrBundleVerificationFailed, "item %d id: %s", i, err)
		}
		total += size
		if size > uint64(fileSize) || total > uint64(fileSize) {
			return nil, errors.Wrapf(ErrBundleVerificationFailed, "item %d overruns the bundle", i)
		}
		items = append(items, Item{ID: domain.EncodeID(id), Size: int64(size)})
	}
	if total != uint64(fileSize) {
		return nil, errors.Wrapf(ErrBundleVerificationFailed, "items cover %d of %d bytes", total, fileSize)
	}

	return items, nil
}

// readUint256 reads a 32 byte little endian integer that must fit in 64 bits.
func readUint256(r io.Reader) (uint64, error) {
	var buf [32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	for _, b := range buf[8:] {
		if b != 0 {
			return 0, errors.New("value overflows 64 bits")
		}
	}

	return binary.LittleEndian.Uint64(buf[:8]), nil
}

// EncodeBundleHeader builds the index for items with the given raw ids and
// sizes, as it appears at the start of a binary bundle.
func EncodeBundleHeader(ids [][]byte, sizes []int64) []byte {
	out := make([]byte, countSize+len(ids)*entrySize)
	binary.LittleEndian.PutUint64(out, uint64(len(ids)))
	for i, id := range ids {
		entry := out[countSize+i*entrySize:]
		binary.LittleEndian.PutUint64(entry, uint64(sizes[i]))
		copy(entry[32:entrySize], id)
	}

	return out
}
