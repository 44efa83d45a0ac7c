// Block-addressed access over the caller's io.ReaderAt. The buffered block
// layer proper (caching, readahead) belongs to the device below us; this is
// only the translation from block numbers to byte offsets.

package exfat

import (
	"io"

	"github.com/dsoprea/go-logging"
)

type blockDevice struct {
	r io.ReaderAt

	blockBits uint8
	blockSize uint32
}

func newBlockDevice(r io.ReaderAt, blockBits uint8) *blockDevice {
	return &blockDevice{
		r: r,

		blockBits: blockBits,
		blockSize: uint32(1) << blockBits,
	}
}

// ReadBlock reads one whole block into a fresh buffer.
func (bd *blockDevice) ReadBlock(blocknr uint64) (data []byte, err error) {
	data = make([]byte, bd.blockSize)

	err = bd.ReadBlockInto(data, blocknr)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// ReadBlockInto reads one whole block into the caller's buffer, which must
// be exactly one block long.
func (bd *blockDevice) ReadBlockInto(data []byte, blocknr uint64) (err error) {
	if uint32(len(data)) != bd.blockSize {
		log.Panicf("block buffer size not correct: (%d) != (%d)", len(data), bd.blockSize)
	}

	_, err = bd.r.ReadAt(data, int64(blocknr)<<bd.blockBits)
	if err != nil {
		exfatLogger.Warningf(nil, "block read failed: blocknr (%d): %s", blocknr, err.Error())
		return ErrIO
	}

	return nil
}
