// Byte-granular reads over an inode, built on the block mapper. This is
// what a page cache would sit on top of; here the mapped blocks are read
// straight from the device.

package exfat

import (
	"io"

	"github.com/dsoprea/go-logging"
)

// File reads the data stream of an inode.
type File struct {
	vol *Volume
	ino *Inode

	pos int64
}

// Open returns a reader over the inode's data.
func (ino *Inode) Open() *File {
	return &File{
		vol: ino.vol,
		ino: ino,
	}
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (n int, err error) {
	n, err = f.ReadAt(p, f.pos)
	f.pos += int64(n)

	return n, err
}

// ReadAt implements io.ReaderAt. Bytes between the valid data length and
// the data length read as zeros.
func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	vol := f.vol
	ino := f.ino

	if off < 0 {
		log.Panic(ErrInvalidArgument)
	}

	if off >= ino.size {
		return 0, io.EOF
	}

	if max := ino.size - off; int64(len(p)) > max {
		p = p[:max]
	}

	blocksize := int64(vol.blockSize)

	for n < len(p) {
		cur := off + int64(n)

		iblock := uint64(cur) >> vol.blockBits
		blockOff := cur & (blocksize - 1)

		want := int64(len(p)-n) + blockOff
		maxBlocks := uint64((want + blocksize - 1) >> vol.blockBits)

		blocknr, mapped, err := vol.getBlock(ino, iblock, maxBlocks)
		log.PanicIf(err)

		runLen := int64(mapped)*blocksize - blockOff
		if runLen > int64(len(p)-n) {
			runLen = int64(len(p) - n)
		}

		_, err = vol.dev.r.ReadAt(p[n:n+int(runLen)], int64(blocknr)<<vol.blockBits+blockOff)
		if err != nil {
			exfatLogger.Warningf(nil, "data read failed: blocknr (%d): %s", blocknr, err.Error())
			log.Panic(ErrIO)
		}

		n += int(runLen)
	}

	// Anything past the valid data length is undefined on disk and reads
	// as zeros.
	if end := off + int64(n); end > ino.validSize {
		start := ino.validSize - off
		if start < 0 {
			start = 0
		}

		for i := start; i < int64(n); i++ {
			p[i] = 0
		}
	}

	if off+int64(n) >= ino.size {
		return n, io.EOF
	}

	return n, nil
}

// readAll slurps the whole inode. Used for the mount-time system files
// (bitmap, upper-case table), which are small.
func (ino *Inode) readAll() (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	data = make([]byte, ino.size)

	f := ino.Open()

	_, err = f.ReadAt(data, 0)
	if err != nil && err != io.EOF {
		log.Panic(err)
	}

	return data, nil
}
