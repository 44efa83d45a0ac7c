package exfat

import (
	"testing"

	"github.com/dsoprea/go-logging"
	"github.com/stretchr/testify/require"
)

func TestCountUsedBits(t *testing.T) {
	data := []byte{0xff, 0x01, 0x80}

	require.Equal(t, uint32(10), countUsedBits(data, 24))

	// A partial tail byte is masked.
	require.Equal(t, uint32(9), countUsedBits(data, 17))
	require.Equal(t, uint32(8), countUsedBits(data, 8))
	require.Equal(t, uint32(3), countUsedBits(data, 3))
	require.Equal(t, uint32(0), countUsedBits(data, 0))
}

func TestBitmap_FreeClusterCount(t *testing.T) {
	vb := getTestVolumeBuilder()

	vb.chain(10, 11, 12)
	vb.rootdir.addFileEntry("file", 0, dataFlagAllocPossible, 10, 3*512, 3*512)

	vol, err := mountTestVolume(vb)
	log.PanicIf(err)

	defer vol.Unmount()

	// free = total - popcount(bitmap).
	require.Equal(t, vb.totalClusters-uint32(len(vb.used)), vol.FreeClusters())

	stats := vol.Stats()
	require.Equal(t, uint64(vol.FreeClusters()), stats.BFree)
	require.Equal(t, uint64(vol.FreeClusters()), stats.BAvail)
}

func TestBitmap_IsClusterInUse(t *testing.T) {
	vb := getTestVolumeBuilder()

	vb.chain(10)
	vb.rootdir.addFileEntry("file", 0, dataFlagAllocPossible, 10, 512, 512)

	vol, err := mountTestVolume(vb)
	log.PanicIf(err)

	defer vol.Unmount()

	// The root directory's own cluster and the file's cluster.
	inUse, err := vol.IsClusterInUse(2)
	log.PanicIf(err)
	require.True(t, inUse)

	inUse, err = vol.IsClusterInUse(10)
	log.PanicIf(err)
	require.True(t, inUse)

	// An unallocated cluster.
	inUse, err = vol.IsClusterInUse(40)
	log.PanicIf(err)
	require.False(t, inUse)

	// Out of the heap entirely.
	_, err = vol.IsClusterInUse(1)
	require.True(t, log.Is(err, ErrInvalidArgument))

	_, err = vol.IsClusterInUse(vb.totalClusters + startEnt)
	require.True(t, log.Is(err, ErrInvalidArgument))
}

func TestBitmap_MissingFailsMount(t *testing.T) {
	vb := newVolumeBuilder()
	vb.rootdir = vb.newDirectory(1)

	// An upper-case table but no bitmap.
	raw := unitsToBytes(defaultUpcaseUnits())
	upcaseClusnr := vb.alloc(1, true)[0]
	vb.writeClusters([]uint32{upcaseClusnr}, raw)
	vb.rootdir.addUpcaseEntry(checksum32(0, raw), upcaseClusnr, uint64(len(raw)))

	_, err := mountTestVolume(vb)
	require.Error(t, err)
	require.True(t, log.Is(err, ErrCorrupted))
}

func TestBitmap_TooSmallFailsMount(t *testing.T) {
	vb := newVolumeBuilder()
	vb.rootdir = vb.newDirectory(1)
	vb.addDefaultSystemEntries(defaultUpcaseUnits())

	// Rewrite the bitmap entry's declared size to fewer bytes than the
	// cluster heap needs. The entry is the last chunk appended.
	at := len(vb.rootdir.chunks) - chunkSize
	defaultEncoding.PutUint64(vb.rootdir.chunks[at+24:], 2)

	_, err := mountTestVolume(vb)
	require.Error(t, err)
	require.True(t, log.Is(err, ErrCorrupted))
}
