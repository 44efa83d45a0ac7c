package exfat

import (
	"os"
	"testing"

	"github.com/dsoprea/go-logging"
	"github.com/stretchr/testify/require"
)

func TestParseMountOptions_Defaults(t *testing.T) {
	opts, err := ParseMountOptions("")
	log.PanicIf(err)

	require.Equal(t, uint32(0), opts.UID)
	require.Equal(t, uint32(0), opts.GID)
	require.Equal(t, os.FileMode(0644), opts.FMode)
	require.Equal(t, os.FileMode(0755), opts.DMode)
	require.Equal(t, "utf8", opts.NLS)
	require.NotNil(t, opts.nls)
}

func TestParseMountOptions_AllKeys(t *testing.T) {
	opts, err := ParseMountOptions("uid=1000,gid=100,fmode=0600,dmode=0700,nls=cp437")
	log.PanicIf(err)

	require.Equal(t, uint32(1000), opts.UID)
	require.Equal(t, uint32(100), opts.GID)
	require.Equal(t, os.FileMode(0600), opts.FMode)
	require.Equal(t, os.FileMode(0700), opts.DMode)
	require.Equal(t, "cp437", opts.NLS)
}

func TestParseMountOptions_ModeMasked(t *testing.T) {
	opts, err := ParseMountOptions("fmode=7644")
	log.PanicIf(err)

	// Only the permission bits survive.
	require.Equal(t, os.FileMode(0644), opts.FMode)
}

func TestParseMountOptions_Invalid(t *testing.T) {
	for _, optionString := range []string{
		"uid=abc",
		"gid=-1",
		"fmode=099",
		"frobnicate=1",
		"uid",
		"nls=klingon",
	} {
		_, err := ParseMountOptions(optionString)
		require.Error(t, err, optionString)
		require.True(t, log.Is(err, ErrInvalidArgument), optionString)
	}
}

func TestRemount_SameOptions(t *testing.T) {
	vb := getTestVolumeBuilder()

	vol, err := Mount(vb.build(), "uid=5,gid=6")
	log.PanicIf(err)

	defer vol.Unmount()

	require.NoError(t, vol.Remount("uid=5,gid=6"))
}

func TestRemount_ChangedOptionRefused(t *testing.T) {
	vb := getTestVolumeBuilder()

	vol, err := Mount(vb.build(), "uid=5")
	log.PanicIf(err)

	defer vol.Unmount()

	err = vol.Remount("uid=6")
	require.Error(t, err)
	require.True(t, log.Is(err, ErrInvalidArgument))

	err = vol.Remount("nls=cp437")
	require.Error(t, err)
	require.True(t, log.Is(err, ErrInvalidArgument))
}

func TestMount_OptionsApplied(t *testing.T) {
	vb := getTestVolumeBuilder()

	vol, err := Mount(vb.build(), "uid=1000,gid=1000,fmode=0400,dmode=0500")
	log.PanicIf(err)

	defer vol.Unmount()

	require.Equal(t, uint32(1000), vol.opts.UID)
	require.Equal(t, os.FileMode(0400), vol.opts.FMode)
	require.Equal(t, os.FileMode(0500), vol.opts.DMode)
}

func TestMount_BadOptionString(t *testing.T) {
	vb := getTestVolumeBuilder()

	_, err := Mount(vb.build(), "nls=nope")
	require.Error(t, err)
	require.True(t, log.Is(err, ErrInvalidArgument))
}
