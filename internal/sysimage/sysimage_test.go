package sysimage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/vspace/internal/emulator"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"libbinder.so", "libc.so", "libdl.so", "liblog.so"}, Names())
}

func TestLookupUnknown(t *testing.T) {
	_, ok := Lookup("libGLESv2.so")
	assert.False(t, ok)
}

func TestImagesDecode(t *testing.T) {
	for _, name := range Names() {
		img, ok := Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, name, img.Name)
		assert.Zero(t, len(img.Text)%slotSize)

		for sym, off := range img.Symbols {
			assert.Zero(t, off%slotSize, sym)
			require.LessOrEqual(t, off+slotSize, uint64(len(img.Text)), sym)

			inst, err := arm64asm.Decode(img.Text[off : off+4])
			require.NoError(t, err, sym)
			assert.NotZero(t, inst.Op, sym)
		}
	}
}

func TestImagesRun(t *testing.T) {
	emu, err := emulator.New()
	require.NoError(t, err)
	defer emu.Close()

	libc, _ := Lookup("libc.so")
	lib, err := emu.LoadImage(libc)
	require.NoError(t, err)

	tests := []struct {
		fn   string
		args []uint64
		want uint64
	}{
		{"ioctl", []uint64{3, 0xc0306201, 0}, 0},
		{"write", []uint64{1, 0, 42}, 42},
		{"read", []uint64{1, 0, 7}, 7},
		{"getpid", nil, 1000},
		{"abort", nil, ^uint64(0)},
		{"__errno", nil, lib.FindSymbol("__errno") + 20},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			got, err := emu.Call(lib.FindSymbol(tt.fn), tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrnoIsPCRelative(t *testing.T) {
	img, _ := Lookup("libc.so")
	off := img.Symbols["__errno"]
	inst, err := arm64asm.Decode(img.Text[off : off+4])
	require.NoError(t, err)
	_, ok := inst.Args[1].(arm64asm.PCRel)
	assert.True(t, ok, "ADR operand should be PC-relative, got %T", inst.Args[1])
}

func TestLookupReturnsCopies(t *testing.T) {
	a, _ := Lookup("libc.so")
	b, _ := Lookup("libc.so")
	a.Text[0] ^= 0xff
	assert.NotEqual(t, a.Text[0], b.Text[0])
}
