// Package sysimage builds the system libraries every guest address space
// starts with. Each exported function is a small ARM64 body padded to a
// 32-byte slot, long enough to take a 16-byte inline patch.
package sysimage

import (
	"encoding/binary"
	"sort"

	"github.com/zboralski/vspace/internal/emulator"
)

const slotSize = 32

// ARM64 encodings used by the images.
const (
	insnNOP = 0xd503201f
	insnRET = 0xd65f03c0
)

// movz encodes MOVZ Xd, #imm16.
func movz(rd int, imm uint16) uint32 {
	return 0xd2800000 | uint32(imm)<<5 | uint32(rd)
}

// movn encodes MOVN Xd, #imm16 (Xd = ^imm).
func movn(rd int, imm uint16) uint32 {
	return 0x92800000 | uint32(imm)<<5 | uint32(rd)
}

// movReg encodes MOV Xd, Xm (ORR Xd, XZR, Xm).
func movReg(rd, rm int) uint32 {
	return 0xaa0003e0 | uint32(rm)<<16 | uint32(rd)
}

// adr encodes ADR Xd, #imm (PC-relative).
func adr(rd int, imm int32) uint32 {
	lo := uint32(imm) & 3
	hi := (uint32(imm) >> 2) & 0x7ffff
	return 0x10000000 | lo<<29 | hi<<5 | uint32(rd)
}

// returns builds a body that loads X0 and returns.
func returns(load uint32) []uint32 {
	return []uint32{load, insnNOP, insnNOP, insnNOP, insnRET}
}

type function struct {
	name string
	body []uint32
}

func build(name string, fns []function) *emulator.Image {
	img := &emulator.Image{
		Name:    name,
		Text:    make([]byte, 0, len(fns)*slotSize),
		Symbols: make(map[string]uint64, len(fns)),
	}
	for _, fn := range fns {
		off := uint64(len(img.Text))
		img.Symbols[fn.name] = off
		slot := make([]byte, slotSize)
		for i, w := range fn.body {
			binary.LittleEndian.PutUint32(slot[i*4:], w)
		}
		img.Text = append(img.Text, slot...)
	}
	return img
}

func libc() *emulator.Image {
	return build("libc.so", []function{
		{"ioctl", returns(movz(0, 0))},
		{"read", returns(movReg(0, 2))},
		{"write", returns(movReg(0, 2))},
		{"open", returns(movz(0, 3))},
		{"close", returns(movz(0, 0))},
		{"getpid", returns(movz(0, 1000))},
		{"getuid", returns(movz(0, 10000))},
		{"kill", returns(movz(0, 0))},
		{"mprotect", returns(movz(0, 0))},
		{"abort", returns(movn(0, 0))},
		// errno lives in the word after the body
		{"__errno", []uint32{adr(0, 20), insnNOP, insnNOP, insnNOP, insnRET, 0}},
	})
}

func libdl() *emulator.Image {
	return build("libdl.so", []function{
		{"dlopen", returns(movz(0, 0))},
		{"dlsym", returns(movz(0, 0))},
		{"dlclose", returns(movz(0, 0))},
		{"dlerror", returns(movz(0, 0))},
	})
}

func liblog() *emulator.Image {
	return build("liblog.so", []function{
		{"__android_log_write", returns(movz(0, 0))},
		{"__android_log_print", returns(movz(0, 0))},
	})
}

func libbinder() *emulator.Image {
	return build("libbinder.so", []function{
		{"_ZN7android14IPCThreadState4selfEv", returns(movz(0, 0))},
		{"_ZN7android14IPCThreadState14talkWithDriverEb", returns(movz(0, 0))},
		{"_ZN7android14IPCThreadState8transactEijRKNS_6ParcelEPS1_j", returns(movz(0, 0))},
		{"_ZN7android21IServiceManager_getServiceERKNS_8String16E", returns(movz(0, 0))},
	})
}

var images = map[string]func() *emulator.Image{
	"libc.so":      libc,
	"libdl.so":     libdl,
	"liblog.so":    liblog,
	"libbinder.so": libbinder,
}

// Lookup returns a fresh copy of the named built-in image.
func Lookup(name string) (*emulator.Image, bool) {
	fn, ok := images[name]
	if !ok {
		return nil, false
	}
	return fn(), true
}

// Names lists the built-in images.
func Names() []string {
	names := make([]string, 0, len(images))
	for n := range images {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
