package nativehook

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/vspace/internal/binder"
	"github.com/zboralski/vspace/internal/emulator"
)

// probe layout inside one guest page
const (
	probeWriteOff  = 0x40
	probeParcelOff = 0x100
	probeBinderFD  = 3
)

// ProbeService issues a service manager lookup for name through the guest
// ioctl and reports whether it got through.
func (b *Bridge) ProbeService(name string) (binder.Policy, error) {
	parcel := new(binder.ParcelBuilder).
		WriteInterfaceToken(binder.ServiceManagerDescriptor).
		WriteString16(name).
		Bytes()
	return b.transact(0, binder.SvcMgrCheckService, parcel)
}

// ProbeInterface issues a transaction with code on the interface
// descriptor through the guest ioctl and reports whether it got through.
func (b *Bridge) ProbeInterface(descriptor string, code uint32) (binder.Policy, error) {
	parcel := new(binder.ParcelBuilder).WriteInterfaceToken(descriptor).Bytes()
	return b.transact(1, code, parcel)
}

func (b *Bridge) transact(handle uint64, code uint32, parcel []byte) (binder.Policy, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return binder.Block, ErrNativeUnavailable
	}
	ioctl, _ := b.resolve("ioctl")
	if ioctl == 0 {
		return binder.Block, fmt.Errorf("%w: ioctl", ErrSymbolNotResolved)
	}
	if probeParcelOff+len(parcel) > emulator.PageSize {
		return binder.Block, fmt.Errorf("parcel of %d bytes too large", len(parcel))
	}

	page, err := b.emu.Alloc(emulator.PageSize)
	if err != nil {
		return binder.Block, err
	}
	defer b.emu.Free(page, emulator.PageSize)

	cmd := binary.LittleEndian.AppendUint32(nil, binder.BCTransaction)
	cmd = append(cmd, binder.EncodeTransaction(handle, code, 0, uint64(len(parcel)), page+probeParcelOff)...)
	bwr := binder.EncodeWriteRead(binder.WriteRead{
		WriteSize:   uint64(len(cmd)),
		WriteBuffer: page + probeWriteOff,
	})

	for _, w := range []struct {
		off  uint64
		data []byte
	}{{0, bwr}, {probeWriteOff, cmd}, {probeParcelOff, parcel}} {
		if err := b.emu.MemWrite(page+w.off, w.data); err != nil {
			return binder.Block, err
		}
	}

	ret, err := b.emu.Call(ioctl, probeBinderFD, binder.BinderWriteRead, page)
	if err != nil {
		return binder.Block, err
	}
	if ret == negErrno(errnoEPERM) {
		return binder.Block, nil
	}
	return binder.Allow, nil
}
