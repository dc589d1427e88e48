package binder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a sparse guest memory made of byte slices at base addresses.
type fakeMemory map[uint64][]byte

func (m fakeMemory) MemRead(addr, size uint64) ([]byte, error) {
	for base, b := range m {
		if addr >= base && addr+size <= base+uint64(len(b)) {
			return b[addr-base : addr-base+size], nil
		}
	}
	return nil, fmt.Errorf("unmapped 0x%x", addr)
}

const (
	bwrAddr    = 0x1000
	writeAddr  = 0x2000
	parcelAddr = 0x3000
)

// stage builds guest memory holding one BINDER_WRITE_READ with the given
// commands in its write buffer.
func stage(parcel []byte, cmds ...[]byte) fakeMemory {
	var wb []byte
	for _, c := range cmds {
		wb = append(wb, c...)
	}
	return fakeMemory{
		bwrAddr: EncodeWriteRead(WriteRead{
			WriteSize:   uint64(len(wb)),
			WriteBuffer: writeAddr,
		}),
		writeAddr:  wb,
		parcelAddr: parcel,
	}
}

func transactionCmd(code uint32, parcel []byte) []byte {
	cmd := binary.LittleEndian.AppendUint32(nil, BCTransaction)
	return append(cmd, EncodeTransaction(1, code, 0, uint64(len(parcel)), parcelAddr)...)
}

func TestIocSize(t *testing.T) {
	assert.Equal(t, uint64(64), iocSize(BCTransaction))
	assert.Equal(t, uint64(64), iocSize(BCReply))
	assert.Equal(t, uint64(48), iocSize(BinderWriteRead))
	assert.Equal(t, uint64(4), iocSize(0x40046304)) // BC_FREE_BUFFER-style
}

func TestDecodeServiceTransaction(t *testing.T) {
	parcel := new(ParcelBuilder).
		WriteInterfaceToken("com.android.internal.telephony.ITelephony").
		WriteInt32(7).
		Bytes()
	mem := stage(parcel, transactionCmd(5, parcel))

	bwr, err := ReadWriteRead(mem, bwrAddr)
	require.NoError(t, err)
	txs, err := Transactions(mem, bwr)
	require.NoError(t, err)
	require.Len(t, txs, 1)

	tx := txs[0]
	assert.Equal(t, "com.android.internal.telephony.ITelephony", tx.Descriptor)
	assert.Equal(t, "phone", tx.Service)
	assert.Equal(t, uint32(5), tx.Code)
	assert.Equal(t, uint64(1), tx.Target)
	assert.False(t, tx.Oneway())
}

func TestDecodeServiceManagerLookup(t *testing.T) {
	parcel := new(ParcelBuilder).
		WriteInterfaceToken(ServiceManagerDescriptor).
		WriteString16("isms").
		Bytes()
	mem := stage(parcel, transactionCmd(SvcMgrGetService, parcel))

	bwr, err := ReadWriteRead(mem, bwrAddr)
	require.NoError(t, err)
	txs, err := Transactions(mem, bwr)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "isms", txs[0].Service)

	// listServices carries no name and is judged as the service manager.
	mem = stage(parcel, transactionCmd(4, parcel))
	txs, err = Transactions(mem, bwr)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "servicemanager", txs[0].Service)
}

func TestTransactionsSkipsOtherCommands(t *testing.T) {
	parcel := new(ParcelBuilder).WriteInterfaceToken("android.os.IPowerManager").Bytes()

	freeBuffer := binary.LittleEndian.AppendUint32(nil, 0x40086303) // BC_FREE_BUFFER
	freeBuffer = binary.LittleEndian.AppendUint64(freeBuffer, 0xdead)
	reply := binary.LittleEndian.AppendUint32(nil, BCReply)
	reply = append(reply, make([]byte, 64)...)

	mem := stage(parcel, freeBuffer, reply, transactionCmd(1, parcel))
	bwr, err := ReadWriteRead(mem, bwrAddr)
	require.NoError(t, err)
	txs, err := Transactions(mem, bwr)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "power", txs[0].Service)
}

func TestTransactionsConsumed(t *testing.T) {
	mem := stage(nil)
	bwr, err := ReadWriteRead(mem, bwrAddr)
	require.NoError(t, err)
	txs, err := Transactions(mem, bwr)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestTransactionsMalformed(t *testing.T) {
	// Command claims 64 bytes of payload but the buffer ends.
	truncated := binary.LittleEndian.AppendUint32(nil, BCTransaction)
	truncated = append(truncated, 1, 2, 3)
	mem := stage(nil, truncated)
	bwr, err := ReadWriteRead(mem, bwrAddr)
	require.NoError(t, err)
	_, err = Transactions(mem, bwr)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = ReadWriteRead(fakeMemory{}, bwrAddr)
	assert.True(t, errors.Is(err, ErrShortRead))
}

func TestInterfaceTokenLayouts(t *testing.T) {
	desc := "android.view.IWindowManager"
	tests := []struct {
		name   string
		parcel []byte
	}{
		{"syst header", new(ParcelBuilder).WriteInterfaceToken(desc).Bytes()},
		{"work source", new(ParcelBuilder).WriteInt32(0x100).WriteInt32(-1).WriteString16(desc).Bytes()},
		{"strict only", new(ParcelBuilder).WriteInt32(0x100).WriteString16(desc).Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewParcel(tt.parcel).InterfaceToken()
			require.NoError(t, err)
			assert.Equal(t, desc, got)
		})
	}

	_, err := NewParcel([]byte{1, 2, 3, 4}).InterfaceToken()
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestString16Padding(t *testing.T) {
	b := new(ParcelBuilder).WriteString16("abc").WriteInt32(9).Bytes()
	// length + 4 chars (with terminator) = 4 + 8 bytes, already aligned
	assert.Len(t, b, 16)

	p := NewParcel(b)
	s, err := p.ReadString16()
	require.NoError(t, err)
	assert.Equal(t, "abc", s)
	v, err := p.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(9), v)
}

func TestServiceFor(t *testing.T) {
	assert.Equal(t, "package", ServiceFor("android.content.pm.IPackageManager"))
	assert.Equal(t, "com.example.IFoo", ServiceFor("com.example.IFoo"))
}
