package binder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

// ioctl request and driver command codes (64-bit userspace ABI).
const (
	BinderWriteRead = 0xc0306201 // BINDER_WRITE_READ
	BCTransaction   = 0x40406300 // BC_TRANSACTION
	BCReply         = 0x40406301 // BC_REPLY

	// FlagOneway marks a transaction that expects no reply.
	FlagOneway = 0x01

	writeReadSize   = 48
	transactionSize = 64

	// parcel interface header marker, 'SYST'
	parcelHeader = 0x53595354

	maxWriteBuffer = 1 << 20
	maxString16    = 512
)

// Service manager transaction codes that carry a service name.
const (
	SvcMgrGetService   = 1
	SvcMgrCheckService = 2
	SvcMgrAddService   = 3
)

// ServiceManagerDescriptor is the interface token of the context manager.
const ServiceManagerDescriptor = "android.os.IServiceManager"

var (
	// ErrShortRead is returned when guest memory cannot be read.
	ErrShortRead = errors.New("binder: guest memory read failed")
	// ErrMalformed is returned for an undecodable command stream or parcel.
	ErrMalformed = errors.New("binder: malformed transaction")
)

// descriptors maps interface tokens to the service names they are
// registered under.
var descriptors = map[string]string{
	"android.content.pm.IPackageManager":                "package",
	"android.app.IActivityManager":                      "activity",
	"android.app.IActivityTaskManager":                  "activity_task",
	"android.view.IWindowManager":                       "window",
	"android.hardware.input.IInputManager":              "input",
	"android.os.IPowerManager":                          "power",
	"com.android.internal.telephony.ITelephonyRegistry": "telephony.registry",
	"com.android.internal.telephony.ISms":               "isms",
	"com.android.internal.telephony.ITelephony":         "phone",
	"android.location.ILocationManager":                 "location",
	"android.net.IConnectivityManager":                  "connectivity",
	"android.os.IVibratorService":                       "vibrator",
	"android.accounts.IAccountManager":                  "account",
	"android.app.INotificationManager":                  "notification",
	"android.content.IClipboard":                        "clipboard",
	ServiceManagerDescriptor:                            "servicemanager",
}

// ServiceFor returns the service name registered for an interface token.
// Unknown tokens map to themselves.
func ServiceFor(descriptor string) string {
	if s, ok := descriptors[descriptor]; ok {
		return s
	}
	return descriptor
}

// Memory is the guest memory a transaction is decoded from.
type Memory interface {
	MemRead(addr, size uint64) ([]byte, error)
}

// Transaction is one decoded BC_TRANSACTION.
type Transaction struct {
	Target     uint64
	Code       uint32
	Flags      uint32
	Descriptor string
	// Service is the service the transaction is judged against: the
	// requested name for service manager lookups, otherwise the service
	// registered for Descriptor.
	Service  string
	DataSize uint64
}

// Oneway reports whether the transaction expects no reply.
func (tx *Transaction) Oneway() bool {
	return tx.Flags&FlagOneway != 0
}

// WriteRead is the binder_write_read block passed to BINDER_WRITE_READ.
type WriteRead struct {
	WriteSize     uint64
	WriteConsumed uint64
	WriteBuffer   uint64
	ReadSize      uint64
	ReadConsumed  uint64
	ReadBuffer    uint64
}

// ReadWriteRead decodes the binder_write_read block at addr.
func ReadWriteRead(mem Memory, addr uint64) (*WriteRead, error) {
	b, err := mem.MemRead(addr, writeReadSize)
	if err != nil {
		return nil, fmt.Errorf("%w: bwr at 0x%x: %v", ErrShortRead, addr, err)
	}
	le := binary.LittleEndian
	return &WriteRead{
		WriteSize:     le.Uint64(b[0:]),
		WriteConsumed: le.Uint64(b[8:]),
		WriteBuffer:   le.Uint64(b[16:]),
		ReadSize:      le.Uint64(b[24:]),
		ReadConsumed:  le.Uint64(b[32:]),
		ReadBuffer:    le.Uint64(b[40:]),
	}, nil
}

// iocSize extracts the payload size encoded in a driver command.
func iocSize(cmd uint32) uint64 {
	return uint64((cmd >> 16) & 0x3fff)
}

// Transactions walks the unconsumed part of the write buffer and decodes
// every BC_TRANSACTION. Replies and other commands are skipped.
func Transactions(mem Memory, bwr *WriteRead) ([]*Transaction, error) {
	if bwr.WriteSize <= bwr.WriteConsumed {
		return nil, nil
	}
	size := bwr.WriteSize - bwr.WriteConsumed
	if size > maxWriteBuffer {
		return nil, fmt.Errorf("%w: write buffer of %d bytes", ErrMalformed, size)
	}
	buf, err := mem.MemRead(bwr.WriteBuffer+bwr.WriteConsumed, size)
	if err != nil {
		return nil, fmt.Errorf("%w: write buffer: %v", ErrShortRead, err)
	}

	var txs []*Transaction
	for off := uint64(0); off+4 <= size; {
		cmd := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		n := iocSize(cmd)
		if off+n > size {
			return txs, fmt.Errorf("%w: command 0x%x overruns buffer", ErrMalformed, cmd)
		}
		if cmd == BCTransaction {
			tx, err := decodeTransaction(mem, buf[off:off+n])
			if err != nil {
				return txs, err
			}
			txs = append(txs, tx)
		}
		off += n
	}
	return txs, nil
}

func decodeTransaction(mem Memory, b []byte) (*Transaction, error) {
	if len(b) < transactionSize {
		return nil, fmt.Errorf("%w: transaction data of %d bytes", ErrMalformed, len(b))
	}
	le := binary.LittleEndian
	tx := &Transaction{
		Target:   le.Uint64(b[0:]),
		Code:     le.Uint32(b[16:]),
		Flags:    le.Uint32(b[20:]),
		DataSize: le.Uint64(b[32:]),
	}
	buffer := le.Uint64(b[48:])

	if tx.DataSize == 0 || buffer == 0 {
		return nil, fmt.Errorf("%w: empty parcel", ErrMalformed)
	}
	size := min(tx.DataSize, 4096)
	data, err := mem.MemRead(buffer, size)
	if err != nil {
		return nil, fmt.Errorf("%w: parcel: %v", ErrShortRead, err)
	}

	p := &Parcel{data: data}
	desc, err := p.InterfaceToken()
	if err != nil {
		return nil, err
	}
	tx.Descriptor = desc
	tx.Service = ServiceFor(desc)

	if desc == ServiceManagerDescriptor {
		switch tx.Code {
		case SvcMgrGetService, SvcMgrCheckService, SvcMgrAddService:
			if name, err := p.ReadString16(); err == nil && name != "" {
				tx.Service = name
			}
		}
	}
	return tx, nil
}

// Parcel is a read cursor over flattened parcel data.
type Parcel struct {
	data []byte
	pos  int
}

// NewParcel wraps raw parcel bytes.
func NewParcel(data []byte) *Parcel {
	return &Parcel{data: data}
}

// ReadInt32 reads a little-endian int32.
func (p *Parcel) ReadInt32() (int32, error) {
	if p.pos+4 > len(p.data) {
		return 0, fmt.Errorf("%w: int32 at %d", ErrMalformed, p.pos)
	}
	v := int32(binary.LittleEndian.Uint32(p.data[p.pos:]))
	p.pos += 4
	return v, nil
}

// ReadString16 reads a length-prefixed UTF-16 string, null terminated
// and padded to four bytes.
func (p *Parcel) ReadString16() (string, error) {
	n, err := p.ReadInt32()
	if err != nil {
		return "", err
	}
	if n == -1 {
		return "", nil
	}
	if n < 0 || n > maxString16 {
		return "", fmt.Errorf("%w: string16 length %d", ErrMalformed, n)
	}
	raw := (int(n) + 1) * 2
	if p.pos+raw > len(p.data) {
		return "", fmt.Errorf("%w: string16 of %d chars overruns parcel", ErrMalformed, n)
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(p.data[p.pos+2*i:])
	}
	p.pos += (raw + 3) &^ 3
	return string(utf16.Decode(units)), nil
}

// InterfaceToken reads the header written by Parcel::writeInterfaceToken.
// Depending on platform release the token is preceded by the strict mode
// policy, a work source uid and the 'SYST' marker.
func (p *Parcel) InterfaceToken() (string, error) {
	start := p.pos
	for _, skip := range []int{12, 8, 4} {
		p.pos = start
		if skip == 12 {
			if start+12 > len(p.data) || binary.LittleEndian.Uint32(p.data[start+8:]) != parcelHeader {
				continue
			}
		}
		p.pos = start + skip
		s, err := p.ReadString16()
		if err == nil && looksLikeDescriptor(s) {
			return s, nil
		}
	}
	p.pos = start
	return "", fmt.Errorf("%w: no interface token", ErrMalformed)
}

func looksLikeDescriptor(s string) bool {
	if s == "" || !strings.Contains(s, ".") {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}

// ParcelBuilder flattens values the way the platform Parcel does. It is
// used to stage transactions in guest memory.
type ParcelBuilder struct {
	buf []byte
}

// WriteInt32 appends a little-endian int32.
func (b *ParcelBuilder) WriteInt32(v int32) *ParcelBuilder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(v))
	return b
}

// WriteString16 appends a length-prefixed UTF-16 string.
func (b *ParcelBuilder) WriteString16(s string) *ParcelBuilder {
	units := utf16.Encode([]rune(s))
	b.WriteInt32(int32(len(units)))
	for _, u := range units {
		b.buf = binary.LittleEndian.AppendUint16(b.buf, u)
	}
	b.buf = append(b.buf, 0, 0)
	for len(b.buf)%4 != 0 {
		b.buf = append(b.buf, 0)
	}
	return b
}

// WriteInterfaceToken appends a modern interface header.
func (b *ParcelBuilder) WriteInterfaceToken(descriptor string) *ParcelBuilder {
	b.WriteInt32(0x100) // strict mode: penalty gather
	b.WriteInt32(-1)    // work source: unset
	b.WriteInt32(parcelHeader)
	return b.WriteString16(descriptor)
}

// Bytes returns the flattened parcel.
func (b *ParcelBuilder) Bytes() []byte {
	return b.buf
}

// EncodeTransaction lays out a binder_transaction_data block.
func EncodeTransaction(target uint64, code, flags uint32, dataSize, buffer uint64) []byte {
	b := make([]byte, transactionSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:], target)
	le.PutUint32(b[16:], code)
	le.PutUint32(b[20:], flags)
	le.PutUint64(b[32:], dataSize)
	le.PutUint64(b[48:], buffer)
	return b
}

// EncodeWriteRead lays out a binder_write_read block.
func EncodeWriteRead(bwr WriteRead) []byte {
	b := make([]byte, writeReadSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:], bwr.WriteSize)
	le.PutUint64(b[8:], bwr.WriteConsumed)
	le.PutUint64(b[16:], bwr.WriteBuffer)
	le.PutUint64(b[24:], bwr.ReadSize)
	le.PutUint64(b[32:], bwr.ReadConsumed)
	le.PutUint64(b[40:], bwr.ReadBuffer)
	return b
}
