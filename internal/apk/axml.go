package apk

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Chunk types of the compiled XML format.
const (
	chunkStringPool  = 0x0001
	chunkXML         = 0x0003
	chunkXMLStart    = 0x0102
	chunkXMLEnd      = 0x0103
	chunkResourceMap = 0x0180

	poolUTF8 = 1 << 8
	noIndex  = 0xffffffff
)

// Typed value kinds carried by attributes.
const (
	TypeNull      = 0x00
	TypeReference = 0x01
	TypeString    = 0x03
	TypeIntDec    = 0x10
	TypeIntHex    = 0x11
	TypeBool      = 0x12
)

// Framework attribute ids, used when the string pool carries no name.
var attrNames = map[uint32]string{
	0x01010001: "label",
	0x01010003: "name",
	0x0101020c: "minSdkVersion",
	0x0101021b: "versionCode",
	0x0101021c: "versionName",
	0x01010270: "targetSdkVersion",
}

// Attr is one decoded element attribute.
type Attr struct {
	Name  string
	ResID uint32
	Type  uint8
	Data  uint32
	Raw   string
}

// String returns the attribute as text. References have no text value.
func (a Attr) String() string {
	switch a.Type {
	case TypeString:
		return a.Raw
	case TypeIntDec:
		return fmt.Sprint(int32(a.Data))
	case TypeIntHex:
		return fmt.Sprintf("0x%x", a.Data)
	case TypeBool:
		if a.Data != 0 {
			return "true"
		}
		return "false"
	case TypeReference:
		return ""
	}
	return a.Raw
}

// Element is a start tag with its nesting depth (0 for the root).
type Element struct {
	Name  string
	Depth int
	Attrs []Attr
}

// Attr finds an attribute by name.
func (e Element) Attr(name string) (Attr, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attr{}, false
}

type xmlDecoder struct {
	strings []string
	resIDs  []uint32
}

// DecodeXML walks a compiled XML document and returns its start tags in
// document order.
func DecodeXML(data []byte) ([]Element, error) {
	if len(data) < 8 || u16(data, 0) != chunkXML {
		return nil, fmt.Errorf("%w: not a compiled XML document", ErrMalformed)
	}
	hdr, total := int(u16(data, 2)), int(u32(data, 4))
	if total > len(data) || hdr < 8 || hdr > total {
		return nil, fmt.Errorf("%w: bad document header", ErrMalformed)
	}

	var (
		d     xmlDecoder
		elems []Element
		depth int
	)
	for off := hdr; off < total; {
		if off+8 > total {
			return nil, fmt.Errorf("%w: truncated chunk at 0x%x", ErrMalformed, off)
		}
		typ := u16(data, off)
		chdr, size := int(u16(data, off+2)), int(u32(data, off+4))
		if size < 8 || chdr > size || off+size > total {
			return nil, fmt.Errorf("%w: bad chunk 0x%x at 0x%x", ErrMalformed, typ, off)
		}
		chunk := data[off : off+size]

		switch typ {
		case chunkStringPool:
			pool, err := decodePool(chunk)
			if err != nil {
				return nil, err
			}
			d.strings = pool
		case chunkResourceMap:
			d.resIDs = d.resIDs[:0]
			for p := chdr; p+4 <= size; p += 4 {
				d.resIDs = append(d.resIDs, u32(chunk, p))
			}
		case chunkXMLStart:
			e, err := d.element(chunk, chdr)
			if err != nil {
				return nil, err
			}
			e.Depth = depth
			depth++
			elems = append(elems, e)
		case chunkXMLEnd:
			depth--
		}
		off += size
	}
	return elems, nil
}

func (d *xmlDecoder) str(i uint32) string {
	if i == noIndex || int(i) >= len(d.strings) {
		return ""
	}
	return d.strings[i]
}

func (d *xmlDecoder) element(chunk []byte, hdr int) (Element, error) {
	if hdr < 16 || len(chunk) < hdr+20 {
		return Element{}, fmt.Errorf("%w: short start tag", ErrMalformed)
	}
	ext := chunk[hdr:]
	e := Element{Name: d.str(u32(ext, 4))}
	start, stride, count := int(u16(ext, 8)), int(u16(ext, 10)), int(u16(ext, 12))
	if stride < 20 || start+stride*count > len(ext) {
		return Element{}, fmt.Errorf("%w: bad attributes on <%s>", ErrMalformed, e.Name)
	}

	for i := 0; i < count; i++ {
		p := start + i*stride
		nameIdx := u32(ext, p+4)
		a := Attr{
			Name: d.str(nameIdx),
			Raw:  d.str(u32(ext, p+8)),
			Type: ext[p+15],
			Data: u32(ext, p+16),
		}
		if int(nameIdx) < len(d.resIDs) {
			a.ResID = d.resIDs[nameIdx]
		}
		if a.Name == "" {
			a.Name = attrNames[a.ResID]
		}
		if a.Type == TypeString && a.Raw == "" {
			a.Raw = d.str(a.Data)
		}
		e.Attrs = append(e.Attrs, a)
	}
	return e, nil
}

func decodePool(chunk []byte) ([]string, error) {
	if len(chunk) < 28 {
		return nil, fmt.Errorf("%w: short string pool", ErrMalformed)
	}
	hdr := int(u16(chunk, 2))
	count := int(u32(chunk, 8))
	utf8 := u32(chunk, 16)&poolUTF8 != 0
	base := int(u32(chunk, 20))
	if hdr+count*4 > len(chunk) || base > len(chunk) {
		return nil, fmt.Errorf("%w: string pool overflows chunk", ErrMalformed)
	}

	out := make([]string, count)
	for i := range out {
		p := base + int(u32(chunk, hdr+4*i))
		var (
			s   string
			err error
		)
		if utf8 {
			s, err = poolString8(chunk, p)
		} else {
			s, err = poolString16(chunk, p)
		}
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func poolString16(b []byte, p int) (string, error) {
	if p+2 > len(b) {
		return "", fmt.Errorf("%w: string out of range", ErrMalformed)
	}
	n := int(u16(b, p))
	p += 2
	if n&0x8000 != 0 {
		if p+2 > len(b) {
			return "", fmt.Errorf("%w: string out of range", ErrMalformed)
		}
		n = (n&0x7fff)<<16 | int(u16(b, p))
		p += 2
	}
	if p+2*n > len(b) {
		return "", fmt.Errorf("%w: string out of range", ErrMalformed)
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = u16(b, p+2*i)
	}
	return string(utf16.Decode(units)), nil
}

func poolString8(b []byte, p int) (string, error) {
	// character count, then byte count
	_, p, err := length8(b, p)
	if err != nil {
		return "", err
	}
	n, p, err := length8(b, p)
	if err != nil {
		return "", err
	}
	if p+n > len(b) {
		return "", fmt.Errorf("%w: string out of range", ErrMalformed)
	}
	return string(b[p : p+n]), nil
}

// length8 reads a one or two byte length prefix.
func length8(b []byte, p int) (int, int, error) {
	if p >= len(b) {
		return 0, p, fmt.Errorf("%w: string out of range", ErrMalformed)
	}
	n := int(b[p])
	if n&0x80 == 0 {
		return n, p + 1, nil
	}
	if p+1 >= len(b) {
		return 0, p, fmt.Errorf("%w: string out of range", ErrMalformed)
	}
	return (n&0x7f)<<8 | int(b[p+1]), p + 2, nil
}

func u16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func u32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
