package apk

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

type testAttr struct {
	name string
	typ  uint8
	data uint32
	str  string
}

func strAttr(name, v string) testAttr { return testAttr{name: name, typ: TypeString, str: v} }
func intAttr(name string, v int32) testAttr {
	return testAttr{name: name, typ: TypeIntDec, data: uint32(v)}
}
func refAttr(name string, id uint32) testAttr {
	return testAttr{name: name, typ: TypeReference, data: id}
}

// xmlBuilder writes compiled XML documents.
type xmlBuilder struct {
	utf8    bool
	strs    []string
	index   map[string]uint32
	resIDs  []uint32
	body    bytes.Buffer
	scratch [4]byte
}

func newXML() *xmlBuilder {
	return &xmlBuilder{index: map[string]uint32{}}
}

func (b *xmlBuilder) str(s string) uint32 {
	if i, ok := b.index[s]; ok {
		return i
	}
	i := uint32(len(b.strs))
	b.strs = append(b.strs, s)
	b.index[s] = i
	return i
}

func (b *xmlBuilder) put16(w *bytes.Buffer, v uint16) {
	binary.LittleEndian.PutUint16(b.scratch[:2], v)
	w.Write(b.scratch[:2])
}

func (b *xmlBuilder) put32(w *bytes.Buffer, v uint32) {
	binary.LittleEndian.PutUint32(b.scratch[:4], v)
	w.Write(b.scratch[:4])
}

func (b *xmlBuilder) start(name string, attrs ...testAttr) *xmlBuilder {
	w := &b.body
	b.put16(w, chunkXMLStart)
	b.put16(w, 16)
	b.put32(w, uint32(36+20*len(attrs)))
	b.put32(w, 1)       // line
	b.put32(w, noIndex) // comment
	b.put32(w, noIndex) // namespace
	b.put32(w, b.str(name))
	b.put16(w, 20)
	b.put16(w, 20)
	b.put16(w, uint16(len(attrs)))
	b.put16(w, 0)
	b.put16(w, 0)
	b.put16(w, 0)
	for _, a := range attrs {
		b.put32(w, noIndex)
		b.put32(w, b.str(a.name))
		data := a.data
		raw := uint32(noIndex)
		if a.typ == TypeString {
			raw = b.str(a.str)
			data = raw
		}
		b.put32(w, raw)
		b.put16(w, 8)
		w.WriteByte(0)
		w.WriteByte(a.typ)
		b.put32(w, data)
	}
	return b
}

func (b *xmlBuilder) end(name string) *xmlBuilder {
	w := &b.body
	b.put16(w, chunkXMLEnd)
	b.put16(w, 16)
	b.put32(w, 24)
	b.put32(w, 1)
	b.put32(w, noIndex)
	b.put32(w, noIndex)
	b.put32(w, b.str(name))
	return b
}

func (b *xmlBuilder) pool() []byte {
	var data bytes.Buffer
	offsets := make([]uint32, len(b.strs))
	for i, s := range b.strs {
		offsets[i] = uint32(data.Len())
		if b.utf8 {
			data.WriteByte(byte(len([]rune(s))))
			data.WriteByte(byte(len(s)))
			data.WriteString(s)
			data.WriteByte(0)
			continue
		}
		units := utf16.Encode([]rune(s))
		b.put16(&data, uint16(len(units)))
		for _, u := range units {
			b.put16(&data, u)
		}
		b.put16(&data, 0)
	}
	for data.Len()%4 != 0 {
		data.WriteByte(0)
	}

	var flags uint32
	if b.utf8 {
		flags = poolUTF8
	}
	var w bytes.Buffer
	start := 28 + 4*len(b.strs)
	b.put16(&w, chunkStringPool)
	b.put16(&w, 28)
	b.put32(&w, uint32(start+data.Len()))
	b.put32(&w, uint32(len(b.strs)))
	b.put32(&w, 0)
	b.put32(&w, flags)
	b.put32(&w, uint32(start))
	b.put32(&w, 0)
	for _, off := range offsets {
		b.put32(&w, off)
	}
	w.Write(data.Bytes())
	return w.Bytes()
}

func (b *xmlBuilder) resourceMap() []byte {
	if len(b.resIDs) == 0 {
		return nil
	}
	var w bytes.Buffer
	b.put16(&w, chunkResourceMap)
	b.put16(&w, 8)
	b.put32(&w, uint32(8+4*len(b.resIDs)))
	for _, id := range b.resIDs {
		b.put32(&w, id)
	}
	return w.Bytes()
}

func (b *xmlBuilder) bytes() []byte {
	pool := b.pool()
	rmap := b.resourceMap()
	var w bytes.Buffer
	b.put16(&w, chunkXML)
	b.put16(&w, 8)
	b.put32(&w, uint32(8+len(pool)+len(rmap)+b.body.Len()))
	w.Write(pool)
	w.Write(rmap)
	w.Write(b.body.Bytes())
	return w.Bytes()
}

// manifestXML builds a typical manifest for pkg.
func manifestXML(pkg string, versionCode int32, label testAttr) []byte {
	b := newXML()
	b.start("manifest", strAttr("package", pkg), intAttr("versionCode", versionCode), strAttr("versionName", "1.2.3")).
		start("uses-sdk", intAttr("minSdkVersion", 24), intAttr("targetSdkVersion", 34)).end("uses-sdk").
		start("uses-permission", strAttr("name", "android.permission.INTERNET")).end("uses-permission").
		start("application", label, strAttr("name", ".App")).
		start("activity", strAttr("name", ".MainActivity")).end("activity").
		start("service", strAttr("name", "com.other.SyncService")).end("service").
		end("application").
		end("manifest")
	return b.bytes()
}

// writeAPK writes a zip archive with the given entries into dir.
func writeAPK(t *testing.T, dir, name string, entries map[string][]byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for n, data := range entries {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return p
}
