// Package apk reads guest archives: the zip container, the compiled
// AndroidManifest.xml inside it, and the application info blob handed to
// the engine.
package apk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zip"

	glog "github.com/zboralski/vspace/internal/log"
	"github.com/zboralski/vspace/internal/vapp"
)

// ManifestName is the archive entry holding the compiled manifest.
const ManifestName = "AndroidManifest.xml"

// maxManifest bounds the decompressed manifest size.
const maxManifest = 8 << 20

var (
	ErrNotFound  = errors.New("archive not found")
	ErrMalformed = errors.New("archive malformed")
)

// ApplicationInfo is the application record carried as an opaque blob.
type ApplicationInfo struct {
	Package     string   `cbor:"package"`
	ClassName   string   `cbor:"class,omitempty"`
	Label       string   `cbor:"label"`
	SourceDir   string   `cbor:"source_dir"`
	MinSDK      int      `cbor:"min_sdk,omitempty"`
	TargetSDK   int      `cbor:"target_sdk,omitempty"`
	Activities  []string `cbor:"activities,omitempty"`
	Services    []string `cbor:"services,omitempty"`
	Permissions []string `cbor:"permissions,omitempty"`
	NativeABIs  []string `cbor:"native_abis,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("apk: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeInfo serializes info deterministically.
func EncodeInfo(info *ApplicationInfo) ([]byte, error) {
	return encMode.Marshal(info)
}

// DecodeInfo reads a blob produced by EncodeInfo.
func DecodeInfo(blob []byte) (*ApplicationInfo, error) {
	var info ApplicationInfo
	if err := cbor.Unmarshal(blob, &info); err != nil {
		return nil, fmt.Errorf("decode application info: %w", err)
	}
	return &info, nil
}

// DiagnoseInfo renders a blob in CBOR diagnostic notation.
func DiagnoseInfo(blob []byte) (string, error) {
	return cbor.Diagnose(blob)
}

// Parser extracts manifests from archives on disk.
type Parser struct {
	log *glog.Logger
}

// NewParser returns a parser logging through the global logger.
func NewParser() *Parser {
	return &Parser{log: glog.L.WithCategory("apk")}
}

// Parse opens the archive at p and returns its manifest summary.
func (ps *Parser) Parse(p string) (*vapp.Manifest, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, p, err)
	}
	defer r.Close()

	var (
		data []byte
		abis = map[string]bool{}
	)
	for _, f := range r.File {
		if f.Name == ManifestName {
			data, err = readEntry(f)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, p, err)
			}
			continue
		}
		if dir, file := path.Split(f.Name); strings.HasPrefix(dir, "lib/") && strings.HasSuffix(file, ".so") {
			abis[strings.Trim(strings.TrimPrefix(dir, "lib/"), "/")] = true
		}
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s: no %s", ErrMalformed, p, ManifestName)
	}

	m, info, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	info.SourceDir = p
	for abi := range abis {
		info.NativeABIs = append(info.NativeABIs, abi)
	}
	sort.Strings(info.NativeABIs)

	if m.ApplicationInfo, err = EncodeInfo(info); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, p, err)
	}
	ps.log.Debug("parsed archive",
		glog.Pkg(m.Package),
		glog.Size(uint64(len(data))),
	)
	return m, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxManifest+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxManifest {
		return nil, fmt.Errorf("%s larger than %d bytes", f.Name, maxManifest)
	}
	return data, nil
}

// ParseManifest decodes a compiled manifest. A label that is a resource
// reference falls back to the package name.
func ParseManifest(data []byte) (*vapp.Manifest, *ApplicationInfo, error) {
	elems, err := DecodeXML(data)
	if err != nil {
		return nil, nil, err
	}
	if len(elems) == 0 || elems[0].Name != "manifest" {
		return nil, nil, fmt.Errorf("%w: root element is not <manifest>", ErrMalformed)
	}

	m := &vapp.Manifest{}
	info := &ApplicationInfo{}
	root := elems[0]
	if a, ok := root.Attr("package"); ok {
		m.Package = a.String()
	}
	if m.Package == "" {
		return nil, nil, fmt.Errorf("%w: missing package name", ErrMalformed)
	}
	if a, ok := root.Attr("versionCode"); ok {
		m.VersionCode = intValue(a)
	}
	if a, ok := root.Attr("versionName"); ok {
		m.VersionName = a.String()
	}

	for _, e := range elems[1:] {
		switch e.Name {
		case "uses-sdk":
			if a, ok := e.Attr("minSdkVersion"); ok {
				m.MinSDK = int(intValue(a))
			}
			if a, ok := e.Attr("targetSdkVersion"); ok {
				m.TargetSDK = int(intValue(a))
			}
		case "uses-permission":
			if a, ok := e.Attr("name"); ok {
				m.Permissions = append(m.Permissions, a.String())
			}
		case "application":
			if a, ok := e.Attr("label"); ok {
				m.Label = a.String()
			}
			if a, ok := e.Attr("name"); ok {
				info.ClassName = className(m.Package, a.String())
			}
		case "activity", "activity-alias":
			if a, ok := e.Attr("name"); ok {
				m.Activities = append(m.Activities, className(m.Package, a.String()))
			}
		case "service":
			if a, ok := e.Attr("name"); ok {
				m.Services = append(m.Services, className(m.Package, a.String()))
			}
		}
	}
	if m.Label == "" {
		m.Label = m.Package
	}

	info.Package = m.Package
	info.Label = m.Label
	info.MinSDK = m.MinSDK
	info.TargetSDK = m.TargetSDK
	info.Activities = m.Activities
	info.Services = m.Services
	info.Permissions = m.Permissions
	return m, info, nil
}

func intValue(a Attr) int64 {
	switch a.Type {
	case TypeIntDec, TypeIntHex:
		return int64(int32(a.Data))
	case TypeString:
		n, _ := strconv.ParseInt(a.Raw, 0, 64)
		return n
	}
	return 0
}

// className expands ".Main" and "Main" relative to pkg.
func className(pkg, name string) string {
	switch {
	case strings.HasPrefix(name, "."):
		return pkg + name
	case name != "" && !strings.Contains(name, "."):
		return pkg + "." + name
	}
	return name
}
