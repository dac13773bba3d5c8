package symbols

import (
	"bytes"
	"compress/flate"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNoDebugInfo is returned when a module carries no CodeView record.
var ErrNoDebugInfo = errors.New("no debug info in assembly")

const (
	debugDirectoryIndex = 6
	debugEntrySize      = 28

	debugTypeCodeView            = 2
	debugTypeEmbeddedPortablePdb = 17
	debugTypePdbChecksum         = 19

	codeViewSignature = 0x53445352 // "RSDS"
	embeddedSignature = 0x4244504d // "MPDB"

	portableMinorVersion = 0x504d
	portableMajorMin     = 0x0100

	portableAgeKey = "FFFFFFFF"
)

// PeDebugInfo is the PDB identity recorded in a module's debug directory.
type PeDebugInfo struct {
	PdbFileName string
	// PdbPath is the path as recorded by the compiler.
	PdbPath    string
	GUID       GUID
	Age        uint32
	Timestamp  uint32
	IsPortable bool

	ChecksumAlgorithm string
	Checksum          []byte

	HasEmbeddedPdb bool
	embeddedOffset int64
	embeddedSize   int64
}

// SymbolServerKey is the SSQP key for this PDB.
func (d *PeDebugInfo) SymbolServerKey() string {
	return SymbolServerKey(d.GUID, d.Age, d.IsPortable)
}

// SymbolServerKey derives the SSQP/SymStore index directory for a PDB.
// Portable PDBs use the fixed age marker, Windows PDBs the age in hex.
func SymbolServerKey(g GUID, age uint32, portable bool) string {
	if portable {
		return g.N() + portableAgeKey
	}
	return g.N() + fmt.Sprintf("%x", age)
}

type debugDirectoryEntry struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// ReadDebugInfo parses the debug directory of the PE file at path.
// It returns ErrNoDebugInfo if there is no CodeView entry.
func ReadDebugInfo(path string) (*PeDebugInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return readDebugInfo(f, st.Size())
}

// readDebugInfo parses a PE image of the given size. Sizes and offsets from
// the image are checked against size before anything is allocated.
func readDebugInfo(r io.ReaderAt, size int64) (*PeDebugInfo, error) {
	pf, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("not a PE file: %w", err)
	}
	defer pf.Close()

	var dir pe.DataDirectory
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes <= debugDirectoryIndex {
			return nil, ErrNoDebugInfo
		}
		dir = oh.DataDirectory[debugDirectoryIndex]
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes <= debugDirectoryIndex {
			return nil, ErrNoDebugInfo
		}
		dir = oh.DataDirectory[debugDirectoryIndex]
	default:
		return nil, ErrNoDebugInfo
	}
	if dir.VirtualAddress == 0 || dir.Size < debugEntrySize {
		return nil, ErrNoDebugInfo
	}

	off, ok := rvaToOffset(pf, dir.VirtualAddress)
	if !ok {
		return nil, fmt.Errorf("debug directory rva %#x outside any section", dir.VirtualAddress)
	}

	n := int64(dir.Size / debugEntrySize)
	raw, err := readBlock(r, size, off, n*debugEntrySize)
	if err != nil {
		return nil, fmt.Errorf("reading debug directory: %w", err)
	}
	entries := make([]debugDirectoryEntry, n)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, entries); err != nil {
		return nil, err
	}

	var info *PeDebugInfo
	var checksumAlg string
	var checksum []byte
	var embedded *debugDirectoryEntry

	for i := range entries {
		e := &entries[i]
		switch e.Type {
		case debugTypeCodeView:
			if info != nil {
				continue
			}
			cv, err := readCodeView(r, size, e)
			if err != nil {
				continue
			}
			info = cv
		case debugTypeEmbeddedPortablePdb:
			embedded = e
		case debugTypePdbChecksum:
			data, err := readBlock(r, size, int64(e.PointerToRawData), int64(e.SizeOfData))
			if err != nil {
				continue
			}
			if i := bytes.IndexByte(data, 0); i > 0 {
				checksumAlg = string(data[:i])
				checksum = append([]byte(nil), data[i+1:]...)
			}
		}
	}

	if info == nil {
		return nil, ErrNoDebugInfo
	}
	info.ChecksumAlgorithm = checksumAlg
	info.Checksum = checksum
	if embedded != nil && embedded.SizeOfData > 8 && int64(embedded.PointerToRawData)+int64(embedded.SizeOfData) <= size {
		info.HasEmbeddedPdb = true
		info.embeddedOffset = int64(embedded.PointerToRawData)
		info.embeddedSize = int64(embedded.SizeOfData)
	}
	return info, nil
}

func readCodeView(r io.ReaderAt, size int64, e *debugDirectoryEntry) (*PeDebugInfo, error) {
	if e.SizeOfData < 24 {
		return nil, fmt.Errorf("codeview record too short")
	}
	data, err := readBlock(r, size, int64(e.PointerToRawData), int64(e.SizeOfData))
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(data) != codeViewSignature {
		return nil, fmt.Errorf("unsupported codeview signature")
	}

	info := &PeDebugInfo{
		Timestamp:  e.TimeDateStamp,
		Age:        binary.LittleEndian.Uint32(data[20:]),
		IsPortable: e.MajorVersion >= portableMajorMin && e.MinorVersion == portableMinorVersion,
	}
	copy(info.GUID[:], data[4:20])

	path := data[24:]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	info.PdbPath = string(path)
	info.PdbFileName = baseName(info.PdbPath)
	if info.PdbFileName == "" {
		return nil, fmt.Errorf("codeview record without pdb name")
	}
	return info, nil
}

// readBlock reads n bytes at off, refusing ranges outside a file of the
// given size.
func readBlock(r io.ReaderAt, size, off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > size {
		return nil, fmt.Errorf("range [%d, %d) outside file of %d bytes", off, off+n, size)
	}
	data := make([]byte, n)
	if _, err := r.ReadAt(data, off); err != nil {
		return nil, err
	}
	return data, nil
}

func rvaToOffset(pf *pe.File, rva uint32) (int64, bool) {
	for _, s := range pf.Sections {
		size := s.VirtualSize
		if s.Size > size {
			size = s.Size
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return int64(rva - s.VirtualAddress + s.Offset), true
		}
	}
	return 0, false
}

// ExtractEmbeddedPdb decompresses the embedded portable PDB of the module at
// modulePath. The payload is "MPDB", a little-endian uncompressed size, then
// a raw deflate stream.
func ExtractEmbeddedPdb(modulePath string, info *PeDebugInfo, maxSize int64) ([]byte, error) {
	if !info.HasEmbeddedPdb {
		return nil, fmt.Errorf("%s has no embedded pdb", modulePath)
	}
	f, err := os.Open(modulePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hdr [8]byte
	if _, err := f.ReadAt(hdr[:], info.embeddedOffset); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(hdr[:]) != embeddedSignature {
		return nil, fmt.Errorf("bad embedded pdb signature")
	}
	size := int64(binary.LittleEndian.Uint32(hdr[4:]))
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("embedded pdb is %d bytes, limit %d", size, maxSize)
	}

	payload := io.NewSectionReader(f, info.embeddedOffset+8, info.embeddedSize-8)
	zr := flate.NewReader(payload)
	defer zr.Close()

	var out bytes.Buffer
	if _, err := io.Copy(&out, io.LimitReader(zr, size+1)); err != nil {
		return nil, fmt.Errorf("decompressing embedded pdb: %w", err)
	}
	if int64(out.Len()) != size {
		return nil, fmt.Errorf("embedded pdb decompressed to %d bytes, header says %d", out.Len(), size)
	}
	return out.Bytes(), nil
}

// baseName returns the last element of a path recorded on any OS.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
