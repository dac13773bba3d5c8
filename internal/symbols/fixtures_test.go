package symbols

import (
	"bytes"
	"compress/flate"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// debugEntry is one debug directory record to place in a synthesized PE.
type debugEntry struct {
	typ          uint32
	major, minor uint16
	data         []byte
}

const (
	fixtureSectionRVA    = 0x2000
	fixtureSectionOffset = 0x200
)

// buildPE writes a minimal PE32+ image with one section holding the debug
// directory and its payloads. With no entries the debug directory is empty.
func buildPE(t *testing.T, entries ...debugEntry) []byte {
	t.Helper()

	// Section body: directory first, payloads after.
	dirSize := len(entries) * debugEntrySize
	var payload bytes.Buffer
	records := make([]debugDirectoryEntry, len(entries))
	for i, e := range entries {
		off := uint32(dirSize + payload.Len())
		records[i] = debugDirectoryEntry{
			TimeDateStamp:    0x5f5e100,
			MajorVersion:     e.major,
			MinorVersion:     e.minor,
			Type:             e.typ,
			SizeOfData:       uint32(len(e.data)),
			AddressOfRawData: fixtureSectionRVA + off,
			PointerToRawData: fixtureSectionOffset + off,
		}
		payload.Write(e.data)
		for payload.Len()%4 != 0 {
			payload.WriteByte(0)
		}
	}
	var section bytes.Buffer
	binary.Write(&section, binary.LittleEndian, records)
	section.Write(payload.Bytes())
	for section.Len()%0x200 != 0 || section.Len() == 0 {
		section.WriteByte(0)
	}

	var buf bytes.Buffer
	dos := make([]byte, 0x80)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x80)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	binary.Write(&buf, binary.LittleEndian, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: 240,
		Characteristics:      0x22,
	})

	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         fixtureSectionRVA + uint32(section.Len()),
		SizeOfHeaders:       fixtureSectionOffset,
		NumberOfRvaAndSizes: 16,
	}
	if len(entries) > 0 {
		oh.DataDirectory[debugDirectoryIndex] = pe.DataDirectory{
			VirtualAddress: fixtureSectionRVA,
			Size:           uint32(dirSize),
		}
	}
	binary.Write(&buf, binary.LittleEndian, oh)

	sh := pe.SectionHeader32{
		VirtualSize:      uint32(section.Len()),
		VirtualAddress:   fixtureSectionRVA,
		SizeOfRawData:    uint32(section.Len()),
		PointerToRawData: fixtureSectionOffset,
		Characteristics:  0x40000040,
	}
	copy(sh.Name[:], ".text")
	binary.Write(&buf, binary.LittleEndian, sh)

	for buf.Len() < fixtureSectionOffset {
		buf.WriteByte(0)
	}
	buf.Write(section.Bytes())
	return buf.Bytes()
}

func codeViewEntry(g GUID, age uint32, pdbPath string, portable bool) debugEntry {
	var data bytes.Buffer
	binary.Write(&data, binary.LittleEndian, uint32(codeViewSignature))
	data.Write(g[:])
	binary.Write(&data, binary.LittleEndian, age)
	data.WriteString(pdbPath)
	data.WriteByte(0)

	e := debugEntry{typ: debugTypeCodeView, data: data.Bytes()}
	if portable {
		e.major, e.minor = 0x0100, portableMinorVersion
	}
	return e
}

func embeddedEntry(t *testing.T, pdb []byte) debugEntry {
	t.Helper()
	var data bytes.Buffer
	binary.Write(&data, binary.LittleEndian, uint32(embeddedSignature))
	binary.Write(&data, binary.LittleEndian, uint32(len(pdb)))
	zw, err := flate.NewWriter(&data, flate.BestCompression)
	if err != nil {
		t.Fatal(err)
	}
	zw.Write(pdb)
	zw.Close()
	return debugEntry{typ: debugTypeEmbeddedPortablePdb, major: 0x0100, minor: 0x0100, data: data.Bytes()}
}

func checksumEntry(alg string, sum []byte) debugEntry {
	data := append([]byte(alg), 0)
	return debugEntry{typ: debugTypePdbChecksum, major: 1, data: append(data, sum...)}
}

// buildPortablePdb returns a metadata root with a single #Pdb stream whose
// first 16 bytes are g.
func buildPortablePdb(g GUID) []byte {
	var buf bytes.Buffer
	buf.WriteString("BSJB")
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	version := []byte("PDB v1.0\x00\x00\x00\x00")
	binary.Write(&buf, binary.LittleEndian, uint32(len(version)))
	buf.Write(version)
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // flags
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // streams

	// header: offset, size, "#Pdb\0" padded to 8
	streamOffset := uint32(buf.Len() + 8 + 8)
	binary.Write(&buf, binary.LittleEndian, streamOffset)
	binary.Write(&buf, binary.LittleEndian, uint32(32))
	buf.WriteString("#Pdb\x00\x00\x00\x00")

	buf.Write(g[:])
	buf.Write(make([]byte, 16))
	return buf.Bytes()
}

// buildMSFPdb returns a four-block MSF 7.00 file: superblock, block map,
// directory, info stream.
func buildMSFPdb(g GUID, age uint32) []byte {
	const bs = 512
	file := make([]byte, 4*bs)

	copy(file, msfMagic)
	sb := file[len(msfMagic):]
	binary.LittleEndian.PutUint32(sb[0:], bs)
	binary.LittleEndian.PutUint32(sb[4:], 1)
	binary.LittleEndian.PutUint32(sb[8:], 4)
	binary.LittleEndian.PutUint32(sb[12:], 4+2*4+1*4) // streams, sizes, blocks
	binary.LittleEndian.PutUint32(sb[20:], 1)

	binary.LittleEndian.PutUint32(file[1*bs:], 2)

	dir := file[2*bs:]
	binary.LittleEndian.PutUint32(dir[0:], 2)
	binary.LittleEndian.PutUint32(dir[4:], 0)
	binary.LittleEndian.PutUint32(dir[8:], 28)
	binary.LittleEndian.PutUint32(dir[12:], 3)

	info := file[3*bs:]
	binary.LittleEndian.PutUint32(info[0:], 20000404)
	binary.LittleEndian.PutUint32(info[4:], 0x5f5e100)
	binary.LittleEndian.PutUint32(info[8:], age)
	copy(info[12:], g[:])
	return file
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

var testGUID = GUID{
	0x78, 0x56, 0x34, 0x12, 0xbc, 0x9a, 0xf0, 0xde,
	0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
}
