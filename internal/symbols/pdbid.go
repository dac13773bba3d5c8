package symbols

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	portableMagic = []byte("BSJB")
	msfMagic      = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")
)

var errUnknownPdbFormat = errors.New("unrecognized pdb format")

// PdbIdentity is the identity stored inside a PDB file.
type PdbIdentity struct {
	GUID     GUID
	Age      uint32
	Portable bool
}

// ReadPdbGUID reads the identity of the portable or Windows PDB at path.
func ReadPdbGUID(path string) (PdbIdentity, error) {
	f, err := os.Open(path)
	if err != nil {
		return PdbIdentity{}, err
	}
	defer f.Close()
	return readPdbIdentity(f)
}

func readPdbIdentity(r io.ReaderAt) (PdbIdentity, error) {
	head := make([]byte, len(msfMagic))
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return PdbIdentity{}, err
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, portableMagic):
		return readPortableIdentity(r)
	case bytes.Equal(head, msfMagic):
		return readMSFIdentity(r)
	}
	return PdbIdentity{}, errUnknownPdbFormat
}

// readPortableIdentity locates the #Pdb stream in the ECMA-335 metadata
// root. Its first 16 bytes are the PDB id GUID.
func readPortableIdentity(r io.ReaderAt) (PdbIdentity, error) {
	var fixed [16]byte
	if _, err := r.ReadAt(fixed[:], 0); err != nil {
		return PdbIdentity{}, err
	}
	versionLen := int64(binary.LittleEndian.Uint32(fixed[12:]))
	if versionLen > 255 {
		return PdbIdentity{}, fmt.Errorf("metadata version string too long: %d", versionLen)
	}

	pos := 16 + versionLen
	var hdr [4]byte
	if _, err := r.ReadAt(hdr[:], pos); err != nil {
		return PdbIdentity{}, err
	}
	streams := int(binary.LittleEndian.Uint16(hdr[2:]))
	pos += 4

	for i := 0; i < streams; i++ {
		var sh [8]byte
		if _, err := r.ReadAt(sh[:], pos); err != nil {
			return PdbIdentity{}, err
		}
		offset := int64(binary.LittleEndian.Uint32(sh[:]))
		pos += 8

		name := make([]byte, 0, 16)
		for {
			var chunk [4]byte
			if _, err := r.ReadAt(chunk[:], pos); err != nil {
				return PdbIdentity{}, err
			}
			pos += 4
			if j := bytes.IndexByte(chunk[:], 0); j >= 0 {
				name = append(name, chunk[:j]...)
				break
			}
			name = append(name, chunk[:]...)
			if len(name) > 32 {
				return PdbIdentity{}, fmt.Errorf("metadata stream name too long")
			}
		}

		if string(name) == "#Pdb" {
			var id PdbIdentity
			id.Portable = true
			if _, err := r.ReadAt(id.GUID[:], offset); err != nil {
				return PdbIdentity{}, err
			}
			return id, nil
		}
	}
	return PdbIdentity{}, fmt.Errorf("portable pdb has no #Pdb stream")
}

// readMSFIdentity reads the PDB info stream (stream 1) of an MSF 7.00 file:
// version, signature, age, guid.
func readMSFIdentity(r io.ReaderAt) (PdbIdentity, error) {
	var sb [24]byte
	if _, err := r.ReadAt(sb[:], int64(len(msfMagic))); err != nil {
		return PdbIdentity{}, err
	}
	blockSize := int64(binary.LittleEndian.Uint32(sb[0:]))
	numDirBytes := int64(binary.LittleEndian.Uint32(sb[12:]))
	blockMapAddr := int64(binary.LittleEndian.Uint32(sb[20:]))
	switch blockSize {
	case 512, 1024, 2048, 4096:
	default:
		return PdbIdentity{}, fmt.Errorf("invalid msf block size %d", blockSize)
	}
	if numDirBytes < 8 || numDirBytes > 64<<20 {
		return PdbIdentity{}, fmt.Errorf("invalid msf directory size %d", numDirBytes)
	}

	numDirBlocks := (numDirBytes + blockSize - 1) / blockSize
	mapBytes := make([]byte, numDirBlocks*4)
	if _, err := r.ReadAt(mapBytes, blockMapAddr*blockSize); err != nil {
		return PdbIdentity{}, fmt.Errorf("reading msf block map: %w", err)
	}

	dir := make([]byte, 0, numDirBlocks*blockSize)
	block := make([]byte, blockSize)
	for i := int64(0); i < numDirBlocks; i++ {
		idx := int64(binary.LittleEndian.Uint32(mapBytes[i*4:]))
		if _, err := r.ReadAt(block, idx*blockSize); err != nil {
			return PdbIdentity{}, fmt.Errorf("reading msf directory: %w", err)
		}
		dir = append(dir, block...)
	}
	dir = dir[:numDirBytes]

	numStreams := int64(binary.LittleEndian.Uint32(dir))
	if numStreams < 2 || 4+numStreams*4 > int64(len(dir)) {
		return PdbIdentity{}, fmt.Errorf("msf directory has no info stream")
	}
	sizes := dir[4 : 4+numStreams*4]
	blocksOf := func(i int64) int64 {
		s := binary.LittleEndian.Uint32(sizes[i*4:])
		if s == 0xffffffff {
			return 0
		}
		return (int64(s) + blockSize - 1) / blockSize
	}

	pos := 4 + numStreams*4 + blocksOf(0)*4
	if blocksOf(1) == 0 || pos+4 > int64(len(dir)) {
		return PdbIdentity{}, fmt.Errorf("msf info stream is empty")
	}
	first := int64(binary.LittleEndian.Uint32(dir[pos:]))

	var info [28]byte
	if _, err := r.ReadAt(info[:], first*blockSize); err != nil {
		return PdbIdentity{}, fmt.Errorf("reading pdb info stream: %w", err)
	}
	id := PdbIdentity{Age: binary.LittleEndian.Uint32(info[8:])}
	copy(id.GUID[:], info[12:28])
	return id, nil
}
