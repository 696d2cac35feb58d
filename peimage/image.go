// Package peimage reads and extends the PE/COFF container of a managed module.
package peimage

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrMalformed reports a PE image that cannot be parsed.
	ErrMalformed = errors.New("malformed PE image")
	// ErrNotManaged reports an image without a CLI header.
	ErrNotManaged = errors.New("image has no CLI header")
	// ErrBadRVA reports an RVA outside every section.
	ErrBadRVA = errors.New("RVA outside image sections")
)

const (
	cliDirectory     = 14
	cliHeaderSize    = 72
	sectionHeaderLen = 40
	coffHeaderLen    = 20

	optSizeOfImage   = 56
	optSizeOfHeaders = 60
	optCheckSum      = 64
)

type section struct {
	name        string
	virtualAddr uint32
	virtualSize uint32
	rawOffset   uint32
	rawSize     uint32
}

// Image is a parsed PE image. The byte slice may be a read-only mapping of
// the source file; it stays valid until Close.
type Image struct {
	data    []byte
	release func() error
	once    sync.Once

	peOffset         int
	optOffset        int
	optSize          int
	pe32Plus         bool
	fileAlignment    uint32
	sectionAlignment uint32
	sections         []section

	cliRVA       uint32
	metadataRVA  uint32
	metadataSize uint32
}

// Parse parses a PE image held in memory. The image keeps a reference to data.
func Parse(data []byte) (*Image, error) {
	if len(data) < 0x40 || data[0] != 'M' || data[1] != 'Z' {
		return nil, fmt.Errorf("%w: missing DOS header", ErrMalformed)
	}
	file, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	defer file.Close()

	image := &Image{
		data:     data,
		peOffset: int(binary.LittleEndian.Uint32(data[0x3c:])),
		optSize:  int(file.SizeOfOptionalHeader),
	}
	image.optOffset = image.peOffset + 4 + coffHeaderLen

	var cli pe.DataDirectory
	switch opt := file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		image.fileAlignment, image.sectionAlignment = opt.FileAlignment, opt.SectionAlignment
		if opt.NumberOfRvaAndSizes > cliDirectory {
			cli = opt.DataDirectory[cliDirectory]
		}
	case *pe.OptionalHeader64:
		image.pe32Plus = true
		image.fileAlignment, image.sectionAlignment = opt.FileAlignment, opt.SectionAlignment
		if opt.NumberOfRvaAndSizes > cliDirectory {
			cli = opt.DataDirectory[cliDirectory]
		}
	default:
		return nil, fmt.Errorf("%w: missing optional header", ErrMalformed)
	}
	if image.fileAlignment == 0 || image.sectionAlignment == 0 {
		return nil, fmt.Errorf("%w: zero alignment", ErrMalformed)
	}

	for _, s := range file.Sections {
		image.sections = append(image.sections, section{
			name:        s.Name,
			virtualAddr: s.VirtualAddress,
			virtualSize: s.VirtualSize,
			rawOffset:   s.Offset,
			rawSize:     s.Size,
		})
	}

	if cli.VirtualAddress == 0 || cli.Size < cliHeaderSize {
		return nil, ErrNotManaged
	}
	header, err := image.ReadRVA(cli.VirtualAddress)
	if err != nil {
		return nil, fmt.Errorf("CLI header: %w", err)
	}
	if len(header) < cliHeaderSize {
		return nil, fmt.Errorf("%w: truncated CLI header", ErrMalformed)
	}
	image.cliRVA = cli.VirtualAddress
	image.metadataRVA = binary.LittleEndian.Uint32(header[8:])
	image.metadataSize = binary.LittleEndian.Uint32(header[12:])

	md, err := image.ReadRVA(image.metadataRVA)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if uint32(len(md)) < image.metadataSize {
		return nil, fmt.Errorf("%w: metadata overruns its section", ErrMalformed)
	}
	return image, nil
}

// Open maps the file at path and parses it.
func Open(path string) (*Image, error) {
	data, release, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	image, err := Parse(data)
	if err != nil {
		_ = release()
		return nil, err
	}
	image.release = release
	return image, nil
}

// Close releases the file mapping. Slices handed out by the image are invalid
// afterwards.
func (image *Image) Close() error {
	var err error
	image.once.Do(func() {
		if image.release != nil {
			err = image.release()
		}
		image.data = nil
	})
	return err
}

// Bytes returns the raw image. Callers must not modify it.
func (image *Image) Bytes() []byte {
	return image.data
}

// PE32Plus reports whether the image uses the 64-bit optional header.
func (image *Image) PE32Plus() bool {
	return image.pe32Plus
}

// MetadataRVA returns the RVA of the metadata root named by the CLI header.
func (image *Image) MetadataRVA() uint32 {
	return image.metadataRVA
}

// Metadata returns a copy of the metadata blob.
func (image *Image) Metadata() []byte {
	md, err := image.ReadRVA(image.metadataRVA)
	if err != nil || uint32(len(md)) < image.metadataSize {
		return nil
	}
	return bytes.Clone(md[:image.metadataSize])
}

// RVAToOffset translates an RVA into a file offset.
func (image *Image) RVAToOffset(rva uint32) (int, error) {
	for _, s := range image.sections {
		if rva < s.virtualAddr {
			continue
		}
		delta := rva - s.virtualAddr
		if delta >= max(s.virtualSize, s.rawSize) {
			continue
		}
		if delta >= s.rawSize {
			return 0, fmt.Errorf("%w: 0x%x lies in the uninitialized tail of %s", ErrBadRVA, rva, s.name)
		}
		return int(s.rawOffset) + int(delta), nil
	}
	return 0, fmt.Errorf("%w: 0x%x", ErrBadRVA, rva)
}

// ReadRVA returns the image bytes from rva to the end of its section's raw
// data.
func (image *Image) ReadRVA(rva uint32) ([]byte, error) {
	off, err := image.RVAToOffset(rva)
	if err != nil {
		return nil, err
	}
	end := len(image.data)
	for _, s := range image.sections {
		if rva >= s.virtualAddr && rva-s.virtualAddr < s.rawSize {
			end = min(end, int(s.rawOffset)+int(s.rawSize))
			break
		}
	}
	if off >= end {
		return nil, fmt.Errorf("%w: 0x%x beyond end of file", ErrBadRVA, rva)
	}
	return image.data[off:end], nil
}

// NextSectionRVA returns the RVA a section appended after the existing ones
// would receive.
func (image *Image) NextSectionRVA() uint32 {
	var next uint32
	for _, s := range image.sections {
		next = max(next, alignUp(s.virtualAddr+max(s.virtualSize, s.rawSize), image.sectionAlignment))
	}
	return max(next, image.sectionAlignment)
}

func alignUp[T ~int | ~uint32](v, align T) T {
	return (v + align - 1) / align * align
}
