package peimage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"fortio.org/safecast"
)

// ErrNoRoom reports a section table that cannot take another header.
var ErrNoRoom = errors.New("no room for another section header")

const (
	sectionCharacteristics = 0x60000020 // code, execute, read

	certDirectory  = 4
	debugDirectory = 6
	debugEntryLen  = 28
)

// AppendSection returns a new file image made of the original bytes plus one
// section holding content at NextSectionRVA. The CLI header is repointed at
// the metadata blob [metadataRVA, metadataRVA+metadataSize), which must lie
// inside content. SizeOfImage, the section count and, when the original had
// one, the checksum are updated.
//
// When the header area has no free slot, SizeOfHeaders grows by whole file
// alignment units and the raw data of every section moves down by the same
// amount; file offsets held in the section table, the COFF symbol pointer,
// the certificate directory and the debug directory entries follow it.
func (image *Image) AppendSection(name string, content []byte, metadataRVA, metadataSize uint32) ([]byte, error) {
	if len(name) > 8 {
		return nil, fmt.Errorf("section name %q longer than 8 bytes", name)
	}
	if image.data == nil {
		return nil, errors.New("image is closed")
	}
	contentSize, err := safecast.Conv[uint32](len(content))
	if err != nil {
		return nil, fmt.Errorf("section content: %w", err)
	}
	rva := image.NextSectionRVA()
	if metadataRVA < rva || metadataRVA-rva > contentSize || metadataSize > contentSize-(metadataRVA-rva) {
		return nil, fmt.Errorf("metadata [0x%x, +0x%x) outside new section at 0x%x", metadataRVA, metadataSize, rva)
	}

	headerAt := image.optOffset + image.optSize + len(image.sections)*sectionHeaderLen
	headersSize, growth, err := image.headerRoom(headerAt)
	if err != nil {
		return nil, err
	}
	firstRaw := image.firstRawOffset()

	rawOffset := alignUp(len(image.data)+growth, int(image.fileAlignment))
	rawSize := alignUp(len(content), int(image.fileAlignment))
	out := make([]byte, rawOffset+rawSize)
	copy(out, image.data[:firstRaw])
	copy(out[firstRaw+growth:], image.data[firstRaw:])
	copy(out[rawOffset:], content)

	rawOffset32, err := safecast.Conv[uint32](rawOffset)
	if err != nil {
		return nil, fmt.Errorf("section offset: %w", err)
	}
	rawSize32, err := safecast.Conv[uint32](rawSize)
	if err != nil {
		return nil, fmt.Errorf("section size: %w", err)
	}
	headersSize32, err := safecast.Conv[uint32](headersSize)
	if err != nil {
		return nil, fmt.Errorf("headers size: %w", err)
	}
	if growth > 0 {
		if err := image.shiftFileOffsets(out, firstRaw, growth); err != nil {
			return nil, err
		}
	}

	header := out[headerAt : headerAt+sectionHeaderLen]
	copy(header[0:8], name)
	binary.LittleEndian.PutUint32(header[8:], contentSize)
	binary.LittleEndian.PutUint32(header[12:], rva)
	binary.LittleEndian.PutUint32(header[16:], rawSize32)
	binary.LittleEndian.PutUint32(header[20:], rawOffset32)
	binary.LittleEndian.PutUint32(header[36:], sectionCharacteristics)

	count := binary.LittleEndian.Uint16(out[image.peOffset+6:])
	binary.LittleEndian.PutUint16(out[image.peOffset+6:], count+1)
	binary.LittleEndian.PutUint32(out[image.optOffset+optSizeOfImage:], alignUp(rva+contentSize, image.sectionAlignment))
	binary.LittleEndian.PutUint32(out[image.optOffset+optSizeOfHeaders:], headersSize32)

	cliAt, err := image.RVAToOffset(image.cliRVA)
	if err != nil {
		return nil, fmt.Errorf("CLI header: %w", err)
	}
	cliAt = moved(cliAt, firstRaw, growth)
	binary.LittleEndian.PutUint32(out[cliAt+8:], metadataRVA)
	binary.LittleEndian.PutUint32(out[cliAt+12:], metadataSize)

	if binary.LittleEndian.Uint32(out[image.optOffset+optCheckSum:]) != 0 {
		binary.LittleEndian.PutUint32(out[image.optOffset+optCheckSum:], 0)
		binary.LittleEndian.PutUint32(out[image.optOffset+optCheckSum:], Checksum(out))
	}
	return out, nil
}

// headerRoom checks the section header slot at offset at and returns the
// SizeOfHeaders the image needs with it, plus how far section raw data must
// move to make room. The slot bytes that lie in the existing header area must
// be zero, and the grown headers must stay below every section's RVA.
func (image *Image) headerRoom(at int) (int, int, error) {
	firstRaw := image.firstRawOffset()
	headersSize := int(binary.LittleEndian.Uint32(image.data[image.optOffset+optSizeOfHeaders:]))
	end := at + sectionHeaderLen

	for _, b := range image.data[min(at, firstRaw):min(end, firstRaw)] {
		if b != 0 {
			return 0, 0, fmt.Errorf("%w: slot at 0x%x is in use", ErrNoRoom, at)
		}
	}
	if end <= headersSize && end <= firstRaw {
		return headersSize, 0, nil
	}

	grown := max(headersSize, alignUp(end, int(image.fileAlignment)))
	for _, s := range image.sections {
		if grown > int(s.virtualAddr) {
			return 0, 0, fmt.Errorf("%w: headers would overlap %s at 0x%x", ErrNoRoom, s.name, s.virtualAddr)
		}
	}
	growth := 0
	if grown > firstRaw {
		growth = alignUp(grown-firstRaw, int(image.fileAlignment))
	}
	return grown, growth, nil
}

// firstRawOffset returns the file offset of the first section raw data, or
// the file size when no section has any.
func (image *Image) firstRawOffset() int {
	first := len(image.data)
	for _, s := range image.sections {
		if s.rawSize > 0 {
			first = min(first, int(s.rawOffset))
		}
	}
	return first
}

// shiftFileOffsets moves every file offset at or past firstRaw held in the
// headers of out by growth bytes.
func (image *Image) shiftFileOffsets(out []byte, firstRaw, growth int) error {
	delta, err := safecast.Conv[uint32](growth)
	if err != nil {
		return fmt.Errorf("header growth: %w", err)
	}
	shift := func(at int) {
		if v := binary.LittleEndian.Uint32(out[at:]); v != 0 && int(v) >= firstRaw {
			binary.LittleEndian.PutUint32(out[at:], v+delta)
		}
	}

	table := image.optOffset + image.optSize
	for i := range image.sections {
		shift(table + i*sectionHeaderLen + 20)
	}
	shift(image.peOffset + 4 + 8) // PointerToSymbolTable

	dirs, count := image.dataDirectories()
	if count > certDirectory {
		// The certificate directory holds a file offset, not an RVA.
		shift(dirs + certDirectory*8)
	}
	if count <= debugDirectory {
		return nil
	}
	debugRVA := binary.LittleEndian.Uint32(image.data[dirs+debugDirectory*8:])
	debugSize := int(binary.LittleEndian.Uint32(image.data[dirs+debugDirectory*8+4:]))
	if debugRVA == 0 {
		return nil
	}
	at, err := image.RVAToOffset(debugRVA)
	if err != nil {
		return fmt.Errorf("debug directory: %w", err)
	}
	at = moved(at, firstRaw, growth)
	if at+debugSize > len(out) {
		return fmt.Errorf("%w: debug directory overruns the file", ErrMalformed)
	}
	for entry := at; entry+debugEntryLen <= at+debugSize; entry += debugEntryLen {
		shift(entry + 24) // PointerToRawData
	}
	return nil
}

// dataDirectories returns the file offset of the data directory array and
// the number of entries the optional header declares.
func (image *Image) dataDirectories() (int, int) {
	start, countAt := 96, 92
	if image.pe32Plus {
		start, countAt = 112, 108
	}
	count := int(binary.LittleEndian.Uint32(image.data[image.optOffset+countAt:]))
	count = min(count, (image.optSize-start)/8)
	return image.optOffset + start, count
}

func moved(offset, firstRaw, growth int) int {
	if offset >= firstRaw {
		return offset + growth
	}
	return offset
}

// Checksum computes the PE image checksum of data, whose CheckSum field must
// already be zero.
func Checksum(data []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.LittleEndian.Uint16(data[i:]))
		sum = sum&0xffff + sum>>16
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1])
		sum = sum&0xffff + sum>>16
	}
	sum = sum&0xffff + sum>>16
	return sum + uint32(len(data))
}
