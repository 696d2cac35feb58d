package peimage

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

// Layout of images produced by Build.
const (
	TextRVA          = 0x2000
	FileAlignment    = 0x200
	SectionAlignment = 0x2000

	imageBase    = 0x10000000
	headersSize  = 0x200
	lfanew       = 0x80
	optHeader32  = 224
	dataDirStart = 96

	resourceDirectory   = 2
	relocDirectory      = 5
	dataCharacteristic  = 0x40000040 // initialized data, read
	relocCharacteristic = 0x42000040 // initialized data, discardable, read
)

// BodiesRVA is where Build places BuildOptions.Bodies: directly after the CLI
// header at the start of .text.
const BodiesRVA = TextRVA + cliHeaderSize

// BuildOptions describes a minimal managed DLL.
type BuildOptions struct {
	// Bodies is the method body area, placed at BodiesRVA. MethodDef RVAs in
	// Metadata must already point into it.
	Bodies []byte
	// Metadata is the metadata root, placed 4-aligned after Bodies.
	Metadata []byte
	// Checksum fills in the optional header CheckSum.
	Checksum bool
	// CompilerSections lays the image out the way the C# compiler does for
	// an AnyCPU library: .text, .rsrc and .reloc, a CodeView debug directory
	// in .text, and a section table ending at 0x1f0 with no free slot.
	CompilerSections bool
}

// MetadataRVA returns the RVA Build assigns to the metadata blob.
func (opts BuildOptions) MetadataRVA() uint32 {
	return alignUp(BodiesRVA+uint32(len(opts.Bodies)), 4)
}

type sectionSpec struct {
	name            string
	rva             uint32
	content         []byte
	characteristics uint32
}

// Build assembles a PE32 DLL whose .text section holds the CLI header, the
// method bodies and the metadata.
//
//	0x000  DOS header, e_lfanew = 0x80
//	0x080  PE signature
//	0x084  COFF header
//	0x098  optional header (PE32, 224 bytes)
//	0x178  section table (.text, then zeroed slots up to 0x200)
//	0x200  .text: CLI header | bodies | metadata [| debug directory | CodeView]
func Build(opts BuildOptions) ([]byte, error) {
	mdRVA := opts.MetadataRVA()
	mdSize, err := safecast.Conv[uint32](len(opts.Metadata))
	if err != nil {
		return nil, fmt.Errorf("metadata size: %w", err)
	}

	text := make([]byte, int(mdRVA-TextRVA)+len(opts.Metadata))
	binary.LittleEndian.PutUint32(text[0:], cliHeaderSize)
	binary.LittleEndian.PutUint16(text[4:], 2) // runtime 2.5
	binary.LittleEndian.PutUint16(text[6:], 5)
	binary.LittleEndian.PutUint32(text[8:], mdRVA)
	binary.LittleEndian.PutUint32(text[12:], mdSize)
	binary.LittleEndian.PutUint32(text[16:], 1) // IL only
	copy(text[cliHeaderSize:], opts.Bodies)
	copy(text[mdRVA-TextRVA:], opts.Metadata)

	var debugRVA uint32
	if opts.CompilerSections {
		text, debugRVA, err = appendDebugDirectory(text)
		if err != nil {
			return nil, err
		}
	}

	sections := []sectionSpec{{".text", TextRVA, text, sectionCharacteristics}}
	if opts.CompilerSections {
		rsrcRVA := alignUp(TextRVA+uint32(len(text)), SectionAlignment)
		relocRVA := rsrcRVA + SectionAlignment
		reloc := make([]byte, 12)
		binary.LittleEndian.PutUint32(reloc[0:], TextRVA)
		binary.LittleEndian.PutUint32(reloc[4:], 12)
		binary.LittleEndian.PutUint16(reloc[8:], 0x3000) // HIGHLOW at TextRVA
		sections = append(sections,
			sectionSpec{".rsrc", rsrcRVA, make([]byte, 16), dataCharacteristic},
			sectionSpec{".reloc", relocRVA, reloc, relocCharacteristic},
		)
	}

	size := headersSize
	for _, s := range sections {
		size += alignUp(len(s.content), FileAlignment)
	}
	out := make([]byte, size)

	// DOS header
	out[0], out[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(out[0x3c:], lfanew)
	copy(out[lfanew:], "PE\x00\x00")

	coff := out[lfanew+4:]
	binary.LittleEndian.PutUint16(coff[0:], 0x014c) // i386
	binary.LittleEndian.PutUint16(coff[2:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(coff[16:], optHeader32) // SizeOfOptionalHeader
	binary.LittleEndian.PutUint16(coff[18:], 0x2102)     // executable, 32-bit, DLL

	last := sections[len(sections)-1]
	opt := out[lfanew+4+coffHeaderLen:]
	binary.LittleEndian.PutUint16(opt[0:], 0x010b) // PE32
	opt[2] = 8                                     // linker major
	binary.LittleEndian.PutUint32(opt[4:], alignUp(uint32(len(text)), FileAlignment))
	binary.LittleEndian.PutUint32(opt[20:], TextRVA) // BaseOfCode
	binary.LittleEndian.PutUint32(opt[28:], imageBase)
	binary.LittleEndian.PutUint32(opt[32:], SectionAlignment)
	binary.LittleEndian.PutUint32(opt[36:], FileAlignment)
	binary.LittleEndian.PutUint16(opt[40:], 4) // OS major
	binary.LittleEndian.PutUint16(opt[48:], 4) // subsystem major
	binary.LittleEndian.PutUint32(opt[optSizeOfImage:], alignUp(last.rva+uint32(len(last.content)), SectionAlignment))
	binary.LittleEndian.PutUint32(opt[optSizeOfHeaders:], headersSize)
	binary.LittleEndian.PutUint16(opt[68:], 3)      // console
	binary.LittleEndian.PutUint16(opt[70:], 0x8540) // dynamic base, NX, no SEH, TS aware
	binary.LittleEndian.PutUint32(opt[72:], 0x100000)
	binary.LittleEndian.PutUint32(opt[76:], 0x1000)
	binary.LittleEndian.PutUint32(opt[80:], 0x100000)
	binary.LittleEndian.PutUint32(opt[84:], 0x1000)
	binary.LittleEndian.PutUint32(opt[92:], 16) // NumberOfRvaAndSizes
	directory := func(index int, rva uint32, size int) {
		binary.LittleEndian.PutUint32(opt[dataDirStart+index*8:], rva)
		binary.LittleEndian.PutUint32(opt[dataDirStart+index*8+4:], uint32(size))
	}
	directory(cliDirectory, TextRVA, cliHeaderSize)
	if opts.CompilerSections {
		directory(resourceDirectory, sections[1].rva, len(sections[1].content))
		directory(relocDirectory, sections[2].rva, len(sections[2].content))
		directory(debugDirectory, debugRVA, debugEntryLen)
	}

	table := out[lfanew+4+coffHeaderLen+optHeader32:]
	raw := headersSize
	for i, s := range sections {
		header := table[i*sectionHeaderLen:]
		rawSize := alignUp(len(s.content), FileAlignment)
		copy(header[0:8], s.name)
		binary.LittleEndian.PutUint32(header[8:], uint32(len(s.content)))
		binary.LittleEndian.PutUint32(header[12:], s.rva)
		binary.LittleEndian.PutUint32(header[16:], uint32(rawSize))
		binary.LittleEndian.PutUint32(header[20:], uint32(raw))
		binary.LittleEndian.PutUint32(header[36:], s.characteristics)
		copy(out[raw:], s.content)
		if s.name == ".text" && opts.CompilerSections {
			// CodeView entry PointerToRawData is a file offset.
			entry := out[raw+int(debugRVA-TextRVA):]
			binary.LittleEndian.PutUint32(entry[24:], uint32(raw)+binary.LittleEndian.Uint32(entry[20:])-TextRVA)
		}
		raw += rawSize
	}

	if opts.Checksum {
		binary.LittleEndian.PutUint32(opt[optCheckSum:], Checksum(out))
	}
	return out, nil
}

// appendDebugDirectory adds a single CodeView debug directory entry and its
// RSDS record to the end of .text and returns the entry's RVA.
func appendDebugDirectory(text []byte) ([]byte, uint32, error) {
	for len(text)%4 != 0 {
		text = append(text, 0)
	}
	entryAt := len(text)
	codeView := append([]byte("RSDS"), make([]byte, 20)...) // GUID, age
	codeView = append(codeView, "Sample.pdb\x00"...)
	text = append(text, make([]byte, debugEntryLen)...)
	text = append(text, codeView...)

	entryRVA, err := safecast.Conv[uint32](TextRVA + entryAt)
	if err != nil {
		return nil, 0, fmt.Errorf("debug directory: %w", err)
	}
	entry := text[entryAt:]
	binary.LittleEndian.PutUint32(entry[12:], 2) // IMAGE_DEBUG_TYPE_CODEVIEW
	binary.LittleEndian.PutUint32(entry[16:], uint32(len(codeView)))
	binary.LittleEndian.PutUint32(entry[20:], entryRVA+debugEntryLen) // AddressOfRawData
	return text, entryRVA, nil
}
