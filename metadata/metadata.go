// Package metadata reads and writes the physical ECMA-335 metadata of a CLI
// module: the metadata root, its streams and heaps, and the #~ tables.
package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

const (
	rootSignature = 0x424a5342 // "BSJB"

	streamTables     = "#~"
	streamUncompress = "#-"
	streamStrings    = "#Strings"
	streamUserString = "#US"
	streamGUID       = "#GUID"
	streamBlob       = "#Blob"
)

// DefaultVersion is the runtime version string written by current compilers.
const DefaultVersion = "v4.0.30319"

// Metadata is a parsed metadata root. Tables and heaps are mutable; Encode
// lays everything out again with index widths derived from the final sizes.
type Metadata struct {
	MajorVersion uint16
	MinorVersion uint16
	Version      string
	Flags        uint16

	TablesMajor uint8
	TablesMinor uint8
	Sorted      uint64

	Strings     *StringHeap
	Blob        *BlobHeap
	GUID        *GUIDHeap
	UserStrings []byte

	tables  [tableCount]*Table
	streams []stream
}

type stream struct {
	name string
	data []byte
}

// New returns empty metadata with the standard stream set.
func New(version string) *Metadata {
	md := &Metadata{
		MajorVersion: 1,
		MinorVersion: 1,
		Version:      version,
		TablesMajor:  2,
		Strings:      NewStringHeap(),
		Blob:         NewBlobHeap(),
		GUID:         &GUIDHeap{},
		UserStrings:  []byte{0},
		streams: []stream{
			{name: streamTables}, {name: streamStrings}, {name: streamUserString},
			{name: streamGUID}, {name: streamBlob},
		},
	}
	for id := range md.tables {
		md.tables[id] = &Table{ID: TableID(id)}
	}
	return md
}

// Parse decodes a metadata root and every stream it declares.
func Parse(data []byte) (*Metadata, error) {
	r := reader{data: data}
	if sig := r.u32(); sig != rootSignature {
		return nil, fmt.Errorf("%w: bad metadata signature 0x%08x", ErrMalformed, sig)
	}
	md := &Metadata{}
	md.MajorVersion = r.u16()
	md.MinorVersion = r.u16()
	_ = r.u32() // reserved
	versionLen := int(r.u32())
	version := r.bytes(versionLen)
	if r.err != nil {
		return nil, r.err
	}
	if end := bytes.IndexByte(version, 0); end >= 0 {
		version = version[:end]
	}
	md.Version = string(version)
	md.Flags = r.u16()
	count := int(r.u16())

	var tablesData []byte
	for i := 0; i < count; i++ {
		offset := int(r.u32())
		size := int(r.u32())
		name := r.paddedName()
		if r.err != nil {
			return nil, r.err
		}
		if offset < 0 || size < 0 || offset+size > len(data) {
			return nil, fmt.Errorf("%w: stream %q lies outside the metadata", ErrMalformed, name)
		}
		body := data[offset : offset+size]
		md.streams = append(md.streams, stream{name: name, data: bytes.Clone(body)})

		switch name {
		case streamTables:
			tablesData = body
		case streamUncompress:
			return nil, fmt.Errorf("%w: uncompressed %s table stream", ErrUnsupported, name)
		case streamStrings:
			md.Strings = newStringHeap(body)
		case streamBlob:
			md.Blob = newBlobHeap(body)
		case streamGUID:
			heap, err := newGUIDHeap(body)
			if err != nil {
				return nil, err
			}
			md.GUID = heap
		case streamUserString:
			md.UserStrings = bytes.Clone(body)
		}
	}
	if tablesData == nil {
		return nil, fmt.Errorf("%w: no %s stream", ErrMalformed, streamTables)
	}
	if md.Strings == nil {
		md.Strings = NewStringHeap()
	}
	if md.Blob == nil {
		md.Blob = NewBlobHeap()
	}
	if md.GUID == nil {
		md.GUID = &GUIDHeap{}
	}
	if err := md.parseTables(tablesData); err != nil {
		return nil, err
	}
	return md, nil
}

// Table returns the table with the given id; absent tables are empty.
func (md *Metadata) Table(id TableID) *Table {
	return md.tables[id]
}

// Row returns the row a token points at.
func (md *Metadata) Row(tok Token) (Row, error) {
	if int(tok.Table()) >= tableCount {
		return nil, fmt.Errorf("%w: token %s", ErrBadIndex, tok)
	}
	return md.tables[tok.Table()].Get(tok.RID())
}

// AddRow appends a row to a table and returns its token.
func (md *Metadata) AddRow(id TableID, row Row) (Token, error) {
	if len(row) != id.Columns() {
		return 0, fmt.Errorf("%w: %s row has %d columns, want %d", ErrMalformed, id, len(row), id.Columns())
	}
	table := md.tables[id]
	table.Rows = append(table.Rows, row)
	rid, err := safecast.Conv[uint32](len(table.Rows))
	if err != nil || rid > 0x00ffffff {
		return 0, fmt.Errorf("%w: %s table is full", ErrUnsupported, id)
	}
	return NewToken(id, rid), nil
}

// Clone returns a copy whose tables can be edited without touching md.
// Rows themselves are shared; replace a row rather than mutating it.
func (md *Metadata) Clone() *Metadata {
	out := *md
	for id, table := range md.tables {
		out.tables[id] = table.clone()
	}
	return &out
}

// String returns a string heap entry.
func (md *Metadata) String(idx uint32) (string, error) {
	return md.Strings.Get(idx)
}

// Encode lays out the metadata root, stream headers and streams.
func (md *Metadata) Encode() ([]byte, error) {
	tables, err := md.encodeTables()
	if err != nil {
		return nil, err
	}

	bodies := make([][]byte, len(md.streams))
	for i, s := range md.streams {
		switch s.name {
		case streamTables:
			bodies[i] = tables
		case streamStrings:
			bodies[i] = md.Strings.data
		case streamBlob:
			bodies[i] = md.Blob.data
		case streamGUID:
			bodies[i] = md.GUID.bytes()
		case streamUserString:
			bodies[i] = md.UserStrings
		default:
			bodies[i] = s.data
		}
	}

	version := append([]byte(md.Version), 0)
	version = pad4(version)

	headerSize := 16 + len(version) + 4
	for _, s := range md.streams {
		headerSize += 8 + len(pad4(append([]byte(s.name), 0)))
	}

	var out bytes.Buffer
	w := writer{buf: &out}
	w.u32(rootSignature)
	w.u16(md.MajorVersion)
	w.u16(md.MinorVersion)
	w.u32(0)
	w.u32(uint32(len(version)))
	w.raw(version)
	w.u16(md.Flags)
	count, err := safecast.Conv[uint16](len(md.streams))
	if err != nil {
		return nil, fmt.Errorf("too many streams: %w", err)
	}
	w.u16(count)

	offset := headerSize
	for i, s := range md.streams {
		size := len(pad4(bodies[i]))
		off32, err := safecast.Conv[uint32](offset)
		if err != nil {
			return nil, fmt.Errorf("metadata too large: %w", err)
		}
		size32, err := safecast.Conv[uint32](size)
		if err != nil {
			return nil, fmt.Errorf("stream %s too large: %w", s.name, err)
		}
		w.u32(off32)
		w.u32(size32)
		w.raw(pad4(append([]byte(s.name), 0)))
		offset += size
	}
	for i := range md.streams {
		w.raw(pad4(bodies[i]))
	}
	return out.Bytes(), nil
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated at offset 0x%x", ErrMalformed, r.pos)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v
}

func (r *reader) paddedName() string {
	if r.err != nil {
		return ""
	}
	end := bytes.IndexByte(r.data[r.pos:], 0)
	if end < 0 || end > 32 {
		r.err = fmt.Errorf("%w: bad stream name at offset 0x%x", ErrMalformed, r.pos)
		return ""
	}
	name := string(r.data[r.pos : r.pos+end])
	r.pos += (end + 4) &^ 3
	if r.pos > len(r.data) {
		r.err = fmt.Errorf("%w: truncated stream header", ErrMalformed)
	}
	return name
}

type writer struct {
	buf *bytes.Buffer
}

func (w writer) u8(v uint8) { w.buf.WriteByte(v) }

func (w writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w writer) raw(b []byte) { w.buf.Write(b) }
