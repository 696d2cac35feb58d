package metadata

import (
	"bytes"
	"fmt"

	"fortio.org/safecast"
)

// ReadCompressedUint decodes an ECMA-335 compressed unsigned integer and
// returns the value and the number of bytes consumed.
func ReadCompressedUint(data []byte) (uint32, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("%w: truncated compressed integer", ErrMalformed)
	}
	b0 := data[0]
	switch {
	case b0&0x80 == 0:
		return uint32(b0), 1, nil
	case b0&0xc0 == 0x80:
		if len(data) < 2 {
			return 0, 0, fmt.Errorf("%w: truncated compressed integer", ErrMalformed)
		}
		return uint32(b0&0x3f)<<8 | uint32(data[1]), 2, nil
	case b0&0xe0 == 0xc0:
		if len(data) < 4 {
			return 0, 0, fmt.Errorf("%w: truncated compressed integer", ErrMalformed)
		}
		return uint32(b0&0x1f)<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]), 4, nil
	}
	return 0, 0, fmt.Errorf("%w: invalid compressed integer lead byte 0x%02x", ErrMalformed, b0)
}

// AppendCompressedUint appends the compressed encoding of value.
func AppendCompressedUint(dst []byte, value uint32) ([]byte, error) {
	switch {
	case value < 0x80:
		return append(dst, byte(value)), nil
	case value < 0x4000:
		return append(dst, byte(value>>8)|0x80, byte(value)), nil
	case value < 0x20000000:
		return append(dst, byte(value>>24)|0xc0, byte(value>>16), byte(value>>8), byte(value)), nil
	}
	return dst, fmt.Errorf("%w: %d does not fit a compressed integer", ErrUnsupported, value)
}

// ReadCompressedInt decodes a compressed signed integer (II.23.2).
func ReadCompressedInt(data []byte) (int32, int, error) {
	raw, n, err := ReadCompressedUint(data)
	if err != nil {
		return 0, 0, err
	}
	value := int32(raw >> 1)
	if raw&1 == 0 {
		return value, n, nil
	}
	switch n {
	case 1:
		return value - 0x40, n, nil
	case 2:
		return value - 0x2000, n, nil
	}
	return value - 0x10000000, n, nil
}

// AppendCompressedInt appends the compressed encoding of a signed value.
// Negative values must keep the width of their range, so they are written
// with an explicit length rather than through AppendCompressedUint.
func AppendCompressedInt(dst []byte, value int32) ([]byte, error) {
	switch {
	case value >= 0 && value < 0x10000000:
		return AppendCompressedUint(dst, uint32(value)<<1)
	case value < 0 && value >= -0x40:
		return append(dst, byte(uint32(value+0x40)<<1|1)), nil
	case value < 0 && value >= -0x2000:
		encoded := uint32(value+0x2000)<<1 | 1
		return append(dst, byte(encoded>>8)|0x80, byte(encoded)), nil
	case value < 0 && value >= -0x10000000:
		encoded := uint32(value+0x10000000)<<1 | 1
		return append(dst, byte(encoded>>24)|0xc0, byte(encoded>>16), byte(encoded>>8), byte(encoded)), nil
	}
	return dst, fmt.Errorf("%w: %d does not fit a compressed integer", ErrUnsupported, value)
}

// StringHeap is the #Strings heap: NUL-terminated UTF-8 strings addressed by
// byte offset.
type StringHeap struct {
	data  []byte
	added map[string]uint32
}

// NewStringHeap returns a heap holding only the empty string.
func NewStringHeap() *StringHeap {
	return &StringHeap{data: []byte{0}}
}

func newStringHeap(data []byte) *StringHeap {
	if len(data) == 0 {
		return NewStringHeap()
	}
	return &StringHeap{data: bytes.Clone(data)}
}

// Get returns the string starting at offset idx.
func (heap *StringHeap) Get(idx uint32) (string, error) {
	if int(idx) >= len(heap.data) {
		return "", fmt.Errorf("%w: #Strings offset 0x%x", ErrBadIndex, idx)
	}
	end := bytes.IndexByte(heap.data[idx:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at 0x%x", ErrMalformed, idx)
	}
	return string(heap.data[idx : int(idx)+end]), nil
}

// Add appends s and returns its offset. The empty string is always 0.
func (heap *StringHeap) Add(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	if idx, ok := heap.added[s]; ok {
		return idx, nil
	}
	idx, err := safecast.Conv[uint32](len(heap.data))
	if err != nil {
		return 0, fmt.Errorf("#Strings heap overflow: %w", err)
	}
	heap.data = append(heap.data, s...)
	heap.data = append(heap.data, 0)
	if heap.added == nil {
		heap.added = make(map[string]uint32)
	}
	heap.added[s] = idx
	return idx, nil
}

// Len returns the heap size in bytes.
func (heap *StringHeap) Len() int {
	return len(heap.data)
}

// BlobHeap is the #Blob heap: length-prefixed byte strings.
type BlobHeap struct {
	data  []byte
	added map[string]uint32
}

// NewBlobHeap returns a heap holding only the empty blob.
func NewBlobHeap() *BlobHeap {
	return &BlobHeap{data: []byte{0}}
}

func newBlobHeap(data []byte) *BlobHeap {
	if len(data) == 0 {
		return NewBlobHeap()
	}
	return &BlobHeap{data: bytes.Clone(data)}
}

// Get returns the blob at offset idx.
func (heap *BlobHeap) Get(idx uint32) ([]byte, error) {
	if int(idx) >= len(heap.data) {
		return nil, fmt.Errorf("%w: #Blob offset 0x%x", ErrBadIndex, idx)
	}
	size, n, err := ReadCompressedUint(heap.data[idx:])
	if err != nil {
		return nil, err
	}
	start := int(idx) + n
	end := start + int(size)
	if end > len(heap.data) {
		return nil, fmt.Errorf("%w: blob at 0x%x overruns the heap", ErrMalformed, idx)
	}
	return heap.data[start:end:end], nil
}

// Add appends blob and returns its offset. Identical blobs added through the
// same heap share one entry.
func (heap *BlobHeap) Add(blob []byte) (uint32, error) {
	if len(blob) == 0 {
		return 0, nil
	}
	if idx, ok := heap.added[string(blob)]; ok {
		return idx, nil
	}
	idx, err := safecast.Conv[uint32](len(heap.data))
	if err != nil {
		return 0, fmt.Errorf("#Blob heap overflow: %w", err)
	}
	size, err := safecast.Conv[uint32](len(blob))
	if err != nil {
		return 0, fmt.Errorf("blob too large: %w", err)
	}
	heap.data, err = AppendCompressedUint(heap.data, size)
	if err != nil {
		return 0, err
	}
	heap.data = append(heap.data, blob...)
	if heap.added == nil {
		heap.added = make(map[string]uint32)
	}
	heap.added[string(blob)] = idx
	return idx, nil
}

// Len returns the heap size in bytes.
func (heap *BlobHeap) Len() int {
	return len(heap.data)
}

// GUID is one 16-byte #GUID heap entry.
type GUID [16]byte

// GUIDHeap is the #GUID heap, addressed by one-based entry number.
type GUIDHeap struct {
	entries []GUID
}

func newGUIDHeap(data []byte) (*GUIDHeap, error) {
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("%w: #GUID heap size %d is not a multiple of 16", ErrMalformed, len(data))
	}
	heap := &GUIDHeap{entries: make([]GUID, len(data)/16)}
	for i := range heap.entries {
		copy(heap.entries[i][:], data[i*16:])
	}
	return heap, nil
}

// Get returns entry idx; zero is the null GUID.
func (heap *GUIDHeap) Get(idx uint32) (GUID, error) {
	if idx == 0 {
		return GUID{}, nil
	}
	if int(idx) > len(heap.entries) {
		return GUID{}, fmt.Errorf("%w: #GUID entry %d", ErrBadIndex, idx)
	}
	return heap.entries[idx-1], nil
}

// Add appends g and returns its one-based entry number.
func (heap *GUIDHeap) Add(g GUID) (uint32, error) {
	heap.entries = append(heap.entries, g)
	return safecast.Conv[uint32](len(heap.entries))
}

// Len returns the heap size in bytes.
func (heap *GUIDHeap) Len() int {
	return len(heap.entries) * 16
}

func (heap *GUIDHeap) bytes() []byte {
	out := make([]byte, 0, heap.Len())
	for _, g := range heap.entries {
		out = append(out, g[:]...)
	}
	return out
}
