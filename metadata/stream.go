package metadata

import (
	"bytes"
	"fmt"

	"fortio.org/safecast"
)

const (
	heapStringsWide = 0x01
	heapGUIDWide    = 0x02
	heapBlobWide    = 0x04
	heapExtraData   = 0x40
)

// SortedTables is the set of tables ECMA-335 requires to be sorted.
const SortedTables uint64 = 0x000016003301fa00

type layout struct {
	heapSizes uint8
	rows      [tableCount]int
}

func (l *layout) width(c column) int {
	switch c.kind {
	case kindU16:
		return 2
	case kindU32:
		return 4
	case kindString:
		if l.heapSizes&heapStringsWide != 0 {
			return 4
		}
		return 2
	case kindGUID:
		if l.heapSizes&heapGUIDWide != 0 {
			return 4
		}
		return 2
	case kindBlob:
		if l.heapSizes&heapBlobWide != 0 {
			return 4
		}
		return 2
	case kindIndex:
		if l.rows[c.table] >= 1<<16 {
			return 4
		}
		return 2
	case kindCoded:
		if c.coded.wide(&l.rows) {
			return 4
		}
		return 2
	}
	return 0
}

func (md *Metadata) parseTables(data []byte) error {
	r := reader{data: data}
	_ = r.u32() // reserved
	md.TablesMajor = r.u8()
	md.TablesMinor = r.u8()
	heapSizes := r.u8()
	_ = r.u8() // reserved
	valid := r.u64()
	md.Sorted = r.u64()
	if r.err != nil {
		return r.err
	}

	l := layout{heapSizes: heapSizes}
	for id := 0; id < 64; id++ {
		if valid&(1<<id) == 0 {
			continue
		}
		if id >= tableCount {
			return fmt.Errorf("%w: table 0x%02x present in #~", ErrUnsupported, id)
		}
		l.rows[id] = int(r.u32())
	}
	if heapSizes&heapExtraData != 0 {
		_ = r.u32()
	}
	if r.err != nil {
		return r.err
	}

	for id := range md.tables {
		table := &Table{ID: TableID(id)}
		md.tables[id] = table
		count := l.rows[id]
		if count == 0 {
			continue
		}
		cols := schemas[id]
		table.Rows = make([]Row, count)
		for i := 0; i < count; i++ {
			row := make(Row, len(cols))
			for c, col := range cols {
				if l.width(col) == 4 {
					row[c] = r.u32()
				} else {
					row[c] = uint32(r.u16())
				}
			}
			if r.err != nil {
				return fmt.Errorf("%s row %d: %w", TableID(id), i+1, r.err)
			}
			table.Rows[i] = row
		}
	}
	return nil
}

func (md *Metadata) encodeTables() ([]byte, error) {
	var l layout
	if md.Strings.Len() >= 1<<16 {
		l.heapSizes |= heapStringsWide
	}
	if len(md.GUID.entries) >= 1<<16 {
		l.heapSizes |= heapGUIDWide
	}
	if md.Blob.Len() >= 1<<16 {
		l.heapSizes |= heapBlobWide
	}

	var valid uint64
	for id, table := range md.tables {
		l.rows[id] = table.Len()
		if l.rows[id] > 0 {
			valid |= 1 << id
		}
	}

	var out bytes.Buffer
	w := writer{buf: &out}
	w.u32(0)
	w.u8(md.TablesMajor)
	w.u8(md.TablesMinor)
	w.u8(l.heapSizes)
	w.u8(1)
	w.u64(valid)
	w.u64(md.Sorted)
	for id := range md.tables {
		if l.rows[id] == 0 {
			continue
		}
		count, err := safecast.Conv[uint32](l.rows[id])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", TableID(id), err)
		}
		w.u32(count)
	}

	for id, table := range md.tables {
		cols := schemas[id]
		for i, row := range table.Rows {
			if len(row) != len(cols) {
				return nil, fmt.Errorf("%w: %s row %d has %d columns", ErrMalformed, TableID(id), i+1, len(row))
			}
			for c, col := range cols {
				if l.width(col) == 4 {
					w.u32(row[c])
					continue
				}
				if row[c] > 0xffff {
					return nil, fmt.Errorf("%w: %s row %d column %s value 0x%x exceeds its width", ErrBadIndex, TableID(id), i+1, col.name, row[c])
				}
				w.u16(uint16(row[c]))
			}
		}
	}
	return out.Bytes(), nil
}
