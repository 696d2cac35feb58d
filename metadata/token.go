package metadata

import "fmt"

// Token is a metadata token: the table id in the high byte and a one-based
// row id in the low 24 bits.
type Token uint32

// NewToken builds a token for row rid of table.
func NewToken(table TableID, rid uint32) Token {
	return Token(uint32(table)<<24 | rid&0x00ffffff)
}

// Table returns the table the token points into.
func (tok Token) Table() TableID {
	return TableID(tok >> 24)
}

// RID returns the one-based row id. Zero is the null reference.
func (tok Token) RID() uint32 {
	return uint32(tok) & 0x00ffffff
}

// IsNil reports whether the token references no row.
func (tok Token) IsNil() bool {
	return tok.RID() == 0
}

func (tok Token) String() string {
	return fmt.Sprintf("%s[0x%06x]", tok.Table(), tok.RID())
}
