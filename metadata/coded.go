package metadata

import "fmt"

// CodedIndex is one of the tagged-union index kinds of ECMA-335 II.24.2.6.
type CodedIndex uint8

const (
	TypeDefOrRef CodedIndex = iota
	HasConstant
	HasCustomAttribute
	HasFieldMarshal
	HasDeclSecurity
	MemberRefParent
	HasSemantics
	MethodDefOrRef
	MemberForwarded
	Implementation
	CustomAttributeTypeIndex
	ResolutionScope
	TypeOrMethodDef
)

// noTable marks tag values that are reserved and never used.
const noTable TableID = 0xff

type codedInfo struct {
	name   string
	bits   uint
	tables []TableID
}

var codedIndices = [...]codedInfo{
	TypeDefOrRef:    {"TypeDefOrRef", 2, []TableID{TableTypeDef, TableTypeRef, TableTypeSpec}},
	HasConstant:     {"HasConstant", 2, []TableID{TableField, TableParam, TableProperty}},
	HasCustomAttribute: {"HasCustomAttribute", 5, []TableID{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam, TableInterfaceImpl,
		TableMemberRef, TableModule, TableDeclSecurity, TableProperty, TableEvent, TableStandAloneSig,
		TableModuleRef, TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile, TableExportedType,
		TableManifestResource, TableGenericParam, TableGenericParamConstraint, TableMethodSpec,
	}},
	HasFieldMarshal:          {"HasFieldMarshal", 1, []TableID{TableField, TableParam}},
	HasDeclSecurity:          {"HasDeclSecurity", 2, []TableID{TableTypeDef, TableMethodDef, TableAssembly}},
	MemberRefParent:          {"MemberRefParent", 3, []TableID{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}},
	HasSemantics:             {"HasSemantics", 1, []TableID{TableEvent, TableProperty}},
	MethodDefOrRef:           {"MethodDefOrRef", 1, []TableID{TableMethodDef, TableMemberRef}},
	MemberForwarded:          {"MemberForwarded", 1, []TableID{TableField, TableMethodDef}},
	Implementation:           {"Implementation", 2, []TableID{TableFile, TableAssemblyRef, TableExportedType}},
	CustomAttributeTypeIndex: {"CustomAttributeType", 3, []TableID{noTable, noTable, TableMethodDef, TableMemberRef, noTable}},
	ResolutionScope:          {"ResolutionScope", 2, []TableID{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}},
	TypeOrMethodDef:          {"TypeOrMethodDef", 1, []TableID{TableTypeDef, TableMethodDef}},
}

func (ci CodedIndex) String() string {
	if int(ci) < len(codedIndices) {
		return codedIndices[ci].name
	}
	return fmt.Sprintf("CodedIndex(%d)", uint8(ci))
}

// Decode splits a coded index value into a token. A zero row id decodes to
// the nil token of the tagged table.
func (ci CodedIndex) Decode(value uint32) (Token, error) {
	info := codedIndices[ci]
	tag := value & (1<<info.bits - 1)
	if int(tag) >= len(info.tables) || info.tables[tag] == noTable {
		return 0, fmt.Errorf("%w: %s tag %d", ErrBadIndex, info.name, tag)
	}
	return NewToken(info.tables[tag], value>>info.bits), nil
}

// Encode packs a token into a coded index value.
func (ci CodedIndex) Encode(tok Token) (uint32, error) {
	info := codedIndices[ci]
	for tag, table := range info.tables {
		if table == tok.Table() {
			return tok.RID()<<info.bits | uint32(tag), nil
		}
	}
	return 0, fmt.Errorf("%w: %s cannot reference %s", ErrBadIndex, info.name, tok.Table())
}

// wide reports whether the coded index needs four bytes given row counts.
func (ci CodedIndex) wide(rows *[tableCount]int) bool {
	info := codedIndices[ci]
	limit := 1 << (16 - info.bits)
	for _, table := range info.tables {
		if table == noTable {
			continue
		}
		if rows[table] >= limit {
			return true
		}
	}
	return false
}
