package metadata

import "fmt"

// TableID identifies one of the metadata tables of the #~ stream.
type TableID uint8

const (
	TableModule                 TableID = 0x00
	TableTypeRef                TableID = 0x01
	TableTypeDef                TableID = 0x02
	TableFieldPtr               TableID = 0x03
	TableField                  TableID = 0x04
	TableMethodPtr              TableID = 0x05
	TableMethodDef              TableID = 0x06
	TableParamPtr               TableID = 0x07
	TableParam                  TableID = 0x08
	TableInterfaceImpl          TableID = 0x09
	TableMemberRef              TableID = 0x0a
	TableConstant               TableID = 0x0b
	TableCustomAttribute        TableID = 0x0c
	TableFieldMarshal           TableID = 0x0d
	TableDeclSecurity           TableID = 0x0e
	TableClassLayout            TableID = 0x0f
	TableFieldLayout            TableID = 0x10
	TableStandAloneSig          TableID = 0x11
	TableEventMap               TableID = 0x12
	TableEventPtr               TableID = 0x13
	TableEvent                  TableID = 0x14
	TablePropertyMap            TableID = 0x15
	TablePropertyPtr            TableID = 0x16
	TableProperty               TableID = 0x17
	TableMethodSemantics        TableID = 0x18
	TableMethodImpl             TableID = 0x19
	TableModuleRef              TableID = 0x1a
	TableTypeSpec               TableID = 0x1b
	TableImplMap                TableID = 0x1c
	TableFieldRVA               TableID = 0x1d
	TableEncLog                 TableID = 0x1e
	TableEncMap                 TableID = 0x1f
	TableAssembly               TableID = 0x20
	TableAssemblyProcessor      TableID = 0x21
	TableAssemblyOS             TableID = 0x22
	TableAssemblyRef            TableID = 0x23
	TableAssemblyRefProcessor   TableID = 0x24
	TableAssemblyRefOS          TableID = 0x25
	TableFile                   TableID = 0x26
	TableExportedType           TableID = 0x27
	TableManifestResource       TableID = 0x28
	TableNestedClass            TableID = 0x29
	TableGenericParam           TableID = 0x2a
	TableMethodSpec             TableID = 0x2b
	TableGenericParamConstraint TableID = 0x2c

	tableCount = 0x2d
)

var tableNames = [tableCount]string{
	"Module", "TypeRef", "TypeDef", "FieldPtr", "Field", "MethodPtr", "MethodDef",
	"ParamPtr", "Param", "InterfaceImpl", "MemberRef", "Constant", "CustomAttribute",
	"FieldMarshal", "DeclSecurity", "ClassLayout", "FieldLayout", "StandAloneSig",
	"EventMap", "EventPtr", "Event", "PropertyMap", "PropertyPtr", "Property",
	"MethodSemantics", "MethodImpl", "ModuleRef", "TypeSpec", "ImplMap", "FieldRVA",
	"EncLog", "EncMap", "Assembly", "AssemblyProcessor", "AssemblyOS", "AssemblyRef",
	"AssemblyRefProcessor", "AssemblyRefOS", "File", "ExportedType", "ManifestResource",
	"NestedClass", "GenericParam", "MethodSpec", "GenericParamConstraint",
}

func (id TableID) String() string {
	if int(id) < len(tableNames) {
		return tableNames[id]
	}
	return fmt.Sprintf("Table(0x%02x)", uint8(id))
}

// Column positions inside rows of the tables the patcher reads or writes.
const (
	ModuleGeneration = 0
	ModuleName       = 1
	ModuleMvid       = 2

	TypeRefResolutionScope = 0
	TypeRefName            = 1
	TypeRefNamespace       = 2

	TypeDefFlags      = 0
	TypeDefName       = 1
	TypeDefNamespace  = 2
	TypeDefExtends    = 3
	TypeDefFieldList  = 4
	TypeDefMethodList = 5

	FieldFlags     = 0
	FieldName      = 1
	FieldSignature = 2

	MethodDefRVA       = 0
	MethodDefImplFlags = 1
	MethodDefFlags     = 2
	MethodDefName      = 3
	MethodDefSignature = 4
	MethodDefParamList = 5

	ParamFlags    = 0
	ParamSequence = 1
	ParamName     = 2

	MemberRefClass     = 0
	MemberRefName      = 1
	MemberRefSignature = 2

	CustomAttributeParent = 0
	CustomAttributeType   = 1
	CustomAttributeValue  = 2

	StandAloneSigSignature = 0

	NestedClassNested    = 0
	NestedClassEnclosing = 1

	AssemblyRefMajor     = 0
	AssemblyRefMinor     = 1
	AssemblyRefBuild     = 2
	AssemblyRefRevision  = 3
	AssemblyRefFlags     = 4
	AssemblyRefPublicKey = 5
	AssemblyRefName      = 6
	AssemblyRefCulture   = 7
	AssemblyRefHashValue = 8
)

type columnKind uint8

const (
	kindU16 columnKind = iota
	kindU32
	kindString
	kindGUID
	kindBlob
	kindIndex
	kindCoded
)

type column struct {
	name  string
	kind  columnKind
	table TableID
	coded CodedIndex
}

func u16(name string) column                 { return column{name: name, kind: kindU16} }
func u32(name string) column                 { return column{name: name, kind: kindU32} }
func str(name string) column                 { return column{name: name, kind: kindString} }
func guid(name string) column                { return column{name: name, kind: kindGUID} }
func blob(name string) column                { return column{name: name, kind: kindBlob} }
func index(name string, t TableID) column    { return column{name: name, kind: kindIndex, table: t} }
func coded(name string, c CodedIndex) column { return column{name: name, kind: kindCoded, coded: c} }

// Constant.Type is a single byte followed by a padding byte; it is read as a
// u16 whose high byte is always zero.
var schemas = [tableCount][]column{
	TableModule:                 {u16("Generation"), str("Name"), guid("Mvid"), guid("EncId"), guid("EncBaseId")},
	TableTypeRef:                {coded("ResolutionScope", ResolutionScope), str("TypeName"), str("TypeNamespace")},
	TableTypeDef:                {u32("Flags"), str("TypeName"), str("TypeNamespace"), coded("Extends", TypeDefOrRef), index("FieldList", TableField), index("MethodList", TableMethodDef)},
	TableFieldPtr:               {index("Field", TableField)},
	TableField:                  {u16("Flags"), str("Name"), blob("Signature")},
	TableMethodPtr:              {index("Method", TableMethodDef)},
	TableMethodDef:              {u32("RVA"), u16("ImplFlags"), u16("Flags"), str("Name"), blob("Signature"), index("ParamList", TableParam)},
	TableParamPtr:               {index("Param", TableParam)},
	TableParam:                  {u16("Flags"), u16("Sequence"), str("Name")},
	TableInterfaceImpl:          {index("Class", TableTypeDef), coded("Interface", TypeDefOrRef)},
	TableMemberRef:              {coded("Class", MemberRefParent), str("Name"), blob("Signature")},
	TableConstant:               {u16("Type"), coded("Parent", HasConstant), blob("Value")},
	TableCustomAttribute:        {coded("Parent", HasCustomAttribute), coded("Type", CustomAttributeTypeIndex), blob("Value")},
	TableFieldMarshal:           {coded("Parent", HasFieldMarshal), blob("NativeType")},
	TableDeclSecurity:           {u16("Action"), coded("Parent", HasDeclSecurity), blob("PermissionSet")},
	TableClassLayout:            {u16("PackingSize"), u32("ClassSize"), index("Parent", TableTypeDef)},
	TableFieldLayout:            {u32("Offset"), index("Field", TableField)},
	TableStandAloneSig:          {blob("Signature")},
	TableEventMap:               {index("Parent", TableTypeDef), index("EventList", TableEvent)},
	TableEventPtr:               {index("Event", TableEvent)},
	TableEvent:                  {u16("EventFlags"), str("Name"), coded("EventType", TypeDefOrRef)},
	TablePropertyMap:            {index("Parent", TableTypeDef), index("PropertyList", TableProperty)},
	TablePropertyPtr:            {index("Property", TableProperty)},
	TableProperty:               {u16("Flags"), str("Name"), blob("Type")},
	TableMethodSemantics:        {u16("Semantics"), index("Method", TableMethodDef), coded("Association", HasSemantics)},
	TableMethodImpl:             {index("Class", TableTypeDef), coded("MethodBody", MethodDefOrRef), coded("MethodDeclaration", MethodDefOrRef)},
	TableModuleRef:              {str("Name")},
	TableTypeSpec:               {blob("Signature")},
	TableImplMap:                {u16("MappingFlags"), coded("MemberForwarded", MemberForwarded), str("ImportName"), index("ImportScope", TableModuleRef)},
	TableFieldRVA:               {u32("RVA"), index("Field", TableField)},
	TableEncLog:                 {u32("Token"), u32("FuncCode")},
	TableEncMap:                 {u32("Token")},
	TableAssembly:               {u32("HashAlgId"), u16("MajorVersion"), u16("MinorVersion"), u16("BuildNumber"), u16("RevisionNumber"), u32("Flags"), blob("PublicKey"), str("Name"), str("Culture")},
	TableAssemblyProcessor:      {u32("Processor")},
	TableAssemblyOS:             {u32("OSPlatformID"), u32("OSMajorVersion"), u32("OSMinorVersion")},
	TableAssemblyRef:            {u16("MajorVersion"), u16("MinorVersion"), u16("BuildNumber"), u16("RevisionNumber"), u32("Flags"), blob("PublicKeyOrToken"), str("Name"), str("Culture"), blob("HashValue")},
	TableAssemblyRefProcessor:   {u32("Processor"), index("AssemblyRef", TableAssemblyRef)},
	TableAssemblyRefOS:          {u32("OSPlatformID"), u32("OSMajorVersion"), u32("OSMinorVersion"), index("AssemblyRef", TableAssemblyRef)},
	TableFile:                   {u32("Flags"), str("Name"), blob("HashValue")},
	TableExportedType:           {u32("Flags"), u32("TypeDefId"), str("TypeName"), str("TypeNamespace"), coded("Implementation", Implementation)},
	TableManifestResource:       {u32("Offset"), u32("Flags"), str("Name"), coded("Implementation", Implementation)},
	TableNestedClass:            {index("NestedClass", TableTypeDef), index("EnclosingClass", TableTypeDef)},
	TableGenericParam:           {u16("Number"), u16("Flags"), coded("Owner", TypeOrMethodDef), str("Name")},
	TableMethodSpec:             {coded("Method", MethodDefOrRef), blob("Instantiation")},
	TableGenericParamConstraint: {index("Owner", TableGenericParam), coded("Constraint", TypeDefOrRef)},
}

// Columns returns the number of columns of a table row.
func (id TableID) Columns() int {
	if int(id) >= tableCount {
		return 0
	}
	return len(schemas[id])
}

// Row is one table row; every column value is widened to uint32.
type Row []uint32

// Table holds the rows of one metadata table in file order.
type Table struct {
	ID   TableID
	Rows []Row
}

// Len returns the number of rows.
func (table *Table) Len() int {
	if table == nil {
		return 0
	}
	return len(table.Rows)
}

// Get returns row rid (one-based).
func (table *Table) Get(rid uint32) (Row, error) {
	if table == nil || rid == 0 || int(rid) > len(table.Rows) {
		return nil, fmt.Errorf("%w: %s row %d", ErrBadIndex, tableName(table), rid)
	}
	return table.Rows[rid-1], nil
}

func (table *Table) clone() *Table {
	rows := make([]Row, len(table.Rows))
	copy(rows, table.Rows)
	return &Table{ID: table.ID, Rows: rows}
}

func tableName(table *Table) string {
	if table == nil {
		return "<absent table>"
	}
	return table.ID.String()
}
