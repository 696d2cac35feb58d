// Package module loads a managed module, exposes its types, methods and
// annotations, and writes it back with replaced method bodies.
package module

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sliverarmory/nativepatch/metadata"
	"github.com/sliverarmory/nativepatch/peimage"
)

var (
	// ErrLoad reports a module that is missing or cannot be parsed.
	ErrLoad = errors.New("cannot load module")
	// ErrWrite reports a module that cannot be serialized or stored.
	ErrWrite = errors.New("cannot write module")
)

// Method attribute bits.
const (
	MethodStatic       uint16 = 0x0010
	MethodAbstract     uint16 = 0x0400
	MethodPInvokeImpl  uint16 = 0x2000
	FieldStatic        uint16 = 0x0010
	typeVisibilityMask uint32 = 0x7
)

// Module is a loaded managed module. It is not safe for concurrent use.
type Module struct {
	image *peimage.Image
	md    *metadata.Metadata

	types   []*Type
	methods []*Method // by MethodDef rid - 1

	bodies  map[uint32][]byte // encoded replacement bodies by MethodDef rid
	removed map[int]bool      // CustomAttribute rows (zero-based) to drop
	output  []byte
}

// Type is a TypeDef with its fields and methods in declaration order.
type Type struct {
	Namespace string
	Name      string
	Flags     uint32
	Nested    bool
	Fields    []*Field
	Methods   []*Method

	token metadata.Token
}

// Field is a field definition.
type Field struct {
	Name          string
	Flags         uint16
	Type          *metadata.Type
	DeclaringType *Type

	token metadata.Token
}

// Parameter is a declared method parameter.
type Parameter struct {
	Name     string
	Type     *metadata.Type
	Sequence int
}

// Annotation is one custom attribute applied to a method.
type Annotation struct {
	// Type is the attribute class when it is declared in this module, nil
	// otherwise.
	Type *Type
	// Constructor is the attribute constructor token (MethodDef or MemberRef).
	Constructor metadata.Token

	row int
}

// Load opens and parses the module at path.
func Load(path string) (*Module, error) {
	image, err := peimage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}
	module, err := newModule(image)
	if err != nil {
		_ = image.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}
	return module, nil
}

// Parse parses a module held in memory.
func Parse(data []byte) (*Module, error) {
	image, err := peimage.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	module, err := newModule(image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return module, nil
}

// Close releases the source image. Bytes returned for an unmodified module
// are invalid afterwards.
func (module *Module) Close() error {
	return module.image.Close()
}

// Metadata returns the live metadata. Edits through it bypass Modified.
func (module *Module) Metadata() *metadata.Metadata {
	return module.md
}

// Types returns every type in declaration order, nested ones included.
func (module *Module) Types() []*Type {
	return module.types
}

// FindType resolves a top-level type by full name, or by simple name when
// exactly one top-level type carries it.
func (module *Module) FindType(name string) *Type {
	var match *Type
	for _, typ := range module.types {
		if typ.Nested {
			continue
		}
		if typ.FullName() == name {
			return typ
		}
		if typ.Name == name && !strings.Contains(name, ".") {
			if match != nil {
				return nil
			}
			match = typ
		}
	}
	return match
}

// Modified reports whether Write would produce different bytes than the
// input.
func (module *Module) Modified() bool {
	return len(module.bodies) > 0 || len(module.removed) > 0
}

// Token returns the TypeDef token.
func (typ *Type) Token() metadata.Token { return typ.token }

// FullName returns Namespace.Name.
func (typ *Type) FullName() string {
	if typ.Namespace == "" {
		return typ.Name
	}
	return typ.Namespace + "." + typ.Name
}

// Field returns the field named name, or nil.
func (typ *Type) Field(name string) *Field {
	for _, field := range typ.Fields {
		if field.Name == name {
			return field
		}
	}
	return nil
}

// Token returns the Field token.
func (field *Field) Token() metadata.Token { return field.token }

// IsStatic reports whether the field is static.
func (field *Field) IsStatic() bool { return field.Flags&FieldStatic != 0 }

// IsByRef reports whether the parameter is passed by reference.
func (param *Parameter) IsByRef() bool { return param.Type.IsByRef() }

func newModule(image *peimage.Image) (*Module, error) {
	md, err := metadata.Parse(image.Metadata())
	if err != nil {
		return nil, err
	}
	module := &Module{
		image:   image,
		md:      md,
		bodies:  map[uint32][]byte{},
		removed: map[int]bool{},
	}
	if err := module.loadTypes(); err != nil {
		return nil, err
	}
	if err := module.loadAnnotations(); err != nil {
		return nil, err
	}
	return module, nil
}

// listRange returns the [start, end) rids owned by row i of a table whose
// column col is a list index into a target table of n rows.
func listRange(rows []metadata.Row, i, col, n int) (uint32, uint32) {
	start := rows[i][col]
	end := uint32(n) + 1
	if i+1 < len(rows) {
		end = rows[i+1][col]
	}
	start = max(start, 1)
	end = min(end, uint32(n)+1)
	return start, max(start, end)
}

func (module *Module) loadTypes() error {
	md := module.md
	typeDefs := md.Table(metadata.TableTypeDef).Rows
	fields := md.Table(metadata.TableField).Rows
	methodDefs := md.Table(metadata.TableMethodDef).Rows
	params := md.Table(metadata.TableParam).Rows
	module.methods = make([]*Method, len(methodDefs))

	nested := map[uint32]bool{}
	for _, row := range md.Table(metadata.TableNestedClass).Rows {
		nested[row[metadata.NestedClassNested]] = true
	}

	for i, row := range typeDefs {
		rid := uint32(i + 1)
		typ := &Type{
			Flags:  row[metadata.TypeDefFlags],
			Nested: nested[rid] || row[metadata.TypeDefFlags]&typeVisibilityMask > 1,
			token:  metadata.NewToken(metadata.TableTypeDef, rid),
		}
		var err error
		if typ.Name, err = md.String(row[metadata.TypeDefName]); err != nil {
			return fmt.Errorf("type %d name: %w", rid, err)
		}
		if typ.Namespace, err = md.String(row[metadata.TypeDefNamespace]); err != nil {
			return fmt.Errorf("type %s namespace: %w", typ.Name, err)
		}

		start, end := listRange(typeDefs, i, metadata.TypeDefFieldList, len(fields))
		for frid := start; frid < end; frid++ {
			field, err := module.loadField(frid, typ)
			if err != nil {
				return fmt.Errorf("%s: %w", typ.FullName(), err)
			}
			typ.Fields = append(typ.Fields, field)
		}

		start, end = listRange(typeDefs, i, metadata.TypeDefMethodList, len(methodDefs))
		for mrid := start; mrid < end; mrid++ {
			method, err := module.loadMethod(mrid, typ, params)
			if err != nil {
				return fmt.Errorf("%s: %w", typ.FullName(), err)
			}
			typ.Methods = append(typ.Methods, method)
			module.methods[mrid-1] = method
		}
		module.types = append(module.types, typ)
	}
	return nil
}

func (module *Module) loadField(rid uint32, owner *Type) (*Field, error) {
	row := module.md.Table(metadata.TableField).Rows[rid-1]
	name, err := module.md.String(row[metadata.FieldName])
	if err != nil {
		return nil, fmt.Errorf("field %d name: %w", rid, err)
	}
	blob, err := module.md.Blob.Get(row[metadata.FieldSignature])
	if err != nil {
		return nil, fmt.Errorf("field %s signature: %w", name, err)
	}
	typ, err := metadata.ParseFieldSig(blob)
	if err != nil {
		return nil, fmt.Errorf("field %s signature: %w", name, err)
	}
	return &Field{
		Name:          name,
		Flags:         uint16(row[metadata.FieldFlags]),
		Type:          typ,
		DeclaringType: owner,
		token:         metadata.NewToken(metadata.TableField, rid),
	}, nil
}

func (module *Module) loadMethod(rid uint32, owner *Type, params []metadata.Row) (*Method, error) {
	methodDefs := module.md.Table(metadata.TableMethodDef).Rows
	row := methodDefs[rid-1]
	name, err := module.md.String(row[metadata.MethodDefName])
	if err != nil {
		return nil, fmt.Errorf("method %d name: %w", rid, err)
	}
	blob, err := module.md.Blob.Get(row[metadata.MethodDefSignature])
	if err != nil {
		return nil, fmt.Errorf("method %s signature: %w", name, err)
	}
	sig, err := metadata.ParseMethodSig(blob)
	if err != nil {
		return nil, fmt.Errorf("method %s signature: %w", name, err)
	}

	method := &Method{
		Name:          name,
		Flags:         uint16(row[metadata.MethodDefFlags]),
		ImplFlags:     uint16(row[metadata.MethodDefImplFlags]),
		Sig:           sig,
		DeclaringType: owner,
		module:        module,
		token:         metadata.NewToken(metadata.TableMethodDef, rid),
		rva:           row[metadata.MethodDefRVA],
	}
	names := map[int]string{}
	start, end := listRange(methodDefs, int(rid-1), metadata.MethodDefParamList, len(params))
	for prid := start; prid < end; prid++ {
		prow := params[prid-1]
		pname, err := module.md.String(prow[metadata.ParamName])
		if err != nil {
			return nil, fmt.Errorf("method %s parameter %d: %w", name, prid, err)
		}
		names[int(prow[metadata.ParamSequence])] = pname
	}
	for i, typ := range sig.Params {
		pname, ok := names[i+1]
		if !ok {
			pname = fmt.Sprintf("arg%d", i)
		}
		method.Params = append(method.Params, &Parameter{Name: pname, Type: typ, Sequence: i + 1})
	}
	return method, nil
}

func (module *Module) loadAnnotations() error {
	md := module.md
	for i, row := range md.Table(metadata.TableCustomAttribute).Rows {
		parent, err := metadata.HasCustomAttribute.Decode(row[metadata.CustomAttributeParent])
		if err != nil {
			return fmt.Errorf("custom attribute %d parent: %w", i+1, err)
		}
		if parent.Table() != metadata.TableMethodDef {
			continue
		}
		method := module.methodByToken(parent)
		if method == nil {
			return fmt.Errorf("custom attribute %d: %w: parent %s", i+1, metadata.ErrBadIndex, parent)
		}
		ctor, err := metadata.CustomAttributeTypeIndex.Decode(row[metadata.CustomAttributeType])
		if err != nil {
			return fmt.Errorf("custom attribute %d type: %w", i+1, err)
		}
		typ, err := module.attributeType(ctor)
		if err != nil {
			return fmt.Errorf("custom attribute %d on %s: %w", i+1, method.FullName(), err)
		}
		method.Annotations = append(method.Annotations, &Annotation{Type: typ, Constructor: ctor, row: i})
	}
	return nil
}

// attributeType resolves the class declaring an attribute constructor. It
// returns nil for constructors of types outside the module.
func (module *Module) attributeType(ctor metadata.Token) (*Type, error) {
	switch ctor.Table() {
	case metadata.TableMethodDef:
		method := module.methodByToken(ctor)
		if method == nil {
			return nil, fmt.Errorf("%w: constructor %s", metadata.ErrBadIndex, ctor)
		}
		return method.DeclaringType, nil
	case metadata.TableMemberRef:
		row, err := module.md.Row(ctor)
		if err != nil {
			return nil, err
		}
		class, err := metadata.MemberRefParent.Decode(row[metadata.MemberRefClass])
		if err != nil {
			return nil, err
		}
		if class.Table() != metadata.TableTypeDef {
			return nil, nil
		}
		return module.typeByToken(class), nil
	}
	return nil, fmt.Errorf("%w: constructor %s", metadata.ErrBadIndex, ctor)
}

func (module *Module) methodByToken(tok metadata.Token) *Method {
	rid := tok.RID()
	if tok.Table() != metadata.TableMethodDef || rid == 0 || int(rid) > len(module.methods) {
		return nil
	}
	return module.methods[rid-1]
}

func (module *Module) typeByToken(tok metadata.Token) *Type {
	rid := tok.RID()
	if tok.Table() != metadata.TableTypeDef || rid == 0 || int(rid) > len(module.types) {
		return nil
	}
	return module.types[rid-1]
}
