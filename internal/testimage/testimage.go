// Package testimage assembles small managed DLLs for tests.
package testimage

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"fortio.org/safecast"

	"github.com/sliverarmory/nativepatch/cil"
	"github.com/sliverarmory/nativepatch/metadata"
	"github.com/sliverarmory/nativepatch/peimage"
)

// Method and field flags used by fixtures.
const (
	PublicStatic   uint16 = 0x0096 // public static hidebysig
	PublicInstance uint16 = 0x0086 // public hidebysig
	Abstract       uint16 = 0x0400
	PInvokeImpl    uint16 = 0x2000

	StaticField   uint16 = 0x0016 // public static
	InstanceField uint16 = 0x0006 // public

	ctorFlags      uint16 = 0x1886 // public hidebysig specialname rtspecialname
	classFlags     uint32 = 0x00100001
	nestedFlags    uint32 = 0x00100002
	attributeFlags uint32 = 0x00100101
)

// Assembly describes the module to build.
type Assembly struct {
	Name string
	// Attributes are attribute classes declared in the module, by full name.
	Attributes []string
	// MemberRefCtors references attribute constructors through MemberRef rows
	// parented by the attribute's TypeDef instead of by MethodDef token.
	MemberRefCtors bool
	Types          []Type
	Checksum       bool
	// CompilerSections emits the C# compiler's AnyCPU layout: .text, .rsrc
	// and .reloc with a full section table and no spare header slot.
	CompilerSections bool
}

// Type is a class declared in the module.
type Type struct {
	Namespace string
	Name      string
	// EnclosedBy names the enclosing type (by simple name) for nested types.
	EnclosedBy string
	Fields     []Field
	Methods    []Method
}

// Field is a field with its declared type. Flags default to StaticField.
type Field struct {
	Name  string
	Flags uint16
	Type  *metadata.Type
}

// Method is a method with a stub body. Flags default to PublicStatic and Sig
// to a static void().
type Method struct {
	Name       string
	Flags      uint16
	Sig        *metadata.MethodSig
	ParamNames []string
	// Attributes names module attribute classes applied to the method.
	Attributes []string
	// ExternalAttributes names attribute classes from mscorlib applied to the
	// method.
	ExternalAttributes []string
}

// FullName joins namespace and name the way the runtime prints them.
func FullName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

type builder struct {
	md     *metadata.Metadata
	bodies []byte

	typeDefs   map[string]metadata.Token
	attrCtors  map[string]metadata.Token
	extCtors   map[string]metadata.Token
	objectRef  metadata.Token
	attrRef    metadata.Token
	mscorlib   metadata.Token
	attributes []pendingAttr
	nested     []metadata.Row
}

type pendingAttr struct {
	parent uint32
	ctor   uint32
}

// Build returns the bytes of a PE32 DLL holding asm.
func Build(asm Assembly) ([]byte, error) {
	b := &builder{
		md:        metadata.New(metadata.DefaultVersion),
		typeDefs:  map[string]metadata.Token{},
		attrCtors: map[string]metadata.Token{},
		extCtors:  map[string]metadata.Token{},
	}
	b.md.Sorted = metadata.SortedTables
	if err := b.build(asm); err != nil {
		return nil, err
	}
	md, err := b.md.Encode()
	if err != nil {
		return nil, err
	}
	return peimage.Build(peimage.BuildOptions{
		Bodies:           b.bodies,
		Metadata:         md,
		Checksum:         asm.Checksum,
		CompilerSections: asm.CompilerSections,
	})
}

// WriteFile builds asm into dir/<asm.Name> and returns the path.
func WriteFile(dir string, asm Assembly) (string, error) {
	data, err := Build(asm)
	if err != nil {
		return "", err
	}
	name := asm.Name
	if name == "" {
		name = "Sample.dll"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (b *builder) build(asm Assembly) error {
	name := cmp.Or(asm.Name, "Sample.dll")
	if err := b.header(name); err != nil {
		return err
	}
	if _, err := b.typeDef(0, "", "<Module>", 0); err != nil {
		return err
	}

	for _, full := range asm.Attributes {
		ns, simple := split(full)
		tok, err := b.typeDef(attributeFlags, ns, simple, b.attrRef)
		if err != nil {
			return err
		}
		ctor, err := b.method(Method{
			Name:  ".ctor",
			Flags: ctorFlags,
			Sig:   &metadata.MethodSig{CallConv: metadata.CallHasThis, Return: metadata.Primitive(metadata.ElementVoid)},
		}, cil.Op(cil.Ret))
		if err != nil {
			return err
		}
		if asm.MemberRefCtors {
			ctor, err = b.memberRef(tok, ".ctor")
			if err != nil {
				return err
			}
		}
		b.attrCtors[full] = ctor
	}

	for _, typ := range asm.Types {
		flags := classFlags
		if typ.EnclosedBy != "" {
			flags = nestedFlags
		}
		tok, err := b.typeDef(flags, typ.Namespace, typ.Name, b.objectRef)
		if err != nil {
			return err
		}
		if typ.EnclosedBy != "" {
			enclosing, ok := b.typeDefs[typ.EnclosedBy]
			if !ok {
				return fmt.Errorf("enclosing type %q of %s not declared before it", typ.EnclosedBy, typ.Name)
			}
			b.nested = append(b.nested, metadata.Row{tok.RID(), enclosing.RID()})
		}
		for _, field := range typ.Fields {
			if err := b.field(field); err != nil {
				return err
			}
		}
		for _, method := range typ.Methods {
			tok, err := b.method(method, cil.Op(cil.Ldnull), cil.Op(cil.Throw))
			if err != nil {
				return err
			}
			if err := b.annotate(tok, method); err != nil {
				return fmt.Errorf("%s::%s: %w", typ.Name, method.Name, err)
			}
		}
	}
	return b.finish()
}

func (b *builder) header(name string) error {
	md := b.md
	nameIdx, err := md.Strings.Add(name)
	if err != nil {
		return err
	}
	mvid, err := md.GUID.Add(metadata.GUID{0x4e, 0x50, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	if err != nil {
		return err
	}
	if _, err := md.AddRow(metadata.TableModule, metadata.Row{0, nameIdx, mvid, 0, 0}); err != nil {
		return err
	}

	asmName, err := md.Strings.Add(strings.TrimSuffix(name, ".dll"))
	if err != nil {
		return err
	}
	if _, err := md.AddRow(metadata.TableAssembly, metadata.Row{0x8004, 1, 0, 0, 0, 0, 0, asmName, 0}); err != nil {
		return err
	}

	corlib, err := md.Strings.Add("mscorlib")
	if err != nil {
		return err
	}
	token, err := md.Blob.Add([]byte{0xb7, 0x7a, 0x5c, 0x56, 0x19, 0x34, 0xe0, 0x89})
	if err != nil {
		return err
	}
	b.mscorlib, err = md.AddRow(metadata.TableAssemblyRef, metadata.Row{4, 0, 0, 0, 0, token, corlib, 0, 0})
	if err != nil {
		return err
	}

	if b.objectRef, err = b.typeRef("System", "Object"); err != nil {
		return err
	}
	b.attrRef, err = b.typeRef("System", "Attribute")
	return err
}

func (b *builder) typeRef(ns, name string) (metadata.Token, error) {
	scope, err := metadata.ResolutionScope.Encode(b.mscorlib)
	if err != nil {
		return 0, err
	}
	nameIdx, err := b.md.Strings.Add(name)
	if err != nil {
		return 0, err
	}
	nsIdx, err := b.md.Strings.Add(ns)
	if err != nil {
		return 0, err
	}
	return b.md.AddRow(metadata.TableTypeRef, metadata.Row{scope, nameIdx, nsIdx})
}

func (b *builder) typeDef(flags uint32, ns, name string, extends metadata.Token) (metadata.Token, error) {
	var ext uint32
	if !extends.IsNil() {
		var err error
		if ext, err = metadata.TypeDefOrRef.Encode(extends); err != nil {
			return 0, err
		}
	}
	nameIdx, err := b.md.Strings.Add(name)
	if err != nil {
		return 0, err
	}
	nsIdx, err := b.md.Strings.Add(ns)
	if err != nil {
		return 0, err
	}
	fieldList, err := nextRID(b.md.Table(metadata.TableField))
	if err != nil {
		return 0, err
	}
	methodList, err := nextRID(b.md.Table(metadata.TableMethodDef))
	if err != nil {
		return 0, err
	}
	tok, err := b.md.AddRow(metadata.TableTypeDef, metadata.Row{flags, nameIdx, nsIdx, ext, fieldList, methodList})
	if err != nil {
		return 0, err
	}
	if _, dup := b.typeDefs[name]; !dup {
		b.typeDefs[name] = tok
	}
	return tok, nil
}

func (b *builder) field(field Field) error {
	if field.Type == nil {
		return fmt.Errorf("field %s has no type", field.Name)
	}
	sig, err := metadata.EncodeFieldSig(field.Type)
	if err != nil {
		return err
	}
	sigIdx, err := b.md.Blob.Add(sig)
	if err != nil {
		return err
	}
	nameIdx, err := b.md.Strings.Add(field.Name)
	if err != nil {
		return err
	}
	_, err = b.md.AddRow(metadata.TableField, metadata.Row{uint32(cmp.Or(field.Flags, StaticField)), nameIdx, sigIdx})
	return err
}

func (b *builder) method(method Method, stub ...cil.Instruction) (metadata.Token, error) {
	flags := cmp.Or(method.Flags, PublicStatic)
	sig := method.Sig
	if sig == nil {
		sig = &metadata.MethodSig{Return: metadata.Primitive(metadata.ElementVoid)}
	}
	blob, err := sig.Encode()
	if err != nil {
		return 0, err
	}
	sigIdx, err := b.md.Blob.Add(blob)
	if err != nil {
		return 0, err
	}
	nameIdx, err := b.md.Strings.Add(method.Name)
	if err != nil {
		return 0, err
	}
	paramList, err := nextRID(b.md.Table(metadata.TableParam))
	if err != nil {
		return 0, err
	}

	var rva uint32
	if flags&(Abstract|PInvokeImpl) == 0 {
		for len(b.bodies)%4 != 0 {
			b.bodies = append(b.bodies, 0)
		}
		offset, err := safecast.Conv[uint32](len(b.bodies))
		if err != nil {
			return 0, err
		}
		rva = peimage.BodiesRVA + offset
		body, err := cil.Encode(&cil.Body{MaxStack: 1, Instructions: stub}, nil)
		if err != nil {
			return 0, err
		}
		b.bodies = append(b.bodies, body...)
	}

	tok, err := b.md.AddRow(metadata.TableMethodDef, metadata.Row{rva, 0, uint32(flags), nameIdx, sigIdx, paramList})
	if err != nil {
		return 0, err
	}
	for i, name := range method.ParamNames {
		if i >= len(sig.Params) {
			return 0, fmt.Errorf("method %s names %d parameters but declares %d", method.Name, len(method.ParamNames), len(sig.Params))
		}
		nameIdx, err := b.md.Strings.Add(name)
		if err != nil {
			return 0, err
		}
		seq, err := safecast.Conv[uint32](i + 1)
		if err != nil {
			return 0, err
		}
		if _, err := b.md.AddRow(metadata.TableParam, metadata.Row{0, seq, nameIdx}); err != nil {
			return 0, err
		}
	}
	return tok, nil
}

func (b *builder) memberRef(parent metadata.Token, name string) (metadata.Token, error) {
	class, err := metadata.MemberRefParent.Encode(parent)
	if err != nil {
		return 0, err
	}
	nameIdx, err := b.md.Strings.Add(name)
	if err != nil {
		return 0, err
	}
	blob, err := (&metadata.MethodSig{CallConv: metadata.CallHasThis, Return: metadata.Primitive(metadata.ElementVoid)}).Encode()
	if err != nil {
		return 0, err
	}
	sigIdx, err := b.md.Blob.Add(blob)
	if err != nil {
		return 0, err
	}
	return b.md.AddRow(metadata.TableMemberRef, metadata.Row{class, nameIdx, sigIdx})
}

func (b *builder) annotate(method metadata.Token, def Method) error {
	parent, err := metadata.HasCustomAttribute.Encode(method)
	if err != nil {
		return err
	}
	for _, full := range def.ExternalAttributes {
		ctor, ok := b.extCtors[full]
		if !ok {
			ns, name := split(full)
			ref, err := b.typeRef(ns, name)
			if err != nil {
				return err
			}
			if ctor, err = b.memberRef(ref, ".ctor"); err != nil {
				return err
			}
			b.extCtors[full] = ctor
		}
		if err := b.addAttribute(parent, ctor); err != nil {
			return err
		}
	}
	for _, full := range def.Attributes {
		ctor, ok := b.attrCtors[full]
		if !ok {
			return fmt.Errorf("attribute %s is not declared", full)
		}
		if err := b.addAttribute(parent, ctor); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) addAttribute(parent uint32, ctor metadata.Token) error {
	encoded, err := metadata.CustomAttributeTypeIndex.Encode(ctor)
	if err != nil {
		return err
	}
	b.attributes = append(b.attributes, pendingAttr{parent: parent, ctor: encoded})
	return nil
}

func (b *builder) finish() error {
	value, err := b.md.Blob.Add([]byte{0x01, 0x00, 0x00, 0x00})
	if err != nil {
		return err
	}
	slices.SortStableFunc(b.attributes, func(x, y pendingAttr) int { return cmp.Compare(x.parent, y.parent) })
	for _, attr := range b.attributes {
		if _, err := b.md.AddRow(metadata.TableCustomAttribute, metadata.Row{attr.parent, attr.ctor, value}); err != nil {
			return err
		}
	}
	slices.SortStableFunc(b.nested, func(x, y metadata.Row) int { return cmp.Compare(x[0], y[0]) })
	for _, row := range b.nested {
		if _, err := b.md.AddRow(metadata.TableNestedClass, row); err != nil {
			return err
		}
	}
	return nil
}

func nextRID(table *metadata.Table) (uint32, error) {
	return safecast.Conv[uint32](table.Len() + 1)
}

func split(full string) (string, string) {
	if i := strings.LastIndexByte(full, '.'); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}
