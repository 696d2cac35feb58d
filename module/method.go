package module

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sliverarmory/nativepatch/cil"
	"github.com/sliverarmory/nativepatch/metadata"
)

// Method is a method definition with its signature, parameters and
// annotations.
type Method struct {
	Name          string
	Flags         uint16
	ImplFlags     uint16
	Sig           *metadata.MethodSig
	Params        []*Parameter
	Annotations   []*Annotation
	DeclaringType *Type

	module *Module
	token  metadata.Token
	rva    uint32
}

// Token returns the MethodDef token.
func (method *Method) Token() metadata.Token { return method.token }

// FullName returns Type::Method for diagnostics.
func (method *Method) FullName() string {
	return method.DeclaringType.FullName() + "::" + method.Name
}

// Return returns the declared return type.
func (method *Method) Return() *metadata.Type { return method.Sig.Return }

// IsStatic reports whether the method is static.
func (method *Method) IsStatic() bool { return method.Flags&MethodStatic != 0 }

// IsAbstract reports whether the method is abstract.
func (method *Method) IsAbstract() bool { return method.Flags&MethodAbstract != 0 }

// IsPInvoke reports whether the method is a P/Invoke stub.
func (method *Method) IsPInvoke() bool { return method.Flags&MethodPInvokeImpl != 0 }

// HasBody reports whether the method carries IL, either from the image or
// from a pending replacement.
func (method *Method) HasBody() bool {
	_, pending := method.module.bodies[method.token.RID()]
	return pending || method.rva != 0
}

// ReplaceBody encodes body and stores it as the method's new body. Standalone
// signatures it needs are added to the module right away.
func (method *Method) ReplaceBody(body *cil.Body) error {
	data, err := cil.Encode(body, method.module)
	if err != nil {
		return fmt.Errorf("%s: encode body: %w", method.FullName(), err)
	}
	method.module.bodies[method.token.RID()] = data
	method.module.output = nil
	return nil
}

// Body returns the encoded body: the pending replacement if there is one,
// otherwise the bytes in the image starting at the method's RVA.
func (method *Method) Body() ([]byte, error) {
	if data, ok := method.module.bodies[method.token.RID()]; ok {
		return data, nil
	}
	if method.rva == 0 {
		return nil, fmt.Errorf("%s has no body", method.FullName())
	}
	return method.module.image.ReadRVA(method.rva)
}

// DecodeBody decodes the current body.
func (method *Method) DecodeBody() (*cil.Decoded, error) {
	data, err := method.Body()
	if err != nil {
		return nil, err
	}
	return cil.Decode(data)
}

// RemoveAnnotation drops annotation from the method and marks its
// CustomAttribute row for removal on write.
func (method *Method) RemoveAnnotation(annotation *Annotation) error {
	i := slices.Index(method.Annotations, annotation)
	if i < 0 {
		return errors.New("annotation does not belong to " + method.FullName())
	}
	method.Annotations = slices.Delete(method.Annotations, i, i+1)
	method.module.removed[annotation.row] = true
	method.module.output = nil
	return nil
}

// AddStandAloneSig appends a StandAloneSig row holding blob.
func (module *Module) AddStandAloneSig(blob []byte) (metadata.Token, error) {
	idx, err := module.md.Blob.Add(blob)
	if err != nil {
		return 0, err
	}
	return module.md.AddRow(metadata.TableStandAloneSig, metadata.Row{idx})
}

// StandAloneSig returns the signature blob behind a StandAloneSig token.
func (module *Module) StandAloneSig(tok metadata.Token) ([]byte, error) {
	if tok.Table() != metadata.TableStandAloneSig {
		return nil, fmt.Errorf("%w: %s is not a StandAloneSig", metadata.ErrBadIndex, tok)
	}
	row, err := module.md.Row(tok)
	if err != nil {
		return nil, err
	}
	return module.md.Blob.Get(row[metadata.StandAloneSigSignature])
}

// Locals resolves a LocalVarSig token into the local types.
func (module *Module) Locals(tok metadata.Token) ([]*metadata.Type, error) {
	if tok.IsNil() {
		return nil, nil
	}
	blob, err := module.StandAloneSig(tok)
	if err != nil {
		return nil, err
	}
	return metadata.ParseLocalVarSig(blob)
}
