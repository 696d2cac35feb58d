package patch

import (
	"fmt"
	"strings"

	"github.com/sliverarmory/nativepatch/metadata"
	"github.com/sliverarmory/nativepatch/module"
)

// CallSite describes the native call a rewritten method performs.
type CallSite struct {
	Convention metadata.CallingConvention
	Return     *metadata.Type
	Params     []CallSiteParam
}

// CallSiteParam is one positional argument. The name is only used in
// diagnostics.
type CallSiteParam struct {
	Name string
	Type *metadata.Type
}

// Signature returns the standalone signature for the calli instruction.
func (site *CallSite) Signature() *metadata.MethodSig {
	sig := &metadata.MethodSig{CallConv: site.Convention, Return: site.Return}
	for _, param := range site.Params {
		sig.Params = append(sig.Params, param.Type)
	}
	return sig
}

func (site *CallSite) String() string {
	params := make([]string, len(site.Params))
	for i, param := range site.Params {
		params[i] = param.Type.String() + " " + param.Name
	}
	return fmt.Sprintf("%s %s(%s)", site.Convention, site.Return, strings.Join(params, ", "))
}

// BuildCallSite derives the unmanaged stdcall call site for method: the
// return type passes through, by-ref parameters become raw pointers to their
// element type, everything else passes through.
func BuildCallSite(method *module.Method) (*CallSite, error) {
	if err := checkMethodKind(method); err != nil {
		return nil, err
	}
	site := &CallSite{
		Convention: metadata.CallStdCall,
		Return:     method.Return(),
		Params:     make([]CallSiteParam, 0, len(method.Params)),
	}
	for _, param := range method.Params {
		if isString(param.Type) {
			return nil, unsupportedParameter(method, param)
		}
		typ := param.Type
		if param.IsByRef() {
			typ = metadata.PointerTo(param.Type.Elem)
		}
		site.Params = append(site.Params, CallSiteParam{Name: param.Name, Type: typ})
	}
	return site, nil
}

func checkMethodKind(method *module.Method) error {
	var reason string
	switch {
	case !method.IsStatic() || method.Sig.CallConv&metadata.CallHasThis != 0:
		reason = "instance method"
	case method.Sig.CallConv&metadata.CallGeneric != 0:
		reason = "generic method"
	case method.Sig.CallConv.Kind() == metadata.CallVarArg:
		reason = "vararg method"
	case method.IsAbstract():
		reason = "abstract method"
	case method.IsPInvoke():
		reason = "P/Invoke method"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s is a %s", ErrUnsupportedMethodKind, method.FullName(), reason)
}

// isString matches string parameters, by value or by reference.
func isString(typ *metadata.Type) bool {
	if typ.IsByRef() {
		typ = typ.Elem
	}
	return typ.Kind == metadata.ElementString
}

func unsupportedParameter(method *module.Method, param *module.Parameter) error {
	return fmt.Errorf("%w: %s parameter %s is %s; string marshaling is not implemented",
		ErrUnsupportedParameterKind, method.FullName(), param.Name, param.Type)
}
