package patch

import (
	"fmt"

	"fortio.org/safecast"
	"github.com/rs/zerolog"

	"github.com/sliverarmory/nativepatch/cil"
	"github.com/sliverarmory/nativepatch/metadata"
	"github.com/sliverarmory/nativepatch/module"
)

// PointerFieldSuffix is appended to a method name to find its function
// pointer field.
const PointerFieldSuffix = "_ptr"

// State tracks how far the rewrite of one method got.
type State int

const (
	Unpatched State = iota
	BodyCleared
	ArgumentsEmitted
	CallEmitted
	MarkerRemoved
)

func (state State) String() string {
	switch state {
	case Unpatched:
		return "unpatched"
	case BodyCleared:
		return "body-cleared"
	case ArgumentsEmitted:
		return "arguments-emitted"
	case CallEmitted:
		return "call-emitted"
	case MarkerRemoved:
		return "marker-removed"
	}
	return fmt.Sprintf("state(%d)", int(state))
}

// Rewriter replaces candidate bodies with a call through their function
// pointer field.
type Rewriter struct {
	logger zerolog.Logger
}

// NewRewriter returns a rewriter logging to logger.
func NewRewriter(logger zerolog.Logger) *Rewriter {
	return &Rewriter{logger: logger}
}

// Rewrite is one finished method rewrite.
type Rewrite struct {
	Method       *module.Method
	CallSite     *CallSite
	Field        *module.Field
	PinnedLocals int
	State        State
}

// Rewrite replaces the candidate's body with
//
//	ldarg i         (per parameter; by-ref ones pinned: stloc, ldloc, conv.u)
//	ldsfld <Name>_ptr
//	calli site
//	ret
//
// and then removes the marker. The new body is assembled aside and committed
// in one step, so a failure leaves the method as it was.
func (rewriter *Rewriter) Rewrite(candidate *Candidate, site *CallSite) (*Rewrite, error) {
	method := candidate.Method
	result := &Rewrite{Method: method, CallSite: site, State: Unpatched}
	logger := rewriter.logger.With().Str("method", method.FullName()).Logger()

	field, err := functionPointerField(method)
	if err != nil {
		return result, err
	}
	result.Field = field
	if len(site.Params) != len(method.Params) {
		return result, fmt.Errorf("%s: call site has %d parameters, method has %d",
			method.FullName(), len(site.Params), len(method.Params))
	}

	body := &cil.Body{}
	result.advance(logger, BodyCleared)

	for i, param := range method.Params {
		body.Instructions = append(body.Instructions, cil.LoadArg(i))
		if isString(param.Type) {
			return result, unsupportedParameter(method, param)
		}
		if param.IsByRef() {
			local := len(body.Locals)
			body.Locals = append(body.Locals, metadata.PinnedOf(param.Type))
			body.Instructions = append(body.Instructions,
				cil.StoreLocal(local),
				cil.LoadLocal(local),
				cil.Op(cil.ConvU),
			)
		}
	}
	result.advance(logger, ArgumentsEmitted)

	body.Instructions = append(body.Instructions,
		cil.OpToken(cil.Ldsfld, field.Token()),
		cil.CallIndirect(site.Signature()),
		cil.Op(cil.Ret),
	)
	body.InitLocals = len(body.Locals) > 0
	depth, err := cil.MaxStack(body.Instructions)
	if err != nil {
		return result, fmt.Errorf("%s: %w", method.FullName(), err)
	}
	if body.MaxStack, err = safecast.Conv[uint16](depth); err != nil {
		return result, fmt.Errorf("%s: max stack: %w", method.FullName(), err)
	}
	if err := method.ReplaceBody(body); err != nil {
		return result, err
	}
	result.PinnedLocals = len(body.Locals)
	result.advance(logger, CallEmitted)

	if err := candidate.Remove(); err != nil {
		return result, fmt.Errorf("%s: remove marker: %w", method.FullName(), err)
	}
	result.advance(logger, MarkerRemoved)
	return result, nil
}

func (result *Rewrite) advance(logger zerolog.Logger, state State) {
	logger.Debug().Stringer("from", result.State).Stringer("to", state).Msg("rewrite state")
	result.State = state
}

func functionPointerField(method *module.Method) (*module.Field, error) {
	name := method.Name + PointerFieldSuffix
	field := method.DeclaringType.Field(name)
	switch {
	case field == nil:
		return nil, fmt.Errorf("%w: %s has no field %s", ErrMissingFunctionPointerField, method.DeclaringType.FullName(), name)
	case !field.IsStatic():
		return nil, fmt.Errorf("%w: %s.%s is not static", ErrMissingFunctionPointerField, method.DeclaringType.FullName(), name)
	case !field.Type.IsPointerSized():
		return nil, fmt.Errorf("%w: %s.%s is %s, not pointer-sized", ErrMissingFunctionPointerField, method.DeclaringType.FullName(), name, field.Type)
	}
	return field, nil
}
