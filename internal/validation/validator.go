// Package validation is the deterministic gate between model output and
// persistence. Output that does not unify with the #Document schema fails.
package validation

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var defaultSchema string

// SchemaDefinition is the definition every document must satisfy.
const SchemaDefinition = "#Document"

// CUEValidator checks parsed model output against a CUE definition.
type CUEValidator struct {
	// cue.Context is not safe for concurrent use.
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEValidator compiles the embedded document schema.
func NewCUEValidator() (*CUEValidator, error) {
	return NewCUEValidatorFromSource(defaultSchema)
}

// NewCUEValidatorFromSource compiles src, which must define #Document.
func NewCUEValidatorFromSource(src string) (*CUEValidator, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile validation schema: %w", err)
	}
	schema := value.LookupPath(cue.ParsePath(SchemaDefinition))
	if !schema.Exists() {
		return nil, fmt.Errorf("validation schema does not define %s", SchemaDefinition)
	}
	return &CUEValidator{ctx: ctx, schema: schema}, nil
}

// Validate returns one message per violation, or nil when data passes.
func (v *CUEValidator) Validate(data map[string]any) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	value := v.ctx.Encode(data)
	if err := value.Err(); err != nil {
		return formatErrors(err)
	}
	if err := v.schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return formatErrors(err)
	}
	return nil
}

func formatErrors(err error) []string {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := strings.Join(e.Path(), "."); path != "" {
			msg = path + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
