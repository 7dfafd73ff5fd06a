// Package schema validates and decodes the three export record kinds
// (user profiles, password hashes, OTP secrets) against CUE definitions.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaSrc string

// Kind names a record definition in schema.cue.
type Kind string

const (
	KindUser      Kind = "#User"
	KindPassword  Kind = "#Password"
	KindOTPSecret Kind = "#OTPSecret"
)

// ValidationError reports a record that does not satisfy its definition.
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record: %v", strings.TrimPrefix(string(e.Kind), "#"), e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validator checks raw JSON records against the compiled definitions.
//
// A cue.Context is not safe for concurrent use, so calls are serialized.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[Kind]cue.Value
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}

	defs := make(map[Kind]cue.Value, 3)
	for _, kind := range []Kind{KindUser, KindPassword, KindOTPSecret} {
		def := root.LookupPath(cue.ParsePath(string(kind)))
		if !def.Exists() {
			return nil, fmt.Errorf("record schema: definition %s not found", kind)
		}
		defs[kind] = def
	}

	return &Validator{ctx: ctx, defs: defs}, nil
}

// Validate returns a *ValidationError if raw does not satisfy kind.
func (v *Validator) Validate(kind Kind, raw []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	def, ok := v.defs[kind]
	if !ok {
		return fmt.Errorf("unknown record kind %q", kind)
	}

	expr, err := cuejson.Extract("record", raw)
	if err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}

	unified := def.Unify(v.ctx.BuildExpr(expr))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	return nil
}

// decode validates raw against kind and unmarshals it into out.
func (v *Validator) decode(kind Kind, raw []byte, out any) error {
	if err := v.Validate(kind, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	return nil
}
