package harness

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaSource string

// SchemaError reports a scenario file that does not have the scenario
// shape. Positions point into the YAML file.
type SchemaError struct {
	File    string
	Details string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: does not match the scenario schema:\n%s", e.File, e.Details)
}

var (
	// schemaMu serializes use of schemaCtx; a cue.Context is not safe for
	// concurrent use.
	schemaMu   sync.Mutex
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
	schemaErr  error
)

func scenarioSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compiling scenario schema: %w", err)
			return
		}
		schemaVal = v.LookupPath(cue.ParsePath("#Scenario"))
		if err := schemaVal.Err(); err != nil {
			schemaErr = fmt.Errorf("scenario schema: %w", err)
		}
	})
	return schemaCtx, schemaVal, schemaErr
}

// checkSchema unifies the YAML document with #Scenario. Unknown fields,
// wrong types and steps with zero or several actions are rejected here.
func checkSchema(filename string, data []byte) error {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	ctx, schema, err := scenarioSchema()
	if err != nil {
		return err
	}

	f, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	doc := ctx.BuildFile(f)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{File: filename, Details: cueerrors.Details(err, nil)}
	}
	return nil
}
