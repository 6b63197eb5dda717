package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:generate go run ../tools/schema-generator

// GenerateSchema reflects Config into the JSON Schema for one profile table.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		ExpandedStruct:             true,
		DoNotReference:             true,
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		Namer:                      qualifiedName,
	}

	schema := r.Reflect(&Config{})
	schema.Title = "embed profile"
	schema.Description = "One profile table of Embed.toml; [default] is merged under the selected profile."

	return json.MarshalIndent(schema, "", "  ")
}

// qualifiedName prefixes type names with their package so config.Config and
// logging.Config do not share a definition.
func qualifiedName(t reflect.Type) string {
	pkg := path.Base(t.PkgPath())
	if pkg == "." || pkg == "" {
		return t.Name()
	}
	return strings.ToUpper(pkg[:1]) + pkg[1:] + t.Name()
}

var (
	compiledOnce sync.Once
	compiled     *santhosh.Schema
	compileErr   error
)

func profileSchema() (*santhosh.Schema, error) {
	compiledOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			compileErr = err
			return
		}
		compiler := santhosh.NewCompiler()
		if err := compiler.AddResource("embed.json", bytes.NewReader(data)); err != nil {
			compileErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("embed.json")
	})
	return compiled, compileErr
}

// validateSchema checks a merged profile table before it is decoded.
func validateSchema(profile map[string]interface{}) error {
	schema, err := profileSchema()
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	// Round-trip through JSON so TOML and YAML scalars look alike to the validator.
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal config for validation: %w", err)
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to unmarshal config for validation: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		if validationErr, ok := err.(*santhosh.ValidationError); ok {
			var messages []string
			collectErrors(validationErr, &messages)
			return fmt.Errorf("schema validation failed:\n%s", strings.Join(messages, "\n"))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func collectErrors(err *santhosh.ValidationError, messages *[]string) {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*messages = append(*messages, fmt.Sprintf("- %s: %s", loc, err.Message))
	}
	for _, cause := range err.Causes {
		collectErrors(cause, messages)
	}
}
