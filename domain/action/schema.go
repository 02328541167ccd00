package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"live-hub/domain/event"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/samber/lo"
)

// Schema is the validation gate of an action.
// An empty result means the payload is accepted.
type Schema interface {
	Validate(payload json.RawMessage) []event.ValidationError
}

type SchemaFunc func(payload json.RawMessage) []event.ValidationError

func (f SchemaFunc) Validate(payload json.RawMessage) []event.ValidationError {
	return f(payload)
}

// AnyPayload accepts every payload.
var AnyPayload Schema = SchemaFunc(func(json.RawMessage) []event.ValidationError { return nil })

var validate = newValidator()

// newValidator reports fields by their json name so errors match the wire payload.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return field.Name
		}
		return name
	})
	return v
}

type structSchema[T any] struct{}

// StructSchema decodes the payload into T and checks its `validate` tags.
// T must be a struct.
func StructSchema[T any]() Schema {
	return structSchema[T]{}
}

func (structSchema[T]) Validate(payload json.RawMessage) []event.ValidationError {
	var v T
	if err := json.Unmarshal(orNull(payload), &v); err != nil {
		return []event.ValidationError{decodeFailure(err)}
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []event.ValidationError{{Rule: "schema", Message: err.Error()}}
	}
	return lo.Map(fieldErrs, func(fe validator.FieldError, _ int) event.ValidationError {
		return event.ValidationError{
			Field:   fieldPath(fe.Namespace()),
			Rule:    fe.Tag(),
			Param:   fe.Param(),
			Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
		}
	})
}

// fieldPath drops the struct name validator puts in front of the namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func decodeFailure(err error) event.ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return event.ValidationError{
			Field:   typeErr.Field,
			Rule:    "type",
			Param:   typeErr.Type.String(),
			Message: fmt.Sprintf("must be %s, got %s", typeErr.Type, typeErr.Value),
		}
	}
	return event.ValidationError{Rule: "json", Message: err.Error()}
}

type jsonSchema struct {
	resolved   *jsonschema.Resolved
	required   []string
	properties map[string]*jsonschema.Resolved
}

// JSONSchema compiles a JSON Schema document once, at registration.
// Top-level properties are also compiled on their own so failures can name their field.
func JSONSchema(schema *jsonschema.Schema) (Schema, error) {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving json schema: %w", err)
	}
	properties := make(map[string]*jsonschema.Resolved, len(schema.Properties))
	for name, property := range schema.Properties {
		// Properties pointing back into the root only get the root's message.
		if r, err := property.Resolve(nil); err == nil {
			properties[name] = r
		}
	}
	return jsonSchema{resolved: resolved, required: schema.Required, properties: properties}, nil
}

// MustJSONSchema is JSONSchema for static definitions.
func MustJSONSchema(schema *jsonschema.Schema) Schema {
	s, err := JSONSchema(schema)
	if err != nil {
		panic(err)
	}
	return s
}

func (s jsonSchema) Validate(payload json.RawMessage) []event.ValidationError {
	var instance any
	if err := json.Unmarshal(orNull(payload), &instance); err != nil {
		return []event.ValidationError{decodeFailure(err)}
	}
	rootErr := s.resolved.Validate(instance)
	if rootErr == nil {
		return nil
	}
	object, ok := instance.(map[string]any)
	if !ok {
		return []event.ValidationError{schemaFailure("", rootErr)}
	}

	var errs []event.ValidationError
	for _, name := range s.required {
		if _, present := object[name]; !present {
			errs = append(errs, event.ValidationError{Field: name, Rule: "required", Message: "is required"})
		}
	}
	names := lo.Keys(s.properties)
	slices.Sort(names)
	for _, name := range names {
		value, present := object[name]
		if !present {
			continue
		}
		if err := s.properties[name].Validate(value); err != nil {
			errs = append(errs, schemaFailure(name, err))
		}
	}
	if len(errs) == 0 {
		errs = []event.ValidationError{schemaFailure("", rootErr)}
	}
	return errs
}

// schemaFailure turns "validating root: validating /properties/id: minLength: ..."
// into rule "minLength" and the text after it.
func schemaFailure(field string, err error) event.ValidationError {
	msg := err.Error()
	for strings.HasPrefix(msg, "validating ") {
		_, rest, ok := strings.Cut(msg, ": ")
		if !ok {
			break
		}
		msg = rest
	}
	rule, detail, ok := strings.Cut(msg, ": ")
	if !ok || strings.Contains(rule, " ") {
		return event.ValidationError{Field: field, Rule: "schema", Message: msg}
	}
	return event.ValidationError{Field: field, Rule: rule, Message: detail}
}
