package runner

import "strings"

// Field names a part of the Result a caller can ask for.
type Field string

const (
	FieldCmd    Field = "cmd"
	FieldData   Field = "data"
	FieldError  Field = "error"
	FieldResult Field = "result"
)

// AllFields lists every field in record order.
var AllFields = []Field{FieldCmd, FieldData, FieldError, FieldResult}

// FieldSet is the set of fields returned by Run.
type FieldSet map[Field]bool

// ParseFields reads a return option such as "result,error". Any field whose
// name occurs in s is selected, so separators are free-form.
func ParseFields(s string) FieldSet {
	set := FieldSet{}
	s = strings.ToLower(s)
	for _, f := range AllFields {
		if strings.Contains(s, string(f)) {
			set[f] = true
		}
	}
	return set
}

// Fields builds a FieldSet from explicit names.
func Fields(fs ...Field) FieldSet {
	set := make(FieldSet, len(fs))
	for _, f := range fs {
		set[f] = true
	}
	return set
}

// Has reports whether f is in the set.
func (s FieldSet) Has(f Field) bool {
	return s[f]
}

// String renders the set in record order, comma separated.
func (s FieldSet) String() string {
	var parts []string
	for _, f := range AllFields {
		if s[f] {
			parts = append(parts, string(f))
		}
	}
	return strings.Join(parts, ",")
}
