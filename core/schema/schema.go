/*
Package schema compiles declarative entity definitions into immutable
models and keeps them in a process-scoped registry.

A definition describes entities with typed attributes, constraints,
relations, access rules and seed data. Models are compiled once at startup;
the registry reference is only ever replaced as a whole on reload, never
mutated field by field.
*/
package schema

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
)

// Datatype is the declared datatype of an attribute.
type Datatype string

// all supported attribute datatypes
const (
	DatatypeString   Datatype = "string"
	DatatypeNumber   Datatype = "number"
	DatatypeBoolean  Datatype = "boolean"
	DatatypeDate     Datatype = "date"
	DatatypeObjectID Datatype = "objectid"
	DatatypeBinary   Datatype = "binary"
	DatatypePoint    Datatype = "point"
	DatatypeMixed    Datatype = "mixed"
	DatatypeArray    Datatype = "array"
	DatatypeVirtual  Datatype = "virtual"
)

// DateFormat is the canonical serialization of date values inside documents,
// a 24-character UTC ISO-8601 timestamp.
const DateFormat = "2006-01-02T15:04:05.000Z"

// VersionKey is the internal record version field. It is maintained as a
// table column, never stored inside the document, and always stripped from
// projections.
const VersionKey = "revision"

// system attribute codes added to every entity
const (
	IDKey          = "_id"
	CreatedByKey   = "createdBy"
	UpdatedByKey   = "updatedBy"
	CreatedDateKey = "createdDate"
	UpdatedDateKey = "updatedDate"
)

// Definition is the parsed declarative API definition.
type Definition struct {
	// Collations maps definition-level collation names to postgres
	// collation identifiers, e.g. "en_ci" -> "en-x-icu".
	Collations map[string]string           `json:"collations"`
	Entities   map[string]EntityDefinition `json:"entities"`
}

// EntityDefinition describes one entity in the definition document.
type EntityDefinition struct {
	Name       string                   `json:"name"`
	Collection string                   `json:"collection"`
	Attributes map[string]AttributeSpec `json:"attributes"`
	ACL        *access.Policy           `json:"acl"`
	Audit      *bool                    `json:"audit"`
	CSV        *bool                    `json:"csv"`
	// Query is a static query-string applied as a baseline filter to
	// every query against this entity.
	Query     string            `json:"query"`
	Collation string            `json:"collation"`
	Seed      []json.RawMessage `json:"seed"`
}

// AttributeSpec is one attribute in the definition document. It unmarshals
// from either a bare datatype string or a full object.
type AttributeSpec struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Order       int             `json:"order"`
	TextSearch  int             `json:"textsearch"`
	Required    bool            `json:"required"`
	CSV         *bool           `json:"csv"`
	Default     json.RawMessage `json:"default"`
	Compute     json.RawMessage `json:"compute"`
	Connect     string          `json:"connect_entity"`
	Ref         string          `json:"ref"`
	Min         json.RawMessage `json:"min"`
	Max         json.RawMessage `json:"max"`
	Enum        []string        `json:"enum"`
	Match       string          `json:"match"`
}

// UnmarshalJSON accepts either "string" shorthand or the full object form.
func (a *AttributeSpec) UnmarshalJSON(data []byte) error {
	var shorthand string
	if err := json.Unmarshal(data, &shorthand); err == nil {
		*a = AttributeSpec{Type: shorthand}
		return nil
	}
	type plain AttributeSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = AttributeSpec(p)
	return nil
}

// Attribute is a compiled attribute of a model.
type Attribute struct {
	Code        string
	Type        Datatype
	Name        string
	Description string
	Order       int
	TextSearch  int
	Required    bool
	CSV         bool
	Default     *DefaultRule
	// Compute derives the value of a virtual attribute on read.
	Compute *ComputeRule
	// Connect names the target entity for relation attributes.
	Connect string

	MinNum  *float64
	MaxNum  *float64
	MinLen  int
	MaxLen  int
	Enum    []string
	Pattern *regexp.Regexp
}

// IsRelation reports whether the attribute references another entity.
func (a *Attribute) IsRelation() bool {
	return a.Type == DatatypeObjectID && a.Connect != ""
}

// Model is the compiled, immutable runtime representation of one entity.
type Model struct {
	Code       string
	Name       string
	Table      string
	Attributes []*Attribute
	ACL        *access.Policy
	Audit      bool
	CSV        bool
	// BaseQuery is the entity-level baseline filter, indistinguishable
	// from user-provided filters once applied.
	BaseQuery url.Values
	Collation string
	Seed      []json.RawMessage

	byCode      map[string]*Attribute
	textWeights map[string]byte
	collations  map[string]string
}

// ResolveCollation maps a definition-level collation name to the postgres
// collation identifier it is declared as.
func (m *Model) ResolveCollation(name string) (string, error) {
	if collation, ok := m.collations[name]; ok {
		return collation, nil
	}
	return "", core.InvalidArgumentf("unknown collation: %s", name)
}

// Attribute returns the declared attribute with the given code.
func (m *Model) Attribute(code string) (*Attribute, bool) {
	a, ok := m.byCode[code]
	return a, ok
}

// HasAttribute reports whether code names a declared attribute, including
// the system attributes (_id, _acl, audit fields).
func (m *Model) HasAttribute(code string) bool {
	_, ok := m.byCode[code]
	return ok
}

// TextWeights returns the tsvector weight class ('A'..'D') per searchable
// attribute code. Empty when the entity has no weighted text attributes.
func (m *Model) TextWeights() map[string]byte {
	return m.textWeights
}

// CSVFields returns the attribute codes exported to CSV, in serialization
// order, restricted to the given projection when one applies.
func (m *Model) CSVFields(projected map[string]bool) []string {
	var fields []string
	for _, a := range m.Attributes {
		if !a.CSV || a.Type == DatatypeBinary {
			continue
		}
		if projected != nil && !projected[a.Code] {
			continue
		}
		fields = append(fields, a.Code)
	}
	return fields
}

var attributeCodePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func parseDatatype(raw string) (Datatype, error) {
	switch strings.ToLower(raw) {
	case "", "string":
		return DatatypeString, nil
	case "number", "integer", "int32", "int64", "float", "double":
		return DatatypeNumber, nil
	case "boolean":
		return DatatypeBoolean, nil
	case "date", "datetime":
		return DatatypeDate, nil
	case "objectid", "connector":
		return DatatypeObjectID, nil
	case "binary":
		return DatatypeBinary, nil
	case "point":
		return DatatypePoint, nil
	case "mixed":
		return DatatypeMixed, nil
	case "array":
		return DatatypeArray, nil
	case "virtual":
		return DatatypeVirtual, nil
	}
	return "", core.InvalidArgumentf("unknown datatype: %s", raw)
}

func toTitleCase(str string) string {
	words := strings.Fields(strings.ReplaceAll(str, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func compileAttribute(code string, spec AttributeSpec) (*Attribute, error) {
	if !attributeCodePattern.MatchString(code) {
		return nil, core.InvalidArgumentf("invalid attribute code: %s", code)
	}
	datatype, err := parseDatatype(spec.Type)
	if err != nil {
		return nil, err
	}
	name := spec.Name
	if name == "" {
		name = toTitleCase(code)
	}
	order := spec.Order
	if order == 0 {
		order = 10000
	}
	attr := &Attribute{
		Code:        code,
		Type:        datatype,
		Name:        name,
		Description: spec.Description,
		Order:       order,
		TextSearch:  spec.TextSearch,
		Required:    spec.Required,
		CSV:         spec.CSV == nil || *spec.CSV,
		MaxLen:      255,
	}
	if datatype == DatatypeBinary {
		// binary attributes are fetched explicitly, never required
		attr.Required = false
	}
	connect := spec.Connect
	if connect == "" {
		connect = spec.Ref
	}
	attr.Connect = connect

	if len(spec.Default) > 0 {
		rule, err := compileDefault(spec.Default, datatype)
		if err != nil {
			return nil, core.InvalidArgumentf("attribute %s: %s", code, err)
		}
		attr.Default = rule
	}
	if len(spec.Compute) > 0 {
		if datatype != DatatypeVirtual {
			return nil, core.InvalidArgumentf("attribute %s: compute requires the virtual datatype", code)
		}
		rule, err := compileCompute(spec.Compute)
		if err != nil {
			return nil, core.InvalidArgumentf("attribute %s: %s", code, err)
		}
		attr.Compute = rule
	}

	switch datatype {
	case DatatypeString:
		if len(spec.Min) > 0 {
			var n int
			if err := json.Unmarshal(spec.Min, &n); err == nil {
				attr.MinLen = n
			}
		}
		if len(spec.Max) > 0 {
			var n int
			if err := json.Unmarshal(spec.Max, &n); err == nil {
				attr.MaxLen = n
			}
		}
		attr.Enum = spec.Enum
		if spec.Match != "" {
			pattern, err := regexp.Compile(spec.Match)
			if err != nil {
				return nil, core.InvalidArgumentf("attribute %s: invalid match pattern: %s", code, err)
			}
			attr.Pattern = pattern
		}
	case DatatypeNumber:
		if len(spec.Min) > 0 {
			var f float64
			if err := json.Unmarshal(spec.Min, &f); err == nil {
				attr.MinNum = &f
			}
		}
		if len(spec.Max) > 0 {
			var f float64
			if err := json.Unmarshal(spec.Max, &f); err == nil {
				attr.MaxNum = &f
			}
		}
	}
	return attr, nil
}

func systemAttribute(code string, datatype Datatype, order int, csv bool) *Attribute {
	return &Attribute{
		Code:   code,
		Type:   datatype,
		Name:   toTitleCase(strings.TrimPrefix(code, "_")),
		Order:  order,
		CSV:    csv,
		MaxLen: 255,
	}
}

func compileModel(code string, def EntityDefinition, collations map[string]string) (*Model, error) {
	code = strings.ToLower(code)
	if !attributeCodePattern.MatchString(code) {
		return nil, core.InvalidArgumentf("invalid entity code: %s", code)
	}
	name := def.Name
	if name == "" {
		name = toTitleCase(code)
	}
	table := def.Collection
	if table == "" {
		table = code
	}

	model := &Model{
		Code:       code,
		Name:       name,
		Table:      table,
		ACL:        def.ACL,
		Audit:      def.Audit == nil || *def.Audit,
		CSV:        def.CSV == nil || *def.CSV,
		Seed:       def.Seed,
		byCode:     map[string]*Attribute{},
		collations: collations,
	}

	for attrCode, spec := range def.Attributes {
		attr, err := compileAttribute(attrCode, spec)
		if err != nil {
			return nil, core.InvalidArgumentf("entity %s: %s", code, err)
		}
		model.Attributes = append(model.Attributes, attr)
	}
	// declared serialization order, ties broken by code
	sort.Slice(model.Attributes, func(i, j int) bool {
		a, b := model.Attributes[i], model.Attributes[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Code < b.Code
	})

	model.Attributes = append(model.Attributes,
		systemAttribute(IDKey, DatatypeObjectID, 100000, true))
	if model.Audit {
		model.Attributes = append(model.Attributes,
			systemAttribute(CreatedByKey, DatatypeString, 100001, true),
			systemAttribute(UpdatedByKey, DatatypeString, 100002, true),
			systemAttribute(CreatedDateKey, DatatypeDate, 100003, true),
			systemAttribute(UpdatedDateKey, DatatypeDate, 100004, true))
	}
	model.Attributes = append(model.Attributes,
		systemAttribute(access.Key, DatatypeMixed, 100005, false))

	for _, attr := range model.Attributes {
		if _, ok := model.byCode[attr.Code]; ok {
			return nil, core.InvalidArgumentf("entity %s: duplicate attribute code: %s", code, attr.Code)
		}
		model.byCode[attr.Code] = attr
	}

	if def.Query != "" {
		baseQuery, err := url.ParseQuery(def.Query)
		if err != nil {
			return nil, core.InvalidArgumentf("entity %s: invalid base query: %s", code, err)
		}
		model.BaseQuery = baseQuery
	}

	if def.Collation != "" {
		collation, ok := collations[def.Collation]
		if !ok {
			return nil, core.InvalidArgumentf("entity %s references unknown collation: %s", code, def.Collation)
		}
		model.Collation = collation
	}

	model.textWeights = textWeightClasses(model.Attributes)
	return model, nil
}

// textWeightClasses orders weighted string attributes into the four
// postgres tsvector classes, highest weight first.
func textWeightClasses(attributes []*Attribute) map[string]byte {
	var weighted []*Attribute
	for _, a := range attributes {
		if a.Type == DatatypeString && a.TextSearch > 0 {
			weighted = append(weighted, a)
		}
	}
	if len(weighted) == 0 {
		return nil
	}
	sort.Slice(weighted, func(i, j int) bool {
		if weighted[i].TextSearch != weighted[j].TextSearch {
			return weighted[i].TextSearch > weighted[j].TextSearch
		}
		return weighted[i].Order < weighted[j].Order
	})
	classes := map[string]byte{}
	for i, a := range weighted {
		class := byte('A' + i)
		if class > 'D' {
			class = 'D'
		}
		classes[a.Code] = class
	}
	return classes
}

// ParseDefinition parses and validates a definition document.
func ParseDefinition(data []byte) (*Definition, error) {
	if err := ValidateDefinition(data); err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, core.InvalidArgumentf("parse error in definition: %s", err)
	}
	if len(def.Entities) == 0 {
		return nil, core.InvalidArgumentf("definition declares no entities")
	}
	for code, entity := range def.Entities {
		if connectErr := checkConnectTargets(code, entity, def.Entities); connectErr != nil {
			return nil, connectErr
		}
	}
	return &def, nil
}

func checkConnectTargets(code string, entity EntityDefinition, entities map[string]EntityDefinition) error {
	for attrCode, spec := range entity.Attributes {
		connect := spec.Connect
		if connect == "" {
			connect = spec.Ref
		}
		if connect == "" {
			continue
		}
		if _, ok := entities[connect]; !ok {
			return core.InvalidArgumentf("entity %s: attribute %s connects to unknown entity: %s",
				code, attrCode, connect)
		}
	}
	return nil
}

func (m *Model) String() string {
	return fmt.Sprintf("%s (%d attributes)", m.Code, len(m.Attributes))
}
