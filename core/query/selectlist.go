package query

import (
	"strings"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/schema"
)

// SelectSpec is the parsed projection of a query. Entries without a dot
// project the root record; dotted entries ("address.city",
// "person_shipping.city") project the sub-documents merged in by a connect
// directive and are keyed by the directive's result key.
type SelectSpec struct {
	// Root holds the projected root attribute codes. The record id is
	// always part of the projection.
	Root map[string]bool
	// ApplyRoot reports whether an explicit root projection was given.
	// When false the full record is returned.
	ApplyRoot bool
	// Sub holds the projected attribute codes per connect result key.
	Sub map[string][]string
}

// ParseSelect parses the _select operand values.
func ParseSelect(model *schema.Model, values []string) (*SelectSpec, error) {
	spec := &SelectSpec{
		Root: map[string]bool{schema.IDKey: true},
		Sub:  map[string][]string{},
	}
	for _, entry := range values {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if dot := strings.Index(entry, "."); dot >= 0 {
			key, sub := entry[:dot], entry[dot+1:]
			if key == "" || sub == "" {
				return nil, core.InvalidArgumentf("invalid select entry: %s", entry)
			}
			// a dotted path into a plain root attribute (embedded document
			// field, binary metadata) keeps the attribute projected; a path
			// under any other key is a sub-select for a connect directive,
			// validated when the directive is resolved
			if attr, ok := model.Attribute(key); ok && !attr.IsRelation() {
				spec.Root[key] = true
				spec.ApplyRoot = true
				continue
			}
			spec.Sub[key] = append(spec.Sub[key], sub)
			continue
		}
		if !model.HasAttribute(entry) {
			return nil, core.InvalidArgumentf("%s is not an attribute of %s", entry, model.Code)
		}
		spec.Root[entry] = true
		spec.ApplyRoot = true
	}
	// the version counter is never exposed
	delete(spec.Root, schema.VersionKey)
	return spec, nil
}

// ProjectRecord applies the root projection to one record in place. Binary
// payloads are always reduced to their metadata; the id always survives.
func (s *SelectSpec) ProjectRecord(model *schema.Model, item map[string]interface{}) {
	delete(item, schema.VersionKey)
	stripBinaryData(model, item)
	if s == nil || !s.ApplyRoot {
		return
	}
	for key := range item {
		if key == schema.IDKey || key == reverseKey || key == scoreKey {
			continue
		}
		if !s.Root[key] {
			delete(item, key)
		}
	}
}

// Sanitize prepares a record document for serialization without a
// projection: version counter and binary payloads removed, everything
// else untouched.
func Sanitize(model *schema.Model, item map[string]interface{}) {
	delete(item, schema.VersionKey)
	stripBinaryData(model, item)
}

// docExpr is the document column expression with all binary payloads
// removed, so raw bytes never cross the wire on reads and lists. The
// dedicated binary download operation selects the payload explicitly.
func docExpr(model *schema.Model) string {
	expr := "doc"
	for _, attr := range model.Attributes {
		if attr.Type == schema.DatatypeBinary {
			expr += " #- '{" + attr.Code + ",binaryData}'"
		}
	}
	if expr != "doc" {
		expr = "(" + expr + ")"
	}
	return expr
}

// stripBinaryData removes the payload from binary attribute values, leaving
// the filename, mimetype and size metadata in place. Payloads are served by
// the dedicated binary download operation only.
func stripBinaryData(model *schema.Model, item map[string]interface{}) {
	for _, attr := range model.Attributes {
		if attr.Type != schema.DatatypeBinary {
			continue
		}
		if value, ok := item[attr.Code].(map[string]interface{}); ok {
			delete(value, "binaryData")
		}
	}
}

// projectSub applies a connect sub-projection to a joined record.
func projectSub(target *schema.Model, selected []string, item map[string]interface{}) {
	delete(item, schema.VersionKey)
	stripBinaryData(target, item)
	if len(selected) == 0 {
		return
	}
	keep := map[string]bool{schema.IDKey: true}
	for _, code := range selected {
		keep[code] = true
	}
	for key := range item {
		if !keep[key] {
			delete(item, key)
		}
	}
}
