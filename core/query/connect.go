package query

import (
	"strings"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/schema"
)

// reverseKey is the result key under which reverse connect arrays are
// merged into each root record.
const reverseKey = "_reverse"

// ForwardJoin follows a relation attribute of the root entity: the stored
// record id is replaced with the referenced record.
type ForwardJoin struct {
	Attr   *schema.Attribute
	Target *schema.Model
	Select []string
}

// ReverseJoin collects the records of another entity whose relation
// attribute points back at the root record. Results are arrays under
// _reverse, keyed "<entity>_<attribute>".
type ReverseJoin struct {
	Target *schema.Model
	Attr   *schema.Attribute
	Key    string
	Select []string
}

// Connect is the parsed relation traversal of a query.
type Connect struct {
	Forward []ForwardJoin
	Reverse []ReverseJoin
}

// ParseConnect resolves the _connect directives against the registry. A
// plain directive names a relation attribute of the root entity; a dotted
// "entity.attribute" directive names a relation of another entity pointing
// back at the root.
func ParseConnect(registry *schema.Registry, model *schema.Model, directives []string, sel *SelectSpec) (*Connect, error) {
	if len(directives) == 0 {
		return nil, nil
	}
	connect := &Connect{}
	seen := map[string]bool{}
	for _, directive := range directives {
		directive = strings.TrimSpace(directive)
		if directive == "" || seen[directive] {
			continue
		}
		seen[directive] = true

		if dot := strings.Index(directive, "."); dot >= 0 {
			entity, attrCode := directive[:dot], directive[dot+1:]
			target, err := registry.Lookup(entity)
			if err != nil {
				return nil, err
			}
			attr, ok := target.Attribute(attrCode)
			if !ok {
				return nil, core.InvalidArgumentf("%s is not an attribute of %s", attrCode, entity)
			}
			if !attr.IsRelation() || attr.Connect != model.Code {
				return nil, core.InvalidArgumentf("%s.%s does not connect to %s", entity, attrCode, model.Code)
			}
			key := entity + "_" + attrCode
			if err := checkSub(target, sel.Sub[key]); err != nil {
				return nil, err
			}
			connect.Reverse = append(connect.Reverse, ReverseJoin{
				Target: target,
				Attr:   attr,
				Key:    key,
				Select: sel.Sub[key],
			})
			continue
		}

		attr, ok := model.Attribute(directive)
		if !ok {
			return nil, core.InvalidArgumentf("%s is not an attribute of %s", directive, model.Code)
		}
		if !attr.IsRelation() {
			return nil, core.InvalidArgumentf("%s does not connect to another entity", directive)
		}
		target, err := registry.Lookup(attr.Connect)
		if err != nil {
			return nil, err
		}
		if err := checkSub(target, sel.Sub[directive]); err != nil {
			return nil, err
		}
		// the relation attribute itself has to survive the root projection,
		// the joined record replaces its value
		sel.Root[attr.Code] = true
		connect.Forward = append(connect.Forward, ForwardJoin{
			Attr:   attr,
			Target: target,
			Select: sel.Sub[directive],
		})
	}
	if len(connect.Forward) == 0 && len(connect.Reverse) == 0 {
		return nil, nil
	}
	return connect, nil
}

// checkSub validates a queued sub-select against the joined entity.
func checkSub(target *schema.Model, selected []string) error {
	for _, code := range selected {
		if !target.HasAttribute(code) {
			return core.InvalidArgumentf("%s is not an attribute of %s", code, target.Code)
		}
	}
	return nil
}
