/*
Package query translates HTTP query strings into SQL.

A request query string mixes reserved operands (underscore-prefixed keys
that shape the query) with attribute filters (keys naming entity
attributes). The package separates the two, coerces filter values through
the operator grammar, resolves relation traversal and projection, and
assembles the final statement with the caller's visibility clause layered
in unconditionally.
*/
package query

import (
	"net/url"
	"strings"

	"github.com/apiforge-io/apiforge/core/schema"
)

// reserved operands
const (
	OperandSkip      = "_skip"
	OperandLimit     = "_limit"
	OperandSort      = "_sort"
	OperandPopulate  = "_populate"
	OperandSelect    = "_select"
	OperandConnect   = "_connect"
	OperandKeywords  = "_keywords"
	OperandType      = "_type"
	OperandCollation = "_collation"
)

var reservedOperands = map[string]bool{
	OperandSkip:      true,
	OperandLimit:     true,
	OperandSort:      true,
	OperandPopulate:  true,
	OperandSelect:    true,
	OperandConnect:   true,
	OperandKeywords:  true,
	OperandType:      true,
	OperandCollation: true,
}

// Parameters is a query string separated into its planes. Extras collects
// keys that are neither reserved operands nor declared attributes; they are
// kept around for logging but never influence the query, so clients can send
// parameters a future version understands without breaking older servers.
type Parameters struct {
	Operands   url.Values
	Attributes url.Values
	Extras     url.Values
}

// Separate splits raw query values into reserved operands, attribute filters
// and ignored extras. Unrecognized keys never fail the request.
func Separate(model *schema.Model, values url.Values) *Parameters {
	p := &Parameters{
		Operands:   url.Values{},
		Attributes: url.Values{},
		Extras:     url.Values{},
	}
	for key, vals := range values {
		switch {
		case reservedOperands[key]:
			p.Operands[key] = vals
		case model.HasAttribute(key) && !strings.HasPrefix(key, "_"):
			p.Attributes[key] = vals
		case key == schema.IDKey:
			p.Attributes[key] = vals
		default:
			p.Extras[key] = vals
		}
	}
	return p
}
