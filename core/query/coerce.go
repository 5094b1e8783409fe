package query

import (
	"math"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/csql"
	"github.com/apiforge-io/apiforge/core/schema"
)

// CurrentUsername is the sentinel filter value replaced with the
// authenticated user's username. Substitution happens when the clause is
// built, after operator parsing, so the sentinel can be combined with any
// comparison operator.
const CurrentUsername = "CURRENT_USERNAME"

// Clause translates one filter value through the operator grammar into a
// condition on the attribute:
//
//	isnull      attribute is absent or null
//	!isnull     attribute is present
//	[a,b,c]     attribute equals one of the listed values
//	~value      attribute contains value (case-insensitive regex)
//	~>value     attribute begins with value (case-insensitive regex)
//	>  >=  <  <= range comparison on the coerced value
//	!value      attribute differs from the coerced value
//	value       attribute equals the coerced value
func Clause(attr *schema.Attribute, raw string, user *access.User, collation string) (csql.Fragment, error) {
	expr := sqlExpr(attr)

	switch {
	case strings.EqualFold(raw, "isnull"):
		return csql.Frag(expr + " IS NULL"), nil
	case strings.EqualFold(raw, "!isnull"):
		return csql.Frag(expr + " IS NOT NULL"), nil
	case strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"):
		// list members are matched verbatim, without datatype coercion
		members := strings.Split(raw[1:len(raw)-1], ",")
		for i := range members {
			members[i] = substituteUser(members[i], user)
		}
		return csql.Frag(expr+" = ANY(?)", pq.Array(members)), nil
	case strings.HasPrefix(raw, "~>"):
		if attr.Type != schema.DatatypeString {
			return csql.Fragment{}, core.InvalidArgumentf(
				"operator ~> requires a string attribute, %s is %s", attr.Code, attr.Type)
		}
		return csql.Frag(expr+" ~* ?", "^"+substituteUser(raw[2:], user)), nil
	case strings.HasPrefix(raw, "~"):
		if attr.Type != schema.DatatypeString {
			return csql.Fragment{}, core.InvalidArgumentf(
				"operator ~ requires a string attribute, %s is %s", attr.Code, attr.Type)
		}
		return csql.Frag(expr+" ~* ?", substituteUser(raw[1:], user)), nil
	case strings.HasPrefix(raw, ">="):
		return comparison(attr, expr, ">=", raw[2:], user, collation)
	case strings.HasPrefix(raw, "<="):
		return comparison(attr, expr, "<=", raw[2:], user, collation)
	case strings.HasPrefix(raw, ">"):
		return comparison(attr, expr, ">", raw[1:], user, collation)
	case strings.HasPrefix(raw, "<"):
		return comparison(attr, expr, "<", raw[1:], user, collation)
	case strings.HasPrefix(raw, "!"):
		value, err := coerceValue(attr, substituteUser(raw[1:], user))
		if err != nil {
			return csql.Fragment{}, err
		}
		return csql.Frag(collate(expr, attr, collation)+" IS DISTINCT FROM ?", value), nil
	default:
		value, err := coerceValue(attr, substituteUser(raw, user))
		if err != nil {
			return csql.Fragment{}, err
		}
		return csql.Frag(collate(expr, attr, collation)+" = ?", value), nil
	}
}

func comparison(attr *schema.Attribute, expr, op, raw string, user *access.User, collation string) (csql.Fragment, error) {
	value, err := coerceValue(attr, substituteUser(raw, user))
	if err != nil {
		return csql.Fragment{}, err
	}
	return csql.Frag(collate(expr, attr, collation)+" "+op+" ?", value), nil
}

// sqlExpr is the SQL expression reading the attribute from a record row.
// The record id is a real column; everything else lives inside the jsonb
// document, cast where range semantics require it.
func sqlExpr(attr *schema.Attribute) string {
	if attr.Code == schema.IDKey {
		return schema.IDKey
	}
	switch attr.Type {
	case schema.DatatypeNumber:
		return "(doc->>'" + attr.Code + "')::double precision"
	case schema.DatatypeBoolean:
		return "(doc->>'" + attr.Code + "')::boolean"
	case schema.DatatypeDate:
		return "(doc->>'" + attr.Code + "')::timestamptz"
	default:
		return "doc->>'" + attr.Code + "'"
	}
}

func collate(expr string, attr *schema.Attribute, collation string) string {
	if collation == "" || attr.Type != schema.DatatypeString {
		return expr
	}
	return `(` + expr + ` COLLATE "` + collation + `")`
}

func substituteUser(value string, user *access.User) string {
	if value != CurrentUsername {
		return value
	}
	if user == nil {
		return ""
	}
	return user.Username
}

// coerceValue validates and converts a filter value into the attribute's
// datatype. The returned value is handed to the driver as a typed argument.
func coerceValue(attr *schema.Attribute, raw string) (interface{}, error) {
	switch attr.Type {
	case schema.DatatypeNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, core.InvalidArgumentf("%s is not a valid number for attribute %s", raw, attr.Code)
		}
		return f, nil
	case schema.DatatypeBoolean:
		switch strings.ToLower(raw) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, core.InvalidArgumentf("%s is not a valid boolean for attribute %s", raw, attr.Code)
	case schema.DatatypeDate:
		if err := schema.ParseDateValue(raw); err != nil {
			return nil, core.InvalidArgumentf("%s is not a valid date for attribute %s", raw, attr.Code)
		}
		// the date-only form means UTC midnight, independent of the
		// session time zone
		if len(raw) == len(schema.DateOnlyFormat) {
			return raw + "T00:00:00.000Z", nil
		}
		return raw, nil
	case schema.DatatypeObjectID:
		if !core.IsObjectID(raw) {
			return nil, core.InvalidArgumentf("%s is not a valid record id for attribute %s", raw, attr.Code)
		}
		return raw, nil
	case schema.DatatypeString, schema.DatatypeMixed:
		return raw, nil
	}
	return nil, core.InvalidArgumentf("cannot filter on %s attribute %s", attr.Type, attr.Code)
}
