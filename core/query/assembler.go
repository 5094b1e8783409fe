package query

import (
	"database/sql"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/csql"
	"github.com/apiforge-io/apiforge/core/schema"
)

// DefaultLimit caps the page size when the request carries no _limit.
const DefaultLimit = 1000

// scoreKey is the synthetic relevance attribute added by keyword search.
const scoreKey = "_score"

// Query is a fully assembled query against one entity, ready to be turned
// into SQL. It always carries the operation and user it was built for; the
// visibility clause is part of Where and cannot be assembled without them.
type Query struct {
	Model     *schema.Model
	Operation core.Operation
	User      *access.User

	Where     csql.Fragment
	OrderBy   []string
	Skip      int
	Limit     int
	Keywords  string
	Collation string
	Select    *SelectSpec
	Connect   *Connect
	// Format is the requested response format (the _type operand).
	Format string
}

// Build translates a raw query string into a query. The entity's baseline
// filter is merged in before separation, so it passes through the same
// grammar and validation as user filters. Count queries ignore paging,
// ordering and projection.
func Build(registry *schema.Registry, model *schema.Model, raw url.Values, operation core.Operation, user *access.User) (*Query, error) {
	merged := url.Values{}
	for key, vals := range raw {
		merged[key] = append(merged[key], vals...)
	}
	for key, vals := range model.BaseQuery {
		merged[key] = append(merged[key], vals...)
	}

	params := Separate(model, merged)

	q := &Query{
		Model:     model,
		Operation: operation,
		User:      user,
		Limit:     DefaultLimit,
		Collation: model.Collation,
		Format:    params.Operands.Get(OperandType),
	}

	if name := params.Operands.Get(OperandCollation); name != "" {
		collation, err := model.ResolveCollation(name)
		if err != nil {
			return nil, err
		}
		q.Collation = collation
	}

	where := []csql.Fragment{}

	// attribute filters: every value of every attribute must hold
	attrCodes := make([]string, 0, len(params.Attributes))
	for code := range params.Attributes {
		attrCodes = append(attrCodes, code)
	}
	sort.Strings(attrCodes)
	for _, code := range attrCodes {
		attr, _ := model.Attribute(code)
		for _, value := range params.Attributes[code] {
			clause, err := Clause(attr, value, user, q.Collation)
			if err != nil {
				return nil, err
			}
			where = append(where, clause)
		}
	}

	if keywords := params.Operands.Get(OperandKeywords); keywords != "" {
		if len(model.TextWeights()) == 0 {
			return nil, core.InvalidArgumentf("entity %s has no searchable attributes", model.Code)
		}
		q.Keywords = keywords
		where = append(where, csql.Frag(`tsv @@ plainto_tsquery('english', ?)`, keywords))
	}

	// the visibility clause is part of every query; only an explicitly
	// disabled entity policy removes it
	if model.ACL == nil || !model.ACL.Disabled {
		where = append(where, access.Clause(operation, user))
	}
	q.Where = csql.And(where...)

	if operation == core.OperationCount {
		return q, nil
	}

	if value := params.Operands.Get(OperandSkip); value != "" {
		skip, err := strconv.Atoi(value)
		if err != nil || skip < 0 {
			return nil, core.InvalidArgumentf("invalid _skip value: %s", value)
		}
		q.Skip = skip
	}
	if value := params.Operands.Get(OperandLimit); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 0 {
			return nil, core.InvalidArgumentf("invalid _limit value: %s", value)
		}
		q.Limit = limit
	}

	if err := q.parseSort(core.SplitValues(params.Operands[OperandSort])); err != nil {
		return nil, err
	}
	if len(q.OrderBy) == 0 && q.Keywords != "" {
		q.OrderBy = []string{"_score DESC"}
	}

	sel, err := ParseSelect(model, core.SplitValues(params.Operands[OperandSelect]))
	if err != nil {
		return nil, err
	}
	q.Select = sel

	connect, err := ParseConnect(registry, model, core.SplitValues(params.Operands[OperandConnect]), sel)
	if err != nil {
		return nil, err
	}
	q.Connect = connect

	return q, nil
}

func (q *Query) parseSort(entries []string) error {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		direction := "ASC"
		if strings.HasPrefix(entry, "-") {
			direction = "DESC"
			entry = entry[1:]
		}
		attr, ok := q.Model.Attribute(entry)
		if !ok {
			return core.InvalidArgumentf("cannot sort by %s, not an attribute of %s", entry, q.Model.Code)
		}
		q.OrderBy = append(q.OrderBy, collate(sqlExpr(attr), attr, q.Collation)+" "+direction)
	}
	return nil
}

// SelectSQL renders the query as a postgres statement over the given
// schema. The caller passes the returned args to the driver unmodified.
func (q *Query) SelectSQL(dbSchema string) (string, []interface{}) {
	var b strings.Builder
	var args []interface{}

	b.WriteString(`SELECT _id, ` + docExpr(q.Model))
	if q.Keywords != "" {
		b.WriteString(`, ts_rank(tsv, plainto_tsquery('english', ?)) AS _score`)
		args = append(args, q.Keywords)
	}
	b.WriteString(` FROM ` + dbSchema + `."` + q.Model.Table + `"`)
	if !q.Where.Empty() {
		b.WriteString(` WHERE ` + q.Where.SQL)
		args = append(args, q.Where.Args...)
	}
	if len(q.OrderBy) > 0 {
		b.WriteString(` ORDER BY ` + strings.Join(q.OrderBy, ", "))
	}
	// _limit=0 lifts the page cap entirely
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}
	b.WriteString(` OFFSET ?`)
	args = append(args, q.Skip)

	return csql.Numbered(b.String(), 0), args
}

// Scan reads one result row into a record document. Keyword queries carry
// the extra relevance column, exposed as the synthetic _score attribute.
func (q *Query) Scan(rows *sql.Rows) (map[string]interface{}, error) {
	var id string
	var raw []byte
	var score float64
	if q.Keywords != "" {
		if err := rows.Scan(&id, &raw, &score); err != nil {
			return nil, err
		}
	} else if err := rows.Scan(&id, &raw); err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc[schema.IDKey] = id
	if q.Keywords != "" {
		doc[scoreKey] = score
	}
	return doc, nil
}

// CountSQL renders the query as a count statement.
func (q *Query) CountSQL(dbSchema string) (string, []interface{}) {
	stmt := `SELECT count(*) FROM ` + dbSchema + `."` + q.Model.Table + `"`
	var args []interface{}
	if !q.Where.Empty() {
		stmt += ` WHERE ` + q.Where.SQL
		args = q.Where.Args
	}
	return csql.Numbered(stmt, 0), args
}
