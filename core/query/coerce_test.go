package query

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/schema"
)

const testDefinition = `{
	"collations": {"en_ci": "en-x-icu"},
	"entities": {
		"person": {
			"attributes": {
				"name": {"type": "string", "required": true, "textsearch": 10},
				"city": "string",
				"age": "number",
				"member": "boolean",
				"joined": "date",
				"photo": "binary",
				"address": {"type": "objectid", "connect_entity": "address"}
			}
		},
		"address": {
			"attributes": {
				"city": "string",
				"street": "string"
			}
		},
		"shipping": {
			"attributes": {
				"person": {"type": "objectid", "connect_entity": "person"},
				"status": "string"
			},
			"acl": {"disabled": true}
		}
	}
}`

func testRegistry(t *testing.T) *schema.Registry {
	def, err := schema.ParseDefinition([]byte(testDefinition))
	require.NoError(t, err)
	registry, err := schema.NewRegistry(def)
	require.NoError(t, err)
	return registry
}

func testAttr(t *testing.T, registry *schema.Registry, entity, code string) *schema.Attribute {
	model, err := registry.Lookup(entity)
	require.NoError(t, err)
	attr, ok := model.Attribute(code)
	require.True(t, ok, "attribute %s", code)
	return attr
}

func TestClauseEquality(t *testing.T) {
	registry := testRegistry(t)

	f, err := Clause(testAttr(t, registry, "person", "city"), "Uppsala", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `doc->>'city' = ?`, f.SQL)
	assert.Equal(t, []interface{}{"Uppsala"}, f.Args)

	f, err = Clause(testAttr(t, registry, "person", "age"), "42", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `(doc->>'age')::double precision = ?`, f.SQL)
	assert.Equal(t, []interface{}{42.0}, f.Args)

	f, err = Clause(testAttr(t, registry, "person", "member"), "true", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `(doc->>'member')::boolean = ?`, f.SQL)
	assert.Equal(t, []interface{}{true}, f.Args)
}

func TestClauseRangeOperators(t *testing.T) {
	registry := testRegistry(t)
	age := testAttr(t, registry, "person", "age")

	for raw, op := range map[string]string{
		">18": ">", ">=18": ">=", "<18": "<", "<=18": "<=",
	} {
		f, err := Clause(age, raw, nil, "")
		require.NoError(t, err)
		assert.Equal(t, `(doc->>'age')::double precision `+op+` ?`, f.SQL)
		assert.Equal(t, []interface{}{18.0}, f.Args)
	}
}

func TestClauseRegexOperators(t *testing.T) {
	registry := testRegistry(t)
	city := testAttr(t, registry, "person", "city")

	f, err := Clause(city, "~holm", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `doc->>'city' ~* ?`, f.SQL)
	assert.Equal(t, []interface{}{"holm"}, f.Args)

	f, err = Clause(city, "~>Stock", nil, "")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"^Stock"}, f.Args)

	// regex match is for strings only
	_, err = Clause(testAttr(t, registry, "person", "age"), "~4", nil, "")
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
}

func TestClauseNullChecks(t *testing.T) {
	registry := testRegistry(t)
	city := testAttr(t, registry, "person", "city")

	f, err := Clause(city, "isnull", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `doc->>'city' IS NULL`, f.SQL)

	f, err = Clause(city, "!isnull", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `doc->>'city' IS NOT NULL`, f.SQL)

	// the literals match case-insensitively
	f, err = Clause(city, "IsNull", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `doc->>'city' IS NULL`, f.SQL)

	f, err = Clause(city, "!ISNULL", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `doc->>'city' IS NOT NULL`, f.SQL)
	assert.Empty(t, f.Args)
}

func TestClauseNotEqual(t *testing.T) {
	registry := testRegistry(t)
	f, err := Clause(testAttr(t, registry, "person", "age"), "!42", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `(doc->>'age')::double precision IS DISTINCT FROM ?`, f.SQL)
	assert.Equal(t, []interface{}{42.0}, f.Args)
}

func TestClauseInListKeepsRawStrings(t *testing.T) {
	registry := testRegistry(t)
	f, err := Clause(testAttr(t, registry, "person", "age"), "[18,21,65]", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `(doc->>'age')::double precision = ANY(?)`, f.SQL)
	// list members pass through without datatype coercion
	assert.Equal(t, []interface{}{pq.Array([]string{"18", "21", "65"})}, f.Args)
}

func TestClauseCoercionErrors(t *testing.T) {
	registry := testRegistry(t)

	_, err := Clause(testAttr(t, registry, "person", "age"), "not-a-number", nil, "")
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))

	// parseable but not finite
	_, err = Clause(testAttr(t, registry, "person", "age"), "Inf", nil, "")
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))

	_, err = Clause(testAttr(t, registry, "person", "member"), "maybe", nil, "")
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))

	// only true/false, not the looser forms strconv accepts
	_, err = Clause(testAttr(t, registry, "person", "member"), "1", nil, "")
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))

	_, err = Clause(testAttr(t, registry, "person", "joined"), "31-01-2014", nil, "")
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))

	_, err = Clause(testAttr(t, registry, "person", "photo"), "x", nil, "")
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
}

func TestClauseDates(t *testing.T) {
	registry := testRegistry(t)
	joined := testAttr(t, registry, "person", "joined")

	f, err := Clause(joined, ">=2014-01-31", nil, "")
	require.NoError(t, err)
	assert.Equal(t, `(doc->>'joined')::timestamptz >= ?`, f.SQL)
	// the date-only form compares as UTC midnight
	assert.Equal(t, []interface{}{"2014-01-31T00:00:00.000Z"}, f.Args)

	f, err = Clause(joined, "2014-01-31T12:30:58.123Z", nil, "")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"2014-01-31T12:30:58.123Z"}, f.Args)
}

func TestClauseCurrentUsername(t *testing.T) {
	registry := testRegistry(t)
	city := testAttr(t, registry, "person", "name")
	user := &access.User{Username: "jane"}

	f, err := Clause(city, CurrentUsername, user, "")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"jane"}, f.Args)

	// substitution happens after operator parsing
	f, err = Clause(city, "!"+CurrentUsername, user, "")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"jane"}, f.Args)

	f, err = Clause(city, CurrentUsername, nil, "")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{""}, f.Args)
}

func TestClauseRecordID(t *testing.T) {
	registry := testRegistry(t)
	model, _ := registry.Lookup("person")
	id, ok := model.Attribute(schema.IDKey)
	require.True(t, ok)

	f, err := Clause(id, "5c505aae1b9aa8e4a1e30ccc", nil, "")
	require.NoError(t, err)
	// the record id is a real column, not part of the document
	assert.Equal(t, `_id = ?`, f.SQL)

	_, err = Clause(id, "short", nil, "")
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
}

func TestClauseCollation(t *testing.T) {
	registry := testRegistry(t)
	city := testAttr(t, registry, "person", "city")

	f, err := Clause(city, "Uppsala", nil, "en-x-icu")
	require.NoError(t, err)
	assert.Equal(t, `(doc->>'city' COLLATE "en-x-icu") = ?`, f.SQL)

	// collation never applies to non-string attributes
	registryAge := testAttr(t, registry, "person", "age")
	f, err = Clause(registryAge, "42", nil, "en-x-icu")
	require.NoError(t, err)
	assert.Equal(t, `(doc->>'age')::double precision = ?`, f.SQL)
}
