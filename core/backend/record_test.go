package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/schema"
)

const recordDefinition = `{
	"entities": {
		"person": {
			"attributes": {
				"name": {"type": "string", "required": true},
				"city": {"type": "string", "default": "New York"},
				"age": {"type": "number", "min": 0, "max": 150},
				"status": {"type": "string", "enum": ["active", "retired"]},
				"email": {"type": "string", "match": "^[^@]+@[^@]+$"},
				"joined": {"type": "date", "default": "now"},
				"editor": {"type": "string", "default": "current_username"},
				"photo": "binary"
			},
			"acl": {
				"default": {"public": 1, "owner": {"CURRENT_USER": 7}}
			}
		}
	}
}`

func recordModel(t *testing.T) *schema.Model {
	def, err := schema.ParseDefinition([]byte(recordDefinition))
	require.NoError(t, err)
	registry, err := schema.NewRegistry(def)
	require.NoError(t, err)
	model, err := registry.Lookup("person")
	require.NoError(t, err)
	return model
}

func TestBuildRecordDefaultsAndStamps(t *testing.T) {
	model := recordModel(t)
	user := &access.User{ID: "61a2", Username: "jane"}

	doc, skipped, err := buildRecord(model, user, map[string]interface{}{
		"name": "Jane",
	})
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, "Jane", doc["name"])
	assert.Equal(t, "New York", doc["city"])
	assert.Equal(t, "jane", doc["editor"])
	assert.NoError(t, schema.ParseDateValue(doc["joined"].(string)))

	assert.Equal(t, "jane", doc[schema.CreatedByKey])
	assert.Equal(t, "jane", doc[schema.UpdatedByKey])
	assert.Equal(t, doc[schema.CreatedDateKey], doc[schema.UpdatedDateKey])
}

func TestBuildRecordSkipsUnknownAndProtectedFields(t *testing.T) {
	model := recordModel(t)
	doc, skipped, err := buildRecord(model, nil, map[string]interface{}{
		"name":      "Jane",
		"salary":    100,
		"_id":       "5c505aae1b9aa8e4a1e30ccc",
		"createdBy": "mallory",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"_id", "createdBy", "salary"}, skipped)
	assert.NotContains(t, doc, "salary")
	assert.Equal(t, "anonymous", doc[schema.CreatedByKey])
}

func TestBuildRecordRequired(t *testing.T) {
	model := recordModel(t)
	_, _, err := buildRecord(model, nil, map[string]interface{}{"city": "Uppsala"})
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestBuildRecordConstraintViolations(t *testing.T) {
	model := recordModel(t)
	base := func(extra map[string]interface{}) map[string]interface{} {
		input := map[string]interface{}{"name": "Jane"}
		for k, v := range extra {
			input[k] = v
		}
		return input
	}

	_, _, err := buildRecord(model, nil, base(map[string]interface{}{"age": 200.0}))
	assert.True(t, core.IsKind(err, core.KindValidation))
	_, _, err = buildRecord(model, nil, base(map[string]interface{}{"age": "old"}))
	assert.True(t, core.IsKind(err, core.KindValidation))
	_, _, err = buildRecord(model, nil, base(map[string]interface{}{"status": "sleeping"}))
	assert.True(t, core.IsKind(err, core.KindValidation))
	_, _, err = buildRecord(model, nil, base(map[string]interface{}{"email": "not-an-email"}))
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, _, err = buildRecord(model, nil, base(map[string]interface{}{
		"age": 42.0, "status": "active", "email": "jane@example.com",
	}))
	assert.NoError(t, err)
}

func TestBuildRecordConstants(t *testing.T) {
	model := recordModel(t)
	user := &access.User{ID: "61a2", Username: "jane"}

	doc, _, err := buildRecord(model, user, map[string]interface{}{
		"name":   "current_username",
		"joined": "now",
		"city":   "NULL",
	})
	require.NoError(t, err)
	assert.Equal(t, "jane", doc["name"])
	assert.NoError(t, schema.ParseDateValue(doc["joined"].(string)))
	// NULL drops the field, overriding the default
	assert.NotContains(t, doc, "city")
}

func TestBuildRecordBinaryEnvelope(t *testing.T) {
	model := recordModel(t)
	doc, _, err := buildRecord(model, nil, map[string]interface{}{
		"name": "Jane",
		"photo": map[string]interface{}{
			"filename":   "me.png",
			"mimetype":   "image/png",
			"binaryData": "aGVsbG8=",
		},
	})
	require.NoError(t, err)
	photo := doc["photo"].(map[string]interface{})
	assert.Equal(t, float64(5), photo["size"])

	_, _, err = buildRecord(model, nil, map[string]interface{}{
		"name":  "Jane",
		"photo": map[string]interface{}{"filename": "me.png"},
	})
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, _, err = buildRecord(model, nil, map[string]interface{}{
		"name": "Jane",
		"photo": map[string]interface{}{
			"filename": "me.png", "mimetype": "image/png", "binaryData": "%%%",
		},
	})
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestUpdateRecord(t *testing.T) {
	model := recordModel(t)
	user := &access.User{ID: "61a2", Username: "jane"}
	existing := map[string]interface{}{
		schema.IDKey:          "5c505aae1b9aa8e4a1e30ccc",
		"name":                "Jane",
		"city":                "Uppsala",
		"age":                 30.0,
		schema.CreatedByKey:   "jane",
		schema.CreatedDateKey: "2014-01-31T12:30:58.123Z",
		access.Key:            map[string]interface{}{"public": 1.0},
	}

	doc, skipped, err := updateRecord(model, user, existing, map[string]interface{}{
		"age":  31.0,
		"city": "NULL",
		"_acl": map[string]interface{}{"public": 7.0},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{access.Key}, skipped)
	assert.Equal(t, 31.0, doc["age"])
	assert.NotContains(t, doc, "city")
	assert.NotContains(t, doc, schema.IDKey)
	// the stored ACL survives, the body's is ignored
	assert.Equal(t, map[string]interface{}{"public": 1.0}, doc[access.Key])
	assert.Equal(t, "jane", doc[schema.CreatedByKey])
	assert.Equal(t, "2014-01-31T12:30:58.123Z", doc[schema.CreatedDateKey])
	assert.NotEqual(t, doc[schema.CreatedDateKey], doc[schema.UpdatedDateKey])
}

func TestUpdateRecordCannotDropRequired(t *testing.T) {
	model := recordModel(t)
	existing := map[string]interface{}{"name": "Jane"}
	_, _, err := updateRecord(model, nil, existing, map[string]interface{}{"name": "NULL"})
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestACLForInsertDefault(t *testing.T) {
	model := recordModel(t)
	user := &access.User{ID: "61a2"}

	acl, err := aclForInsert(model, user, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, access.PermissionRead, acl.Public)
	assert.Equal(t, map[string]access.Permission{"61a2": access.PermissionAll}, acl.Owner)
}

func TestACLForInsertFromBody(t *testing.T) {
	model := recordModel(t)
	acl, err := aclForInsert(model, &access.User{ID: "61a2"}, map[string]interface{}{
		access.Key: map[string]interface{}{
			"public": 0.0,
			"owner":  map[string]interface{}{"CURRENT_USER": 7.0},
			"groups": map[string]interface{}{"staff": 1.0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, access.PermissionNone, acl.Public)
	assert.Equal(t, map[string]access.Permission{"61a2": access.PermissionAll}, acl.Owner)
	assert.Equal(t, map[string]access.Permission{"staff": access.PermissionRead}, acl.Groups)

	_, err = aclForInsert(model, nil, map[string]interface{}{access.Key: "everything"})
	assert.True(t, core.IsKind(err, core.KindValidation))
}
