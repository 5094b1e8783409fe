package backend

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/csql"
)

const e2eDefinition = `{
	"entities": {
		"person": {
			"attributes": {
				"name": {"type": "string", "required": true, "textsearch": 10},
				"city": {"type": "string", "default": "New York"},
				"age": "number"
			}
		},
		"shipping": {
			"attributes": {
				"person": {"type": "objectid", "connect_entity": "person"},
				"status": "string"
			}
		},
		"note": {
			"attributes": {
				"text": "string"
			},
			"acl": {
				"default": {"public": 0, "owner": {"CURRENT_USER": 7}}
			},
			"seed": [{"text": "welcome"}]
		}
	}
}`

// testDB starts a disposable postgres. Skips when no docker daemon is
// reachable.
func testDB(t *testing.T) *csql.DB {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_DB": "apiforge"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipping, cannot start postgres container: %s", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=postgres password=secret dbname=apiforge sslmode=disable",
		host, port.Port())
	db := csql.OpenWithSchema(dsn, "apiforge_test")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBackendEndToEnd(t *testing.T) {
	db := testDB(t)
	b, err := New(&Builder{
		Definition:   e2eDefinition,
		DB:           db,
		UpdateSchema: true,
	})
	require.NoError(t, err)

	ctx := context.Background()
	jane := access.ContextWithUser(ctx, &access.User{ID: "61a2", Username: "jane"})

	var personID string
	t.Run("insert applies defaults", func(t *testing.T) {
		item, skipped, err := b.Insert(jane, "person", map[string]interface{}{
			"name":   "Jane Smith",
			"age":    42.0,
			"salary": 100,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"salary"}, skipped)
		assert.Equal(t, "New York", item["city"])
		assert.Equal(t, "jane", item["createdBy"])

		id, ok := item["_id"].(string)
		require.True(t, ok)
		require.True(t, core.IsObjectID(id))
		personID = id
	})

	t.Run("read round trip", func(t *testing.T) {
		item, err := b.Read(jane, "person", personID, url.Values{})
		require.NoError(t, err)
		assert.Equal(t, "Jane Smith", item["name"])
		assert.Equal(t, 42.0, item["age"])
		assert.NotContains(t, item, "revision")

		_, err = b.Read(jane, "person", "ffffffffffffffffffffffff", url.Values{})
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})

	t.Run("filters and count", func(t *testing.T) {
		_, _, err := b.Insert(jane, "person", map[string]interface{}{
			"name": "Old Joe", "age": 80.0, "city": "Uppsala",
		})
		require.NoError(t, err)

		items, _, err := b.List(jane, "person", url.Values{"age": {">50"}})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "Old Joe", items[0]["name"])

		items, _, err = b.List(jane, "person", url.Values{"city": {"~>new"}})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "Jane Smith", items[0]["name"])

		count, err := b.Count(jane, "person", url.Values{})
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("keyword search scores", func(t *testing.T) {
		items, _, err := b.List(jane, "person", url.Values{"_keywords": {"smith"}})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "Jane Smith", items[0]["name"])
		assert.Contains(t, items[0], "_score")
	})

	t.Run("select projection", func(t *testing.T) {
		items, _, err := b.List(jane, "person", url.Values{"_select": {"name"}})
		require.NoError(t, err)
		for _, item := range items {
			assert.Contains(t, item, "name")
			assert.Contains(t, item, "_id")
			assert.NotContains(t, item, "city")
		}
	})

	t.Run("reverse connect", func(t *testing.T) {
		_, _, err := b.Insert(jane, "shipping", map[string]interface{}{
			"person": personID, "status": "open",
		})
		require.NoError(t, err)

		items, _, err := b.List(jane, "person",
			url.Values{"_connect": {"shipping.person"}, "_sort": {"name"}})
		require.NoError(t, err)
		require.Len(t, items, 2)

		reverse := items[0]["_reverse"].(map[string]interface{})
		shipments := reverse["shipping_person"].([]interface{})
		require.Len(t, shipments, 1, "Jane has one shipment")
		shipment := shipments[0].(map[string]interface{})
		assert.Equal(t, "open", shipment["status"])

		reverse = items[1]["_reverse"].(map[string]interface{})
		assert.Empty(t, reverse["shipping_person"], "Joe has none, empty array included")
	})

	t.Run("forward connect", func(t *testing.T) {
		items, _, err := b.List(jane, "shipping",
			url.Values{"_connect": {"person"}, "_select": {"person.name"}})
		require.NoError(t, err)
		require.Len(t, items, 1)
		person := items[0]["person"].(map[string]interface{})
		assert.Equal(t, "Jane Smith", person["name"])
		assert.NotContains(t, person, "city", "sub-select restricts the joined record")
	})

	t.Run("acl hides records from strangers", func(t *testing.T) {
		item, _, err := b.Insert(jane, "note", map[string]interface{}{"text": "secret"})
		require.NoError(t, err)
		noteID := item["_id"].(string)

		got, err := b.Read(jane, "note", noteID, url.Values{})
		require.NoError(t, err)
		assert.Equal(t, "secret", got["text"])

		// anonymous and other users get a plain not-found
		_, err = b.Read(ctx, "note", noteID, url.Values{})
		assert.True(t, core.IsKind(err, core.KindNotFound))
		mallory := access.ContextWithUser(ctx, &access.User{ID: "9999", Username: "mallory"})
		_, err = b.Read(mallory, "note", noteID, url.Values{})
		assert.True(t, core.IsKind(err, core.KindNotFound))
		_, _, err = b.Update(mallory, "note", noteID, map[string]interface{}{"text": "hacked"})
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})

	t.Run("seed inserted once", func(t *testing.T) {
		items, _, err := b.List(jane, "note", url.Values{"text": {"welcome"}})
		require.NoError(t, err)
		assert.Len(t, items, 0, "seed record keeps the unresolved owner sentinel, invisible to jane")

		// a second backend over the same tables must not seed again
		_, err = New(&Builder{Definition: e2eDefinition, DB: db, UpdateSchema: true})
		require.NoError(t, err)
		count, err := b.Count(jane, "note", url.Values{})
		require.NoError(t, err)
		assert.Equal(t, 1, count, "jane's own note")
	})

	t.Run("update bumps and audits", func(t *testing.T) {
		item, skipped, err := b.Update(jane, "person", personID, map[string]interface{}{
			"age": 43.0, "bogus": true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"bogus"}, skipped)
		assert.Equal(t, 43.0, item["age"])
		assert.Equal(t, "Jane Smith", item["name"])

		var revision int
		err = db.QueryRow(`SELECT revision FROM apiforge_test."person" WHERE _id = $1`, personID).
			Scan(&revision)
		require.NoError(t, err)
		assert.Equal(t, 2, revision)
	})

	t.Run("chown and chgrp", func(t *testing.T) {
		item, _, err := b.Insert(jane, "note", map[string]interface{}{"text": "handover"})
		require.NoError(t, err)
		noteID := item["_id"].(string)

		_, err = b.Chgrp(jane, "note", noteID, "staff", access.PermissionRead)
		require.NoError(t, err)
		_, err = b.Chown(jane, "note", noteID, "9999")
		require.NoError(t, err)

		// ownership moved with the full permission bits
		mallory := access.ContextWithUser(ctx, &access.User{ID: "9999"})
		got, err := b.Read(mallory, "note", noteID, url.Values{})
		require.NoError(t, err)
		assert.Equal(t, "handover", got["text"])
		_, err = b.Read(jane, "note", noteID, url.Values{})
		assert.True(t, core.IsKind(err, core.KindNotFound))

		// group members read through the granted bit
		staff := access.ContextWithUser(ctx, &access.User{ID: "0000", Groups: []string{"staff"}})
		_, err = b.Read(staff, "note", noteID, url.Values{})
		require.NoError(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		item, _, err := b.Insert(jane, "person", map[string]interface{}{"name": "Temp"})
		require.NoError(t, err)
		id := item["_id"].(string)

		deleted, err := b.Delete(jane, "person", id)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
		_, err = b.Delete(jane, "person", id)
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})

	t.Run("delete batch", func(t *testing.T) {
		var ids []string
		for _, name := range []string{"A", "B"} {
			item, _, err := b.Insert(jane, "person", map[string]interface{}{"name": name})
			require.NoError(t, err)
			ids = append(ids, item["_id"].(string))
		}
		deleted, err := b.DeleteBatch(jane, "person", ids)
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)
	})
}
