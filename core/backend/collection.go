package backend

import (
	"context"
	"encoding/base64"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/csql"
	"github.com/apiforge-io/apiforge/core/query"
	"github.com/apiforge-io/apiforge/core/schema"
)

// List runs a query against an entity and returns the result page with
// connects resolved and the projection applied.
func (b *Backend) List(ctx context.Context, entity string, params url.Values) ([]map[string]interface{}, *query.Query, error) {
	model, err := b.registry.Lookup(entity)
	if err != nil {
		return nil, nil, err
	}
	user := access.UserFromContext(ctx)
	q, err := query.Build(b.registry, model, params, core.OperationList, user)
	if err != nil {
		return nil, nil, err
	}
	items, err := b.run(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	return items, q, nil
}

// Count returns the number of records matching a query. Paging, ordering
// and projection operands are ignored.
func (b *Backend) Count(ctx context.Context, entity string, params url.Values) (int, error) {
	model, err := b.registry.Lookup(entity)
	if err != nil {
		return 0, err
	}
	user := access.UserFromContext(ctx)
	q, err := query.Build(b.registry, model, params, core.OperationCount, user)
	if err != nil {
		return 0, err
	}
	stmt, args := q.CountSQL(b.db.Schema)
	var count int
	if err := b.db.QueryRowContext(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, core.Internalf(err, "cannot count %s records", entity)
	}
	return count, nil
}

// Read returns one record by id. A record the user may not read is
// indistinguishable from a record that does not exist.
func (b *Backend) Read(ctx context.Context, entity, id string, params url.Values) (map[string]interface{}, error) {
	model, err := b.registry.Lookup(entity)
	if err != nil {
		return nil, err
	}
	if !core.IsObjectID(id) {
		return nil, core.InvalidArgumentf("invalid record id: %s", id)
	}
	user := access.UserFromContext(ctx)
	q, err := query.Build(b.registry, model, params, core.OperationRead, user)
	if err != nil {
		return nil, err
	}
	q.Where = csql.And(csql.Frag(`_id = ?`, id), q.Where)
	q.Limit = 1
	q.Skip = 0

	items, err := b.run(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, core.NotFoundf("record not found: %s", id)
	}
	return items[0], nil
}

func (b *Backend) run(ctx context.Context, q *query.Query) ([]map[string]interface{}, error) {
	stmt, args := q.SelectSQL(b.db.Schema)
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, core.Internalf(err, "cannot query %s records", q.Model.Code)
	}
	defer rows.Close()

	items := []map[string]interface{}{}
	for rows.Next() {
		item, err := q.Scan(rows)
		if err != nil {
			return nil, core.Internalf(err, "cannot read %s records", q.Model.Code)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Internalf(err, "cannot read %s records", q.Model.Code)
	}

	if err := q.Populate(ctx, b.db, items); err != nil {
		return nil, err
	}
	// computed before projection, so an explicit _select still governs
	// which virtual attributes are returned
	for _, item := range items {
		q.Model.ApplyComputed(item, q.User)
	}
	q.ProjectItems(items)
	return items, nil
}

// Insert creates a new record and returns its presentation plus the body
// fields that were skipped.
func (b *Backend) Insert(ctx context.Context, entity string, input map[string]interface{}) (map[string]interface{}, []string, error) {
	model, err := b.registry.Lookup(entity)
	if err != nil {
		return nil, nil, err
	}
	user := access.UserFromContext(ctx)
	if err := model.ACL.CheckCreate(user); err != nil {
		return nil, nil, err
	}

	doc, skipped, err := buildRecord(model, user, input)
	if err != nil {
		return nil, nil, err
	}
	acl, err := aclForInsert(model, user, input)
	if err != nil {
		return nil, nil, err
	}
	if acl != nil {
		doc[access.Key] = acl
	}

	id := core.NewObjectID()
	if err := b.insertDocument(ctx, model, id, doc); err != nil {
		return nil, nil, err
	}
	b.notify(ctx, model.Code, core.OperationCreate, id, actorName(user))

	item := presentation(model, user, id, doc)
	return item, skipped, nil
}

// Update applies the body onto an existing record, bumping its revision.
func (b *Backend) Update(ctx context.Context, entity, id string, input map[string]interface{}) (map[string]interface{}, []string, error) {
	model, err := b.registry.Lookup(entity)
	if err != nil {
		return nil, nil, err
	}
	if !core.IsObjectID(id) {
		return nil, nil, core.InvalidArgumentf("invalid record id: %s", id)
	}
	user := access.UserFromContext(ctx)

	existing, err := b.fetchForWrite(ctx, model, id, core.OperationUpdate, user)
	if err != nil {
		return nil, nil, err
	}
	doc, skipped, err := updateRecord(model, user, existing, input)
	if err != nil {
		return nil, nil, err
	}
	if err := b.writeDocument(ctx, model, id, core.OperationUpdate, user, doc); err != nil {
		return nil, nil, err
	}
	b.notify(ctx, model.Code, core.OperationUpdate, id, actorName(user))

	item := presentation(model, user, id, doc)
	return item, skipped, nil
}

// Delete removes one record and returns the number of records deleted.
func (b *Backend) Delete(ctx context.Context, entity, id string) (int, error) {
	model, err := b.registry.Lookup(entity)
	if err != nil {
		return 0, err
	}
	if !core.IsObjectID(id) {
		return 0, core.InvalidArgumentf("invalid record id: %s", id)
	}
	user := access.UserFromContext(ctx)

	where := csql.And(csql.Frag(`_id = ?`, id), visibility(model, core.OperationDelete, user))
	stmt := csql.Numbered(`DELETE FROM `+b.db.Schema+`."`+model.Table+`" WHERE `+where.SQL+`;`, 0)
	result, err := b.db.ExecContext(ctx, stmt, where.Args...)
	if err != nil {
		return 0, core.Internalf(err, "cannot delete %s record", model.Code)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return -1, nil
	}
	if affected == 0 {
		return 0, core.NotFoundf("record not found: %s", id)
	}
	b.notify(ctx, model.Code, core.OperationDelete, id, actorName(user))
	return int(affected), nil
}

// DeleteBatch removes the listed records, skipping those the user may not
// delete. It returns the number of records actually deleted, or -1 when
// the store cannot report it.
func (b *Backend) DeleteBatch(ctx context.Context, entity string, ids []string) (int, error) {
	model, err := b.registry.Lookup(entity)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if !core.IsObjectID(id) {
			return 0, core.InvalidArgumentf("invalid record id: %s", id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	user := access.UserFromContext(ctx)

	where := csql.And(csql.Frag(`_id = ANY(?)`, pq.Array(ids)), visibility(model, core.OperationDelete, user))
	stmt := csql.Numbered(`DELETE FROM `+b.db.Schema+`."`+model.Table+`" WHERE `+where.SQL+`;`, 0)
	result, err := b.db.ExecContext(ctx, stmt, where.Args...)
	if err != nil {
		return 0, core.Internalf(err, "cannot delete %s records", model.Code)
	}
	b.notify(ctx, model.Code, core.OperationDelete, "", actorName(user))
	affected, err := result.RowsAffected()
	if err != nil {
		return -1, nil
	}
	return int(affected), nil
}

// Chown transfers record ownership. The previous owner's permission bits
// move to the new owner; an explicit owner map replaces them instead.
func (b *Backend) Chown(ctx context.Context, entity, id string, owner interface{}) (map[string]interface{}, error) {
	return b.updateACL(ctx, entity, id, func(acl *access.ACL) error {
		switch value := owner.(type) {
		case string:
			if value == "" {
				return core.InvalidArgumentf("missing owner")
			}
			acl.Chown(value)
			return nil
		case map[string]interface{}:
			entries := map[string]access.Permission{}
			for key, raw := range value {
				perms, ok := raw.(float64)
				if !ok {
					return core.InvalidArgumentf("invalid owner permissions")
				}
				entries[key] = access.Permission(perms)
			}
			return acl.SetOwner(entries)
		}
		return core.InvalidArgumentf("invalid owner value")
	})
}

// Chgrp sets the permission bits of one group on a record.
func (b *Backend) Chgrp(ctx context.Context, entity, id, group string, perms access.Permission) (map[string]interface{}, error) {
	if group == "" {
		return nil, core.InvalidArgumentf("missing group")
	}
	return b.updateACL(ctx, entity, id, func(acl *access.ACL) error {
		acl.Chgrp(group, perms)
		return nil
	})
}

func (b *Backend) updateACL(ctx context.Context, entity, id string, change func(*access.ACL) error) (map[string]interface{}, error) {
	model, err := b.registry.Lookup(entity)
	if err != nil {
		return nil, err
	}
	if !core.IsObjectID(id) {
		return nil, core.InvalidArgumentf("invalid record id: %s", id)
	}
	if model.ACL != nil && model.ACL.Disabled {
		return nil, core.InvalidArgumentf("entity %s has no access control", entity)
	}
	user := access.UserFromContext(ctx)

	doc, err := b.fetchForWrite(ctx, model, id, core.OperationUpdate, user)
	if err != nil {
		return nil, err
	}
	acl, err := access.FromDocument(doc)
	if err != nil {
		return nil, err
	}
	if err := change(acl); err != nil {
		return nil, err
	}
	doc[access.Key] = acl
	delete(doc, schema.IDKey)

	if model.Audit {
		doc[schema.UpdatedByKey] = actorName(user)
		doc[schema.UpdatedDateKey] = nowStamp()
	}
	if err := b.writeDocument(ctx, model, id, core.OperationUpdate, user, doc); err != nil {
		return nil, err
	}
	b.notify(ctx, model.Code, core.OperationUpdate, id, actorName(user))
	return presentation(model, user, id, doc), nil
}

// ReadBinary fetches the payload of a binary attribute. The stored
// filename must match the requested one.
func (b *Backend) ReadBinary(ctx context.Context, entity, id, attribute, filename string) (string, []byte, error) {
	model, err := b.registry.Lookup(entity)
	if err != nil {
		return "", nil, err
	}
	if !core.IsObjectID(id) {
		return "", nil, core.InvalidArgumentf("invalid record id: %s", id)
	}
	attr, ok := model.Attribute(attribute)
	if !ok || attr.Type != schema.DatatypeBinary {
		return "", nil, core.NotFoundf("%s is not a binary attribute of %s", attribute, entity)
	}
	user := access.UserFromContext(ctx)

	where := csql.And(csql.Frag(`_id = ?`, id), visibility(model, core.OperationRead, user))
	stmt := csql.Numbered(
		`SELECT doc->'`+attr.Code+`' FROM `+b.db.Schema+`."`+model.Table+`" WHERE `+where.SQL+`;`, 0)
	var raw []byte
	if err := b.db.QueryRowContext(ctx, stmt, where.Args...).Scan(&raw); err != nil {
		if err == csql.ErrNoRows {
			return "", nil, core.NotFoundf("record not found: %s", id)
		}
		return "", nil, core.Internalf(err, "cannot read %s record", model.Code)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, core.NotFoundf("no %s stored on record %s", attribute, id)
	}
	envelope := map[string]interface{}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, core.Internalf(err, "cannot read %s record", model.Code)
	}
	storedName, _ := envelope["filename"].(string)
	payload, _ := envelope["binaryData"].(string)
	if storedName != filename || payload == "" {
		return "", nil, core.NotFoundf("no file %s stored on record %s", filename, id)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, core.Internalf(err, "corrupt binary payload on record %s", id)
	}
	mimetype, _ := envelope["mimetype"].(string)
	return mimetype, data, nil
}

// fetchForWrite reads the full stored document, binary payloads included,
// through the visibility clause of the intended write operation.
func (b *Backend) fetchForWrite(ctx context.Context, model *schema.Model, id string, operation core.Operation, user *access.User) (map[string]interface{}, error) {
	where := csql.And(csql.Frag(`_id = ?`, id), visibility(model, operation, user))
	stmt := csql.Numbered(
		`SELECT doc FROM `+b.db.Schema+`."`+model.Table+`" WHERE `+where.SQL+`;`, 0)
	var raw []byte
	if err := b.db.QueryRowContext(ctx, stmt, where.Args...).Scan(&raw); err != nil {
		if err == csql.ErrNoRows {
			return nil, core.NotFoundf("record not found: %s", id)
		}
		return nil, core.Internalf(err, "cannot read %s record", model.Code)
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, core.Internalf(err, "cannot read %s record", model.Code)
	}
	doc[schema.IDKey] = id
	return doc, nil
}

func (b *Backend) writeDocument(ctx context.Context, model *schema.Model, id string, operation core.Operation, user *access.User, doc map[string]interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return core.Internalf(err, "cannot store %s record", model.Code)
	}
	where := csql.And(csql.Frag(`_id = ?`, id), visibility(model, operation, user))
	stmt := csql.Numbered(
		`UPDATE `+b.db.Schema+`."`+model.Table+`" SET doc = ?, `+
			schema.VersionKey+` = `+schema.VersionKey+` + 1 WHERE `+where.SQL+`;`, 0)
	args := append([]interface{}{data}, where.Args...)
	result, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return core.Internalf(err, "cannot store %s record", model.Code)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return core.NotFoundf("record not found: %s", id)
	}
	return nil
}

// presentation is the response document for a freshly written record.
func presentation(model *schema.Model, user *access.User, id string, doc map[string]interface{}) map[string]interface{} {
	item := map[string]interface{}{schema.IDKey: id}
	for key, value := range doc {
		item[key] = value
	}
	model.ApplyComputed(item, user)
	query.Sanitize(model, item)
	return item
}

func visibility(model *schema.Model, operation core.Operation, user *access.User) csql.Fragment {
	if model.ACL != nil && model.ACL.Disabled {
		return csql.Fragment{}
	}
	return access.Clause(operation, user)
}
