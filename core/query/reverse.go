package query

import (
	"context"
	"database/sql"
	"sync"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/csql"
	"github.com/apiforge-io/apiforge/core/schema"
)

// Populate resolves the query's connect directives over the given result
// page. Forward joins replace the stored id with the referenced record;
// reverse joins merge arrays of referencing records under _reverse. All
// follow-up queries run concurrently; if any of them fails the whole page
// fails and the items are left untouched by joins.
//
// Joined records pass the same visibility clause as a read by the query's
// user, so connecting never widens what a user can see.
func (q *Query) Populate(ctx context.Context, db *csql.DB, items []map[string]interface{}) error {
	if q.Connect == nil || len(items) == 0 {
		return nil
	}

	forwardResults := make([]map[string]map[string]interface{}, len(q.Connect.Forward))
	reverseResults := make([]map[string][]map[string]interface{}, len(q.Connect.Reverse))

	var wg sync.WaitGroup
	errs := make([]error, len(q.Connect.Forward)+len(q.Connect.Reverse))

	for i, join := range q.Connect.Forward {
		ids := forwardIDs(items, join.Attr.Code)
		if len(ids) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, join ForwardJoin, ids []string) {
			defer wg.Done()
			forwardResults[i], errs[i] = q.fetchByID(ctx, db, join.Target, ids)
		}(i, join, ids)
	}
	for i, join := range q.Connect.Reverse {
		wg.Add(1)
		go func(i int, join ReverseJoin) {
			defer wg.Done()
			slot := len(q.Connect.Forward) + i
			reverseResults[i], errs[slot] = q.fetchReferencing(ctx, db, join, rootIDs(items))
		}(i, join)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	// merge in directive order so the output is deterministic
	for i, join := range q.Connect.Forward {
		byID := forwardResults[i]
		for _, item := range items {
			id, ok := item[join.Attr.Code].(string)
			if !ok || id == "" {
				continue
			}
			if doc, found := byID[id]; found {
				projectSub(join.Target, join.Select, doc)
				item[join.Attr.Code] = doc
			} else {
				item[join.Attr.Code] = nil
			}
		}
	}
	for i, join := range q.Connect.Reverse {
		byRef := reverseResults[i]
		for _, item := range items {
			reverse, ok := item[reverseKey].(map[string]interface{})
			if !ok {
				reverse = map[string]interface{}{}
				item[reverseKey] = reverse
			}
			// every root record gets the key, empty array included
			merged := []interface{}{}
			id, _ := item[schema.IDKey].(string)
			for _, doc := range byRef[id] {
				projectSub(join.Target, join.Select, doc)
				merged = append(merged, doc)
			}
			reverse[join.Key] = merged
		}
	}
	return nil
}

// ProjectItems applies the root projection to a result page.
func (q *Query) ProjectItems(items []map[string]interface{}) {
	for _, item := range items {
		q.Select.ProjectRecord(q.Model, item)
	}
}

func forwardIDs(items []map[string]interface{}, code string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, item := range items {
		if id, ok := item[code].(string); ok && core.IsObjectID(id) && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func rootIDs(items []map[string]interface{}) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id, ok := item[schema.IDKey].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (q *Query) fetchByID(ctx context.Context, db *csql.DB, target *schema.Model, ids []string) (map[string]map[string]interface{}, error) {
	where := csql.And(
		csql.Frag(`_id = ANY(?)`, pq.Array(ids)),
		joinVisibility(target, q.User))
	stmt := csql.Numbered(
		`SELECT _id, `+docExpr(target)+` FROM `+db.Schema+`."`+target.Table+`" WHERE `+where.SQL, 0)
	rows, err := db.QueryContext(ctx, stmt, where.Args...)
	if err != nil {
		return nil, core.Internalf(err, "cannot connect %s records", target.Code)
	}
	defer rows.Close()

	result := map[string]map[string]interface{}{}
	for rows.Next() {
		id, doc, err := scanRecord(rows)
		if err != nil {
			return nil, core.Internalf(err, "cannot connect %s records", target.Code)
		}
		result[id] = doc
	}
	return result, rows.Err()
}

func (q *Query) fetchReferencing(ctx context.Context, db *csql.DB, join ReverseJoin, ids []string) (map[string][]map[string]interface{}, error) {
	where := csql.And(
		csql.Frag(`doc->>'`+join.Attr.Code+`' = ANY(?)`, pq.Array(ids)),
		joinVisibility(join.Target, q.User))
	stmt := csql.Numbered(
		`SELECT _id, `+docExpr(join.Target)+` FROM `+db.Schema+`."`+join.Target.Table+`" WHERE `+where.SQL+` ORDER BY _id`, 0)
	rows, err := db.QueryContext(ctx, stmt, where.Args...)
	if err != nil {
		return nil, core.Internalf(err, "cannot connect %s records", join.Target.Code)
	}
	defer rows.Close()

	result := map[string][]map[string]interface{}{}
	for rows.Next() {
		_, doc, err := scanRecord(rows)
		if err != nil {
			return nil, core.Internalf(err, "cannot connect %s records", join.Target.Code)
		}
		ref, _ := doc[join.Attr.Code].(string)
		result[ref] = append(result[ref], doc)
	}
	return result, rows.Err()
}

// joinVisibility is the visibility clause applied to joined records: plain
// read access for the query's user.
func joinVisibility(target *schema.Model, user *access.User) csql.Fragment {
	if target.ACL != nil && target.ACL.Disabled {
		return csql.Fragment{}
	}
	return access.Clause(core.OperationRead, user)
}

func scanRecord(rows *sql.Rows) (string, map[string]interface{}, error) {
	var id string
	var raw []byte
	if err := rows.Scan(&id, &raw); err != nil {
		return "", nil, err
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, err
	}
	doc[schema.IDKey] = id
	return id, doc, nil
}
