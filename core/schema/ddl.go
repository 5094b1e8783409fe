package schema

import (
	"fmt"
	"strings"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/csql"
)

// EnsureTables creates the storage table for every model if it does not
// exist yet. Each entity stores its records as one jsonb document per row,
// keyed by the 24-character hex record id, with a separate integer revision
// column. Entities with weighted text attributes additionally get a stored
// tsvector column and a GIN index for keyword search.
func EnsureTables(db *csql.DB, registry *Registry) error {
	for _, model := range registry.Models() {
		table := fmt.Sprintf("%s.\"%s\"", db.Schema, model.Table)
		_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  _id varchar(24) PRIMARY KEY,
  doc jsonb NOT NULL DEFAULT '{}'::jsonb,
  %s integer NOT NULL DEFAULT 1
);`, table, VersionKey))
		if err != nil {
			return core.Internalf(err, "cannot create table for entity %s", model.Code)
		}

		if len(model.TextWeights()) == 0 {
			continue
		}
		_, err = db.Exec(fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN IF NOT EXISTS tsv tsvector GENERATED ALWAYS AS (%s) STORED;`,
			table, TsvectorExpr(model)))
		if err != nil {
			return core.Internalf(err, "cannot create search column for entity %s", model.Code)
		}
		_, err = db.Exec(fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS "%s_tsv_idx" ON %s USING GIN (tsv);`,
			model.Table, table))
		if err != nil {
			return core.Internalf(err, "cannot create search index for entity %s", model.Code)
		}
	}
	return nil
}

// TsvectorExpr builds the generated-column expression concatenating the
// weighted text attributes into one tsvector, highest weight class first.
func TsvectorExpr(model *Model) string {
	weights := model.TextWeights()
	var parts []string
	for _, attr := range model.Attributes {
		class, ok := weights[attr.Code]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf(
			`setweight(to_tsvector('english', COALESCE(doc->>'%s','')), '%c')`,
			attr.Code, class))
	}
	return strings.Join(parts, " || ")
}
