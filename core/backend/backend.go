/*
Package backend assembles the generic REST API over the compiled entity
models: record construction and validation, the storage operations, the
HTTP routes, CSV export and audit notifications.
*/
package backend

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/csql"
	"github.com/apiforge-io/apiforge/core/logger"
	"github.com/apiforge-io/apiforge/core/schema"
)

// Builder is a builder for a backend. The definition is the JSON entity
// definition document.
type Builder struct {
	Definition string
	DB         *csql.DB
	Router     *mux.Router
	// Notifier receives audit notifications. Optional; defaults to a
	// debug-level log notifier.
	Notifier Notifier
	// UpdateSchema makes the backend create missing tables and insert
	// seed records at startup.
	UpdateSchema bool
}

// Backend is the generic REST backend for one entity definition.
type Backend struct {
	db       *csql.DB
	registry *schema.Registry
	notifier Notifier
}

// New creates a backend from the builder and installs the routes on the
// builder's router.
func New(bb *Builder) (*Backend, error) {
	if bb.DB == nil {
		return nil, fmt.Errorf("backend requires a database")
	}
	def, err := schema.ParseDefinition([]byte(bb.Definition))
	if err != nil {
		return nil, err
	}
	registry, err := schema.NewRegistry(def)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		db:       bb.DB,
		registry: registry,
		notifier: bb.Notifier,
	}
	if b.notifier == nil {
		b.notifier = logNotifier{}
	}

	if bb.UpdateSchema {
		if err := schema.EnsureTables(bb.DB, registry); err != nil {
			return nil, err
		}
		if err := b.seed(context.Background()); err != nil {
			return nil, err
		}
	}

	if bb.Router != nil {
		b.configureRoutes(bb.Router)
	}
	return b, nil
}

// MustNew creates a backend and panics on error.
func MustNew(bb *Builder) *Backend {
	b, err := New(bb)
	if err != nil {
		panic(err)
	}
	return b
}

// Registry returns the compiled entity models.
func (b *Backend) Registry() *schema.Registry {
	return b.registry
}

// seed inserts the definition's seed records, but only into tables that
// are still empty.
func (b *Backend) seed(ctx context.Context) error {
	seedUser := &access.User{Username: "seed-data"}
	for _, model := range b.registry.Models() {
		if len(model.Seed) == 0 {
			continue
		}
		var count int
		err := b.db.QueryRowContext(ctx,
			`SELECT count(*) FROM `+b.db.Schema+`."`+model.Table+`";`).Scan(&count)
		if err != nil {
			return core.Internalf(err, "cannot seed entity %s", model.Code)
		}
		if count > 0 {
			continue
		}
		for _, raw := range model.Seed {
			input := map[string]interface{}{}
			if err := json.Unmarshal(raw, &input); err != nil {
				return core.InvalidArgumentf("invalid seed record for entity %s: %s", model.Code, err)
			}
			doc, _, err := buildRecord(model, seedUser, input)
			if err != nil {
				return core.InvalidArgumentf("invalid seed record for entity %s: %s", model.Code, err)
			}
			// no authenticated user at seed time, the sentinel stays
			acl, err := aclForInsert(model, nil, input)
			if err != nil {
				return err
			}
			if acl != nil {
				doc[access.Key] = acl
			}
			if err := b.insertDocument(ctx, model, core.NewObjectID(), doc); err != nil {
				return err
			}
		}
		logger.Default().Infof("seeded %d %s records", len(model.Seed), model.Code)
	}
	return nil
}

func (b *Backend) insertDocument(ctx context.Context, model *schema.Model, id string, doc map[string]interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return core.Internalf(err, "cannot store %s record", model.Code)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO `+b.db.Schema+`."`+model.Table+`" (_id, doc) VALUES ($1, $2);`,
		id, data)
	if err != nil {
		return core.Internalf(err, "cannot store %s record", model.Code)
	}
	return nil
}
