package schema

import (
	"context"
	"database/sql"

	"featherdb/internal/catalog"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
	"featherdb/internal/types"

	"go.uber.org/zap"
)

// ObjectFeather — корневой feather: системный конверт каждой записи.
func ObjectFeather() *feather.Feather {
	ro := func(name, typ, format string) *feather.Property {
		return &feather.Property{Name: name, Type: feather.Primitive(typ), Format: format, IsReadOnly: true}
	}
	return &feather.Feather{
		Name:        feather.Root,
		Description: "Root of every feather",
		IsSystem:    true,
		Properties: feather.Properties{
			{Name: "id", Type: feather.Primitive(types.String), Default: "createId()"},
			ro("created", types.String, types.FormatDateTime),
			ro("createdBy", types.String, ""),
			ro("updated", types.String, types.FormatDateTime),
			ro("updatedBy", types.String, ""),
			ro("isDeleted", types.Boolean, ""),
			ro("lock", types.Object, types.FormatLock),
		},
	}
}

// Bootstrap создаёт системную схему, корневой feather и его представление.
func Bootstrap(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	if err := pg.Bootstrap(ctx, db, log); err != nil {
		return err
	}
	return pg.InTx(ctx, db, func(tx *sql.Tx) error {
		cat, err := catalog.Load(ctx, tx)
		if err != nil {
			return err
		}
		if cat.Has(feather.Root) {
			return nil
		}
		saved, err := catalog.Save(ctx, tx, cat.With(ObjectFeather()))
		if err != nil {
			return err
		}
		stmts, err := Propagate(saved, feather.Root)
		if err != nil {
			return err
		}
		log.Info("catalog initialized", zap.String("etag", saved.ETag()))
		return pg.ExecBatch(ctx, tx, Flatten(stmts))
	})
}
