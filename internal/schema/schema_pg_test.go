package schema

import (
	"context"
	"database/sql"
	"testing"

	"featherdb/internal/auth"
	"featherdb/internal/catalog"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/testpg"
	"featherdb/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*sql.DB, *catalog.Catalog) {
	t.Helper()
	ctx := context.Background()
	db := testpg.New(t)
	require.NoError(t, Bootstrap(ctx, db, zap.NewNop()))
	// повторный bootstrap ничего не ломает
	require.NoError(t, Bootstrap(ctx, db, zap.NewNop()))
	cat, err := catalog.Load(ctx, db)
	require.NoError(t, err)
	require.True(t, cat.Has(feather.Root))
	return db, cat
}

func viewColumns(t *testing.T, db *sql.DB, view string) []string {
	t.Helper()
	rows, err := db.Query(`select * from "` + view + `" limit 0`)
	require.NoError(t, err)
	defer rows.Close()
	cols, err := rows.Columns()
	require.NoError(t, err)
	return cols
}

func count(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func TestSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, cat := setup(t)
	c := newCompiler()

	spec := &feather.Feather{Name: "Contact", Properties: feather.Properties{
		str("firstName"),
		{Name: "email", Type: feather.Primitive(types.String), Format: types.FormatEmail, IsUnique: true},
	}}
	res, err := c.Save(ctx, db, cat, []*feather.Feather{spec})
	require.NoError(t, err)
	assert.Equal(t, []string{"Contact"}, res.Changed)
	assert.NotEmpty(t, res.DDL)

	etag, err := catalog.CurrentETag(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, res.Catalog.ETag(), etag)

	again, err := c.Save(ctx, db, res.Catalog, []*feather.Feather{spec})
	require.NoError(t, err)
	assert.Empty(t, again.Changed)
	assert.Empty(t, again.DDL)
	assert.Equal(t, etag, again.Catalog.ETag())

	// новый feather без прав доступен всем
	ok, err := auth.IsAuthorized(ctx, db, "anyone", auth.Read, "Contact")
	require.NoError(t, err)
	assert.True(t, ok)

	// устаревший каталог не перезаписывает свежий
	_, err = c.Save(ctx, db, cat, []*feather.Feather{{Name: "Vendor", Properties: feather.Properties{str("name")}}})
	assert.True(t, failure.Conflict.Has(err), "%v", err)
}

func TestSaveIsAtomic(t *testing.T) {
	ctx := context.Background()
	db, cat := setup(t)
	c := newCompiler()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = c.Save(ctx, tx, cat, []*feather.Feather{
		{Name: "Contact", Properties: feather.Properties{str("firstName")}},
		{Name: "Lead", Properties: feather.Properties{{Name: "x", Type: feather.Primitive("decimal")}}},
	})
	require.Error(t, err)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 0, count(t, db, `select count(*) from pg_tables where tablename = 'contact' and schemaname = current_schema()`))
	etag, err := catalog.CurrentETag(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, cat.ETag(), etag)
}

func TestPropagationReachesDescendants(t *testing.T) {
	ctx := context.Background()
	db, cat := setup(t)
	c := newCompiler()

	res, err := c.Save(ctx, db, cat, []*feather.Feather{
		{Name: "Contact", Properties: feather.Properties{str("firstName")}},
		{Name: "Customer", Inherits: "Contact", Properties: feather.Properties{str("segment")}},
	})
	require.NoError(t, err)

	res, err = c.Save(ctx, db, res.Catalog, []*feather.Feather{
		{Name: "Contact", Properties: feather.Properties{str("firstName"), str("lastName")}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Contact"}, res.Changed)

	cols := viewColumns(t, db, "_customer")
	assert.Contains(t, cols, "lastName")
	assert.Contains(t, cols, "segment")
	assert.Contains(t, cols, "isDeleted")

	// строка наследника видна через таблицу родителя, дискриминатор — имя feather
	_, err = db.Exec(`insert into customer (id, first_name, segment) values ('C1', 'Ann', 'retail')`)
	require.NoError(t, err)
	var name string
	require.NoError(t, db.QueryRow(`select "$feather_of"(tableoid) from contact where id = 'C1'`).Scan(&name))
	assert.Equal(t, "Customer", name)
}

func TestBackfillRequiredProperties(t *testing.T) {
	ctx := context.Background()
	db, cat := setup(t)
	c := NewCompiler(types.NewRegistry(18, 8), zap.NewNop(), 1)

	res, err := c.Save(ctx, db, cat, []*feather.Feather{
		{Name: "Contact", Properties: feather.Properties{str("firstName")}},
	})
	require.NoError(t, err)
	_, err = db.Exec(`insert into contact (id, first_name) values ('A', 'Ann'), ('B', 'Bob'), ('C', 'Cid')`)
	require.NoError(t, err)

	_, err = c.Save(ctx, db, res.Catalog, []*feather.Feather{
		{Name: "Contact", Properties: feather.Properties{
			str("firstName"),
			{Name: "rating", Type: feather.Primitive(types.Integer), IsRequired: true, Default: 5.0},
			{Name: "since", Type: feather.Primitive(types.String), Format: types.FormatDateTime, IsRequired: true},
			{Name: "active", Type: feather.Primitive(types.Boolean), IsRequired: true},
			{Name: "code", Type: feather.Primitive(types.String), Autonumber: &feather.Autonumber{Prefix: "C-", Length: 3}},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, count(t, db, `select count(*) from contact where rating = 5`))
	assert.Equal(t, 3, count(t, db, `select count(*) from contact where since is not null`))
	assert.Equal(t, 3, count(t, db, `select count(*) from contact where active = false`))
	assert.Equal(t, 3, count(t, db, `select count(distinct code) from contact where code like 'C-___'`))
}

func TestDeleteFeather(t *testing.T) {
	ctx := context.Background()
	db, cat := setup(t)
	c := newCompiler()

	res, err := c.Save(ctx, db, cat, []*feather.Feather{
		{Name: "Customer", Properties: feather.Properties{str("name")}},
		{Name: "SalesOrder", Properties: feather.Properties{
			str("number"),
			{Name: "customer", Type: feather.ToOne{Relation: "Customer"}},
		}},
		{Name: "SalesOrderLine", Properties: feather.Properties{
			{Name: "order", Type: feather.ChildOf{Relation: "SalesOrder", ChildOf: "lines"}},
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, viewColumns(t, db, "_sales_order"), "lines")

	_, err = c.Delete(ctx, db, res.Catalog, []string{"Customer"})
	assert.True(t, failure.Integrity.Has(err), "%v", err)
	_, err = c.Delete(ctx, db, res.Catalog, []string{feather.Root})
	assert.True(t, failure.Integrity.Has(err), "%v", err)

	del, err := c.Delete(ctx, db, res.Catalog, []string{"SalesOrderLine"})
	require.NoError(t, err)
	assert.False(t, del.Catalog.Has("SalesOrderLine"))
	order, err := del.Catalog.Get("SalesOrder")
	require.NoError(t, err)
	assert.Nil(t, order.Property("lines"))

	assert.NotContains(t, viewColumns(t, db, "_sales_order"), "lines")
	assert.Equal(t, 0, count(t, db, `select count(*) from "$feather" where name = 'SalesOrderLine'`))
	assert.Equal(t, 0, count(t, db, `select count(*) from "$auth" where target = 'SalesOrderLine'`))
	assert.Equal(t, 0, count(t, db, `select count(*) from pg_tables where tablename = 'sales_order_line' and schemaname = current_schema()`))
}
