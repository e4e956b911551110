package catalog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/testpg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prim(name, typ string) *feather.Property {
	return &feather.Property{Name: name, Type: feather.Primitive(typ)}
}

func sample() *Catalog {
	return New("",
		&feather.Feather{Name: feather.Root, IsSystem: true, Properties: feather.Properties{prim("id", "string")}},
		&feather.Feather{Name: "Document", Discriminator: "kind", Properties: feather.Properties{prim("docDate", "string"), prim("kind", "string")}},
		&feather.Feather{Name: "Invoice", Inherits: "Document", Properties: feather.Properties{prim("total", "number")}},
		&feather.Feather{Name: "CreditNote", Inherits: "Invoice", Properties: feather.Properties{
			prim("reason", "string"),
			{Name: "invoice", Type: feather.ToOne{Relation: "Invoice"}},
		}},
		&feather.Feather{Name: "Customer", Properties: feather.Properties{prim("name", "string")}},
	)
}

func TestResolveMergesAncestorsInOrder(t *testing.T) {
	c := sample()
	f, err := c.Resolve("CreditNote")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "docDate", "kind", "total", "reason", "invoice"}, f.Properties.Names())
	assert.Equal(t, feather.Root, f.Property("id").InheritedFrom)
	assert.Equal(t, "Document", f.Property("docDate").InheritedFrom)
	assert.Equal(t, "Invoice", f.Property("total").InheritedFrom)
	assert.Empty(t, f.Property("reason").InheritedFrom)
	assert.Equal(t, "kind", f.Discriminator)

	// собственное описание не меняется
	own, err := c.Get("CreditNote")
	require.NoError(t, err)
	assert.Equal(t, []string{"reason", "invoice"}, own.Properties.Names())
}

func TestResolveIsIdempotent(t *testing.T) {
	c := sample()
	c.memo = NewCache(time.Minute).memo
	c.etag = "v1"

	a, err := c.Resolve("Invoice")
	require.NoError(t, err)
	b, err := c.Resolve("Invoice")
	require.NoError(t, err)

	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.Equal(t, string(ja), string(jb))

	// копия из memo не разделяет состояние с вызывающим
	a.Properties.Delete("total")
	again, err := c.Resolve("Invoice")
	require.NoError(t, err)
	assert.NotNil(t, again.Property("total"))
}

func TestResolveErrors(t *testing.T) {
	c := sample()
	_, err := c.Resolve("Nope")
	assert.True(t, failure.NotFound.Has(err))

	c = c.With(&feather.Feather{Name: "Orphan", Inherits: "Missing"})
	_, err = c.Resolve("Orphan")
	assert.True(t, failure.Integrity.Has(err))

	c = New("",
		&feather.Feather{Name: feather.Root},
		&feather.Feather{Name: "A", Inherits: "B"},
		&feather.Feather{Name: "B", Inherits: "A"},
	)
	_, err = c.Resolve("A")
	assert.True(t, failure.Integrity.Has(err))
}

func TestGraphQueries(t *testing.T) {
	c := sample()
	assert.Equal(t, []string{"Invoice"}, c.Inheritors("Document"))
	assert.Equal(t, []string{"Invoice", "CreditNote"}, c.Descendants("Document"))
	assert.Equal(t, []string{"CreditNote"}, c.Referencers("Invoice"))
	assert.True(t, c.IsA("CreditNote", "Document"))
	assert.False(t, c.IsA("Customer", "Document"))

	chain, err := c.Ancestors("CreditNote")
	require.NoError(t, err)
	assert.Equal(t, []string{feather.Root, "Document", "Invoice", "CreditNote"}, chain)
}

func TestCopyOnWrite(t *testing.T) {
	c := sample()
	next := c.With(&feather.Feather{Name: "Vendor"})
	assert.False(t, c.Has("Vendor"))
	assert.True(t, next.Has("Vendor"))
	assert.False(t, c.Same(next))
	assert.True(t, c.Same(next.Without("Vendor")))
}

func TestStoreOptimisticConcurrency(t *testing.T) {
	db := testpg.New(t)
	ctx := context.Background()

	empty, err := Load(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "", empty.ETag())

	v1, err := Save(ctx, db, sample())
	require.NoError(t, err)
	require.NotEmpty(t, v1.ETag())

	loaded, err := Load(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, v1.ETag(), loaded.ETag())
	assert.True(t, loaded.Same(v1))

	v2, err := Save(ctx, db, loaded.With(&feather.Feather{Name: "Vendor"}))
	require.NoError(t, err)
	assert.NotEqual(t, v1.ETag(), v2.ETag())

	// запись от устаревшей версии отклоняется
	_, err = Save(ctx, db, loaded.With(&feather.Feather{Name: "Supplier"}))
	require.Error(t, err)
	assert.True(t, failure.Conflict.Has(err))

	// и вторая «первая» запись тоже
	_, err = Save(ctx, db, New(""))
	assert.True(t, failure.Conflict.Has(err))
}

func TestCacheFollowsETag(t *testing.T) {
	db := testpg.New(t)
	ctx := context.Background()
	cache := NewCache(time.Minute)

	_, err := Save(ctx, db, sample())
	require.NoError(t, err)

	s1, err := cache.Snapshot(ctx, db)
	require.NoError(t, err)
	s2, err := cache.Snapshot(ctx, db)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	_, err = Save(ctx, db, s1.With(&feather.Feather{Name: "Vendor"}))
	require.NoError(t, err)

	s3, err := cache.Snapshot(ctx, db)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ETag(), s3.ETag())
	assert.True(t, s3.Has("Vendor"))
}
