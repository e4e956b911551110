package crud

import (
	"encoding/json"
	"testing"

	"featherdb/internal/catalog"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/schema"
	"featherdb/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func salesCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	return catalog.New("v1",
		schema.ObjectFeather(),
		&feather.Feather{Name: "Customer", Properties: feather.Properties{
			{Name: "name", Type: feather.Primitive(types.String)},
			{Name: "email", Type: feather.Primitive(types.String), Format: types.FormatEmail},
			{Name: "rating", Type: feather.Primitive(types.Integer)},
		}},
		&feather.Feather{Name: "SalesOrder", Properties: feather.Properties{
			{Name: "number", Type: feather.Primitive(types.String)},
			{Name: "orderDate", Type: feather.Primitive(types.String), Format: types.FormatDate},
			{Name: "customer", Type: feather.ToOne{Relation: "Customer"}},
			{Name: "total", Type: feather.Primitive(types.Object), Format: types.FormatMoney},
			{Name: "lines", Type: feather.ToMany{Relation: "SalesOrderLine", ParentOf: "order"}},
		}},
		&feather.Feather{Name: "SalesOrderLine", Properties: feather.Properties{
			{Name: "order", Type: feather.ChildOf{Relation: "SalesOrder", ChildOf: "lines"}},
			{Name: "qty", Type: feather.Primitive(types.Integer)},
		}},
	)
}

func orderQuery(t *testing.T) *query {
	t.Helper()
	cat := salesCatalog(t)
	f, err := cat.Resolve("SalesOrder")
	require.NoError(t, err)
	return newQuery(types.NewRegistry(18, 8), cat, f, "t")
}

func TestCriterion(t *testing.T) {
	tests := map[string]struct {
		c    Criterion
		sql  string
		args []any
	}{
		"equals by default": {
			c:    Criterion{Property: PropertyList{"number"}, Value: "SO-1"},
			sql:  `t."number" = $1::text::text`,
			args: []any{"SO-1"},
		},
		"not equals": {
			c:    Criterion{Property: PropertyList{"number"}, Operator: "!=", Value: "SO-1"},
			sql:  `t."number" <> $1::text::text`,
			args: []any{"SO-1"},
		},
		"date compare": {
			c:    Criterion{Property: PropertyList{"orderDate"}, Operator: ">=", Value: "2024-01-31"},
			sql:  `t."orderDate" >= $1::text::date`,
			args: []any{"2024-01-31"},
		},
		"several properties are ored": {
			c:    Criterion{Property: PropertyList{"number", "customer.name"}, Operator: "~*", Value: "acme"},
			sql:  `(t."number"::text ~* $1::text or (t."customer"->>'name')::text::text ~* $2::text)`,
			args: []any{"acme", "acme"},
		},
		"relation compares by id": {
			c:    Criterion{Property: PropertyList{"customer"}, Value: "C1"},
			sql:  `(t."customer"->>'id') = $1::text::text`,
			args: []any{"C1"},
		},
		"nested integer": {
			c:    Criterion{Property: PropertyList{"customer.rating"}, Operator: ">", Value: 3.0},
			sql:  `(t."customer"->>'rating')::integer > $1::text::integer`,
			args: []any{"3"},
		},
		"in": {
			c:    Criterion{Property: PropertyList{"number"}, Operator: "in", Value: []any{"A", "B"}},
			sql:  `t."number" in ($1::text::text, $2::text::text)`,
			args: []any{"A", "B"},
		},
		"empty in matches nothing": {
			c:   Criterion{Property: PropertyList{"number"}, Operator: "IN", Value: []any{}},
			sql: `false`,
		},
		"is null": {
			c:   Criterion{Property: PropertyList{"customer"}, Operator: "is  null"},
			sql: `(t."customer"->>'id') is null`,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			q := orderQuery(t)
			got, err := q.criterion(tt.c)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, got)
			assert.Equal(t, tt.args, q.args)
		})
	}
}

func TestCriterionErrors(t *testing.T) {
	tests := map[string]Criterion{
		"unknown property":   {Property: PropertyList{"nope"}, Value: 1},
		"unknown operator":   {Property: PropertyList{"number"}, Operator: "LIKE", Value: "x"},
		"through to-many":    {Property: PropertyList{"lines.qty"}, Value: 1},
		"through primitive":  {Property: PropertyList{"number.length"}, Value: 1},
		"null value":         {Property: PropertyList{"number"}},
		"in without list":    {Property: PropertyList{"number"}, Operator: "IN", Value: "A"},
		"pattern not string": {Property: PropertyList{"number"}, Operator: "~", Value: 1.0},
		"wrong type":         {Property: PropertyList{"orderDate"}, Value: "yesterday"},
		"no property":        {Operator: "="},
	}
	for name, c := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := orderQuery(t).criterion(c)
			require.Error(t, err)
			assert.True(t, failure.Validation.Has(err), err.Error())
		})
	}
}

func TestOrderByAndPage(t *testing.T) {
	q := orderQuery(t)
	order, err := q.orderBy(&Filter{Sort: []SortKey{
		{Property: "orderDate", Order: "desc"},
		{Property: "customer.name"},
	}})
	require.NoError(t, err)
	assert.Equal(t, `order by t."orderDate" desc, (t."customer"->>'name')::text asc, t._pk`, order)

	order, err = q.orderBy(nil)
	require.NoError(t, err)
	assert.Equal(t, "order by t._pk", order)

	_, err = q.orderBy(&Filter{Sort: []SortKey{{Property: "number", Order: "sideways"}}})
	assert.True(t, failure.Validation.Has(err))

	limit, err := page(&Filter{Limit: 5000, Offset: 20})
	require.NoError(t, err)
	assert.Equal(t, "limit 1000 offset 20", limit)

	limit, err = page(nil)
	require.NoError(t, err)
	assert.Empty(t, limit)

	_, err = page(&Filter{Offset: -1})
	assert.True(t, failure.Validation.Has(err))
}

func TestFilterJSON(t *testing.T) {
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(`{
		"criteria": [
			{"property": "number", "value": "SO-1"},
			{"property": ["number", "customer.name"], "operator": "~*", "value": "acme"}
		],
		"sort": [{"property": "number", "order": "desc"}],
		"limit": 10
	}`), &f))
	require.Len(t, f.Criteria, 2)
	assert.Equal(t, PropertyList{"number"}, f.Criteria[0].Property)
	assert.Equal(t, PropertyList{"number", "customer.name"}, f.Criteria[1].Property)
	assert.Equal(t, 10, f.Limit)

	out, err := json.Marshal(f.Criteria[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"property":"number","value":"SO-1"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"criteria":[{"property":1}]}`), &f))
}
