package crud

import (
	"testing"

	"featherdb/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeViewRow(t *testing.T) {
	e := NewExecutor(types.NewRegistry(18, 8), nil, "node")
	cat := salesCatalog(t)
	f, err := cat.Resolve("SalesOrder")
	require.NoError(t, err)

	raw := map[string]any{
		"_pk":       float64(7),
		"id":        "SO1",
		"kind":      "SalesOrder",
		"created":   "2024-03-01T10:00:00.5+03:00",
		"isDeleted": false,
		"orderDate": "2024-03-01",
		"total":     map[string]any{"amount": 12.5, "currency": "EUR", "effective": nil, "base_amount": nil},
		"customer": map[string]any{
			"_pk":    float64(3),
			"id":     "C1",
			"name":   "Acme",
			"rating": float64(4),
		},
		"lines": []any{
			map[string]any{"_pk": float64(8), "id": "L1", "qty": float64(2), "_order_sales_order_pk": float64(7)},
		},
	}
	assert.Equal(t, int64(7), pkOf(raw))

	got := e.normalize(cat, f, raw)
	assert.Equal(t, Record{
		"id":        "SO1",
		"kind":      "SalesOrder",
		"created":   "2024-03-01T07:00:00.5Z",
		"isDeleted": false,
		"orderDate": "2024-03-01",
		"total":     map[string]any{"amount": 12.5, "currency": "EUR", "effective": nil, "baseAmount": nil},
		"customer":  map[string]any{"id": "C1", "name": "Acme", "rating": float64(4)},
		"lines":     []any{map[string]any{"id": "L1", "qty": float64(2)}},
	}, got)
}

func TestStrip(t *testing.T) {
	in := map[string]any{
		"_pk": 1,
		"a":   []any{map[string]any{"_x": 1, "b": 2}, "c"},
	}
	assert.Equal(t, map[string]any{"a": []any{map[string]any{"b": 2}, "c"}}, strip(in))
	assert.Equal(t, "plain", strip("plain"))
}

func TestRefID(t *testing.T) {
	assert.Equal(t, "C1", refID("C1"))
	assert.Equal(t, "C1", refID(map[string]any{"id": "C1", "name": "Acme"}))
	assert.Empty(t, refID(nil))
	assert.Empty(t, refID(42.0))
}
