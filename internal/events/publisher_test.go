package events

import (
	"encoding/json"
	"testing"

	"featherdb/internal/crud"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "featherdb.changes.SalesOrder.patch",
		Subject(crud.Entry{Feather: "SalesOrder", Action: crud.ActionUpdate}))
	assert.Equal(t, "featherdb.changes.Customer.delete",
		Subject(crud.Entry{Feather: "Customer", Action: crud.ActionDelete}))
}

func TestEntryPayload(t *testing.T) {
	data, err := json.Marshal(crud.Entry{
		ObjectID:  "01J0",
		Feather:   "Customer",
		Action:    crud.ActionInsert,
		Created:   "2024-01-01T00:00:00Z",
		CreatedBy: "alice",
		Change:    map[string]any{"name": "Acme"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"objectId": "01J0",
		"feather": "Customer",
		"action": "POST",
		"created": "2024-01-01T00:00:00Z",
		"createdBy": "alice",
		"change": {"name": "Acme"}
	}`, string(data))
}
