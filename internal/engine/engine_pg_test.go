package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"featherdb/internal/crud"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/schema"
	"featherdb/internal/testpg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"
)

type recorder struct {
	mu      sync.Mutex
	entries []crud.Entry
}

func (r *recorder) Publish(_ context.Context, entries []crud.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
	return nil
}

func newEngine(t *testing.T) (*Engine, *recorder) {
	t.Helper()
	db := testpg.New(t)
	require.NoError(t, schema.Bootstrap(context.Background(), db, zap.NewNop()))
	rec := &recorder{}
	return New(db, zap.NewNop(), Options{BackfillBatch: 50, NodeID: "node-test", Publisher: rec}), rec
}

var (
	root  = Client{User: "admin", Privileged: true}
	alice = Client{User: "alice", SessionID: "s-alice"}
)

func do(t *testing.T, e *Engine, req Request) any {
	t.Helper()
	out, err := e.Do(context.Background(), req)
	require.NoError(t, err, "%s %s", req.Method, req.Name)
	return out
}

const customerSpec = `{
	"name": "Customer",
	"properties": {
		"name": {"type": "string", "isRequired": true},
		"email": {"type": "string", "format": "email", "isUnique": true}
	}
}`

func TestFeatherVerbs(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.Do(ctx, Request{Method: MethodPost, Name: VerbSaveFeather, Data: json.RawMessage(customerSpec), Client: alice})
	assert.True(t, failure.Unauthorized.Has(err))

	out := do(t, e, Request{Method: MethodPost, Name: VerbSaveFeather, Data: json.RawMessage(customerSpec), Client: root})
	res := out.(SaveResult)
	assert.Equal(t, []string{"Customer"}, res.Changed)
	assert.NotEmpty(t, res.ETag)

	again := do(t, e, Request{Method: MethodPut, Name: VerbSaveFeather, Data: json.RawMessage(customerSpec), Client: root}).(SaveResult)
	assert.Empty(t, again.Changed)
	assert.Equal(t, res.ETag, again.ETag)

	f := do(t, e, Request{Method: MethodGet, Name: VerbGetFeather, ID: "Customer", Client: alice})
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"createdBy"`)

	cat := do(t, e, Request{Method: MethodGet, Name: VerbGetCatalog, Client: alice}).(CatalogView)
	assert.Equal(t, res.ETag, cat.ETag)
	assert.True(t, cat.Feathers.Has("Customer"))

	_, err = e.Do(ctx, Request{Method: MethodGet, Name: VerbSaveFeather, Client: root})
	assert.True(t, failure.Validation.Has(err))

	del := do(t, e, Request{Method: MethodDelete, Name: VerbDeleteFeather, ID: "Customer", Client: root}).(SaveResult)
	assert.Equal(t, []string{"Customer"}, del.Changed)
	_, err = e.Do(ctx, Request{Method: MethodGet, Name: "Customer", Client: alice})
	assert.True(t, failure.NotFound.Has(err))
}

func TestCrudThroughEngine(t *testing.T) {
	ctx := context.Background()
	e, rec := newEngine(t)
	do(t, e, Request{Method: MethodPost, Name: VerbSaveFeather, Data: json.RawMessage(customerSpec), Client: root})

	patch := do(t, e, Request{Method: MethodPost, Name: "Customer", Data: json.RawMessage(`{"id":"C1","name":"Acme"}`), Client: alice}).(jsondiff.Patch)
	assert.NotEmpty(t, patch)

	out := do(t, e, Request{Method: MethodPatch, Name: "Customer", ID: "C1",
		Data: json.RawMessage(`[{"op":"replace","path":"/name","value":"Acme Ltd"}]`), Client: alice})
	assert.Empty(t, out.(jsondiff.Patch))

	do(t, e, Request{Method: MethodPut, Name: "Customer", ID: "C2", Data: json.RawMessage(`{"name":"Beta"}`), Client: alice})

	list := do(t, e, Request{Method: MethodGet, Name: "Customer", Client: alice, Filter: &crud.Filter{
		Sort: []crud.SortKey{{Property: "name"}},
	}}).([]crud.Record)
	require.Len(t, list, 2)
	assert.Equal(t, "Acme Ltd", list[0]["name"])
	assert.Equal(t, "Beta", list[1]["name"])

	one := do(t, e, Request{Method: MethodGet, Name: "Customer", ID: "C2", Client: alice}).(crud.Record)
	assert.Equal(t, "alice", one["createdBy"])

	lock := do(t, e, Request{Method: MethodPost, Name: VerbLock, ID: "C1", Client: alice}).(*crud.Lock)
	assert.Equal(t, "node-test", lock.NodeID)
	_, err := e.Do(ctx, Request{Method: MethodPost, Name: VerbLock, ID: "C1", Client: Client{User: "bob", SessionID: "s-bob"}})
	assert.True(t, failure.Conflict.Has(err))
	do(t, e, Request{Method: MethodDelete, Name: VerbUnlock, ID: "C1", Client: alice})

	do(t, e, Request{Method: MethodDelete, Name: "Customer", ID: "C2", Client: alice})

	actions := []string{}
	for _, en := range rec.entries {
		actions = append(actions, en.Action)
	}
	assert.Equal(t, []string{crud.ActionInsert, crud.ActionUpdate, crud.ActionInsert, crud.ActionDelete}, actions)
}

func TestFailedRequestRollsBack(t *testing.T) {
	ctx := context.Background()
	e, rec := newEngine(t)
	do(t, e, Request{Method: MethodPost, Name: VerbSaveFeather, Client: root, Data: json.RawMessage(`[
		{"name": "SalesOrder", "properties": {"number": {"type": "string"}}},
		{"name": "SalesOrderLine", "properties": {
			"order": {"type": {"relation": "SalesOrder", "childOf": "lines"}},
			"qty": {"type": "integer", "isRequired": true}
		}}
	]`)})

	// родитель вставлен, ребро без обязательного qty: откатывается всё
	_, err := e.Do(ctx, Request{Method: MethodPost, Name: "SalesOrder", Client: alice,
		Data: json.RawMessage(`{"id":"SO1","number":"1","lines":[{"qty":1},{}]}`)})
	assert.True(t, failure.Validation.Has(err))
	assert.Empty(t, rec.entries)

	_, err = e.Do(ctx, Request{Method: MethodGet, Name: "SalesOrder", ID: "SO1", Client: alice})
	assert.True(t, failure.NotFound.Has(err))
}

func TestAuthorizationVerbs(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	do(t, e, Request{Method: MethodPost, Name: VerbSaveFeather, Client: root, Data: json.RawMessage(`{
		"name": "Memo",
		"properties": {"text": {"type": "string"}},
		"authorizations": [{"role": "clerk", "actions": {"canCreate": true, "canRead": true, "canUpdate": false, "canDelete": false}}]
	}`)})

	ask := func(c Client, body string) bool {
		out := do(t, e, Request{Method: MethodGet, Name: VerbIsAuthorized, Client: c, Data: json.RawMessage(body)})
		return out.(bool)
	}
	assert.False(t, ask(alice, `{"action":"read","feather":"Memo"}`))

	_, err := e.Do(ctx, Request{Method: MethodPost, Name: VerbGrantRole, Client: alice, Data: json.RawMessage(`{"role":"clerk","member":"alice"}`)})
	assert.True(t, failure.Unauthorized.Has(err))
	do(t, e, Request{Method: MethodPost, Name: VerbGrantRole, Client: root, Data: json.RawMessage(`{"role":"clerk","member":"alice"}`)})
	assert.True(t, ask(alice, `{"action":"canRead","feather":"Memo"}`))
	assert.False(t, ask(alice, `{"action":"update","feather":"Memo"}`))

	do(t, e, Request{Method: MethodPost, Name: "Memo", Client: alice, Data: json.RawMessage(`{"id":"M1","text":"hi"}`)})
	do(t, e, Request{Method: MethodPost, Name: VerbSaveAuthorization, Client: root,
		Data: json.RawMessage(`{"id":"M1","role":"alice","actions":{"canUpdate":true}}`)})
	assert.True(t, ask(alice, `{"action":"update","id":"M1"}`))
	assert.True(t, ask(root, `{"user":"alice","action":"update","id":"M1"}`))

	_, err = e.Do(ctx, Request{Method: MethodGet, Name: VerbIsAuthorized, Client: alice, Data: json.RawMessage(`{"user":"bob","action":"read","feather":"Memo"}`)})
	assert.True(t, failure.Unauthorized.Has(err))

	do(t, e, Request{Method: MethodDelete, Name: VerbGrantRole, Client: root, Data: json.RawMessage(`{"role":"clerk","member":"alice"}`)})
	assert.False(t, ask(alice, `{"action":"read","feather":"Memo"}`))
}

func TestPlanRollsBackApplyCommits(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	specs, err := feather.Parse([]byte(customerSpec), true)
	require.NoError(t, err)

	plan, err := e.Plan(ctx, specs)
	require.NoError(t, err)
	assert.Equal(t, []string{"Customer"}, plan.Changed)
	assert.NotEmpty(t, plan.DDL)
	_, err = e.Do(ctx, Request{Method: MethodGet, Name: VerbGetFeather, ID: "Customer", Client: root})
	assert.True(t, failure.NotFound.Has(err))

	res, err := e.Apply(ctx, specs)
	require.NoError(t, err)
	assert.Len(t, res.DDL, len(plan.DDL))
	do(t, e, Request{Method: MethodGet, Name: VerbGetFeather, ID: "Customer", Client: root})

	again, err := e.Plan(ctx, specs)
	require.NoError(t, err)
	assert.Empty(t, again.Changed)
}
