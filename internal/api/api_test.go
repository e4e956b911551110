package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"featherdb/internal/crud"
	"featherdb/internal/engine"
	"featherdb/internal/failure"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

type stubDoer struct {
	got []engine.Request
	out any
	err error
}

func (s *stubDoer) Do(_ context.Context, req engine.Request) (any, error) {
	s.got = append(s.got, req)
	return s.out, s.err
}

func serve(t *testing.T, r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var alice = map[string]string{"X-User": "alice", "X-Session": "s1"}

func TestDataRoutes(t *testing.T) {
	d := &stubDoer{out: map[string]any{"ok": true}}
	r := NewRouter(d, zap.NewNop(), ActorOptions{})

	tests := []struct {
		method, path, body string
		status             int
		want               engine.Request
	}{
		{"POST", "/api/data/Customer", `{"name":"Acme"}`, http.StatusCreated,
			engine.Request{Method: "POST", Name: "Customer", Data: json.RawMessage(`{"name":"Acme"}`)}},
		{"GET", "/api/data/Customer/C1?showDeleted=true", "", http.StatusOK,
			engine.Request{Method: "GET", Name: "Customer", ID: "C1", ShowDeleted: true}},
		{"PATCH", "/api/data/Customer/C1", `[{"op":"remove","path":"/email"}]`, http.StatusOK,
			engine.Request{Method: "PATCH", Name: "Customer", ID: "C1", Data: json.RawMessage(`[{"op":"remove","path":"/email"}]`)}},
		{"PUT", "/api/data/Customer/C1", `{"name":"B"}`, http.StatusOK,
			engine.Request{Method: "PUT", Name: "Customer", ID: "C1", Data: json.RawMessage(`{"name":"B"}`)}},
		{"DELETE", "/api/data/Customer/C1", "", http.StatusOK,
			engine.Request{Method: "DELETE", Name: "Customer", ID: "C1"}},
		{"POST", "/api/lock/C1", "", http.StatusOK,
			engine.Request{Method: "POST", Name: engine.VerbLock, ID: "C1"}},
		{"DELETE", "/api/lock/C1", "", http.StatusOK,
			engine.Request{Method: "DELETE", Name: engine.VerbUnlock, ID: "C1"}},
		{"GET", "/api/feather/Customer", "", http.StatusOK,
			engine.Request{Method: "GET", Name: engine.VerbGetFeather, ID: "Customer"}},
		{"GET", "/api/catalog", "", http.StatusOK,
			engine.Request{Method: "GET", Name: engine.VerbGetCatalog}},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			d.got = nil
			w := serve(t, r, tt.method, tt.path, tt.body, alice)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			require.Len(t, d.got, 1)
			tt.want.Client = engine.Client{User: "alice", SessionID: "s1"}
			assert.Equal(t, tt.want, d.got[0])
		})
	}
}

func TestListRoute(t *testing.T) {
	d := &stubDoer{out: []crud.Record{}}
	r := NewRouter(d, zap.NewNop(), ActorOptions{})
	w := serve(t, r, "GET", "/api/data/SalesOrder?_sort=-orderDate&_limit=10&rating__gte=3", "", alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	f := d.got[0].Filter
	require.NotNil(t, f)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, []crud.SortKey{{Property: "orderDate", Order: "desc"}}, f.Sort)
	assert.Equal(t, []crud.Criterion{{Property: crud.PropertyList{"rating"}, Operator: ">=", Value: "3"}}, f.Criteria)
}

func TestParseListParams(t *testing.T) {
	q := url.Values{
		"filter":        {`{"criteria":[{"property":"name","operator":"~*","value":"ac"}]}`},
		"status__in":    {"Draft, Booked,"},
		"email__isnull": {""},
		"name|code":     {"x"},
		"_offset":       {"20"},
		"isChild":       {"1"},
	}
	lp, err := parseListParams(q)
	require.NoError(t, err)
	assert.True(t, lp.IsChild)
	assert.False(t, lp.ShowDeleted)
	assert.Equal(t, 20, lp.Filter.Offset)
	assert.Equal(t, []crud.Criterion{
		{Property: crud.PropertyList{"name"}, Operator: "~*", Value: "ac"},
		{Property: crud.PropertyList{"email"}, Operator: "IS NULL"},
		{Property: crud.PropertyList{"name", "code"}, Operator: "=", Value: "x"},
		{Property: crud.PropertyList{"status"}, Operator: "IN", Value: []any{"Draft", "Booked"}},
	}, lp.Filter.Criteria)

	for name, bad := range map[string]url.Values{
		"operator": {"rating__between": {"1"}},
		"limit":    {"_limit": {"-1"}},
		"offset":   {"offset": {"x"}},
		"filter":   {"filter": {"{"}},
	} {
		_, err := parseListParams(bad)
		assert.True(t, failure.Validation.Has(err), name)
	}
}

func TestErrorBody(t *testing.T) {
	d := &stubDoer{err: failure.Validation.New("Customer.email: must be a valid email")}
	r := NewRouter(d, zap.NewNop(), ActorOptions{})
	w := serve(t, r, "POST", "/api/data/Customer", `{"email":"x"}`, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"errors":[{"code":"validation","field":"email","message":"Customer.email: must be a valid email"}]}`, w.Body.String())

	d.err = failure.NotFound.New("Customer C9")
	w = serve(t, r, "GET", "/api/data/Customer/C9", "", alice)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"errors":[{"code":"not_found","field":"","message":"Customer C9"}]}`, w.Body.String())

	w = serve(t, r, "POST", "/api/data/Customer", `{"email":`, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDoRouteIgnoresClaimedClient(t *testing.T) {
	d := &stubDoer{out: true}
	r := NewRouter(d, zap.NewNop(), ActorOptions{})
	w := serve(t, r, "POST", "/api/do",
		`{"method":"POST","name":"saveFeather","data":{"name":"X"},"client":{"user":"root","privileged":true}}`, alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, engine.Client{User: "alice", SessionID: "s1"}, d.got[0].Client)
	assert.JSONEq(t, `{"name":"X"}`, string(d.got[0].Data))
}

func TestIsAuthorizedRoute(t *testing.T) {
	d := &stubDoer{out: true}
	r := NewRouter(d, zap.NewNop(), ActorOptions{})
	w := serve(t, r, "GET", "/api/authorization?action=read&feather=Memo", "", alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Body.String())
	assert.Equal(t, engine.VerbIsAuthorized, d.got[0].Name)
	assert.JSONEq(t, `{"action":"read","feather":"Memo"}`, string(d.got[0].Data))
}

func token(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + s
}

func TestActorJWT(t *testing.T) {
	d := &stubDoer{out: true}
	r := NewRouter(d, zap.NewNop(), ActorOptions{JWTSecret: "s3cret"})

	w := serve(t, r, "GET", "/api/catalog", "", alice)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, d.got)

	good := token(t, "s3cret", Claims{Privileged: true, SessionID: "sid-1", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	w = serve(t, r, "GET", "/api/catalog", "", map[string]string{"Authorization": good})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, engine.Client{User: "admin", Privileged: true, SessionID: "sid-1"}, d.got[0].Client)

	forged := token(t, "other", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "admin"}})
	w = serve(t, r, "GET", "/api/catalog", "", map[string]string{"Authorization": forged})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired := token(t, "s3cret", Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	w = serve(t, r, "GET", "/api/catalog", "", map[string]string{"Authorization": expired})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Len(t, d.got, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	r := NewRouter(&stubDoer{}, zap.NewNop(), ActorOptions{})
	assert.Equal(t, http.StatusOK, serve(t, r, "GET", "/healthz", "", nil).Code)
	w := serve(t, r, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestFieldOf(t *testing.T) {
	assert.Equal(t, "qty", fieldOf("SalesOrderLine.qty is required"))
	assert.Equal(t, "customer", fieldOf("SalesOrder.customer: relation needs an id"))
	assert.Equal(t, "", fieldOf("alice may not read C1"))
}
