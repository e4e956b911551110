package engine

import (
	"testing"

	"featherdb/internal/failure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	r := Request{Method: "get", Name: "Customer", Client: Client{User: "alice"}}
	require.NoError(t, r.Validate())
	assert.Equal(t, MethodGet, r.Method)

	tests := map[string]struct {
		req  Request
		want string
	}{
		"no user":      {Request{Method: "GET", Name: "Customer"}, "Request.Client.User: is required"},
		"no name":      {Request{Method: "GET", Client: Client{User: "a"}}, "Request.Name: is required"},
		"odd method":   {Request{Method: "TRACE", Name: "Customer", Client: Client{User: "a"}}, "Request.Method: must be one of GET POST PATCH PUT DELETE"},
		"empty at all": {Request{}, "Request.Method: is required"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := tt.req.Validate()
			require.Error(t, err)
			assert.True(t, failure.Validation.Has(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecode(t *testing.T) {
	var v map[string]any
	err := decode(Request{Name: "Customer"}, &v)
	assert.True(t, failure.Validation.Has(err))
	err = decode(Request{Name: "Customer", Data: []byte("null")}, &v)
	assert.True(t, failure.Validation.Has(err))
	err = decode(Request{Name: "Customer", Data: []byte("[1]")}, &v)
	assert.True(t, failure.Validation.Has(err))

	require.NoError(t, decode(Request{Name: "Customer", Data: []byte(`{"name":"Acme"}`)}, &v))
	assert.Equal(t, "Acme", v["name"])
}

func TestVerbMethods(t *testing.T) {
	assert.True(t, verbs[VerbSaveFeather].allows(MethodPost))
	assert.False(t, verbs[VerbSaveFeather].allows(MethodGet))
	assert.True(t, verbs[VerbGrantRole].allows(MethodDelete))
	assert.False(t, verbs[VerbGetCatalog].allows(MethodPost))
	for name, v := range verbs {
		assert.NotEmpty(t, v.methods, name)
		assert.NotNil(t, v.run, name)
	}
}
