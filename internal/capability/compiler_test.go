package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_NoPaths(t *testing.T) {
	_, err := Compile(map[string]any{}, "http://x", nil)
	assert.Error(t, err)
}

func TestCompile_TooManyPaths(t *testing.T) {
	paths := map[string]any{}
	for i := 0; i < 101; i++ {
		paths[jsonKey(i)] = map[string]any{"get": map[string]any{}}
	}
	_, err := Compile(map[string]any{"paths": paths}, "http://x", nil)
	assert.Error(t, err)
}

func jsonKey(i int) string {
	b, _ := json.Marshal(i)
	return "/p" + string(b)
}

func TestCompile_OperationIdAndDerivedNames(t *testing.T) {
	doc := map[string]any{
		"paths": map[string]any{
			"/items": map[string]any{
				"get": map[string]any{"operationId": "listItems"},
			},
			"/items/{id}": map[string]any{
				"get": map[string]any{},
			},
		},
	}
	compiled, err := Compile(doc, "http://upstream", nil)
	require.NoError(t, err)
	require.Len(t, compiled, 2)

	names := map[string]Compiled{}
	for _, c := range compiled {
		names[c.Name] = c
	}
	_, ok := names["listItems"]
	assert.True(t, ok)
	_, ok = names["get_items_id"]
	assert.True(t, ok)
}

func TestCompile_MergesParamsFromQueryPathAndBody(t *testing.T) {
	doc := map[string]any{
		"paths": map[string]any{
			"/orders/{id}": map[string]any{
				"patch": map[string]any{
					"operationId": "updateOrder",
					"parameters": []any{
						map[string]any{"name": "id", "in": "path", "required": true, "schema": map[string]any{"type": "string"}},
						map[string]any{"name": "verbose", "in": "query", "schema": map[string]any{"type": "boolean"}},
					},
					"requestBody": map[string]any{
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"required":   []any{"status"},
									"properties": map[string]any{"status": map[string]any{"type": "string", "enum": []any{"open", "closed"}}},
								},
							},
						},
					},
				},
			},
		},
	}
	compiled, err := Compile(doc, "http://upstream", nil)
	require.NoError(t, err)
	require.Len(t, compiled, 1)

	c := compiled[0]
	assert.Equal(t, "PATCH", c.Method)
	require.Contains(t, c.Params, "id")
	assert.True(t, c.Params["id"].Required)
	require.Contains(t, c.Params, "verbose")
	require.Contains(t, c.Params, "status")
	assert.True(t, c.Params["status"].Required)
	assert.ElementsMatch(t, []any{"open", "closed"}, c.Params["status"].Enum)
}

func TestCompile_RequiresSessionFromSecurity(t *testing.T) {
	doc := map[string]any{
		"paths": map[string]any{
			"/secure": map[string]any{
				"get": map[string]any{"operationId": "secureOp", "security": []any{map[string]any{"bearer": []any{}}}},
			},
			"/open": map[string]any{
				"get": map[string]any{"operationId": "openOp"},
			},
		},
	}
	compiled, err := Compile(doc, "http://upstream", nil)
	require.NoError(t, err)
	byName := map[string]bool{}
	for _, c := range compiled {
		byName[c.Name] = c.RequiresSession
	}
	assert.True(t, byName["secureOp"])
	assert.False(t, byName["openOp"])
}

func TestCall_SubstitutesPathAndAppendsQuery(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	doc := map[string]any{
		"paths": map[string]any{
			"/items/{id}": map[string]any{
				"get": map[string]any{"operationId": "getItem"},
			},
		},
	}
	compiled, err := Compile(doc, srv.URL, srv.Client())
	require.NoError(t, err)
	require.Len(t, compiled, 1)

	result, err := compiled[0].Call(context.Background(), CallRequest{
		Params: map[string]any{"id": "abc 123"},
		Query:  map[string][]string{"verbose": {"true"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "/items/abc%20123", gotPath)
	assert.Equal(t, "verbose=true", gotQuery)
	assert.Equal(t, map[string]any{"ok": true}, result)
}

func TestCall_JSONBodyForWriteVerbs(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"created":true}`))
	}))
	defer srv.Close()

	doc := map[string]any{
		"paths": map[string]any{
			"/items": map[string]any{
				"post": map[string]any{"operationId": "createItem"},
			},
		},
	}
	compiled, err := Compile(doc, srv.URL, srv.Client())
	require.NoError(t, err)

	result, err := compiled[0].Call(context.Background(), CallRequest{Body: map[string]any{"name": "widget"}})
	require.NoError(t, err)
	assert.Equal(t, "widget", gotBody["name"])
	assert.Equal(t, map[string]any{"created": true}, result)
}

func TestCall_NonTwoxxSurfacesStatusOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"secret":"leaked upstream detail"}`))
	}))
	defer srv.Close()

	doc := map[string]any{
		"paths": map[string]any{
			"/fail": map[string]any{
				"get": map[string]any{"operationId": "failOp"},
			},
		},
	}
	compiled, err := Compile(doc, srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = compiled[0].Call(context.Background(), CallRequest{})
	require.Error(t, err)
	var uerr *UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, 500, uerr.StatusCode)
	assert.NotContains(t, err.Error(), "leaked")
}
