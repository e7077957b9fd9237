package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/model"
)

func TestHTTPSourceGetSetDelete(t *testing.T) {
	stored := map[string]map[string]string{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			doc, ok := stored[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(doc)
		case http.MethodPut:
			var m map[string]string
			json.NewDecoder(r.Body).Decode(&m)
			stored[r.URL.Path] = m
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			delete(stored, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	hs := NewHTTPSource("customer", srv.URL)
	require.NoError(t, hs.Init(context.Background()))
	defer hs.Close()

	fk := model.ForeignKey{Entity: "customer", Source: "http1", ID: "abc"}
	doc := document.FromMap(map[string]string{"name": "alice"})

	got, err := hs.Set(context.Background(), doc, fk)
	require.NoError(t, err)
	assert.Equal(t, fk, got, "Set with a non-empty ID should return it unchanged")

	read, err := hs.Get(context.Background(), fk)
	require.NoError(t, err)
	assert.True(t, read.Equal(doc))

	require.NoError(t, hs.Delete(context.Background(), fk))

	_, err = hs.Get(context.Background(), fk)
	assert.True(t, errors.Is(err, ErrMissing))
}
