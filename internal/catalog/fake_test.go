package catalog

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeCatalog is an in-memory catalog API covering the resources the syncer uses.
type fakeCatalog struct {
	mu         sync.Mutex
	nextID     int64
	products   map[int64]map[string]any
	terms      map[string][]remoteTerm
	variations map[int64][]map[string]any
	calls      []string

	termExistsWithID bool
	termCreateRace   bool
	failVariation    string
}

func newFakeCatalog(t *testing.T) (*fakeCatalog, *httptest.Server) {
	t.Helper()
	f := &fakeCatalog{
		nextID:     100,
		products:   map[int64]map[string]any{},
		terms:      map[string][]remoteTerm{},
		variations: map[int64][]map[string]any{},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCatalog) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeCatalog) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func writeJSONBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeCatalog) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/wp-json/wc/v3/")
	f.calls = append(f.calls, r.Method+" "+path)
	parts := strings.Split(path, "/")

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	switch {
	case len(parts) == 2 && parts[0] == "products" && (parts[1] == "categories" || parts[1] == "tags"):
		kind := parts[1]
		if r.Method == http.MethodGet {
			search := strings.ToLower(r.URL.Query().Get("search"))
			out := []remoteTerm{}
			for _, t := range f.terms[kind] {
				if strings.Contains(strings.ToLower(html.UnescapeString(t.Name)), search) {
					out = append(out, t)
				}
			}
			writeJSONBody(w, http.StatusOK, out)
			return
		}
		name, _ := body["name"].(string)
		if f.termExistsWithID {
			writeJSONBody(w, http.StatusBadRequest, map[string]any{
				"code": "term_exists", "message": "A term with the name provided already exists.",
				"data": map[string]any{"status": 400, "resource_id": 777},
			})
			return
		}
		if f.termCreateRace {
			// A concurrent writer wins the create; the conflict carries no id.
			f.terms[kind] = append(f.terms[kind], remoteTerm{ID: f.id(), Name: name})
			writeJSONBody(w, http.StatusBadRequest, map[string]any{
				"code": "term_exists", "message": "A term with the name provided already exists.",
				"data": map[string]any{"status": 400},
			})
			return
		}
		t := remoteTerm{ID: f.id(), Name: strings.ReplaceAll(name, "&", "&amp;")}
		f.terms[kind] = append(f.terms[kind], t)
		writeJSONBody(w, http.StatusCreated, t)

	case len(parts) == 1 && parts[0] == "products":
		if r.Method == http.MethodGet {
			out := []map[string]any{}
			sku, slug := r.URL.Query().Get("sku"), r.URL.Query().Get("slug")
			for _, p := range f.products {
				if (sku != "" && p["sku"] == sku) || (slug != "" && p["slug"] == slug) {
					out = append(out, p)
				}
			}
			writeJSONBody(w, http.StatusOK, out)
			return
		}
		id := f.id()
		body["id"] = id
		f.products[id] = body
		writeJSONBody(w, http.StatusCreated, body)

	case len(parts) == 2 && parts[0] == "products":
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		p, ok := f.products[id]
		if !ok {
			writeJSONBody(w, http.StatusNotFound, map[string]string{"code": "woocommerce_rest_product_invalid_id"})
			return
		}
		for k, v := range body {
			p[k] = v
		}
		writeJSONBody(w, http.StatusOK, p)

	case len(parts) >= 3 && parts[2] == "variations":
		parent, _ := strconv.ParseInt(parts[1], 10, 64)
		if r.Method == http.MethodGet {
			writeJSONBody(w, http.StatusOK, f.variations[parent])
			return
		}
		if sku, _ := body["sku"].(string); f.failVariation != "" && sku == f.failVariation {
			writeJSONBody(w, http.StatusInternalServerError, map[string]string{"code": "boom"})
			return
		}
		if len(parts) == 4 {
			vid, _ := strconv.ParseInt(parts[3], 10, 64)
			for _, v := range f.variations[parent] {
				if v["id"] == float64(vid) || v["id"] == vid {
					for k, val := range body {
						v[k] = val
					}
				}
			}
			writeJSONBody(w, http.StatusOK, body)
			return
		}
		body["id"] = f.id()
		f.variations[parent] = append(f.variations[parent], body)
		writeJSONBody(w, http.StatusCreated, body)

	default:
		http.Error(w, fmt.Sprintf("unexpected %s %s", r.Method, path), http.StatusNotFound)
	}
}
