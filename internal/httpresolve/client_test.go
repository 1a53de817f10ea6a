package httpresolve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params struct {
				URLs []string `json:"urls"`
			} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "resolve" || len(req.Params.URLs) != 1 {
			t.Fatalf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"lbry://foo": map[string]any{"height": 100}}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Resolve(context.Background(), []string{"lbry://foo"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("expected decodable result, got %v", err)
	}
	if _, ok := decoded["lbry://foo"]; !ok {
		t.Fatalf("expected lbry://foo key in result, got %v", decoded)
	}
}

func TestCallSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 1, "message": "busy"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.ClaimSearch(context.Background(), map[string]any{"name": "foo"}); err == nil {
		t.Fatal("expected an error from the rpc error envelope")
	}
}

func TestCallSurfacesHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("down"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.SumSupports(context.Background(), map[string]any{"claim_id": "abc"}); err == nil {
		t.Fatal("expected an error from the non-200 response")
	}
}
