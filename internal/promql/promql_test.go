package promql

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func promServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("query") == "" {
			t.Error("missing query parameter")
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestQueryVector(t *testing.T) {
	srv := promServer(t, `{"status":"success","data":{"resultType":"vector",
		"result":[{"metric":{"instance":"n1"},"value":[1700000000,"42.5"]}]}}`, 200)

	v, err := New(srv.URL).QueryValue(context.Background(), "up")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if v != 42.5 {
		t.Fatalf("value = %v", v)
	}
}

func TestQueryScalar(t *testing.T) {
	srv := promServer(t, `{"status":"success","data":{"resultType":"scalar",
		"result":[1700000000,"7"]}}`, 200)

	v, err := New(srv.URL).QueryValue(context.Background(), "scalar(7)")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if v != 7 {
		t.Fatalf("value = %v", v)
	}
}

func TestQueryEmptyVector(t *testing.T) {
	srv := promServer(t, `{"status":"success","data":{"resultType":"vector","result":[]}}`, 200)

	_, err := New(srv.URL).QueryValue(context.Background(), "up{job='x'}")
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
}

func TestQueryErrors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		srv := promServer(t, `{"status":"error","error":"parse error"}`, 200)
		if _, err := New(srv.URL).Query(context.Background(), "bad{"); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("http error", func(t *testing.T) {
		srv := promServer(t, `oops`, 500)
		if _, err := New(srv.URL).Query(context.Background(), "up"); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("unreachable", func(t *testing.T) {
		if _, err := New("http://127.0.0.1:1").Query(context.Background(), "up"); err == nil {
			t.Fatal("expected transport error")
		}
	})
}
