package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveExtractsQuotedRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("did") != "abc123" {
			t.Fatalf("unexpected did query: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`["MDEV"]`))
	}))
	defer srv.Close()

	res := NewResolver(srv.URL)
	role, err := res.Resolve(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if role != "MDEV" {
		t.Fatalf("got role %q, want MDEV", role)
	}
}

func TestResolveEmptyArrayDefaultsToMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	res := NewResolver(srv.URL)
	role, err := res.Resolve(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if role != "Member" {
		t.Fatalf("got role %q, want Member", role)
	}
}

func TestResolveRejectsEmptyToken(t *testing.T) {
	res := NewResolver("http://example.invalid")
	if _, err := res.Resolve(context.Background(), ""); err != ErrEmptyRole {
		t.Fatalf("got err %v, want ErrEmptyRole", err)
	}
}

func TestResolveRejectsErrorRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["Error: banned"]`))
	}))
	defer srv.Close()

	res := NewResolver(srv.URL)
	if _, err := res.Resolve(context.Background(), "abc123"); err != ErrEmptyRole {
		t.Fatalf("got err %v, want ErrEmptyRole", err)
	}
}

func TestResolveNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := NewResolver(srv.URL)
	if _, err := res.Resolve(context.Background(), "abc123"); err == nil {
		t.Fatalf("expected error on 500 response")
	}
}
