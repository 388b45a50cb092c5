package authkeys

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLookupFallsBackWithoutKeystore(t *testing.T) {
	s := New("", []byte("static-secret"))
	if got := string(s.Lookup("")); got != "static-secret" {
		t.Fatalf("expected fallback for empty kid, got %q", got)
	}
	if got := string(s.Lookup("unknown")); got != "static-secret" {
		t.Fatalf("expected fallback for unknown kid, got %q", got)
	}
}

func TestRefreshReplacesKeySet(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("rotated-secret"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"keys":[{"kid":"2029-01","secret":"%s"}]}`, secret)
	}))
	defer srv.Close()

	s := New(srv.URL, []byte("static-secret"))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := string(s.Lookup("2029-01")); got != "rotated-secret" {
		t.Fatalf("expected rotated key, got %q", got)
	}
	if got := string(s.Lookup("gone")); got != "static-secret" {
		t.Fatalf("expected fallback for unknown kid, got %q", got)
	}
}

func TestRefreshFailureLeavesKeysUntouched(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		secret := base64.StdEncoding.EncodeToString([]byte("k1"))
		fmt.Fprintf(w, `{"keys":[{"kid":"a","secret":"%s"}]}`, secret)
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := s.Refresh(context.Background()); err == nil {
		t.Fatalf("expected second refresh to fail")
	}
	if got := string(s.Lookup("a")); got != "k1" {
		t.Fatalf("failed refresh must not clear keys, got %q", got)
	}
}
