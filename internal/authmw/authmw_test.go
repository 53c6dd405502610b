package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func serve(h http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerTokens_ValidToken(t *testing.T) {
	t.Parallel()

	h := BearerTokens("ingest-a", "ingest-b")(okHandler)

	for _, tok := range []string{"ingest-a", "ingest-b"} {
		if rec := serve(h, "Bearer "+tok); rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", tok, rec.Code, http.StatusOK)
		}
	}
}

func TestBearerTokens_WrongPrefix(t *testing.T) {
	t.Parallel()

	h := BearerTokens("secret")(okHandler)

	tests := []struct {
		name  string
		value string
	}{
		{"Basic auth", "Basic dXNlcjpwYXNz"},
		{"lowercase bearer", "bearer secret"},
		{"no prefix", "secret"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(h, tt.value)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestBearerTokens_InvalidToken(t *testing.T) {
	t.Parallel()

	h := BearerTokens("correct-token", "other-token")(okHandler)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong token", "wrong-token"},
		{"partial match", "correct"},
		{"token with suffix", "correct-token-extra"},
		{"empty token", ""},
		{"both joined", "correct-token,other-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(h, "Bearer "+tt.token)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content-type = %q, want application/json", ct)
			}
		})
	}
}

func TestBearerTokens_NoTokensRejectsAll(t *testing.T) {
	t.Parallel()

	h := BearerTokens("", "")(okHandler)
	if rec := serve(h, "Bearer "); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestBearerTokens_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	var called bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	})

	rec := serve(BearerTokens("tok")(inner), "Bearer tok")

	if !called {
		t.Error("inner handler was not called")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func FuzzBearerTokens(f *testing.F) {
	f.Add("tok", "Bearer tok")
	f.Add("tok", "Bearer ")
	f.Add("", "Bearer ")
	f.Add("a", "bearer a")
	f.Add("x\x00y", "Bearer x\x00y")

	f.Fuzz(func(t *testing.T, token, header string) {
		rec := serve(BearerTokens(token)(okHandler), header)
		want := http.StatusUnauthorized
		if token != "" && header == "Bearer "+token {
			want = http.StatusOK
		}
		if rec.Code != want {
			t.Errorf("token=%q header=%q: status = %d, want %d", token, header, rec.Code, want)
		}
	})
}
