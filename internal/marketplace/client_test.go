package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	logx "kworkbot/pkg/logx"
)

type fakeKwork struct {
	mu          sync.Mutex
	validToken  string
	signIns     int
	logouts     int
	categories  []string
	projectsRaw string
}

func (f *fakeKwork) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/signIn", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != mobileAPIAuth {
			t.Errorf("missing mobile api auth header")
		}
		_ = r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.PostForm.Get("login") != "user" || r.PostForm.Get("password") != "secret" {
			write(w, map[string]any{"success": false, "error": "wrong login or password", "error_code": 118})
			return
		}
		f.signIns++
		f.validToken = "tok-" + string(rune('0'+f.signIns))
		write(w, map[string]any{"success": true, "response": map[string]any{"token": f.validToken}})
	})
	mux.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.PostForm.Get("token") != f.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			write(w, map[string]any{"success": false, "error": "invalid token", "error_code": 401})
			return
		}
		f.categories = append(f.categories, r.PostForm.Get("categories"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"response":` + f.projectsRaw + `}`))
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logouts++
		f.mu.Unlock()
		write(w, map[string]any{"success": true})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeKwork) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Login: "user", Password: "secret", Timeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetchListingsSignsInAndParses(t *testing.T) {
	f := &fakeKwork{projectsRaw: `[
		{"id": 9, "title": "Bot", "description": "a<br>b", "price": "1500.00", "offers": 2},
		{"id": 8, "title": "Site", "description": "", "price": 3000, "offers": 11}
	]`}
	c := newTestClient(t, f)

	got, err := c.FetchListings(context.Background(), []int{41, 80})
	if err != nil {
		t.Fatalf("FetchListings: %v", err)
	}
	if len(got) != 2 || got[0].ID != 9 || got[1].ID != 8 {
		t.Fatalf("unexpected listings: %+v", got)
	}
	if got[0].Price != "1500" || got[1].Price != "3000" {
		t.Fatalf("unexpected prices: %q %q", got[0].Price, got[1].Price)
	}
	if got[1].Offers != 11 {
		t.Fatalf("Offers = %d, want 11", got[1].Offers)
	}
	if f.signIns != 1 {
		t.Fatalf("signIns = %d, want 1", f.signIns)
	}
	if f.categories[0] != "41,80" {
		t.Fatalf("categories = %q", f.categories[0])
	}

	// Second call reuses the session.
	if _, err := c.FetchListings(context.Background(), []int{41}); err != nil {
		t.Fatalf("FetchListings #2: %v", err)
	}
	if f.signIns != 1 {
		t.Fatalf("signIns after reuse = %d, want 1", f.signIns)
	}
}

func TestFetchListingsRenewsExpiredSession(t *testing.T) {
	f := &fakeKwork{projectsRaw: `[]`}
	c := newTestClient(t, f)
	if _, err := c.FetchListings(context.Background(), nil); err != nil {
		t.Fatalf("FetchListings: %v", err)
	}

	// Server-side expiry.
	f.mu.Lock()
	f.validToken = "rotated"
	f.mu.Unlock()

	got, err := c.FetchListings(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchListings after expiry: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty feed, got %d", len(got))
	}
	if f.signIns != 2 {
		t.Fatalf("signIns = %d, want 2", f.signIns)
	}
}

func TestFetchListingsBadCredentials(t *testing.T) {
	f := &fakeKwork{projectsRaw: `[]`}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL, Login: "user", Password: "wrong"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.FetchListings(context.Background(), nil)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestCloseIsIdempotentAndLogsOut(t *testing.T) {
	f := &fakeKwork{projectsRaw: `[]`}
	c := newTestClient(t, f)

	// Never signed in: no logout call.
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close without session: %v", err)
	}
	if f.logouts != 0 {
		t.Fatalf("logouts = %d, want 0", f.logouts)
	}
	if _, err := c.FetchListings(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("FetchListings after Close err = %v, want ErrClosed", err)
	}

	c2 := newTestClient(t, f)
	if _, err := c2.FetchListings(context.Background(), nil); err != nil {
		t.Fatalf("FetchListings: %v", err)
	}
	if err := c2.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c2.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if f.logouts != 1 {
		t.Fatalf("logouts = %d, want 1", f.logouts)
	}
}

func TestPriceUnmarshal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Price
	}{
		{`"500"`, "500"},
		{`"500.50"`, "500.5"},
		{`1200`, "1200"},
		{`null`, ""},
		{`"договорная"`, "договорная"},
	}
	for _, tt := range tests {
		var p Price
		if err := json.Unmarshal([]byte(tt.raw), &p); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.raw, err)
		}
		if p != tt.want {
			t.Fatalf("Unmarshal(%s) = %q, want %q", tt.raw, p, tt.want)
		}
	}
}
