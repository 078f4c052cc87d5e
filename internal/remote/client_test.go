package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestClient_InsertUpsertsByID(t *testing.T) {
	var gotPath, gotQuery string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery

		var payload Record
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		payload["receipt_no"] = 17
		_ = json.NewEncoder(w).Encode(payload)
	}))

	record, err := c.Insert(context.Background(), "payments", Record{"id": "pay-1", "amount_cents": float64(2500)})
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	if gotPath != "/tables/payments" {
		t.Errorf("path = %s, want /tables/payments", gotPath)
	}
	if gotQuery != "on_conflict=id" {
		t.Errorf("query = %s, want on_conflict=id (insert must be an upsert)", gotQuery)
	}
	if record["receipt_no"] != float64(17) {
		t.Errorf("server record receipt_no = %v, want 17", record["receipt_no"])
	}
}

func TestClient_DeleteMissingIsNotAnError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	if err := c.Delete(context.Background(), "tickets", "gone"); err != nil {
		t.Errorf("Delete() of a missing record = %v, want nil", err)
	}
}

func TestClient_FindBy(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") != "eq.carmen@example.org" {
			_ = json.NewEncoder(w).Encode([]Record{})
			return
		}
		_ = json.NewEncoder(w).Encode([]Record{{"id": "server-id", "email": "carmen@example.org"}})
	}))

	record, err := c.FindBy(context.Background(), "members", "email", "carmen@example.org")
	if err != nil {
		t.Fatalf("FindBy() error: %v", err)
	}
	if record["id"] != "server-id" {
		t.Errorf("FindBy() id = %v, want server-id", record["id"])
	}

	_, err = c.FindBy(context.Background(), "members", "email", "nobody@example.org")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FindBy() on no match = %v, want ErrNotFound", err)
	}
}

func TestClient_NextSequence(t *testing.T) {
	tests := []struct {
		name         string
		rows         []Record
		filterColumn string
		filterValue  string
		wantQuery    map[string]string
		want         int64
	}{
		{
			name:      "empty table starts at 1",
			rows:      []Record{},
			wantQuery: map[string]string{"order": "receipt_no.desc", "limit": "1"},
			want:      1,
		},
		{
			name:      "max plus one",
			rows:      []Record{{"receipt_no": float64(41)}},
			wantQuery: map[string]string{"order": "receipt_no.desc", "limit": "1"},
			want:      42,
		},
		{
			name:         "scoped by filter",
			rows:         []Record{{"receipt_no": float64(3)}},
			filterColumn: "event",
			filterValue:  "procesion",
			wantQuery:    map[string]string{"event": "eq.procesion"},
			want:         4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.wantQuery {
					if got := r.URL.Query().Get(k); got != v {
						t.Errorf("query %s = %q, want %q", k, got, v)
					}
				}
				_ = json.NewEncoder(w).Encode(tt.rows)
			}))

			got, err := c.NextSequence(context.Background(), "payments", "receipt_no", tt.filterColumn, tt.filterValue)
			if err != nil {
				t.Fatalf("NextSequence() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NextSequence() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClient_DecodesAPIError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "23505",
			"message": "duplicate key value violates unique constraint",
		})
	}))

	_, err := c.Insert(context.Background(), "members", Record{"id": "mem-1"})
	if err == nil {
		t.Fatal("Insert() expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %T is not *APIError", err)
	}
	if apiErr.Code != CodeUniqueViolation {
		t.Errorf("code = %s, want %s", apiErr.Code, CodeUniqueViolation)
	}
	if !IsUniqueViolation(err) {
		t.Error("IsUniqueViolation() = false for a 23505 error")
	}
	if IsRetryable(err) {
		t.Error("IsRetryable() = true for a unique violation")
	}
}

func TestClient_Ping(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rtt, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("Ping() rtt = %v, want positive", rtt)
	}
}

func TestClient_SendsAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("apikey")
		_ = json.NewEncoder(w).Encode([]Record{})
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatal(err)
	}

	_, _ = c.FindBy(context.Background(), "members", "id", "x")
	if gotKey != "secret" {
		t.Errorf("apikey header = %q, want secret", gotKey)
	}
}

func TestIsRetryable_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &APIError{StatusCode: 503}, true},
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"validation rejection", &APIError{StatusCode: 422}, false},
		{"unique violation", &APIError{StatusCode: 409, Code: CodeUniqueViolation}, false},
		{"context deadline", context.DeadlineExceeded, true},
		{"context cancel", context.Canceled, true},
		{"wrapped transport error", fmt.Errorf("query failed: %w", errors.New("connection refused")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClient_PingTimesOutAgainstStalledBackend(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Ping(ctx)
	if err == nil {
		t.Fatal("Ping() expected timeout error")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false for a probe timeout")
	}
}
