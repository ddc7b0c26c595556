package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/store"
)

func TestProductPageNormalizesBothEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{
			"content envelope",
			`{"content":[{"id":"p1","name":"Rice"}],"page":0,"size":10,"totalElements":1,"totalPages":1}`,
		},
		{
			"items envelope",
			`{"items":[{"id":"p1","name":"Rice"}],"number":0,"size":10,"total":1,"totalPages":1}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewClient(srv.URL, "")
			page, err := client.ListProducts(context.Background(), 0, 10)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(page.Content) != 1 || page.Content[0].ID != "p1" {
				t.Fatalf("content = %+v", page.Content)
			}
			if page.TotalElements != 1 {
				t.Fatalf("total = %d, want 1", page.TotalElements)
			}
		})
	}
}

func TestBearerTokenIsSent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token")
	if _, err := client.ListProducts(context.Background(), 0, 10); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if got != "Bearer secret-token" {
		t.Fatalf("authorization header = %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, store.ErrNotFound},
		{http.StatusBadRequest, store.ErrValidation},
		{http.StatusUnprocessableEntity, store.ErrValidation},
		{http.StatusInternalServerError, store.ErrTransport},
		{http.StatusBadGateway, store.ErrTransport},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		client := NewClient(srv.URL, "")
		_, err := client.GetSale(context.Background(), "s1")
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
		srv.Close()
	}
}

func TestNetworkFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewClient(srv.URL, "")
	_, err := client.ListBatches(context.Background(), "p1")
	if !errors.Is(err, store.ErrTransport) {
		t.Fatalf("err = %v, want transport failure", err)
	}
}

func TestCreateSaleRequiresAcknowledgedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.CreateSale(context.Background(), domain.SaleDraft{})
	if !errors.Is(err, store.ErrTransport) {
		t.Fatalf("err = %v, want transport failure for missing id", err)
	}
}

func TestGatewayFailuresClassifyAsGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	err := client.VerifyPayment(context.Background(), domain.GatewayCallback{OrderID: "o1"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	// 402 is a 4xx so it classifies as validation at the transport layer; the
	// point is it must not pass silently.
	if !errors.Is(err, store.ErrValidation) && !errors.Is(err, store.ErrGateway) {
		t.Fatalf("err = %v, want a classified failure", err)
	}
}
