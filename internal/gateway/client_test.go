package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/checkout-relay/internal/apperr"
)

func TestCreateOrderPostsWithMerchantHeader(t *testing.T) {
	t.Parallel()

	var (
		gotPath     string
		gotMerchant string
		gotOrder    Order
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMerchant = r.Header.Get("MerchantId")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotOrder)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"settings":{"checkoutUrl":"https://pay.example/abc"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Base: srv.URL + "/", MerchantID: "m-1", MaxInflight: 2}, srv.Client())

	resp, err := c.CreateOrder(context.Background(), Order{OrderNumber: "PED1", Cart: Cart{Items: []Item{{Name: "X", UnitPrice: 100, Quantity: 1}}}})
	require.NoError(t, err)

	assert.Equal(t, ordersPath, gotPath)
	assert.Equal(t, "m-1", gotMerchant)
	assert.Equal(t, "PED1", gotOrder.OrderNumber)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "application/json", resp.ContentType)
	assert.Equal(t, 0, c.InUse())

	status, body := resp.Reply()
	assert.Equal(t, http.StatusCreated, status)
	assert.JSONEq(t, `{"settings":{"checkoutUrl":"https://pay.example/abc"}}`, string(body))
}

func TestCreateOrderErrorStatusIsData(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`Invalid merchant`))
	}))
	defer srv.Close()

	c := NewClient(Config{Base: srv.URL, MerchantID: "m-1"}, srv.Client())

	resp, err := c.CreateOrder(context.Background(), Order{OrderNumber: "PED1"})
	require.NoError(t, err)

	status, body := resp.Reply()
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"error":"Cielo error","raw":"Invalid merchant"}`, string(body))
}

func TestCreateOrderUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient(Config{Base: base, MerchantID: "m-1", Timeout: time.Second}, nil)

	_, err := c.CreateOrder(context.Background(), Order{OrderNumber: "PED1"})
	if !errors.Is(err, apperr.ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
	assert.Equal(t, "gateway_unreachable", apperr.Kind(err))
}

func TestCreateOrderWithoutMerchant(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{}, nil)
	assert.False(t, c.Configured())
	assert.Equal(t, DefaultBase, c.Base())

	_, err := c.CreateOrder(context.Background(), Order{})
	if !errors.Is(err, apperr.ErrMisconfigured) {
		t.Fatalf("expected ErrMisconfigured, got %v", err)
	}
}

func TestReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		resp       Response
		wantStatus int
		wantBody   string
	}{
		{name: "ok_relayed", resp: Response{Status: 200, Body: []byte(`{"a":1}`)}, wantStatus: 200, wantBody: `{"a":1}`},
		{name: "error_json_relayed", resp: Response{Status: 422, Body: []byte(`[{"Code":1}]`)}, wantStatus: 422, wantBody: `[{"Code":1}]`},
		{name: "error_text_wrapped", resp: Response{Status: 500, Body: []byte(`oops`)}, wantStatus: 500, wantBody: `{"error":"Cielo error","raw":"oops"}`},
		{name: "error_empty_wrapped", resp: Response{Status: 401}, wantStatus: 401, wantBody: `{"error":"Cielo error","raw":""}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			status, body := tt.resp.Reply()
			if status != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, status)
			}
			assert.JSONEq(t, tt.wantBody, string(body))
		})
	}
}
