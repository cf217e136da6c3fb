package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leafymarket/leafsync/backend/backendtest"
	"github.com/leafymarket/leafsync/core"
	"github.com/leafymarket/leafsync/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBackend(t *testing.T) (*backendtest.Server, *Client) {
	t.Helper()

	srv := backendtest.New()
	t.Cleanup(srv.Close)

	client, err := New(srv.URL, srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	return srv, client
}

func TestNew(t *testing.T) {
	t.Run("should reject a relative base url", func(t *testing.T) {
		_, err := New("/api", nil, zerolog.Nop())
		require.Error(t, err)
	})
}

func TestClient_Create(t *testing.T) {
	t.Run("should return the entity with its backend id", func(t *testing.T) {
		srv, client := setupBackend(t)
		srv.SetNextID(42)

		rec, err := client.Create(context.Background(), domain.KindProducts, map[string]any{
			"name":     "Tomatoes",
			"price":    2.5,
			"quantity": 10,
			"category": "vegetables",
		}, "products:L1:1")
		require.NoError(t, err)

		assert.Equal(t, "42", rec.ID)
		assert.Equal(t, "Tomatoes", rec.Attributes["name"])
		assert.NotContains(t, rec.Attributes, "id")
	})

	t.Run("should not create twice for the same idempotency key", func(t *testing.T) {
		srv, client := setupBackend(t)

		attrs := map[string]any{"name": "Honey", "quantity": 3}
		first, err := client.Create(context.Background(), domain.KindProducts, attrs, "products:L1:1")
		require.NoError(t, err)
		second, err := client.Create(context.Background(), domain.KindProducts, attrs, "products:L1:1")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, srv.Entities("products"), 1)
	})

	t.Run("should classify a missing product as rejected", func(t *testing.T) {
		_, client := setupBackend(t)

		_, err := client.Create(context.Background(), domain.KindOrders, map[string]any{"productId": 7, "quantity": 2}, "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrBackendRejected))
		assert.False(t, domain.IsTransient(err))

		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
		assert.Equal(t, "Product not found", statusErr.Message)
	})

	t.Run("should reject an order larger than the stock", func(t *testing.T) {
		srv, client := setupBackend(t)
		srv.Seed("products", 7, map[string]any{"name": "Apples", "price": 1.5, "quantity": 1})

		_, err := client.Create(context.Background(), domain.KindOrders, map[string]any{"productId": 7, "quantity": 2}, "")
		require.ErrorIs(t, err, domain.ErrBackendRejected)
	})
}

func TestClient_Update(t *testing.T) {
	t.Run("should patch the entity", func(t *testing.T) {
		srv, client := setupBackend(t)
		srv.Seed("orders", 3, map[string]any{"productId": 1, "quantity": 2, "status": "pending"})

		rec, err := client.Update(context.Background(), domain.KindOrders, "3", map[string]any{"status": "shipped"}, "")
		require.NoError(t, err)
		assert.Equal(t, "3", rec.ID)
		assert.Equal(t, "shipped", rec.Attributes["status"])
	})
}

func TestClient_List(t *testing.T) {
	t.Run("should decode every entity", func(t *testing.T) {
		srv, client := setupBackend(t)
		srv.Seed("products", 1, map[string]any{"name": "Tomatoes", "category": "vegetables"})
		srv.Seed("products", 2, map[string]any{"name": "Apples", "category": "fruit"})

		records, err := client.List(context.Background(), domain.KindProducts)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "1", records[0].ID)
		assert.Equal(t, "2", records[1].ID)
	})
}

func TestClient_Errors(t *testing.T) {
	t.Run("should classify 503 as unreachable", func(t *testing.T) {
		srv, client := setupBackend(t)
		srv.SetDown(true)

		_, err := client.List(context.Background(), domain.KindOrders)
		require.ErrorIs(t, err, domain.ErrBackendUnreachable)
		assert.True(t, domain.IsTransient(err))
	})

	t.Run("should classify a refused connection as network unavailable", func(t *testing.T) {
		srv, client := setupBackend(t)
		srv.Close()

		_, err := client.List(context.Background(), domain.KindOrders)
		require.ErrorIs(t, err, domain.ErrNetworkUnavailable)
		assert.ErrorIs(t, err, domain.ErrBackendUnreachable)
	})

	t.Run("should classify 429 as unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client, err := New(srv.URL, nil, zerolog.Nop())
		require.NoError(t, err)

		_, err = client.Get(context.Background(), domain.KindOrders, "1")
		require.ErrorIs(t, err, domain.ErrBackendUnreachable)
	})
}

func TestClient_Headers(t *testing.T) {
	t.Run("should send idempotency, correlation and bypass markers", func(t *testing.T) {
		var got http.Header
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id": 5}`))
		}))
		defer srv.Close()

		var bypassed bool
		httpClient := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			bypassed, _ = core.BypassQueueFromContext(req.Context())
			return http.DefaultTransport.RoundTrip(req)
		})}

		client, err := New(srv.URL, httpClient, zerolog.Nop())
		require.NoError(t, err)

		rec, err := client.Create(context.Background(), domain.KindProducts, map[string]any{"id": "L1", "name": "Kale"}, "products:L1:2")
		require.NoError(t, err)

		assert.Equal(t, "5", rec.ID)
		assert.Equal(t, "products:L1:2", got.Get(IdempotencyHeader))
		assert.NotEmpty(t, got.Get(CorrelationHeader))
		assert.True(t, bypassed)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
