package leafsync

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leafymarket/leafsync/domain"
	"github.com/rs/zerolog"
)

func TestIdempotencyKey(t *testing.T) {
	tests := []struct {
		name string
		rec  *domain.Record
		want string
	}{
		{
			name: "create keyed on its create version",
			rec:  &domain.Record{Kind: domain.KindProducts, ID: "L1", Op: domain.OpCreate, Version: 3, CreateVersion: 1},
			want: "products:L1:1",
		},
		{
			name: "update keyed on its version",
			rec:  &domain.Record{Kind: domain.KindOrders, ID: "7", Op: domain.OpUpdate, Version: 3, CreateVersion: 1},
			want: "orders:7:3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IdempotencyKey(tt.rec); got != tt.want {
				t.Fatalf("\nwanted:\n%s\ngot:\n%s", tt.want, got)
			}
		})
	}
}

func runEngine(t *testing.T, env *testEnv) *Report {
	t.Helper()
	report, err := env.client.Engine.Run(context.Background())
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	return report
}

func submit(t *testing.T, env *testEnv, kind domain.Kind, attrs map[string]any) *domain.Record {
	t.Helper()
	rec, err := env.client.Submit(context.Background(), kind, attrs)
	if err != nil {
		t.Fatalf("submitting %s: %v", kind, err)
	}
	return rec
}

func TestEngine_Run(t *testing.T) {
	t.Run("should replace the provisional id of an offline order", func(t *testing.T) {
		env := setupTestClient(t)
		env.srv.Seed("products", 7, map[string]any{"name": "Honey", "price": 4.0, "quantity": 10})
		env.srv.SetNextID(42)

		env.setOnline(false)
		order := submit(t, env, domain.KindOrders, map[string]any{"productId": 7, "quantity": 2})
		if order.ID != "L1" {
			t.Fatalf("\nwanted:\nL1\ngot:\n%s", order.ID)
		}
		env.setOnline(true)

		report := runEngine(t, env)
		if report.Synced != 1 || !reflect.DeepEqual(report.Kinds, []domain.Kind{domain.KindOrders}) {
			t.Fatalf("\nwanted:\none synced order\ngot:\n%+v", report)
		}

		synced, err := env.client.Get(context.Background(), domain.KindOrders, "42")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if synced.PendingSync || synced.Status != domain.StatusSynced {
			t.Fatalf("\nwanted:\nsynced\ngot:\n%v", synced.Status)
		}

		byProvisional, err := env.client.Get(context.Background(), domain.KindOrders, "L1")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if byProvisional.ID != "42" {
			t.Fatalf("\nwanted:\n42\ngot:\n%s", byProvisional.ID)
		}

		product, _ := env.srv.Entity("products", 7)
		if !same(product["quantity"], 8) {
			t.Fatalf("\nwanted:\n8\ngot:\n%v", product["quantity"])
		}
	})

	t.Run("should mark a rejected record failed and leave it out of later runs", func(t *testing.T) {
		var failed []*domain.Record
		env := setupTestClient(t, WithSyncFailedHandler(func(rec *domain.Record) error {
			failed = append(failed, rec)
			return nil
		}))
		env.srv.Seed("products", 7, map[string]any{"name": "Honey", "price": 4.0, "quantity": 1})

		env.setOnline(false)
		submit(t, env, domain.KindOrders, map[string]any{"productId": 7, "quantity": 5})
		env.setOnline(true)

		report := runEngine(t, env)
		if report.Failed != 1 || len(failed) != 1 {
			t.Fatalf("\nwanted:\none failed record\ngot:\n%d %d", report.Failed, len(failed))
		}
		if failed[0].Status != domain.StatusFailed || failed[0].SyncError != "Insufficient stock" {
			t.Fatalf("\nwanted:\nfailed with Insufficient stock\ngot:\n%v %q", failed[0].Status, failed[0].SyncError)
		}

		report = runEngine(t, env)
		if report.Failed != 0 || report.Synced != 0 {
			t.Fatalf("\nwanted:\nnothing replayed\ngot:\n%+v", report)
		}
		if calls := env.srv.Calls("POST", "orders"); calls != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", calls)
		}

		records, err := env.client.ListFailed(context.Background())
		if err != nil || len(records) != 1 {
			t.Fatalf("\nwanted:\none failed record\ngot:\n%d %v", len(records), err)
		}

		logs, err := env.client.Logs(context.Background())
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !hasLog(logs, "ERROR", "Insufficient stock") {
			t.Fatalf("\nwanted:\nERROR entry for the rejection\ngot:\n%d entries", len(logs))
		}
	})

	t.Run("should fail an order for a product deleted on the server", func(t *testing.T) {
		var failed []*domain.Record
		env := setupTestClient(t, WithSyncFailedHandler(func(rec *domain.Record) error {
			failed = append(failed, rec)
			return nil
		}))
		env.srv.Seed("products", 7, map[string]any{"name": "Honey", "price": 4.0, "quantity": 10})

		env.setOnline(false)
		order := submit(t, env, domain.KindOrders, map[string]any{"productId": 7, "quantity": 2})
		env.srv.Remove("products", 7)
		env.setOnline(true)

		report := runEngine(t, env)
		if report.Failed != 1 || len(failed) != 1 {
			t.Fatalf("\nwanted:\none failed record\ngot:\n%d %d", report.Failed, len(failed))
		}
		if failed[0].ID != order.ID || failed[0].SyncError != "Product not found" {
			t.Fatalf("\nwanted:\n%s Product not found\ngot:\n%s %q", order.ID, failed[0].ID, failed[0].SyncError)
		}

		report = runEngine(t, env)
		if report.Failed != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", report.Failed)
		}
		if calls := env.srv.Calls("POST", "orders"); calls != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", calls)
		}
	})

	t.Run("should replay a failed record again after retry", func(t *testing.T) {
		env := setupTestClient(t)
		env.srv.Seed("products", 7, map[string]any{"name": "Honey", "price": 4.0, "quantity": 1})

		env.setOnline(false)
		order := submit(t, env, domain.KindOrders, map[string]any{"productId": 7, "quantity": 5})
		env.setOnline(true)

		runEngine(t, env)

		env.srv.Seed("products", 7, map[string]any{"name": "Honey", "price": 4.0, "quantity": 10})
		if err := env.client.Retry(context.Background(), domain.KindOrders, order.ID); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		report := runEngine(t, env)
		if report.Synced != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", report.Synced)
		}
		if orders := env.srv.Entities("orders"); len(orders) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(orders))
		}
	})

	t.Run("should create a product before the order referencing it", func(t *testing.T) {
		env := setupTestClient(t)
		env.srv.SetNextID(100)

		env.setOnline(false)
		product := submit(t, env, domain.KindProducts, map[string]any{"name": "Honey", "price": 4.0, "quantity": 5})
		submit(t, env, domain.KindOrders, map[string]any{"productId": product.ID, "quantity": 2})
		env.setOnline(true)

		report := runEngine(t, env)
		wantKinds := []domain.Kind{domain.KindProducts, domain.KindOrders}
		if report.Synced != 2 || !reflect.DeepEqual(report.Kinds, wantKinds) {
			t.Fatalf("\nwanted:\n2 synced in %v\ngot:\n%+v", wantKinds, report)
		}

		order, ok := env.srv.Entity("orders", 101)
		if !ok || !same(order["productId"], 100) {
			t.Fatalf("\nwanted:\norder 101 for product 100\ngot:\n%v", order)
		}

		local, err := env.client.Get(context.Background(), domain.KindOrders, "101")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !same(local.Attributes["productId"], 100) {
			t.Fatalf("\nwanted:\n100\ngot:\n%v", local.Attributes["productId"])
		}
		if calls := env.srv.Calls("PATCH", "orders"); calls != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", calls)
		}
	})

	t.Run("should create a product once when the first response was lost", func(t *testing.T) {
		env := setupTestClient(t, withRequestTimeout(50*time.Millisecond))
		env.srv.SetDelay(150 * time.Millisecond)

		product := submit(t, env, domain.KindProducts, map[string]any{"name": "Honey", "quantity": 5})
		if !domain.IsProvisional(product.ID) || !product.PendingSync {
			t.Fatalf("\nwanted:\npending provisional product\ngot:\n%s %v", product.ID, product.PendingSync)
		}

		// The backend finishes the create after the client gave up on it.
		waitFor(t, time.Second, func() bool { return len(env.srv.Entities("products")) == 1 })
		env.srv.SetDelay(0)

		env.setOnline(false)
		if _, err := env.client.SubmitUpdate(context.Background(), domain.KindProducts, product.ID, map[string]any{"quantity": 3}); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		env.setOnline(true)

		report := runEngine(t, env)
		if report.Synced != 1 || report.Retry != 0 {
			t.Fatalf("\nwanted:\none synced product\ngot:\n%+v", report)
		}

		products := env.srv.Entities("products")
		if len(products) != 1 {
			t.Fatalf("\nwanted:\n1 product on the backend\ngot:\n%v", products)
		}
		if !same(products[0]["quantity"], 3) {
			t.Fatalf("\nwanted:\n3\ngot:\n%v", products[0]["quantity"])
		}

		local, err := env.client.Get(context.Background(), domain.KindProducts, product.ID)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if local.PendingSync || !same(local.Attributes["quantity"], 3) {
			t.Fatalf("\nwanted:\nsynced quantity 3\ngot:\n%v %v", local.PendingSync, local.Attributes["quantity"])
		}
	})

	t.Run("should fail an order whose product was discarded", func(t *testing.T) {
		env := setupTestClient(t)

		env.setOnline(false)
		product := submit(t, env, domain.KindProducts, map[string]any{"name": "Honey", "quantity": 5})
		order := submit(t, env, domain.KindOrders, map[string]any{"productId": product.ID, "quantity": 2})
		if err := env.client.Discard(context.Background(), domain.KindProducts, product.ID); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		env.setOnline(true)

		report := runEngine(t, env)
		if report.Failed != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", report.Failed)
		}
		if calls := env.srv.Calls("POST", "orders"); calls != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", calls)
		}

		rec, err := env.client.Get(context.Background(), domain.KindOrders, order.ID)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if rec.Status != domain.StatusFailed || !strings.Contains(rec.SyncError, "no longer exists") {
			t.Fatalf("\nwanted:\nfailed, no longer exists\ngot:\n%v %q", rec.Status, rec.SyncError)
		}
	})

	t.Run("should keep records pending while the backend is down", func(t *testing.T) {
		env := setupTestClient(t)

		env.setOnline(false)
		submit(t, env, domain.KindProducts, map[string]any{"name": "Honey"})
		env.setOnline(true)
		env.srv.SetDown(true)

		if report := runEngine(t, env); report.Retry != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", report.Retry)
		}

		env.srv.SetDown(false)
		if report := runEngine(t, env); report.Synced != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", report.Synced)
		}
		if products := env.srv.Entities("products"); len(products) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(products))
		}
	})

	t.Run("should skip the run when offline", func(t *testing.T) {
		env := setupTestClient(t)
		env.setOnline(false)
		submit(t, env, domain.KindProducts, map[string]any{"name": "Honey"})

		if report := runEngine(t, env); !report.Skipped {
			t.Fatalf("\nwanted:\nskipped\ngot:\n%+v", report)
		}
		if calls := env.srv.Calls("POST", "products"); calls != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", calls)
		}
	})

	t.Run("should not create duplicates when run twice", func(t *testing.T) {
		env := setupTestClient(t)
		env.setOnline(false)
		submit(t, env, domain.KindProducts, map[string]any{"name": "Honey"})
		env.setOnline(true)

		runEngine(t, env)
		if report := runEngine(t, env); report.Synced != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", report.Synced)
		}

		if products := env.srv.Entities("products"); len(products) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(products))
		}
		if calls := env.srv.Calls("POST", "products"); calls != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", calls)
		}
	})

	t.Run("should join a run already in flight", func(t *testing.T) {
		logs := &lockedBuffer{}
		logger := zerolog.New(logs)
		env := setupTestClient(t, WithLogger(&logger))
		env.setOnline(false)
		submit(t, env, domain.KindProducts, map[string]any{"name": "Honey"})
		env.setOnline(true)
		env.srv.SetDelay(300 * time.Millisecond)

		var wg sync.WaitGroup
		reports := make([]*Report, 2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[0], _ = env.client.Engine.Run(context.Background())
		}()
		waitFor(t, time.Second, func() bool { return env.srv.Calls("POST", "products") == 1 })

		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[1], _ = env.client.Engine.Run(context.Background())
		}()
		wg.Wait()

		if reports[0] == nil || reports[0] != reports[1] {
			t.Fatalf("\nwanted:\none shared report\ngot:\n%p %p", reports[0], reports[1])
		}
		if calls := env.srv.Calls("POST", "products"); calls != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", calls)
		}

		got := logs.String()
		if strings.Contains(got, "joined") || !strings.Contains(got, "reconciliation shared between concurrent callers") {
			t.Fatalf("\nwanted:\nreconciliation shared between concurrent callers\ngot:\n%s", got)
		}
	})
}

// lockedBuffer is a log sink safe for the engine's background goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEngine_Start(t *testing.T) {
	t.Run("should run once after a flapping connection settles", func(t *testing.T) {
		var runs atomic.Int32
		env := setupTestClient(t, WithReconcileHandler(func(report *Report) error {
			if !report.Skipped {
				runs.Add(1)
			}
			return nil
		}))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go env.client.Engine.Start(ctx)

		for i := 0; i < 5; i++ {
			env.setOnline(false)
			env.setOnline(true)
		}

		waitFor(t, time.Second, func() bool { return runs.Load() == 1 })
		time.Sleep(200 * time.Millisecond)
		if got := runs.Load(); got != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", got)
		}
	})
}
