package db

import (
	"context"
	"errors"
	"testing"

	"github.com/leafymarket/leafsync/domain"
)

func TestEntityRepo_Put(t *testing.T) {
	t.Run("should assign increasing sequence numbers to new records", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		first := putTestRecord(t, repo, domain.KindProducts, "L1", true, testProduct("Tomatoes", "vegetables", 2.5))
		second := putTestRecord(t, repo, domain.KindProducts, "L2", true, testProduct("Apples", "fruit", 1))

		if first.Seq != 1 || second.Seq != 2 {
			t.Fatalf("\nwanted:\n1 2\ngot:\n%d %d", first.Seq, second.Seq)
		}

		if first.Op != domain.OpCreate {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.OpCreate, first.Op)
		}
	})

	t.Run("should bump the version and keep the sequence on update", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		putTestRecord(t, repo, domain.KindProducts, "L1", true, testProduct("Tomatoes", "vegetables", 2.5))
		putTestRecord(t, repo, domain.KindProducts, "L2", true, testProduct("Apples", "fruit", 1))
		updated := putTestRecord(t, repo, domain.KindProducts, "L1", true, testProduct("Tomatoes", "vegetables", 3))

		if updated.Seq != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", updated.Seq)
		}

		if updated.Version != 2 {
			t.Fatalf("\nwanted:\n2\ngot:\n%d", updated.Version)
		}

		got, err := repo.Get(context.Background(), domain.KindProducts, "L1")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if got.Attributes["price"] != float64(3) {
			t.Fatalf("\nwanted:\n3\ngot:\n%v", got.Attributes["price"])
		}
	})

	t.Run("should keep a pending create a create when edited with an update", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		putTestRecord(t, repo, domain.KindProducts, "L1", true, testProduct("Tomatoes", "vegetables", 2.5))

		rec := &domain.Record{
			Kind:        domain.KindProducts,
			ID:          "L1",
			Attributes:  testProduct("Tomatoes", "vegetables", 4),
			PendingSync: true,
			Op:          domain.OpUpdate,
		}
		if err := repo.Put(context.Background(), rec); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if rec.Op != domain.OpCreate {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.OpCreate, rec.Op)
		}
	})

	t.Run("should reject an unknown kind", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		err := repo.Put(context.Background(), &domain.Record{Kind: "farmers", ID: "1"})
		if !errors.Is(err, domain.ErrUnknownKind) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrUnknownKind, err)
		}
	})
}

func TestEntityRepo_CacheRecord(t *testing.T) {
	t.Run("should store a backend copy as synced", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		rec := &domain.Record{Kind: domain.KindProducts, ID: "9", Attributes: testProduct("Honey", "pantry", 8)}
		if err := repo.CacheRecord(context.Background(), rec); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		got, err := repo.Get(context.Background(), domain.KindProducts, "9")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if got.PendingSync || got.Status != domain.StatusSynced {
			t.Fatalf("\nwanted:\nsynced\ngot:\n%v", got.Status)
		}
	})

	t.Run("should never overwrite a pending local edit", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		putTestRecord(t, repo, domain.KindProducts, "9", true, testProduct("Honey", "pantry", 10))

		rec := &domain.Record{Kind: domain.KindProducts, ID: "9", Attributes: testProduct("Honey", "pantry", 8)}
		if err := repo.CacheRecord(context.Background(), rec); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		got, err := repo.Get(context.Background(), domain.KindProducts, "9")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if got.Attributes["price"] != float64(10) || !got.PendingSync {
			t.Fatalf("\nwanted:\npending price 10\ngot:\n%v %v", got.PendingSync, got.Attributes["price"])
		}
	})
}

func TestEntityRepo_GetByIndex(t *testing.T) {
	t.Run("should return the records matching the index value", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		putTestRecord(t, repo, domain.KindProducts, "1", false, testProduct("Tomatoes", "vegetables", 2.5))
		putTestRecord(t, repo, domain.KindProducts, "2", false, testProduct("Apples", "fruit", 1))
		putTestRecord(t, repo, domain.KindProducts, "L1", true, testProduct("Carrots", "vegetables", 1.2))

		got, err := repo.GetByIndex(context.Background(), domain.KindProducts, "category", "vegetables")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if len(got) != 2 || got[0].ID != "1" || got[1].ID != "L1" {
			t.Fatalf("\nwanted:\n[1 L1]\ngot:\n%v", got)
		}
	})

	t.Run("should match numeric references by their string form", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		putTestRecord(t, repo, domain.KindOrders, "1", false, map[string]any{"productId": float64(4), "status": "pending"})

		got, err := repo.GetByIndex(context.Background(), domain.KindOrders, "product_id", "4")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if len(got) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(got))
		}
	})

	t.Run("should reject an unknown index", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		_, err := repo.GetByIndex(context.Background(), domain.KindProducts, "price", "1")
		if !errors.Is(err, domain.ErrUnknownIndex) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrUnknownIndex, err)
		}
	})
}

func TestEntityRepo_Get(t *testing.T) {
	t.Run("should return ErrRecordNotFound for a missing record", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		_, err := repo.Get(context.Background(), domain.KindOrders, "404")
		if !errors.Is(err, domain.ErrRecordNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrRecordNotFound, err)
		}

		if errors.Is(err, domain.ErrStorageFailure) {
			t.Fatalf("\nwanted:\nnot a storage failure\ngot:\n%v", err)
		}
	})
}

func TestEntityRepo_ListPending(t *testing.T) {
	t.Run("should group pending records by kind in creation order", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		putTestRecord(t, repo, domain.KindProducts, "L2", true, testProduct("Apples", "fruit", 1))
		putTestRecord(t, repo, domain.KindProducts, "1", false, testProduct("Tomatoes", "vegetables", 2.5))
		putTestRecord(t, repo, domain.KindProducts, "L1", true, testProduct("Carrots", "vegetables", 1.2))
		putTestRecord(t, repo, domain.KindOrders, "L3", true, map[string]any{"productId": "L2"})

		got, err := repo.ListPending(context.Background())
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		products := got[domain.KindProducts]
		if len(products) != 2 || products[0].ID != "L2" || products[1].ID != "L1" {
			t.Fatalf("\nwanted:\n[L2 L1]\ngot:\n%v", products)
		}

		if len(got[domain.KindOrders]) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(got[domain.KindOrders]))
		}
	})
}

func TestEntityRepo_MarkSynced(t *testing.T) {
	t.Run("should clear the pending flag for the replayed version", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		rec := putTestRecord(t, repo, domain.KindProducts, "3", true, testProduct("Tomatoes", "vegetables", 2.5))

		ok, err := repo.MarkSynced(context.Background(), domain.KindProducts, "3", rec.Version)
		if err != nil || !ok {
			t.Fatalf("\nwanted:\ntrue nil\ngot:\n%v %v", ok, err)
		}

		got, _ := repo.Get(context.Background(), domain.KindProducts, "3")
		if got.PendingSync {
			t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
		}
	})

	t.Run("should leave a record edited after the replay pending", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		rec := putTestRecord(t, repo, domain.KindProducts, "3", true, testProduct("Tomatoes", "vegetables", 2.5))
		putTestRecord(t, repo, domain.KindProducts, "3", true, testProduct("Tomatoes", "vegetables", 2.8))

		ok, err := repo.MarkSynced(context.Background(), domain.KindProducts, "3", rec.Version)
		if err != nil || ok {
			t.Fatalf("\nwanted:\nfalse nil\ngot:\n%v %v", ok, err)
		}

		got, _ := repo.Get(context.Background(), domain.KindProducts, "3")
		if !got.PendingSync {
			t.Fatalf("\nwanted:\ntrue\ngot:\nfalse")
		}
	})
}

func TestEntityRepo_FailedLifecycle(t *testing.T) {
	t.Run("should list, retry and discard failed records", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		ctx := context.Background()
		rec := putTestRecord(t, repo, domain.KindOrders, "L1", true, map[string]any{"productId": float64(3), "quantity": float64(500)})

		ok, err := repo.MarkFailed(ctx, domain.KindOrders, "L1", rec.Version, "Insufficient stock")
		if err != nil || !ok {
			t.Fatalf("\nwanted:\ntrue nil\ngot:\n%v %v", ok, err)
		}

		failed, err := repo.ListFailed(ctx)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if len(failed) != 1 || failed[0].SyncError != "Insufficient stock" || failed[0].PendingSync {
			t.Fatalf("\nwanted:\none failed record\ngot:\n%+v", failed)
		}

		pending, _ := repo.ListPending(ctx)
		if len(pending[domain.KindOrders]) != 0 {
			t.Fatalf("\nwanted:\nno pending orders\ngot:\n%d", len(pending[domain.KindOrders]))
		}

		if err := repo.Retry(ctx, domain.KindOrders, "L1"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		got, _ := repo.Get(ctx, domain.KindOrders, "L1")
		if got.Status != domain.StatusPending || !got.PendingSync || got.Op != domain.OpCreate {
			t.Fatalf("\nwanted:\npending create\ngot:\n%v %v", got.Status, got.Op)
		}

		if err := repo.Retry(ctx, domain.KindOrders, "L1"); !errors.Is(err, domain.ErrRecordNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrRecordNotFound, err)
		}

		if err := repo.Discard(ctx, domain.KindOrders, "L1"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if _, err := repo.Get(ctx, domain.KindOrders, "L1"); !errors.Is(err, domain.ErrRecordNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrRecordNotFound, err)
		}
	})
}

func TestEntityRepo_NextProvisionalID(t *testing.T) {
	t.Run("should allocate distinct provisional ids", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		seen := make(map[string]bool)
		for i := 0; i < 5; i++ {
			id, err := repo.NextProvisionalID(context.Background())
			if err != nil {
				t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
			}
			if !domain.IsProvisional(id) {
				t.Fatalf("\nwanted:\nprovisional id\ngot:\n%s", id)
			}
			if seen[id] {
				t.Fatalf("\nwanted:\nunique ids\ngot:\nduplicate %s", id)
			}
			seen[id] = true
		}
	})
}

func TestEntityRepo_RemapID(t *testing.T) {
	t.Run("should replace the provisional record and rewrite references", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		ctx := context.Background()
		product := putTestRecord(t, repo, domain.KindProducts, "L1", true, testProduct("Tomatoes", "vegetables", 2.5))
		putTestRecord(t, repo, domain.KindOrders, "L2", true, map[string]any{"productId": "L1", "quantity": float64(2)})

		confirmed := &domain.Record{Kind: domain.KindProducts, ID: "42", Attributes: testProduct("Tomatoes", "vegetables", 2.5)}
		if err := repo.RemapID(ctx, domain.KindProducts, "L1", confirmed, product.Version); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if _, err := repo.Get(ctx, domain.KindProducts, "L1"); !errors.Is(err, domain.ErrRecordNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrRecordNotFound, err)
		}

		got, err := repo.Get(ctx, domain.KindProducts, "42")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if got.PendingSync || got.Seq != product.Seq {
			t.Fatalf("\nwanted:\nsynced at seq %d\ngot:\n%v at seq %d", product.Seq, got.Status, got.Seq)
		}

		order, err := repo.Get(ctx, domain.KindOrders, "L2")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if order.Attributes["productId"] != float64(42) {
			t.Fatalf("\nwanted:\n42\ngot:\n%v (%T)", order.Attributes["productId"], order.Attributes["productId"])
		}

		byProduct, _ := repo.GetByIndex(ctx, domain.KindOrders, "product_id", "42")
		if len(byProduct) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(byProduct))
		}

		id, ok, err := repo.ResolveID(ctx, domain.KindProducts, "L1")
		if err != nil || !ok || id != "42" {
			t.Fatalf("\nwanted:\n42 true nil\ngot:\n%s %v %v", id, ok, err)
		}
	})

	t.Run("should keep a local edit made while the create was in flight", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		ctx := context.Background()
		product := putTestRecord(t, repo, domain.KindProducts, "L1", true, testProduct("Tomatoes", "vegetables", 2.5))
		replayed := product.Version
		putTestRecord(t, repo, domain.KindProducts, "L1", true, testProduct("Tomatoes", "vegetables", 3.5))

		confirmed := &domain.Record{Kind: domain.KindProducts, ID: "42", Attributes: testProduct("Tomatoes", "vegetables", 2.5)}
		if err := repo.RemapID(ctx, domain.KindProducts, "L1", confirmed, replayed); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		got, err := repo.Get(ctx, domain.KindProducts, "42")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !got.PendingSync || got.Op != domain.OpUpdate || got.Attributes["price"] != float64(3.5) {
			t.Fatalf("\nwanted:\npending update at 3.5\ngot:\n%v %v %v", got.PendingSync, got.Op, got.Attributes["price"])
		}
	})

	t.Run("should report an unknown provisional id", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		_, ok, err := repo.ResolveID(context.Background(), domain.KindProducts, "L99")
		if err != nil || ok {
			t.Fatalf("\nwanted:\nfalse nil\ngot:\n%v %v", ok, err)
		}
	})
}
