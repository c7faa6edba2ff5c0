package quota

import (
	"context"
	"errors"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A single connection keeps the in-memory database alive and stable.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testLedger(t *testing.T, shortMax, longMax int) *Ledger {
	t.Helper()
	return NewLedger(openTestDB(t), Config{
		DefaultShortMax: shortMax,
		DefaultLongMax:  longMax,
		KnownModels:     []string{"gpt-4o", "deepseek-chat"},
	})
}

func TestShortQuota_ExhaustsAtMax(t *testing.T) {
	l := testLedger(t, 3, 5)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		st, err := l.CheckAndIncrementShort(ctx, 1, "gpt-4o")
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if st.Current != i || st.Max != 3 || st.Remaining != 3-i {
			t.Fatalf("increment %d: unexpected state %+v", i, st)
		}
	}

	st, err := l.CheckAndIncrementShort(ctx, 1, "gpt-4o")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.Kind != "short" {
		t.Fatalf("unexpected kind: %q", exceeded.Kind)
	}
	if st.Current != 3 || st.Max != 3 || st.Remaining != 0 {
		t.Fatalf("denial state: %+v", st)
	}

	// The denied call must not mutate the counter.
	rec, err := l.Get(ctx, 1, "gpt-4o")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ShortCount != 3 {
		t.Fatalf("counter mutated on denial: %d", rec.ShortCount)
	}
}

func TestShortQuota_LazyRowCreation(t *testing.T) {
	l := testLedger(t, 10, 5)

	st, err := l.CheckAndIncrementShort(context.Background(), 42, "deepseek-chat")
	if err != nil {
		t.Fatalf("increment on fresh pair: %v", err)
	}
	if st.Current != 1 || st.Max != 10 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestShortQuota_ConcurrentIncrementsNeverExceedMax(t *testing.T) {
	max := 5
	l := testLedger(t, max, 5)
	ctx := context.Background()

	// create the row up front so every goroutine races on the same counter
	if _, err := l.Get(ctx, 7, "gpt-4o"); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	attempts := 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := l.CheckAndIncrementShort(ctx, 7, "gpt-4o")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, denials := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			var exceeded *ExceededError
			if !errors.As(err, &exceeded) {
				t.Fatalf("unexpected error: %v", err)
			}
			denials++
		}
	}

	if successes != max {
		t.Fatalf("expected exactly %d successes, got %d (denials %d)", max, successes, denials)
	}

	rec, err := l.Get(ctx, 7, "gpt-4o")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ShortCount != max {
		t.Fatalf("counter %d != max %d", rec.ShortCount, max)
	}
}

func TestLongQuota_CallerSuppliedCount(t *testing.T) {
	l := testLedger(t, 10, 5)
	ctx := context.Background()

	st, err := l.CheckAndIncrementLong(ctx, 1, "gpt-4o", 3)
	if err != nil {
		t.Fatalf("long increment: %v", err)
	}
	if st.Current != 3 || st.Remaining != 2 {
		t.Fatalf("unexpected state %+v", st)
	}

	// 3 + 3 > 5: rejected entirely, not clamped.
	_, err = l.CheckAndIncrementLong(ctx, 1, "gpt-4o", 3)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}

	rec, err := l.Get(ctx, 1, "gpt-4o")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.LongCount != 3 {
		t.Fatalf("counter mutated on denial: %d", rec.LongCount)
	}

	// 3 + 2 == 5 still fits.
	st, err = l.CheckAndIncrementLong(ctx, 1, "gpt-4o", 2)
	if err != nil {
		t.Fatalf("long increment to max: %v", err)
	}
	if st.Current != 5 || st.Remaining != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestLongQuota_RejectsNonPositiveCount(t *testing.T) {
	l := testLedger(t, 10, 5)
	if _, err := l.CheckAndIncrementLong(context.Background(), 1, "gpt-4o", 0); err == nil {
		t.Fatalf("expected error for count 0")
	}
}

func TestResetUser_RestoresDefaultsForKnownModels(t *testing.T) {
	l := testLedger(t, 3, 5)
	ctx := context.Background()

	// burn some quota on one model first
	for i := 0; i < 3; i++ {
		if _, err := l.CheckAndIncrementShort(ctx, 1, "gpt-4o"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	if err := l.ResetUser(ctx, 1); err != nil {
		t.Fatalf("reset: %v", err)
	}

	recs, err := l.ListForUser(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected rows for 2 known models, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.ShortCount != 0 || rec.LongCount != 0 {
			t.Fatalf("counters not zeroed: %+v", rec)
		}
		if rec.ShortMax != 3 || rec.LongMax != 5 {
			t.Fatalf("maxima not restored: %+v", rec)
		}
		if rec.LastReset.IsZero() {
			t.Fatalf("last_reset not stamped: %+v", rec)
		}
	}
}

func TestBulkSetMaxima_ReplacesConfiguration(t *testing.T) {
	l := testLedger(t, 3, 5)
	ctx := context.Background()

	// existing rows for two models
	if _, err := l.Get(ctx, 1, "gpt-4o"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := l.Get(ctx, 1, "deepseek-chat"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := l.BulkSetMaxima(ctx, 1, []MaxEntry{
		{ModelName: "gpt-4o", ShortMax: 100, LongMax: 10},
		{ModelName: "mistral-small-latest", ShortMax: 50, LongMax: 2},
	})
	if err != nil {
		t.Fatalf("bulk set: %v", err)
	}

	recs, err := l.ListForUser(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 rows after replace, got %d", len(recs))
	}
	byModel := map[string]Record{}
	for _, r := range recs {
		byModel[r.ModelName] = r
	}
	if _, ok := byModel["deepseek-chat"]; ok {
		t.Fatalf("row absent from new config should be deleted")
	}
	if r := byModel["gpt-4o"]; r.ShortMax != 100 || r.LongMax != 10 {
		t.Fatalf("gpt-4o maxima not updated: %+v", r)
	}
	if r := byModel["mistral-small-latest"]; r.ShortMax != 50 || r.LongMax != 2 {
		t.Fatalf("mistral row not inserted: %+v", r)
	}
}
