package unlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storytime/internal/domain"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestLedger(t *testing.T) (*Ledger, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, time.June, 1, 19, 0, 0, 0, time.UTC)}
	return NewLedger(NewMemoryStore(), time.UTC, WithClock(c.Now)), c
}

func TestRecordAdImpressionCapsAtThreshold(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	var last Progress
	for i := 1; i <= 5; i++ {
		p, err := ledger.RecordAdImpression(ctx, "device-1", "X")
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		want := i
		if want > domain.AdsToUnlock {
			want = domain.AdsToUnlock
		}
		if p.AdsCompleted != want {
			t.Fatalf("вызов %d: ожидали %d, получили %d", i, want, p.AdsCompleted)
		}
		if p.Unlocked != (i >= domain.AdsToUnlock) {
			t.Fatalf("вызов %d: неожиданный признак открытия %v", i, p.Unlocked)
		}
		if p.JustUnlocked != (i == domain.AdsToUnlock) {
			t.Fatalf("вызов %d: открытие должно фиксироваться только третьим просмотром", i)
		}
		last = p
	}
	if last.Required != domain.AdsToUnlock {
		t.Fatalf("ожидали порог %d", domain.AdsToUnlock)
	}

	unlocked, err := ledger.IsUnlocked(ctx, "device-1", "X")
	if err != nil || !unlocked {
		t.Fatalf("история должна быть открыта: %v %v", unlocked, err)
	}
	other, _ := ledger.IsUnlocked(ctx, "device-1", "Y")
	if other {
		t.Fatalf("открытие не должно распространяться на другую историю")
	}
	foreign, _ := ledger.IsUnlocked(ctx, "device-2", "X")
	if foreign {
		t.Fatalf("открытие не должно распространяться на другое устройство")
	}
}

func TestLedgerExpiresNextDay(t *testing.T) {
	ledger, c := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < domain.AdsToUnlock; i++ {
		if _, err := ledger.RecordAdImpression(ctx, "device-1", "X"); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	c.Set(c.Now().Add(6 * time.Hour))
	unlocked, err := ledger.IsUnlocked(ctx, "device-1", "X")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if unlocked {
		t.Fatalf("открытие должно истечь на следующий день")
	}
	record, _ := ledger.Record(ctx, "device-1", "X")
	if record.AdsCompleted != 0 || record.Day != "2024-06-02" {
		t.Fatalf("ожидали пустую запись на новый день, получили %+v", record)
	}
}

func TestLedgerUsesLocationForDay(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*60*60)
	c := &clock{now: time.Date(2024, time.June, 2, 3, 0, 0, 0, time.UTC)}
	ledger := NewLedger(NewMemoryStore(), loc, WithClock(c.Now))
	if got := ledger.Today(); got != "2024-06-01" {
		t.Fatalf("ожидали местный день 2024-06-01, получили %s", got)
	}
}

func TestRecordAdImpressionRejectsEmptyKey(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if _, err := ledger.RecordAdImpression(context.Background(), "", "X"); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("ожидали ErrEmptyKey, получили %v", err)
	}
}

func TestRecordAdImpressionConcurrentNeverOvercounts(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ledger.RecordAdImpression(ctx, "device-1", "X")
		}()
	}
	wg.Wait()
	record, _ := ledger.Record(ctx, "device-1", "X")
	if record.AdsCompleted != domain.AdsToUnlock {
		t.Fatalf("ожидали %d, получили %d", domain.AdsToUnlock, record.AdsCompleted)
	}
}
