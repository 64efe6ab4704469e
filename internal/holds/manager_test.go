package holds

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/models"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *memJobStore) put(j *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

func (s *memJobStore) GetByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ledger.ErrInvalidArgument
	}
	cp := *j
	return &cp, nil
}

func (s *memJobStore) FinalizeHold(_ context.Context, id uuid.UUID, holdStatus string, billed bool, meta json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.HoldStatus != models.HoldPending {
		return false, nil
	}
	j.HoldStatus = holdStatus
	j.Billed = billed
	j.FinalizeMeta = meta
	return true, nil
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	byKey    map[string]*models.LedgerEntry
	writes   int
}

func newMemLedger() *memLedger {
	return &memLedger{balances: make(map[string]int64), byKey: make(map[string]*models.LedgerEntry)}
}

func (l *memLedger) setBalance(userID, category string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID+"/"+category] = amount
}

func (l *memLedger) WriteEntry(_ context.Context, p ledger.WriteParams) (*models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := p.IdempotencyKey
	if key == "" {
		key = ledger.BuildIdempotencyKey(p.Direction, p.Source, p.JobID, p.PaymentID)
	}
	if e, ok := l.byKey[key]; ok {
		return e, nil
	}
	bk := p.UserID + "/" + p.Category
	if p.Direction == models.DirectionDebit {
		if l.balances[bk] < p.Amount {
			return nil, ledger.ErrInsufficientBalance
		}
		l.balances[bk] -= p.Amount
	} else {
		l.balances[bk] += p.Amount
	}
	l.writes++
	e := &models.LedgerEntry{
		ID:             uuid.New(),
		UserID:         p.UserID,
		Category:       p.Category,
		Direction:      p.Direction,
		Amount:         p.Amount,
		BalanceAfter:   l.balances[bk],
		Source:         p.Source,
		JobID:          p.JobID,
		IdempotencyKey: key,
	}
	l.byKey[key] = e
	return e, nil
}

func (l *memLedger) GetBalances(_ context.Context, userID string) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]int64{models.CategoryImage: 0, models.CategoryVideo: 0}
	for k, v := range l.balances {
		if len(k) > len(userID) && k[:len(userID)] == userID {
			out[k[len(userID)+1:]] = v
		}
	}
	return out, nil
}

func seedJob(store *memJobStore, userID string, category, source string) *models.Job {
	j := &models.Job{
		ID:         uuid.New(),
		UserID:     userID,
		Category:   category,
		Source:     source,
		Status:     models.JobStatusRunning,
		HoldStatus: models.HoldPending,
	}
	store.put(j)
	return j
}

func TestCreateHold_SoftCheck(t *testing.T) {
	led := newMemLedger()
	led.setBalance("u1", models.CategoryImage, 30)
	m := NewManager(newMemJobStore(), led)

	if err := m.CreateHold(context.Background(), "u1", models.CategoryImage, 30); err != nil {
		t.Fatalf("hold at exact balance: %v", err)
	}
	if err := m.CreateHold(context.Background(), "u1", models.CategoryImage, 31); err != ledger.ErrInsufficientBalance {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if led.writes != 0 {
		t.Fatalf("hold creation wrote %d ledger entries, want 0", led.writes)
	}
}

func TestFinalize_CaptureDebitsOnce(t *testing.T) {
	store := newMemJobStore()
	led := newMemLedger()
	led.setBalance("u1", models.CategoryImage, 100)
	m := NewManager(store, led)
	job := seedJob(store, "u1", models.CategoryImage, models.SourceText2Image)

	res, err := m.Finalize(context.Background(), job.ID, Captured(40, nil))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.HoldStatus != models.HoldCaptured || !res.Billed || res.Entry == nil {
		t.Fatalf("result = %+v, want captured and billed with entry", res)
	}

	// Second finalize replays the prior state and writes nothing.
	res2, err := m.Finalize(context.Background(), job.ID, Captured(40, nil))
	if err != nil {
		t.Fatalf("replayed finalize: %v", err)
	}
	if !res2.Replayed || res2.HoldStatus != models.HoldCaptured || !res2.Billed {
		t.Fatalf("replay result = %+v", res2)
	}
	bal, _ := led.GetBalances(context.Background(), "u1")
	if bal[models.CategoryImage] != 60 {
		t.Fatalf("balance = %d, want 60", bal[models.CategoryImage])
	}
	if led.writes != 1 {
		t.Fatalf("ledger writes = %d, want 1", led.writes)
	}
}

func TestFinalize_ZeroCostIsNothingToBill(t *testing.T) {
	store := newMemJobStore()
	led := newMemLedger()
	led.setBalance("u1", models.CategoryVideo, 50)
	m := NewManager(store, led)
	job := seedJob(store, "u1", models.CategoryVideo, models.SourceImage2Video)

	res, err := m.Finalize(context.Background(), job.ID, Captured(0, nil))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.HoldStatus != models.HoldReleasedNothingToBill || res.Billed {
		t.Fatalf("result = %+v, want released_nothing_to_bill unbilled", res)
	}
	if led.writes != 0 {
		t.Fatalf("ledger writes = %d, want 0", led.writes)
	}
}

func TestFinalize_ReleaseWritesNothing(t *testing.T) {
	store := newMemJobStore()
	led := newMemLedger()
	led.setBalance("u1", models.CategoryImage, 50)
	m := NewManager(store, led)
	job := seedJob(store, "u1", models.CategoryImage, models.SourceText2Image)

	res, err := m.Finalize(context.Background(), job.ID, Released("failed"))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.HoldStatus != models.HoldReleasedFailed || res.Billed {
		t.Fatalf("result = %+v, want released_failed unbilled", res)
	}
	bal, _ := led.GetBalances(context.Background(), "u1")
	if bal[models.CategoryImage] != 50 {
		t.Fatalf("balance = %d, want untouched 50", bal[models.CategoryImage])
	}
}

func TestFinalize_InsufficientAtCapture(t *testing.T) {
	store := newMemJobStore()
	led := newMemLedger()
	led.setBalance("u1", models.CategoryImage, 10)
	m := NewManager(store, led)
	job := seedJob(store, "u1", models.CategoryImage, models.SourceImage2Image)

	res, err := m.Finalize(context.Background(), job.ID, Captured(25, nil))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !res.CaptureFailed() || res.Billed {
		t.Fatalf("result = %+v, want released_capture_failed unbilled", res)
	}
	bal, _ := led.GetBalances(context.Background(), "u1")
	if bal[models.CategoryImage] != 10 {
		t.Fatalf("balance = %d, want untouched 10", bal[models.CategoryImage])
	}
}

// raceJobStore lets a released finalize win the hold CAS between the capture
// debit and the capture's own CAS attempt.
type raceJobStore struct {
	*memJobStore
	once sync.Once
}

func (s *raceJobStore) FinalizeHold(ctx context.Context, id uuid.UUID, holdStatus string, billed bool, meta json.RawMessage) (bool, error) {
	if holdStatus == models.HoldCaptured {
		s.once.Do(func() {
			_, _ = s.memJobStore.FinalizeHold(ctx, id, models.HoldReleasedTimeout, false, nil)
		})
	}
	return s.memJobStore.FinalizeHold(ctx, id, holdStatus, billed, meta)
}

func TestFinalize_RefundsDebitWhenReleaseWinsRace(t *testing.T) {
	store := &raceJobStore{memJobStore: newMemJobStore()}
	led := newMemLedger()
	led.setBalance("u1", models.CategoryImage, 100)
	m := NewManager(store, led)
	job := seedJob(store.memJobStore, "u1", models.CategoryImage, models.SourceText2Image)

	res, err := m.Finalize(context.Background(), job.ID, Captured(40, nil))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !res.Replayed || res.HoldStatus != models.HoldReleasedTimeout || res.Billed {
		t.Fatalf("result = %+v, want replayed released_timeout unbilled", res)
	}

	// The debit landed before the release won, so a compensating credit
	// restores the balance. Released holds never charge.
	bal, _ := led.GetBalances(context.Background(), "u1")
	if bal[models.CategoryImage] != 100 {
		t.Fatalf("balance = %d, want restored 100", bal[models.CategoryImage])
	}
	if led.writes != 2 {
		t.Fatalf("ledger writes = %d, want debit + refund", led.writes)
	}

	// Redelivery of the capture replays without another write.
	if _, err := m.Finalize(context.Background(), job.ID, Captured(40, nil)); err != nil {
		t.Fatalf("replayed finalize: %v", err)
	}
	if led.writes != 2 {
		t.Fatalf("ledger writes after replay = %d, want 2", led.writes)
	}
}

func TestFinalize_ConcurrentSettlesOnce(t *testing.T) {
	store := newMemJobStore()
	led := newMemLedger()
	led.setBalance("u1", models.CategoryImage, 200)
	m := NewManager(store, led)
	job := seedJob(store, "u1", models.CategoryImage, models.SourceText2Image)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Finalize(context.Background(), job.ID, Captured(30, nil)); err != nil {
				t.Errorf("finalize: %v", err)
			}
		}()
	}
	wg.Wait()

	bal, _ := led.GetBalances(context.Background(), "u1")
	if bal[models.CategoryImage] != 170 {
		t.Fatalf("balance = %d, want 170", bal[models.CategoryImage])
	}
	if led.writes != 1 {
		t.Fatalf("ledger writes = %d, want 1", led.writes)
	}
	final, _ := store.GetByID(context.Background(), job.ID)
	if final.HoldStatus != models.HoldCaptured || !final.Billed {
		t.Fatalf("job hold = %s billed=%v", final.HoldStatus, final.Billed)
	}
}
