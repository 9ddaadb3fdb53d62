package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/event"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBulkStore struct {
	mu          sync.Mutex
	live        map[string]models.Pass
	softDeleted map[string]struct{}
	hardDeleted []string
	chunkCalls  int
	failChunk   int           // 1-based call index that fails, 0 = never
	gate        chan struct{} // when set, CreatePassChunk blocks until closed
	entered     chan struct{} // closed when the first chunk reaches the gate
	enterOnce   sync.Once
	nextID      int64
}

func newFakeBulkStore() *fakeBulkStore {
	return &fakeBulkStore{
		live:        make(map[string]models.Pass),
		softDeleted: make(map[string]struct{}),
	}
}

func (s *fakeBulkStore) PassByUID(_ context.Context, uid string) (models.Pass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pass, ok := s.live[uid]; ok {
		return pass, nil
	}
	return models.Pass{}, storage.ErrPassNotFound
}

func (s *fakeBulkStore) HardDeleteDeleted(_ context.Context, uid string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.softDeleted[uid]; !ok {
		return 0, nil
	}
	delete(s.softDeleted, uid)
	s.hardDeleted = append(s.hardDeleted, uid)
	return 1, nil
}

func (s *fakeBulkStore) CreatePassChunk(_ context.Context, reqs []models.BulkRequest, createdBy string) ([]models.Pass, error) {
	s.mu.Lock()
	gate := s.gate
	entered := s.entered
	s.mu.Unlock()
	if entered != nil {
		s.enterOnce.Do(func() { close(entered) })
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunkCalls++
	if s.failChunk != 0 && s.chunkCalls == s.failChunk {
		return nil, errors.New("insert failed")
	}

	created := make([]models.Pass, len(reqs))
	for i, req := range reqs {
		s.nextID++
		pass := models.Pass{
			ID:            s.nextID,
			UID:           req.UID,
			PassType:      req.PassType,
			Category:      req.Category,
			PeopleAllowed: req.PeopleAllowed,
			MaxUses:       req.MaxUses,
			Status:        models.PassStatusActive,
			CreatedBy:     createdBy,
		}
		s.live[req.UID] = pass
		created[i] = pass
	}
	return created, nil
}

func (s *fakeBulkStore) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

type fakeBulkCache struct {
	mu    sync.Mutex
	projs []models.PassProjection
}

func (c *fakeBulkCache) UpsertProjections(_ context.Context, projs []models.PassProjection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projs = append(c.projs, projs...)
	return nil
}

func (c *fakeBulkCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.projs)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *fakeAudit) SaveAuditEntry(_ context.Context, entry models.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

type fakeOutbox struct {
	mu    sync.Mutex
	types []string
}

func (o *fakeOutbox) SaveEvent(_ context.Context, eventType string, _ any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.types = append(o.types, eventType)
	return nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []event.Type
}

func (b *fakeBus) Publish(t event.Type, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, t)
}

func (b *fakeBus) has(t event.Type) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e == t {
			return true
		}
	}
	return false
}

type fixtures struct {
	store  *fakeBulkStore
	cache  *fakeBulkCache
	audit  *fakeAudit
	outbox *fakeOutbox
	bus    *fakeBus
	p      *Pipeline
}

func newFixtures(opts Opts) *fixtures {
	f := &fixtures{
		store:  newFakeBulkStore(),
		cache:  &fakeBulkCache{},
		audit:  &fakeAudit{},
		outbox: &fakeOutbox{},
		bus:    &fakeBus{},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.p = New(log, f.store, f.cache, f.audit, f.outbox, f.bus, opts)
	return f
}

func requests(n int, passType models.PassType) []models.BulkRequest {
	reqs := make([]models.BulkRequest, n)
	for i := range reqs {
		reqs[i] = models.BulkRequest{
			UID:      fmt.Sprintf("%s%04d", gofakeit.LetterN(6), i),
			PassType: passType,
			Category: "vip",
		}
	}
	return reqs
}

func waitFinished(t *testing.T, p *Pipeline, bulkID string) models.BulkOperation {
	t.Helper()
	var st models.BulkOperation
	require.Eventually(t, func() bool {
		var err error
		st, err = p.Get(bulkID)
		return err == nil && st.Status != models.BulkStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestBulk_CreatesInChunksWithDefaults(t *testing.T) {
	f := newFixtures(Opts{ChunkSize: 100})
	reqs := requests(250, models.PassTypeSeasonal)

	bulkID, err := f.p.CreateBulk(context.Background(), reqs, "admin-1")
	require.NoError(t, err)

	st := waitFinished(t, f.p, bulkID)
	assert.Equal(t, models.BulkStatusCompleted, st.Status)
	assert.Equal(t, 250, st.Total)
	assert.Equal(t, 250, st.Processed)
	assert.Equal(t, 250, st.Created)
	assert.Empty(t, st.Errors)

	assert.Equal(t, 3, f.store.chunkCalls)
	assert.Equal(t, 250, f.store.liveCount())
	assert.Equal(t, 250, f.cache.count(), "committed chunks prime the cache")

	// max_uses defaulted by pass type
	f.store.mu.Lock()
	for _, pass := range f.store.live {
		assert.Equal(t, 11, pass.MaxUses)
		assert.Equal(t, 1, pass.PeopleAllowed)
	}
	f.store.mu.Unlock()

	assert.True(t, f.bus.has(event.TypeBulkProgress))
	assert.True(t, f.bus.has(event.TypeBulkComplete))
	f.outbox.mu.Lock()
	assert.Contains(t, f.outbox.types, string(event.TypeBulkComplete))
	f.outbox.mu.Unlock()
}

func TestBulk_DuplicateUIDs(t *testing.T) {
	f := newFixtures(Opts{})
	f.store.live["TAKEN001"] = models.Pass{ID: 1, UID: "TAKEN001", Status: models.PassStatusActive}

	reqs := []models.BulkRequest{
		{UID: "TAKEN001", PassType: models.PassTypeDaily, Category: "vip"},
		{UID: "FRESH001", PassType: models.PassTypeDaily, Category: "vip"},
		{UID: "FRESH001", PassType: models.PassTypeDaily, Category: "vip"}, // repeated in batch
	}

	bulkID, err := f.p.CreateBulk(context.Background(), reqs, "admin-1")
	require.NoError(t, err)

	st := waitFinished(t, f.p, bulkID)
	assert.Equal(t, models.BulkStatusCompleted, st.Status)
	assert.Equal(t, 1, st.Created)
	assert.Equal(t, 2, st.Duplicates)

	require.Len(t, st.Errors, 2)
	for _, itemErr := range st.Errors {
		assert.Equal(t, models.BulkErrDuplicateUID, itemErr.Code)
	}
}

func TestBulk_ResurrectsSoftDeletedUID(t *testing.T) {
	f := newFixtures(Opts{})
	f.store.softDeleted["GHOST001"] = struct{}{}

	reqs := []models.BulkRequest{
		{UID: "GHOST001", PassType: models.PassTypeDaily, Category: "vip"},
	}

	bulkID, err := f.p.CreateBulk(context.Background(), reqs, "admin-1")
	require.NoError(t, err)

	st := waitFinished(t, f.p, bulkID)
	assert.Equal(t, 1, st.Created)
	assert.Empty(t, st.Errors)
	assert.Contains(t, f.store.hardDeleted, "GHOST001", "soft-deleted row purged to free the uid")

	_, live := f.store.live["GHOST001"]
	assert.True(t, live)
}

func TestBulk_RejectsNonAlphanumericUIDs(t *testing.T) {
	f := newFixtures(Opts{})

	reqs := []models.BulkRequest{
		{UID: "BAD!UID#1", PassType: models.PassTypeDaily, Category: "vip"},
		{UID: "HAS SPACE", PassType: models.PassTypeDaily, Category: "vip"},
		{UID: "CARD001", PassType: models.PassTypeDaily, Category: "vip"},
	}

	bulkID, err := f.p.CreateBulk(context.Background(), reqs, "admin-1")
	require.NoError(t, err)

	st := waitFinished(t, f.p, bulkID)
	assert.Equal(t, 1, st.Created, "only the well-formed uid is provisioned")
	require.Len(t, st.Errors, 2)
	for _, itemErr := range st.Errors {
		assert.Equal(t, models.BulkErrValidation, itemErr.Code)
	}

	// the malformed uids never reached the store
	assert.Equal(t, 1, f.store.liveCount())
}

func TestBulk_ValidationErrors(t *testing.T) {
	f := newFixtures(Opts{})

	reqs := []models.BulkRequest{
		{UID: "ab", PassType: models.PassTypeDaily, Category: "vip"},          // uid too short
		{UID: "BADTYPE1", PassType: models.PassType("lifetime"), Category: "vip"}, // unknown type
		{UID: "NOCAT001", PassType: models.PassTypeDaily},                     // missing category
		{UID: "GOOD0001", PassType: models.PassTypeDaily, Category: "vip"},
	}

	bulkID, err := f.p.CreateBulk(context.Background(), reqs, "admin-1")
	require.NoError(t, err)

	st := waitFinished(t, f.p, bulkID)
	assert.Equal(t, 1, st.Created)
	require.Len(t, st.Errors, 3)
	for _, itemErr := range st.Errors {
		assert.Equal(t, models.BulkErrValidation, itemErr.Code)
	}
}

func TestBulk_ChunkFailureIsIsolated(t *testing.T) {
	f := newFixtures(Opts{ChunkSize: 10})
	f.store.failChunk = 2

	reqs := requests(30, models.PassTypeDaily)

	bulkID, err := f.p.CreateBulk(context.Background(), reqs, "admin-1")
	require.NoError(t, err)

	st := waitFinished(t, f.p, bulkID)
	assert.Equal(t, models.BulkStatusCompleted, st.Status)
	assert.Equal(t, 30, st.Processed)
	assert.Equal(t, 20, st.Created, "chunks one and three committed")
	require.Len(t, st.Errors, 10)
	for _, itemErr := range st.Errors {
		assert.Equal(t, models.BulkErrDB, itemErr.Code)
	}
}

func TestBulk_CancelBetweenChunks(t *testing.T) {
	f := newFixtures(Opts{ChunkSize: 10})
	gate := make(chan struct{})
	entered := make(chan struct{})
	f.store.gate = gate
	f.store.entered = entered

	reqs := requests(30, models.PassTypeDaily)

	bulkID, err := f.p.CreateBulk(context.Background(), reqs, "admin-1")
	require.NoError(t, err)

	// cancel while the first chunk is in flight, blocked on the gate
	<-entered
	require.NoError(t, f.p.Cancel(bulkID))
	close(gate)

	st := waitFinished(t, f.p, bulkID)
	assert.Equal(t, models.BulkStatusCancelled, st.Status)
	assert.Equal(t, 10, st.Created, "the committed chunk stands")
	assert.Equal(t, 1, f.store.chunkCalls, "no chunk started after cancellation")

	// a finished operation cannot be cancelled again
	assert.ErrorIs(t, f.p.Cancel(bulkID), ErrBulkFinished)
}

func TestBulk_AdmissionControl(t *testing.T) {
	f := newFixtures(Opts{MaxConcurrent: 1})
	gate := make(chan struct{})
	f.store.gate = gate

	first, err := f.p.CreateBulk(context.Background(), requests(5, models.PassTypeDaily), "admin-1")
	require.NoError(t, err)

	_, err = f.p.CreateBulk(context.Background(), requests(5, models.PassTypeDaily), "admin-1")
	require.ErrorIs(t, err, ErrTooManyBulkOps)

	close(gate)
	waitFinished(t, f.p, first)

	// capacity freed once the first batch finished
	f.store.mu.Lock()
	f.store.gate = nil
	f.store.mu.Unlock()

	second, err := f.p.CreateBulk(context.Background(), requests(5, models.PassTypeDaily), "admin-1")
	require.NoError(t, err)
	waitFinished(t, f.p, second)
}

func TestBulk_FinishedOpsPrunedAfterRetention(t *testing.T) {
	f := newFixtures(Opts{})

	old, err := f.p.CreateBulk(context.Background(), requests(3, models.PassTypeDaily), "admin-1")
	require.NoError(t, err)
	waitFinished(t, f.p, old)

	recent, err := f.p.CreateBulk(context.Background(), requests(3, models.PassTypeDaily), "admin-1")
	require.NoError(t, err)
	waitFinished(t, f.p, recent)

	// age the first operation past the retention window
	f.p.mu.Lock()
	f.p.ops[old].state.EndTime = time.Now().UTC().Add(-2 * finishedOpRetention)
	f.p.mu.Unlock()

	// admission of a new batch prunes stale terminal entries
	_, err = f.p.CreateBulk(context.Background(), requests(3, models.PassTypeDaily), "admin-1")
	require.NoError(t, err)

	_, err = f.p.Get(old)
	assert.ErrorIs(t, err, ErrBulkNotFound)

	_, err = f.p.Get(recent)
	assert.NoError(t, err, "recently finished operations stay queryable")
}

func TestBulk_GetUnknown(t *testing.T) {
	f := newFixtures(Opts{})

	_, err := f.p.Get("no-such-bulk")
	assert.ErrorIs(t, err, ErrBulkNotFound)
	assert.ErrorIs(t, f.p.Cancel("no-such-bulk"), ErrBulkNotFound)
}
