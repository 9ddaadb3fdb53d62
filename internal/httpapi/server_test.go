package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/event"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/bulk"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/passadmin"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/verification"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

type fakeVerification struct {
	res       verification.Result
	err       error
	lastUID   string
	rebuilt   int
	principal models.Principal
}

func (f *fakeVerification) Verify(_ context.Context, uid string, principal models.Principal, _ time.Time) (verification.Result, error) {
	f.lastUID = uid
	f.principal = principal
	return f.res, f.err
}

func (f *fakeVerification) RebuildCache(context.Context) (int, error) {
	f.rebuilt++
	return 42, nil
}

type fakeAdmin struct {
	pass      models.Pass
	createErr error
	mutateErr error
	deleteErr error
	lastHard  bool
}

func (f *fakeAdmin) Create(_ context.Context, req models.BulkRequest, _ string) (models.Pass, error) {
	if f.createErr != nil {
		return models.Pass{}, f.createErr
	}
	pass := f.pass
	pass.UID = req.UID
	return pass, nil
}

func (f *fakeAdmin) Block(_ context.Context, uid, _ string) (models.Pass, error) {
	return f.mutate(uid, models.PassStatusBlocked)
}

func (f *fakeAdmin) Unblock(_ context.Context, uid, _ string) (models.Pass, error) {
	return f.mutate(uid, models.PassStatusActive)
}

func (f *fakeAdmin) ResetPass(_ context.Context, uid, _ string) (models.Pass, error) {
	return f.mutate(uid, models.PassStatusActive)
}

func (f *fakeAdmin) mutate(uid string, status models.PassStatus) (models.Pass, error) {
	if f.mutateErr != nil {
		return models.Pass{}, f.mutateErr
	}
	pass := f.pass
	pass.UID = uid
	pass.Status = status
	return pass, nil
}

func (f *fakeAdmin) Delete(_ context.Context, _, _ string, hard bool) error {
	f.lastHard = hard
	return f.deleteErr
}

type fakeBulk struct {
	bulkID    string
	createErr error
	op        models.BulkOperation
	getErr    error
	cancelErr error
	admitted  int
}

func (f *fakeBulk) CreateBulk(_ context.Context, reqs []models.BulkRequest, _ string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.admitted = len(reqs)
	return f.bulkID, nil
}

func (f *fakeBulk) Get(string) (models.BulkOperation, error) {
	return f.op, f.getErr
}

func (f *fakeBulk) Cancel(string) error { return f.cancelErr }

type fakeReset struct {
	count int64
	err   error
	day   time.Time
}

func (f *fakeReset) Run(_ context.Context, day time.Time, _ string) (int64, error) {
	f.day = day
	return f.count, f.err
}

type fakeEvents struct {
	ch   chan event.Event
	role models.Role
}

func (f *fakeEvents) Subscribe(role models.Role) (event.SubscriberID, <-chan event.Event) {
	f.role = role
	return 1, f.ch
}

func (f *fakeEvents) Unsubscribe(event.SubscriberID) {}

type fixtures struct {
	verify *fakeVerification
	admin  *fakeAdmin
	bulk   *fakeBulk
	reset  *fakeReset
	events *fakeEvents
	srv    *Server
}

func newFixtures() *fixtures {
	f := &fixtures{
		verify: &fakeVerification{},
		admin:  &fakeAdmin{pass: models.Pass{PassID: uuid.New(), PassType: models.PassTypeDaily, Category: "vip", MaxUses: 1, PeopleAllowed: 1, Status: models.PassStatusActive}},
		bulk:   &fakeBulk{bulkID: "bulk-1"},
		reset:  &fakeReset{count: 3},
		events: &fakeEvents{ch: make(chan event.Event, 4)},
	}
	f.srv = NewServer(Dependencies{
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Addr:         "127.0.0.1:0",
		JWTSecret:    testSecret,
		Verification: f.verify,
		Admin:        f.admin,
		Bulk:         f.bulk,
		Reset:        f.reset,
		Events:       f.events,
	})
	return f
}

func token(t *testing.T, role models.Role, category string) string {
	t.Helper()
	claims := jwtlib.MapClaims{
		"sub":               "user-1",
		"username":          "tester",
		"role":              string(role),
		"assigned_category": category,
		"exp":               time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func (f *fixtures) do(t *testing.T, method, path, body string, role models.Role) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role, "vip"))
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuth_MissingToken(t *testing.T) {
	f := newFixtures()

	rec := f.do(t, http.MethodPost, "/v1/verify", `{"uid":"CARD001"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_GarbageToken(t *testing.T) {
	f := newFixtures()

	req := httptest.NewRequest(http.MethodPost, "/v1/verify", strings.NewReader(`{"uid":"CARD001"}`))
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerify(t *testing.T) {
	f := newFixtures()
	f.verify.res = verification.Result{Result: models.ScanResultValid, RemainingUses: 0}

	rec := f.do(t, http.MethodPost, "/v1/verify", `{"uid":"CARD001"}`, models.RoleBouncer)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "valid", body["result"])
	assert.Equal(t, "CARD001", f.verify.lastUID)
	assert.Equal(t, models.RoleBouncer, f.verify.principal.Role)
}

func TestVerify_InvalidUID(t *testing.T) {
	f := newFixtures()

	tests := []struct {
		name string
		body string
	}{
		{"too short", `{"uid":"ab"}`},
		{"empty", `{"uid":""}`},
		{"non alphanumeric", `{"uid":"CARD-001"}`},
		{"bad json", `{"uid":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/verify", tt.body, models.RoleBouncer)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestVerify_CategoryMismatch(t *testing.T) {
	f := newFixtures()
	f.verify.err = verification.ErrCategoryMismatch

	rec := f.do(t, http.MethodPost, "/v1/verify", `{"uid":"CARD001"}`, models.RoleBouncer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "category_mismatch", decode(t, rec)["error"])
}

func TestCreatePass(t *testing.T) {
	f := newFixtures()

	body := `{"uid":"CARD001","pass_type":"daily","category":"vip"}`
	rec := f.do(t, http.MethodPost, "/v1/passes", body, models.RoleManager)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "CARD001", decode(t, rec)["uid"])
}

func TestCreatePass_BouncerForbidden(t *testing.T) {
	f := newFixtures()

	body := `{"uid":"CARD001","pass_type":"daily","category":"vip"}`
	rec := f.do(t, http.MethodPost, "/v1/passes", body, models.RoleBouncer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreatePass_Duplicate(t *testing.T) {
	f := newFixtures()
	f.admin.createErr = passadmin.ErrPassExists

	body := `{"uid":"CARD001","pass_type":"daily","category":"vip"}`
	rec := f.do(t, http.MethodPost, "/v1/passes", body, models.RoleManager)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_uid", decode(t, rec)["error"])
}

func TestCreatePass_Validation(t *testing.T) {
	f := newFixtures()

	tests := []struct {
		name string
		body string
	}{
		{"unknown pass type", `{"uid":"CARD001","pass_type":"lifetime","category":"vip"}`},
		{"missing category", `{"uid":"CARD001","pass_type":"daily"}`},
		{"zero max uses rejected", `{"uid":"CARD001","pass_type":"daily","category":"vip","max_uses":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/passes", tt.body, models.RoleManager)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestBulkEndpoints(t *testing.T) {
	f := newFixtures()

	body := `{"passes":[{"uid":"CARD001","pass_type":"daily","category":"vip"},{"uid":"CARD002","pass_type":"daily","category":"vip"}]}`
	rec := f.do(t, http.MethodPost, "/v1/passes/bulk", body, models.RoleManager)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "bulk-1", decode(t, rec)["bulk_id"])
	assert.Equal(t, 2, f.bulk.admitted)

	f.bulk.op = models.BulkOperation{BulkID: "bulk-1", Total: 2, Processed: 2, Created: 2, Status: models.BulkStatusCompleted}
	rec = f.do(t, http.MethodGet, "/v1/passes/bulk/bulk-1", "", models.RoleManager)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])

	rec = f.do(t, http.MethodDelete, "/v1/passes/bulk/bulk-1", "", models.RoleManager)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestBulk_EmptyBatch(t *testing.T) {
	f := newFixtures()

	rec := f.do(t, http.MethodPost, "/v1/passes/bulk", `{"passes":[]}`, models.RoleManager)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBulk_TooManyOps(t *testing.T) {
	f := newFixtures()
	f.bulk.createErr = bulk.ErrTooManyBulkOps

	body := `{"passes":[{"uid":"CARD001","pass_type":"daily","category":"vip"}]}`
	rec := f.do(t, http.MethodPost, "/v1/passes/bulk", body, models.RoleManager)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestBulk_UnknownID(t *testing.T) {
	f := newFixtures()
	f.bulk.getErr = bulk.ErrBulkNotFound
	f.bulk.cancelErr = bulk.ErrBulkFinished

	rec := f.do(t, http.MethodGet, "/v1/passes/bulk/nope", "", models.RoleManager)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/passes/bulk/nope", "", models.RoleManager)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPassMutations(t *testing.T) {
	f := newFixtures()

	rec := f.do(t, http.MethodPost, "/v1/passes/CARD001/block", "", models.RoleManager)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "blocked", decode(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/v1/passes/CARD001/unblock", "", models.RoleManager)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/v1/passes/CARD001/reset", "", models.RoleManager)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPassMutation_NotFound(t *testing.T) {
	f := newFixtures()
	f.admin.mutateErr = passadmin.ErrPassNotFound

	rec := f.do(t, http.MethodPost, "/v1/passes/CARD001/block", "", models.RoleManager)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeletePass(t *testing.T) {
	f := newFixtures()

	rec := f.do(t, http.MethodDelete, "/v1/passes/CARD001", "", models.RoleAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.admin.lastHard)

	rec = f.do(t, http.MethodDelete, "/v1/passes/CARD001?hard=true", "", models.RoleAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.admin.lastHard)

	// managers cannot delete
	rec = f.do(t, http.MethodDelete, "/v1/passes/CARD001", "", models.RoleManager)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeletePass_HardWithoutSoft(t *testing.T) {
	f := newFixtures()
	f.admin.deleteErr = passadmin.ErrNotDeleted

	rec := f.do(t, http.MethodDelete, "/v1/passes/CARD001?hard=true", "", models.RoleAdmin)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDailyReset(t *testing.T) {
	f := newFixtures()

	rec := f.do(t, http.MethodPost, "/v1/reset", `{"confirm":true,"date":"2026-08-26"}`, models.RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["reset_count"])
	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), f.reset.day)
}

func TestDailyReset_Guards(t *testing.T) {
	f := newFixtures()

	rec := f.do(t, http.MethodPost, "/v1/reset", `{"confirm":false}`, models.RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/reset", `{"confirm":true,"date":"26-08-2026"}`, models.RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/reset", `{"confirm":true}`, models.RoleManager)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCacheRebuild(t *testing.T) {
	f := newFixtures()

	rec := f.do(t, http.MethodPost, "/v1/cache/rebuild", `{}`, models.RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(42), decode(t, rec)["passes"])
	assert.Equal(t, 1, f.verify.rebuilt)
}

func TestEvents_SSE(t *testing.T) {
	f := newFixtures()
	f.events.ch <- event.Event{Type: event.TypeVerificationUpdate, Timestamp: time.Now().UTC(), Data: map[string]any{"uid": "CARD001"}}
	close(f.events.ch)

	rec := f.do(t, http.MethodGet, "/v1/events", "", models.RoleBouncer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, models.RoleBouncer, f.events.role, "subscription carries the caller's role")

	body := rec.Body.String()
	assert.Contains(t, body, "event: verification:update")
	assert.Contains(t, body, "CARD001")
}
