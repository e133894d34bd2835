package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"promptcore/internal/config"
	"promptcore/internal/genai"
	"promptcore/internal/ledger"
	"promptcore/internal/models"
)

type fakeBiller struct {
	auth    ledger.Authorization
	authErr error
	chatErr error
	topUps  map[string]int
	tiers   map[string]string

	gotUser, gotTopic, gotKey string
	gotCount                  int
}

func (b *fakeBiller) AuthorizeAndCharge(_ context.Context, userID, topic string, count int, triggerKey string) (ledger.Authorization, error) {
	b.gotUser, b.gotTopic, b.gotCount, b.gotKey = userID, topic, count, triggerKey
	if b.authErr != nil {
		return ledger.Authorization{}, b.authErr
	}
	return b.auth, nil
}

func (b *fakeBiller) DebitChatTurn(context.Context, string) error { return b.chatErr }

func (b *fakeBiller) ApplyTopUp(_ context.Context, userID string, credits int) error {
	if b.topUps == nil {
		b.topUps = map[string]int{}
	}
	b.topUps[userID] += credits
	return nil
}

func (b *fakeBiller) SetTier(_ context.Context, userID, tier string) error {
	if b.tiers == nil {
		b.tiers = map[string]string{}
	}
	b.tiers[userID] = tier
	return nil
}

type fakePackStore struct {
	pack      models.Pack
	packErr   error
	items     []models.PromptItem
	cancelled []string
}

func (s *fakePackStore) GetPack(context.Context, string) (models.Pack, error) {
	return s.pack, s.packErr
}

func (s *fakePackStore) ListItems(context.Context, string) ([]models.PromptItem, error) {
	return s.items, nil
}

func (s *fakePackStore) MarkCancelled(_ context.Context, id string) error {
	s.cancelled = append(s.cancelled, id)
	if s.pack.Status != models.StatusCompleted && s.pack.Status != models.StatusFailed {
		s.pack.Status = models.StatusCancelled
	}
	return nil
}

type fakeQueue struct {
	enqueued   []string
	cancelled  []string
	dlq        []string
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, packID string, _ time.Time) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, packID)
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, packID string) error {
	q.cancelled = append(q.cancelled, packID)
	return nil
}

func (q *fakeQueue) DLQPeek(context.Context, int64) ([]string, error) { return q.dlq, nil }

type fakeChatter struct {
	reply   string
	err     error
	gotMode genai.Mode
}

func (c *fakeChatter) Chat(_ context.Context, _ []genai.ChatMessage, _ string, mode genai.Mode) (string, error) {
	c.gotMode = mode
	return c.reply, c.err
}

type fakeLimiter struct{ allowed bool }

func (l *fakeLimiter) Allow(context.Context, string) (bool, float64, error) {
	return l.allowed, 0, nil
}

func testConfig() config.Config {
	return config.Config{
		GeminiAPIKey: "key",
		PostgresDSN:  "postgres://localhost/test",
		RedisAddr:    "localhost:6379",
	}
}

type serverFixture struct {
	biller  *fakeBiller
	store   *fakePackStore
	queue   *fakeQueue
	chatter *fakeChatter
	handler http.Handler
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		biller:  &fakeBiller{},
		store:   &fakePackStore{},
		queue:   &fakeQueue{},
		chatter: &fakeChatter{reply: "hello"},
	}
	srv := New(testConfig(), f.store, f.queue, f.biller, f.chatter, &fakeLimiter{allowed: true}, zerolog.Nop())
	f.handler = srv.Router()
	return f
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestTriggerAcceptsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	f.biller.auth = ledger.Authorization{
		Pack:       models.Pack{ID: "p1", UserID: "u1", Topic: "learn spanish", RequestedCount: 10, Status: models.StatusPending},
		Cost:       10,
		NewBalance: 90,
	}

	rec := doJSON(t, f.handler, http.MethodPost, "/api/packs", "u1", map[string]any{
		"topic": "learn spanish", "count": 10, "request_id": "req-1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp triggerResponse
	decodeBody(t, rec, &resp)
	if resp.Pack.ID != "p1" || resp.Cost != 10 || resp.Balance != 90 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if f.biller.gotUser != "u1" || f.biller.gotTopic != "learn spanish" || f.biller.gotCount != 10 || f.biller.gotKey != "req-1" {
		t.Fatalf("biller received %q %q %d %q", f.biller.gotUser, f.biller.gotTopic, f.biller.gotCount, f.biller.gotKey)
	}
	if len(f.queue.enqueued) != 1 || f.queue.enqueued[0] != "p1" {
		t.Fatalf("enqueued = %v", f.queue.enqueued)
	}
}

func TestTriggerIdempotentReplaySkipsEnqueue(t *testing.T) {
	f := newFixture(t)
	f.biller.auth = ledger.Authorization{
		Pack:       models.Pack{ID: "p1", Status: models.StatusProcessing},
		Idempotent: true,
	}

	rec := doJSON(t, f.handler, http.MethodPost, "/api/packs", "u1", map[string]any{
		"topic": "x", "count": 5, "request_id": "req-1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.queue.enqueued) != 0 {
		t.Fatalf("replay enqueued a duplicate: %v", f.queue.enqueued)
	}
}

func TestTriggerInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.biller.authErr = &ledger.InsufficientCreditsError{Cost: 30, Balance: 10}

	rec := doJSON(t, f.handler, http.MethodPost, "/api/packs", "u1", map[string]any{
		"topic": "x", "count": 30,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Error   string `json:"error"`
		Cost    int    `json:"cost"`
		Balance int    `json:"balance"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error != "Insufficient credits" || resp.Cost != 30 || resp.Balance != 10 {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if len(f.queue.enqueued) != 0 {
		t.Fatalf("rejected pack was enqueued")
	}
}

func TestTriggerInvalidCount(t *testing.T) {
	f := newFixture(t)
	f.biller.authErr = ledger.ErrInvalidCount

	rec := doJSON(t, f.handler, http.MethodPost, "/api/packs", "u1", map[string]any{
		"topic": "x", "count": 0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTriggerRequiresUser(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.handler, http.MethodPost, "/api/packs", "", map[string]any{"topic": "x", "count": 1})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTriggerRequiresTopic(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.handler, http.MethodPost, "/api/packs", "u1", map[string]any{"count": 5})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTriggerReportsMissingConfiguration(t *testing.T) {
	f := &serverFixture{biller: &fakeBiller{}, store: &fakePackStore{}, queue: &fakeQueue{}, chatter: &fakeChatter{}}
	cfg := testConfig()
	cfg.GeminiAPIKey = ""
	srv := New(cfg, f.store, f.queue, f.biller, f.chatter, nil, zerolog.Nop())

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/packs", "u1", map[string]any{"topic": "x", "count": 1})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Error   string   `json:"error"`
		Missing []string `json:"missing"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error != "Configuration Error" {
		t.Fatalf("error = %q", resp.Error)
	}
	if len(resp.Missing) != 1 || resp.Missing[0] != "GEMINI_API_KEY" {
		t.Fatalf("missing = %v", resp.Missing)
	}
}

func TestTriggerRateLimited(t *testing.T) {
	f := &serverFixture{biller: &fakeBiller{}, store: &fakePackStore{}, queue: &fakeQueue{}, chatter: &fakeChatter{}}
	srv := New(testConfig(), f.store, f.queue, f.biller, f.chatter, &fakeLimiter{allowed: false}, zerolog.Nop())

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/packs", "u1", map[string]any{"topic": "x", "count": 1})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.biller.gotUser != "" {
		t.Fatalf("rate-limited request reached the biller")
	}
}

func TestTriggerEnqueueFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.biller.auth = ledger.Authorization{Pack: models.Pack{ID: "p1"}}
	f.queue.enqueueErr = errors.New("redis down")

	rec := doJSON(t, f.handler, http.MethodPost, "/api/packs", "u1", map[string]any{"topic": "x", "count": 1})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetPack(t *testing.T) {
	f := newFixture(t)
	f.store.pack = models.Pack{ID: "p1", Status: models.StatusProcessing, ProducedCount: 3}

	rec := doJSON(t, f.handler, http.MethodGet, "/api/packs/p1", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var pack models.Pack
	decodeBody(t, rec, &pack)
	if pack.ID != "p1" || pack.ProducedCount != 3 {
		t.Fatalf("unexpected pack: %+v", pack)
	}
}

func TestGetPackNotFound(t *testing.T) {
	f := newFixture(t)
	f.store.packErr = errors.New("no rows")

	rec := doJSON(t, f.handler, http.MethodGet, "/api/packs/missing", "u1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListItemsEmptyIsArray(t *testing.T) {
	f := newFixture(t)

	rec := doJSON(t, f.handler, http.MethodGet, "/api/packs/p1/items", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("empty items not an array: %s", rec.Body.String())
	}
}

func TestCancelPack(t *testing.T) {
	f := newFixture(t)
	f.store.pack = models.Pack{ID: "p1", Status: models.StatusProcessing}

	rec := doJSON(t, f.handler, http.MethodPost, "/api/packs/p1/cancel", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.queue.cancelled) != 1 || f.queue.cancelled[0] != "p1" {
		t.Fatalf("queue cancel = %v", f.queue.cancelled)
	}
	if len(f.store.cancelled) != 1 || f.store.cancelled[0] != "p1" {
		t.Fatalf("store cancel = %v", f.store.cancelled)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != models.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", resp["status"])
	}
}

func TestCancelFinishedPackReportsActualStatus(t *testing.T) {
	f := newFixture(t)
	f.store.pack = models.Pack{ID: "p1", Status: models.StatusCompleted, ProducedCount: 5}

	rec := doJSON(t, f.handler, http.MethodPost, "/api/packs/p1/cancel", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != models.StatusCompleted {
		t.Fatalf("status = %q, want completed (cancel after finish is a no-op)", resp["status"])
	}
}

func TestChatTurn(t *testing.T) {
	f := newFixture(t)
	f.chatter.reply = "claro que si"

	rec := doJSON(t, f.handler, http.MethodPost, "/api/chat", "u1", map[string]any{
		"input": "how do I say yes?",
		"mode":  "vibe_code",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["text"] != "claro que si" {
		t.Fatalf("text = %q", resp["text"])
	}
	if f.chatter.gotMode != genai.ModeVibeCode {
		t.Fatalf("mode = %v", f.chatter.gotMode)
	}
}

func TestChatInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.biller.chatErr = &ledger.InsufficientCreditsError{Cost: 1, Balance: 0}

	rec := doJSON(t, f.handler, http.MethodPost, "/api/chat", "u1", map[string]any{"input": "hi"})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatUnknownMode(t *testing.T) {
	f := newFixture(t)

	rec := doJSON(t, f.handler, http.MethodPost, "/api/chat", "u1", map[string]any{"input": "hi", "mode": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.chatter.err = genai.ErrGenerationFailed

	rec := doJSON(t, f.handler, http.MethodPost, "/api/chat", "u1", map[string]any{"input": "hi"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookCreditsTopUp(t *testing.T) {
	f := newFixture(t)

	rec := doJSON(t, f.handler, http.MethodPost, "/api/billing/webhook", "", map[string]any{
		"user_id": "u1", "type": "credits", "credits_to_add": 500,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.biller.topUps["u1"] != 500 {
		t.Fatalf("topUps = %v", f.biller.topUps)
	}
}

func TestWebhookSubscriptionDefaultsToPro(t *testing.T) {
	f := newFixture(t)

	rec := doJSON(t, f.handler, http.MethodPost, "/api/billing/webhook", "", map[string]any{
		"user_id": "u1", "type": "subscription",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.biller.tiers["u1"] != models.TierPro {
		t.Fatalf("tiers = %v", f.biller.tiers)
	}
}

func TestWebhookUnknownType(t *testing.T) {
	f := newFixture(t)

	rec := doJSON(t, f.handler, http.MethodPost, "/api/billing/webhook", "", map[string]any{
		"user_id": "u1", "type": "refund",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDLQEndpoint(t *testing.T) {
	f := newFixture(t)
	f.queue.dlq = []string{"p9"}

	rec := doJSON(t, f.handler, http.MethodGet, "/api/dlq", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "p9") {
		t.Fatalf("dlq body = %s", rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
