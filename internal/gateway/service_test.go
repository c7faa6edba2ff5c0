package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/gopherchat/gateway/internal/ai"
	"github.com/gopherchat/gateway/internal/chat"
	"github.com/gopherchat/gateway/internal/quota"
	"github.com/gopherchat/gateway/internal/usage"
)

// fakeProvider counts calls and returns a canned result or error.
type fakeProvider struct {
	calls  int64
	result *ai.Result
	err    error
}

func (f *fakeProvider) Generate(ctx context.Context, req ai.Request) (*ai.Result, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeStreamProvider emits fixed chunks then ends cleanly, or fails after
// emitting.
type fakeStreamProvider struct {
	fakeProvider
	chunks    []string
	streamErr error
	block     bool // hold the stream open until ctx is cancelled
}

func (f *fakeStreamProvider) GenerateStream(ctx context.Context, req ai.Request) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		if f.block {
			<-ctx.Done()
			return
		}
		if f.streamErr != nil {
			errs <- f.streamErr
		}
	}()
	return out, errs
}

type testEnv struct {
	db   *gorm.DB
	repo *chat.Repo
	svc  *Service
	reg  *ai.Registry
}

func newTestEnv(t *testing.T, shortMax int) *testEnv {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&chat.Session{}, &chat.Message{}, &chat.GenerationJob{}, &quota.Record{}, &usage.Event{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	repo := chat.NewRepo(db)
	assembler := chat.NewAssembler(repo, 5000, 50)
	ledger := quota.NewLedger(db, quota.Config{
		DefaultShortMax: shortMax,
		DefaultLongMax:  5,
		KnownModels:     []string{"gpt-4o"},
	})
	recorder := usage.NewRecorder(db, usage.DefaultRates())
	reg := ai.NewRegistry()

	svc := NewService(repo, assembler, ledger, recorder, reg, 2000)
	return &testEnv{db: db, repo: repo, svc: svc, reg: reg}
}

func (e *testEnv) seedSession(t *testing.T, userID uint64) *chat.Session {
	t.Helper()
	sess := &chat.Session{
		SessionID: fmt.Sprintf("01GWTESTSESSION%011d", userID),
		UserID:    userID,
		Name:      "test",
	}
	if err := e.repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (e *testEnv) messages(t *testing.T, sessionID string) []chat.Message {
	t.Helper()
	var msgs []chat.Message
	if err := e.db.Where("session_id = ?", sessionID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	return msgs
}

// waitForUsageEvents polls because usage is recorded on a detached goroutine.
func (e *testEnv) waitForUsageEvents(t *testing.T, userID uint64, want int64) []usage.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		var count int64
		if err := e.db.Model(&usage.Event{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			t.Fatalf("count events: %v", err)
		}
		if count == want {
			var evs []usage.Event
			if err := e.db.Where("user_id = ?", userID).Find(&evs).Error; err != nil {
				t.Fatalf("load events: %v", err)
			}
			return evs
		}
		if time.Now().After(deadline) {
			t.Fatalf("usage events: want %d, have %d", want, count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerate_EndToEnd(t *testing.T) {
	env := newTestEnv(t, 1)
	sess := env.seedSession(t, 1)

	fp := &fakeProvider{result: &ai.Result{
		Text:  "Hi there",
		Usage: &ai.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}}
	env.reg.RegisterModel("gpt-4o", fp)

	out, err := env.svc.Generate(context.Background(), Principal{UserID: 1}, Input{
		Model:     "gpt-4o",
		Prompt:    "Hello",
		SessionID: sess.SessionID,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Text != "Hi there" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
	if out.Quota.Current != 1 || out.Quota.Remaining != 0 {
		t.Fatalf("unexpected quota state: %+v", out.Quota)
	}
	if atomic.LoadInt64(&fp.calls) != 1 {
		t.Fatalf("adapter called %d times", fp.calls)
	}

	msgs := env.messages(t, sess.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("expected user+bot turns, got %d", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[0].Content != "Hello" {
		t.Fatalf("user turn: %+v", msgs[0])
	}
	if msgs[1].Role != chat.RoleBot || msgs[1].Content != "Hi there" {
		t.Fatalf("bot turn: %+v", msgs[1])
	}

	evs := env.waitForUsageEvents(t, 1, 1)
	if evs[0].TotalTokens != 8 || evs[0].ModelName != "gpt-4o" {
		t.Fatalf("usage event: %+v", evs[0])
	}

	// The ceiling was 1, so the next attempt is denied before the adapter.
	_, err = env.svc.Generate(context.Background(), Principal{UserID: 1}, Input{
		Model: "gpt-4o", Prompt: "again", SessionID: sess.SessionID,
	})
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected quota denial, got %v", err)
	}
	if atomic.LoadInt64(&fp.calls) != 1 {
		t.Fatalf("adapter must not run on denial, calls=%d", fp.calls)
	}
	// Denial leaves no dangling user turn.
	if got := len(env.messages(t, sess.SessionID)); got != 2 {
		t.Fatalf("denied request wrote messages: %d", got)
	}
}

func TestGenerate_UnsupportedModelConsumesNoQuota(t *testing.T) {
	env := newTestEnv(t, 3)
	sess := env.seedSession(t, 1)

	fp := &fakeProvider{result: &ai.Result{Text: "x"}}
	env.reg.RegisterModel("gpt-4o", fp)

	_, err := env.svc.Generate(context.Background(), Principal{UserID: 1}, Input{
		Model: "no-such-model", Prompt: "Hello", SessionID: sess.SessionID,
	})
	if !errors.Is(err, ai.ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
	if atomic.LoadInt64(&fp.calls) != 0 {
		t.Fatalf("adapter called for unsupported model")
	}

	var count int64
	if err := env.db.Model(&quota.Record{}).Where("short_count > 0 OR long_count > 0").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("quota consumed for unsupported model")
	}
	if got := len(env.messages(t, sess.SessionID)); got != 0 {
		t.Fatalf("messages written for unsupported model: %d", got)
	}
}

func TestGenerate_ProviderFailurePersistsFallback(t *testing.T) {
	env := newTestEnv(t, 3)
	sess := env.seedSession(t, 1)

	fp := &fakeProvider{err: &ai.ProviderError{Status: 502, Message: "the model service returned an error"}}
	env.reg.RegisterModel("gpt-4o", fp)

	_, err := env.svc.Generate(context.Background(), Principal{UserID: 1}, Input{
		Model: "gpt-4o", Prompt: "Hello", SessionID: sess.SessionID,
	})
	var perr *ai.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}

	msgs := env.messages(t, sess.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("expected user+fallback turns, got %d", len(msgs))
	}
	if msgs[1].Role != chat.RoleBot || msgs[1].Content != fallbackBotReply {
		t.Fatalf("fallback turn: %+v", msgs[1])
	}

	// The attempt still consumed a unit; failures are not refunded.
	var rec quota.Record
	if err := env.db.Where("user_id = ? AND model_name = ?", 1, "gpt-4o").First(&rec).Error; err != nil {
		t.Fatalf("quota row: %v", err)
	}
	if rec.ShortCount != 1 {
		t.Fatalf("quota not consumed on failed attempt: %+v", rec)
	}

	// No usage is recorded for a failed call.
	time.Sleep(50 * time.Millisecond)
	var events int64
	if err := env.db.Model(&usage.Event{}).Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 0 {
		t.Fatalf("usage recorded for failed call: %d", events)
	}
}

func TestGenerate_ValidationAndAuthorization(t *testing.T) {
	env := newTestEnv(t, 3)
	sess := env.seedSession(t, 1)
	env.reg.RegisterModel("gpt-4o", &fakeProvider{result: &ai.Result{Text: "x"}})

	cases := []struct {
		name string
		p    Principal
		in   Input
		want error
	}{
		{"empty prompt", Principal{UserID: 1}, Input{Model: "gpt-4o", Prompt: "  ", SessionID: sess.SessionID}, ErrBadRequest},
		{"empty session", Principal{UserID: 1}, Input{Model: "gpt-4o", Prompt: "hi"}, ErrBadRequest},
		{"missing principal", Principal{}, Input{Model: "gpt-4o", Prompt: "hi", SessionID: sess.SessionID}, ErrUnauthorized},
		{"unknown session", Principal{UserID: 1}, Input{Model: "gpt-4o", Prompt: "hi", SessionID: "01NOSUCHSESSION0000000000"}, ErrSessionNotFound},
		{"foreign session", Principal{UserID: 2}, Input{Model: "gpt-4o", Prompt: "hi", SessionID: sess.SessionID}, ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Generate(context.Background(), tc.p, tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGenerate_LongPromptChargesLongCeiling(t *testing.T) {
	env := newTestEnv(t, 3)
	sess := env.seedSession(t, 1)
	env.reg.RegisterModel("gpt-4o", &fakeProvider{result: &ai.Result{Text: "ok"}})

	long := strings.Repeat("a", 2001)
	_, err := env.svc.Generate(context.Background(), Principal{UserID: 1}, Input{
		Model: "gpt-4o", Prompt: long, SessionID: sess.SessionID,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var rec quota.Record
	if err := env.db.Where("user_id = ? AND model_name = ?", 1, "gpt-4o").First(&rec).Error; err != nil {
		t.Fatalf("quota row: %v", err)
	}
	if rec.LongCount != 1 || rec.ShortCount != 0 {
		t.Fatalf("long prompt charged wrong ceiling: %+v", rec)
	}
}

func TestGenerateStream_AccumulatesAndPersists(t *testing.T) {
	env := newTestEnv(t, 3)
	sess := env.seedSession(t, 1)

	fp := &fakeStreamProvider{chunks: []string{"Hel", "lo ", "world"}}
	env.reg.RegisterModel("gpt-4o", fp)

	chunks, errs, err := env.svc.GenerateStream(context.Background(), Principal{UserID: 1}, Input{
		Model: "gpt-4o", Prompt: "hi", SessionID: sess.SessionID, Stream: true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var got strings.Builder
	for c := range chunks {
		got.WriteString(c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got.String() != "Hello world" {
		t.Fatalf("accumulated %q", got.String())
	}

	// The bot turn is written once the stream ends.
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := env.messages(t, sess.SessionID)
		if len(msgs) == 2 {
			if msgs[1].Role != chat.RoleBot || msgs[1].Content != "Hello world" {
				t.Fatalf("bot turn: %+v", msgs[1])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bot turn never persisted, have %d messages", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerateStream_VendorFailurePersistsFallback(t *testing.T) {
	env := newTestEnv(t, 3)
	sess := env.seedSession(t, 1)

	fp := &fakeStreamProvider{
		chunks:    []string{"partial"},
		streamErr: &ai.ProviderError{Status: 502, Message: "the model service returned an error"},
	}
	env.reg.RegisterModel("gpt-4o", fp)

	chunks, errs, err := env.svc.GenerateStream(context.Background(), Principal{UserID: 1}, Input{
		Model: "gpt-4o", Prompt: "hi", SessionID: sess.SessionID, Stream: true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatalf("expected stream error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := env.messages(t, sess.SessionID)
		if len(msgs) == 2 {
			if msgs[1].Content != fallbackBotReply {
				t.Fatalf("expected fallback turn, got %+v", msgs[1])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fallback turn never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerateStream_ClientCancellation(t *testing.T) {
	env := newTestEnv(t, 3)
	sess := env.seedSession(t, 1)

	fp := &fakeStreamProvider{chunks: []string{"one", "two"}, block: true}
	env.reg.RegisterModel("gpt-4o", fp)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs, err := env.svc.GenerateStream(ctx, Principal{UserID: 1}, Input{
		Model: "gpt-4o", Prompt: "hi", SessionID: sess.SessionID, Stream: true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	<-chunks
	cancel()

	// The forwarder must terminate and close both channels.
	deadline := time.After(2 * time.Second)
	for chunks != nil || errs != nil {
		select {
		case _, ok := <-chunks:
			if !ok {
				chunks = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-deadline:
			t.Fatalf("stream channels not closed after cancellation")
		}
	}

	// Cancellation persists no bot turn and records no usage.
	time.Sleep(50 * time.Millisecond)
	msgs := env.messages(t, sess.SessionID)
	if len(msgs) != 1 || msgs[0].Role != chat.RoleUser {
		t.Fatalf("expected only the user turn, got %d messages", len(msgs))
	}
	var events int64
	if err := env.db.Model(&usage.Event{}).Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 0 {
		t.Fatalf("usage recorded after cancellation")
	}
}

func TestGenerateForJob_UsesStoredUserTurn(t *testing.T) {
	env := newTestEnv(t, 3)
	sess := env.seedSession(t, 1)

	userMsg := &chat.Message{SessionID: sess.SessionID, UserID: 1, Role: chat.RoleUser, Content: "queued question"}
	if err := env.repo.InsertMessage(context.Background(), userMsg); err != nil {
		t.Fatalf("insert user turn: %v", err)
	}

	fp := &fakeProvider{result: &ai.Result{Text: "queued answer"}}
	env.reg.RegisterModel("gpt-4o", fp)

	job := &chat.GenerationJob{
		UserID:        1,
		SessionID:     sess.SessionID,
		Model:         "gpt-4o",
		Prompt:        "queued question",
		UserMessageID: userMsg.ID,
	}
	text, botMsgID, err := env.svc.GenerateForJob(context.Background(), job)
	if err != nil {
		t.Fatalf("generate for job: %v", err)
	}
	if text != "queued answer" || botMsgID == 0 {
		t.Fatalf("unexpected result: %q id=%d", text, botMsgID)
	}

	// Exactly one user turn and one bot turn: the job path must not
	// re-insert the user message.
	msgs := env.messages(t, sess.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].ID != botMsgID || msgs[1].Content != "queued answer" {
		t.Fatalf("bot turn: %+v", msgs[1])
	}
}
