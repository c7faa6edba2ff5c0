package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/gopherchat/gateway/internal/ai"
	"github.com/gopherchat/gateway/internal/chat"
	"github.com/gopherchat/gateway/internal/quota"
	"github.com/gopherchat/gateway/internal/usage"
)

// Principal is the verified caller identity resolved by the auth middleware.
type Principal struct {
	UserID   uint64
	Username string
	Role     string
}

// Input is one logical "generate a reply" request.
type Input struct {
	Provider  string
	Model     string
	Prompt    string
	SessionID string
	Context   string // optional caller-supplied context appended to history
	Image     string
	Stream    bool
}

// Output is the buffered result.
type Output struct {
	Text     string      `json:"text"`
	ImageURL string      `json:"image_url,omitempty"`
	Usage    *ai.Usage   `json:"usage,omitempty"`
	Quota    quota.State `json:"quota"`
}

const fallbackBotReply = "An error occurred while generating a response. Please try again."

// Service is the Generation Router: it validates input, authorizes session
// ownership, assembles bounded context, selects an adapter, enforces quota
// before the call and records usage after it.
type Service struct {
	repo      *chat.Repo
	assembler *chat.Assembler
	ledger    *quota.Ledger
	recorder  *usage.Recorder
	registry  *ai.Registry

	// Prompts longer than this consume the long ceiling instead of the
	// short one.
	longPromptThreshold int
}

func NewService(repo *chat.Repo, assembler *chat.Assembler, ledger *quota.Ledger, recorder *usage.Recorder, registry *ai.Registry, longPromptThreshold int) *Service {
	if longPromptThreshold <= 0 {
		longPromptThreshold = 2000
	}
	return &Service{
		repo:                repo,
		assembler:           assembler,
		ledger:              ledger,
		recorder:            recorder,
		registry:            registry,
		longPromptThreshold: longPromptThreshold,
	}
}

// prepared carries everything the invoke phase needs after validation,
// authorization, context assembly and the quota gate all passed.
type prepared struct {
	principal Principal
	input     Input
	provider  ai.Provider
	prompt    string // assembled context blob handed to the adapter
	quota     quota.State
}

// prepare runs steps 1-6 of the pipeline. When insertUserMsg is false the
// user turn was already persisted (async path) and beforeID bounds the
// history window to exclude it.
func (s *Service) prepare(ctx context.Context, p Principal, in Input, insertUserMsg bool, beforeID uint64) (*prepared, error) {
	// 1) validate: no side effects on malformed input
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrBadRequest)
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrBadRequest)
	}

	// 2) authenticate happened upstream; an empty principal is a middleware bug
	if p.UserID == 0 {
		return nil, ErrUnauthorized
	}

	// 3) the session must belong to the caller
	sess, err := s.repo.GetSessionBySessionID(ctx, in.SessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.UserID != p.UserID {
		return nil, ErrForbidden
	}

	// 4) assemble bounded context from history
	prompt, err := s.assembler.BuildPrompt(ctx, p.UserID, in.SessionID, beforeID, in.Context, in.Prompt)
	if err != nil {
		return nil, err
	}

	// 5) select adapter; unknown combinations consume no quota
	provider, err := s.registry.Resolve(in.Provider, in.Model)
	if err != nil {
		return nil, err
	}

	// 6) quota gate: the provider is never called without a confirmed
	// decrement. The unit is consumed on attempt and not refunded if the
	// vendor call later fails.
	var st quota.State
	if len(in.Prompt) > s.longPromptThreshold {
		st, err = s.ledger.CheckAndIncrementLong(ctx, p.UserID, in.Model, 1)
	} else {
		st, err = s.ledger.CheckAndIncrementShort(ctx, p.UserID, in.Model)
	}
	if err != nil {
		return nil, err
	}

	// The user turn is durably written before the provider is asked for a
	// reply, keeping transcript order stable. Doing it after the quota gate
	// means a denied request leaves no dangling user turn.
	if insertUserMsg {
		userMsg := &chat.Message{
			SessionID: in.SessionID,
			UserID:    p.UserID,
			Role:      chat.RoleUser,
			Content:   in.Prompt,
		}
		if in.Image != "" {
			userMsg.ImageRef = &in.Image
		}
		if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
			return nil, err
		}
	}

	return &prepared{principal: p, input: in, provider: provider, prompt: prompt, quota: st}, nil
}

// complete runs steps 7-9: invoke the adapter, persist the bot turn, record
// usage best-effort.
func (s *Service) complete(ctx context.Context, prep *prepared) (*Output, uint64, error) {
	res, err := prep.provider.Generate(ctx, ai.Request{
		Prompt: prep.prompt,
		Image:  prep.input.Image,
		Model:  prep.input.Model,
	})
	if err != nil {
		// Keep the transcript self-consistent: the user turn must not
		// dangle without a bot turn.
		s.persistBotMessage(ctx, prep, fallbackBotReply, "")
		return nil, 0, err
	}

	content := res.Text
	if content == "" && res.ImageURL != "" {
		content = res.ImageURL
	}
	botMsgID := s.persistBotMessage(ctx, prep, content, res.ImageURL)

	if res.Usage != nil {
		s.recordUsage(prep.principal.UserID, prep.input.Model, res.Usage)
	}

	return &Output{
		Text:     res.Text,
		ImageURL: res.ImageURL,
		Usage:    res.Usage,
		Quota:    prep.quota,
	}, botMsgID, nil
}

// Generate runs the full buffered pipeline.
func (s *Service) Generate(ctx context.Context, p Principal, in Input) (*Output, error) {
	prep, err := s.prepare(ctx, p, in, true, 0)
	if err != nil {
		return nil, err
	}
	out, _, err := s.complete(ctx, prep)
	return out, err
}

// GenerateStream validates and gates the request synchronously, then returns
// the delta channel. The accumulated reply is persisted as the bot turn once
// the vendor stream ends; a vendor failure persists the fallback turn.
// Streaming calls record no usage.
func (s *Service) GenerateStream(ctx context.Context, p Principal, in Input) (<-chan string, <-chan error, error) {
	prep, err := s.prepare(ctx, p, in, true, 0)
	if err != nil {
		return nil, nil, err
	}

	sp, ok := prep.provider.(ai.StreamProvider)
	if !ok {
		return nil, nil, fmt.Errorf("%w: model does not support streaming", ErrBadRequest)
	}

	outChunks := make(chan string, 16)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outChunks)
		defer close(outErrs)

		pChunks, pErrs := sp.GenerateStream(ctx, ai.Request{
			Prompt: prep.prompt,
			Image:  prep.input.Image,
			Model:  prep.input.Model,
			Stream: true,
		})

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			select {
			case outChunks <- c:
			case <-ctx.Done():
				// Client went away: stop forwarding; the vendor stream is
				// torn down through the shared ctx. No usage is recorded.
				return
			}
		}

		select {
		case err := <-pErrs:
			if err != nil {
				s.persistBotMessage(ctx, prep, fallbackBotReply, "")
				outErrs <- err
				return
			}
		default:
		}

		if ctx.Err() != nil {
			return
		}
		s.persistBotMessage(ctx, prep, b.String(), "")
	}()

	return outChunks, outErrs, nil
}

// GenerateForJob runs the pipeline for a queued job. The user turn was
// persisted when the job was accepted, so the insert is skipped and context
// assembly is bounded by the stored user message id.
func (s *Service) GenerateForJob(ctx context.Context, job *chat.GenerationJob) (string, uint64, error) {
	in := Input{
		Provider:  job.Provider,
		Model:     job.Model,
		Prompt:    job.Prompt,
		SessionID: job.SessionID,
	}
	p := Principal{UserID: job.UserID}

	prep, err := s.prepare(ctx, p, in, false, job.UserMessageID)
	if err != nil {
		return "", 0, err
	}
	out, botMsgID, err := s.complete(ctx, prep)
	if err != nil {
		return "", 0, err
	}
	return out.Text, botMsgID, nil
}

func (s *Service) persistBotMessage(ctx context.Context, prep *prepared, content, imageRef string) uint64 {
	msg := &chat.Message{
		SessionID: prep.input.SessionID,
		UserID:    prep.principal.UserID,
		Role:      chat.RoleBot,
		Content:   content,
	}
	if imageRef != "" {
		msg.ImageRef = &imageRef
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		log.Printf("gateway: persist bot message failed session=%s err=%v", prep.input.SessionID, err)
		return 0
	}
	return msg.ID
}

// recordUsage is fire-and-forget telemetry: failures are logged, never
// surfaced, and the write does not block the response.
func (s *Service) recordUsage(userID uint64, model string, u *ai.Usage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.recorder.Record(ctx, userID, model, u.PromptTokens, u.CompletionTokens, u.TotalTokens); err != nil {
			log.Printf("gateway: usage record failed user=%d model=%s err=%v", userID, model, err)
		}
	}()
}

// ValidateSessionOwner is used by the history and async endpoints.
func (s *Service) ValidateSessionOwner(ctx context.Context, userID uint64, sessionID string) error {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if sess.UserID != userID {
		return ErrForbidden
	}
	return nil
}
