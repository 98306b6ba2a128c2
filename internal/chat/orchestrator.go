// Package chat turns a user message into a persisted exchange with a persona.
//
// A send moves through Validating, QuotaChecking, Generating and Persisting
// to Done, or stops in Rejected or Failed. Provider failures are not errors
// here: they arrive as fallback results and are persisted like any reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/roelfdiedericks/personagate/internal/greeting"
	"github.com/roelfdiedericks/personagate/internal/llm"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	. "github.com/roelfdiedericks/personagate/internal/metrics"
	"github.com/roelfdiedericks/personagate/internal/prompt"
	"github.com/roelfdiedericks/personagate/internal/quota"
	"github.com/roelfdiedericks/personagate/internal/store"
	"github.com/roelfdiedericks/personagate/internal/tokens"
	"github.com/roelfdiedericks/personagate/internal/types"
)

// GreetingTrigger asks for the persona's opening message instead of a reply.
const GreetingTrigger = "__GREETING__"

// GreetingMarker is persisted in place of the user half of the opening exchange.
const GreetingMarker = "[system-opened-chat]"

const (
	DefaultHistoryLimit    = 20
	DefaultMaxMessageChars = 10000
	DefaultTotalBudget     = 45 * time.Second

	persistTimeout = 10 * time.Second
	topic          = "chat"
)

type state string

const (
	stateValidating    state = "validating"
	stateQuotaChecking state = "quota_checking"
	stateGenerating    state = "generating"
	statePersisting    state = "persisting"
	stateDone          state = "done"
	stateRejected      state = "rejected"
	stateFailed        state = "failed"
)

// Options tunes an Orchestrator. Zero fields take the defaults above.
type Options struct {
	HistoryLimit       int
	HistoryTokenBudget int // 0 disables token trimming
	MaxMessageChars    int
	TotalBudget        time.Duration
}

// SendRequest is one user message. Identity is resolved by the caller.
type SendRequest struct {
	SessionID   string   `validate:"required"`
	UserID      string   `validate:"required"`
	Tier        string   `validate:"omitempty,max=32"`
	Text        string   `validate:"required"`
	Temperature *float64 // clamped to [0, 2]
}

// SendResult is the persisted outcome of a send.
type SendResult struct {
	UserMessage      types.Message `json:"userMessage"`
	AssistantMessage types.Message `json:"assistantMessage"`
	IsFallback       bool          `json:"isFallback"`
	ErrorType        llm.ErrorType `json:"errorType,omitempty"`
}

// Orchestrator runs sends against the store and the completion service.
type Orchestrator struct {
	store     store.Store
	gen       *llm.FallbackService
	limiter   *quota.Limiter
	greetings *greeting.Cache
	locker    *SessionLocker
	estimator *tokens.Estimator
	validate  *validator.Validate
	opts      Options
}

// NewOrchestrator builds an Orchestrator. A nil limiter or greeting cache is
// created over st with default settings.
func NewOrchestrator(st store.Store, gen *llm.FallbackService, limiter *quota.Limiter, greetings *greeting.Cache, opts Options) (*Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("chat: store is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("chat: completion service is required")
	}
	if limiter == nil {
		limiter = quota.NewLimiter(st, nil)
	}
	if greetings == nil {
		greetings = greeting.NewCache(st)
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = DefaultMaxMessageChars
	}
	if opts.TotalBudget <= 0 {
		opts.TotalBudget = DefaultTotalBudget
	}
	return &Orchestrator{
		store:     st,
		gen:       gen,
		limiter:   limiter,
		greetings: greetings,
		locker:    NewSessionLocker(),
		estimator: tokens.Get(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		opts:      opts,
	}, nil
}

// Limiter exposes the usage limiter for read-only views.
func (o *Orchestrator) Limiter() *quota.Limiter {
	return o.limiter
}

// send carries one request through the state machine.
type send struct {
	req     SendRequest
	text    string
	state   state
	session *types.Session
	persona *types.Persona
}

func (s *send) to(next state) {
	L_debug("chat: state", "session", s.req.SessionID, "from", s.state, "to", next)
	s.state = next
}

// isGreeting matches the trigger exactly; padded variants are ordinary text.
func (s *send) isGreeting() bool {
	return s.req.Text == GreetingTrigger
}

// SendMessage generates and persists a reply to req.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	startTime := time.Now()
	defer func() { MetricDuration(topic, "send", time.Since(startTime)) }()

	s, err := o.prepare(ctx, req)
	if err != nil {
		return nil, o.fail(s, err)
	}

	unlock, err := o.locker.Lock(ctx, s.session.ID)
	if err != nil {
		return nil, o.fail(s, err)
	}
	defer unlock()

	if err := o.checkQuota(ctx, s); err != nil {
		return nil, o.fail(s, err)
	}

	var res *SendResult
	if s.isGreeting() {
		res, err = o.greet(ctx, s)
	} else {
		res, err = o.reply(ctx, s)
	}
	if err != nil {
		return nil, o.fail(s, err)
	}
	o.done(s, res)
	return res, nil
}

// prepare runs Validating.
func (o *Orchestrator) prepare(ctx context.Context, req SendRequest) (*send, error) {
	s := &send{req: req, state: stateValidating, text: strings.TrimSpace(req.Text)}
	L_debug("chat: state", "session", req.SessionID, "to", s.state)

	if err := o.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return s, reject(ReasonInvalidMessage, "%s failed %s", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return s, reject(ReasonInvalidMessage, "%v", err)
	}
	if s.text == "" {
		return s, reject(ReasonInvalidMessage, "message is empty")
	}
	if n := utf8.RuneCountInString(s.text); n > o.opts.MaxMessageChars {
		return s, reject(ReasonInvalidMessage, "message has %d characters, limit is %d", n, o.opts.MaxMessageChars)
	}

	sess, err := o.store.LoadSession(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return s, reject(ReasonSessionNotFound, "session %s does not exist", req.SessionID)
	}
	if err != nil {
		return s, persistenceError("load session", err)
	}
	if sess.UserID != req.UserID {
		return s, reject(ReasonForbidden, "session belongs to another user")
	}
	s.session = sess

	persona, err := o.store.LoadPersona(ctx, sess.PersonaID)
	if errors.Is(err, store.ErrNotFound) {
		return s, reject(ReasonPersonaNotFound, "persona %s does not exist", sess.PersonaID)
	}
	if err != nil {
		return s, persistenceError("load persona", err)
	}
	s.persona = persona
	return s, nil
}

// checkQuota runs QuotaChecking. It is called with the session lock held so
// a send that never gets the lock is never counted.
func (o *Orchestrator) checkQuota(ctx context.Context, s *send) error {
	if s.isGreeting() {
		// greetings are exempt from quota
		return nil
	}

	req := s.req
	s.to(stateQuotaChecking)
	if err := o.limiter.CheckAndIncrement(ctx, req.UserID, req.Tier, false); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			return &RejectedError{
				Reason:  ReasonQuotaExceeded,
				Message: exceeded.Error(),
				Limit:   exceeded.Limit,
				Err:     exceeded,
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return persistenceError("usage check", err)
	}
	return nil
}

// request builds the completion request for a normal send.
func (o *Orchestrator) request(ctx context.Context, s *send) (llm.CompletionRequest, error) {
	turns, err := o.store.LoadRecentTurns(ctx, s.session.ID, o.opts.HistoryLimit)
	if err != nil {
		return llm.CompletionRequest{}, persistenceError("load history", err)
	}
	turns = o.estimator.FitTurns(turns, o.opts.HistoryTokenBudget)

	req := llm.CompletionRequest{
		SystemPrompt: prompt.BuildSystemPrompt(*s.persona),
		Turns:        turns,
		Message:      s.text,
	}
	if s.req.Temperature != nil {
		t := llm.ClampTemperature(*s.req.Temperature)
		req.Temperature = &t
	}
	return req, nil
}

func (o *Orchestrator) reply(ctx context.Context, s *send) (*SendResult, error) {
	s.to(stateGenerating)
	req, err := o.request(ctx, s)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, o.opts.TotalBudget)
	result := o.gen.Generate(genCtx, req)
	cancel()

	s.to(statePersisting)
	return o.persistExchange(ctx, s, result, true)
}

// persistExchange stores the user message and, when withReply is set, the
// assistant reply. Only a stream closed before its first chunk goes without.
func (o *Orchestrator) persistExchange(ctx context.Context, s *send, result llm.CompletionResult, withReply bool) (*SendResult, error) {
	msgs := []types.Message{o.userMessage(s)}
	if withReply {
		msgs = append(msgs, o.assistantMessage(s, result))
	}

	// the reply was generated and counted; keep it even if the caller left
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	stored, err := o.store.AppendExchange(pctx, s.session.ID, msgs)
	if err != nil {
		return nil, persistenceError("append exchange", err)
	}

	res := &SendResult{UserMessage: stored[0], IsFallback: result.IsFallback, ErrorType: result.ErrorType}
	if len(stored) > 1 {
		res.AssistantMessage = stored[1]
	}
	return res, nil
}

func (o *Orchestrator) userMessage(s *send) types.Message {
	return types.Message{Role: types.RoleUser, SenderName: s.req.UserID, Text: s.text}
}

func (o *Orchestrator) assistantMessage(s *send, result llm.CompletionResult) types.Message {
	return types.Message{
		Role:       types.RoleAssistant,
		SenderName: s.persona.Name,
		Text:       result.Text,
		TokensUsed: result.TokensUsed,
		Sentiment:  result.Sentiment,
		IsFallback: result.IsFallback,
		ErrorType:  string(result.ErrorType),
	}
}

// greet returns the session's opening exchange, creating it on first use.
func (o *Orchestrator) greet(ctx context.Context, s *send) (*SendResult, error) {
	s.to(stateGenerating)
	existing, err := o.store.LoadOpeningExchange(ctx, s.session.ID)
	if err != nil {
		return nil, persistenceError("load opening exchange", err)
	}
	if existing != nil {
		L_debug("chat: opening exchange already present", "session", s.session.ID)
		return openingResult(existing), nil
	}

	genCtx, cancel := context.WithTimeout(ctx, o.opts.TotalBudget)
	defer cancel()
	result, err := o.greetings.GetOrCreate(genCtx, s.req.UserID, s.persona.ID, func(ctx context.Context) llm.CompletionResult {
		return o.gen.Generate(ctx, llm.CompletionRequest{
			SystemPrompt: prompt.BuildSystemPrompt(*s.persona),
			Message:      prompt.GreetingMessage(*s.persona),
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, persistenceError("greeting", err)
	}

	s.to(statePersisting)
	marker := types.Message{Role: types.RoleSystem, SenderName: s.req.UserID, Text: GreetingMarker}
	assistant := o.assistantMessage(s, result)

	if result.IsFallback {
		// an apology must not become the permanent opening of the session
		L_info("chat: greeting degraded, not persisting opening exchange", "session", s.session.ID,
			"errorType", result.ErrorType)
		return &SendResult{UserMessage: marker, AssistantMessage: assistant, IsFallback: true, ErrorType: result.ErrorType}, nil
	}

	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer pcancel()
	stored, inserted, err := o.store.InsertOpeningExchangeIfAbsent(pctx, s.session.ID, [2]types.Message{marker, assistant})
	if err != nil {
		return nil, persistenceError("insert opening exchange", err)
	}
	if !inserted {
		L_debug("chat: opening exchange raced, returning stored copy", "session", s.session.ID)
	}
	return openingResult(stored), nil
}

func openingResult(msgs []types.Message) *SendResult {
	res := &SendResult{UserMessage: msgs[0], AssistantMessage: msgs[1]}
	res.IsFallback = msgs[1].IsFallback
	res.ErrorType = llm.ErrorType(msgs[1].ErrorType)
	return res
}

func (o *Orchestrator) done(s *send, res *SendResult) {
	s.to(stateDone)
	outcome := "reply"
	switch {
	case s.isGreeting():
		outcome = "greeting"
	case res.IsFallback:
		outcome = "fallback"
	}
	MetricOutcome(topic, "send", outcome)
	L_info("chat: message sent", "session", s.session.ID, "user", s.req.UserID, "persona", s.persona.ID,
		"fallback", res.IsFallback, "tokens", res.AssistantMessage.TokensUsed)
}

// fail moves s to Rejected or Failed and returns err for the caller.
func (o *Orchestrator) fail(s *send, err error) error {
	if rej, ok := IsRejected(err); ok {
		s.to(stateRejected)
		MetricOutcome(topic, "send", "rejected_"+rej.Reason)
		L_info("chat: send rejected", "session", s.req.SessionID, "user", s.req.UserID, "reason", rej.Reason)
		return err
	}
	failedIn := s.state
	s.to(stateFailed)
	if errors.Is(err, ErrPersistence) {
		MetricFailWithReason(topic, "send", "persistence")
		L_error("chat: send failed", "session", s.req.SessionID, "user", s.req.UserID, "state", failedIn, "error", err)
		return err
	}
	MetricFailWithReason(topic, "send", "canceled")
	L_warn("chat: send aborted", "session", s.req.SessionID, "user", s.req.UserID, "error", err)
	return err
}
