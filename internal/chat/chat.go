// Package chat runs the streaming turn: moderation, credit freeze,
// prompt assembly, the upstream stream, settlement, and deferred
// persistence, emitting SSE frames to the client along the way.
//
// The flow is a straight line with two error exits. Failures before the
// freeze cost nothing; upstream failures after the freeze refund it in
// full; a post-moderation hit settles a penalty instead. Once text has
// been delivered the turn always settles and persists, even when the
// client is gone.
package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emberai/huoyuan/internal/agent"
	"github.com/emberai/huoyuan/internal/conversation"
	"github.com/emberai/huoyuan/internal/credit"
	"github.com/emberai/huoyuan/internal/llm"
	"github.com/emberai/huoyuan/internal/logging"
	"github.com/emberai/huoyuan/internal/metrics"
	"github.com/emberai/huoyuan/internal/moderation"
	"github.com/emberai/huoyuan/internal/persist"
	"github.com/emberai/huoyuan/internal/persona"
	"github.com/emberai/huoyuan/internal/prompt"
	"github.com/emberai/huoyuan/internal/response"
	"github.com/emberai/huoyuan/internal/traces"
)

// Request is the body of POST /chat. ConversationID zero starts a new
// conversation; Model overrides the agent's default when set.
type Request struct {
	ConversationID int64  `json:"conversationId"`
	AgentID        int64  `json:"agentId" binding:"required"`
	ProjectID      int64  `json:"projectId"`
	Content        string `json:"content" binding:"required"`
	Model          string `json:"model"`
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Credits       *credit.Service
	Conversations *conversation.Service
	Agents        *agent.Service
	Personas      *persona.Service
	Gate          *moderation.Gate
	Builder       *prompt.Builder
	Providers     *llm.Registry
	Queue         *persist.Queue
	Fees          *Estimator
	PenaltyPct    int
	PenaltyMin    decimal.Decimal
	StreamTimeout time.Duration
	// CacheProviders names the providers whose system message should
	// carry an explicit cache hint.
	CacheProviders []string
}

// Orchestrator drives one chat turn end to end.
type Orchestrator struct {
	credits       *credit.Service
	conversations *conversation.Service
	agents        *agent.Service
	personas      *persona.Service
	gate          *moderation.Gate
	builder       *prompt.Builder
	providers     *llm.Registry
	queue         *persist.Queue
	fees          *Estimator
	penaltyPct    int
	penaltyMin    decimal.Decimal
	streamTimeout time.Duration
	cacheable     map[string]bool
}

// NewOrchestrator creates a chat orchestrator.
func NewOrchestrator(d Deps) *Orchestrator {
	if d.StreamTimeout <= 0 {
		d.StreamTimeout = 5 * time.Minute
	}
	if d.PenaltyPct <= 0 {
		d.PenaltyPct = 10
	}
	cacheable := make(map[string]bool, len(d.CacheProviders))
	for _, name := range d.CacheProviders {
		cacheable[name] = true
	}
	return &Orchestrator{
		credits:       d.Credits,
		conversations: d.Conversations,
		agents:        d.Agents,
		personas:      d.Personas,
		gate:          d.Gate,
		builder:       d.Builder,
		providers:     d.Providers,
		queue:         d.Queue,
		fees:          d.Fees,
		penaltyPct:    d.PenaltyPct,
		penaltyMin:    d.PenaltyMin,
		streamTimeout: d.StreamTimeout,
		cacheable:     cacheable,
	}
}

// Run handles one chat turn, writing SSE frames to w. ctx is the
// request context: its cancellation means the client went away.
func (o *Orchestrator) Run(ctx context.Context, userID int64, req Request, w http.ResponseWriter) {
	metrics.ChatStreamsActive.Inc()
	defer metrics.ChatStreamsActive.Dec()

	state := o.run(ctx, userID, req, newFrameWriter(w))
	metrics.ChatStreamsTotal.WithLabelValues(state).Inc()
}

func (o *Orchestrator) run(ctx context.Context, userID int64, req Request, out *frameWriter) string {
	ctx, span := traces.StartSpan(ctx, "chat.Run", traces.UserID(userID))
	defer span.End()

	log := logging.L(ctx)

	if v := o.gate.CheckPre(req.Content); !v.OK {
		out.send(Frame{Error: "content rejected", Code: response.CodeContentViolationPre})
		return "blocked"
	}

	ag, err := o.agents.Get(ctx, req.AgentID)
	if err != nil {
		out.send(Frame{Error: "agent not found", Code: response.CodeNotFound})
		return "error"
	}
	model := req.Model
	if model == "" {
		model = ag.Model
	}
	providerName, err := o.providers.ProviderFor(model)
	if err != nil {
		out.send(Frame{Error: "unsupported model", Code: response.CodeInvalidRequest})
		return "error"
	}
	span.SetAttributes(traces.Model(model), traces.Provider(providerName))

	var pers *persona.Persona
	if req.ProjectID != 0 {
		pers, err = o.personas.GetOwned(ctx, userID, req.ProjectID)
		if err != nil {
			out.send(Frame{Error: "project not found", Code: response.CodeNotFound})
			return "error"
		}
	}

	var history []llm.Message
	if req.ConversationID != 0 {
		_, msgs, err := o.conversations.Get(ctx, userID, req.ConversationID)
		if err != nil {
			out.send(Frame{Error: "conversation not found", Code: response.CodeNotFound})
			return "error"
		}
		history = make([]llm.Message, 0, len(msgs))
		for _, m := range msgs {
			history = append(history, llm.Message{Role: string(m.Role), Content: m.Content})
		}
	}

	// Estimate before freezing: input from prompt characters, output
	// from the agent's sampling ceiling.
	personaBlock := prompt.PersonaBlock(pers)
	chars := utf8.RuneCountInString(req.Content) +
		utf8.RuneCountInString(personaBlock) +
		utf8.RuneCountInString(ag.SystemPrompt)
	estIn := o.providers.EstimateInputTokens(model, chars)
	estOut := o.fees.EstOutputTokens(ag.MaxTokens)
	estimate := o.fees.Fee(model, estIn, estOut)

	requestID := uuid.NewString()
	span.SetAttributes(traces.RequestID(requestID))
	freeze, err := o.credits.Freeze(ctx, userID, estimate, requestID, model, req.ConversationID)
	if err != nil {
		log.Error("freeze failed", "request_id", requestID, "error", err)
		if errors.Is(err, credit.ErrTransient) {
			out.send(Frame{Error: "service busy, try again", Code: response.CodeBusy})
		} else {
			out.send(Frame{Error: "internal error", Code: response.CodeInternal})
		}
		return "error"
	}
	if freeze.Code == credit.FreezeInsufficient {
		out.send(Frame{Error: "insufficient balance", Code: response.CodeInsufficientBalance})
		return "error"
	}

	p := o.builder.Build(prompt.Input{
		Agent:      ag,
		Persona:    pers,
		History:    history,
		UserInput:  req.Content,
		FirstTurn:  req.ConversationID == 0,
		CacheHints: o.cacheable[providerName],
	})

	upCtx, cancel := context.WithTimeout(ctx, o.streamTimeout)
	defer cancel()

	stream, err := o.providers.Stream(upCtx, llm.Request{
		Model:           model,
		System:          p.System,
		SystemCacheable: p.SystemCacheable,
		Messages:        p.Messages,
		Params: llm.Params{
			Temperature:      ag.Temperature,
			TopP:             ag.TopP,
			MaxTokens:        ag.MaxTokens,
			FrequencyPenalty: ag.FrequencyPenalty,
			PresencePenalty:  ag.PresencePenalty,
		},
	})
	if err != nil {
		return o.refund(ctx, userID, requestID, out, err)
	}
	defer stream.Close()

	// The conversation row is allocated up front so the very first frame
	// can carry its real id; the message pair lands later through the
	// persistence queue.
	convID := req.ConversationID
	if convID == 0 {
		convID, err = o.conversations.Create(ctx, userID, req.AgentID, req.ProjectID, req.Content)
		if err != nil {
			return o.refund(ctx, userID, requestID, out, err)
		}
	}

	span.SetAttributes(traces.ConversationID(convID))

	clientGone := false
	if err := out.send(Frame{ConversationID: convID}); err != nil {
		clientGone = true
		cancel()
	}

	var text strings.Builder
	var usage llm.Event
	for {
		ev, rerr := stream.Recv()
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			if ctx.Err() != nil || clientGone {
				// Client disconnected: keep and charge the partial text.
				clientGone = true
				break
			}
			return o.refund(ctx, userID, requestID, out, rerr)
		}
		if ev.Delta != "" {
			text.WriteString(ev.Delta)
			if !clientGone {
				if err := out.send(Frame{Content: ev.Delta}); err != nil {
					clientGone = true
					cancel()
				}
			}
		}
		if ev.Done {
			usage = ev
			break
		}
	}

	// Settlement and persistence must survive a vanished client.
	tail := context.WithoutCancel(ctx)
	assistantText := text.String()

	promptTokens := usage.PromptTokens
	if promptTokens == 0 {
		promptTokens = estIn
	}
	completionTokens := usage.CompletionTokens
	if completionTokens == 0 && assistantText != "" {
		completionTokens = o.providers.EstimateCompletionTokens(model, assistantText)
	}

	blocked := false
	if v := o.gate.CheckPost(assistantText); !v.OK {
		blocked = true
		penalty := o.penalty(estimate)
		if _, err := o.credits.Settle(tail, userID, requestID, penalty); err != nil {
			log.Error("penalty settle failed", "request_id", requestID, "error", err)
		}
	} else {
		actual := o.fees.Fee(model, promptTokens, completionTokens)
		if _, err := o.credits.Settle(tail, userID, requestID, actual); err != nil {
			// The text was already delivered; the freeze stays put and a
			// later reconciliation pass can settle it.
			log.Error("settle failed", "request_id", requestID, "error", err)
		}
	}

	turn := conversation.Turn{
		UserID:           userID,
		ConversationID:   convID,
		AgentID:          req.AgentID,
		ProjectID:        req.ProjectID,
		UserContent:      req.Content,
		AssistantContent: assistantText,
		UserTokens:       promptTokens,
		AssistantTokens:  completionTokens,
	}
	if !o.queue.Enqueue(persist.Job{Turn: turn}) {
		metrics.PersistJobsTotal.WithLabelValues("inline").Inc()
		if _, err := o.conversations.AppendTurn(tail, turn); err != nil {
			log.Error("inline turn write failed", "conversation_id", convID, "error", err)
		}
	}

	if blocked {
		if !clientGone {
			out.send(Frame{Error: "content rejected", Code: response.CodeContentViolationPost})
		}
		return "blocked"
	}
	if !clientGone {
		out.send(Frame{Done: true})
	}
	return "done"
}

// penalty is the post-moderation charge: a percentage of the estimate
// with a configured floor.
func (o *Orchestrator) penalty(estimate decimal.Decimal) decimal.Decimal {
	p := estimate.Mul(decimal.NewFromInt(int64(o.penaltyPct))).Div(decimal.NewFromInt(100))
	if p.LessThan(o.penaltyMin) {
		p = o.penaltyMin
	}
	return p
}

func (o *Orchestrator) refund(ctx context.Context, userID int64, requestID string, out *frameWriter, cause error) string {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "upstream failed")

	logging.L(ctx).Warn("upstream failed, refunding", "request_id", requestID, "error", cause)
	if _, err := o.credits.Refund(context.WithoutCancel(ctx), userID, requestID); err != nil {
		logging.L(ctx).Error("refund failed", "request_id", requestID, "error", err)
	}
	out.send(Frame{Error: "upstream unavailable", Code: response.CodeUpstreamError})
	return "refunded"
}
