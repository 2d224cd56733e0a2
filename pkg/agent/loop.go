package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/halte/internal/observability"
	"github.com/harun/halte/internal/tracing"
	"github.com/harun/halte/pkg/commandqueue"
	"github.com/harun/halte/pkg/livestate"
	"github.com/harun/halte/pkg/moderation"
	"github.com/harun/halte/pkg/session"
	"github.com/harun/halte/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
)

// SnapshotProvider supplies live state at tool-execution time.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (livestate.Snapshot, error)
}

// ToolRunner is the tool table seen by the loop.
type ToolRunner interface {
	Definitions() []toolexecutor.ToolDefinition
	Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *toolexecutor.ExecutionContext) toolexecutor.ToolResult
}

// Config wires a Loop.
type Config struct {
	Store     *session.Store
	Provider  LLMProvider
	Tools     ToolRunner
	Guardrail *moderation.Guardrail
	Snapshots SnapshotProvider
	// Queue serializes turns per user. A private queue is created when nil.
	Queue *commandqueue.CommandQueue

	Retry        RetryPolicy
	Model        string
	Temperature  float64
	MaxTokens    int
	Instructions string
	// IncludeHistory sends the stored conversation with each turn. When
	// false only the preamble and the current message are sent.
	IncludeHistory bool
	ToolTimeout    time.Duration

	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Loop runs conversational turns.
type Loop struct {
	cfg       Config
	store     *session.Store
	provider  LLMProvider
	tools     ToolRunner
	snapshots SnapshotProvider
	queue     *commandqueue.CommandQueue
	guardrail atomic.Pointer[moderation.Guardrail]
	logger    zerolog.Logger

	sleep  sleepFunc
	callID func() string
}

// NewLoop validates the wiring and creates a loop.
func NewLoop(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("completion provider is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool runner is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot provider is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	queue := cfg.Queue
	if queue == nil {
		queue = commandqueue.New()
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	l := &Loop{
		cfg:       cfg,
		store:     cfg.Store,
		provider:  cfg.Provider,
		tools:     cfg.Tools,
		snapshots: cfg.Snapshots,
		queue:     queue,
		logger:    logger.With().Str("component", "agent").Logger(),
		sleep:     contextSleep,
		callID:    newCallID,
	}
	l.guardrail.Store(cfg.Guardrail)
	return l, nil
}

func newCallID() string {
	id, err := gonanoid.New()
	if err != nil {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return "call_" + id
}

// SetGuardrail swaps the denylist, for config reloads.
func (l *Loop) SetGuardrail(g *moderation.Guardrail) {
	l.guardrail.Store(g)
}

func laneFor(userID string) string {
	return "session-" + userID
}

// HandleTurn answers one rider message. A non-nil location is stored on the
// session before the turn runs.
func (l *Loop) HandleTurn(ctx context.Context, userID, text string, location *session.Location) TurnResult {
	start := time.Now()

	ctx = tracing.NewTurnContext(ctx, userID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.turn")
	defer span.End()

	value, err := l.queue.EnqueueWithContext(ctx, laneFor(userID), func(taskCtx context.Context) (interface{}, error) {
		return l.runTurn(taskCtx, userID, text, location), nil
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, l.logger)
		logger.Error().Err(err).Msg("Turn could not be scheduled")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordTurn("unscheduled", time.Since(start))
		return TurnResult{
			Reply:     ApologyReply,
			Summary:   l.store.Summarize(userID),
			Retryable: true,
			Degraded:  true,
		}
	}

	res := value.(TurnResult)
	if res.Degraded {
		span.SetStatus(codes.Error, "degraded turn")
	}
	span.SetAttributes(
		tracing.AttrRefused.Bool(res.Refused),
		tracing.AttrTool.String(res.ToolUsed),
	)
	return res
}

func (l *Loop) runTurn(ctx context.Context, userID, text string, location *session.Location) TurnResult {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	if location != nil {
		loc := *location
		l.store.ApplyPatch(userID, session.Patch{Location: &loc})
	}

	if v := l.guardrail.Load().Check(text); v.Blocked {
		logger.Info().Str("term", v.Term).Msg("Message refused by guardrail")
		l.store.GetOrCreate(userID)
		observability.RecordTurn("refused", time.Since(start))
		return TurnResult{
			Reply:   v.Refusal,
			Summary: l.store.Summarize(userID),
			Refused: true,
		}
	}

	sess := l.store.AppendMessage(userID, session.RoleUser, text)

	snap, err := l.snapshots.Snapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Live state unavailable, continuing with empty snapshot")
		snap = livestate.Snapshot{TakenAt: l.store.Now()}
	}
	if sess.Location != nil {
		snap = snap.WithUserLocation(&livestate.Coordinates{Lat: sess.Location.Lat, Lng: sess.Location.Lng})
	}

	messages := l.compose(userID, sess, snap)

	req := LLMRequest{
		Model:       l.cfg.Model,
		Messages:    messages,
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
	}

	first, attempts, err := callWithRetry(ctx, l.provider, req, l.cfg.Retry, l.sleep)
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempts).Msg("First completion failed")
		observability.RecordTurn("apology", time.Since(start))
		return TurnResult{
			Reply:     ApologyReply,
			Summary:   l.store.Summarize(userID),
			Retryable: true,
			Degraded:  true,
		}
	}

	var reply string
	var toolUsed string
	var degraded bool

	switch r := ParseReply(first.Content).(type) {
	case PlainText:
		reply = r.Text
		observability.RecordTurn("answered", time.Since(start))

	case ToolInvocation:
		toolUsed = r.Name
		reply, degraded = l.runTool(ctx, userID, messages, req, r, snap)
		if degraded {
			observability.RecordTurn("fallback", time.Since(start))
		} else {
			observability.RecordTurn("tool", time.Since(start))
		}
	}

	if !degraded {
		l.store.AppendMessage(userID, session.RoleAssistant, reply)
		l.store.AppendExchange(userID, text, reply)
	}

	logger.Debug().
		Str("tool", toolUsed).
		Dur("duration", time.Since(start)).
		Msg("Turn complete")

	return TurnResult{
		Reply:     reply,
		Summary:   l.store.Summarize(userID),
		Retryable: degraded,
		ToolUsed:  toolUsed,
		Degraded:  degraded,
	}
}

// compose builds the message sequence for the first completion.
func (l *Loop) compose(userID string, sess session.Session, snap livestate.Snapshot) []session.Message {
	preamble := func(s session.Session) string {
		return BuildPreamble(PreambleContext{
			Now:          l.store.Now(),
			HasLocation:  s.Location != nil,
			ActiveBuses:  len(snap.ActiveBuses),
			KnownRoutes:  len(snap.BusRoutes),
			Instructions: l.cfg.Instructions,
			Tools:        l.tools.Definitions(),
		})
	}

	if l.cfg.IncludeHistory {
		return l.store.BuildPromptMessages(userID, preamble)
	}

	now := l.store.Now()
	msgs := []session.Message{
		{Role: session.RoleSystem, Content: preamble(sess), Timestamp: now},
	}
	if n := len(sess.MessageHistory); n > 0 {
		msgs = append(msgs, sess.MessageHistory[n-1])
	}
	cfg := l.store.Config()
	return session.TrimToBudget(msgs, cfg.TokenBudget, cfg.Estimator)
}

// runTool executes the invocation and asks for the final answer once. It
// reports whether the fixed fallback was used.
func (l *Loop) runTool(ctx context.Context, userID string, messages []session.Message, req LLMRequest, inv ToolInvocation, snap livestate.Snapshot) (string, bool) {
	logger := tracing.LoggerFromContext(ctx, l.logger).With().Str("tool", inv.Name).Logger()

	result := l.tools.Execute(ctx, inv.Name, inv.Arguments, &toolexecutor.ExecutionContext{
		UserID:   userID,
		Snapshot: snap,
		Timeout:  l.cfg.ToolTimeout,
	})
	if !result.Success {
		logger.Warn().Str("error", result.Error).Msg("Tool returned an error result")
	}

	l.store.RecordSearch(userID, describeInvocation(inv))

	callID := l.callID()
	followUp := make([]session.Message, 0, len(messages)+2)
	followUp = append(followUp, messages...)
	followUp = append(followUp,
		session.Message{
			Role: session.RoleAssistant,
			ToolCalls: []session.ToolCall{{
				ID:        callID,
				Name:      inv.Name,
				Arguments: inv.RawArguments,
			}},
			Timestamp: l.store.Now(),
		},
		session.Message{
			Role:       session.RoleTool,
			Content:    result.JSON(),
			ToolCallID: callID,
			Name:       inv.Name,
			Timestamp:  l.store.Now(),
		},
	)

	req.Messages = followUp
	second, err := callOnce(ctx, l.provider, req, l.cfg.Retry.CallTimeout, 1)
	if err != nil {
		logger.Error().Err(err).Msg("Second completion failed")
		return FallbackReply, true
	}
	return second.Content, false
}

// describeInvocation renders a short, stable description for recent searches.
func describeInvocation(inv ToolInvocation) string {
	keys := make([]string, 0, len(inv.Arguments))
	for k := range inv.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, inv.Arguments[k]))
	}
	return fmt.Sprintf("%s(%s)", inv.Name, strings.Join(parts, ", "))
}

// ResetSession discards the rider's session. It waits for any in-flight turn
// of the same rider.
func (l *Loop) ResetSession(ctx context.Context, userID string) error {
	_, err := l.queue.EnqueueWithContext(ctx, laneFor(userID), func(context.Context) (interface{}, error) {
		l.store.Reset(userID)
		return nil, nil
	})
	switch {
	case errors.Is(err, commandqueue.ErrClosed):
		l.store.Reset(userID)
	case err != nil:
		return fmt.Errorf("failed to reset session: %w", err)
	}
	l.logger.Info().Str("user_id", userID).Msg("Session reset")
	return nil
}

// Status returns the rider's session summary.
func (l *Loop) Status(userID string) session.Summary {
	return l.store.Summarize(userID)
}

// SweepExpired removes expired sessions. The host schedules it.
func (l *Loop) SweepExpired(now time.Time) int {
	return l.store.SweepExpired(now)
}

// Close stops the turn queue.
func (l *Loop) Close() error {
	return l.queue.Close()
}
