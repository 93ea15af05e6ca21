// Package orchestrator binds connections to conversations and sessions,
// invokes the agent loop and translates its event stream into outbound
// protocol messages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bvandewe/tools-provider-sub004/internal/observability"
	"github.com/bvandewe/tools-provider-sub004/pkg/agent"
	"github.com/bvandewe/tools-provider-sub004/pkg/conversation"
	"github.com/bvandewe/tools-provider-sub004/pkg/gateway"
	"github.com/bvandewe/tools-provider-sub004/pkg/protocol"
	"github.com/bvandewe/tools-provider-sub004/pkg/session"
	"github.com/bvandewe/tools-provider-sub004/pkg/toolexec"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Deps are the orchestrator's constructor-injected collaborators. There are
// no global factories; everything arrives here explicitly.
type Deps struct {
	Registry    *gateway.Registry
	Provider    agent.LLMProvider
	Executor    *toolexec.Executor
	Sessions    *session.Store
	Transcripts *conversation.Store
	AgentConfig agent.Config
	Logger      zerolog.Logger
}

func (d Deps) validate() error {
	if d.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if d.Provider == nil {
		return fmt.Errorf("llm provider is required")
	}
	if d.Executor == nil {
		return fmt.Errorf("tool executor is required")
	}
	if d.Sessions == nil {
		return fmt.Errorf("session store is required")
	}
	if d.Transcripts == nil {
		return fmt.Errorf("conversation store is required")
	}
	if d.AgentConfig.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	return nil
}

// Orchestrator is the top-level coordinator. One instance serves all
// connections; per-connection state lives in ConversationContext.
type Orchestrator struct {
	deps Deps

	mu       sync.RWMutex
	contexts map[string]*ConversationContext

	logger zerolog.Logger
}

// New creates an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		deps:     deps,
		contexts: make(map[string]*ConversationContext),
		logger:   deps.Logger,
	}, nil
}

// SetAgentConfig swaps the run bounds used for subsequent turns. In-flight
// runs keep the config they started with.
func (o *Orchestrator) SetAgentConfig(cfg agent.Config) {
	o.mu.Lock()
	o.deps.AgentConfig = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) agentConfig() agent.Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.deps.AgentConfig
}

// RegisterHandlers installs the control- and data-plane handlers on the
// router. The mapping is explicit and populated at startup.
func (o *Orchestrator) RegisterHandlers(router *gateway.Router) error {
	handlers := map[string]gateway.HandlerFunc{
		protocol.TypeMessageSend:    o.handleMessageSend,
		protocol.TypeResponseSubmit: o.handleResponseSubmit,
		protocol.TypeFlowPause:      o.handleFlowPause,
		protocol.TypeFlowResume:     o.handleFlowResume,
		protocol.TypeFlowCancel:     o.handleFlowCancel,
		protocol.TypeModelSwitch:    o.handleModelSwitch,
		protocol.TypeSessionStart:   o.handleSessionStart,
	}
	for msgType, handler := range handlers {
		if err := router.RegisterFunc(msgType, handler); err != nil {
			return err
		}
	}
	return nil
}

// OnConnect binds a conversation to the new connection and announces the
// effective configuration. A definition id starts a templated proactive
// session immediately.
func (o *Orchestrator) OnConnect(ctx context.Context, conn *gateway.Connection, params gateway.ConnectParams) error {
	conversationID := params.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	o.deps.Registry.BindConversation(conversationID, conn)

	cctx := NewConversationContext(conn.ID, conversationID)
	o.mu.Lock()
	o.contexts[conn.ID] = cctx
	o.mu.Unlock()

	config := protocol.MustNewMessage(protocol.TypeConversationConfig, protocol.ConversationConfigPayload{
		ConversationID: conversationID,
		Model:          o.agentConfig().Model,
	})
	if err := conn.Send(config); err != nil {
		return err
	}

	if params.DefinitionID != "" {
		return o.startSession(ctx, conn, cctx, "templated", params.DefinitionID)
	}
	return nil
}

// OnDisconnect releases the context. An in-flight run is cancelled; its
// suspension state, if any, is already persisted and survives the socket.
func (o *Orchestrator) OnDisconnect(conn *gateway.Connection) {
	o.mu.Lock()
	cctx, ok := o.contexts[conn.ID]
	delete(o.contexts, conn.ID)
	o.mu.Unlock()

	if ok {
		cctx.CancelRun()
	}
}

func (o *Orchestrator) contextFor(conn *gateway.Connection) (*ConversationContext, error) {
	o.mu.RLock()
	cctx, ok := o.contexts[conn.ID]
	o.mu.RUnlock()
	if !ok {
		return nil, &gateway.DomainError{
			Code: "no_conversation",
			Err:  fmt.Errorf("connection %s has no bound conversation", conn.ID),
		}
	}
	return cctx, nil
}

// handleMessageSend processes a user turn: persist it, acknowledge, then run
// the agent and stream the result.
func (o *Orchestrator) handleMessageSend(ctx context.Context, conn *gateway.Connection, msg *protocol.Message) error {
	cctx, err := o.contextFor(conn)
	if err != nil {
		return err
	}
	if cctx.Paused() {
		return &gateway.DomainError{
			Code: "flow_paused",
			Err:  fmt.Errorf("conversation %s is paused", cctx.ConversationID),
		}
	}

	var payload protocol.MessageSendPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return &gateway.DomainError{Code: "invalid_payload", Err: err}
	}

	runCtx, ok := cctx.BeginRun(ctx)
	if !ok {
		return &gateway.DomainError{
			Code: "run_in_progress",
			Err:  fmt.Errorf("conversation %s already has a turn in flight", cctx.ConversationID),
		}
	}

	// The user turn is durable before the ack goes out.
	if err := o.deps.Transcripts.Append(cctx.ConversationID, agent.Message{
		Role:    "user",
		Content: payload.Content,
	}); err != nil {
		cctx.EndRun()
		return &gateway.DomainError{Code: "transcript_write_failed", Err: err}
	}

	ack := protocol.MustNewMessage(protocol.TypeDataMessageAck, protocol.DataMessageAckPayload{
		MessageID: msg.ID,
	})
	if err := conn.Send(ack); err != nil {
		cctx.EndRun()
		return err
	}

	go o.runTurn(runCtx, conn, cctx)
	return nil
}

// runTurn executes one reactive agent turn off the read loop so control
// frames (pause, cancel) stay responsive. The context's run slot guarantees
// at most one turn per connection, so arrival order is preserved.
func (o *Orchestrator) runTurn(ctx context.Context, conn *gateway.Connection, cctx *ConversationContext) {
	defer cctx.EndRun()

	conn.TransitionTo(gateway.StateActive)
	defer conn.TransitionTo(gateway.StateOpen)

	history, err := o.deps.Transcripts.History(cctx.ConversationID)
	if err != nil {
		o.sendSessionError(conn, cctx.SessionID(), "transcript_read_failed", err)
		return
	}

	loop, err := o.buildLoop(cctx)
	if err != nil {
		o.sendSessionError(conn, cctx.SessionID(), "agent_config_invalid", err)
		return
	}

	start := time.Now()
	outcome, runErr := loop.Run(ctx, history, o.emitter(conn, cctx.ConversationID))
	o.finishTurn(ctx, conn, cctx, outcome, runErr, time.Since(start))
}

// handleResponseSubmit validates a widget response against the suspended
// session and resumes the loop. Stale or duplicate submissions are rejected
// without touching the session.
func (o *Orchestrator) handleResponseSubmit(ctx context.Context, conn *gateway.Connection, msg *protocol.Message) error {
	cctx, err := o.contextFor(conn)
	if err != nil {
		return err
	}

	var payload protocol.ResponseSubmitPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return &gateway.DomainError{Code: "invalid_payload", Err: err}
	}

	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = cctx.SessionID()
	}
	if sessionID == "" {
		return &gateway.DomainError{
			Code: "no_session",
			Err:  fmt.Errorf("response %s has no session to resume", payload.ToolCallID),
		}
	}

	sess, err := o.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return &gateway.DomainError{Code: "session_not_found", SessionID: sessionID, Err: err}
	}
	if !sess.CanAcceptResponse() {
		return &gateway.DomainError{
			Code:      "stale_response",
			SessionID: sessionID,
			Err:       fmt.Errorf("session %s is not awaiting a client action", sessionID),
		}
	}
	if sess.PendingAction.ToolCallID != payload.ToolCallID {
		return &gateway.DomainError{
			Code:      "invalid_tool_call_id",
			SessionID: sessionID,
			Err:       fmt.Errorf("response tool call id %s does not match pending action %s", payload.ToolCallID, sess.PendingAction.ToolCallID),
		}
	}

	runCtx, ok := cctx.BeginRun(ctx)
	if !ok {
		return &gateway.DomainError{
			Code:      "run_in_progress",
			SessionID: sessionID,
			Err:       fmt.Errorf("conversation %s already has a turn in flight", cctx.ConversationID),
		}
	}

	cctx.BindSession(sessionID)

	submittedAt := payload.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}
	response := agent.ClientResponse{
		ToolCallID:  payload.ToolCallID,
		Response:    payload.Response,
		SubmittedAt: submittedAt,
	}

	go o.resumeTurn(runCtx, conn, cctx, sess, response)
	return nil
}

// resumeTurn re-enters the loop from the session's execution snapshot. The
// session transitions (resumed, then re-suspended or completed) are applied
// together and persisted once, before the outcome reaches the client.
func (o *Orchestrator) resumeTurn(ctx context.Context, conn *gateway.Connection, cctx *ConversationContext, sess session.Session, response agent.ClientResponse) {
	defer cctx.EndRun()

	conn.TransitionTo(gateway.StateActive)
	defer conn.TransitionTo(gateway.StateOpen)

	loop, err := o.buildLoop(cctx)
	if err != nil {
		o.sendSessionError(conn, sess.ID, "agent_config_invalid", err)
		return
	}

	start := time.Now()
	outcome, runErr := loop.Resume(ctx, sess.Execution, response, o.emitter(conn, cctx.ConversationID))
	if errors.Is(runErr, agent.ErrInvalidToolCallID) || errors.Is(runErr, agent.ErrNoPendingToolCall) {
		// The session is left exactly as it was.
		o.sendSessionError(conn, sess.ID, "invalid_tool_call_id", runErr)
		return
	}

	next, _, err := sess.AcceptResponse(response.ToolCallID)
	if err != nil {
		o.sendSessionError(conn, sess.ID, "session_transition_failed", err)
		return
	}

	o.finishSessionTurn(ctx, conn, cctx, next, outcome, runErr, time.Since(start))
}

// finishTurn persists the outcome of a reactive run and reports it to the
// client. Session mutations always land before the corresponding message
// goes out, so suspension is crash-safe.
func (o *Orchestrator) finishTurn(ctx context.Context, conn *gateway.Connection, cctx *ConversationContext, outcome agent.Outcome, runErr error, elapsed time.Duration) {
	if runErr != nil {
		o.reportRunError(ctx, conn, cctx.SessionID(), runErr, elapsed)
		return
	}

	if outcome.Suspended {
		sess, err := o.ensureSession(ctx, conn, cctx, "reactive")
		if err != nil {
			o.sendSessionError(conn, cctx.SessionID(), "session_create_failed", err)
			return
		}
		o.suspendAndRender(ctx, conn, sess, outcome, elapsed)
		return
	}

	o.completeTurn(ctx, conn, cctx, nil, outcome, elapsed)
}

// finishSessionTurn is finishTurn for runs that already carry a session
// aggregate (resume and proactive runs).
func (o *Orchestrator) finishSessionTurn(ctx context.Context, conn *gateway.Connection, cctx *ConversationContext, sess session.Session, outcome agent.Outcome, runErr error, elapsed time.Duration) {
	if runErr != nil {
		saved, err := o.deps.Sessions.Save(ctx, sess)
		if err != nil {
			o.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to persist session after run error")
		} else {
			sess = saved
		}
		o.reportRunError(ctx, conn, sess.ID, runErr, elapsed)
		return
	}

	if outcome.Suspended {
		o.suspendAndRender(ctx, conn, sess, outcome, elapsed)
		return
	}

	o.completeTurn(ctx, conn, cctx, &sess, outcome, elapsed)
}

func (o *Orchestrator) suspendAndRender(ctx context.Context, conn *gateway.Connection, sess session.Session, outcome agent.Outcome, elapsed time.Duration) {
	next, _, err := sess.Suspend(outcome.Action, outcome.Suspension)
	if err != nil {
		o.sendSessionError(conn, sess.ID, "session_transition_failed", err)
		return
	}
	if _, err := o.deps.Sessions.Save(ctx, next); err != nil {
		o.sendSessionError(conn, sess.ID, "session_save_failed", err)
		return
	}
	o.recordTransition(next.ID, next.Status)
	observability.RecordAgentRun("suspended", elapsed)

	render := protocol.MustNewMessage(protocol.TypeWidgetRender, protocol.WidgetRenderPayload{
		SessionID:  next.ID,
		ToolCallID: outcome.Action.ToolCallID,
		WidgetType: outcome.Action.WidgetType,
		Props:      outcome.Action.Props,
	})
	if err := conn.Send(render); err != nil {
		o.logger.Error().Err(err).Str("session_id", next.ID).Msg("Failed to send widget render")
	}
}

func (o *Orchestrator) completeTurn(ctx context.Context, conn *gateway.Connection, cctx *ConversationContext, sess *session.Session, outcome agent.Outcome, elapsed time.Duration) {
	if outcome.Content != "" {
		if err := o.deps.Transcripts.Append(cctx.ConversationID, agent.Message{
			Role:    "assistant",
			Content: outcome.Content,
		}); err != nil {
			o.sendSessionError(conn, cctx.SessionID(), "transcript_write_failed", err)
			return
		}
	}

	if sess != nil {
		next, _, changed, err := sess.Complete()
		if err != nil {
			o.sendSessionError(conn, sess.ID, "session_transition_failed", err)
			return
		}
		if changed {
			if _, err := o.deps.Sessions.Save(ctx, next); err != nil {
				o.sendSessionError(conn, sess.ID, "session_save_failed", err)
				return
			}
			o.recordTransition(next.ID, next.Status)
		}
	}

	status := "completed"
	if outcome.Truncated {
		status = "truncated"
	}
	observability.RecordAgentRun(status, elapsed)

	payload := protocol.ContentCompletePayload{
		ConversationID: cctx.ConversationID,
		Content:        outcome.Content,
		Truncated:      outcome.Truncated,
	}
	if outcome.Usage != nil {
		payload.InputTokens = outcome.Usage.InputTokens
		payload.OutputTokens = outcome.Usage.OutputTokens
	}
	complete := protocol.MustNewMessage(protocol.TypeContentComplete, payload)
	if err := conn.Send(complete); err != nil {
		o.logger.Error().Err(err).Str("conversation_id", cctx.ConversationID).Msg("Failed to send content complete")
	}
}

// reportRunError translates a run failure into a terminal-adjacent session
// transition plus one error event. The connection stays usable.
func (o *Orchestrator) reportRunError(ctx context.Context, conn *gateway.Connection, sessionID string, runErr error, elapsed time.Duration) {
	observability.RecordAgentRun("error", elapsed)

	code := "run_failed"
	switch {
	case errors.Is(runErr, agent.ErrRunTimeout):
		code = "run_timeout"
	case errors.Is(runErr, context.Canceled):
		code = "run_cancelled"
	}

	if sessionID != "" {
		if sess, err := o.deps.Sessions.Get(ctx, sessionID); err == nil {
			next, _, changed, terr := sess.Terminate(code)
			if terr == nil && changed {
				if _, err := o.deps.Sessions.Save(ctx, next); err != nil && !errors.Is(err, session.ErrVersionConflict) {
					o.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to persist terminated session")
				} else {
					o.recordTransition(next.ID, next.Status)
				}
			}
		}
	}

	o.sendSessionError(conn, sessionID, code, runErr)
}

// handleFlowPause stops new turns from starting. In-memory only.
func (o *Orchestrator) handleFlowPause(_ context.Context, conn *gateway.Connection, msg *protocol.Message) error {
	cctx, err := o.contextFor(conn)
	if err != nil {
		return err
	}
	cctx.SetPaused(true)
	o.logger.Info().Str("conversation_id", cctx.ConversationID).Msg("Flow paused")
	return o.ack(conn, msg.ID)
}

// handleFlowResume lifts a pause. In-memory only.
func (o *Orchestrator) handleFlowResume(_ context.Context, conn *gateway.Connection, msg *protocol.Message) error {
	cctx, err := o.contextFor(conn)
	if err != nil {
		return err
	}
	cctx.SetPaused(false)
	o.logger.Info().Str("conversation_id", cctx.ConversationID).Msg("Flow resumed")
	return o.ack(conn, msg.ID)
}

// handleFlowCancel interrupts the in-flight run and terminates the bound
// session. The loop observes the cancellation after the current tool call.
func (o *Orchestrator) handleFlowCancel(ctx context.Context, conn *gateway.Connection, msg *protocol.Message) error {
	cctx, err := o.contextFor(conn)
	if err != nil {
		return err
	}

	interrupted := cctx.CancelRun()
	o.logger.Info().
		Str("conversation_id", cctx.ConversationID).
		Bool("interrupted", interrupted).
		Msg("Flow cancelled")

	if sessionID := cctx.SessionID(); sessionID != "" && !interrupted {
		// No run in flight to do it for us; terminate the session here.
		sess, err := o.deps.Sessions.Get(ctx, sessionID)
		if err == nil {
			next, _, changed, terr := sess.Terminate("cancelled by client")
			if terr == nil && changed {
				if _, err := o.deps.Sessions.Save(ctx, next); err != nil && !errors.Is(err, session.ErrVersionConflict) {
					return &gateway.DomainError{Code: "session_save_failed", SessionID: sessionID, Err: err}
				}
				o.recordTransition(next.ID, next.Status)
			}
		}
	}

	return o.ack(conn, msg.ID)
}

// handleModelSwitch changes the model for subsequent turns. The persisted
// session is untouched.
func (o *Orchestrator) handleModelSwitch(_ context.Context, conn *gateway.Connection, msg *protocol.Message) error {
	cctx, err := o.contextFor(conn)
	if err != nil {
		return err
	}

	var payload protocol.ModelSwitchPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return &gateway.DomainError{Code: "invalid_payload", Err: err}
	}

	cctx.SetModel(payload.Model)
	o.logger.Info().
		Str("conversation_id", cctx.ConversationID).
		Str("model", payload.Model).
		Msg("Model switched")

	config := protocol.MustNewMessage(protocol.TypeConversationConfig, protocol.ConversationConfigPayload{
		ConversationID: cctx.ConversationID,
		Model:          payload.Model,
	})
	return conn.Send(config)
}

// handleSessionStart begins an agent-initiated session and kicks off its
// first proactive run.
func (o *Orchestrator) handleSessionStart(ctx context.Context, conn *gateway.Connection, msg *protocol.Message) error {
	cctx, err := o.contextFor(conn)
	if err != nil {
		return err
	}

	var payload protocol.SessionStartPayload
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&payload); err != nil {
			return &gateway.DomainError{Code: "invalid_payload", Err: err}
		}
	}

	sessionType := payload.SessionType
	if sessionType == "" {
		sessionType = "proactive"
	}
	return o.startSession(ctx, conn, cctx, sessionType, payload.DefinitionID)
}

// startSession creates and activates a session, then launches the proactive
// run on the context's run slot.
func (o *Orchestrator) startSession(ctx context.Context, conn *gateway.Connection, cctx *ConversationContext, sessionType, definitionID string) error {
	runCtx, ok := cctx.BeginRun(ctx)
	if !ok {
		return &gateway.DomainError{
			Code: "run_in_progress",
			Err:  fmt.Errorf("conversation %s already has a turn in flight", cctx.ConversationID),
		}
	}

	sess := session.New(uuid.NewString(), conn.UserID, cctx.ConversationID, sessionType)
	sess, _, err := sess.Start()
	if err != nil {
		cctx.EndRun()
		return &gateway.DomainError{Code: "session_create_failed", Err: err}
	}
	sess, err = o.deps.Sessions.Create(ctx, sess)
	if err != nil {
		cctx.EndRun()
		return &gateway.DomainError{Code: "session_create_failed", Err: err}
	}

	o.deps.Registry.BindSession(sess.ID, conn)
	cctx.BindSession(sess.ID)
	o.recordTransition(sess.ID, sess.Status)

	o.logger.Info().
		Str("session_id", sess.ID).
		Str("conversation_id", cctx.ConversationID).
		Str("type", sessionType).
		Str("definition_id", definitionID).
		Msg("Session started")

	go o.proactiveTurn(runCtx, conn, cctx, sess, definitionID)
	return nil
}

// proactiveTurn runs the agent without a triggering user message.
func (o *Orchestrator) proactiveTurn(ctx context.Context, conn *gateway.Connection, cctx *ConversationContext, sess session.Session, definitionID string) {
	defer cctx.EndRun()

	conn.TransitionTo(gateway.StateActive)
	defer conn.TransitionTo(gateway.StateOpen)

	history, err := o.deps.Transcripts.History(cctx.ConversationID)
	if err != nil {
		o.sendSessionError(conn, sess.ID, "transcript_read_failed", err)
		return
	}
	if len(history) == 0 && definitionID != "" {
		history = append(history, agent.Message{
			Role:    "user",
			Content: fmt.Sprintf("Begin the %q session.", definitionID),
		})
	}

	loop, err := o.buildLoop(cctx)
	if err != nil {
		o.sendSessionError(conn, sess.ID, "agent_config_invalid", err)
		return
	}

	start := time.Now()
	outcome, runErr := loop.Run(ctx, history, o.emitter(conn, cctx.ConversationID))
	o.finishSessionTurn(ctx, conn, cctx, sess, outcome, runErr, time.Since(start))
}

// ensureSession returns the context's session, creating and activating one
// when a reactive run suspends without a session in place.
func (o *Orchestrator) ensureSession(ctx context.Context, conn *gateway.Connection, cctx *ConversationContext, sessionType string) (session.Session, error) {
	if sessionID := cctx.SessionID(); sessionID != "" {
		return o.deps.Sessions.Get(ctx, sessionID)
	}

	sess := session.New(uuid.NewString(), conn.UserID, cctx.ConversationID, sessionType)
	sess, _, err := sess.Start()
	if err != nil {
		return session.Session{}, err
	}
	sess, err = o.deps.Sessions.Create(ctx, sess)
	if err != nil {
		return session.Session{}, err
	}

	o.deps.Registry.BindSession(sess.ID, conn)
	cctx.BindSession(sess.ID)
	o.recordTransition(sess.ID, sess.Status)
	return sess, nil
}

// buildLoop constructs the loop for one run, applying the context's model
// override.
func (o *Orchestrator) buildLoop(cctx *ConversationContext) (*agent.Loop, error) {
	cfg := o.agentConfig()
	if model := cctx.Model(); model != "" {
		cfg.Model = model
	}
	return agent.NewLoop(o.deps.Provider, o.deps.Executor, cfg, o.logger)
}

// emitter translates streamed agent events into data-plane envelopes. Only
// chunks and tool results flow from here; completion, suspension and errors
// are sent after their session effects are persisted.
func (o *Orchestrator) emitter(conn *gateway.Connection, conversationID string) agent.EmitFunc {
	index := 0
	return func(ev agent.Event) {
		switch ev.Type {
		case agent.EventContentChunk:
			chunk := protocol.MustNewMessage(protocol.TypeContentChunk, protocol.ContentChunkPayload{
				ConversationID: conversationID,
				Delta:          ev.Content,
				Index:          index,
			})
			index++
			if err := conn.Send(chunk); err != nil {
				o.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("Dropped content chunk")
			}

		case agent.EventToolResult:
			if ev.Result == nil {
				return
			}
			result := protocol.MustNewMessage(protocol.TypeToolResult, protocol.ToolResultPayload{
				ToolCallID: ev.Result.ToolCallID,
				ToolName:   ev.Result.ToolName,
				Success:    ev.Result.Success,
				Output:     ev.Result.Output,
				Error:      ev.Result.Error,
				ElapsedMs:  ev.Result.ElapsedMs,
			})
			if err := conn.Send(result); err != nil {
				o.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("Dropped tool result")
			}
		}
	}
}

func (o *Orchestrator) ack(conn *gateway.Connection, messageID string) error {
	ack := protocol.MustNewMessage(protocol.TypeMessageAck, protocol.MessageAckPayload{
		MessageID: messageID,
	})
	return conn.Send(ack)
}

// recordTransition feeds the metrics and the audit trail for one session
// state change.
func (o *Orchestrator) recordTransition(sessionID string, status session.Status) {
	observability.RecordSessionTransition(string(status))
	observability.RecordSessionAudit(sessionID, string(status), nil)
}

func (o *Orchestrator) sendSessionError(conn *gateway.Connection, sessionID, code string, err error) {
	o.logger.Warn().
		Err(err).
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Str("code", code).
		Msg("Run error reported to client")

	out := protocol.MustNewMessage(protocol.TypeSessionError, protocol.SessionErrorPayload{
		SessionID: sessionID,
		Code:      code,
		Message:   err.Error(),
	})
	if sendErr := conn.Send(out); sendErr != nil {
		o.logger.Error().Err(sendErr).Str("connection_id", conn.ID).Msg("Failed to send session error")
	}
}
