// Package orchestrator drives one end-to-end request: verify the caller,
// resolve a session, route, decompose, dispatch in parallel, combine, and
// persist the conversation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/auth"
	"github.com/agentmesh/agentmesh/internal/dispatch"
	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/session"
)

// NoAgentMessage is the fixed reply when no agent can serve the query. It is
// produced without any model call.
const NoAgentMessage = "No agent is currently available to handle this request. Please try again later or rephrase your query."

// DefaultRequestTimeout bounds one request end to end.
const DefaultRequestTimeout = 60 * time.Second

// DefaultActivityWindow is the session resumption window.
const DefaultActivityWindow = 24 * time.Hour

var (
	// ErrSessionNotOwned marks a session id supplied by a different user.
	ErrSessionNotOwned = errors.New("session does not belong to caller")
	// ErrSessionClosed marks a completed session supplied for resumption.
	ErrSessionClosed = errors.New("session is completed")
	// ErrAllAgentsFailed means no dispatched agent produced a response.
	ErrAllAgentsFailed = errors.New("all selected agents failed")
)

type routeEngine interface {
	Route(ctx context.Context, query, sessionID string, tagFilter []string) ([]router.Selection, error)
}

type queryDecomposer interface {
	Decompose(ctx context.Context, query, userID string, selected []*model.AgentRecord) (map[string]string, error)
}

type sessionStore interface {
	CreateSession(ctx context.Context, userID string, metadata map[string]string) (string, error)
	GetSession(ctx context.Context, id string) (*session.Detail, error)
	ActiveSessionForUser(ctx context.Context, userID string, window time.Duration) (string, error)
	AppendMessage(ctx context.Context, id string, role session.Role, content string) (int, error)
	RecordInvocation(ctx context.Context, inv session.Invocation) error
}

// Options tune the orchestrator.
type Options struct {
	RequestTimeout time.Duration // zero means DefaultRequestTimeout
	ActivityWindow time.Duration // zero means DefaultActivityWindow
}

// Reply is the outcome of one handled request.
type Reply struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// Orchestrator wires the request pipeline.
type Orchestrator struct {
	verifier   auth.Verifier
	sessions   sessionStore
	router     routeEngine
	decomposer queryDecomposer
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     *zap.Logger
}

// New creates an Orchestrator.
func New(verifier auth.Verifier, sessions sessionStore, route routeEngine, dec queryDecomposer, disp *dispatch.Dispatcher, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ActivityWindow <= 0 {
		opts.ActivityWindow = DefaultActivityWindow
	}
	return &Orchestrator{
		verifier:   verifier,
		sessions:   sessions,
		router:     route,
		decomposer: dec,
		dispatcher: disp,
		opts:       opts,
		logger:     logger,
	}
}

type dispatchOutcome struct {
	name     string
	score    float64
	subQuery string
	result   dispatch.Result
}

// Handle runs the pipeline for one request. sessionID is optional; when
// empty the caller's most recent active session inside the activity window
// is resumed, else a new session is created.
func (o *Orchestrator) Handle(ctx context.Context, query, bearer, sessionID string) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()

	claims, err := o.verifier.Verify(ctx, bearer)
	if err != nil {
		return nil, err
	}

	sid, err := o.resolveSession(ctx, claims.UserID, sessionID)
	if err != nil {
		return nil, err
	}

	// The user message lands before any dispatch so session ordering holds
	// even if the request is cancelled mid-flight.
	if _, err := o.sessions.AppendMessage(ctx, sid, session.RoleUser, query); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	selected, err := o.router.Route(ctx, query, sid, nil)
	if err != nil {
		return nil, fmt.Errorf("route query: %w", err)
	}
	if len(selected) == 0 {
		if _, err := o.sessions.AppendMessage(ctx, sid, session.RoleAssistant, NoAgentMessage); err != nil {
			return nil, fmt.Errorf("append assistant message: %w", err)
		}
		return &Reply{Response: NoAgentMessage, SessionID: sid}, nil
	}

	records := make([]*model.AgentRecord, len(selected))
	for i, s := range selected {
		records[i] = s.Record
	}

	subQueries, err := o.decomposer.Decompose(ctx, query, claims.UserID, records)
	if err != nil {
		return nil, fmt.Errorf("decompose query: %w", err)
	}

	outcomes := o.dispatchAll(ctx, sid, bearer, selected, subQueries)

	combined, anySuccess := combine(outcomes)
	if !anySuccess {
		return nil, ErrAllAgentsFailed
	}

	if _, err := o.sessions.AppendMessage(ctx, sid, session.RoleAssistant, combined); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	return &Reply{Response: combined, SessionID: sid}, nil
}

func (o *Orchestrator) resolveSession(ctx context.Context, userID, sessionID string) (string, error) {
	if sessionID != "" {
		detail, err := o.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if detail.Session.UserID != userID {
			return "", ErrSessionNotOwned
		}
		if detail.Session.Status == session.StatusCompleted {
			return "", ErrSessionClosed
		}
		return sessionID, nil
	}

	sid, err := o.sessions.ActiveSessionForUser(ctx, userID, o.opts.ActivityWindow)
	if err != nil {
		return "", fmt.Errorf("look up active session: %w", err)
	}
	if sid != "" {
		return sid, nil
	}
	return o.sessions.CreateSession(ctx, userID, nil)
}

// dispatchAll invokes every selected agent concurrently, records each
// invocation, and returns outcomes in selection (score) order.
func (o *Orchestrator) dispatchAll(ctx context.Context, sid, bearer string, selected []router.Selection, subQueries map[string]string) []dispatchOutcome {
	outcomes := make([]dispatchOutcome, len(selected))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, sel := range selected {
		i, sel := i, sel
		sub := subQueries[sel.Record.Name]
		g.Go(func() error {
			correlationID := uuid.NewString()
			res := o.invokeOne(gctx, sel.Record, sub, bearer, correlationID)

			inv := session.Invocation{
				SessionID:    sid,
				AgentName:    sel.Record.Name,
				Query:        sub,
				Response:     res.Response,
				Success:      res.Success,
				ErrorMessage: res.ErrorMessage,
				DurationMS:   res.DurationMS,
				Timestamp:    time.Now().UTC(),
			}
			// Recording uses a fresh context so a cancelled request still
			// leaves its completed invocations on record.
			recordCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := o.sessions.RecordInvocation(recordCtx, inv); err != nil {
				o.logger.Error("record invocation failed",
					zap.String("session_id", sid),
					zap.String("agent", sel.Record.Name),
					zap.Error(err))
			}

			mu.Lock()
			outcomes[i] = dispatchOutcome{
				name:     sel.Record.Name,
				score:    sel.Score,
				subQuery: sub,
				result:   res,
			}
			mu.Unlock()
			return nil
		})
	}
	// Goroutines never return errors; per-agent failures live in outcomes.
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) invokeOne(ctx context.Context, rec *model.AgentRecord, subQuery, bearer, correlationID string) dispatch.Result {
	if err := ctx.Err(); err != nil {
		return dispatch.Result{Success: false, ErrorMessage: "cancelled"}
	}
	inv, err := o.dispatcher.InvokerFor(rec)
	if err != nil {
		o.logger.Error("no invoker for selected agent",
			zap.String("agent", rec.Name),
			zap.Error(err))
		return dispatch.Result{Success: false, ErrorMessage: "agent unavailable"}
	}
	return o.dispatcher.Run(ctx, inv, subQuery, bearer, correlationID)
}

// combine renders the final response. A single agent's text passes through
// unmodified; multiple agents get one section each in score order. Failed
// agents contribute a fixed annotation, never raw error detail.
func combine(outcomes []dispatchOutcome) (string, bool) {
	anySuccess := false
	for _, oc := range outcomes {
		if oc.result.Success {
			anySuccess = true
			break
		}
	}

	if len(outcomes) == 1 {
		oc := outcomes[0]
		if oc.result.Success {
			return oc.result.Response, true
		}
		return "", false
	}

	var b strings.Builder
	for i, oc := range outcomes {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n", oc.name)
		if oc.result.Success {
			b.WriteString(oc.result.Response)
		} else {
			fmt.Fprintf(&b, "%s could not complete this request (%s).", oc.name, annotation(oc.result.ErrorMessage))
		}
	}
	return b.String(), anySuccess
}

// annotation keeps only the short caller-safe failure labels produced by
// the dispatch layer.
func annotation(msg string) string {
	switch msg {
	case "timeout", "cancelled", "agent busy", "agent unavailable", "agent unreachable", "agent error":
		return msg
	default:
		return "unavailable"
	}
}
