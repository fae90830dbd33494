// Package httpapi exposes the pipeline over HTTP: task dispatch, direct
// model calls, usage reports from external agents, the live observability
// stream, persisted event history, and the status webhook. Transport concerns
// stop here; everything behind the handlers speaks fault kinds, which this
// package maps to HTTP status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/stewardhq/steward/runtime/artifact"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/dispatch"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/gateway"
	"github.com/stewardhq/steward/runtime/model"
	"github.com/stewardhq/steward/runtime/obs"
	"github.com/stewardhq/steward/runtime/telemetry"
)

// maxBodyBytes bounds request bodies across all JSON endpoints.
const maxBodyBytes = 1 << 20

type (
	// Authenticator extracts the authenticated subject from a request. Token
	// verification lives behind this interface; the server only needs the
	// subject to cross-check against the capsule user.
	Authenticator interface {
		// Authenticate returns the authenticated subject or an error that
		// classifies as fault.KindUnauthorized.
		Authenticate(r *http.Request) (string, error)
	}

	// AuthenticatorFunc adapts a function to the Authenticator interface.
	AuthenticatorFunc func(r *http.Request) (string, error)

	// Server hosts the HTTP surface. Construct with New and mount Handler on
	// an http.Server.
	Server struct {
		dispatcher *dispatch.Dispatcher
		gw         *gateway.Gateway
		bus        *obs.Bus
		artifacts  *artifact.Service
		auth       Authenticator
		logger     telemetry.Logger
		metrics    telemetry.Metrics
	}

	// Option configures a Server.
	Option func(*Server)
)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

// WithArtifacts wires the artifact service so the status webhook can close
// tasks reported terminal by external agents.
func WithArtifacts(svc *artifact.Service) Option {
	return func(s *Server) { s.artifacts = svc }
}

// WithServerLogger sets the server logger.
func WithServerLogger(l telemetry.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithServerMetrics sets the server metrics recorder.
func WithServerMetrics(m telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New constructs a Server. Dispatcher, gateway, bus, and authenticator are
// required.
func New(d *dispatch.Dispatcher, gw *gateway.Gateway, bus *obs.Bus, auth Authenticator, opts ...Option) (*Server, error) {
	if d == nil {
		return nil, errors.New("httpapi: dispatcher is required")
	}
	if gw == nil {
		return nil, errors.New("httpapi: gateway is required")
	}
	if bus == nil {
		return nil, errors.New("httpapi: observability bus is required")
	}
	if auth == nil {
		return nil, errors.New("httpapi: authenticator is required")
	}
	s := &Server{
		dispatcher: d,
		gw:         gw,
		bus:        bus,
		auth:       auth,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/{org}/{agent}/tasks", s.handleDispatch)
	mux.HandleFunc("POST /llm/generate", s.handleGenerate)
	mux.HandleFunc("POST /llm/usage", s.handleUsage)
	mux.HandleFunc("GET /observability/stream", s.handleStream)
	mux.HandleFunc("GET /observability/history", s.handleHistory)
	mux.HandleFunc("POST /webhooks/status", s.handleStatusWebhook)
	return mux
}

// handleDispatch runs one task dispatch. The path names the agent; it must
// agree with the capsule so a request cannot address one agent and bill
// another.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	subject, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindUnauthorized, err))
		return
	}

	var req dispatch.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Capsule != nil {
		if org, agent := r.PathValue("org"), r.PathValue("agent"); org != req.Capsule.OrgSlug || agent != req.Capsule.AgentSlug {
			s.writeError(w, r, fault.New(fault.KindBadRequest,
				"path addresses %s/%s but capsule names %s/%s", org, agent, req.Capsule.OrgSlug, req.Capsule.AgentSlug))
			return
		}
	}

	env := s.dispatcher.Dispatch(r.Context(), &req, subject)
	status := http.StatusOK
	if env.Error != nil {
		status = fault.HTTPStatus(fault.Kind(env.Error.Kind))
	}
	s.writeJSON(w, r, status, env)
}

type (
	generateRequest struct {
		Context     *capsule.Capsule `json:"context"`
		System      string           `json:"system,omitempty"`
		Prompt      string           `json:"prompt"`
		Provider    string           `json:"provider,omitempty"`
		Model       string           `json:"model,omitempty"`
		Temperature *float64         `json:"temperature,omitempty"`
		MaxTokens   int              `json:"maxTokens,omitempty"`
	}

	generateResponse struct {
		Content     string           `json:"content"`
		Provider    string           `json:"provider"`
		Model       string           `json:"model"`
		Usage       model.TokenUsage `json:"usage"`
		CostCents   int64            `json:"costCents"`
		PIIDegraded bool             `json:"piiDegraded,omitempty"`
	}
)

// handleGenerate runs one model call through the gateway without opening a
// task. Used by trusted internal callers that manage their own lifecycle.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	subject, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindUnauthorized, err))
		return
	}
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caps, err := capsule.Accept(req.Context, subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.gw.Generate(r.Context(), caps, req.System, req.Prompt, gateway.Options{
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, &generateResponse{
		Content:     res.Content,
		Provider:    res.Provider,
		Model:       res.Model,
		Usage:       res.Usage,
		CostCents:   res.CostCents,
		PIIDegraded: res.PIIDegraded,
	})
}

type usageReport struct {
	Context    *capsule.Capsule `json:"context"`
	Provider   string           `json:"provider"`
	Model      string           `json:"model"`
	Usage      model.TokenUsage `json:"usage"`
	DurationMS int64            `json:"durationMs,omitempty"`
	CallerName string           `json:"callerName,omitempty"`
	Status     string           `json:"status,omitempty"`
}

// handleUsage accounts a model call an external agent made with its own
// provider credentials. The report is priced and batched with gateway usage.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	subject, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindUnauthorized, err))
		return
	}
	var rep usageReport
	if err := decodeJSON(w, r, &rep); err != nil {
		s.writeError(w, r, err)
		return
	}
	caps, err := capsule.Accept(rep.Context, subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rep.Provider == "" || rep.Model == "" {
		s.writeError(w, r, fault.New(fault.KindBadRequest, "provider and model are required"))
		return
	}
	s.gw.RecordUsage(caps, gateway.Report{
		Provider:   rep.Provider,
		Model:      rep.Model,
		Usage:      rep.Usage,
		Duration:   time.Duration(rep.DurationMS) * time.Millisecond,
		CallerName: rep.CallerName,
		Status:     rep.Status,
	})
	w.WriteHeader(http.StatusAccepted)
}

// handleHistory reads persisted events from the durable sink.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r); err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindUnauthorized, err))
		return
	}
	q := r.URL.Query()
	var since, until time.Time
	var err error
	if v := q.Get("since"); v != "" {
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, r, fault.New(fault.KindBadRequest, "invalid since: %s", err.Error()))
			return
		}
	}
	if v := q.Get("until"); v != "" {
		if until, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, r, fault.New(fault.KindBadRequest, "invalid until: %s", err.Error()))
			return
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, r, fault.New(fault.KindBadRequest, "invalid limit %q", v))
			return
		}
	}

	events, err := s.bus.History(r.Context(), since, until, limit)
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindInternal, err))
		return
	}
	if events == nil {
		events = []*obs.Event{}
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

type statusWebhook struct {
	Context  *capsule.Capsule `json:"context"`
	Source   string           `json:"source,omitempty"`
	Status   string           `json:"status"`
	Message  string           `json:"message,omitempty"`
	Progress *int             `json:"progress,omitempty"`
	Payload  map[string]any   `json:"payload,omitempty"`
}

// handleStatusWebhook accepts progress and status callbacks from external
// agents working on a dispatched task. The caller is the agent, not the end
// user, so the subject is not matched against the capsule; the bearer token
// still has to authenticate.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r); err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindUnauthorized, err))
		return
	}
	var hook statusWebhook
	if err := decodeJSON(w, r, &hook); err != nil {
		s.writeError(w, r, err)
		return
	}
	if hook.Context == nil || hook.Context.TaskID == capsule.NIL || hook.Context.ConversationID == capsule.NIL {
		s.writeError(w, r, fault.New(fault.KindBadRequest, "capsule with taskId and conversationId is required"))
		return
	}
	status := artifact.TaskStatus(hook.Status)
	switch status {
	case artifact.TaskRunning, artifact.TaskSucceeded, artifact.TaskFailed, artifact.TaskCancelled:
	default:
		s.writeError(w, r, fault.New(fault.KindBadRequest, "unknown status %q", hook.Status))
		return
	}

	snap := hook.Context.Snapshot()
	s.bus.Push(&obs.Event{
		Capsule:   snap,
		SourceApp: hook.Source,
		EventType: "task.status",
		Status:    hook.Status,
		Message:   hook.Message,
		Progress:  hook.Progress,
		Payload:   hook.Payload,
	})

	if status.Terminal() && s.artifacts != nil {
		var failure error
		if status == artifact.TaskFailed && hook.Message != "" {
			failure = fault.New(fault.KindUpstreamFailure, "%s", hook.Message)
		}
		if err := s.artifacts.FinishTask(r.Context(), hook.Context, status, failure); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// errorBody is the JSON error shape shared by every endpoint.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err.Error())
	}
	s.metrics.IncCounter("httpapi.errors", 1)

	var body errorBody
	body.Error.Kind = string(kind)
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Error.Message = fe.Message
	} else {
		body.Error.Message = err.Error()
	}
	s.writeJSON(w, r, status, &body)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug(r.Context(), "response write failed", "error", err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fault.New(fault.KindBadRequest, "invalid request body: %s", err.Error())
	}
	return nil
}
