package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-topic-service/internal/subscriptions"
	"github.com/tinywideclouds/go-topic-service/pkg/instanceid"
	"github.com/tinywideclouds/go-topic-service/pkg/topics"
)

type TopicAPI struct {
	Coordinator *subscriptions.Coordinator
	Broadcaster topics.Broadcaster
	Logger      *slog.Logger
}

func NewTopicAPI(coordinator *subscriptions.Coordinator, broadcaster topics.Broadcaster, logger *slog.Logger) *TopicAPI {
	return &TopicAPI{
		Coordinator: coordinator,
		Broadcaster: broadcaster,
		Logger:      logger,
	}
}

// --- Wire Types ---

type MembershipRequest struct {
	Topics []string `json:"topics"`
	Tokens []string `json:"tokens"`
}

type TokensRequest struct {
	Tokens []string `json:"tokens"`
}

type ErrorView struct {
	Kind    instanceid.Kind `json:"kind"`
	Status  int             `json:"status,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message"`
}

type OutcomeView struct {
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
	Error  *ErrorView     `json:"error,omitempty"`
}

type MembershipResponse struct {
	Results map[string]OutcomeView `json:"results"`
	// LedgerSynced is false when the IID calls ran but recording them failed.
	LedgerSynced bool `json:"ledger_synced"`
}

type TokenResultView struct {
	Topics map[string]OutcomeView `json:"topics,omitempty"`
	Error  *ErrorView             `json:"error,omitempty"`
}

type UnsubscribeAllResponse struct {
	Results      map[string]TokenResultView `json:"results"`
	LedgerSynced bool                       `json:"ledger_synced"`
}

type TopicSubscriptionView struct {
	Topic   string     `json:"topic"`
	AddedAt *time.Time `json:"added_at,omitempty"`
}

type InstanceView struct {
	Token              string                  `json:"token"`
	Application        string                  `json:"application,omitempty"`
	ApplicationVersion string                  `json:"application_version,omitempty"`
	AuthorizedEntity   string                  `json:"authorized_entity,omitempty"`
	Platform           string                  `json:"platform,omitempty"`
	Topics             []TopicSubscriptionView `json:"topics"`
	Raw                map[string]any          `json:"raw"`
}

// --- Membership ---

func (api *TopicAPI) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := api.actorFromRequest(w, r)
	if !ok {
		return
	}

	ts, tokens, ok := api.decodeMembership(w, r)
	if !ok {
		return
	}

	outcomes, err := api.Coordinator.Subscribe(ctx, actor, ts, tokens)
	if err != nil {
		api.Logger.Error("Subscribe: ledger update failed", "err", err)
	}
	writeJSON(w, http.StatusOK, MembershipResponse{Results: outcomeViews(outcomes), LedgerSynced: err == nil})
}

func (api *TopicAPI) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := api.callerFromRequest(w, r); !ok {
		return
	}

	ts, tokens, ok := api.decodeMembership(w, r)
	if !ok {
		return
	}

	outcomes, err := api.Coordinator.Unsubscribe(ctx, ts, tokens)
	if err != nil {
		api.Logger.Error("Unsubscribe: ledger update failed", "err", err)
	}
	writeJSON(w, http.StatusOK, MembershipResponse{Results: outcomeViews(outcomes), LedgerSynced: err == nil})
}

func (api *TopicAPI) UnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := api.callerFromRequest(w, r); !ok {
		return
	}

	var req TokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	tokens, err := instanceid.NewRegistrationTokens(req.Tokens...)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := api.Coordinator.UnsubscribeAll(ctx, tokens)
	if err != nil {
		api.Logger.Error("UnsubscribeAll: ledger update failed", "err", err)
	}

	views := make(map[string]TokenResultView, len(results))
	for token, result := range results {
		if result.Err != nil {
			views[token] = TokenResultView{Error: errorView(result.Err)}
			continue
		}
		views[token] = TokenResultView{Topics: outcomeViews(result.Topics)}
	}
	writeJSON(w, http.StatusOK, UnsubscribeAllResponse{Results: views, LedgerSynced: err == nil})
}

// --- Lookups ---

func (api *TopicAPI) GetInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := api.callerFromRequest(w, r); !ok {
		return
	}

	token, err := instanceid.NewRegistrationToken(r.PathValue("token"))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	instance, err := api.Coordinator.Lookup(ctx, token)
	if err != nil {
		api.writeMessagingError(w, "GetInstance", err)
		return
	}
	writeJSON(w, http.StatusOK, instanceView(instance))
}

func (api *TopicAPI) RecordedTopics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := api.callerFromRequest(w, r); !ok {
		return
	}

	token := r.PathValue("token")
	if token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	recorded, err := api.Coordinator.RecordedTopics(ctx, token)
	if err != nil {
		api.Logger.Error("RecordedTopics: ledger read failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"topics": recorded})
}

// --- Broadcast ---

func (api *TopicAPI) Broadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := api.callerFromRequest(w, r); !ok {
		return
	}

	topic, err := instanceid.NewTopic(r.PathValue("topic"))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var msg topics.BroadcastMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if msg.Title == "" && msg.Body == "" && len(msg.Data) == 0 {
		response.WriteJSONError(w, http.StatusBadRequest, "empty message")
		return
	}

	id, err := api.Broadcaster.Broadcast(ctx, topic, msg)
	if err != nil {
		api.writeMessagingError(w, "Broadcast", err)
		return
	}
	api.Logger.Info("Broadcast: message accepted", "topic", topic.String(), "message_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id})
}

// --- Helpers ---

// callerFromRequest returns the authenticated caller. Tokens without a handle
// claim still carry a user ID.
func (api *TopicAPI) callerFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	if handle, ok := middleware.GetUserHandleFromContext(r.Context()); ok && handle != "" {
		return handle, true
	}
	if userID, ok := middleware.GetUserIDFromContext(r.Context()); ok && userID != "" {
		return userID, true
	}
	response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
	return "", false
}

// actorFromRequest is callerFromRequest for routes that record the caller in the ledger.
func (api *TopicAPI) actorFromRequest(w http.ResponseWriter, r *http.Request) (urn.URN, bool) {
	var anonymous urn.URN
	caller, ok := api.callerFromRequest(w, r)
	if !ok {
		return anonymous, false
	}
	actor, err := urn.Parse(caller)
	if err != nil {
		api.Logger.Warn("Rejecting request with unparseable caller", "caller", caller, "err", err)
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return anonymous, false
	}
	return actor, true
}

func (api *TopicAPI) decodeMembership(w http.ResponseWriter, r *http.Request) ([]instanceid.Topic, instanceid.RegistrationTokens, bool) {
	var req MembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return nil, instanceid.RegistrationTokens{}, false
	}
	if len(req.Topics) == 0 {
		response.WriteJSONError(w, http.StatusBadRequest, "missing topics")
		return nil, instanceid.RegistrationTokens{}, false
	}
	ts, err := instanceid.NewTopics(req.Topics...)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return nil, instanceid.RegistrationTokens{}, false
	}
	tokens, err := instanceid.NewRegistrationTokens(req.Tokens...)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return nil, instanceid.RegistrationTokens{}, false
	}
	return ts, tokens, true
}

func (api *TopicAPI) writeMessagingError(w http.ResponseWriter, op string, err error) {
	var me *instanceid.MessagingError
	if !errors.As(err, &me) {
		api.Logger.Error(op+": unexpected error", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := statusForKind(me.Kind)
	if status >= 500 {
		api.Logger.Error(op+": upstream failure", "kind", me.Kind, "status", me.StatusCode, "err", err)
	}
	writeJSON(w, status, map[string]*ErrorView{"error": errorView(me)})
}

func statusForKind(kind instanceid.Kind) int {
	switch kind {
	case instanceid.KindInvalidArgument:
		return http.StatusBadRequest
	case instanceid.KindNotFound:
		return http.StatusNotFound
	case instanceid.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case instanceid.KindUnavailable:
		return http.StatusServiceUnavailable
	case instanceid.KindAuthentication, instanceid.KindServerError, instanceid.KindAPIConnection:
		// Upstream credential and transport problems are ours, not the caller's.
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorView(me *instanceid.MessagingError) *ErrorView {
	return &ErrorView{Kind: me.Kind, Status: me.StatusCode, Reason: me.Reason, Message: me.Message}
}

func outcomeViews(outcomes instanceid.Outcomes) map[string]OutcomeView {
	views := make(map[string]OutcomeView, len(outcomes))
	for topic, o := range outcomes {
		if o.Succeeded() {
			views[topic] = OutcomeView{OK: true, Result: o.Payload()}
			continue
		}
		views[topic] = OutcomeView{Error: errorView(o.Err())}
	}
	return views
}

func instanceView(inst *instanceid.AppInstance) InstanceView {
	view := InstanceView{
		Token:              inst.RegistrationToken.String(),
		Application:        inst.Application,
		ApplicationVersion: inst.ApplicationVersion,
		AuthorizedEntity:   inst.AuthorizedEntity,
		Platform:           inst.Platform,
		Topics:             make([]TopicSubscriptionView, 0, len(inst.TopicSubscriptions)),
		Raw:                inst.Raw,
	}
	for _, s := range inst.TopicSubscriptions {
		sv := TopicSubscriptionView{Topic: s.Topic.String()}
		if !s.AddedAt.IsZero() {
			added := s.AddedAt
			sv.AddedAt = &added
		}
		view.Topics = append(view.Topics, sv)
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
