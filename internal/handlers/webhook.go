// Package handlers terminates inbound HTTP: the Bitrix outbound-event
// webhook, the manual trigger, and liveness.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"cleanreport/internal/adapters/bitrix"
	"cleanreport/internal/models"
	"cleanreport/internal/services"
)

type admission interface {
	Begin(dealID int) bool
}

type stageResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

type dealReader interface {
	GetDeal(ctx context.Context, dealID int) (*bitrix.Deal, error)
}

type folderLinkSaver interface {
	Save(folderID, dealID int) error
}

type pipelineRunner interface {
	Process(ctx context.Context, dealID, folderID int) (*services.RunOutcome, error)
}

// WebhookHandler validates and normalizes inbound notifications and hands
// accepted deals to the pipeline.
type WebhookHandler struct {
	guard           admission
	resolver        stageResolver
	crm             dealReader
	links           folderLinkSaver
	pipeline        pipelineRunner
	appToken        string
	targetStageName string

	// launch starts a pipeline run after the request is acknowledged;
	// overridden in tests to run synchronously.
	launch func(dealID, folderID int)
}

// NewWebhookHandler wires the ingress dependencies. links may be nil when no
// folder registry is configured.
func NewWebhookHandler(
	guard admission,
	resolver stageResolver,
	crm dealReader,
	links folderLinkSaver,
	pipeline pipelineRunner,
	appToken string,
	targetStageName string,
) *WebhookHandler {
	h := &WebhookHandler{
		guard:           guard,
		resolver:        resolver,
		crm:             crm,
		links:           links,
		pipeline:        pipeline,
		appToken:        appToken,
		targetStageName: targetStageName,
	}
	h.launch = func(dealID, folderID int) {
		go func() {
			if _, err := pipeline.Process(context.Background(), dealID, folderID); err != nil {
				log.Error().Err(err).Int("dealID", dealID).Msg("Pipeline run failed")
			}
		}()
	}
	return h
}

// DealUpdate handles POST /webhook/deal_update, the Bitrix
// ONCRMDEALUPDATE outbound event.
func (h *WebhookHandler) DealUpdate(w http.ResponseWriter, r *http.Request) {
	event, err := parseDealUpdate(r)
	if err != nil {
		log.Warn().Err(err).Msg("Rejected malformed deal_update payload")
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "malformed payload"})
		return
	}

	if h.appToken == "" || event.Token != h.appToken {
		log.Warn().Int("dealID", event.DealID).Msg("Rejected deal_update with invalid application token")
		respondJSON(w, http.StatusForbidden, map[string]interface{}{"error": "invalid token"})
		return
	}

	targetStage, err := h.resolver.Resolve(r.Context(), h.targetStageName)
	if err != nil {
		log.Error().Err(err).Msg("Target stage resolution failed")
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
		return
	}

	stage := event.StageID
	if stage == "" {
		// The legacy form-encoded shape carries only the deal id.
		deal, err := h.crm.GetDeal(r.Context(), event.DealID)
		if err != nil {
			log.Error().Err(err).Int("dealID", event.DealID).Msg("Deal read for stage check failed")
			respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
			return
		}
		stage = deal.StageID()
	}

	if stage != targetStage {
		log.Debug().Int("dealID", event.DealID).Str("stage", stage).Msg("Deal not in target stage, ignoring")
		respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ignored", "deal_id": event.DealID})
		return
	}

	if !h.guard.Begin(event.DealID) {
		log.Info().Int("dealID", event.DealID).Msg("Duplicate delivery inside dedup window, skipping")
		respondJSON(w, http.StatusOK, map[string]interface{}{"status": "skipped", "deal_id": event.DealID})
		return
	}

	h.launch(event.DealID, 0)
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "deal_id": event.DealID})
}

// RegisterFolder handles POST /webhook/register_folder, the manual trigger
// that binds a Disk folder to a deal and runs the pipeline without stage
// checks.
func (h *WebhookHandler) RegisterFolder(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DealID   int `json:"deal_id"`
		FolderID int `json:"folder_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.DealID == 0 || payload.FolderID == 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "missing deal_id or folder_id"})
		return
	}

	if h.links != nil {
		if err := h.links.Save(payload.FolderID, payload.DealID); err != nil {
			log.Error().Err(err).Int("dealID", payload.DealID).Int("folderID", payload.FolderID).Msg("Failed to persist folder link")
		}
	}

	log.Info().Int("dealID", payload.DealID).Int("folderID", payload.FolderID).Msg("Manual folder registration received")
	h.launch(payload.DealID, payload.FolderID)
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "deal_id": payload.DealID})
}

// Health handles GET /health.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

type webhookEnvelope struct {
	Event string          `json:"event"`
	Data  webhookData     `json:"data"`
	Auth  json.RawMessage `json:"auth"`
}

type webhookData struct {
	Fields struct {
		ID      bitrix.FlexInt `json:"ID"`
		StageID string         `json:"STAGE_ID"`
	} `json:"FIELDS"`
}

type webhookAuth struct {
	ApplicationToken string `json:"application_token"`
}

// parseDealUpdate normalizes the two observed wire shapes into one event:
// a plain JSON object, or a form body whose data/auth values hold escaped
// JSON (with a bracketed-key variant of the latter).
func parseDealUpdate(r *http.Request) (models.StageChangeEvent, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return parseJSONBody(r)
	}
	return parseFormBody(r)
}

func parseJSONBody(r *http.Request) (models.StageChangeEvent, error) {
	var envelope webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		return models.StageChangeEvent{}, fmt.Errorf("invalid JSON body: %w", err)
	}

	var auth webhookAuth
	if len(envelope.Auth) > 0 {
		if err := json.Unmarshal(envelope.Auth, &auth); err != nil {
			return models.StageChangeEvent{}, fmt.Errorf("invalid auth object: %w", err)
		}
	}

	event := models.StageChangeEvent{
		DealID:  int(envelope.Data.Fields.ID),
		StageID: envelope.Data.Fields.StageID,
		Token:   auth.ApplicationToken,
	}
	if event.DealID == 0 {
		return models.StageChangeEvent{}, fmt.Errorf("payload carries no deal id")
	}
	return event, nil
}

func parseFormBody(r *http.Request) (models.StageChangeEvent, error) {
	if err := r.ParseForm(); err != nil {
		return models.StageChangeEvent{}, fmt.Errorf("invalid form body: %w", err)
	}

	var event models.StageChangeEvent

	if data := r.PostFormValue("data"); data != "" {
		var fields webhookData
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return models.StageChangeEvent{}, fmt.Errorf("invalid data field: %w", err)
		}
		event.DealID = int(fields.Fields.ID)
		event.StageID = fields.Fields.StageID
	} else {
		id, err := bitrixFormInt(r, "data[FIELDS][ID]")
		if err != nil {
			return models.StageChangeEvent{}, err
		}
		event.DealID = id
		event.StageID = r.PostFormValue("data[FIELDS][STAGE_ID]")
	}

	if auth := r.PostFormValue("auth"); auth != "" {
		var parsed webhookAuth
		if err := json.Unmarshal([]byte(auth), &parsed); err != nil {
			return models.StageChangeEvent{}, fmt.Errorf("invalid auth field: %w", err)
		}
		event.Token = parsed.ApplicationToken
	} else {
		event.Token = r.PostFormValue("auth[application_token]")
	}

	if event.DealID == 0 {
		return models.StageChangeEvent{}, fmt.Errorf("payload carries no deal id")
	}
	return event, nil
}

func bitrixFormInt(r *http.Request, key string) (int, error) {
	raw := r.PostFormValue(key)
	if raw == "" {
		return 0, fmt.Errorf("missing form field %s", key)
	}
	var id bitrix.FlexInt
	if err := id.UnmarshalJSON([]byte(raw)); err != nil {
		return 0, fmt.Errorf("invalid form field %s: %w", key, err)
	}
	return int(id), nil
}

func respondJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to write response body")
	}
}
