package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanreport/internal/adapters/bitrix"
	"cleanreport/internal/dedup"
	"cleanreport/internal/services"
)

const testToken = "test-token"

type fakeResolver struct{ code string }

func (f fakeResolver) Resolve(context.Context, string) (string, error) { return f.code, nil }

type fakeDealReader struct{ stage string }

func (f fakeDealReader) GetDeal(context.Context, int) (*bitrix.Deal, error) {
	return &bitrix.Deal{Fields: map[string]interface{}{"STAGE_ID": f.stage}}, nil
}

type fakePipeline struct {
	mu   sync.Mutex
	runs [][2]int
}

func (f *fakePipeline) Process(_ context.Context, dealID, folderID int) (*services.RunOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, [2]int{dealID, folderID})
	return &services.RunOutcome{DealID: dealID}, nil
}

func (f *fakePipeline) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeLinkSaver struct {
	saved [][2]int // folderID, dealID
}

func (f *fakeLinkSaver) Save(folderID, dealID int) error {
	f.saved = append(f.saved, [2]int{folderID, dealID})
	return nil
}

func newTestHandler() (*WebhookHandler, *fakePipeline, *fakeLinkSaver) {
	pipeline := &fakePipeline{}
	links := &fakeLinkSaver{}
	h := NewWebhookHandler(
		dedup.NewGuard(30*time.Second),
		fakeResolver{code: "C8:FINISHED"},
		fakeDealReader{stage: "C8:FINISHED"},
		links,
		pipeline,
		testToken,
		"Уборка завершена",
	)
	// Run the pipeline synchronously so tests can assert on it.
	h.launch = func(dealID, folderID int) {
		pipeline.Process(context.Background(), dealID, folderID)
	}
	return h, pipeline, links
}

func jsonBody(dealID int, stageID, token string) *strings.Reader {
	return strings.NewReader(fmt.Sprintf(
		`{"event": "ONCRMDEALUPDATE", "data": {"FIELDS": {"ID": "%d", "STAGE_ID": "%s"}}, "auth": {"application_token": "%s"}}`,
		dealID, stageID, token))
}

func postJSON(h *WebhookHandler, body *strings.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/deal_update", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.DealUpdate(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestDealUpdateJSONShapeAccepted(t *testing.T) {
	h, pipeline, _ := newTestHandler()

	w := postJSON(h, jsonBody(555, "C8:FINISHED", testToken))

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeResponse(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(555), body["deal_id"])
	assert.Equal(t, 1, pipeline.count())
}

func TestDealUpdateFormShapeAccepted(t *testing.T) {
	h, pipeline, _ := newTestHandler()

	form := url.Values{}
	form.Set("data", `{"FIELDS": {"ID": "999", "STAGE_ID": "C8:FINISHED"}}`)
	form.Set("auth", fmt.Sprintf(`{"application_token": "%s"}`, testToken))

	req := httptest.NewRequest(http.MethodPost, "/webhook/deal_update", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.DealUpdate(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeResponse(t, w)["status"])
	assert.Equal(t, 1, pipeline.count())
}

func TestDealUpdateBracketedFormShapeAccepted(t *testing.T) {
	h, pipeline, _ := newTestHandler()

	form := url.Values{}
	form.Set("data[FIELDS][ID]", "777")
	form.Set("auth[application_token]", testToken)

	req := httptest.NewRequest(http.MethodPost, "/webhook/deal_update", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.DealUpdate(w, req)

	// This shape carries no stage, so the handler reads the deal to check it.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeResponse(t, w)["status"])
	assert.Equal(t, 1, pipeline.count())
}

func TestDealUpdateInvalidTokenRejected(t *testing.T) {
	h, pipeline, _ := newTestHandler()

	w := postJSON(h, jsonBody(555, "C8:FINISHED", "wrong-token"))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, pipeline.count())
}

func TestDealUpdateMalformedBodyRejected(t *testing.T) {
	h, pipeline, _ := newTestHandler()

	w := postJSON(h, strings.NewReader("{not json"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, pipeline.count())
}

func TestDealUpdateMissingDealIDRejected(t *testing.T) {
	h, pipeline, _ := newTestHandler()

	w := postJSON(h, strings.NewReader(fmt.Sprintf(`{"auth": {"application_token": "%s"}}`, testToken)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, pipeline.count())
}

func TestDealUpdateWrongStageIgnored(t *testing.T) {
	h, pipeline, _ := newTestHandler()

	w := postJSON(h, jsonBody(555, "C8:NEW", testToken))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeResponse(t, w)["status"])
	assert.Zero(t, pipeline.count())
}

func TestDealUpdateDuplicateInsideWindowSkipped(t *testing.T) {
	h, pipeline, _ := newTestHandler()

	first := postJSON(h, jsonBody(555, "C8:FINISHED", testToken))
	second := postJSON(h, jsonBody(555, "C8:FINISHED", testToken))

	assert.Equal(t, "ok", decodeResponse(t, first)["status"])
	body := decodeResponse(t, second)
	assert.Equal(t, "skipped", body["status"])
	assert.Equal(t, float64(555), body["deal_id"])
	assert.Equal(t, 1, pipeline.count())
}

func TestRegisterFolderTriggersPipelineAndSavesLink(t *testing.T) {
	h, pipeline, links := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/webhook/register_folder",
		strings.NewReader(`{"deal_id": 11720, "folder_id": 198874}`))
	w := httptest.NewRecorder()
	h.RegisterFolder(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeResponse(t, w)["status"])
	require.Equal(t, 1, pipeline.count())
	assert.Equal(t, [2]int{11720, 198874}, pipeline.runs[0])
	require.Len(t, links.saved, 1)
	assert.Equal(t, [2]int{198874, 11720}, links.saved[0])
}

func TestRegisterFolderMissingFieldsRejected(t *testing.T) {
	h, pipeline, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/webhook/register_folder",
		strings.NewReader(`{"deal_id": 11720}`))
	w := httptest.NewRecorder()
	h.RegisterFolder(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, pipeline.count())
}

func TestRouterRecoversPanics(t *testing.T) {
	h, _, _ := newTestHandler()
	h.launch = func(int, int) { panic("boom") }
	router := NewRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/webhook/deal_update", jsonBody(555, "C8:FINISHED", testToken))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler()
	router := NewRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
