package httptransport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"chronicle/internal/audit"
	"chronicle/internal/catalog"
	"chronicle/internal/history"
	"chronicle/internal/registry/service"
	"chronicle/internal/registry/store"
	"chronicle/internal/temporal"
	"chronicle/pkg/platform/tx"
)

var (
	t1 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
)

type HandlerSuite struct {
	suite.Suite
	server *httptest.Server
}

func (s *HandlerSuite) SetupTest() {
	entities := store.NewEntityMemory()
	details := store.NewDetailMemory()
	auditor := audit.NewWriter(audit.NewInMemory())

	cat := catalog.NewInMemory()
	cat.SeedEntityTypes(
		catalog.EntityType{Code: "PERSON", Name: "Person", Active: true},
		catalog.EntityType{Code: "INSTITUTION", Name: "Institution", Active: true},
	)
	cat.SeedDetailTypes(catalog.DetailType{Code: "EMAIL", Name: "Email", Active: true})

	logger := slog.New(slog.DiscardHandler)
	runner := tx.NewMemoryRunner()
	registrySvc := service.New(entities, details, cat, auditor, runner, service.WithLogger(logger))
	temporalSvc := temporal.New(entities, details, auditor, runner, temporal.WithLogger(logger))
	composer := history.NewComposer(entities, details)

	router := NewRouter(
		NewEntityHandler(registrySvc, composer, auditor, logger),
		NewTemporalHandler(temporalSvc, auditor, logger),
	)
	s.server = httptest.NewServer(router)
	s.T().Cleanup(s.server.Close)
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) do(method, path string, body any) (*http.Response, map[string]any) {
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, s.server.URL+path, payload)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "alice")
	req.Header.Set("X-Request-Id", "req-http-test")

	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (s *HandlerSuite) createEntity() string {
	resp, body := s.do(http.MethodPost, "/entities", map[string]any{
		"display_name": "Ada Lovelace",
		"entity_type":  "person",
		"valid_from":   t1.Format(time.RFC3339),
		"details": []map[string]any{
			{"type": "email", "value": "ada@example.org"},
		},
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	return body["entity_uid"].(string)
}

func (s *HandlerSuite) TestCreateAndGet() {
	uid := s.createEntity()

	resp, body := s.do(http.MethodGet, "/entities/"+uid, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal("Ada Lovelace", body["display_name"])
	s.Equal("PERSON", body["entity_type"], "type codes are stored upper-cased")
	s.Equal(true, body["is_current"])
	s.Require().Len(body["details"], 1)
}

func (s *HandlerSuite) TestCreateValidation() {
	resp, body := s.do(http.MethodPost, "/entities", map[string]any{
		"display_name": "Ada",
		"entity_type":  "ROBOT",
	})
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation", body["error"])
	s.Equal("req-http-test", body["request_id"])
}

func (s *HandlerSuite) TestPatchReportsChanged() {
	uid := s.createEntity()

	resp, body := s.do(http.MethodPatch, "/entities/"+uid, map[string]any{
		"display_name": "Ada King",
		"at":           t2.Format(time.RFC3339),
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(true, body["changed"])
	s.Equal("Ada King", body["display_name"])

	resp, body = s.do(http.MethodPatch, "/entities/"+uid, map[string]any{
		"display_name": "ADA KING",
		"at":           t2.Add(time.Hour).Format(time.RFC3339),
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(false, body["changed"], "case-only patch is a no-op")
}

func (s *HandlerSuite) TestPatchOutOfOrder() {
	uid := s.createEntity()

	resp, body := s.do(http.MethodPatch, "/entities/"+uid, map[string]any{
		"display_name": "Ada King",
		"at":           t1.Add(-time.Hour).Format(time.RFC3339),
	})
	s.Require().Equal(http.StatusConflict, resp.StatusCode)
	s.Equal("out_of_order", body["error"])
}

func (s *HandlerSuite) TestGetUnknownEntity() {
	resp, body := s.do(http.MethodGet, "/entities/00000000-0000-0000-0000-000000000001", nil)
	s.Require().Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal("not_found", body["error"])

	resp, body = s.do(http.MethodGet, "/entities/not-a-uuid", nil)
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation", body["error"])
}

func (s *HandlerSuite) TestAsOf() {
	uid := s.createEntity()
	_, _ = s.do(http.MethodPatch, "/entities/"+uid, map[string]any{
		"display_name": "Ada King",
		"at":           t2.Format(time.RFC3339),
	})

	at := t1.Add(time.Hour).Format(time.RFC3339)
	resp, body := s.do(http.MethodGet, "/entities/"+uid+"/asof?at="+at, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal("Ada Lovelace", body["display_name"])
	s.Equal(false, body["is_current"])

	resp, body = s.do(http.MethodGet, "/entities/"+uid+"/asof", nil)
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation", body["error"], "at is required")
}

func (s *HandlerSuite) TestList() {
	s.createEntity()
	resp, _ := s.do(http.MethodPost, "/entities", map[string]any{
		"display_name": "Babbage Institute",
		"entity_type":  "INSTITUTION",
		"valid_from":   t1.Format(time.RFC3339),
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)

	resp, body := s.do(http.MethodGet, "/entities/?type=PERSON", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(1), body["total"])
	s.Require().Len(body["entities"], 1)
}

func (s *HandlerSuite) TestAuditTrailCarriesProvenance() {
	uid := s.createEntity()

	resp, body := s.do(http.MethodGet, "/entities/"+uid+"/audit", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]any)
	s.Require().Len(entries, 2, "entity insert plus one detail insert")

	first := entries[0].(map[string]any)
	s.Equal("alice", first["actor"])
	s.Equal("req-http-test", first["request_id"])
	s.NotEmpty(first["user_agent"])
}

func (s *HandlerSuite) TestHistoryEndpoint() {
	uid := s.createEntity()
	_, _ = s.do(http.MethodPatch, "/entities/"+uid, map[string]any{
		"display_name": "Ada King",
		"at":           t2.Format(time.RFC3339),
	})

	resp, body := s.do(http.MethodGet, "/entities/"+uid+"/history", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().Len(body["versions"], 3, "two entity versions plus one detail version")
}

func (s *HandlerSuite) TestDeleteEntity() {
	uid := s.createEntity()

	at := t2.Format(time.RFC3339)
	resp, _ := s.do(http.MethodDelete, "/entities/"+uid+"?at="+at, nil)
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/entities/"+uid, nil)
	s.Require().Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *HandlerSuite) TestSnapshotAndDiff() {
	uid := s.createEntity()
	_, _ = s.do(http.MethodPatch, "/entities/"+uid, map[string]any{
		"display_name": "Ada King",
		"at":           t2.Format(time.RFC3339),
	})

	asOf := t1.Add(time.Hour).Format(time.RFC3339)
	resp, body := s.do(http.MethodGet, "/temporal/snapshot?as_of="+asOf, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().Len(body["entities"], 1)

	from := t1.Add(time.Hour).Format(time.RFC3339)
	to := t2.Add(time.Hour).Format(time.RFC3339)
	for _, source := range []string{"", "&source=audit"} {
		resp, body = s.do(http.MethodGet, fmt.Sprintf("/temporal/diff?from=%s&to=%s%s", from, to, source), nil)
		s.Require().Equal(http.StatusOK, resp.StatusCode)
		s.Require().Len(body["entities"], 1)
	}

	resp, body = s.do(http.MethodGet, fmt.Sprintf("/temporal/diff?from=%s&to=%s", to, from), nil)
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation", body["error"], "from must precede to")
}

func (s *HandlerSuite) TestActivity() {
	s.createEntity()

	resp, body := s.do(http.MethodGet, "/audit/activity?actor=alice", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().Len(body["entries"], 2)

	resp, body = s.do(http.MethodGet, "/audit/activity", nil)
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation", body["error"])
}

func TestHealthz(t *testing.T) {
	router := NewRouter()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
