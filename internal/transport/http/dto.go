package httptransport

import (
	"fmt"
	"time"

	"chronicle/internal/audit"
	"chronicle/internal/registry"
	"chronicle/internal/registry/service"
	"chronicle/pkg/platform/sentinel"
)

type detailPayload struct {
	Type      string     `json:"type"`
	Value     string     `json:"value"`
	ValidFrom *time.Time `json:"valid_from,omitempty"`
}

type createEntityRequest struct {
	DisplayName string          `json:"display_name"`
	EntityType  string          `json:"entity_type"`
	ValidFrom   *time.Time      `json:"valid_from,omitempty"`
	Details     []detailPayload `json:"details,omitempty"`
}

type patchEntityRequest struct {
	DisplayName *string         `json:"display_name,omitempty"`
	EntityType  *string         `json:"entity_type,omitempty"`
	Details     []detailPayload `json:"details,omitempty"`
	At          *time.Time      `json:"at,omitempty"`
}

type detailResponse struct {
	Type      string     `json:"type"`
	Value     string     `json:"value"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
	IsCurrent bool       `json:"is_current"`
}

type entityResponse struct {
	EntityUID   string           `json:"entity_uid"`
	DisplayName string           `json:"display_name"`
	EntityType  string           `json:"entity_type"`
	ValidFrom   time.Time        `json:"valid_from"`
	ValidTo     *time.Time       `json:"valid_to,omitempty"`
	IsCurrent   bool             `json:"is_current"`
	Details     []detailResponse `json:"details,omitempty"`
}

type updateEntityResponse struct {
	entityResponse
	Changed bool `json:"changed"`
}

type listEntitiesResponse struct {
	Entities []entityResponse `json:"entities"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

type auditEntryResponse struct {
	AuditID    string            `json:"audit_id"`
	Actor      string            `json:"actor"`
	Timestamp  time.Time         `json:"timestamp"`
	EntityUID  string            `json:"entity_uid"`
	Table      string            `json:"table"`
	Operation  string            `json:"operation"`
	DetailCode string            `json:"detail_code,omitempty"`
	Before     map[string]string `json:"before,omitempty"`
	After      map[string]string `json:"after,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
}

func toDetailInputs(payloads []detailPayload) []service.DetailInput {
	if payloads == nil {
		return nil
	}
	inputs := make([]service.DetailInput, 0, len(payloads))
	for _, p := range payloads {
		inputs = append(inputs, service.DetailInput{
			TypeCode:  p.Type,
			Value:     p.Value,
			ValidFrom: p.ValidFrom,
		})
	}
	return inputs
}

func toEntityResponse(e registry.Entity, details []registry.EntityDetail) entityResponse {
	resp := entityResponse{
		EntityUID:   e.EntityUID.String(),
		DisplayName: e.DisplayName,
		EntityType:  e.TypeCode,
		ValidFrom:   e.ValidFrom,
		ValidTo:     e.ValidTo,
		IsCurrent:   e.IsCurrent,
	}
	for _, d := range details {
		resp.Details = append(resp.Details, detailResponse{
			Type:      d.TypeCode,
			Value:     d.Value,
			ValidFrom: d.ValidFrom,
			ValidTo:   d.ValidTo,
			IsCurrent: d.IsCurrent,
		})
	}
	return resp
}

func toAuditResponses(entries []audit.Entry) []auditEntryResponse {
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			AuditID:    e.AuditID.String(),
			Actor:      e.Actor,
			Timestamp:  e.Timestamp,
			EntityUID:  e.EntityUID.String(),
			Table:      string(e.Table),
			Operation:  string(e.Operation),
			DetailCode: e.DetailCode,
			Before:     e.Before,
			After:      e.After,
			RequestID:  e.RequestID,
			IPAddress:  e.IPAddress,
			UserAgent:  e.UserAgent,
		})
	}
	return out
}

// parseInstant reads an RFC 3339 timestamp query parameter, normalized to
// UTC. Required parameters reject the empty string.
func parseInstant(name, raw string, required bool) (*time.Time, error) {
	if raw == "" {
		if required {
			return nil, fmt.Errorf("query parameter %q is required: %w", name, sentinel.ErrValidation)
		}
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("query parameter %q must be RFC 3339: %w", name, sentinel.ErrValidation)
	}
	utc := t.UTC()
	return &utc, nil
}
