// Package service implements the entity and detail domain logic on top of
// the generic version engine: create, patch with detail reconciliation,
// soft delete, and the current/as-of read paths. Every mutation runs in one
// transaction together with its audit rows.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"chronicle/internal/audit"
	"chronicle/internal/catalog"
	"chronicle/internal/platform/metrics"
	"chronicle/internal/registry"
	"chronicle/internal/registry/store"
	"chronicle/internal/scd2"
	"chronicle/pkg/platform/sentinel"
	"chronicle/pkg/platform/tx"
)

// DetailInput is one detail supplied by a create or patch request. A nil
// ValidFrom inherits the operation's instant.
type DetailInput struct {
	TypeCode  string
	Value     string
	ValidFrom *time.Time
}

// CreateInput carries everything needed to open the first version of an
// entity and its initial details.
type CreateInput struct {
	DisplayName string
	TypeCode    string
	ValidFrom   *time.Time
	Details     []DetailInput
}

// Patch is a partial update. Nil pointer fields keep their current value.
// Details lists only the detail types the caller wants to set; detail types
// not mentioned carry forward untouched.
type Patch struct {
	DisplayName *string
	TypeCode    *string
	Details     []DetailInput
}

// EntityView pairs one entity version with the detail versions valid at the
// same instant.
type EntityView struct {
	Entity  registry.Entity
	Details []registry.EntityDetail
}

// Service is the write and read surface for entities. It owns two engine
// instances, one per versioned table, and records audit entries through the
// writer inside the engine transaction.
type Service struct {
	entities store.EntityStore
	details  store.DetailStore
	entity   *scd2.Engine[uuid.UUID, registry.Entity]
	detail   *scd2.Engine[registry.DetailKey, registry.EntityDetail]
	catalog  catalog.Store
	auditor  *audit.Writer
	runner   tx.Runner

	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
	events  chan<- audit.Entry
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the wall clock used when a request supplies no
// timestamp.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithAuditEvents installs a channel that receives every committed audit
// entry. Sends are non-blocking; a full channel drops the event, the
// transactional audit row remains the source of truth.
func WithAuditEvents(events chan<- audit.Entry) Option {
	return func(s *Service) { s.events = events }
}

func New(
	entities store.EntityStore,
	details store.DetailStore,
	cat catalog.Store,
	auditor *audit.Writer,
	runner tx.Runner,
	opts ...Option,
) *Service {
	s := &Service{
		entities: entities,
		details:  details,
		entity:   scd2.NewEngine[uuid.UUID, registry.Entity](entities, runner),
		detail:   scd2.NewEngine[registry.DetailKey, registry.EntityDetail](details, runner),
		catalog:  cat,
		auditor:  auditor,
		runner:   runner,
		logger:   slog.Default(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEntity opens the first version of a new entity plus one version per
// supplied detail, all in one transaction, with one INSERT audit row per
// inserted row.
func (s *Service) CreateEntity(ctx context.Context, input CreateInput, meta audit.Meta) (EntityView, error) {
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		return EntityView{}, fmt.Errorf("display_name is required: %w", sentinel.ErrValidation)
	}
	typeCode, err := s.resolveEntityType(ctx, input.TypeCode)
	if err != nil {
		return EntityView{}, err
	}
	detailInputs, err := s.resolveDetails(ctx, input.Details)
	if err != nil {
		return EntityView{}, err
	}

	at := s.at(input.ValidFrom)
	uid := uuid.New()

	var view EntityView
	var entries []audit.Entry

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		entity, _, err := s.entity.Transition(ctx, uid, at,
			func(current *registry.Entity) (registry.Entity, error) {
				if current != nil {
					return registry.Entity{}, fmt.Errorf("entity %s already exists: %w", uid, sentinel.ErrConflict)
				}
				return registry.Entity{
					EntityUID:   uid,
					DisplayName: displayName,
					TypeCode:    typeCode,
					Hash:        registry.EntityHash(displayName, typeCode),
					ValidFrom:   at,
					IsCurrent:   true,
				}, nil
			},
			func(ctx context.Context, _ *registry.Entity, after registry.Entity) error {
				entry, err := s.auditor.Record(ctx, audit.Entry{
					Actor:     meta.Actor,
					Timestamp: at,
					EntityUID: uid,
					Table:     audit.TableEntity,
					Operation: audit.OpInsert,
					After:     entityFields(after),
					RequestID: meta.RequestID,
					IPAddress: meta.IPAddress,
					UserAgent: meta.UserAgent,
				})
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			},
		)
		if err != nil {
			return err
		}
		s.countOpened(audit.TableEntity)
		view.Entity = entity

		for _, in := range detailInputs {
			detailAt := at
			if in.ValidFrom != nil {
				detailAt = in.ValidFrom.UTC()
			}
			key := registry.DetailKey{EntityUID: uid, TypeCode: in.TypeCode}
			detail, _, err := s.detail.Transition(ctx, key, detailAt,
				func(current *registry.EntityDetail) (registry.EntityDetail, error) {
					if current != nil {
						return registry.EntityDetail{}, fmt.Errorf("detail %s already exists: %w", in.TypeCode, sentinel.ErrConflict)
					}
					return registry.EntityDetail{
						EntityUID: uid,
						TypeCode:  in.TypeCode,
						Value:     in.Value,
						Hash:      registry.DetailHash(in.Value, in.TypeCode),
						ValidFrom: detailAt,
						IsCurrent: true,
					}, nil
				},
				func(ctx context.Context, _ *registry.EntityDetail, after registry.EntityDetail) error {
					entry, err := s.auditor.Record(ctx, audit.Entry{
						Actor:      meta.Actor,
						Timestamp:  detailAt,
						EntityUID:  uid,
						Table:      audit.TableDetail,
						Operation:  audit.OpInsert,
						DetailCode: after.TypeCode,
						After:      detailFields(after),
						RequestID:  meta.RequestID,
						IPAddress:  meta.IPAddress,
						UserAgent:  meta.UserAgent,
					})
					if err != nil {
						return err
					}
					entries = append(entries, entry)
					return nil
				},
			)
			if err != nil {
				return err
			}
			s.countOpened(audit.TableDetail)
			view.Details = append(view.Details, detail)
		}
		return nil
	})
	if err != nil {
		s.countError(audit.TableEntity, err)
		return EntityView{}, err
	}

	s.publish(entries)
	s.logger.Info("entity created",
		"entity_uid", uid,
		"entity_type", typeCode,
		"details", len(view.Details),
		"actor", meta.Actor,
	)
	return view, nil
}

// UpdateEntity merges the patch over the current version and reconciles the
// supplied details. Detail types the patch does not mention are left
// untouched. Returns changed=false when nothing transitioned; in that case
// no row and no audit entry is written.
func (s *Service) UpdateEntity(ctx context.Context, uid uuid.UUID, patch Patch, at *time.Time, meta audit.Meta) (EntityView, bool, error) {
	if patch.DisplayName != nil && strings.TrimSpace(*patch.DisplayName) == "" {
		return EntityView{}, false, fmt.Errorf("display_name cannot be blank: %w", sentinel.ErrValidation)
	}
	var typeCode string
	if patch.TypeCode != nil {
		resolved, err := s.resolveEntityType(ctx, *patch.TypeCode)
		if err != nil {
			return EntityView{}, false, err
		}
		typeCode = resolved
	}
	detailInputs, err := s.resolveDetails(ctx, patch.Details)
	if err != nil {
		return EntityView{}, false, err
	}

	instant := s.at(at)

	var (
		view    EntityView
		changed bool
		entries []audit.Entry
	)

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		entity, entityChanged, err := s.entity.Transition(ctx, uid, instant,
			func(current *registry.Entity) (registry.Entity, error) {
				if current == nil {
					return registry.Entity{}, fmt.Errorf("entity %s: %w", uid, sentinel.ErrNotFound)
				}
				next := registry.Entity{
					EntityUID:   uid,
					DisplayName: current.DisplayName,
					TypeCode:    current.TypeCode,
					ValidFrom:   instant,
					IsCurrent:   true,
				}
				if patch.DisplayName != nil {
					next.DisplayName = strings.TrimSpace(*patch.DisplayName)
				}
				if patch.TypeCode != nil {
					next.TypeCode = typeCode
				}
				next.Hash = registry.EntityHash(next.DisplayName, next.TypeCode)
				return next, nil
			},
			func(ctx context.Context, before *registry.Entity, after registry.Entity) error {
				beforeFields, afterFields := changedEntityFields(*before, after)
				entry, err := s.auditor.Record(ctx, audit.Entry{
					Actor:     meta.Actor,
					Timestamp: instant,
					EntityUID: uid,
					Table:     audit.TableEntity,
					Operation: audit.OpUpdate,
					Before:    beforeFields,
					After:     afterFields,
					RequestID: meta.RequestID,
					IPAddress: meta.IPAddress,
					UserAgent: meta.UserAgent,
				})
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			},
		)
		if err != nil {
			return err
		}
		view.Entity = entity
		if entityChanged {
			s.countClosed(audit.TableEntity)
			s.countOpened(audit.TableEntity)
			changed = true
		} else {
			s.countNoop(audit.TableEntity)
		}

		for _, in := range detailInputs {
			detailAt := instant
			if in.ValidFrom != nil {
				detailAt = in.ValidFrom.UTC()
			}
			key := registry.DetailKey{EntityUID: uid, TypeCode: in.TypeCode}
			_, detailChanged, err := s.detail.Transition(ctx, key, detailAt,
				func(current *registry.EntityDetail) (registry.EntityDetail, error) {
					return registry.EntityDetail{
						EntityUID: uid,
						TypeCode:  in.TypeCode,
						Value:     in.Value,
						Hash:      registry.DetailHash(in.Value, in.TypeCode),
						ValidFrom: detailAt,
						IsCurrent: true,
					}, nil
				},
				func(ctx context.Context, before *registry.EntityDetail, after registry.EntityDetail) error {
					op := audit.OpUpdate
					var beforeFields map[string]string
					if before == nil {
						op = audit.OpInsert
					} else {
						beforeFields = detailFields(*before)
					}
					entry, err := s.auditor.Record(ctx, audit.Entry{
						Actor:      meta.Actor,
						Timestamp:  detailAt,
						EntityUID:  uid,
						Table:      audit.TableDetail,
						Operation:  op,
						DetailCode: after.TypeCode,
						Before:     beforeFields,
						After:      detailFields(after),
						RequestID:  meta.RequestID,
						IPAddress:  meta.IPAddress,
						UserAgent:  meta.UserAgent,
					})
					if err != nil {
						return err
					}
					entries = append(entries, entry)
					return nil
				},
			)
			if err != nil {
				return err
			}
			if detailChanged {
				s.countClosed(audit.TableDetail)
				s.countOpened(audit.TableDetail)
				changed = true
			} else {
				s.countNoop(audit.TableDetail)
			}
		}

		// Unmentioned details carry forward; read the set valid now so the
		// response reflects the post-patch state.
		current, err := s.details.CurrentForEntity(ctx, uid)
		if err != nil {
			return fmt.Errorf("load current details: %w", err)
		}
		view.Details = current
		return nil
	})
	if err != nil {
		s.countError(audit.TableEntity, err)
		return EntityView{}, false, err
	}

	s.publish(entries)
	if changed {
		s.logger.Info("entity updated", "entity_uid", uid, "actor", meta.Actor)
	} else {
		s.logger.Debug("entity update suppressed, content unchanged", "entity_uid", uid)
	}
	return view, changed, nil
}

// DeleteEntity closes the current entity version and every current detail
// version at the given instant without opening successors. One DELETE audit
// row per closed row, after=null.
func (s *Service) DeleteEntity(ctx context.Context, uid uuid.UUID, at *time.Time, meta audit.Meta) error {
	instant := s.at(at)

	var entries []audit.Entry

	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		_, err := s.entity.Terminate(ctx, uid, instant,
			func(ctx context.Context, closed registry.Entity) error {
				entry, err := s.auditor.Record(ctx, audit.Entry{
					Actor:     meta.Actor,
					Timestamp: instant,
					EntityUID: uid,
					Table:     audit.TableEntity,
					Operation: audit.OpDelete,
					Before:    entityFields(closed),
					RequestID: meta.RequestID,
					IPAddress: meta.IPAddress,
					UserAgent: meta.UserAgent,
				})
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			},
		)
		if err != nil {
			return err
		}
		s.countClosed(audit.TableEntity)

		current, err := s.details.CurrentForEntity(ctx, uid)
		if err != nil {
			return fmt.Errorf("load current details: %w", err)
		}
		for _, d := range current {
			_, err := s.detail.Terminate(ctx, d.Key(), instant,
				func(ctx context.Context, closed registry.EntityDetail) error {
					entry, err := s.auditor.Record(ctx, audit.Entry{
						Actor:      meta.Actor,
						Timestamp:  instant,
						EntityUID:  uid,
						Table:      audit.TableDetail,
						Operation:  audit.OpDelete,
						DetailCode: closed.TypeCode,
						Before:     detailFields(closed),
						RequestID:  meta.RequestID,
						IPAddress:  meta.IPAddress,
						UserAgent:  meta.UserAgent,
					})
					if err != nil {
						return err
					}
					entries = append(entries, entry)
					return nil
				},
			)
			if err != nil {
				return err
			}
			s.countClosed(audit.TableDetail)
		}
		return nil
	})
	if err != nil {
		s.countError(audit.TableEntity, err)
		return err
	}

	s.publish(entries)
	s.logger.Info("entity deleted", "entity_uid", uid, "actor", meta.Actor)
	return nil
}

// DeleteDetail closes the current version of one detail type at the given
// instant without opening a successor.
func (s *Service) DeleteDetail(ctx context.Context, uid uuid.UUID, typeCode string, at *time.Time, meta audit.Meta) error {
	code := strings.ToUpper(strings.TrimSpace(typeCode))
	if code == "" {
		return fmt.Errorf("detail_type is required: %w", sentinel.ErrValidation)
	}
	instant := s.at(at)

	var entries []audit.Entry

	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		key := registry.DetailKey{EntityUID: uid, TypeCode: code}
		_, err := s.detail.Terminate(ctx, key, instant,
			func(ctx context.Context, closed registry.EntityDetail) error {
				entry, err := s.auditor.Record(ctx, audit.Entry{
					Actor:      meta.Actor,
					Timestamp:  instant,
					EntityUID:  uid,
					Table:      audit.TableDetail,
					Operation:  audit.OpDelete,
					DetailCode: closed.TypeCode,
					Before:     detailFields(closed),
					RequestID:  meta.RequestID,
					IPAddress:  meta.IPAddress,
					UserAgent:  meta.UserAgent,
				})
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			},
		)
		if err != nil {
			return err
		}
		s.countClosed(audit.TableDetail)
		return nil
	})
	if err != nil {
		s.countError(audit.TableDetail, err)
		return err
	}

	s.publish(entries)
	s.logger.Info("detail deleted", "entity_uid", uid, "detail_type", code, "actor", meta.Actor)
	return nil
}

// GetCurrent returns the open entity version with its open details.
func (s *Service) GetCurrent(ctx context.Context, uid uuid.UUID) (EntityView, error) {
	entity, err := s.entity.GetCurrent(ctx, uid)
	if err != nil {
		return EntityView{}, fmt.Errorf("entity %s: %w", uid, err)
	}
	details, err := s.details.CurrentForEntity(ctx, uid)
	if err != nil {
		return EntityView{}, fmt.Errorf("details for %s: %w", uid, err)
	}
	return EntityView{Entity: entity, Details: details}, nil
}

// GetAsOf returns the entity version valid at the given instant together
// with the detail versions valid at the same instant. Details are selected
// independently of the entity version.
func (s *Service) GetAsOf(ctx context.Context, uid uuid.UUID, at time.Time) (EntityView, error) {
	entity, err := s.entity.GetAsOf(ctx, uid, at)
	if err != nil {
		return EntityView{}, fmt.Errorf("entity %s as of %s: %w", uid, at.Format(time.RFC3339), err)
	}
	details, err := s.details.ForEntityAsOf(ctx, uid, at)
	if err != nil {
		return EntityView{}, fmt.Errorf("details for %s as of %s: %w", uid, at.Format(time.RFC3339), err)
	}
	return EntityView{Entity: entity, Details: details}, nil
}

// List returns the current entities matching the filter, ordered by display
// name, plus the total match count before pagination.
func (s *Service) List(ctx context.Context, filter store.ListFilter) ([]registry.Entity, int, error) {
	filter.TypeCode = strings.ToUpper(strings.TrimSpace(filter.TypeCode))
	return s.entities.ListCurrent(ctx, filter)
}

func (s *Service) at(t *time.Time) time.Time {
	if t != nil {
		return t.UTC()
	}
	return s.clock().UTC()
}

func (s *Service) resolveEntityType(ctx context.Context, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", fmt.Errorf("entity_type is required: %w", sentinel.ErrValidation)
	}
	et, err := s.catalog.EntityType(ctx, code)
	if errors.Is(err, sentinel.ErrNotFound) {
		return "", fmt.Errorf("unknown entity_type %q: %w", code, sentinel.ErrValidation)
	}
	if err != nil {
		return "", fmt.Errorf("look up entity_type %q: %w", code, err)
	}
	if !et.Active {
		return "", fmt.Errorf("entity_type %q is inactive: %w", code, sentinel.ErrValidation)
	}
	return et.Code, nil
}

func (s *Service) resolveDetails(ctx context.Context, inputs []DetailInput) ([]DetailInput, error) {
	resolved := make([]DetailInput, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		code := strings.ToUpper(strings.TrimSpace(in.TypeCode))
		if code == "" {
			return nil, fmt.Errorf("detail_type is required: %w", sentinel.ErrValidation)
		}
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("detail_type %q supplied twice: %w", code, sentinel.ErrValidation)
		}
		seen[code] = struct{}{}
		dt, err := s.catalog.DetailType(ctx, code)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, fmt.Errorf("unknown detail_type %q: %w", code, sentinel.ErrValidation)
		}
		if err != nil {
			return nil, fmt.Errorf("look up detail_type %q: %w", code, err)
		}
		if !dt.Active {
			return nil, fmt.Errorf("detail_type %q is inactive: %w", code, sentinel.ErrValidation)
		}
		if strings.TrimSpace(in.Value) == "" {
			return nil, fmt.Errorf("detail %q value is required: %w", code, sentinel.ErrValidation)
		}
		resolved = append(resolved, DetailInput{
			TypeCode:  dt.Code,
			Value:     strings.TrimSpace(in.Value),
			ValidFrom: in.ValidFrom,
		})
	}
	return resolved, nil
}

func (s *Service) publish(entries []audit.Entry) {
	if s.events == nil {
		return
	}
	for _, entry := range entries {
		select {
		case s.events <- entry:
		default:
			s.logger.Warn("audit event channel full, dropping event", "audit_id", entry.AuditID)
		}
	}
}

func (s *Service) countOpened(table audit.Table) {
	if s.metrics != nil {
		s.metrics.VersionsOpened.WithLabelValues(string(table)).Inc()
	}
}

func (s *Service) countClosed(table audit.Table) {
	if s.metrics != nil {
		s.metrics.VersionsClosed.WithLabelValues(string(table)).Inc()
	}
}

func (s *Service) countNoop(table audit.Table) {
	if s.metrics != nil {
		s.metrics.NoopUpdates.WithLabelValues(string(table)).Inc()
	}
}

func (s *Service) countError(table audit.Table, err error) {
	if s.metrics == nil {
		return
	}
	kind := "internal"
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, sentinel.ErrOutOfOrder):
		kind = "out_of_order"
	case errors.Is(err, sentinel.ErrConcurrentModification):
		kind = "concurrent_modification"
	case errors.Is(err, sentinel.ErrValidation):
		kind = "validation"
	case errors.Is(err, sentinel.ErrConflict):
		kind = "conflict"
	}
	s.metrics.TransitionErrors.WithLabelValues(string(table), kind).Inc()
}

func entityFields(e registry.Entity) map[string]string {
	return map[string]string{
		"display_name": e.DisplayName,
		"entity_type":  e.TypeCode,
	}
}

func detailFields(d registry.EntityDetail) map[string]string {
	return map[string]string{"detail_value": d.Value}
}

func changedEntityFields(before, after registry.Entity) (map[string]string, map[string]string) {
	b := make(map[string]string)
	a := make(map[string]string)
	if before.DisplayName != after.DisplayName {
		b["display_name"] = before.DisplayName
		a["display_name"] = after.DisplayName
	}
	if before.TypeCode != after.TypeCode {
		b["entity_type"] = before.TypeCode
		a["entity_type"] = after.TypeCode
	}
	return b, a
}
