// Package temporal answers point-in-time and range questions: what did the
// world look like at t, and what changed between two instants. The
// snapshot-based diff is the canonical answer; the audit-replay diff is a
// cheaper alternative that must produce the same result.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"chronicle/internal/audit"
	"chronicle/internal/registry"
	"chronicle/internal/registry/store"
	"chronicle/pkg/platform/sentinel"
	"chronicle/pkg/platform/tx"
)

// EntitySnapshot is one entity as it was at a single instant: the entity
// version covering the instant plus the detail versions covering it.
type EntitySnapshot struct {
	Entity  registry.Entity
	Details []registry.EntityDetail
}

// ChangeKind classifies one observed difference between two instants.
type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeDeleted       ChangeKind = "deleted"
	ChangeField         ChangeKind = "field_changed"
	ChangeDetail        ChangeKind = "detail_changed"
	ChangeDetailAdded   ChangeKind = "detail_added"
	ChangeDetailRemoved ChangeKind = "detail_removed"
)

// Change is one difference. Field is set for field_changed, DetailCode for
// the detail kinds. From/To are empty on the absent side.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Field      string     `json:"field,omitempty"`
	DetailCode string     `json:"detail_code,omitempty"`
	From       string     `json:"from,omitempty"`
	To         string     `json:"to,omitempty"`
}

// EntityDiff groups the changes of one logical entity. Changes are ordered
// lifecycle first, then display_name, then entity_type, then detail codes
// ascending.
type EntityDiff struct {
	EntityUID uuid.UUID `json:"entity_uid"`
	Changes   []Change  `json:"changes"`
}

// Diff is the full answer for a time range, entities ordered by uid.
type Diff struct {
	From     time.Time    `json:"from"`
	To       time.Time    `json:"to"`
	Entities []EntityDiff `json:"entities"`
}

// Service reads the version stores. It never writes.
type Service struct {
	entities store.EntityStore
	details  store.DetailStore
	auditor  *audit.Writer
	runner   tx.Runner
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(entities store.EntityStore, details store.DetailStore, auditor *audit.Writer, runner tx.Runner, opts ...Option) *Service {
	s := &Service{
		entities: entities,
		details:  details,
		auditor:  auditor,
		runner:   runner,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SnapshotAt reconstructs every entity that existed at the given instant.
// Entity and detail versions are selected independently; a logical key with
// no version covering the instant is absent. Both reads share one
// consistent view so a concurrent transition cannot split them.
func (s *Service) SnapshotAt(ctx context.Context, at time.Time) ([]EntitySnapshot, error) {
	var (
		entities []registry.Entity
		details  []registry.EntityDetail
	)
	err := s.runner.RunInReadTx(ctx, func(ctx context.Context) error {
		var err error
		entities, err = s.entities.AllAsOf(ctx, at)
		if err != nil {
			return fmt.Errorf("entities as of %s: %w", at.Format(time.RFC3339), err)
		}
		details, err = s.details.AllAsOf(ctx, at)
		if err != nil {
			return fmt.Errorf("details as of %s: %w", at.Format(time.RFC3339), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	byEntity := make(map[uuid.UUID][]registry.EntityDetail)
	for _, d := range details {
		byEntity[d.EntityUID] = append(byEntity[d.EntityUID], d)
	}

	out := make([]EntitySnapshot, 0, len(entities))
	for _, e := range entities {
		ds := byEntity[e.EntityUID]
		sort.Slice(ds, func(i, j int) bool { return ds[i].TypeCode < ds[j].TypeCode })
		out = append(out, EntitySnapshot{Entity: e, Details: ds})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Entity.EntityUID.String() < out[j].Entity.EntityUID.String()
	})
	return out, nil
}

// DiffRange compares the snapshots at from and to. This is the canonical
// diff.
func (s *Service) DiffRange(ctx context.Context, from, to time.Time) (Diff, error) {
	if err := validateRange(from, to); err != nil {
		return Diff{}, err
	}
	before, err := s.SnapshotAt(ctx, from)
	if err != nil {
		return Diff{}, err
	}
	after, err := s.SnapshotAt(ctx, to)
	if err != nil {
		return Diff{}, err
	}
	return Diff{
		From:     from,
		To:       to,
		Entities: diffStates(stateOf(before), stateOf(after)),
	}, nil
}

// DiffEntity is DiffRange restricted to one logical key. An entity absent
// on both sides yields sentinel.ErrNotFound.
func (s *Service) DiffEntity(ctx context.Context, uid uuid.UUID, from, to time.Time) (EntityDiff, error) {
	if err := validateRange(from, to); err != nil {
		return EntityDiff{}, err
	}

	before, err := s.entityStateAt(ctx, uid, from)
	if err != nil {
		return EntityDiff{}, err
	}
	after, err := s.entityStateAt(ctx, uid, to)
	if err != nil {
		return EntityDiff{}, err
	}
	if before == nil && after == nil {
		return EntityDiff{}, fmt.Errorf("entity %s in [%s, %s]: %w",
			uid, from.Format(time.RFC3339), to.Format(time.RFC3339), sentinel.ErrNotFound)
	}

	a := worldState{}
	b := worldState{}
	if before != nil {
		a[uid] = before
	}
	if after != nil {
		b[uid] = after
	}
	diffs := diffStates(a, b)
	if len(diffs) == 0 {
		return EntityDiff{EntityUID: uid}, nil
	}
	return diffs[0], nil
}

// DiffFromAudit computes the same diff by replaying audit entries over the
// starting snapshot instead of reading a second snapshot. Cheaper when the
// range is short and the world is large.
func (s *Service) DiffFromAudit(ctx context.Context, from, to time.Time) (Diff, error) {
	if err := validateRange(from, to); err != nil {
		return Diff{}, err
	}
	snapshot, err := s.SnapshotAt(ctx, from)
	if err != nil {
		return Diff{}, err
	}
	entries, err := s.auditor.ListBetween(ctx, from, to)
	if err != nil {
		return Diff{}, fmt.Errorf("audit entries in range: %w", err)
	}

	before := stateOf(snapshot)
	after := before.clone()
	for _, entry := range entries {
		after.apply(entry)
	}
	return Diff{From: from, To: to, Entities: diffStates(before, after)}, nil
}

func (s *Service) entityStateAt(ctx context.Context, uid uuid.UUID, at time.Time) (*entityState, error) {
	var state *entityState
	err := s.runner.RunInReadTx(ctx, func(ctx context.Context) error {
		entity, err := s.entities.FindAsOf(ctx, uid, at)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("entity %s as of %s: %w", uid, at.Format(time.RFC3339), err)
		}
		details, err := s.details.ForEntityAsOf(ctx, uid, at)
		if err != nil {
			return fmt.Errorf("details for %s as of %s: %w", uid, at.Format(time.RFC3339), err)
		}
		state = &entityState{
			name:     entity.DisplayName,
			typeCode: entity.TypeCode,
			details:  make(map[string]string, len(details)),
		}
		for _, d := range details {
			state.details[d.TypeCode] = d.Value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func validateRange(from, to time.Time) error {
	if !from.Before(to) {
		return fmt.Errorf("range start %s must be before end %s: %w",
			from.Format(time.RFC3339), to.Format(time.RFC3339), sentinel.ErrValidation)
	}
	return nil
}

// entityState is the business content of one entity at one instant,
// stripped of version bookkeeping. Two states are comparable field by
// field.
type entityState struct {
	name     string
	typeCode string
	details  map[string]string
}

type worldState map[uuid.UUID]*entityState

func stateOf(snapshots []EntitySnapshot) worldState {
	world := make(worldState, len(snapshots))
	for _, snap := range snapshots {
		state := &entityState{
			name:     snap.Entity.DisplayName,
			typeCode: snap.Entity.TypeCode,
			details:  make(map[string]string, len(snap.Details)),
		}
		for _, d := range snap.Details {
			state.details[d.TypeCode] = d.Value
		}
		world[snap.Entity.EntityUID] = state
	}
	return world
}

func (w worldState) clone() worldState {
	out := make(worldState, len(w))
	for uid, state := range w {
		details := make(map[string]string, len(state.details))
		for code, value := range state.details {
			details[code] = value
		}
		out[uid] = &entityState{name: state.name, typeCode: state.typeCode, details: details}
	}
	return out
}

// apply folds one audit entry into the state. UPDATE entries carry only the
// changed fields, so they merge over the existing state.
func (w worldState) apply(entry audit.Entry) {
	switch entry.Table {
	case audit.TableEntity:
		switch entry.Operation {
		case audit.OpInsert:
			w[entry.EntityUID] = &entityState{
				name:     entry.After["display_name"],
				typeCode: entry.After["entity_type"],
				details:  make(map[string]string),
			}
		case audit.OpUpdate:
			state, ok := w[entry.EntityUID]
			if !ok {
				return
			}
			if name, ok := entry.After["display_name"]; ok {
				state.name = name
			}
			if typeCode, ok := entry.After["entity_type"]; ok {
				state.typeCode = typeCode
			}
		case audit.OpDelete:
			delete(w, entry.EntityUID)
		}
	case audit.TableDetail:
		state, ok := w[entry.EntityUID]
		if !ok {
			return
		}
		switch entry.Operation {
		case audit.OpInsert, audit.OpUpdate:
			state.details[entry.DetailCode] = entry.After["detail_value"]
		case audit.OpDelete:
			delete(state.details, entry.DetailCode)
		}
	}
}

func diffStates(before, after worldState) []EntityDiff {
	uids := make([]uuid.UUID, 0, len(before)+len(after))
	seen := make(map[uuid.UUID]struct{}, len(before)+len(after))
	for uid := range before {
		uids = append(uids, uid)
		seen[uid] = struct{}{}
	}
	for uid := range after {
		if _, ok := seen[uid]; !ok {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i].String() < uids[j].String() })

	var out []EntityDiff
	for _, uid := range uids {
		changes := diffEntity(before[uid], after[uid])
		if len(changes) > 0 {
			out = append(out, EntityDiff{EntityUID: uid, Changes: changes})
		}
	}
	return out
}

func diffEntity(before, after *entityState) []Change {
	switch {
	case before == nil && after == nil:
		return nil
	case before == nil:
		changes := []Change{{Kind: ChangeCreated, To: after.name}}
		for _, code := range sortedCodes(after.details) {
			changes = append(changes, Change{Kind: ChangeDetailAdded, DetailCode: code, To: after.details[code]})
		}
		return changes
	case after == nil:
		changes := []Change{{Kind: ChangeDeleted, From: before.name}}
		for _, code := range sortedCodes(before.details) {
			changes = append(changes, Change{Kind: ChangeDetailRemoved, DetailCode: code, From: before.details[code]})
		}
		return changes
	}

	var changes []Change
	if before.name != after.name {
		changes = append(changes, Change{Kind: ChangeField, Field: "display_name", From: before.name, To: after.name})
	}
	if before.typeCode != after.typeCode {
		changes = append(changes, Change{Kind: ChangeField, Field: "entity_type", From: before.typeCode, To: after.typeCode})
	}

	codes := make(map[string]struct{}, len(before.details)+len(after.details))
	for code := range before.details {
		codes[code] = struct{}{}
	}
	for code := range after.details {
		codes[code] = struct{}{}
	}
	sorted := make([]string, 0, len(codes))
	for code := range codes {
		sorted = append(sorted, code)
	}
	sort.Strings(sorted)

	for _, code := range sorted {
		b, inBefore := before.details[code]
		a, inAfter := after.details[code]
		switch {
		case !inBefore:
			changes = append(changes, Change{Kind: ChangeDetailAdded, DetailCode: code, To: a})
		case !inAfter:
			changes = append(changes, Change{Kind: ChangeDetailRemoved, DetailCode: code, From: b})
		case b != a:
			changes = append(changes, Change{Kind: ChangeDetail, DetailCode: code, From: b, To: a})
		}
	}
	return changes
}

func sortedCodes(details map[string]string) []string {
	codes := make([]string, 0, len(details))
	for code := range details {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
