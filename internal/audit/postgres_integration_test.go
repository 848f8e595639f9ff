//go:build integration

package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"chronicle/internal/audit"
	"chronicle/internal/catalog"
	"chronicle/pkg/platform/sentinel"
	"chronicle/pkg/testutil/containers"
)

type PostgresAuditSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *audit.Postgres
}

func TestPostgresAuditSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresAuditSuite))
}

func (s *PostgresAuditSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T(), "../../migrations")
	s.store = audit.NewPostgres(s.postgres.DB)
}

func (s *PostgresAuditSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_log"))
}

func (s *PostgresAuditSuite) entry(uid uuid.UUID, actor string, ts time.Time, op audit.Operation) audit.Entry {
	return audit.Entry{
		AuditID:   uuid.New(),
		Actor:     actor,
		Timestamp: ts,
		EntityUID: uid,
		Table:     audit.TableEntity,
		Operation: op,
		Before:    map[string]string{"display_name": "Ada"},
		After:     map[string]string{"display_name": "Ada King"},
		RequestID: "req-123",
		IPAddress: "10.0.0.1",
		UserAgent: "integration-test",
	}
}

func (s *PostgresAuditSuite) TestAppendAndTrail() {
	ctx := context.Background()
	uid, other := uuid.New(), uuid.New()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	s.Require().NoError(s.store.Append(ctx, s.entry(uid, "alice", base, audit.OpInsert)))
	s.Require().NoError(s.store.Append(ctx, s.entry(uid, "bob", base.Add(time.Hour), audit.OpUpdate)))
	s.Require().NoError(s.store.Append(ctx, s.entry(other, "alice", base, audit.OpInsert)))

	trail, err := s.store.TrailFor(ctx, uid)
	s.Require().NoError(err)
	s.Require().Len(trail, 2)
	s.Equal(audit.OpUpdate, trail[0].Operation, "newest first")
	s.Equal("bob", trail[0].Actor)
	s.Equal(map[string]string{"display_name": "Ada King"}, trail[0].After)
	s.Equal("req-123", trail[0].RequestID)
	s.Equal("10.0.0.1", trail[0].IPAddress)
}

func (s *PostgresAuditSuite) TestNullableFields() {
	ctx := context.Background()
	uid := uuid.New()
	entry := audit.Entry{
		AuditID:    uuid.New(),
		Actor:      "system",
		Timestamp:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		EntityUID:  uid,
		Table:      audit.TableDetail,
		Operation:  audit.OpDelete,
		DetailCode: "EMAIL",
		Before:     map[string]string{"detail_value": "ada@example.org"},
	}
	s.Require().NoError(s.store.Append(ctx, entry))

	trail, err := s.store.TrailFor(ctx, uid)
	s.Require().NoError(err)
	s.Require().Len(trail, 1)
	s.Equal("EMAIL", trail[0].DetailCode)
	s.Nil(trail[0].After)
	s.Empty(trail[0].RequestID)
}

func (s *PostgresAuditSuite) TestActivityFor() {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.store.Append(ctx,
			s.entry(uuid.New(), "alice", base.Add(time.Duration(i)*time.Minute), audit.OpInsert)))
	}
	s.Require().NoError(s.store.Append(ctx, s.entry(uuid.New(), "bob", base, audit.OpInsert)))

	entries, err := s.store.ActivityFor(ctx, "alice", 3)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.True(entries[0].Timestamp.After(entries[2].Timestamp), "newest first")
}

func (s *PostgresAuditSuite) TestListBetween() {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	uid := uuid.New()
	for i := 0; i < 4; i++ {
		s.Require().NoError(s.store.Append(ctx,
			s.entry(uid, "alice", base.Add(time.Duration(i)*time.Hour), audit.OpUpdate)))
	}

	// Half-open on the left: entries at exactly from are excluded,
	// entries at exactly to are included.
	entries, err := s.store.ListBetween(ctx, base, base.Add(2*time.Hour))
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.True(entries[0].Timestamp.Equal(base.Add(time.Hour)))
	s.True(entries[1].Timestamp.Equal(base.Add(2 * time.Hour)))
}

func (s *PostgresAuditSuite) TestListBetweenKeepsWriteOrderAtOneInstant() {
	ctx := context.Background()
	uid := uuid.New()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	// Entity row first, detail row second, same business instant. The seq
	// column must keep them in write order so replay sees the entity before
	// its details.
	s.Require().NoError(s.store.Append(ctx, s.entry(uid, "alice", at, audit.OpInsert)))
	detail := audit.Entry{
		AuditID:    uuid.New(),
		Actor:      "alice",
		Timestamp:  at,
		EntityUID:  uid,
		Table:      audit.TableDetail,
		Operation:  audit.OpInsert,
		DetailCode: "EMAIL",
		After:      map[string]string{"detail_value": "ada@example.org"},
	}
	s.Require().NoError(s.store.Append(ctx, detail))

	entries, err := s.store.ListBetween(ctx, at.Add(-time.Hour), at)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(audit.TableEntity, entries[0].Table)
	s.Equal(audit.TableDetail, entries[1].Table)
}

type PostgresCatalogSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *catalog.Postgres
}

func TestPostgresCatalogSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresCatalogSuite))
}

func (s *PostgresCatalogSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T(), "../../migrations")
	s.store = catalog.NewPostgres(s.postgres.DB)
}

func (s *PostgresCatalogSuite) TestSeededVocabulary() {
	ctx := context.Background()

	et, err := s.store.EntityType(ctx, "PERSON")
	s.Require().NoError(err)
	s.Equal("PERSON", et.Code)
	s.True(et.Active)

	dt, err := s.store.DetailType(ctx, "EMAIL")
	s.Require().NoError(err)
	s.Equal("EMAIL", dt.Code)
	s.True(dt.Active)

	_, err = s.store.EntityType(ctx, "SPACESHIP")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.DetailType(ctx, "FAX")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
