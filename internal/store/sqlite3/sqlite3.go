// Package sqlite3 is the secondary Conversation Store / Principal Store /
// persistence-queue backend, for single-node deployments that don't want a
// Postgres dependency. It mirrors internal/store/postgres's schema and
// transactional pattern, adapted for SQLite's single-writer model.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openrag/gateway/internal/config"
	atcrypto "github.com/openrag/gateway/internal/crypto"
	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/store"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "gw_"

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tablePrincipals    exp.IdentifierExpression
	tableConversations exp.IdentifierExpression
	tableMessages      exp.IdentifierExpression
	tablePersistJobs   exp.IdentifierExpression

	encKey []byte
}

func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.DBTable == "" {
		migrate.DBTable = "migrations"
	}
	migrate.DBTable = tablePrefix + migrate.DBTable
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:                 db,
		goqu:               dbGoqu,
		tablePrincipals:    goqu.T(tablePrefix + "principals"),
		tableConversations: goqu.T(tablePrefix + "conversations"),
		tableMessages:      goqu.T(tablePrefix + "messages"),
		tablePersistJobs:   goqu.T(tablePrefix + "persist_jobs"),
		encKey:             encKey,
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// ─── Principal CRUD ───

type principalRow struct {
	ID        int64
	Subject   string
	Email     string
	Name      string
	Role      string
	Active    bool
	CreatedAt string
	UpdatedAt string
}

func parseSQLiteTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func (r principalRow) toDomain(encKey []byte) (*domain.Principal, error) {
	p := domain.Principal{
		ID: r.ID, Subject: r.Subject, Email: r.Email, Name: r.Name, Role: r.Role,
		Active: r.Active, CreatedAt: parseSQLiteTime(r.CreatedAt), UpdatedAt: parseSQLiteTime(r.UpdatedAt),
	}
	decrypted, err := atcrypto.DecryptPrincipal(p, encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt principal %d: %w", r.ID, err)
	}
	return &decrypted, nil
}

func (s *SQLite) UpsertPrincipalBySubject(ctx context.Context, subject, email, name, role string) (*domain.Principal, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	encrypted, err := atcrypto.EncryptPrincipal(domain.Principal{Subject: subject, Email: email, Name: name, Role: role}, s.encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt principal: %w", err)
	}

	existing, err := s.getPrincipalBySubject(ctx, subject)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		query, _, buildErr := s.goqu.Update(s.tablePrincipals).Set(
			goqu.Record{"email": encrypted.Email, "name": name, "role": role, "updated_at": now},
		).Where(goqu.I("subject").Eq(subject)).ToSQL()
		if buildErr != nil {
			return nil, fmt.Errorf("build update principal query: %w", buildErr)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return nil, fmt.Errorf("update principal for subject %q: %w", subject, err)
		}
		return s.getPrincipalBySubject(ctx, subject)
	}

	query, _, err := s.goqu.Insert(s.tablePrincipals).Rows(
		goqu.Record{
			"subject": subject, "email": encrypted.Email, "name": name, "role": role,
			"active": true, "created_at": now, "updated_at": now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert principal query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("insert principal for subject %q: %w", subject, err)
	}

	return s.getPrincipalBySubject(ctx, subject)
}

func (s *SQLite) getPrincipalBySubject(ctx context.Context, subject string) (*domain.Principal, error) {
	query, _, err := s.goqu.From(s.tablePrincipals).
		Select("id", "subject", "email", "name", "role", "active", "created_at", "updated_at").
		Where(goqu.I("subject").Eq(subject)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get principal by subject query: %w", err)
	}

	var row principalRow
	err = s.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Subject, &row.Email, &row.Name, &row.Role, &row.Active, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get principal by subject %q: %w", subject, err)
	}

	return row.toDomain(s.encKey)
}

func (s *SQLite) GetPrincipal(ctx context.Context, id int64) (*domain.Principal, error) {
	query, _, err := s.goqu.From(s.tablePrincipals).
		Select("id", "subject", "email", "name", "role", "active", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get principal query: %w", err)
	}

	var row principalRow
	err = s.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Subject, &row.Email, &row.Name, &row.Role, &row.Active, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get principal %d: %w", id, err)
	}

	return row.toDomain(s.encKey)
}

func (s *SQLite) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	query, _, err := s.goqu.From(s.tablePrincipals).
		Select("id", "subject", "email", "name", "role", "active", "created_at", "updated_at").
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list principals query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	defer rows.Close()

	var result []domain.Principal
	for rows.Next() {
		var row principalRow
		if err := rows.Scan(&row.ID, &row.Subject, &row.Email, &row.Name, &row.Role, &row.Active, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan principal row: %w", err)
		}
		d, err := row.toDomain(s.encKey)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	return result, rows.Err()
}

func (s *SQLite) DeactivatePrincipal(ctx context.Context, id int64) error {
	query, _, err := s.goqu.Update(s.tablePrincipals).Set(
		goqu.Record{"active": false, "updated_at": time.Now().UTC().Format(time.RFC3339)},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build deactivate principal query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("deactivate principal %d: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLite) UpdatePrincipalName(ctx context.Context, id int64, name string) (*domain.Principal, error) {
	query, _, err := s.goqu.Update(s.tablePrincipals).Set(
		goqu.Record{"name": name, "updated_at": time.Now().UTC().Format(time.RFC3339)},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update principal name query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update principal %d name: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetPrincipal(ctx, id)
}
