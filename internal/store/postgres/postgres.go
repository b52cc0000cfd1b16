// Package postgres implements the Conversation Store (C3), Principal Store
// (C2) persistence boundary, and the Persistence Worker's (C8) durable job
// queue on top of Postgres, grounded on the teacher's goqu+pgx wiring and
// its BeginTx/Rollback/Commit transactional pattern (postgres.go's
// RotateEncryptionKey).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openrag/gateway/internal/config"
	atcrypto "github.com/openrag/gateway/internal/crypto"
	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/store"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "gw_"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tablePrincipals   exp.IdentifierExpression
	tableConversations exp.IdentifierExpression
	tableMessages     exp.IdentifierExpression
	tablePersistJobs  exp.IdentifierExpression

	encKey []byte
}

type Config struct {
	Datasource   string
	Schema       string
	TablePrefix  *string
	MaxIdleConns *int
	MaxOpenConns *int
	Migrate      config.Migrate
}

func New(ctx context.Context, cfg Config, encKey []byte) (*Postgres, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
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

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	maxIdle := MaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdle = *cfg.MaxIdleConns
	}
	maxOpen := MaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpen = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(maxIdle)
	db.SetMaxOpenConns(maxOpen)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                 db,
		goqu:               dbGoqu,
		tablePrincipals:    goqu.T(tablePrefix + "principals"),
		tableConversations: goqu.T(tablePrefix + "conversations"),
		tableMessages:      goqu.T(tablePrefix + "messages"),
		tablePersistJobs:   goqu.T(tablePrefix + "persist_jobs"),
		encKey:             encKey,
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// ─── Principal CRUD (identity.PrincipalRepository) ───

type principalRow struct {
	ID        int64     `db:"id"`
	Subject   string    `db:"subject"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r principalRow) toDomain(encKey []byte) (*domain.Principal, error) {
	p := domain.Principal{
		ID: r.ID, Subject: r.Subject, Email: r.Email, Name: r.Name,
		Role: r.Role, Active: r.Active, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}

	decrypted, err := atcrypto.DecryptPrincipal(p, encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt principal %d: %w", r.ID, err)
	}

	return &decrypted, nil
}

func (p *Postgres) UpsertPrincipalBySubject(ctx context.Context, subject, email, name, role string) (*domain.Principal, error) {
	now := time.Now().UTC()

	encrypted, err := atcrypto.EncryptPrincipal(domain.Principal{Subject: subject, Email: email, Name: name, Role: role}, p.encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt principal: %w", err)
	}

	insertQuery, _, err := p.goqu.Insert(p.tablePrincipals).Rows(
		goqu.Record{
			"subject": subject, "email": encrypted.Email, "name": name, "role": role,
			"active": true, "created_at": now, "updated_at": now,
		},
	).OnConflict(
		goqu.DoUpdate("subject", goqu.Record{"email": encrypted.Email, "name": name, "role": role, "updated_at": now}),
	).Returning("id", "subject", "email", "name", "role", "active", "created_at", "updated_at").ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build upsert principal query: %w", err)
	}

	var row principalRow
	if err := p.db.QueryRowContext(ctx, insertQuery).Scan(
		&row.ID, &row.Subject, &row.Email, &row.Name, &row.Role, &row.Active, &row.CreatedAt, &row.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("upsert principal for subject %q: %w", subject, err)
	}

	return row.toDomain(p.encKey)
}

func (p *Postgres) GetPrincipal(ctx context.Context, id int64) (*domain.Principal, error) {
	query, _, err := p.goqu.From(p.tablePrincipals).
		Select("id", "subject", "email", "name", "role", "active", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get principal query: %w", err)
	}

	var row principalRow
	err = p.db.QueryRowContext(ctx, query).Scan(
		&row.ID, &row.Subject, &row.Email, &row.Name, &row.Role, &row.Active, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get principal %d: %w", id, err)
	}

	return row.toDomain(p.encKey)
}

func (p *Postgres) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	query, _, err := p.goqu.From(p.tablePrincipals).
		Select("id", "subject", "email", "name", "role", "active", "created_at", "updated_at").
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list principals query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
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
		d, err := row.toDomain(p.encKey)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	return result, rows.Err()
}

func (p *Postgres) DeactivatePrincipal(ctx context.Context, id int64) error {
	query, _, err := p.goqu.Update(p.tablePrincipals).Set(
		goqu.Record{"active": false, "updated_at": time.Now().UTC()},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build deactivate principal query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("deactivate principal %d: %w", id, err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}

	return nil
}

func (p *Postgres) UpdatePrincipalName(ctx context.Context, id int64, name string) (*domain.Principal, error) {
	query, _, err := p.goqu.Update(p.tablePrincipals).Set(
		goqu.Record{"name": name, "updated_at": time.Now().UTC()},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update principal name query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update principal %d name: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}

	return p.GetPrincipal(ctx, id)
}
