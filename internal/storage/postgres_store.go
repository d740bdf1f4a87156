package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/service-matching/internal/models"
)

// Schema is the Postgres DDL for the matching tables.
const Schema = `
CREATE TABLE IF NOT EXISTS service_requests (
    id                    TEXT PRIMARY KEY,
    customer_id           TEXT NOT NULL,
    requester_name        TEXT NOT NULL DEFAULT '',
    gender                TEXT NOT NULL DEFAULT '',
    lat                   DOUBLE PRECISION NOT NULL,
    lon                   DOUBLE PRECISION NOT NULL,
    status                TEXT NOT NULL,
    payment_intent_id     TEXT NOT NULL DEFAULT '',
    current_search_radius INTEGER,
    expansion_attempts    INTEGER NOT NULL DEFAULT 0,
    last_expansion_at     TIMESTAMPTZ,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS request_line_items (
    request_id   TEXT NOT NULL REFERENCES service_requests(id) ON DELETE CASCADE,
    position     INTEGER NOT NULL,
    service_id   TEXT NOT NULL,
    service_type TEXT NOT NULL,
    price_cents  BIGINT NOT NULL DEFAULT 0,
    quantity     INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (request_id, position)
);

CREATE TABLE IF NOT EXISTS providers (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    service_type TEXT NOT NULL,
    available    BOOLEAN NOT NULL DEFAULT FALSE,
    lat          DOUBLE PRECISION,
    lon          DOUBLE PRECISION,
    device_token TEXT,
    mirror_id    TEXT NOT NULL DEFAULT '',
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS providers_type_available_idx ON providers (service_type, available);

CREATE TABLE IF NOT EXISTS provider_notifications (
    id          TEXT PRIMARY KEY,
    request_id  TEXT NOT NULL REFERENCES service_requests(id) ON DELETE CASCADE,
    provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
    status      TEXT NOT NULL,
    distance_km DOUBLE PRECISION NOT NULL,
    radius_km   INTEGER NOT NULL,
    notified_at TIMESTAMPTZ NOT NULL,
    UNIQUE (request_id, provider_id)
);
`

// uniqueViolation is the SQLSTATE Postgres reports for unique constraint hits.
const uniqueViolation = "23505"

// SQLStore implements Store on database/sql. Queries stick to $n placeholders
// and ON CONFLICT clauses understood by Postgres and SQLite.
type SQLStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an already opened database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate applies Schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO service_requests(id, customer_id, requester_name, gender, lat, lon, status, payment_intent_id, current_search_radius, expansion_attempts, last_expansion_at, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.CustomerID, r.RequesterName, r.Gender, r.Loc.Lat, r.Loc.Lon, string(r.Status), r.PaymentIntentID,
		nullInt(r.CurrentSearchRadius), r.ExpansionAttempts, nullTime(r.LastExpansionAt), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	for i, li := range r.LineItems {
		_, err = tx.ExecContext(ctx, `INSERT INTO request_line_items(request_id, position, service_id, service_type, price_cents, quantity) VALUES($1,$2,$3,$4,$5,$6)`,
			r.ID, i, li.ServiceID, li.ServiceType, li.PriceCents, li.Quantity)
		if err != nil {
			return fmt.Errorf("insert line item %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	var (
		r        models.ServiceRequest
		status   string
		radius   sql.NullInt64
		expanded sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, customer_id, requester_name, gender, lat, lon, status, payment_intent_id, current_search_radius, expansion_attempts, last_expansion_at, created_at, updated_at FROM service_requests WHERE id = $1`, id).
		Scan(&r.ID, &r.CustomerID, &r.RequesterName, &r.Gender, &r.Loc.Lat, &r.Loc.Lon, &status, &r.PaymentIntentID, &radius, &r.ExpansionAttempts, &expanded, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select request: %w", err)
	}
	r.Status = models.RequestStatus(status)
	if radius.Valid {
		v := int(radius.Int64)
		r.CurrentSearchRadius = &v
	}
	if expanded.Valid {
		v := expanded.Time
		r.LastExpansionAt = &v
	}

	rows, err := s.db.QueryContext(ctx, `SELECT service_id, service_type, price_cents, quantity FROM request_line_items WHERE request_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("select line items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var li models.LineItem
		if err := rows.Scan(&li.ServiceID, &li.ServiceType, &li.PriceCents, &li.Quantity); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		r.LineItems = append(r.LineItems, li)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, from, to models.RequestStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE service_requests SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`, string(to), time.Now(), id, string(from))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return s.checkAffected(ctx, res, id, ErrStatusConflict)
}

func (s *SQLStore) SetPaymentIntent(ctx context.Context, id, paymentIntentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE service_requests SET payment_intent_id=$1, updated_at=$2 WHERE id=$3`, paymentIntentID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}
	return s.checkAffected(ctx, res, id, ErrNotFound)
}

func (s *SQLStore) RecordExpansion(ctx context.Context, id string, radiusKm, attempt int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE service_requests SET current_search_radius=$1, expansion_attempts=$2, last_expansion_at=$3, updated_at=$3 WHERE id=$4 AND (current_search_radius IS NULL OR current_search_radius <= $1) AND expansion_attempts < $2`,
		radiusKm, attempt, at, id)
	if err != nil {
		return fmt.Errorf("record expansion: %w", err)
	}
	return s.checkAffected(ctx, res, id, ErrStaleExpansion)
}

// checkAffected maps a zero-row update to ErrNotFound or, when the row exists, to conflictErr.
func (s *SQLStore) checkAffected(ctx context.Context, res sql.Result, id string, conflictErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM service_requests WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return conflictErr
}

func (s *SQLStore) UpsertProvider(ctx context.Context, p models.Provider) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	var lat, lon sql.NullFloat64
	if p.Loc != nil {
		lat = sql.NullFloat64{Float64: p.Loc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: p.Loc.Lon, Valid: true}
	}
	var token sql.NullString
	if p.DeviceToken != nil {
		token = sql.NullString{String: *p.DeviceToken, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO providers(id, name, service_type, available, lat, lon, device_token, mirror_id, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET name=excluded.name, service_type=excluded.service_type, available=excluded.available, lat=excluded.lat, lon=excluded.lon, device_token=excluded.device_token, mirror_id=excluded.mirror_id, updated_at=excluded.updated_at`,
		p.ID, p.Name, p.ServiceType, p.Available, lat, lon, token, p.MirrorID, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func (s *SQLStore) ApplyProviderUpdate(ctx context.Context, u models.ProviderUpdate) error {
	at := u.ReportedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE providers SET lat=$1, lon=$2, available=$3, updated_at=$4 WHERE id=$5`, u.Loc.Lat, u.Loc.Lon, u.Available, at, u.ProviderID)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) InMatchTx(ctx context.Context, fn func(tx MatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqlTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) ListNotifications(ctx context.Context, requestID string) ([]models.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, request_id, provider_id, status, distance_km, radius_km, notified_at FROM provider_notifications WHERE request_id = $1 ORDER BY notified_at, provider_id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()
	out := make([]models.NotificationRecord, 0)
	for rows.Next() {
		var (
			rec    models.NotificationRecord
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.ProviderID, &status, &rec.DistanceKm, &rec.RadiusKm, &rec.NotifiedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rec.Status = models.NotificationStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) EligibleProviders(ctx context.Context, requestID, serviceType string) ([]models.Provider, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT p.id, p.name, p.service_type, p.available, p.lat, p.lon, p.device_token, p.mirror_id, p.updated_at
FROM providers p
WHERE p.available = $1 AND p.service_type = $2
  AND NOT EXISTS (SELECT 1 FROM provider_notifications n WHERE n.request_id = $3 AND n.provider_id = p.id)`,
		true, serviceType, requestID)
	if err != nil {
		return nil, fmt.Errorf("select eligible providers: %w", err)
	}
	defer rows.Close()
	out := make([]models.Provider, 0)
	for rows.Next() {
		var (
			p        models.Provider
			lat, lon sql.NullFloat64
			token    sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.ServiceType, &p.Available, &lat, &lon, &token, &p.MirrorID, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if lat.Valid && lon.Valid {
			p.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
		}
		if token.Valid {
			v := token.String
			p.DeviceToken = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqlTx) NotificationExists(ctx context.Context, requestID, providerID string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM provider_notifications WHERE request_id = $1 AND provider_id = $2`, requestID, providerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	return true, nil
}

func (t *sqlTx) InsertNotification(ctx context.Context, rec models.NotificationRecord) error {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO provider_notifications(id, request_id, provider_id, status, distance_km, radius_km, notified_at) VALUES($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (request_id, provider_id) DO NOTHING`,
		rec.ID, rec.RequestID, rec.ProviderID, string(rec.Status), rec.DistanceKm, rec.RadiusKm, rec.NotifiedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateNotification
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateNotification
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
