package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrMappingExists is returned when a customer mapping already exists for a
// user. The unique constraint on user_id is the duplicate-detection signal
// for concurrent first-checkout races.
var ErrMappingExists = errors.New("customer mapping already exists for user")

// Store provides row storage for billing state backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the billing database in dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id               TEXT PRIMARY KEY,
		email                 TEXT NOT NULL DEFAULT '',
		display_name          TEXT NOT NULL DEFAULT '',
		account_status        TEXT NOT NULL DEFAULT 'free',
		stripe_customer_id    TEXT NOT NULL DEFAULT '',
		wedding_id            TEXT NOT NULL DEFAULT '',
		deletion_scheduled_at INTEGER,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_stripe_customer_id ON profiles(stripe_customer_id);
	CREATE INDEX IF NOT EXISTS idx_profiles_deletion ON profiles(deletion_scheduled_at);

	CREATE TABLE IF NOT EXISTS customer_mappings (
		user_id               TEXT PRIMARY KEY,
		stripe_customer_id    TEXT NOT NULL UNIQUE,
		created_at            INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		stripe_customer_id    TEXT PRIMARY KEY,
		subscription_id       TEXT NOT NULL DEFAULT '',
		price_id              TEXT NOT NULL DEFAULT '',
		status                TEXT NOT NULL DEFAULT '',
		cancel_at_period_end  INTEGER NOT NULL DEFAULT 0,
		current_period_start  INTEGER NOT NULL DEFAULT 0,
		current_period_end    INTEGER NOT NULL DEFAULT 0,
		trial_start           INTEGER NOT NULL DEFAULT 0,
		trial_end             INTEGER NOT NULL DEFAULT 0,
		payment_brand         TEXT NOT NULL DEFAULT '',
		payment_last4         TEXT NOT NULL DEFAULT '',
		metadata              TEXT NOT NULL DEFAULT '',
		updated_at            INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhook_events (
		event_id              TEXT PRIMARY KEY,
		type                  TEXT NOT NULL DEFAULT '',
		payload               TEXT NOT NULL DEFAULT '',
		error                 TEXT NOT NULL DEFAULT '',
		received_at           INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscription_events (
		id                    TEXT PRIMARY KEY,
		user_id               TEXT NOT NULL,
		event_type            TEXT NOT NULL,
		status                TEXT NOT NULL DEFAULT '',
		metadata              TEXT NOT NULL DEFAULT '',
		source                TEXT NOT NULL DEFAULT '',
		created_at            INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscription_events_user_id ON subscription_events(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateProfile inserts a new profile row.
func (s *Store) CreateProfile(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile is nil")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.AccountStatus == "" {
		p.AccountStatus = StatusFree
	}

	_, err := s.db.Exec(`
		INSERT INTO profiles (
			user_id, email, display_name, account_status,
			stripe_customer_id, wedding_id, deletion_scheduled_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Email, p.DisplayName, string(p.AccountStatus),
		p.StripeCustomerID, p.WeddingID, nullableTimeUnix(p.DeletionScheduledAt),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by user ID. Returns (nil, nil) if absent.
func (s *Store) GetProfile(userID string) (*Profile, error) {
	row := s.db.QueryRow(profileSelect+` WHERE user_id = ?`, userID)
	return scanProfile(row)
}

// GetProfileByCustomerID retrieves a profile by Stripe customer ID.
func (s *Store) GetProfileByCustomerID(customerID string) (*Profile, error) {
	row := s.db.QueryRow(profileSelect+` WHERE stripe_customer_id = ?`, customerID)
	return scanProfile(row)
}

// UpdateProfile modifies an existing profile row.
func (s *Store) UpdateProfile(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile is nil")
	}
	p.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE profiles SET
			email = ?, display_name = ?, account_status = ?,
			stripe_customer_id = ?, wedding_id = ?, deletion_scheduled_at = ?,
			updated_at = ?
		WHERE user_id = ?`,
		p.Email, p.DisplayName, string(p.AccountStatus),
		p.StripeCustomerID, p.WeddingID, nullableTimeUnix(p.DeletionScheduledAt),
		p.UpdatedAt.Unix(),
		p.UserID,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("profile %q not found", p.UserID)
	}
	return nil
}

// ListProfiles returns all profiles, newest first.
func (s *Store) ListProfiles() ([]*Profile, error) {
	rows, err := s.db.Query(profileSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()
	return scanProfiles(rows)
}

// ListDeletionDue returns profiles whose deletion marker is at or before now.
func (s *Store) ListDeletionDue(now time.Time) ([]*Profile, error) {
	rows, err := s.db.Query(profileSelect+`
		WHERE deletion_scheduled_at IS NOT NULL AND deletion_scheduled_at <= ?
		ORDER BY deletion_scheduled_at ASC`, now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("list deletion-due profiles: %w", err)
	}
	defer rows.Close()
	return scanProfiles(rows)
}

// CountProfilesByStatus returns a map of account status -> count.
func (s *Store) CountProfilesByStatus() (map[AccountStatus]int, error) {
	rows, err := s.db.Query(`SELECT account_status, COUNT(*) FROM profiles GROUP BY account_status`)
	if err != nil {
		return nil, fmt.Errorf("count profiles by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[AccountStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[AccountStatus(status)] = count
	}
	return counts, rows.Err()
}

// CreateCustomerMapping inserts a user -> Stripe customer mapping. A conflict
// on user_id reports ErrMappingExists so callers can compensate.
func (s *Store) CreateCustomerMapping(m *CustomerMapping) error {
	if m == nil {
		return fmt.Errorf("mapping is nil")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO customer_mappings (user_id, stripe_customer_id, created_at)
		VALUES (?, ?, ?)`,
		m.UserID, m.StripeCustomerID, m.CreatedAt.Unix(),
	)
	if err != nil {
		// Only a user_id conflict means "this user already has a mapping".
		// A collision on stripe_customer_id is data corruption (one Stripe
		// customer claimed by two users) and surfaces as a plain failure.
		if strings.Contains(err.Error(), "UNIQUE constraint failed: customer_mappings.user_id") {
			return fmt.Errorf("%w: %s", ErrMappingExists, m.UserID)
		}
		return fmt.Errorf("create customer mapping: %w", err)
	}
	return nil
}

// GetCustomerMapping retrieves a mapping by user ID. Returns (nil, nil) if absent.
func (s *Store) GetCustomerMapping(userID string) (*CustomerMapping, error) {
	row := s.db.QueryRow(`SELECT user_id, stripe_customer_id, created_at
		FROM customer_mappings WHERE user_id = ?`, userID)
	return scanMapping(row)
}

// GetCustomerMappingByCustomerID performs the reverse lookup used by the
// webhook processor.
func (s *Store) GetCustomerMappingByCustomerID(customerID string) (*CustomerMapping, error) {
	row := s.db.QueryRow(`SELECT user_id, stripe_customer_id, created_at
		FROM customer_mappings WHERE stripe_customer_id = ?`, customerID)
	return scanMapping(row)
}

// UpsertSubscription writes a subscription record keyed by customer ID.
// Rows whose stored current_period_end is newer than the incoming record are
// left untouched (monotonicity guard against out-of-order delivery); replays
// of an identical payload are applied and idempotent. Returns whether the
// write was applied.
func (s *Store) UpsertSubscription(rec *Subscription) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("subscription is nil")
	}
	rec.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		INSERT INTO subscriptions (
			stripe_customer_id, subscription_id, price_id, status,
			cancel_at_period_end, current_period_start, current_period_end,
			trial_start, trial_end, payment_brand, payment_last4, metadata,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stripe_customer_id) DO UPDATE SET
			subscription_id = excluded.subscription_id,
			price_id = excluded.price_id,
			status = excluded.status,
			cancel_at_period_end = excluded.cancel_at_period_end,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			trial_start = excluded.trial_start,
			trial_end = excluded.trial_end,
			payment_brand = excluded.payment_brand,
			payment_last4 = excluded.payment_last4,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
		WHERE excluded.current_period_end >= subscriptions.current_period_end`,
		rec.StripeCustomerID, rec.SubscriptionID, rec.PriceID, rec.Status,
		boolToInt(rec.CancelAtPeriodEnd), rec.CurrentPeriodStart, rec.CurrentPeriodEnd,
		rec.TrialStart, rec.TrialEnd, rec.PaymentBrand, rec.PaymentLast4, rec.Metadata,
		rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert subscription: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// UpdateSubscriptionStatus updates only the status fields of an existing
// record. Used by invoice events, which carry no period boundaries.
func (s *Store) UpdateSubscriptionStatus(customerID, status string, paymentBrand, paymentLast4 string) error {
	_, err := s.db.Exec(`
		UPDATE subscriptions SET
			status = ?,
			payment_brand = CASE WHEN ? != '' THEN ? ELSE payment_brand END,
			payment_last4 = CASE WHEN ? != '' THEN ? ELSE payment_last4 END,
			updated_at = ?
		WHERE stripe_customer_id = ?`,
		status, paymentBrand, paymentBrand, paymentLast4, paymentLast4,
		time.Now().UTC().Unix(), customerID,
	)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}

// GetSubscriptionByCustomerID retrieves a record by Stripe customer ID.
func (s *Store) GetSubscriptionByCustomerID(customerID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT
		stripe_customer_id, subscription_id, price_id, status,
		cancel_at_period_end, current_period_start, current_period_end,
		trial_start, trial_end, payment_brand, payment_last4, metadata, updated_at
		FROM subscriptions WHERE stripe_customer_id = ?`, customerID)
	return scanSubscription(row)
}

// InsertWebhookEvent persists an audit-log entry for a received event.
// Write-once: a duplicate event ID is not an error and leaves the stored row
// untouched. Returns whether a new row was written.
func (s *Store) InsertWebhookEvent(ev *WebhookEvent) (bool, error) {
	if ev == nil {
		return false, fmt.Errorf("webhook event is nil")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(`
		INSERT INTO webhook_events (event_id, type, payload, error, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, ev.Type, ev.Payload, ev.Error, ev.ReceivedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// DeleteWebhookEvent removes an audit-log entry. Used to roll back the
// write-once insert when an accepted delivery cannot be enqueued, so the
// provider's retry is not mistaken for a duplicate.
func (s *Store) DeleteWebhookEvent(eventID string) error {
	_, err := s.db.Exec(`DELETE FROM webhook_events WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("delete webhook event: %w", err)
	}
	return nil
}

// SetWebhookEventError records a processing failure on an audit-log entry.
func (s *Store) SetWebhookEventError(eventID, message string) error {
	_, err := s.db.Exec(`UPDATE webhook_events SET error = ? WHERE event_id = ?`, message, eventID)
	if err != nil {
		return fmt.Errorf("set webhook event error: %w", err)
	}
	return nil
}

// GetWebhookEvent retrieves an audit-log entry by event ID.
func (s *Store) GetWebhookEvent(eventID string) (*WebhookEvent, error) {
	row := s.db.QueryRow(`SELECT event_id, type, payload, error, received_at
		FROM webhook_events WHERE event_id = ?`, eventID)

	var ev WebhookEvent
	var receivedAt int64
	err := row.Scan(&ev.EventID, &ev.Type, &ev.Payload, &ev.Error, &receivedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}
	ev.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	return &ev, nil
}

// AppendSubscriptionEvent appends a business-level history entry.
func (s *Store) AppendSubscriptionEvent(ev *SubscriptionEvent) error {
	if ev == nil {
		return fmt.Errorf("subscription event is nil")
	}
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO subscription_events (id, user_id, event_type, status, metadata, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.EventType, string(ev.Status), ev.Metadata, ev.Source, ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append subscription event: %w", err)
	}
	return nil
}

// ListSubscriptionEvents returns a user's event history, oldest first.
func (s *Store) ListSubscriptionEvents(userID string) ([]*SubscriptionEvent, error) {
	rows, err := s.db.Query(`SELECT id, user_id, event_type, status, metadata, source, created_at
		FROM subscription_events WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscription events: %w", err)
	}
	defer rows.Close()

	var events []*SubscriptionEvent
	for rows.Next() {
		var ev SubscriptionEvent
		var status string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.EventType, &status, &ev.Metadata, &ev.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription event: %w", err)
		}
		ev.Status = AccountStatus(status)
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

const profileSelect = `SELECT
	user_id, email, display_name, account_status,
	stripe_customer_id, wedding_id, deletion_scheduled_at,
	created_at, updated_at
	FROM profiles`

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(s scanner) (*Profile, error) {
	var p Profile
	var status string
	var deletionAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&p.UserID, &p.Email, &p.DisplayName, &status,
		&p.StripeCustomerID, &p.WeddingID, &deletionAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	p.AccountStatus = AccountStatus(status)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if deletionAt.Valid {
		ts := time.Unix(deletionAt.Int64, 0).UTC()
		p.DeletionScheduledAt = &ts
	}
	return &p, nil
}

func scanProfiles(rows *sql.Rows) ([]*Profile, error) {
	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanMapping(s scanner) (*CustomerMapping, error) {
	var m CustomerMapping
	var createdAt int64

	err := s.Scan(&m.UserID, &m.StripeCustomerID, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan customer mapping: %w", err)
	}
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &m, nil
}

func scanSubscription(s scanner) (*Subscription, error) {
	var rec Subscription
	var cancelAtPeriodEnd int
	var updatedAt int64

	err := s.Scan(
		&rec.StripeCustomerID, &rec.SubscriptionID, &rec.PriceID, &rec.Status,
		&cancelAtPeriodEnd, &rec.CurrentPeriodStart, &rec.CurrentPeriodEnd,
		&rec.TrialStart, &rec.TrialEnd, &rec.PaymentBrand, &rec.PaymentLast4,
		&rec.Metadata, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	rec.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
