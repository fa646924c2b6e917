package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/coaching-scheduler/internal/persistence"
)

const integrationColumns = `id, user_id, provider, credentials, calendar_id, calendar_name, is_active,
	sync_enabled, last_sync_at, sync_errors, created_at, updated_at`

// CredentialSealer encrypts credentials before they reach the database.
type CredentialSealer interface {
	SealJSON(v any) (string, error)
	OpenJSON(value string, v any) error
}

type credentialsRecord struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"password,omitempty"`
}

type syncErrorRecord struct {
	ProviderEventID string    `json:"provider_event_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Operation       string    `json:"operation"`
	Message         string    `json:"message"`
	Retryable       bool      `json:"retryable"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// IntegrationRepository implements persistence.IntegrationRepository. Credentials
// are sealed when a sealer is configured and stored as plain JSON otherwise.
type IntegrationRepository struct {
	pool   *ConnectionPool
	sealer CredentialSealer
}

// NewIntegrationRepository creates a new SQLite integration repository
func NewIntegrationRepository(pool *ConnectionPool, sealer CredentialSealer) *IntegrationRepository {
	return &IntegrationRepository{pool: pool, sealer: sealer}
}

// CreateIntegration inserts a new integration.
func (r *IntegrationRepository) CreateIntegration(ctx context.Context, integration persistence.CalendarIntegration) error {
	if integration.ID == "" || integration.UserID == "" || integration.Provider == "" {
		return persistence.ErrConstraintViolation
	}

	credentials, err := r.encodeCredentials(integration.Credentials)
	if err != nil {
		return err
	}
	syncErrors, err := encodeSyncErrors(integration.SyncErrors)
	if err != nil {
		return err
	}

	query := `INSERT INTO calendar_integrations (` + integrationColumns + `) VALUES (` + placeholders(12) + `)`
	return withRetry(ctx, func() error {
		_, err := r.pool.DB().ExecContext(ctx, query,
			integration.ID,
			integration.UserID,
			integration.Provider,
			credentials,
			integration.CalendarID,
			integration.CalendarName,
			boolToInt(integration.IsActive),
			boolToInt(integration.SyncEnabled),
			nullTime(integration.LastSyncAt),
			syncErrors,
			formatTime(integration.CreatedAt),
			formatTime(integration.UpdatedAt),
		)
		return mapError(err)
	})
}

// UpdateIntegration replaces the mutable fields of an integration.
func (r *IntegrationRepository) UpdateIntegration(ctx context.Context, integration persistence.CalendarIntegration) error {
	credentials, err := r.encodeCredentials(integration.Credentials)
	if err != nil {
		return err
	}
	syncErrors, err := encodeSyncErrors(integration.SyncErrors)
	if err != nil {
		return err
	}

	return withRetry(ctx, func() error {
		result, err := r.pool.DB().ExecContext(ctx, `
			UPDATE calendar_integrations
			SET credentials = ?, calendar_id = ?, calendar_name = ?, is_active = ?, sync_enabled = ?,
				last_sync_at = ?, sync_errors = ?, updated_at = ?
			WHERE id = ?`,
			credentials,
			integration.CalendarID,
			integration.CalendarName,
			boolToInt(integration.IsActive),
			boolToInt(integration.SyncEnabled),
			nullTime(integration.LastSyncAt),
			syncErrors,
			formatTime(integration.UpdatedAt),
			integration.ID,
		)
		if err != nil {
			return mapError(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return persistence.ErrNotFound
		}
		return nil
	})
}

// GetIntegration retrieves an integration by ID.
func (r *IntegrationRepository) GetIntegration(ctx context.Context, id string) (persistence.CalendarIntegration, error) {
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+integrationColumns+` FROM calendar_integrations WHERE id = ?`, id)
	integration, err := r.scanIntegration(row)
	if err != nil {
		return persistence.CalendarIntegration{}, mapError(err)
	}
	return integration, nil
}

// ListIntegrations returns matching integrations ordered by creation time.
func (r *IntegrationRepository) ListIntegrations(ctx context.Context, filter persistence.IntegrationFilter) ([]persistence.CalendarIntegration, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.UserIDs) > 0 {
		clauses = append(clauses, "user_id IN ("+placeholders(len(filter.UserIDs))+")")
		args = append(args, stringArgs(filter.UserIDs)...)
	}
	if filter.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "is_active = 1")
	}
	if filter.SyncEnabledOnly {
		clauses = append(clauses, "sync_enabled = 1")
	}

	query := `SELECT ` + integrationColumns + ` FROM calendar_integrations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	integrations := make([]persistence.CalendarIntegration, 0)
	for rows.Next() {
		integration, err := r.scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integration)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return integrations, nil
}

func (r *IntegrationRepository) scanIntegration(row rowScanner) (persistence.CalendarIntegration, error) {
	var (
		integration          persistence.CalendarIntegration
		credentials          string
		active, syncEnabled  int
		lastSyncAt           sql.NullString
		syncErrors           string
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&integration.ID,
		&integration.UserID,
		&integration.Provider,
		&credentials,
		&integration.CalendarID,
		&integration.CalendarName,
		&active,
		&syncEnabled,
		&lastSyncAt,
		&syncErrors,
		&createdAt,
		&updatedAt,
	); err != nil {
		return persistence.CalendarIntegration{}, err
	}

	integration.IsActive = active != 0
	integration.SyncEnabled = syncEnabled != 0

	var err error
	if integration.Credentials, err = r.decodeCredentials(credentials); err != nil {
		return persistence.CalendarIntegration{}, err
	}
	if integration.SyncErrors, err = decodeSyncErrors(syncErrors); err != nil {
		return persistence.CalendarIntegration{}, err
	}
	if integration.LastSyncAt, err = parseNullTime(lastSyncAt); err != nil {
		return persistence.CalendarIntegration{}, fmt.Errorf("failed to parse last_sync_at: %w", err)
	}
	if integration.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.CalendarIntegration{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if integration.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.CalendarIntegration{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return integration, nil
}

func (r *IntegrationRepository) encodeCredentials(credentials persistence.Credentials) (string, error) {
	record := credentialsRecord(credentials)
	if r.sealer != nil {
		sealed, err := r.sealer.SealJSON(record)
		if err != nil {
			return "", fmt.Errorf("seal credentials: %w", err)
		}
		return sealed, nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	return string(payload), nil
}

func (r *IntegrationRepository) decodeCredentials(value string) (persistence.Credentials, error) {
	var record credentialsRecord
	if value == "" {
		return persistence.Credentials{}, nil
	}
	if r.sealer != nil {
		if err := r.sealer.OpenJSON(value, &record); err != nil {
			return persistence.Credentials{}, fmt.Errorf("open credentials: %w", err)
		}
		return persistence.Credentials(record), nil
	}
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return persistence.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return persistence.Credentials(record), nil
}

func encodeSyncErrors(errs []persistence.SyncError) (string, error) {
	records := make([]syncErrorRecord, len(errs))
	for i, e := range errs {
		records[i] = syncErrorRecord(e)
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encode sync errors: %w", err)
	}
	return string(payload), nil
}

func decodeSyncErrors(value string) ([]persistence.SyncError, error) {
	if value == "" {
		return nil, nil
	}
	var records []syncErrorRecord
	if err := json.Unmarshal([]byte(value), &records); err != nil {
		return nil, fmt.Errorf("decode sync errors: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	errs := make([]persistence.SyncError, len(records))
	for i, record := range records {
		errs[i] = persistence.SyncError(record)
	}
	return errs, nil
}
