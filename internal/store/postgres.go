// Package store implements the pns.DeviceStore query surface against
// PostgreSQL, using server-side DECLARE CURSOR / FETCH paging so the
// PreProcessor's memory footprint for a fan-out query is bounded by the
// chunk size, not by audience size (spec.md §4.2, §8).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turksat-oss/pns-dispatch/pkg/pns"
)

// fetchSize mirrors pns.MaxChunkSize: one FETCH FORWARD per page, matching
// original_source's SQLAlchemy yield_per(1000).
const fetchSize = pns.MaxChunkSize

// Store implements pns.DeviceStore against a PostgreSQL pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an already-configured pgxpool.Pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With("component", "DeviceStore")}
}

func appVersionPredicate(appID string, minAppVer *int64, argN int) (string, []any) {
	if appID == "" || minAppVer == nil {
		return "", nil
	}
	return fmt.Sprintf(" AND d.mobile_app_id = $%d AND d.mobile_app_ver >= $%d", argN, argN+1),
		[]any{appID, *minAppVer}
}

// DevicesByPnsID implements mode 1 (direct recipients), spec.md §4.2.
func (s *Store) DevicesByPnsID(ctx context.Context, pnsIDs []string, platform pns.Platform, appID string, minAppVer *int64) (pns.DeviceCursor, error) {
	query := `
		SELECT d.platform_id
		FROM device d
		JOIN "user" u ON u.id = d.user_id
		WHERE u.pns_id = ANY($1) AND d.platform = $2 AND d.mute = false`
	args := []any{pnsIDs, string(platform)}
	if extra, extraArgs := appVersionPredicate(appID, minAppVer, 3); extra != "" {
		query += extra
		args = append(args, extraArgs...)
	}
	return s.openCursor(ctx, query, args...)
}

// DevicesByChannel implements mode 2 (channel subscribers), spec.md §4.2.
func (s *Store) DevicesByChannel(ctx context.Context, channelID int64, platform pns.Platform, appID string, minAppVer *int64) (pns.DeviceCursor, error) {
	query := `
		SELECT d.platform_id
		FROM device d
		JOIN subscription sub ON sub.user_id = d.user_id
		WHERE sub.channel_id = $1 AND d.platform = $2 AND d.mute = false`
	args := []any{channelID, string(platform)}
	if extra, extraArgs := appVersionPredicate(appID, minAppVer, 3); extra != "" {
		query += extra
		args = append(args, extraArgs...)
	}
	return s.openCursor(ctx, query, args...)
}

// DevicesByAppVersion implements mode 3 (broadcast by app version), spec.md §4.2.
func (s *Store) DevicesByAppVersion(ctx context.Context, platform pns.Platform, appID string, minAppVer int64) (pns.DeviceCursor, error) {
	query := `
		SELECT d.platform_id
		FROM device d
		WHERE d.platform = $1 AND d.mute = false
		  AND d.mobile_app_id = $2 AND d.mobile_app_ver >= $3`
	return s.openCursor(ctx, query, string(platform), appID, minAppVer)
}

func (s *Store) openCursor(ctx context.Context, query string, args ...any) (pns.DeviceCursor, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", ErrStoreUnavailable, err)
	}
	if _, err := tx.Exec(ctx, "DECLARE device_cursor CURSOR FOR "+query, args...); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("%w: declare cursor: %v", ErrStoreUnavailable, err)
	}
	return &cursor{tx: tx, logger: s.logger}, nil
}

// cursor implements pns.DeviceCursor over a DECLARE CURSOR / FETCH session.
type cursor struct {
	tx     pgx.Tx
	logger *slog.Logger
	closed bool
}

func (c *cursor) NextBatch(ctx context.Context) (pns.DeviceBatch, error) {
	rows, err := c.tx.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM device_cursor", fetchSize))
	if err != nil {
		return pns.DeviceBatch{}, fmt.Errorf("%w: fetch: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return pns.DeviceBatch{}, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return pns.DeviceBatch{}, fmt.Errorf("%w: rows: %v", ErrStoreUnavailable, err)
	}

	return pns.DeviceBatch{Tokens: tokens, HasMore: len(tokens) == fetchSize}, nil
}

func (c *cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	// A read-only streaming cursor has nothing to commit; rollback just
	// releases the transaction and the cursor with it.
	return c.tx.Rollback(ctx)
}

// DeleteByToken implements spec.md invariant 3: a conclusively-invalid token
// is removed before the job is acknowledged. Deleting a row that is already
// gone (control-plane race) is a no-op, not an error (spec.md §5).
func (s *Store) DeleteByToken(ctx context.Context, platform pns.Platform, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM device WHERE platform = $1 AND platform_id = $2`, string(platform), token)
	if err != nil {
		return fmt.Errorf("%w: delete by token: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ExistsByToken implements the canonical-replacement collision check
// (spec.md invariant 4).
func (s *Store) ExistsByToken(ctx context.Context, platform pns.Platform, token string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM device WHERE platform = $1 AND platform_id = $2)`,
		string(platform), token,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: exists by token: %v", ErrStoreUnavailable, err)
	}
	return exists, nil
}

// UpdateToken rewrites a stale token in place (spec.md invariant 4, "else"
// branch). A no-op if the row is already gone.
func (s *Store) UpdateToken(ctx context.Context, platform pns.Platform, oldToken, newToken string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE device SET platform_id = $1, updated_at = now() WHERE platform = $2 AND platform_id = $3`,
		newToken, string(platform), oldToken,
	)
	if err != nil {
		return fmt.Errorf("%w: update token: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// FindByToken is used by the APNS FeedbackTask to read last_updated before
// deciding whether a feedback-reported token should be evicted.
func (s *Store) FindByToken(ctx context.Context, platform pns.Platform, token string) (*pns.Device, error) {
	var d pns.Device
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, platform, platform_id, mute, mobile_app_id, mobile_app_ver, updated_at
		 FROM device WHERE platform = $1 AND platform_id = $2`,
		string(platform), token,
	).Scan(&d.ID, &d.UserID, &d.Platform, &d.PlatformID, &d.Muted, &d.MobileAppID, &d.MobileAppVer, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find by token: %v", ErrStoreUnavailable, err)
	}
	return &d, nil
}

// SaveAlertHistory persists the envelope as JSONB when application.save_alerts
// is enabled (original_source/pns/models.py's Alert table, supplemented per
// SPEC_FULL.md §12). It is fire-and-forget audit data: its failure does not
// roll back fan-out.
func (s *Store) SaveAlertHistory(ctx context.Context, envelope pns.AlertEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("store: marshal alert history: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO alert (channel_id, payload, created_at) VALUES ($1, $2, now())`,
		envelope.ChannelID, payload,
	)
	if err != nil {
		return fmt.Errorf("%w: save alert history: %v", ErrStoreUnavailable, err)
	}
	return nil
}
