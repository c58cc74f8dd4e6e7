package db

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/models"
)

// Well-known setting keys.
const (
	SettingDownloadWatermark = "sync.download_watermark"
	SettingLastSync          = "sync.last_success"
)

// Settings is the local key/value table. Settings are never synced.
type Settings struct {
	c *conn
}

// Get returns the value for key or ErrNotFound.
func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.c.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", apperrors.Newf(apperrors.ErrNotFound, "setting %q not found", key)
	}
	if err != nil {
		return "", classify("failed to read setting", err)
	}
	return value, nil
}

// GetOr returns the value for key, or def when the key is absent.
func (s *Settings) GetOr(ctx context.Context, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if apperrors.IsNotFound(err) {
		return def, nil
	}
	return v, err
}

// Set creates or replaces a setting.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "setting key is empty")
	}
	_, err := s.c.q.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.c.now())
	return classify("failed to write setting", err)
}

// All returns every setting ordered by key.
func (s *Settings) All(ctx context.Context) ([]*models.Setting, error) {
	rows, err := s.c.q.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, classify("failed to list settings", err)
	}
	defer rows.Close()

	var out []*models.Setting
	for rows.Next() {
		var st models.Setting
		var updated int64
		if err := rows.Scan(&st.Key, &st.Value, &updated); err != nil {
			return nil, classify("failed to scan setting", err)
		}
		st.UpdatedAt = fromMillis(updated)
		out = append(out, &st)
	}
	return out, classify("failed to list settings", rows.Err())
}

// GetTime reads a setting stored as unix milliseconds. Absent keys yield the zero time.
func (s *Settings) GetTime(ctx context.Context, key string) (time.Time, error) {
	v, err := s.GetOr(ctx, key, "")
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.ErrInvalidFormat, "setting "+key+" is not a timestamp", err)
	}
	return fromMillis(ms), nil
}

// SetTime stores t as unix milliseconds.
func (s *Settings) SetTime(ctx context.Context, key string, t time.Time) error {
	return s.Set(ctx, key, strconv.FormatInt(toMillis(t), 10))
}
