package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// GetCommenter looks up an allowed-commenter row by username.
func (s *Store) GetCommenter(ctx context.Context, username string) (*AllowedCommenter, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var c AllowedCommenter
	err := s.db.GetContext(ctx, &c, `
		SELECT id, external_username, external_user_id, enabled, added_by, notes, last_comment_at, comment_count
		FROM allowed_commenters WHERE external_username = $1`, username)
	if err != nil {
		return nil, wrapDBError("get commenter", err)
	}
	return &c, nil
}

// UpsertCommenter inserts a commenter or re-enables and refreshes an
// existing row. Idempotent.
func (s *Store) UpsertCommenter(ctx context.Context, c *AllowedCommenter) error {
	if err := s.ready(); err != nil {
		return err
	}

	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allowed_commenters (id, external_username, external_user_id, enabled, added_by, notes, last_comment_at, comment_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_username) DO UPDATE
		SET enabled = EXCLUDED.enabled,
		    external_user_id = COALESCE(NULLIF(EXCLUDED.external_user_id, ''), allowed_commenters.external_user_id),
		    added_by = COALESCE(NULLIF(EXCLUDED.added_by, ''), allowed_commenters.added_by),
		    notes = COALESCE(NULLIF(EXCLUDED.notes, ''), allowed_commenters.notes)`,
		c.ID, c.ExternalUsername, c.ExternalUserID, c.Enabled, c.AddedBy, c.Notes, c.LastCommentAt, c.CommentCount)
	return wrapDBError("upsert commenter", err)
}

// DisableCommenter soft-disables a commenter row.
func (s *Store) DisableCommenter(ctx context.Context, username string) error {
	if err := s.ready(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE allowed_commenters SET enabled = FALSE WHERE external_username = $1`, username)
	if err != nil {
		return wrapDBError("disable commenter", err)
	}
	return requireRow(res, "disable commenter")
}

// TouchCommenterActivity updates last_comment_at and optionally
// increments comment_count.
func (s *Store) TouchCommenterActivity(ctx context.Context, username string, increment bool) error {
	if err := s.ready(); err != nil {
		return err
	}

	delta := 0
	if increment {
		delta = 1
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE allowed_commenters
		SET last_comment_at = $2, comment_count = comment_count + $3
		WHERE external_username = $1`, username, time.Now().UTC(), delta)
	if err != nil {
		return wrapDBError("touch commenter activity", err)
	}
	return requireRow(res, "touch commenter activity")
}

// ListCommenters returns commenters newest-first by last activity.
func (s *Store) ListCommenters(ctx context.Context, enabledOnly bool, limit, offset int) ([]AllowedCommenter, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, external_username, external_user_id, enabled, added_by, notes, last_comment_at, comment_count
		FROM allowed_commenters`
	if enabledOnly {
		query += ` WHERE enabled = TRUE`
	}
	query += ` ORDER BY last_comment_at DESC NULLS LAST LIMIT $1 OFFSET $2`

	var out []AllowedCommenter
	if err := s.db.SelectContext(ctx, &out, query, limit, offset); err != nil {
		return nil, wrapDBError("list commenters", err)
	}
	return out, nil
}

// GetFilterSettings returns the singleton settings row, or defaults
// when no row has been written yet.
func (s *Store) GetFilterSettings(ctx context.Context) (*CommentFilterSettings, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var settings CommentFilterSettings
	err := s.db.GetContext(ctx, &settings, `
		SELECT enabled, auto_add_commenters, auto_reply_enabled, auto_reply_message, whitelist_mode
		FROM comment_filter_settings WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No row yet: filtering defaults to off.
			return &CommentFilterSettings{}, nil
		}
		return nil, wrapDBError("get filter settings", err)
	}
	return &settings, nil
}

// UpdateFilterSettings writes the singleton settings row, creating it
// on first write.
func (s *Store) UpdateFilterSettings(ctx context.Context, settings *CommentFilterSettings) error {
	if err := s.ready(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_filter_settings (id, enabled, auto_add_commenters, auto_reply_enabled, auto_reply_message, whitelist_mode)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET enabled = EXCLUDED.enabled,
		    auto_add_commenters = EXCLUDED.auto_add_commenters,
		    auto_reply_enabled = EXCLUDED.auto_reply_enabled,
		    auto_reply_message = EXCLUDED.auto_reply_message,
		    whitelist_mode = EXCLUDED.whitelist_mode`,
		settings.Enabled, settings.AutoAddCommenters, settings.AutoReplyEnabled, settings.AutoReplyMessage, settings.WhitelistMode)
	return wrapDBError("update filter settings", err)
}
