// Package commenter decides whether an external commenter may trigger
// workflows, backed by the allowed-commenter list and the singleton
// filter settings.
package commenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowhook/flowhook/store"
)

// DefaultAutoReply is used when auto-reply is enabled but no template
// is configured. {username} is substituted literally.
const DefaultAutoReply = "Hi @{username}, thanks for the comment. An operator needs to approve your account before automated reviews run on your behalf."

// Store is the persistence surface the admission service needs.
type Store interface {
	GetCommenter(ctx context.Context, username string) (*store.AllowedCommenter, error)
	UpsertCommenter(ctx context.Context, c *store.AllowedCommenter) error
	DisableCommenter(ctx context.Context, username string) error
	TouchCommenterActivity(ctx context.Context, username string, increment bool) error
	ListCommenters(ctx context.Context, enabledOnly bool, limit, offset int) ([]store.AllowedCommenter, error)
	GetFilterSettings(ctx context.Context) (*store.CommentFilterSettings, error)
	UpdateFilterSettings(ctx context.Context, settings *store.CommentFilterSettings) error
}

// Decision is the outcome of admitting one commenter.
type Decision struct {
	// Allowed reports whether the comment may trigger workflows.
	Allowed bool

	// AutoAdded is set when the commenter was inserted because
	// auto_add_commenters is on.
	AutoAdded bool

	// AutoReply carries the rendered outbound reply to send, empty
	// when no reply is due.
	AutoReply string
}

// Service implements admission over the store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New builds an admission service.
func New(st Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit applies the filter mode to a commenter. Allowed commenters get
// their activity stamped; denied ones may be auto-added and owed an
// auto-reply, but the triggering comment itself stays denied.
func (s *Service) Admit(ctx context.Context, username string) (*Decision, error) {
	if username == "" {
		return nil, fmt.Errorf("admit: username is required")
	}

	settings, err := s.store.GetFilterSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("admit: %w", err)
	}

	if !settings.Enabled {
		return &Decision{Allowed: true}, nil
	}

	row, err := s.store.GetCommenter(ctx, username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("admit: %w", err)
	}

	var allowed bool
	if settings.WhitelistMode {
		allowed = row != nil && row.Enabled
	} else {
		allowed = row == nil || row.Enabled
	}

	if allowed {
		if row != nil {
			if err := s.store.TouchCommenterActivity(ctx, username, true); err != nil {
				s.logger.Warn("Failed to update commenter activity", "username", username, "error", err)
			}
		}
		return &Decision{Allowed: true}, nil
	}

	decision := &Decision{}
	if settings.AutoAddCommenters && row == nil {
		if err := s.store.UpsertCommenter(ctx, &store.AllowedCommenter{
			ExternalUsername: username,
			Enabled:          true,
			AddedBy:          "auto",
		}); err != nil {
			return nil, fmt.Errorf("admit: auto-add: %w", err)
		}
		decision.AutoAdded = true
		s.logger.Info("Auto-added commenter", "username", username)

		if settings.AutoReplyEnabled {
			decision.AutoReply = RenderAutoReply(settings.AutoReplyMessage, username)
		}
	}

	s.logger.Info("Comment denied by admission filter",
		"username", username,
		"whitelist_mode", settings.WhitelistMode,
		"auto_added", decision.AutoAdded)
	return decision, nil
}

// RenderAutoReply substitutes {username} literally into the template.
// The braces are not general interpolation.
func RenderAutoReply(template, username string) string {
	if template == "" {
		template = DefaultAutoReply
	}
	return strings.ReplaceAll(template, "{username}", username)
}

// AutoReplyMessage returns the rendered reply for a username, or
// ok=false when auto-reply is disabled.
func (s *Service) AutoReplyMessage(ctx context.Context, username string) (string, bool, error) {
	settings, err := s.store.GetFilterSettings(ctx)
	if err != nil {
		return "", false, fmt.Errorf("auto reply message: %w", err)
	}
	if !settings.AutoReplyEnabled {
		return "", false, nil
	}
	return RenderAutoReply(settings.AutoReplyMessage, username), true, nil
}

// Add upserts a commenter, re-enabling a disabled row.
func (s *Service) Add(ctx context.Context, username, userID, addedBy, notes string) error {
	if username == "" {
		return fmt.Errorf("add commenter: username is required")
	}
	return s.store.UpsertCommenter(ctx, &store.AllowedCommenter{
		ExternalUsername: username,
		ExternalUserID:   userID,
		Enabled:          true,
		AddedBy:          addedBy,
		Notes:            notes,
	})
}

// Remove soft-disables a commenter. The row is kept so blacklist mode
// can deny it.
func (s *Service) Remove(ctx context.Context, username string) error {
	return s.store.DisableCommenter(ctx, username)
}

// UpdateActivity stamps last_comment_at and optionally increments the
// comment count.
func (s *Service) UpdateActivity(ctx context.Context, username string, increment bool) error {
	return s.store.TouchCommenterActivity(ctx, username, increment)
}

// List returns commenters newest-first.
func (s *Service) List(ctx context.Context, enabledOnly bool, limit, offset int) ([]store.AllowedCommenter, error) {
	return s.store.ListCommenters(ctx, enabledOnly, limit, offset)
}

// Settings returns the current filter settings.
func (s *Service) Settings(ctx context.Context) (*store.CommentFilterSettings, error) {
	return s.store.GetFilterSettings(ctx)
}

// UpdateSettings replaces the filter settings.
func (s *Service) UpdateSettings(ctx context.Context, settings *store.CommentFilterSettings) error {
	return s.store.UpdateFilterSettings(ctx, settings)
}
