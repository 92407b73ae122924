package commenter

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/store"
)

// fakeStore is an in-memory Store for admission tests.
type fakeStore struct {
	settings   store.CommentFilterSettings
	commenters map[string]*store.AllowedCommenter
	touched    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{commenters: make(map[string]*store.AllowedCommenter)}
}

func (f *fakeStore) GetCommenter(_ context.Context, username string) (*store.AllowedCommenter, error) {
	c, ok := f.commenters[username]
	if !ok {
		return nil, fmt.Errorf("get commenter: %w", store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) UpsertCommenter(_ context.Context, c *store.AllowedCommenter) error {
	cp := *c
	f.commenters[c.ExternalUsername] = &cp
	return nil
}

func (f *fakeStore) DisableCommenter(_ context.Context, username string) error {
	c, ok := f.commenters[username]
	if !ok {
		return fmt.Errorf("disable commenter: %w", store.ErrNotFound)
	}
	c.Enabled = false
	return nil
}

func (f *fakeStore) TouchCommenterActivity(_ context.Context, username string, increment bool) error {
	c, ok := f.commenters[username]
	if !ok {
		return fmt.Errorf("touch commenter: %w", store.ErrNotFound)
	}
	if increment {
		c.CommentCount++
	}
	f.touched = append(f.touched, username)
	return nil
}

func (f *fakeStore) ListCommenters(_ context.Context, enabledOnly bool, limit, offset int) ([]store.AllowedCommenter, error) {
	var out []store.AllowedCommenter
	for _, c := range f.commenters {
		if enabledOnly && !c.Enabled {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeStore) GetFilterSettings(_ context.Context) (*store.CommentFilterSettings, error) {
	cp := f.settings
	return &cp, nil
}

func (f *fakeStore) UpdateFilterSettings(_ context.Context, settings *store.CommentFilterSettings) error {
	f.settings = *settings
	return nil
}

func TestAdmitFilteringDisabledAllowsAll(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs)

	d, err := svc.Admit(context.Background(), "anyone")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAdmitWhitelistMode(t *testing.T) {
	tests := []struct {
		name    string
		row     *store.AllowedCommenter
		allowed bool
	}{
		{"unknown commenter denied", nil, false},
		{"enabled commenter allowed", &store.AllowedCommenter{ExternalUsername: "octocat", Enabled: true}, true},
		{"disabled commenter denied", &store.AllowedCommenter{ExternalUsername: "octocat", Enabled: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.settings = store.CommentFilterSettings{Enabled: true, WhitelistMode: true}
			if tt.row != nil {
				fs.commenters[tt.row.ExternalUsername] = tt.row
			}

			svc := New(fs)
			d, err := svc.Admit(context.Background(), "octocat")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
		})
	}
}

func TestAdmitBlacklistMode(t *testing.T) {
	tests := []struct {
		name    string
		row     *store.AllowedCommenter
		allowed bool
	}{
		{"unknown commenter allowed", nil, true},
		{"enabled row allowed", &store.AllowedCommenter{ExternalUsername: "octocat", Enabled: true}, true},
		{"disabled row denied", &store.AllowedCommenter{ExternalUsername: "octocat", Enabled: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.settings = store.CommentFilterSettings{Enabled: true, WhitelistMode: false}
			if tt.row != nil {
				fs.commenters[tt.row.ExternalUsername] = tt.row
			}

			svc := New(fs)
			d, err := svc.Admit(context.Background(), "octocat")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
		})
	}
}

func TestAdmitAllowedStampsActivity(t *testing.T) {
	fs := newFakeStore()
	fs.settings = store.CommentFilterSettings{Enabled: true, WhitelistMode: true}
	fs.commenters["octocat"] = &store.AllowedCommenter{ExternalUsername: "octocat", Enabled: true, CommentCount: 3}

	svc := New(fs)
	d, err := svc.Admit(context.Background(), "octocat")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"octocat"}, fs.touched)
	assert.Equal(t, 4, fs.commenters["octocat"].CommentCount)
}

func TestAdmitAutoAddWithReply(t *testing.T) {
	fs := newFakeStore()
	fs.settings = store.CommentFilterSettings{
		Enabled:           true,
		WhitelistMode:     true,
		AutoAddCommenters: true,
		AutoReplyEnabled:  true,
		AutoReplyMessage:  "Welcome {username}, a maintainer will approve you shortly.",
	}

	svc := New(fs)
	d, err := svc.Admit(context.Background(), "newuser")
	require.NoError(t, err)

	assert.False(t, d.Allowed, "the triggering comment itself stays denied")
	assert.True(t, d.AutoAdded)
	assert.Equal(t, "Welcome newuser, a maintainer will approve you shortly.", d.AutoReply)

	added := fs.commenters["newuser"]
	require.NotNil(t, added)
	assert.True(t, added.Enabled)
	assert.Equal(t, "auto", added.AddedBy)
}

func TestAdmitAutoAddSkipsExplicitlyDisabledRows(t *testing.T) {
	fs := newFakeStore()
	fs.settings = store.CommentFilterSettings{
		Enabled:           true,
		WhitelistMode:     true,
		AutoAddCommenters: true,
	}
	fs.commenters["banned"] = &store.AllowedCommenter{ExternalUsername: "banned", Enabled: false}

	svc := New(fs)
	d, err := svc.Admit(context.Background(), "banned")
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.False(t, d.AutoAdded, "an operator-disabled row is never re-enabled automatically")
	assert.False(t, fs.commenters["banned"].Enabled)
}

func TestAdmitEmptyUsername(t *testing.T) {
	svc := New(newFakeStore())
	_, err := svc.Admit(context.Background(), "")
	assert.Error(t, err)
}

func TestRenderAutoReply(t *testing.T) {
	assert.Equal(t, "hi octocat and octocat",
		RenderAutoReply("hi {username} and {username}", "octocat"))

	// Braces are literal, not general interpolation.
	assert.Equal(t, "count {count} for octocat",
		RenderAutoReply("count {count} for {username}", "octocat"))

	rendered := RenderAutoReply("", "octocat")
	assert.Contains(t, rendered, "@octocat")
}

func TestAddRemove(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs)
	ctx := context.Background()

	require.NoError(t, svc.Add(ctx, "octocat", "42", "admin", "trusted"))
	assert.True(t, fs.commenters["octocat"].Enabled)

	require.NoError(t, svc.Remove(ctx, "octocat"))
	assert.False(t, fs.commenters["octocat"].Enabled)

	// Re-adding re-enables.
	require.NoError(t, svc.Add(ctx, "octocat", "", "admin", ""))
	assert.True(t, fs.commenters["octocat"].Enabled)

	assert.Error(t, svc.Add(ctx, "", "", "", ""))
}
