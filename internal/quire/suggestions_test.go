package quire

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLister struct {
	calls    map[string]int
	projects []Project
	err      error
}

func (l *countingLister) ListProjects(_ context.Context, token string) ([]Project, error) {
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[token]++
	return l.projects, l.err
}

func newTestSuggestions(t *testing.T, lister ProjectLister, now *time.Time) *SuggestionCache {
	t.Helper()
	s, err := NewSuggestionCache(lister, 2)
	require.NoError(t, err)
	s.now = func() time.Time { return *now }
	return s
}

func TestSuggestionsAreCachedPerToken(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	lister := &countingLister{projects: []Project{{ID: "roadmap", Name: "Roadmap"}}}
	s := newTestSuggestions(t, lister, &now)

	_, err := s.Projects(context.Background(), "token-a")
	require.NoError(t, err)
	_, err = s.Projects(context.Background(), "token-a")
	require.NoError(t, err)
	_, err = s.Projects(context.Background(), "token-b")
	require.NoError(t, err)

	assert.Equal(t, 1, lister.calls["token-a"])
	assert.Equal(t, 1, lister.calls["token-b"])

	now = now.Add(SuggestionTTL)
	_, err = s.Projects(context.Background(), "token-a")
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls["token-a"], "stale snapshot is refetched")
}

func TestSuggestOrdering(t *testing.T) {
	now := time.Now()
	lister := &countingLister{projects: []Project{
		{ID: "ops", Name: "Ops backlog"},
		{ID: "roadmap", Name: "Roadmap"},
		{ID: "rnd", Name: "Research"},
		{ID: "old", Name: "Retired", Archived: true},
		{ID: "web", Name: "Website redesign"},
	}}
	s := newTestSuggestions(t, lister, &now)

	got, err := s.Suggest(context.Background(), "t", "re", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Research", "Website redesign"}, got)

	got, err = s.Suggest(context.Background(), "t", "r", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Research"}, got)

	got, err = s.Suggest(context.Background(), "t", "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestSuggestErrorNotCached(t *testing.T) {
	now := time.Now()
	lister := &countingLister{err: errors.New("quire down")}
	s := newTestSuggestions(t, lister, &now)

	_, err := s.Suggest(context.Background(), "t", "x", 5)
	require.Error(t, err)
	_, err = s.Suggest(context.Background(), "t", "x", 5)
	require.Error(t, err)
	assert.Equal(t, 2, lister.calls["t"])
}

func TestForget(t *testing.T) {
	now := time.Now()
	lister := &countingLister{}
	s := newTestSuggestions(t, lister, &now)

	_, _ = s.Projects(context.Background(), "t")
	s.Forget("t")
	_, _ = s.Projects(context.Background(), "t")
	assert.Equal(t, 2, lister.calls["t"])
}
