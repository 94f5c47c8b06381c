package quire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/dgellow/quire-mcp/internal/cache"
	"github.com/dgellow/quire-mcp/internal/log"
)

const (
	// SuggestionTTL is how long a user's project list is served from memory
	SuggestionTTL = 5 * time.Minute

	// DefaultSuggestionUsers bounds how many users' project lists are held
	DefaultSuggestionUsers = 100
)

// ProjectLister is the slice of the Quire client the suggestion cache reads through
type ProjectLister interface {
	ListProjects(ctx context.Context, token string) ([]Project, error)
}

type projectSnapshot struct {
	projects  []Project
	fetchedAt time.Time
}

// SuggestionCache answers project-name completions from a per-user snapshot
// of the project list, refetched once it is older than SuggestionTTL
type SuggestionCache struct {
	lister    ProjectLister
	snapshots *cache.BoundedCache[string, projectSnapshot]
	now       func() time.Time
}

// NewSuggestionCache creates a cache for up to users distinct tokens
func NewSuggestionCache(lister ProjectLister, users int) (*SuggestionCache, error) {
	snapshots, err := cache.New(users, cache.WithName[string, projectSnapshot]("suggestions"))
	if err != nil {
		return nil, err
	}
	return &SuggestionCache{lister: lister, snapshots: snapshots, now: time.Now}, nil
}

// tokenKey keeps raw upstream tokens out of the cache's key space
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Projects returns the user's projects, from memory while fresh
func (s *SuggestionCache) Projects(ctx context.Context, token string) ([]Project, error) {
	key := tokenKey(token)
	if snap, ok := s.snapshots.Get(key); ok && s.now().Sub(snap.fetchedAt) < SuggestionTTL {
		return snap.projects, nil
	}

	projects, err := s.lister.ListProjects(ctx, token)
	if err != nil {
		return nil, err
	}
	s.snapshots.Set(key, projectSnapshot{projects: projects, fetchedAt: s.now()})
	log.LogTraceWithFields("quire", "Project suggestions refreshed", map[string]any{
		"projects": len(projects),
	})
	return projects, nil
}

// Suggest returns up to limit project names matching query, prefix matches first
func (s *SuggestionCache) Suggest(ctx context.Context, token, query string, limit int) ([]string, error) {
	projects, err := s.Projects(ctx, token)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))
	var prefix, contains []string
	for _, p := range projects {
		if p.Archived {
			continue
		}
		name := p.NameText
		if name == "" {
			name = p.Name
		}
		lower := strings.ToLower(name)
		switch {
		case q == "" || strings.HasPrefix(lower, q) || strings.HasPrefix(strings.ToLower(p.ID), q):
			prefix = append(prefix, name)
		case strings.Contains(lower, q):
			contains = append(contains, name)
		}
	}
	sort.Strings(prefix)
	sort.Strings(contains)

	results := append(prefix, contains...)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Forget drops the snapshot held for token
func (s *SuggestionCache) Forget(token string) {
	s.snapshots.Delete(tokenKey(token))
}
