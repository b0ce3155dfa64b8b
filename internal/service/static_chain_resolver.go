package service

import (
	"context"
	"strings"

	"github.com/spec-kit/helpdesk-engine/internal/config"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// StaticChainResolver resolves escalation targets from chains loaded out
// of a config file.
type StaticChainResolver struct {
	entries map[chainKey]string
}

type chainKey struct {
	category string
	location string
	level    int
}

// NewStaticChainResolver indexes entries. Later duplicates win.
func NewStaticChainResolver(entries []config.ChainEntry) *StaticChainResolver {
	r := &StaticChainResolver{entries: make(map[chainKey]string, len(entries))}
	for _, e := range entries {
		key := chainKey{
			category: normalizeKey(e.Category),
			location: normalizeKey(e.Location),
			level:    e.Level,
		}
		r.entries[key] = e.AssigneeID
	}
	return r
}

// NextTarget returns the entry at currentLevel+1, preferring a
// location-specific entry over a category-wide one.
func (r *StaticChainResolver) NextTarget(_ context.Context, category, location string, currentLevel int) (*domain.AssignmentTarget, error) {
	level := currentLevel + 1
	cat := normalizeKey(category)
	for _, loc := range []string{normalizeKey(location), ""} {
		if assignee, ok := r.entries[chainKey{category: cat, location: loc, level: level}]; ok {
			return &domain.AssignmentTarget{AssigneeID: assignee, Level: level}, nil
		}
	}
	return nil, nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
