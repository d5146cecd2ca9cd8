package config

import "github.com/STSynthetic/GF-25-v3/internal/domain"

// ProfileSet is an immutable snapshot of every analysis and corrective
// profile currently in effect. Readers hold a reference to one ProfileSet
// for the lifetime of a task so a concurrent Reload never changes the
// rules mid-evaluation (spec invariant: profile version is pinned per-task).
type ProfileSet struct {
	Analyses   map[string]*domain.AnalysisProfile
	Corrective map[string]*domain.CorrectiveProfile
}

func newEmptyProfileSet() *ProfileSet {
	return &ProfileSet{
		Analyses:   map[string]*domain.AnalysisProfile{},
		Corrective: map[string]*domain.CorrectiveProfile{},
	}
}
