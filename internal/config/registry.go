package config

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// Report summarizes one Reload: whether the active set changed and, if
// loading failed entirely or partially, the per-file validation errors.
type Report struct {
	Changed bool
	Failed  bool
	Errors  []*ValidationError
}

// Listener is notified after a successful Reload swaps in a new ProfileSet.
type Listener func(set *ProfileSet)

// Registry is the Configuration Registry: it owns the active ProfileSet
// behind an atomic pointer so task-path readers never block on a reload,
// and fans out change notifications to subscribers on a dedicated
// goroutine outside of the swap itself.
type Registry struct {
	log  *logger.Logger
	root string

	active atomic.Pointer[ProfileSet]

	mu        sync.Mutex
	listeners []Listener
	notifyCh  chan *ProfileSet
}

// NewRegistry loads the profile tree rooted at configDir and returns a
// Registry seeded with it. A failed initial load still returns a Registry
// backed by an empty ProfileSet so the caller can decide whether to treat
// that as fatal.
func NewRegistry(configDir string, log *logger.Logger) (*Registry, *Report) {
	r := &Registry{
		log:      log.With("component", "ConfigurationRegistry"),
		root:     configDir,
		notifyCh: make(chan *ProfileSet, 8),
	}
	r.active.Store(newEmptyProfileSet())
	go r.notifyLoop()

	report := r.Reload()
	return r, report
}

// Reload re-walks the config tree and validates every document. The active
// set is swapped in only when the walk produced zero validation errors; any
// malformed file — even one among hundreds of otherwise-good ones — aborts
// the whole reload and leaves the prior set untouched, since a task reading
// a partially-updated set could pin a profile version that was never fully
// validated. A reload whose parsed profiles are deeply equal to the
// active set's is treated as a no-op: Changed stays false and no swap, and no
// listener notification, happens at all.
func (r *Registry) Reload() *Report {
	set, errs := loadTree(r.root)
	errs = append(errs, checkClosedAnalysisSet(set)...)
	report := &Report{Errors: errs}

	if len(errs) > 0 {
		report.Failed = true
		r.log.Warn("config reload found invalid profiles, keeping prior set active", "error_count", len(errs))
		return report
	}

	prev := r.active.Load()
	report.Changed = prev == nil || !setsEqual(prev, set)
	if !report.Changed {
		r.log.Debug("config reload found no content changes, skipping swap")
		return report
	}

	r.active.Store(set)
	r.log.Info("config reload completed", "analyses", len(set.Analyses), "corrective", len(set.Corrective))

	select {
	case r.notifyCh <- set:
	default:
		r.log.Warn("config reload notification dropped, listener channel full")
	}
	return report
}

// setsEqual reports whether two ProfileSets carry identical profiles. Every
// field on AnalysisProfile/CorrectiveProfile is data, so a deep structural
// comparison is exactly "would any task see different rules".
func setsEqual(a, b *ProfileSet) bool {
	return reflect.DeepEqual(a.Analyses, b.Analyses) && reflect.DeepEqual(a.Corrective, b.Corrective)
}

// GetAnalysisProfile returns the active AnalysisProfile for a type.
func (r *Registry) GetAnalysisProfile(analysisType string) (*domain.AnalysisProfile, error) {
	set := r.active.Load()
	p, ok := set.Analyses[analysisType]
	if !ok {
		return nil, fmt.Errorf("%w: analysis profile %q", domain.ErrConfiguration, analysisType)
	}
	return p, nil
}

// GetCorrectiveProfile returns the active CorrectiveProfile for an
// (analysis type, tier) pair.
func (r *Registry) GetCorrectiveProfile(analysisType string, tier domain.QATier) (*domain.CorrectiveProfile, error) {
	set := r.active.Load()
	key := analysisType + "/" + string(tier)
	p, ok := set.Corrective[key]
	if !ok {
		return nil, fmt.Errorf("%w: corrective profile %s", domain.ErrConfiguration, key)
	}
	return p, nil
}

// AnalysisVersions returns the active profile version pinned for each
// analysis type, keyed by type. The Job Orchestrator freezes this into a
// Process's ConfigSnapshot at acquisition time so a later Reload never
// changes the rules for tasks already in flight.
func (r *Registry) AnalysisVersions() map[string]string {
	set := r.active.Load()
	out := make(map[string]string, len(set.Analyses))
	for t, p := range set.Analyses {
		out[t] = p.Version
	}
	return out
}

// Subscribe registers a listener invoked after every Reload that changes
// the active set. Listeners run on the registry's own goroutine, never
// under the swap, so a slow subscriber cannot stall readers or the writer.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notifyLoop() {
	for set := range r.notifyCh {
		r.mu.Lock()
		listeners := make([]Listener, len(r.listeners))
		copy(listeners, r.listeners)
		r.mu.Unlock()
		for _, l := range listeners {
			l(set)
		}
	}
}
