// Package registry tracks the agent subprocesses that are currently running,
// grouped by the pipeline they belong to.
package registry

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is the registry's view of a running subprocess
type Handle interface {
	// Stop terminates the subprocess and any children it started.
	Stop() error
}

// ChangeListener is called after every register or unregister
type ChangeListener func()

// ActivityListener is called for every activity tick reported by a runner
type ActivityListener func(key, kind, summary string)

// RunSummary describes one active pipeline
type RunSummary struct {
	Key       string    `json:"key"`
	Label     string    `json:"label"`
	StartedAt time.Time `json:"started_at"`
	Number    int       `json:"number,omitempty"`
	Phases    []string  `json:"phases"`
}

// Summary partitions active pipelines by whether their key encodes a
// numbered conversation.
type Summary struct {
	Numbered   []RunSummary `json:"numbered"`
	Unnumbered []RunSummary `json:"unnumbered"`
}

var (
	phaseSuffix = regexp.MustCompile(`:(?:[A-Z][0-9]*|Bgap|learner|install)$`)
	convNumber  = regexp.MustCompile(`:conv:(\d+)`)
)

// BaseKey strips a phase suffix (":A", ":D2", ":Bgap", ":learner",
// ":install") and returns the pipeline key the phase belongs to.
func BaseKey(key string) string {
	return phaseSuffix.ReplaceAllString(key, "")
}

type entry struct {
	key       string
	label     string
	startedAt time.Time
	handle    Handle
	stopped   atomic.Bool
}

// Registration is returned by Register and is owned by the runner that
// registered the handle.
type Registration struct {
	r *Registry
	e *entry
}

// Stopped reports whether the handle was terminated through Kill
func (g *Registration) Stopped() bool {
	return g != nil && g.e.stopped.Load()
}

// Release unregisters the handle if it is still the one registered under
// its key. Safe to call more than once.
func (g *Registration) Release() {
	if g == nil {
		return
	}
	g.r.release(g.e)
}

// Registry is an in-memory directory of running subprocesses. Entries are
// stored in two levels: pipeline key, then the full phase key.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	runs     map[string]map[string]*entry
	change   ChangeListener
	activity ActivityListener
}

// New creates an empty registry
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		runs:   make(map[string]map[string]*entry),
	}
}

// Register records a running handle under key. A second registration under
// the same key replaces the first.
func (r *Registry) Register(key string, h Handle, label string) *Registration {
	e := &entry{key: key, label: label, startedAt: time.Now().UTC(), handle: h}

	r.mu.Lock()
	base := BaseKey(key)
	phases, ok := r.runs[base]
	if !ok {
		phases = make(map[string]*entry)
		r.runs[base] = phases
	}
	phases[key] = e
	listener := r.change
	r.mu.Unlock()

	r.logger.Debug("process registered", "key", key, "label", label)
	if listener != nil {
		listener()
	}
	return &Registration{r: r, e: e}
}

// Unregister removes whatever is registered under key
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	removed := r.removeLocked(key, nil)
	listener := r.change
	r.mu.Unlock()

	if removed && listener != nil {
		listener()
	}
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	removed := r.removeLocked(e.key, e)
	listener := r.change
	r.mu.Unlock()

	if removed {
		r.logger.Debug("process unregistered", "key", e.key)
		if listener != nil {
			listener()
		}
	}
}

// removeLocked deletes key, or only the given entry when want is non-nil.
func (r *Registry) removeLocked(key string, want *entry) bool {
	base := BaseKey(key)
	phases, ok := r.runs[base]
	if !ok {
		return false
	}
	cur, ok := phases[key]
	if !ok || (want != nil && cur != want) {
		return false
	}
	delete(phases, key)
	if len(phases) == 0 {
		delete(r.runs, base)
	}
	return true
}

// Kill stops every handle belonging to key: the handle registered under key
// itself and every handle whose key extends it with ":<suffix>". A pipeline
// key therefore stops all of its phases and a phase key stops just that
// phase. Each stopped handle is marked so its runner reports a user stop.
// Returns whether anything matched.
func (r *Registry) Kill(key string) bool {
	r.mu.Lock()
	targets := r.matchLocked(key)
	for _, e := range targets {
		e.stopped.Store(true)
	}
	r.mu.Unlock()

	for _, e := range targets {
		if err := e.handle.Stop(); err != nil {
			r.logger.Warn("failed to stop process", "key", e.key, "error", err)
		} else {
			r.logger.Info("process stopped by user", "key", e.key)
		}
	}
	return len(targets) > 0
}

// Has reports whether Kill(key) would match anything
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.matchLocked(key)) > 0
}

func (r *Registry) matchLocked(key string) []*entry {
	var matched []*entry
	prefix := key + ":"
	for _, phases := range r.runs {
		for k, e := range phases {
			if k == key || strings.HasPrefix(k, prefix) {
				matched = append(matched, e)
			}
		}
	}
	return matched
}

// Summary returns one entry per active pipeline
func (r *Registry) Summary() Summary {
	r.mu.Lock()
	runs := make([]RunSummary, 0, len(r.runs))
	for base, phases := range r.runs {
		item := RunSummary{Key: base}
		for key, e := range phases {
			if item.StartedAt.IsZero() || e.startedAt.Before(item.StartedAt) {
				item.StartedAt = e.startedAt
			}
			item.Phases = append(item.Phases, key)
		}
		// The label follows the most recently started phase.
		item.Label = latestLabel(phases)
		sort.Strings(item.Phases)
		runs = append(runs, item)
	}
	r.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].Key < runs[j].Key
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})

	summary := Summary{Numbered: []RunSummary{}, Unnumbered: []RunSummary{}}
	for _, item := range runs {
		if m := convNumber.FindStringSubmatch(item.Key); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				item.Number = n
				summary.Numbered = append(summary.Numbered, item)
				continue
			}
		}
		summary.Unnumbered = append(summary.Unnumbered, item)
	}
	return summary
}

func latestLabel(phases map[string]*entry) string {
	var latest *entry
	for _, e := range phases {
		if latest == nil || e.startedAt.After(latest.startedAt) {
			latest = e
		}
	}
	if latest == nil {
		return ""
	}
	return latest.label
}

// SetChangeListener installs the change callback, replacing any previous one
func (r *Registry) SetChangeListener(fn ChangeListener) {
	r.mu.Lock()
	r.change = fn
	r.mu.Unlock()
}

// SetActivityListener installs the activity callback, replacing any previous one
func (r *Registry) SetActivityListener(fn ActivityListener) {
	r.mu.Lock()
	r.activity = fn
	r.mu.Unlock()
}

// EmitActivity forwards an activity tick to the activity listener
func (r *Registry) EmitActivity(key, kind, summary string) {
	r.mu.Lock()
	listener := r.activity
	r.mu.Unlock()

	if listener != nil {
		listener(key, kind, summary)
	}
}
