package highlight

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type State string

const (
	StateIdle         State = "idle"
	StatePopulated    State = "populated"
	StateNavigating   State = "navigating"
	StateAllExplained State = "all_explained"
)

// FocusSink asks the UI to bring a highlight into view.
type FocusSink interface {
	Focus(ctx context.Context, h Highlight) error
}

// FocusFunc adapts a function to FocusSink.
type FocusFunc func(ctx context.Context, h Highlight) error

func (f FocusFunc) Focus(ctx context.Context, h Highlight) error {
	return f(ctx, h)
}

type NextStatus string

const (
	NextHighlight NextStatus = "highlight"
	NextCompleted NextStatus = "completed"
	NextEmpty     NextStatus = "empty"
)

// NextResult distinguishes "walk to this highlight" from the two terminal cases:
// every highlight explained, or nothing to review at all.
type NextResult struct {
	Status    NextStatus `json:"status"`
	Highlight *Highlight `json:"highlight,omitempty"`
	Progress  Progress   `json:"progress"`
}

type Progress struct {
	Total           int `json:"total"`
	Explained       int `json:"explained"`
	Remaining       int `json:"remaining"`
	PercentComplete int `json:"percentComplete"`
}

// Manager owns the highlight set of one session. It is not safe for concurrent
// use; callers serialize access per session.
type Manager struct {
	highlights []Highlight
	index      map[string]int
	explained  map[string]struct{}
	current    string
	state      State
	focus      FocusSink
}

func NewManager(focus FocusSink) *Manager {
	return &Manager{
		index:     make(map[string]int),
		explained: make(map[string]struct{}),
		state:     StateIdle,
		focus:     focus,
	}
}

// SetFocusSink replaces the UI collaborator, e.g. when a client reconnects.
func (m *Manager) SetFocusSink(focus FocusSink) {
	m.focus = focus
}

// FocusSink returns the current UI collaborator, or nil.
func (m *Manager) FocusSink() FocusSink {
	return m.focus
}

// Update replaces the highlight set. It returns false and changes nothing when
// highlights equals the current set. Explained state survives only for ids that
// are still present.
func (m *Manager) Update(highlights []Highlight) bool {
	if cmp.Equal(m.highlights, highlights, cmpopts.EquateEmpty()) {
		return false
	}

	m.highlights = append([]Highlight(nil), highlights...)
	m.index = make(map[string]int, len(highlights))
	for i, h := range m.highlights {
		m.index[h.ID] = i
	}
	for id := range m.explained {
		if _, ok := m.index[id]; !ok {
			delete(m.explained, id)
		}
	}
	if _, ok := m.index[m.current]; !ok {
		m.current = ""
	}

	if len(m.highlights) == 0 {
		m.state = StateIdle
	} else {
		m.state = StatePopulated
	}
	return true
}

// Get returns the highlight with the given id.
func (m *Manager) Get(id string) (Highlight, error) {
	i, ok := m.index[id]
	if !ok {
		return Highlight{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.highlights[i], nil
}

// Highlights returns a copy of the current set in navigation order.
func (m *Manager) Highlights() []Highlight {
	return append([]Highlight(nil), m.highlights...)
}

// Select makes id the current highlight and asks the focus sink to show it. A sink
// failure is returned wrapped in ErrFocusFailed; the selection still stands.
func (m *Manager) Select(ctx context.Context, id string) (Highlight, error) {
	h, err := m.Get(id)
	if err != nil {
		return Highlight{}, err
	}
	m.current = id
	m.state = StateNavigating

	if m.focus == nil {
		return h, nil
	}
	if err := m.focus.Focus(ctx, h); err != nil {
		return h, fmt.Errorf("%w: %w", ErrFocusFailed, err)
	}
	return h, nil
}

// Current returns the selected highlight, if any.
func (m *Manager) Current() (Highlight, bool) {
	if m.current == "" {
		return Highlight{}, false
	}
	h, err := m.Get(m.current)
	return h, err == nil
}

// Next returns the first unexplained highlight in list order.
func (m *Manager) Next() NextResult {
	if len(m.highlights) == 0 {
		return NextResult{Status: NextEmpty, Progress: m.Progress()}
	}
	for i := range m.highlights {
		if _, done := m.explained[m.highlights[i].ID]; !done {
			h := m.highlights[i]
			return NextResult{Status: NextHighlight, Highlight: &h, Progress: m.Progress()}
		}
	}
	m.state = StateAllExplained
	return NextResult{Status: NextCompleted, Progress: m.Progress()}
}

// MarkExplained records that the user has been walked through id. Marking twice
// is a no-op.
func (m *Manager) MarkExplained(id string) error {
	if _, ok := m.index[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.explained[id] = struct{}{}
	if m.AllExplained() {
		m.state = StateAllExplained
	}
	return nil
}

// Explained reports whether id has been explained.
func (m *Manager) Explained(id string) bool {
	_, ok := m.explained[id]
	return ok
}

// ExplainedIDs lists explained ids in navigation order.
func (m *Manager) ExplainedIDs() []string {
	ids := make([]string, 0, len(m.explained))
	for _, h := range m.highlights {
		if _, ok := m.explained[h.ID]; ok {
			ids = append(ids, h.ID)
		}
	}
	return ids
}

// Progress reports navigation progress. An empty set counts as 100% complete:
// there is nothing left to fix.
func (m *Manager) Progress() Progress {
	total := len(m.highlights)
	explained := len(m.explained)
	percent := 100
	if total > 0 {
		percent = explained * 100 / total
	}
	return Progress{
		Total:           total,
		Explained:       explained,
		Remaining:       total - explained,
		PercentComplete: percent,
	}
}

// AllExplained is true when the set is empty or fully explained.
func (m *Manager) AllExplained() bool {
	return len(m.highlights) == 0 || len(m.explained) >= len(m.highlights)
}

func (m *Manager) State() State {
	return m.state
}
