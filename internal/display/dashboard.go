package display

import (
	"sort"
	"sync"

	"github.com/lenslab/lenscloud/internal/protocol"
)

// Dashboard modes.
const (
	ModeMain     = "main"
	ModeExpanded = "expanded"
)

// card is one App's dashboard contribution.
type card struct {
	pkg     string
	content string
	layout  map[string]any
}

// Dashboard aggregates per-App dashboard content into the overlay shown on
// head-up. In main mode the cards rotate, one per render; expanded mode
// shows all of them. Safe for concurrent use.
type Dashboard struct {
	mu     sync.Mutex
	mode   string
	cards  map[string]*card
	cursor int
}

// NewDashboard creates an empty Dashboard in main mode.
func NewDashboard() *Dashboard {
	return &Dashboard{
		mode:  ModeMain,
		cards: make(map[string]*card),
	}
}

// SetContent replaces pkg's dashboard text. An empty mode keeps the
// current one.
func (d *Dashboard) SetContent(pkg, content, mode string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cards[pkg] = &card{pkg: pkg, content: content}
	if mode == ModeMain || mode == ModeExpanded {
		d.mode = mode
	}
}

// SetContentLayout replaces pkg's dashboard card with a structured layout,
// used by display_request frames targeting the dashboard view.
func (d *Dashboard) SetContentLayout(pkg string, layout map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cards[pkg] = &card{pkg: pkg, layout: layout}
}

// SetMode switches between main and expanded. Unknown modes are ignored.
func (d *Dashboard) SetMode(mode string) {
	if mode != ModeMain && mode != ModeExpanded {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
}

// Mode returns the current dashboard mode.
func (d *Dashboard) Mode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// RemoveContent drops pkg's card.
func (d *Dashboard) RemoveContent(pkg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cards, pkg)
}

// Render builds the dashboard display event. Main mode shows one card and
// advances the rotation cursor; expanded mode shows every card, ordered by
// package name for stability.
func (d *Dashboard) Render() protocol.DisplayEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	pkgs := make([]string, 0, len(d.cards))
	for pkg := range d.cards {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)

	var sections []map[string]any
	switch {
	case len(pkgs) == 0:
		// Empty dashboard still renders the frame chrome.
	case d.mode == ModeMain:
		d.cursor %= len(pkgs)
		sections = append(sections, d.cards[pkgs[d.cursor]].section())
		d.cursor++
	default:
		for _, pkg := range pkgs {
			sections = append(sections, d.cards[pkg].section())
		}
	}

	return protocol.DisplayEvent{
		Type: protocol.CloudDisplayEvent,
		View: ViewDashboard,
		Layout: map[string]any{
			"layoutType": "dashboard",
			"mode":       d.mode,
			"sections":   sections,
		},
	}
}

func (c *card) section() map[string]any {
	if c.layout != nil {
		return map[string]any{"packageName": c.pkg, "layout": c.layout}
	}
	return map[string]any{"packageName": c.pkg, "content": c.content}
}
