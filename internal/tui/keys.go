package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

// KeyMap holds the monitor's key bindings.
type KeyMap struct {
	NextPane key.Binding
	PrevPane key.Binding
	Batches  key.Binding
	Log      key.Binding
	Run      key.Binding
	Up       key.Binding
	Down     key.Binding
	Quit     key.Binding
}

// DefaultKeyMap returns the default bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		NextPane: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
		PrevPane: key.NewBinding(key.WithKeys("shift+tab")),
		Batches:  key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2/3", "jump to pane")),
		Log:      key.NewBinding(key.WithKeys("2")),
		Run:      key.NewBinding(key.WithKeys("3")),
		Up:       key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("j/k", "select batch")),
		Down:     key.NewBinding(key.WithKeys("j", "down")),
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// HelpView returns a one-line help bar built from the bindings that carry
// help text.
func (k KeyMap) HelpView() string {
	var parts []string
	for _, b := range []key.Binding{k.NextPane, k.Batches, k.Up, k.Quit} {
		h := b.Help()
		parts = append(parts, h.Key+": "+h.Desc)
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}
