package tui

import "github.com/charmbracelet/bubbles/key"

// DashboardKeyMap holds the bindings of the main screen.
type DashboardKeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Details  key.Binding
	Add      key.Binding
	Inspect  key.Binding
	Seed     key.Binding
	Create   key.Binding
	Refresh  key.Binding
	Track    key.Binding
	Remove   key.Binding
	Announce key.Binding
	Swarm    key.Binding
	Fetch    key.Binding
	Copy     key.Binding
	Settings key.Binding
	Help     key.Binding
	Quit     key.Binding
}

// InputKeyMap holds the bindings of the add-download form.
type InputKeyMap struct {
	Next   key.Binding
	Prev   key.Binding
	Submit key.Binding
	Cancel key.Binding
}

// Keys is the dashboard key map.
var Keys = DashboardKeyMap{
	Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Details:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "details")),
	Add:      key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "add torrent")),
	Inspect:  key.NewBinding(key.WithKeys("i"), key.WithHelp("i", "inspect torrent")),
	Seed:     key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "seed torrent")),
	Create:   key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "create torrent")),
	Refresh:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Track:    key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "resubscribe")),
	Remove:   key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "remove")),
	Announce: key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "announce")),
	Swarm:    key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "swarm peers")),
	Fetch:    key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "fetch file")),
	Copy:     key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "copy job id")),
	Settings: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "settings")),
	Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// InputKeys is the add-download form key map.
var InputKeys = InputKeyMap{
	Next:   key.NewBinding(key.WithKeys("tab", "down"), key.WithHelp("tab", "next field")),
	Prev:   key.NewBinding(key.WithKeys("shift+tab", "up"), key.WithHelp("shift+tab", "previous field")),
	Submit: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "start")),
	Cancel: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
}

func (k DashboardKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Add, k.Details, k.Track, k.Remove, k.Help, k.Quit}
}

func (k DashboardKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Details, k.Refresh},
		{k.Add, k.Inspect, k.Seed, k.Create},
		{k.Remove, k.Announce, k.Swarm},
		{k.Track, k.Fetch, k.Copy, k.Settings},
		{k.Help, k.Quit},
	}
}

func (k InputKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Submit, k.Cancel}
}

func (k InputKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Next, k.Prev, k.Submit, k.Cancel}}
}
