package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// formKind selects what the input screen collects and what submitting it does
type formKind int

const (
	formDownload formKind = iota
	formInfo
	formSeed
	formCreate
)

type formField struct {
	label       string
	placeholder string
	required    bool
}

type formSpec struct {
	title  string
	fields []formField
}

var formSpecs = map[formKind]formSpec{
	formDownload: {title: "Add Torrent", fields: []formField{
		{label: "Torrent:", placeholder: "/path/to/file.torrent", required: true},
		{label: "Save as:", placeholder: "(from torrent)"},
	}},
	formInfo: {title: "Inspect Torrent", fields: []formField{
		{label: "Torrent:", placeholder: "/path/to/file.torrent", required: true},
	}},
	formSeed: {title: "Seed Torrent", fields: []formField{
		{label: "Torrent:", placeholder: "/path/to/file.torrent", required: true},
		{label: "Data:", placeholder: "/path/to/data", required: true},
	}},
	formCreate: {title: "Create Torrent", fields: []formField{
		{label: "Payload:", placeholder: "/path/to/file", required: true},
		{label: "Name:", placeholder: "(from payload)"},
	}},
}

// openForm switches to the input screen with empty fields for kind.
func (m *RootModel) openForm(kind formKind) {
	spec := formSpecs[kind]
	inputs := make([]textinput.Model, len(spec.fields))
	for i, f := range spec.fields {
		ti := textinput.New()
		ti.Placeholder = f.placeholder
		ti.Width = InputWidth
		ti.Prompt = ""
		inputs[i] = ti
	}
	inputs[0].Focus()

	m.form = kind
	m.inputs = inputs
	m.focusedInput = 0
	m.state = InputState
}

func (m *RootModel) focusInput(i int) {
	m.inputs[m.focusedInput].Blur()
	m.focusedInput = i
	m.inputs[i].Focus()
}

// formValues returns the trimmed input values.
func (m RootModel) formValues() []string {
	out := make([]string, len(m.inputs))
	for i, in := range m.inputs {
		out[i] = strings.TrimSpace(in.Value())
	}
	return out
}

// submitForm moves to the next field, or runs the form once every
// required field is filled. Enter on an empty required field stays put.
func (m *RootModel) submitForm() tea.Cmd {
	spec := formSpecs[m.form]
	values := m.formValues()

	if spec.fields[m.focusedInput].required && values[m.focusedInput] == "" {
		return nil
	}
	if m.focusedInput < len(m.inputs)-1 {
		m.focusInput(m.focusedInput + 1)
		return nil
	}
	for i, f := range spec.fields {
		if f.required && values[i] == "" {
			m.focusInput(i)
			return nil
		}
	}

	m.state = DashboardState
	switch m.form {
	case formInfo:
		return m.inspectTorrent(values[0])
	case formSeed:
		return m.seedTorrent(values[0], values[1])
	case formCreate:
		return m.createTorrent(values[0], values[1])
	default:
		return m.startDownload(values[0], values[1])
	}
}
