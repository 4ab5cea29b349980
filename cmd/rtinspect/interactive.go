package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/engine"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	entryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// callable entry points; alloc and memory are plumbing
var callable = map[string]bool{
	bytecode.EntryInitialize:     true,
	bytecode.EntryApplyExtrinsic: true,
	bytecode.EntryExecuteBlock:   true,
	bytecode.EntryFinalize:       true,
	bytecode.EntryOffchainQuery:  true,
}

type interactiveModel struct {
	err      error
	in       *inspector
	cfg      engine.Config
	filename string
	result   string
	entries  []string
	input    textinput.Model
	selected int
	state    modelState
}

type modelState int

const (
	stateSelectEntry modelState = iota
	stateInput
	stateShowResult
)

func newInteractiveModel(filename string, cfg engine.Config) *interactiveModel {
	return &interactiveModel{
		filename: filename,
		cfg:      cfg,
		state:    stateSelectEntry,
	}
}

type loadedMsg struct {
	err error
	in  *inspector
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.load
}

func (m *interactiveModel) load() tea.Msg {
	in, err := openInspector(context.Background(), m.filename, m.cfg)
	return loadedMsg{in: in, err: err}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, m.quit()

		case "q":
			if m.state != stateInput {
				return m, m.quit()
			}

		case "up", "k":
			if m.state == stateSelectEntry && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectEntry && m.selected < len(m.entries)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectEntry:
				if len(m.entries) == 0 {
					return m, nil
				}
				m.input = textinput.New()
				m.input.Placeholder = "0x hex, decimal u64 or text"
				m.input.Prompt = "input: "
				m.input.Width = 60
				m.input.Focus()
				m.state = stateInput
				return m, nil

			case stateInput:
				return m, m.call

			case stateShowResult:
				m.state = stateSelectEntry
				m.result = ""
				m.err = nil
			}

		case "esc":
			switch m.state {
			case stateInput, stateShowResult:
				m.state = stateSelectEntry
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.in = msg.in
		for _, e := range msg.in.module.EntryPoints {
			if callable[e] {
				m.entries = append(m.entries, e)
			}
		}

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInput {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) quit() tea.Cmd {
	if m.in != nil {
		m.in.Close(context.Background())
	}
	return tea.Quit
}

func (m *interactiveModel) call() tea.Msg {
	if m.in == nil {
		return callResultMsg{err: fmt.Errorf("runtime not loaded")}
	}
	data, err := parseInput(m.input.Value())
	if err != nil {
		return callResultMsg{err: fmt.Errorf("input: %w", err)}
	}
	res, err := m.in.call(context.Background(), m.entries[m.selected], data)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: formatResult(res)}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.in == nil {
		return "Loading runtime..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Runtime Inspector"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")
	for _, line := range m.in.metadata() {
		b.WriteString(metaStyle.Render(line))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateSelectEntry:
		b.WriteString("Select an entry point:\n\n")
		for i, e := range m.entries {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + e))
			} else {
				b.WriteString("  " + entryStyle.Render(e))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInput:
		b.WriteString(fmt.Sprintf("Calling %s\n\n", entryStyle.Render(m.entries[m.selected])))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter call • esc back"))

	case stateShowResult:
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", entryStyle.Render(m.entries[m.selected])))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}
	return b.String()
}

func runInteractive(filename string, cfg engine.Config) error {
	p := tea.NewProgram(newInteractiveModel(filename, cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
