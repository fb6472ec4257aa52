package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	notekeep "github.com/wrenfield/notekeep"
	"github.com/wrenfield/notekeep/events"
	"github.com/wrenfield/notekeep/item"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	helpStyle  = lipgloss.NewStyle().Faint(true)
	logStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
)

// noteItem adapts *item.Item to bubbles/list's DefaultItem for rendering.
type noteItem struct{ it *item.Item }

func (n noteItem) Title() string {
	title, _ := n.it.Content["title"].(string)
	if title == "" {
		title = n.it.UUID
	}
	if n.it.ErrorDecrypting {
		title += " [undecryptable]"
	}
	return title
}

func (n noteItem) Description() string {
	if n.it.Dirty {
		return "unsynced local changes"
	}
	return n.it.ContentType
}

func (n noteItem) FilterValue() string { return n.Title() }

// eventMsg carries one event emitted on the notekeep event bus into the
// bubbletea update loop, since Bus.Emit runs on whatever goroutine
// triggered it (the background sync job), not tea's own.
type eventMsg struct {
	name    events.Name
	payload any
}

type model struct {
	ctx    context.Context
	client *notekeep.Client

	ui  list.Model
	log viewport.Model

	events chan eventMsg
	lines  []string

	width, height int
	status        string
}

func newModel(ctx context.Context, client *notekeep.Client) model {
	delegate := list.NewDefaultDelegate()
	ui := list.New(nil, delegate, 0, 0)
	ui.Title = "notekeep"

	m := model{
		ctx:    ctx,
		client: client,
		ui:     ui,
		log:    viewport.New(0, 0),
		events: make(chan eventMsg, 64),
	}

	client.Bus.Subscribe(func(name events.Name, payload any) {
		select {
		case m.events <- eventMsg{name: name, payload: payload}:
		default:
		}
	})

	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshItems(), m.waitForEvent())
}

func (m model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

func (m model) refreshItems() tea.Cmd {
	return func() tea.Msg {
		items := m.client.GetAll("Note")
		listItems := make([]list.Item, 0, len(items))
		for _, it := range items {
			listItems = append(listItems, noteItem{it: it})
		}
		return refreshedMsg{items: listItems}
	}
}

type refreshedMsg struct{ items []list.Item }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		listHeight := m.height - 6
		if listHeight < 3 {
			listHeight = 3
		}
		m.ui.SetSize(m.width, listHeight)
		m.log.Width = m.width
		m.log.Height = 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "n":
			return m, m.cmdCreateNote()
		case "s":
			return m, m.cmdSync()
		}

	case refreshedMsg:
		m.ui.SetItems(msg.items)
		return m, nil

	case eventMsg:
		m.appendLog(msg)
		if msg.name == events.SyncCompleted || msg.name == events.MajorDataChange {
			return m, tea.Batch(m.refreshItems(), m.waitForEvent())
		}
		return m, m.waitForEvent()
	}

	var cmd tea.Cmd
	m.ui, cmd = m.ui.Update(msg)
	return m, cmd
}

func (m *model) appendLog(e eventMsg) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), e.name)
	m.lines = append(m.lines, line)
	if len(m.lines) > 200 {
		m.lines = m.lines[len(m.lines)-200:]
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

func (m model) cmdCreateNote() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		_, err := client.CreateItem("Note", map[string]any{"title": fmt.Sprintf("note %s", time.Now().Format(time.RFC3339))})
		if err != nil {
			return eventMsg{name: "local-error", payload: err}
		}
		return refreshedMsgFrom(client)
	}
}

func (m model) cmdSync() tea.Cmd {
	client := m.client
	ctx := m.ctx
	return func() tea.Msg {
		if err := client.Sync.Sync(ctx); err != nil {
			return eventMsg{name: "local-error", payload: err}
		}
		return refreshedMsgFrom(client)
	}
}

func refreshedMsgFrom(client *notekeep.Client) tea.Msg {
	items := client.GetAll("Note")
	listItems := make([]list.Item, 0, len(items))
	for _, it := range items {
		listItems = append(listItems, noteItem{it: it})
	}
	return refreshedMsg{items: listItems}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("notekeep-tui") + "\n")
	b.WriteString(m.ui.View())
	b.WriteString("\n")
	b.WriteString(logStyle.Render(m.log.View()))
	b.WriteString("\n")
	if m.client.Sync.IsOutOfSync() {
		b.WriteString(errorStyle.Render("OUT OF SYNC — press s after resolving") + "\n")
	}
	b.WriteString(helpStyle.Render("n new note · s sync · q quit"))
	return b.String()
}
