package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bartaai/meshcall/internal/mesh"
	"github.com/bartaai/meshcall/internal/room"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const refreshInterval = time.Second

// Controller is the part of a session the room view drives.
type Controller interface {
	Store() *room.Store
	Peers() []mesh.PeerInfo
	InviteURL() string
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
}

type keyMap struct {
	Audio  key.Binding
	Video  key.Binding
	Invite key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Audio:  key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "mic")),
	Video:  key.NewBinding(key.WithKeys("v"), key.WithHelp("v", "camera")),
	Invite: key.NewBinding(key.WithKeys("i"), key.WithHelp("i", "invite")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "leave")),
}

type roomChangedMsg struct{}

type refreshMsg time.Time

// RoomModel renders the roster of the current room and handles the
// in-call key bindings. Leaving is left to the caller once the program exits.
type RoomModel struct {
	ctrl       Controller
	changes    <-chan struct{}
	done       <-chan struct{}
	spinner    spinner.Model
	showInvite bool
	status     string
	statusErr  bool
	quitting   bool
}

// NewRoomModel builds a model that re-renders whenever changes fires.
// Pending waits return once done is closed.
func NewRoomModel(ctrl Controller, changes <-chan struct{}, done <-chan struct{}) *RoomModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &RoomModel{
		ctrl:    ctrl,
		changes: changes,
		done:    done,
		spinner: s,
	}
}

// RunRoom blocks until the user quits the room view or ctx ends.
func RunRoom(ctx context.Context, ctrl Controller) error {
	changes, unsubscribe := ctrl.Store().Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewRoomModel(ctrl, changes, ctx.Done()), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Init starts the spinner, the store watch and the refresh tick.
func (m *RoomModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForChange(), refresh())
}

func (m *RoomModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.changes:
			return roomChangedMsg{}
		case <-m.done:
			return nil
		}
	}
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

// Update handles key presses, store changes and timer ticks.
func (m *RoomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Audio):
			m.toggle("microphone", m.ctrl.ToggleAudio)
		case key.Matches(msg, keys.Video):
			m.toggle("camera", m.ctrl.ToggleVideo)
		case key.Matches(msg, keys.Invite):
			m.showInvite = !m.showInvite
		}

	case roomChangedMsg:
		return m, m.waitForChange()

	case refreshMsg:
		if m.quitting {
			return m, nil
		}
		return m, refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *RoomModel) toggle(what string, fn func() (bool, error)) {
	enabled, err := fn()
	if err != nil {
		m.status, m.statusErr = err.Error(), true
		return
	}
	m.statusErr = false
	if enabled {
		m.status = what + " on"
	} else {
		m.status = what + " off"
	}
}

// View renders the roster, the invite box when shown and the key help.
func (m *RoomModel) View() string {
	if m.quitting {
		return ""
	}

	store := m.ctrl.Store()
	current, ok := store.CurrentRoom()
	if !ok {
		return MutedStyle.Render("Not in a room") + "\n"
	}
	local, _ := store.LocalParticipant()

	var b strings.Builder
	b.WriteString(TitleStyle.Render("meshcall") + " " + SubtitleStyle.Render("room "+current.ID) + "\n\n")

	if m.showInvite {
		b.WriteString(InviteBoxStyle.Render(IconLink+" "+m.ctrl.InviteURL()) + "\n\n")
	}

	b.WriteString(m.rosterView(current, local.ID) + "\n")

	negotiating := 0
	for _, p := range m.ctrl.Peers() {
		if p.State == mesh.Negotiating {
			negotiating++
		}
	}
	if negotiating > 0 {
		b.WriteString(fmt.Sprintf("%s connecting to %d peer(s)\n", m.spinner.View(), negotiating))
	}

	if m.status != "" {
		style := MutedStyle
		if m.statusErr {
			style = ErrorStyle
		}
		b.WriteString(style.Render(m.status) + "\n")
	}

	b.WriteString(FooterStyle.Render(helpLine()))
	return b.String()
}

func (m *RoomModel) rosterView(current room.Room, localID string) string {
	states := make(map[string]mesh.PeerInfo)
	for _, p := range m.ctrl.Peers() {
		states[p.RemoteID] = p
	}

	rows := make([][]string, 0, len(current.Participants))
	for _, p := range current.Participants {
		name := p.Name
		peer := "-"
		received := "-"
		if p.ID == localID {
			name += " (you)"
		} else {
			if info, ok := states[p.ID]; ok {
				peer = info.State.String()
			}
			if p.Stream != nil {
				received = formatBytes(p.Stream.BytesReceived())
			} else {
				received = "waiting"
			}
		}
		rows = append(rows, []string{name, onOff(p.AudioEnabled), onOff(p.VideoEnabled), peer, received})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Name", "Mic", "Cam", "Peer", "Received").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

func onOff(enabled bool) string {
	if enabled {
		return IconOn
	}
	return IconOff
}

func helpLine() string {
	parts := make([]string, 0, 4)
	for _, k := range []key.Binding{keys.Audio, keys.Video, keys.Invite, keys.Quit} {
		h := k.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " • ")
}
