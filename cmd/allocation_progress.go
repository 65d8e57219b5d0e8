package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const poolPollInterval = 250 * time.Millisecond

type allocatedMsg struct {
	err error
}

type poolStatusMsg domain.PoolSnapshot

// allocationModel spins while a container is allocated for account and
// reports where the request stands in the pool.
type allocationModel struct {
	spinner  spinner.Model
	muted    lipgloss.Style
	account  domain.AccountID
	snapshot func() domain.PoolSnapshot
	status   domain.PoolSnapshot
	work     tea.Cmd
	err      error
	done     bool
}

func newAllocationModel(account domain.AccountID, snapshot func() domain.PoolSnapshot, work tea.Cmd) allocationModel {
	return allocationModel{
		spinner: spinner.New(
			spinner.WithSpinner(spinner.MiniDot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("214"))),
		),
		muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		account:  account,
		snapshot: snapshot,
		status:   snapshot(),
		work:     work,
	}
}

func (m allocationModel) poll() tea.Cmd {
	return tea.Tick(poolPollInterval, func(time.Time) tea.Msg {
		return poolStatusMsg(m.snapshot())
	})
}

func (m allocationModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.work, m.poll())
}

func (m allocationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case poolStatusMsg:
		if m.done {
			return m, nil
		}
		m.status = domain.PoolSnapshot(msg)
		return m, m.poll()
	case allocatedMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m allocationModel) View() string {
	if m.done {
		return ""
	}

	return fmt.Sprintf("%s %s %s", m.spinner.View(), allocationStatus(m.account, m.status), m.muted.Render(slotSummary(m.status)))
}

// allocationStatus says what the pool is doing for account right now.
func allocationStatus(account domain.AccountID, snap domain.PoolSnapshot) string {
	switch {
	case snap.Waiting[account] > 0:
		return fmt.Sprintf("%s is queued for a container (%d waiting, limit %d per account)", account, snap.Waiting[account], snap.AccountLimit)
	case snap.Creating > 0:
		return fmt.Sprintf("Starting a container for %s", account)
	default:
		return fmt.Sprintf("Allocating a container for %s", account)
	}
}

func slotSummary(snap domain.PoolSnapshot) string {
	if snap.Capacity == 0 {
		return ""
	}

	return fmt.Sprintf("[%d/%d in use]", snap.InUse(), snap.Capacity)
}

// runAllocation runs work behind the progress view and returns work's error.
func runAllocation(ctx context.Context, output io.Writer, account domain.AccountID, snapshot func() domain.PoolSnapshot, work func(context.Context) error) error {
	workCmd := func() tea.Msg {
		return allocatedMsg{err: work(ctx)}
	}

	p := tea.NewProgram(
		newAllocationModel(account, snapshot, workCmd),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return err
	}

	result, ok := finalModel.(allocationModel)
	if !ok {
		return fmt.Errorf("unexpected final allocation model type %T", finalModel)
	}

	return result.err
}
