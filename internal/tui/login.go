package tui

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/kylemclaren/checkin-tasks/internal/login"
	"github.com/kylemclaren/checkin-tasks/internal/sessionstore"
)

// Sessions is the part of the login orchestrator the watcher drives
type Sessions interface {
	GetStatus(ctx context.Context, sessionID string) (*login.View, error)
	CancelSession(ctx context.Context, sessionID string) (*login.View, error)
}

const loginPollInterval = time.Second

// LoginModel watches one login session until it resolves
type LoginModel struct {
	sessions  Sessions
	sessionID string
	qrPath    string

	spinner spinner.Model
	view    *login.View
	qrSaved string
	err     error
	done    bool
}

// NewLoginModel creates a watcher for sessionID. The QR code, once
// available, is written to qrPath.
func NewLoginModel(sessions Sessions, sessionID, qrPath string) LoginModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(warningColor)

	return LoginModel{
		sessions:  sessions,
		sessionID: sessionID,
		qrPath:    qrPath,
		spinner:   s,
	}
}

// Result returns the last view seen and the error that ended the watch
func (m LoginModel) Result() (*login.View, error) {
	return m.view, m.err
}

// Messages
type loginStatusMsg struct {
	view *login.View
	err  error
}
type loginPollMsg struct{}
type loginCancelledMsg struct {
	view *login.View
	err  error
}

func (m LoginModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchStatus())
}

func (m LoginModel) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		view, err := m.sessions.GetStatus(ctx, m.sessionID)
		return loginStatusMsg{view: view, err: err}
	}
}

func (m LoginModel) cancelSession() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		view, err := m.sessions.CancelSession(ctx, m.sessionID)
		return loginCancelledMsg{view: view, err: err}
	}
}

func pollCmd() tea.Cmd {
	return tea.Tick(loginPollInterval, func(time.Time) tea.Msg {
		return loginPollMsg{}
	})
}

func (m LoginModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			return m, m.cancelSession()
		}

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case loginPollMsg:
		if m.done {
			return m, nil
		}
		return m, m.fetchStatus()

	case loginStatusMsg:
		if msg.err != nil {
			m.done = true
			if errors.Is(msg.err, sessionstore.ErrNotFound) {
				m.err = fmt.Errorf("login session %s not found or expired", m.sessionID)
			} else {
				m.err = msg.err
			}
			return m, tea.Quit
		}
		m.view = msg.view
		if m.view.QRImage != "" && m.qrSaved == "" && m.qrPath != "" {
			if err := SaveQRCode(m.view.QRImage, m.qrPath); err != nil {
				m.err = err
			} else {
				m.qrSaved = m.qrPath
			}
		}
		if m.view.Status.IsTerminal() {
			m.done = true
			m.err = nil
			if m.view.Status != sessionstore.StatusSuccess {
				reason := m.view.Message
				if reason == "" {
					reason = "login " + string(m.view.Status)
				}
				m.err = errors.New(reason)
			}
			return m, tea.Quit
		}
		return m, pollCmd()

	case loginCancelledMsg:
		if errors.Is(msg.err, login.ErrAlreadySucceeded) || errors.Is(msg.err, login.ErrCommitting) {
			// Too late to cancel; follow the session to its end
			return m, m.fetchStatus()
		}
		m.done = true
		switch {
		case msg.err != nil:
			m.err = msg.err
		default:
			m.view = msg.view
			m.err = errors.New(login.MessageCancelled)
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m LoginModel) View() string {
	var b strings.Builder
	b.WriteString(logoStyle.Render("扫码登录"))
	b.WriteString("  ")
	b.WriteString(subtitleStyle.Render(m.sessionID))
	b.WriteString("\n\n")

	if m.view == nil {
		if !m.done {
			b.WriteString(m.spinner.View() + " 正在初始化...")
		}
	} else {
		if !m.done {
			b.WriteString(m.spinner.View() + " ")
		}
		b.WriteString(statusStyle(string(m.view.Status)).Render(string(m.view.Status)))
		if m.view.Message != "" {
			b.WriteString("  " + m.view.Message)
		}
		b.WriteString("\n")
		if m.view.Step != "" && !m.done {
			b.WriteString(helpDescStyle.Render("当前步骤: " + m.view.Step))
			b.WriteString("\n")
		}
		if m.qrSaved != "" && m.view.Status == sessionstore.StatusWaitingScan {
			b.WriteString("\n")
			b.WriteString(qrBoxStyle.Render("二维码已保存到\n" + m.qrSaved + "\n请使用手机 QQ 扫描"))
			b.WriteString("\n")
		}
		if m.view.Status == sessionstore.StatusSuccess {
			b.WriteString(successMsgStyle.Render(fmt.Sprintf("用户 #%d %s", m.view.UserID, m.view.Alias)))
			b.WriteString("\n")
		}
	}

	if m.err != nil && m.done {
		b.WriteString("\n")
		b.WriteString(errorMsgStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(helpDescStyle.Render("q quit"))
	} else {
		b.WriteString(helpDescStyle.Render("ctrl+c cancel login"))
	}
	return appStyle.Render(b.String())
}

// SaveQRCode writes a data URL (or bare base64) image to path
func SaveQRCode(image, path string) error {
	data := image
	if i := strings.Index(data, ","); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("failed to decode QR code: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create QR code directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write QR code: %w", err)
	}
	return nil
}

// RunLogin watches a started session until it resolves and returns the
// final view. A non-nil error means the login did not succeed.
func RunLogin(sessions Sessions, sessionID, qrPath string) (*login.View, error) {
	p := tea.NewProgram(NewLoginModel(sessions, sessionID, qrPath))
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	return final.(LoginModel).Result()
}
