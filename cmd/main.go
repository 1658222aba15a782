package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/cropbid/auction-client/configs"
	"github.com/cropbid/auction-client/internal/auction"
	"github.com/cropbid/auction-client/internal/restapi"
	"github.com/cropbid/auction-client/internal/transport"
	"github.com/cropbid/auction-client/pkg/utils"
)

var (
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	baseStyle   = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

type tickMsg time.Time

type liveUpdateMsg struct{}

func tick() tea.Cmd {
	return tea.Every(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForUpdate(sess *auction.Session) tea.Cmd {
	return func() tea.Msg {
		<-sess.Updates()
		return liveUpdateMsg{}
	}
}

// Define the model for the Bubble Tea application
type model struct {
	table     table.Model
	viewport  viewport.Model
	logBuffer *bytes.Buffer
	logs      []string
	showTable bool
	quitting  bool
	sess      *auction.Session
	conn      *transport.Conn
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), waitForUpdate(m.sess))
}

func newModel(sess *auction.Session, conn *transport.Conn) model {
	columns := []table.Column{
		{Title: "TIME", Width: 20},
		{Title: "BIDDER", Width: 14},
		{Title: "PRICE", Width: 16},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(bidRows(sess)),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	vp := viewport.New(100, 15)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)

	return model{table: t, showTable: true, viewport: vp, sess: sess, conn: conn}
}

func bidRows(sess *auction.Session) []table.Row {
	rows := make([]table.Row, 0)
	for _, bid := range sess.Bids() {
		rows = append(rows, table.Row{
			bid.ObservedAt.Local().Format("15:04:05 02/01/2006"),
			fmt.Sprintf("user %d", bid.BidderUserID),
			bid.Price.StringFixed(2),
		})
	}
	return rows
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)
	switch msg := msg.(type) {
	case liveUpdateMsg:
		m.table.SetRows(bidRows(m.sess))
		cmds = append(cmds, waitForUpdate(m.sess))

	case tickMsg:
		if m.showTable {
			m.table.SetRows(bidRows(m.sess))
		} else {
			// refresh logs to get new logs
			m.logs = nil
			logs := strings.Split(m.logBuffer.String(), "\n")
			m.logs = append(m.logs, logs...)
		}
		cmds = append(cmds, tick())

	case tea.KeyMsg:
		switch msg.String() {
		case "up":
			if !m.showTable {
				m.viewport.LineUp(1) // Scroll up one line in logs
			}
		case "down":
			if !m.showTable {
				m.viewport.LineDown(1) // Scroll down one line in logs
			}
		case "tab":
			m.showTable = !m.showTable
			if !m.showTable {
				// Load logs from buffer when switching to logs view
				m.logs = nil
				logs := strings.Split(m.logBuffer.String(), "\n")
				m.logs = append(m.logs, logs...)
			}
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	}

	if m.showTable {
		m.table, cmd = m.table.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)
	}
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// Render the view based on the current state of the model
func (m model) View() string {
	if m.quitting {
		return "Bye!\n"
	}

	status := headerStyle.Render(fmt.Sprintf(
		"price %s  •  min increment %s  •  %s  •  connection: %s",
		m.sess.CurrentPrice().StringFixed(2),
		m.sess.MinIncrement().StringFixed(2),
		m.sess.Status(),
		m.conn.State(),
	))

	if m.showTable {
		return status + "\n" + baseStyle.Render(m.table.View()) + "\n" +
			helpStyle.Render("• tab: switch modes • q: exit\n")
	}

	// Create a copy of logs to avoid modifying the original
	styledLogs := make([]string, len(m.logs))
	copy(styledLogs, m.logs)

	styledLogs = utils.ColorizeLogs(styledLogs)

	// only show last 15 lines of logs
	if len(styledLogs) > 15 {
		styledLogs = styledLogs[len(styledLogs)-15:]
	}

	m.viewport.SetContent(strings.Join(styledLogs, "\n"))
	return status + "\n" + m.viewport.View() + "\n" +
		helpStyle.Render("• tab: switch modes • q: exit\n")
}

func main() {
	auctionID := flag.Int64("auction", 0, "auction id to watch")
	userID := flag.Int64("user", 0, "user id to join as")
	flag.Parse()
	if *auctionID == 0 {
		log.Fatal("missing -auction flag")
	}

	// Load configurations
	cfg, err := configs.LoadConfig()
	if err != nil {
		log.Fatal("Error loading config: ", err)
	}

	// Setup logger
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "debug" // Default log level if not specified
	}
	logLevel, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.Error("Invalid log level: ", err)
	}
	log.SetLevel(logLevel)

	// Redirect logs to buffer
	logBuffer := new(bytes.Buffer)
	log.SetOutput(logBuffer)

	conn := transport.NewConn(cfg.Server.WebSocketURL, cfg.Auth.Token)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		log.Fatal("Error connecting to auction server: ", err)
	}
	defer conn.Close()

	api := restapi.NewClient(cfg.Server.APIBaseURL, cfg.Auth.Token)
	defer api.Close()

	sess := auction.NewSession(conn, api, *auctionID, *userID, auction.Options{
		JoinTimeout:     cfg.Auction.JoinTimeout,
		SubmitTimeout:   cfg.Auction.SubmitTimeout,
		HistoryPageSize: cfg.Auction.HistoryPageSize,
		BidsPerSecond:   cfg.Auction.BidsPerSecond,
		BidBurst:        cfg.Auction.BidBurst,
		Observer:        true, // the watcher never bids
	})
	if err := sess.Start(ctx); err != nil {
		log.Fatal("Error starting auction session: ", err)
	}
	defer sess.Close()

	// Start Bubble Tea program
	m := newModel(sess, conn)
	m.logBuffer = logBuffer
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running Bubble Tea program: %v", err)
	}
}
