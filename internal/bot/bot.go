// Package bot wires the orchestration core into an interactive terminal
// client for the user-management service.
package bot

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"UserBot/internal/api"
	"UserBot/internal/auth"
	"UserBot/internal/config"
	"UserBot/internal/session"
	"UserBot/internal/stream"
	"UserBot/internal/telemetry"
	"UserBot/internal/transcript"
	"UserBot/internal/workflow"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Bot is the interactive client application.
type Bot struct {
	cfg     config.Config
	db      *sql.DB
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	cleanup func()

	tokens     auth.Store
	transport  *api.Transport
	transcript *transcript.Transcript
	sessions   *session.Manager
	consumer   *stream.Consumer
	workflow   *workflow.Workflow
}

// New creates a Bot instance wired against the configured service.
func New(cfg config.Config) (*Bot, error) {
	logger, err := telemetry.InitLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	db, err := telemetry.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	b := &Bot{
		cfg:     cfg,
		db:      db,
		logger:  logger,
		tracer:  tracer,
		meter:   meter,
		cleanup: cleanup,
	}

	b.tokens = auth.NewSQLiteStore(db, config.CredentialSlot)
	b.transcript = transcript.New()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	b.transport = api.New(cfg.APIBaseURL, httpClient, b.tokens, b.promptLogin, logger)
	b.sessions = session.NewManager(b.transport, b.transcript, logger)

	streamClient := &http.Client{Timeout: cfg.StreamTimeout}
	b.consumer = stream.New(cfg.APIBaseURL, streamClient, logger)

	b.workflow = workflow.New(b.transport, b.tokens, b.sessions, b.transcript, b.consumer, logger, func(text string) {
		fmt.Printf("Bot: %s\n", text)
	})

	return b, nil
}

// promptLogin is the redirect-to-login side effect: in a terminal client
// the navigation target is a prompt.
func (b *Bot) promptLogin() {
	fmt.Println("You are signed out. Use /login <email> to sign in.")
}

// Run starts the interactive loop.
func (b *Bot) Run() error {
	defer b.db.Close()
	defer b.cleanup()

	fmt.Println("=== User Management Bot ===")
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()

	ctx := context.Background()

	if cred, held, _ := b.tokens.Get(); held && !cred.Expired() {
		if b.cfg.Email != "" {
			fmt.Println("Already signed in; ignoring -email flag.")
		}
		b.startSession(ctx)
	} else if b.cfg.Email != "" {
		b.login(ctx, b.cfg.Email)
	} else {
		b.promptLogin()
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := b.handleCommand(ctx, input)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				b.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		b.sendText(ctx, input)
	}

	if err := b.saveTranscript(); err != nil {
		b.logger.Error("failed to save transcript on exit", "error", err)
		return err
	}

	fmt.Println("Goodbye!")
	return nil
}

// sendText exchanges one free-text turn, honoring the input gating.
func (b *Bot) sendText(ctx context.Context, text string) {
	if !b.workflow.InputEnabled() {
		switch b.workflow.State() {
		case workflow.StateAwaitingConfirmation:
			fmt.Println("A batch is awaiting your decision. Use /confirm or /reject.")
		case workflow.StateProcessing:
			fmt.Println("Processing... please wait for the batch to finish.")
		case workflow.StateSummarizing:
			fmt.Println("Summarizing the last batch... one moment.")
		default:
			fmt.Println("Please wait for the previous message to finish.")
		}
		return
	}

	fmt.Println("Thinking...")
	reply, err := b.workflow.Send(ctx, text)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return
		}
		fmt.Println("Something went wrong; your message was not answered. Try again.")
		return
	}
	if reply != "" {
		fmt.Printf("Bot: %s\n\n", reply)
	}
	if conf, ok := b.workflow.PendingConfirmation(); ok {
		fmt.Printf("--- Batch confirmation required ---\n%s\nUse /confirm or /reject.\n\n", conf.Summary)
	}
}

func (b *Bot) login(ctx context.Context, email string) {
	if err := b.transport.Login(ctx, email); err != nil {
		var serverErr *api.ServerError
		if errors.As(err, &serverErr) && serverErr.Detail != "" {
			fmt.Printf("Login failed: %s\n", serverErr.Detail)
		} else {
			fmt.Printf("Login failed: %v\n", err)
		}
		return
	}
	fmt.Println("Signed in.")
	b.startSession(ctx)
}

// startSession restores the previously saved session if one exists,
// otherwise creates a fresh one and prints the greeting.
func (b *Bot) startSession(ctx context.Context) {
	if _, ok := b.sessions.ID(); ok {
		return
	}
	if b.resumeSavedSession() {
		return
	}
	if _, err := b.sessions.Create(ctx); err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			fmt.Println("Error: Could not connect to the bot service.")
		}
		b.logger.Error("failed to create session", "error", err)
		return
	}
	b.printLastTurn()
}

func (b *Bot) printLastTurn() {
	entries := b.transcript.Entries()
	if len(entries) == 0 {
		return
	}
	if turn, ok := entries[len(entries)-1].(transcript.Turn); ok && turn.Role == transcript.RoleAssistant {
		fmt.Printf("Bot: %s\n\n", turn.Content)
	}
}

// handleCommand handles slash commands.
func (b *Bot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/login":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /login <email>")
		}
		b.login(ctx, parts[1])
		return false, nil

	case "/logout":
		b.workflow.Reset()
		if err := b.tokens.Clear(); err != nil {
			return false, err
		}
		if _, ok := b.sessions.ID(); ok {
			if err := b.saveTranscript(); err != nil {
				b.logger.Warn("failed to save transcript", "error", err)
			}
		}
		fmt.Println("Signed out.")
		return false, nil

	case "/confirm":
		if err := b.workflow.Confirm(ctx); err != nil {
			if errors.Is(err, workflow.ErrNoConfirmation) {
				fmt.Println("Nothing to confirm.")
				return false, nil
			}
			return false, err
		}
		fmt.Println("Batch started. Progress will appear below.")
		return false, nil

	case "/reject":
		reply, err := b.workflow.Reject(ctx)
		if err != nil {
			return false, err
		}
		if reply != "" {
			fmt.Printf("Bot: %s\n\n", reply)
		}
		if conf, ok := b.workflow.PendingConfirmation(); ok {
			fmt.Printf("--- Batch confirmation required ---\n%s\nUse /confirm or /reject.\n\n", conf.Summary)
		}
		return false, nil

	case "/summary":
		// The summary text is printed through the notifier.
		if _, err := b.workflow.Summarize(ctx); err != nil {
			if errors.Is(err, workflow.ErrNotSummarizing) {
				fmt.Println("No summary is pending.")
				return false, nil
			}
			return false, err
		}
		return false, nil

	case "/start-over":
		b.workflow.Reset()
		if err := b.saveTranscript(); err != nil {
			b.logger.Warn("failed to save transcript before reset", "error", err)
		}
		if _, err := b.sessions.Reset(ctx); err != nil {
			return false, fmt.Errorf("failed to start over: %w", err)
		}
		b.printLastTurn()
		return false, nil

	case "/state":
		fmt.Printf("Workflow state: %s\n", b.workflow.State())
		if conf, ok := b.workflow.PendingConfirmation(); ok {
			fmt.Printf("Pending confirmation: %s\n", conf.Summary)
		}
		if runID, ok := b.transcript.OpenCardID(); ok {
			fmt.Printf("Open status card: run %s\n", runID)
		}
		return false, nil

	case "/transcript":
		for _, entry := range b.transcript.Entries() {
			switch e := entry.(type) {
			case transcript.Turn:
				fmt.Printf("[%s] %s\n", e.Role, e.Content)
			case *transcript.StatusCard:
				fmt.Printf("[status card %s, %d events]\n", e.RunID, len(e.Events))
			}
		}
		return false, nil

	case "/help":
		fmt.Println("Available commands:")
		fmt.Println("  /login <email>  - Sign in")
		fmt.Println("  /logout         - Sign out and clear the stored credential")
		fmt.Println("  /confirm        - Approve the pending batch")
		fmt.Println("  /reject         - Decline the pending batch")
		fmt.Println("  /summary        - Re-request the final summary if it failed")
		fmt.Println("  /start-over     - Discard the session and start fresh")
		fmt.Println("  /state          - Show the workflow state")
		fmt.Println("  /transcript     - Print the transcript")
		fmt.Println("  /quit, /exit    - Exit")
		return false, nil

	default:
		fmt.Printf("Unknown command: %s\n", parts[0])
		return false, nil
	}
}

// saveTranscript persists the transcript rows for the active session.
func (b *Bot) saveTranscript() error {
	id, ok := b.sessions.ID()
	if !ok {
		return nil
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM transcripts WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear old rows: %w", err)
	}

	now := time.Now()
	for seq, entry := range b.transcript.Entries() {
		switch e := entry.(type) {
		case transcript.Turn:
			if _, err := tx.Exec(
				"INSERT INTO transcripts (session_id, seq, kind, role, content, run_id, created_at) VALUES (?, ?, 'turn', ?, ?, '', ?)",
				id, seq, e.Role, e.Content, now,
			); err != nil {
				b.logger.Warn("failed to save turn", "error", err)
			}
		case *transcript.StatusCard:
			events, err := json.Marshal(e.Events)
			if err != nil {
				b.logger.Warn("failed to encode status card", "error", err)
				continue
			}
			if _, err := tx.Exec(
				"INSERT INTO transcripts (session_id, seq, kind, role, content, run_id, created_at) VALUES (?, ?, 'status_card', '', ?, ?, ?)",
				id, seq, string(events), e.RunID, now,
			); err != nil {
				b.logger.Warn("failed to save status card", "error", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.logger.Info("transcript saved", "session_id", id, "entries", b.transcript.Len())
	return nil
}

// resumeSavedSession restores the most recently saved transcript, if any,
// and adopts its session id so the conversation picks up where it left
// off. If the server has since dropped the session, /start-over recovers.
func (b *Bot) resumeSavedSession() bool {
	var id string
	err := b.db.QueryRow("SELECT session_id FROM transcripts ORDER BY id DESC LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		b.logger.Warn("failed to look up saved transcript", "error", err)
		return false
	}

	n, err := b.loadTranscript(id)
	if err != nil {
		b.logger.Warn("failed to restore transcript", "session_id", id, "error", err)
		b.transcript.Reset()
		return false
	}
	if n == 0 {
		return false
	}

	b.sessions.Resume(id)
	b.logger.Info("transcript restored", "session_id", id, "entries", n)
	fmt.Printf("Resumed your previous session (%d entries). Use /start-over for a fresh one.\n", n)
	b.printLastTurn()
	return true
}

// loadTranscript replaces the in-memory transcript with the saved rows of
// one session. Status cards come back closed; their runs are long gone.
func (b *Bot) loadTranscript(id string) (int, error) {
	rows, err := b.db.Query(
		"SELECT kind, role, content, run_id FROM transcripts WHERE session_id = ? ORDER BY seq", id)
	if err != nil {
		return 0, fmt.Errorf("failed to query transcript rows: %w", err)
	}
	defer rows.Close()

	b.transcript.Reset()
	n := 0
	for rows.Next() {
		var kind, role, content, runID string
		if err := rows.Scan(&kind, &role, &content, &runID); err != nil {
			return n, fmt.Errorf("failed to scan transcript row: %w", err)
		}
		switch kind {
		case "turn":
			b.transcript.Append(transcript.Turn{Role: role, Content: content})
		case "status_card":
			var events []transcript.ProcessEvent
			if err := json.Unmarshal([]byte(content), &events); err != nil {
				b.logger.Warn("skipping undecodable status card", "run_id", runID, "error", err)
				continue
			}
			b.transcript.OpenCard(runID)
			for _, ev := range events {
				b.transcript.AppendEvent(runID, ev)
			}
			b.transcript.CloseCard(runID)
		default:
			continue
		}
		n++
	}
	return n, rows.Err()
}
