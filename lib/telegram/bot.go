// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/masterfarm/masterfarm/lib/account"
	"github.com/masterfarm/masterfarm/lib/challenge"
	"github.com/masterfarm/masterfarm/lib/clock"
	"github.com/masterfarm/masterfarm/lib/session"
)

// API is the slice of the Bot API the router needs. *Client satisfies
// it; tests substitute a fake.
type API interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) (Message, error)
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// inputKind says what a chat's next plain-text message is for.
type inputKind int

const (
	inputSecret inputKind = iota
	inputGames
)

type pendingInput struct {
	kind  inputKind
	login string
}

// BotConfig holds the collaborators for the command router.
type BotConfig struct {
	// API is the Bot API surface. Required.
	API API

	// Store is the account store. Required.
	Store account.Store

	// Registry manages sessions. Required.
	Registry *session.Registry

	// Broker routes challenge answers. Required.
	Broker *challenge.Broker

	// Clock paces the retry backoff after poll failures. Required.
	Clock clock.Clock

	// PollTimeout is the getUpdates long-poll duration. Defaults to
	// 50 seconds if zero.
	PollTimeout time.Duration

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Bot routes owner messages and button taps. Each private chat is one
// owner: the chat ID scopes every account operation.
type Bot struct {
	api         API
	store       account.Store
	registry    *session.Registry
	broker      *challenge.Broker
	clock       clock.Clock
	pollTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[int64]pendingInput
}

// pollRetryDelay is the pause after a failed getUpdates before trying
// again.
const pollRetryDelay = 5 * time.Second

// NewBot creates the command router.
func NewBot(cfg BotConfig) (*Bot, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("telegram: API is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("telegram: Store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("telegram: Registry is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("telegram: Broker is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("telegram: Clock is required")
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 50 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Bot{
		api:         cfg.API,
		store:       cfg.Store,
		registry:    cfg.Registry,
		broker:      cfg.Broker,
		clock:       cfg.Clock,
		pollTimeout: pollTimeout,
		logger:      logger,
		pending:     make(map[int64]pendingInput),
	}, nil
}

// Run long-polls for updates until ctx is cancelled. Poll failures are
// logged and retried with a fixed delay.
func (b *Bot) Run(ctx context.Context) error {
	var offset int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := b.api.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error("getUpdates failed", "error", err)
			b.clock.Sleep(pollRetryDelay)
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			b.dispatch(ctx, update)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, update Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, *update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, *update.CallbackQuery)
	}
}

// reply sends text to the chat, logging failures instead of
// propagating them: a dropped reply must not wedge the update loop.
func (b *Bot) reply(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) {
	if _, err := b.api.SendMessage(ctx, chatID, text, markup); err != nil {
		b.logger.Error("reply failed", "chat", chatID, "error", err)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, chatID, text)
		return
	}

	// Plain text: first a pending bot prompt (shared secret, games
	// list), then an outstanding challenge, else nothing expected it.
	b.mu.Lock()
	pending, hasPending := b.pending[chatID]
	if hasPending {
		delete(b.pending, chatID)
	}
	b.mu.Unlock()

	if hasPending {
		b.handlePendingInput(ctx, chatID, pending, text)
		return
	}

	if b.broker.Submit(chatID, text) {
		b.reply(ctx, chatID, "Got it — passing that along.", nil)
		return
	}

	b.reply(ctx, chatID, "No login is waiting for input. Use /add to add an account or /list to manage them.", nil)
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])

	switch command {
	case "/start", "/help":
		b.reply(ctx, chatID,
			"Masterfarm keeps your accounts logged in and farming.\n\n"+
				"/add <login> <password> — add an account\n"+
				"/list — manage your accounts",
			nil)

	case "/add":
		b.handleAdd(ctx, chatID, fields[1:])

	case "/list":
		b.handleList(ctx, chatID)

	default:
		b.reply(ctx, chatID, fmt.Sprintf("Unknown command %s. Try /help.", command), nil)
	}
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args []string) {
	if len(args) != 2 {
		b.reply(ctx, chatID, "Usage: /add <login> <password>", nil)
		return
	}
	login, password := args[0], args[1]

	acct := account.Account{
		OwnerID:  chatID,
		Login:    login,
		Password: password,
		Presence: account.Online,
	}
	if err := acct.Validate(); err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("That doesn't look right: %v", err), nil)
		return
	}

	err := b.store.Insert(ctx, acct)
	switch {
	case errors.Is(err, account.ErrExists):
		b.reply(ctx, chatID, fmt.Sprintf("%s is already added. Use /list to manage it.", login), nil)
		return
	case err != nil:
		b.logger.Error("adding account", "chat", chatID, "login", login, "error", err)
		b.reply(ctx, chatID, "Storing the account failed. Try again.", nil)
		return
	}

	b.reply(ctx, chatID, fmt.Sprintf("%s added.", login), &InlineKeyboardMarkup{
		InlineKeyboard: [][]InlineKeyboardButton{{
			{Text: "Start farming", CallbackData: "start:" + login},
			{Text: "Attach shared secret", CallbackData: "secret:" + login},
		}},
	})
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	accounts, err := b.store.Owner(ctx, chatID)
	if err != nil {
		b.logger.Error("listing accounts", "chat", chatID, "error", err)
		b.reply(ctx, chatID, "Loading your accounts failed. Try again.", nil)
		return
	}
	if len(accounts) == 0 {
		b.reply(ctx, chatID, "No accounts yet. Use /add <login> <password>.", nil)
		return
	}

	var lines []string
	var rows [][]InlineKeyboardButton
	for _, acct := range accounts {
		status := "stopped"
		if state, running := b.registry.Running(chatID, acct.Login); running {
			status = state.String()
		}
		lines = append(lines, fmt.Sprintf("• %s — %s", acct.Login, status))
		rows = append(rows, []InlineKeyboardButton{{
			Text:         acct.Login,
			CallbackData: "select:" + acct.Login,
		}})
	}

	b.reply(ctx, chatID, "Your accounts:\n"+strings.Join(lines, "\n"),
		&InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (b *Bot) handlePendingInput(ctx context.Context, chatID int64, pending pendingInput, text string) {
	switch pending.kind {
	case inputSecret:
		if _, err := base64.StdEncoding.DecodeString(text); err != nil {
			b.reply(ctx, chatID, "That doesn't look like a base64 shared secret. Tap the button again to retry.", nil)
			return
		}
		if err := b.store.Patch(ctx, chatID, pending.login, account.Patch{SharedSecret: &text}); err != nil {
			b.logger.Error("attaching shared secret", "chat", chatID, "login", pending.login, "error", err)
			b.reply(ctx, chatID, "Saving the secret failed. Try again.", nil)
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("Shared secret attached to %s. Guard codes are now automatic.", pending.login), nil)

	case inputGames:
		activity := account.ParseActivityList(text)
		if err := b.registry.UpdateActivity(ctx, chatID, pending.login, activity); err != nil {
			b.logger.Error("updating activity", "chat", chatID, "login", pending.login, "error", err)
			b.reply(ctx, chatID, "Updating the games list failed. Try again.", nil)
			return
		}
		if len(activity) == 0 {
			b.reply(ctx, chatID, fmt.Sprintf("%s: games list cleared.", pending.login), nil)
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("%s now farming: %s", pending.login, activity.String()), nil)
	}
}

func (b *Bot) handleCallback(ctx context.Context, callback CallbackQuery) {
	chatID := callback.From.ID
	if callback.Message != nil {
		chatID = callback.Message.Chat.ID
	}

	action, login, found := strings.Cut(callback.Data, ":")
	if !found {
		b.answerCallback(ctx, callback.ID, "")
		return
	}

	switch action {
	case "select":
		b.showAccountMenu(ctx, chatID, login)
		b.answerCallback(ctx, callback.ID, "")

	case "start", "resume":
		if err := b.registry.Start(ctx, chatID, login); err != nil {
			b.logger.Error("starting session", "chat", chatID, "login", login, "error", err)
			b.answerCallback(ctx, callback.ID, "Starting failed")
			return
		}
		b.answerCallback(ctx, callback.ID, "Starting "+login)

	case "stop":
		b.registry.Stop(chatID, login)
		b.answerCallback(ctx, callback.ID, "Stopped "+login)

	case "remove":
		b.registry.Stop(chatID, login)
		if err := b.store.Remove(ctx, chatID, login); err != nil && !errors.Is(err, account.ErrNotFound) {
			b.logger.Error("removing account", "chat", chatID, "login", login, "error", err)
			b.answerCallback(ctx, callback.ID, "Removing failed")
			return
		}
		b.answerCallback(ctx, callback.ID, "")
		b.reply(ctx, chatID, fmt.Sprintf("%s and its saved credentials are gone.", login), nil)

	case "secret":
		b.setPending(chatID, pendingInput{kind: inputSecret, login: login})
		b.answerCallback(ctx, callback.ID, "")
		b.reply(ctx, chatID, fmt.Sprintf("Send the base64 shared secret for %s.", login), nil)

	case "games":
		b.setPending(chatID, pendingInput{kind: inputGames, login: login})
		b.answerCallback(ctx, callback.ID, "")
		b.reply(ctx, chatID,
			fmt.Sprintf("Send the games for %s as a comma-separated list of app IDs or a custom status text. Send a single comma to clear.", login),
			nil)

	case "state":
		b.showPersonaMenu(ctx, chatID, login)
		b.answerCallback(ctx, callback.ID, "")

	case "setstate":
		b.handleSetState(ctx, callback, chatID, login)

	default:
		b.answerCallback(ctx, callback.ID, "")
	}
}

func (b *Bot) showAccountMenu(ctx context.Context, chatID int64, login string) {
	status := "stopped"
	running := false
	if state, ok := b.registry.Running(chatID, login); ok {
		status = state.String()
		running = true
	}

	toggle := InlineKeyboardButton{Text: "▶ Start farming", CallbackData: "start:" + login}
	if running {
		toggle = InlineKeyboardButton{Text: "⏹ Stop farming", CallbackData: "stop:" + login}
	}

	b.reply(ctx, chatID, fmt.Sprintf("%s — %s", login, status), &InlineKeyboardMarkup{
		InlineKeyboard: [][]InlineKeyboardButton{
			{toggle},
			{
				{Text: "🎮 Games", CallbackData: "games:" + login},
				{Text: "👤 Status", CallbackData: "state:" + login},
			},
			{
				{Text: "🔐 Shared secret", CallbackData: "secret:" + login},
				{Text: "🗑 Delete", CallbackData: "remove:" + login},
			},
		},
	})
}

func (b *Bot) showPersonaMenu(ctx context.Context, chatID int64, login string) {
	states := []account.PersonaState{
		account.Online, account.Away, account.Snooze, account.Invisible, account.Offline,
	}

	var rows [][]InlineKeyboardButton
	for _, state := range states {
		rows = append(rows, []InlineKeyboardButton{{
			Text:         state.String(),
			CallbackData: fmt.Sprintf("setstate:%s:%d", login, int(state)),
		}})
	}
	b.reply(ctx, chatID, fmt.Sprintf("Pick a status for %s:", login),
		&InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (b *Bot) handleSetState(ctx context.Context, callback CallbackQuery, chatID int64, payload string) {
	login, stateText, found := strings.Cut(payload, ":")
	if !found {
		b.answerCallback(ctx, callback.ID, "")
		return
	}
	value, err := strconv.Atoi(stateText)
	if err != nil || !account.PersonaState(value).Valid() {
		b.answerCallback(ctx, callback.ID, "Bad status")
		return
	}

	state := account.PersonaState(value)
	if err := b.registry.UpdatePresence(ctx, chatID, login, state); err != nil {
		b.logger.Error("updating presence", "chat", chatID, "login", login, "error", err)
		b.answerCallback(ctx, callback.ID, "Updating failed")
		return
	}
	b.answerCallback(ctx, callback.ID, fmt.Sprintf("%s is now %s", login, state))
}

func (b *Bot) setPending(chatID int64, pending pendingInput) {
	b.mu.Lock()
	b.pending[chatID] = pending
	b.mu.Unlock()
}

func (b *Bot) answerCallback(ctx context.Context, callbackID, text string) {
	if err := b.api.AnswerCallbackQuery(ctx, callbackID, text); err != nil {
		b.logger.Error("answering callback", "error", err)
	}
}
