// Package telegram is the chat-facing surface of the bot: it routes
// commands into the fetch orchestrator and renders its results as text
// replies and voice messages. The core never imports this package.
package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/chuye/metingbot/internal/config"
	"github.com/chuye/metingbot/internal/logger"
)

// Bot represents a Telegram bot instance
type Bot struct {
	api    *tgbotapi.BotAPI
	config *config.TelegramConfig
	logger zerolog.Logger

	commandHandler CommandHandler

	running bool
	updates tgbotapi.UpdatesChannel
}

// CommandHandler handles bot commands
type CommandHandler interface {
	HandleCommand(update tgbotapi.Update) error
}

// New creates a new Telegram bot instance
func New(cfg *config.TelegramConfig, log *logger.Logger) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := &Bot{
		api:    api,
		config: cfg,
		logger: log.GetZerolog().With().Str("component", "telegram").Logger(),
	}

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

// SetCommandHandler installs the command handler.
func (b *Bot) SetCommandHandler(h CommandHandler) {
	b.commandHandler = h
}

// Start starts the bot and begins processing updates
func (b *Bot) Start() error {
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Telegram bot")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	b.updates = b.api.GetUpdatesChan(u)
	b.running = true

	go b.processUpdates()

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops the bot
func (b *Bot) Stop() error {
	if !b.running {
		return fmt.Errorf("bot is not running")
	}

	b.logger.Info().Msg("Stopping Telegram bot")
	b.running = false
	b.api.StopReceivingUpdates()

	return nil
}

// processUpdates processes incoming updates
func (b *Bot) processUpdates() {
	for update := range b.updates {
		if !b.running {
			break
		}
		if err := b.handleUpdate(update); err != nil {
			b.logger.Error().
				Err(err).
				Int("update_id", update.UpdateID).
				Msg("Failed to handle update")
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}
	if b.commandHandler == nil {
		return nil
	}
	return b.commandHandler.HandleCommand(update)
}

// SendMessage sends a text message
func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)

	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	b.logger.Debug().Int64("chat_id", chatID).Msg("Message sent")
	return nil
}

// SendVoice sends a local audio file as a Telegram voice message.
func (b *Bot) SendVoice(chatID int64, path, caption string) error {
	voice := tgbotapi.NewVoice(chatID, tgbotapi.FilePath(path))
	voice.Caption = caption

	if _, err := b.api.Send(voice); err != nil {
		return fmt.Errorf("failed to send voice message: %w", err)
	}

	b.logger.Debug().Int64("chat_id", chatID).Str("path", path).Msg("Voice message sent")
	return nil
}

// SetMyCommands publishes the command list to Telegram.
func (b *Bot) SetMyCommands(commands []tgbotapi.BotCommand) error {
	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := b.api.Request(cfg); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	return nil
}
