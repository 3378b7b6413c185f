package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/chuye/metingbot/pkg/fetch"
	"github.com/chuye/metingbot/pkg/meting"
	"github.com/chuye/metingbot/pkg/safeurl"
	"github.com/chuye/metingbot/pkg/session"
	"github.com/chuye/metingbot/pkg/sniff"
)

// Messenger sends plain text replies. *Bot satisfies it.
type Messenger interface {
	SendMessage(chatID int64, text string) error
}

// Commands routes bot commands into the song-request core.
type Commands struct {
	bot    Messenger
	store  *session.Store
	orch   *fetch.Orchestrator
	logger zerolog.Logger

	// one play at a time per chat; a second /play gets a busy reply
	// instead of a second concurrent download for the same session.
	playing sync.Map
}

// CommandContext contains command metadata
type CommandContext struct {
	ChatID  int64
	UserID  int64
	Command string
	RawArgs string
}

// NewCommands creates the command router.
func NewCommands(bot Messenger, store *session.Store, orch *fetch.Orchestrator, logger zerolog.Logger) *Commands {
	return &Commands{
		bot:    bot,
		store:  store,
		orch:   orch,
		logger: logger.With().Str("module", "commands").Logger(),
	}
}

// BotCommands is the command list published to Telegram.
func BotCommands() []tgbotapi.BotCommand {
	return []tgbotapi.BotCommand{
		{Command: "search", Description: "Search for a song"},
		{Command: "play", Description: "Play a result by number"},
		{Command: "source", Description: "Switch music source (tencent/netease/kugou/kuwo)"},
		{Command: "cancel", Description: "Cancel playback and forget this chat's results"},
		{Command: "help", Description: "Show usage"},
	}
}

// HandleCommand processes incoming commands
func (c *Commands) HandleCommand(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return nil
	}

	ctx := CommandContext{
		ChatID:  msg.Chat.ID,
		Command: msg.Command(),
		RawArgs: strings.TrimSpace(msg.CommandArguments()),
	}
	if msg.From != nil {
		ctx.UserID = msg.From.ID
	}

	c.logger.Debug().
		Int64("chat_id", ctx.ChatID).
		Str("command", ctx.Command).
		Msg("Command received")

	switch ctx.Command {
	case "search":
		return c.handleSearch(ctx)
	case "play":
		return c.handlePlay(ctx)
	case "source":
		return c.handleSource(ctx)
	case "cancel":
		return c.handleCancel(ctx)
	case "help", "start":
		return c.handleHelp(ctx)
	default:
		return c.bot.SendMessage(ctx.ChatID, "Unknown command. Try /help.")
	}
}

// sessionID maps a chat to its session key.
func sessionID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func (c *Commands) handleSearch(ctx CommandContext) error {
	if ctx.RawArgs == "" {
		return c.bot.SendMessage(ctx.ChatID, "Usage: /search <song name>")
	}

	id := sessionID(ctx.ChatID)
	tracks, err := c.orch.Search(context.Background(), id, ctx.RawArgs)
	if err != nil {
		c.logger.Error().Err(err).Str("keyword", ctx.RawArgs).Msg("Search failed")
		return c.bot.SendMessage(ctx.ChatID, "Search failed, the source may be unavailable. Try again later.")
	}
	if len(tracks) == 0 {
		return c.bot.SendMessage(ctx.ChatID, fmt.Sprintf("No results for %q.", ctx.RawArgs))
	}

	source := c.store.Source(id)
	var b strings.Builder
	fmt.Fprintf(&b, "Results (source: %s):\n", source.DisplayName())
	for i, t := range tracks {
		artist := t.Artist
		if artist == "" {
			artist = "unknown artist"
		}
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, t.Title, artist)
	}
	b.WriteString("\nSend /play 1 to play the first result.")
	return c.bot.SendMessage(ctx.ChatID, b.String())
}

func (c *Commands) handlePlay(ctx CommandContext) error {
	index, err := strconv.Atoi(ctx.RawArgs)
	if err != nil {
		return c.bot.SendMessage(ctx.ChatID, "Usage: /play <result number>")
	}

	id := sessionID(ctx.ChatID)
	if _, busy := c.playing.LoadOrStore(id, struct{}{}); busy {
		return c.bot.SendMessage(ctx.ChatID, "Already playing a song for this chat, send /cancel to stop it first.")
	}

	// Playback spans a download plus one voice message per segment; it
	// runs detached so the update loop keeps serving other chats.
	go func() {
		defer c.playing.Delete(id)
		c.runPlay(id, ctx.ChatID, index)
	}()
	return nil
}

func (c *Commands) runPlay(id string, chatID int64, index int) {
	_ = c.bot.SendMessage(chatID, "Recording song segments...")

	res, err := c.orch.Play(context.Background(), id, index)
	if err != nil {
		c.replyPlayError(id, chatID, index, err)
		return
	}

	_ = c.bot.SendMessage(chatID, fmt.Sprintf("Done: %s (%d segments).", res.Track.Title, res.Segments))
}

// replyPlayError maps core errors to user-facing messages. Security
// rejections stay generic on purpose; the details are in the logs.
func (c *Commands) replyPlayError(id string, chatID int64, index int, err error) {
	switch {
	case errors.Is(err, fetch.ErrSessionClosed):
		// The chat asked to cancel; no reply needed.
	case errors.Is(err, session.ErrNoResults):
		_ = c.bot.SendMessage(chatID, "Search for a song first with /search.")
	case errors.Is(err, session.ErrOutOfRange):
		n := c.store.ResultCount(id)
		_ = c.bot.SendMessage(chatID, fmt.Sprintf("Number out of range, pick 1-%d.", n))
	case errors.Is(err, safeurl.ErrUnsafeURL), errors.Is(err, safeurl.ErrUnsafePath),
		errors.Is(err, sniff.ErrUnrecognized):
		c.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Play request rejected")
		_ = c.bot.SendMessage(chatID, "This song cannot be played.")
	case errors.Is(err, meting.ErrNotFound):
		_ = c.bot.SendMessage(chatID, "Could not get a playable URL for this song.")
	case errors.Is(err, meting.ErrAPI):
		_ = c.bot.SendMessage(chatID, "The music source is unavailable, try again later.")
	default:
		c.logger.Error().Err(err).Int64("chat_id", chatID).Int("index", index).Msg("Play failed")
		_ = c.bot.SendMessage(chatID, "Playback failed, try again later.")
	}
}

func (c *Commands) handleSource(ctx CommandContext) error {
	id := sessionID(ctx.ChatID)
	if ctx.RawArgs == "" {
		current := c.store.Source(id)
		return c.bot.SendMessage(ctx.ChatID, fmt.Sprintf(
			"Current source: %s. Switch with /source tencent|netease|kugou|kuwo.",
			current.DisplayName()))
	}

	source := session.Source(strings.ToLower(ctx.RawArgs))
	if err := c.store.SetSource(id, source); err != nil {
		return c.bot.SendMessage(ctx.ChatID, "Unknown source. Choose tencent, netease, kugou or kuwo.")
	}
	return c.bot.SendMessage(ctx.ChatID, fmt.Sprintf("Source switched to %s.", source.DisplayName()))
}

func (c *Commands) handleCancel(ctx CommandContext) error {
	c.store.Teardown(sessionID(ctx.ChatID))
	return c.bot.SendMessage(ctx.ChatID, "Canceled. Search results for this chat were cleared.")
}

func (c *Commands) handleHelp(ctx CommandContext) error {
	return c.bot.SendMessage(ctx.ChatID,
		"Song request bot.\n"+
			"/search <name> - search the current source\n"+
			"/play <n> - play result n as voice messages\n"+
			"/source <name> - switch source (tencent/netease/kugou/kuwo)\n"+
			"/cancel - stop playback and clear results")
}
