package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// VoiceSender sends a voice message to a chat. *Bot satisfies it.
type VoiceSender interface {
	SendVoice(chatID int64, path, caption string) error
}

// SegmentDeliverer sends audio segments as Telegram voice messages,
// paced so a multi-segment song does not trip flood limits.
type SegmentDeliverer struct {
	sender  VoiceSender
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewSegmentDeliverer creates a deliverer pacing sends at one per interval.
func NewSegmentDeliverer(sender VoiceSender, interval time.Duration, logger zerolog.Logger) *SegmentDeliverer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &SegmentDeliverer{
		sender:  sender,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("module", "delivery").Logger(),
	}
}

// DeliverSegment sends one segment to the chat behind sessionID.
func (d *SegmentDeliverer) DeliverSegment(ctx context.Context, sessionID, path string, seq, total int, caption string) error {
	chatID, err := strconv.ParseInt(sessionID, 10, 64)
	if err != nil {
		return fmt.Errorf("session %q is not a chat id: %w", sessionID, err)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	text := caption
	if total > 1 {
		text = fmt.Sprintf("%s (%d/%d)", caption, seq, total)
	}
	if err := d.sender.SendVoice(chatID, path, text); err != nil {
		return fmt.Errorf("send segment %d/%d: %w", seq, total, err)
	}

	d.logger.Debug().
		Int64("chat_id", chatID).
		Int("seq", seq).
		Int("total", total).
		Msg("Segment delivered")
	return nil
}
