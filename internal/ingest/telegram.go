// Package ingest subscribes to the Telegram transport and feeds the durable
// message queue. It never blocks the transport on downstream processing
// beyond the enqueue itself.
package ingest

import (
	"context"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/internal/database"
	"github.com/web3guy0/signalbot/internal/events"
	"github.com/web3guy0/signalbot/internal/queue"
	"github.com/web3guy0/signalbot/internal/trade"
)

// ChannelLookup resolves an external channel id to its policy record.
type ChannelLookup interface {
	ChannelByExternalID(externalID string) *database.Channel
}

type Ingestor struct {
	api      *tgbotapi.BotAPI
	channels ChannelLookup
	queue    *queue.Queue
	bus      *events.Bus
}

func New(botToken string, channels ChannelLookup, q *queue.Queue, bus *events.Bus) (*Ingestor, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}

	log.Info().Str("username", api.Self.UserName).Msg("Telegram transport connected")

	return &Ingestor{api: api, channels: channels, queue: q, bus: bus}, nil
}

// Run consumes the update stream until the context is cancelled.
func (i *Ingestor) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := i.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			i.api.StopReceivingUpdates()
			return
		case update := <-updates:
			msg := update.ChannelPost
			if msg == nil {
				msg = update.Message
			}
			if msg == nil || msg.Text == "" {
				continue
			}
			i.handle(msg)
		}
	}
}

// handle normalizes one transport message to the canonical envelope and
// enqueues it. Unknown, inactive and paused channels are dropped here so
// downstream workers only ever see live sources.
func (i *Ingestor) handle(msg *tgbotapi.Message) {
	externalID := strconv.FormatInt(msg.Chat.ID, 10)

	ch := i.channels.ChannelByExternalID(externalID)
	if ch == nil {
		log.Debug().Str("external_id", externalID).Msg("Message from unknown channel, dropped")
		return
	}
	if !ch.Active || ch.Paused {
		log.Debug().Str("channel", ch.ID).Msg("Channel inactive or paused, message dropped")
		return
	}

	env := trade.Envelope{
		ExternalChannelID: externalID,
		MessageID:         msg.MessageID,
		Timestamp:         time.Unix(int64(msg.Date), 0).UTC(),
		Text:              msg.Text,
		ChannelName:       ch.Name,
	}
	if msg.ForwardFromChat != nil {
		env.ForwardedFrom = msg.ForwardFromChat.Title
	}

	if err := i.queue.Push(env); err != nil {
		log.Error().Err(err).Str("channel", ch.ID).Msg("Failed to enqueue message")
		return
	}

	i.bus.Publish(events.TopicNewMessage, env)
	log.Debug().Str("channel", ch.ID).Int("message", env.MessageID).Msg("Message enqueued")
}
