// Package feed is the long-running consumer of the message queue: it runs
// recognition, applies channel policy and the dedup window, persists
// signals, and hands accepted entries to the executor.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/database"
	"github.com/web3guy0/signalbot/internal/events"
	"github.com/web3guy0/signalbot/internal/locks"
	"github.com/web3guy0/signalbot/internal/queue"
	"github.com/web3guy0/signalbot/internal/recognition"
	"github.com/web3guy0/signalbot/internal/trade"
)

// Recognizer classifies one envelope.
type Recognizer interface {
	Recognize(ctx context.Context, env trade.Envelope) (recognition.Result, error)
}

// Exec executes one approved signal.
type Exec interface {
	Execute(ctx context.Context, signalID string) error
}

// ChannelLookup resolves external channel ids; the registry implements it.
type ChannelLookup interface {
	ChannelByExternalID(externalID string) *database.Channel
}

// Config is the feed policy.
type Config struct {
	Workers                int
	MinConfidence          float64
	DedupWindow            time.Duration
	DedupEpsilon           decimal.Decimal
	RiskManagementDisabled bool
}

type Feed struct {
	db       *database.Database
	queue    *queue.Queue
	engine   Recognizer
	channels ChannelLookup
	exec     Exec
	bus      *events.Bus
	locks    *locks.Keyed
	cfg      Config
}

func New(db *database.Database, q *queue.Queue, engine Recognizer, channels ChannelLookup, exec Exec, bus *events.Bus, cfg Config) *Feed {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	return &Feed{
		db:       db,
		queue:    q,
		engine:   engine,
		channels: channels,
		exec:     exec,
		bus:      bus,
		locks:    locks.NewKeyed(),
		cfg:      cfg,
	}
}

// Run drains the queue with the configured worker pool until the context is
// cancelled, then waits for in-flight work.
func (f *Feed) Run(ctx context.Context) {
	log.Info().Int("workers", f.cfg.Workers).Msg("Signal feed started")

	var wg sync.WaitGroup
	for w := 0; w < f.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.worker(ctx)
		}()
	}
	wg.Wait()
}

func (f *Feed) worker(ctx context.Context) {
	for {
		item, err := f.queue.Pop(ctx)
		if err != nil {
			return // context cancelled
		}

		if err := f.Process(ctx, item.Envelope); err != nil {
			if trade.IsKind(err, trade.ErrTransient) {
				log.Warn().Err(err).Int("message", item.Envelope.MessageID).
					Msg("Transient failure, envelope requeued")
				f.queue.Nack(item)
				continue
			}
			log.Error().Err(err).Int("message", item.Envelope.MessageID).Msg("Envelope processing failed")
		}
		if err := f.queue.Ack(item.ID); err != nil {
			log.Error().Err(err).Uint("item", item.ID).Msg("Queue ack failed")
		}
	}
}

// Process runs the pipeline for one envelope.
func (f *Feed) Process(ctx context.Context, env trade.Envelope) error {
	ch := f.channels.ChannelByExternalID(env.ExternalChannelID)
	if ch == nil || !ch.Active || ch.Paused {
		return nil // policy drop, not an error
	}

	// Serialize per channel from here: the queue is FIFO, so holding the
	// lock across recognition and the executor handoff keeps per-channel
	// processing in message order and upholds the dedup window.
	unlock := f.locks.Lock(ch.ID)
	defer unlock()

	// Replay guard: one signal row per (channel, message).
	exists, err := f.db.SignalExistsForMessage(ch.ID, env.MessageID)
	if err != nil {
		return trade.WrapErr(trade.ErrTransient, err)
	}
	if exists {
		return nil
	}

	res, err := f.engine.Recognize(ctx, env)
	if err != nil {
		return err
	}

	sig := &database.Signal{
		ID:                uuid.NewString(),
		ChannelID:         ch.ID,
		ExternalMessageID: env.MessageID,
		Confidence:        res.Confidence,
		RawMessage:        env.Text,
		Parsed:            res.Raw,
		MessageTimestamp:  env.Timestamp,
		Type:              res.Type,
	}

	// Non-signals and low-confidence replies are kept for audit only.
	if !res.IsSignal || res.Confidence < f.cfg.MinConfidence {
		sig.Type = trade.TypeGeneral
		sig.Status = trade.SignalIgnored
		sig.Reason = "below confidence threshold"
		if !res.IsSignal {
			sig.Reason = "not a signal"
		}
		return f.db.CreateSignal(sig)
	}

	// Non-entry signal types are persisted for audit and stop here.
	if res.Type != trade.TypeEntry || res.Extracted == nil {
		sig.Status = trade.SignalIgnored
		sig.Reason = "non-entry signal"
		return f.db.CreateSignal(sig)
	}

	ext := res.Extracted
	sig.Asset = ext.Asset
	sig.Direction = ext.Direction
	sig.Leverage = ext.Leverage
	sig.EntryPrice = ext.EntryPrice
	sig.StopLoss = ext.StopLoss
	sig.SuggestedVolume = ext.SuggestedVolume
	if err := sig.SetTPs(ext.TPLevels); err != nil {
		return err
	}

	// Dedup window: a similar open entry from the same channel within the
	// window wins. The emergency override bypasses this and is logged loudly.
	if f.cfg.RiskManagementDisabled {
		log.Warn().Str("channel", ch.ID).Str("asset", ext.Asset).Bool("risk_disabled", true).
			Msg("RISK MANAGEMENT DISABLED — dedup window bypassed")
	} else {
		since := time.Now().Add(-f.cfg.DedupWindow)
		dup, err := f.db.FindRecentEntrySignal(ch.ID, ext.Asset, ext.Direction, ext.EntryPrice, f.cfg.DedupEpsilon, since)
		if err != nil {
			return trade.WrapErr(trade.ErrTransient, err)
		}
		if dup != nil {
			sig.Status = trade.SignalIgnored
			sig.Reason = "duplicate"
			if err := f.db.CreateSignal(sig); err != nil {
				return err
			}
			log.Info().Str("signal", sig.ID).Str("duplicate_of", dup.ID).Msg("Duplicate signal ignored")
			return nil
		}
	}

	sig.Status = trade.SignalPending
	if err := f.db.CreateSignal(sig); err != nil {
		return err
	}

	log.Info().
		Str("signal", sig.ID).
		Str("channel", ch.ID).
		Str("asset", ext.Asset).
		Str("direction", string(ext.Direction)).
		Str("entry", ext.EntryPrice.String()).
		Float64("confidence", res.Confidence).
		Msg("Entry signal accepted")

	if ch.AutoExecute {
		return f.exec.Execute(ctx, sig.ID)
	}

	f.bus.Publish(events.TopicSignalNew, sig.ID)
	return nil
}

// Approve forwards a pending signal to the executor. Idempotent on terminal
// signals.
func (f *Feed) Approve(ctx context.Context, signalID string) error {
	n, err := f.db.UpdateSignalStatus(signalID, trade.SignalApproved, "approved by operator")
	if err != nil {
		return err
	}
	if n == 0 {
		log.Info().Str("signal", signalID).Msg("Approve on terminal signal, no-op")
		return nil
	}
	return f.exec.Execute(ctx, signalID)
}

// Ignore marks a pending signal ignored with a reason. Idempotent on
// terminal signals.
func (f *Feed) Ignore(signalID, reason string) error {
	n, err := f.db.UpdateSignalStatus(signalID, trade.SignalIgnored, reason)
	if err != nil {
		return err
	}
	if n == 0 {
		log.Info().Str("signal", signalID).Msg("Ignore on terminal signal, no-op")
	}
	return nil
}
