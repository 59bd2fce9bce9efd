package feed

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/internal/database"
	"github.com/web3guy0/signalbot/internal/events"
	"github.com/web3guy0/signalbot/internal/queue"
	"github.com/web3guy0/signalbot/internal/recognition"
	"github.com/web3guy0/signalbot/internal/trade"
)

// fakeRecognizer returns a canned result per message text.
type fakeRecognizer struct {
	results map[string]recognition.Result
}

func (f *fakeRecognizer) Recognize(ctx context.Context, env trade.Envelope) (recognition.Result, error) {
	if res, ok := f.results[env.Text]; ok {
		return res, nil
	}
	return recognition.Result{IsSignal: false, Type: trade.TypeGeneral}, nil
}

// fakeExec records executed signal ids.
type fakeExec struct {
	executed []string
}

func (f *fakeExec) Execute(ctx context.Context, signalID string) error {
	f.executed = append(f.executed, signalID)
	return nil
}

// fakeLookup serves channels straight from the store without caching.
type fakeLookup struct {
	db *database.Database
}

func (f *fakeLookup) ChannelByExternalID(externalID string) *database.Channel {
	ch, err := f.db.GetChannelByExternalID(externalID)
	if err != nil {
		return nil
	}
	return ch
}

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func seedChannel(t *testing.T, db *database.Database, autoExecute bool) *database.Channel {
	t.Helper()
	ch := &database.Channel{
		ID:                 "ch1",
		ExternalChannelID:  "-100123",
		Name:               "alpha",
		Active:             true,
		AutoExecute:        autoExecute,
		MaxPositionPercent: dec("20"),
		RiskPercent:        dec("2"),
		SubAccountID:       "sub1",
	}
	require.NoError(t, ch.SetTPDist([]decimal.Decimal{dec("25"), dec("25"), dec("50")}))
	require.NoError(t, db.SaveChannel(ch))
	return ch
}

func entryResult(conf float64) recognition.Result {
	return recognition.Result{
		IsSignal:   true,
		Confidence: conf,
		Type:       trade.TypeEntry,
		Extracted: &recognition.Extraction{
			Asset:      "BTC",
			Direction:  trade.Long,
			Leverage:   10,
			EntryPrice: dec("30000"),
			TPLevels:   []decimal.Decimal{dec("30300"), dec("30600"), dec("31000")},
			StopLoss:   dec("29700"),
		},
	}
}

func testFeed(t *testing.T, db *database.Database, rec Recognizer, exec Exec) *Feed {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(db, queue.New(db, 10), rec, &fakeLookup{db: db}, exec, bus, Config{
		Workers:       1,
		MinConfidence: 0.8,
		DedupWindow:   24 * time.Hour,
		DedupEpsilon:  dec("0.0005"),
	})
}

func envelope(msgID int, text string) trade.Envelope {
	return trade.Envelope{
		ExternalChannelID: "-100123",
		MessageID:         msgID,
		Timestamp:         time.Now(),
		Text:              text,
	}
}

func TestProcessAutoExecutesEntry(t *testing.T) {
	db := newTestDB(t)
	seedChannel(t, db, true)
	exec := &fakeExec{}
	f := testFeed(t, db, &fakeRecognizer{results: map[string]recognition.Result{
		"long btc": entryResult(0.93),
	}}, exec)

	require.NoError(t, f.Process(context.Background(), envelope(1, "long btc")))

	require.Len(t, exec.executed, 1)
	sig, err := db.GetSignal(exec.executed[0])
	require.NoError(t, err)
	assert.Equal(t, trade.TypeEntry, sig.Type)
	assert.Equal(t, "BTC", sig.Asset)
	assert.Equal(t, trade.SignalPending, sig.Status)
}

// Manual channels broadcast signal:new and wait for the operator.
func TestProcessManualChannelWaits(t *testing.T) {
	db := newTestDB(t)
	seedChannel(t, db, false)
	exec := &fakeExec{}
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	newSignals, cancel := bus.Subscribe(4, events.TopicSignalNew)
	defer cancel()

	f := New(db, queue.New(db, 10), &fakeRecognizer{results: map[string]recognition.Result{
		"long btc": entryResult(0.9),
	}}, &fakeLookup{db: db}, exec, bus, Config{Workers: 1, MinConfidence: 0.8, DedupWindow: time.Hour, DedupEpsilon: dec("0.0005")})

	require.NoError(t, f.Process(context.Background(), envelope(1, "long btc")))
	assert.Empty(t, exec.executed)

	select {
	case ev := <-newSignals:
		sigID := ev.Payload.(string)
		require.NoError(t, f.Approve(context.Background(), sigID))
		assert.Equal(t, []string{sigID}, exec.executed)
	case <-time.After(time.Second):
		t.Fatal("signal:new not published")
	}
}

// Two similar entries within the window: the second is ignored as duplicate.
func TestProcessDedup(t *testing.T) {
	db := newTestDB(t)
	seedChannel(t, db, true)
	exec := &fakeExec{}
	f := testFeed(t, db, &fakeRecognizer{results: map[string]recognition.Result{
		"long btc":       entryResult(0.93),
		"long btc again": entryResult(0.91),
	}}, exec)

	require.NoError(t, f.Process(context.Background(), envelope(1, "long btc")))
	require.NoError(t, f.Process(context.Background(), envelope(2, "long btc again")))

	// Only the first executed.
	require.Len(t, exec.executed, 1)

	first, err := db.GetSignal(exec.executed[0])
	require.NoError(t, err)
	assert.Equal(t, trade.SignalPending, first.Status) // fakeExec does not transition

	dup, err := db.FindRecentEntrySignal("ch1", "BTC", trade.Long, dec("30000"), dec("0.0005"), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, first.ID, dup.ID)
}

// Replaying the same (channel, message) yields at most one signal row.
func TestProcessReplayIdempotent(t *testing.T) {
	db := newTestDB(t)
	seedChannel(t, db, true)
	exec := &fakeExec{}
	f := testFeed(t, db, &fakeRecognizer{results: map[string]recognition.Result{
		"long btc": entryResult(0.93),
	}}, exec)

	env := envelope(1, "long btc")
	require.NoError(t, f.Process(context.Background(), env))
	require.NoError(t, f.Process(context.Background(), env))

	assert.Len(t, exec.executed, 1)
}

func TestProcessLowConfidenceAudited(t *testing.T) {
	db := newTestDB(t)
	seedChannel(t, db, true)
	exec := &fakeExec{}
	f := testFeed(t, db, &fakeRecognizer{results: map[string]recognition.Result{
		"maybe long": entryResult(0.5),
	}}, exec)

	require.NoError(t, f.Process(context.Background(), envelope(1, "maybe long")))

	assert.Empty(t, exec.executed)
	exists, err := db.SignalExistsForMessage("ch1", 1)
	require.NoError(t, err)
	assert.True(t, exists) // persisted as audit row
}

func TestProcessPausedChannelDropped(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, true)
	ch.Paused = true
	require.NoError(t, db.SaveChannel(ch))

	exec := &fakeExec{}
	f := testFeed(t, db, &fakeRecognizer{results: map[string]recognition.Result{
		"long btc": entryResult(0.93),
	}}, exec)

	require.NoError(t, f.Process(context.Background(), envelope(1, "long btc")))

	assert.Empty(t, exec.executed)
	exists, _ := db.SignalExistsForMessage("ch1", 1)
	assert.False(t, exists) // policy drop leaves no row
}

func TestProcessUnknownChannelDropped(t *testing.T) {
	db := newTestDB(t)
	exec := &fakeExec{}
	f := testFeed(t, db, &fakeRecognizer{}, exec)

	require.NoError(t, f.Process(context.Background(), envelope(1, "whatever")))
	assert.Empty(t, exec.executed)
}

// Ignore is idempotent on terminal states.
func TestIgnoreIdempotent(t *testing.T) {
	db := newTestDB(t)
	seedChannel(t, db, false)
	exec := &fakeExec{}
	f := testFeed(t, db, &fakeRecognizer{results: map[string]recognition.Result{
		"long btc": entryResult(0.9),
	}}, exec)

	require.NoError(t, f.Process(context.Background(), envelope(1, "long btc")))

	var sigID string
	{
		dup, err := db.FindRecentEntrySignal("ch1", "BTC", trade.Long, dec("30000"), dec("0.0005"), time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.NotNil(t, dup)
		sigID = dup.ID
	}

	require.NoError(t, f.Ignore(sigID, "operator"))
	require.NoError(t, f.Ignore(sigID, "operator again"))
	require.NoError(t, f.Approve(context.Background(), sigID)) // no-op on terminal

	assert.Empty(t, exec.executed)
	sig, _ := db.GetSignal(sigID)
	assert.Equal(t, trade.SignalIgnored, sig.Status)
	assert.Equal(t, "operator", sig.Reason)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
