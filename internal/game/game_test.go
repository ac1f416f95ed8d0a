package game_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanworks/titan/internal/celltest"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/game"
	"github.com/titanworks/titan/internal/rules"
	"github.com/titanworks/titan/internal/stream"
	"github.com/titanworks/titan/internal/txn"
)

const testProvider = "local"

type gameFixture struct {
	silo      *celltest.Silo
	substrate *stream.Substrate
}

func newGameFixture(t *testing.T) *gameFixture {
	t.Helper()
	substrate := stream.NewSubstrate(slog.Default(),
		stream.NewGoChannelProvider(testProvider, slog.Default()))
	silo := celltest.NewSilo(t, celltest.Options{
		Kinds: game.Kinds(substrate, testProvider),
		Wire: func(s *celltest.Silo) {
			mgr := txn.NewManager(txn.DefaultConfig("test"), s.Redis, s.Backend, slog.Default())
			s.Runtime.SetTxnStarter(mgr)
		},
	})
	return &gameFixture{silo: silo, substrate: substrate}
}

func (f *gameFixture) seedSeason(t *testing.T, season game.Season) {
	t.Helper()
	err := f.silo.Runtime.Invoke(context.Background(), game.SeasonRegistryIdentity(), "upsertSeason", season, nil)
	require.NoError(t, err)
}

func (f *gameFixture) createCharacter(t *testing.T, id uuid.UUID, seasonID, name string, restrictions ...string) {
	t.Helper()
	in := struct {
		Name         string   `json:"name"`
		Restrictions []string `json:"restrictions,omitempty"`
	}{Name: name, Restrictions: restrictions}
	err := f.silo.Runtime.Invoke(context.Background(), game.CharacterIdentity(id, seasonID), "create", in, nil)
	require.NoError(t, err)
}

func (f *gameFixture) giveLoot(t *testing.T, charID uuid.UUID, seasonID, itemID string, tradeable bool) {
	t.Helper()
	in := struct {
		Item game.Item `json:"item"`
	}{Item: game.Item{ID: itemID, BaseType: "test-loot", Tradeable: tradeable}}
	err := f.silo.Runtime.Invoke(context.Background(), game.InventoryIdentity(charID, seasonID), "addItem", in, nil)
	require.NoError(t, err)
}

func (f *gameFixture) inventory(t *testing.T, charID uuid.UUID, seasonID string) []game.Item {
	t.Helper()
	var out struct {
		Items []game.Item `json:"items"`
	}
	err := f.silo.Runtime.Invoke(context.Background(), game.InventoryIdentity(charID, seasonID), "list", nil, &out)
	require.NoError(t, err)
	return out.Items
}

// watchTrade records the event kinds arriving on a trade's stream in order.
func (f *gameFixture) watchTrade(t *testing.T, tradeID string) func(n int) []string {
	t.Helper()
	var mu sync.Mutex
	var kinds []string
	sub, err := f.substrate.Subscribe(context.Background(), game.TradeStream(testProvider, tradeID),
		func(_ context.Context, ev *stream.Event) error {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)

	return func(n int) []string {
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(kinds) >= n
		}, 5*time.Second, 10*time.Millisecond, "waiting for %d trade events", n)
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), kinds...)
	}
}

type tradeActor struct {
	f       *gameFixture
	tradeID string
}

func (a tradeActor) start(initiator, partner uuid.UUID, seasonID string) error {
	in := struct {
		InitiatorID uuid.UUID `json:"initiatorId"`
		PartnerID   uuid.UUID `json:"partnerId"`
		SeasonID    string    `json:"seasonId"`
	}{initiator, partner, seasonID}
	return a.f.silo.Runtime.Invoke(context.Background(), game.TradeIdentity(a.tradeID), "start", in, nil)
}

func (a tradeActor) addItem(charID uuid.UUID, itemID string) error {
	in := struct {
		CharacterID uuid.UUID `json:"characterId"`
		ItemID      string    `json:"itemId"`
	}{charID, itemID}
	return a.f.silo.Runtime.Invoke(context.Background(), game.TradeIdentity(a.tradeID), "addItem", in, nil)
}

func (a tradeActor) accept(charID uuid.UUID) (game.TradeView, error) {
	in := struct {
		CharacterID uuid.UUID `json:"characterId"`
	}{charID}
	var view game.TradeView
	err := a.f.silo.Runtime.Invoke(context.Background(), game.TradeIdentity(a.tradeID), "accept", in, &view)
	return view, err
}

func (a tradeActor) status(t *testing.T) game.TradeView {
	t.Helper()
	var view game.TradeView
	err := a.f.silo.Runtime.Invoke(context.Background(), game.TradeIdentity(a.tradeID), "status", nil, &view)
	require.NoError(t, err)
	return view
}

func TestTradeHappyPath(t *testing.T) {
	f := newGameFixture(t)
	f.seedSeason(t, game.Season{ID: "alpha", Name: "Alpha", FallbackSeasonID: "standard"})

	alice, bob := uuid.New(), uuid.New()
	f.createCharacter(t, alice, "alpha", "Alice")
	f.createCharacter(t, bob, "alpha", "Bob")
	f.giveLoot(t, alice, "alpha", "i1", true)
	f.giveLoot(t, bob, "alpha", "i2", true)

	trade := tradeActor{f: f, tradeID: uuid.NewString()}
	events := f.watchTrade(t, trade.tradeID)

	require.NoError(t, trade.start(alice, bob, "alpha"))
	require.NoError(t, trade.addItem(alice, "i1"))
	require.NoError(t, trade.addItem(bob, "i2"))

	view, err := trade.accept(alice)
	require.NoError(t, err)
	assert.Equal(t, game.TradeOpen, view.Status)

	view, err = trade.accept(bob)
	require.NoError(t, err)
	assert.Equal(t, game.TradeCompleted, view.Status)

	assert.Equal(t, []string{
		game.EventTradeStarted,
		game.EventItemAdded,
		game.EventItemAdded,
		game.EventTradeAccepted,
		game.EventTradeCompleted,
	}, events(5))

	aliceItems := f.inventory(t, alice, "alpha")
	require.Len(t, aliceItems, 1)
	assert.Equal(t, "i2", aliceItems[0].ID)
	bobItems := f.inventory(t, bob, "alpha")
	require.Len(t, bobItems, 1)
	assert.Equal(t, "i1", bobItems[0].ID)

	// The received item carries a Traded history entry naming the trade.
	last := bobItems[0].History[len(bobItems[0].History)-1]
	assert.Equal(t, game.HistoryTraded, last.Kind)
	assert.Contains(t, last.Note, trade.tradeID)
}

func TestConcurrentTradesSpendItemOnce(t *testing.T) {
	f := newGameFixture(t)
	f.seedSeason(t, game.Season{ID: "alpha", Name: "Alpha", FallbackSeasonID: "standard"})

	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	f.createCharacter(t, alice, "alpha", "Alice")
	f.createCharacter(t, bob, "alpha", "Bob")
	f.createCharacter(t, carol, "alpha", "Carol")
	f.giveLoot(t, alice, "alpha", "i1", true)

	// Both trades offer Alice's only item.
	t1 := tradeActor{f: f, tradeID: uuid.NewString()}
	t2 := tradeActor{f: f, tradeID: uuid.NewString()}
	require.NoError(t, t1.start(alice, bob, "alpha"))
	require.NoError(t, t2.start(alice, carol, "alpha"))
	require.NoError(t, t1.addItem(alice, "i1"))
	require.NoError(t, t2.addItem(alice, "i1"))
	_, err := t1.accept(bob)
	require.NoError(t, err)
	_, err = t2.accept(carol)
	require.NoError(t, err)

	// The final acceptances race; settlement serializes on Alice's inventory.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, trade := range []tradeActor{t1, t2} {
		wg.Add(1)
		go func(i int, trade tradeActor) {
			defer wg.Done()
			_, errs[i] = trade.accept(alice)
		}(i, trade)
	}
	wg.Wait()

	completed, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			completed++
		case fault.Is(err, fault.KindConflict):
			conflicted++
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	assert.Equal(t, 1, completed, "exactly one trade completes")
	assert.Equal(t, 1, conflicted, "the loser aborts with Conflict")

	statuses := map[string]int{}
	for _, trade := range []tradeActor{t1, t2} {
		statuses[trade.status(t).Status]++
	}
	assert.Equal(t, map[string]int{game.TradeCompleted: 1, game.TradeCancelled: 1}, statuses)

	// The item landed in exactly one counterparty inventory.
	assert.Empty(t, f.inventory(t, alice, "alpha"))
	holders := 0
	for _, charID := range []uuid.UUID{bob, carol} {
		for _, item := range f.inventory(t, charID, "alpha") {
			if item.ID == "i1" {
				holders++
			}
		}
	}
	assert.Equal(t, 1, holders)
}

func TestAddingItemResetsAcceptance(t *testing.T) {
	f := newGameFixture(t)
	f.seedSeason(t, game.Season{ID: "alpha", Name: "Alpha", FallbackSeasonID: "standard"})

	alice, bob := uuid.New(), uuid.New()
	f.createCharacter(t, alice, "alpha", "Alice")
	f.createCharacter(t, bob, "alpha", "Bob")
	f.giveLoot(t, alice, "alpha", "i1", true)
	f.giveLoot(t, bob, "alpha", "i2", true)

	trade := tradeActor{f: f, tradeID: uuid.NewString()}
	require.NoError(t, trade.start(alice, bob, "alpha"))
	require.NoError(t, trade.addItem(alice, "i1"))

	_, err := trade.accept(alice)
	require.NoError(t, err)

	// Bob changes the offer after Alice accepted; her acceptance is void.
	require.NoError(t, trade.addItem(bob, "i2"))
	view, err := trade.accept(bob)
	require.NoError(t, err)
	assert.Equal(t, game.TradeOpen, view.Status, "stale acceptance must not complete the trade")

	view, err = trade.accept(alice)
	require.NoError(t, err)
	assert.Equal(t, game.TradeCompleted, view.Status)
}

func TestTradeRejectsRuleViolations(t *testing.T) {
	f := newGameFixture(t)
	f.seedSeason(t, game.Season{ID: "alpha", Name: "Alpha", FallbackSeasonID: "standard"})

	alice, bob, ssf := uuid.New(), uuid.New(), uuid.New()
	f.createCharacter(t, alice, "alpha", "Alice")
	f.createCharacter(t, bob, "alpha", "Bob")
	f.createCharacter(t, ssf, "alpha", "Hermit", rules.RestrictionSoloSelfFound)

	trade := tradeActor{f: f, tradeID: uuid.NewString()}
	err := trade.start(alice, ssf, "alpha")
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err), "solo-self-found characters cannot trade")

	require.NoError(t, trade.start(alice, bob, "alpha"))
	f.giveLoot(t, alice, "alpha", "bound", false)
	err = trade.addItem(alice, "bound")
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err), "untradeable items cannot be offered")

	err = trade.addItem(bob, "missing")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	err = trade.addItem(ssf, "anything")
	assert.Equal(t, fault.KindForbidden, fault.KindOf(err), "outsiders cannot touch the trade")
}

func TestHardcoreDeathMigratesToFallback(t *testing.T) {
	f := newGameFixture(t)
	f.seedSeason(t, game.Season{ID: "standard", Name: "Standard", Permanent: true})
	f.seedSeason(t, game.Season{ID: "alpha", Name: "Alpha", FallbackSeasonID: "standard"})

	hero := uuid.New()
	f.createCharacter(t, hero, "alpha", "Hero", rules.RestrictionHardcore)

	var died struct {
		Migrated         bool   `json:"migrated"`
		FallbackSeasonID string `json:"fallbackSeasonId"`
	}
	err := f.silo.Runtime.Invoke(context.Background(), game.CharacterIdentity(hero, "alpha"), "die", nil, &died)
	require.NoError(t, err)
	assert.True(t, died.Migrated)
	assert.Equal(t, "standard", died.FallbackSeasonID)

	var source game.CharacterProfile
	err = f.silo.Runtime.Invoke(context.Background(), game.CharacterIdentity(hero, "alpha"), "profile", nil, &source)
	require.NoError(t, err)
	assert.True(t, source.Dead)

	var hist struct {
		History []game.HistoryEntry `json:"history"`
	}
	err = f.silo.Runtime.Invoke(context.Background(), game.CharacterIdentity(hero, "alpha"), "history", nil, &hist)
	require.NoError(t, err)
	var kinds []string
	for _, e := range hist.History {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{game.HistoryCreated, game.HistoryDied, game.HistoryMigrated}, kinds)

	var migrated game.CharacterProfile
	err = f.silo.Runtime.Invoke(context.Background(), game.CharacterIdentity(hero, "standard"), "profile", nil, &migrated)
	require.NoError(t, err)
	assert.Equal(t, "Hero", migrated.Name)
	assert.False(t, migrated.Dead)
	assert.NotContains(t, migrated.Restrictions, rules.RestrictionHardcore)
}

func TestDeathInVoidSeasonDoesNotMigrate(t *testing.T) {
	f := newGameFixture(t)
	f.seedSeason(t, game.Season{ID: "ephemeral", Name: "Ephemeral", Void: true})

	hero := uuid.New()
	f.createCharacter(t, hero, "ephemeral", "Doomed", rules.RestrictionHardcore)

	var died struct {
		Migrated bool `json:"migrated"`
	}
	err := f.silo.Runtime.Invoke(context.Background(), game.CharacterIdentity(hero, "ephemeral"), "die", nil, &died)
	require.NoError(t, err)
	assert.False(t, died.Migrated)

	var hist struct {
		History []game.HistoryEntry `json:"history"`
	}
	err = f.silo.Runtime.Invoke(context.Background(), game.CharacterIdentity(hero, "ephemeral"), "history", nil, &hist)
	require.NoError(t, err)
	for _, e := range hist.History {
		assert.NotEqual(t, game.HistoryMigrated, e.Kind, "void seasons are terminal")
	}
}

func TestChallengeProgressNeverRegresses(t *testing.T) {
	f := newGameFixture(t)
	f.seedSeason(t, game.Season{ID: "alpha", Name: "Alpha", FallbackSeasonID: "standard"})

	hero := uuid.New()
	f.createCharacter(t, hero, "alpha", "Hero")
	id := game.CharacterIdentity(hero, "alpha")

	report := func(progress int) int {
		in := struct {
			Challenge string `json:"challenge"`
			Progress  int    `json:"progress"`
		}{Challenge: "bosses", Progress: progress}
		var out struct {
			Progress int `json:"progress"`
		}
		require.NoError(t, f.silo.Runtime.Invoke(context.Background(), id, "updateChallengeProgress", in, &out))
		return out.Progress
	}

	assert.Equal(t, 10, report(10))
	assert.Equal(t, 10, report(7), "late report must not regress progress")
	assert.Equal(t, 12, report(12))
}

func TestBaseTypeCacheSnapshotsCatalogue(t *testing.T) {
	f := newGameFixture(t)
	err := f.silo.Runtime.Invoke(context.Background(), game.BaseTypeRegistryIdentity(), "upsert",
		game.BaseType{Name: "rusty-sword", Tradeable: true, Tags: []string{"weapon"}}, nil)
	require.NoError(t, err)

	var bt game.BaseType
	err = f.silo.Runtime.Invoke(context.Background(), game.BaseTypeCacheIdentity(), "get",
		struct {
			Name string `json:"name"`
		}{Name: "rusty-sword"}, &bt)
	require.NoError(t, err)
	assert.True(t, bt.Tradeable)

	err = f.silo.Runtime.Invoke(context.Background(), game.BaseTypeCacheIdentity(), "get",
		struct {
			Name string `json:"name"`
		}{Name: "unknown"}, nil)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}
