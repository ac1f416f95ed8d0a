package game

import (
	"context"

	"github.com/google/uuid"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/gateway"
)

// accountNamespace derives a stable account UUID from an auth principal, so
// every identity provider maps onto the same account space.
var accountNamespace = uuid.MustParse("8b67b7e4-9a47-4a7d-9c7e-1f24a3f0c9d1")

// AccountID maps an authenticated user ID onto its account cell key.
func AccountID(userID string) uuid.UUID {
	return uuid.NewSHA1(accountNamespace, []byte(userID))
}

type hubCharacterIn struct {
	CharacterID  uuid.UUID `json:"characterId"`
	SeasonID     string    `json:"seasonId"`
	Name         string    `json:"name,omitempty"`
	Restrictions []string  `json:"restrictions,omitempty"`
}

type hubItemIn struct {
	CharacterID uuid.UUID `json:"characterId"`
	SeasonID    string    `json:"seasonId"`
	ItemID      string    `json:"itemId,omitempty"`
}

type hubTradeIn struct {
	TradeID     string    `json:"tradeId"`
	CharacterID uuid.UUID `json:"characterId"`
	PartnerID   uuid.UUID `json:"partnerId,omitempty"`
	SeasonID    string    `json:"seasonId,omitempty"`
	ItemID      string    `json:"itemId,omitempty"`
}

type hubChallengeIn struct {
	CharacterID uuid.UUID `json:"characterId"`
	SeasonID    string    `json:"seasonId"`
	Challenge   string    `json:"challenge"`
	Progress    int       `json:"progress"`
}

type hubSeasonIn struct {
	SeasonID string `json:"seasonId"`
}

type hubBaseTypeIn struct {
	Name string `json:"name"`
}

// Hubs exposes the game domain as one socket hub per aggregate. Every method
// is a thin forward into a cell operation; the cells own all invariants. The
// hub name prefixes the rate-limit endpoint, so policies map per domain
// ("TradeHub.*", "CharacterHub.die").
func Hubs(rt *cell.Runtime) []*gateway.Hub {
	return []*gateway.Hub{
		newAccountHub(rt),
		newCharacterHub(rt),
		newInventoryHub(rt),
		newTradeHub(rt),
		newSeasonHub(rt),
		newBaseTypeHub(rt),
	}
}

func newAccountHub(rt *cell.Runtime) *gateway.Hub {
	h := gateway.NewHub("AccountHub")

	gateway.Bind(h, "profile", func(ctx context.Context, conn *gateway.Conn, _ struct{}) (accountProfileOut, error) {
		var out accountProfileOut
		err := rt.Invoke(ctx, AccountIdentity(AccountID(conn.Principal().UserID)), "profile", nil, &out)
		return out, err
	})

	return h
}

func newCharacterHub(rt *cell.Runtime) *gateway.Hub {
	h := gateway.NewHub("CharacterHub")

	gateway.Bind(h, "create", func(ctx context.Context, conn *gateway.Conn, in hubCharacterIn) (CharacterProfile, error) {
		var profile CharacterProfile
		err := rt.Invoke(ctx, CharacterIdentity(in.CharacterID, in.SeasonID), "create", createCharacterIn{
			Name: in.Name, Restrictions: in.Restrictions,
		}, &profile)
		if err != nil {
			return CharacterProfile{}, err
		}
		account := AccountIdentity(AccountID(conn.Principal().UserID))
		if err := rt.Invoke(ctx, account, "ensure", ensureAccountIn{DisplayName: conn.Principal().UserID}, nil); err != nil {
			return CharacterProfile{}, err
		}
		err = rt.Invoke(ctx, account, "registerCharacter", registerCharacterIn{Ref: CharacterRef{
			CharacterID: in.CharacterID.String(), SeasonID: in.SeasonID, Name: in.Name,
		}}, nil)
		return profile, err
	})

	gateway.Bind(h, "profile", func(ctx context.Context, _ *gateway.Conn, in hubCharacterIn) (CharacterProfile, error) {
		var profile CharacterProfile
		err := rt.Invoke(ctx, CharacterIdentity(in.CharacterID, in.SeasonID), "profile", nil, &profile)
		return profile, err
	})

	gateway.Bind(h, "die", func(ctx context.Context, _ *gateway.Conn, in hubCharacterIn) (dieOut, error) {
		var out dieOut
		err := rt.Invoke(ctx, CharacterIdentity(in.CharacterID, in.SeasonID), "die", nil, &out)
		return out, err
	})

	gateway.Bind(h, "updateChallengeProgress", func(ctx context.Context, _ *gateway.Conn, in hubChallengeIn) (challengeProgressOut, error) {
		var out challengeProgressOut
		err := rt.Invoke(ctx, CharacterIdentity(in.CharacterID, in.SeasonID), "updateChallengeProgress",
			challengeProgressIn{Challenge: in.Challenge, Progress: in.Progress}, &out)
		return out, err
	})

	return h
}

func newInventoryHub(rt *cell.Runtime) *gateway.Hub {
	h := gateway.NewHub("InventoryHub")

	gateway.Bind(h, "list", func(ctx context.Context, _ *gateway.Conn, in hubItemIn) (listItemsOut, error) {
		var out listItemsOut
		err := rt.Invoke(ctx, InventoryIdentity(in.CharacterID, in.SeasonID), "list", nil, &out)
		return out, err
	})

	gateway.Bind(h, "describe", func(ctx context.Context, _ *gateway.Conn, in hubItemIn) (Item, error) {
		var item Item
		err := rt.Invoke(ctx, InventoryIdentity(in.CharacterID, in.SeasonID), "describe",
			itemRefIn{ItemID: in.ItemID}, &item)
		return item, err
	})

	return h
}

func newTradeHub(rt *cell.Runtime) *gateway.Hub {
	h := gateway.NewHub("TradeHub")

	gateway.Bind(h, "startTrade", func(ctx context.Context, conn *gateway.Conn, in hubTradeIn) (TradeView, error) {
		if in.TradeID == "" {
			return TradeView{}, fault.New(fault.KindInvalidInput, "tradeId is required")
		}
		var view TradeView
		err := rt.Invoke(ctx, TradeIdentity(in.TradeID), "start", startTradeIn{
			InitiatorID: in.CharacterID, PartnerID: in.PartnerID, SeasonID: in.SeasonID,
		}, &view)
		if err != nil {
			return TradeView{}, err
		}
		// The initiator watches the trade it opened.
		return view, conn.Join(ctx, "trade:"+in.TradeID)
	})

	gateway.Bind(h, "watch", func(ctx context.Context, conn *gateway.Conn, in hubTradeIn) (struct{}, error) {
		return struct{}{}, conn.Join(ctx, "trade:"+in.TradeID)
	})

	gateway.Bind(h, "unwatch", func(ctx context.Context, conn *gateway.Conn, in hubTradeIn) (struct{}, error) {
		conn.Leave("trade:" + in.TradeID)
		return struct{}{}, nil
	})

	gateway.Bind(h, "addItem", func(ctx context.Context, _ *gateway.Conn, in hubTradeIn) (TradeView, error) {
		var view TradeView
		err := rt.Invoke(ctx, TradeIdentity(in.TradeID), "addItem", tradeItemIn{
			CharacterID: in.CharacterID, ItemID: in.ItemID,
		}, &view)
		return view, err
	})

	gateway.Bind(h, "accept", func(ctx context.Context, _ *gateway.Conn, in hubTradeIn) (TradeView, error) {
		var view TradeView
		err := rt.Invoke(ctx, TradeIdentity(in.TradeID), "accept", tradeActorIn{CharacterID: in.CharacterID}, &view)
		return view, err
	})

	gateway.Bind(h, "cancel", func(ctx context.Context, _ *gateway.Conn, in hubTradeIn) (TradeView, error) {
		var view TradeView
		err := rt.Invoke(ctx, TradeIdentity(in.TradeID), "cancel", tradeActorIn{CharacterID: in.CharacterID}, &view)
		return view, err
	})

	return h
}

func newSeasonHub(rt *cell.Runtime) *gateway.Hub {
	h := gateway.NewHub("SeasonHub")

	gateway.Bind(h, "list", func(ctx context.Context, _ *gateway.Conn, _ struct{}) (listSeasonsOut, error) {
		var out listSeasonsOut
		err := rt.Invoke(ctx, SeasonRegistryIdentity(), "listSeasons", nil, &out)
		return out, err
	})

	gateway.Bind(h, "get", func(ctx context.Context, _ *gateway.Conn, in hubSeasonIn) (Season, error) {
		var out Season
		err := rt.Invoke(ctx, SeasonRegistryIdentity(), "getSeason", getSeasonIn{ID: in.SeasonID}, &out)
		return out, err
	})

	return h
}

func newBaseTypeHub(rt *cell.Runtime) *gateway.Hub {
	h := gateway.NewHub("BaseTypeHub")

	gateway.Bind(h, "list", func(ctx context.Context, _ *gateway.Conn, _ struct{}) (listBaseTypesOut, error) {
		var out listBaseTypesOut
		err := rt.Invoke(ctx, BaseTypeRegistryIdentity(), "list", nil, &out)
		return out, err
	})

	// Reads ride the replicated cache, not the registry.
	gateway.Bind(h, "get", func(ctx context.Context, _ *gateway.Conn, in hubBaseTypeIn) (BaseType, error) {
		var out BaseType
		err := rt.Invoke(ctx, BaseTypeCacheIdentity(), "get", baseTypeRefIn{Name: in.Name}, &out)
		return out, err
	})

	return h
}
