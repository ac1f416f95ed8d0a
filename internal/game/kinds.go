// Package game holds the illustrative domain cells built on the runtime:
// accounts, per-season characters, inventories, trades, and the season and
// base-type registries. Trading exercises the transaction coordinator and the
// stream substrate; hardcore death exercises cross-cell orchestration.
package game

import (
	"github.com/google/uuid"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/stream"
)

// Cell kind names.
const (
	AccountKind          = "Account"
	CharacterKind        = "Character"
	InventoryKind        = "Inventory"
	TradeKind            = "Trade"
	SeasonRegistryKind   = "SeasonRegistry"
	BaseTypeRegistryKind = "BaseTypeRegistry"
	BaseTypeCacheKind    = "BaseTypeCache"
)

// Kinds builds every domain cell kind. Trade cells publish to streams, so
// the substrate and its provider name come in here.
func Kinds(substrate *stream.Substrate, streamProvider string) []*cell.Kind {
	return []*cell.Kind{
		NewAccountKind(),
		NewCharacterKind(),
		NewInventoryKind(),
		NewTradeKind(substrate, streamProvider),
		NewSeasonRegistryKind(),
		NewBaseTypeRegistryKind(),
		NewBaseTypeCacheKind(),
	}
}

// Identity helpers. Characters and inventories share the (uuid, season)
// compound key, so a character's inventory follows it through migrations.

func AccountIdentity(userID uuid.UUID) cell.Identity {
	return cell.NewIdentity(AccountKind, cell.UUIDKey(userID))
}

func CharacterIdentity(characterID uuid.UUID, seasonID string) cell.Identity {
	return cell.NewIdentity(CharacterKind, cell.CompoundKey(characterID, seasonID))
}

func InventoryIdentity(characterID uuid.UUID, seasonID string) cell.Identity {
	return cell.NewIdentity(InventoryKind, cell.CompoundKey(characterID, seasonID))
}

func TradeIdentity(tradeID string) cell.Identity {
	return cell.NewIdentity(TradeKind, cell.StringKey(tradeID))
}

func SeasonRegistryIdentity() cell.Identity {
	return cell.NewIdentity(SeasonRegistryKind, cell.StringKey("default"))
}

func BaseTypeRegistryIdentity() cell.Identity {
	return cell.NewIdentity(BaseTypeRegistryKind, cell.StringKey("default"))
}

// TradeStream addresses the per-trade event stream.
func TradeStream(provider, tradeID string) stream.ID {
	return stream.NewID(provider, "trade", tradeID)
}
