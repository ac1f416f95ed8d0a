package game

import (
	"sort"
	"time"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

const slotInventory = "InventoryStore"

// HistoryTraded marks an item's change of owner.
const HistoryTraded = "Traded"

// Item is one inventory entry. Tradeable is stamped from the base type at
// acquisition so trade validation needs no registry lookup.
type Item struct {
	ID        string         `json:"id"`
	BaseType  string         `json:"baseType"`
	Tradeable bool           `json:"tradeable"`
	History   []HistoryEntry `json:"history,omitempty"`
}

type inventoryState struct {
	Items map[string]Item `json:"items"`
}

// inventoryCell deliberately keeps no state across calls: its mutating ops
// run inside trade transactions, and a cached copy would go stale on abort.
// Every op reads the slot it needs.
type inventoryCell struct{}

type addItemIn struct {
	Item Item `json:"item"`
}

type itemRefIn struct {
	ItemID string `json:"itemId"`
}

type giveItemIn struct {
	Item Item   `json:"item"`
	Note string `json:"note,omitempty"`
}

type listItemsOut struct {
	Items []Item `json:"items"`
}

func (inv *inventoryCell) load(rc *cell.Ctx) (inventoryState, error) {
	var st inventoryState
	err := rc.Read(slotInventory, &st)
	if fault.Is(err, fault.KindNotFound) {
		return inventoryState{Items: map[string]Item{}}, nil
	}
	if err != nil {
		return inventoryState{}, err
	}
	if st.Items == nil {
		st.Items = map[string]Item{}
	}
	return st, nil
}

// AddItem acquires an item outside any trade (drop, craft, quest reward).
func (inv *inventoryCell) AddItem(rc *cell.Ctx, in addItemIn) (Item, error) {
	if in.Item.ID == "" {
		return Item{}, fault.New(fault.KindInvalidInput, "item id is required")
	}
	st, err := inv.load(rc)
	if err != nil {
		return Item{}, err
	}
	if _, dup := st.Items[in.Item.ID]; dup {
		return Item{}, fault.New(fault.KindConflict, "item %s already exists", in.Item.ID)
	}
	item := in.Item
	item.History = append(item.History, HistoryEntry{Kind: HistoryCreated, At: time.Now().UTC()})
	st.Items[item.ID] = item
	if err := rc.Write(slotInventory, st); err != nil {
		return Item{}, err
	}
	return item, nil
}

func (inv *inventoryCell) List(rc *cell.Ctx, _ struct{}) (listItemsOut, error) {
	st, err := inv.load(rc)
	if err != nil {
		return listItemsOut{}, err
	}
	out := listItemsOut{Items: make([]Item, 0, len(st.Items))}
	for _, item := range st.Items {
		out.Items = append(out.Items, item)
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].ID < out.Items[j].ID })
	return out, nil
}

func (inv *inventoryCell) Describe(rc *cell.Ctx, in itemRefIn) (Item, error) {
	st, err := inv.load(rc)
	if err != nil {
		return Item{}, err
	}
	item, ok := st.Items[in.ItemID]
	if !ok {
		return Item{}, fault.New(fault.KindNotFound, "no item %s", in.ItemID)
	}
	return item, nil
}

// TakeItem removes an item inside the caller's transaction. An item already
// spent by a racing trade surfaces as Conflict, which aborts that trade.
func (inv *inventoryCell) TakeItem(rc *cell.Ctx, in itemRefIn) (Item, error) {
	st, err := inv.load(rc)
	if err != nil {
		return Item{}, err
	}
	item, ok := st.Items[in.ItemID]
	if !ok {
		return Item{}, fault.New(fault.KindConflict, "item %s is no longer available", in.ItemID)
	}
	delete(st.Items, in.ItemID)
	if err := rc.Write(slotInventory, st); err != nil {
		return Item{}, err
	}
	return item, nil
}

// GiveItem deposits an item inside the caller's transaction, stamping a
// Traded entry onto its history.
func (inv *inventoryCell) GiveItem(rc *cell.Ctx, in giveItemIn) (struct{}, error) {
	st, err := inv.load(rc)
	if err != nil {
		return struct{}{}, err
	}
	item := in.Item
	item.History = append(item.History, HistoryEntry{Kind: HistoryTraded, At: time.Now().UTC(), Note: in.Note})
	st.Items[item.ID] = item
	return struct{}{}, rc.Write(slotInventory, st)
}

// NewInventoryKind builds the Inventory cell kind, keyed like its character.
func NewInventoryKind() *cell.Kind {
	k := cell.NewKind(InventoryKind, func() cell.Handler { return &inventoryCell{} })
	k.BindSlot(slotInventory, codec.Text)
	cell.Handle(k, "addItem", cell.NotTransactional, (*inventoryCell).AddItem)
	cell.Handle(k, "list", cell.NotTransactional, (*inventoryCell).List)
	cell.Handle(k, "describe", cell.NotTransactional, (*inventoryCell).Describe)
	cell.Handle(k, "takeItem", cell.Join, (*inventoryCell).TakeItem)
	cell.Handle(k, "giveItem", cell.Join, (*inventoryCell).GiveItem)
	return k
}
