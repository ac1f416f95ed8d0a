package game

import (
	"sort"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

const slotBaseTypes = "BaseTypeStore"

// BaseType is the static template items are stamped from.
type BaseType struct {
	Name      string   `json:"name"`
	Tradeable bool     `json:"tradeable"`
	Tags      []string `json:"tags,omitempty"`
}

type baseTypeRegistryCell struct {
	st baseTypeState
}

type baseTypeState struct {
	Types map[string]BaseType `json:"types"`
}

type baseTypeRefIn struct {
	Name string `json:"name"`
}

type listBaseTypesOut struct {
	Types []BaseType `json:"types"`
}

func (r *baseTypeRegistryCell) OnActivate(rc *cell.Ctx) error {
	err := rc.Read(slotBaseTypes, &r.st)
	if fault.Is(err, fault.KindNotFound) {
		r.st.Types = map[string]BaseType{}
		return nil
	}
	return err
}

func (r *baseTypeRegistryCell) Upsert(rc *cell.Ctx, in BaseType) (BaseType, error) {
	if in.Name == "" {
		return BaseType{}, fault.New(fault.KindInvalidInput, "base type name is required")
	}
	r.st.Types[in.Name] = in
	if err := rc.Write(slotBaseTypes, r.st); err != nil {
		return BaseType{}, err
	}
	return in, nil
}

func (r *baseTypeRegistryCell) Get(rc *cell.Ctx, in baseTypeRefIn) (BaseType, error) {
	bt, ok := r.st.Types[in.Name]
	if !ok {
		return BaseType{}, fault.New(fault.KindNotFound, "unknown base type %q", in.Name)
	}
	return bt, nil
}

func (r *baseTypeRegistryCell) List(rc *cell.Ctx, _ struct{}) (listBaseTypesOut, error) {
	out := listBaseTypesOut{Types: make([]BaseType, 0, len(r.st.Types))}
	for _, bt := range r.st.Types {
		out.Types = append(out.Types, bt)
	}
	sort.Slice(out.Types, func(i, j int) bool { return out.Types[i].Name < out.Types[j].Name })
	return out, nil
}

// NewBaseTypeRegistryKind builds the singleton write side of the base-type
// catalogue.
func NewBaseTypeRegistryKind() *cell.Kind {
	k := cell.NewKind(BaseTypeRegistryKind, func() cell.Handler { return &baseTypeRegistryCell{} })
	k.BindSlot(slotBaseTypes, codec.Text)
	cell.Handle(k, "upsert", cell.NotTransactional, (*baseTypeRegistryCell).Upsert)
	cell.Handle(k, "get", cell.NotTransactional, (*baseTypeRegistryCell).Get)
	cell.Handle(k, "list", cell.NotTransactional, (*baseTypeRegistryCell).List)
	return k
}

// baseTypeCacheCell is the read side: a stateless-worker kind whose replicas
// each snapshot the catalogue at activation. Lookups fan out across replicas
// without touching the registry; a stale replica refreshes on the next
// activation cycle.
type baseTypeCacheCell struct {
	types map[string]BaseType
}

func (c *baseTypeCacheCell) OnActivate(rc *cell.Ctx) error {
	var listed listBaseTypesOut
	if err := rc.Invoke(BaseTypeRegistryIdentity(), "list", nil, &listed); err != nil {
		return err
	}
	c.types = make(map[string]BaseType, len(listed.Types))
	for _, bt := range listed.Types {
		c.types[bt.Name] = bt
	}
	return nil
}

func (c *baseTypeCacheCell) Get(rc *cell.Ctx, in baseTypeRefIn) (BaseType, error) {
	bt, ok := c.types[in.Name]
	if !ok {
		return BaseType{}, fault.New(fault.KindNotFound, "unknown base type %q", in.Name)
	}
	return bt, nil
}

// NewBaseTypeCacheKind builds the stateless-worker catalogue cache.
func NewBaseTypeCacheKind() *cell.Kind {
	k := cell.NewKind(BaseTypeCacheKind, func() cell.Handler { return &baseTypeCacheCell{} })
	k.StatelessWorkers = 4
	cell.Handle(k, "get", cell.NotTransactional, (*baseTypeCacheCell).Get)
	return k
}

// BaseTypeCacheIdentity addresses the cache; all callers share one identity
// and the runtime spreads them across worker replicas.
func BaseTypeCacheIdentity() cell.Identity {
	return cell.NewIdentity(BaseTypeCacheKind, cell.StringKey("default"))
}

// StampItem materialises an item from a base type.
func StampItem(id string, bt BaseType) Item {
	return Item{ID: id, BaseType: bt.Name, Tradeable: bt.Tradeable}
}
