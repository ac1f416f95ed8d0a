package game

import (
	"time"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

const slotAccount = "AccountStore"

// CharacterRef points an account at one of its characters.
type CharacterRef struct {
	CharacterID string `json:"characterId"`
	SeasonID    string `json:"seasonId"`
	Name        string `json:"name"`
}

type accountState struct {
	DisplayName string         `json:"displayName"`
	CreatedAt   time.Time      `json:"createdAt"`
	Characters  []CharacterRef `json:"characters,omitempty"`
}

type accountCell struct {
	st     accountState
	loaded bool
}

type ensureAccountIn struct {
	DisplayName string `json:"displayName"`
}

type registerCharacterIn struct {
	Ref CharacterRef `json:"ref"`
}

type accountProfileOut struct {
	DisplayName string         `json:"displayName"`
	CreatedAt   time.Time      `json:"createdAt"`
	Characters  []CharacterRef `json:"characters,omitempty"`
}

func (a *accountCell) OnActivate(rc *cell.Ctx) error {
	err := rc.Read(slotAccount, &a.st)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.loaded = true
	return nil
}

// Ensure creates the account on first touch and is a no-op afterwards.
func (a *accountCell) Ensure(rc *cell.Ctx, in ensureAccountIn) (accountProfileOut, error) {
	if !a.loaded {
		a.st = accountState{DisplayName: in.DisplayName, CreatedAt: time.Now().UTC()}
		if err := rc.Write(slotAccount, a.st); err != nil {
			return accountProfileOut{}, err
		}
		a.loaded = true
	}
	return a.profile(), nil
}

func (a *accountCell) RegisterCharacter(rc *cell.Ctx, in registerCharacterIn) (struct{}, error) {
	if !a.loaded {
		return struct{}{}, fault.New(fault.KindNotFound, "account does not exist")
	}
	for _, ref := range a.st.Characters {
		if ref.CharacterID == in.Ref.CharacterID && ref.SeasonID == in.Ref.SeasonID {
			return struct{}{}, nil
		}
	}
	a.st.Characters = append(a.st.Characters, in.Ref)
	return struct{}{}, rc.Write(slotAccount, a.st)
}

func (a *accountCell) Profile(rc *cell.Ctx, _ struct{}) (accountProfileOut, error) {
	if !a.loaded {
		return accountProfileOut{}, fault.New(fault.KindNotFound, "account does not exist")
	}
	return a.profile(), nil
}

func (a *accountCell) profile() accountProfileOut {
	return accountProfileOut{
		DisplayName: a.st.DisplayName,
		CreatedAt:   a.st.CreatedAt,
		Characters:  append([]CharacterRef(nil), a.st.Characters...),
	}
}

// NewAccountKind builds the Account cell kind, keyed by user UUID.
func NewAccountKind() *cell.Kind {
	k := cell.NewKind(AccountKind, func() cell.Handler { return &accountCell{} })
	k.BindSlot(slotAccount, codec.Text)
	cell.Handle(k, "ensure", cell.NotTransactional, (*accountCell).Ensure)
	cell.Handle(k, "registerCharacter", cell.NotTransactional, (*accountCell).RegisterCharacter)
	cell.Handle(k, "profile", cell.NotTransactional, (*accountCell).Profile)
	return k
}
