package game

import (
	"time"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/rules"
)

const slotCharacter = "CharacterStore"

// History entry kinds.
const (
	HistoryCreated  = "Created"
	HistoryDied     = "Died"
	HistoryMigrated = "Migrated"
)

// HistoryEntry is one append-only lifecycle event of a character.
type HistoryEntry struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

type characterState struct {
	Name         string         `json:"name"`
	Restrictions []string       `json:"restrictions,omitempty"`
	Dead         bool           `json:"dead,omitempty"`
	History      []HistoryEntry `json:"history"`
	// Challenges maps challenge name to best progress; progress never
	// regresses.
	Challenges map[string]int `json:"challenges,omitempty"`
}

type characterCell struct {
	st     characterState
	loaded bool
}

type createCharacterIn struct {
	Name         string   `json:"name"`
	Restrictions []string `json:"restrictions,omitempty"`
}

// CharacterProfile is the read model other cells and the gateway consume.
type CharacterProfile struct {
	CharacterID  string         `json:"characterId"`
	SeasonID     string         `json:"seasonId"`
	Name         string         `json:"name"`
	Restrictions []string       `json:"restrictions,omitempty"`
	Dead         bool           `json:"dead,omitempty"`
	Challenges   map[string]int `json:"challenges,omitempty"`
}

type dieOut struct {
	Migrated         bool   `json:"migrated"`
	FallbackSeasonID string `json:"fallbackSeasonId,omitempty"`
}

type adoptMigrationIn struct {
	Name         string   `json:"name"`
	Restrictions []string `json:"restrictions,omitempty"`
	// Challenges carry over; they are account-agnostic progress.
	Challenges   map[string]int `json:"challenges,omitempty"`
	FromSeasonID string         `json:"fromSeasonId"`
}

type challengeProgressIn struct {
	Challenge string `json:"challenge"`
	Progress  int    `json:"progress"`
}

type challengeProgressOut struct {
	Progress int `json:"progress"`
}

type historyOut struct {
	History []HistoryEntry `json:"history"`
}

func (ch *characterCell) OnActivate(rc *cell.Ctx) error {
	err := rc.Read(slotCharacter, &ch.st)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ch.loaded = true
	return nil
}

func (ch *characterCell) Create(rc *cell.Ctx, in createCharacterIn) (CharacterProfile, error) {
	if ch.loaded {
		return CharacterProfile{}, fault.New(fault.KindConflict, "character already exists")
	}
	if in.Name == "" {
		return CharacterProfile{}, fault.New(fault.KindInvalidInput, "character name is required")
	}
	seasonID := rc.Identity().Key.Ext()
	var season Season
	if err := rc.Invoke(SeasonRegistryIdentity(), "getSeason", getSeasonIn{ID: seasonID}, &season); err != nil {
		return CharacterProfile{}, err
	}

	restrictions := append([]string(nil), in.Restrictions...)
	for _, r := range season.Restrictions {
		if !contains(restrictions, r) {
			restrictions = append(restrictions, r)
		}
	}
	ch.st = characterState{
		Name:         in.Name,
		Restrictions: restrictions,
		History:      []HistoryEntry{{Kind: HistoryCreated, At: time.Now().UTC()}},
	}
	if err := rc.Write(slotCharacter, ch.st); err != nil {
		return CharacterProfile{}, err
	}
	ch.loaded = true
	return ch.profile(rc), nil
}

func (ch *characterCell) Profile(rc *cell.Ctx, _ struct{}) (CharacterProfile, error) {
	if !ch.loaded {
		return CharacterProfile{}, fault.New(fault.KindNotFound, "character does not exist")
	}
	return ch.profile(rc), nil
}

// Die marks the character dead. A hardcore character in a non-void season is
// reincarnated in the season's fallback, same identity UUID and name, with
// the hardcore restriction dropped.
func (ch *characterCell) Die(rc *cell.Ctx, _ struct{}) (dieOut, error) {
	if !ch.loaded {
		return dieOut{}, fault.New(fault.KindNotFound, "character does not exist")
	}
	if ch.st.Dead {
		return dieOut{}, fault.New(fault.KindConflict, "character is already dead")
	}
	now := time.Now().UTC()
	ch.st.Dead = true
	ch.st.History = append(ch.st.History, HistoryEntry{Kind: HistoryDied, At: now})

	seasonID := rc.Identity().Key.Ext()
	var season Season
	if err := rc.Invoke(SeasonRegistryIdentity(), "getSeason", getSeasonIn{ID: seasonID}, &season); err != nil {
		return dieOut{}, err
	}

	out := dieOut{}
	if ch.restricted(rules.RestrictionHardcore) && !season.Void && season.FallbackSeasonID != "" {
		survivors := make([]string, 0, len(ch.st.Restrictions))
		for _, r := range ch.st.Restrictions {
			if r != rules.RestrictionHardcore {
				survivors = append(survivors, r)
			}
		}
		target := CharacterIdentity(rc.Identity().Key.UUID(), season.FallbackSeasonID)
		err := rc.Invoke(target, "adoptMigration", adoptMigrationIn{
			Name:         ch.st.Name,
			Restrictions: survivors,
			Challenges:   ch.st.Challenges,
			FromSeasonID: seasonID,
		}, nil)
		if err != nil {
			return dieOut{}, err
		}
		ch.st.History = append(ch.st.History, HistoryEntry{
			Kind: HistoryMigrated, At: now, Note: "to season " + season.FallbackSeasonID,
		})
		out = dieOut{Migrated: true, FallbackSeasonID: season.FallbackSeasonID}
	}
	return out, rc.Write(slotCharacter, ch.st)
}

// AdoptMigration materialises the character in the fallback season. It is
// idempotent so a retried death does not duplicate history.
func (ch *characterCell) AdoptMigration(rc *cell.Ctx, in adoptMigrationIn) (struct{}, error) {
	if ch.loaded {
		return struct{}{}, nil
	}
	ch.st = characterState{
		Name:         in.Name,
		Restrictions: in.Restrictions,
		Challenges:   in.Challenges,
		History: []HistoryEntry{{
			Kind: HistoryMigrated, At: time.Now().UTC(), Note: "from season " + in.FromSeasonID,
		}},
	}
	if err := rc.Write(slotCharacter, ch.st); err != nil {
		return struct{}{}, err
	}
	ch.loaded = true
	return struct{}{}, nil
}

// UpdateChallengeProgress records progress as a monotonic maximum: late or
// duplicate reports never move a challenge backwards.
func (ch *characterCell) UpdateChallengeProgress(rc *cell.Ctx, in challengeProgressIn) (challengeProgressOut, error) {
	if !ch.loaded {
		return challengeProgressOut{}, fault.New(fault.KindNotFound, "character does not exist")
	}
	if in.Challenge == "" {
		return challengeProgressOut{}, fault.New(fault.KindInvalidInput, "challenge name is required")
	}
	if ch.st.Challenges == nil {
		ch.st.Challenges = map[string]int{}
	}
	best := ch.st.Challenges[in.Challenge]
	if in.Progress > best {
		best = in.Progress
		ch.st.Challenges[in.Challenge] = best
		if err := rc.Write(slotCharacter, ch.st); err != nil {
			return challengeProgressOut{}, err
		}
	}
	return challengeProgressOut{Progress: best}, nil
}

func (ch *characterCell) History(rc *cell.Ctx, _ struct{}) (historyOut, error) {
	if !ch.loaded {
		return historyOut{}, fault.New(fault.KindNotFound, "character does not exist")
	}
	return historyOut{History: append([]HistoryEntry(nil), ch.st.History...)}, nil
}

func (ch *characterCell) profile(rc *cell.Ctx) CharacterProfile {
	return CharacterProfile{
		CharacterID:  rc.Identity().Key.UUID().String(),
		SeasonID:     rc.Identity().Key.Ext(),
		Name:         ch.st.Name,
		Restrictions: append([]string(nil), ch.st.Restrictions...),
		Dead:         ch.st.Dead,
		Challenges:   ch.st.Challenges,
	}
}

func (ch *characterCell) restricted(name string) bool { return contains(ch.st.Restrictions, name) }

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// NewCharacterKind builds the Character cell kind, keyed by (uuid, season).
func NewCharacterKind() *cell.Kind {
	k := cell.NewKind(CharacterKind, func() cell.Handler { return &characterCell{} })
	k.BindSlot(slotCharacter, codec.Text)
	cell.Handle(k, "create", cell.NotTransactional, (*characterCell).Create)
	cell.Handle(k, "profile", cell.NotTransactional, (*characterCell).Profile)
	cell.Handle(k, "die", cell.NotTransactional, (*characterCell).Die)
	cell.Handle(k, "adoptMigration", cell.NotTransactional, (*characterCell).AdoptMigration)
	cell.Handle(k, "updateChallengeProgress", cell.NotTransactional, (*characterCell).UpdateChallengeProgress)
	cell.Handle(k, "history", cell.NotTransactional, (*characterCell).History)
	return k
}
