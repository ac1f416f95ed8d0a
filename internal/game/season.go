package game

import (
	"sort"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

const slotSeasons = "SeasonStore"

// Season describes one ladder. Void seasons are terminal: characters that die
// there are gone for good. Everything else migrates into its fallback season,
// which is usually the permanent one.
type Season struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Void             bool     `json:"void,omitempty"`
	Permanent        bool     `json:"permanent,omitempty"`
	FallbackSeasonID string   `json:"fallbackSeasonId,omitempty"`
	Restrictions     []string `json:"restrictions,omitempty"`
}

type seasonRegistryCell struct {
	st seasonRegistryState
}

type seasonRegistryState struct {
	Seasons map[string]Season `json:"seasons"`
}

type getSeasonIn struct {
	ID string `json:"id"`
}

type listSeasonsOut struct {
	Seasons []Season `json:"seasons"`
}

func (s *seasonRegistryCell) OnActivate(rc *cell.Ctx) error {
	err := rc.Read(slotSeasons, &s.st)
	if fault.Is(err, fault.KindNotFound) {
		s.st.Seasons = map[string]Season{}
		return nil
	}
	return err
}

func (s *seasonRegistryCell) Upsert(rc *cell.Ctx, in Season) (Season, error) {
	if in.ID == "" {
		return Season{}, fault.New(fault.KindInvalidInput, "season id is required")
	}
	if !in.Void && !in.Permanent && in.FallbackSeasonID == "" {
		return Season{}, fault.New(fault.KindInvalidInput,
			"season %s needs a fallback season, or must be void or permanent", in.ID)
	}
	s.st.Seasons[in.ID] = in
	if err := rc.Write(slotSeasons, s.st); err != nil {
		return Season{}, err
	}
	return in, nil
}

func (s *seasonRegistryCell) Get(rc *cell.Ctx, in getSeasonIn) (Season, error) {
	season, ok := s.st.Seasons[in.ID]
	if !ok {
		return Season{}, fault.New(fault.KindNotFound, "unknown season %q", in.ID)
	}
	return season, nil
}

func (s *seasonRegistryCell) List(rc *cell.Ctx, _ struct{}) (listSeasonsOut, error) {
	out := listSeasonsOut{Seasons: make([]Season, 0, len(s.st.Seasons))}
	for _, season := range s.st.Seasons {
		out.Seasons = append(out.Seasons, season)
	}
	sort.Slice(out.Seasons, func(i, j int) bool { return out.Seasons[i].ID < out.Seasons[j].ID })
	return out, nil
}

// NewSeasonRegistryKind builds the singleton season registry.
func NewSeasonRegistryKind() *cell.Kind {
	k := cell.NewKind(SeasonRegistryKind, func() cell.Handler { return &seasonRegistryCell{} })
	k.BindSlot(slotSeasons, codec.Text)
	cell.Handle(k, "upsertSeason", cell.NotTransactional, (*seasonRegistryCell).Upsert)
	cell.Handle(k, "getSeason", cell.NotTransactional, (*seasonRegistryCell).Get)
	cell.Handle(k, "listSeasons", cell.NotTransactional, (*seasonRegistryCell).List)
	return k
}
