package rules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/rules"
)

func TestChainOrderAndFirstViolation(t *testing.T) {
	t.Parallel()
	chain := rules.Chain{rules.SameSeason{}, rules.SoloSelfFound{}}

	rc := rules.Context{Characters: []rules.Character{
		{ID: "c1", SeasonID: "standard", Restrictions: []string{rules.RestrictionSoloSelfFound}},
		{ID: "c2", SeasonID: "hardcore"},
	}}
	err := chain.Validate(context.Background(), rc)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
	// SameSeason is declared first, so its violation masks the SSF one.
	assert.Contains(t, err.Error(), "different seasons")
}

func TestSameSeasonPasses(t *testing.T) {
	t.Parallel()
	rc := rules.Context{Characters: []rules.Character{
		{ID: "c1", SeasonID: "standard"},
		{ID: "c2", SeasonID: "standard"},
	}}
	assert.NoError(t, rules.SameSeason{}.Validate(context.Background(), rc))
}

func TestSoloSelfFoundBlocksTrade(t *testing.T) {
	t.Parallel()
	rc := rules.Context{Characters: []rules.Character{
		{ID: "c1", SeasonID: "standard", Restrictions: []string{rules.RestrictionSoloSelfFound}},
	}}
	err := rules.SoloSelfFound{}.Validate(context.Background(), rc)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
}

func TestTradeable(t *testing.T) {
	t.Parallel()
	rc := rules.Context{Items: []rules.Item{{ID: "i1", Tradeable: true}, {ID: "i2"}}}
	err := rules.Tradeable{}.Validate(context.Background(), rc)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))

	rc.Items[1].Tradeable = true
	assert.NoError(t, rules.Tradeable{}.Validate(context.Background(), rc))
}
