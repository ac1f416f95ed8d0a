// Package rules holds composable pre-action validators. A rule is pure with
// respect to the context it receives; the caller preloads whatever the rule
// needs before validating.
package rules

import (
	"context"

	"github.com/titanworks/titan/internal/fault"
)

// Restriction names carried by characters.
const (
	RestrictionHardcore      = "Hardcore"
	RestrictionSoloSelfFound = "SoloSelfFound"
)

// Character is the projection of a character a rule can see.
type Character struct {
	ID           string
	Name         string
	SeasonID     string
	Restrictions []string
}

func (c Character) Restricted(name string) bool {
	for _, r := range c.Restrictions {
		if r == name {
			return true
		}
	}
	return false
}

// Item is the projection of an inventory item a rule can see.
type Item struct {
	ID        string
	Tradeable bool
}

// Context carries everything the composed rules of one operation validate.
type Context struct {
	Characters []Character
	Items      []Item
}

// Rule validates one aspect of an operation. A violation is a
// fault.KindInvalidInput error naming the reason.
type Rule interface {
	Name() string
	Validate(ctx context.Context, rc Context) error
}

// Chain runs rules in declaration order; the first violation wins.
type Chain []Rule

func (c Chain) Validate(ctx context.Context, rc Context) error {
	for _, r := range c {
		if err := r.Validate(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

// SameSeason requires all characters in the context to live in one season.
type SameSeason struct{}

func (SameSeason) Name() string { return "SameSeason" }

func (SameSeason) Validate(_ context.Context, rc Context) error {
	if len(rc.Characters) == 0 {
		return nil
	}
	season := rc.Characters[0].SeasonID
	for _, ch := range rc.Characters[1:] {
		if ch.SeasonID != season {
			return fault.New(fault.KindInvalidInput,
				"characters %s and %s are in different seasons", rc.Characters[0].ID, ch.ID)
		}
	}
	return nil
}

// SoloSelfFound forbids the operation when any character carries the
// solo-self-found restriction.
type SoloSelfFound struct{}

func (SoloSelfFound) Name() string { return "SoloSelfFound" }

func (SoloSelfFound) Validate(_ context.Context, rc Context) error {
	for _, ch := range rc.Characters {
		if ch.Restricted(RestrictionSoloSelfFound) {
			return fault.New(fault.KindInvalidInput,
				"character %s is solo-self-found and cannot trade", ch.ID)
		}
	}
	return nil
}

// Tradeable requires every item in the context to be tradeable.
type Tradeable struct{}

func (Tradeable) Name() string { return "Tradeable" }

func (Tradeable) Validate(_ context.Context, rc Context) error {
	for _, it := range rc.Items {
		if !it.Tradeable {
			return fault.New(fault.KindInvalidInput, "item %s is not tradeable", it.ID)
		}
	}
	return nil
}
