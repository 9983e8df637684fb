package domain

import (
	"strings"
	"time"
)

// AudienceType names the filter used for bulk enrollment and trigger matching.
type AudienceType string

const (
	AudienceAll      AudienceType = "all"
	AudienceStage    AudienceType = "stage"
	AudienceCategory AudienceType = "category"
	AudienceInactive AudienceType = "inactive"
)

// Audience is a closed sum type: AllContacts, StageAudience,
// CategoryAudience or InactiveAudience.
type Audience interface {
	Type() AudienceType
	Spec() AudienceSpec
	// Matches evaluates the filter against a single contact.
	Matches(c Contact, now time.Time) bool
	isAudience()
}

// AllContacts matches every contact in the workspace.
type AllContacts struct{}

// StageAudience matches contacts currently in Stage.
type StageAudience struct {
	Stage string
}

// CategoryAudience matches contacts tagged with Category.
type CategoryAudience struct {
	Category string
}

// InactiveAudience matches contacts with no activity for at least Days days.
type InactiveAudience struct {
	Days int
}

func (AllContacts) Type() AudienceType      { return AudienceAll }
func (StageAudience) Type() AudienceType    { return AudienceStage }
func (CategoryAudience) Type() AudienceType { return AudienceCategory }
func (InactiveAudience) Type() AudienceType { return AudienceInactive }

func (AllContacts) isAudience()      {}
func (StageAudience) isAudience()    {}
func (CategoryAudience) isAudience() {}
func (InactiveAudience) isAudience() {}

func (AllContacts) Spec() AudienceSpec { return AudienceSpec{Type: AudienceAll} }
func (a StageAudience) Spec() AudienceSpec {
	return AudienceSpec{Type: AudienceStage, Stage: a.Stage}
}
func (a CategoryAudience) Spec() AudienceSpec {
	return AudienceSpec{Type: AudienceCategory, Category: a.Category}
}
func (a InactiveAudience) Spec() AudienceSpec {
	return AudienceSpec{Type: AudienceInactive, InactiveDays: a.Days}
}

func (AllContacts) Matches(Contact, time.Time) bool { return true }

func (a StageAudience) Matches(c Contact, _ time.Time) bool {
	return strings.EqualFold(c.Stage, a.Stage)
}

func (a CategoryAudience) Matches(c Contact, _ time.Time) bool {
	for _, cat := range c.Categories {
		if strings.EqualFold(cat, a.Category) {
			return true
		}
	}
	return false
}

func (a InactiveAudience) Matches(c Contact, now time.Time) bool {
	if c.LastActivityAt == nil {
		return true
	}
	return !c.LastActivityAt.After(a.Cutoff(now))
}

// Cutoff is the latest activity timestamp still considered inactive.
func (a InactiveAudience) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -a.Days)
}

// AudienceSpec is the flat wire/storage form of an Audience.
type AudienceSpec struct {
	Type         AudienceType `json:"type"`
	Stage        string       `json:"stage,omitempty"`
	Category     string       `json:"category,omitempty"`
	InactiveDays int          `json:"inactive_days,omitempty"`
}

// ParseAudience converts a flat spec into its variant. An empty type means all.
func ParseAudience(spec AudienceSpec) (Audience, error) {
	switch spec.Type {
	case "", AudienceAll:
		return AllContacts{}, nil
	case AudienceStage:
		stage := strings.TrimSpace(spec.Stage)
		if stage == "" {
			return nil, Invalid("audience.stage", "stage is required")
		}
		return StageAudience{Stage: stage}, nil
	case AudienceCategory:
		cat := strings.TrimSpace(spec.Category)
		if cat == "" {
			return nil, Invalid("audience.category", "category is required")
		}
		return CategoryAudience{Category: cat}, nil
	case AudienceInactive:
		if spec.InactiveDays <= 0 {
			return nil, Invalid("audience.inactive_days", "must be positive")
		}
		return InactiveAudience{Days: spec.InactiveDays}, nil
	default:
		return nil, Invalid("audience.type", "unknown audience type %q", spec.Type)
	}
}

// AudienceQuery asks the audience matcher for the contacts of a workspace
// that currently match Audience, minus those enrolled into SequenceID
// within ExcludeEnrolledWithin of Now.
type AudienceQuery struct {
	WorkspaceID           string
	SequenceID            string
	Audience              Audience
	ExcludeEnrolledWithin time.Duration
	Now                   time.Time
}
