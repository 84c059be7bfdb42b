package rules

import (
	"fmt"
	"time"

	"github.com/coldeye/internal/models"
)

type scopeKey struct {
	scope models.Scope
	id    uint
}

type policyKey struct {
	scope     models.Scope
	id        uint
	alertType models.AlertType
}

// Snapshot is an immutable view of all configuration records taken at the
// start of an evaluation cycle. Edits made after it was taken apply on the
// next cycle.
type Snapshot struct {
	TakenAt  time.Time
	rules    map[scopeKey]*models.AlertRules
	policies map[policyKey]*models.NotificationPolicy
	disabled map[string]map[models.Channel]bool
	contacts []models.Contact
}

func NewSnapshot(takenAt time.Time, rules []models.AlertRules, policies []models.NotificationPolicy, contacts []models.Contact, disabled []models.ChannelDisablement) *Snapshot {
	s := &Snapshot{
		TakenAt:  takenAt,
		rules:    make(map[scopeKey]*models.AlertRules, len(rules)),
		policies: make(map[policyKey]*models.NotificationPolicy, len(policies)),
		disabled: make(map[string]map[models.Channel]bool),
		contacts: append([]models.Contact(nil), contacts...),
	}
	for i := range rules {
		r := rules[i]
		s.rules[scopeKey{r.Scope, r.ScopeID}] = &r
	}
	for i := range policies {
		p := policies[i]
		s.policies[policyKey{p.Scope, p.ScopeID, p.AlertType}] = &p
	}
	for _, d := range disabled {
		if s.disabled[d.PolicyKey] == nil {
			s.disabled[d.PolicyKey] = make(map[models.Channel]bool)
		}
		s.disabled[d.PolicyKey][d.Channel] = true
	}
	return s
}

// chain lists the scopes for a unit from most to least specific.
func chain(unit *models.Unit) []scopeKey {
	return []scopeKey{
		{models.ScopeUnit, unit.ID},
		{models.ScopeSite, unit.SiteID},
		{models.ScopeOrganization, unit.OrganizationID},
	}
}

func scopeRank(s models.Scope) int {
	switch s {
	case models.ScopeUnit:
		return 3
	case models.ScopeSite:
		return 2
	case models.ScopeOrganization:
		return 1
	default:
		return 0
	}
}

// PolicyKeyFor names a policy record for channel disablement bookkeeping.
func PolicyKeyFor(scope models.Scope, id uint, t models.AlertType) string {
	if scope == models.ScopeDefault {
		return fmt.Sprintf("default:%s", t)
	}
	return fmt.Sprintf("%s:%d:%s", scope, id, t)
}
