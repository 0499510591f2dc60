package convert

import (
	"time"

	"github.com/imms/imms/internal/platform/fhir"
)

// periodContains reports whether at falls inside the period, bounds
// inclusive. A nil period always contains; an unparseable occurrence time
// (zero at) is contained only by a nil period.
func periodContains(p *fhir.Period, at time.Time) bool {
	if p == nil {
		return true
	}
	if at.IsZero() {
		return false
	}
	if p.Start != "" {
		start, ok := boundTime(p.Start)
		if !ok || at.Before(start) {
			return false
		}
	}
	if p.End != "" {
		end, ok := boundTime(p.End)
		if !ok || at.After(end) {
			return false
		}
	}
	return true
}

// selectName picks the patient name the flat row reports: the first
// official name whose period contains the occurrence time, else the first
// non-old name whose period contains it, else the first name.
func selectName(names []fhir.HumanName, at time.Time) *fhir.HumanName {
	if len(names) == 0 {
		return nil
	}
	for i := range names {
		if names[i].Use == "official" && periodContains(names[i].Period, at) {
			return &names[i]
		}
	}
	for i := range names {
		if names[i].Use != "old" && periodContains(names[i].Period, at) {
			return &names[i]
		}
	}
	return &names[0]
}

// selectPractitionerName applies the selectName preference over the subset
// of names that actually carry a given or family part.
func selectPractitionerName(names []fhir.HumanName, at time.Time) *fhir.HumanName {
	var named []fhir.HumanName
	for _, n := range names {
		if len(n.Given) > 0 || n.Family != "" {
			named = append(named, n)
		}
	}
	return selectName(named, at)
}

// selectAddress picks the address the postcode is taken from, restricted to
// entries with a postcode and a period containing the occurrence time.
// Preference: home non-postal, then non-old non-postal, then non-old, then
// first. Nil when nothing qualifies.
func selectAddress(addrs []fhir.Address, at time.Time) *fhir.Address {
	var candidates []*fhir.Address
	for i := range addrs {
		if addrs[i].PostalCode != "" && periodContains(addrs[i].Period, at) {
			candidates = append(candidates, &addrs[i])
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	for _, a := range candidates {
		if a.Use == "home" && a.Type != "postal" {
			return a
		}
	}
	for _, a := range candidates {
		if a.Use != "old" && a.Type != "postal" {
			return a
		}
	}
	for _, a := range candidates {
		if a.Use != "old" {
			return a
		}
	}
	return candidates[0]
}

// selectPerformerIdentifier picks the identifier reported as the site code:
// among performers with an actor identifier, prefer an Organization actor
// under the ODS system, then any actor under the ODS system, then any
// Organization actor, then the first.
func selectPerformerIdentifier(performers []fhir.ImmunizationPerformer) *fhir.Identifier {
	var candidates []*fhir.ImmunizationPerformer
	for i := range performers {
		if performers[i].Actor != nil && performers[i].Actor.Identifier != nil {
			candidates = append(candidates, &performers[i])
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	for _, p := range candidates {
		if p.Actor.Type == "Organization" && p.Actor.Identifier.System == fhir.SystemODSOrganizationCode {
			return p.Actor.Identifier
		}
	}
	for _, p := range candidates {
		if p.Actor.Identifier.System == fhir.SystemODSOrganizationCode {
			return p.Actor.Identifier
		}
	}
	for _, p := range candidates {
		if p.Actor.Type == "Organization" {
			return p.Actor.Identifier
		}
	}
	return candidates[0].Actor.Identifier
}
