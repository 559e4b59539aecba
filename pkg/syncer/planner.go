package syncer

import (
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/edusync/assessment-sync/pkg/academicyear"
	"github.com/edusync/assessment-sync/pkg/fieldmap"
)

type planInput struct {
	// Existing are the periods already stored for the student's email.
	Existing []string
	Cycles   []*fieldmap.CycleScore
	// HasScore reports whether the cycle is already stored in period.
	HasScore         func(cycle int, period string) bool
	Convention       academicyear.Convention
	Now              time.Time
	AllowRetroactive bool
}

type plannedCycle struct {
	Score  *fieldmap.CycleScore
	Period string
}

type periodPlan struct {
	// Primary is the period the student's roster data belongs to.
	Primary string
	// Upsert are the periods whose Student row is written, oldest first.
	Upsert []string
	Cycles []plannedCycle
	// Retroactive are dated cycles of an older period with no stored row.
	Retroactive []*fieldmap.CycleScore
}

// planPeriods assigns a student record and its cycles to academic years.
//
// A student with stored rows keeps the newest stored year unless a cycle is
// dated in a newer one; a roster-only refresh never moves a student. Dated
// cycles go to the year of their date. Undated cycles stay where they are
// already stored, or go to the primary year.
func planPeriods(in planInput) periodPlan {
	existing := mapset.NewThreadUnsafeSet(in.Existing...)
	latest := academicyear.Latest(in.Existing)

	dated := make(map[int]string, len(in.Cycles))
	var datedPeriods []string
	for _, c := range in.Cycles {
		if c.CompletionDate == nil {
			continue
		}
		p := academicyear.ResolveAt(c.CompletionDate, in.Convention, in.Now)
		dated[c.Cycle] = p
		datedPeriods = append(datedPeriods, p)
	}
	newest := academicyear.Latest(datedPeriods)

	var plan periodPlan
	switch {
	case latest == "" && newest != "":
		plan.Primary = newest
	case latest == "":
		plan.Primary = academicyear.ResolveAt(nil, in.Convention, in.Now)
	case newest != "" && academicyear.Newer(newest, latest):
		plan.Primary = newest
	default:
		plan.Primary = latest
	}

	upsert := mapset.NewThreadUnsafeSet(plan.Primary)
	for _, c := range in.Cycles {
		p, isDated := dated[c.Cycle]
		switch {
		case !isDated:
			p = plan.Primary
			for i := len(in.Existing) - 1; i >= 0; i-- {
				if in.HasScore != nil && in.HasScore(c.Cycle, in.Existing[i]) {
					p = in.Existing[i]
					break
				}
			}
		case latest != "" && !existing.Contains(p) && academicyear.Newer(latest, p) && !in.AllowRetroactive:
			plan.Retroactive = append(plan.Retroactive, c)
			continue
		}
		if !existing.Contains(p) {
			upsert.Add(p)
		}
		plan.Cycles = append(plan.Cycles, plannedCycle{Score: c, Period: p})
	}

	plan.Upsert = upsert.ToSlice()
	slices.SortFunc(plan.Upsert, func(a, b string) int {
		switch {
		case academicyear.Newer(b, a):
			return -1
		case academicyear.Newer(a, b):
			return 1
		}
		return 0
	})
	return plan
}
