// Package identity keeps the run's in-memory mapping from source identifiers
// and natural keys to sink surrogate keys.
//
// A Resolver is owned by the orchestrator goroutine and is not safe for
// concurrent use.
package identity

import (
	"context"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/edusync/assessment-sync/pkg/academicyear"
)

// Kind is an entity kind known to the resolver.
type Kind string

const (
	KindEstablishment Kind = "establishments"
	KindStudent       Kind = "students"
	KindScore         Kind = "scores"
)

// StudentKey is one stored Student row as seen by the resolver.
type StudentKey struct {
	ID              uint
	SourceID        string
	Email           string
	Period          string
	EstablishmentID uint
}

// ScoreKey is the natural key of a stored score row.
type ScoreKey struct {
	StudentID uint
	Cycle     int
	Period    string
}

// Loader reads existing keys from the sink in bulk.
type Loader interface {
	EstablishmentKeys(ctx context.Context) (map[string]uint, error)
	StudentKeys(ctx context.Context) ([]StudentKey, error)
	ScoreKeys(ctx context.Context) ([]ScoreKey, error)
}

type periodID struct {
	period string
	id     uint
}

// Resolver maps source ids and (email, period) pairs to surrogate ids.
type Resolver struct {
	establishments map[string]uint
	// students maps a student source id to its rows, one per period.
	students map[string][]periodID
	// emails maps a normalized email to its rows keyed by period.
	emails map[string]map[string]uint
	// schools maps a student row to its establishment row.
	schools map[uint]uint
	scores  mapset.Set[ScoreKey]
	loaded  mapset.Set[Kind]
}

// New returns an empty Resolver.
func New() *Resolver {
	return &Resolver{
		establishments: make(map[string]uint),
		students:       make(map[string][]periodID),
		emails:         make(map[string]map[string]uint),
		schools:        make(map[uint]uint),
		scores:         mapset.NewThreadUnsafeSet[ScoreKey](),
		loaded:         mapset.NewThreadUnsafeSet[Kind](),
	}
}

// Preload replaces the mappings for kind with a single bulk read.
func (r *Resolver) Preload(ctx context.Context, loader Loader, kind Kind) error {
	switch kind {
	case KindEstablishment:
		keys, err := loader.EstablishmentKeys(ctx)
		if err != nil {
			return fmt.Errorf("preload establishments: %w", err)
		}
		r.establishments = make(map[string]uint, len(keys))
		for sourceID, id := range keys {
			r.establishments[sourceID] = id
		}
	case KindStudent:
		keys, err := loader.StudentKeys(ctx)
		if err != nil {
			return fmt.Errorf("preload students: %w", err)
		}
		r.students = make(map[string][]periodID, len(keys))
		r.emails = make(map[string]map[string]uint, len(keys))
		r.schools = make(map[uint]uint, len(keys))
		for _, k := range keys {
			r.RegisterStudent(k.SourceID, k.Email, k.Period, k.ID)
			r.SetEstablishment(k.ID, k.EstablishmentID)
		}
	case KindScore:
		keys, err := loader.ScoreKeys(ctx)
		if err != nil {
			return fmt.Errorf("preload scores: %w", err)
		}
		r.scores = mapset.NewThreadUnsafeSetWithSize[ScoreKey](len(keys))
		for _, k := range keys {
			r.scores.Add(k)
		}
	default:
		return fmt.Errorf("preload: unknown kind %q", kind)
	}
	r.loaded.Add(kind)
	return nil
}

// Loaded reports whether kind has been preloaded.
func (r *Resolver) Loaded(kind Kind) bool { return r.loaded.Contains(kind) }

// Resolve maps a source id to a surrogate id. For students it returns the
// row of the newest period.
func (r *Resolver) Resolve(kind Kind, sourceID string) (uint, bool) {
	switch kind {
	case KindEstablishment:
		id, ok := r.establishments[sourceID]
		return id, ok
	case KindStudent:
		rows := r.students[sourceID]
		if len(rows) == 0 {
			return 0, false
		}
		best := rows[0]
		for _, row := range rows[1:] {
			if academicyear.Newer(row.period, best.period) {
				best = row
			}
		}
		return best.id, true
	}
	return 0, false
}

// ResolveStudent returns the row of a student source id in a given period.
func (r *Resolver) ResolveStudent(sourceID, period string) (uint, bool) {
	for _, row := range r.students[sourceID] {
		if row.period == period {
			return row.id, true
		}
	}
	return 0, false
}

// ResolveByEmail maps a normalized email and period to a surrogate id.
func (r *Resolver) ResolveByEmail(email, period string) (uint, bool) {
	id, ok := r.emails[email][period]
	return id, ok
}

// Periods returns the periods stored for an email, oldest first.
func (r *Resolver) Periods(email string) []string {
	rows := r.emails[email]
	out := make([]string, 0, len(rows))
	for p := range rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return academicyear.Newer(out[j], out[i]) })
	return out
}

// SourcePeriods returns the periods stored for a student source id, oldest
// first.
func (r *Resolver) SourcePeriods(sourceID string) []string {
	rows := r.students[sourceID]
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.period)
	}
	sort.Slice(out, func(i, j int) bool { return academicyear.Newer(out[j], out[i]) })
	return out
}

// Register records a surrogate id written for a source id.
func (r *Resolver) Register(kind Kind, sourceID string, id uint) {
	if kind == KindEstablishment {
		r.establishments[sourceID] = id
	}
}

// RegisterStudent records a student row keyed by both source id and
// (email, period).
func (r *Resolver) RegisterStudent(sourceID, email, period string, id uint) {
	if email != "" {
		byPeriod, ok := r.emails[email]
		if !ok {
			byPeriod = make(map[string]uint)
			r.emails[email] = byPeriod
		}
		byPeriod[period] = id
	}
	if sourceID == "" {
		return
	}
	rows := r.students[sourceID]
	for i := range rows {
		if rows[i].period == period {
			rows[i].id = id
			return
		}
	}
	r.students[sourceID] = append(rows, periodID{period: period, id: id})
}

// SetEstablishment records the establishment row of a student row.
func (r *Resolver) SetEstablishment(studentID, establishmentID uint) {
	if establishmentID != 0 {
		r.schools[studentID] = establishmentID
	}
}

// EstablishmentOf returns the establishment row of a student row.
func (r *Resolver) EstablishmentOf(studentID uint) (uint, bool) {
	id, ok := r.schools[studentID]
	return id, ok
}

// HasScore reports whether a score row exists for the key.
func (r *Resolver) HasScore(studentID uint, cycle int, period string) bool {
	return r.scores.Contains(ScoreKey{StudentID: studentID, Cycle: cycle, Period: period})
}

// RegisterScore records a written score row.
func (r *Resolver) RegisterScore(studentID uint, cycle int, period string) {
	r.scores.Add(ScoreKey{StudentID: studentID, Cycle: cycle, Period: period})
}

// Stats returns the number of cached keys per kind.
func (r *Resolver) Stats() map[Kind]int {
	students := 0
	for _, rows := range r.students {
		students += len(rows)
	}
	return map[Kind]int{
		KindEstablishment: len(r.establishments),
		KindStudent:       students,
		KindScore:         r.scores.Cardinality(),
	}
}
