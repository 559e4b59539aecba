package sink

import (
	"context"
	"fmt"
	"strings"
)

// HealthCheck is one integrity check over the sink.
type HealthCheck struct {
	Name       string `json:"name"`
	Table      string `json:"table"`
	Violations int64  `json:"violations"`
	OK         bool   `json:"ok"`
}

// Counts returns the row count of every kind.
func (w *Writer) Counts(ctx context.Context) (map[Kind]int64, error) {
	out := make(map[Kind]int64, len(Kinds))
	for _, kind := range Kinds {
		n, err := w.Count(ctx, kind)
		if err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, nil
}

// Count returns the row count of one kind.
func (w *Writer) Count(ctx context.Context, kind Kind) (int64, error) {
	spec, ok := specs[kind]
	if !ok {
		return 0, fmt.Errorf("count: unknown kind %q", kind)
	}
	var n int64
	err := w.read(ctx, "count "+spec.table, func() error {
		return w.db.WithContext(ctx).Table(spec.table).Count(&n).Error
	})
	return n, err
}

type orphanCheck struct {
	table, column, parent string
}

var orphanChecks = []orphanCheck{
	{"students", "establishment_id", "establishments"},
	{"assessment_cycle_scores", "student_id", "students"},
	{"question_responses", "student_id", "students"},
}

// HealthChecks counts rows whose foreign key has no parent and natural keys
// stored more than once.
func (w *Writer) HealthChecks(ctx context.Context) ([]HealthCheck, error) {
	var out []HealthCheck
	for _, c := range orphanChecks {
		var n int64
		err := w.read(ctx, "orphan check "+c.table, func() error {
			return w.db.WithContext(ctx).Table(c.table + " AS c").
				Joins(fmt.Sprintf("LEFT JOIN %s AS p ON p.id = c.%s", c.parent, c.column)).
				Where("p.id IS NULL").
				Count(&n).Error
		})
		if err != nil {
			return nil, fmt.Errorf("health checks: %w", err)
		}
		out = append(out, HealthCheck{Name: "orphaned_" + c.column, Table: c.table, Violations: n, OK: n == 0})
	}
	for _, kind := range Kinds {
		spec := specs[kind]
		cols := strings.Join(spec.naturalKey, ", ")
		var n int64
		err := w.read(ctx, "duplicate check "+spec.table, func() error {
			sub := w.db.WithContext(ctx).Table(spec.table).Select(cols).Group(cols).Having("COUNT(*) > 1")
			return w.db.WithContext(ctx).Table("(?) AS d", sub).Count(&n).Error
		})
		if err != nil {
			return nil, fmt.Errorf("health checks: %w", err)
		}
		out = append(out, HealthCheck{Name: "duplicate_natural_keys", Table: spec.table, Violations: n, OK: n == 0})
	}
	return out, nil
}
