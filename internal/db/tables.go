package db

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/tempo/backend/internal/models"
)

// metaColumns are shared by every syncable table and always come first.
var metaColumns = []string{"id", "status", "retry_status", "updated_at", "server_updated_at"}

// table maps one entity kind onto its SQLite table.
type table struct {
	name    string
	columns []string
	values  func(models.Record) []interface{}
	dests   func(models.Record) []interface{}
}

func (t *table) allColumns() []string {
	return append(append([]string{}, metaColumns...), t.columns...)
}

func (t *table) selectList() string {
	return strings.Join(t.allColumns(), ", ")
}

// row returns insert values for r, metadata first.
func (t *table) row(r models.Record) []interface{} {
	m := r.Meta()
	vals := []interface{}{m.ID, string(m.Status), string(m.RetryStatus), toMillis(m.UpdatedAt), toNullMillis(m.ServerUpdatedAt)}
	return append(vals, t.values(r)...)
}

// scanTargets returns scan destinations for r, metadata first.
func (t *table) scanTargets(r models.Record) []interface{} {
	m := r.Meta()
	dests := []interface{}{&m.ID, (*string)(&m.Status), (*string)(&m.RetryStatus), millis{&m.UpdatedAt}, nullMillis{&m.ServerUpdatedAt}}
	return append(dests, t.dests(r)...)
}

var tables = map[models.EntityKind]*table{
	models.KindGoal: {
		name:    models.Goal{}.TableName(),
		columns: []string{"title", "description", "target_date", "progress"},
		values: func(r models.Record) []interface{} {
			g := r.(*models.Goal)
			return []interface{}{g.Title, g.Description, toNullMillis(g.TargetDate), g.Progress}
		},
		dests: func(r models.Record) []interface{} {
			g := r.(*models.Goal)
			return []interface{}{&g.Title, &g.Description, nullMillis{&g.TargetDate}, &g.Progress}
		},
	},
	models.KindMilestone: {
		name:    models.Milestone{}.TableName(),
		columns: []string{"goal_id", "title", "due_at", "achieved"},
		values: func(r models.Record) []interface{} {
			m := r.(*models.Milestone)
			return []interface{}{m.GoalID, m.Title, toNullMillis(m.DueAt), m.Achieved}
		},
		dests: func(r models.Record) []interface{} {
			m := r.(*models.Milestone)
			return []interface{}{&m.GoalID, &m.Title, nullMillis{&m.DueAt}, &m.Achieved}
		},
	},
	models.KindTask: {
		name:    models.Task{}.TableName(),
		columns: []string{"title", "notes", "due_at", "priority", "goal_id", "completed", "completed_at"},
		values: func(r models.Record) []interface{} {
			t := r.(*models.Task)
			return []interface{}{t.Title, t.Notes, toNullMillis(t.DueAt), t.Priority, nullUUID{&t.GoalID}, t.Completed, toNullMillis(t.CompletedAt)}
		},
		dests: func(r models.Record) []interface{} {
			t := r.(*models.Task)
			return []interface{}{&t.Title, &t.Notes, nullMillis{&t.DueAt}, &t.Priority, nullUUID{&t.GoalID}, &t.Completed, nullMillis{&t.CompletedAt}}
		},
	},
	models.KindEvent: {
		name:    models.Event{}.TableName(),
		columns: []string{"title", "location", "starts_at", "ends_at", "all_day"},
		values: func(r models.Record) []interface{} {
			e := r.(*models.Event)
			return []interface{}{e.Title, e.Location, toMillis(e.StartsAt), toMillis(e.EndsAt), e.AllDay}
		},
		dests: func(r models.Record) []interface{} {
			e := r.(*models.Event)
			return []interface{}{&e.Title, &e.Location, millis{&e.StartsAt}, millis{&e.EndsAt}, &e.AllDay}
		},
	},
}

func tableFor(kind models.EntityKind) (*table, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	return t, nil
}

// Timestamps are stored as unix milliseconds.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toNullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

type millis struct{ t *time.Time }

func (m millis) Scan(value interface{}) error {
	switch v := value.(type) {
	case int64:
		*m.t = time.UnixMilli(v).UTC()
	case nil:
		*m.t = time.Time{}
	default:
		return fmt.Errorf("cannot scan %T into timestamp", value)
	}
	return nil
}

type nullMillis struct{ t **time.Time }

func (m nullMillis) Scan(value interface{}) error {
	switch v := value.(type) {
	case int64:
		t := time.UnixMilli(v).UTC()
		*m.t = &t
	case nil:
		*m.t = nil
	default:
		return fmt.Errorf("cannot scan %T into timestamp", value)
	}
	return nil
}

type nullUUID struct{ u **models.UUID }

func (n nullUUID) Value() (driver.Value, error) {
	if *n.u == nil || **n.u == "" {
		return nil, nil
	}
	return string(**n.u), nil
}

func (n nullUUID) Scan(value interface{}) error {
	var id models.UUID
	if err := id.Scan(value); err != nil {
		return err
	}
	if id == "" {
		*n.u = nil
		return nil
	}
	*n.u = &id
	return nil
}
