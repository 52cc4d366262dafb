package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kimhsiao/tempo/backend/internal/models"
)

// ErrTypeMismatch is returned when a payload's explicit type field names a
// different kind than the codec decoding it.
var ErrTypeMismatch = errors.New("record type mismatch")

// ErrMissingID is returned when a payload has no id.
var ErrMissingID = errors.New("record has no id")

// Codec maps one entity kind onto its REST resource.
type Codec interface {
	// Kind returns the entity kind the codec handles.
	Kind() models.EntityKind

	// Resource returns the collection path segment, e.g. "tasks".
	Resource() string

	// Encode renders a local record as a request body carrying
	// client_updated_at.
	Encode(r models.Record) ([]byte, error)

	// Decode parses a server record. The result is marked synced with the
	// server's updated_at adopted as both UpdatedAt and ServerUpdatedAt.
	Decode(data []byte) (models.Record, error)
}

var codecs = map[models.EntityKind]Codec{
	models.KindGoal:      goalCodec{},
	models.KindMilestone: milestoneCodec{},
	models.KindTask:      taskCodec{},
	models.KindEvent:     eventCodec{},
}

// For returns the codec registered for kind.
func For(kind models.EntityKind) (Codec, error) {
	c, ok := codecs[kind]
	if !ok {
		return nil, fmt.Errorf("no codec for kind %q", kind)
	}
	return c, nil
}

// Codecs returns every codec in sync order.
func Codecs() []Codec {
	kinds := models.Kinds()
	out := make([]Codec, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, codecs[k])
	}
	return out
}

// envelope holds the fields shared by every record payload.
type envelope struct {
	ID              string `json:"id"`
	Type            string `json:"type,omitempty"`
	UpdatedAt       string `json:"updated_at,omitempty"`
	ClientUpdatedAt string `json:"client_updated_at,omitempty"`
}

func encodeEnvelope(kind models.EntityKind, m *models.SyncMeta) envelope {
	return envelope{
		ID:              m.ID.String(),
		Type:            string(kind),
		ClientUpdatedAt: FormatTimestamp(m.UpdatedAt),
	}
}

func decodeEnvelope(kind models.EntityKind, e envelope) (models.SyncMeta, error) {
	if e.Type != "" && e.Type != string(kind) {
		return models.SyncMeta{}, fmt.Errorf("%w: got %q, want %q", ErrTypeMismatch, e.Type, kind)
	}
	if e.ID == "" {
		return models.SyncMeta{}, ErrMissingID
	}
	updated, err := required("updated_at", e.UpdatedAt)
	if err != nil {
		return models.SyncMeta{}, err
	}
	meta := models.SyncMeta{ID: models.UUID(e.ID)}
	meta.MarkSynced(&updated)
	return meta, nil
}

func required(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: %s is missing", ErrBadTimestamp, field)
	}
	t, ok := ParseTimestamp(value)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s %q", ErrBadTimestamp, field, value)
	}
	return t, nil
}

func optional(field string, value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	t, err := required(field, *value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTimestamp(*t)
	return &s
}

func mismatch(c Codec, r models.Record) error {
	return fmt.Errorf("%s codec cannot encode %s", c.Kind(), r.Kind())
}

// =====================================================
// Task
// =====================================================

type taskPayload struct {
	envelope
	Title       string  `json:"title"`
	Notes       string  `json:"notes,omitempty"`
	DueAt       *string `json:"due_at,omitempty"`
	Priority    int     `json:"priority"`
	GoalID      *string `json:"goal_id,omitempty"`
	Completed   bool    `json:"completed"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type taskCodec struct{}

func (taskCodec) Kind() models.EntityKind { return models.KindTask }
func (taskCodec) Resource() string        { return "tasks" }

func (c taskCodec) Encode(r models.Record) ([]byte, error) {
	t, ok := r.(*models.Task)
	if !ok {
		return nil, mismatch(c, r)
	}
	p := taskPayload{
		envelope:    encodeEnvelope(models.KindTask, &t.SyncMeta),
		Title:       t.Title,
		Notes:       t.Notes,
		DueAt:       formatOptional(t.DueAt),
		Priority:    t.Priority,
		Completed:   t.Completed,
		CompletedAt: formatOptional(t.CompletedAt),
	}
	if t.GoalID != nil {
		g := t.GoalID.String()
		p.GoalID = &g
	}
	return json.Marshal(p)
}

func (taskCodec) Decode(data []byte) (models.Record, error) {
	var p taskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	meta, err := decodeEnvelope(models.KindTask, p.envelope)
	if err != nil {
		return nil, err
	}
	t := &models.Task{SyncMeta: meta, Title: p.Title, Notes: p.Notes, Priority: p.Priority, Completed: p.Completed}
	if t.DueAt, err = optional("due_at", p.DueAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = optional("completed_at", p.CompletedAt); err != nil {
		return nil, err
	}
	if p.GoalID != nil && *p.GoalID != "" {
		g := models.UUID(*p.GoalID)
		t.GoalID = &g
	}
	return t, nil
}

// =====================================================
// Goal
// =====================================================

type goalPayload struct {
	envelope
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	TargetDate  *string `json:"target_date,omitempty"`
	Progress    int     `json:"progress"`
}

type goalCodec struct{}

func (goalCodec) Kind() models.EntityKind { return models.KindGoal }
func (goalCodec) Resource() string        { return "goals" }

func (c goalCodec) Encode(r models.Record) ([]byte, error) {
	g, ok := r.(*models.Goal)
	if !ok {
		return nil, mismatch(c, r)
	}
	return json.Marshal(goalPayload{
		envelope:    encodeEnvelope(models.KindGoal, &g.SyncMeta),
		Title:       g.Title,
		Description: g.Description,
		TargetDate:  formatOptional(g.TargetDate),
		Progress:    g.Progress,
	})
}

func (goalCodec) Decode(data []byte) (models.Record, error) {
	var p goalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	meta, err := decodeEnvelope(models.KindGoal, p.envelope)
	if err != nil {
		return nil, err
	}
	if p.Progress < 0 || p.Progress > 100 {
		return nil, fmt.Errorf("goal progress %d out of range", p.Progress)
	}
	g := &models.Goal{SyncMeta: meta, Title: p.Title, Description: p.Description, Progress: p.Progress}
	if g.TargetDate, err = optional("target_date", p.TargetDate); err != nil {
		return nil, err
	}
	return g, nil
}

// =====================================================
// Event
// =====================================================

type eventPayload struct {
	envelope
	Title    string `json:"title"`
	Location string `json:"location,omitempty"`
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
	AllDay   bool   `json:"all_day"`
}

type eventCodec struct{}

func (eventCodec) Kind() models.EntityKind { return models.KindEvent }
func (eventCodec) Resource() string        { return "events" }

func (c eventCodec) Encode(r models.Record) ([]byte, error) {
	e, ok := r.(*models.Event)
	if !ok {
		return nil, mismatch(c, r)
	}
	return json.Marshal(eventPayload{
		envelope: encodeEnvelope(models.KindEvent, &e.SyncMeta),
		Title:    e.Title,
		Location: e.Location,
		StartsAt: FormatTimestamp(e.StartsAt),
		EndsAt:   FormatTimestamp(e.EndsAt),
		AllDay:   e.AllDay,
	})
}

func (eventCodec) Decode(data []byte) (models.Record, error) {
	var p eventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	meta, err := decodeEnvelope(models.KindEvent, p.envelope)
	if err != nil {
		return nil, err
	}
	e := &models.Event{SyncMeta: meta, Title: p.Title, Location: p.Location, AllDay: p.AllDay}
	if e.StartsAt, err = required("starts_at", p.StartsAt); err != nil {
		return nil, err
	}
	if e.EndsAt, err = required("ends_at", p.EndsAt); err != nil {
		return nil, err
	}
	return e, nil
}

// =====================================================
// Milestone
// =====================================================

type milestonePayload struct {
	envelope
	GoalID   string  `json:"goal_id"`
	Title    string  `json:"title"`
	DueAt    *string `json:"due_at,omitempty"`
	Achieved bool    `json:"achieved"`
}

type milestoneCodec struct{}

func (milestoneCodec) Kind() models.EntityKind { return models.KindMilestone }
func (milestoneCodec) Resource() string        { return "milestones" }

func (c milestoneCodec) Encode(r models.Record) ([]byte, error) {
	m, ok := r.(*models.Milestone)
	if !ok {
		return nil, mismatch(c, r)
	}
	return json.Marshal(milestonePayload{
		envelope: encodeEnvelope(models.KindMilestone, &m.SyncMeta),
		GoalID:   m.GoalID.String(),
		Title:    m.Title,
		DueAt:    formatOptional(m.DueAt),
		Achieved: m.Achieved,
	})
}

func (milestoneCodec) Decode(data []byte) (models.Record, error) {
	var p milestonePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	meta, err := decodeEnvelope(models.KindMilestone, p.envelope)
	if err != nil {
		return nil, err
	}
	m := &models.Milestone{SyncMeta: meta, GoalID: models.UUID(p.GoalID), Title: p.Title, Achieved: p.Achieved}
	if m.DueAt, err = optional("due_at", p.DueAt); err != nil {
		return nil, err
	}
	return m, nil
}

// ServerUpdatedAt extracts updated_at from a create or update response body.
// It returns nil when the body is empty or carries no updated_at.
func ServerUpdatedAt(body []byte) (*time.Time, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var e envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	return optional("updated_at", &e.UpdatedAt)
}
