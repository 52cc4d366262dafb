package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/tempo/backend/internal/models"
)

// ActionFunc performs one queued offline action against the API.
type ActionFunc func(ctx context.Context, payload json.RawMessage) error

// ActionHandlers returns the REST-backed handler for every offline action
// kind. Payloads are the record's wire JSON and must carry an "id".
func (c *Client) ActionHandlers() map[models.ActionKind]ActionFunc {
	return map[models.ActionKind]ActionFunc{
		models.ActionCreateEvent:  c.createAction("events"),
		models.ActionUpdateEvent:  c.updateAction("events"),
		models.ActionDeleteEvent:  c.deleteAction("events"),
		models.ActionCreateTask:   c.createAction("tasks"),
		models.ActionUpdateTask:   c.updateAction("tasks"),
		models.ActionDeleteTask:   c.deleteAction("tasks"),
		models.ActionCompleteTask: c.completeAction,
	}
}

func (c *Client) createAction(resource string) ActionFunc {
	return func(ctx context.Context, payload json.RawMessage) error {
		_, err := c.Create(ctx, resource, payload)
		return err
	}
}

func (c *Client) updateAction(resource string) ActionFunc {
	return func(ctx context.Context, payload json.RawMessage) error {
		id, err := payloadID(payload)
		if err != nil {
			return err
		}
		_, err = c.Update(ctx, resource, id, payload)
		return err
	}
}

func (c *Client) deleteAction(resource string) ActionFunc {
	return func(ctx context.Context, payload json.RawMessage) error {
		id, err := payloadID(payload)
		if err != nil {
			return err
		}
		return c.Delete(ctx, resource, id)
	}
}

func (c *Client) completeAction(ctx context.Context, payload json.RawMessage) error {
	id, err := payloadID(payload)
	if err != nil {
		return err
	}
	return c.CompleteTask(ctx, id)
}

func payloadID(payload json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("invalid action payload: %w", err)
	}
	if p.ID == "" {
		return "", fmt.Errorf("action payload has no id")
	}
	return p.ID, nil
}
