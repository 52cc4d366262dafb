// Command mobile is the shared library the mobile shells load.
// Build with: go build -buildmode=c-shared -o libtempo.so ./cmd/mobile
//
// Every entry point takes and returns JSON. A failed call returns nothing and
// leaves its message for GetLastError.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kimhsiao/tempo/backend/internal/app"
	"github.com/kimhsiao/tempo/backend/internal/config"
	"github.com/kimhsiao/tempo/backend/internal/db"
	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/models"
)

var errNotOpen = errors.New("core not initialized")

// bridge owns the single app instance behind the exported functions.
type bridge struct {
	mu     sync.Mutex
	app    *app.App
	cancel context.CancelFunc

	errMu   sync.RWMutex
	lastErr string
}

var core = &bridge{}

func (b *bridge) open(configPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Get().SetLevel(cfg.Level())

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go a.Monitor.Run(ctx)
	a.Scheduler.Start(ctx)

	b.app, b.cancel = a, cancel
	return nil
}

func (b *bridge) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil
	}
	b.cancel()
	err := b.app.Close()
	b.app, b.cancel = nil, nil
	return err
}

func (b *bridge) current() (*app.App, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, errNotOpen
	}
	return b.app, nil
}

// sync runs a blocking sync, or starts a background one when silent.
func (b *bridge) sync(ctx context.Context, silent bool) (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	if silent {
		return marshal(map[string]interface{}{"started": a.Scheduler.TriggerSync(ctx)})
	}
	result, err := a.Scheduler.SyncNow(ctx)
	if result != nil {
		// A failed sync still reports its result; the error goes to GetLastError.
		s, merr := marshal(result)
		if merr != nil {
			return "", merr
		}
		if err != nil {
			b.setLastError(err)
		}
		return s, nil
	}
	return "", err
}

func (b *bridge) status(ctx context.Context) (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	counts, err := a.Engine.Counts(ctx)
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{
		"status":    a.Engine.Status(),
		"counts":    counts,
		"scheduler": a.Scheduler.GetStatus(ctx),
	})
}

// setOnline records connectivity reported by the platform.
func (b *bridge) setOnline(online bool) error {
	a, err := b.current()
	if err != nil {
		return err
	}
	a.Monitor.Set(online)
	return nil
}

// save creates the record when body has no id, otherwise updates it.
func (b *bridge) save(ctx context.Context, kind, body string) (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	rec, err := models.New(models.EntityKind(kind))
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal([]byte(body), rec); err != nil {
		return "", fmt.Errorf("decode %s: %w", kind, err)
	}

	if rec.Meta().ID == "" {
		err = a.Repo.CreateLocal(ctx, rec)
	} else {
		err = a.Repo.UpdateLocal(ctx, rec)
	}
	if err != nil {
		return "", err
	}
	return marshal(rec)
}

func (b *bridge) get(ctx context.Context, kind, id string) (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	rec, err := a.Repo.Get(ctx, models.EntityKind(kind), models.UUID(id))
	if err != nil {
		return "", err
	}
	return marshal(rec)
}

func (b *bridge) list(ctx context.Context, kind string) (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	recs, err := a.Repo.List(ctx, models.EntityKind(kind))
	if err != nil {
		return "", err
	}
	if recs == nil {
		recs = []models.Record{}
	}
	return marshal(recs)
}

func (b *bridge) remove(ctx context.Context, kind, id string) error {
	a, err := b.current()
	if err != nil {
		return err
	}
	err = a.Repo.DeleteLocal(ctx, models.EntityKind(kind), models.UUID(id))
	if db.IsNotFound(err) {
		return nil
	}
	return err
}

// enqueue stores an action for replay once the device is back online.
func (b *bridge) enqueue(ctx context.Context, kind, payload string) (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	var body json.RawMessage
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	item, err := a.Queue.Enqueue(ctx, models.ActionKind(kind), body)
	if err != nil {
		return "", err
	}
	return marshal(item)
}

func (b *bridge) setLastError(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if err == nil {
		b.lastErr = ""
		return
	}
	b.lastErr = err.Error()
}

func (b *bridge) lastError() string {
	b.errMu.RLock()
	defer b.errMu.RUnlock()
	return b.lastErr
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return string(data), nil
}

func main() {
	// Required for c-shared build mode; never runs inside the host app.
}
