package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Full-resync listing window used when no cursor exists or the provider
// invalidated the one we held.
const (
	resyncWindowPast   = 30 * 24 * time.Hour
	resyncWindowFuture = 90 * 24 * time.Hour
)

var (
	errMissingEngineDatabase = errors.New("database handle is required")
	errMissingProvider       = errors.New("calendar provider dependency required")
	errMissingStateStore     = errors.New("sync state store dependency required")
	noOpLogger               = zap.NewNop()
)

// Provider is the external calendar surface the engine and mirror depend
// on. *Client implements it; tests substitute fakes.
type Provider interface {
	ListEvents(ctx context.Context, query ListQuery) (EventPage, error)
	InsertEvent(ctx context.Context, mutation EventMutation) (string, error)
	UpdateEvent(ctx context.Context, eventID string, mutation EventMutation) error
	DeleteEvent(ctx context.Context, eventID string) error
	WatchEvents(ctx context.Context, channelID, address, token string) (Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// EngineConfig configures the sync engine.
type EngineConfig struct {
	Database   *gorm.DB
	Provider   Provider
	State      *StateStore
	Clock      func() time.Time
	Logger     *zap.Logger
	WebhookURL string
	Secret     string
	IDProvider IDProvider
}

// IDProvider issues identifiers for push channels.
type IDProvider interface {
	NewID() (string, error)
}

// Engine performs incremental diff sync against the external calendar and
// maintains the local event mirror and push channel subscription.
type Engine struct {
	db         *gorm.DB
	provider   Provider
	state      *StateStore
	clock      func() time.Time
	logger     *zap.Logger
	webhookURL string
	secret     string
	idProvider IDProvider
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingEngineDatabase
	}
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	if cfg.State == nil {
		return nil, errMissingStateStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		db:         cfg.Database,
		provider:   cfg.Provider,
		state:      cfg.State,
		clock:      clock,
		logger:     logger,
		webhookURL: cfg.WebhookURL,
		secret:     cfg.Secret,
		idProvider: cfg.IDProvider,
	}, nil
}

// Report summarizes one sync invocation.
type Report struct {
	Upserted   int
	Pages      int
	FullSync   bool
	NextCursor string
}

// Sync fetches everything changed since the stored cursor and mirrors it
// locally. With force, or with no stored cursor, a full-window listing runs
// instead. An expired cursor is recognized and self-healed with exactly one
// fallback full listing; it is never surfaced as a failure.
func (e *Engine) Sync(ctx context.Context, force bool) (Report, error) {
	cursor := ""
	if !force {
		stored, err := e.state.Get(ctx, StateKeySyncToken)
		if err != nil {
			return Report{}, err
		}
		cursor = stored
	}

	events, nextCursor, report, err := e.fetchChanges(ctx, cursor)
	if err != nil {
		return Report{}, err
	}

	upserted, err := e.UpsertEvents(ctx, events)
	if err != nil {
		return Report{}, err
	}
	report.Upserted = upserted
	report.NextCursor = nextCursor

	if err := e.state.Set(ctx, StateKeySyncToken, nextCursor); err != nil {
		return Report{}, err
	}

	e.logger.Info("calendar sync complete",
		zap.Int("events", upserted),
		zap.Int("pages", report.Pages),
		zap.Bool("full_sync", report.FullSync))
	return report, nil
}

// fetchChanges drains all pages for the given cursor and returns the
// events plus the fresh cursor taken from the final page. The cursor flows
// in and out explicitly; the engine holds no mutable cursor state of its
// own.
func (e *Engine) fetchChanges(ctx context.Context, cursor string) ([]Event, string, Report, error) {
	report := Report{FullSync: cursor == ""}

	events, nextCursor, pages, err := e.drainPages(ctx, cursor)
	if errors.Is(err, ErrCursorExpired) && cursor != "" {
		// Provider invalidated the resume cursor. Fall back to one full
		// listing over the fixed window and pick up a fresh cursor.
		e.logger.Warn("sync cursor expired, falling back to full resync")
		report.FullSync = true
		events, nextCursor, pages, err = e.drainPages(ctx, "")
	}
	if err != nil {
		return nil, "", Report{}, err
	}
	report.Pages = pages
	return events, nextCursor, report, nil
}

func (e *Engine) drainPages(ctx context.Context, cursor string) ([]Event, string, int, error) {
	query := ListQuery{SyncToken: cursor}
	if cursor == "" {
		now := e.clock().UTC()
		query.TimeMin = now.Add(-resyncWindowPast)
		query.TimeMax = now.Add(resyncWindowFuture)
	}

	var events []Event
	nextCursor := ""
	pages := 0
	for {
		page, err := e.provider.ListEvents(ctx, query)
		if err != nil {
			return nil, "", 0, err
		}
		pages++
		events = append(events, page.Events...)
		if page.NextSyncToken != "" {
			nextCursor = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			break
		}
		query.PageToken = page.NextPageToken
	}
	return events, nextCursor, pages, nil
}

// UpsertEvents mirrors provider events locally, keyed by provider event id
// so redelivery is idempotent. A provider cancellation flips the status,
// never deletes the row.
func (e *Engine) UpsertEvents(ctx context.Context, events []Event) (int, error) {
	upserted := 0
	for _, event := range events {
		if event.ID == "" {
			e.logger.Warn("skipping provider event without id")
			continue
		}
		status := StatusConfirmed
		if event.Cancelled {
			status = StatusCancelled
		}
		mirror := EventMirror{
			ExternalEventID: event.ID,
			Summary:         event.Summary,
			Description:     event.Description,
			Location:        event.Location,
			Start:           event.Start,
			End:             event.End,
			AllDay:          event.AllDay,
			Status:          status,
		}
		assignments := []string{"summary", "description", "location", "all_day", "status", "updated_at"}
		if !event.Cancelled || !event.Start.IsZero() {
			// Cancelled deliveries often omit times; keep the last known
			// start/end on the mirror in that case.
			assignments = append(assignments, "start", "end")
		}
		err := e.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_event_id"}},
				DoUpdates: clause.AssignmentColumns(assignments),
			}).
			Create(&mirror).Error
		if err != nil {
			return upserted, fmt.Errorf("calendar: upsert event %s: %w", event.ID, err)
		}
		upserted++
	}
	return upserted, nil
}

// ListMirrors returns mirrored events with a start inside [from, to],
// ordered by start.
func (e *Engine) ListMirrors(ctx context.Context, from, to time.Time) ([]EventMirror, error) {
	var mirrors []EventMirror
	err := e.db.WithContext(ctx).
		Where("start >= ? AND start <= ?", from.UTC(), to.UTC()).
		Order("start ASC").
		Find(&mirrors).Error
	if err != nil {
		return nil, fmt.Errorf("calendar: list mirrors: %w", err)
	}
	return mirrors, nil
}
