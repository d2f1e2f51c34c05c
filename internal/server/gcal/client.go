// Package gcal is a thin, retry-aware facade over the Google Calendar API.
// It converts wire events into domain events, classifies every error, and
// stamps a private marker on everything it writes. Sync policy lives
// elsewhere; this package only talks to the remote side.
package gcal

import (
	"context"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/dmitrijs2005/busybridge/internal/logging"
)

// Client is the seam the sync engine depends on; tests substitute fakes.
type Client interface {
	ListChanges(ctx context.Context, calendarID, cursor string) (*ChangeSet, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error)
	CreateEvent(ctx context.Context, calendarID string, data *EventData) (*Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, data *EventData) (*Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, data *EventData) (*Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	IsManaged(e *Event) bool

	Watch(ctx context.Context, calendarID, channelID, token, address string, ttl time.Duration) (*Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error

	ListCalendars(ctx context.Context) ([]*CalendarInfo, error)
	GetCalendar(ctx context.Context, calendarID string) (*CalendarInfo, error)
}

// CalendarInfo is connect-time metadata about a remote calendar.
type CalendarInfo struct {
	ID       string
	Summary  string
	TimeZone string
	Primary  bool
}

// Channel is an established push notification channel.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

// Options tune one client instance. The zero value is not usable; use the
// defaults from config.
type Options struct {
	// SyncTag is the private extended property key marking managed events.
	SyncTag string
	// WindowPast/WindowFuture bound a full listing.
	WindowPast   time.Duration
	WindowFuture time.Duration
	// MaxAttempts caps retries of transient failures per call.
	MaxAttempts uint64
}

const listPageSize = 2500

// GoogleClient implements Client over calendar/v3.
type GoogleClient struct {
	svc    *calendar.Service
	opts   Options
	logger logging.Logger
}

// New builds a client from an authenticated HTTP client (one per Google
// account, produced by the token provider).
func New(ctx context.Context, httpClient *http.Client, opts Options, logger logging.Logger) (*GoogleClient, error) {
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, wrapError(err)
	}
	return &GoogleClient{svc: svc, opts: opts, logger: logger}, nil
}

// withRetry runs fn, retrying transient failures with jittered exponential
// backoff. Permanent and validation errors return immediately.
func (c *GoogleClient) withRetry(ctx context.Context, fn func() error) error {
	b := retry.WithMaxRetries(c.opts.MaxAttempts,
		retry.WithJitter(250*time.Millisecond,
			retry.NewExponential(500*time.Millisecond)))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		werr := wrapError(err)
		if IsTransient(werr) {
			return retry.RetryableError(werr)
		}
		return werr
	})
}

// ListChanges lists everything that changed on the calendar since cursor.
// An empty cursor triggers a full window listing. Recurring series arrive
// unexpanded (singleEvents=false) so recurrence rules travel verbatim; forked
// instances appear as separate exception events.
func (c *GoogleClient) ListChanges(ctx context.Context, calendarID, cursor string) (*ChangeSet, error) {
	set := &ChangeSet{}
	pageToken := ""

	for {
		call := c.svc.Events.List(calendarID).
			MaxResults(listPageSize).
			SingleEvents(false).
			Context(ctx)

		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			now := time.Now().UTC()
			call = call.
				TimeMin(now.Add(-c.opts.WindowPast).Format(time.RFC3339)).
				TimeMax(now.Add(c.opts.WindowFuture).Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *calendar.Events
		err := c.withRetry(ctx, func() error {
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			if cursor != "" && IsGone(err) {
				// Sync token expired server-side. Not an error: the caller
				// relists from scratch.
				return &ChangeSet{FullResyncRequired: true}, nil
			}
			return nil, err
		}

		for _, item := range resp.Items {
			e, err := eventFromAPI(item)
			if err != nil {
				c.logger.Warn(ctx, "skipping malformed event", "calendar", calendarID, "event", item.Id, "error", err)
				continue
			}
			ch, err := classifyChange(e)
			if err != nil {
				c.logger.Warn(ctx, "skipping invalid event", "calendar", calendarID, "event", e.ID, "error", err)
				continue
			}
			set.Changes = append(set.Changes, ch)
		}

		if resp.NextPageToken == "" {
			set.NextCursor = resp.NextSyncToken
			return set, nil
		}
		pageToken = resp.NextPageToken
	}
}

// GetEvent fetches one event. A 404/410 returns (nil, nil): for this engine
// "gone" is an answer, not a failure.
func (c *GoogleClient) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	var resp *calendar.Event
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return eventFromAPI(resp)
}

func (c *GoogleClient) CreateEvent(ctx context.Context, calendarID string, data *EventData) (*Event, error) {
	body := data.toAPI(c.opts.SyncTag)

	var resp *calendar.Event
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.svc.Events.Insert(calendarID, body).SendUpdates("none").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return eventFromAPI(resp)
}

// UpdateEvent full-replaces the event body. The marker is re-stamped on
// every update so it cannot be lost to a partial payload.
func (c *GoogleClient) UpdateEvent(ctx context.Context, calendarID, eventID string, data *EventData) (*Event, error) {
	body := data.toAPI(c.opts.SyncTag)

	var resp *calendar.Event
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.svc.Events.Update(calendarID, eventID, body).SendUpdates("none").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return eventFromAPI(resp)
}

// PatchEvent partially updates an event the engine does not own: only the
// set fields of data are sent and no marker is stamped. Used to write a
// user's edit of a main copy back to its origin without clobbering origin
// fields the engine never tracks (attendees, reminders).
func (c *GoogleClient) PatchEvent(ctx context.Context, calendarID, eventID string, data *EventData) (*Event, error) {
	body := data.toPatchAPI()

	var resp *calendar.Event
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.svc.Events.Patch(calendarID, eventID, body).SendUpdates("none").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return eventFromAPI(resp)
}

// DeleteEvent removes the event; an already-deleted event (404/410) counts
// as success.
func (c *GoogleClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.withRetry(ctx, func() error {
		return c.svc.Events.Delete(calendarID, eventID).SendUpdates("none").Context(ctx).Do()
	})
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// IsManaged reports whether this engine created the event.
func (c *GoogleClient) IsManaged(e *Event) bool {
	return e != nil && e.Private[c.opts.SyncTag] == "true"
}

// Watch registers a push channel on the calendar. The returned resource id
// must be stored: notifications echo it and Stop requires it.
func (c *GoogleClient) Watch(ctx context.Context, calendarID, channelID, token, address string, ttl time.Duration) (*Channel, error) {
	req := &calendar.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    address,
		Token:      token,
		Expiration: time.Now().Add(ttl).UnixMilli(),
	}

	var resp *calendar.Channel
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.svc.Events.Watch(calendarID, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Channel{
		ID:         resp.Id,
		ResourceID: resp.ResourceId,
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

func (c *GoogleClient) StopChannel(ctx context.Context, channelID, resourceID string) error {
	req := &calendar.Channel{Id: channelID, ResourceId: resourceID}

	err := c.withRetry(ctx, func() error {
		return c.svc.Channels.Stop(req).Context(ctx).Do()
	})
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

func (c *GoogleClient) ListCalendars(ctx context.Context) ([]*CalendarInfo, error) {
	var resp *calendar.CalendarList
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.svc.CalendarList.List().Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	var result []*CalendarInfo
	for _, item := range resp.Items {
		result = append(result, &CalendarInfo{
			ID:       item.Id,
			Summary:  item.Summary,
			TimeZone: item.TimeZone,
			Primary:  item.Primary,
		})
	}
	return result, nil
}

func (c *GoogleClient) GetCalendar(ctx context.Context, calendarID string) (*CalendarInfo, error) {
	var resp *calendar.CalendarListEntry
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.svc.CalendarList.Get(calendarID).Context(ctx).Do()
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &CalendarInfo{
		ID:       resp.Id,
		Summary:  resp.Summary,
		TimeZone: resp.TimeZone,
		Primary:  resp.Primary,
	}, nil
}
