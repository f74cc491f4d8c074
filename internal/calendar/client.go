package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 10 * time.Second
	allDayLayout          = "2006-01-02"
)

var (
	// ErrCursorExpired indicates the provider rejected the sync token; the
	// engine recovers with a full-window resync.
	ErrCursorExpired = errors.New("calendar: sync cursor expired")
	// ErrEventNotFound indicates the referenced event no longer exists at
	// the provider.
	ErrEventNotFound = errors.New("calendar: event not found")
	// ErrChannelNotFound indicates the push channel is already gone, which
	// renewal treats as success.
	ErrChannelNotFound = errors.New("calendar: channel not found")

	errMissingBaseURL    = errors.New("calendar base url is required")
	errMissingCalendarID = errors.New("calendar id is required")
)

// ClientConfig configures the provider REST client.
type ClientConfig struct {
	BaseURL     string
	CalendarID  string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// Client talks to the external calendar provider over its REST surface.
type Client struct {
	baseURL     string
	calendarID  string
	bearerToken string
	httpClient  *http.Client
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.CalendarID) == "" {
		return nil, errMissingCalendarID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:     baseURL,
		calendarID:  cfg.CalendarID,
		bearerToken: cfg.BearerToken,
		httpClient:  httpClient,
	}, nil
}

// ListQuery selects which events to fetch. SyncToken requests the
// incremental diff; without it TimeMin/TimeMax bound a full-window listing.
type ListQuery struct {
	SyncToken string
	PageToken string
	TimeMin   time.Time
	TimeMax   time.Time
}

// EventPage is one page of a listing. NextSyncToken is present only on the
// final page.
type EventPage struct {
	Events        []Event
	NextPageToken string
	NextSyncToken string
}

type wireTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
}

type wireEvent struct {
	ID          string   `json:"id,omitempty"`
	Status      string   `json:"status,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Updated     string   `json:"updated,omitempty"`
	Start       wireTime `json:"start,omitempty"`
	End         wireTime `json:"end,omitempty"`
}

type wireEventList struct {
	Items         []wireEvent `json:"items"`
	NextPageToken string      `json:"nextPageToken"`
	NextSyncToken string      `json:"nextSyncToken"`
}

// ListEvents fetches one page of events. A 410 response maps to
// ErrCursorExpired.
func (c *Client) ListEvents(ctx context.Context, query ListQuery) (EventPage, error) {
	values := url.Values{}
	values.Set("singleEvents", "true")
	if query.SyncToken != "" {
		values.Set("syncToken", query.SyncToken)
	} else {
		if !query.TimeMin.IsZero() {
			values.Set("timeMin", query.TimeMin.UTC().Format(time.RFC3339))
		}
		if !query.TimeMax.IsZero() {
			values.Set("timeMax", query.TimeMax.UTC().Format(time.RFC3339))
		}
	}
	if query.PageToken != "" {
		values.Set("pageToken", query.PageToken)
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", c.baseURL, url.PathEscape(c.calendarID), values.Encode())
	var list wireEventList
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &list, map[int]error{
		http.StatusGone: ErrCursorExpired,
	}); err != nil {
		return EventPage{}, err
	}

	page := EventPage{
		NextPageToken: list.NextPageToken,
		NextSyncToken: list.NextSyncToken,
		Events:        make([]Event, 0, len(list.Items)),
	}
	for _, item := range list.Items {
		event, err := normalizeEvent(item)
		if err != nil {
			return EventPage{}, err
		}
		page.Events = append(page.Events, event)
	}
	return page, nil
}

// InsertEvent creates an event and returns the provider-assigned id.
func (c *Client) InsertEvent(ctx context.Context, mutation EventMutation) (string, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(c.calendarID))
	var created wireEvent
	if err := c.do(ctx, http.MethodPost, endpoint, mutationToWire(mutation), &created, nil); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("calendar: provider returned event without id")
	}
	return created.ID, nil
}

// UpdateEvent replaces an existing event. A 404 or 410 maps to
// ErrEventNotFound so the mirror can fall back to a fresh insert.
func (c *Client) UpdateEvent(ctx context.Context, eventID string, mutation EventMutation) error {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s", c.baseURL, url.PathEscape(c.calendarID), url.PathEscape(eventID))
	return c.do(ctx, http.MethodPut, endpoint, mutationToWire(mutation), nil, map[int]error{
		http.StatusNotFound: ErrEventNotFound,
		http.StatusGone:     ErrEventNotFound,
	})
}

// DeleteEvent removes an event. A 404 or 410 maps to ErrEventNotFound.
func (c *Client) DeleteEvent(ctx context.Context, eventID string) error {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s", c.baseURL, url.PathEscape(c.calendarID), url.PathEscape(eventID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil, map[int]error{
		http.StatusNotFound: ErrEventNotFound,
		http.StatusGone:     ErrEventNotFound,
	})
}

type wireChannelRequest struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

type wireChannelResponse struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	Expiration string `json:"expiration"`
}

// WatchEvents registers a push channel delivering change notifications to
// address. The provider's expiration comes back as unix milliseconds.
func (c *Client) WatchEvents(ctx context.Context, channelID, address, token string) (Channel, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/watch", c.baseURL, url.PathEscape(c.calendarID))
	request := wireChannelRequest{ID: channelID, Type: "web_hook", Address: address, Token: token}
	var response wireChannelResponse
	if err := c.do(ctx, http.MethodPost, endpoint, request, &response, nil); err != nil {
		return Channel{}, err
	}
	channel := Channel{ID: response.ID, ResourceID: response.ResourceID}
	if response.Expiration != "" {
		millis, err := strconv.ParseInt(response.Expiration, 10, 64)
		if err != nil {
			return Channel{}, fmt.Errorf("calendar: channel expiration %q: %w", response.Expiration, err)
		}
		channel.Expiration = time.UnixMilli(millis).UTC()
	}
	return channel, nil
}

// StopChannel tears down a push channel. A 404 maps to ErrChannelNotFound.
func (c *Client) StopChannel(ctx context.Context, channelID, resourceID string) error {
	endpoint := c.baseURL + "/channels/stop"
	request := map[string]string{"id": channelID, "resourceId": resourceID}
	return c.do(ctx, http.MethodPost, endpoint, request, nil, map[int]error{
		http.StatusNotFound: ErrChannelNotFound,
	})
}

func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}, out interface{}, statusErrors map[int]error) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("calendar: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("calendar: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("calendar: request failed: %w", err)
	}
	defer response.Body.Close() //nolint:errcheck

	if mapped, ok := statusErrors[response.StatusCode]; ok {
		return mapped
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 2048))
		return fmt.Errorf("calendar: provider returned %d: %s", response.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("calendar: decode response: %w", err)
	}
	return nil
}

func mutationToWire(mutation EventMutation) wireEvent {
	return wireEvent{
		Summary:     mutation.Summary,
		Description: mutation.Description,
		Location:    mutation.Location,
		Start:       wireTime{DateTime: mutation.Start.UTC().Format(time.RFC3339)},
		End:         wireTime{DateTime: mutation.End.UTC().Format(time.RFC3339)},
	}
}

// normalizeEvent collapses the provider's all-day and timed forms into one
// start/end pair. Cancelled events may arrive without times; they keep zero
// values and only flip the mirror status.
func normalizeEvent(item wireEvent) (Event, error) {
	event := Event{
		ID:          item.ID,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Cancelled:   item.Status == StatusCancelled,
	}
	if item.Updated != "" {
		updated, err := time.Parse(time.RFC3339, item.Updated)
		if err != nil {
			return Event{}, fmt.Errorf("calendar: event %s updated %q: %w", item.ID, item.Updated, err)
		}
		event.UpdatedAt = updated.UTC()
	}

	start, allDay, err := parseWireTime(item.Start)
	if err != nil {
		return Event{}, fmt.Errorf("calendar: event %s start: %w", item.ID, err)
	}
	end, _, err := parseWireTime(item.End)
	if err != nil {
		return Event{}, fmt.Errorf("calendar: event %s end: %w", item.ID, err)
	}
	event.Start = start
	event.End = end
	event.AllDay = allDay
	return event, nil
}

func parseWireTime(value wireTime) (time.Time, bool, error) {
	switch {
	case value.DateTime != "":
		parsed, err := time.Parse(time.RFC3339, value.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed.UTC(), false, nil
	case value.Date != "":
		parsed, err := time.Parse(allDayLayout, value.Date)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed.UTC(), true, nil
	default:
		return time.Time{}, false, nil
	}
}
