package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errMissingWebhookURL = errors.New("calendar: webhook url required to register a watch channel")

// RegisterWatch subscribes the provider to push change notifications at the
// configured webhook address. Any previously persisted channel is stopped
// first; a channel the provider no longer knows counts as stopped. The new
// channel's identifiers are persisted so any instance can renew it later.
//
// Persisted channel keys are last-writer-wins with no mutual exclusion:
// renewal runs from a single daily cron entry, so a collision would need
// two instances renewing in the same moment. Accepted limitation.
func (e *Engine) RegisterWatch(ctx context.Context) (Channel, error) {
	if e.webhookURL == "" {
		return Channel{}, errMissingWebhookURL
	}
	if e.idProvider == nil {
		return Channel{}, errors.New("calendar: id provider required to register a watch channel")
	}

	if err := e.stopExistingChannel(ctx); err != nil {
		return Channel{}, err
	}

	channelID, err := e.idProvider.NewID()
	if err != nil {
		return Channel{}, fmt.Errorf("calendar: channel id generation: %w", err)
	}

	channel, err := e.provider.WatchEvents(ctx, channelID, e.webhookURL, e.secret)
	if err != nil {
		return Channel{}, fmt.Errorf("calendar: watch registration: %w", err)
	}

	if err := e.state.Set(ctx, StateKeyChannelID, channel.ID); err != nil {
		return Channel{}, err
	}
	if err := e.state.Set(ctx, StateKeyChannelResourceID, channel.ResourceID); err != nil {
		return Channel{}, err
	}
	expiration := ""
	if !channel.Expiration.IsZero() {
		expiration = channel.Expiration.UTC().Format(time.RFC3339)
	}
	if err := e.state.Set(ctx, StateKeyChannelExpiration, expiration); err != nil {
		return Channel{}, err
	}

	return channel, nil
}

func (e *Engine) stopExistingChannel(ctx context.Context) error {
	channelID, err := e.state.Get(ctx, StateKeyChannelID)
	if err != nil {
		return err
	}
	resourceID, err := e.state.Get(ctx, StateKeyChannelResourceID)
	if err != nil {
		return err
	}
	if channelID == "" || resourceID == "" {
		return nil
	}
	if err := e.provider.StopChannel(ctx, channelID, resourceID); err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			return nil
		}
		return fmt.Errorf("calendar: stop channel %s: %w", channelID, err)
	}
	return nil
}
