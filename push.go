package offlinecache

import (
	"context"
	"fmt"
	"time"

	"github.com/always-cache/offline-cache/notify"

	"github.com/google/uuid"
)

// Notification action identifiers.
const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// DefaultPushBody is shown when a push message carries no payload.
const DefaultPushBody = "Push message no payload"

// NotificationConfig holds the fixed parts of push notifications.
type NotificationConfig struct {
	Title       string          `yaml:"title"`
	DefaultBody string          `yaml:"defaultBody"`
	Icon        string          `yaml:"icon"`
	Badge       string          `yaml:"badge"`
	Dir         string          `yaml:"dir"`
	Lang        string          `yaml:"lang"`
	Tag         string          `yaml:"tag"`
	Actions     []notify.Action `yaml:"actions"`
	// Window opened by the open action.
	OpenURL string `yaml:"openUrl"`
}

func (c NotificationConfig) withDefaults(appName string) NotificationConfig {
	if c.Title == "" {
		c.Title = appName
	}
	if c.DefaultBody == "" {
		c.DefaultBody = DefaultPushBody
	}
	if c.Icon == "" {
		c.Icon = "/icons/icon-192x192.png"
	}
	if c.Badge == "" {
		c.Badge = "/icons/icon-192x192.png"
	}
	if c.Dir == "" {
		c.Dir = "ltr"
	}
	if c.Lang == "" {
		c.Lang = "en-US"
	}
	if c.Tag == "" {
		c.Tag = appName + "-push"
	}
	if c.Actions == nil {
		c.Actions = []notify.Action{
			{ID: ActionOpen, Title: "Open app", Icon: "/icons/icon-192x192.png"},
			{ID: ActionClose, Title: "Close", Icon: "/icons/icon-192x192.png"},
		}
	}
	if c.OpenURL == "" {
		c.OpenURL = "/"
	}
	return c
}

// PushEvent is a push message delivered to the worker.
type PushEvent struct {
	// Plain text payload, may be empty.
	Data []byte
}

// ClickEvent is a click on a notification or one of its actions.
type ClickEvent struct {
	Tag string
	// Action identifier, empty if the notification body was clicked.
	Action string
}

// Descriptor builds the notification for a push message.
func (c NotificationConfig) Descriptor(event PushEvent) notify.Descriptor {
	body := c.DefaultBody
	if len(event.Data) > 0 {
		body = string(event.Data)
	}
	return notify.Descriptor{
		ID:      uuid.New(),
		Title:   c.Title,
		Body:    body,
		Icon:    c.Icon,
		Badge:   c.Badge,
		Dir:     c.Dir,
		Lang:    c.Lang,
		Tag:     c.Tag,
		Actions: append([]notify.Action(nil), c.Actions...),
		ShownAt: time.Now(),
	}
}

// Push shows a notification for the push message.
// Notifications share a tag, so a new push replaces the visible one.
func (w *Worker) Push(ctx context.Context, event PushEvent) error {
	d := w.notification.Descriptor(event)
	if err := w.notifier.Show(ctx, d); err != nil {
		w.metrics.recordNotification(notificationFailed)
		w.log.Error().Err(err).Str("tag", d.Tag).Msg("Could not show notification")
		return fmt.Errorf("showing notification: %w", err)
	}
	w.metrics.recordNotification(notificationShown)
	w.log.Debug().Str("tag", d.Tag).Int("payload", len(event.Data)).Msg("Push notification shown")
	return nil
}

// NotificationClick closes the clicked notification.
// The open action additionally opens (or focuses) a window at the root path.
func (w *Worker) NotificationClick(ctx context.Context, event ClickEvent) error {
	if err := w.notifier.Close(ctx, event.Tag); err != nil {
		return fmt.Errorf("closing notification: %w", err)
	}
	w.metrics.recordNotification(notificationClicked)
	w.log.Debug().Str("tag", event.Tag).Str("action", event.Action).Msg("Notification clicked")
	if event.Action != ActionOpen {
		return nil
	}
	if err := w.clients.OpenWindow(ctx, w.notification.OpenURL); err != nil {
		return fmt.Errorf("opening window: %w", err)
	}
	return nil
}
