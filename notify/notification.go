// Package notify models user-visible notifications and the windows
// that clicking them may open.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNoTitle = errors.New("notification has no title")

// Action is a button rendered on a notification.
type Action struct {
	ID    string `json:"action" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Icon  string `json:"icon,omitempty" yaml:"icon"`
}

// Descriptor describes a notification to display.
// Notifications with the same Tag replace each other.
type Descriptor struct {
	ID      uuid.UUID `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Icon    string    `json:"icon,omitempty"`
	Badge   string    `json:"badge,omitempty"`
	Dir     string    `json:"dir,omitempty"`
	Lang    string    `json:"lang,omitempty"`
	Tag     string    `json:"tag,omitempty"`
	Actions []Action  `json:"actions,omitempty"`
	ShownAt time.Time `json:"shownAt"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, d Descriptor) error
	Close(ctx context.Context, tag string) error
}

// Clients manages the windows controlled by the worker.
type Clients interface {
	// OpenWindow focuses a window showing url, or opens one if there is none.
	OpenWindow(ctx context.Context, url string) error
}

type NavigationKind string

const (
	NavigationOpen  NavigationKind = "open"
	NavigationFocus NavigationKind = "focus"
)

// Navigation records a single OpenWindow call.
type Navigation struct {
	URL  string         `json:"url"`
	Kind NavigationKind `json:"kind"`
	At   time.Time      `json:"at"`
}

// Center is an in-memory Notifier and Clients.
// It keeps the visible notifications and records window navigations,
// which pages can poll.
type Center struct {
	mu            sync.Mutex
	notifications map[string]Descriptor
	windows       map[string]struct{}
	navigations   []Navigation
	log           zerolog.Logger
}

var (
	_ Notifier = (*Center)(nil)
	_ Clients  = (*Center)(nil)
)

func NewCenter(logger zerolog.Logger) *Center {
	return &Center{
		notifications: make(map[string]Descriptor),
		windows:       make(map[string]struct{}),
		log:           logger,
	}
}

func (c *Center) Show(ctx context.Context, d Descriptor) error {
	if d.Title == "" {
		return ErrNoTitle
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.ShownAt.IsZero() {
		d.ShownAt = time.Now()
	}
	// untagged notifications stack, so they get a key of their own
	key := d.Tag
	if key == "" {
		key = d.ID.String()
	}
	c.mu.Lock()
	_, replaced := c.notifications[key]
	c.notifications[key] = d
	c.mu.Unlock()
	c.log.Debug().
		Str("id", d.ID.String()).
		Str("tag", d.Tag).
		Bool("replaced", replaced).
		Msg("Showing notification")
	return nil
}

func (c *Center) Close(ctx context.Context, tag string) error {
	c.mu.Lock()
	delete(c.notifications, tag)
	c.mu.Unlock()
	c.log.Trace().Str("tag", tag).Msg("Closed notification")
	return nil
}

// Visible returns the notifications currently shown, oldest first.
func (c *Center) Visible() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	visible := make([]Descriptor, 0, len(c.notifications))
	for _, d := range c.notifications {
		visible = append(visible, d)
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].ShownAt.Before(visible[j].ShownAt) })
	return visible
}

func (c *Center) OpenWindow(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	kind := NavigationFocus
	if _, ok := c.windows[url]; !ok {
		kind = NavigationOpen
		c.windows[url] = struct{}{}
	}
	c.navigations = append(c.navigations, Navigation{URL: url, Kind: kind, At: time.Now()})
	c.mu.Unlock()
	c.log.Debug().Str("url", url).Str("kind", string(kind)).Msg("Window navigation")
	return nil
}

// Navigations returns all recorded window navigations.
func (c *Center) Navigations() []Navigation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Navigation(nil), c.navigations...)
}

// LogNotifier only logs notifications.
type LogNotifier struct {
	Log zerolog.Logger
}

func (l LogNotifier) Show(ctx context.Context, d Descriptor) error {
	if d.Title == "" {
		return ErrNoTitle
	}
	l.Log.Info().Str("tag", d.Tag).Str("title", d.Title).Str("body", d.Body).Msg("Notification")
	return nil
}

func (l LogNotifier) Close(ctx context.Context, tag string) error {
	l.Log.Info().Str("tag", tag).Msg("Notification closed")
	return nil
}
