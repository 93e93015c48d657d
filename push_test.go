package offlinecache

import (
	"context"
	"errors"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newPushWorker(t *testing.T, notifier notify.Notifier, clients notify.Clients) *Worker {
	t.Helper()
	logger := zerolog.Nop()
	w, err := CreateWorker(Middleware(Config{
		Storage:  cache.NewMemStorage(),
		AppName:  "masomo",
		Version:  "1",
		Notifier: notifier,
		Clients:  clients,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		Logger:   &logger,
	}, newSite()))
	require.NoError(t, err)
	return w
}

func TestDescriptorDefaults(t *testing.T) {
	config := NotificationConfig{}.withDefaults("masomo")

	d := config.Descriptor(PushEvent{})
	require.Equal(t, "masomo", d.Title)
	require.Equal(t, DefaultPushBody, d.Body)
	require.Equal(t, "/icons/icon-192x192.png", d.Icon)
	require.Equal(t, "ltr", d.Dir)
	require.Equal(t, "masomo-push", d.Tag)
	require.Len(t, d.Actions, 2)
	require.Equal(t, ActionOpen, d.Actions[0].ID)
	require.Equal(t, ActionClose, d.Actions[1].ID)

	d = config.Descriptor(PushEvent{Data: []byte("X")})
	require.Equal(t, "X", d.Body)
}

func TestDescriptorUsesConfiguredFields(t *testing.T) {
	config := NotificationConfig{
		Title:       "Masomo",
		DefaultBody: "Something new",
		Lang:        "sw-KE",
		Actions:     []notify.Action{{ID: ActionOpen, Title: "Fungua"}},
	}.withDefaults("masomo")

	d := config.Descriptor(PushEvent{})
	require.Equal(t, "Masomo", d.Title)
	require.Equal(t, "Something new", d.Body)
	require.Equal(t, "sw-KE", d.Lang)
	require.Equal(t, []notify.Action{{ID: ActionOpen, Title: "Fungua"}}, d.Actions)
}

func TestPushReplacesVisibleNotification(t *testing.T) {
	center := notify.NewCenter(zerolog.Nop())
	w := newPushWorker(t, center, center)

	require.NoError(t, w.Push(context.Background(), PushEvent{}))
	visible := center.Visible()
	require.Len(t, visible, 1)
	require.Equal(t, DefaultPushBody, visible[0].Body)

	require.NoError(t, w.Push(context.Background(), PushEvent{Data: []byte("New lesson available")}))
	visible = center.Visible()
	require.Len(t, visible, 1)
	require.Equal(t, "New lesson available", visible[0].Body)
	require.Equal(t, float64(2), testutil.ToFloat64(w.metrics.notifications.WithLabelValues("shown")))
}

func TestClickOpenAction(t *testing.T) {
	center := notify.NewCenter(zerolog.Nop())
	w := newPushWorker(t, center, center)
	require.NoError(t, w.Push(context.Background(), PushEvent{Data: []byte("X")}))

	require.NoError(t, w.NotificationClick(context.Background(), ClickEvent{Tag: "masomo-push", Action: ActionOpen}))

	require.Empty(t, center.Visible())
	navigations := center.Navigations()
	require.Len(t, navigations, 1)
	require.Equal(t, "/", navigations[0].URL)
	require.Equal(t, notify.NavigationOpen, navigations[0].Kind)

	// a second open focuses the existing window
	require.NoError(t, w.Push(context.Background(), PushEvent{}))
	require.NoError(t, w.NotificationClick(context.Background(), ClickEvent{Tag: "masomo-push", Action: ActionOpen}))
	navigations = center.Navigations()
	require.Len(t, navigations, 2)
	require.Equal(t, notify.NavigationFocus, navigations[1].Kind)
}

func TestClickWithoutOpenAction(t *testing.T) {
	for _, action := range []string{ActionClose, "", "archive"} {
		t.Run(action, func(t *testing.T) {
			center := notify.NewCenter(zerolog.Nop())
			w := newPushWorker(t, center, center)
			require.NoError(t, w.Push(context.Background(), PushEvent{}))

			require.NoError(t, w.NotificationClick(context.Background(), ClickEvent{Tag: "masomo-push", Action: action}))

			require.Empty(t, center.Visible())
			require.Empty(t, center.Navigations())
		})
	}
}

type failingNotifier struct {
	notify.Notifier
}

var errNoPermission = errors.New("notification permission denied")

func (failingNotifier) Show(ctx context.Context, d notify.Descriptor) error {
	return errNoPermission
}

func TestPushDisplayFailure(t *testing.T) {
	center := notify.NewCenter(zerolog.Nop())
	w := newPushWorker(t, failingNotifier{center}, center)

	err := w.Push(context.Background(), PushEvent{Data: []byte("X")})
	require.ErrorIs(t, err, errNoPermission)
	require.Empty(t, center.Visible())
	require.Equal(t, float64(1), testutil.ToFloat64(w.metrics.notifications.WithLabelValues("failed")))
}

func TestPushWithoutTitleFails(t *testing.T) {
	center := notify.NewCenter(zerolog.Nop())
	err := center.Show(context.Background(), notify.Descriptor{Body: "X"})
	require.ErrorIs(t, err, notify.ErrNoTitle)
}

func TestWorkerDefaultsToCenter(t *testing.T) {
	w := newPushWorker(t, nil, nil)
	center, ok := w.notifier.(*notify.Center)
	require.True(t, ok)
	require.Same(t, center, w.clients)

	require.NoError(t, w.Push(context.Background(), PushEvent{}))
	require.NoError(t, w.NotificationClick(context.Background(), ClickEvent{Tag: "masomo-push", Action: ActionOpen}))
	require.Len(t, center.Navigations(), 1)
}
