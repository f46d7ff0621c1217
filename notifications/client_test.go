package notifications_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatlinkhq/chatlink-go/internal/collabtest"
	"github.com/chatlinkhq/chatlink-go/notifications"
	apierrors "github.com/chatlinkhq/chatlink-go/pkg/errors"
)

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := notifications.NewClient("ftp://example.com")
	require.Error(t, err)

	_, err = notifications.NewClient("://nope")
	require.Error(t, err)
}

func TestClientListNewestFirst(t *testing.T) {
	server := collabtest.New(t)
	client, err := notifications.NewClient(server.URL())
	require.NoError(t, err)

	first := server.Add(notifications.Notification{UserID: "u1", Type: "chat.message", Title: "first"})
	second := server.Add(notifications.Notification{UserID: "u1", Type: "chat.message", Title: "second"})
	server.Add(notifications.Notification{UserID: "other", Type: "chat.message", Title: "not yours"})

	ctx := context.Background()
	items, err := client.List(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, second.ID, items[0].ID)
	require.Equal(t, first.ID, items[1].ID)
	require.True(t, items[0].CreatedAt.After(items[1].CreatedAt))
}

func TestClientListRequiresUserID(t *testing.T) {
	server := collabtest.New(t)
	client, err := notifications.NewClient(server.URL())
	require.NoError(t, err)

	_, err = client.List(context.Background(), "  ", 10)
	require.Error(t, err)
}

func TestClientUnreadCountAndMarkRead(t *testing.T) {
	server := collabtest.New(t)
	client, err := notifications.NewClient(server.URL())
	require.NoError(t, err)

	ctx := context.Background()
	a := server.Add(notifications.Notification{UserID: "u1", Type: "t", Title: "a"})
	server.Add(notifications.Notification{UserID: "u1", Type: "t", Title: "b"})

	count, err := client.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	updated, err := client.MarkRead(ctx, []string{a.ID})
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	// Marking an already-read notification is a no-op success.
	updated, err = client.MarkRead(ctx, []string{a.ID})
	require.NoError(t, err)
	require.Equal(t, 0, updated)

	// An empty batch never touches the network.
	updated, err = client.MarkRead(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, updated)

	updated, err = client.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	count, err = client.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestClientCreateAndDelete(t *testing.T) {
	server := collabtest.New(t)
	client, err := notifications.NewClient(server.URL())
	require.NoError(t, err)

	ctx := context.Background()
	created, err := client.Create(ctx, notifications.CreateNotificationInput{
		UserID:  "u1",
		Type:    "billing.invoice",
		Title:   "Invoice ready",
		Message: "Your March invoice is ready",
		Link:    "/billing/invoices/42",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.CreatedAt.IsZero())

	require.NoError(t, client.Delete(ctx, created.ID))

	err = client.Delete(ctx, created.ID)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	_, err = client.Create(ctx, notifications.CreateNotificationInput{UserID: "u1"})
	require.Error(t, err, "type is required")
}

func TestClientPushStatus(t *testing.T) {
	server := collabtest.New(t)
	client, err := notifications.NewClient(server.URL())
	require.NoError(t, err)

	ctx := context.Background()
	available, err := client.PushStatus(ctx)
	require.NoError(t, err)
	require.True(t, available)

	server.SetPushAvailable(false)
	available, err = client.PushStatus(ctx)
	require.NoError(t, err)
	require.False(t, available)
}

func TestClientSurfacesTransportFailure(t *testing.T) {
	client, err := notifications.NewClient("http://127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.List(ctx, "u1", 5)
	require.ErrorIs(t, err, apierrors.ErrUnavailable)
}
