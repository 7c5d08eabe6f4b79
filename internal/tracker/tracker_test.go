package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sofia-ms/wa-gateway/internal/core"
)

type call struct {
	method string
	id     string
	reason string
}

type fakeStore struct {
	calls []call
	fail  error
}

func (f *fakeStore) MarkSentAck(_ context.Context, id string, _ time.Time) error {
	f.calls = append(f.calls, call{"sent", id, ""})
	return f.fail
}
func (f *fakeStore) MarkDelivered(_ context.Context, id string, _ time.Time) error {
	f.calls = append(f.calls, call{"delivered", id, ""})
	return f.fail
}
func (f *fakeStore) MarkRead(_ context.Context, id string, _ time.Time) error {
	f.calls = append(f.calls, call{"read", id, ""})
	return f.fail
}
func (f *fakeStore) MarkMessageError(_ context.Context, id, reason string) error {
	f.calls = append(f.calls, call{"error", id, reason})
	return f.fail
}

func TestIngestRoutesByKind(t *testing.T) {
	fs := &fakeStore{}
	tr := New(fs)
	ctx := context.Background()

	for _, ev := range []Event{
		{MessageID: "m1", Kind: KindSent},
		{MessageID: "m1", Kind: KindDelivered},
		{MessageID: "m1", Kind: KindRead},
		{MessageID: "m2", Kind: KindError, Reason: "blocked"},
	} {
		require.NoError(t, tr.Ingest(ctx, "webhook", ev))
	}

	require.Equal(t, []call{
		{"sent", "m1", ""},
		{"delivered", "m1", ""},
		{"read", "m1", ""},
		{"error", "m2", "blocked"},
	}, fs.calls)
}

func TestIngestUnknownKind(t *testing.T) {
	tr := New(&fakeStore{})
	err := tr.Ingest(context.Background(), "webhook", Event{MessageID: "m1", Kind: "bogus"})
	require.Error(t, err)
}

func TestIngestStoreFailureSurfaces(t *testing.T) {
	fs := &fakeStore{fail: errors.New("db down")}
	tr := New(fs)
	err := tr.Ingest(context.Background(), "poll", Event{MessageID: "m1", Kind: KindDelivered})
	require.ErrorContains(t, err, "db down")
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{"event":"messages.update","data":{"keyId":"wamid.123","status":"DELIVERY_ACK"}}`)
	ev, ok, err := ParseWebhook(body)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "wamid.123", ev.MessageID)
	require.Equal(t, KindDelivered, ev.Kind)
	require.False(t, ev.At.IsZero())
}

func TestParseWebhookStatusVocabulary(t *testing.T) {
	cases := map[string]Kind{
		"sent":         KindSent,
		"SERVER_ACK":   KindSent,
		"delivered":    KindDelivered,
		"DELIVERY_ACK": KindDelivered,
		"read":         KindRead,
		"READ":         KindRead,
		"PLAYED":       KindRead,
		"failed":       KindError,
	}
	for status, want := range cases {
		body := []byte(`{"event":"messages.update","data":{"keyId":"k1","status":"` + status + `"}}`)
		ev, ok, err := ParseWebhook(body)
		require.NoError(t, err, status)
		require.True(t, ok, status)
		require.Equal(t, want, ev.Kind, status)
	}
}

func TestParseWebhookIgnoresOtherEvents(t *testing.T) {
	_, ok, err := ParseWebhook([]byte(`{"event":"connection.update","data":{}}`))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseWebhookRejectsBadPayloads(t *testing.T) {
	_, _, err := ParseWebhook([]byte(`{"event":"messages.update","data":{"status":"read"}}`))
	require.ErrorContains(t, err, "keyId")

	_, _, err = ParseWebhook([]byte(`{"event":"messages.update","data":{"keyId":"k","status":"warp"}}`))
	require.ErrorContains(t, err, "unknown status")

	_, _, err = ParseWebhook([]byte(`not json`))
	require.Error(t, err)
}

type fakeLister struct{ msgs []core.Message }

func (f *fakeLister) ListMessages(context.Context) ([]core.Message, error) { return f.msgs, nil }

type fakeSource struct{ statuses map[string]Kind }

func (f *fakeSource) MessageStatus(_ context.Context, id string) (Kind, error) {
	k, ok := f.statuses[id]
	if !ok {
		return "", errors.New("not found")
	}
	return k, nil
}

func TestPollerSweepSkipsTerminal(t *testing.T) {
	fs := &fakeStore{}
	p := &Poller{
		Tracker: New(fs),
		Store: &fakeLister{msgs: []core.Message{
			{ID: "open", Status: core.MessageSent},
			{ID: "done", Status: core.MessageRead},
			{ID: "dead", Status: core.MessageError},
		}},
		Source: &fakeSource{statuses: map[string]Kind{
			"open": KindDelivered,
			"done": KindRead,
			"dead": KindError,
		}},
	}

	require.NoError(t, p.sweep(context.Background()))
	require.Equal(t, []call{{"delivered", "open", ""}}, fs.calls)
}
