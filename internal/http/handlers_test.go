package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sofia-ms/wa-gateway/internal/db"
	httpapi "github.com/sofia-ms/wa-gateway/internal/http"
	"github.com/sofia-ms/wa-gateway/internal/provider"
)

// stubGateway is deterministic: every send succeeds with a predictable id
// and every number is reachable except those in unreachable.
type stubGateway struct {
	mu          sync.Mutex
	seq         int
	unreachable map[string]bool
	sent        []string
}

func (g *stubGateway) SendText(_ context.Context, to, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.sent = append(g.sent, to)
	return fmt.Sprintf("stub_%d", g.seq), nil
}

func (g *stubGateway) SendMedia(ctx context.Context, to, _, caption string) (string, error) {
	return g.SendText(ctx, to, caption)
}

func (g *stubGateway) CheckReachability(_ context.Context, numbers []string) ([]provider.Reachability, error) {
	out := make([]provider.Reachability, len(numbers))
	for i, n := range numbers {
		out[i] = provider.Reachability{Number: n, Reachable: !g.unreachable[n]}
	}
	return out, nil
}

func startAPI(t *testing.T) (*httpapi.Server, *stubGateway) {
	pool := db.StartTestPostgres(t)
	gw := &stubGateway{}
	srv := httpapi.NewServer(pool, gw)
	srv.DefaultMaxAttempts = 5
	srv.Campaigns.SettleDelay = 50 * time.Millisecond
	srv.Campaigns.CheckPause = time.Millisecond
	return srv, gw
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Buffer
	if body != "" {
		rd = bytes.NewBufferString(body)
	} else {
		rd = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestMessageLifecycleViaWebhook(t *testing.T) {
	srv, _ := startAPI(t)
	h := srv.Router()

	// register an outbound message
	w, _ := doJSON(t, h, "POST", "/messages", `{"id":"wamid.1","remoteJid":"5511987654321","body":"oi"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// duplicate registration answers 200, not 201
	w, _ = doJSON(t, h, "POST", "/messages", `{"id":"wamid.1","remoteJid":"5511987654321","body":"oi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// delivery callback
	w, _ = doJSON(t, h, "POST", "/webhook", `{"event":"messages.update","data":{"keyId":"wamid.1","status":"DELIVERY_ACK"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, msg := doJSON(t, h, "GET", "/messages/wamid.1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "delivered", msg["status"])
	require.NotEmpty(t, msg["deliveredAt"])

	// read callback advances, a late delivered must not regress it
	w, _ = doJSON(t, h, "POST", "/webhook", `{"event":"messages.update","data":{"keyId":"wamid.1","status":"READ"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = doJSON(t, h, "POST", "/webhook", `{"event":"messages.update","data":{"keyId":"wamid.1","status":"delivered"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	_, msg = doJSON(t, h, "GET", "/messages/wamid.1", "")
	require.Equal(t, "read", msg["status"])
}

func TestWebhookReadBeforeDeliveredBackfills(t *testing.T) {
	srv, _ := startAPI(t)
	h := srv.Router()

	doJSON(t, h, "POST", "/messages", `{"id":"wamid.2","remoteJid":"5511987654321","body":"oi"}`)
	w, _ := doJSON(t, h, "POST", "/webhook", `{"event":"messages.update","data":{"keyId":"wamid.2","status":"read"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	_, msg := doJSON(t, h, "GET", "/messages/wamid.2", "")
	require.Equal(t, "read", msg["status"])
	require.NotEmpty(t, msg["deliveredAt"])
	require.NotEmpty(t, msg["readAt"])
}

func TestWebhookIgnoresUnrelatedEvents(t *testing.T) {
	srv, _ := startAPI(t)
	h := srv.Router()

	w, out := doJSON(t, h, "POST", "/webhook", `{"event":"connection.update","data":{}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, out["ignored"])

	w, _ = doJSON(t, h, "POST", "/webhook", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateContacts(t *testing.T) {
	srv, _ := startAPI(t)
	h := srv.Router()

	body, _ := json.Marshal(map[string]string{"text": "Maria 11987654321\n55 11 98765-4321\nPedro 1133334444\nabc\n11887654321"})

	req := httptest.NewRequest("POST", "/contacts/validate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Valid   int `json:"valid"`
		Invalid int `json:"invalid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	// 11987654321 dedupes with its formatted variant; 11887654321 lacks
	// the mobile 9 marker
	require.Equal(t, 2, out.Valid)
	require.Equal(t, 1, out.Invalid)

	w, contacts := doJSON(t, h, "GET", "/contacts", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, contacts["items"], 3)
}

func TestCheckContacts(t *testing.T) {
	srv, gw := startAPI(t)
	gw.unreachable = map[string]bool{"5511887654321": true}
	h := srv.Router()

	w, out := doJSON(t, h, "POST", "/contacts/check", `{"numbers":["11987654321","abc"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, out["results"], 1)

	w, _ = doJSON(t, h, "POST", "/contacts/check", `{"numbers":["abc"]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobCreateAndCancel(t *testing.T) {
	srv, _ := startAPI(t)
	h := srv.Router()

	w, job := doJSON(t, h, "POST", "/jobs",
		`{"recipient":"11987654321","template":"oi","runAt":"2030-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	id := job["id"].(string)
	require.Equal(t, "scheduled", job["status"])
	require.Equal(t, "5511987654321", job["recipient"])
	// no maxAttempts in the request, so the server default applies
	require.EqualValues(t, 5, job["maxAttempts"])

	w, job2 := doJSON(t, h, "POST", "/jobs",
		`{"recipient":"11987650009","template":"oi","maxAttempts":2}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.EqualValues(t, 2, job2["maxAttempts"])

	w, out := doJSON(t, h, "POST", "/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "cancelled", out["status"])

	w, job = doJSON(t, h, "GET", "/jobs/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "cancelled", job["status"])

	w, _ = doJSON(t, h, "POST", "/jobs", `{"recipient":"123","template":"oi"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = doJSON(t, h, "GET", "/jobs/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCampaignRunToCompletion(t *testing.T) {
	srv, gw := startAPI(t)
	h := srv.Router()

	w, out := doJSON(t, h, "POST", "/campaigns",
		`{"name":"promo","template":"oferta","numbers":["11987650001","11987650002","123"]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := out["id"].(string)

	// wait for the background run to settle
	require.Eventually(t, func() bool {
		_, camp := doJSON(t, h, "GET", "/campaigns/"+id, "")
		return camp["status"] == "done"
	}, 10*time.Second, 50*time.Millisecond)

	_, camp := doJSON(t, h, "GET", "/campaigns/"+id, "")
	require.EqualValues(t, 3, camp["recipients"])
	require.EqualValues(t, 2, camp["succeeded"])
	require.EqualValues(t, 1, camp["failed"]) // the invalid number

	require.Len(t, gw.sent, 2)

	// progress falls back to stored counters once the run is gone
	w, prog := doJSON(t, h, "GET", "/campaigns/"+id+"/progress", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 3, prog["total"])

	// sends were registered against the campaign
	_, msgs := doJSON(t, h, "GET", "/messages", "")
	require.Len(t, msgs["items"], 2)
}
