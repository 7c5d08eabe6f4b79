package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sofia-ms/wa-gateway/internal/campaign"
	"github.com/sofia-ms/wa-gateway/internal/core"
	"github.com/sofia-ms/wa-gateway/internal/phone"
	"github.com/sofia-ms/wa-gateway/internal/provider"
	"github.com/sofia-ms/wa-gateway/internal/tracker"
)

type Server struct {
	Store     *core.Store
	Gateway   provider.Gateway
	Tracker   *tracker.Tracker
	Campaigns *campaign.Runner

	// DefaultMaxAttempts is the retry ceiling for jobs created without an
	// explicit one. Zero falls back to the store default.
	DefaultMaxAttempts int

	mu   sync.Mutex
	runs map[string]context.CancelFunc // active campaign runs
}

func NewServer(db *pgxpool.Pool, gw provider.Gateway) *Server {
	store := &core.Store{DB: db}
	return &Server{
		Store:     store,
		Gateway:   gw,
		Tracker:   tracker.New(store),
		Campaigns: campaign.NewRunner(store, gw),
		runs:      map[string]context.CancelFunc{},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	r.Post("/webhook", s.postWebhook)

	r.Post("/messages", s.postMessage)
	r.Get("/messages", s.listMessages)
	r.Get("/messages/{id}", s.getMessage)

	r.Post("/contacts/validate", s.validateContacts)
	r.Post("/contacts/check", s.checkContacts)
	r.Get("/contacts", s.listContacts)

	r.Post("/campaigns", s.postCampaign)
	r.Get("/campaigns/{id}", s.getCampaign)
	r.Get("/campaigns/{id}/progress", s.campaignProgress)
	r.Post("/campaigns/{id}/cancel", s.cancelCampaign)

	r.Post("/jobs", s.postJob)
	r.Get("/jobs", s.listJobs)
	r.Get("/jobs/{id}", s.getJob)
	r.Post("/jobs/{id}/cancel", s.cancelJob)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// postWebhook ingests provider status callbacks. Unknown event types ack
// with 200 so the provider stops redelivering them; store failures answer
// 500 so it retries.
func (s *Server) postWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": "unreadable_body"})
		return
	}
	ev, ok, err := tracker.ParseWebhook(body)
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, 200, map[string]bool{"ignored": true})
		return
	}
	if err := s.Tracker.Ingest(r.Context(), "webhook", ev); err != nil {
		writeJSON(w, 500, map[string]string{"error": "ingest_failed"})
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID         string  `json:"id"`
		RemoteJid  string  `json:"remoteJid"`
		Body       string  `json:"body"`
		CampaignID *string `json:"campaignId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ID == "" || in.RemoteJid == "" {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}
	already, err := s.Store.RegisterMessage(r.Context(), in.ID, in.RemoteJid, in.Body, in.CampaignID)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusCreated
	if already {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"id": in.ID})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListMessages(r.Context())
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := s.Store.GetMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, 404, map[string]string{"error": "message_not_found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, msg)
}

// validateContacts parses a pasted text blob into contacts and persists
// them, deduplicated against what is already stored.
func (s *Server) validateContacts(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Text == "" {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}

	existing, err := s.Store.ListContacts(r.Context())
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	known := make([]phone.Contact, 0, len(existing))
	for _, c := range existing {
		known = append(known, phone.Contact{Phone: c.Phone})
	}

	parsed := phone.ParseList(in.Text, known)
	valid := 0
	for _, c := range parsed {
		if c.Valid {
			valid++
		}
		cc := core.Contact{Phone: c.Phone, Valid: c.Valid}
		if c.Name != "" {
			name := c.Name
			cc.Name = &name
		}
		if err := s.Store.SaveContact(r.Context(), cc); err != nil {
			writeJSON(w, 500, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, 200, map[string]any{"contacts": parsed, "valid": valid, "invalid": len(parsed) - valid})
}

// checkContacts asks the provider which numbers exist on the network and
// persists the answers.
func (s *Server) checkContacts(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Numbers []string `json:"numbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.Numbers) == 0 {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}

	numbers := make([]string, 0, len(in.Numbers))
	for _, n := range in.Numbers {
		if phone.Valid(n) {
			numbers = append(numbers, phone.Canonical(n))
		}
	}
	if len(numbers) == 0 {
		writeJSON(w, 400, map[string]string{"error": "no_valid_numbers"})
		return
	}

	results, err := s.Gateway.CheckReachability(r.Context(), numbers)
	if err != nil {
		if errors.Is(err, provider.ErrUnsupported) {
			writeJSON(w, 501, map[string]string{"error": "reachability_not_supported"})
			return
		}
		writeJSON(w, 502, map[string]string{"error": err.Error()})
		return
	}
	for _, res := range results {
		if err := s.Store.SetReachability(r.Context(), res.Number, res.Reachable); err != nil {
			log.Printf("http: save reachability %s: %v", res.Number, err)
		}
	}
	writeJSON(w, 200, map[string]any{"results": results})
}

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListContacts(r.Context())
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

// postCampaign creates the campaign row and launches the run in the
// background. The caller polls /campaigns/{id}/progress.
func (s *Server) postCampaign(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name     string   `json:"name"`
		Template string   `json:"template"`
		Numbers  []string `json:"numbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Template == "" || len(in.Numbers) == 0 {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}

	contacts := make([]phone.Contact, 0, len(in.Numbers))
	for _, n := range in.Numbers {
		contacts = append(contacts, phone.Contact{Phone: n, Valid: phone.Valid(n)})
	}

	camp, err := s.Store.CreateCampaign(r.Context(), in.Name, in.Template)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.runs[camp.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.runs, camp.ID)
			s.mu.Unlock()
			cancel()
		}()
		res, err := s.Campaigns.Run(runCtx, camp.ID, in.Template, contacts)
		if err != nil {
			log.Printf("http: campaign %s: %v", camp.ID, err)
			return
		}
		log.Printf("http: campaign %s finished: %d ok, %d failed", camp.ID, res.Succeeded, res.Failed)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": camp.ID})
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	camp, err := s.Store.GetCampaign(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, 404, map[string]string{"error": "campaign_not_found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, camp)
}

func (s *Server) campaignProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if p, ok := s.Campaigns.Progress(id); ok {
		writeJSON(w, 200, p)
		return
	}
	// not running in this process: answer from the stored counters
	camp, err := s.Store.GetCampaign(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, 404, map[string]string{"error": "campaign_not_found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, campaign.Progress{Current: camp.Succeeded + camp.Failed, Total: camp.Recipients})
}

func (s *Server) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	cancel, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, 404, map[string]string{"error": "campaign_not_running"})
		return
	}
	cancel()
	writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) postJob(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Instance         string  `json:"instance"`
		Recipient        string  `json:"recipient"`
		Template         string  `json:"template"`
		MediaURL         *string `json:"mediaUrl"`
		CampaignID       *string `json:"campaignId"`
		RunAt            string  `json:"runAt"`
		MaxAttempts      int     `json:"maxAttempts"`
		FollowUpTemplate *string `json:"followupTemplate"`
		FollowUpDelayMS  int64   `json:"followupDelayMs"`
		MaxFollowUps     int     `json:"maxFollowups"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Recipient == "" || in.Template == "" {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}
	if !phone.Valid(in.Recipient) {
		writeJSON(w, 422, map[string]string{"error": "invalid_recipient"})
		return
	}

	runAt := time.Now().UTC()
	if in.RunAt != "" {
		t, err := time.Parse(time.RFC3339, in.RunAt)
		if err != nil {
			writeJSON(w, 400, map[string]string{"error": "invalid_runAt"})
			return
		}
		runAt = t.UTC()
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.DefaultMaxAttempts
	}

	job, err := s.Store.CreateJob(r.Context(), core.JobSpec{
		Instance:         in.Instance,
		Recipient:        phone.Canonical(in.Recipient),
		Template:         in.Template,
		MediaURL:         in.MediaURL,
		CampaignID:       in.CampaignID,
		RunAt:            runAt,
		MaxAttempts:      maxAttempts,
		FollowUpTemplate: in.FollowUpTemplate,
		FollowUpDelay:    time.Duration(in.FollowUpDelayMS) * time.Millisecond,
		MaxFollowUps:     in.MaxFollowUps,
	})
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var status *core.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.JobStatus(v)
		status = &st
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	items, err := s.Store.ListJobs(r.Context(), status, limit)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "limit": limit})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Store.LoadJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, 404, map[string]string{"error": "job_not_found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, job)
}

// cancelJob flips a scheduled job to cancelled. A job currently
// dispatching only gets its retry suppressed; the in-flight send is not
// recalled.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.Store.CancelJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, 404, map[string]string{"error": "job_not_found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"status": status})
}
