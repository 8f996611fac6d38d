package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rowjay/posvault/internal/config"
)

const (
	KindBackup    = "backup"
	KindRestore   = "restore"
	KindRetention = "retention"

	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Event is the audit record emitted after every terminal job transition.
type Event struct {
	Kind                 string    `json:"kind"`
	Message              string    `json:"message"`
	Outcome              string    `json:"outcome"`
	StoreID              string    `json:"store_id"`
	Scope                string    `json:"scope,omitempty"`
	JobID                string    `json:"job_id,omitempty"`
	ChainID              string    `json:"chain_id,omitempty"`
	PreRestoreSnapshotID string    `json:"pre_restore_snapshot_id,omitempty"`
	ArchivePath          string    `json:"archive_path,omitempty"`
	SizeBytes            int64     `json:"size_bytes,omitempty"`
	StartedAt            time.Time `json:"started_at"`
	EndedAt              time.Time `json:"ended_at"`
	Duration             string    `json:"duration"`
	Error                string    `json:"error,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// OutcomeFromErr maps an operation error to an event outcome.
func OutcomeFromErr(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return OutcomeFailed
}

type Multi struct {
	Targets []Notifier
}

func (m Multi) Notify(ctx context.Context, event Event) error {
	var err error
	for _, target := range m.Targets {
		if target == nil {
			continue
		}
		if nerr := target.Notify(ctx, event); nerr != nil {
			err = nerr
		}
	}
	return err
}

// Log writes events to the audit log. It never fails.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(_ context.Context, event Event) error {
	entry := l.Logger.Info()
	if event.Outcome != OutcomeSuccess {
		entry = l.Logger.Warn()
	}
	entry.
		Str("kind", event.Kind).
		Str("outcome", event.Outcome).
		Str("store", event.StoreID).
		Str("scope", event.Scope).
		Str("job_id", event.JobID).
		Str("chain_id", event.ChainID).
		Str("pre_restore_snapshot_id", event.PreRestoreSnapshotID).
		Int64("size_bytes", event.SizeBytes).
		Str("duration", event.Duration).
		Str("error", event.Error).
		Msg(event.Message)
	return nil
}

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
}

func (w Webhook) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	return send(req, "webhook", w.Name)
}

type Mattermost struct {
	Name string
	URL  string
}

func (m Mattermost) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{"text": summary(event)}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return send(req, "mattermost", m.Name)
}

type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
}

func (m Matrix) Notify(ctx context.Context, event Event) error {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%d",
		m.ServerURL, url.PathEscape(m.RoomID), time.Now().UnixNano())
	payload := map[string]any{
		"msgtype": "m.text",
		"body":    summary(event),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.AccessToken)
	return send(req, "matrix", m.Name)
}

// FromConfig builds the configured sinks plus the audit log sink.
func FromConfig(cfg config.NotificationsConfig, log zerolog.Logger) Multi {
	targets := []Notifier{Log{Logger: log}}
	for _, w := range cfg.Webhooks {
		targets = append(targets, Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	for _, mm := range cfg.Mattermost {
		targets = append(targets, Mattermost{Name: mm.Name, URL: mm.URL})
	}
	for _, mx := range cfg.Matrix {
		targets = append(targets, Matrix{Name: mx.Name, ServerURL: mx.ServerURL, AccessToken: mx.AccessToken, RoomID: mx.RoomID})
	}
	return Multi{Targets: targets}
}

func summary(event Event) string {
	msg := fmt.Sprintf("[%s] %s", event.Outcome, event.Message)
	if event.Error != "" {
		msg += ": " + event.Error
	}
	return msg
}

func send(req *http.Request, kind, name string) error {
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s returned %s", kind, name, resp.Status)
	}
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
