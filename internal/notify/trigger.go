package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/stitchwork/stitch/internal/types"
)

// HTTPTrigger posts ready-to-work events to a workflow endpoint. The
// deterministic trigger id makes repeated posts for the same transition
// harmless for the consumer.
type HTTPTrigger struct {
	url    string
	client *http.Client
}

// NewHTTPTrigger targets a workflow endpoint URL.
func NewHTTPTrigger(url string) *HTTPTrigger {
	return &HTTPTrigger{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fire posts the trigger event.
func (t *HTTPTrigger) Fire(ctx context.Context, ev types.TriggerEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("workflow endpoint returned %s", resp.Status)
	}
	return nil
}

// LogTrigger records ready events to the log when no workflow endpoint is
// configured.
type LogTrigger struct {
	Logger *log.Logger
}

// Fire logs the event.
func (t *LogTrigger) Fire(_ context.Context, ev types.TriggerEvent) error {
	t.Logger.Printf("ready: %s (%s in %s)", ev.TriggerID, ev.IssueID, ev.Repo)
	return nil
}
