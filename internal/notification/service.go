package notification

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"CommitrakCRM/api/recon/pipeline"
)

// Notifier receives finalize events from the pipeline and fans them out.
// Delivery is fire-and-forget: the batch is already committed by the time an
// event arrives, so a failed webhook only logs.
type Notifier struct {
	mu         sync.Mutex
	recent     []pipeline.BatchFinalizedEvent
	webhookURL string
	client     *http.Client
}

// NewFinalizeNotifier reads RECON_WEBHOOK_URL; without it events are only
// recorded and logged.
func NewFinalizeNotifier() *Notifier {
	return &Notifier{
		webhookURL: os.Getenv("RECON_WEBHOOK_URL"),
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

const recentEventCap = 256

func (n *Notifier) BatchFinalized(ev pipeline.BatchFinalizedEvent) {
	n.mu.Lock()
	n.recent = append(n.recent, ev)
	if len(n.recent) > recentEventCap {
		n.recent = n.recent[len(n.recent)-recentEventCap:]
	}
	url := n.webhookURL
	n.mu.Unlock()

	log.Printf("[NOTIFY] batch %s finalized: matched=%d duplicate=%d error=%d",
		ev.BatchID, ev.Counts.Matched, ev.Counts.Duplicate, ev.Counts.Error)
	if url == "" {
		return
	}
	go n.deliver(url, ev)
}

func (n *Notifier) deliver(url string, ev pipeline.BatchFinalizedEvent) {
	body, err := json.Marshal(map[string]interface{}{
		"event": "batch.finalized",
		"data":  ev,
	})
	if err != nil {
		log.Printf("[NOTIFY] encode event for batch %s: %v", ev.BatchID, err)
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[NOTIFY] webhook delivery for batch %s failed: %v", ev.BatchID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[NOTIFY] webhook for batch %s returned %s", ev.BatchID, resp.Status)
	}
}

// Recent returns the buffered events, newest last.
func (n *Notifier) Recent() []pipeline.BatchFinalizedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]pipeline.BatchFinalizedEvent(nil), n.recent...)
}
