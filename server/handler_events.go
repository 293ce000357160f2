package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wagmilabs/treasury/network/httputil"
	"github.com/wagmilabs/treasury/worker"
)

// ProcessingTopic is the event name carrying worker busy transitions.
const ProcessingTopic = "processing"

// processingPollInterval bounds how stale the polled busy flag can be
// when a feed delivery is missed.
const processingPollInterval = 200 * time.Millisecond

// ProcessingEventJson is the SSE payload for a busy-state transition.
type ProcessingEventJson struct {
	Processing bool   `json:"processing"`
	JobID      string `json:"jobId,omitempty"`
	JobType    string `json:"jobType,omitempty"`
}

// StreamEvents subscribes the caller to worker processing transitions
// over Server-Sent-Events. The initial state is sent immediately;
// afterwards an event is emitted whenever the busy flag flips, either
// from the worker's feed or from the 200ms reconciliation poll.
func (s *Service) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.HandleError(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	if s.cfg.Worker == nil {
		httputil.HandleError(w, "No worker attached", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	eventsChan := make(chan worker.ProcessingEvent, 8)
	sub := s.cfg.Worker.SubscribeProcessing(eventsChan)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")

	last := s.cfg.Worker.IsProcessing()
	send(w, flusher, ProcessingTopic, &ProcessingEventJson{Processing: last})

	ticker := time.NewTicker(processingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-eventsChan:
			last = ev.Active
			send(w, flusher, ProcessingTopic, &ProcessingEventJson{
				Processing: ev.Active,
				JobID:      ev.JobID,
				JobType:    string(ev.Type),
			})
		case <-ticker.C:
			if current := s.cfg.Worker.IsProcessing(); current != last {
				last = current
				send(w, flusher, ProcessingTopic, &ProcessingEventJson{Processing: current})
			}
		case <-ctx.Done():
			return
		}
	}
}

func send(w http.ResponseWriter, flusher http.Flusher, name string, data interface{}) {
	j, err := json.Marshal(data)
	if err != nil {
		write(w, flusher, "Could not marshal event to JSON: "+err.Error())
		return
	}
	write(w, flusher, "event: %s\ndata: %s\n\n", name, string(j))
}

func write(w http.ResponseWriter, flusher http.Flusher, format string, a ...any) {
	_, err := fmt.Fprintf(w, format, a...)
	if err != nil {
		log.WithError(err).Error("Could not write to response writer")
	}
	flusher.Flush()
}
