package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventArticleEnqueued  EventType = "article_enqueued"
	EventStageStarted     EventType = "stage_started"
	EventStageCompleted   EventType = "stage_completed"
	EventStageFailed      EventType = "stage_failed"
	EventArticleDiscarded EventType = "article_discarded"
	EventArticleEmbedded  EventType = "article_embedded"
	EventProviderFallback EventType = "provider_fallback"
	EventHealthChange     EventType = "health_change"
	EventLLMCall          EventType = "llm_call"
)

// Event is a single pipeline event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Pipeline fields (populated for article/stage events).
	ArticleID  int64   `json:"article_id,omitempty"`
	Symbol     string  `json:"symbol,omitempty"`
	Stage      string  `json:"stage,omitempty"`
	FromStatus string  `json:"from_status,omitempty"`
	ToStatus   string  `json:"to_status,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	ErrorMsg   string  `json:"error_msg,omitempty"`

	// LLM fields (populated for llm_call events).
	Purpose    string  `json:"purpose,omitempty"`
	Model      string  `json:"model,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	CacheRead  int     `json:"cache_read_tokens,omitempty"`
	CacheWrite int     `json:"cache_write_tokens,omitempty"`

	// Provider fields (populated for market-data and health events).
	ProviderID string `json:"provider_id,omitempty"`
	Market     string `json:"market,omitempty"`
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus for pipeline events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
