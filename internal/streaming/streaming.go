// Package streaming delivers session output to listeners as an ordered event
// stream. Each session owns one Broadcaster: the read loop is the single
// writer, subscribers receive events in production order over buffered
// channels.
package streaming

import (
	"regexp"
	"sync"
	"time"
)

// OutputKind represents the kind of an output event
type OutputKind string

const (
	KindStdout OutputKind = "stdout"
	KindStatus OutputKind = "status"
)

// OutputEvent is the unit of output delivered to listeners and buffered by
// the session.
type OutputEvent struct {
	SessionID   string     `json:"session_id"`
	Kind        OutputKind `json:"kind"`
	Payload     string     `json:"payload"`
	Timestamp   time.Time  `json:"timestamp"`
	SequenceNum int64      `json:"sequence_num"`
}

// Broadcaster fans out output events to subscribers. Publishing never blocks
// the producer: a subscriber whose channel is full misses the event and the
// drop is counted.
type Broadcaster struct {
	sessionID   string
	bufferSize  int
	mu          sync.Mutex
	subscribers map[int]chan OutputEvent
	nextSubID   int
	sequenceNum int64
	dropped     int64
	closed      bool
}

// NewBroadcaster creates a broadcaster for one session. bufferSize is the
// per-subscriber channel capacity.
func NewBroadcaster(sessionID string, bufferSize int) *Broadcaster {
	if bufferSize < 1 {
		bufferSize = 100
	}
	return &Broadcaster{
		sessionID:   sessionID,
		bufferSize:  bufferSize,
		subscribers: make(map[int]chan OutputEvent),
	}
}

// Subscribe registers a listener. The returned cancel function must be called
// when the listener is done; it closes the channel.
func (b *Broadcaster) Subscribe() (<-chan OutputEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan OutputEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish assigns the next sequence number and delivers the event to every
// subscriber without blocking.
func (b *Broadcaster) Publish(kind OutputKind, payload string) OutputEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequenceNum++
	event := OutputEvent{
		SessionID:   b.sessionID,
		Kind:        kind,
		Payload:     payload,
		Timestamp:   time.Now(),
		SequenceNum: b.sequenceNum,
	}

	if b.closed {
		return event
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}

	return event
}

// Dropped returns the number of events that could not be delivered to a
// subscriber because its channel was full.
func (b *Broadcaster) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels. Subsequent publishes still assign
// sequence numbers but deliver nowhere.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}

// ansiPattern matches CSI sequences, OSC sequences (BEL or ST terminated),
// charset selection, and single-character escapes.
var ansiPattern = regexp.MustCompile(`\x1b(\[[0-9;?]*[@-~]|\][^\x07\x1b]*(\x07|\x1b\\)|[()][0-9A-B]|[=>McDE78])`)

// StripANSI removes terminal control and escape sequences so that sanitized
// output cannot inject escape codes into a downstream consumer that renders
// it as trusted text.
func StripANSI(s string) string {
	stripped := ansiPattern.ReplaceAllString(s, "")
	// Drop any orphaned escape bytes the pattern did not consume.
	out := make([]byte, 0, len(stripped))
	for i := 0; i < len(stripped); i++ {
		if stripped[i] == 0x1b {
			continue
		}
		out = append(out, stripped[i])
	}
	return string(out)
}
