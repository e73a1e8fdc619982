// Package stream fans out check-in progress to SSE subscribers. Each record
// gets a short-lived stream that buffers its events so late subscribers
// still see the whole history.
package stream

import (
	"sync"
	"time"
)

// Stage names a step of a background check-in
type Stage string

const (
	StageQueued    Stage = "queued"
	StageSignature Stage = "signature"
	StageSubmit    Stage = "submit"
	StageClassify  Stage = "classify"
)

// ProgressEvent reports that a record's worker reached a stage
type ProgressEvent struct {
	RecordID  int64     `json:"record_id"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletionEvent signals that a record reached its terminal status
type CompletionEvent struct {
	RecordID     int64  `json:"record_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Client represents a connected SSE client
type Client struct {
	ID       string
	Events   chan ProgressEvent
	Complete chan CompletionEvent
	Done     chan struct{}
}

type recordStream struct {
	clients     map[string]*Client
	buffer      []ProgressEvent
	completion  *CompletionEvent
	completedAt time.Time
	mu          sync.RWMutex
	bufferLimit int
}

// Manager manages all active record streams
type Manager struct {
	streams map[int64]*recordStream
	mu      sync.RWMutex
	now     func() time.Time
}

// NewManager creates a new stream manager
func NewManager() *Manager {
	return &Manager{
		streams: make(map[int64]*recordStream),
		now:     time.Now,
	}
}

func (m *Manager) getOrCreate(recordID int64) *recordStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[recordID]; ok {
		return s
	}
	s := &recordStream{
		clients:     make(map[string]*Client),
		buffer:      make([]ProgressEvent, 0, 16),
		bufferLimit: 64,
	}
	m.streams[recordID] = s
	return s
}

func (m *Manager) lookup(recordID int64) (*recordStream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[recordID]
	return s, ok
}

// Subscribe registers a client for a record. Buffered events, and the
// completion if the record already finished, are replayed immediately.
func (m *Manager) Subscribe(recordID int64, clientID string) *Client {
	s := m.getOrCreate(recordID)

	client := &Client{
		ID:       clientID,
		Events:   make(chan ProgressEvent, 64),
		Complete: make(chan CompletionEvent, 1),
		Done:     make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.buffer {
		select {
		case client.Events <- ev:
		default:
		}
	}
	if s.completion != nil {
		client.Complete <- *s.completion
	}

	s.clients[clientID] = client
	return client
}

// Unsubscribe removes a client and drops the stream once it is finished
// and unobserved
func (m *Manager) Unsubscribe(recordID int64, clientID string) {
	s, ok := m.lookup(recordID)
	if !ok {
		return
	}

	s.mu.Lock()
	if client, ok := s.clients[clientID]; ok {
		close(client.Done)
		delete(s.clients, clientID)
	}
	s.mu.Unlock()

	m.cleanup(recordID)
}

// Publish sends an event to every subscriber of its record
func (m *Manager) Publish(ev ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	s := m.getOrCreate(ev.RecordID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completion != nil {
		return
	}
	if len(s.buffer) >= s.bufferLimit {
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, ev)

	for _, client := range s.clients {
		select {
		case client.Events <- ev:
		default:
			// Slow client; it still gets the completion.
		}
	}
}

// PublishStage is a convenience wrapper around Publish
func (m *Manager) PublishStage(recordID int64, stage Stage, message string) {
	m.Publish(ProgressEvent{RecordID: recordID, Stage: stage, Message: message})
}

// Complete records the terminal status and notifies subscribers. Only the
// first completion of a record is kept.
func (m *Manager) Complete(recordID int64, status, errorMessage string) {
	s := m.getOrCreate(recordID)

	s.mu.Lock()
	if s.completion != nil {
		s.mu.Unlock()
		return
	}
	completion := CompletionEvent{RecordID: recordID, Status: status, ErrorMessage: errorMessage}
	s.completion = &completion
	s.completedAt = m.now()
	for _, client := range s.clients {
		select {
		case client.Complete <- completion:
		default:
		}
	}
	s.mu.Unlock()
}

// IsActive reports whether a record has a stream that has not completed
func (m *Manager) IsActive(recordID int64) bool {
	s, ok := m.lookup(recordID)
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completion == nil
}

// History returns the buffered events of a record
func (m *Manager) History(recordID int64) []ProgressEvent {
	s, ok := m.lookup(recordID)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ProgressEvent(nil), s.buffer...)
}

func (m *Manager) cleanup(recordID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[recordID]
	if !ok {
		return
	}
	s.mu.RLock()
	idle := len(s.clients) == 0 && s.completion != nil
	s.mu.RUnlock()

	if idle {
		delete(m.streams, recordID)
	}
}

// CleanupOldStreams removes completed, unobserved streams that finished
// more than maxAge ago. It returns how many were removed.
func (m *Manager) CleanupOldStreams(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for id, s := range m.streams {
		s.mu.RLock()
		stale := len(s.clients) == 0 && s.completion != nil && s.completedAt.Before(cutoff)
		s.mu.RUnlock()
		if stale {
			delete(m.streams, id)
			removed++
		}
	}
	return removed
}
