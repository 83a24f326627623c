package notify

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/trip-booking/internal/models"
)

// StateUpdate is pushed to the booking client whenever the state machine
// moves, so the app does not have to poll booking status over HTTP.
type StateUpdate struct {
	TripID      string                    `json:"trip_id"`
	State       models.BookingState       `json:"state"`
	GuideStatus models.ConfirmationStatus `json:"guide_status,omitempty"`
	Message     string                    `json:"message,omitempty"`
}

// WSSession represents a connected booking client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(u StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(u)
}

// WSRegistry holds one session per trip.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(tripID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[tripID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(tripID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, tripID)
}

// RemoveConn drops the session only while conn is still the registered one,
// so a reader for a replaced connection cannot evict its successor.
func (r *WSRegistry) RemoveConn(tripID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tripID]; ok && s.conn == conn {
		delete(r.sessions, tripID)
	}
}

// Active reports whether a client is connected for the trip.
func (r *WSRegistry) Active(tripID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[tripID]
	return ok
}

// StateChanged implements the orchestrator's Notifier. A trip with no
// connected session is not an error; the client may have navigated away.
func (r *WSRegistry) StateChanged(u StateUpdate) {
	r.mu.RLock()
	s, ok := r.sessions[u.TripID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.Send(u); err != nil {
		log.Printf("ws send error: %v", err)
		r.Remove(u.TripID)
	}
}
