package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is one steer or follow-up waiting for the loop.
type QueuedMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Steering holds the per-chat steer and follow-up queues. Both are
// in-memory only; a restart drops them. Steers are drained wholesale
// between tool rounds and preempt remaining planned tools; follow-ups
// re-enter the loop one at a time after a response completes.
type Steering struct {
	mu        sync.Mutex
	steers    map[string][]QueuedMessage
	followUps map[string][]QueuedMessage
}

// NewSteering returns empty queues.
func NewSteering() *Steering {
	return &Steering{
		steers:    make(map[string][]QueuedMessage),
		followUps: make(map[string][]QueuedMessage),
	}
}

// PushSteer queues a steer for the chat and returns its id.
func (s *Steering) PushSteer(chatID, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := QueuedMessage{ID: uuid.NewString(), Text: text, Timestamp: time.Now()}
	s.steers[chatID] = append(s.steers[chatID], msg)
	return msg.ID
}

// DrainSteer returns all queued steers in order and clears the queue.
func (s *Steering) DrainSteer(chatID string) []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.steers[chatID]
	delete(s.steers, chatID)
	return out
}

// HasSteer reports whether the chat has pending steers.
func (s *Steering) HasSteer(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steers[chatID]) > 0
}

// PushFollowUp queues a follow-up for the chat and returns its id.
func (s *Steering) PushFollowUp(chatID, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := QueuedMessage{ID: uuid.NewString(), Text: text, Timestamp: time.Now()}
	s.followUps[chatID] = append(s.followUps[chatID], msg)
	return msg.ID
}

// DrainFollowUp returns all queued follow-ups in order and clears the
// queue.
func (s *Steering) DrainFollowUp(chatID string) []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.followUps[chatID]
	delete(s.followUps, chatID)
	return out
}

// ConsumeOneFollowUp shifts only the head of the follow-up queue.
func (s *Steering) ConsumeOneFollowUp(chatID string) (QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.followUps[chatID]
	if len(queue) == 0 {
		return QueuedMessage{}, false
	}
	head := queue[0]
	rest := queue[1:]
	if len(rest) == 0 {
		delete(s.followUps, chatID)
	} else {
		s.followUps[chatID] = rest
	}
	return head, true
}

// HasFollowUp reports whether the chat has pending follow-ups.
func (s *Steering) HasFollowUp(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.followUps[chatID]) > 0
}
