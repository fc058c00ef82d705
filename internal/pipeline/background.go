package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
)

type pendingRetry struct {
	timer      *time.Timer
	documentID uuid.UUID
}

// RetryScheduler delivers background retries: after the backoff delay it
// re-invokes SafeProcess with the incremented attempt. Delivery is
// at-most-once per correlation ID; a restart recovers pending retries from
// the stage-status table via ResumePending on the pipeline.
type RetryScheduler struct {
	coordinator *Coordinator
	log         *observability.Logger

	mu        sync.Mutex
	scheduled map[string]pendingRetry // correlation id -> pending timer
	closed    bool

	wg sync.WaitGroup

	// OnResult receives results of background attempts, for tests and for
	// callers that surface async completion. May be nil.
	OnResult func(*ProcessingResult)
}

// NewRetryScheduler creates a scheduler bound to the coordinator.
func NewRetryScheduler(coordinator *Coordinator, log *observability.Logger) *RetryScheduler {
	s := &RetryScheduler{
		coordinator: coordinator,
		log:         log,
		scheduled:   make(map[string]pendingRetry),
	}
	coordinator.SetScheduler(s)
	return s
}

// Schedule queues one retry. Returns false if the scheduler is shut down or
// the correlation ID is already pending.
func (s *RetryScheduler) Schedule(p Processor, pc *ProcessingContext, attempt int, delay time.Duration) bool {
	correlationID := CorrelationID(pc.RequestID, p.Stage(), attempt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, pending := s.scheduled[correlationID]; pending {
		return false
	}

	s.wg.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.scheduled, correlationID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		retryCtx := pc.Clone()
		retryCtx.RetryAttempt = attempt
		result := s.coordinator.SafeProcess(context.Background(), p, retryCtx)

		s.log.WithDocument(pc.DocumentID.String()).Info().
			Str("correlation_id", result.CorrelationID).
			Str("stage", string(p.Stage())).
			Bool("success", result.Success).
			Msg("Background retry finished")
		if s.OnResult != nil {
			s.OnResult(result)
		}
	})
	s.scheduled[correlationID] = pendingRetry{timer: timer, documentID: pc.DocumentID}

	s.log.WithDocument(pc.DocumentID.String()).Info().
		Str("correlation_id", correlationID).
		Str("stage", string(p.Stage())).
		Dur("delay", delay).
		Msg("Background retry scheduled")
	return true
}

// Pending reports how many retries are waiting to fire.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// CancelDocument drops every pending retry for one document. Fired when a
// document run is cancelled.
func (s *RetryScheduler) CancelDocument(documentID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	for id, pending := range s.scheduled {
		if pending.documentID != documentID {
			continue
		}
		if pending.timer.Stop() {
			s.wg.Done()
			cancelled++
		}
		delete(s.scheduled, id)
	}
	return cancelled
}

// Stop cancels pending timers and waits for in-flight retries to finish.
// Undelivered retries stay durable in stage_status.next_retry_at.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for id, pending := range s.scheduled {
		if pending.timer.Stop() {
			s.wg.Done()
		}
		delete(s.scheduled, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
