package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opentiger/tiger/internal/domain"
)

// CancelTask administratively cancels a task from any non-terminal state.
// Mirrors the postgres store: lease dropped, unfinished runs cancelled,
// ready queue jobs removed, subscribers notified.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	if task.Status.IsTerminal() {
		status := task.Status
		s.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, status, domain.ErrNotCancellable)
	}

	now := s.clk.Now().UTC()
	task.Status = domain.TaskCancelled
	task.BlockReason = ""
	task.UpdatedAt = now
	delete(s.leases, taskID)
	for _, run := range s.runs {
		if run.TaskID == taskID && run.FinishedAt == nil {
			finished := now
			run.Status = domain.RunCancelled
			run.ErrorMessage = reason
			run.FinishedAt = &finished
		}
	}
	for id, job := range s.jobs {
		if job.state == jobReady && job.Envelope.TaskID == taskID {
			delete(s.jobs, id)
		}
	}
	s.events = append(s.events, &domain.Event{
		ID:         uuid.NewString(),
		Type:       domain.EventTaskCancelled,
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		Payload:    domain.NewPayload(map[string]string{"reason": reason}),
		CreatedAt:  now,
	})
	subs := append([]chan string(nil), s.cancelSubs...)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- taskID:
		default:
		}
	}
	return nil
}

// SubscribeToCancellations returns a channel of cancelled task ids, closed
// when ctx is cancelled.
func (s *Store) SubscribeToCancellations(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	s.mu.Lock()
	s.cancelSubs = append(s.cancelSubs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, sub := range s.cancelSubs {
			if sub == ch {
				s.cancelSubs = append(s.cancelSubs[:i], s.cancelSubs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
