package memory

import (
	"context"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/domain"
)

type jobState string

const (
	jobReady  jobState = "ready"
	jobActive jobState = "active"
	jobDead   jobState = "dead"
)

type memJob struct {
	queue.Job
	state        jobState
	failedReason string
}

// Enqueue adds a fresh job; every call creates a new job id.
func (s *Store) Enqueue(ctx context.Context, queueName, jobName string, env queue.Envelope, opts queue.EnqueueOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.Priority != 0 {
		env.Priority = opts.Priority
	}
	now := s.clk.Now().UTC()
	j := &memJob{
		Job: queue.Job{
			ID:          uuid.NewString(),
			Queue:       queueName,
			Name:        jobName,
			Envelope:    env,
			MaxAttempts: s.queueMaxAttempts,
			DelayUntil:  now.Add(opts.Delay),
			CreatedAt:   now,
		},
		state: jobReady,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

// Claim moves the best ready job to active and locks it to the consumer.
// Returns a nil job when the queue is empty.
func (s *Store) Claim(ctx context.Context, queueName, consumerID string, lockDuration time.Duration) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now().UTC()

	var ready []*memJob
	for _, j := range s.jobs {
		if j.Queue == queueName && j.state == jobReady && !j.DelayUntil.After(now) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, k int) bool {
		if ready[i].Envelope.Priority != ready[k].Envelope.Priority {
			return ready[i].Envelope.Priority > ready[k].Envelope.Priority
		}
		return ready[i].CreatedAt.Before(ready[k].CreatedAt)
	})

	j := ready[0]
	j.state = jobActive
	j.LockedBy = consumerID
	j.LockedUntil = now.Add(lockDuration)
	c := j.Job
	return &c, nil
}

// Renew extends the lock of an active job held by the consumer.
func (s *Store) Renew(ctx context.Context, jobID, consumerID string, lockDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.state != jobActive || j.LockedBy != consumerID {
		return domain.ErrJobOwnershipLost
	}
	j.LockedUntil = s.clk.Now().UTC().Add(lockDuration)
	return nil
}

// Complete removes a settled job held by the consumer.
func (s *Store) Complete(ctx context.Context, jobID, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.state != jobActive || j.LockedBy != consumerID {
		return domain.ErrJobOwnershipLost
	}
	delete(s.jobs, jobID)
	return nil
}

// Fail records one failed delivery attempt, dead-lettering at the ceiling.
func (s *Store) Fail(ctx context.Context, jobID, consumerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.state != jobActive || j.LockedBy != consumerID {
		return domain.ErrJobOwnershipLost
	}
	j.AttemptsMade++
	j.failedReason = reason
	j.LockedBy = ""
	j.LockedUntil = time.Time{}
	if j.AttemptsMade >= j.MaxAttempts {
		j.state = jobDead
		j.Name = queue.DeadJobName(j.Envelope.TaskID)
	} else {
		j.state = jobReady
	}
	return nil
}

// Requeue deletes the original job and inserts a fresh one carrying the same
// envelope.
func (s *Store) Requeue(ctx context.Context, jobID string, opts queue.EnqueueOptions) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return "", domain.ErrNotFound
	}
	queueName, name, env := j.Queue, j.Name, j.Envelope
	delete(s.jobs, jobID)
	s.mu.Unlock()
	return s.Enqueue(ctx, queueName, name, env, opts)
}

// SweepStalled returns expired-lock jobs to ready, dead-lettering any job
// that stalled more than maxStalledCount times.
func (s *Store) SweepStalled(ctx context.Context, maxStalledCount int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now().UTC()
	requeued, deadLettered := 0, 0
	for _, j := range s.jobs {
		if j.state != jobActive || !j.LockedUntil.Before(now) {
			continue
		}
		j.StalledCount++
		j.LockedBy = ""
		j.LockedUntil = time.Time{}
		if j.StalledCount > maxStalledCount {
			j.state = jobDead
			j.Name = queue.DeadJobName(j.Envelope.TaskID)
			deadLettered++
		} else {
			j.state = jobReady
			requeued++
		}
	}
	return requeued, deadLettered, nil
}

// Depth reports ready jobs in a queue, including delayed ones.
func (s *Store) Depth(ctx context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	for _, j := range s.jobs {
		if j.Queue == queueName && j.state == jobReady {
			depth++
		}
	}
	return depth, nil
}

// ListDeadLetters returns dead-lettered jobs, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*queue.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []*queue.Job
	for _, j := range s.jobs {
		if j.state == jobDead {
			c := j.Job
			dead = append(dead, &c)
		}
	}
	sort.Slice(dead, func(i, k int) bool { return dead[i].CreatedAt.After(dead[k].CreatedAt) })
	if len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

// Obliterate removes every job whose queue name matches the pattern. The
// pattern uses SQL LIKE syntax; only the % wildcard is honored here.
func (s *Store) Obliterate(ctx context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	glob := likeToGlob(pattern)
	var removed int64
	for id, j := range s.jobs {
		ok, err := path.Match(glob, j.Queue)
		if err != nil {
			return removed, err
		}
		if ok {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func likeToGlob(pattern string) string {
	out := make([]rune, 0, len(pattern))
	for _, r := range pattern {
		switch r {
		case '%':
			out = append(out, '*')
		case '_':
			out = append(out, '?')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
