package server

import (
	"time"

	"github.com/teranos/quill/logger"
	"github.com/teranos/quill/pulse/async"
)

// HelloMessage is the first message on every /ws/jobs connection
type HelloMessage struct {
	Type      string      `json:"type"`
	Version   string      `json:"version"`
	Scheduler async.Stats `json:"scheduler"`
}

// JobUpdateMessage carries a job snapshot after a state or progress change
type JobUpdateMessage struct {
	Type      string     `json:"type"`
	Job       *async.Job `json:"job"`
	Timestamp int64      `json:"timestamp"`
}

// broadcastMessage offers msg to every client without blocking. Clients
// whose buffer is full miss the message. Returns how many accepted it.
func (s *Server) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for client := range s.clients {
		select {
		case client.sendMsg <- msg:
			sent++
		default:
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}

// startJobUpdateBroadcaster subscribes to queue updates and fans them out
func (s *Server) startJobUpdateBroadcaster() {
	jobChan := s.queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Unsubscribe before close: the queue must never send on a closed channel
		defer func() {
			s.queue.Unsubscribe(jobChan)
			close(jobChan)
		}()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Job update broadcaster stopping due to context cancellation")
				return
			case job := <-jobChan:
				s.broadcastJobUpdate(job)
			}
		}
	}()
}

func (s *Server) broadcastJobUpdate(job *async.Job) {
	sent := s.broadcastMessage(JobUpdateMessage{
		Type:      "job_update",
		Job:       job,
		Timestamp: time.Now().Unix(),
	})

	s.logger.Debugw("Broadcasted job update",
		logger.FieldJobID, shortID(job.ID),
		logger.FieldStatus, job.Status,
		logger.FieldStage, job.CurrentStage,
		logger.FieldProgress, job.Progress,
		logger.FieldCount, sent)
}
