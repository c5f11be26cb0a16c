package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"social-publisher/internal/telemetry"
)

// kafkaSink is implemented by Producer; tests substitute a recorder.
type kafkaSink interface {
	SendRaw(topic, key string, payload []byte) error
}

// Sender drains pending outbox rows to Kafka on an interval.
type Sender struct {
	repo         *Repository
	producer     kafkaSink
	pollInterval time.Duration
	batchSize    int
	retention    time.Duration
	log          zerolog.Logger

	cleanupEvery time.Duration
}

func NewSender(repo *Repository, producer kafkaSink, pollInterval time.Duration, batchSize int, retention time.Duration, log zerolog.Logger) *Sender {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sender{
		repo:         repo,
		producer:     producer,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		retention:    retention,
		log:          log,
		cleanupEvery: time.Hour,
	}
}

// Start runs the relay until the context is canceled.
func (s *Sender) Start(ctx context.Context) {
	go func() {
		s.log.Info().Msg("outbox sender started")
		defer s.log.Info().Msg("outbox sender stopped")

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		cleanupTicker := time.NewTicker(s.cleanupEvery)
		defer cleanupTicker.Stop()

		s.flushOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.flushOnce(ctx)
			case <-cleanupTicker.C:
				s.cleanupOnce(ctx)
			}
		}
	}()
}

func (s *Sender) flushOnce(ctx context.Context) {
	msgs, err := s.repo.GetPending(ctx, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("outbox get pending failed")
		return
	}
	for _, m := range msgs {
		if err := s.sendOne(m); err != nil {
			s.log.Warn().Err(err).Str("message_id", m.MessageID).Msg("outbox delivery failed")
			if err2 := s.repo.MarkFailed(ctx, m.MessageID, err.Error()); err2 != nil {
				s.log.Error().Err(err2).Msg("outbox mark failed error")
			}
			continue
		}
		if err := s.repo.MarkSent(ctx, m.MessageID); err != nil {
			s.log.Error().Err(err).Msg("outbox mark sent failed")
		}
		telemetry.EventsDelivered.Inc()
	}
}

func (s *Sender) sendOne(m *Message) error {
	if m.Topic == "" {
		return fmt.Errorf("outbox topic is empty")
	}
	key, err := extractPostID(m.Payload)
	if err != nil {
		return fmt.Errorf("extract post id: %w", err)
	}
	return s.producer.SendRaw(m.Topic, key, m.Payload)
}

func (s *Sender) cleanupOnce(ctx context.Context) {
	n, err := s.repo.Cleanup(ctx, s.retention)
	if err != nil {
		s.log.Error().Err(err).Msg("outbox cleanup failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("deleted", n).Msg("outbox cleanup")
	}
}

func extractPostID(payload []byte) (string, error) {
	var x struct {
		PostID string `json:"post_id"`
	}
	if err := json.Unmarshal(payload, &x); err != nil {
		return "", err
	}
	if x.PostID == "" {
		return "", fmt.Errorf("post_id is empty in payload")
	}
	return x.PostID, nil
}
