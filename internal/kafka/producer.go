package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// События жизненного цикла обращения.
const (
	EventAppealCreated        = "appeal.created"
	EventAppealReopened       = "appeal.reopened"
	EventAppealAIAnswered     = "appeal.ai_answered"
	EventAppealEscalated      = "appeal.escalated"
	EventAppealReplyDelivered = "appeal.reply_delivered"
	EventAppealDeadLettered   = "appeal.reply_dead_lettered"
	EventAppealResolved       = "appeal.resolved"
	EventPartnerBound         = "partner.bound"
)

// AppealEventProducer — интерфейс для отправки событий обращения (для подмены в тестах).
type AppealEventProducer interface {
	ProduceAppealEvent(ctx context.Context, event string, payload map[string]interface{})
}

// Producer пишет события в топик Kafka (best-effort, не блокирует обработку).
type Producer struct {
	writer *kafka.Writer
	topic  string
	log    zerolog.Logger
}

// NewProducer создаёт продюсер. Если brokers пустой или topic пустой — методы no-op.
func NewProducer(brokers []string, topic string, log zerolog.Logger) *Producer {
	if len(brokers) == 0 || topic == "" {
		return &Producer{log: log}
	}
	return &Producer{
		topic: topic,
		log:   log,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.Warn().Err(err).Int("messages", len(messages)).Msg("kafka: write appeal events")
				}
			},
		},
	}
}

// ProduceAppealEvent отправляет событие; key — код партнёра, чтобы события одного обращения шли по порядку.
func (p *Producer) ProduceAppealEvent(ctx context.Context, event string, payload map[string]interface{}) {
	if p.writer == nil {
		return
	}
	msg := map[string]interface{}{
		"event_id":    uuid.NewString(),
		"event":       event,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range payload {
		msg[k] = v
	}
	body, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn().Err(err).Str("event", event).Msg("kafka: marshal appeal event")
		return
	}
	key, _ := payload["code"].(string)
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body}); err != nil {
		p.log.Warn().Err(err).Str("event", event).Msg("kafka: write appeal event")
	}
}

// Close закрывает writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// ParseBrokers разбивает строку брокеров "host1:9092,host2:9092" на слайс.
func ParseBrokers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Nop discards events.
type Nop struct{}

func (Nop) ProduceAppealEvent(context.Context, string, map[string]interface{}) {}
