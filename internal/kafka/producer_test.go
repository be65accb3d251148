package kafka

import (
	"context"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseBrokers(t *testing.T) {
	got := ParseBrokers(" host1:9092, ,host2:9092,")
	want := []string{"host1:9092", "host2:9092"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if ParseBrokers("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestDisabledProducerIsNoop(t *testing.T) {
	p := NewProducer(nil, "appeals", zerolog.Nop())
	p.ProduceAppealEvent(context.Background(), EventAppealCreated, map[string]interface{}{"code": "1"})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	p = NewProducer([]string{"localhost:9092"}, "", zerolog.Nop())
	if p.writer != nil {
		t.Fatalf("producer without topic must be disabled")
	}
}
