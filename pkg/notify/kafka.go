package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

// TradeEvent is the Kafka message value for one fill.
type TradeEvent struct {
	Seq          uint64         `json:"seq"`
	Symbol       string         `json:"symbol"`
	TakerOrderID int64          `json:"takerOrderId"`
	MakerOrderID int64          `json:"makerOrderId"`
	TakerSide    orderbook.Side `json:"takerSide"`
	TakerKind    orderbook.Kind `json:"takerKind"`
	Size         int64          `json:"size"`
	Price        int64          `json:"price"`
	Timestamp    int64          `json:"timestamp"` // unix milliseconds
}

// kafkaWriteTimeout bounds one delivery so an unreachable broker delays the
// fill consumer by at most this much per fill.
const kafkaWriteTimeout = 2 * time.Second

// KafkaPublisher streams fills to a topic. Messages are keyed by symbol so
// they land on one partition in sequence order.
type KafkaPublisher struct {
	writer *kafka.Writer
	symbol string
}

func NewKafkaPublisher(brokers []string, topic, symbol string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: kafkaWriteTimeout,
			MaxAttempts:  3,
		},
		symbol: symbol,
	}
}

// HandleFill implements events.Handler.
func (p *KafkaPublisher) HandleFill(ctx context.Context, f orderbook.Fill) error {
	msg, err := tradeMessage(p.symbol, f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func tradeMessage(symbol string, f orderbook.Fill) (kafka.Message, error) {
	value, err := json.Marshal(TradeEvent{
		Seq:          f.Seq,
		Symbol:       symbol,
		TakerOrderID: f.TakerID,
		MakerOrderID: f.MakerID,
		TakerSide:    f.TakerSide,
		TakerKind:    f.TakerKind,
		Size:         f.Qty,
		Price:        f.Price,
		Timestamp:    f.Time.UnixMilli(),
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(symbol),
		Value: value,
		Headers: []kafka.Header{
			{Key: "seq", Value: []byte(strconv.FormatUint(f.Seq, 10))},
		},
		Time: f.Time,
	}, nil
}
