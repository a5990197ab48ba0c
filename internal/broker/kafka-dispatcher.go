package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrDispatcherStopped = errors.New("dispatcher stopped")

// MessageWriter is the part of *kafka.Writer the dispatcher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaDispatcher batches messages and flushes them when the batch is full
// or on every tick. Stop flushes what is left.
type KafkaDispatcher struct {
	writer       MessageWriter
	inputChannel chan kafka.Message
	stopChannel  chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	maxBatch     int
	tick         time.Duration
	log          *slog.Logger
	onFlush      func(n int, err error)
}

func NewKafkaDispatcher(w MessageWriter, capacity, maxBatch int, tick time.Duration, log *slog.Logger) *KafkaDispatcher {
	d := &KafkaDispatcher{
		writer:       w,
		inputChannel: make(chan kafka.Message, capacity),
		stopChannel:  make(chan struct{}),
		done:         make(chan struct{}),
		maxBatch:     maxBatch,
		tick:         tick,
		log:          log,
	}
	go d.loop()
	return d
}

// OnFlush registers a callback run after every batch write. It must be set
// before the first Enqueue.
func (d *KafkaDispatcher) OnFlush(fn func(n int, err error)) { d.onFlush = fn }

func (d *KafkaDispatcher) loop() {
	defer close(d.done)
	batch := make([]kafka.Message, 0, d.maxBatch)
	t := time.NewTicker(d.tick)
	defer t.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := d.writer.WriteMessages(context.Background(), batch...)
		if err != nil {
			d.log.Error("kafka batch write failed", "messages", len(batch), "err", err)
		}
		if d.onFlush != nil {
			d.onFlush(len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case m := <-d.inputChannel:
			batch = append(batch, m)
			if len(batch) >= d.maxBatch {
				flush()
			}
		case <-t.C:
			flush()
		case <-d.stopChannel:
			for {
				select {
				case m := <-d.inputChannel:
					batch = append(batch, m)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Enqueue waits for room in the buffer until ctx ends or the dispatcher
// stops.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, message kafka.Message) error {
	select {
	case <-d.stopChannel:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.inputChannel <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopChannel:
		return ErrDispatcherStopped
	}
}

// Stop flushes pending messages and waits for the loop to exit.
func (d *KafkaDispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopChannel) })
	<-d.done
}
