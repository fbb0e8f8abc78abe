package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
)

const (
	defaultKinesisBuffer  = 256
	kinesisPublishTimeout = 5 * time.Second
)

// PutRecordAPI is the slice of the Kinesis client the sink needs.
type PutRecordAPI interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// KinesisSink publishes events as JSON records to a Kinesis stream, one
// partition per name. Publishing happens on a background goroutine; when the
// buffer is full events are dropped and counted.
type KinesisSink struct {
	client PutRecordAPI
	stream string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

type kinesisRecord struct {
	Kind     Kind      `json:"kind"`
	Name     string    `json:"name"`
	Key      string    `json:"key"`
	LeaseID  string    `json:"lease_id"`
	Address  string    `json:"address,omitempty"`
	Failures int       `json:"failures,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

func NewKinesisSink(client PutRecordAPI, stream string, logger *slog.Logger, bufferSize int) *KinesisSink {
	if bufferSize <= 0 {
		bufferSize = defaultKinesisBuffer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &KinesisSink{
		client: client,
		stream: stream,
		logger: logger,
		queue:  make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *KinesisSink) Publish(_ context.Context, ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Close stops accepting events and waits until the buffered ones are sent.
func (s *KinesisSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

// Dropped is the number of events discarded because the buffer was full or
// the sink was closed.
func (s *KinesisSink) Dropped() uint64 { return s.dropped.Load() }

// Failed is the number of events Kinesis rejected.
func (s *KinesisSink) Failed() uint64 { return s.failed.Load() }

func (s *KinesisSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		if err := s.put(ev); err != nil {
			s.failed.Add(1)
			s.logger.Warn("publish lease event",
				slog.String("stream", s.stream),
				slog.String("name", ev.Name),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()))
		}
	}
}

func (s *KinesisSink) put(ev Event) error {
	rec := kinesisRecord{
		Kind:     ev.Kind,
		Name:     ev.Name,
		Key:      ev.Key,
		LeaseID:  ev.LeaseID,
		Address:  ev.Address,
		Failures: ev.Failures,
		Time:     ev.Time.UTC(),
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	partitionKey := ev.Name
	if partitionKey == "" {
		partitionKey = ev.LeaseID
	}

	ctx, cancel := context.WithTimeout(context.Background(), kinesisPublishTimeout)
	defer cancel()
	_, err = s.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(s.stream),
		PartitionKey: aws.String(partitionKey),
		Data:         data,
	})
	return err
}
