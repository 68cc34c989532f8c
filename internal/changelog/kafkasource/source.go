// Package kafkasource implements changelog.Source over an IBM/sarama
// consumer: a stream is one topic-partition, and Clear commits a
// consumer-group offset via sarama's OffsetManager — a believable
// stand-in for an upstream metadata-server "reader token" cursor. SASL
// auth and the SCRAM client adapter are grounded on the teacher's Kafka
// sink (internal/sinks/kafka_sink.go, internal/sinks/kafka_scram.go),
// here wired to the consumer path instead of the producer path.
package kafkasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/cea-hpc/rbh-changelog/internal/changelog"
	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

// Config configures one Kafka-backed stream.
type Config struct {
	Brokers   []string
	Topic     string
	Partition int32
	GroupID   string

	SASLEnabled   bool
	SASLMechanism string // "scram-sha-256", "scram-sha-512", or "plain"
	SASLUsername  string
	SASLPassword  string
}

type wireRecord struct {
	RecordID       uint64            `json:"record_id"`
	Timestamp      time.Time         `json:"timestamp"`
	Kind           string            `json:"kind"`
	TargetObjectID uint64            `json:"target_object_id"`
	ParentObjectID uint64            `json:"parent_object_id,omitempty"`
	Name           string            `json:"name,omitempty"`
	Flags          record.Flags      `json:"flags,omitempty"`
	Ext            *record.Extension `json:"ext,omitempty"`
}

var kindByName = map[string]record.Kind{
	"MARK": record.KindMark, "IOCTL": record.KindIoctl, "CREATE": record.KindCreate,
	"MKDIR": record.KindMkdir, "MKNOD": record.KindMknod, "UNLINK": record.KindUnlink,
	"RENAME": record.KindRename, "EXT": record.KindExt, "TRUNC": record.KindTrunc,
	"CLOSE": record.KindClose, "MTIME": record.KindMtime, "CTIME": record.KindCtime,
	"SETATTR": record.KindSetattr, "HSM": record.KindHSM, "LAYOUT": record.KindLayout,
}

// Source is a changelog.Source backed by one Kafka topic-partition.
type Source struct {
	cfg Config

	client   sarama.Client
	consumer sarama.Consumer
	pc       sarama.PartitionConsumer

	offsetMgr sarama.OffsetManager
	partOff   sarama.PartitionOffsetManager
}

func New(cfg Config) *Source {
	return &Source{cfg: cfg}
}

func saramaConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Consumer.Return.Errors = true

	if cfg.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword

		switch strings.ToUpper(cfg.SASLMechanism) {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha256Generator}
			}
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha512Generator}
			}
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	return sc
}

// Open starts a partition consumer at offset startID. follow is not
// consulted: the consumer always follows the partition, so ReceiveNext
// blocks for new messages rather than reporting ErrEndOfStream once the
// partition is exhausted.
func (s *Source) Open(ctx context.Context, startID uint64, follow bool) error {
	sc := saramaConfig(s.cfg)

	client, err := sarama.NewClient(s.cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("kafkasource: new client: %w", err)
	}
	s.client = client

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return fmt.Errorf("kafkasource: new consumer: %w", err)
	}
	s.consumer = consumer

	pc, err := consumer.ConsumePartition(s.cfg.Topic, s.cfg.Partition, int64(startID))
	if err != nil {
		return fmt.Errorf("kafkasource: %w: consume partition: %v", changelog.ErrReopenable, err)
	}
	s.pc = pc

	omgr, err := sarama.NewOffsetManagerFromClient(s.cfg.GroupID, client)
	if err != nil {
		return fmt.Errorf("kafkasource: new offset manager: %w", err)
	}
	s.offsetMgr = omgr

	pom, err := omgr.ManagePartition(s.cfg.Topic, s.cfg.Partition)
	if err != nil {
		return fmt.Errorf("kafkasource: manage partition offset: %w", err)
	}
	s.partOff = pom

	return nil
}

func (s *Source) ReceiveNext(ctx context.Context) (*record.Record, error) {
	select {
	case msg, ok := <-s.pc.Messages():
		if !ok {
			return nil, changelog.ErrEndOfStream
		}
		var w wireRecord
		if err := json.Unmarshal(msg.Value, &w); err != nil {
			return nil, fmt.Errorf("kafkasource: unmarshal record: %w", err)
		}
		kind, ok := kindByName[strings.ToUpper(w.Kind)]
		if !ok {
			return nil, fmt.Errorf("kafkasource: unrecognized kind %q", w.Kind)
		}
		return &record.Record{
			RecordID:       w.RecordID,
			Timestamp:      w.Timestamp,
			Kind:           kind,
			TargetObjectID: w.TargetObjectID,
			ParentObjectID: w.ParentObjectID,
			Name:           w.Name,
			Flags:          w.Flags,
			Ext:            w.Ext,
		}, nil

	case err, ok := <-s.pc.Errors():
		if !ok {
			return nil, changelog.ErrEndOfStream
		}
		return nil, fmt.Errorf("kafkasource: %w: %v", changelog.ErrReopenable, err)

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Source) Clear(ctx context.Context, upToID uint64, readerToken string) error {
	s.partOff.MarkOffset(int64(upToID)+1, readerToken)
	return nil
}

func (s *Source) Close() error {
	if s.partOff != nil {
		s.partOff.Close()
	}
	if s.offsetMgr != nil {
		s.offsetMgr.Close()
	}
	if s.pc != nil {
		s.pc.Close()
	}
	if s.consumer != nil {
		s.consumer.Close()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
