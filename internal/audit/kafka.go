// Copyright 2025 The Tempesta-Fwd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaMessage is the wire payload written to the audit topic. The
// message key is Entry.ID so broker-side log compaction and consumer
// dedup both key on the same identifier used to detect a retried write.
type kafkaMessage struct {
	ID         string `json:"id"`
	TsUnixMs   int64  `json:"ts_unix_ms"`
	ClientAddr string `json:"client_addr"`
	Method     string `json:"method"`
	URI        string `json:"uri"`
	VHost      string `json:"vhost"`
	StatusCode int    `json:"status_code"`
	Reason     string `json:"reason"`
}

// KafkaSink publishes evictions to a Kafka topic via an already-built
// *kafka.Writer (the caller owns dialing, TLS, and balancer selection).
// The writer should have Async disabled and RequiredAcks set so Record's
// error return is meaningful.
type KafkaSink struct {
	writer         *kafka.Writer
	defaultTimeout time.Duration
}

// NewKafkaSink wraps w. w.Topic (or per-message Topic) selects the
// destination; this sink does not set one itself.
func NewKafkaSink(w *kafka.Writer) *KafkaSink {
	return &KafkaSink{writer: w, defaultTimeout: 5 * time.Second}
}

func (k *KafkaSink) Record(e Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.defaultTimeout)
	defer cancel()

	m := kafkaMessage{
		ID:         e.ID,
		TsUnixMs:   e.Timestamp.UnixMilli(),
		ClientAddr: e.ClientAddr,
		Method:     e.Method,
		URI:        e.URI,
		VHost:      e.VHost,
		StatusCode: e.StatusCode,
		Reason:     e.Reason,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("audit: marshal kafka message: %w", err)
	}

	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ID),
		Value: b,
	}); err != nil {
		return fmt.Errorf("audit: kafka write id=%s: %w", e.ID, err)
	}
	return nil
}
