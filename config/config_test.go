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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tempesta/tempesta-fwd/internal/sched"
)

const sampleYAML = `
server_name: tempesta-fwd
listen_addr: ":8080"
server_groups:
  - name: app
    servers: ["10.0.0.1:80", "10.0.0.2:80"]
    sched: hash
    sticky_sessions: "on"
    server_queue_size: 256
    server_forward_timeout: 5s
    server_forward_retries: 2
    server_connect_retries: 3
    server_retry_nonidempotent: false
vhosts:
  - name: example.com
    server_group: app
    frang:
      request_rate: 100
      http_methods: ["GET", "POST"]
audit:
  kafka_brokers: ["localhost:9092"]
  kafka_topic: "tfd-evictions"
telemetry:
  listen_addr: ":9090"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServerName != "tempesta-fwd" || cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected top-level fields: %+v", cfg)
	}
	if len(cfg.ServerGroups) != 1 {
		t.Fatalf("expected 1 server group, got %d", len(cfg.ServerGroups))
	}
	g := cfg.ServerGroups[0]
	if g.ServerForwardTimeout != 5*time.Second {
		t.Fatalf("expected server_forward_timeout to parse as 5s, got %v", g.ServerForwardTimeout)
	}
	if len(cfg.VHosts) != 1 || cfg.VHosts[0].Frang.RequestRate != 100 {
		t.Fatalf("unexpected vhost/frang fields: %+v", cfg.VHosts)
	}
	if len(cfg.Audit.KafkaBrokers) != 1 || cfg.Audit.KafkaTopic != "tfd-evictions" {
		t.Fatalf("unexpected audit fields: %+v", cfg.Audit)
	}
}

func TestServerGroupConfigConversions(t *testing.T) {
	g := ServerGroupConfig{
		Name:                     "app",
		Sched:                    "hash",
		StickySessions:           "on_failover",
		ServerQueueSize:          128,
		ServerForwardTimeout:     2 * time.Second,
		ServerRetryNonidempotent: true,
	}

	if g.SchedKind() != sched.SchedHash {
		t.Fatalf("expected hash scheduling")
	}
	if g.StickyMode() != sched.StickyOnFailover {
		t.Fatalf("expected on_failover sticky mode")
	}
	p := g.Policy()
	if p.MaxQSize != 128 || p.MaxJQAge != 2*time.Second || !p.RetryNonIdempotent {
		t.Fatalf("unexpected policy: %+v", p)
	}

	group := g.BuildGroup()
	if group.Name != "app" || group.Sched != sched.SchedHash || group.StickySessions != sched.StickyOnFailover {
		t.Fatalf("unexpected built group: %+v", group)
	}
}

func TestFrangConfigConversionRejectsUnknownMethod(t *testing.T) {
	f := FrangConfig{HTTPMethods: []string{"GET", "FROB"}}
	if _, err := f.Frang(); err == nil {
		t.Fatalf("expected an error for an unknown method name")
	}
}

func TestFrangConfigConversionBuildsMethodMask(t *testing.T) {
	f := FrangConfig{HTTPMethods: []string{"GET", "POST"}}
	conv, err := f.Frang()
	if err != nil {
		t.Fatalf("Frang: %v", err)
	}
	if !conv.HTTPMethods.Allows(0) { // msg.MethodGET == 0
		t.Fatalf("expected GET to be allowed")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
