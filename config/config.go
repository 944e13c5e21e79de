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

// Package config loads the forwarding engine's static configuration
// surface (§6): one or more server groups with their scheduling and
// queue policy, per-vhost Frang client-classifier sections, and the
// audit/telemetry sinks to wire up.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v2"
)

// ServerGroupConfig is one upstream pool (§6 "server group"): its
// members, scheduling algorithm, sticky-session mode, and connection
// queue policy.
type ServerGroupConfig struct {
	Name    string   `yaml:"name"`
	Servers []string `yaml:"servers"`

	Sched          string `yaml:"sched"`           // "round_robin" | "hash"
	StickySessions string `yaml:"sticky_sessions"` // "off" | "on" | "on_failover"

	ServerQueueSize          int           `yaml:"server_queue_size"`
	ServerForwardTimeout     time.Duration `yaml:"server_forward_timeout"`
	ServerForwardRetries     int           `yaml:"server_forward_retries"`
	ServerConnectRetries     int           `yaml:"server_connect_retries"`
	ServerRetryNonidempotent bool          `yaml:"server_retry_nonidempotent"`
}

// FrangConfig mirrors internal/frang.Config's fields for YAML
// unmarshalling; Frang converts it to the real type so the decoding
// concern stays out of internal/frang.
type FrangConfig struct {
	RequestRate           uint32        `yaml:"request_rate"`
	RequestBurst          uint32        `yaml:"request_burst"`
	ConnectionRate        uint32        `yaml:"connection_rate"`
	ConnectionBurst       uint32        `yaml:"connection_burst"`
	ConcurrentConnections uint32        `yaml:"concurrent_connections"`
	ClientHeaderTimeout   time.Duration `yaml:"client_header_timeout"`
	ClientBodyTimeout     time.Duration `yaml:"client_body_timeout"`
	HTTPURILen            int           `yaml:"http_uri_len"`
	HTTPFieldLen          int           `yaml:"http_field_len"`
	HTTPBodyLen           int64         `yaml:"http_body_len"`
	HTTPHeaderCnt         int           `yaml:"http_header_cnt"`
	HTTPHeaderChunkCnt    int           `yaml:"http_header_chunk_cnt"`
	HTTPBodyChunkCnt      int           `yaml:"http_body_chunk_cnt"`
	HTTPHostRequired      bool          `yaml:"http_host_required"`
	HTTPCTRequired        bool          `yaml:"http_ct_required"`
	HTTPMethods           []string      `yaml:"http_methods"`
	HTTPCTVals            []string      `yaml:"http_ct_vals"`
	IPBlock               bool          `yaml:"ip_block"`
}

// VHostConfig names a virtual host and the server group it routes to,
// plus its optional Frang section (§6 "Per Frang section ... can be
// specified ... per vhost/location").
type VHostConfig struct {
	Name        string      `yaml:"name"`
	ServerGroup string      `yaml:"server_group"`
	Frang       FrangConfig `yaml:"frang"`
}

// AuditConfig selects and configures the eviction audit sinks.
type AuditConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	PostgresDSN string `yaml:"postgres_dsn"`

	AsyncQueueSize int `yaml:"async_queue_size"`
}

// TelemetryConfig is decoded from the telemetry section but not read by
// cmd/tempesta-fwd: /metrics is served on Config.ListenAddr's listener.
type TelemetryConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration document.
type Config struct {
	ServerName   string              `yaml:"server_name"`
	ListenAddr   string              `yaml:"listen_addr"`
	ServerGroups []ServerGroupConfig `yaml:"server_groups"`
	VHosts       []VHostConfig       `yaml:"vhosts"`
	DefaultFrang FrangConfig         `yaml:"default_frang"`
	Audit        AuditConfig         `yaml:"audit"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
}

// Load reads and parses a YAML configuration document from path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}
