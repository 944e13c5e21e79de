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

// tempesta-fwd is a harness that wires the forwarding engine to a
// configuration document and exposes it over plain net/http, so the
// engine's request/response/error paths can be exercised end-to-end
// without a production-grade HTTP/1.x wire parser. Inbound net/http
// requests are translated into msg.Request values and driven through
// engine.Engine directly; each configured server group is backed by a
// loopback upstream simulator rather than a real dialed connection,
// since internal/transport only defines the engine-facing interface,
// not a concrete socket implementation.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tempesta/tempesta-fwd/config"
	"github.com/tempesta/tempesta-fwd/internal/audit"
	"github.com/tempesta/tempesta-fwd/internal/conn"
	"github.com/tempesta/tempesta-fwd/internal/engine"
	"github.com/tempesta/tempesta-fwd/internal/frang"
	"github.com/tempesta/tempesta-fwd/internal/msg"
	"github.com/tempesta/tempesta-fwd/internal/sched"
	"github.com/tempesta/tempesta-fwd/internal/telemetry"
	"github.com/tempesta/tempesta-fwd/internal/transport"

	_ "github.com/lib/pq"
	"github.com/segmentio/kafka-go"
)

func main() {
	configPath := flag.String("config", "tempesta-fwd.yaml", "path to the YAML configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	metrics := telemetry.New()

	eng := &engine.Engine{
		ServerName: cfg.ServerName,
		Audit:      buildAuditSink(cfg.Audit),
		Metrics:    metrics,
	}

	registry := sched.NewRegistry()
	blocklist := frang.NewLocalBlocklist(24 * time.Hour)
	frangLimiters := map[string]*frang.Limiter{}

	for _, gc := range cfg.ServerGroups {
		group := gc.BuildGroup()
		registry.AddGroup(group)
		for _, addr := range gc.Servers {
			srv := sched.NewServer(addr, group)
			group.AddServer(srv)
			sim := newLoopbackUpstream(eng, gc.Name, addr)
			sc := conn.NewSrvConn(sim, gc.Policy())
			sc.Errors = eng
			sc.Rescheduler = registry
			sim.srv = sc
			registry.AddConn(gc.Name, srv, sc)
		}
	}

	for _, v := range cfg.VHosts {
		lim, err := v.Frang.BuildLimiter(blocklist)
		if err != nil {
			log.Fatalf("vhost %s: build frang limiter: %v", v.Name, err)
		}
		frangLimiters[v.Name] = lim
	}
	if defLim, err := cfg.DefaultFrang.BuildLimiter(blocklist); err == nil {
		frangLimiters[""] = defLim
	}

	ruleTable, err := cfg.BuildRuleTable()
	if err != nil {
		log.Fatalf("build rule table: %v", err)
	}

	eng.Registry = registry
	eng.Rules = ruleTable
	eng.Frang = frangLimiters
	eng.VHostGroups = cfg.VHostGroups()
	eng.Now = time.Now

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "time": time.Now().UTC()})
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", serveThroughEngine(eng))

	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Printf("tempesta-fwd listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

// buildAuditSink wires the configured eviction audit sinks (Kafka and/or
// Postgres), fanned out through MultiSink and decoupled from the
// forwarding hot path by AsyncSink. Returns nil if neither is
// configured.
func buildAuditSink(ac config.AuditConfig) audit.Sink {
	var sinks audit.MultiSink

	if len(ac.KafkaBrokers) > 0 && ac.KafkaTopic != "" {
		w := &kafka.Writer{
			Addr:                   kafka.TCP(ac.KafkaBrokers...),
			Topic:                  ac.KafkaTopic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
		sinks = append(sinks, audit.NewKafkaSink(w))
	}

	if ac.PostgresDSN != "" {
		db, err := sql.Open("postgres", ac.PostgresDSN)
		if err != nil {
			log.Printf("audit: postgres disabled: %v", err)
		} else {
			sinks = append(sinks, audit.NewPostgresSink(db))
		}
	}

	if len(sinks) == 0 {
		return nil
	}
	return audit.NewAsyncSink(sinks, ac.AsyncQueueSize)
}

func serveThroughEngine(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &msg.Request{}
		req.Method = parseMethod(r.Method)
		req.Version = msg.Version11
		req.URI = chunksOf(r.URL.RequestURI())
		req.Host = chunksOf(r.Host)
		req.Headers.Set(msg.HdrHost, chunksOf(r.Host))
		if ct := r.Header.Get("Content-Type"); ct != "" {
			req.Headers.Set(msg.HdrContentType, chunksOf(ct))
		}
		req.ClientAddr = r.RemoteAddr

		respCh := make(chan *msg.Response, 1)
		cli := conn.NewCliConn(&httpBridgeConn{out: respCh})

		eng.HandleRequest(req, cli, true)

		select {
		case resp := <-respCh:
			writeResponse(w, resp)
		case <-time.After(10 * time.Second):
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		}
	}
}

func writeResponse(w http.ResponseWriter, resp *msg.Response) {
	if v, ok := resp.Headers.GetString(msg.HdrContentType); ok {
		w.Header().Set("Content-Type", v)
	}
	code := resp.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, "%s\n", resp.Reason)
}

// httpBridgeConn is a one-shot transport.Conn: it exists only to carry
// the single synthesized or real response belonging to one net/http
// request back to serveThroughEngine's handler goroutine.
type httpBridgeConn struct {
	out chan<- *msg.Response
}

func (h *httpBridgeConn) SendRequest(*msg.Request) error { return nil }

func (h *httpBridgeConn) SendResponse(r *msg.Response) error {
	h.out <- r
	return nil
}

func (h *httpBridgeConn) CloseSync() {}

var _ transport.Conn = (*httpBridgeConn)(nil)

// loopbackUpstream simulates a backend for a configured server address:
// every request it receives is answered with a canned 200 OK after a
// small fixed latency, driven back through the owning Engine's response
// path exactly as a real transport would.
type loopbackUpstream struct {
	eng   *engine.Engine
	group string
	addr  string
	srv   *conn.SrvConn
}

func newLoopbackUpstream(eng *engine.Engine, group, addr string) *loopbackUpstream {
	return &loopbackUpstream{eng: eng, group: group, addr: addr}
}

func (l *loopbackUpstream) SendRequest(req *msg.Request) error {
	go func() {
		time.Sleep(time.Millisecond)
		resp := &msg.Response{}
		resp.Version = msg.Version11
		resp.StatusCode = http.StatusOK
		resp.Reason = "OK"
		l.eng.HandleResponse(resp, l.srv, l.group, l.addr)
	}()
	return nil
}

func (l *loopbackUpstream) SendResponse(*msg.Response) error { return nil }

func (l *loopbackUpstream) CloseSync() {}

var _ transport.Conn = (*loopbackUpstream)(nil)

func parseMethod(m string) msg.Method {
	switch m {
	case http.MethodGet:
		return msg.MethodGET
	case http.MethodHead:
		return msg.MethodHEAD
	case http.MethodPost:
		return msg.MethodPOST
	case http.MethodPut:
		return msg.MethodPUT
	case http.MethodDelete:
		return msg.MethodDELETE
	case http.MethodConnect:
		return msg.MethodCONNECT
	case http.MethodOptions:
		return msg.MethodOPTIONS
	case http.MethodTrace:
		return msg.MethodTRACE
	case http.MethodPatch:
		return msg.MethodPATCH
	default:
		return msg.MethodUnknown
	}
}

func chunksOf(s string) msg.Chunks {
	if s == "" {
		return nil
	}
	return msg.Chunks{{Data: []byte(s), Flags: msg.FlagComplete}}
}
