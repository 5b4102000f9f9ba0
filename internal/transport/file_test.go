package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"telemetryagent/internal/config"
	"telemetryagent/internal/telemetry"
)

func TestFileTransport_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "telemetry.jsonl")
	tr, err := NewFile(config.FileConfig{FilePath: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	if _, err := tr.Send(context.Background(), newBatch(telemetry.Health, 10, `{"status":"UP"}`, `{"status":"DOWN"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	tr.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var recs []fileRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r fileRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		recs = append(recs, r)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d lines, want 2", len(recs))
	}
	if recs[0].Channel != "health" || recs[0].Seq != 10 || recs[1].Seq != 11 {
		t.Errorf("records = %+v", recs)
	}
	if string(recs[1].Payload) != `{"status":"DOWN"}` {
		t.Errorf("payload = %s", recs[1].Payload)
	}
}

func TestFileTransport_Closed(t *testing.T) {
	tr, err := NewFile(config.FileConfig{FilePath: filepath.Join(t.TempDir(), "t.jsonl")})
	if err != nil {
		t.Fatal(err)
	}
	tr.Close()
	if _, err := tr.Send(context.Background(), newBatch(telemetry.Log, 1, `{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestNew_SelectsTransport(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Endpoints.Default = "http://collector:8080/ingest"

	tr, err := New(cfg, "web-01")
	if err != nil {
		t.Fatalf("New(http) failed: %v", err)
	}
	if _, ok := tr.(*HTTPTransport); !ok {
		t.Errorf("got %T, want *HTTPTransport", tr)
	}
	tr.Close()

	cfg.Transport.Type = config.TransportFile
	cfg.Transport.File.FilePath = filepath.Join(t.TempDir(), "t.jsonl")
	tr, err = New(cfg, "web-01")
	if err != nil {
		t.Fatalf("New(file) failed: %v", err)
	}
	if _, ok := tr.(*FileTransport); !ok {
		t.Errorf("got %T, want *FileTransport", tr)
	}
	tr.Close()

	cfg.Transport.Type = "pigeon"
	if _, err := New(cfg, "web-01"); err == nil {
		t.Error("expected error for unknown transport type")
	}
}

func TestCheckEndpoints(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	cfg := config.DefaultConfig()
	cfg.Transport.Timeout = time.Second
	cfg.Endpoints.Default = "http://" + ln.Addr().String() + "/ingest"
	cfg.Sources.Health.URL = "http://app/health"

	if err := CheckEndpoints(context.Background(), cfg); err != nil {
		t.Errorf("reachable endpoint reported as failing: %v", err)
	}

	closed, _ := net.Listen("tcp", "127.0.0.1:0")
	deadAddr := closed.Addr().String()
	closed.Close()
	cfg.Channels.Health.URL = "http://" + deadAddr + "/health"
	if err := CheckEndpoints(context.Background(), cfg); err == nil {
		t.Error("expected error for unreachable endpoint")
	}
}

func TestHostPort(t *testing.T) {
	tests := map[string]string{
		"http://collector/ingest":      "collector:80",
		"https://collector/ingest":     "collector:443",
		"http://collector:9000/ingest": "collector:9000",
		"http://10.0.0.1:8080/a?b=c":   "10.0.0.1:8080",
	}
	for in, want := range tests {
		got, err := hostPort(in)
		if err != nil || got != want {
			t.Errorf("hostPort(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := hostPort("/relative"); err == nil {
		t.Error("expected error for URL without host")
	}
}
