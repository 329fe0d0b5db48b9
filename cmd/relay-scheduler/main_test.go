package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/relay-scheduler/internal/config"
	"github.com/sweeney/relay-scheduler/internal/mqtt"
	"github.com/sweeney/relay-scheduler/internal/notify"
	"github.com/sweeney/relay-scheduler/internal/particle"
	"github.com/sweeney/relay-scheduler/internal/schedule"
	"github.com/sweeney/relay-scheduler/internal/store"
)

const testDevice = "0123456789ABCDEF01234567"

func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.Store.Backend = store.BackendMemory
	cfg.Store.DSN = ""
	cfg.Reconcile.Background = "denied"
	cfg.Cloud.Mirror = false
	cfg.Auth.JWTSecret = "s3cret"
	return cfg
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "sweep": false, "agent": false, "device": false, "token": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestBuildSinks(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	tests := []struct {
		name    string
		sinks   []string
		pub     mqtt.Publisher
		wantErr string
		wantN   int
	}{
		{name: "default log", sinks: nil, wantN: 1},
		{name: "log only", sinks: []string{config.SinkLog}, wantN: 1},
		{name: "log and mqtt", sinks: []string{config.SinkLog, config.SinkMQTT}, pub: pub, wantN: 2},
		{name: "mqtt without broker", sinks: []string{config.SinkMQTT}, wantErr: "mqtt broker"},
		{name: "unknown", sinks: []string{"pager"}, wantErr: "unknown notify sink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			cfg.Notify.Sinks = tt.sinks
			sink, closeFn, err := buildSinks(cfg, tt.pub, zerolog.Nop())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildSinks: %v", err)
			}
			defer closeFn()
			n := 1
			if multi, ok := sink.(notify.MultiSink); ok {
				n = len(multi)
			}
			if n != tt.wantN {
				t.Errorf("sinks = %d, want %d", n, tt.wantN)
			}
		})
	}
}

func TestBuildMirrors(t *testing.T) {
	cfg := memoryConfig()
	cloud := particle.NewClient("", nil)

	if got := buildMirrors(cfg, cloud, nil); len(got) != 0 {
		t.Errorf("mirror disabled, no broker: got %d mirrors, want 0", len(got))
	}
	cfg.Cloud.Mirror = true
	if got := buildMirrors(cfg, cloud, nil); len(got) != 1 {
		t.Errorf("cloud mirror: got %d mirrors, want 1", len(got))
	}
}

func TestRunSweepEmptyStore(t *testing.T) {
	var out bytes.Buffer
	if err := runSweep(context.Background(), memoryConfig(), zerolog.Nop(), &out); err != nil {
		t.Fatalf("runSweep: %v", err)
	}
	if got := out.String(); got != "purged 0 expired schedule(s)\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRunServeServesAndShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, memoryConfig(), zerolog.Nop(), ln) }()

	url := "http://" + ln.Addr().String()
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", resp.StatusCode)
	}

	body := strings.NewReader(`{"email":"ana@example.com","password":"hunter22"}`)
	resp, err = http.Post(url+"/api/v1/register", "application/json", body)
	if err != nil {
		cancel()
		t.Fatalf("POST register: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("register: got %d, want 201", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
}

func TestServeRequiresSecret(t *testing.T) {
	t.Setenv("RELAY_STORE_BACKEND", "memory")
	t.Setenv("RELAY_JWT_SECRET", "")
	_, err := execute(t, "serve")
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("err = %v, want jwt_secret error", err)
	}
}

func fakeCloud(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/oauth/token" {
			io.WriteString(w, `{"access_token":"abc123","token_type":"bearer","expires_in":0}`)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"invalid_token","error_description":"bad token"}`)
			return
		}
		switch r.URL.Path {
		case "/v1/devices/" + testDevice + "/estadoD2":
			io.WriteString(w, `{"name":"estadoD2","result":1}`)
		case "/v1/devices/" + testDevice + "/cambiarEstadoD2":
			r.ParseForm()
			json.NewEncoder(w).Encode(map[string]any{"id": testDevice, "return_value": 1, "arg": r.PostForm.Get("arg")})
		case "/v1/devices/" + testDevice:
			io.WriteString(w, `{"id":"`+testDevice+`","name":"porch","connected":true,"platform_id":12}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestDeviceCommands(t *testing.T) {
	ts := fakeCloud(t)
	t.Setenv("RELAY_CLOUD_URL", ts.URL)
	t.Setenv("RELAY_DEVICE_TOKEN", "tok")

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"device", "state", "d2", "--device", testDevice}, "ON\n"},
		{[]string{"device", "set", "D2", "on", "--device", testDevice}, "D2 ON\n"},
		{[]string{"device", "info", "--device", testDevice}, "platform:  Argon"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args[:2], " "), func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want it to contain %q", out, tt.want)
			}
		})
	}
}

func TestDeviceRequiresCredentials(t *testing.T) {
	t.Setenv("RELAY_DEVICE_TOKEN", "")
	_, err := execute(t, "device", "state", "D0")
	if !errors.Is(err, schedule.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestDeviceBadToken(t *testing.T) {
	ts := fakeCloud(t)
	t.Setenv("RELAY_CLOUD_URL", ts.URL)
	_, err := execute(t, "device", "state", "D2", "--device", testDevice, "--token", "wrong")
	var apiErr *particle.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
}

func TestTokenCommand(t *testing.T) {
	ts := fakeCloud(t)
	t.Setenv("RELAY_CLOUD_URL", ts.URL)
	out, err := execute(t, "token", "-u", "ana@example.com", "-p", "pw")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "abc123\n" {
		t.Errorf("output = %q, want abc123", out)
	}
}

func TestParseOnOff(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "ON": true, "1": true, "off": false, "false": false} {
		got, err := parseOnOff(in)
		if err != nil || got != want {
			t.Errorf("parseOnOff(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseOnOff("maybe"); err == nil {
		t.Error("expected error for maybe")
	}
}
