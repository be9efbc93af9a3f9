package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kiranaai/voiceturn/internal/app"
	"github.com/kiranaai/voiceturn/internal/config"
	applog "github.com/kiranaai/voiceturn/internal/log"
	"github.com/kiranaai/voiceturn/internal/protocol"
)

func TestWSURLFor(t *testing.T) {
	cases := []struct {
		base, path, want string
		wantErr          bool
	}{
		{"http://127.0.0.1:8080", "/v1/voice/sessions/s1/ws", "ws://127.0.0.1:8080/v1/voice/sessions/s1/ws", false},
		{"https://shop.example/api/", "v1/voice/sessions/s1/ws", "wss://shop.example/api/v1/voice/sessions/s1/ws", false},
		{"ftp://shop.example", "/ws", "", true},
		{"http://", "/ws", "", true},
	}
	for _, tc := range cases {
		got, err := wsURLFor(tc.base, tc.path)
		if (err != nil) != tc.wantErr {
			t.Fatalf("wsURLFor(%q) error = %v, wantErr %v", tc.base, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("wsURLFor(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestSplitUtterances(t *testing.T) {
	got := splitUtterances(" rice price | |add sugar ")
	if len(got) != 2 || got[0] != "rice price" || got[1] != "add sugar" {
		t.Fatalf("splitUtterances() = %q", got)
	}
	if got := splitUtterances(""); len(got) != 0 {
		t.Fatalf("splitUtterances(\"\") = %q, want empty", got)
	}
}

func TestReplayOptionsNormalize(t *testing.T) {
	opts := probeOptions{baseURL: " http://localhost:8080/ ", turns: 1, wordGap: -time.Second}
	if err := opts.normalize(); err != nil {
		t.Fatalf("normalize() error = %v", err)
	}
	if opts.baseURL != "http://localhost:8080" {
		t.Fatalf("baseURL = %q", opts.baseURL)
	}
	if opts.wordGap != 0 || opts.turnTimeout != time.Second || len(opts.texts) != len(defaultUtterances) {
		t.Fatalf("normalized = %+v", opts)
	}
	if err := (&probeOptions{baseURL: "http://x", turns: 0}).normalize(); err == nil {
		t.Fatalf("normalize() with zero turns succeeded")
	}
}

func TestReportPercentile(t *testing.T) {
	r := probeReport{Latencies: []time.Duration{40, 10, 30, 20}}
	if got := r.percentile(0.5); got != 20 {
		t.Fatalf("p50 = %v, want 20", got)
	}
	if got := r.percentile(0.95); got != 40 {
		t.Fatalf("p95 = %v, want 40", got)
	}
	if got := (probeReport{}).percentile(0.5); got != 0 {
		t.Fatalf("empty p50 = %v, want 0", got)
	}
}

func TestOpenTurnNotCounted(t *testing.T) {
	p := &probe{
		opts:   probeOptions{turns: 1},
		report: probeReport{Outcomes: map[string]int{}},
	}
	p.lastPartial = time.Now().Add(-50 * time.Millisecond)

	opened, _ := json.Marshal(protocol.Turn{Type: protocol.TypeTurn, TurnID: "t1", InputText: "rice price"})
	done, err := p.handle(context.Background(), protocol.TypeTurn, opened)
	if err != nil || done {
		t.Fatalf("handle(open turn) = %v, %v, want false, nil", done, err)
	}
	if p.report.Turns != 0 {
		t.Fatalf("Turns after open = %d, want 0", p.report.Turns)
	}

	p.recordReply(protocol.TypeSpeak, "Rice is 40 rupees per kg.")
	if len(p.report.Latencies) != 1 {
		t.Fatalf("latencies = %v, want 1", p.report.Latencies)
	}
	p.recordReply(protocol.TypeSpeak, "again")
	if len(p.report.Latencies) != 1 {
		t.Fatalf("latencies after second reply = %v, want 1", p.report.Latencies)
	}

	closed, _ := json.Marshal(protocol.Turn{Type: protocol.TypeTurn, TurnID: "t1", InputText: "rice price", Outcome: "spoken"})
	done, err = p.handle(context.Background(), protocol.TypeTurn, closed)
	if err != nil || !done {
		t.Fatalf("handle(closed turn) = %v, %v, want true, nil", done, err)
	}
	if p.report.Turns != 1 || p.report.Outcomes["spoken"] != 1 {
		t.Fatalf("report = %+v, want one spoken turn", p.report)
	}
}

func TestReplayAgainstServer(t *testing.T) {
	shop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		reply := "Sorry, I couldn't understand that."
		if strings.Contains(req.Message, "rice") {
			reply = "Rice is **40 rupees** per kg."
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"response": reply})
	}))
	defer shop.Close()

	cfg := config.Config{
		SessionInactivityTimeout: time.Minute,
		MetricsNamespace:         "replay_test",
		VoiceLanguage:            "en-IN",
		AssistantURL:             shop.URL,
		AssistantTimeout:         2 * time.Second,
		CloudTTSProvider:         "none",
		EndpointSilence:          100 * time.Millisecond,
		SettleDelay:              30 * time.Millisecond,
	}
	res, err := app.Build(cfg, applog.Discard())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()
	srv := httptest.NewServer(res.API.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	report, err := runProbe(ctx, probeOptions{
		baseURL:     srv.URL,
		surfaceID:   "till-1",
		turns:       2,
		wordGap:     5 * time.Millisecond,
		playback:    5 * time.Millisecond,
		turnTimeout: 5 * time.Second,
		texts:       []string{"rice price", "add sugar"},
		verbose:     true,
	}, &out)
	if err != nil {
		t.Fatalf("runProbe() error = %v\n%s", err, out.String())
	}
	if report.Turns != 2 || report.Outcomes["spoken"] != 2 {
		t.Fatalf("report = %+v\n%s", report, out.String())
	}
	if len(report.Latencies) != 2 {
		t.Fatalf("latencies = %v, want 2", report.Latencies)
	}
	if !strings.Contains(out.String(), `text="Rice is 40 rupees per kg."`) {
		t.Fatalf("output missing sanitized reply:\n%s", out.String())
	}
}
