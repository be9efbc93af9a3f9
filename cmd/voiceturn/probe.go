package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kiranaai/voiceturn/internal/protocol"
	"github.com/kiranaai/voiceturn/internal/session"
)

var defaultUtterances = []string{
	"rice price",
	"do you have toor dal",
	"add two kilo sugar",
	"what is the total",
}

type probeOptions struct {
	baseURL     string
	surfaceID   string
	language    string
	turns       int
	wordGap     time.Duration
	playback    time.Duration
	turnTimeout time.Duration
	texts       []string
	verbose     bool
}

func (o *probeOptions) normalize() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return errors.New("base-url is required")
	}
	if o.turns <= 0 {
		return errors.New("turns must be > 0")
	}
	if o.wordGap < 0 {
		o.wordGap = 0
	}
	if o.playback < 0 {
		o.playback = 0
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	if len(o.texts) == 0 {
		o.texts = append([]string(nil), defaultUtterances...)
	}
	return nil
}

// splitUtterances parses the "|" separated --texts flag.
func splitUtterances(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

type probeReport struct {
	SessionID string
	Turns     int
	Outcomes  map[string]int
	// Latencies run from the last partial of an utterance to the speak or play_audio
	// request for its reply, so they include the endpoint silence.
	Latencies []time.Duration
}

func (r probeReport) percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	sorted := slices.Clone(r.Latencies)
	slices.Sort(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func (r probeReport) summary() string {
	outcomes := make([]string, 0, len(r.Outcomes))
	for k, v := range r.Outcomes {
		outcomes = append(outcomes, fmt.Sprintf("%s=%d", k, v))
	}
	slices.Sort(outcomes)
	return fmt.Sprintf("session=%s turns=%d outcomes=[%s] replies=%d p50=%s p95=%s",
		r.SessionID, r.Turns, strings.Join(outcomes, " "), len(r.Latencies),
		r.percentile(0.50).Round(time.Millisecond), r.percentile(0.95).Round(time.Millisecond))
}

// probe plays the browser side of a session: it grants the microphone, types
// utterances as partial transcripts and acknowledges playback after a fixed delay.
type probe struct {
	opts      probeOptions
	out       io.Writer
	sessionID string
	conn      *websocket.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	lastPartial time.Time
	next        int
	report      probeReport
}

func runProbe(ctx context.Context, opts probeOptions, out io.Writer) (probeReport, error) {
	if err := opts.normalize(); err != nil {
		return probeReport{}, err
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	created, err := createSession(ctx, httpClient, opts)
	if err != nil {
		return probeReport{}, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, opts.baseURL, created.SessionID)
	}()

	wsURL, err := wsURLFor(opts.baseURL, created.WebSocketPath)
	if err != nil {
		return probeReport{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return probeReport{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	p := &probe{
		opts:      opts,
		out:       out,
		sessionID: created.SessionID,
		conn:      conn,
		report:    probeReport{SessionID: created.SessionID, Outcomes: map[string]int{}},
	}
	p.logf("session=%s language=%s turns=%d", created.SessionID, created.Language, opts.turns)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-loopCtx.Done()
		_ = conn.Close()
	}()

	if err := p.write(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: p.sessionID,
		Action:    "start",
		TSMs:      time.Now().UnixMilli(),
	}); err != nil {
		return probeReport{}, fmt.Errorf("send start: %w", err)
	}

	err = p.readLoop(loopCtx)
	p.mu.Lock()
	report := p.report
	p.mu.Unlock()
	if err != nil && ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, err
}

func (p *probe) readLoop(ctx context.Context) error {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.opts.turnTimeout))
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("turn %d: no turn result within %s", p.completed()+1, p.opts.turnTimeout)
			}
			return fmt.Errorf("ws read: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		done, err := p.handle(ctx, env.Type, data)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (p *probe) handle(ctx context.Context, typ protocol.MessageType, data []byte) (bool, error) {
	switch typ {
	case protocol.TypePermissionRequest:
		var msg protocol.PermissionRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		return false, p.write(protocol.ClientPermission{
			Type:      protocol.TypeClientPermission,
			SessionID: p.sessionID,
			RequestID: msg.RequestID,
			Granted:   true,
		})
	case protocol.TypeCaptureStart:
		var msg protocol.CaptureStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		if err := p.write(protocol.ClientCaptureAck{
			Type:      protocol.TypeClientCaptureAck,
			SessionID: p.sessionID,
			RequestID: msg.RequestID,
			OK:        true,
		}); err != nil {
			return false, err
		}
		go p.say(ctx, p.nextUtterance())
	case protocol.TypeSpeak, protocol.TypePlayAudio:
		var msg struct {
			RequestID string `json:"request_id"`
			Text      string `json:"text"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		p.recordReply(typ, msg.Text)
		go p.finishPlayback(ctx, msg.RequestID)
	case protocol.TypeTurn:
		var msg protocol.Turn
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		// A turn is announced when the utterance is finalized and again, with its
		// outcome, when it closes.
		if msg.Outcome == "" {
			return false, nil
		}
		n := p.recordTurn(msg)
		p.logf("turn %d/%d outcome=%s backend=%s input=%q", n, p.opts.turns, msg.Outcome, msg.Backend, msg.InputText)
		if n >= p.opts.turns {
			return true, nil
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(p.opts.turnTimeout))
	case protocol.TypeErrorEvent:
		var msg protocol.ErrorEvent
		if err := json.Unmarshal(data, &msg); err == nil {
			p.logf("error_event code=%s source=%s retryable=%t detail=%s", msg.Code, msg.Source, msg.Retryable, msg.Detail)
		}
	}
	return false, nil
}

// say sends text one word at a time as growing partials, then goes quiet so the
// server's endpoint silence closes the utterance.
func (p *probe) say(ctx context.Context, text string) {
	words := strings.Fields(text)
	for i := range words {
		err := p.write(protocol.ClientPartial{
			Type:       protocol.TypeClientPartial,
			SessionID:  p.sessionID,
			Text:       strings.Join(words[:i+1], " "),
			Confidence: 0.9,
			TSMs:       time.Now().UnixMilli(),
		})
		if err != nil {
			return
		}
		p.mu.Lock()
		p.lastPartial = time.Now()
		p.mu.Unlock()
		if !sleepCtx(ctx, p.opts.wordGap) {
			return
		}
	}
}

func (p *probe) finishPlayback(ctx context.Context, requestID string) {
	if !sleepCtx(ctx, p.opts.playback) {
		return
	}
	_ = p.write(protocol.ClientPlaybackDone{
		Type:      protocol.TypeClientPlaybackDone,
		SessionID: p.sessionID,
		RequestID: requestID,
		OK:        true,
	})
}

func (p *probe) nextUtterance() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	text := p.opts.texts[p.next%len(p.opts.texts)]
	p.next++
	return text
}

func (p *probe) recordReply(typ protocol.MessageType, text string) {
	p.mu.Lock()
	var latency time.Duration
	if !p.lastPartial.IsZero() {
		latency = time.Since(p.lastPartial)
		p.report.Latencies = append(p.report.Latencies, latency)
		p.lastPartial = time.Time{}
	}
	p.mu.Unlock()
	p.logf("%s after %s text=%q", typ, latency.Round(time.Millisecond), text)
}

func (p *probe) recordTurn(t protocol.Turn) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report.Turns++
	p.report.Outcomes[t.Outcome]++
	return p.report.Turns
}

func (p *probe) completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report.Turns
}

func (p *probe) write(msg any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(msg)
}

func (p *probe) logf(format string, args ...any) {
	if !p.opts.verbose || p.out == nil {
		return
	}
	fmt.Fprintf(p.out, "probe: "+format+"\n", args...)
}

func createSession(ctx context.Context, client *http.Client, opts probeOptions) (session.CreateResponse, error) {
	payload, err := json.Marshal(session.CreateRequest{SurfaceID: opts.surfaceID, Language: opts.language})
	if err != nil {
		return session.CreateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/v1/voice/sessions", bytes.NewReader(payload))
	if err != nil {
		return session.CreateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return session.CreateResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.CreateResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.CreateResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.CreateResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return session.CreateResponse{}, errors.New("missing session_id in response")
	}
	if out.WebSocketPath == "" {
		out.WebSocketPath = "/v1/voice/sessions/" + url.PathEscape(out.SessionID) + "/ws"
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/v1/voice/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLFor(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
