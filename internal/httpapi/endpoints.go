package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/skip2/go-qrcode"
	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/connection"
	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
	"github.com/KauaneAlmeida/projet-backendd/internal/msgqueue"
)

// QR status values reported by /api/qr-status.
const (
	QRStatusConnected      = "connected"
	QRStatusWaitingForScan = "waiting_for_scan"
	QRStatusGenerating     = "generating_qr"
)

const qrImageSize = 256

type rootResponse struct {
	Service   string   `json:"service"`
	Version   string   `json:"version,omitempty"`
	Status    string   `json:"status"`
	Endpoints []string `json:"endpoints"`
}

type processInfo struct {
	RSSBytes uint64 `json:"rssBytes"`
	RSS      string `json:"rss"`
}

type healthResponse struct {
	Status         string       `json:"status"`
	Connected      bool         `json:"connected"`
	State          string       `json:"state"`
	ConnectedSince *time.Time   `json:"connectedSince,omitempty"`
	QueueSize      int          `json:"queueSize"`
	QueueCapacity  int          `json:"queueCapacity"`
	Uptime         string       `json:"uptime"`
	UptimeSeconds  int64        `json:"uptimeSeconds"`
	PhoneNumber    string       `json:"phoneNumber"`
	Timestamp      time.Time    `json:"timestamp"`
	Process        *processInfo `json:"process,omitempty"`
}

type qrStatusResponse struct {
	HasQR       bool   `json:"hasQR"`
	IsConnected bool   `json:"isConnected"`
	Status      string `json:"status"`
}

type sendMessageRequest struct {
	To          string `json:"to"`
	Message     string `json:"message"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
}

type sendMessageResponse struct {
	Success   bool   `json:"success"`
	Queued    bool   `json:"queued"`
	To        string `json:"to"`
	MessageID string `json:"messageId"`
	QueueSize int    `json:"queueSize"`
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Path != "/" {
		return httpError{Status: http.StatusNotFound, Message: "Not found"}
	}
	if err := allowMethods(r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, rootResponse{
		Service: h.service,
		Version: h.version,
		Status:  "running",
		Endpoints: []string{
			"GET /health",
			"GET /qr",
			"GET /qr.png",
			"GET /api/qr-status",
			"POST /send-message",
		},
	})
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	now := h.clock.Now()
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		uptime = 0
	}
	state := h.conn.State()
	resp := healthResponse{
		Status:        "healthy",
		Connected:     state == connection.Connected,
		State:         state.String(),
		QueueSize:     h.queue.Len(),
		QueueCapacity: h.queue.MaxSize(),
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime / time.Second),
		PhoneNumber:   h.phone,
		Timestamp:     now,
	}
	if since := h.conn.ConnectedSince(); resp.Connected && !since.IsZero() {
		resp.ConnectedSince = &since
	}
	if rss, err := h.rss(r.Context()); err == nil {
		resp.Process = &processInfo{RSSBytes: rss, RSS: humanize.IBytes(rss)}
	} else {
		pslog.LoggerFromContext(r.Context()).Debug("http.health.process_stats_failed", "error", err)
	}
	status := http.StatusOK
	if !resp.Connected {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
	return nil
}

func (h *Handler) handleQRStatus(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, h.qrStatus())
	return nil
}

func (h *Handler) qrStatus() qrStatusResponse {
	connected := h.conn.State() == connection.Connected
	code, _ := h.conn.Pairing()
	resp := qrStatusResponse{HasQR: code != "", IsConnected: connected}
	switch {
	case connected:
		resp.Status = QRStatusConnected
	case code != "":
		resp.Status = QRStatusWaitingForScan
	default:
		resp.Status = QRStatusGenerating
	}
	return resp
}

var qrPage = template.Must(template.New("qr").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Service}} pairing</title>
{{if .Refresh}}<meta http-equiv="refresh" content="{{.Refresh}}">{{end}}
<style>body{font-family:sans-serif;text-align:center;margin-top:3em}</style>
</head>
<body>
{{if .Connected}}
<h1>Connected</h1>
<p>The bot is linked{{if .Phone}} as {{.Phone}}{{end}}.</p>
{{else if .Image}}
<h1>Scan to link</h1>
<p>Open WhatsApp, go to Linked devices and scan this code.</p>
<img alt="pairing code" width="{{.Size}}" height="{{.Size}}" src="data:image/png;base64,{{.Image}}">
{{else}}
<h1>Generating pairing code</h1>
<p>This page refreshes automatically.</p>
{{end}}
</body>
</html>
`))

type qrPageData struct {
	Service   string
	Phone     string
	Connected bool
	Image     string
	Size      int
	Refresh   int
}

func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	st := h.qrStatus()
	data := qrPageData{Service: h.service, Connected: st.IsConnected, Size: qrImageSize}
	if h.phone != defaultPhone {
		data.Phone = h.phone
	}
	if !st.IsConnected {
		data.Refresh = 5
		if code, _ := h.conn.Pairing(); code != "" {
			png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
			if err != nil {
				return err
			}
			data.Image = base64.StdEncoding.EncodeToString(png)
			data.Refresh = 20
		}
	}
	var buf bytes.Buffer
	if err := qrPage.Execute(&buf, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
	return nil
}

func (h *Handler) handleQRImage(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	code, _ := h.conn.Pairing()
	if code == "" {
		return httpError{Status: http.StatusNotFound, Message: "No pairing code available"}
	}
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
	return nil
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(r, http.MethodPost); err != nil {
		return err
	}
	var req sendMessageRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSendBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return httpError{Status: http.StatusBadRequest, Message: "Invalid JSON body"}
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || strings.TrimSpace(req.Message) == "" {
		return httpError{Status: http.StatusBadRequest, Message: "Fields 'to' and 'message' are required"}
	}
	if req.MaxAttempts < 0 {
		return httpError{Status: http.StatusBadRequest, Message: "Field 'maxAttempts' must be positive"}
	}
	to, err := engine.NormalizeRecipient(req.To)
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Message: "Field 'to' is not a valid phone number"}
	}
	if h.conn.State() != connection.Connected {
		return httpError{Status: http.StatusServiceUnavailable, Message: "WhatsApp not connected"}
	}
	msg, err := h.queue.Enqueue(r.Context(), to, req.Message, req.MaxAttempts)
	switch {
	case errors.Is(err, msgqueue.ErrQueueFull):
		return httpError{Status: http.StatusServiceUnavailable, Message: "Message queue is full"}
	case errors.Is(err, msgqueue.ErrClosed):
		return httpError{Status: http.StatusServiceUnavailable, Message: "Service is shutting down"}
	case err != nil:
		return err
	}
	pslog.LoggerFromContext(r.Context()).Info("http.send_message.queued", "message_id", msg.ID, "to", to)
	h.writeJSON(w, http.StatusOK, sendMessageResponse{
		Success:   true,
		Queued:    true,
		To:        to,
		MessageID: msg.ID,
		QueueSize: h.queue.Len(),
	})
	return nil
}

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

func processRSS(ctx context.Context) (uint64, error) {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcess(int32(os.Getpid()))
	})
	if selfErr != nil {
		return 0, selfErr
	}
	mem, err := self.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}
