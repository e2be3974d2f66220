package fhemgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/kradalby/kra/web"
	"tailscale.com/util/eventbus"

	"github.com/kradalby/fhem-gateway/devices"
	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/fhem"
	"github.com/kradalby/fhem-gateway/fhemhttp"
)

const cssContent = `
body { font-family: system-ui, sans-serif; margin: 2rem; background: #f6f7f9; color: #222; }
h1 { margin-bottom: 0.25rem; }
table { border-collapse: collapse; background: #fff; margin-bottom: 1.5rem; }
th, td { padding: 0.35rem 0.75rem; border-bottom: 1px solid #e3e5e8; text-align: left; }
.devices-grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(280px, 1fr)); gap: 1rem; }
.device { background: #fff; border-radius: 8px; padding: 0.75rem 1rem; box-shadow: 0 1px 2px rgba(0,0,0,0.08); }
.device-name { font-weight: 600; }
.device-type { color: #777; font-size: 0.85rem; }
.reading { display: flex; justify-content: space-between; font-size: 0.9rem; }
.indicator { display: inline-block; width: 0.6rem; height: 0.6rem; border-radius: 50%; margin-right: 0.4rem; }
.indicator.connected, .indicator.fresh { background: #2e9d4f; }
.indicator.connecting, .indicator.reconnecting, .indicator.stale { background: #e0a526; }
.indicator.disconnected, .indicator.failed, .indicator.silent { background: #c93c3c; }
.events { margin-top: 2rem; font-family: monospace; font-size: 0.85rem; }
`

const jsContent = `
(function () {
  var pending = false;
  var source = new EventSource("/events");
  source.onmessage = function (msg) {
    var evt = JSON.parse(msg.data);
    var card = document.getElementById("device-" + evt.host + "-" + evt.device);
    var row = card && card.querySelector('[data-reading="' + CSS.escape(evt.reading) + '"]');
    if (!row) {
      if (!pending) {
        pending = true;
        setTimeout(function () { location.reload(); }, 2000);
      }
      return;
    }
    var value = row.lastElementChild;
    value.textContent = evt.value;
    value.title = evt.timestamp;
  };
})();
`

const maxEventLog = 100

type deviceProvider interface {
	Snapshot() []devices.Device
	Device(host, name string) (devices.Device, bool)
	Freshness(devices.Device) (string, string)
}

// ReadingsReader looks readings up on a controller on demand.
type ReadingsReader interface {
	Host() string
	Readings(ctx context.Context, device string) (fhemhttp.Readings, error)
}

// WebServer manages the web UI and the REST forwarding endpoints.
type WebServer struct {
	logger            *slog.Logger
	kraweb            *web.KraWeb
	devices           deviceProvider
	executors         map[string]fhem.Executor
	readers           map[string]ReadingsReader
	eventLog          []string
	eventLogMu        sync.Mutex
	eventBus          *events.Bus
	client            *eventbus.Client
	readingSubscriber *eventbus.Subscriber[events.ReadingEvent]
	statusSubscriber  *eventbus.Subscriber[events.ConnectionStatusEvent]
	connectionState   map[string]events.ConnectionStatusEvent
	statusMu          sync.RWMutex
	sseClients        map[chan events.ReadingEvent]struct{}
	sseClientsMu      sync.RWMutex
	commandTimeout    time.Duration
	ctx               context.Context
	served            chan struct{}
}

// NewWebServer creates a new web server. executors and readers are keyed by
// host.
func NewWebServer(
	logger *slog.Logger,
	deviceProvider deviceProvider,
	executors map[string]fhem.Executor,
	readers []ReadingsReader,
	bus *events.Bus,
	kraweb *web.KraWeb,
	commandTimeout time.Duration,
) (*WebServer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	client, err := bus.Client(events.ClientWeb)
	if err != nil {
		return nil, fmt.Errorf("failed to create web client: %w", err)
	}

	if commandTimeout == 0 {
		commandTimeout = 10 * time.Second
	}

	byHost := make(map[string]ReadingsReader, len(readers))
	for _, r := range readers {
		byHost[r.Host()] = r
	}

	ws := &WebServer{
		logger:            logger.With("component", "web"),
		kraweb:            kraweb,
		devices:           deviceProvider,
		executors:         executors,
		readers:           byHost,
		eventLog:          make([]string, 0, maxEventLog),
		eventBus:          bus,
		client:            client,
		readingSubscriber: eventbus.Subscribe[events.ReadingEvent](client),
		statusSubscriber:  eventbus.Subscribe[events.ConnectionStatusEvent](client),
		connectionState:   make(map[string]events.ConnectionStatusEvent),
		sseClients:        make(map[chan events.ReadingEvent]struct{}),
		commandTimeout:    commandTimeout,
		ctx:               context.Background(),
	}

	for component, status := range bus.LastStatus() {
		ws.connectionState[component] = status
	}

	return ws, nil
}

// LogEvent adds an event to the log
func (ws *WebServer) LogEvent(event string) {
	ws.eventLogMu.Lock()
	defer ws.eventLogMu.Unlock()

	ws.eventLog = append(ws.eventLog, fmt.Sprintf("%s: %s", time.Now().Format("15:04:05"), event))
	if len(ws.eventLog) > maxEventLog {
		ws.eventLog = ws.eventLog[1:]
	}
}

func (ws *WebServer) recentEvents(n int) []string {
	ws.eventLogMu.Lock()
	defer ws.eventLogMu.Unlock()

	var out []string
	for i := len(ws.eventLog) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ws.eventLog[i])
	}
	return out
}

func (ws *WebServer) Start(ctx context.Context) {
	ws.ctx = ctx
	ws.served = make(chan struct{})
	go ws.processReadings(ctx)
	go ws.processConnectionStatuses(ctx)
	ws.publishConnectionStatus(events.ConnectionStatusConnecting, "")

	go func() {
		defer close(ws.served)
		if ws.kraweb == nil {
			return
		}
		ws.logger.Info("Starting web interface")
		ws.publishConnectionStatus(events.ConnectionStatusConnected, "")
		if err := ws.kraweb.ListenAndServe(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				ws.publishConnectionStatus(events.ConnectionStatusDisconnected, "")
			} else {
				ws.logger.Error("Web server error", slog.Any("error", err))
				ws.publishConnectionStatus(events.ConnectionStatusFailed, err.Error())
			}
			return
		}
		ws.publishConnectionStatus(events.ConnectionStatusDisconnected, "")
	}()
}

// Close waits for the listener started by Start to return, so the final
// status is published before the caller tears down the status bus. The
// context passed to Start must be cancelled first.
func (ws *WebServer) Close() {
	if ws.served != nil {
		<-ws.served
	}

	ws.readingSubscriber.Close()
	ws.statusSubscriber.Close()

	ws.sseClientsMu.Lock()
	ws.sseClients = make(map[chan events.ReadingEvent]struct{})
	ws.sseClientsMu.Unlock()
}

func (ws *WebServer) publishConnectionStatus(status events.ConnectionStatus, errMsg string) {
	if ws.eventBus == nil || ws.client == nil {
		return
	}

	ws.eventBus.PublishConnectionStatus(ws.client, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "web",
		Status:    status,
		Error:     errMsg,
	})
}

func (ws *WebServer) processReadings(ctx context.Context) {
	for {
		select {
		case event := <-ws.readingSubscriber.Events():
			ws.LogEvent(fmt.Sprintf("%s %s %s = %s", event.Host, event.Device, event.Reading, event.Value))
			ws.broadcastSSE(event)
		case <-ctx.Done():
			return
		}
	}
}

func (ws *WebServer) processConnectionStatuses(ctx context.Context) {
	for {
		select {
		case event := <-ws.statusSubscriber.Events():
			ws.statusMu.Lock()
			ws.connectionState[event.Component] = event
			ws.statusMu.Unlock()

			if event.Error != "" {
				ws.LogEvent(fmt.Sprintf("%s %s: %s", event.Component, event.Status, event.Error))
			} else {
				ws.LogEvent(fmt.Sprintf("%s %s", event.Component, event.Status))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (ws *WebServer) broadcastSSE(event events.ReadingEvent) {
	ws.sseClientsMu.RLock()
	defer ws.sseClientsMu.RUnlock()

	for client := range ws.sseClients {
		select {
		case client <- event:
		default:
		}
	}
}

func (ws *WebServer) snapshotStatuses() []events.ConnectionStatusEvent {
	ws.statusMu.RLock()
	defer ws.statusMu.RUnlock()

	statuses := make([]events.ConnectionStatusEvent, 0, len(ws.connectionState))
	for _, evt := range ws.connectionState {
		statuses = append(statuses, evt)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Component < statuses[j].Component
	})

	return statuses
}

func (ws *WebServer) renderPage(title string, content elem.Node) string {
	page := elem.Html(attrs.Props{},
		elem.Head(attrs.Props{},
			elem.Meta(attrs.Props{attrs.Charset: "utf-8"}),
			elem.Meta(attrs.Props{attrs.Name: "viewport", attrs.Content: "width=device-width, initial-scale=1"}),
			elem.Title(attrs.Props{}, elem.Text(title)),
			elem.Style(attrs.Props{}, elem.Text(cssContent)),
		),
		elem.Body(attrs.Props{},
			content,
			elem.Script(attrs.Props{}, elem.Raw(jsContent)),
		),
	)
	return page.Render()
}

func (ws *WebServer) renderStatusTable() elem.Node {
	rows := []elem.Node{
		elem.Tr(attrs.Props{},
			elem.Th(attrs.Props{}, elem.Text("Component")),
			elem.Th(attrs.Props{}, elem.Text("Status")),
			elem.Th(attrs.Props{}, elem.Text("Reconnects")),
			elem.Th(attrs.Props{}, elem.Text("Updated")),
			elem.Th(attrs.Props{}, elem.Text("Error")),
		),
	}

	for _, status := range ws.snapshotStatuses() {
		rows = append(rows,
			elem.Tr(attrs.Props{},
				elem.Td(attrs.Props{}, elem.Text(status.Component)),
				elem.Td(attrs.Props{},
					elem.Span(attrs.Props{attrs.Class: "indicator " + string(status.Status)}),
					elem.Text(string(status.Status)),
				),
				elem.Td(attrs.Props{}, elem.Text(fmt.Sprintf("%d", status.Reconnects))),
				elem.Td(attrs.Props{}, elem.Text(status.Timestamp.Format(time.RFC3339))),
				elem.Td(attrs.Props{}, elem.Text(status.Error)),
			),
		)
	}

	return elem.Table(attrs.Props{attrs.Class: "status"}, rows...)
}

func (ws *WebServer) renderDeviceCard(dev devices.Device) elem.Node {
	indicator, note := ws.devices.Freshness(dev)

	names := make([]string, 0, len(dev.Readings))
	for name := range dev.Readings {
		names = append(names, name)
	}
	sort.Strings(names)

	readings := make([]elem.Node, 0, len(names))
	for _, name := range names {
		readings = append(readings,
			elem.Div(attrs.Props{attrs.Class: "reading", "data-reading": name},
				elem.Span(attrs.Props{}, elem.Text(name)),
				elem.Span(attrs.Props{"title": dev.Readings[name].LastUpdate().Format(time.RFC3339)},
					elem.Text(dev.Readings[name].ValueOr("")),
				),
			),
		)
	}

	return elem.Div(
		attrs.Props{
			attrs.ID:    "device-" + dev.Host + "-" + dev.Name,
			attrs.Class: "device",
			"data-host": dev.Host,
		},
		elem.Div(attrs.Props{attrs.Class: "device-name"},
			elem.Span(attrs.Props{attrs.Class: "indicator " + indicator}),
			elem.Text(dev.Name),
		),
		elem.Div(attrs.Props{attrs.Class: "device-type"}, elem.Text(dev.Type+" on "+dev.Host+", "+note)),
		elem.Div(attrs.Props{attrs.Class: "readings"}, readings...),
	)
}

func (ws *WebServer) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snapshot := ws.devices.Snapshot()

	deviceElements := make([]elem.Node, 0, len(snapshot))
	for _, dev := range snapshot {
		deviceElements = append(deviceElements, ws.renderDeviceCard(dev))
	}

	var eventElements []elem.Node
	for _, line := range ws.recentEvents(20) {
		eventElements = append(eventElements, elem.Div(attrs.Props{attrs.Class: "event"}, elem.Text(line)))
	}

	content := elem.Div(attrs.Props{},
		elem.H1(attrs.Props{}, elem.Text("FHEM Gateway")),
		elem.P(attrs.Props{}, elem.Text(fmt.Sprintf("Tracking %d devices on %d hosts", len(snapshot), len(ws.hostNames())))),
		elem.H2(attrs.Props{}, elem.Text("Connections")),
		ws.renderStatusTable(),
		elem.H2(attrs.Props{}, elem.Text("Devices")),
		elem.Div(attrs.Props{attrs.Class: "devices-grid"}, deviceElements...),
		elem.Div(attrs.Props{attrs.Class: "events"},
			elem.H2(attrs.Props{}, elem.Text("Recent Events")),
			elem.Div(attrs.Props{}, eventElements...),
		),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, ws.renderPage("fhem-gateway", content)); err != nil {
		ws.logger.Error("Failed to write response", slog.Any("error", err))
	}
}

func (ws *WebServer) hostNames() []string {
	seen := make(map[string]struct{})
	for host := range ws.executors {
		seen[host] = struct{}{}
	}
	for host := range ws.readers {
		seen[host] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

// HandleSSE streams forwarded readings as server-sent events.
func (ws *WebServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientChan := make(chan events.ReadingEvent, 10)

	ws.sseClientsMu.Lock()
	ws.sseClients[clientChan] = struct{}{}
	ws.sseClientsMu.Unlock()

	defer func() {
		ws.sseClientsMu.Lock()
		delete(ws.sseClients, clientChan)
		ws.sseClientsMu.Unlock()
	}()

	for {
		select {
		case evt := <-clientChan:
			payload, err := json.Marshal(evt)
			if err != nil {
				ws.logger.Error("Failed to marshal SSE payload", slog.Any("error", err))
				continue
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		case <-ws.ctx.Done():
			return
		}
	}
}

func (ws *WebServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws.sseClientsMu.RLock()
	sseClients := len(ws.sseClients)
	ws.sseClientsMu.RUnlock()

	connected := 0
	components := make(map[string]string)
	for _, status := range ws.snapshotStatuses() {
		components[status.Component] = string(status.Status)
		if status.Status == events.ConnectionStatusConnected {
			connected++
		}
	}

	resp := struct {
		Status     string            `json:"status"`
		Hosts      int               `json:"hosts"`
		Devices    int               `json:"devices"`
		Connected  int               `json:"connected"`
		Components map[string]string `json:"components"`
		SSEClients int               `json:"sse_clients"`
		Timestamp  time.Time         `json:"timestamp"`
	}{
		Status:     "ok",
		Hosts:      len(ws.hostNames()),
		Devices:    len(ws.devices.Snapshot()),
		Connected:  connected,
		Components: components,
		SSEClients: sseClients,
		Timestamp:  time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		ws.logger.Error("Failed to write health response", slog.Any("error", err))
	}
}

// HandleREST forwards /fhem/{host}/{device}[/{reading}] to the controller.
//
//	GET  /fhem/h/dev          all readings of dev
//	GET  /fhem/h/dev/temp     one reading
//	POST /fhem/h/dev/temp     set dev temp <body>
//	PUT  /fhem/h/dev/temp     setreading dev temp <body>
func (ws *WebServer) HandleREST(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/fhem/"), "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /fhem/{host}/{device}[/{reading}]", http.StatusBadRequest)
		return
	}

	host, device := parts[0], parts[1]
	reading := ""
	if len(parts) == 3 {
		reading = parts[2]
	}

	switch r.Method {
	case http.MethodGet:
		ws.getReadings(w, r, host, device, reading)
	case http.MethodPost, http.MethodPut:
		if reading == "" {
			http.Error(w, "a reading is required", http.StatusBadRequest)
			return
		}
		kind := "set"
		if r.Method == http.MethodPut {
			kind = "setreading"
		}
		ws.runCommand(w, r, host, kind, device, reading)
	default:
		w.Header().Set("Allow", "GET, POST, PUT")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (ws *WebServer) getReadings(w http.ResponseWriter, r *http.Request, host, device, reading string) {
	var readings fhemhttp.Readings

	if reader, ok := ws.readers[host]; ok {
		ctx, cancel := context.WithTimeout(r.Context(), ws.commandTimeout)
		defer cancel()

		var err error
		readings, err = reader.Readings(ctx, device)
		switch {
		case errors.Is(err, fhemhttp.ErrDeviceNotFound):
			http.Error(w, fmt.Sprintf("device %s not found on %s", device, host), http.StatusNotFound)
			return
		case err != nil:
			ws.logger.Warn("reading lookup failed", "host", host, "device", device, "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	} else {
		if _, known := ws.executors[host]; !known {
			http.Error(w, fmt.Sprintf("unknown host %s", host), http.StatusNotFound)
			return
		}
		dev, ok := ws.devices.Device(host, device)
		if !ok {
			http.Error(w, fmt.Sprintf("device %s not seen on %s", device, host), http.StatusNotFound)
			return
		}
		readings = fhemhttp.Readings(dev.Readings)
	}

	var payload any = readings
	if reading != "" {
		v, ok := readings[reading]
		if !ok {
			http.Error(w, fmt.Sprintf("reading %s not found on %s", reading, device), http.StatusNotFound)
			return
		}
		payload = v
	}

	writeJSON(w, ws.logger, payload)
}

func (ws *WebServer) runCommand(w http.ResponseWriter, r *http.Request, host, kind, device, reading string) {
	exec, ok := ws.executors[host]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown host %s", host), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "reading body failed", http.StatusBadRequest)
		return
	}
	value := strings.TrimSpace(string(body))
	if value == "" {
		http.Error(w, "a value is required", http.StatusBadRequest)
		return
	}

	command := strings.Join([]string{kind, device, reading, value}, " ")

	ctx, cancel := context.WithTimeout(r.Context(), ws.commandTimeout)
	defer cancel()

	reply, err := exec.Execute(ctx, command)
	switch {
	case errors.Is(err, fhem.ErrNoReply):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		ws.logger.Warn("forwarded command failed", "host", host, "command", command, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	ws.LogEvent(fmt.Sprintf("%s: %s", host, command))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, reply); err != nil {
		ws.logger.Error("Failed to write command reply", slog.Any("error", err))
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

var _ ReadingsReader = (*fhemhttp.Client)(nil)
