package fhemgateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/fhem"
	"github.com/kradalby/fhem-gateway/fhemhttp"
	"github.com/kradalby/fhem-gateway/gateway"
)

// SetupDebugHandlers registers the host debug handler
func SetupDebugHandlers(kraWeb interface {
	Handle(pattern string, handler http.Handler)
}, hosts *HostDebug) {
	kraWeb.Handle("/debug/hosts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		debugInfo := hosts.DebugInfo()
		data, err := json.MarshalIndent(debugInfo, "", "  ")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to marshal debug info: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			return
		}
	}))
}

// HostsDebugInfo describes every configured controller.
type HostsDebugInfo struct {
	Hosts      []HostDebugInfo                         `json:"hosts"`
	Components map[string]events.ConnectionStatusEvent `json:"components"`
	Generated  time.Time                               `json:"generated"`
}

// HostDebugInfo is the state of one controller.
type HostDebugInfo struct {
	Host          string              `json:"host"`
	Executor      string              `json:"executor,omitempty"`
	Engine        *fhem.EngineStats   `json:"engine,omitempty"`
	Queue         *gateway.QueueStats `json:"queue,omitempty"`
	CachedDevices *int                `json:"cached_devices,omitempty"`
}

// HostDebug collects per-host state from the running components.
type HostDebug struct {
	Engines     []*fhem.Engine
	Executors   map[string]fhem.Executor
	HTTPClients []*fhemhttp.Client
	Router      *gateway.Router
	Status      *events.Bus
}

// DebugInfo returns a snapshot of every host.
func (d *HostDebug) DebugInfo() HostsDebugInfo {
	byHost := make(map[string]*HostDebugInfo)
	entry := func(host string) *HostDebugInfo {
		if info, ok := byHost[host]; ok {
			return info
		}
		info := &HostDebugInfo{Host: host}
		byHost[host] = info
		return info
	}

	for _, e := range d.Engines {
		stats := e.Stats()
		entry(e.Host()).Engine = &stats
	}

	for host, exec := range d.Executors {
		info := entry(host)
		switch exec.(type) {
		case *fhemhttp.Client:
			info.Executor = "http"
		case *fhem.TelnetExecutor:
			info.Executor = "telnet"
		default:
			info.Executor = fmt.Sprintf("%T", exec)
		}
	}

	for _, c := range d.HTTPClients {
		n := c.CachedDevices()
		entry(c.Host()).CachedDevices = &n
	}

	if d.Router != nil {
		for host, stats := range d.Router.Stats() {
			entry(host).Queue = &stats
		}
	}

	info := HostsDebugInfo{
		Hosts:     make([]HostDebugInfo, 0, len(byHost)),
		Generated: time.Now(),
	}
	for _, h := range byHost {
		info.Hosts = append(info.Hosts, *h)
	}
	sort.Slice(info.Hosts, func(i, j int) bool {
		return info.Hosts[i].Host < info.Hosts[j].Host
	})

	if d.Status != nil {
		info.Components = d.Status.LastStatus()
	}

	return info
}
