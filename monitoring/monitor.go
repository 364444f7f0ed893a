// Package monitoring turns a running simulation into a small HTTP
// server for live inspection.
package monitoring

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/pkg/browser"

	"github.com/sarchlab/dtusim/sim"
)

// Monitor allows external inspection of a simulation.
type Monitor struct {
	engine     sim.Engine
	components []sim.Component
	portNumber int
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port the server listens on. Zero picks a
// random port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	m.portNumber = portNumber
	return m
}

// RegisterEngine registers the engine that drives the simulation.
func (m *Monitor) RegisterEngine(e sim.Engine) {
	m.engine = e
}

// RegisterComponent registers a component to be monitored.
func (m *Monitor) RegisterComponent(c sim.Component) {
	m.components = append(m.components, c)
}

// StartServer starts the monitoring server and opens the dashboard.
func (m *Monitor) StartServer() {
	r := mux.NewRouter()
	r.HandleFunc("/api/now", m.handleNow)
	r.HandleFunc("/api/components", m.handleComponents)
	r.HandleFunc("/api/component/{name}", m.handleComponent)

	listener, err := net.Listen("tcp",
		fmt.Sprintf(":%d", m.portNumber))
	if err != nil {
		log.Panic(err)
	}

	url := fmt.Sprintf("http://localhost:%d/api/components",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring simulation at %s\n", url)

	go func() {
		_ = browser.OpenURL(url)
	}()

	go func() {
		if err := http.Serve(listener, r); err != nil {
			log.Println(err)
		}
	}()
}

func (m *Monitor) handleNow(w http.ResponseWriter, _ *http.Request) {
	rsp := map[string]float64{
		"now": float64(m.engine.CurrentTime()),
	}
	m.writeJSON(w, rsp)
}

func (m *Monitor) handleComponents(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.components))
	for _, c := range m.components {
		names = append(names, c.Name())
	}
	m.writeJSON(w, names)
}

func (m *Monitor) handleComponent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	for _, c := range m.components {
		if c.Name() != name {
			continue
		}

		ports := make([]string, 0)
		for _, p := range c.Ports() {
			ports = append(ports, p.Name())
		}

		m.writeJSON(w, map[string]any{
			"name":  c.Name(),
			"ports": ports,
		})
		return
	}

	http.NotFound(w, r)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println(err)
	}
}
