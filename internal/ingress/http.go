// Package ingress implements C9: the HTTP POST endpoint and the inbound
// WebSocket server that deserialize external commands and publish them
// on C4. Grounded in the teacher's internal/api/server.go router/handler
// shape (gorilla/mux, JSON request/response helpers) and
// internal/desktop/visualizer/websocket.go's hub/client pump pattern.
package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
)

// HTTPServer serves POST / (spec §6): body is a JSON command object,
// published verbatim on C4.
type HTTPServer struct {
	addr   string
	bus    *bus.Bus
	log    *logger.Logger
	server *http.Server
}

// NewHTTPServer builds an HTTPServer bound to addr ("host:port").
func NewHTTPServer(addr string, b *bus.Bus) *HTTPServer {
	h := &HTTPServer{
		addr: addr,
		bus:  b,
		log:  logger.NewComponentLogger("HTTPIngress"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/", h.handlePost).Methods(http.MethodPost)

	h.server = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return h
}

func (h *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	h.bus.Publish(cmd)
	w.WriteHeader(http.StatusOK)
}

// Start begins serving in a background goroutine. Call Stop to shut down.
func (h *HTTPServer) Start() {
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error("http ingress server stopped: %v", err)
		}
	}()
}

// Stop gracefully shuts down the listener.
func (h *HTTPServer) Stop() {
	_ = h.server.Close()
}
