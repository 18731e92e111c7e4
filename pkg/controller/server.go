package controller

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/Seann-Moser/rccar/pkg/command"
)

//go:embed index.html
var index []byte

type commandRequest struct {
	Command string `json:"command"`
}

type keyRequest struct {
	Key string `json:"key"`
}

type commandResponse struct {
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Pending map[string]int `json:"pending,omitempty"`
}

// Handler serves the control page and its JSON API.
func (c *Controller) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", serveFrontend)
	mux.HandleFunc("/api/config", c.handleGetConfig)
	mux.HandleFunc("/api/command", c.handleCommand)
	mux.HandleFunc("/api/key", c.handleKey)
	return mux
}

// StartServer serves Handler on addr until ctx is done.
func (c *Controller) StartServer(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		c.logger.Infow("Server running", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func serveFrontend(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(index)
}

func (c *Controller) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := c.Config.Marshal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

func (c *Controller) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := c.Execute(req.Command)
	c.respond(w, msg, err)
}

func (c *Controller) handleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev, err := command.ParseEvent(req.Key)
	if err != nil {
		c.writeJSON(w, http.StatusBadRequest, commandResponse{Status: err.Error(), Error: err.Error()})
		return
	}
	msg, err := c.OnDiscreteEvent(ev)
	c.respond(w, msg, err)
}

func (c *Controller) respond(w http.ResponseWriter, msg string, err error) {
	resp := commandResponse{Status: msg, Pending: c.Pending()}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusInternalServerError
		var pe *command.ParseError
		if errors.As(err, &pe) {
			code = http.StatusBadRequest
		} else {
			c.logger.Errorw("command failed", "error", err)
		}
	}
	c.writeJSON(w, code, resp)
}

func (c *Controller) writeJSON(w http.ResponseWriter, code int, resp commandResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.logger.Warnw("failed writing response", "error", err)
	}
}
