package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"
)

// callbackServer is the short-lived localhost listener the Fitbit
// authorization redirect returns to. It hands the full redirect URL to
// the link manager and reports the outcome in the browser tab.
type callbackServer struct {
	srv  *http.Server
	addr string
}

func startCallbackServer(port int, logger *log.Logger, handle func(rawURL string) bool) (*callbackServer, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		raw := "http://" + addr + r.URL.String()
		if handle(raw) {
			_, _ = io.WriteString(w, "Fitbit link processed. You can close this tab and return to the terminal.")
			return
		}
		http.Error(w, "missing authorization code", http.StatusBadRequest)
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Printf("[callback] listener stopped: %v", err)
		}
	}()
	return &callbackServer{srv: srv, addr: addr}, nil
}

func (c *callbackServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.srv.Shutdown(ctx)
}
