// Command servidor-burrao is a deliberately slow upstream for exercising the
// gateway by hand: every request is held for DELAY (default 2s) and the
// number of requests in progress is logged, so the concurrency cap is visible.
package main

import (
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"admission-gateway/internal/obs"
)

func main() {
	logger := obs.SetupLogger(os.Getenv("LOG_LEVEL"))

	delay := 2 * time.Second
	if v := os.Getenv("DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Fatal().Err(err).Str("DELAY", v).Msg("invalid delay")
		}
		delay = d
	}

	var inProgress atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/showTela", func(w http.ResponseWriter, r *http.Request) {
		n := inProgress.Add(1)
		defer inProgress.Add(-1)
		logger.Info().Int64("in_progress", n).Msg("showTela")

		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<h1>Tela do Sistema</h1><p>Requisição recebida com sucesso!</p>")
	})
	mux.HandleFunc("/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		n := inProgress.Add(1)
		defer inProgress.Add(-1)
		logger.Info().Int64("in_progress", n).Int64("bytes", r.ContentLength).Msg("chat")

		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"reply":"ok","in_progress":%d}`, n)
	})

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}
	logger.Info().Str("addr", addr).Dur("delay", delay).Msg("slow upstream listening")
	if err := http.ListenAndServe(addr, obs.Logger(logger)(mux)); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
