// Command example-server shows the controller used in-process, without a
// proxy: a simulated chat backend is wrapped in a GatedBackend whose cost is
// the prompt's token count, and per-client shedding sits in front of the mux.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"admission-gateway/internal/obs"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Reply      string  `json:"reply"`
	PromptCost float64 `json:"prompt_cost"`
}

// simulatedLLM answers after a latency proportional to the prompt size.
type simulatedLLM struct {
	perMessage time.Duration
}

func (s simulatedLLM) Call(ctx context.Context, req chatRequest) (chatResponse, error) {
	if len(req.Messages) == 0 {
		return chatResponse{}, errors.New("empty conversation")
	}
	delay := time.Duration(len(req.Messages))*s.perMessage + time.Duration(rand.Int64N(int64(50*time.Millisecond)))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return chatResponse{}, ctx.Err()
	}
	last := req.Messages[len(req.Messages)-1].Content
	return chatResponse{Reply: "echo: " + strings.ToUpper(last)}, nil
}

func main() {
	logger := obs.SetupLogger(os.Getenv("LOG_LEVEL"))

	counter, err := ratelimit.NewTiktokenCounter("gpt-4")
	if err != nil {
		logger.Fatal().Err(err).Msg("token encoding")
	}
	estimate := func(req chatRequest) float64 {
		n := 0
		for _, m := range req.Messages {
			n += counter.Count(m.Role) + counter.Count(m.Content)
		}
		return float64(n)
	}

	stats := infra.NewMemoryStatsStore()
	ctl, err := application.New(application.Config{
		MaxConcurrency:   4,
		RequestRateLimit: 60,
		CostRateLimit:    2000,
		AdmitTimeout:     10 * time.Second,
		RefundOnError:    true,
	}, application.WithLogger(logger), application.WithStats(stats))
	if err != nil {
		logger.Fatal().Err(err).Msg("admission config")
	}

	llm := application.NewGatedBackend[chatRequest, chatResponse](simulatedLLM{perMessage: 100 * time.Millisecond}, ctl, estimate)
	defer func() {
		_ = llm.Close()
		_ = ctl.Close()
	}()

	store := infra.NewClientStore(5, 10)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	store.StartJanitor(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx := application.WithCallInfo(r.Context(), application.CallInfo{
			Key:    domain.Key(r.Header.Get("X-Api-Key")),
			Method: r.Method,
			Path:   r.URL.Path,
		})
		resp, err := llm.Call(ctx, req)
		switch {
		case errors.Is(err, domain.ErrConfiguration):
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		resp.PromptCost = estimate(req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats.Total())
	})

	h := http.Handler(mux)
	h = ratelimit.Middleware(ratelimit.Options{
		Store:               store,
		KeyHeader:           "X-Api-Key", // empty keys by IP
		TrustXForwardedFor:  true,
		AddRateLimitHeaders: true,
	})(h)
	h = obs.Logger(logger)(h)

	addr := ":8082"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("example server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
}
