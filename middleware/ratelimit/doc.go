// Package ratelimit provides net/http adapters for the admission controller
// and for per-client request shedding.
//
// Layers:
//
//   - domain: contracts and types (no net/http dependency)
//   - application: the admission controller, leases and the shed decision
//   - infra: concrete implementations (token bucket, concurrency gate, client store, stats stores)
//   - ratelimit (this package): HTTP middlewares, key extraction, cost estimation and
//     translation of admission errors to status codes and headers
//
// Request flow in the gateway:
//
//  1. Extract the client key (header, X-Forwarded-For or RemoteAddr)
//  2. Shed the request with 429 when the client is over its own rate
//  3. Estimate the request cost and wait for admission (concurrency, request rate, cost rate)
//  4. Call the next handler (for example a reverse proxy) and release the lease
//
// The gateway binary (cmd/gateway) reads these settings from a YAML file and
// environment variables such as MAX_CONCURRENCY, REQUEST_RATE_LIMIT and COST_RATE_LIMIT.
package ratelimit
