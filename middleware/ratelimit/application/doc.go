// Package application holds the admission use cases.
//
// AdmissionController composes a concurrency gate and two token buckets
// (request rate and cost rate) into Admit/Release; GatedBackend wraps any
// backend call with them; ShedService makes the non-blocking per-client
// decision used at the front door. Nothing here knows about net/http.
package application
