package application

import (
	"context"
	"errors"
	"io"
)

// Backend is any request-serving component whose calls should be gated.
type Backend[Req, Resp any] interface {
	Call(ctx context.Context, req Req) (Resp, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

func (f BackendFunc[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// Estimator returns the cost units a request is expected to consume
// (for example its prompt token count).
type Estimator[Req any] func(req Req) float64

// GatedBackend runs every call through an AdmissionController.
type GatedBackend[Req, Resp any] struct {
	backend    Backend[Req, Resp]
	controller *AdmissionController
	estimate   Estimator[Req]
}

// NewGatedBackend wraps backend. A nil estimate charges zero cost units.
func NewGatedBackend[Req, Resp any](backend Backend[Req, Resp], controller *AdmissionController, estimate Estimator[Req]) *GatedBackend[Req, Resp] {
	return &GatedBackend[Req, Resp]{
		backend:    backend,
		controller: controller,
		estimate:   estimate,
	}
}

// Unwrap returns the wrapped backend.
func (g *GatedBackend[Req, Resp]) Unwrap() Backend[Req, Resp] { return g.backend }

func (g *GatedBackend[Req, Resp]) Controller() *AdmissionController { return g.controller }

// Close closes the wrapped backend when it is an io.Closer. The controller is
// left open since other backends may share it.
func (g *GatedBackend[Req, Resp]) Close() error {
	if c, ok := g.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Call waits for admission, calls the backend and releases the lease whatever
// the outcome. When the controller refunds on error, a failed call gives its
// units back before the release.
func (g *GatedBackend[Req, Resp]) Call(ctx context.Context, req Req) (resp Resp, err error) {
	var cost float64
	if g.estimate != nil {
		cost = g.estimate(req)
	}

	lease, err := g.controller.Admit(ctx, cost)
	if err != nil {
		return resp, err
	}
	defer func() {
		if relErr := g.controller.Release(lease); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()

	resp, err = g.backend.Call(ctx, req)
	if err != nil {
		if refErr := g.controller.Refund(lease); refErr != nil {
			err = errors.Join(err, refErr)
		}
	}
	return resp, err
}
