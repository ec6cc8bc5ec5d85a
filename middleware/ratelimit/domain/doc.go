// Package domain defines the contracts and types shared by the admission
// controller, its gates and the HTTP adapters.
// It depends on neither net/http nor the concrete implementations.
package domain
