//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

// MountSwagger serves the swagger UI under /swagger/. doc.json comes from the
// swag registry, populated by a docs package generated with swag init.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
