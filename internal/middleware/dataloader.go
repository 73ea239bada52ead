package middleware

import (
	"net/http"

	"github.com/rpattn/recon/internal/metadata"
	"github.com/rpattn/recon/internal/tableloader"
)

// TableLoaderMiddleware attaches a per-request table loader so every rule
// executed while serving the request shares one read of each source table.
func TableLoaderMiddleware(store *metadata.Store, source tableloader.Source) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := tableloader.New(store.Current(), source)
			ctx := tableloader.WithLoader(r.Context(), loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
