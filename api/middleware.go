/*
middleware.go - Station authentication

PURPOSE:
  Terminals authenticate with a per-station API key in the X-API-Key
  header. The middleware resolves the key to an active fuel station and
  injects it into the request context; handlers that need the station
  pull it back out with StationFrom.

  Management endpoints (organizations, cards, stations) are not guarded
  here; they are expected to live behind an internal gateway.
*/
package api

import (
	"context"
	"net/http"

	"github.com/warp/fuel-ledger/engine"
)

const apiKeyHeader = "X-API-Key"

type contextKey string

const stationContextKey contextKey = "fuel-station"

// RequireStation rejects requests that do not carry a valid station
// API key.
func RequireStation(identity engine.FuelStationIdentity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(apiKeyHeader)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "API key is missing", nil)
				return
			}

			station, err := identity.ResolveAPIKey(r.Context(), key)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid API key", nil)
				return
			}

			ctx := context.WithValue(r.Context(), stationContextKey, station)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StationFrom returns the authenticated station, if any.
func StationFrom(ctx context.Context) (*engine.FuelStation, bool) {
	station, ok := ctx.Value(stationContextKey).(*engine.FuelStation)
	return station, ok
}
