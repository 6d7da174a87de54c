package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is an extra named dependency probe, for example the NSQ producer.
type Check func(ctx context.Context) error

type Status struct {
	OK       bool              `json:"ok"`
	Message  string            `json:"message,omitempty"`
	Database bool              `json:"database"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Timeout bounds each probe.
const Timeout = 1 * time.Second

// HTTPHandler reports whether the service and its dependencies are reachable.
// A nil pinger means no database is configured.
func HTTPHandler(db Pinger, checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), Timeout)
			err := db.Ping(ctx)
			cancel()
			if err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}

		for _, name := range names {
			if st.Checks == nil {
				st.Checks = make(map[string]string, len(names))
			}
			ctx, cancel := context.WithTimeout(r.Context(), Timeout)
			err := checks[name](ctx)
			cancel()
			if err != nil {
				st.Checks[name] = err.Error()
				if st.OK {
					st.OK = false
					st.Message = name + " check failed"
				}
				continue
			}
			st.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
