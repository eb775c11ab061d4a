package database

import "context"

// Backend states reported by Report.
const (
	StateOK          = "ok"
	StateUnavailable = "unavailable"
	StateMemory      = "memory"
)

// Checker is a backend that can be pinged.
type Checker interface {
	Health(ctx context.Context) error
}

// Backend names one store backend. A nil Checker means the store runs in memory.
type Backend struct {
	Name    string
	Checker Checker
}

// Report pings every backend and returns its state by name. healthy is false when any
// configured backend fails its ping; in-memory backends never do.
func Report(ctx context.Context, backends ...Backend) (states map[string]string, healthy bool) {
	states = make(map[string]string, len(backends))
	healthy = true
	for _, b := range backends {
		switch {
		case b.Checker == nil:
			states[b.Name] = StateMemory
		case b.Checker.Health(ctx) != nil:
			states[b.Name] = StateUnavailable
			healthy = false
		default:
			states[b.Name] = StateOK
		}
	}
	return states, healthy
}

// Postgres wraps db as the "postgres" backend, in memory when db is nil.
func Postgres(db *PostgresDB) Backend {
	b := Backend{Name: "postgres"}
	if db != nil {
		b.Checker = db
	}
	return b
}

// Redis wraps r as the "redis" backend, in memory when r is nil.
func Redis(r *RedisDB) Backend {
	b := Backend{Name: "redis"}
	if r != nil {
		b.Checker = r
	}
	return b
}
