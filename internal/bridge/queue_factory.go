package bridge

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildEventQueueFromDSN selects a queue backend by DSN scheme:
// memory:// for tests and throwaway runs, file://path for durable
// single-process deployments, postgres:// for shared durable queues.
// A bare path is treated as a file queue.
func BuildEventQueueFromDSN(dsn string, capacity int) (EventQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryEventQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileEventQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryEventQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresEventQueue(dsn, capacity)
	default:
		return nil, fmt.Errorf("unsupported event queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
