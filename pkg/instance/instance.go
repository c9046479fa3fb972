package instance

import (
	"fmt"
	"os"
	"strings"
)

// GetID returns the worker instance identifier used as the outbox lock owner.
// WORKER_ID wins; otherwise hostname and pid are combined so that replicas
// started from the same image never share an owner.
func GetID() string {
	if id := strings.TrimSpace(os.Getenv("WORKER_ID")); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
