package config

import (
	"fmt"
	"os"
	"time"
)

// SessionID generates a process-unique session id from the hostname,
// pid and current time. The orchestrator binary does not call it: its
// default session id is a generated uuid. Adapted from the teacher's
// instance.InstanceInfo,
// stripped of its Windows-only PID-lock machinery — only the identity
// derivation survives here.
func SessionID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("session-%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
