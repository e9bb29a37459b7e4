// Package session describes who ran an acquisition, from where, and when.
package session

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
)

// Session identifies one acquisition run. It is written to session.json in
// the case directory and its ID names the case directory.
type Session struct {
	ID        string    `json:"session_id"`
	Actor     string    `json:"actor"`
	Host      string    `json:"host"`
	IP        string    `json:"ip"`
	StartedAt time.Time `json:"started_at"`
	Tool      string    `json:"tool"`
	Account   string    `json:"account,omitempty"`
}

// New starts a session for actor. An empty actor falls back to the local
// user name.
func New(actor, tool string) Session {
	if actor == "" {
		actor = LocalUser()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return Session{
		ID:        uuid.NewString(),
		Actor:     actor,
		Host:      host,
		IP:        LocalIP(),
		StartedAt: time.Now().UTC(),
		Tool:      tool,
	}
}

// CaseID is the case directory name: start date plus the first eight
// characters of the session id.
func (s Session) CaseID() string {
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return s.StartedAt.UTC().Format(time.DateOnly) + "_" + id
}

// Save writes the session as indented JSON.
func (s Session) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Load reads a session.json file.
func Load(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("parse session %s: %w", path, err)
	}
	return s, nil
}

// LocalUser returns $USER, then $USERNAME, then "unknown".
func LocalUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "unknown"
}

// LocalIP returns the first non-loopback IPv4 address of this host, or
// 127.0.0.1 when there is none.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}
