package server

// HealthSnapshot is the document the admin /health endpoint serves. The
// WSServer decorates the core stats with connection counts.
type HealthSnapshot struct {
	Stats
	Connections int `json:"connections"`
}

// HealthSnapshot implements admin.HealthSource.
func (s *WSServer) HealthSnapshot() any {
	return HealthSnapshot{
		Stats:       s.core.Stats(),
		Connections: s.ConnectionCount(),
	}
}
