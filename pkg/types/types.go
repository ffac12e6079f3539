package types

import (
	"time"
)

// MachineStatus is derived from the machine's last-seen time; it is never
// stored independently.
type MachineStatus string

const (
	MachineStatusOnline  MachineStatus = "online"
	MachineStatusStale   MachineStatus = "stale"
	MachineStatusOffline MachineStatus = "offline"
)

// Machine is a snapshot of an endpoint device known to the fleet. The data
// store hands out deep copies only; mutating a snapshot never affects the
// registry.
type Machine struct {
	ID        string         `json:"id"`
	Info      map[string]any `json:"info"`
	Metrics   map[string]any `json:"metrics"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	Status    MachineStatus  `json:"status"`
}

// HistoryEntry is a single (timestamp, metrics) sample for a machine.
// Timestamps are assigned by the server at ingestion time.
type HistoryEntry struct {
	MachineID string         `json:"machine_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metrics   map[string]any `json:"metrics"`
}

// CommandStatus tracks the lifecycle of a dispatched command. Transitions
// are monotonic: pending -> delivered -> acknowledged, any state -> expired.
type CommandStatus string

const (
	CommandStatusPending      CommandStatus = "pending"
	CommandStatusDelivered    CommandStatus = "delivered"
	CommandStatusAcknowledged CommandStatus = "acknowledged"
	CommandStatusExpired      CommandStatus = "expired"
)

// Command is a server-minted instruction for a single target machine. It is
// queued until the machine polls, delivered on poll, and acknowledged by the
// agent's follow-up call.
type Command struct {
	ID             string         `json:"id"`
	MachineID      string         `json:"machine_id"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Status         CommandStatus  `json:"status"`
}

// NodeStatus represents the derived liveness of a cluster node.
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
)

// NodeRecord is the signed membership record a node writes into the
// coordination backend on every heartbeat. The signature covers
// (node_id, host, port, issued_at).
type NodeRecord struct {
	NodeID    string    `json:"node_id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	IssuedAt  time.Time `json:"issued_at"`
	Signature string    `json:"signature"`
}

// NodeSnapshot is a verified peer as seen by the cluster manager.
type NodeSnapshot struct {
	NodeID        string     `json:"node_id"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Status        NodeStatus `json:"status"`
}

// Session is a dashboard login backed by the coordination backend so any
// cluster node can resolve it. The token itself is the storage key and is
// never serialized into the record.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	CSRFToken string    `json:"csrf_token"`
}

// Role controls what a dashboard user may do.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// User is a dashboard account. PasswordHash is bcrypt, except for records
// migrated from older deployments where Legacy marks a hex SHA-256 hash that
// is upgraded in place on the next successful login.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	Legacy       bool      `json:"legacy,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary is the dashboard fleet overview.
type Summary struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Stale   int `json:"stale"`
	Offline int `json:"offline"`
}

// WidgetLogEntry is a single display-widget log line forwarded by an agent.
// The server stores nothing; entries are counted and written to the server
// log for operator triage.
type WidgetLogEntry struct {
	MachineID string    `json:"machine_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}
