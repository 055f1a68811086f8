package storage

import "database/sql"

// Node mirrors the nodes table: one row per node-agent session NodeManager has ever seen.
type Node struct {
	ID              string
	Location        string
	Status          string
	ProtocolVersion sql.NullString
	LastHeartbeatAt sql.NullString
	ConnectedAt     sql.NullString
	DisconnectedAt  sql.NullString
}

// Host mirrors the hosts table: a reference HostAggregator row, keyed by the FQN
// `hostname@<percent-encoded location>`. The real HostAggregator storage is external per spec; this shape
// exists so CommandRouter's routes are independently testable.
type Host struct {
	ID           string
	NodeID       string
	Hostname     string
	Location     string
	MacAddress   sql.NullString
	IPAddress    sql.NullString
	Status       string
	Notes        sql.NullString
	Tags         sql.NullString
	DiscoveredAt sql.NullString
	UpdatedAt    sql.NullString
}

// Command mirrors the commands table and the lifecycle FSM:
// queued -> sent -> {acknowledged, failed, timed_out}.
type Command struct {
	ID             string
	NodeID         string
	FQN            sql.NullString
	Type           string
	Payload        string
	IdempotencyKey sql.NullString
	State          string
	RetryCount     int
	Error          sql.NullString
	CreatedAt      string
	UpdatedAt      string
	SentAt         sql.NullString
	CompletedAt    sql.NullString
}

const (
	CommandStateQueued       = "queued"
	CommandStateSent         = "sent"
	CommandStateAcknowledged = "acknowledged"
	CommandStateFailed       = "failed"
	CommandStateTimedOut     = "timed_out"
)

// Storage bundles the raw *sql.DB handle shared by the reference store implementations
// (CommandStore, NodeStore, HostStore) so callers open one connection per process.
type Storage struct {
	db *sql.DB
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) Close() error {
	return s.db.Close()
}
