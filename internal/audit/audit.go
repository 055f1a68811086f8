// Package audit records a durable trail of every command CommandRouter dispatches, adapted
// durable trail, adapted onto the CNC's node/host/command shape.
package audit

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry is one audit row: a single routed command and its terminal outcome.
type Entry struct {
	ID            string
	Timestamp     time.Time
	NodeID        string
	HostFQN       string
	CommandType   string
	CommandID     string
	CorrelationID string
	Success       bool
	Error         string
	DurationMs    int
}

// Logger persists Entry rows to sqlite, best-effort: a logging failure never fails the
// command it's describing.
type Logger struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewLogger(db *sql.DB, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{db: db, logger: logger}
}

// LogCommand records one routed command's outcome. nodeID/hostFQN may be empty (a node-scoped
// scan has no host), commandType matches the outbound MessageType, and duration is measured
// from dispatch to terminal result.
func (l *Logger) LogCommand(nodeID, hostFQN, commandType, commandID, correlationID string, success bool, errMsg string, duration time.Duration) {
	if l.db == nil {
		return
	}

	entry := Entry{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		NodeID:        nodeID,
		HostFQN:       hostFQN,
		CommandType:   commandType,
		CommandID:     commandID,
		CorrelationID: correlationID,
		Success:       success,
		Error:         errMsg,
		DurationMs:    int(duration.Milliseconds()),
	}

	if err := l.insertEntry(entry); err != nil {
		l.logger.Warn("failed to write audit log entry",
			zap.String("command_type", entry.CommandType),
			zap.String("command_id", entry.CommandID),
			zap.Error(err),
		)
	}
}

func (l *Logger) insertEntry(e Entry) error {
	_, err := l.db.Exec(`
		INSERT INTO audit_log (id, timestamp, node_id, host_fqn, command_type, command_id, correlation_id, success, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.Format(time.RFC3339Nano), e.NodeID, nullableString(e.HostFQN),
		e.CommandType, e.CommandID, nullableString(e.CorrelationID), e.Success, nullableString(e.Error), e.DurationMs)
	return err
}

// QueryByNode returns the most recent audit entries for nodeID, newest first.
func (l *Logger) QueryByNode(nodeID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.queryEntries(`
		SELECT id, timestamp, node_id, host_fqn, command_type, command_id, correlation_id, success, error, duration_ms
		FROM audit_log WHERE node_id = ? ORDER BY timestamp DESC LIMIT ?
	`, nodeID, limit)
}

// PurgeOlderThan deletes every entry older than retentionDays and returns the count removed.
func (l *Logger) PurgeOlderThan(retentionDays int) (int64, error) {
	if l.db == nil {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	result, err := l.db.Exec("DELETE FROM audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Logger) queryEntries(query string, args ...interface{}) ([]Entry, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var hostFQN, correlationID, errStr sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.NodeID, &hostFQN, &e.CommandType, &e.CommandID, &correlationID, &e.Success, &errStr, &e.DurationMs); err != nil {
			return nil, err
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		e.HostFQN = hostFQN.String
		e.CorrelationID = correlationID.String
		e.Error = errStr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
