package meshcore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// defaultNodeLimit caps Nodes when no limit is given.
const defaultNodeLimit = 500

// Node is a mesh node learned from its adverts.
type Node struct {
	PublicKey   string    `json:"public_key"`
	Name        *string   `json:"name,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	AdvertTime  *int64    `json:"advert_time,omitempty"`
	Hops        int       `json:"hops"`
	HeardBy     string    `json:"heard_by"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	AdvertCount int       `json:"advert_count"`
}

// NodeRecorder keeps a registry of every node heard advertising. It is
// registered as a PacketObserver on the Bridge and upserts one row per
// public key into the mesh_nodes table.
//
// Fields missing from a later advert (an advert without location, say)
// keep their previously recorded value.
//
// Thread Safety: All methods are safe for concurrent use.
type NodeRecorder struct {
	db     *sql.DB
	logger Logger

	upsertStmt *sql.Stmt
	stmtMu     sync.Mutex

	closed bool
	mu     sync.RWMutex
}

// NewNodeRecorder creates a recorder. The database must have the
// mesh_nodes table created (see migrations).
func NewNodeRecorder(db *sql.DB) *NodeRecorder {
	return &NodeRecorder{db: db}
}

// SetLogger sets the logger for the recorder.
func (r *NodeRecorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the recorder for use.
// Must be called before ObservePacket.
func (r *NodeRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		return nil
	}

	stmt, err := r.db.Prepare(`
		INSERT INTO mesh_nodes (public_key, name, mode, lat, lon, advert_time, hops, heard_by, first_seen, last_seen, advert_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(public_key) DO UPDATE SET
			name = COALESCE(excluded.name, name),
			mode = COALESCE(excluded.mode, mode),
			lat = COALESCE(excluded.lat, lat),
			lon = COALESCE(excluded.lon, lon),
			advert_time = COALESCE(excluded.advert_time, advert_time),
			hops = excluded.hops,
			heard_by = excluded.heard_by,
			last_seen = excluded.last_seen,
			advert_count = advert_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing node upsert statement: %w", err)
	}

	r.upsertStmt = stmt
	r.log("node recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *NodeRecorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		r.upsertStmt.Close()
		r.upsertStmt = nil
	}

	r.log("node recorder stopped")
}

// ObservePacket records the advertising node of an Advert frame. Other
// frames, and adverts too short to carry a public key, are ignored.
func (r *NodeRecorder) ObservePacket(originID string, pkt *Packet, at time.Time) {
	if pkt == nil || pkt.Advert == nil || pkt.Advert.PublicKey == "" {
		return
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	stmt := r.upsertStmt
	r.stmtMu.Unlock()
	if stmt == nil {
		return // Not started
	}

	a := pkt.Advert
	var advertTime *int64
	if a.AdvertTime != nil {
		t := int64(*a.AdvertTime)
		advertTime = &t
	}
	var mode *string
	if a.Mode != "" {
		mode = &a.Mode
	}

	ts := at.Unix()
	if _, err := stmt.Exec(a.PublicKey, a.Name, mode, a.Lat, a.Lon, advertTime,
		len(pkt.Path), originID, ts, ts); err != nil {
		r.logError("recording node", err, "public_key", a.PublicKey)
	}
}

// Nodes returns recorded nodes, most recently heard first.
func (r *NodeRecorder) Nodes(ctx context.Context, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = defaultNodeLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT public_key, name, mode, lat, lon, advert_time, hops, heard_by, first_seen, last_seen, advert_count
		FROM mesh_nodes
		ORDER BY last_seen DESC, public_key
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	nodes := []Node{}
	for rows.Next() {
		var (
			n                   Node
			name, mode          sql.NullString
			lat, lon            sql.NullFloat64
			advertTime          sql.NullInt64
			firstSeen, lastSeen int64
		)
		if err := rows.Scan(&n.PublicKey, &name, &mode, &lat, &lon, &advertTime,
			&n.Hops, &n.HeardBy, &firstSeen, &lastSeen, &n.AdvertCount); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		if name.Valid {
			n.Name = &name.String
		}
		n.Mode = mode.String
		if lat.Valid {
			n.Lat = &lat.Float64
		}
		if lon.Valid {
			n.Lon = &lon.Float64
		}
		if advertTime.Valid {
			n.AdvertTime = &advertTime.Int64
		}
		n.FirstSeen = time.Unix(firstSeen, 0)
		n.LastSeen = time.Unix(lastSeen, 0)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

// NodeCount returns the number of recorded nodes.
func (r *NodeRecorder) NodeCount(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mesh_nodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting nodes: %w", err)
	}
	return n, nil
}

func (r *NodeRecorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, keysAndValues...)
	}
}

func (r *NodeRecorder) logError(msg string, err error, keysAndValues ...any) {
	if r.logger != nil {
		args := append([]any{"error", err}, keysAndValues...)
		r.logger.Error(msg, args...)
	}
}
