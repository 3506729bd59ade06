package quicbench

//
// Run-history index
//

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryStore appends one row per completed experiment to a local SQLite
// database, so that parameter sweeps can be inventoried without walking
// the artifact directories. The zero value is invalid; use
// [OpenHistoryStore] to construct.
type HistoryStore struct {
	// db is the underlying database.
	db *sql.DB
}

// historySchema creates the runs table.
const historySchema = `
CREATE TABLE IF NOT EXISTS runs(
	ts INTEGER NOT NULL,
	topology TEXT NOT NULL,
	bandwidth_mbps REAL NOT NULL,
	delay_ms REAL NOT NULL,
	loss_percent REAL NOT NULL,
	duration_sec INTEGER NOT NULL,
	host_count INTEGER NOT NULL,
	bottleneck_mbps REAL NOT NULL,
	degraded_flows INTEGER NOT NULL,
	output_dir TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_topology ON runs(topology);`

// OpenHistoryStore opens (and, if needed, initializes) the history
// database at path.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		db.Close()
		return nil, err
	}
	return &HistoryStore{db: db}, nil
}

// RecordRun appends one run to the index. The bottleneck throughput is
// taken from the first interface summary sample.
func (hs *HistoryStore) RecordRun(result *ExperimentResult, outputDir string) error {
	var bottleneckMbps float64
	if len(result.Interfaces) > 0 {
		bottleneckMbps = result.Interfaces[0].Value
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := hs.db.ExecContext(ctx,
		`INSERT INTO runs(ts, topology, bandwidth_mbps, delay_ms, loss_percent,
			duration_sec, host_count, bottleneck_mbps, degraded_flows, output_dir)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		time.Now().Unix(),
		result.Topology,
		result.BandwidthMbps,
		float64(result.Delay)/float64(time.Millisecond),
		result.LossPercent,
		result.DurationSec,
		result.HostCount,
		bottleneckMbps,
		result.DegradedFlows,
		outputDir,
	)
	return err
}

// RunCount returns the number of recorded runs for a topology. An empty
// topology counts every run.
func (hs *HistoryStore) RunCount(topology string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var count int
	var err error
	if topology == "" {
		err = hs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count)
	} else {
		err = hs.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM runs WHERE topology = ?`, topology).Scan(&count)
	}
	return count, err
}

// Close closes the underlying database.
func (hs *HistoryStore) Close() error {
	return hs.db.Close()
}
