// Package statestore persists execution states to a local SQLite
// database. All writes flow through a single serialized writer loop;
// reads are served from per-execution caches first and fall back to
// the shared connection (WAL keeps readers unblocked).
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/log"
)

// ErrNotFound is returned when an execution id has no row and no cache
// entry.
var ErrNotFound = errors.New("execution not found")

// timeFormat keeps a fixed-width fraction so the lexicographic order
// of started_at strings equals time order; RFC3339Nano trims trailing
// zeros and breaks ORDER BY within a second. Parsing stays on
// RFC3339Nano, which accepts both widths, so older rows still load.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// stateCache is the in-memory view of one active execution: the full
// state plus per-node quick-access copies of the last output and
// status.
type stateCache struct {
	state      *execution.State
	lastOutput map[string]*envelope.Envelope
	lastStatus map[string]execution.NodeStatus
}

// Store is the durable execution-state store.
type Store struct {
	path string

	mu     sync.Mutex // guards db and caches
	db     *sql.DB
	caches map[string]*stateCache

	closeMu    sync.RWMutex // guards closed and the jobs channel lifecycle
	closed     bool
	jobs       chan writeJob
	writerDone chan struct{}

	log *log.Logger
}

// Open opens (creating if needed) the database at path and starts the
// writer loop. A nil logger disables logging.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{
		path:       path,
		db:         db,
		caches:     map[string]*stateCache{},
		jobs:       make(chan writeJob, 256),
		writerDone: make(chan struct{}),
		log:        logger,
	}
	go s.writerLoop()
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// One connection: the writer loop serializes writes and WAL lets
	// reads share it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA cache_size=-65536",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=268435456",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS execution_states (
    execution_id   TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    diagram_id     TEXT,
    started_at     TEXT NOT NULL,
    ended_at       TEXT,
    node_states    TEXT NOT NULL DEFAULT '{}',
    node_outputs   TEXT NOT NULL DEFAULT '{}',
    llm_usage      TEXT NOT NULL DEFAULT '{}',
    error          TEXT,
    variables      TEXT NOT NULL DEFAULT '{}',
    exec_counts    TEXT NOT NULL DEFAULT '{}',
    executed_nodes TEXT NOT NULL DEFAULT '[]',
    created_at     TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_execution_states_status   ON execution_states(status);
CREATE INDEX IF NOT EXISTS idx_execution_states_started  ON execution_states(started_at);
CREATE INDEX IF NOT EXISTS idx_execution_states_diagram  ON execution_states(diagram_id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	// Additive migration; older databases lack the column.
	if _, err := db.Exec(`ALTER TABLE execution_states ADD COLUMN metrics TEXT`); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
			return fmt.Errorf("migrate metrics column: %w", err)
		}
	}
	return nil
}

// CreateExecution registers a new execution, caches it and persists
// the initial row.
func (s *Store) CreateExecution(ctx context.Context, id, diagramID string, variables map[string]any) (*execution.State, error) {
	state := execution.NewState(id, diagramID, variables)

	s.mu.Lock()
	if _, exists := s.caches[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("execution %q already exists", id)
	}
	s.caches[id] = &stateCache{
		state:      state,
		lastOutput: map[string]*envelope.Envelope{},
		lastStatus: map[string]execution.NodeStatus{},
	}
	row, err := rowFromState(state)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, upsertJob(row)); err != nil {
		return nil, err
	}
	s.log.Debug("execution created", map[string]any{"execution_id": id, "diagram_id": diagramID})
	return state.Clone(), nil
}

// SaveState replaces the cached state and persists it.
func (s *Store) SaveState(ctx context.Context, st *execution.State) error {
	if st == nil || st.ID == "" {
		return fmt.Errorf("state must carry an execution id")
	}
	clone := st.Clone()
	s.mu.Lock()
	c := s.caches[st.ID]
	if c == nil {
		c = &stateCache{
			lastOutput: map[string]*envelope.Envelope{},
			lastStatus: map[string]execution.NodeStatus{},
		}
		s.caches[st.ID] = c
	}
	c.state = clone
	row, err := rowFromState(clone)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.enqueue(ctx, upsertJob(row))
}

// GetState returns the execution state, cache first.
func (s *Store) GetState(ctx context.Context, id string) (*execution.State, error) {
	s.mu.Lock()
	if c, ok := s.caches[id]; ok {
		st := c.state.Clone()
		s.mu.Unlock()
		return st, nil
	}
	db := s.db
	s.mu.Unlock()
	return readState(ctx, db, id)
}

// mutate applies f to the live state under the store lock, then
// persists the result. The execution is loaded into cache when absent.
func (s *Store) mutate(ctx context.Context, id string, f func(c *stateCache) error) error {
	s.mu.Lock()
	c, ok := s.caches[id]
	if !ok {
		st, err := readState(ctx, s.db, id)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		c = &stateCache{
			state:      st,
			lastOutput: map[string]*envelope.Envelope{},
			lastStatus: map[string]execution.NodeStatus{},
		}
		s.caches[id] = c
	}
	if err := f(c); err != nil {
		s.mu.Unlock()
		return err
	}
	row, err := rowFromState(c.state)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.enqueue(ctx, upsertJob(row))
}

// UpdateStatus sets the overall status. Terminal statuses stamp
// ended_at and deactivate the execution.
func (s *Store) UpdateStatus(ctx context.Context, id string, status execution.Status, errMsg string) error {
	return s.mutate(ctx, id, func(c *stateCache) error {
		c.state.Status = status
		if errMsg != "" {
			c.state.Error = errMsg
		}
		if status.IsTerminal() {
			now := time.Now().UTC()
			c.state.EndedAt = &now
			c.state.IsActive = false
		}
		return nil
	})
}

// UpdateNodeOutput stores a node's output, wrapping non-envelope
// values: errors become error envelopes, strings become text, anything
// else an object envelope. Returns the stored envelope.
func (s *Store) UpdateNodeOutput(ctx context.Context, id, nodeID string, output any, isException bool, usage *execution.TokenUsage) (*envelope.Envelope, error) {
	env := wrapOutput(nodeID, id, output, isException)
	wire, err := envelope.Marshal(env)
	if err != nil {
		return nil, err
	}
	err = s.mutate(ctx, id, func(c *stateCache) error {
		c.state.NodeOutputs[nodeID] = wire
		c.lastOutput[nodeID] = env
		if usage != nil {
			c.state.LLMUsage.Add(*usage)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// UpdateNodeStatus mirrors the tracker's transition rules on the
// persisted state: going RUNNING bumps the exec count and appends the
// node to executed_nodes on its first run.
func (s *Store) UpdateNodeStatus(ctx context.Context, id, nodeID string, status execution.NodeStatus, errMsg string) error {
	return s.mutate(ctx, id, func(c *stateCache) error {
		ns := c.state.NodeStates[nodeID]
		if ns == nil {
			ns = &execution.NodeState{}
			c.state.NodeStates[nodeID] = ns
		}
		if status == execution.NodeRunning {
			c.state.ExecCounts[nodeID]++
			seen := false
			for _, n := range c.state.ExecutedNodes {
				if n == nodeID {
					seen = true
					break
				}
			}
			if !seen {
				c.state.ExecutedNodes = append(c.state.ExecutedNodes, nodeID)
			}
		}
		ns.Status = status
		ns.Error = errMsg
		c.lastStatus[nodeID] = status
		return nil
	})
}

// GetNodeOutput returns the node's last output envelope.
func (s *Store) GetNodeOutput(ctx context.Context, id, nodeID string) (*envelope.Envelope, error) {
	s.mu.Lock()
	if c, ok := s.caches[id]; ok {
		if env, ok := c.lastOutput[nodeID]; ok {
			s.mu.Unlock()
			return env, nil
		}
		wire, ok := c.state.NodeOutputs[nodeID]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("node %q has no output", nodeID)
		}
		return envelope.Unmarshal(wire)
	}
	db := s.db
	s.mu.Unlock()

	st, err := readState(ctx, db, id)
	if err != nil {
		return nil, err
	}
	wire, ok := st.NodeOutputs[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %q has no output", nodeID)
	}
	return envelope.Unmarshal(wire)
}

// UpdateVariables merges entries into the execution's variables.
func (s *Store) UpdateVariables(ctx context.Context, id string, vars map[string]any) error {
	return s.mutate(ctx, id, func(c *stateCache) error {
		if c.state.Variables == nil {
			c.state.Variables = map[string]any{}
		}
		for k, v := range vars {
			c.state.Variables[k] = v
		}
		return nil
	})
}

// UpdateMetrics replaces the execution's metrics blob.
func (s *Store) UpdateMetrics(ctx context.Context, id string, metrics map[string]any) error {
	return s.mutate(ctx, id, func(c *stateCache) error {
		c.state.Metrics = metrics
		return nil
	})
}

// AddLLMUsage accumulates token usage onto the execution.
func (s *Store) AddLLMUsage(ctx context.Context, id string, usage execution.TokenUsage) error {
	return s.mutate(ctx, id, func(c *stateCache) error {
		c.state.LLMUsage.Add(usage)
		return nil
	})
}

// PersistFinalState flushes the terminal state and evicts the cache
// entry.
func (s *Store) PersistFinalState(ctx context.Context, st *execution.State) error {
	if st == nil {
		return fmt.Errorf("nil final state")
	}
	st.IsActive = false
	if st.EndedAt == nil {
		now := time.Now().UTC()
		st.EndedAt = &now
	}
	if err := s.SaveState(ctx, st); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.caches, st.ID)
	s.mu.Unlock()
	s.log.Debug("final state persisted", map[string]any{"execution_id": st.ID, "status": string(st.Status)})
	return nil
}

// ListFilter narrows ListExecutions results.
type ListFilter struct {
	DiagramID string
	Status    execution.Status
	Limit     int
	Offset    int
}

// ListExecutions returns executions newest-first.
func (s *Store) ListExecutions(ctx context.Context, filter ListFilter) ([]*execution.State, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + stateColumns + ` FROM execution_states`
	var where []string
	var args []any
	if filter.DiagramID != "" {
		where = append(where, "diagram_id = ?")
		args = append(args, filter.DiagramID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CleanupOldStates deletes executions started before the cutoff and
// reclaims space. Returns the number of rows removed.
func (s *Store) CleanupOldStates(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeFormat)
	var removed int64
	err := s.enqueue(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`DELETE FROM execution_states WHERE started_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		removed, _ = res.RowsAffected()
		if _, err := db.Exec(`VACUUM`); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for id, c := range s.caches {
		if c.state.StartedAt.UTC().Format(timeFormat) < cutoff {
			delete(s.caches, id)
		}
	}
	s.mu.Unlock()
	return removed, nil
}

// Close drains pending writes, stops the writer and closes the
// connection.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.closeMu.Unlock()

	<-s.writerDone

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func wrapOutput(nodeID, executionID string, output any, isException bool) *envelope.Envelope {
	opts := []envelope.Option{envelope.WithProducer(nodeID), envelope.WithTrace(executionID)}
	switch v := output.(type) {
	case *envelope.Envelope:
		return v
	case error:
		return envelope.ErrorText(v.Error(), fmt.Sprintf("%T", v), opts...)
	case string:
		if isException {
			return envelope.ErrorText(v, "Exception", opts...)
		}
		return envelope.Text(v, opts...)
	default:
		if isException {
			return envelope.ErrorText(fmt.Sprintf("%v", v), "Exception", opts...)
		}
		return envelope.JSON(v, opts...)
	}
}

const stateColumns = `execution_id, status, diagram_id, started_at, ended_at,
	node_states, node_outputs, llm_usage, error, variables, exec_counts,
	executed_nodes, metrics`

type rowData struct {
	id            string
	status        string
	diagramID     sql.NullString
	startedAt     string
	endedAt       sql.NullString
	nodeStates    string
	nodeOutputs   string
	llmUsage      string
	errMsg        sql.NullString
	variables     string
	execCounts    string
	executedNodes string
	metrics       sql.NullString
}

func rowFromState(st *execution.State) (rowData, error) {
	r := rowData{
		id:        st.ID,
		status:    string(st.Status),
		startedAt: st.StartedAt.UTC().Format(timeFormat),
	}
	if st.DiagramID != "" {
		r.diagramID = sql.NullString{String: st.DiagramID, Valid: true}
	}
	if st.EndedAt != nil {
		r.endedAt = sql.NullString{String: st.EndedAt.UTC().Format(timeFormat), Valid: true}
	}
	if st.Error != "" {
		r.errMsg = sql.NullString{String: st.Error, Valid: true}
	}
	var err error
	if r.nodeStates, err = encodeJSON(st.NodeStates); err != nil {
		return r, err
	}
	if r.nodeOutputs, err = encodeJSON(st.NodeOutputs); err != nil {
		return r, err
	}
	if r.llmUsage, err = encodeJSON(st.LLMUsage); err != nil {
		return r, err
	}
	if r.variables, err = encodeJSON(st.Variables); err != nil {
		return r, err
	}
	if r.execCounts, err = encodeJSON(st.ExecCounts); err != nil {
		return r, err
	}
	if r.executedNodes, err = encodeJSON(st.ExecutedNodes); err != nil {
		return r, err
	}
	if st.Metrics != nil {
		m, err := encodeJSON(st.Metrics)
		if err != nil {
			return r, err
		}
		r.metrics = sql.NullString{String: m, Valid: true}
	}
	return r, nil
}

func upsertJob(r rowData) func(db *sql.DB) error {
	return func(db *sql.DB) error {
		_, err := db.Exec(`
INSERT INTO execution_states (
    execution_id, status, diagram_id, started_at, ended_at,
    node_states, node_outputs, llm_usage, error, variables,
    exec_counts, executed_nodes, metrics
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(execution_id) DO UPDATE SET
    status = excluded.status,
    diagram_id = excluded.diagram_id,
    started_at = excluded.started_at,
    ended_at = excluded.ended_at,
    node_states = excluded.node_states,
    node_outputs = excluded.node_outputs,
    llm_usage = excluded.llm_usage,
    error = excluded.error,
    variables = excluded.variables,
    exec_counts = excluded.exec_counts,
    executed_nodes = excluded.executed_nodes,
    metrics = excluded.metrics`,
			r.id, r.status, r.diagramID, r.startedAt, r.endedAt,
			r.nodeStates, r.nodeOutputs, r.llmUsage, r.errMsg, r.variables,
			r.execCounts, r.executedNodes, r.metrics)
		if err != nil {
			return fmt.Errorf("persist execution %s: %w", r.id, err)
		}
		return nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(rs rowScanner) (*execution.State, error) {
	var r rowData
	if err := rs.Scan(
		&r.id, &r.status, &r.diagramID, &r.startedAt, &r.endedAt,
		&r.nodeStates, &r.nodeOutputs, &r.llmUsage, &r.errMsg, &r.variables,
		&r.execCounts, &r.executedNodes, &r.metrics,
	); err != nil {
		return nil, fmt.Errorf("scan execution row: %w", err)
	}

	st := &execution.State{
		ID:        r.id,
		Status:    execution.Status(r.status),
		DiagramID: r.diagramID.String,
		Error:     r.errMsg.String,
	}
	var err error
	if st.StartedAt, err = time.Parse(time.RFC3339Nano, r.startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, r.endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		st.EndedAt = &t
	}
	st.IsActive = !st.Status.IsTerminal()
	if err := decodeJSON(r.nodeStates, &st.NodeStates); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.nodeOutputs, &st.NodeOutputs); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.llmUsage, &st.LLMUsage); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.variables, &st.Variables); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.execCounts, &st.ExecCounts); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.executedNodes, &st.ExecutedNodes); err != nil {
		return nil, err
	}
	if r.metrics.Valid && r.metrics.String != "" {
		if err := decodeJSON(r.metrics.String, &st.Metrics); err != nil {
			return nil, err
		}
	}
	if st.NodeStates == nil {
		st.NodeStates = map[string]*execution.NodeState{}
	}
	if st.NodeOutputs == nil {
		st.NodeOutputs = map[string]map[string]any{}
	}
	if st.ExecCounts == nil {
		st.ExecCounts = map[string]int{}
	}
	if st.ExecutedNodes == nil {
		st.ExecutedNodes = []string{}
	}
	if st.Variables == nil {
		st.Variables = map[string]any{}
	}
	return st, nil
}

func readState(ctx context.Context, db *sql.DB, id string) (*execution.State, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM execution_states WHERE execution_id = ?`, id)
	st, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), sql.ErrNoRows.Error()) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return st, nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	return string(raw), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return nil
}
