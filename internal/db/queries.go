package db

import "fmt"

// DispatchEvent represents a row in the dispatch_events table.
type DispatchEvent struct {
	ID         int
	TaskID     int
	Worker     string
	Stage      string
	Action     string
	ExitCode   int
	DurationMs int
	Detail     string
	Timestamp  string
}

// TickEvent represents a row in the tick_events table.
type TickEvent struct {
	ID        int
	Outcome   string
	TaskID    int
	Detail    string
	Timestamp string
}

// LogDispatch inserts a dispatch event.
func (d *DB) LogDispatch(taskID int, worker, stage, action string, exitCode int, durationMs int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO dispatch_events (task_id, worker, stage, action, exit_code, duration_ms, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		taskID, worker, stage, action, exitCode, durationMs, detail,
	)
	if err != nil {
		return fmt.Errorf("log dispatch event: %w", err)
	}
	return nil
}

// LogTick inserts a tick outcome. taskID is zero when the tick touched
// no task.
func (d *DB) LogTick(outcome string, taskID int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO tick_events (outcome, task_id, detail) VALUES (?, ?, ?)`,
		outcome, taskID, detail,
	)
	if err != nil {
		return fmt.Errorf("log tick event: %w", err)
	}
	return nil
}

// DispatchHistory returns the most recent dispatch events for a task,
// newest first.
func (d *DB) DispatchHistory(taskID, limit int) ([]DispatchEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, task_id, worker, stage, action, COALESCE(exit_code, 0), COALESCE(duration_ms, 0), COALESCE(detail, ''), timestamp
		 FROM dispatch_events WHERE task_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query dispatch history: %w", err)
	}
	defer rows.Close()

	var events []DispatchEvent
	for rows.Next() {
		var e DispatchEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Worker, &e.Stage, &e.Action, &e.ExitCode, &e.DurationMs, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan dispatch event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DispatchCounts returns dispatch counts per action for a task.
func (d *DB) DispatchCounts(taskID int) (map[string]int, error) {
	rows, err := d.conn.Query(
		`SELECT action, COUNT(*) FROM dispatch_events WHERE task_id = ? GROUP BY action`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dispatch counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("scan dispatch count: %w", err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}
