package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AppendOutput records one phase invocation. Output is truncated to
// maxOutputBytes; RawStream is stored byte-exact. Returns the new row id.
func (s *Store) AppendOutput(ctx context.Context, taskID int64, phase, output, raw string, exitCode int, durationMs int64, success bool, costUSD float64) (int64, error) {
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes]
	}
	var id int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_outputs (task_id, phase, output, raw_stream, exit_code, duration_ms, success, cost_usd, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, taskID, phase, output, raw, exitCode, durationMs, boolToInt(success), costUSD, time.Now().UTC().Unix())
		if err != nil {
			return wrapBackend("AppendOutput", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return wrapBackend("AppendOutput", err)
		}
		return nil
	})
	if err == nil && s.metrics != nil {
		s.metrics.ObservePhase(phase, durationMs, success, costUSD)
	}
	return id, err
}

// AppendOutputLegacy is the short form that predates raw/duration/success/
// cost columns: raw defaults to "", duration to 0, success to true, cost
// to 0.0.
func (s *Store) AppendOutputLegacy(ctx context.Context, taskID int64, phase, output string) (int64, error) {
	return s.AppendOutput(ctx, taskID, phase, output, "", 0, 0, true, 0.0)
}

// MarkOutputSuccess flips the success flag on an existing output row. This
// is the only update append_output rows ever receive.
func (s *Store) MarkOutputSuccess(ctx context.Context, outputID int64, success bool) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE task_outputs SET success = ? WHERE id = ?;`, boolToInt(success), outputID)
		if err != nil {
			return wrapBackend("MarkOutputSuccess", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFoundf("MarkOutputSuccess")
		}
		return nil
	})
}

// OutputsFor returns every output for taskID ordered by created_at ASC.
func (s *Store) OutputsFor(ctx context.Context, taskID int64) ([]TaskOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, phase, output, raw_stream, exit_code, duration_ms, success, cost_usd, created_at
		FROM task_outputs WHERE task_id = ? ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, wrapBackend("OutputsFor", err)
	}
	defer rows.Close()

	var out []TaskOutput
	for rows.Next() {
		o, err := scanOutput(rows)
		if err != nil {
			return nil, decodeErrorf("OutputsFor", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend("OutputsFor", err)
	}
	return out, nil
}

// PhaseMetrics aggregates attempts/successes/mean-duration/total-cost over
// the five canonical phases. Zero-duration rows (legacy rows predating the
// duration column) are excluded from the mean but still counted as
// attempts; if every row for a phase is zero-duration, the mean is 0.0.
func (s *Store) PhaseMetrics(ctx context.Context) ([]PhaseMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, success, duration_ms, cost_usd FROM task_outputs;
	`)
	if err != nil {
		return nil, wrapBackend("PhaseMetrics", err)
	}
	defer rows.Close()

	type acc struct {
		attempts    int
		successes   int
		durationSum int64
		durationN   int
		costSum     float64
	}
	byPhase := map[string]*acc{}
	for rows.Next() {
		var phase string
		var success int
		var durationMs int64
		var cost float64
		if err := rows.Scan(&phase, &success, &durationMs, &cost); err != nil {
			return nil, decodeErrorf("PhaseMetrics", err)
		}
		if _, ok := metricsPhases[phase]; !ok {
			continue
		}
		a, ok := byPhase[phase]
		if !ok {
			a = &acc{}
			byPhase[phase] = a
		}
		a.attempts++
		if success != 0 {
			a.successes++
		}
		if durationMs > 0 {
			a.durationSum += durationMs
			a.durationN++
		}
		a.costSum += cost
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend("PhaseMetrics", err)
	}

	var out []PhaseMetrics
	for phase := range metricsPhases {
		a, ok := byPhase[phase]
		if !ok {
			continue
		}
		mean := 0.0
		if a.durationN > 0 {
			mean = float64(a.durationSum) / float64(a.durationN)
		}
		out = append(out, PhaseMetrics{
			Phase:          phase,
			Attempts:       a.attempts,
			Successes:      a.successes,
			MeanDurationMs: mean,
			TotalCostUSD:   a.costSum,
		})
	}
	return out, nil
}

func scanOutput(rows *sql.Rows) (TaskOutput, error) {
	var o TaskOutput
	var success int
	var createdAt int64
	err := rows.Scan(&o.ID, &o.TaskID, &o.Phase, &o.Output, &o.RawStream, &o.ExitCode, &o.DurationMs, &success, &o.CostUSD, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskOutput{}, notFoundf("scanOutput")
		}
		return TaskOutput{}, err
	}
	o.Success = success != 0
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	return o, nil
}
