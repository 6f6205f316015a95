package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const maxLimit = 1000

// Dispatch is one stored dispatch cycle.
type Dispatch struct {
	ID           string        `json:"id"`
	Seq          uint64        `json:"seq"`
	Channel      string        `json:"channel"`
	Kind         string        `json:"kind"`
	Handled      bool          `json:"handled"`
	Samples      int           `json:"samples"`
	EventTime    int64         `json:"event_time"`
	DispatchedAt time.Time     `json:"dispatched_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Latency      time.Duration `json:"latency_ns"`
}

// Resolution is one stored target resolution.
type Resolution struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	Kind        string    `json:"kind"`
	Action      string    `json:"action,omitempty"`
	DeviceID    int32     `json:"device_id"`
	Injected    bool      `json:"injected"`
	InjectorUID *int32    `json:"injector_uid,omitempty"`
	Result      string    `json:"result"`
	Targets     int       `json:"targets"`
	DropReason  string    `json:"drop_reason,omitempty"`
	EventTime   int64     `json:"event_time"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// ChannelStats summarises dispatch latency for one channel.
type ChannelStats struct {
	Channel string        `json:"channel"`
	Count   int           `json:"count"`
	Handled int           `json:"handled"`
	P50     time.Duration `json:"p50_ns"`
	P95     time.Duration `json:"p95_ns"`
	Max     time.Duration `json:"max_ns"`
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Recent returns the newest dispatch cycles first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Dispatch, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, seq, channel, kind, handled, samples, event_time, dispatched_at, finished_at, latency_us
FROM dispatch_log
ORDER BY finished_at DESC, seq DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query dispatch_log: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Dispatch returns one dispatch cycle by id.
func (r *Recorder) Dispatch(ctx context.Context, id string) (Dispatch, error) {
	if strings.TrimSpace(id) == "" {
		return Dispatch{}, fmt.Errorf("dispatch id is empty")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, seq, channel, kind, handled, samples, event_time, dispatched_at, finished_at, latency_us
FROM dispatch_log
WHERE id = ?;
`, id)
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Dispatch{}, ErrNotFound
	}
	return d, err
}

// Resolutions returns the newest target resolutions first.
func (r *Recorder) Resolutions(ctx context.Context, limit int) ([]Resolution, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, seq, kind, action, device_id, injected, injector_uid, result, targets, drop_reason, event_time, resolved_at
FROM event_log
ORDER BY resolved_at DESC, seq DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query event_log: %w", err)
	}
	defer rows.Close()

	var out []Resolution
	for rows.Next() {
		var (
			res        Resolution
			seq        int64
			uid        sql.NullInt32
			reason     sql.NullString
			resolvedAt string
		)
		if err := rows.Scan(&res.ID, &seq, &res.Kind, &res.Action, &res.DeviceID, &res.Injected, &uid,
			&res.Result, &res.Targets, &reason, &res.EventTime, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan event_log: %w", err)
		}
		res.Seq = uint64(seq)
		if uid.Valid {
			v := uid.Int32
			res.InjectorUID = &v
		}
		res.DropReason = reason.String
		if res.ResolvedAt, err = time.Parse(time.RFC3339Nano, resolvedAt); err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Stats reports latency percentiles per channel for cycles finished at or
// after since.
func (r *Recorder) Stats(ctx context.Context, since time.Time) ([]ChannelStats, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT channel, handled, latency_us
FROM dispatch_log
WHERE finished_at >= ?
ORDER BY channel, latency_us;
`, since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query dispatch stats: %w", err)
	}
	defer rows.Close()

	byChannel := map[string]*ChannelStats{}
	latencies := map[string][]time.Duration{}
	for rows.Next() {
		var (
			channel string
			handled bool
			us      int64
		)
		if err := rows.Scan(&channel, &handled, &us); err != nil {
			return nil, fmt.Errorf("scan dispatch stats: %w", err)
		}
		st, ok := byChannel[channel]
		if !ok {
			st = &ChannelStats{Channel: channel}
			byChannel[channel] = st
		}
		st.Count++
		if handled {
			st.Handled++
		}
		latencies[channel] = append(latencies[channel], time.Duration(us)*time.Microsecond)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ChannelStats, 0, len(byChannel))
	for name, st := range byChannel {
		l := latencies[name]
		st.P50 = percentile(l, 50)
		st.P95 = percentile(l, 95)
		st.Max = l[len(l)-1]
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Prune deletes records older than olderThan and returns how many went.
func (r *Recorder) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan).UTC().Format(timeLayout)

	var total int64
	for _, stmt := range []string{
		`DELETE FROM dispatch_log WHERE finished_at < ?;`,
		`DELETE FROM event_log WHERE resolved_at < ?;`,
	} {
		res, err := r.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune trace: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		r.logger.Info("pruned trace records", "records", total, "older_than", olderThan.String())
	}
	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispatch(s scanner) (Dispatch, error) {
	var (
		d                      Dispatch
		seq                    int64
		dispatchedAt, finished string
		us                     int64
	)
	if err := s.Scan(&d.ID, &seq, &d.Channel, &d.Kind, &d.Handled, &d.Samples, &d.EventTime,
		&dispatchedAt, &finished, &us); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Dispatch{}, err
		}
		return Dispatch{}, fmt.Errorf("scan dispatch_log: %w", err)
	}
	var err error
	d.Seq = uint64(seq)
	d.Latency = time.Duration(us) * time.Microsecond
	if d.DispatchedAt, err = time.Parse(time.RFC3339Nano, dispatchedAt); err != nil {
		return Dispatch{}, fmt.Errorf("parse dispatched_at: %w", err)
	}
	if d.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return Dispatch{}, fmt.Errorf("parse finished_at: %w", err)
	}
	return d, nil
}
