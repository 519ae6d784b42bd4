package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is an invariant expressed as a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

// All returns every invariant checked during and after a stress run.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_occurrence",
			SQL: `SELECT definition_id, scheduled_at, COUNT(*) FROM exchange_instances
                  GROUP BY definition_id, scheduled_at HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_qr_only_when_both_present",
			SQL: `SELECT id FROM exchange_instances
                  WHERE qr_token IS NOT NULL AND NOT (from_checked_in AND to_checked_in)`,
		},
		{
			Name: "O3_completed_means_handoff",
			SQL: `SELECT i.id FROM exchange_instances i
                  JOIN exchange_definitions d ON d.id = i.definition_id
                  WHERE i.outcome = 'completed'
                    AND (NOT (i.from_checked_in AND i.to_checked_in)
                         OR (d.qr_confirmation_required AND i.qr_confirmed_at IS NULL))`,
		},
		{
			Name: "O4_status_matches_outcome",
			SQL: `SELECT id FROM exchange_instances
                  WHERE (status = 'completed') <> (outcome = 'completed')
                     OR (status = 'missed' AND outcome NOT IN ('missed', 'disputed'))`,
		},
		{
			Name: "O5_auto_closed_is_terminal",
			SQL: `SELECT id FROM exchange_instances
                  WHERE auto_closed AND (status = 'scheduled' OR auto_closed_at IS NULL)`,
		},
		{
			Name: "O6_single_terminal_event",
			SQL: `SELECT instance_id, type, COUNT(*) FROM exchange_events
                  WHERE type IN ('AUTO_CLOSED', 'QR_MINTED', 'QR_CONFIRMED', 'CANCELLED')
                  GROUP BY instance_id, type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_one_terminal_transition",
			SQL: `SELECT instance_id FROM exchange_events
                  WHERE type IN ('AUTO_CLOSED', 'QR_CONFIRMED', 'CANCELLED')
                  GROUP BY instance_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_check_in_recorded_with_actor",
			SQL: `SELECT id FROM exchange_instances
                  WHERE (from_checked_in AND (from_user_id IS NULL OR from_checked_in_at IS NULL))
                     OR (to_checked_in AND (to_user_id IS NULL OR to_checked_in_at IS NULL))`,
		},
		{
			Name: "O9_one_side_per_user",
			SQL: `SELECT id FROM exchange_instances
                  WHERE from_user_id IS NOT NULL AND from_user_id = to_user_id`,
		},
	}
}

// Drained is checked once the relay has had time to catch up.
var Drained = Oracle{
	Name: "O10_outbox_drained",
	SQL:  `SELECT id::text FROM outbox WHERE status = 'pending'`,
}

// Run executes oracles and returns the first failure (name and sample row
// text), or an empty name if all pass. With no oracles given it runs All.
func Run(ctx context.Context, pool *pgxpool.Pool, list ...Oracle) (string, string, error) {
	if len(list) == 0 {
		list = All()
	}
	for _, o := range list {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
