package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the workflow runs.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_step",
			SQL: `SELECT transaction_id, COUNT(*) FROM transaction_steps
                  WHERE status = 'active'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_current_step_pointer",
			SQL: `SELECT t.id, t.current_step_id, s.id FROM transactions t
                  LEFT JOIN transaction_steps s ON s.transaction_id = t.id AND s.status = 'active'
                  WHERE t.current_step_id IS DISTINCT FROM s.id`,
		},
		{
			Name: "O3_blocking_never_skipped",
			SQL: `SELECT id FROM conditions
                  WHERE level = 'blocking' AND resolution_type = 'skipped_with_risk'`,
		},
		{
			Name: "O4_completed_step_gate",
			SQL: `SELECT s.id AS step_id, c.id AS condition_id FROM transaction_steps s
                  JOIN conditions c ON c.transaction_step_id = s.id
                  WHERE s.status = 'completed'
                    AND c.archived = false
                    AND c.level = 'blocking'
                    AND c.status <> 'completed'`,
		},
		{
			Name: "O5_resolution_consistency",
			SQL: `SELECT id FROM conditions
                  WHERE (status = 'completed') <> (resolution_type IS NOT NULL)
                     OR (status = 'completed' AND resolved_at IS NULL)`,
		},
		{
			Name: "O6_condition_created_event",
			SQL: `SELECT c.id FROM conditions c
                  WHERE NOT EXISTS (
                      SELECT 1 FROM condition_events e
                      WHERE e.condition_id = c.id AND e.event_type = 'created')`,
		},
		{
			Name: "O7_outbox_drained",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '2 minutes'`,
		},
		{
			Name: "O8_append_only_guards",
			SQL: `SELECT name FROM (VALUES ('condition_events_append_only'), ('activity_feed_append_only'), ('transaction_steps_no_delete')) AS want(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = want.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
