package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_release_requires_both_confirmations",
			SQL: `SELECT id FROM ledger_documents
                  WHERE kind = 'escrow' AND status = 'released'
                    AND NOT ((body->>'buyerConfirmedDelivery')::boolean
                         AND (body->>'sellerConfirmedDelivery')::boolean)`,
		},
		{
			Name: "O2_single_terminal_transition",
			SQL: `SELECT document_id, COUNT(*) FROM ledger_transitions
                  WHERE kind = 'escrow' AND to_status IN ('released', 'disputed')
                  GROUP BY document_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_dispute_is_final",
			SQL: `SELECT document_id, to_status FROM ledger_transitions
                  WHERE kind = 'escrow' AND from_status IN ('disputed', 'released')`,
		},
		{
			Name: "O4_dispute_has_reason",
			SQL: `SELECT id FROM ledger_documents
                  WHERE kind = 'escrow' AND status = 'disputed'
                    AND (COALESCE(body->>'disputeReason', '') = ''
                         OR COALESCE(body->>'disputeRaisedBy', '') = ''
                         OR body->>'disputedAt' IS NULL)`,
		},
		{
			Name: "O5_total_is_amount_plus_fee",
			SQL: `SELECT id FROM ledger_documents
                  WHERE kind = 'escrow'
                    AND (body->>'totalCharged')::numeric <> (body->>'amount')::numeric + (body->>'fee')::numeric`,
		},
		{
			Name: "O6_counter_has_one_child",
			SQL: `SELECT p.id FROM ledger_documents p
                  WHERE p.kind = 'barter' AND p.status = 'countered'
                    AND (SELECT COUNT(*) FROM ledger_documents c
                         WHERE c.kind = 'barter' AND c.body->>'parentProposalId' = p.id) <> 1`,
		},
		{
			Name: "O7_counter_link_matches_child",
			SQL: `SELECT p.id FROM ledger_documents p
                  LEFT JOIN ledger_documents c ON c.id = p.body->>'counterProposalId'
                  WHERE p.kind = 'barter' AND p.status = 'countered'
                    AND (c.id IS NULL OR c.body->>'parentProposalId' <> p.id
                         OR c.body->>'proposerId' <> p.body->>'recipientId'
                         OR c.body->>'recipientId' <> p.body->>'proposerId')`,
		},
		{
			Name: "O8_completion_requires_both_confirmations",
			SQL: `SELECT id FROM ledger_documents
                  WHERE kind = 'barter' AND status = 'completed'
                    AND NOT ((body->>'proposerConfirmedDelivery')::boolean
                         AND (body->>'recipientConfirmedDelivery')::boolean)`,
		},
		{
			Name: "O9_status_column_matches_body",
			SQL:  `SELECT id, status, body->>'status' FROM ledger_documents WHERE status <> body->>'status'`,
		},
		{
			Name: "O10_version_counts_writes",
			SQL: `SELECT d.id FROM ledger_documents d
                  WHERE d.version < 1 + (SELECT COUNT(*) FROM ledger_transitions t WHERE t.document_id = d.id)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
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
