package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/memory"
)

// LoadGraph returns every node and edge stored for conversationID.
func (s *Store) LoadGraph(ctx context.Context, conversationID string) ([]memory.Node, []memory.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT concept, memory, weight, created_at, modified_at
		FROM memory_nodes WHERE conversation_id = ? ORDER BY concept
	`, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("query memory nodes: %w", err)
	}
	var nodes []memory.Node
	for rows.Next() {
		var n memory.Node
		if err := rows.Scan(&n.Concept, &n.Memory, &n.Weight, &n.CreatedAt, &n.ModifiedAt); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan memory node: %w", err)
		}
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate memory nodes: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT source, target, strength, created_at, modified_at
		FROM memory_edges WHERE conversation_id = ? ORDER BY source, target
	`, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("query memory edges: %w", err)
	}
	defer rows.Close()
	var edges []memory.Edge
	for rows.Next() {
		var e memory.Edge
		if err := rows.Scan(&e.Source, &e.Target, &e.Strength, &e.CreatedAt, &e.ModifiedAt); err != nil {
			return nil, nil, fmt.Errorf("scan memory edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate memory edges: %w", err)
	}
	return nodes, edges, nil
}

// SaveGraph replaces the stored graph of conversationID in one transaction.
func (s *Store) SaveGraph(ctx context.Context, conversationID string, nodes []memory.Node, edges []memory.Edge) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM memory_nodes WHERE conversation_id = ?", conversationID); err != nil {
			return fmt.Errorf("clear memory nodes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM memory_edges WHERE conversation_id = ?", conversationID); err != nil {
			return fmt.Errorf("clear memory edges: %w", err)
		}
		for _, n := range nodes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memory_nodes (conversation_id, concept, memory, weight, created_at, modified_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, conversationID, n.Concept, n.Memory, n.Weight, n.CreatedAt.UTC(), n.ModifiedAt.UTC()); err != nil {
				return fmt.Errorf("insert memory node %q: %w", n.Concept, err)
			}
		}
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memory_edges (conversation_id, source, target, strength, created_at, modified_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, conversationID, e.Source, e.Target, e.Strength, e.CreatedAt.UTC(), e.ModifiedAt.UTC()); err != nil {
				return fmt.Errorf("insert memory edge %q-%q: %w", e.Source, e.Target, err)
			}
		}
		return nil
	})
}

// GraphIDs lists every conversation that has a stored memory graph.
func (s *Store) GraphIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT conversation_id FROM memory_nodes ORDER BY conversation_id")
	if err != nil {
		return nil, fmt.Errorf("query graph ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan graph id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ memory.Store = (*Store)(nil)

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
