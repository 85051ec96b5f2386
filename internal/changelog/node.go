package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/tillsync/internal/db"
)

// EnsureNode resolves this terminal's node identity and registers its
// logical clock. A configured id always wins; otherwise the id persisted by
// an earlier run is reused, and a fresh UUID is generated on first start.
func EnsureNode(ctx context.Context, database *db.DB, configured string) (string, error) {
	var nodeID string

	err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		stored, err := getState(ctx, tx, stateKeyNodeID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}

		switch {
		case configured != "":
			nodeID = configured
		case stored != "":
			nodeID = stored
		default:
			nodeID = uuid.NewString()
		}

		if nodeID != stored {
			if err := setState(ctx, tx, stateKeyNodeID, nodeID, time.Now()); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO sync_node (node_id, logical_clock) VALUES (?, 0) ON CONFLICT (node_id) DO NOTHING",
			nodeID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("ensure node identity: %w", err)
	}

	return nodeID, nil
}
