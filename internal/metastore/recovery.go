package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/user/stratoq/pkg/errtax"
)

// RecoverStartup runs the start-up recovery contract: any query
// still EXECUTING that was owned by a previous run of this coordinator id is
// transitioned to ABORTED with its completion timestamp set to now. It also
// records the coordinator's new startup_epoch so peers observe the change on
// their next status exchange. Returns the query ids it aborted.
func (s *Store) RecoverStartup(ctx context.Context, coordinatorID string, startupEpoch int64, now time.Time) ([]int64, error) {
	s.mu.Lock()
	rows, err := s.queryRows(ctx, QueryListExecutingByOwner, coordinatorID)
	if err != nil {
		s.mu.Unlock()
		return nil, errtax.Wrap(errtax.Internal, err, "metastore: list executing queries for recovery")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, errtax.Wrap(errtax.Internal, err, "metastore: scan executing query id")
		}
		ids = append(ids, id)
	}
	rows.Close()

	if len(ids) > 0 {
		if _, err := s.exec(ctx, QueryAbortOwned, now.UnixMilli(), coordinatorID); err != nil {
			s.mu.Unlock()
			return nil, errtax.Wrap(errtax.Internal, err, "metastore: abort owned queries")
		}
	}
	if _, err := s.exec(ctx, QueryUpsertCoordinator, coordinatorID, startupEpoch, now.UnixMilli()); err != nil {
		s.mu.Unlock()
		return nil, errtax.Wrap(errtax.Internal, err, "metastore: upsert coordinator identity")
	}
	s.mu.Unlock()

	return ids, nil
}

// CoordinatorIdentity is the persisted row a coordinator's own identity maps
// to, used to detect whether this process id has run before.
type CoordinatorIdentity struct {
	CoordinatorID string
	StartupEpoch  int64
	LastSeen      time.Time
}

func (s *Store) GetCoordinatorIdentity(ctx context.Context, coordinatorID string) (CoordinatorIdentity, bool, error) {
	s.mu.Lock()
	row := s.queryRow(ctx, QueryGetCoordinator, coordinatorID)
	s.mu.Unlock()

	var id CoordinatorIdentity
	var lastSeen int64
	if err := row.Scan(&id.CoordinatorID, &id.StartupEpoch, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return CoordinatorIdentity{}, false, nil
		}
		return CoordinatorIdentity{}, false, errtax.Wrap(errtax.Internal, err, "metastore: get coordinator identity")
	}
	id.LastSeen = time.UnixMilli(lastSeen)
	return id, true, nil
}
