// README: Ride transition event log sinks: Postgres table and Kafka topic.
package events

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

// PostgresSink appends transitions to ride_state_events.
type PostgresSink struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Append(ctx context.Context, e ride.Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_status, to_status, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5)`,
		string(e.RideID),
		string(e.From),
		string(e.To),
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

// History returns a ride's transitions in commit order.
func (s *PostgresSink) History(ctx context.Context, rideID types.ID) ([]ride.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ride_id, from_status, to_status, COALESCE(actor_id, ''), created_at
		FROM ride_state_events
		WHERE ride_id = $1
		ORDER BY id`, string(rideID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ride.Event
	for rows.Next() {
		var (
			e                     ride.Event
			id, from, to, actorID string
		)
		if err := rows.Scan(&id, &from, &to, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RideID, e.From, e.To, e.ActorID = types.ID(id), ride.Status(from), ride.Status(to), types.ID(actorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func toStringPtr(id types.ID) *string {
	if id == "" {
		return nil
	}
	s := string(id)
	return &s
}
