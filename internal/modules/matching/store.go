// README: Matching index backed by Redis GEO, hashes and SETNX locks.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"campusride/internal/types"
)

const (
	driverGeoKey     = "matching:drivers"
	driverInfoPrefix = "matching:driver:%s"
	driverLockPrefix = "matching:lock:driver:%s"
	// TTL for driver info; drivers re-announce while online.
	infoTTL = 24 * time.Hour
)

// releaseScript deletes the lock only when it still names the ride.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// holdScript takes or keeps the lock for the ride and clears its expiry.
var holdScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1])
	return 1
end
return 0`)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) AddDriver(ctx context.Context, d Driver) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
			Name:      string(d.ID),
			Longitude: d.Position.Lng,
			Latitude:  d.Position.Lat,
		})
		pipe.HSet(ctx, infoKey(d.ID), "name", d.Name, "vehicleId", d.VehicleID)
		pipe.Expire(ctx, infoKey(d.ID), infoTTL)
		return nil
	})
	return err
}

func (s *Store) RemoveDriver(ctx context.Context, id types.ID) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, driverGeoKey, string(id))
		pipe.Del(ctx, infoKey(id))
		return nil
	})
	return err
}

func (s *Store) Driver(ctx context.Context, id types.ID) (Driver, bool, error) {
	pos, err := s.redis.GeoPos(ctx, driverGeoKey, string(id)).Result()
	if err != nil {
		return Driver{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return Driver{}, false, nil
	}
	info, err := s.redis.HGetAll(ctx, infoKey(id)).Result()
	if err != nil {
		return Driver{}, false, err
	}
	return Driver{
		ID:        id,
		Name:      info["name"],
		VehicleID: info["vehicleId"],
		Position:  types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude},
	}, true, nil
}

func (s *Store) NearbyDrivers(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := s.redis.GeoSearch(ctx, driverGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}

func (s *Store) AcquireLock(ctx context.Context, driverID, rideID types.ID, ttl time.Duration) (bool, error) {
	return s.redis.SetNX(ctx, lockKey(driverID), string(rideID), ttl).Result()
}

func (s *Store) HoldLock(ctx context.Context, driverID, rideID types.ID) (bool, error) {
	n, err := holdScript.Run(ctx, s.redis, []string{lockKey(driverID)}, string(rideID)).Int()
	return n == 1, err
}

func (s *Store) ReleaseLock(ctx context.Context, driverID, rideID types.ID) error {
	return releaseScript.Run(ctx, s.redis, []string{lockKey(driverID)}, string(rideID)).Err()
}

func infoKey(id types.ID) string {
	return fmt.Sprintf(driverInfoPrefix, string(id))
}

func lockKey(id types.ID) string {
	return fmt.Sprintf(driverLockPrefix, string(id))
}
