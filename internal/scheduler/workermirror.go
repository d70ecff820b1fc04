package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
)

// RedisWorkerMirror is the WorkerMirror backing Config.RedisAddr: every
// RegisterWorker/Heartbeat call gets best-effort replicated to a
// "worker:<id>" key so a dashboard or a peer Scheduler replica can read
// worker liveness without an RPC into this process. It carries no
// authority — pickLocked always reads the in-memory workers map — so a
// slow or unreachable Redis never affects admission or dispatch.
//
// Grounded on the RedisRepository SetCache/TTL pattern in
// _examples/evalgo-org-eve/db/repository/redis.go, adapted to the
// go-redis/redis/v8 client already in the dependency stack rather than
// that example's redis/go-redis/v9.
type RedisWorkerMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisWorkerMirror dials addr and returns a ready mirror. ttl bounds how
// long a worker snapshot survives after its last publish — it should be a
// small multiple of the Worker's heartbeat interval so a crashed worker's
// key expires instead of lingering as falsely healthy.
func NewRedisWorkerMirror(addr string, ttl time.Duration) (*RedisWorkerMirror, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("scheduler: connect worker state mirror: %w", err)
	}
	return &RedisWorkerMirror{client: client, ttl: ttl}, nil
}

type workerStateRecord struct {
	ID            string   `json:"id"`
	SlotsFree     int      `json:"slots_free"`
	Healthy       bool     `json:"healthy"`
	LastHeartbeat int64    `json:"last_heartbeat_unix"`
	Runtimes      []string `json:"runtimes"`
}

// Publish writes w's snapshot to "worker:<id>" with the mirror's TTL.
func (m *RedisWorkerMirror) Publish(ctx context.Context, w WorkerState) error {
	runtimes := make([]string, 0, len(w.Runtimes))
	for rt := range w.Runtimes {
		runtimes = append(runtimes, rt)
	}
	rec := workerStateRecord{
		ID:            w.ID,
		SlotsFree:     w.SlotsFree,
		Healthy:       w.Healthy,
		LastHeartbeat: w.LastHeartbeat.Unix(),
		Runtimes:      runtimes,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("scheduler: encode worker state: %w", err)
	}
	return m.client.Set(ctx, "worker:"+w.ID, data, m.ttl).Err()
}

// Close releases the underlying Redis connection pool.
func (m *RedisWorkerMirror) Close() error {
	return m.client.Close()
}
