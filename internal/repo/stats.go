package repo

import (
	"context"
	"strconv"
	"strings"

	"github.com/bridgemq/bridgemq/internal/joberr"
)

// MeshStats are the per-mesh terminal counters maintained by the scripts.
type MeshStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// GetMeshStats reads the mesh's terminal counters.
func (r *Repo) GetMeshStats(ctx context.Context, meshID string) (*MeshStats, error) {
	fields, err := r.store.Client().HGetAll(ctx, r.store.Schema().Mesh(meshID)).Result()
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "mesh read failed", err)
	}
	parse := func(k string) int64 {
		n, _ := strconv.ParseInt(fields[k], 10, 64)
		return n
	}
	return &MeshStats{
		Completed: parse("total:completed"),
		Failed:    parse("total:failed"),
		Cancelled: parse("total:cancelled"),
	}, nil
}

// PendingCount returns the size of the mesh's aggregated pending index.
func (r *Repo) PendingCount(ctx context.Context, meshID string) (int64, error) {
	n, err := r.store.Client().ZCard(ctx, r.store.Schema().Pending(meshID)).Result()
	if err != nil {
		return 0, joberr.Wrap(joberr.CodeStorageRead, "pending count failed", err)
	}
	return n, nil
}

// DelayedCount returns the size of the global delayed set.
func (r *Repo) DelayedCount(ctx context.Context) (int64, error) {
	n, err := r.store.Client().ZCard(ctx, r.store.Schema().Delayed()).Result()
	if err != nil {
		return 0, joberr.Wrap(joberr.CodeStorageRead, "delayed count failed", err)
	}
	return n, nil
}

// ActiveJobs returns jobId -> claimedAt for a server's active set.
func (r *Repo) ActiveJobs(ctx context.Context, serverID string) (map[string]int64, error) {
	fields, err := r.store.Client().HGetAll(ctx, r.store.Schema().Active(serverID)).Result()
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "active read failed", err)
	}
	out := make(map[string]int64, len(fields))
	for id, ts := range fields {
		n, _ := strconv.ParseInt(ts, 10, 64)
		out[id] = n
	}
	return out, nil
}

// DLQLength returns the mesh's dead-letter backlog size.
func (r *Repo) DLQLength(ctx context.Context, meshID string) (int64, error) {
	n, err := r.store.Client().LLen(ctx, r.store.Schema().DLQ(meshID)).Result()
	if err != nil {
		return 0, joberr.Wrap(joberr.CodeStorageRead, "dlq length failed", err)
	}
	return n, nil
}

// DLQJobs pages through the mesh's dead-letter list, newest last.
func (r *Repo) DLQJobs(ctx context.Context, meshID string, offset, count int64) ([]string, error) {
	if count <= 0 {
		count = 50
	}
	ids, err := r.store.Client().LRange(ctx, r.store.Schema().DLQ(meshID), offset, offset+count-1).Result()
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "dlq read failed", err)
	}
	return ids, nil
}

// RequeueFromDLQ gives a dead-lettered job a fresh attempt budget and puts it
// back on its queue. The move is a single script call, so a concurrent requeue
// of the same id loses the LREM race and reports not found.
func (r *Repo) RequeueFromDLQ(ctx context.Context, meshID, jobID string) error {
	res, err := r.store.RequeueFromDLQ(ctx, meshID, jobID)
	if err != nil {
		return err
	}
	if !res.Success {
		switch res.Error {
		case "not_found":
			return joberr.Newf(joberr.CodeJobNotFound, "job %s not in dlq for mesh %s", jobID, meshID)
		case "meta_missing":
			return joberr.Newf(joberr.CodeJobNotFound, "job %s no longer exists", jobID)
		default:
			return joberr.Newf(joberr.CodeStorageWrite, "dlq requeue failed: %s", res.Error)
		}
	}
	return nil
}

// ServerInfo is the decoded server registry entry.
type ServerInfo struct {
	ServerID      string   `json:"serverId"`
	Stack         string   `json:"stack"`
	Region        string   `json:"region"`
	Capabilities  []string `json:"capabilities"`
	MeshIDs       []string `json:"meshIds"`
	Status        string   `json:"status"`
	LastHeartbeat int64    `json:"lastHeartbeat"`
}

// GetServer reads a server registry entry; a missing entry means the server
// is dead (the key carries a heartbeat-refreshed TTL).
func (r *Repo) GetServer(ctx context.Context, serverID string) (*ServerInfo, error) {
	fields, err := r.store.Client().HGetAll(ctx, r.store.Schema().Server(serverID)).Result()
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "server read failed", err)
	}
	if len(fields) == 0 {
		return nil, joberr.Newf(joberr.CodeJobNotFound, "server %s not registered", serverID)
	}
	hb, _ := strconv.ParseInt(fields["lastHeartbeat"], 10, 64)
	return &ServerInfo{
		ServerID:      fields["serverId"],
		Stack:         fields["stack"],
		Region:        fields["region"],
		Capabilities:  splitCSV(fields["capabilities"]),
		MeshIDs:       splitCSV(fields["meshIds"]),
		Status:        fields["status"],
		LastHeartbeat: hb,
	}, nil
}

// ListMeshServers returns the registered member ids of a mesh, pruning
// members whose server entry has expired.
func (r *Repo) ListMeshServers(ctx context.Context, meshID string) ([]string, error) {
	c := r.store.Client()
	sch := r.store.Schema()

	members, err := c.SMembers(ctx, sch.MeshMembers(meshID)).Result()
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "mesh members read failed", err)
	}
	alive := members[:0]
	for _, id := range members {
		exists, err := c.Exists(ctx, sch.Server(id)).Result()
		if err != nil {
			return nil, joberr.Wrap(joberr.CodeStorageRead, "server probe failed", err)
		}
		if exists == 1 {
			alive = append(alive, id)
		} else {
			_ = c.SRem(ctx, sch.MeshMembers(meshID), id).Err()
		}
	}
	return alive, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
