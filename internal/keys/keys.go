// Package keys defines the canonical key layout for everything bridgemq
// stores in Redis. Every other package builds keys through this package so
// the schema lives in exactly one place.
package keys

import "strings"

// DefaultNamespace is the prefix used when no namespace is configured.
const DefaultNamespace = "bridgemq"

// Schema builds namespaced keys for all bridgemq entities.
type Schema struct {
	ns string
	// Pre-computed static keys (avoid repeated allocations on hot paths)
	delayedKey string
}

// NewSchema creates a key schema under the given namespace prefix.
// An empty namespace falls back to DefaultNamespace.
func NewSchema(namespace string) *Schema {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Schema{
		ns:         namespace,
		delayedKey: namespace + ":delayed",
	}
}

// Namespace returns the configured prefix.
func (s *Schema) Namespace() string { return s.ns }

func (s *Schema) join(parts ...string) string {
	var b strings.Builder
	n := len(s.ns)
	for _, p := range parts {
		n += 1 + len(p)
	}
	b.Grow(n)
	b.WriteString(s.ns)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// JobMeta is the field-map holding the job header.
func (s *Schema) JobMeta(jobID string) string { return s.join("job", jobID, "meta") }

// JobConfig is the JSON blob with the job's behavior config.
func (s *Schema) JobConfig(jobID string) string { return s.join("job", jobID, "config") }

// JobPayload holds the opaque payload bytes.
func (s *Schema) JobPayload(jobID string) string { return s.join("job", jobID, "payload") }

// JobResult holds the handler return value as JSON.
func (s *Schema) JobResult(jobID string) string { return s.join("job", jobID, "result") }

// JobErrors is the bounded error-history list (last 10).
func (s *Schema) JobErrors(jobID string) string { return s.join("job", jobID, "errors") }

// JobDepends is the set of unsatisfied dependency job ids.
func (s *Schema) JobDepends(jobID string) string { return s.join("job", jobID, "depends") }

// JobWaiters is the reverse dependency index.
func (s *Schema) JobWaiters(jobID string) string { return s.join("job", jobID, "waiters") }

// Queue is the priority queue for one (mesh, type, priority) tuple,
// a sorted set scored by earliest-eligible timestamp.
func (s *Schema) Queue(meshID, jobType string, priority int) string {
	return s.join("queue", meshID, jobType, "p"+itoa(priority))
}

// QueueRegistry is the per-mesh zset of populated (type, priority) tuples.
// Members have the form "{type}:p{priority}" scored by priority, which lets
// the claim script walk priorities 10..1 without listing the keyspace.
func (s *Schema) QueueRegistry(meshID string) string { return s.join("queues", meshID) }

// QueueMember formats a registry member for a (type, priority) tuple.
func (s *Schema) QueueMember(jobType string, priority int) string {
	return jobType + ":p" + itoa(priority)
}

// Pending is the aggregated per-mesh pending index scored by priority.
func (s *Schema) Pending(meshID string) string { return s.join("pending", meshID) }

// Active is the per-server map of owned jobId -> claimedAt.
func (s *Schema) Active(serverID string) string { return s.join("active", serverID) }

// Delayed is the global delayed zset scored by scheduledFor.
func (s *Schema) Delayed() string { return s.delayedKey }

// DLQ is the per-mesh dead-letter list.
func (s *Schema) DLQ(meshID string) string { return s.join("dlq", meshID) }

// Mesh is the tenant field-map.
func (s *Schema) Mesh(meshID string) string { return s.join("mesh", meshID) }

// MeshMembers is the set of server ids registered in a mesh.
func (s *Schema) MeshMembers(meshID string) string { return s.join("mesh", meshID, "members") }

// Server is the server registry field-map; it carries a TTL refreshed by
// heartbeat, so absence means the server is dead.
func (s *Schema) Server(serverID string) string { return s.join("server", serverID) }

// Idempotency maps an idempotency key to a jobId within its TTL window.
func (s *Schema) Idempotency(key string) string { return s.join("idempotency", key) }

// Fingerprint maps a (type, payload) content hash to a jobId.
func (s *Schema) Fingerprint(hash string) string { return s.join("fingerprint", hash) }

// RateLimit is the fixed-window counter for a bucket.
func (s *Schema) RateLimit(bucket string) string { return s.join("ratelimit", bucket) }

// RateLimitQueue is the overflow list for a bucket.
func (s *Schema) RateLimitQueue(bucket string) string { return s.join("ratelimitqueue", bucket) }

// Concurrent is the per-type counter backing rateLimit.maxConcurrent.
func (s *Schema) Concurrent(jobType string) string { return s.join("concurrent", jobType) }

// Batch is the batch header field-map.
func (s *Schema) Batch(batchID string) string { return s.join("batch", batchID) }

// BatchJobs is the list of member job ids for a finalized batch.
func (s *Schema) BatchJobs(batchID string) string { return s.join("batch", batchID, "jobs") }

// BatchAccumulator is the accumulation list jobs are collected in before
// finalize-batch runs.
func (s *Schema) BatchAccumulator(name string) string { return s.join("batchacc", name) }

// Chain holds successor templates recorded by the complete script, keyed by
// parent job and final status, with a short TTL.
func (s *Schema) Chain(jobID, finalStatus string) string {
	return s.join("chain", jobID, finalStatus)
}

// ScheduleLock is the distributed lock guarding one cron schedule.
func (s *Schema) ScheduleLock(scheduleID string) string {
	return s.join("schedulelock", scheduleID)
}

// ScheduleState holds the runtime state of a cron schedule.
func (s *Schema) ScheduleState(scheduleID string) string {
	return s.join("schedulestate", scheduleID)
}

// EventsGlobal is the pub/sub channel carrying every lifecycle event.
func (s *Schema) EventsGlobal() string { return s.join("events", "global") }

// EventsMesh is the per-mesh lifecycle channel.
func (s *Schema) EventsMesh(meshID string) string { return s.join("events", "mesh", meshID) }

// EventsJob is the per-job channel carrying terminal events.
func (s *Schema) EventsJob(jobID string) string { return s.join("events", "job", jobID) }

// EventsServer is the per-server channel.
func (s *Schema) EventsServer(serverID string) string { return s.join("events", "server", serverID) }

// EventsType is the per-job-type channel.
func (s *Schema) EventsType(jobType string) string { return s.join("events", "type", jobType) }

// EventsPattern builds a pattern usable with PSUBSCRIBE, e.g.
// EventsPattern("mesh:*") matches every mesh channel.
func (s *Schema) EventsPattern(scope string) string { return s.join("events", scope) }

// itoa covers the priority range without pulling in strconv on hot paths.
func itoa(n int) string {
	if n >= 0 && n < 10 {
		return string([]byte{byte('0' + n)})
	}
	if n == 10 {
		return "10"
	}
	// Priorities are validated to 1..10; anything else is a programming error
	// but format it anyway.
	neg := false
	if n < 0 {
		neg = true
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
