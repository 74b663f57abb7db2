package keys

import "testing"

func TestSchemaKeys(t *testing.T) {
	s := NewSchema("bmq")

	cases := []struct {
		got, want string
	}{
		{s.JobMeta("j1"), "bmq:job:j1:meta"},
		{s.JobConfig("j1"), "bmq:job:j1:config"},
		{s.JobPayload("j1"), "bmq:job:j1:payload"},
		{s.JobResult("j1"), "bmq:job:j1:result"},
		{s.JobErrors("j1"), "bmq:job:j1:errors"},
		{s.JobDepends("j1"), "bmq:job:j1:depends"},
		{s.JobWaiters("j1"), "bmq:job:j1:waiters"},
		{s.Queue("default", "email", 7), "bmq:queue:default:email:p7"},
		{s.Queue("default", "email", 10), "bmq:queue:default:email:p10"},
		{s.QueueRegistry("default"), "bmq:queues:default"},
		{s.QueueMember("email", 7), "email:p7"},
		{s.Pending("default"), "bmq:pending:default"},
		{s.Active("srv-1"), "bmq:active:srv-1"},
		{s.Delayed(), "bmq:delayed"},
		{s.DLQ("default"), "bmq:dlq:default"},
		{s.Mesh("default"), "bmq:mesh:default"},
		{s.MeshMembers("default"), "bmq:mesh:default:members"},
		{s.Server("srv-1"), "bmq:server:srv-1"},
		{s.Idempotency("k"), "bmq:idempotency:k"},
		{s.Fingerprint("abc"), "bmq:fingerprint:abc"},
		{s.RateLimit("api"), "bmq:ratelimit:api"},
		{s.RateLimitQueue("api"), "bmq:ratelimitqueue:api"},
		{s.Concurrent("email"), "bmq:concurrent:email"},
		{s.Batch("b1"), "bmq:batch:b1"},
		{s.BatchJobs("b1"), "bmq:batch:b1:jobs"},
		{s.BatchAccumulator("imgs"), "bmq:batchacc:imgs"},
		{s.Chain("j1", "completed"), "bmq:chain:j1:completed"},
		{s.ScheduleLock("daily"), "bmq:schedulelock:daily"},
		{s.ScheduleState("daily"), "bmq:schedulestate:daily"},
		{s.EventsGlobal(), "bmq:events:global"},
		{s.EventsMesh("default"), "bmq:events:mesh:default"},
		{s.EventsJob("j1"), "bmq:events:job:j1"},
		{s.EventsServer("srv-1"), "bmq:events:server:srv-1"},
		{s.EventsType("email"), "bmq:events:type:email"},
		{s.EventsPattern("mesh:*"), "bmq:events:mesh:*"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

func TestDefaultNamespace(t *testing.T) {
	s := NewSchema("")
	if s.Namespace() != DefaultNamespace {
		t.Fatalf("namespace = %q", s.Namespace())
	}
	if s.Delayed() != DefaultNamespace+":delayed" {
		t.Fatalf("delayed key = %q", s.Delayed())
	}
}
