package routing

import (
	"testing"

	"github.com/bridgemq/bridgemq/internal/job"
)

var gpuWorker = WorkerProfile{
	ServerID:     "srv-1",
	Stack:        "go",
	Region:       "eu-west",
	Capabilities: []string{"gpu:a100", "ssd"},
}

func TestNilTargetMatchesEveryone(t *testing.T) {
	if !Matches(WorkerProfile{}, nil) {
		t.Fatal("nil target must match")
	}
}

func TestServerOverride(t *testing.T) {
	target := &job.TargetConfig{Server: "srv-1", Stack: []string{"rust"}}
	if !Matches(gpuWorker, target) {
		t.Fatal("server override must ignore other dimensions")
	}
	if Matches(WorkerProfile{ServerID: "srv-2"}, target) {
		t.Fatal("wrong server matched")
	}
}

func TestAnyMode(t *testing.T) {
	target := &job.TargetConfig{
		Stack:  []string{"python", "go"},
		Region: []string{"us-east", "eu-west"},
	}
	if !Matches(gpuWorker, target) {
		t.Fatal("any-mode intersection must match")
	}
	target.Region = []string{"us-east"}
	if Matches(gpuWorker, target) {
		t.Fatal("empty region intersection matched")
	}
}

func TestAllMode(t *testing.T) {
	target := &job.TargetConfig{
		Capabilities: []string{"gpu:a100", "ssd"},
		Mode:         job.MatchAll,
	}
	if !Matches(gpuWorker, target) {
		t.Fatal("full subset must match in all mode")
	}
	target.Capabilities = append(target.Capabilities, "fpga")
	if Matches(gpuWorker, target) {
		t.Fatal("partial subset matched in all mode")
	}
}

func TestCapabilityWildcards(t *testing.T) {
	if !Matches(gpuWorker, &job.TargetConfig{Capabilities: []string{"gpu:*"}}) {
		t.Fatal("prefix wildcard must match gpu:a100")
	}
	if Matches(gpuWorker, &job.TargetConfig{Capabilities: []string{"tpu:*"}}) {
		t.Fatal("prefix wildcard matched wrong family")
	}
	if !Matches(gpuWorker, &job.TargetConfig{Capabilities: []string{"*"}}) {
		t.Fatal("bare wildcard must match any capable worker")
	}
	if Matches(WorkerProfile{}, &job.TargetConfig{Capabilities: []string{"*"}}) {
		t.Fatal("bare wildcard matched worker with no capabilities")
	}
}

func TestEmptyDimensionsNeverConstrain(t *testing.T) {
	target := &job.TargetConfig{Mode: job.MatchAll}
	if !Matches(WorkerProfile{ServerID: "x"}, target) {
		t.Fatal("empty dimensions constrained")
	}
}
