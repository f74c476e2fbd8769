package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/actiond/internal/persistence"
)

// Selftest action kinds, registered on every registry. They exercise the
// full execution pipeline without touching anything outside the store and
// exist so operators can verify a deployment end to end.
const (
	KindSelftestSuccess = "test." + ReservedDomain + "/success"
	KindSelftestFail    = "test." + ReservedDomain + "/fail"
	KindSelftestLoop    = "test." + ReservedDomain + "/loop"
)

const defaultLoopCount = 10

func registerSelftest(r *Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.register(KindSelftestSuccess, "Finishes successfully on the first invocation", HandlerFunc(selftestSuccess)))
	must(r.register(KindSelftestFail, "Fails on the first invocation", HandlerFunc(selftestFail)))
	must(r.register(KindSelftestLoop, "Reports progress for args.count cycles before finishing", HandlerFunc(selftestLoop),
		WithArgsSchema(json.RawMessage(`{
			"type": "object",
			"properties": {
				"count": {"type": "integer", "minimum": 1}
			},
			"additionalProperties": false
		}`))))
}

func selftestSuccess(ctx context.Context, record *persistence.ActionRecord) (Changes, error) {
	return To(persistence.PhaseDone), nil
}

func selftestFail(ctx context.Context, record *persistence.ActionRecord) (Changes, error) {
	return Changes{}, fmt.Errorf("selftest failure requested")
}

type loopArgs struct {
	Count int `json:"count"`
}

type loopProgress struct {
	Iteration int `json:"iteration"`
}

// selftestLoop runs for args.count cycles, carrying an iteration counter in
// the payload document between invocations.
func selftestLoop(ctx context.Context, record *persistence.ActionRecord) (Changes, error) {
	args := loopArgs{Count: defaultLoopCount}
	if len(record.Args) > 0 {
		if err := json.Unmarshal(record.Args, &args); err != nil {
			return Changes{}, fmt.Errorf("decode loop args: %w", err)
		}
	}
	if args.Count <= 0 {
		args.Count = defaultLoopCount
	}

	var progress loopProgress
	if len(record.State.Payload) > 0 {
		if err := json.Unmarshal(record.State.Payload, &progress); err != nil {
			return Changes{}, fmt.Errorf("decode loop progress: %w", err)
		}
	}
	progress.Iteration++

	doc, err := json.Marshal(progress)
	if err != nil {
		return Changes{}, fmt.Errorf("encode loop progress: %w", err)
	}
	if progress.Iteration >= args.Count {
		return To(persistence.PhaseDone).WithPayload(string(doc)), nil
	}
	return To(persistence.PhaseRunning).WithPayload(string(doc)), nil
}
