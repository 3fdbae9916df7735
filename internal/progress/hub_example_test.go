package progress

import (
	"context"
	"fmt"
	"time"
)

// ExampleHub shows a crawl session's lifecycle events reaching a sink. Close
// flushes whatever is still queued.
func ExampleHub() {
	var stages []Stage
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			stages = append(stages, evt.Stage)
		}
		return nil
	}))

	const session = "0190a5d4-7c1e-7000-8000-000000000001"
	hub.Emit(Event{SessionID: session, Stage: StageSessionStart})
	hub.Emit(Event{
		SessionID:   session,
		Stage:       StagePageDone,
		Site:        "example.com",
		URL:         "https://example.com/",
		StatusClass: ClassifyStatus(200),
		Outcome:     "Stored",
		Bytes:       2048,
	})
	hub.Emit(Event{SessionID: session, Stage: StageSessionDone, Outcome: "completed"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println(stages)
	fmt.Println(hub.Stats().Accepted)
	// Output:
	// [SESSION_START PAGE_DONE SESSION_DONE]
	// 3
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
