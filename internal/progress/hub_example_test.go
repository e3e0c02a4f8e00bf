package progress

import (
	"context"
	"fmt"
	"time"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHandle shows the poll-until-finished pattern for a background task.
func ExampleHandle() {
	h, err := NewHandle(4)
	if err != nil {
		panic(err)
	}
	h.RegisterWorker(func(context.Context) error {
		for step := 1; step <= 4; step++ {
			h.Update(step)
		}
		return nil
	})
	if err := h.Start(context.Background()); err != nil {
		panic(err)
	}
	if err := h.Join(); err != nil {
		panic(err)
	}

	fmt.Printf("finished=%v progress=%.2f\n", h.IsFinished(), h.Progress())
	// Output:
	// finished=true progress=1.00
}

// ExampleHub_Emit demonstrates forwarding handle events through the hub.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(HubConfig{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	h, err := NewInferenceHandle(2, WithEmitter(hub))
	if err != nil {
		panic(err)
	}
	h.Update(2)
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}
