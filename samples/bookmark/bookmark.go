package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/cschleiden/go-workflowapp/activities"
	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/application"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/manager"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/cschleiden/go-workflowapp/samples"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	printSpans := flag.Bool("trace", false, "print spans to stdout")
	approve := flag.Bool("approve", true, "value to resume the approval bookmark with")

	tp := trace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	store := samples.GetStore("bookmark", persistence.WithTracerProvider(tp))

	if *printSpans {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			panic(err)
		}

		tp.RegisterSpanProcessor(trace.NewSimpleSpanProcessor(exp))
	}

	completed := make(chan application.CompletedEvent, 1)

	m := manager.New(Workflow(), store,
		manager.WithIdleAction(application.PersistableIdleUnload),
		manager.WithHandlers(application.Handlers{
			OnIdle: func(ctx context.Context, ev application.IdleEvent) error {
				log.Println("instance", ev.InstanceID, "is waiting on", ev.Bookmarks)
				return nil
			},
			OnCompleted: func(ctx context.Context, ev application.CompletedEvent) error {
				completed <- ev
				return nil
			},
		}),
		manager.WithApplicationOptions(func() []application.Option {
			return []application.Option{application.WithTracerProvider(tp)}
		}),
	)

	defer func() {
		if err := m.Close(context.Background()); err != nil {
			log.Println("could not close manager:", err)
		}
	}()

	id, err := m.Start(ctx, nil)
	if err != nil {
		panic("could not start instance: " + err.Error())
	}

	log.Println("started instance", id)

	result, err := m.ResumeBookmark(ctx, id, core.NewBookmark("approve"), *approve)
	if err != nil {
		panic("could not resume bookmark: " + err.Error())
	}

	log.Println("resumed bookmark:", result)

	select {
	case ev := <-completed:
		var decision string
		if err := ev.Outputs.Get("decision", &decision); err != nil {
			panic(err)
		}

		log.Println("instance completed:", ev.CompletionState, decision)

	case <-ctx.Done():
	}
}

// Workflow waits for an approval and records the decision.
func Workflow() activity.Activity {
	return &activities.Sequence{
		Vars: []activity.Variable{{Name: "approved", Default: false}, {Name: "decision"}},
		Activities: []activity.Activity{
			&activities.Receive{Bookmark: "approve", Variable: "approved"},
			&activities.If{
				Condition: "approved",
				Inputs:    []string{"approved"},
				Then:      &activities.Assign{Variable: "decision", Value: "approved"},
				Else:      &activities.Assign{Variable: "decision", Value: "rejected"},
			},
			&activities.Output{Variable: "decision"},
		},
	}
}
