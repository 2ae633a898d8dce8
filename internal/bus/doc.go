// Package bus is the in-process priority publish/subscribe router.
//
// # Overview
//
// Components communicate by publishing envelopes on dot-separated topics.
// Each envelope carries a priority; every priority has its own unbounded FIFO
// queue served by a pool of worker goroutines:
//
//	b := bus.New(func(o *bus.Options) { o.Logger = logger })
//	_ = b.Start(ctx)
//	defer b.Stop(ctx)
//
//	id, _ := b.Subscribe("system.cpu.*", func(ctx context.Context, env bus.Envelope) error {
//	    return nil
//	})
//	_, _ = b.Publish("system.cpu.usage", 42, bus.WithPriority(bus.PriorityHigh))
//
// # Dispatch
//
// A worker dequeues an envelope, appends it to the history ring, then calls
// every matching subscriber: exact-topic subscribers, pattern subscribers,
// then wildcard ("*") subscribers. A handler that returns an error or panics
// is logged and skipped; the other handlers still run and the worker keeps
// serving its queue.
//
// FIFO order holds only within one priority and only when that priority has a
// single worker. Nothing orders envelopes across priorities.
//
// # Request/Response
//
// Request publishes an envelope whose ReplyTo holds a private key and waits
// for a reply on topic+".reply":
//
//	res := b.Request(ctx, "agent.start", cmd, bus.RequestOptions{Timeout: time.Second})
//	switch res.Kind {
//	case bus.ResultReply:
//	case bus.ResultTimeout:
//	case bus.ResultError:
//	}
//
// Responders answer with Reply, which copies the correlation id and reply key.
//
// # Topic Patterns
//
// Subscriptions and history queries accept patterns: '*' matches exactly one
// level and '#' matches any number of trailing levels ("system.#").
package bus
