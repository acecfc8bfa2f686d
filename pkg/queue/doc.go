/*
Package queue provides the named, closable FIFO queues that connect workflow stages.

# Quick Start

	q := queue.New("urls", queue.WithCapacity(100))

	q.Enqueue("https://example.com")
	q.Close() // no more input

	for {
		item, ok := q.Dequeue()
		if !ok {
			break
		}
		fmt.Println(item)
	}

# Semantics

  - Enqueue on a closed queue is a silent no-op; it reports false.
  - A bounded queue never holds more than its capacity. Producers wait,
    re-checking every poll interval (200ms by default), and give up silently
    if the queue closes while they wait. EnqueueContext makes the wait cancelable.
  - Dequeue and Peek never block. Consumers run their own poll loop.
  - TotalEnqueued only grows. Together with a consumer's own completed count it
    tells the consumer when no more work can arrive: the queue is closed and
    every item ever accepted has been handled.

# Registry

A Registry resolves names case-insensitively and creates queues lazily, so
two stages that mention "Parsed" and "parsed" share one queue:

	reg := queue.NewRegistry(queue.WithPollInterval(50 * time.Millisecond))
	reg.Get("Parsed").Enqueue(doc)
	reg.Close("parsed")

# Single Consumer

Completion detection assumes each queue feeds exactly one consumer. Claim
records that consumer and refuses a second one with ErrQueueClaimed.

# Risks

An Enqueue on a full queue that nobody drains and nobody closes waits
forever. Watch Stats().LastUpdate and Depth to spot a stalled pipeline.
*/
package queue
