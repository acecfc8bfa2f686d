/*
Package distributed provides a throttle whose rolling window is shared
between processes through Redis.

Each grant is a member of a sorted set scored by its grant time. A Lua
script evicts expired members, checks the count against Limit and adds the
new member in one atomic step, so concurrent processes never oversubscribe
the window.

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	t, err := distributed.New(distributed.Config{
		Redis:    rdb,
		Key:      "stageflow:crawl",
		Limit:    10,
		Interval: time.Second,
	})
	if err != nil {
		return err
	}
	defer t.Close()

	if err := t.GetSlotContext(ctx); err != nil {
		return err
	}

Throttle satisfies throttle.Slotter and can be attached to a workflow stage
in place of a local throttle. New does not contact Redis; connection errors
surface from the first slot request.

Scores use each process's wall clock, so hosts sharing a throttle should
keep their clocks in sync.
*/
package distributed
