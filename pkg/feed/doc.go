// Package feed drives external producers into workflow queues on a schedule.
//
// A Scheduler holds feeds. Each feed pairs a Producer with a target queue and a
// cron schedule; six-field expressions with a leading seconds field are
// accepted, as are descriptors such as "@every 30s" or "@hourly".
//
//	s := feed.New(w) // any Resolver; *workflow.Workflow is one
//	s.Add("tail", "*/5 * * * * *", "lines", feed.ProducerFunc(
//		func(ctx context.Context) ([]interface{}, bool, error) {
//			lines, eof, err := reader.Next(ctx)
//			return lines, eof, err
//		}))
//	s.Start()
//	defer s.Stop(ctx)
//
// Every time a feed fires, the items it returns are enqueued in order on the
// target queue; a bounded queue applies backpressure to the feed. A producer
// that reports done closes its queue, which lets downstream stages finish,
// and the feed is removed. Once schedules a single run.
//
// A feed never overlaps itself: if a run is still in progress when the next
// one is due, that firing is skipped. Producer errors are logged and counted
// and the schedule continues. Panics are recovered.
package feed
