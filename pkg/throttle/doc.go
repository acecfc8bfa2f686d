/*
Package throttle paces stage execution with a rolling-window slot limiter.

A Throttle hands out at most Limit slots in any window of Interval. Each
slot is a timestamp; it frees up once Interval has passed since it was
granted. Unlike a fixed window counter, the limiter never lets a full
burst through on both sides of a window boundary.

	t, err := throttle.New(3, time.Second)
	if err != nil {
		return err
	}

	for _, url := range urls {
		if err := t.GetSlot(5 * time.Second); err != nil {
			return err // *errors.TimeoutError
		}
		fetch(url)
	}

Waiting is a poll loop (50ms by default, see WithPollInterval).
GetSlotContext makes the wait cancelable and is what workflow stages use
through the Slotter interface. The distributed subpackage provides a Slotter
backed by Redis for throttles shared between processes.
*/
package throttle
