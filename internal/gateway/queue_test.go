package gateway

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func testSettings() Settings {
	return Settings{
		MaxSize:              10,
		MaxRetries:           6,
		InitialRetryInterval: 500 * time.Millisecond,
		MaxRetryInterval:     5 * time.Second,
		RetryMultiplier:      2,
		WaitTimeout:          30 * time.Second,
		ResponseTTL:          time.Minute,
	}
}

func TestQueueRetrySchedule(t *testing.T) {
	Convey("Given a queue with initial=500ms, multiplier=2, max=5s, retries=6", t, func() {
		q, err := NewQueue(testSettings())
		So(err, ShouldBeNil)

		id, err := q.Enqueue(CommandRequest{Name: "ping", NodeID: "patio"})
		So(err, ShouldBeNil)

		Convey("Then the backoff delays follow the capped exponential schedule", func() {
			want := []time.Duration{
				500 * time.Millisecond,
				1000 * time.Millisecond,
				2000 * time.Millisecond,
				4000 * time.Millisecond,
				5000 * time.Millisecond,
				5000 * time.Millisecond,
			}

			now := time.Now()
			for i, d := range want {
				out := q.DueCommand(now)
				So(out, ShouldNotBeNil)
				So(out.ID, ShouldEqual, id)
				So(out.Attempt, ShouldEqual, i+1)
				q.MarkSent(id, now)

				// Not due again until the full delay elapsed.
				So(q.DueCommand(now.Add(d-time.Millisecond)), ShouldBeNil)
				now = now.Add(d)
			}

			Convey("And the retry budget is spent afterwards", func() {
				So(q.DueCommand(now.Add(time.Hour)), ShouldBeNil)
			})
		})
	})
}

func TestQueueBroadcastAcks(t *testing.T) {
	Convey("Given an in-flight broadcast expecting 3 acks", t, func() {
		q, err := NewQueue(testSettings())
		So(err, ShouldBeNil)

		id, err := q.Enqueue(CommandRequest{Name: "ping", ExpectedAcks: 3})
		So(err, ShouldBeNil)

		now := time.Now()
		So(q.DueCommand(now), ShouldNotBeNil)
		q.MarkSent(id, now)

		Convey("When three distinct nodes ack, with a duplicate in between", func() {
			res, matched := q.AckReceived(id, "patio", nil)
			So(matched, ShouldBeTrue)
			So(res, ShouldBeNil)

			res, matched = q.AckReceived(id, "driveway", map[string]interface{}{"r": "ok"})
			So(matched, ShouldBeTrue)
			So(res, ShouldBeNil)

			// Duplicate from the same node must not count.
			res, matched = q.AckReceived(id, "driveway", nil)
			So(matched, ShouldBeTrue)
			So(res, ShouldBeNil)

			res, matched = q.AckReceived(id, "shed", nil)
			So(matched, ShouldBeTrue)

			Convey("Then the command resolves with all three nodes", func() {
				So(res, ShouldNotBeNil)
				So(res.Err, ShouldBeNil)
				So(res.Acked, ShouldResemble, []string{"driveway", "patio", "shed"})
				So(res.Responses["driveway"]["r"], ShouldEqual, "ok")
				So(q.PendingCount(), ShouldEqual, 0)
			})
		})
	})
}

func TestQueueExhaustion(t *testing.T) {
	Convey("Given a command with a budget of 2 transmissions", t, func() {
		s := testSettings()
		q, err := NewQueue(s)
		So(err, ShouldBeNil)

		id, err := q.Enqueue(CommandRequest{Name: "echo", Args: []string{"x"}, NodeID: "patio", MaxRetries: 2})
		So(err, ShouldBeNil)

		now := time.Now()
		q.MarkSent(id, now)
		now = now.Add(s.retryDelay(1))
		q.MarkSent(id, now)

		Convey("When no ack arrives", func() {
			So(q.CheckExpired(now), ShouldBeNil)

			res := q.CheckExpired(now.Add(s.retryDelay(2)))
			So(res, ShouldNotBeNil)

			Convey("Then it fails with a no-response error", func() {
				var nre *NoResponseError
				So(res.Err, ShouldHaveSameTypeAs, nre)
				So(res.Err.(*NoResponseError).Attempts, ShouldEqual, 2)
			})
		})

		Convey("When only one of two expected acks arrives", func() {
			// Re-arm as a broadcast expecting two acks.
			q.Flush()
			id, err = q.Enqueue(CommandRequest{Name: "ping", ExpectedAcks: 2, MaxRetries: 2})
			So(err, ShouldBeNil)

			now = time.Now()
			q.MarkSent(id, now)
			_, matched := q.AckReceived(id, "patio", nil)
			So(matched, ShouldBeTrue)
			now = now.Add(s.retryDelay(1))
			q.MarkSent(id, now)

			res := q.CheckExpired(now.Add(s.retryDelay(2)))
			So(res, ShouldNotBeNil)

			Convey("Then it fails with a partial-response error naming the responder", func() {
				var pre *PartialResponseError
				So(res.Err, ShouldHaveSameTypeAs, pre)
				So(res.Err.(*PartialResponseError).Acked, ShouldResemble, []string{"patio"})
				So(res.Err.(*PartialResponseError).Expected, ShouldEqual, 2)
			})
		})
	})
}

func TestQueueWait(t *testing.T) {
	Convey("Given an in-flight command", t, func() {
		q, err := NewQueue(testSettings())
		So(err, ShouldBeNil)

		id, err := q.Enqueue(CommandRequest{Name: "echo", Args: []string{"hi"}, NodeID: "patio"})
		So(err, ShouldBeNil)
		q.MarkSent(id, time.Now())

		Convey("When the ack arrives while a caller waits", func() {
			go func() {
				time.Sleep(10 * time.Millisecond)
				q.AckReceived(id, "patio", map[string]interface{}{"r": "hi"})
			}()

			res, err := q.Wait(id, time.Second)
			So(err, ShouldBeNil)
			So(res.Err, ShouldBeNil)
			So(res.Response()["r"], ShouldEqual, "hi")

			Convey("And the result stays retrievable afterwards", func() {
				res2, err := q.Wait(id, time.Second)
				So(err, ShouldBeNil)
				So(res2, ShouldEqual, res)

				peeked, ok := q.Peek(id)
				So(ok, ShouldBeTrue)
				So(peeked, ShouldEqual, res)
			})
		})

		Convey("When the caller stops waiting first", func() {
			_, err := q.Wait(id, 10*time.Millisecond)
			So(err, ShouldEqual, ErrWaitTimeout)

			Convey("Then the command is still pending", func() {
				So(q.PendingCount(), ShouldEqual, 1)
			})
		})

		Convey("When waiting on an unknown id", func() {
			_, err := q.Wait("nope", 10*time.Millisecond)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestQueueBacklog(t *testing.T) {
	Convey("Given a queue with a backlog capacity of 2", t, func() {
		s := testSettings()
		s.MaxSize = 2
		q, err := NewQueue(s)
		So(err, ShouldBeNil)

		first, err := q.Enqueue(CommandRequest{Name: "ping", NodeID: "a"})
		So(err, ShouldBeNil)
		second, err := q.Enqueue(CommandRequest{Name: "ping", NodeID: "b"})
		So(err, ShouldBeNil)
		_, err = q.Enqueue(CommandRequest{Name: "ping", NodeID: "c"})
		So(err, ShouldBeNil)

		Convey("Then a fourth command is rejected", func() {
			_, err := q.Enqueue(CommandRequest{Name: "ping", NodeID: "d"})
			So(err, ShouldEqual, ErrQueueFull)
		})

		Convey("Then commands go out one at a time in FIFO order", func() {
			now := time.Now()
			out := q.DueCommand(now)
			So(out.ID, ShouldEqual, first)
			q.MarkSent(first, now)

			// Still only the in-flight command until it resolves.
			res, _ := q.AckReceived(first, "a", nil)
			So(res, ShouldNotBeNil)

			out = q.DueCommand(now)
			So(out.ID, ShouldEqual, second)
		})
	})
}

func TestQueueCancel(t *testing.T) {
	Convey("Given pending commands", t, func() {
		q, err := NewQueue(testSettings())
		So(err, ShouldBeNil)

		first, err := q.Enqueue(CommandRequest{Name: "ping", NodeID: "a"})
		So(err, ShouldBeNil)
		second, err := q.Enqueue(CommandRequest{Name: "ping", NodeID: "b"})
		So(err, ShouldBeNil)

		Convey("When the backlog entry is cancelled", func() {
			So(q.Cancel(second), ShouldBeNil)
			res, err := q.Wait(second, time.Second)
			So(err, ShouldBeNil)
			So(res.Err, ShouldEqual, ErrCancelled)
			So(q.PendingCount(), ShouldEqual, 1)
		})

		Convey("When the in-flight command is cancelled", func() {
			So(q.Cancel(first), ShouldBeNil)

			Convey("Then the next command is promoted", func() {
				out := q.DueCommand(time.Now())
				So(out, ShouldNotBeNil)
				So(out.ID, ShouldEqual, second)
			})
		})

		Convey("When everything is flushed", func() {
			So(q.Flush(), ShouldEqual, 2)
			So(q.PendingCount(), ShouldEqual, 0)
		})
	})
}

func TestQueueSettingsUpdate(t *testing.T) {
	Convey("Given a running queue", t, func() {
		q, err := NewQueue(testSettings())
		So(err, ShouldBeNil)

		Convey("When the settings are updated at runtime", func() {
			s := q.Settings()
			s.MaxRetries = 3
			So(q.UpdateSettings(s), ShouldBeNil)
			So(q.Settings().MaxRetries, ShouldEqual, 3)
		})

		Convey("When invalid settings are submitted", func() {
			s := q.Settings()
			s.RetryMultiplier = 0.5
			So(q.UpdateSettings(s), ShouldNotBeNil)
			So(q.Settings().RetryMultiplier, ShouldEqual, 2)
		})
	})
}
