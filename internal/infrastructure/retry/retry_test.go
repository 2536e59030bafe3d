package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

var errFlaky = errors.New("503 slow down")

func fast(attempts int) Options {
	return Options{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}
}

func TestDo(t *testing.T) {
	Convey("Given a retry loop", t, func() {
		ctx := context.Background()
		calls := 0

		Convey("When the operation succeeds after transient failures", func() {
			attempts, err := DoCount(ctx, fast(5), nil, func(context.Context) error {
				calls++
				if calls < 3 {
					return errFlaky
				}
				return nil
			})

			Convey("It should stop at the first success", func() {
				So(err, ShouldBeNil)
				So(attempts, ShouldEqual, 3)
				So(calls, ShouldEqual, 3)
			})
		})

		Convey("When every attempt fails", func() {
			err := Do(ctx, fast(4), nil, func(context.Context) error {
				calls++
				return errFlaky
			})

			Convey("It should give up after MaxAttempts and return the last error", func() {
				So(err, ShouldEqual, errFlaky)
				So(calls, ShouldEqual, 4)
			})
		})

		Convey("When the error is not retryable", func() {
			denied := errors.New("access denied")
			err := Do(ctx, fast(5), func(err error) bool { return err == errFlaky }, func(context.Context) error {
				calls++
				return denied
			})

			Convey("It should fail immediately", func() {
				So(err, ShouldEqual, denied)
				So(calls, ShouldEqual, 1)
			})
		})

		Convey("When the context is cancelled between attempts", func() {
			cctx, cancel := context.WithCancel(ctx)
			opts := fast(10)
			opts.InitialDelay = 50 * time.Millisecond
			opts.MaxDelay = 50 * time.Millisecond

			err := Do(cctx, opts, nil, func(context.Context) error {
				calls++
				cancel()
				return errFlaky
			})

			Convey("It should return the cancellation", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				So(calls, ShouldEqual, 1)
			})
		})

		Convey("When an overall deadline is configured", func() {
			opts := fast(100)
			opts.InitialDelay = 20 * time.Millisecond
			opts.MaxDelay = 20 * time.Millisecond
			opts.Deadline = 50 * time.Millisecond

			start := time.Now()
			err := Do(ctx, opts, nil, func(context.Context) error {
				calls++
				return errFlaky
			})

			Convey("It should stop once the deadline passes", func() {
				So(err, ShouldEqual, errFlaky)
				So(calls, ShouldBeLessThan, 100)
				So(time.Since(start), ShouldBeLessThan, time.Second)
			})
		})

		Convey("When options are zero", func() {
			o := Options{}.normalized()

			Convey("It should fall back to the defaults", func() {
				So(o.MaxAttempts, ShouldEqual, Default.MaxAttempts)
				So(o.InitialDelay, ShouldEqual, Default.InitialDelay)
				So(o.Multiplier, ShouldEqual, Default.Multiplier)
			})
		})
	})
}
