package session_test

import (
	"time"

	"sshdeck/internal/session"

	"code.cloudfoundry.org/clock/fakeclock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Aggregator", func() {
	var (
		clock   *fakeclock.FakeClock
		batches []string
		agg     *session.Aggregator
	)

	fired := func() bool {
		select {
		case <-agg.C():
			return true
		default:
			return false
		}
	}

	BeforeEach(func() {
		clock = fakeclock.NewFakeClock(time.Unix(1700000000, 0))
		batches = nil
		agg = session.NewAggregator(clock, 16*time.Millisecond, 16, func(b []byte) {
			batches = append(batches, string(b))
		})
	})

	It("does not schedule anything while empty", func() {
		Expect(agg.C()).To(BeNil())
		Expect(agg.Scheduled()).To(BeFalse())
		agg.Flush()
		Expect(batches).To(BeEmpty())
	})

	It("emits one batch once output has been quiet for the interval", func() {
		agg.Append([]byte("ls"))
		agg.Append([]byte(" -la"))
		Expect(agg.Scheduled()).To(BeTrue())

		clock.Increment(15 * time.Millisecond)
		Expect(fired()).To(BeFalse())

		clock.Increment(time.Millisecond)
		Expect(fired()).To(BeTrue())
		agg.Flush()

		Expect(batches).To(Equal([]string{"ls -la"}))
		Expect(agg.Scheduled()).To(BeFalse())
		Expect(agg.Pending()).To(BeZero())
	})

	It("restarts the timer on every sub-threshold chunk", func() {
		agg.Append([]byte("a"))
		clock.Increment(10 * time.Millisecond)
		agg.Append([]byte("b"))
		clock.Increment(10 * time.Millisecond)
		Expect(fired()).To(BeFalse(), "the first timer should have been cancelled")
		Expect(batches).To(BeEmpty())

		clock.Increment(6 * time.Millisecond)
		Expect(fired()).To(BeTrue())
		agg.Flush()
		Expect(batches).To(Equal([]string{"ab"}))
	})

	It("flushes synchronously when the threshold is reached", func() {
		agg.Append([]byte("0123456789"))
		Expect(batches).To(BeEmpty())

		agg.Append([]byte("abcdef"))
		Expect(batches).To(Equal([]string{"0123456789abcdef"}))
		Expect(agg.Scheduled()).To(BeFalse())
		Expect(agg.Pending()).To(BeZero())
	})

	It("flushes a single oversized chunk as is", func() {
		agg.Append([]byte("this chunk is longer than sixteen bytes"))
		Expect(batches).To(Equal([]string{"this chunk is longer than sixteen bytes"}))
	})
})
