package session_test

import (
	"errors"
	"sync"
	"time"

	"sshdeck/internal/errs"
	"sshdeck/internal/session"

	"code.cloudfoundry.org/clock/fakeclock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CommandQueue", func() {
	var (
		clock  *fakeclock.FakeClock
		mu     sync.Mutex
		writes []string
		queue  *session.CommandQueue
	)

	written := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), writes...)
	}

	BeforeEach(func() {
		clock = fakeclock.NewFakeClock(time.Unix(1700000000, 0))
		writes = nil
		queue = session.NewCommandQueue(clock, 10*time.Millisecond, 3, "srv", func(b []byte) error {
			mu.Lock()
			writes = append(writes, string(b))
			mu.Unlock()
			return nil
		})
	})

	AfterEach(func() {
		queue.Stop()
	})

	It("delivers commands in order with a delay between them", func() {
		Expect(queue.Enqueue("cd /srv")).To(Succeed())
		Expect(queue.Enqueue("ls")).To(Succeed())
		Expect(queue.Enqueue("pwd")).To(Succeed())

		Eventually(written).Should(Equal([]string{"cd /srv\n"}))
		Consistently(written, 50*time.Millisecond).Should(HaveLen(1))

		clock.WaitForWatcherAndIncrement(10 * time.Millisecond)
		Eventually(written).Should(Equal([]string{"cd /srv\n", "ls\n"}))

		clock.WaitForWatcherAndIncrement(10 * time.Millisecond)
		Eventually(written).Should(Equal([]string{"cd /srv\n", "ls\n", "pwd\n"}))
		Expect(queue.Status().Processing).To(BeTrue())

		clock.WaitForWatcherAndIncrement(10 * time.Millisecond)
		Eventually(func() bool { return queue.Status().Processing }).Should(BeFalse())
	})

	It("keeps enqueue order across goroutines", func() {
		prev := make(chan struct{})
		close(prev)
		for _, cmd := range []string{"A", "B", "C"} {
			next := make(chan struct{})
			go func(cmd string, prev <-chan struct{}, next chan<- struct{}) {
				defer GinkgoRecover()
				<-prev
				Expect(queue.Enqueue(cmd)).To(Succeed())
				close(next)
			}(cmd, prev, next)
			prev = next
		}
		Eventually(prev).Should(BeClosed())

		Eventually(written).Should(Equal([]string{"A\n"}))
		clock.WaitForWatcherAndIncrement(10 * time.Millisecond)
		Eventually(written).Should(Equal([]string{"A\n", "B\n"}))
		clock.WaitForWatcherAndIncrement(10 * time.Millisecond)
		Eventually(written).Should(Equal([]string{"A\n", "B\n", "C\n"}))
	})

	It("delivers every concurrent command exactly once through a single drain", func() {
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, cmd := range []string{"A", "B", "C"} {
			wg.Add(1)
			go func(cmd string) {
				defer GinkgoRecover()
				defer wg.Done()
				<-start
				Expect(queue.Enqueue(cmd)).To(Succeed())
			}(cmd)
		}
		close(start)
		wg.Wait()

		Eventually(written).Should(HaveLen(1))
		Consistently(written, 50*time.Millisecond).Should(HaveLen(1))
		clock.WaitForWatcherAndIncrement(10 * time.Millisecond)
		Eventually(written).Should(HaveLen(2))
		clock.WaitForWatcherAndIncrement(10 * time.Millisecond)
		Eventually(written).Should(ConsistOf("A\n", "B\n", "C\n"))
	})

	It("reports its status", func() {
		status := queue.Status()
		Expect(status.QueueLength).To(Equal(0))
		Expect(status.Processing).To(BeFalse())
		Expect(status.MaxQueueSize).To(Equal(3))

		Expect(queue.Enqueue("a")).To(Succeed())
		Expect(queue.Enqueue("b")).To(Succeed())
		Eventually(written).Should(HaveLen(1))
		status = queue.Status()
		Expect(status.QueueLength).To(Equal(1))
		Expect(status.Processing).To(BeTrue())
	})

	It("rejects commands once full", func() {
		Expect(queue.Enqueue("first")).To(Succeed())
		Eventually(written).Should(HaveLen(1))

		Expect(queue.Enqueue("2")).To(Succeed())
		Expect(queue.Enqueue("3")).To(Succeed())
		Expect(queue.Enqueue("4")).To(Succeed())
		Expect(queue.Enqueue("5")).To(MatchError(errs.ErrQueueFull))
		Expect(queue.Status().QueueLength).To(Equal(3))
	})

	It("keeps draining after a failed write", func() {
		failing := session.NewCommandQueue(clock, 10*time.Millisecond, 10, "srv", func(b []byte) error {
			mu.Lock()
			defer mu.Unlock()
			writes = append(writes, string(b))
			if string(b) == "bad\n" {
				return errors.New("channel closed")
			}
			return nil
		})
		defer failing.Stop()

		Expect(failing.Enqueue("bad")).To(Succeed())
		Expect(failing.Enqueue("good")).To(Succeed())
		Eventually(written).Should(HaveLen(1))
		clock.WaitForWatcherAndIncrement(10 * time.Millisecond)
		Eventually(written).Should(Equal([]string{"bad\n", "good\n"}))
	})

	It("drops pending commands when stopped", func() {
		Expect(queue.Enqueue("a")).To(Succeed())
		Expect(queue.Enqueue("b")).To(Succeed())
		Eventually(written).Should(HaveLen(1))

		queue.Stop()
		Eventually(func() bool { return queue.Status().Processing }).Should(BeFalse())
		Expect(queue.Status().QueueLength).To(Equal(0))
		Expect(queue.Enqueue("c")).To(MatchError(session.ErrQueueClosed))
		Consistently(written, 50*time.Millisecond).Should(HaveLen(1))
	})
})
