package session_test

import (
	"context"
	"errors"
	"strings"
	"time"

	"sshdeck/internal/errs"
	"sshdeck/internal/profile"
	"sshdeck/internal/session"
	"sshdeck/internal/transport/transporttest"

	"code.cloudfoundry.org/clock/fakeclock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
)

var _ = Describe("Manager", func() {
	var (
		clock     *fakeclock.FakeClock
		start     time.Time
		connector *transporttest.FakeConnector
		settings  session.Settings
		manager   *session.Manager
		events    *recorder
		prof      *profile.Profile
		ctx       context.Context
	)

	BeforeEach(func() {
		start = time.Unix(1700000000, 0)
		clock = fakeclock.NewFakeClock(start)
		connector = transporttest.NewFakeConnector(clock)
		settings = session.DefaultSettings()
		events = &recorder{}
		prof = &profile.Profile{
			ID:            "web-1",
			Name:          "web",
			Host:          "10.0.0.5",
			Username:      "ops",
			AuthType:      profile.AuthPassword,
			AutoReconnect: true,
		}
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		manager = session.NewManager(connector, settings,
			session.WithClock(clock),
			session.WithFs(afero.NewMemMapFs()))
		manager.OnEvent(events.listen)
	})

	AfterEach(func() {
		manager.DisconnectAll()
	})

	connect := func() *transporttest.FakeConn {
		_, err := manager.Connect(ctx, prof)
		Expect(err).NotTo(HaveOccurred())
		return connector.Last()
	}

	offsets := func() []time.Duration {
		var out []time.Duration
		for _, c := range connector.Calls() {
			out = append(out, c.Sub(start))
		}
		return out
	}

	Describe("Connect", func() {
		It("registers the session", func() {
			connect()
			Expect(manager.IsConnected("web-1")).To(BeTrue())
			s, ok := manager.Get("web-1")
			Expect(ok).To(BeTrue())
			Expect(s.State()).To(Equal(session.StateConnected))
			Expect(s.Profile()).To(BeIdenticalTo(prof))
		})

		It("registers nothing when the connector fails", func() {
			connector.FailNext(errs.AuthenticationError("Authentication failed for ops@10.0.0.5", nil))
			_, err := manager.Connect(ctx, prof)
			Expect(errs.Is(err, errs.Authentication)).To(BeTrue())
			Expect(manager.IsConnected("web-1")).To(BeFalse())
		})

		It("tears the previous transport down before dialing again", func() {
			var first *transporttest.FakeConn
			closedBeforeSecondDial := false
			connector.OnConnect(func(c *transporttest.FakeConn) {
				if first == nil {
					first = c
				} else {
					closedBeforeSecondDial = first.Closed()
				}
			})

			connect()
			second := connect()

			Expect(closedBeforeSecondDial).To(BeTrue())
			Expect(second).NotTo(BeIdenticalTo(first))
			Expect(manager.Sessions()).To(HaveLen(1))

			Expect(manager.RawInput("web-1", []byte("x"))).To(Succeed())
			Expect(second.FakeShell.Written()).To(Equal("x"))
		})

		It("discards a connection superseded by a disconnect", func() {
			connector.Hold()
			result := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := manager.Connect(ctx, prof)
				result <- err
			}()
			Eventually(func() int { return len(connector.Calls()) }).Should(Equal(1))

			manager.Disconnect("web-1")
			connector.Release()

			Eventually(result).Should(Receive(MatchError(session.ErrSuperseded)))
			Expect(connector.Last().Closed()).To(BeTrue())
			Expect(manager.IsConnected("web-1")).To(BeFalse())
		})
	})

	Describe("output", func() {
		It("batches output after the flush interval", func() {
			conn := connect()
			conn.FakeShell.Emit("hello world\r\n")

			clock.WaitForWatcherAndIncrement(settings.FlushInterval)
			Eventually(events.batches).Should(Equal([]string{"hello world\r\n"}))
			Expect(events.all()[0].ServerID).To(Equal("web-1"))
		})

		It("holds a burst of small chunks until output goes quiet", func() {
			connect()
			s, _ := manager.Get("web-1")
			lastActivity := func() time.Time { return s.Info().LastActivity }
			clock.Increment(time.Millisecond)

			chunk := "0123456789"
			for i := 0; i < 10; i++ {
				if i > 0 {
					clock.Increment(5 * time.Millisecond)
				}
				connector.Last().FakeShell.Emit(chunk)
				Eventually(lastActivity).Should(BeTemporally("==", clock.Now()))
			}
			lastChunk := clock.Now()
			Expect(events.batches()).To(BeEmpty())

			clock.Increment(settings.FlushInterval - time.Millisecond)
			Consistently(events.batches, 50*time.Millisecond).Should(BeEmpty())

			clock.Increment(time.Millisecond)
			Eventually(events.batches).Should(Equal([]string{strings.Repeat(chunk, 10)}))
			Expect(events.all()[0].Timestamp).To(BeTemporally("==", lastChunk.Add(settings.FlushInterval)))
			Consistently(events.batches, 50*time.Millisecond).Should(HaveLen(1))
		})

		Context("with a small buffer", func() {
			BeforeEach(func() {
				settings.BufferSize = 8
			})

			It("flushes without waiting once the threshold is crossed", func() {
				conn := connect()
				conn.FakeShell.Emit("0123456789")
				Eventually(events.batches).Should(Equal([]string{"0123456789"}))
			})
		})

		It("flushes pending output before reporting a disconnect", func() {
			conn := connect()
			conn.FakeShell.Emit("last words")
			conn.FakeShell.Hangup()

			Eventually(events.types).Should(ContainElement(session.EventDisconnected))
			types := events.types()
			Expect(types[0]).To(Equal(session.EventOutput))
			Expect(types[1]).To(Equal(session.EventDisconnected))
			Expect(events.output()).To(Equal("last words"))
		})
	})

	Describe("input", func() {
		It("writes raw input straight to the shell", func() {
			conn := connect()
			Expect(manager.RawInput("web-1", []byte("\x03"))).To(Succeed())
			Expect(conn.FakeShell.Writes()).To(Equal([]string{"\x03"}))
		})

		It("paces queued commands and lets raw input bypass the queue", func() {
			conn := connect()
			Expect(manager.Enqueue("web-1", "uptime")).To(Succeed())
			Expect(manager.Enqueue("web-1", "df -h")).To(Succeed())
			Eventually(conn.FakeShell.Writes).Should(Equal([]string{"uptime\n"}))
			Expect(manager.QueueStatus("web-1")).To(Equal(session.QueueStatus{QueueLength: 1, Processing: true, MaxQueueSize: 100}))

			Expect(manager.RawInput("web-1", []byte("q"))).To(Succeed())
			Expect(conn.FakeShell.Writes()).To(Equal([]string{"uptime\n", "q"}))

			clock.WaitForWatcherAndIncrement(settings.CommandDelay)
			Eventually(conn.FakeShell.Writes).Should(Equal([]string{"uptime\n", "q", "df -h\n"}))
		})

		It("resizes the terminal", func() {
			conn := connect()
			Expect(manager.Resize("web-1", 132, 43)).To(Succeed())
			Expect(conn.FakeShell.Resizes()).To(Equal([][2]int{{132, 43}}))
		})

		It("fails for unknown sessions", func() {
			Expect(errs.Is(manager.RawInput("nope", []byte("x")), errs.NotConnected)).To(BeTrue())
			Expect(errs.Is(manager.Enqueue("nope", "ls"), errs.NotConnected)).To(BeTrue())
			Expect(manager.Reconnect("nope")).To(MatchError(session.ErrNoSession))
			Expect(manager.QueueStatus("nope")).To(Equal(session.QueueStatus{MaxQueueSize: 100}))
			_, err := manager.Files("nope")
			Expect(errs.Is(err, errs.NotConnected)).To(BeTrue())
		})
	})

	Describe("reconnection", func() {
		It("backs off exponentially and gives up after the limit", func() {
			conn := connect()
			connector.FailNext(transporttest.ErrConnectRefused, transporttest.ErrConnectRefused, transporttest.ErrConnectRefused)
			conn.FakeShell.Hangup()

			Eventually(events.reconnecting).Should(Equal([][2]int{{1, 3}}))
			Expect(manager.IsConnected("web-1")).To(BeTrue())
			s, _ := manager.Get("web-1")
			Expect(s.State()).To(Equal(session.StateReconnecting))

			clock.WaitForWatcherAndIncrement(1 * time.Second)
			Eventually(events.reconnecting).Should(Equal([][2]int{{1, 3}, {2, 3}}))

			clock.WaitForWatcherAndIncrement(2 * time.Second)
			Eventually(events.reconnecting).Should(Equal([][2]int{{1, 3}, {2, 3}, {3, 3}}))

			clock.WaitForWatcherAndIncrement(4 * time.Second)
			Eventually(func() int { return events.count(session.EventReconnectFailed) }).Should(Equal(1))
			Eventually(func() bool { return manager.IsConnected("web-1") }).Should(BeFalse())
			Eventually(s.Done()).Should(BeClosed())

			Expect(offsets()).To(Equal([]time.Duration{0, 1 * time.Second, 3 * time.Second, 7 * time.Second}))
			Expect(s.State()).To(Equal(session.StateFailed))
			Consistently(func() int { return events.count(session.EventReconnectFailed) }, 50*time.Millisecond).Should(Equal(1))
		})

		It("restores the session in place and resets the counter", func() {
			conn := connect()
			connector.FailNext(transporttest.ErrConnectRefused)
			conn.FakeShell.Hangup()

			clock.WaitForWatcherAndIncrement(1 * time.Second)
			clock.WaitForWatcherAndIncrement(2 * time.Second)
			Eventually(func() int { return events.count(session.EventReconnected) }).Should(Equal(1))

			s, ok := manager.Get("web-1")
			Expect(ok).To(BeTrue())
			Expect(s.State()).To(Equal(session.StateConnected))
			Expect(s.Info().Attempt).To(BeZero())
			Expect(conn.Closed()).To(BeTrue())

			for _, p := range connector.Profiles() {
				Expect(p).To(BeIdenticalTo(prof))
			}

			fresh := connector.Last()
			Expect(fresh).NotTo(BeIdenticalTo(conn))
			Expect(manager.RawInput("web-1", []byte("ok"))).To(Succeed())
			Expect(fresh.FakeShell.Written()).To(Equal("ok"))

			var lifecycle []session.EventType
			for _, e := range s.History() {
				lifecycle = append(lifecycle, e.Type)
			}
			Expect(lifecycle).To(Equal([]session.EventType{
				session.EventDisconnected,
				session.EventReconnecting,
				session.EventReconnecting,
				session.EventReconnected,
			}))

			// A second drop starts again from attempt 1.
			fresh.FakeShell.Hangup()
			Eventually(events.reconnecting).Should(Equal([][2]int{{1, 3}, {2, 3}, {1, 3}}))
		})

		It("honours the profile's retry limit", func() {
			prof.ReconnectRetries = 1
			conn := connect()
			connector.FailNext(transporttest.ErrConnectRefused)
			conn.FakeShell.Hangup()

			Eventually(events.reconnecting).Should(Equal([][2]int{{1, 1}}))
			clock.WaitForWatcherAndIncrement(1 * time.Second)
			Eventually(func() int { return events.count(session.EventReconnectFailed) }).Should(Equal(1))
			Eventually(func() bool { return manager.IsConnected("web-1") }).Should(BeFalse())
		})

		Context("when auto-reconnect is off", func() {
			BeforeEach(func() {
				prof.AutoReconnect = false
			})

			It("removes the session on close without retrying", func() {
				conn := connect()
				conn.FakeShell.Hangup()

				Eventually(func() bool { return manager.IsConnected("web-1") }).Should(BeFalse())
				Expect(events.types()).To(Equal([]session.EventType{session.EventDisconnected}))
				Expect(connector.Calls()).To(HaveLen(1))
			})

			It("still reconnects on request", func() {
				conn := connect()
				Expect(manager.Reconnect("web-1")).To(Succeed())

				Eventually(events.reconnecting).Should(Equal([][2]int{{1, 3}}))
				Expect(conn.Closed()).To(BeTrue())

				clock.WaitForWatcherAndIncrement(1 * time.Second)
				Eventually(func() int { return events.count(session.EventReconnected) }).Should(Equal(1))
				Expect(manager.IsConnected("web-1")).To(BeTrue())
			})
		})

		It("cuts a backoff wait short on a manual request", func() {
			conn := connect()
			conn.FakeShell.Hangup()
			Eventually(events.reconnecting).Should(HaveLen(1))

			Expect(manager.Reconnect("web-1")).To(Succeed())
			Eventually(func() int { return events.count(session.EventReconnected) }).Should(Equal(1))
			Expect(offsets()).To(Equal([]time.Duration{0, 0}))
		})

		It("stops retrying once disconnected during a backoff wait", func() {
			conn := connect()
			connector.FailNext(transporttest.ErrConnectRefused)
			conn.FakeShell.Hangup()
			Eventually(events.reconnecting).Should(HaveLen(1))

			s, _ := manager.Get("web-1")
			manager.Disconnect("web-1")
			Eventually(s.Done()).Should(BeClosed())

			clock.Increment(time.Hour)
			Consistently(connector.Calls, 50*time.Millisecond).Should(HaveLen(1))
			Expect(manager.IsConnected("web-1")).To(BeFalse())
			Expect(events.count(session.EventReconnectFailed)).To(BeZero())
		})

		It("abandons an in-flight reconnect on disconnect", func() {
			conn := connect()
			conn.FakeShell.Hangup()
			Eventually(events.reconnecting).Should(HaveLen(1))

			connector.Hold()
			clock.WaitForWatcherAndIncrement(1 * time.Second)
			Eventually(connector.Calls).Should(HaveLen(2))

			manager.Disconnect("web-1")
			connector.Release()

			Expect(connector.Conns()).To(HaveLen(1))
			Expect(manager.IsConnected("web-1")).To(BeFalse())
			Expect(events.count(session.EventReconnected)).To(BeZero())
		})
	})

	Describe("Disconnect", func() {
		It("closes the transport and is idempotent", func() {
			conn := connect()
			s, _ := manager.Get("web-1")

			manager.Disconnect("web-1")
			manager.Disconnect("web-1")

			Expect(conn.Closed()).To(BeTrue())
			Expect(manager.IsConnected("web-1")).To(BeFalse())
			Expect(s.State()).To(Equal(session.StateDisconnected))
			Expect(events.count(session.EventDisconnected)).To(Equal(1))
			Expect(events.count(session.EventReconnecting)).To(BeZero())
		})

		It("closes every session with DisconnectAll", func() {
			var conns []*transporttest.FakeConn
			for _, id := range []string{"a", "b", "c"} {
				p := *prof
				p.ID = id
				_, err := manager.Connect(ctx, &p)
				Expect(err).NotTo(HaveOccurred())
				conns = append(conns, connector.Last())
			}
			Expect(manager.Sessions()).To(HaveLen(3))

			manager.DisconnectAll()
			Expect(manager.Sessions()).To(BeEmpty())
			for _, c := range conns {
				Expect(c.Closed()).To(BeTrue())
			}
		})
	})

	Describe("Files", func() {
		var stop func()

		BeforeEach(func() {
			var client *sftp.Client
			var err error
			client, stop, err = transporttest.NewMemSFTP()
			Expect(err).NotTo(HaveOccurred())
			connector.OnConnect(func(c *transporttest.FakeConn) { c.Client = client })
		})

		AfterEach(func() {
			stop()
		})

		It("exposes the file client of the live connection", func() {
			connect()
			fc, err := manager.Files("web-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(fc.Write(ctx, "/hello.txt", []byte("hi"))).To(Succeed())
			Expect(fc.Read(ctx, "/hello.txt")).To(Equal([]byte("hi")))
		})

		It("is unavailable while reconnecting", func() {
			conn := connect()
			conn.FakeShell.Hangup()
			Eventually(events.reconnecting).Should(HaveLen(1))

			_, err := manager.Files("web-1")
			Expect(errs.Is(err, errs.NotConnected)).To(BeTrue())
			Expect(errors.Is(manager.RawInput("web-1", []byte("x")), errs.ErrNotConnected)).To(BeTrue())
		})
	})
})
