package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"sshdeck/internal/api"
	"sshdeck/internal/profile"
	"sshdeck/internal/server"
	"sshdeck/internal/session"
	"sshdeck/internal/transport/transporttest"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
)

type envelope struct {
	Success  bool               `json:"success"`
	Message  string             `json:"message"`
	Content  string             `json:"content"`
	Profile  *profile.Profile   `json:"profile"`
	Profiles []*profile.Profile `json:"profiles"`
	Sessions []session.Info     `json:"sessions"`
	Files    []map[string]any   `json:"files"`
	Detail   string             `json:"detail"`
}

var _ = Describe("HTTP server", func() {
	var (
		clock      *fakeclock.FakeClock
		connector  *transporttest.FakeConnector
		mgr        *session.Manager
		store      *profile.MemoryStore
		opts       []server.Option
		srv        *server.Server
		httpServer *httptest.Server
		sftpClient *sftp.Client
		stopSFTP   func()
		ctx        context.Context
		cancel     context.CancelFunc
		stored     *profile.Profile
	)

	call := func(method, path string, body any) (int, envelope) {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req, err := http.NewRequestWithContext(ctx, method, httpServer.URL+path, &buf)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		var env envelope
		Expect(json.NewDecoder(resp.Body).Decode(&env)).To(Succeed())
		return resp.StatusCode, env
	}

	wsURL := func(path string) string {
		return "ws" + strings.TrimPrefix(httpServer.URL, "http") + path
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		clock = fakeclock.NewFakeClock(time.Unix(1700000000, 0))
		connector = transporttest.NewFakeConnector(clock)

		var err error
		sftpClient, stopSFTP, err = transporttest.NewMemSFTP()
		Expect(err).NotTo(HaveOccurred())
		connector.OnConnect(func(c *transporttest.FakeConn) { c.Client = sftpClient })

		opts = nil
		mgr = session.NewManager(connector, session.DefaultSettings(),
			session.WithClock(clock),
			session.WithFs(afero.NewMemMapFs()))
		store = profile.NewMemoryStore()
		stored, err = store.Add(ctx, &profile.Profile{
			Name:          "web",
			Host:          "10.0.0.9",
			Username:      "deploy",
			AuthType:      profile.AuthPassword,
			Password:      "pw",
			AutoReconnect: true,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	JustBeforeEach(func() {
		srv = server.New(api.NewService(mgr, store), opts...)
		httpServer = httptest.NewServer(srv.Handler())
	})

	AfterEach(func() {
		httpServer.Close()
		Expect(srv.Shutdown(context.Background())).To(Succeed())
		stopSFTP()
		cancel()
	})

	It("reports health", func() {
		resp, err := http.Get(httpServer.URL + "/health")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	Describe("profiles", func() {
		It("supports the full lifecycle", func() {
			status, env := call(http.MethodPost, "/api/v1/profiles", profile.Profile{
				Name:     "db",
				Host:     "10.0.0.10",
				Username: "root",
				AuthType: profile.AuthPassword,
			})
			Expect(status).To(Equal(http.StatusCreated))
			Expect(env.Success).To(BeTrue())
			id := env.Profile.ID
			Expect(id).NotTo(BeEmpty())

			_, env = call(http.MethodGet, "/api/v1/profiles", nil)
			Expect(env.Profiles).To(HaveLen(2))

			update := *env.Profiles[0]
			update.Port = 2200
			_, env = call(http.MethodPut, "/api/v1/profiles/"+update.ID, update)
			Expect(env.Success).To(BeTrue())

			_, env = call(http.MethodGet, "/api/v1/profiles/"+update.ID, nil)
			Expect(env.Profile.Port).To(Equal(2200))

			_, env = call(http.MethodDelete, "/api/v1/profiles/"+id, nil)
			Expect(env.Success).To(BeTrue())

			status, env = call(http.MethodGet, "/api/v1/profiles/"+id, nil)
			Expect(status).To(Equal(http.StatusNotFound))
			Expect(env.Success).To(BeFalse())
		})

		It("rejects invalid bodies", func() {
			req, err := http.NewRequest(http.MethodPost, httpServer.URL+"/api/v1/profiles", strings.NewReader("{"))
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var env envelope
			Expect(json.NewDecoder(resp.Body).Decode(&env)).To(Succeed())
			Expect(env.Detail).To(HavePrefix("Invalid request body"))
		})

		It("rejects profiles that cannot connect", func() {
			status, env := call(http.MethodPost, "/api/v1/profiles", profile.Profile{Host: "x"})
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(env.Message).To(ContainSubstring("username is required"))
		})
	})

	Describe("sessions", func() {
		var base string

		BeforeEach(func() {
			base = "/api/v1/sessions/" + stored.ID
		})

		It("connects, accepts input and disconnects", func() {
			_, env := call(http.MethodPost, base+"/connect", nil)
			Expect(env.Success).To(BeTrue())
			Expect(env.Message).To(Equal("Connected successfully"))

			var connected map[string]bool
			resp, err := http.Get(httpServer.URL + base + "/status")
			Expect(err).NotTo(HaveOccurred())
			Expect(json.NewDecoder(resp.Body).Decode(&connected)).To(Succeed())
			resp.Body.Close()
			Expect(connected["connected"]).To(BeTrue())

			_, env = call(http.MethodPost, base+"/input", map[string]string{"data": "ls\r"})
			Expect(env.Success).To(BeTrue())
			_, env = call(http.MethodPost, base+"/commands", map[string]string{"command": "pwd"})
			Expect(env.Success).To(BeTrue())

			shell := connector.Last().FakeShell
			Eventually(shell.Written).Should(Equal("ls\rpwd\n"))

			_, env = call(http.MethodGet, "/api/v1/sessions", nil)
			Expect(env.Sessions).To(HaveLen(1))
			Expect(env.Sessions[0].State).To(Equal(session.StateConnected))

			_, env = call(http.MethodPost, base+"/disconnect", nil)
			Expect(env.Success).To(BeTrue())
			Expect(connector.Last().Closed()).To(BeTrue())

			_, env = call(http.MethodPost, base+"/input", map[string]string{"data": "x"})
			Expect(env.Success).To(BeFalse())
			Expect(env.Message).To(Equal("Not connected"))
		})

		It("reports a missing session on manual reconnect", func() {
			_, env := call(http.MethodPost, base+"/reconnect", nil)
			Expect(env.Success).To(BeFalse())
			Expect(env.Message).To(Equal("No session found"))
		})

		It("serves file operations", func() {
			call(http.MethodPost, base+"/connect", nil)

			_, env := call(http.MethodPost, base+"/files/mkdir", map[string]string{"path": "/etc"})
			Expect(env.Success).To(BeTrue())
			_, env = call(http.MethodPut, base+"/files/content", map[string]string{"path": "/etc/motd", "content": "hello\n"})
			Expect(env.Success).To(BeTrue())
			_, env = call(http.MethodGet, base+"/files/content?path=/etc/motd", nil)
			Expect(env.Content).To(Equal("hello\n"))
			_, env = call(http.MethodPost, base+"/files/rename", map[string]string{"oldPath": "/etc/motd", "newPath": "/etc/motd.bak"})
			Expect(env.Success).To(BeTrue())
			_, env = call(http.MethodGet, base+"/files?path=/etc", nil)
			Expect(env.Files).To(HaveLen(1))
			Expect(env.Files[0]["name"]).To(Equal("motd.bak"))
			_, env = call(http.MethodPost, base+"/files/delete", map[string]any{"path": "/etc/motd.bak", "isDir": false})
			Expect(env.Success).To(BeTrue())

			status, env := call(http.MethodGet, base+"/files/content", nil)
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(env.Detail).To(Equal("path is required"))
		})
	})

	Describe("websockets", func() {
		It("streams events", func() {
			conn, _, err := websocket.Dial(ctx, wsURL("/api/v1/events?server_id="+stored.ID), nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.CloseNow()
			Eventually(srv.Subscribers).Should(Equal(1))

			_, env := call(http.MethodPost, "/api/v1/sessions/"+stored.ID+"/connect", nil)
			Expect(env.Success).To(BeTrue())
			connector.Last().FakeShell.Emit("welcome\r\n")
			clock.WaitForWatcherAndIncrement(16 * time.Millisecond)

			var e session.Event
			Expect(wsjson.Read(ctx, conn, &e)).To(Succeed())
			Expect(e.Type).To(Equal(session.EventOutput))
			Expect(e.ServerID).To(Equal(stored.ID))
			Expect(e.Data).To(Equal("welcome\r\n"))

			connector.Last().FakeShell.Hangup()
			Expect(wsjson.Read(ctx, conn, &e)).To(Succeed())
			Expect(e.Type).To(Equal(session.EventDisconnected))
			Expect(wsjson.Read(ctx, conn, &e)).To(Succeed())
			Expect(e.Type).To(Equal(session.EventReconnecting))
			Expect(e.Attempt).To(Equal(1))
			Expect(e.MaxAttempts).To(Equal(3))
		})

		It("relays a terminal", func() {
			_, env := call(http.MethodPost, "/api/v1/sessions/"+stored.ID+"/connect", nil)
			Expect(env.Success).To(BeTrue())
			shell := connector.Last().FakeShell

			conn, _, err := websocket.Dial(ctx, wsURL("/api/v1/sessions/"+stored.ID+"/terminal"), nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.CloseNow()

			Expect(conn.Write(ctx, websocket.MessageBinary, []byte("top\r"))).To(Succeed())
			Eventually(shell.Written).Should(Equal("top\r"))

			Expect(wsjson.Write(ctx, conn, map[string]any{"type": "resize", "cols": 120, "rows": 40})).To(Succeed())
			Eventually(shell.Resizes).Should(Equal([][2]int{{120, 40}}))

			shell.Emit("load average")
			clock.WaitForWatcherAndIncrement(16 * time.Millisecond)
			typ, data, err := conn.Read(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(typ).To(Equal(websocket.MessageBinary))
			Expect(string(data)).To(Equal("load average"))
		})

		It("refuses a terminal without a session", func() {
			_, resp, err := websocket.Dial(ctx, wsURL("/api/v1/sessions/"+stored.ID+"/terminal"), nil)
			Expect(err).To(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		Describe("origin checks", func() {
			dialFrom := func(origin string) (*websocket.Conn, *http.Response, error) {
				return websocket.Dial(ctx, wsURL("/api/v1/events"), &websocket.DialOptions{
					HTTPHeader: http.Header{"Origin": []string{origin}},
				})
			}

			It("accepts the server's own origin", func() {
				conn, _, err := dialFrom(httpServer.URL)
				Expect(err).NotTo(HaveOccurred())
				conn.CloseNow()
			})

			It("rejects a foreign origin", func() {
				_, resp, err := dialFrom("http://attacker.example.net")
				Expect(err).To(HaveOccurred())
				Expect(resp).NotTo(BeNil())
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
				Expect(srv.Subscribers()).To(Equal(0))
			})

			It("rejects a foreign origin on the terminal", func() {
				_, env := call(http.MethodPost, "/api/v1/sessions/"+stored.ID+"/connect", nil)
				Expect(env.Success).To(BeTrue())

				_, resp, err := websocket.Dial(ctx, wsURL("/api/v1/sessions/"+stored.ID+"/terminal"), &websocket.DialOptions{
					HTTPHeader: http.Header{"Origin": []string{"http://attacker.example.net"}},
				})
				Expect(err).To(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
				Expect(connector.Last().FakeShell.Written()).To(BeEmpty())
			})

			Context("with allowed origin patterns", func() {
				BeforeEach(func() {
					opts = append(opts, server.WithOriginPatterns("*.example.com"))
				})

				It("accepts a matching origin", func() {
					conn, _, err := dialFrom("https://deck.example.com")
					Expect(err).NotTo(HaveOccurred())
					conn.CloseNow()
				})

				It("still rejects other origins", func() {
					_, resp, err := dialFrom("https://deck.example.org")
					Expect(err).To(HaveOccurred())
					Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
				})
			})
		})
	})
})
