package bridge

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/minerfleet/hive2mqtt/internal/collect"
	"github.com/minerfleet/hive2mqtt/internal/schedule"
	"github.com/minerfleet/hive2mqtt/internal/state"
	"github.com/minerfleet/hive2mqtt/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordBroker struct {
	mu       sync.Mutex
	messages map[string]string
	history  []string // topic=payload in arrival order
	conns    int
}

func (b *recordBroker) values(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	vs := []string{}
	for _, h := range b.history {
		if strings.HasPrefix(h, topic+"=") {
			vs = append(vs, strings.TrimPrefix(h, topic+"="))
		}
	}
	return vs
}

func (b *recordBroker) get(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages[topic]
}

func (b *recordBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

func startBroker(t testing.TB) (*recordBroker, int) {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	b := &recordBroker{messages: make(map[string]string)}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				b.serve(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return b, ln.Addr().(*net.TCPAddr).Port
}

func (b *recordBroker) serve(conn net.Conn) {
	nc := transport.NewNetConn(conn)
	if _, err := nc.Receive(); err != nil {
		return
	}
	b.mu.Lock()
	b.conns++
	b.mu.Unlock()
	if err := nc.Send(packet.NewConnack(), false); err != nil {
		return
	}
	for {
		pkt, err := nc.Receive()
		if err != nil {
			return
		}
		if p, ok := pkt.(*packet.Publish); ok {
			b.mu.Lock()
			b.messages[p.Message.Topic] = string(p.Message.Payload)
			b.history = append(b.history, p.Message.Topic+"="+string(p.Message.Payload))
			b.mu.Unlock()
		}
	}
}

func startHive(t testing.TB) *httptest.Server {
	boot := time.Now().Unix() - 7200
	mux := http.NewServeMux()
	mux.HandleFunc("/farms/5/workers", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":10,"name":"rig","stats":{"online":true}},{"id":11,"name":"dead","stats":{"online":false}}]}`)
	})
	mux.HandleFunc("/farms/5/workers/10", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":10,"stats":{"online":true,"boot_time":%d},"miners_summary":{"hashrates":[{"hash":61.25}]},"hardware_stats":{"cputemp":[48]}}`, boot)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t testing.TB, hiveURL string, port int, reuse bool) *state.Config {
	input := fmt.Sprintf(`
mqtt { broker = "127.0.0.1" port = %d reuse_connection = %t io_timeout_sec = 5 }
hive { api_url = %q token = "tok" farm_id = "5" }`, port, reuse, hiveURL)
	cfg, err := state.ReadConfig(nil, state.NewMockFullReader(map[string]string{"c": input}), "c")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestOnceMain(t *testing.T) {
	t.Parallel()
	for _, reuse := range []bool{false, true} {
		reuse := reuse
		t.Run("reuse="+strconv.FormatBool(reuse), func(t *testing.T) {
			t.Parallel()
			broker, port := startBroker(t)
			srv := startHive(t)
			cfg := testConfig(t, srv.URL, port, reuse)

			err := OnceMain(context.Background(), cfg, log2.NewTest(t, log2.LDebug))
			require.NoError(t, err)

			// publishes are fire-and-forget, broker may still be reading
			const expectTopics = 18
			require.Eventually(t, func() bool { return broker.count() == expectTopics }, 5*time.Second, 10*time.Millisecond)
			assert.Equal(t, "alive", broker.get("mining/heartbeat"))
			assert.Equal(t, "2", broker.get("mining/farm/5/workers/count"))
			assert.Equal(t, "61.250", broker.get("mining/farm/5/workers/10/hashrate"))
			assert.Equal(t, "2h", broker.get("mining/farm/5/workers/10/uptime_friendly"))
			assert.Equal(t, "dead", broker.get("mining/farm/5/workers/11/name"))
			assert.Equal(t, "61.250", broker.get("mining/farm/5/summary/total_hashrate"))
			assert.Equal(t, "48.0", broker.get("mining/farm/5/summary/average_cpu_temp"))
			assert.Equal(t, "50.0", broker.get("mining/farm/5/summary/efficiency"))
			broker.mu.Lock()
			if reuse {
				assert.Equal(t, 1, broker.conns)
			} else {
				assert.Equal(t, expectTopics, broker.conns)
			}
			broker.mu.Unlock()
		})
	}
}

func TestOnceMainFarmError(t *testing.T) {
	t.Parallel()
	broker, port := startBroker(t)
	srv := startHive(t)
	cfg := testConfig(t, srv.URL, port, true)
	cfg.Hive.Token = "wrong"

	err := OnceMain(context.Background(), cfg, log2.NewTest(t, log2.LDebug))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
	assert.Eventually(t, func() bool { return broker.get("mining/farm/5/error") != "" }, 5*time.Second, 10*time.Millisecond)
}

func runAsync(ctx context.Context, cfg *state.Config, log *log2.Log) <-chan error {
	done := make(chan error, 1)
	go func() { done <- RunMain(ctx, cfg, log) }()
	return done
}

func waitDone(t testing.TB, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for RunMain")
		return nil
	}
}

func TestRunMainCancel(t *testing.T) {
	t.Parallel()
	broker, port := startBroker(t)
	srv := startHive(t)
	cfg := testConfig(t, srv.URL, port, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, cfg, log2.NewTest(t, log2.LDebug))
	require.Eventually(t, func() bool {
		return broker.get("mining/farm/5/summary/efficiency") == "50.0"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "alive", broker.get("mining/heartbeat"))

	cancel()
	require.NoError(t, waitDone(t, done), "cancel is clean shutdown")
	require.Eventually(t, func() bool { return len(broker.values("mining/status")) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"started", "stopped"}, broker.values("mining/status"))
	assert.Equal(t, []string{"alive"}, broker.values("mining/heartbeat"), "one cycle per interval")
}

func TestRunMainBadConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "http://127.0.0.1:1/", 1, false)
	cfg.Hive.APIURL = "not a url"
	err := RunMain(context.Background(), cfg, log2.NewTest(t, log2.LDebug))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hive client")
}

// Not parallel: changes process environment and signals own process.
func TestRunMainNotifySignal(t *testing.T) {
	dir, err := ioutil.TempDir("", "h2m-sd")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	sockPath := filepath.Join(dir, "notify")
	sock, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer sock.Close()
	notes := make(chan string, 64)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := sock.Read(buf)
			if err != nil {
				return
			}
			select {
			case notes <- string(buf[:n]):
			default:
			}
		}
	}()
	t.Setenv("NOTIFY_SOCKET", sockPath)
	t.Setenv("WATCHDOG_USEC", "60000")
	t.Setenv("WATCHDOG_PID", "")

	broker, port := startBroker(t)
	srv := startHive(t)
	cfg := testConfig(t, srv.URL, port, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, cfg, log2.NewTest(t, log2.LDebug))

	seen := map[string]int{}
	deadline := time.After(5 * time.Second)
	// single cycle per minute, so repeated pings come from watchdog loop
	for seen["READY=1"] == 0 || seen["WATCHDOG=1"] < 4 {
		select {
		case n := <-notes:
			seen[n]++
		case <-deadline:
			t.Fatalf("timeout waiting for notify, seen=%v", seen)
		}
	}

	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, proc.Signal(syscall.SIGTERM))
	require.NoError(t, waitDone(t, done), "signal is clean shutdown")
	for seen["STOPPING=1"] == 0 {
		select {
		case n := <-notes:
			seen[n]++
		case <-deadline:
			t.Fatalf("timeout waiting for STOPPING, seen=%v", seen)
		}
	}
	require.Eventually(t, func() bool { return broker.get("mining/status") == "stopped" }, 5*time.Second, 10*time.Millisecond)
}

type nopCycler struct{}

func (nopCycler) Cycle(context.Context) (collect.Report, error) { return collect.Report{}, nil }

func TestWatchdogReturns(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	s := schedule.New(schedule.Options{Cycler: nopCycler{}, Log: log})
	require.Equal(t, schedule.StateIdle, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { watchdog(ctx, s, time.Millisecond, log); close(done) }()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog ignores context")
	}

	_, err := s.Once(context.Background())
	require.NoError(t, err)
	require.Equal(t, schedule.StateStopped, s.State())
	done = make(chan struct{})
	go func() { watchdog(context.Background(), s, time.Millisecond, log); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog ignores stopped scheduler")
	}
}
