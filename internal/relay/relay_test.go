package relay

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exploding/gateway/internal/domain"
	"exploding/gateway/internal/issuer"
	"exploding/gateway/internal/monitoring"
	"exploding/gateway/internal/routing"
	"exploding/gateway/internal/session"
	"exploding/gateway/internal/stats"
	"exploding/gateway/internal/verify"
)

// fakeConn 内存连接，记录写出的文本帧
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	written  [][]byte
	closed   bool
	closedCh chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 8), closedCh: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closedCh:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, data := range c.written {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// frameWith 等待出现指定操作码的帧
func (c *fakeConn) frameWith(t *testing.T, op domain.OpCode) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		for _, f := range c.frames() {
			if domain.OpCode(int(f["op"].(float64))) == op {
				found = f
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", op)
	return found
}

func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.inbound <- data
}

// fakeVerifier 预置通过的 (domain, key)
type fakeVerifier struct {
	mu      sync.Mutex
	proofs  map[string]string
	calls   int
	release chan struct{}
}

func (v *fakeVerifier) HasProof(_ context.Context, name, key string) bool {
	if v.release != nil {
		<-v.release
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	want, ok := v.proofs[name]
	return ok && want == key
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	relay    *Relay
	issuer   *issuer.Issuer
	table    *routing.Table
	verifier *fakeVerifier
	counter  *stats.MemoryCounter
	metrics  *monitoring.Metrics
	clock    *fakeClock
}

const testTTL = time.Hour

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	primary := []string{"domaina.test", "domainb.test"}

	iss, err := issuer.New(primary)
	require.NoError(t, err)
	table := routing.NewTable(primary, routing.WithClock(clock.Now))
	verifier := &fakeVerifier{proofs: map[string]string{}}
	counter := stats.NewMemoryCounter()
	metrics := monitoring.NewMetrics(nil)

	o := Options{
		Version:       "1.0.0",
		TTL:           testTTL,
		SweepInterval: time.Minute,
	}
	for _, fn := range opts {
		fn(&o)
	}

	r := New(o, Deps{
		Issuer:   iss,
		Table:    table,
		Verifier: verifier,
		Counter:  counter,
		Metrics:  metrics,
		Clock:    clock.Now,
	})
	return &fixture{relay: r, issuer: iss, table: table, verifier: verifier, counter: counter, metrics: metrics, clock: clock}
}

func opOf(f map[string]any) domain.OpCode {
	return domain.OpCode(int(f["op"].(float64)))
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestRelay_Generate(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()
	s := f.relay.HandleConnection(conn, "/generate", "10.0.0.1:5000")

	inbox := conn.frameWith(t, domain.OpHereIsYourEmailAndToken)
	frames := conn.frames()
	assert.Equal(t, domain.OpVersion, opOf(frames[0]), "version is announced first")
	assert.Equal(t, "1.0.0", frames[0]["version"])

	address := inbox["email"].(string)
	token := inbox["token"].(string)
	assert.NotEmpty(t, token)
	assert.Equal(t, float64(f.clock.Now().Add(testTTL).UnixMilli()), inbox["expires"])

	assert.Same(t, s, f.table.Resolve(address))
	got, ok := f.issuer.Lookup(token)
	assert.True(t, ok)
	assert.Equal(t, address, got)
	assert.Equal(t, session.StateBound, s.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.InboxesGenerated))
}

func TestRelay_DeliverEmail(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()
	f.relay.HandleConnection(conn, "/generate", "")
	address := conn.frameWith(t, domain.OpHereIsYourEmailAndToken)["email"].(string)

	t.Run("过期前投递到会话", func(t *testing.T) {
		ok := f.relay.DeliverEmail(domain.Email{From: "a@sender.test", To: strings.ToUpper(address), Subject: "hello"})
		assert.True(t, ok)

		frame := conn.frameWith(t, domain.OpEmailIncoming)
		assert.Equal(t, "email", frame["type"])
		assert.Equal(t, "hello", frame["data"].(map[string]any)["subject"])
	})

	t.Run("未知收件人被丢弃", func(t *testing.T) {
		assert.False(t, f.relay.DeliverEmail(domain.Email{To: "nobody@domaina.test"}))
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EmailsDropped))
	})

	t.Run("投递不计数，每封邮件计数一次", func(t *testing.T) {
		n, err := f.counter.Get(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)

		f.relay.CountMessage()
		n, err = f.counter.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("过期后收到通知且投递被丢弃", func(t *testing.T) {
		f.clock.Advance(testTTL)
		f.table.Sweep(f.clock.Now())

		frame := conn.frameWith(t, domain.OpInboxExpired)
		assert.Equal(t, "Inbox expired.", frame["message"])
		assert.False(t, f.relay.DeliverEmail(domain.Email{To: address}))
	})
}

func TestRelay_Resume(t *testing.T) {
	f := newFixture(t)
	first := newFakeConn()
	s1 := f.relay.HandleConnection(first, "/generate", "")
	inbox := first.frameWith(t, domain.OpHereIsYourEmailAndToken)
	address := inbox["email"].(string)
	token := inbox["token"].(string)
	expires := inbox["expires"]

	t.Run("断线后条目保留", func(t *testing.T) {
		first.Close()
		waitDone(t, s1)
		require.Eventually(t, func() bool { return f.table.Resolve(address) == nil }, time.Second, 5*time.Millisecond)
		assert.True(t, f.table.Has(address))
	})

	t.Run("恢复沿用原过期时间", func(t *testing.T) {
		f.clock.Advance(time.Minute)
		conn := newFakeConn()
		s2 := f.relay.HandleConnection(conn, "/auth/"+token, "")

		frame := conn.frameWith(t, domain.OpResumeSuccess)
		assert.Equal(t, address, frame["email"])
		assert.Equal(t, expires, frame["expires"])
		assert.Same(t, s2, f.table.Resolve(address))
	})

	t.Run("/resume/ 路径同样可用", func(t *testing.T) {
		conn := newFakeConn()
		s3 := f.relay.HandleConnection(conn, "/resume/"+token, "")
		conn.frameWith(t, domain.OpResumeSuccess)
		assert.Same(t, s3, f.table.Resolve(address), "last resume wins")
	})

	t.Run("过期后令牌仍可恢复并获得新的过期时间", func(t *testing.T) {
		f.clock.Advance(testTTL)
		f.table.Sweep(f.clock.Now())
		require.False(t, f.table.Has(address))

		conn := newFakeConn()
		f.relay.HandleConnection(conn, "/auth/"+token, "")
		frame := conn.frameWith(t, domain.OpResumeSuccess)
		assert.Equal(t, float64(f.clock.Now().Add(testTTL).UnixMilli()), frame["expires"])
	})

	t.Run("未知令牌", func(t *testing.T) {
		conn := newFakeConn()
		s := f.relay.HandleConnection(conn, "/auth/unknown", "")
		frame := conn.frameWith(t, domain.OpInvalidToken)
		assert.Equal(t, true, frame["terminated"])
		waitDone(t, s)
	})
}

func TestRelay_ExpireTokens(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ExpireTokens = true })
	conn := newFakeConn()
	f.relay.HandleConnection(conn, "/generate", "")
	token := conn.frameWith(t, domain.OpHereIsYourEmailAndToken)["token"].(string)

	f.clock.Advance(testTTL)
	f.relay.onSweep(f.table.Sweep(f.clock.Now()))

	_, ok := f.issuer.Lookup(token)
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.InboxesExpired))
}

func TestRelay_Claim(t *testing.T) {
	t.Run("证明通过后绑定通配键", func(t *testing.T) {
		f := newFixture(t)
		f.verifier.proofs["example.org"] = "secretKey"
		conn := newFakeConn()
		s := f.relay.HandleConnection(conn, "/custom/secretKey/Example.ORG", "")

		frame := conn.frameWith(t, domain.OpHereIsYourEmailAndToken)
		assert.Equal(t, "*@example.org", frame["email"])
		assert.Equal(t, "", frame["token"], "wildcard claims carry no token")
		assert.Zero(t, f.issuer.Len())

		assert.True(t, f.relay.DeliverEmail(domain.Email{To: "x@example.org"}))
		conn.frameWith(t, domain.OpEmailIncoming)
		assert.Equal(t, "*@example.org", s.Key())
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EmailsDelivered.WithLabelValues("wildcard")))
	})

	t.Run("密钥按编码后的原始字节校验", func(t *testing.T) {
		f := newFixture(t)
		f.verifier.proofs["example.org"] = "a%2Fb"
		conn := newFakeConn()
		f.relay.HandleConnection(conn, "/custom/a%2Fb/example.org", "")

		frame := conn.frameWith(t, domain.OpHereIsYourEmailAndToken)
		assert.Equal(t, "*@example.org", frame["email"])
	})

	t.Run("证明失败", func(t *testing.T) {
		f := newFixture(t)
		f.verifier.proofs["example.org"] = "other"
		conn := newFakeConn()
		s := f.relay.HandleConnection(conn, "/custom/secretKey/example.org", "")

		frame := conn.frameWith(t, domain.OpInvalidKey)
		assert.Equal(t, true, frame["terminated"])
		waitDone(t, s)
		assert.False(t, f.table.Has("*@example.org"))
	})

	t.Run("主域名不可认领", func(t *testing.T) {
		f := newFixture(t)
		f.verifier.proofs["domaina.test"] = "k"
		conn := newFakeConn()
		f.relay.HandleConnection(conn, "/custom/k/domaina.test", "")

		conn.frameWith(t, domain.OpInvalidKey)
		assert.Zero(t, f.verifier.calls, "no DNS lookup for primary domains")
	})

	t.Run("查询期间会话关闭则不绑定", func(t *testing.T) {
		f := newFixture(t)
		f.verifier.proofs["example.org"] = "k"
		f.verifier.release = make(chan struct{})
		conn := newFakeConn()
		s := f.relay.HandleConnection(conn, "/custom/k/example.org", "")

		conn.Close()
		waitDone(t, s)
		close(f.verifier.release)

		require.Eventually(t, func() bool {
			f.verifier.mu.Lock()
			defer f.verifier.mu.Unlock()
			return f.verifier.calls == 1
		}, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.False(t, f.table.Has("*@example.org"))
	})

	t.Run("路径段数不对", func(t *testing.T) {
		f := newFixture(t)
		for _, path := range []string{"/custom/k", "/custom/k/", "/custom//example.org", "/custom/k/example.org/extra"} {
			conn := newFakeConn()
			f.relay.HandleConnection(conn, path, "")
			conn.frameWith(t, domain.OpInvalidURI)
		}
	})
}

func TestRelay_ClaimWithVerifier(t *testing.T) {
	// 使用真实校验器和内存解析器走完整流程
	sum := sha512.Sum512([]byte("secretKey"))
	resolver := resolverFunc(func(_ context.Context, name string) ([]string, error) {
		if name == "exploding-email.example.org" {
			return []string{hex.EncodeToString(sum[:])}, nil
		}
		return nil, errors.New("NXDOMAIN")
	})
	v, err := verify.New(resolver, verify.Options{}, nil)
	require.NoError(t, err)

	f := newFixture(t)
	f.relay.verifier = v

	conn := newFakeConn()
	f.relay.HandleConnection(conn, "/custom/secretKey/example.org", "")
	assert.Equal(t, "*@example.org", conn.frameWith(t, domain.OpHereIsYourEmailAndToken)["email"])
}

type resolverFunc func(ctx context.Context, name string) ([]string, error)

func (f resolverFunc) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return f(ctx, name)
}

func TestRelay_Delete(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()
	s := f.relay.HandleConnection(conn, "/generate", "")
	inbox := conn.frameWith(t, domain.OpHereIsYourEmailAndToken)
	address := inbox["email"].(string)
	token := inbox["token"].(string)

	conn.send(t, map[string]any{"op": int(domain.OpDeleteInbox), "token": token})

	frame := conn.frameWith(t, domain.OpDeleteSuccess)
	assert.Equal(t, "Deleted.  Please re-connect.", frame["message"])
	waitDone(t, s)

	assert.False(t, f.table.Has(address))
	_, ok := f.issuer.Lookup(token)
	assert.False(t, ok)
	assert.False(t, f.relay.DeliverEmail(domain.Email{To: address}))

	t.Run("令牌已删除时路由表不变", func(t *testing.T) {
		bystander := newFakeConn()
		other := f.relay.HandleConnection(bystander, "/generate", "")
		otherInbox := bystander.frameWith(t, domain.OpHereIsYourEmailAndToken)
		otherAddress := otherInbox["email"].(string)

		conn := newFakeConn()
		s := f.relay.HandleConnection(conn, "/generate", "")
		ownInbox := conn.frameWith(t, domain.OpHereIsYourEmailAndToken)
		ownAddress := ownInbox["email"].(string)
		ownToken := ownInbox["token"].(string)
		before := f.table.Len()

		conn.send(t, map[string]any{"op": int(domain.OpDeleteInbox), "token": token})
		frame := conn.frameWith(t, domain.OpDeleteFailure)
		assert.Equal(t, "Invalid token.", frame["error"])
		waitDone(t, s)

		assert.Equal(t, before, f.table.Len())
		assert.True(t, f.table.Has(ownAddress))
		_, ok := f.issuer.Lookup(ownToken)
		assert.True(t, ok)

		assert.Same(t, other, f.table.Resolve(otherAddress))
		assert.True(t, f.relay.DeliverEmail(domain.Email{To: otherAddress, Subject: "still here"}))
		assert.Equal(t, "still here", bystander.frameWith(t, domain.OpEmailIncoming)["data"].(map[string]any)["subject"])
	})
}

func TestRelay_BindAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()
	s := f.relay.HandleConnection(conn, "/generate", "")
	conn.frameWith(t, domain.OpHereIsYourEmailAndToken)
	require.NoError(t, conn.Close())
	waitDone(t, s)

	// 会话在写入路由表之前已经断开
	f.relay.bind("*@late.test", s, f.clock.Now().Add(testTTL))

	assert.True(t, f.table.Has("*@late.test"))
	assert.Nil(t, f.table.Resolve("anyone@late.test"))
	assert.False(t, f.relay.DeliverEmail(domain.Email{To: "anyone@late.test"}))
	assert.Zero(t, testutil.ToFloat64(f.metrics.EmailsDelivered.WithLabelValues("wildcard")))
}

func TestRelay_InvalidPath(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()
	s := f.relay.HandleConnection(conn, "/nope", "")

	frame := conn.frameWith(t, domain.OpInvalidURI)
	assert.Equal(t, true, frame["terminated"])
	waitDone(t, s)
	assert.Equal(t, domain.OpVersion, opOf(conn.frames()[0]))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ProtocolErrors.WithLabelValues("INVALID_URI")))
}

func TestRelay_Stats(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HeartbeatInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.relay.Run(ctx) }()

	conn := newFakeConn()
	f.relay.HandleConnection(conn, "/generate", "")
	conn.frameWith(t, domain.OpHereIsYourEmailAndToken)
	f.relay.DeliverEmail(domain.Email{To: "nobody@domaina.test"})
	f.relay.CountMessage()

	require.Eventually(t, func() bool {
		st := f.relay.Stats()
		return st.EmailsReceived == 1 && st.Clients == 1
	}, 2*time.Second, 5*time.Millisecond)

	frame := conn.frameWith(t, domain.OpStatisticsRequestResponse)
	assert.Contains(t, frame, "statistics")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
