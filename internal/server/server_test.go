package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-dmchat/internal/presence"
	"github.com/npezzotti/go-dmchat/internal/rooms"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/npezzotti/go-dmchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestChatServer creates a ChatServer whose stats updater accepts any
// counter updates.
func newTestChatServer(t *testing.T, opts ...Option) *ChatServer {
	su := (&stats.MockStatsUpdater{}).AllowAll()

	cs, err := NewChatServer(testutil.TestLogger(t), presence.NewRegistry(), rooms.NewCoordinator(), su, opts...)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	for _, name := range stats.Gateway {
		su.On("RegisterMetric", name).Return().Once()
	}

	logger := testutil.TestLogger(t)
	registry := presence.NewRegistry()
	coordinator := rooms.NewCoordinator()
	cs, err := NewChatServer(logger, registry, coordinator, su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Same(t, registry, cs.presence, "expected registry to be the one passed in")
	assert.Same(t, coordinator, cs.rooms, "expected coordinator to be the one passed in")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.Nil(t, cs.mirror, "expected no mirror by default")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never close done to simulate a hang
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})

	t.Run("run loop stops clients", func(t *testing.T) {
		cs := newTestChatServer(t)
		c := newTestClient(t, cs, "alice")
		go cs.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx), "expected successful shutdown")

		select {
		case <-c.stop:
		default:
			t.Error("expected client stop channel to be closed")
		}
	})
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("Incr", stats.NumActiveClients).Once()
	su.On("Decr", stats.NumActiveClients).Once()
	defer su.AssertExpectations(t)

	cs, _ := NewChatServer(testutil.TestLogger(t), presence.NewRegistry(), rooms.NewCoordinator(), su)
	client := &Client{id: "c1"}
	cs.addClient(client)
	assert.Len(t, cs.clients, 1, "expected 1 client after adding")

	got, ok := cs.getClient("c1")
	assert.True(t, ok, "expected client to be found")
	assert.Same(t, client, got, "expected same client")

	cs.removeClient(client)
	cs.removeClient(client)
	assert.Len(t, cs.clients, 0, "expected 0 clients after removing")
}

func TestChatServer_Mirror(t *testing.T) {
	m := &presence.MockMirror{}
	defer m.AssertExpectations(t)
	m.On("Online", mock.Anything, "alice", mock.Anything).Return(nil).Once()
	m.On("Offline", mock.Anything, "alice").Return(errors.New("mirror down")).Once()

	cs := newTestChatServer(t, WithMirror(m, time.Minute))
	alice := newTestClient(t, cs, "alice")
	dispatchEvent(t, alice, 0, EventUserConnected, "alice")

	alice.cleanup()
	alice.cleanup()
}

func TestChatServer_refreshMirror(t *testing.T) {
	m := &presence.MockMirror{}
	defer m.AssertExpectations(t)

	cs := newTestChatServer(t, WithMirror(m, time.Minute))
	alice := newTestClient(t, cs, "alice")

	m.On("Online", mock.Anything, "alice", alice.id).Return(nil).Twice()
	dispatchEvent(t, alice, 0, EventUserConnected, "alice")
	cs.refreshMirror()
}

// recordingMirror records mirror writes in the order they complete. A hook
// can hold a write open to force an interleaving.
type recordingMirror struct {
	mu     sync.Mutex
	writes []string
	online map[string]bool
	hook   func(write string)
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{online: make(map[string]bool)}
}

func (m *recordingMirror) setHook(h func(write string)) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

func (m *recordingMirror) record(write, user string, online bool) {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(write)
	}

	m.mu.Lock()
	m.writes = append(m.writes, write)
	m.online[user] = online
	m.mu.Unlock()
}

func (m *recordingMirror) Online(_ context.Context, user, _ string) error {
	m.record("online "+user, user, true)
	return nil
}

func (m *recordingMirror) Offline(_ context.Context, user string) error {
	m.record("offline "+user, user, false)
	return nil
}

func (m *recordingMirror) state() ([]string, map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	online := make(map[string]bool, len(m.online))
	for k, v := range m.online {
		online[k] = v
	}
	return append([]string(nil), m.writes...), online
}

// holdOnce blocks the first write equal to target until release is closed.
func holdOnce(target string) (hook func(string), entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	hook = func(write string) {
		if write != target {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	return hook, entered, release
}

func TestChatServer_refreshMirror_DisconnectDuringRefresh(t *testing.T) {
	m := newRecordingMirror()
	cs := newTestChatServer(t, WithMirror(m, time.Minute))
	alice := newTestClient(t, cs, "alice")
	dispatchEvent(t, alice, 0, EventUserConnected, "alice")

	hook, entered, release := holdOnce("online alice")
	m.setHook(hook)
	go cs.refreshMirror()
	<-entered

	done := make(chan struct{})
	go func() {
		alice.cleanup()
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return !cs.presence.IsOnline("alice")
	}, time.Second, 5*time.Millisecond, "expected alice to leave the registry")

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected disconnect to finish once the refresh returned")
	}

	writes, online := m.state()
	assert.Equal(t, []string{"online alice", "online alice", "offline alice"}, writes, "expected offline to land after the refresh")
	assert.False(t, online["alice"], "expected mirror to agree with the registry")
}

func TestChatServer_refreshMirror_SkipsDepartedUser(t *testing.T) {
	m := newRecordingMirror()
	cs := newTestChatServer(t, WithMirror(m, time.Minute))
	alice := newTestClient(t, cs, "alice")
	dispatchEvent(t, alice, 0, EventUserConnected, "alice")
	alice.cleanup()

	cs.mirrorOnline("alice", alice.id)

	writes, online := m.state()
	assert.Equal(t, []string{"online alice", "offline alice"}, writes, "expected no online write for a departed connection")
	assert.False(t, online["alice"])
}

func TestChatServer_Mirror_ReconnectDuringOffline(t *testing.T) {
	m := newRecordingMirror()
	cs := newTestChatServer(t, WithMirror(m, time.Minute))
	first := newTestClient(t, cs, "alice")
	dispatchEvent(t, first, 0, EventUserConnected, "alice")

	hook, entered, release := holdOnce("offline alice")
	m.setHook(hook)

	done := make(chan struct{})
	go func() {
		first.cleanup()
		close(done)
	}()
	<-entered

	second := &Client{
		id:         "conn-alice-2",
		chatServer: cs,
		log:        testutil.TestLogger(t),
		user:       first.user,
		send:       make(chan *ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
	}
	cs.RegisterClient(second)

	identified := make(chan struct{})
	go func() {
		dispatchEvent(t, second, 0, EventUserConnected, "alice")
		close(identified)
	}()

	assert.Eventually(t, func() bool {
		conn, ok := cs.presence.ConnectionFor("alice")
		return ok && conn == second.id
	}, time.Second, 5*time.Millisecond, "expected the second connection to be registered")

	close(release)
	<-done
	<-identified

	writes, online := m.state()
	assert.Equal(t, []string{"online alice", "offline alice", "online alice"}, writes, "expected the new connection's online to land last")
	assert.True(t, online["alice"], "expected mirror to show alice online on her new connection")
}
