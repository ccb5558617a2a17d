package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	NumActiveClients   = "NumActiveClients"
	NumOnlineUsers     = "NumOnlineUsers"
	NumRelayedMessages = "NumRelayedMessages"
	NumDroppedMessages = "NumDroppedMessages"
)

// Gateway lists the metrics the connection gateway registers.
var Gateway = []string{
	NumActiveClients,
	NumOnlineUsers,
	NumRelayedMessages,
	NumDroppedMessages,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater keeps gateway counters in an expvar map. Updates are applied
// by a single goroutine so callers on the relay path never contend on the
// counters.
type StatsUpdater struct {
	vars     *expvar.Map
	updates  chan delta
	done     chan struct{}
	stopOnce sync.Once
}

type delta struct {
	name  string
	value int64
}

// NewStatsUpdater creates a stats updater and serves its metrics on
// GET /debug/vars.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updates: make(chan delta, 512),
		done:    make(chan struct{}),
		vars:    new(expvar.Map).Init(),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.serveVars))

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out := make(map[string]json.RawMessage)
	su.vars.Do(func(kv expvar.KeyValue) {
		out[kv.Key] = json.RawMessage(kv.Value.String())
	})

	json.NewEncoder(w).Encode(out)
}

func (su *StatsUpdater) apply() {
	for {
		select {
		case d := <-su.updates:
			// unregistered names are created on first use
			su.vars.Add(d.name, d.value)
		case <-su.done:
			return
		}
	}
}

func (su *StatsUpdater) send(d delta) {
	select {
	case su.updates <- d:
	case <-su.done:
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.send(delta{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.send(delta{name: name, value: -1})
}

// RegisterMetric publishes name with a zero value.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

// Value returns the current value of a counter, zero if unknown.
func (su *StatsUpdater) Value(name string) int64 {
	if v, ok := su.vars.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go su.apply()
}

// Stop ends the update loop. Later updates are discarded.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.done)
	})
}
