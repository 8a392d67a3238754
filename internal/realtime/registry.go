// Package realtime tracks live WebSocket connections per user and fans
// notifications out to them.
package realtime

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownConnection is returned by Promote when the connection id is no
// longer registered (closed, evicted, or never added).
var ErrUnknownConnection = errors.New("unknown connection")

// RegistryConfig carries the admission policy.
type RegistryConfig struct {
	// MaxPerUser caps live connections per authenticated user. <= 0 means
	// unlimited. When a user is at the cap, the oldest connection is evicted.
	MaxPerUser int
	// EvictCloseCode is sent to the evicted connection.
	EvictCloseCode int
	// FanoutConcurrency bounds parallel socket writes per fan-out call.
	// <= 0 means one goroutine per socket.
	FanoutConcurrency int
}

// Hooks carries the metric callbacks injected by main. nil fields are no-ops.
type Hooks struct {
	OnEvicted    func()
	OnSendFailed func()
	OnAuth       func(ok bool)
}

func (h *Hooks) norm() {
	if h.OnEvicted == nil {
		h.OnEvicted = func() {}
	}
	if h.OnSendFailed == nil {
		h.OnSendFailed = func() {}
	}
	if h.OnAuth == nil {
		h.OnAuth = func(bool) {}
	}
}

type entry struct {
	id        string
	clientRef string
	userID    string // "" while unauthenticated
	conn      Conn
	createdAt time.Time
	seq       uint64 // insertion order into the current set
}

type target struct {
	id   string
	conn Conn
}

// Registry is the single source of truth for who is connected.
//
// Every mutation (add, promote, remove, eviction) runs under mu, so after
// each call a connection is in exactly one of the unauthenticated set or one
// user's set, and no user's set exceeds MaxPerUser. Status reads use an
// atomic counter and a copy-on-write user list and never take mu.
type Registry struct {
	cfg    RegistryConfig
	logger *zap.Logger
	hooks  Hooks
	now    func() time.Time

	mu     sync.Mutex
	seq    uint64
	byID   map[string]*entry
	unauth map[string]*entry
	byUser map[string]map[string]*entry

	count atomic.Int64
	users atomic.Pointer[[]string]
}

func NewRegistry(cfg RegistryConfig, logger *zap.Logger, hooks Hooks) *Registry {
	if cfg.EvictCloseCode == 0 {
		cfg.EvictCloseCode = 4008
	}
	hooks.norm()
	r := &Registry{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "registry")),
		hooks:  hooks,
		now:    time.Now,
		byID:   make(map[string]*entry),
		unauth: make(map[string]*entry),
		byUser: make(map[string]map[string]*entry),
	}
	empty := []string{}
	r.users.Store(&empty)
	return r
}

// Add registers conn under id. An empty userID places it in the
// unauthenticated set; otherwise it is inserted into that user's set after
// enforcing the cap. Re-adding a known id replaces its previous membership.
func (r *Registry) Add(id string, conn Conn, userID, clientRef string) {
	r.mu.Lock()
	usersChanged := false
	if old, ok := r.byID[id]; ok {
		usersChanged = r.detachLocked(old)
	}
	r.seq++
	e := &entry{
		id:        id,
		clientRef: clientRef,
		userID:    userID,
		conn:      conn,
		createdAt: r.now(),
		seq:       r.seq,
	}
	var victims []*entry
	if userID == "" {
		r.unauth[id] = e
		r.byID[id] = e
	} else {
		var changed bool
		victims, changed = r.insertUserLocked(e)
		usersChanged = usersChanged || changed
	}
	r.publishLocked(usersChanged)
	r.mu.Unlock()

	r.closeEvicted(victims)
}

// Promote moves a registered connection into userID's set, enforcing the cap.
// It is called by the handshake after the token has been verified.
func (r *Registry) Promote(id, userID, clientRef string) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	if e.userID == userID {
		e.clientRef = clientRef
		r.mu.Unlock()
		return nil
	}

	usersChanged := r.detachLocked(e)
	r.seq++
	e.userID = userID
	e.clientRef = clientRef
	e.seq = r.seq
	victims, changed := r.insertUserLocked(e)
	r.publishLocked(usersChanged || changed)
	r.mu.Unlock()

	r.closeEvicted(victims)
	return nil
}

// Remove forgets the connection. The owning set is found from recorded
// metadata, not from the caller's view. Unknown ids are a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	r.publishLocked(r.detachLocked(e))
	return true
}

// removeIfSame removes id only while it still refers to conn, so a lazy
// eviction cannot remove a newer registration that reused the id.
func (r *Registry) removeIfSame(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || e.conn != conn {
		return false
	}
	r.publishLocked(r.detachLocked(e))
	return true
}

// SendToUser writes msg to every socket of userID and returns the number of
// successful writes. Failing sockets are closed and removed.
func (r *Registry) SendToUser(userID string, msg []byte) int {
	r.mu.Lock()
	set := r.byUser[userID]
	targets := make([]target, 0, len(set))
	for _, e := range set {
		targets = append(targets, target{id: e.id, conn: e.conn})
	}
	r.mu.Unlock()

	return r.deliver(targets, msg)
}

// Broadcast writes msg to every socket of the listed users (all users when
// userIDs is nil) plus every unauthenticated socket.
func (r *Registry) Broadcast(msg []byte, userIDs []string) int {
	r.mu.Lock()
	targets := make([]target, 0, len(r.byID))
	if userIDs == nil {
		for _, set := range r.byUser {
			for _, e := range set {
				targets = append(targets, target{id: e.id, conn: e.conn})
			}
		}
	} else {
		seen := make(map[string]struct{}, len(userIDs))
		for _, uid := range userIDs {
			if _, dup := seen[uid]; dup {
				continue
			}
			seen[uid] = struct{}{}
			for _, e := range r.byUser[uid] {
				targets = append(targets, target{id: e.id, conn: e.conn})
			}
		}
	}
	for _, e := range r.unauth {
		targets = append(targets, target{id: e.id, conn: e.conn})
	}
	r.mu.Unlock()

	return r.deliver(targets, msg)
}

// ConnectedUserIDs returns the users with at least one authenticated socket.
// The result may trail in-flight mutations.
func (r *Registry) ConnectedUserIDs() []string {
	users := *r.users.Load()
	out := make([]string, len(users))
	copy(out, users)
	return out
}

// ConnectionCount returns the number of live sockets, authenticated or not.
func (r *Registry) ConnectionCount() int {
	return int(r.count.Load())
}

// userConnectionCount returns the number of sockets userID currently holds.
func (r *Registry) userConnectionCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// lookup reports the owning user of a registered connection ("" while
// unauthenticated).
func (r *Registry) lookup(id string) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return e.userID, true
}

// Shutdown closes every socket with a going-away code and empties the
// registry. Called once at process shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		all = append(all, e)
	}
	r.byID = make(map[string]*entry)
	r.unauth = make(map[string]*entry)
	r.byUser = make(map[string]map[string]*entry)
	r.publishLocked(true)
	r.mu.Unlock()

	for _, e := range all {
		_ = e.conn.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}
	r.logger.Info("registry shut down", zap.Int("closed", len(all)))
}

// insertUserLocked evicts the oldest connections of e.userID until there is
// room, then inserts e. It returns the evicted entries, to be closed after
// mu is released.
func (r *Registry) insertUserLocked(e *entry) ([]*entry, bool) {
	var victims []*entry
	usersChanged := false

	set := r.byUser[e.userID]
	if r.cfg.MaxPerUser > 0 {
		for len(set) >= r.cfg.MaxPerUser {
			var oldest *entry
			for _, c := range set {
				if oldest == nil || c.seq < oldest.seq {
					oldest = c
				}
			}
			r.detachLocked(oldest)
			victims = append(victims, oldest)
			set = r.byUser[e.userID]
		}
	}
	if set == nil {
		set = make(map[string]*entry)
		r.byUser[e.userID] = set
		usersChanged = true
	}
	set[e.id] = e
	r.byID[e.id] = e
	return victims, usersChanged
}

// detachLocked removes e from every index. It reports whether the set of
// connected users changed.
func (r *Registry) detachLocked(e *entry) bool {
	delete(r.byID, e.id)
	if e.userID == "" {
		delete(r.unauth, e.id)
		return false
	}
	set := r.byUser[e.userID]
	delete(set, e.id)
	if len(set) == 0 {
		delete(r.byUser, e.userID)
		return true
	}
	return false
}

func (r *Registry) publishLocked(usersChanged bool) {
	r.count.Store(int64(len(r.byID)))
	if !usersChanged {
		return
	}
	users := make([]string, 0, len(r.byUser))
	for uid := range r.byUser {
		users = append(users, uid)
	}
	sort.Strings(users)
	r.users.Store(&users)
}

func (r *Registry) closeEvicted(victims []*entry) {
	for _, v := range victims {
		r.hooks.OnEvicted()
		r.logger.Info("connection evicted: per-user limit reached",
			zap.String("connection_id", v.id),
			zap.String("user_id", v.userID),
			zap.Int("limit", r.cfg.MaxPerUser),
		)
		if err := v.conn.CloseWithCode(r.cfg.EvictCloseCode, "connection limit exceeded"); err != nil {
			r.logger.Debug("close evicted connection", zap.String("connection_id", v.id), zap.Error(err))
		}
	}
}

func (r *Registry) deliver(targets []target, msg []byte) int {
	if len(targets) == 0 {
		return 0
	}

	var delivered atomic.Int64
	var g errgroup.Group
	if r.cfg.FanoutConcurrency > 0 {
		g.SetLimit(r.cfg.FanoutConcurrency)
	}
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := t.conn.WriteText(msg); err != nil {
				r.hooks.OnSendFailed()
				r.logger.Warn("socket write failed, dropping connection",
					zap.String("connection_id", t.id), zap.Error(err))
				if r.removeIfSame(t.id, t.conn) {
					_ = t.conn.Close()
				}
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}
