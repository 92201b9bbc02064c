// Copyright 2026 The queuesync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/backend"
	"github.com/clinicflow/queuesync/channel"
	"github.com/clinicflow/queuesync/common"
	"github.com/clinicflow/queuesync/metrics"
	"github.com/clinicflow/queuesync/queue"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ViewerKind kind of viewer watching a scope
type ViewerKind string

// Viewer kinds
const (
	// KindPanel the doctor's action panel
	KindPanel ViewerKind = "panel"
	// KindMonitor the public queue monitor screen
	KindMonitor ViewerKind = "monitor"
	// KindWidget the minimal token display
	KindWidget ViewerKind = "widget"
	// KindOverview one scope of the all doctors overview
	KindOverview ViewerKind = "overview"
)

// Update one projection delivered to viewers
type Update struct {
	Scope      queue.Scope      `json:"scope"`
	Projection queue.Projection `json:"projection"`
	// Stale the last fetch failed and Projection is the previous one
	Stale bool `json:"stale"`
	// Err the fetch failure when Stale
	Err error `json:"-"`
	// FetchedAt when Projection was fetched
	FetchedAt time.Time `json:"fetchedAt"`
	// Sequence fetch sequence number, increasing per scope
	Sequence uint64 `json:"sequence"`
}

// clone copy of the update safe to hand to a viewer
func (u Update) clone() Update {
	u.Projection = u.Projection.Clone()
	return u
}

// UpdateHandler receives the projections of a watched scope
type UpdateHandler func(update Update)

// HubParams parameters for defining a Hub
type HubParams struct {
	// Channel shared event channel
	Channel channel.ConnectionService
	// Backend snapshot source
	Backend backend.Client
	// FetchTimeout max duration of one snapshot fetch
	FetchTimeout time.Duration
	// PollInterval fallback polling interval of watched scopes. 0 disables polling.
	PollInterval time.Duration
	// SnapshotTTL how long a scope only read through Snapshot stays tracked after its
	// last read. 0 disables tracking of such scopes.
	SnapshotTTL time.Duration
	// MaxSnapshotScopes bound on the scopes tracked through Snapshot
	MaxSnapshotScopes int
}

// scopeRoom local state of one joined scope
type scopeRoom struct {
	scope   queue.Scope
	joined  bool
	issued  uint64
	applied uint64
	latest  *Update
	viewers map[uint64]*Viewer
	poll    common.IntervalTimer
	// implicit viewer attached by Snapshot, closed once lastRead is older than the TTL
	implicit *Viewer
	lastRead time.Time
}

// Hub lets many viewers share one connection and one room membership per scope
type Hub struct {
	common.Component
	params   HubParams
	rootCtxt context.Context
	wg       *sync.WaitGroup
	fetches  singleflight.Group
	expiry   common.IntervalTimer

	lock           sync.Mutex
	rooms          map[string]*scopeRoom
	nextViewerID   uint64
	implicitScopes int
	unsubscribes   []channel.UnsubscribeFunc
}

// NewHub define a new Hub. Background fetches run under rootCtxt and are tracked by wg.
func NewHub(rootCtxt context.Context, wg *sync.WaitGroup, params HubParams) (*Hub, error) {
	if params.Channel == nil || params.Backend == nil {
		return nil, fmt.Errorf("hub requires a channel and a backend")
	}
	if params.FetchTimeout <= 0 {
		return nil, fmt.Errorf("hub fetch timeout must be positive")
	}
	if params.SnapshotTTL < 0 || params.MaxSnapshotScopes < 0 {
		return nil, fmt.Errorf("hub snapshot tracking bounds can't be negative")
	}
	logTags := log.Fields{"module": "room", "component": "hub"}
	expiry, err := common.GetIntervalTimerInstance("snapshot-expiry", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &Hub{
		Component: common.Component{LogTags: logTags},
		params:    params,
		rootCtxt:  rootCtxt,
		wg:        wg,
		expiry:    expiry,
		rooms:     make(map[string]*scopeRoom),
	}, nil
}

// Start register the hub's own connection listeners: scoped and global queue
// changes, and rejoin plus reload after every new connection.
func (h *Hub) Start() {
	unsubScoped := h.params.Channel.Subscribe(channel.EventQueueUpdated, h.onQueueUpdated)
	unsubGlobal := h.params.Channel.Subscribe(channel.EventQueueUpdatedAll, func(json.RawMessage) {
		log.WithFields(h.LogTags).Debug("Global queue change, reloading all rooms")
		scopes := h.Scopes()
		h.background(func(ctxt context.Context) {
			_ = h.refreshScopes(ctxt, scopes)
		})
	})
	unsubLost := h.params.Channel.OnConnectionLost(func(cause error) {
		h.lock.Lock()
		defer h.lock.Unlock()
		for _, oneRoom := range h.rooms {
			oneRoom.joined = false
		}
	})
	unsubConnected := h.params.Channel.OnConnectionEstablished(func() {
		h.rejoinAll()
		// rooms watched later fetch on their own
		scopes := h.Scopes()
		h.background(func(ctxt context.Context) {
			_ = h.refreshScopes(ctxt, scopes)
		})
	})
	h.lock.Lock()
	h.unsubscribes = append(h.unsubscribes, unsubScoped, unsubGlobal, unsubLost, unsubConnected)
	h.lock.Unlock()
	if h.params.SnapshotTTL > 0 {
		if err := h.expiry.Start(h.params.SnapshotTTL/2, h.expireSnapshots, false); err != nil {
			log.WithError(err).WithFields(h.LogTags).Error("Unable to start snapshot expiry")
		}
	}
}

// Stop remove the hub's listeners and stop polling
func (h *Hub) Stop() {
	h.lock.Lock()
	unsubscribes := h.unsubscribes
	h.unsubscribes = nil
	for _, oneRoom := range h.rooms {
		if oneRoom.poll != nil {
			_ = oneRoom.poll.Stop()
		}
	}
	h.lock.Unlock()
	_ = h.expiry.Stop()
	for _, unsub := range unsubscribes {
		unsub()
	}
}

// onQueueUpdated the hub's listener of scoped queue changes. Each watched scope the
// notification covers is fetched once and fanned out to its viewers. A notification
// without a date applies to every date of the resource.
func (h *Hub) onQueueUpdated(payload json.RawMessage) {
	parsed, err := channel.ParseScopePayload(payload)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Warn("Ignoring malformed queue notification")
		return
	}
	h.lock.Lock()
	scopes := []queue.Scope{}
	for _, oneRoom := range h.rooms {
		if len(oneRoom.viewers) == 0 || oneRoom.scope.ResourceID != parsed.ResourceID {
			continue
		}
		if parsed.Date != "" && parsed.Date != oneRoom.scope.Date {
			continue
		}
		scopes = append(scopes, oneRoom.scope)
	}
	h.lock.Unlock()
	for _, scope := range scopes {
		scope := scope
		h.background(func(ctxt context.Context) {
			h.Refresh(ctxt, scope)
		})
	}
}

// background run a hub task on its own goroutine
func (h *Hub) background(task func(ctxt context.Context)) {
	if h.rootCtxt.Err() != nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		task(h.rootCtxt)
	}()
}

// ========================================================================================
// Rooms

// getRoom fetch or define the room of a scope. Caller must hold the lock.
func (h *Hub) getRoom(scope queue.Scope) *scopeRoom {
	if existing, ok := h.rooms[scope.Key()]; ok {
		return existing
	}
	newRoom := &scopeRoom{scope: scope, viewers: make(map[uint64]*Viewer)}
	h.rooms[scope.Key()] = newRoom
	metrics.SetWatchedScopes(len(h.rooms))
	return newRoom
}

// Join join the room of a scope. Idempotent per connection; fire-and-forget.
//
// If the channel is down, the join is issued once it reconnects.
func (h *Hub) Join(ctxt context.Context, scope queue.Scope) error {
	h.lock.Lock()
	target := h.getRoom(scope)
	if target.joined {
		h.lock.Unlock()
		return nil
	}
	target.joined = true
	h.lock.Unlock()

	if err := h.params.Channel.Emit(ctxt, channel.EventRoomJoin, channel.ScopePayload{
		ResourceID: scope.ResourceID, Date: scope.Date,
	}); err != nil {
		h.lock.Lock()
		target.joined = false
		h.lock.Unlock()
		logTags, _ := common.UpdateLogTags(ctxt, h.LogTags)
		log.WithError(err).WithFields(logTags).Debugf("Join of %s deferred", scope.Key())
		return err
	}
	return nil
}

// rejoinAll re-issue the join of every room not yet joined on the new connection
func (h *Hub) rejoinAll() {
	h.lock.Lock()
	scopes := make([]queue.Scope, 0, len(h.rooms))
	for _, oneRoom := range h.rooms {
		if !oneRoom.joined {
			scopes = append(scopes, oneRoom.scope)
		}
	}
	h.lock.Unlock()
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Key() < scopes[j].Key() })
	for _, scope := range scopes {
		_ = h.Join(h.rootCtxt, scope)
	}
	if len(scopes) > 0 {
		log.WithFields(h.LogTags).Infof("Re-joined %d rooms", len(scopes))
	}
}

// Scopes every joined scope, ordered by key
func (h *Hub) Scopes() []queue.Scope {
	h.lock.Lock()
	defer h.lock.Unlock()
	result := make([]queue.Scope, 0, len(h.rooms))
	for _, oneRoom := range h.rooms {
		result = append(result, oneRoom.scope)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result
}

// Latest the most recent projection of a scope
func (h *Hub) Latest(scope queue.Scope) (Update, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	existing, ok := h.rooms[scope.Key()]
	if !ok || existing.latest == nil {
		return Update{}, false
	}
	return existing.latest.clone(), true
}

// ========================================================================================
// Fetching

// fetch fetch and project the snapshot of a scope. Concurrent fetches of one scope
// are coalesced; fresh skips joining a fetch already in flight. Only the result of a
// tracked room is recorded.
func (h *Hub) fetch(ctxt context.Context, scope queue.Scope, fresh bool) Update {
	key := scope.Key()
	if fresh {
		h.fetches.Forget(key)
	}
	result, _, _ := h.fetches.Do(key, func() (interface{}, error) {
		var sequence uint64
		h.lock.Lock()
		if target, ok := h.rooms[key]; ok {
			target.issued++
			sequence = target.issued
		}
		h.lock.Unlock()

		fetchCtxt, cancel := context.WithTimeout(ctxt, h.params.FetchTimeout)
		defer cancel()
		entries, err := h.params.Backend.GetQueue(fetchCtxt, scope)
		metrics.TrackSnapshotFetch(err == nil)
		return h.apply(scope, sequence, entries, err), nil
	})
	return result.(Update)
}

// untrackedUpdate the update of a scope no room records
func untrackedUpdate(scope queue.Scope, entries []queue.Entry, err error) Update {
	if err != nil {
		return Update{Scope: scope, Projection: queue.Project(scope, nil), Stale: true, Err: err}
	}
	return Update{Scope: scope, Projection: queue.Project(scope, entries), FetchedAt: time.Now()}
}

// apply record a fetch result, keeping the previous projection on failure and
// dropping results older than the one already applied
func (h *Hub) apply(scope queue.Scope, sequence uint64, entries []queue.Entry, err error) Update {
	h.lock.Lock()
	defer h.lock.Unlock()
	target, ok := h.rooms[scope.Key()]
	if !ok || sequence == 0 {
		if err != nil {
			log.WithError(err).WithFields(h.LogTags).Warnf("Snapshot fetch of %s failed", scope.Key())
		}
		return untrackedUpdate(scope, entries, err)
	}
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Warnf("Snapshot fetch of %s failed", scope.Key())
		if target.latest == nil {
			return Update{
				Scope:      scope,
				Projection: queue.Project(scope, nil),
				Stale:      true,
				Err:        err,
				Sequence:   target.applied,
			}
		}
		target.latest.Stale = true
		target.latest.Err = err
		return target.latest.clone()
	}
	if sequence < target.applied && target.latest != nil {
		log.WithFields(h.LogTags).Debugf(
			"Dropping out of order snapshot %d of %s (applied %d)", sequence, scope.Key(), target.applied,
		)
		return target.latest.clone()
	}
	target.applied = sequence
	target.latest = &Update{
		Scope:      scope,
		Projection: queue.Project(scope, entries),
		FetchedAt:  time.Now(),
		Sequence:   sequence,
	}
	return target.latest.clone()
}

// Refresh fetch a fresh snapshot of a scope and deliver it to all of its viewers
func (h *Hub) Refresh(ctxt context.Context, scope queue.Scope) Update {
	update := h.fetch(ctxt, scope, true)
	h.broadcast(update)
	return update
}

// RefreshAll refresh every joined scope in parallel. The first fetch failure is
// returned; every scope is still attempted.
func (h *Hub) RefreshAll(ctxt context.Context) error {
	return h.refreshScopes(ctxt, h.Scopes())
}

func (h *Hub) refreshScopes(ctxt context.Context, scopes []queue.Scope) error {
	var group errgroup.Group
	for _, scope := range scopes {
		scope := scope
		group.Go(func() error {
			update := h.Refresh(ctxt, scope)
			if update.Stale {
				return update.Err
			}
			return nil
		})
	}
	return group.Wait()
}

// Snapshot the projection of a scope for a one-off read. Watched scopes are served
// from their latest projection. Other scopes are joined and tracked until SnapshotTTL
// passes without a read, up to MaxSnapshotScopes of them; beyond that the read is a
// plain fetch.
func (h *Hub) Snapshot(ctxt context.Context, scope queue.Scope) (Update, error) {
	h.lock.Lock()
	target, ok := h.rooms[scope.Key()]
	watched := ok && len(target.viewers) > 0
	if watched {
		target.lastRead = time.Now()
		if target.latest != nil {
			latest := target.latest.clone()
			h.lock.Unlock()
			return latest, nil
		}
	}
	track := !watched && h.params.SnapshotTTL > 0 && h.implicitScopes < h.params.MaxSnapshotScopes
	if track {
		h.implicitScopes++
	}
	h.lock.Unlock()

	if track {
		if err := h.trackSnapshot(ctxt, scope); err != nil {
			return Update{}, err
		}
	}
	update := h.fetch(ctxt, scope, false)
	if update.Stale && update.Err != nil && update.FetchedAt.IsZero() {
		return update, update.Err
	}
	return update, nil
}

// trackSnapshot attach the implicit viewer of a scope. The caller reserved its slot.
func (h *Hub) trackSnapshot(ctxt context.Context, scope queue.Scope) error {
	viewer, err := h.Watch(ctxt, scope, KindMonitor, func(Update) {})
	h.lock.Lock()
	if err != nil {
		h.implicitScopes--
		h.lock.Unlock()
		return err
	}
	target := h.getRoom(scope)
	target.lastRead = time.Now()
	if target.implicit == nil {
		target.implicit = viewer
		viewer = nil
	} else {
		// a concurrent read got there first
		h.implicitScopes--
	}
	h.lock.Unlock()
	if viewer != nil {
		viewer.Close()
	}
	return nil
}

// expireSnapshots close the implicit viewers not read within the TTL, and forget
// rooms left without viewers
func (h *Hub) expireSnapshots() error {
	cutoff := time.Now().Add(-h.params.SnapshotTTL)
	h.lock.Lock()
	expired := []*Viewer{}
	for _, oneRoom := range h.rooms {
		if oneRoom.implicit != nil && oneRoom.lastRead.Before(cutoff) {
			expired = append(expired, oneRoom.implicit)
			oneRoom.implicit = nil
			h.implicitScopes--
		}
	}
	h.lock.Unlock()

	for _, viewer := range expired {
		viewer.Close()
		h.lock.Lock()
		if target, ok := h.rooms[viewer.scope.Key()]; ok &&
			len(target.viewers) == 0 && target.implicit == nil {
			delete(h.rooms, viewer.scope.Key())
			metrics.SetWatchedScopes(len(h.rooms))
		}
		h.lock.Unlock()
	}
	if len(expired) > 0 {
		log.WithFields(h.LogTags).Debugf("Stopped tracking %d idle scopes", len(expired))
	}
	return nil
}

// broadcast deliver an update to every viewer of its scope
func (h *Hub) broadcast(update Update) {
	h.lock.Lock()
	target, ok := h.rooms[update.Scope.Key()]
	viewers := []*Viewer{}
	if ok {
		for _, viewer := range target.viewers {
			viewers = append(viewers, viewer)
		}
	}
	h.lock.Unlock()
	for _, viewer := range viewers {
		viewer.deliver(update)
	}
}

// ========================================================================================
// Viewers

// Watch attach a viewer to a scope. The room is joined if needed and the viewer's
// handler joins the room's fan-out, fed by the hub's one listener on the shared
// connection. The first projection is delivered asynchronously.
func (h *Hub) Watch(
	ctxt context.Context, scope queue.Scope, kind ViewerKind, handler UpdateHandler,
) (*Viewer, error) {
	if handler == nil {
		return nil, fmt.Errorf("viewer of %s has no handler", scope.Key())
	}
	if err := h.Join(ctxt, scope); err != nil {
		// joined after the next connect
		logTags, _ := common.UpdateLogTags(ctxt, h.LogTags)
		log.WithError(err).WithFields(logTags).Debugf("Watching %s before the room is joined", scope.Key())
	}

	h.lock.Lock()
	h.nextViewerID++
	viewer := &Viewer{id: h.nextViewerID, hub: h, scope: scope, kind: kind, handler: handler}
	target := h.getRoom(scope)
	target.viewers[viewer.id] = viewer
	startPoll := h.params.PollInterval > 0 && target.poll == nil
	if startPoll {
		poll, err := common.GetIntervalTimerInstance(
			fmt.Sprintf("poll-%s", scope.Key()), h.rootCtxt, h.wg,
		)
		if err != nil {
			h.lock.Unlock()
			return nil, err
		}
		target.poll = poll
	}
	poll := target.poll
	h.lock.Unlock()
	metrics.AddViewers(1)

	if startPoll {
		if err := poll.Start(h.params.PollInterval, func() error {
			h.Refresh(h.rootCtxt, scope)
			return nil
		}, false); err != nil {
			log.WithError(err).WithFields(h.LogTags).Error("Unable to start polling")
		}
	}

	h.background(func(ctxt context.Context) {
		viewer.deliver(h.fetch(ctxt, scope, false))
	})
	log.WithFields(h.LogTags).Debugf("Viewer %d (%s) watching %s", viewer.id, kind, scope.Key())
	return viewer, nil
}

// detach remove a viewer from its room
func (h *Hub) detach(viewer *Viewer) {
	h.lock.Lock()
	defer h.lock.Unlock()
	target, ok := h.rooms[viewer.scope.Key()]
	if !ok {
		return
	}
	delete(target.viewers, viewer.id)
	if len(target.viewers) == 0 && target.poll != nil {
		_ = target.poll.Stop()
		target.poll = nil
	}
}

// Viewer one mounted consumer of a scope's projections
type Viewer struct {
	id          uint64
	hub         *Hub
	scope       queue.Scope
	kind        ViewerKind
	handler UpdateHandler

	lock   sync.Mutex
	closed bool

	deliverLock sync.Mutex
	lastSeq     uint64
	delivered   bool
}

// Scope the watched scope
func (v *Viewer) Scope() queue.Scope {
	return v.scope
}

// Kind the viewer kind
func (v *Viewer) Kind() ViewerKind {
	return v.kind
}

// deliver hand an update to the viewer's handler, skipping updates older than the
// last one delivered
func (v *Viewer) deliver(update Update) {
	v.deliverLock.Lock()
	defer v.deliverLock.Unlock()
	v.lock.Lock()
	closed := v.closed
	v.lock.Unlock()
	if closed || (v.delivered && update.Sequence < v.lastSeq) {
		return
	}
	v.lastSeq = update.Sequence
	v.delivered = true
	v.handler(update.clone())
}

// Close detach the viewer. Only its own handler is removed; the room stays joined.
func (v *Viewer) Close() {
	v.lock.Lock()
	if v.closed {
		v.lock.Unlock()
		return
	}
	v.closed = true
	v.lock.Unlock()
	v.hub.detach(v)
	metrics.AddViewers(-1)
}
