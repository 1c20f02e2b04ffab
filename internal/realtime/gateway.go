package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quire/api/internal/auth"
	"quire/api/internal/collab"
	"quire/api/internal/lock"
	"quire/api/internal/patch"
	"quire/api/internal/presence"
	"quire/api/internal/rbac"
	"quire/api/internal/store"
)

type DraftReader interface {
	GetDraft(ctx context.Context, draftID string) (store.Draft, error)
	MemberRole(ctx context.Context, groupID, actorID string) (string, error)
}

type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

type Deps struct {
	Auth      Authenticator
	Drafts    DraftReader
	Hub       *Hub
	Locks     *lock.Registry
	Presence  *presence.Tracker
	Processor *collab.Processor
}

type Options struct {
	InstanceID string
	// IdleTimeout closes a connection that sends nothing, heartbeats
	// included, for this long.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// Gateway serves the collaboration protocol over WebSocket. Messages from
// one connection are handled in order, one at a time.
type Gateway struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

func NewGateway(deps Deps, opts Options, logger zerolog.Logger) *Gateway {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = presence.DefaultTTL
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	return &Gateway{deps: deps, opts: opts, logger: logger}
}

type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(format string, args ...any) error {
	return &requestError{code: codeBadRequest, message: fmt.Sprintf(format, args...)}
}

var errNotJoined = &requestError{code: codeNotJoined, message: "join a draft first"}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.deps.Auth.Verify(auth.TokenFromRequest(r))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "UNAUTHORIZED", "error": "Unauthorized"})
		return
	}

	raw, buf, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.logger.Debug().Err(err).Str("actor_id", identity.ActorID).Msg("websocket upgrade failed")
		return
	}

	c := newConn(ConnInfo{
		ConnID:      uuid.NewString(),
		ActorID:     identity.ActorID,
		DisplayName: identity.DisplayName,
		SessionID:   uuid.NewString(),
	}, raw, g.opts.SendBuffer, g.opts.WriteTimeout)

	var src io.Reader = raw
	if buf != nil {
		src = buf.Reader
	}
	g.serve(context.WithoutCancel(r.Context()), c, src)
}

func (g *Gateway) serve(ctx context.Context, c *conn, src io.Reader) {
	log := g.logger.With().Str("conn_id", c.info.ConnID).Str("actor_id", c.info.ActorID).Str("session_id", c.info.SessionID).Logger()
	g.deps.Hub.register(c)
	go c.writeLoop()
	log.Debug().Msg("connection opened")

	defer func() {
		c.close()
		cleanupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		g.disconnect(cleanupCtx, c)
		cancel()
		g.deps.Hub.unregister(c)
		log.Debug().Msg("connection closed")
	}()

	rw := struct {
		io.Reader
		io.Writer
	}{src, c}
	for {
		_ = c.raw.SetReadDeadline(time.Now().Add(g.opts.IdleTimeout))
		data, op, err := wsutil.ReadClientData(rw)
		if err != nil {
			if !c.closed() {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			g.replyError(c, "", badRequest("malformed message"))
			continue
		}
		if err := g.dispatch(ctx, c, env); err != nil {
			g.replyError(c, env.RequestID, err)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *conn, env Envelope) error {
	switch env.Type {
	case VerbJoin:
		return g.handleJoin(ctx, c, env)
	case VerbLeave:
		return g.handleLeave(ctx, c, env)
	case VerbLockAcquire, VerbLockRelease, VerbLockHeartbeat:
		return g.handleLock(ctx, c, env)
	case VerbStream:
		return g.handleStream(ctx, c, env)
	case VerbPatch:
		return g.handlePatch(ctx, c, env)
	case VerbPresenceHeartbeat:
		return g.handlePresenceHeartbeat(ctx, c, env)
	default:
		return badRequest("unknown message type %q", env.Type)
	}
}

func (g *Gateway) replyError(c *conn, requestID string, err error) {
	var rerr *requestError
	if errors.As(err, &rerr) {
		c.send(encode(ReplyError, requestID, errorPayload{Code: rerr.code, Message: rerr.message}))
		return
	}
	code, message, details := collab.Describe(err)
	if code == collab.CodeServerError {
		g.logger.Error().Err(err).
			Str("actor_id", c.info.ActorID).
			Str("session_id", c.info.SessionID).
			Msg("realtime request failed")
	}
	c.send(encode(ReplyError, requestID, errorPayload{Code: code, Message: message, Details: details}))
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return badRequest("payload is required")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return badRequest("invalid payload")
	}
	return nil
}

func (g *Gateway) handle(c *conn) string {
	return g.opts.InstanceID + "/" + c.info.ConnID
}

func (g *Gateway) actor(c *conn, m *membership) collab.Actor {
	return collab.Actor{
		ActorID:     c.info.ActorID,
		SessionID:   c.info.SessionID,
		DisplayName: c.info.DisplayName,
		Role:        m.Role,
	}
}

func (g *Gateway) broadcast(ctx context.Context, n collab.Notification) {
	if err := g.deps.Hub.Broadcast(ctx, n); err != nil {
		g.logger.Warn().Err(err).Str("draft_id", n.DraftID).Str("type", n.Type).Msg("broadcast failed")
	}
}

type joinedPayload struct {
	SessionID string            `json:"sessionId"`
	DraftID   string            `json:"draftId"`
	GroupID   string            `json:"groupId"`
	Kind      string            `json:"kind"`
	Role      rbac.Role         `json:"role"`
	Version   int64             `json:"version"`
	Snapshot  json.RawMessage   `json:"snapshot"`
	Members   []presence.Member `json:"members"`
	Locks     []lock.Entry      `json:"locks"`
}

type membersPayload struct {
	Members []presence.Member `json:"members"`
}

func (g *Gateway) handleJoin(ctx context.Context, c *conn, env Envelope) error {
	var req joinRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		return err
	}
	if req.DraftID == "" {
		return badRequest("draftId is required")
	}

	draft, err := g.deps.Drafts.GetDraft(ctx, req.DraftID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !draft.IsActive) {
		return collab.ErrNotFound
	}
	if err != nil {
		return err
	}
	roleName, err := g.deps.Drafts.MemberRole(ctx, draft.GroupID, c.info.ActorID)
	if errors.Is(err, store.ErrNotFound) {
		return collab.ErrPermissionDenied
	}
	if err != nil {
		return err
	}
	role := rbac.Normalize(roleName)

	if current := c.membership(); current != nil && current.DraftID != draft.ID {
		g.leaveRoom(ctx, c, current)
	}
	c.room.Store(&membership{DraftID: draft.ID, GroupID: draft.GroupID, Role: role})
	g.deps.Hub.join(c, draft.ID)

	events, err := g.deps.Presence.Join(ctx, draft.ID, presence.Member{
		ActorID:     c.info.ActorID,
		SessionID:   c.info.SessionID,
		DisplayName: c.info.DisplayName,
		Role:        string(role),
	})
	if err != nil {
		return err
	}
	for _, e := range events {
		n := collab.PresenceNotification(e)
		switch e.Type {
		case presence.EventLeft:
			g.broadcast(ctx, collab.NewNotification(notifySessionReplaced, draft.ID, replacedPayload{SessionID: e.Member.SessionID}))
		case presence.EventJoined:
			n.ExcludeSession = c.info.SessionID
		}
		g.broadcast(ctx, n)
	}
	if err := g.deps.Presence.SetConnection(ctx, draft.ID, c.info.ActorID, g.handle(c)); err != nil {
		return err
	}

	members, err := g.deps.Presence.ListMembers(ctx, draft.ID)
	if err != nil {
		return err
	}
	locks, err := g.deps.Locks.List(ctx, draft.ID)
	if err != nil {
		return err
	}
	snapshot := draft.Snapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{"title":"","blocks":[]}`)
	}

	c.send(encode(ReplyJoined, env.RequestID, joinedPayload{
		SessionID: c.info.SessionID,
		DraftID:   draft.ID,
		GroupID:   draft.GroupID,
		Kind:      draft.Kind,
		Role:      role,
		Version:   draft.Version,
		Snapshot:  snapshot,
		Members:   members,
		Locks:     locks,
	}))
	c.send(encode(collab.NotifyPresenceSnapshot, "", membersPayload{Members: members}))
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, c *conn, env Envelope) error {
	m := c.membership()
	if m != nil {
		g.leaveRoom(ctx, c, m)
	}
	draftID := ""
	if m != nil {
		draftID = m.DraftID
	}
	c.send(encode(ReplyLeft, env.RequestID, joinRequest{DraftID: draftID}))
	return nil
}

// leaveRoom drops the connection from its room and releases what its session
// held there. A session that was replaced by a newer one keeps the roster
// entry, which now belongs to the newer session.
func (g *Gateway) leaveRoom(ctx context.Context, c *conn, m *membership) {
	c.room.CompareAndSwap(m, nil)
	g.deps.Hub.leave(c, m.DraftID)
	log := g.logger.With().Str("draft_id", m.DraftID).Str("session_id", c.info.SessionID).Logger()

	replaced, err := g.deps.Presence.IsReplaced(ctx, c.info.SessionID)
	if err != nil {
		log.Warn().Err(err).Msg("check replaced session")
	}
	if replaced {
		if err := g.deps.Presence.ClearReplaced(ctx, c.info.SessionID); err != nil {
			log.Warn().Err(err).Msg("clear replaced session")
		}
	} else {
		ev, err := g.deps.Presence.Leave(ctx, m.DraftID, c.info.SessionID)
		if err != nil {
			log.Warn().Err(err).Msg("leave presence")
		}
		if ev != nil {
			g.broadcast(ctx, collab.PresenceNotification(*ev))
		}
	}

	released, err := g.deps.Locks.ReleaseAllForSession(ctx, m.DraftID, c.info.SessionID)
	if err != nil {
		log.Warn().Err(err).Msg("release session locks")
	}
	if _, err := g.deps.Presence.ClearConnection(ctx, m.DraftID, c.info.ActorID, g.handle(c)); err != nil {
		log.Warn().Err(err).Msg("clear connection handle")
	}
	log.Debug().Int("released_locks", len(released)).Bool("replaced", replaced).Msg("left draft")
}

func (g *Gateway) disconnect(ctx context.Context, c *conn) {
	if m := c.membership(); m != nil {
		g.leaveRoom(ctx, c, m)
	}
}

func (g *Gateway) handleLock(ctx context.Context, c *conn, env Envelope) error {
	m := c.membership()
	if m == nil {
		return errNotJoined
	}
	var req lockRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		return err
	}

	var (
		res lock.Result
		err error
	)
	switch env.Type {
	case VerbLockAcquire:
		if !rbac.Can(m.Role, rbac.ActionEdit) {
			return collab.ErrPermissionDenied
		}
		res, err = g.deps.Locks.Acquire(ctx, m.DraftID, req.LockKey, c.info.ActorID, c.info.SessionID)
	case VerbLockRelease:
		res, err = g.deps.Locks.Release(ctx, m.DraftID, req.LockKey, c.info.ActorID, c.info.SessionID)
	case VerbLockHeartbeat:
		res, err = g.deps.Locks.Heartbeat(ctx, m.DraftID, req.LockKey, c.info.ActorID, c.info.SessionID)
	}
	if err != nil {
		return err
	}
	c.send(encode(ReplyLockResult, env.RequestID, lockResult{
		LockKey:        req.LockKey,
		Granted:        res.Granted,
		OwnerSessionID: res.OwnerSessionID,
	}))
	return nil
}

func (g *Gateway) handleStream(ctx context.Context, c *conn, env Envelope) error {
	m := c.membership()
	if m == nil {
		return errNotJoined
	}
	var req collab.StreamRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		return err
	}
	if req.DraftID != "" && req.DraftID != m.DraftID {
		return badRequest("connection is joined to draft %s", m.DraftID)
	}
	req.DraftID = m.DraftID
	return g.deps.Processor.Stream(ctx, g.actor(c, m), req)
}

func (g *Gateway) handlePatch(ctx context.Context, c *conn, env Envelope) error {
	m := c.membership()
	if m == nil {
		return errNotJoined
	}
	var req patchRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		return err
	}
	if req.DraftID != "" && req.DraftID != m.DraftID {
		return badRequest("connection is joined to draft %s", m.DraftID)
	}
	var batch patch.Batch
	if err := json.Unmarshal(req.Commands, &batch); err != nil {
		return &collab.ValidationError{BlockIndex: -1, Reason: err.Error()}
	}

	res, err := g.deps.Processor.Commit(ctx, g.actor(c, m), collab.CommitRequest{
		DraftID:     m.DraftID,
		BaseVersion: req.BaseVersion,
		Commands:    batch,
	})
	if err != nil {
		return err
	}
	if res.Status == collab.StatusStale {
		c.send(encode(ReplyRejectedStale, env.RequestID, staleResult{CurrentVersion: res.Version}))
		return nil
	}
	c.send(encode(ReplyCommitted, env.RequestID, res))
	return nil
}

type presenceAck struct {
	Rejoined bool `json:"rejoined"`
}

func (g *Gateway) handlePresenceHeartbeat(ctx context.Context, c *conn, env Envelope) error {
	m := c.membership()
	if m == nil {
		return errNotJoined
	}
	alive, err := g.deps.Presence.Heartbeat(ctx, m.DraftID, c.info.SessionID)
	if err != nil {
		return err
	}
	if !alive {
		replaced, err := g.deps.Presence.IsReplaced(ctx, c.info.SessionID)
		if err != nil {
			return err
		}
		if replaced {
			c.evict(encode(ReplySessionReplaced, "", replacedPayload{SessionID: c.info.SessionID}))
			return nil
		}
		// The roster entry expired while the socket stayed open.
		events, err := g.deps.Presence.Join(ctx, m.DraftID, presence.Member{
			ActorID:     c.info.ActorID,
			SessionID:   c.info.SessionID,
			DisplayName: c.info.DisplayName,
			Role:        string(m.Role),
		})
		if err != nil {
			return err
		}
		for _, e := range events {
			g.broadcast(ctx, collab.PresenceNotification(e))
		}
	}
	if err := g.deps.Presence.SetConnection(ctx, m.DraftID, c.info.ActorID, g.handle(c)); err != nil {
		return err
	}
	c.send(encode(ReplyPresence, env.RequestID, presenceAck{Rejoined: !alive}))
	return nil
}
