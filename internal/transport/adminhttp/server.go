// Package adminhttp serves the staff-facing admin API under /admin/v1: lookups, selections,
// rollbacks, inventory restores, job control and purge.
package adminhttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"blocklog.ai/internal/actors"
	"blocklog.ai/internal/inventory"
	"blocklog.ai/internal/model"
	"blocklog.ai/internal/query"
	"blocklog.ai/internal/retention"
	"blocklog.ai/internal/rollback"
	"blocklog.ai/internal/selection"
)

type Deps struct {
	Query      *query.Service
	Rollback   *rollback.Engine
	Inventory  *inventory.Service
	Purger     *retention.Purger
	Actors     *actors.Directory
	Selections *selection.Store
	Jobs       *JobHub
	// Stats backs GET /admin/v1/stats.
	Stats func(ctx context.Context) (any, error)
}

type Options struct {
	// Token, when set, admits non-loopback clients presenting "Authorization: Bearer <token>".
	Token string
	// Secret, when set, admits requests signed with it (see SignRequest). The signing staff
	// member becomes the default requester of jobs they start.
	Secret string
	// DefaultWindow applies to lookups that omit ?window=.
	DefaultWindow time.Duration
	Now           func() time.Time
	Logger        *log.Logger
}

type Server struct {
	d       Deps
	opts    Options
	schemas map[string]*jsonschema.Schema
	replay  *replayGuard
}

func NewServer(d Deps, opts Options) (*Server, error) {
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 3 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{d: d, opts: opts, schemas: schemas, replay: newReplayGuard(0)}, nil
}

func (s *Server) Register(mux *http.ServeMux) {
	h := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, s.guard(fn))
	}
	h("GET /admin/v1/lookup/location", s.lookupLocation)
	h("GET /admin/v1/lookup/actor", s.lookupActor)
	h("GET /admin/v1/lookup/area", s.lookupArea)
	h("POST /admin/v1/selection", s.setSelection)
	h("GET /admin/v1/selection", s.getSelection)
	h("DELETE /admin/v1/selection", s.clearSelection)
	h("POST /admin/v1/rollback/player", s.rollbackPlayer)
	h("POST /admin/v1/rollback/area", s.rollbackArea)
	h("POST /admin/v1/inventory/rollback", s.inventoryRollback)
	h("GET /admin/v1/jobs", s.listJobs)
	h("GET /admin/v1/jobs/{id}", s.getJob)
	h("POST /admin/v1/jobs/{id}/cancel", s.cancelJob)
	h("POST /admin/v1/purge", s.purge)
	h("GET /admin/v1/stats", s.stats)
	h("GET /admin/v1/actors/online", s.onlineActors)
	if s.d.Jobs != nil {
		h("GET /admin/v1/jobs/ws", s.d.Jobs.Handler())
	}
}

func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.opts.Secret != "" && r.Header.Get(HeaderSignature) != "" {
			body, err := readBodyForSignature(r)
			if err != nil {
				writeErr(rw, http.StatusBadRequest, err)
				return
			}
			now := s.opts.Now()
			v := verifySignature(r, body, []byte(s.opts.Secret), now)
			if !v.ok() {
				writeErr(rw, v.Status, errors.New(v.Message))
				return
			}
			if !s.replay.allow(v.Staff, v.Signature, now) {
				writeErr(rw, http.StatusUnauthorized, errors.New("replayed request"))
				return
			}
			next(rw, r.WithContext(context.WithValue(r.Context(), staffKey{}, v.Staff)))
			return
		}
		if !s.authorized(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next(rw, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if isLoopbackRemote(r.RemoteAddr) {
		return true
	}
	if s.opts.Token == "" {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.opts.Token)) == 1
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Lookups.

type entriesResp struct {
	Count   int              `json:"count"`
	Entries []model.LogEntry `json:"entries"`
}

func (s *Server) window(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return s.opts.DefaultWindow, nil
	}
	return query.ParseWindow(raw)
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad limit %q", raw)
	}
	return n, nil
}

func (s *Server) lookupLocation(rw http.ResponseWriter, r *http.Request) {
	loc, err := model.ParseLocation(r.URL.Query().Get("loc"))
	if err != nil {
		writeErr(rw, http.StatusBadRequest, fmt.Errorf("loc: %w", err))
		return
	}
	window, err := s.window(r)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	entries, err := s.d.Query.ByLocation(r.Context(), loc, window)
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	writeJSON(rw, http.StatusOK, entriesResp{Count: len(entries), Entries: nonNil(entries)})
}

func (s *Server) lookupActor(rw http.ResponseWriter, r *http.Request) {
	actor, err := s.d.Actors.Lookup(r.URL.Query().Get("actor"))
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	window, err := s.window(r)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	entries, err := s.d.Query.ByActor(r.Context(), actor.ID, window, limit)
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	writeJSON(rw, http.StatusOK, entriesResp{Count: len(entries), Entries: nonNil(entries)})
}

// lookupArea takes either ?pos1=&pos2= or ?staff= (that staff member's selection).
func (s *Server) lookupArea(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		c   model.Cuboid
		err error
	)
	if staff := q.Get("staff"); staff != "" {
		c, err = s.selectionCuboid(staff)
	} else {
		c, err = parseCuboid(q.Get("pos1"), q.Get("pos2"))
	}
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	window, err := s.window(r)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	entries, err := s.d.Query.InArea(r.Context(), c, window, limit)
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	writeJSON(rw, http.StatusOK, entriesResp{Count: len(entries), Entries: nonNil(entries)})
}

var errBadCorner = errors.New("bad corner")

func parseCuboid(a, b string) (model.Cuboid, error) {
	p1, err := model.ParseLocation(a)
	if err != nil {
		return model.Cuboid{}, fmt.Errorf("%w pos1: %v", errBadCorner, err)
	}
	p2, err := model.ParseLocation(b)
	if err != nil {
		return model.Cuboid{}, fmt.Errorf("%w pos2: %v", errBadCorner, err)
	}
	return model.NewCuboid(p1, p2)
}

func (s *Server) selectionCuboid(staff string) (model.Cuboid, error) {
	a, err := s.d.Actors.Lookup(staff)
	if err != nil {
		return model.Cuboid{}, err
	}
	return s.d.Selections.Cuboid(a.ID)
}

// Selections.

type selectionReq struct {
	Staff    string         `json:"staff"`
	Corner   int            `json:"corner"`
	Location model.Location `json:"location"`
}

func (s *Server) setSelection(rw http.ResponseWriter, r *http.Request) {
	var req selectionReq
	if err := s.decodeBody(r, schemaSelection, &req); err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	a, err := s.d.Actors.Lookup(req.Staff)
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	if err := s.d.Selections.Set(a.ID, req.Corner, req.Location); err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	writeJSON(rw, http.StatusOK, s.d.Selections.Get(a.ID))
}

func (s *Server) getSelection(rw http.ResponseWriter, r *http.Request) {
	a, err := s.d.Actors.Lookup(r.URL.Query().Get("staff"))
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	writeJSON(rw, http.StatusOK, s.d.Selections.Get(a.ID))
}

func (s *Server) clearSelection(rw http.ResponseWriter, r *http.Request) {
	a, err := s.d.Actors.Lookup(r.URL.Query().Get("staff"))
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	s.d.Selections.Clear(a.ID)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

// Rollbacks.

type rollbackPlayerReq struct {
	Actor     string `json:"actor"`
	Window    string `json:"window"`
	Requester string `json:"requester"`
}

func (s *Server) rollbackPlayer(rw http.ResponseWriter, r *http.Request) {
	var req rollbackPlayerReq
	if err := s.decodeBody(r, schemaRollbackPlayer, &req); err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	window, err := query.ParseWindow(req.Window)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	a, err := s.d.Actors.Lookup(req.Actor)
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	if req.Requester == "" {
		req.Requester, _ = SignedStaff(r.Context())
	}
	j, err := s.d.Rollback.RollbackPlayer(r.Context(), rollback.PlayerRequest{Actor: a, Window: window, Requester: req.Requester})
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	s.printf("admin rollback player job=%s actor=%s window=%s requester=%q", j.ID(), a.ID, window, req.Requester)
	writeJSON(rw, http.StatusAccepted, j.Info())
}

type rollbackAreaReq struct {
	Staff     string          `json:"staff"`
	Pos1      *model.Location `json:"pos1"`
	Pos2      *model.Location `json:"pos2"`
	Window    string          `json:"window"`
	Requester string          `json:"requester"`
}

func (s *Server) rollbackArea(rw http.ResponseWriter, r *http.Request) {
	var req rollbackAreaReq
	if err := s.decodeBody(r, schemaRollbackArea, &req); err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	window, err := query.ParseWindow(req.Window)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	var p1, p2 model.Location
	if req.Pos1 != nil && req.Pos2 != nil {
		p1, p2 = *req.Pos1, *req.Pos2
	} else {
		a, err := s.d.Actors.Lookup(req.Staff)
		if err != nil {
			writeErr(rw, statusFor(err), err)
			return
		}
		sel := s.d.Selections.Get(a.ID)
		if sel.Pos1 == nil || sel.Pos2 == nil {
			writeErr(rw, http.StatusBadRequest, model.ErrSelectionIncomplete)
			return
		}
		p1, p2 = *sel.Pos1, *sel.Pos2
		if req.Requester == "" {
			req.Requester = a.Name
		}
	}
	if req.Requester == "" {
		req.Requester, _ = SignedStaff(r.Context())
	}
	j, err := s.d.Rollback.RollbackArea(r.Context(), rollback.AreaRequest{Pos1: p1, Pos2: p2, Window: window, Requester: req.Requester})
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	s.printf("admin rollback area job=%s target=%s window=%s requester=%q", j.ID(), j.Info().Target, window, req.Requester)
	writeJSON(rw, http.StatusAccepted, j.Info())
}

type inventoryRollbackReq struct {
	Actor  string `json:"actor"`
	Window string `json:"window"`
}

func (s *Server) inventoryRollback(rw http.ResponseWriter, r *http.Request) {
	var req inventoryRollbackReq
	if err := s.decodeBody(r, schemaInventoryRollback, &req); err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	window, err := query.ParseWindow(req.Window)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	a, err := s.d.Actors.Lookup(req.Actor)
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	out, err := s.d.Inventory.RollbackToTime(r.Context(), a.ID, window)
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

// Jobs.

func (s *Server) listJobs(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"jobs": s.d.Rollback.Jobs()})
}

func (s *Server) jobID(rw http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeErr(rw, http.StatusBadRequest, fmt.Errorf("bad job id: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) getJob(rw http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(rw, r)
	if !ok {
		return
	}
	j, ok := s.d.Rollback.Job(id)
	if !ok {
		writeErr(rw, http.StatusNotFound, rollback.ErrJobNotFound)
		return
	}
	writeJSON(rw, http.StatusOK, j.Info())
}

func (s *Server) cancelJob(rw http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(rw, r)
	if !ok {
		return
	}
	if err := s.d.Rollback.Cancel(id); err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	s.printf("admin cancel job=%s", id)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

// Maintenance.

func (s *Server) purge(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	res, err := s.d.Purger.PurgeOnce(ctx)
	if err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	s.printf("admin purge cutoff=%d entries=%d snapshots=%d archived=%d", res.CutoffMS, res.Entries, res.Snapshots, res.Archived)
	writeJSON(rw, http.StatusOK, res)
}

func (s *Server) stats(rw http.ResponseWriter, r *http.Request) {
	if s.d.Stats == nil {
		writeJSON(rw, http.StatusOK, map[string]any{})
		return
	}
	v, err := s.d.Stats(r.Context())
	if err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, v)
}

func (s *Server) onlineActors(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"actors": s.d.Actors.OnlineActors()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, actors.ErrUnknownActor),
		errors.Is(err, rollback.ErrJobNotFound),
		errors.Is(err, inventory.ErrNoSnapshots):
		return http.StatusNotFound
	case errors.Is(err, model.ErrCrossWorld),
		errors.Is(err, model.ErrOutOfBounds),
		errors.Is(err, model.ErrSelectionIncomplete),
		errors.Is(err, rollback.ErrAreaTooLarge),
		errors.Is(err, rollback.ErrNegativeWindow),
		errors.Is(err, query.ErrNegativeWindow),
		errors.Is(err, errBadCorner):
		return http.StatusBadRequest
	case errors.Is(err, rollback.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func nonNil(entries []model.LogEntry) []model.LogEntry {
	if entries == nil {
		return []model.LogEntry{}
	}
	return entries
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
}

func (s *Server) printf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}
