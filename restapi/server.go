// Package restapi surfaces the kernel's admin operations over HTTP: task
// browsing and control, object inspection at a committed snapshot, and
// checkpoint forcing. It is an operator surface, not the player transport;
// handlers never execute verb code and read the store only through snapshot
// readers.
package restapi

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	jwtverifier "github.com/okta/okta-jwt-verifier-golang"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/cache"
	"github.com/mudworks/weaver/checkpoint"
	"github.com/mudworks/weaver/scheduler"
	"github.com/mudworks/weaver/store"
)

// objectViewTTL bounds how long a rendered object inspection stays cached.
// Entries are keyed by committed version, so staleness is impossible; the TTL
// only caps memory in the shared cache.
const objectViewTTL = 5 * time.Minute

// Server hosts the admin API for one kernel instance.
type Server struct {
	store     *store.Store
	sched     *scheduler.Scheduler
	cp        *checkpoint.Checkpointer
	shared    cache.Shared
	opts      weaver.AdminOptions
	reg       *methodRegistry
	startedAt time.Time
}

// NewServer wires the admin surface. cp may be nil when durability is
// disabled (the checkpoint endpoint then reports a conflict); shared may be
// nil to disable inspection caching.
func NewServer(s *store.Store, sched *scheduler.Scheduler, cp *checkpoint.Checkpointer, shared cache.Shared, opts weaver.AdminOptions) *Server {
	return &Server{
		store:     s,
		sched:     sched,
		cp:        cp,
		shared:    shared,
		opts:      opts,
		reg:       newMethodRegistry(),
		startedAt: weaver.Now(),
	}
}

// Router builds the gin engine with every admin route registered under
// /api/v1, each wrapped with bearer-token verification when auth is
// configured.
func (s *Server) Router() (*gin.Engine, error) {
	regs := []error{
		s.reg.register(GET, "/status", s.getStatus),
		s.reg.register(GET, "/tasks", s.getTasks),
		s.reg.register(DELETE, "/tasks/:id", s.killTask),
		s.reg.register(POST, "/tasks/:id/input", s.deliverInput),
		s.reg.register(POST, "/tasks/:id/resume", s.resumeTask),
		s.reg.register(GET, "/outcomes", s.getOutcomes),
		s.reg.register(POST, "/checkpoint", s.forceCheckpoint),
		s.reg.register(GET_ONE, "/objects/:id", s.getObject),
		s.reg.register(GET, "/objects/:id/verbs", s.getObjectVerbs),
	}
	for _, err := range regs {
		if err != nil {
			return nil, err
		}
	}

	// Simple closure for header token verification.
	verifyHeaderToken := func(realHandler func(c *gin.Context)) func(c *gin.Context) {
		return func(c *gin.Context) {
			if s.verify(c) {
				realHandler(c)
			}
		}
	}

	router := gin.Default()
	v1 := router.Group("/api/v1")
	{
		for _, rm := range s.reg.methods {
			switch rm.Verb {
			case GET:
				fallthrough
			case GET_ONE:
				v1.GET(rm.Path, verifyHeaderToken(rm.Handler))
			case DELETE:
				v1.DELETE(rm.Path, verifyHeaderToken(rm.Handler))
			case POST:
				v1.POST(rm.Path, verifyHeaderToken(rm.Handler))
			case PUT:
				v1.PUT(rm.Path, verifyHeaderToken(rm.Handler))
			case PATCH:
				v1.PATCH(rm.Path, verifyHeaderToken(rm.Handler))
			default:
				return nil, fmt.Errorf("HTTP verb %d not supported", rm.Verb)
			}
		}
	}
	return router, nil
}

// Run serves the admin API until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.Address == "" {
		<-ctx.Done()
		return nil
	}
	router, err := s.Router()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: s.opts.Address, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("admin api listening", "address", s.opts.Address)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// verify checks the bearer token in the header. Auth is disabled when no
// issuer is configured (loopback deployments).
func (s *Server) verify(c *gin.Context) bool {
	if s.opts.Issuer == "" {
		return true
	}
	token := c.Request.Header.Get("Authorization")
	if !strings.HasPrefix(token, "Bearer ") {
		c.String(http.StatusUnauthorized, "Unauthorized")
		return false
	}
	token = strings.TrimPrefix(token, "Bearer ")
	verifierSetup := jwtverifier.JwtVerifier{
		Issuer: s.opts.Issuer,
		ClaimsToValidate: map[string]string{
			"aud": "api://default",
			"cid": s.opts.ClientID,
		},
	}
	verifier := verifierSetup.New()
	if _, err := verifier.VerifyAccessToken(token); err != nil {
		c.String(http.StatusForbidden, err.Error())
		return false
	}
	return true
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    s.store.CurrentVersion(),
		"next_obj":   s.store.NextObjID(),
		"halted":     s.store.Halted(),
		"live_tasks": len(s.sched.ListTasks()),
		"started":    humanize.Time(s.startedAt),
	})
}

// getTasks lists live tasks, optionally filtered with a CEL expression over
// each task record.
func (s *Server) getTasks(c *gin.Context) {
	tasks := s.sched.ListTasks()
	expr := c.Query("filter")
	if expr == "" {
		c.JSON(http.StatusOK, tasks)
		return
	}
	f, err := NewFilter(expr)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	out := make([]scheduler.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		rec, err := toRecord(t)
		if err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		ok, err := f.Matches(rec)
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		if ok {
			out = append(out, t)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) killTask(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "bad task id")
		return
	}
	if err := s.sched.Kill(id); err != nil {
		c.String(http.StatusNotFound, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deliverInput(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "bad task id")
		return
	}
	var body struct {
		Line string `json:"line"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sched.DeliverInput(id, body.Line); err != nil {
		c.String(http.StatusConflict, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resumeTask(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "bad task id")
		return
	}
	var body struct {
		Value *int64 `json:"value,omitempty"`
	}
	// An empty or absent body is fine; the resume value defaults to 0.
	_ = c.ShouldBindJSON(&body)
	v := weaver.NewInt(0)
	if body.Value != nil {
		v = weaver.NewInt(*body.Value)
	}
	if err := s.sched.ResumeTask(id, v); err != nil {
		c.String(http.StatusConflict, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getOutcomes(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.RecentOutcomes())
}

func (s *Server) forceCheckpoint(c *gin.Context) {
	if s.cp == nil {
		c.String(http.StatusConflict, "durability is disabled")
		return
	}
	version, err := s.cp.Force(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

// objectView is a rendered object inspection, cacheable because it is keyed
// by the committed version it was computed at.
type objectView struct {
	Snapshot   uint64            `json:"snapshot"`
	Meta       *weaver.ObjMeta   `json:"meta"`
	Properties []weaver.Property `json:"properties"`
}

// getObject renders one object's header and visible properties at a committed
// version: ?at= selects an older snapshot, the default is the latest.
// Properties can be filtered with ?filter=; unfiltered views are served from
// the shared cache when one is wired (in clustered deployments every replica
// admin hits the same Redis entry).
func (s *Server) getObject(c *gin.Context) {
	obj, ok := s.parseObjID(c)
	if !ok {
		return
	}
	at, ok := s.snapshotVersion(c)
	if !ok {
		return
	}

	filtered := c.Query("filter") != ""
	cacheKey := fmt.Sprintf("objview:%d@%d", obj, at)
	if s.shared != nil && !filtered {
		var view objectView
		found, err := s.shared.GetStruct(c.Request.Context(), cacheKey, &view)
		if err == nil && found {
			c.JSON(http.StatusOK, view)
			return
		}
	}

	reader := s.store.ReaderAt(at)
	meta, found, err := reader.GetMeta(obj)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		c.String(http.StatusNotFound, fmt.Sprintf("no object %s", obj))
		return
	}

	var f *Filter
	if expr := c.Query("filter"); expr != "" {
		f, err = NewFilter(expr)
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
	}

	props := make([]weaver.Property, 0)
	for _, e := range s.store.SnapshotAll(at) {
		if e.Key.Obj != obj || e.Key.Kind != store.KindProp || e.Versioned.Deleted {
			continue
		}
		p, isProp := e.Versioned.Value.(weaver.Property)
		if !isProp {
			continue
		}
		if f != nil {
			rec, err := toRecord(p)
			if err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}
			ok, err := f.Matches(rec)
			if err != nil {
				c.String(http.StatusBadRequest, err.Error())
				return
			}
			if !ok {
				continue
			}
		}
		props = append(props, p)
	}
	view := objectView{Snapshot: at, Meta: meta, Properties: props}
	if s.shared != nil && !filtered {
		if err := s.shared.SetStruct(c.Request.Context(), cacheKey, view, objectViewTTL); err != nil {
			log.Debug("object view cache store failed", "key", cacheKey, "details", err)
		}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getObjectVerbs(c *gin.Context) {
	obj, ok := s.parseObjID(c)
	if !ok {
		return
	}
	at, ok := s.snapshotVersion(c)
	if !ok {
		return
	}
	vs, found, err := s.store.ReaderAt(at).GetVerbs(obj)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		c.String(http.StatusNotFound, fmt.Sprintf("no object %s", obj))
		return
	}
	names := make([][]string, 0, len(vs.Verbs))
	for _, v := range vs.Verbs {
		names = append(names, v.Names)
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": at, "verbs": names})
}

// snapshotVersion picks the committed version a read handler serves at: the
// ?at= query when present, otherwise the latest. Versions the store has not
// reached yet are rejected.
func (s *Server) snapshotVersion(c *gin.Context) (uint64, bool) {
	cur := s.store.CurrentVersion()
	raw := c.Query("at")
	if raw == "" {
		return cur, true
	}
	at, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "bad snapshot version")
		return 0, false
	}
	if at > cur {
		c.String(http.StatusBadRequest, fmt.Sprintf("version %d is ahead of the store (current %d)", at, cur))
		return 0, false
	}
	return at, true
}

func (s *Server) parseObjID(c *gin.Context) (weaver.ObjID, bool) {
	raw := strings.TrimPrefix(c.Param("id"), "#")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		c.String(http.StatusBadRequest, "bad object id")
		return weaver.Nothing, false
	}
	return weaver.ObjID(n), true
}

// toRecord renders any JSON-taggable struct as the map CEL filters evaluate.
func toRecord(v any) (map[string]any, error) {
	raw, err := weaver.NewMarshaler().Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec map[string]any
	if err := weaver.NewMarshaler().Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}
