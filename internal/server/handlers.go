package server

// #region imports
import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
	"github.com/danielpatrickdp/adaptive-router/internal/logging"
	"github.com/danielpatrickdp/adaptive-router/internal/router"
	"github.com/danielpatrickdp/adaptive-router/internal/scheduler"
	"github.com/danielpatrickdp/adaptive-router/internal/state"
	"github.com/danielpatrickdp/adaptive-router/internal/tag"
)

// #endregion

// #region wire-types

type executeRequest struct {
	Text      string   `json:"text"`
	Tags      []string `json:"tags"`
	ContextID string   `json:"context_id"`
}

type routeView struct {
	Tag       string `json:"tag"`
	VersionID int64  `json:"version_id"`
	Bucket    string `json:"bucket"`
}

type executeResponse struct {
	Route      routeView         `json:"route"`
	Directives map[string]string `json:"directives"`
	Segments   []router.Segment  `json:"segments"`
	Provenance router.Provenance `json:"provenance"`
}

type memberView struct {
	VersionID int64      `json:"version_id"`
	Weight    float64    `json:"weight"`
	Role      state.Role `json:"role"`
}

type programView struct {
	Tag                 string       `json:"tag"`
	Generation          int64        `json:"generation"`
	ActiveSet           []memberView `json:"active_set"`
	Candidates          []int64      `json:"candidates"`
	ExperimentStartedAt *time.Time   `json:"experiment_started_at,omitempty"`
	Deprecated          bool         `json:"deprecated"`
	Stagnation          int          `json:"stagnation"`
}

type versionView struct {
	Tag       string       `json:"tag"`
	VersionID int64        `json:"version_id"`
	ParentID  int64        `json:"parent_version_id,omitempty"`
	Payload   string       `json:"payload"`
	Status    state.Status `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

type createProgramRequest struct {
	Tag        string            `json:"tag" binding:"required"`
	Payload    string            `json:"payload" binding:"required"`
	Directives map[string]string `json:"directives"`
}

type registerRequest struct {
	Payload  string `json:"payload" binding:"required"`
	ParentID int64  `json:"parent_version_id" binding:"required"`
}

type promoteRequest struct {
	VersionID int64 `json:"version_id" binding:"required"`
}

type experimentRequest struct {
	Control int64   `json:"control"` // 0 = current primary
	Variant int64   `json:"variant" binding:"required"`
	Weight  float64 `json:"weight" binding:"required"`
}

type feedbackRequest struct {
	Tag       string             `json:"tag" binding:"required"`
	VersionID int64              `json:"version_id" binding:"required"`
	Bucket    string             `json:"bucket"`
	Scores    map[string]float64 `json:"scores" binding:"required"`
	Timestamp time.Time          `json:"timestamp"`
}

type outcomeRequest struct {
	Tag       string            `json:"tag" binding:"required"`
	VersionID int64             `json:"version_id" binding:"required"`
	Bucket    string            `json:"bucket"`
	Output    string            `json:"output" binding:"required"`
	Context   map[string]string `json:"context"`
	Timestamp time.Time         `json:"timestamp"`
}

func toProgramView(set state.ActiveSet, cands []state.ProgramVersion, info state.TagInfo, stagnation int) programView {
	v := programView{
		Tag:        set.Tag,
		Generation: set.Generation,
		ActiveSet:  make([]memberView, len(set.Members)),
		Candidates: make([]int64, len(cands)),
		Deprecated: info.Deprecated,
		Stagnation: stagnation,
	}
	for i, m := range set.Members {
		v.ActiveSet[i] = memberView{VersionID: m.VersionID, Weight: m.Weight(), Role: m.Role}
	}
	for i, c := range cands {
		v.Candidates[i] = c.VersionID
	}
	if !set.ExperimentStartedAt.IsZero() {
		t := set.ExperimentStartedAt
		v.ExperimentStartedAt = &t
	}
	return v
}

func toVersionView(p state.ProgramVersion) versionView {
	return versionView{
		Tag:       p.Tag,
		VersionID: p.VersionID,
		ParentID:  p.ParentID,
		Payload:   p.PayloadHandle,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
	}
}

// #endregion

// #region errors

// statusFor maps the error taxonomy to HTTP status codes. Precondition
// violations are client errors; nothing here is retried.
func statusFor(err error) int {
	switch {
	case errors.Is(err, router.ErrRouteConflict),
		errors.Is(err, state.ErrTagExists),
		errors.Is(err, state.ErrStaleGeneration),
		errors.Is(err, scheduler.ErrAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, state.ErrUnknownTag),
		errors.Is(err, state.ErrUnknownVersion),
		errors.Is(err, router.ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, state.ErrInvalidParent),
		errors.Is(err, state.ErrNotCandidate),
		errors.Is(err, state.ErrNoPriorVersion),
		errors.Is(err, state.ErrControlNotActive),
		errors.Is(err, state.ErrVersionFailed),
		errors.Is(err, state.ErrInvalidWeight),
		errors.Is(err, state.ErrTagDeprecated),
		errors.Is(err, tag.ErrEmpty):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err, "request_id", c.GetString("request_id"))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// tagParam normalizes the :tag path segment.
func (s *Server) tagParam(c *gin.Context) (string, bool) {
	name, err := tag.Normalize(c.Param("tag"))
	if err != nil {
		s.fail(c, err)
		return "", false
	}
	return name, true
}

func limitParam(c *gin.Context, fallback int) int {
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		return n
	}
	return fallback
}

// #endregion

// #region health-execute

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tags": len(s.deps.Store.Tags())})
}

func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	route, err := s.deps.Router.Resolve(c.Request.Context(), router.Request{Tags: req.Tags, Identity: req.ContextID})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, executeResponse{
		Route:      routeView{Tag: route.Tag, VersionID: route.VersionID, Bucket: route.Bucket},
		Directives: route.Directives,
		Segments:   route.Segments,
		Provenance: route.Provenance,
	})
}

// #endregion

// #region programs

func (s *Server) createProgram(c *gin.Context) {
	var req createProgramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	root, set, err := s.deps.Store.CreateTag(c.Request.Context(), req.Tag, req.Directives, req.Payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	info, _ := s.deps.Store.LookupTag(set.Tag)
	c.JSON(http.StatusCreated, gin.H{
		"version": toVersionView(root),
		"program": toProgramView(set, nil, info, 0),
	})
}

func (s *Server) getProgram(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	set, err := s.deps.Store.GetActive(name)
	if err != nil {
		s.fail(c, err)
		return
	}
	cands, err := s.deps.Store.Candidates(c.Request.Context(), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	info, _ := s.deps.Store.LookupTag(name)
	c.JSON(http.StatusOK, toProgramView(set, cands, info, s.deps.Aggregator.Stagnation(name)))
}

func (s *Server) listVersions(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	if _, known := s.deps.Store.LookupTag(name); !known {
		s.fail(c, state.ErrUnknownTag)
		return
	}
	versions, err := s.deps.Store.ListVersions(c.Request.Context(), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]versionView, len(versions))
	for i, v := range versions {
		out[i] = toVersionView(v)
	}
	c.JSON(http.StatusOK, gin.H{"tag": name, "versions": out})
}

func (s *Server) registerVersion(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	v, err := s.deps.Store.Register(c.Request.Context(), name, req.Payload, req.ParentID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVersionView(v))
}

func (s *Server) failVersion(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}
	err = s.exclusive(c.Request.Context(), name, func(ctx context.Context) error {
		return s.deps.Store.MarkFailed(ctx, name, id)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": name, "version_id": id, "status": state.StatusFailed})
}

// exclusive runs an operator write under the tag's optimization lease.
func (s *Server) exclusive(ctx context.Context, name string, fn func(context.Context) error) error {
	if s.deps.Scheduler == nil {
		return fn(ctx)
	}
	return s.deps.Scheduler.Exclusive(ctx, name, fn)
}

// writeSet answers a store mutation. ErrAlreadyActive is a successful no-op.
func (s *Server) writeSet(c *gin.Context, set state.ActiveSet, err error) {
	noop := errors.Is(err, state.ErrAlreadyActive)
	if err != nil && !noop {
		s.fail(c, err)
		return
	}
	info, _ := s.deps.Store.LookupTag(set.Tag)
	c.JSON(http.StatusOK, gin.H{"program": toProgramView(set, nil, info, s.deps.Aggregator.Stagnation(set.Tag)), "noop": noop})
}

func (s *Server) promote(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	var req promoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var set state.ActiveSet
	err := s.exclusive(c.Request.Context(), name, func(ctx context.Context) error {
		var err error
		set, err = s.deps.Store.Promote(ctx, name, req.VersionID)
		return err
	})
	s.writeSet(c, set, err)
}

func (s *Server) rollback(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	var set state.ActiveSet
	err := s.exclusive(c.Request.Context(), name, func(ctx context.Context) error {
		var err error
		set, err = s.deps.Store.Rollback(ctx, name)
		return err
	})
	s.writeSet(c, set, err)
}

func (s *Server) startExperiment(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	var req experimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var set state.ActiveSet
	err := s.exclusive(c.Request.Context(), name, func(ctx context.Context) error {
		var err error
		set, err = s.deps.Store.StartExperiment(ctx, name, req.Control, req.Variant, req.Weight)
		return err
	})
	if err == nil {
		s.deps.Metrics.Experiment(name, true)
	}
	s.writeSet(c, set, err)
}

func (s *Server) deprecate(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	if err := s.deps.Store.DeprecateTag(c.Request.Context(), name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": name, "deprecated": true})
}

func (s *Server) history(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	sets, err := s.deps.Store.History(c.Request.Context(), name, limitParam(c, 20))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": name, "history": sets})
}

// #endregion

// #region optimize

func (s *Server) optimize(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	if _, known := s.deps.Store.LookupTag(name); !known {
		c.JSON(http.StatusNotFound, gin.H{"status": scheduler.StatusRejected, "error": state.ErrUnknownTag.Error()})
		return
	}
	status := s.deps.Scheduler.Trigger(c.Request.Context(), name, scheduler.TriggerManual)
	code := http.StatusOK
	switch status {
	case scheduler.StatusScheduled:
		code = http.StatusAccepted
	case scheduler.StatusRejected:
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}

func (s *Server) cancelOptimize(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": name, "cancelled": s.deps.Scheduler.Cancel(name)})
}

func (s *Server) optimizeState(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": name, "state": s.deps.Scheduler.State(name)})
}

func (s *Server) evaluate(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	d, err := s.deps.Scheduler.Evaluate(c.Request.Context(), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// #endregion

// #region feedback

func (s *Server) feedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := s.deps.Scoring.FromScores(req.Scores)
	s.ingest(c, feedback.Record{
		Tag:             req.Tag,
		VersionID:       req.VersionID,
		Bucket:          req.Bucket,
		Composite:       res.Composite,
		SubScores:       res.SubScores,
		SafetyViolation: res.SafetyViolation,
		Timestamp:       req.Timestamp,
	})
}

func (s *Server) outcomes(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.deps.Scoring.Produce(c.Request.Context(), req.Output, req.Context)
	if err != nil {
		s.logger.Warn("scoring failed", "tag", req.Tag, "version_id", req.VersionID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"accepted": false, "error": err.Error()})
		return
	}
	s.ingest(c, feedback.Record{
		Tag:             req.Tag,
		VersionID:       req.VersionID,
		Bucket:          req.Bucket,
		Composite:       res.Composite,
		SubScores:       res.SubScores,
		SafetyViolation: res.SafetyViolation,
		Timestamp:       req.Timestamp,
	})
}

// ingest validates the (tag, version) pair, feeds the aggregator and
// persists accepted records.
func (s *Server) ingest(c *gin.Context, r feedback.Record) {
	name, err := tag.Normalize(r.Tag)
	if err != nil {
		s.fail(c, err)
		return
	}
	r.Tag = name
	ctx := c.Request.Context()
	if err := s.deps.Store.CheckVersion(name, r.VersionID); err != nil {
		c.JSON(statusFor(err), gin.H{"accepted": false, "error": err.Error()})
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}

	accepted := s.deps.Aggregator.Ingest(r)
	if accepted && s.deps.Log != nil {
		if err := s.deps.Log.Append(context.WithoutCancel(ctx), r); err != nil {
			s.logger.Error("feedback log append failed", "tag", name, "version_id", r.VersionID, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

// #endregion

// #region audit

func (s *Server) decisions(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	entries, err := logging.ListDecisions(c.Request.Context(), s.deps.Store.DB(), name, limitParam(c, 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": name, "decisions": entries})
}

// feedbackWindows reports the live window of every version of a tag that
// has received feedback since startup.
func (s *Server) feedbackWindows(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	if _, known := s.deps.Store.LookupTag(name); !known {
		s.fail(c, state.ErrUnknownTag)
		return
	}
	ids := s.deps.Aggregator.Versions(name)
	c.JSON(http.StatusOK, gin.H{
		"tag":        name,
		"stagnation": s.deps.Aggregator.Stagnation(name),
		"windows":    s.deps.Aggregator.Snapshots(name, ids),
	})
}

func (s *Server) runs(c *gin.Context) {
	name, ok := s.tagParam(c)
	if !ok {
		return
	}
	entries, err := logging.ListRuns(c.Request.Context(), s.deps.Store.DB(), name, limitParam(c, 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": name, "runs": entries})
}

// #endregion
