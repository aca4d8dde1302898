package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/adaptive-router/internal/bucket"
	"github.com/danielpatrickdp/adaptive-router/internal/observability"
	"github.com/danielpatrickdp/adaptive-router/internal/tag"
)

// #region router
// Router resolves tagged requests to concrete program versions. It only
// reads the version store, so it never blocks on store writers.
type Router struct {
	registry   Registry
	similarity Similarity
	config     Config
	metrics    *observability.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates a Router. similarity, metrics and logger may be nil.
func New(registry Registry, similarity Similarity, config Config, metrics *observability.Metrics, logger *slog.Logger) *Router {
	if config.Strategy == "" {
		config.Strategy = StrategyPriorityList
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:   registry,
		similarity: similarity,
		config:     config,
		metrics:    metrics,
		logger:     logger.With("component", "router"),
		tracer:     observability.Tracer(),
	}
}

// #endregion router

// #region resolve
// Resolve normalizes the request tags, picks the tags to compose according to
// the strategy, and assigns a concrete version for each.
func (r *Router) Resolve(ctx context.Context, req Request) (Route, error) {
	ctx, span := r.tracer.Start(ctx, "router.resolve",
		trace.WithAttributes(
			attribute.StringSlice("router.tags", req.Tags),
			attribute.String("router.strategy", string(r.config.Strategy)),
		))
	defer span.End()

	prov := Provenance{
		RequestID: uuid.NewString(),
		Strategy:  r.config.Strategy,
		Identity:  req.Identity,
	}
	if prov.Identity == "" {
		prov.Identity = uuid.NewString()
		prov.Anonymous = true
	}

	tags := r.selectTags(ctx, req.Tags, &prov)
	if len(tags) == 0 {
		if _, ok := r.registry.LookupTag(r.config.NeutralTag); r.config.NeutralTag == "" || !ok {
			r.metrics.RouteError("no_route")
			err := fmt.Errorf("resolve %v: %w", req.Tags, ErrNoRoute)
			span.SetStatus(codes.Error, err.Error())
			return Route{Provenance: prov}, err
		}
		tags = []string{r.config.NeutralTag}
		prov.Resolutions = append(prov.Resolutions, Resolution{Tag: r.config.NeutralTag, Via: ViaNeutral})
	}

	route := Route{Directives: map[string]string{}, Provenance: prov}
	owner := map[string]string{} // directive key -> tag that set it
	for _, name := range tags {
		info, _ := r.registry.LookupTag(name)
		for k, v := range info.Directives {
			if prev, ok := route.Directives[k]; ok && prev != v {
				r.metrics.RouteError("conflict")
				err := fmt.Errorf("directive %q: %s sets %q, %s sets %q: %w", k, owner[k], prev, name, v, ErrRouteConflict)
				span.SetStatus(codes.Error, err.Error())
				return Route{Provenance: prov}, err
			}
			route.Directives[k] = v
			owner[k] = name
		}

		set, err := r.registry.GetActive(name)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Route{Provenance: prov}, fmt.Errorf("resolve %s: %w", name, err)
		}
		m, err := bucket.Assign(prov.Identity, name, set)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Route{Provenance: prov}, err
		}
		route.Segments = append(route.Segments, Segment{
			Tag:        name,
			VersionID:  m.VersionID,
			Bucket:     string(m.Role),
			Generation: set.Generation,
		})
	}

	primary := route.Segments[0]
	route.Tag = primary.Tag
	route.VersionID = primary.VersionID
	route.Bucket = primary.Bucket
	route.Generation = primary.Generation

	span.SetAttributes(
		attribute.String("router.route.tag", route.Tag),
		attribute.Int64("router.route.version_id", route.VersionID),
		attribute.String("router.route.bucket", route.Bucket),
	)
	for _, s := range route.Segments {
		r.metrics.Route(s.Tag, s.Bucket)
	}
	return route, nil
}

// #endregion resolve

// #region select
// selectTags returns the known tags to compose, in request order. With
// priority_list it stops at the first known tag.
func (r *Router) selectTags(ctx context.Context, raw []string, prov *Provenance) []string {
	var out []string
	seen := map[string]bool{}
	for _, rt := range raw {
		res := r.resolveOne(ctx, rt)
		if res.Tag != "" && seen[res.Tag] {
			res.Via = ViaDuplicate
		}
		prov.Resolutions = append(prov.Resolutions, res)
		if res.Via != ViaDirect && res.Via != ViaSimilarity {
			continue
		}
		seen[res.Tag] = true
		out = append(out, res.Tag)
		if r.config.Strategy == StrategyPriorityList {
			break
		}
	}
	return out
}

func (r *Router) resolveOne(ctx context.Context, raw string) Resolution {
	name, err := tag.Normalize(raw)
	if err != nil {
		return Resolution{Raw: raw, Via: ViaInvalid}
	}
	if _, ok := r.registry.LookupTag(name); ok {
		return Resolution{Raw: raw, Tag: name, Via: ViaDirect}
	}
	if r.similarity == nil {
		return Resolution{Raw: raw, Tag: name, Via: ViaUnresolved}
	}

	simCtx := ctx
	if r.config.SimilarityTimeout > 0 {
		var cancel context.CancelFunc
		simCtx, cancel = context.WithTimeout(ctx, r.config.SimilarityTimeout)
		defer cancel()
	}
	match, confidence, err := r.similarity.Similar(simCtx, name)
	if err != nil {
		r.logger.WarnContext(ctx, "similarity lookup failed", "tag", name, "error", err)
		return Resolution{Raw: raw, Tag: name, Via: ViaUnresolved}
	}
	if confidence < r.config.SimilarityThreshold {
		return Resolution{Raw: raw, Tag: name, Via: ViaUnresolved, Confidence: confidence}
	}
	matched, err := tag.Normalize(match)
	if err != nil {
		return Resolution{Raw: raw, Tag: name, Via: ViaUnresolved, Confidence: confidence}
	}
	if _, ok := r.registry.LookupTag(matched); !ok {
		return Resolution{Raw: raw, Tag: name, Via: ViaUnresolved, Confidence: confidence}
	}
	return Resolution{Raw: raw, Tag: matched, Via: ViaSimilarity, Confidence: confidence}
}

// #endregion select
