package router

import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/adaptive-router/internal/state"
)

// #region errors
var (
	// ErrRouteConflict is returned when composed tags set the same directive
	// to different values. It is never resolved silently.
	ErrRouteConflict = errors.New("route conflict")
	// ErrNoRoute is returned when no tag resolves and no neutral route exists.
	ErrNoRoute = errors.New("no route")
)

// #endregion errors

// #region config
// Strategy selects how several resolvable tags become one route.
type Strategy string

const (
	StrategyPriorityList Strategy = "priority_list"       // first known tag wins
	StrategyMerge        Strategy = "left_to_right_merge" // compose in order, add-only directives
)

// Config controls resolution. Threshold and neutral tag have no built-in default.
type Config struct {
	Strategy            Strategy      `yaml:"strategy"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	SimilarityTimeout   time.Duration `yaml:"similarity_timeout"`
	NeutralTag          string        `yaml:"neutral_tag"`
}

// #endregion config

// #region collaborators
// Registry is the read side of the version store.
type Registry interface {
	LookupTag(name string) (state.TagInfo, bool)
	GetActive(name string) (state.ActiveSet, error)
}

// Similarity maps an unknown tag to the closest known one.
type Similarity interface {
	Similar(ctx context.Context, tag string) (string, float64, error)
}

// #endregion collaborators

// #region request
// Request is one routing call.
type Request struct {
	Tags     []string
	Identity string // sticky-assignment key; empty means anonymous
}

// #endregion request

// #region route
// Resolution methods recorded in provenance.
const (
	ViaDirect     = "direct"
	ViaSimilarity = "similarity"
	ViaNeutral    = "neutral"
	ViaUnresolved = "unresolved"
	ViaInvalid    = "invalid"
	ViaDuplicate  = "duplicate"
)

// Resolution explains what happened to one requested tag.
type Resolution struct {
	Raw        string  `json:"raw"`
	Tag        string  `json:"tag,omitempty"`
	Via        string  `json:"via"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Segment is one composed (tag, version) pair of a route.
type Segment struct {
	Tag        string `json:"tag"`
	VersionID  int64  `json:"version_id"`
	Bucket     string `json:"bucket"`
	Generation int64  `json:"generation"`
}

// Provenance records how a route was built.
type Provenance struct {
	RequestID   string       `json:"request_id"`
	Strategy    Strategy     `json:"strategy"`
	Identity    string       `json:"identity"`
	Anonymous   bool         `json:"anonymous"`
	Resolutions []Resolution `json:"resolutions"`
}

// Route is the router's answer. Tag, VersionID and Bucket describe the
// primary segment.
type Route struct {
	Tag        string            `json:"tag"`
	VersionID  int64             `json:"version_id"`
	Bucket     string            `json:"bucket"`
	Generation int64             `json:"generation"`
	Directives map[string]string `json:"directives"`
	Segments   []Segment         `json:"segments"`
	Provenance Provenance        `json:"provenance"`
}

// #endregion route
