package state

import (
	"errors"
	"time"
)

// #region errors
var (
	ErrUnknownTag        = errors.New("unknown tag")
	ErrTagExists         = errors.New("tag already exists")
	ErrTagDeprecated     = errors.New("tag is deprecated")
	ErrUnknownVersion    = errors.New("unknown version")
	ErrInvalidParent     = errors.New("invalid parent version")
	ErrNotCandidate      = errors.New("version is not a candidate")
	ErrNoPriorVersion    = errors.New("no prior version to roll back to")
	ErrAlreadyActive     = errors.New("version already active")
	ErrControlNotActive  = errors.New("control version is not active")
	ErrVersionFailed     = errors.New("version is failed")
	ErrInvalidWeight     = errors.New("experiment weight must be within (0, 1)")
	ErrStaleGeneration   = errors.New("active set generation changed")
	ErrUnsupportedAction = errors.New("unsupported decision action")
)

// #endregion errors

// #region status
// Status is the lifecycle state of a program version. Only status ever
// changes after a version is written.
type Status string

const (
	StatusCandidate Status = "candidate"
	StatusActive    Status = "active"
	StatusRetired   Status = "retired"
	StatusFailed    Status = "failed"
)

// #endregion status

// #region program-version
// ProgramVersion is one immutable artifact in a tag's lineage.
type ProgramVersion struct {
	Tag           string
	VersionID     int64
	ParentID      int64 // 0 for the root version
	PayloadHandle string
	Status        Status
	CreatedAt     time.Time
}

// #endregion program-version

// #region tag-info
// TagInfo is a registered tag with the directives it contributes to a route.
type TagInfo struct {
	Name       string
	Directives map[string]string
	Deprecated bool
	CreatedAt  time.Time
}

// #endregion tag-info

// #region active-set
// TotalBasis is the number of weight units an ActiveSet distributes.
// Weights are kept in integer basis points so members always sum to 1.0.
const TotalBasis = 10000

// Role labels the arm a member plays in the active set.
type Role string

const (
	RoleStable  Role = "stable"
	RoleControl Role = "control"
	RoleVariant Role = "variant"
)

// Member is one traffic-receiving version of an ActiveSet.
type Member struct {
	VersionID int64 `json:"version_id"`
	Basis     int   `json:"basis"`
	Role      Role  `json:"role"`
}

// Weight returns the member's share of traffic in [0, 1].
func (m Member) Weight() float64 {
	return float64(m.Basis) / TotalBasis
}

// ActiveSet is the single source of truth for which versions of a tag receive
// traffic. Each mutation publishes a new generation; published sets are never
// modified in place.
type ActiveSet struct {
	Tag                 string
	Generation          int64
	RestoresTo          int64 // generation a rollback restores, 0 = none
	Members             []Member
	ExperimentStartedAt time.Time // zero outside experiment mode
	CreatedAt           time.Time
}

// IsExperiment reports whether traffic is split between a control and a variant.
func (a ActiveSet) IsExperiment() bool {
	return len(a.Members) > 1
}

// Primary returns the control member in experiment mode, otherwise the sole member.
func (a ActiveSet) Primary() Member {
	for _, m := range a.Members {
		if m.Role == RoleControl {
			return m
		}
	}
	if len(a.Members) == 0 {
		return Member{}
	}
	return a.Members[0]
}

// Variant returns the experiment variant, if any.
func (a ActiveSet) Variant() (Member, bool) {
	for _, m := range a.Members {
		if m.Role == RoleVariant {
			return m, true
		}
	}
	return Member{}, false
}

// Contains reports whether versionID receives traffic in this set.
func (a ActiveSet) Contains(versionID int64) bool {
	for _, m := range a.Members {
		if m.VersionID == versionID {
			return true
		}
	}
	return false
}

// SumBasis returns the total basis across members; TotalBasis for any valid set.
func (a ActiveSet) SumBasis() int {
	total := 0
	for _, m := range a.Members {
		total += m.Basis
	}
	return total
}

func (a ActiveSet) clone() ActiveSet {
	out := a
	out.Members = append([]Member(nil), a.Members...)
	return out
}

// #endregion active-set
