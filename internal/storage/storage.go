// Package storage defines the contract shared by the snapshot and
// relational backends: a catalog of branches and tags, and the Branch
// operations for resources, links and dirtiness.
package storage

import (
	"errors"
	"fmt"

	"github.com/vu-isis/depi/internal/model"
)

// Sentinel errors surfaced by both backends. Callers match with
// errors.Is.
var (
	// ErrBranchExists is returned when creating a branch or tag whose
	// name is already taken.
	ErrBranchExists = errors.New("branch or tag already exists")

	// ErrUnknownBranch is returned when a named branch or tag does not
	// exist.
	ErrUnknownBranch = errors.New("no such branch or tag")

	// ErrTagImmutable is returned by every mutating operation invoked
	// on a tag.
	ErrTagImmutable = errors.New("tags cannot be modified")

	// ErrNotFound is returned when a resource, group or link named in
	// an operation is absent.
	ErrNotFound = errors.New("not found")

	// ErrVersionMismatch is returned by blackboard-style bulk inserts
	// when a staged group version no longer matches the branch.
	ErrVersionMismatch = errors.New("resource group version mismatch")
)

// Config selects and parameterizes a backend.
type Config struct {
	// Type is "memjson" or "sqlite".
	Type string

	// StateDir is the snapshot directory for the memjson backend.
	StateDir string

	// Path is the database file for the sqlite backend.
	Path string

	// PoolSize caps the sqlite connection pool.
	PoolSize int

	// DefaultBranch is created on first start. Usually "main".
	DefaultBranch string

	// PathSeparator resolves the per-tool separator used by
	// hierarchical link matching. Defaults to "/" when nil.
	PathSeparator func(toolID string) string
}

// Separator returns the separator for a tool id.
func (c *Config) Separator(toolID string) string {
	if c.PathSeparator == nil {
		return "/"
	}
	if sep := c.PathSeparator(toolID); sep != "" {
		return sep
	}
	return "/"
}

// ResourceVisitor receives one resource at a time from a streaming
// query. Returning false stops the iteration.
type ResourceVisitor func(rg *model.ResourceGroup, res *model.Resource) bool

// LinkVisitor receives one materialized link at a time from a streaming
// query. Returning false stops the iteration.
type LinkVisitor func(link *model.LinkWithResources) bool

// InferredClean names one (link, source) inferred-dirtiness entry
// removed by MarkInferredDirtinessClean.
type InferredClean struct {
	Link   model.LinkKey
	Source model.ResourceRef
}

// DB is the branch/tag catalog. GetBranch resolves tags as well as
// branches; a tag resolves to a read-only Branch pinned at the tagged
// version.
type DB interface {
	GetBranch(name string) (Branch, error)
	CreateBranch(name, from string) error
	CreateTag(name, fromBranch string) error
	BranchList() ([]string, error)
	TagList() ([]string, error)
	Close() error
}

// Branch is one line of history. All mutating methods fail with
// ErrTagImmutable when the branch is a tag.
type Branch interface {
	Name() string
	IsTag() bool

	// Resource groups.
	GetResourceGroups() ([]*model.ResourceGroup, error)
	GetResourceGroup(toolID, url string) (*model.ResourceGroup, error)
	GetLastKnownVersion(toolID, url string) (string, error)
	AddResourceGroup(rg *model.ResourceGroup) error
	EditResourceGroup(toolID, url, newToolID, newURL, newName, newVersion string) error
	RemoveResourceGroup(toolID, url string) error

	// Resources. AddResource creates the owning group when absent.
	AddResource(toolID, rgURL, rgName, rgVersion string, res *model.Resource) error
	RemoveResource(ref model.ResourceRef) ([]*model.Link, error)
	GetResource(ref model.ResourceRef) (*model.Resource, error)
	GetResourceByID(toolID, rgURL, id string) (*model.Resource, error)
	GetResources(patterns []model.ResourceRefPattern, includeDeleted bool) ([]*model.ResourceGroup, error)
	StreamResources(patterns []model.ResourceRefPattern, includeDeleted bool, visit ResourceVisitor) error

	// Links.
	AddLink(link *model.Link) error
	RemoveLink(key model.LinkKey) error
	GetLinks(patterns []model.ResourceLinkPattern) ([]*model.LinkWithResources, error)
	StreamLinks(patterns []model.ResourceLinkPattern, visit LinkVisitor) error
	GetAllLinks(includeDeleted bool) ([]*model.LinkWithResources, error)
	StreamAllLinks(includeDeleted bool, visit LinkVisitor) error
	GetDirtyLinks(toolID, rgURL string, withInferred bool) ([]*model.LinkWithResources, error)
	StreamDirtyLinks(toolID, rgURL string, withInferred bool, visit LinkVisitor) error
	ExpandLinks(links []*model.Link) ([]*model.LinkWithResources, error)
	GetDependencyGraph(ref model.ResourceRef, upstream bool, maxDepth int) ([]*model.LinkWithResources, error)

	// Change processing and dirtiness. UpdateResourceGroup returns the
	// links it dirtied; RemoveResource returns the links it touched.
	UpdateResourceGroup(change *model.ResourceGroupChange) ([]*model.Link, error)
	MarkLinksClean(keys []model.LinkKey, propagate bool) ([]*model.Link, error)
	MarkInferredDirtinessClean(key model.LinkKey, source model.ResourceRef, propagate bool) ([]InferredClean, error)

	// BulkAdd is the blackboard promotion path. It validates every
	// staged group version against the branch before applying anything.
	BulkAdd(groups []*model.ResourceGroup, links []*model.Link) error

	// SaveState commits the branch's current state.
	SaveState() error
}

// OpenFunc constructs a backend from its configuration.
type OpenFunc func(cfg *Config) (DB, error)

var backends = map[string]OpenFunc{}

// Register installs a backend constructor under a type name. Called
// from backend package init functions.
func Register(name string, open OpenFunc) {
	backends[name] = open
}

// Open builds the backend named by cfg.Type.
func Open(cfg *Config) (DB, error) {
	open, ok := backends[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown db type %q", cfg.Type)
	}
	return open(cfg)
}
