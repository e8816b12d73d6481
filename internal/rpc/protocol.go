// Package rpc implements the wire protocol between depi clients and
// the server: newline-delimited JSON frames over a TCP or unix socket.
// Every request is one frame; unary operations answer with a single
// frame, streaming operations answer with a run of frames terminated
// by one with end set.
package rpc

import (
	"encoding/json"

	"github.com/vu-isis/depi/internal/model"
)

// Operation names. The operation string in a request selects the
// handler; unknown operations fail with an error response.
const (
	// Session operations.
	OpLogin          = "Login"
	OpLoginWithToken = "LoginWithToken"
	OpLogout         = "Logout"
	OpPing           = "Ping"

	// Branch and tag operations.
	OpGetBranchList = "GetBranchList"
	OpCurrentBranch = "CurrentBranch"
	OpSetBranch     = "SetBranch"
	OpCreateBranch  = "CreateBranch"
	OpCreateTag     = "CreateTag"

	// Resource-group operations.
	OpGetResourceGroups       = "GetResourceGroups"
	OpGetResourceGroupsForTag = "GetResourceGroupsForTag"
	OpAddResourceGroup        = "AddResourceGroup"
	OpEditResourceGroup       = "EditResourceGroup"
	OpRemoveResourceGroup     = "RemoveResourceGroup"
	OpGetLastKnownVersion     = "GetLastKnownVersion"
	OpUpdateResourceGroup     = "UpdateResourceGroup"

	// Resource operations.
	OpAddResource          = "AddResource"
	OpGetResources         = "GetResources"
	OpGetResourcesAsStream = "GetResourcesAsStream"

	// Link operations.
	OpLinkResources       = "LinkResources"
	OpUnlinkResources     = "UnlinkResources"
	OpGetLinks            = "GetLinks"
	OpGetLinksAsStream    = "GetLinksAsStream"
	OpGetAllLinksAsStream = "GetAllLinksAsStream"
	OpGetDependencyGraph  = "GetDependencyGraph"

	// Dirtiness operations.
	OpMarkLinksClean             = "MarkLinksClean"
	OpMarkInferredDirtinessClean = "MarkInferredDirtinessClean"
	OpGetDirtyLinks              = "GetDirtyLinks"
	OpGetDirtyLinksAsStream      = "GetDirtyLinksAsStream"

	// Blackboard operations.
	OpAddResourcesToBlackboard      = "AddResourcesToBlackboard"
	OpRemoveResourcesFromBlackboard = "RemoveResourcesFromBlackboard"
	OpLinkBlackboardResources       = "LinkBlackboardResources"
	OpUnlinkBlackboardResources     = "UnlinkBlackboardResources"
	OpGetBlackboardResources        = "GetBlackboardResources"
	OpSaveBlackboard                = "SaveBlackboard"
	OpClearBlackboard               = "ClearBlackboard"

	// Watch operations. The Watch*/RegisterCallback operations are
	// streaming: the connection carries update frames until the watch
	// is cancelled.
	OpWatchDepi            = "WatchDepi"
	OpUnwatchDepi          = "UnwatchDepi"
	OpWatchBlackboard      = "WatchBlackboard"
	OpUnwatchBlackboard    = "UnwatchBlackboard"
	OpWatchResourceGroup   = "WatchResourceGroup"
	OpUnwatchResourceGroup = "UnwatchResourceGroup"
	OpRegisterCallback     = "RegisterCallback"

	// Batch import.
	OpUpdateDepi = "UpdateDepi"
)

// Update type names carried by DepiUpdate and BlackboardUpdate frames.
const (
	UpdateAddResource           = "AddResource"
	UpdateModifyResource        = "ModifyResource"
	UpdateRenameResource        = "RenameResource"
	UpdateRemoveResource        = "RemoveResource"
	UpdateAddLink               = "AddLink"
	UpdateRemoveLink            = "RemoveLink"
	UpdateRenameLink            = "RenameLink"
	UpdateAddResourceGroup      = "AddResourceGroup"
	UpdateEditResourceGroup     = "EditResourceGroup"
	UpdateRemoveResourceGroup   = "RemoveResourceGroup"
	UpdateVersionChanged        = "ResourceGroupVersionChanged"
	UpdateMarkLinkDirty         = "MarkLinkDirty"
	UpdateMarkLinkClean         = "MarkLinkClean"
	UpdateMarkInferredLinkClean = "MarkInferredLinkClean"
)

// Request is one client frame. Args is the operation-specific argument
// struct, left opaque here so the dispatcher can decode it per
// operation.
type Request struct {
	Operation string          `json:"operation"`
	SessionID string          `json:"sessionId,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Response is one server frame. Msg carries the failure reason when OK
// is false. End marks the final frame of a streaming response; unary
// responses always have End set.
type Response struct {
	OK   bool            `json:"ok"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	End  bool            `json:"end,omitempty"`
}

// Resource is the wire form of a resource, flattened with its owning
// group's identity so a single record is self-describing.
type Resource struct {
	ToolID               string `json:"toolId"`
	ResourceGroupName    string `json:"resourceGroupName"`
	ResourceGroupURL     string `json:"resourceGroupURL"`
	ResourceGroupVersion string `json:"resourceGroupVersion"`
	Name                 string `json:"name"`
	ID                   string `json:"id"`
	URL                  string `json:"URL"`
	Deleted              bool   `json:"deleted,omitempty"`
}

// Ref returns the resource's reference triple.
func (r *Resource) Ref() model.ResourceRef {
	return model.ResourceRef{ToolID: r.ToolID, ResourceGroupURL: r.ResourceGroupURL, URL: r.URL}
}

// ResourceGroup is the wire form of a resource group header.
type ResourceGroup struct {
	ToolID  string `json:"toolId"`
	Name    string `json:"name"`
	URL     string `json:"URL"`
	Version string `json:"version"`
}

// LinkRef names a link by its endpoint triples.
type LinkRef struct {
	FromRes model.ResourceRef `json:"fromRes"`
	ToRes   model.ResourceRef `json:"toRes"`
}

// InferredDirtiness is one inferred-dirtiness entry on a wire link.
type InferredDirtiness struct {
	Resource         Resource `json:"resource"`
	LastCleanVersion string   `json:"lastCleanVersion"`
}

// ResourceLink is the wire form of a link with both endpoints
// materialized.
type ResourceLink struct {
	FromRes          Resource            `json:"fromRes"`
	ToRes            Resource            `json:"toRes"`
	Dirty            bool                `json:"dirty,omitempty"`
	Deleted          bool                `json:"deleted,omitempty"`
	LastCleanVersion string              `json:"lastCleanVersion,omitempty"`
	Inferred         []InferredDirtiness `json:"inferredDirtiness,omitempty"`
}

// ResourceGroupChange is the wire form of a resource-group update.
type ResourceGroupChange struct {
	Name      string                 `json:"name"`
	ToolID    string                 `json:"toolId"`
	URL       string                 `json:"URL"`
	Version   string                 `json:"version"`
	Resources []model.ResourceChange `json:"resources"`
}

// ResourceGroupVersionChange reports a group version moving under a
// blackboard.
type ResourceGroupVersionChange struct {
	ToolID     string `json:"toolId"`
	Name       string `json:"name"`
	URL        string `json:"URL"`
	Version    string `json:"version"`
	NewVersion string `json:"newVersion"`
}

// LinkRename reports a staged link whose endpoints were rewritten by a
// rename in the main branch.
type LinkRename struct {
	FromRes    Resource `json:"fromRes"`
	NewFromRes Resource `json:"newFromRes"`
	ToRes      Resource `json:"toRes"`
	NewToRes   Resource `json:"newToRes"`
}

// InferredLinkClean reports one inferred-dirtiness entry removed from a
// link.
type InferredLinkClean struct {
	Link   LinkRef           `json:"link"`
	Source model.ResourceRef `json:"source"`
}

// Update is one entry in a DepiUpdate or BlackboardUpdate frame, a
// tagged union over Type.
type Update struct {
	Type          string                      `json:"updateType"`
	Resource      *Resource                   `json:"resource,omitempty"`
	Link          *ResourceLink               `json:"link,omitempty"`
	ResourceGroup *ResourceGroup              `json:"resourceGroup,omitempty"`
	Rename        *model.ResourceChange       `json:"rename,omitempty"`
	LinkRename    *LinkRename                 `json:"linkRename,omitempty"`
	VersionChange *ResourceGroupVersionChange `json:"versionChange,omitempty"`
	InferredClean *InferredLinkClean          `json:"inferredClean,omitempty"`
}

// DepiUpdate is one frame on the depi watch stream.
type DepiUpdate struct {
	Updates []Update `json:"updates"`
}

// BlackboardUpdate is one frame on the blackboard watch stream.
type BlackboardUpdate struct {
	Updates []Update `json:"updates"`
}

// ResourceUpdate is one frame on the resource-group callback stream:
// the watched resource and the upstream resource whose change dirtied
// it.
type ResourceUpdate struct {
	WatchedResource Resource `json:"watchedResource"`
	UpdatedResource Resource `json:"updatedResource"`
}

// LoginArgs carries user credentials and the connecting tool.
type LoginArgs struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Project  string `json:"project,omitempty"`
	ToolID   string `json:"toolId"`
}

// LoginWithTokenArgs resumes an existing session by its id.
type LoginWithTokenArgs struct {
	Token string `json:"token"`
}

// LoginPayload returns the session id for subsequent requests.
type LoginPayload struct {
	SessionID string `json:"sessionId"`
}

// BranchListPayload lists branch and tag names.
type BranchListPayload struct {
	Branches []string `json:"branches"`
	Tags     []string `json:"tags"`
}

// CurrentBranchPayload names the session's branch.
type CurrentBranchPayload struct {
	Branch string `json:"branch"`
}

// SetBranchArgs switches the session to a branch.
type SetBranchArgs struct {
	Branch string `json:"branch"`
}

// CreateBranchArgs creates a branch from a branch or tag. An empty
// source defaults to the session's branch.
type CreateBranchArgs struct {
	BranchName string `json:"branchName"`
	FromBranch string `json:"fromBranch,omitempty"`
	FromTag    string `json:"fromTag,omitempty"`
}

// CreateTagArgs pins a tag from a branch. An empty source defaults to
// the session's branch.
type CreateTagArgs struct {
	TagName    string `json:"tagName"`
	FromBranch string `json:"fromBranch,omitempty"`
}

// TagArgs names a tag.
type TagArgs struct {
	Tag string `json:"tag"`
}

// ResourceGroupsPayload lists resource-group headers.
type ResourceGroupsPayload struct {
	ResourceGroups []ResourceGroup `json:"resourceGroups"`
}

// AddResourceGroupArgs adds one group.
type AddResourceGroupArgs struct {
	ResourceGroup ResourceGroup `json:"resourceGroup"`
}

// EditResourceGroupArgs rewrites a group's identity, name or version.
// Empty New* fields leave the corresponding field unchanged.
type EditResourceGroupArgs struct {
	ToolID     string `json:"toolId"`
	URL        string `json:"URL"`
	NewToolID  string `json:"newToolId,omitempty"`
	NewURL     string `json:"newURL,omitempty"`
	NewName    string `json:"newName,omitempty"`
	NewVersion string `json:"newVersion,omitempty"`
}

// RemoveResourceGroupArgs removes one group.
type RemoveResourceGroupArgs struct {
	ToolID string `json:"toolId"`
	URL    string `json:"URL"`
}

// LastKnownVersionArgs asks for a group's recorded version.
type LastKnownVersionArgs struct {
	ToolID string `json:"toolId"`
	URL    string `json:"URL"`
}

// LastKnownVersionPayload carries the recorded version, empty when the
// group is unknown.
type LastKnownVersionPayload struct {
	Version string `json:"version"`
}

// UpdateResourceGroupArgs applies a tool-reported change set. An empty
// UpdateBranch targets the session's branch.
type UpdateResourceGroupArgs struct {
	ResourceGroup ResourceGroupChange `json:"resourceGroup"`
	UpdateBranch  string              `json:"updateBranch,omitempty"`
}

// AddResourceArgs adds one resource; the owning group is created from
// the flattened group fields when absent.
type AddResourceArgs struct {
	Resource Resource `json:"resource"`
}

// GetResourcesArgs selects resources by pattern.
type GetResourcesArgs struct {
	Patterns       []model.ResourceRefPattern `json:"patterns"`
	IncludeDeleted bool                       `json:"includeDeleted,omitempty"`
}

// ResourcesPayload lists resources.
type ResourcesPayload struct {
	Resources []Resource `json:"resources"`
}

// ResourcePayload is one resource stream frame.
type ResourcePayload struct {
	Resource Resource `json:"resource"`
}

// LinkArgs names one link by refs.
type LinkArgs struct {
	Link LinkRef `json:"link"`
}

// GetLinksArgs selects links by endpoint patterns.
type GetLinksArgs struct {
	Patterns []model.ResourceLinkPattern `json:"patterns"`
}

// LinksPayload lists materialized links.
type LinksPayload struct {
	Links []ResourceLink `json:"links"`
}

// LinkPayload is one link stream frame.
type LinkPayload struct {
	Link ResourceLink `json:"link"`
}

// DependencyGraphArgs asks for the transitive closure from a resource.
// MaxDepth zero means unbounded.
type DependencyGraphArgs struct {
	Resource model.ResourceRef `json:"resource"`
	Upstream bool              `json:"upstream"`
	MaxDepth int               `json:"maxDepth,omitempty"`
}

// DependencyGraphPayload carries the starting resource and the closure
// links.
type DependencyGraphPayload struct {
	Resource Resource       `json:"resource"`
	Links    []ResourceLink `json:"links"`
}

// MarkLinksCleanArgs clears direct dirtiness on the named links.
type MarkLinksCleanArgs struct {
	Links     []LinkRef `json:"links"`
	Propagate bool      `json:"propagateCleanliness"`
}

// MarkInferredCleanArgs clears one inferred-dirtiness source on a link.
type MarkInferredCleanArgs struct {
	Link      LinkRef           `json:"link"`
	Source    model.ResourceRef `json:"dirtinessSource"`
	Propagate bool              `json:"propagateCleanliness"`
}

// GetDirtyLinksArgs selects dirty links pointing into one group.
type GetDirtyLinksArgs struct {
	ToolID       string `json:"toolId"`
	URL          string `json:"URL"`
	WithInferred bool   `json:"withInferred,omitempty"`
}

// DirtyLinksPayload carries the dirty links and their target resources.
type DirtyLinksPayload struct {
	Resources []Resource     `json:"resources"`
	Links     []ResourceLink `json:"links"`
}

// DirtyLinkPayload is one dirty-link stream frame.
type DirtyLinkPayload struct {
	Resource Resource     `json:"resource"`
	Link     ResourceLink `json:"link"`
}

// BlackboardResourcesArgs stages resources in the caller's blackboard.
type BlackboardResourcesArgs struct {
	Resources []Resource `json:"resources"`
}

// BlackboardRefsArgs names staged resources by ref.
type BlackboardRefsArgs struct {
	Refs []model.ResourceRef `json:"refs"`
}

// BlackboardLinksArgs stages or unstages links between blackboard
// resources.
type BlackboardLinksArgs struct {
	Links []LinkRef `json:"links"`
}

// BlackboardPayload is the staged content of a blackboard.
type BlackboardPayload struct {
	Resources []Resource     `json:"resources"`
	Links     []ResourceLink `json:"links"`
}

// WatchGroupArgs names a resource group for the callback stream.
type WatchGroupArgs struct {
	ToolID string `json:"toolId"`
	URL    string `json:"URL"`
}

// UpdateDepiArgs applies a batch of updates directly.
type UpdateDepiArgs struct {
	Updates []Update `json:"updates"`
}
