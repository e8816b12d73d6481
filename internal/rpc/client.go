package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/vu-isis/depi/internal/model"
)

// Client is one connection to the server. It remembers the session id
// returned by Login and attaches it to every subsequent request. A
// client is not safe for concurrent use; a streaming call owns the
// connection until its final frame.
type Client struct {
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	timeout   time.Duration
	sessionID string
}

// Dial connects to a server endpoint. timeout bounds the dial and each
// unary round trip; zero picks DefaultRequestTimeout.
func Dial(network, address string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s %s: %w", network, address, err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		timeout: timeout,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SessionID returns the session id captured by Login.
func (c *Client) SessionID() string {
	return c.sessionID
}

// SetSessionID overrides the session id, for clients resuming a
// session obtained elsewhere.
func (c *Client) SetSessionID(id string) {
	c.sessionID = id
}

func (c *Client) send(operation string, args any) error {
	req := Request{Operation: operation, SessionID: c.sessionID}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshaling %s args: %w", operation, err)
		}
		req.Args = data
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	return nil
}

func (c *Client) readFrame(deadline bool) (*Response, error) {
	if deadline {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// Call runs one unary operation. When payload is non-nil the response
// data is unmarshaled into it. A response with ok false becomes an
// error carrying the server's message.
func (c *Client) Call(operation string, args, payload any) error {
	if err := c.send(operation, args); err != nil {
		return err
	}
	resp, err := c.readFrame(true)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s failed: %s", operation, resp.Msg)
	}
	if payload != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, payload); err != nil {
			return fmt.Errorf("decoding %s payload: %w", operation, err)
		}
	}
	return nil
}

// Stream runs one streaming operation, calling visit once per frame
// until the terminal frame or until visit returns false. The terminal
// frame is passed to visit as well. Watch streams have no read
// deadline; they block until the server emits or ends the stream.
func (c *Client) Stream(operation string, args any, visit func(*Response) bool) error {
	if err := c.send(operation, args); err != nil {
		return err
	}
	for {
		resp, err := c.readFrame(false)
		if err != nil {
			return err
		}
		if !visit(resp) || resp.End {
			return nil
		}
	}
}

// Login authenticates and stores the returned session id on the client.
func (c *Client) Login(user, password, project, toolID string) error {
	var payload LoginPayload
	err := c.Call(OpLogin, LoginArgs{User: user, Password: password, Project: project, ToolID: toolID}, &payload)
	if err != nil {
		return err
	}
	c.sessionID = payload.SessionID
	return nil
}

// LoginWithToken resumes the session named by token.
func (c *Client) LoginWithToken(token string) error {
	var payload LoginPayload
	if err := c.Call(OpLoginWithToken, LoginWithTokenArgs{Token: token}, &payload); err != nil {
		return err
	}
	c.sessionID = payload.SessionID
	return nil
}

// Logout closes the session.
func (c *Client) Logout() error {
	err := c.Call(OpLogout, nil, nil)
	c.sessionID = ""
	return err
}

// Ping refreshes the session's idle timer.
func (c *Client) Ping() error {
	return c.Call(OpPing, nil, nil)
}

// GetBranchList returns the branch and tag names.
func (c *Client) GetBranchList() (*BranchListPayload, error) {
	var payload BranchListPayload
	if err := c.Call(OpGetBranchList, nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// CurrentBranch returns the session's branch name.
func (c *Client) CurrentBranch() (string, error) {
	var payload CurrentBranchPayload
	if err := c.Call(OpCurrentBranch, nil, &payload); err != nil {
		return "", err
	}
	return payload.Branch, nil
}

// SetBranch switches the session to the named branch.
func (c *Client) SetBranch(branch string) error {
	return c.Call(OpSetBranch, SetBranchArgs{Branch: branch}, nil)
}

// CreateBranch creates a branch from a branch or tag.
func (c *Client) CreateBranch(name, fromBranch, fromTag string) error {
	return c.Call(OpCreateBranch, CreateBranchArgs{BranchName: name, FromBranch: fromBranch, FromTag: fromTag}, nil)
}

// CreateTag pins a tag from a branch.
func (c *Client) CreateTag(name, fromBranch string) error {
	return c.Call(OpCreateTag, CreateTagArgs{TagName: name, FromBranch: fromBranch}, nil)
}

// GetResourceGroups lists the groups on the session's branch.
func (c *Client) GetResourceGroups() ([]ResourceGroup, error) {
	var payload ResourceGroupsPayload
	if err := c.Call(OpGetResourceGroups, nil, &payload); err != nil {
		return nil, err
	}
	return payload.ResourceGroups, nil
}

// GetResourceGroupsForTag lists the groups pinned by a tag.
func (c *Client) GetResourceGroupsForTag(tag string) ([]ResourceGroup, error) {
	var payload ResourceGroupsPayload
	if err := c.Call(OpGetResourceGroupsForTag, TagArgs{Tag: tag}, &payload); err != nil {
		return nil, err
	}
	return payload.ResourceGroups, nil
}

// AddResourceGroup adds one group.
func (c *Client) AddResourceGroup(rg ResourceGroup) error {
	return c.Call(OpAddResourceGroup, AddResourceGroupArgs{ResourceGroup: rg}, nil)
}

// EditResourceGroup rewrites a group's identity, name or version.
func (c *Client) EditResourceGroup(args EditResourceGroupArgs) error {
	return c.Call(OpEditResourceGroup, args, nil)
}

// RemoveResourceGroup removes one group.
func (c *Client) RemoveResourceGroup(toolID, url string) error {
	return c.Call(OpRemoveResourceGroup, RemoveResourceGroupArgs{ToolID: toolID, URL: url}, nil)
}

// GetLastKnownVersion returns a group's recorded version, empty when
// the group is unknown.
func (c *Client) GetLastKnownVersion(toolID, url string) (string, error) {
	var payload LastKnownVersionPayload
	if err := c.Call(OpGetLastKnownVersion, LastKnownVersionArgs{ToolID: toolID, URL: url}, &payload); err != nil {
		return "", err
	}
	return payload.Version, nil
}

// UpdateResourceGroup applies a tool-reported change set.
func (c *Client) UpdateResourceGroup(change ResourceGroupChange, updateBranch string) error {
	return c.Call(OpUpdateResourceGroup, UpdateResourceGroupArgs{ResourceGroup: change, UpdateBranch: updateBranch}, nil)
}

// AddResource adds one resource.
func (c *Client) AddResource(res Resource) error {
	return c.Call(OpAddResource, AddResourceArgs{Resource: res}, nil)
}

// GetResources selects resources by pattern.
func (c *Client) GetResources(patterns []model.ResourceRefPattern, includeDeleted bool) ([]Resource, error) {
	var payload ResourcesPayload
	args := GetResourcesArgs{Patterns: patterns, IncludeDeleted: includeDeleted}
	if err := c.Call(OpGetResources, args, &payload); err != nil {
		return nil, err
	}
	return payload.Resources, nil
}

// GetResourcesAsStream selects resources by pattern, one frame each.
func (c *Client) GetResourcesAsStream(patterns []model.ResourceRefPattern, includeDeleted bool, visit func(Resource) bool) error {
	args := GetResourcesArgs{Patterns: patterns, IncludeDeleted: includeDeleted}
	return c.Stream(OpGetResourcesAsStream, args, func(resp *Response) bool {
		if !resp.OK || len(resp.Data) == 0 {
			return true
		}
		var frame ResourcePayload
		if err := json.Unmarshal(resp.Data, &frame); err != nil {
			return false
		}
		return visit(frame.Resource)
	})
}

// LinkResources adds one link.
func (c *Client) LinkResources(link LinkRef) error {
	return c.Call(OpLinkResources, LinkArgs{Link: link}, nil)
}

// UnlinkResources tombstones one link.
func (c *Client) UnlinkResources(link LinkRef) error {
	return c.Call(OpUnlinkResources, LinkArgs{Link: link}, nil)
}

// GetLinks selects links by endpoint patterns.
func (c *Client) GetLinks(patterns []model.ResourceLinkPattern) ([]ResourceLink, error) {
	var payload LinksPayload
	if err := c.Call(OpGetLinks, GetLinksArgs{Patterns: patterns}, &payload); err != nil {
		return nil, err
	}
	return payload.Links, nil
}

// GetLinksAsStream selects links by pattern, one frame each.
func (c *Client) GetLinksAsStream(patterns []model.ResourceLinkPattern, visit func(ResourceLink) bool) error {
	return c.Stream(OpGetLinksAsStream, GetLinksArgs{Patterns: patterns}, linkVisitor(visit))
}

// GetAllLinksAsStream streams every live link on the branch.
func (c *Client) GetAllLinksAsStream(visit func(ResourceLink) bool) error {
	return c.Stream(OpGetAllLinksAsStream, nil, linkVisitor(visit))
}

func linkVisitor(visit func(ResourceLink) bool) func(*Response) bool {
	return func(resp *Response) bool {
		if !resp.OK || len(resp.Data) == 0 {
			return true
		}
		var frame LinkPayload
		if err := json.Unmarshal(resp.Data, &frame); err != nil {
			return false
		}
		return visit(frame.Link)
	}
}

// GetDependencyGraph returns the transitive closure from a resource.
func (c *Client) GetDependencyGraph(ref model.ResourceRef, upstream bool, maxDepth int) (*DependencyGraphPayload, error) {
	var payload DependencyGraphPayload
	args := DependencyGraphArgs{Resource: ref, Upstream: upstream, MaxDepth: maxDepth}
	if err := c.Call(OpGetDependencyGraph, args, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// MarkLinksClean clears direct dirtiness on the named links.
func (c *Client) MarkLinksClean(links []LinkRef, propagate bool) error {
	return c.Call(OpMarkLinksClean, MarkLinksCleanArgs{Links: links, Propagate: propagate}, nil)
}

// MarkInferredDirtinessClean clears one inferred source on a link.
func (c *Client) MarkInferredDirtinessClean(link LinkRef, source model.ResourceRef, propagate bool) error {
	args := MarkInferredCleanArgs{Link: link, Source: source, Propagate: propagate}
	return c.Call(OpMarkInferredDirtinessClean, args, nil)
}

// GetDirtyLinks returns the dirty links pointing into one group.
func (c *Client) GetDirtyLinks(toolID, url string, withInferred bool) (*DirtyLinksPayload, error) {
	var payload DirtyLinksPayload
	args := GetDirtyLinksArgs{ToolID: toolID, URL: url, WithInferred: withInferred}
	if err := c.Call(OpGetDirtyLinks, args, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// GetDirtyLinksAsStream streams the dirty links pointing into one group.
func (c *Client) GetDirtyLinksAsStream(toolID, url string, withInferred bool, visit func(DirtyLinkPayload) bool) error {
	args := GetDirtyLinksArgs{ToolID: toolID, URL: url, WithInferred: withInferred}
	return c.Stream(OpGetDirtyLinksAsStream, args, func(resp *Response) bool {
		if !resp.OK || len(resp.Data) == 0 {
			return true
		}
		var frame DirtyLinkPayload
		if err := json.Unmarshal(resp.Data, &frame); err != nil {
			return false
		}
		return visit(frame)
	})
}

// AddResourcesToBlackboard stages resources.
func (c *Client) AddResourcesToBlackboard(resources []Resource) error {
	return c.Call(OpAddResourcesToBlackboard, BlackboardResourcesArgs{Resources: resources}, nil)
}

// RemoveResourcesFromBlackboard unstages resources.
func (c *Client) RemoveResourcesFromBlackboard(refs []model.ResourceRef) error {
	return c.Call(OpRemoveResourcesFromBlackboard, BlackboardRefsArgs{Refs: refs}, nil)
}

// LinkBlackboardResources stages links between blackboard resources.
func (c *Client) LinkBlackboardResources(links []LinkRef) error {
	return c.Call(OpLinkBlackboardResources, BlackboardLinksArgs{Links: links}, nil)
}

// UnlinkBlackboardResources unstages links, marking them for deletion.
func (c *Client) UnlinkBlackboardResources(links []LinkRef) error {
	return c.Call(OpUnlinkBlackboardResources, BlackboardLinksArgs{Links: links}, nil)
}

// GetBlackboardResources returns the staged content.
func (c *Client) GetBlackboardResources() (*BlackboardPayload, error) {
	var payload BlackboardPayload
	if err := c.Call(OpGetBlackboardResources, nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SaveBlackboard promotes the staged content to the main branch.
func (c *Client) SaveBlackboard() error {
	return c.Call(OpSaveBlackboard, nil, nil)
}

// ClearBlackboard discards the staged content.
func (c *Client) ClearBlackboard() error {
	return c.Call(OpClearBlackboard, nil, nil)
}

// WatchDepi follows registry-wide updates until the stream ends or
// visit returns false.
func (c *Client) WatchDepi(visit func(DepiUpdate) bool) error {
	return c.Stream(OpWatchDepi, nil, func(resp *Response) bool {
		if resp.End || len(resp.Data) == 0 {
			return true
		}
		var upd DepiUpdate
		if err := json.Unmarshal(resp.Data, &upd); err != nil {
			return false
		}
		return visit(upd)
	})
}

// UnwatchDepi ends the depi watch stream.
func (c *Client) UnwatchDepi() error {
	return c.Call(OpUnwatchDepi, nil, nil)
}

// WatchBlackboard follows the session user's blackboard updates.
func (c *Client) WatchBlackboard(visit func(BlackboardUpdate) bool) error {
	return c.Stream(OpWatchBlackboard, nil, func(resp *Response) bool {
		if resp.End || len(resp.Data) == 0 {
			return true
		}
		var upd BlackboardUpdate
		if err := json.Unmarshal(resp.Data, &upd); err != nil {
			return false
		}
		return visit(upd)
	})
}

// UnwatchBlackboard ends the blackboard watch stream.
func (c *Client) UnwatchBlackboard() error {
	return c.Call(OpUnwatchBlackboard, nil, nil)
}

// WatchResourceGroup subscribes the session to dirtiness notifications
// for one group.
func (c *Client) WatchResourceGroup(toolID, url string) error {
	return c.Call(OpWatchResourceGroup, WatchGroupArgs{ToolID: toolID, URL: url}, nil)
}

// UnwatchResourceGroup drops one group subscription.
func (c *Client) UnwatchResourceGroup(toolID, url string) error {
	return c.Call(OpUnwatchResourceGroup, WatchGroupArgs{ToolID: toolID, URL: url}, nil)
}

// RegisterCallback follows dirtiness notifications for the session's
// watched groups.
func (c *Client) RegisterCallback(visit func(ResourceUpdate) bool) error {
	return c.Stream(OpRegisterCallback, nil, func(resp *Response) bool {
		if resp.End || len(resp.Data) == 0 {
			return true
		}
		var upd ResourceUpdate
		if err := json.Unmarshal(resp.Data, &upd); err != nil {
			return false
		}
		return visit(upd)
	})
}

// UpdateDepi applies a batch of updates directly.
func (c *Client) UpdateDepi(updates []Update) error {
	return c.Call(OpUpdateDepi, UpdateDepiArgs{Updates: updates}, nil)
}
