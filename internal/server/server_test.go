package server

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/vu-isis/depi/internal/auth"
	"github.com/vu-isis/depi/internal/config"
	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/rpc"
	"github.com/vu-isis/depi/internal/storage"
	"github.com/vu-isis/depi/internal/storage/memjson"
)

func setupServer(t *testing.T, opts ...func(*Options)) *Server {
	t.Helper()
	cfg := &storage.Config{
		Type:          "memjson",
		StateDir:      t.TempDir(),
		DefaultBranch: "main",
	}
	db, err := memjson.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	options := Options{
		Tools: map[string]config.ToolConfig{
			"git": {Name: "git", PathSeparator: "/"},
		},
		Users: []config.UserConfig{
			{Name: "alice", Password: "secret"},
			{Name: "bob", Password: "hunter2"},
		},
	}
	for _, opt := range opts {
		opt(&options)
	}
	s := New(db, options)
	t.Cleanup(s.Close)
	return s
}

func call(t *testing.T, s *Server, op, sessionID string, args any) rpc.Response {
	t.Helper()
	req := &rpc.Request{Operation: op, SessionID: sessionID}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("marshaling %s args: %v", op, err)
		}
		req.Args = data
	}
	return s.Handle(req)
}

func mustCall(t *testing.T, s *Server, op, sessionID string, args any) rpc.Response {
	t.Helper()
	resp := call(t, s, op, sessionID, args)
	if !resp.OK {
		t.Fatalf("%s failed: %s", op, resp.Msg)
	}
	return resp
}

func decodePayload(t *testing.T, resp rpc.Response, payload any) {
	t.Helper()
	if err := json.Unmarshal(resp.Data, payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
}

func login(t *testing.T, s *Server, user, password string) string {
	t.Helper()
	resp := mustCall(t, s, rpc.OpLogin, "", rpc.LoginArgs{User: user, Password: password, ToolID: "git"})
	var payload rpc.LoginPayload
	decodePayload(t, resp, &payload)
	return payload.SessionID
}

func wireRes(url string) rpc.Resource {
	return rpc.Resource{
		ToolID:               "git",
		ResourceGroupName:    "group one",
		ResourceGroupURL:     "rg1",
		ResourceGroupVersion: "v0",
		Name:                 url,
		ID:                   "id" + url,
		URL:                  url,
	}
}

func addResources(t *testing.T, s *Server, sid string, urls ...string) {
	t.Helper()
	for _, url := range urls {
		mustCall(t, s, rpc.OpAddResource, sid, rpc.AddResourceArgs{Resource: wireRes(url)})
	}
}

func refOf(url string) model.ResourceRef {
	return model.ResourceRef{ToolID: "git", ResourceGroupURL: "rg1", URL: url}
}

func allPattern() []model.ResourceRefPattern {
	return []model.ResourceRefPattern{{ToolID: "git", ResourceGroupURL: "rg1", URLPattern: ".*"}}
}

func TestLoginValidation(t *testing.T) {
	s := setupServer(t)

	resp := call(t, s, rpc.OpLogin, "", rpc.LoginArgs{User: "alice", Password: "wrong", ToolID: "git"})
	if resp.OK {
		t.Fatal("login with wrong password succeeded")
	}
	resp = call(t, s, rpc.OpLogin, "", rpc.LoginArgs{User: "alice", Password: "secret", ToolID: "doc-tool"})
	if resp.OK {
		t.Fatal("login with unknown tool succeeded")
	}
	for _, tool := range []string{"git", "blackboard", "cli"} {
		resp = call(t, s, rpc.OpLogin, "", rpc.LoginArgs{User: "alice", Password: "secret", ToolID: tool})
		if !resp.OK {
			t.Fatalf("login with tool %s failed: %s", tool, resp.Msg)
		}
	}

	sid := login(t, s, "alice", "secret")
	if len(sid) != 32 {
		t.Fatalf("session id %q, want 32 hex characters", sid)
	}
	mustCall(t, s, rpc.OpPing, sid, nil)
}

func TestSessionIDsAreRandomHex(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		id, err := newSessionID()
		if err != nil {
			t.Fatalf("newSessionID: %v", err)
		}
		if len(id) != 32 {
			t.Fatalf("session id %q has length %d, want 32", id, len(id))
		}
		if _, err := hex.DecodeString(id); err != nil {
			t.Fatalf("session id %q is not hex: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("session id %q repeated", id)
		}
		seen[id] = true
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	mustCall(t, s, rpc.OpLogout, sid, nil)

	resp := call(t, s, rpc.OpPing, sid, nil)
	if resp.OK {
		t.Fatal("ping on closed session succeeded")
	}
	if want := "Invalid session: " + sid; resp.Msg != want {
		t.Fatalf("message %q, want %q", resp.Msg, want)
	}
}

func TestLoginWithToken(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")

	resp := mustCall(t, s, rpc.OpLoginWithToken, "", rpc.LoginWithTokenArgs{Token: sid})
	var payload rpc.LoginPayload
	decodePayload(t, resp, &payload)
	if payload.SessionID != sid {
		t.Fatalf("token login returned session %s, want %s", payload.SessionID, sid)
	}

	resp = call(t, s, rpc.OpLoginWithToken, "", rpc.LoginWithTokenArgs{Token: "nope"})
	if resp.OK {
		t.Fatal("login with bogus token succeeded")
	}
}

func TestBranchLifecycle(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	addResources(t, s, sid, "/a")

	mustCall(t, s, rpc.OpCreateBranch, sid, rpc.CreateBranchArgs{BranchName: "feature"})
	mustCall(t, s, rpc.OpCreateTag, sid, rpc.CreateTagArgs{TagName: "v1.0"})

	resp := mustCall(t, s, rpc.OpGetBranchList, sid, nil)
	var branches rpc.BranchListPayload
	decodePayload(t, resp, &branches)
	if len(branches.Branches) != 2 || len(branches.Tags) != 1 {
		t.Fatalf("branch list %v tags %v, want 2 branches and 1 tag", branches.Branches, branches.Tags)
	}

	mustCall(t, s, rpc.OpSetBranch, sid, rpc.SetBranchArgs{Branch: "feature"})
	resp = mustCall(t, s, rpc.OpCurrentBranch, sid, nil)
	var current rpc.CurrentBranchPayload
	decodePayload(t, resp, &current)
	if current.Branch != "feature" {
		t.Fatalf("current branch %s, want feature", current.Branch)
	}

	// The branch copy carries main's state.
	resp = mustCall(t, s, rpc.OpGetResources, sid, rpc.GetResourcesArgs{Patterns: allPattern()})
	var resources rpc.ResourcesPayload
	decodePayload(t, resp, &resources)
	if len(resources.Resources) != 1 {
		t.Fatalf("feature branch has %d resources, want 1", len(resources.Resources))
	}

	// Tags resolve for reading but refuse writes.
	mustCall(t, s, rpc.OpSetBranch, sid, rpc.SetBranchArgs{Branch: "v1.0"})
	resp = call(t, s, rpc.OpAddResource, sid, rpc.AddResourceArgs{Resource: wireRes("/b")})
	if resp.OK {
		t.Fatal("mutating a tag succeeded")
	}

	resp = call(t, s, rpc.OpSetBranch, sid, rpc.SetBranchArgs{Branch: "missing"})
	if resp.OK {
		t.Fatal("switching to unknown branch succeeded")
	}
}

func TestGetResourceGroupsForTag(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	addResources(t, s, sid, "/a")
	mustCall(t, s, rpc.OpCreateTag, sid, rpc.CreateTagArgs{TagName: "rel"})

	resp := mustCall(t, s, rpc.OpGetResourceGroupsForTag, sid, rpc.TagArgs{Tag: "rel"})
	var payload rpc.ResourceGroupsPayload
	decodePayload(t, resp, &payload)
	if len(payload.ResourceGroups) != 1 || payload.ResourceGroups[0].URL != "rg1" {
		t.Fatalf("tag groups %v, want rg1", payload.ResourceGroups)
	}

	resp = call(t, s, rpc.OpGetResourceGroupsForTag, sid, rpc.TagArgs{Tag: "main"})
	if resp.OK {
		t.Fatal("GetResourceGroupsForTag accepted a branch name")
	}
}

func TestResourceGroupLifecycle(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")

	mustCall(t, s, rpc.OpAddResourceGroup, sid, rpc.AddResourceGroupArgs{
		ResourceGroup: rpc.ResourceGroup{ToolID: "git", Name: "group one", URL: "rg1", Version: "v0"},
	})

	resp := mustCall(t, s, rpc.OpGetLastKnownVersion, sid, rpc.LastKnownVersionArgs{ToolID: "git", URL: "rg1"})
	var version rpc.LastKnownVersionPayload
	decodePayload(t, resp, &version)
	if version.Version != "v0" {
		t.Fatalf("version %q, want v0", version.Version)
	}

	// Unknown groups answer with an empty version, not an error.
	resp = mustCall(t, s, rpc.OpGetLastKnownVersion, sid, rpc.LastKnownVersionArgs{ToolID: "git", URL: "nope"})
	decodePayload(t, resp, &version)
	if version.Version != "" {
		t.Fatalf("version %q for unknown group, want empty", version.Version)
	}

	mustCall(t, s, rpc.OpEditResourceGroup, sid, rpc.EditResourceGroupArgs{
		ToolID: "git", URL: "rg1", NewName: "renamed", NewVersion: "v1",
	})
	resp = mustCall(t, s, rpc.OpGetResourceGroups, sid, nil)
	var groups rpc.ResourceGroupsPayload
	decodePayload(t, resp, &groups)
	if len(groups.ResourceGroups) != 1 || groups.ResourceGroups[0].Name != "renamed" {
		t.Fatalf("groups %v, want one named renamed", groups.ResourceGroups)
	}

	mustCall(t, s, rpc.OpRemoveResourceGroup, sid, rpc.RemoveResourceGroupArgs{ToolID: "git", URL: "rg1"})
	resp = mustCall(t, s, rpc.OpGetResourceGroups, sid, nil)
	decodePayload(t, resp, &groups)
	if len(groups.ResourceGroups) != 0 {
		t.Fatalf("groups %v after removal, want none", groups.ResourceGroups)
	}
}

func TestLinkLifecycle(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	addResources(t, s, sid, "/a", "/b")

	link := rpc.LinkRef{FromRes: refOf("/a"), ToRes: refOf("/b")}
	mustCall(t, s, rpc.OpLinkResources, sid, rpc.LinkArgs{Link: link})

	resp := call(t, s, rpc.OpLinkResources, sid, rpc.LinkArgs{
		Link: rpc.LinkRef{FromRes: refOf("/missing"), ToRes: refOf("/b")},
	})
	if resp.OK {
		t.Fatal("linking a missing resource succeeded")
	}

	pattern := model.ResourceRefPattern{ToolID: "git", ResourceGroupURL: "rg1", URLPattern: ".*"}
	resp = mustCall(t, s, rpc.OpGetLinks, sid, rpc.GetLinksArgs{
		Patterns: []model.ResourceLinkPattern{{FromRes: pattern, ToRes: pattern}},
	})
	var links rpc.LinksPayload
	decodePayload(t, resp, &links)
	if len(links.Links) != 1 {
		t.Fatalf("got %d links, want 1", len(links.Links))
	}
	if links.Links[0].FromRes.URL != "/a" || links.Links[0].ToRes.URL != "/b" {
		t.Fatalf("link endpoints %s -> %s, want /a -> /b",
			links.Links[0].FromRes.URL, links.Links[0].ToRes.URL)
	}

	mustCall(t, s, rpc.OpUnlinkResources, sid, rpc.LinkArgs{Link: link})
	resp = mustCall(t, s, rpc.OpGetLinks, sid, rpc.GetLinksArgs{
		Patterns: []model.ResourceLinkPattern{{FromRes: pattern, ToRes: pattern}},
	})
	decodePayload(t, resp, &links)
	if len(links.Links) != 0 {
		t.Fatalf("got %d links after unlink, want 0", len(links.Links))
	}
}

func TestDependencyGraph(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	addResources(t, s, sid, "/a", "/b", "/c")
	mustCall(t, s, rpc.OpLinkResources, sid, rpc.LinkArgs{Link: rpc.LinkRef{FromRes: refOf("/a"), ToRes: refOf("/b")}})
	mustCall(t, s, rpc.OpLinkResources, sid, rpc.LinkArgs{Link: rpc.LinkRef{FromRes: refOf("/b"), ToRes: refOf("/c")}})

	resp := mustCall(t, s, rpc.OpGetDependencyGraph, sid, rpc.DependencyGraphArgs{Resource: refOf("/c"), Upstream: true})
	var graph rpc.DependencyGraphPayload
	decodePayload(t, resp, &graph)
	if graph.Resource.URL != "/c" {
		t.Fatalf("graph root %s, want /c", graph.Resource.URL)
	}
	if len(graph.Links) != 2 {
		t.Fatalf("graph has %d links, want 2", len(graph.Links))
	}

	resp = call(t, s, rpc.OpGetDependencyGraph, sid, rpc.DependencyGraphArgs{Resource: refOf("/missing")})
	if resp.OK {
		t.Fatal("dependency graph for missing resource succeeded")
	}
}

func TestUnknownOperation(t *testing.T) {
	s := setupServer(t)
	resp := s.Handle(&rpc.Request{Operation: "Bogus"})
	if resp.OK || !strings.Contains(resp.Msg, "unknown operation") {
		t.Fatalf("response %+v, want unknown operation failure", resp)
	}
}

func TestSessionSweeper(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")

	s.sweepSessions(time.Now().Add(30 * time.Minute))
	mustCall(t, s, rpc.OpPing, sid, nil)

	s.sweepSessions(time.Now().Add(2 * time.Hour))
	resp := call(t, s, rpc.OpPing, sid, nil)
	if resp.OK {
		t.Fatal("session survived past its idle timeout")
	}
}

func authzServer(t *testing.T) *Server {
	t.Helper()
	rules := map[string][]string{
		"reader": {
			"CapResGroupRead(*, *)",
			"CapResourceRead(*, *, *)",
			"CapLinkRead(*, *, *, *, *, *)",
			"CapBranchList()",
		},
	}
	authorizer, err := auth.NewAuthorizer(true, rules, map[string][]string{
		"alice": {"reader", "CapResourceAdd(git, rg1, *)", "CapResGroupAdd(git, rg1)", "CapResGroupChange(git, rg1)", "CapResourceChange(git, rg1, *)"},
		"bob":   {"reader"},
	})
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	return setupServer(t, func(o *Options) { o.Authorizer = authorizer })
}

func TestAuthorizationEnforced(t *testing.T) {
	s := authzServer(t)
	alice := login(t, s, "alice", "secret")
	bob := login(t, s, "bob", "hunter2")

	// alice may add into rg1 but nowhere else.
	mustCall(t, s, rpc.OpAddResource, alice, rpc.AddResourceArgs{Resource: wireRes("/a")})
	other := wireRes("/x")
	other.ResourceGroupURL = "rg2"
	resp := call(t, s, rpc.OpAddResource, alice, rpc.AddResourceArgs{Resource: other})
	if resp.OK {
		t.Fatal("add outside granted group succeeded")
	}

	// bob reads but cannot write.
	resp = call(t, s, rpc.OpAddResource, bob, rpc.AddResourceArgs{Resource: wireRes("/b")})
	if resp.OK {
		t.Fatal("write by read-only user succeeded")
	}
	resp = mustCall(t, s, rpc.OpGetResources, bob, rpc.GetResourcesArgs{Patterns: allPattern()})
	var resources rpc.ResourcesPayload
	decodePayload(t, resp, &resources)
	if len(resources.Resources) != 1 {
		t.Fatalf("reader sees %d resources, want 1", len(resources.Resources))
	}

	// Neither may create branches.
	resp = call(t, s, rpc.OpCreateBranch, alice, rpc.CreateBranchArgs{BranchName: "feature"})
	if resp.OK {
		t.Fatal("branch creation without the capability succeeded")
	}
}
