package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vu-isis/depi/internal/auth"
	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/rpc"
)

// startStream runs a streaming operation in the background and exposes
// its frames on a channel. The channel closes when the handler returns.
func startStream(t *testing.T, s *Server, op, sessionID string, args any) <-chan rpc.Response {
	t.Helper()
	req := &rpc.Request{Operation: op, SessionID: sessionID}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("marshaling %s args: %v", op, err)
		}
		req.Args = data
	}
	frames := make(chan rpc.Response, 64)
	go func() {
		s.HandleStream(req, func(resp rpc.Response) bool {
			frames <- resp
			return true
		})
		close(frames)
	}()
	return frames
}

func nextFrame(t *testing.T, frames <-chan rpc.Response) rpc.Response {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("stream closed while waiting for a frame")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream frame")
	}
	return rpc.Response{}
}

// waitFor polls until the stream handler has installed its watch; the
// handler runs in its own goroutine, so the flag flips asynchronously.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sessionWatching(s *Server, sessionID string, get func(*Session) bool) func() bool {
	return func() bool {
		sess := s.session(sessionID)
		if sess == nil {
			return false
		}
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return get(sess)
	}
}

func modifiedChange(url string) model.ResourceChange {
	return model.ResourceChange{Name: url, ID: "id" + url, URL: url, ChangeType: model.ChangeModified}
}

func TestUpdateResourceGroupDirtiesLinks(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	addResources(t, s, sid, "/a", "/b")
	mustCall(t, s, rpc.OpLinkResources, sid, rpc.LinkArgs{Link: rpc.LinkRef{FromRes: refOf("/a"), ToRes: refOf("/b")}})

	mustCall(t, s, rpc.OpUpdateResourceGroup, sid, rpc.UpdateResourceGroupArgs{
		ResourceGroup: rpc.ResourceGroupChange{
			Name: "group one", ToolID: "git", URL: "rg1", Version: "v1",
			Resources: []model.ResourceChange{modifiedChange("/a")},
		},
	})

	resp := mustCall(t, s, rpc.OpGetLastKnownVersion, sid, rpc.LastKnownVersionArgs{ToolID: "git", URL: "rg1"})
	var version rpc.LastKnownVersionPayload
	decodePayload(t, resp, &version)
	if version.Version != "v1" {
		t.Fatalf("group version %q after update, want v1", version.Version)
	}

	resp = mustCall(t, s, rpc.OpGetDirtyLinks, sid, rpc.GetDirtyLinksArgs{ToolID: "git", URL: "rg1"})
	var dirty rpc.DirtyLinksPayload
	decodePayload(t, resp, &dirty)
	if len(dirty.Links) != 1 || !dirty.Links[0].Dirty {
		t.Fatalf("dirty links %v, want one dirty link", dirty.Links)
	}
	if dirty.Resources[0].URL != "/b" {
		t.Fatalf("dirty target %s, want /b", dirty.Resources[0].URL)
	}

	mustCall(t, s, rpc.OpMarkLinksClean, sid, rpc.MarkLinksCleanArgs{
		Links: []rpc.LinkRef{{FromRes: refOf("/a"), ToRes: refOf("/b")}},
	})
	resp = mustCall(t, s, rpc.OpGetDirtyLinks, sid, rpc.GetDirtyLinksArgs{ToolID: "git", URL: "rg1"})
	decodePayload(t, resp, &dirty)
	if len(dirty.Links) != 0 {
		t.Fatalf("dirty links %v after cleaning, want none", dirty.Links)
	}
}

func TestWatchDepiSeesGroupUpdate(t *testing.T) {
	s := setupServer(t)
	actor := login(t, s, "alice", "secret")
	watcher := login(t, s, "alice", "secret")
	addResources(t, s, actor, "/a", "/b")
	mustCall(t, s, rpc.OpLinkResources, actor, rpc.LinkArgs{Link: rpc.LinkRef{FromRes: refOf("/a"), ToRes: refOf("/b")}})

	frames := startStream(t, s, rpc.OpWatchDepi, watcher, nil)
	waitFor(t, "depi watch", sessionWatching(s, watcher, func(sess *Session) bool { return sess.watchingDepi }))

	mustCall(t, s, rpc.OpUpdateResourceGroup, actor, rpc.UpdateResourceGroupArgs{
		ResourceGroup: rpc.ResourceGroupChange{
			Name: "group one", ToolID: "git", URL: "rg1", Version: "v1",
			Resources: []model.ResourceChange{modifiedChange("/a")},
		},
	})

	frame := nextFrame(t, frames)
	var upd rpc.DepiUpdate
	decodePayload(t, frame, &upd)
	if len(upd.Updates) != 2 {
		t.Fatalf("got %d updates, want modify plus dirty", len(upd.Updates))
	}
	if upd.Updates[0].Type != rpc.UpdateModifyResource || upd.Updates[0].Resource.URL != "/a" {
		t.Fatalf("first update %+v, want ModifyResource /a", upd.Updates[0])
	}
	if upd.Updates[1].Type != rpc.UpdateMarkLinkDirty || !upd.Updates[1].Link.Dirty {
		t.Fatalf("second update %+v, want a dirty MarkLinkDirty link", upd.Updates[1])
	}
	if upd.Updates[1].Link.FromRes.URL != "/a" || upd.Updates[1].Link.ToRes.URL != "/b" {
		t.Fatalf("dirtied link %s -> %s, want /a -> /b",
			upd.Updates[1].Link.FromRes.URL, upd.Updates[1].Link.ToRes.URL)
	}

	mustCall(t, s, rpc.OpUnwatchDepi, watcher, nil)
	end := nextFrame(t, frames)
	if !end.End {
		t.Fatalf("frame after unwatch %+v, want terminal frame", end)
	}
}

func TestRegisterCallbackNotifiesWatchedGroup(t *testing.T) {
	s := setupServer(t)
	actor := login(t, s, "alice", "secret")
	watcher := login(t, s, "bob", "hunter2")
	addResources(t, s, actor, "/a", "/b")
	mustCall(t, s, rpc.OpLinkResources, actor, rpc.LinkArgs{Link: rpc.LinkRef{FromRes: refOf("/a"), ToRes: refOf("/b")}})

	mustCall(t, s, rpc.OpWatchResourceGroup, watcher, rpc.WatchGroupArgs{ToolID: "git", URL: "rg1"})
	frames := startStream(t, s, rpc.OpRegisterCallback, watcher, nil)
	waitFor(t, "resource watch", sessionWatching(s, watcher, func(sess *Session) bool { return sess.watchingResources }))

	mustCall(t, s, rpc.OpUpdateResourceGroup, actor, rpc.UpdateResourceGroupArgs{
		ResourceGroup: rpc.ResourceGroupChange{
			Name: "group one", ToolID: "git", URL: "rg1", Version: "v1",
			Resources: []model.ResourceChange{modifiedChange("/a")},
		},
	})

	frame := nextFrame(t, frames)
	var ru rpc.ResourceUpdate
	decodePayload(t, frame, &ru)
	if ru.WatchedResource.URL != "/b" || ru.UpdatedResource.URL != "/a" {
		t.Fatalf("callback %s dirtied by %s, want /b dirtied by /a",
			ru.WatchedResource.URL, ru.UpdatedResource.URL)
	}
}

func TestUpdateDepiBatch(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")

	resA, resB := wireRes("/a"), wireRes("/b")
	link := rpc.ResourceLink{FromRes: resA, ToRes: resB}
	mustCall(t, s, rpc.OpUpdateDepi, sid, rpc.UpdateDepiArgs{Updates: []rpc.Update{
		{Type: rpc.UpdateAddResource, Resource: &resA},
		{Type: rpc.UpdateAddResource, Resource: &resB},
		{Type: rpc.UpdateAddLink, Link: &link},
		{Type: rpc.UpdateMarkLinkDirty, Link: &link}, // unsupported in a batch, skipped
	}})

	resp := mustCall(t, s, rpc.OpGetResources, sid, rpc.GetResourcesArgs{Patterns: allPattern()})
	var resources rpc.ResourcesPayload
	decodePayload(t, resp, &resources)
	if len(resources.Resources) != 2 {
		t.Fatalf("got %d resources, want 2", len(resources.Resources))
	}

	pattern := model.ResourceRefPattern{ToolID: "git", ResourceGroupURL: "rg1", URLPattern: ".*"}
	resp = mustCall(t, s, rpc.OpGetLinks, sid, rpc.GetLinksArgs{
		Patterns: []model.ResourceLinkPattern{{FromRes: pattern, ToRes: pattern}},
	})
	var links rpc.LinksPayload
	decodePayload(t, resp, &links)
	if len(links.Links) != 1 || links.Links[0].Dirty {
		t.Fatalf("links %v, want one clean link", links.Links)
	}
}

func TestUpdateResourceGroupDropsUnauthorizedChanges(t *testing.T) {
	authorizer, err := auth.NewAuthorizer(true, nil, map[string][]string{
		"alice": {
			"CapResGroupAdd(git, rg1)",
			"CapResourceAdd(git, rg1, *)",
			"CapLinkAdd(*, *, *, *, *, *)",
			"CapResGroupChange(git, rg1)",
			"CapResourceChange(git, rg1, /ok*)",
			"CapResGroupRead(*, *)",
			"CapResourceRead(*, *, *)",
			"CapLinkRead(*, *, *, *, *, *)",
		},
	})
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	s := setupServer(t, func(o *Options) { o.Authorizer = authorizer })
	sid := login(t, s, "alice", "secret")
	addResources(t, s, sid, "/ok", "/t1", "/bad", "/t2")
	mustCall(t, s, rpc.OpLinkResources, sid, rpc.LinkArgs{Link: rpc.LinkRef{FromRes: refOf("/ok"), ToRes: refOf("/t1")}})
	mustCall(t, s, rpc.OpLinkResources, sid, rpc.LinkArgs{Link: rpc.LinkRef{FromRes: refOf("/bad"), ToRes: refOf("/t2")}})

	mustCall(t, s, rpc.OpUpdateResourceGroup, sid, rpc.UpdateResourceGroupArgs{
		ResourceGroup: rpc.ResourceGroupChange{
			Name: "group one", ToolID: "git", URL: "rg1", Version: "v1",
			Resources: []model.ResourceChange{modifiedChange("/ok"), modifiedChange("/bad")},
		},
	})

	resp := mustCall(t, s, rpc.OpGetDirtyLinks, sid, rpc.GetDirtyLinksArgs{ToolID: "git", URL: "rg1"})
	var dirty rpc.DirtyLinksPayload
	decodePayload(t, resp, &dirty)
	if len(dirty.Links) != 1 {
		t.Fatalf("got %d dirty links, want only the authorized change applied", len(dirty.Links))
	}
	if dirty.Links[0].FromRes.URL != "/ok" {
		t.Fatalf("dirty link from %s, want /ok", dirty.Links[0].FromRes.URL)
	}
}
