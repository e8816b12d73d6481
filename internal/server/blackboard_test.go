package server

import (
	"testing"

	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/rpc"
)

func stageResources(t *testing.T, s *Server, sid string, resources ...rpc.Resource) {
	t.Helper()
	mustCall(t, s, rpc.OpAddResourcesToBlackboard, sid, rpc.BlackboardResourcesArgs{Resources: resources})
}

func stageLink(t *testing.T, s *Server, sid string, from, to model.ResourceRef) {
	t.Helper()
	mustCall(t, s, rpc.OpLinkBlackboardResources, sid, rpc.BlackboardLinksArgs{
		Links: []rpc.LinkRef{{FromRes: from, ToRes: to}},
	})
}

func blackboardContent(t *testing.T, s *Server, sid string) rpc.BlackboardPayload {
	t.Helper()
	resp := mustCall(t, s, rpc.OpGetBlackboardResources, sid, nil)
	var payload rpc.BlackboardPayload
	decodePayload(t, resp, &payload)
	return payload
}

func TestBlackboardStaging(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")

	stageResources(t, s, sid, wireRes("/a"), wireRes("/b"))
	stageLink(t, s, sid, refOf("/a"), refOf("/b"))

	bb := blackboardContent(t, s, sid)
	if len(bb.Resources) != 2 || len(bb.Links) != 1 {
		t.Fatalf("staged %d resources and %d links, want 2 and 1", len(bb.Resources), len(bb.Links))
	}

	// Staging is per user; bob's blackboard stays empty.
	other := login(t, s, "bob", "hunter2")
	if bb := blackboardContent(t, s, other); len(bb.Resources) != 0 {
		t.Fatalf("bob's blackboard has %d resources, want none", len(bb.Resources))
	}

	resp := call(t, s, rpc.OpLinkBlackboardResources, sid, rpc.BlackboardLinksArgs{
		Links: []rpc.LinkRef{{FromRes: refOf("/missing"), ToRes: refOf("/b")}},
	})
	if resp.OK {
		t.Fatal("linking an unstaged resource succeeded")
	}
	if resp.Msg != "Invalid from resource" {
		t.Fatalf("message %q, want Invalid from resource", resp.Msg)
	}

	mustCall(t, s, rpc.OpRemoveResourcesFromBlackboard, sid, rpc.BlackboardRefsArgs{Refs: []model.ResourceRef{refOf("/a")}})
	bb = blackboardContent(t, s, sid)
	if len(bb.Resources) != 2 {
		// /a is gone from the stage but the staged link still carries it.
		t.Fatalf("staged %d resources after removal, want the link endpoints", len(bb.Resources))
	}
}

func TestSaveBlackboardPromotesStage(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	bbWatcher := login(t, s, "alice", "secret")
	depiWatcher := login(t, s, "bob", "hunter2")

	// "x" is staged without its leading separator; the save normalizes
	// it to "/x" before promotion.
	stageResources(t, s, sid, wireRes("x"), wireRes("/y"))
	stageLink(t, s, sid,
		model.ResourceRef{ToolID: "git", ResourceGroupURL: "rg1", URL: "x"},
		refOf("/y"))

	depiFrames := startStream(t, s, rpc.OpWatchDepi, depiWatcher, nil)
	waitFor(t, "depi watch", sessionWatching(s, depiWatcher, func(sess *Session) bool { return sess.watchingDepi }))
	bbFrames := startStream(t, s, rpc.OpWatchBlackboard, bbWatcher, nil)
	waitFor(t, "blackboard watch", sessionWatching(s, bbWatcher, func(sess *Session) bool { return sess.watchingBlackboard }))

	mustCall(t, s, rpc.OpSaveBlackboard, sid, nil)

	// Registry watchers see the promoted resources, then the link.
	frame := nextFrame(t, depiFrames)
	var upd rpc.DepiUpdate
	decodePayload(t, frame, &upd)
	if len(upd.Updates) != 3 {
		t.Fatalf("save announced %d updates, want 3", len(upd.Updates))
	}
	promoted := map[string]bool{}
	for _, u := range upd.Updates[:2] {
		if u.Type != rpc.UpdateAddResource {
			t.Fatalf("update %+v, want AddResource", u)
		}
		promoted[u.Resource.URL] = true
	}
	if !promoted["/x"] || !promoted["/y"] {
		t.Fatalf("promoted %v, want /x and /y", promoted)
	}
	if upd.Updates[2].Type != rpc.UpdateAddLink {
		t.Fatalf("last update %+v, want AddLink", upd.Updates[2])
	}
	if upd.Updates[2].Link.FromRes.URL != "/x" || upd.Updates[2].Link.ToRes.URL != "/y" {
		t.Fatalf("promoted link %s -> %s, want /x -> /y",
			upd.Updates[2].Link.FromRes.URL, upd.Updates[2].Link.ToRes.URL)
	}

	// The user's watching sessions see the stage roll back.
	frame = nextFrame(t, bbFrames)
	var bbUpd rpc.BlackboardUpdate
	decodePayload(t, frame, &bbUpd)
	if len(bbUpd.Updates) != 3 {
		t.Fatalf("stage rollback announced %d updates, want 3", len(bbUpd.Updates))
	}
	if bbUpd.Updates[2].Type != rpc.UpdateRemoveLink {
		t.Fatalf("last rollback update %+v, want RemoveLink", bbUpd.Updates[2])
	}

	resp := mustCall(t, s, rpc.OpGetResources, sid, rpc.GetResourcesArgs{Patterns: allPattern()})
	var resources rpc.ResourcesPayload
	decodePayload(t, resp, &resources)
	if len(resources.Resources) != 2 {
		t.Fatalf("main has %d resources after save, want 2", len(resources.Resources))
	}

	if bb := blackboardContent(t, s, sid); len(bb.Resources) != 0 || len(bb.Links) != 0 {
		t.Fatalf("stage not cleared after save: %+v", bb)
	}
}

func TestSaveBlackboardVersionMismatch(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	addResources(t, s, sid, "/a")

	staged := wireRes("/c")
	staged.ResourceGroupVersion = "v1"
	stageResources(t, s, sid, staged)

	resp := call(t, s, rpc.OpSaveBlackboard, sid, nil)
	if resp.OK {
		t.Fatal("save with stale group version succeeded")
	}
	want := "Resource version in blackboard v1 does not match resource version in Depi v0"
	if resp.Msg != want {
		t.Fatalf("message %q, want %q", resp.Msg, want)
	}

	// The stage survives a failed save.
	if bb := blackboardContent(t, s, sid); len(bb.Resources) != 1 {
		t.Fatalf("stage has %d resources after failed save, want 1", len(bb.Resources))
	}
}

func TestUnlinkBlackboardPendingDeletion(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	watcher := login(t, s, "alice", "secret")

	stageResources(t, s, sid, wireRes("/a"), wireRes("/b"))
	stageLink(t, s, sid, refOf("/a"), refOf("/b"))

	frames := startStream(t, s, rpc.OpWatchBlackboard, watcher, nil)
	waitFor(t, "blackboard watch", sessionWatching(s, watcher, func(sess *Session) bool { return sess.watchingBlackboard }))

	mustCall(t, s, rpc.OpUnlinkBlackboardResources, sid, rpc.BlackboardLinksArgs{
		Links: []rpc.LinkRef{{FromRes: refOf("/a"), ToRes: refOf("/b")}},
	})
	frame := nextFrame(t, frames)
	var upd rpc.BlackboardUpdate
	decodePayload(t, frame, &upd)
	if len(upd.Updates) != 1 || upd.Updates[0].Type != rpc.UpdateRemoveLink {
		t.Fatalf("unlink announced %+v, want one RemoveLink", upd.Updates)
	}
	if bb := blackboardContent(t, s, sid); len(bb.Links) != 0 {
		t.Fatalf("stage still lists %d links after unlink", len(bb.Links))
	}

	// Clearing rolls the pending deletion back for watchers.
	mustCall(t, s, rpc.OpClearBlackboard, sid, nil)
	frame = nextFrame(t, frames)
	decodePayload(t, frame, &upd)
	types := map[string]int{}
	for _, u := range upd.Updates {
		types[u.Type]++
	}
	if types[rpc.UpdateRemoveResource] != 2 || types[rpc.UpdateAddLink] != 1 {
		t.Fatalf("clear announced %v, want 2 RemoveResource and 1 AddLink", types)
	}
}

func TestMainBranchRenameReconcilesBlackboard(t *testing.T) {
	s := setupServer(t)
	sid := login(t, s, "alice", "secret")
	watcher := login(t, s, "alice", "secret")
	addResources(t, s, sid, "/a", "/b")

	stageResources(t, s, sid, wireRes("/a"), wireRes("/b"))
	stageLink(t, s, sid, refOf("/a"), refOf("/b"))

	frames := startStream(t, s, rpc.OpWatchBlackboard, watcher, nil)
	waitFor(t, "blackboard watch", sessionWatching(s, watcher, func(sess *Session) bool { return sess.watchingBlackboard }))

	mustCall(t, s, rpc.OpUpdateResourceGroup, sid, rpc.UpdateResourceGroupArgs{
		ResourceGroup: rpc.ResourceGroupChange{
			Name: "group one", ToolID: "git", URL: "rg1", Version: "v1",
			Resources: []model.ResourceChange{{
				Name: "/a", ID: "id/a", URL: "/a",
				NewName: "/a2", NewID: "id/a2", NewURL: "/a2",
				ChangeType: model.ChangeRenamed,
			}},
		},
	})

	frame := nextFrame(t, frames)
	var upd rpc.BlackboardUpdate
	decodePayload(t, frame, &upd)
	if len(upd.Updates) != 3 {
		t.Fatalf("reconcile announced %d updates, want version, link rename, resource rename", len(upd.Updates))
	}
	if upd.Updates[0].Type != rpc.UpdateVersionChanged {
		t.Fatalf("first update %+v, want ResourceGroupVersionChanged", upd.Updates[0])
	}
	vc := upd.Updates[0].VersionChange
	if vc.Version != "v0" || vc.NewVersion != "v1" {
		t.Fatalf("version change %s -> %s, want v0 -> v1", vc.Version, vc.NewVersion)
	}
	if upd.Updates[1].Type != rpc.UpdateRenameLink {
		t.Fatalf("second update %+v, want RenameLink", upd.Updates[1])
	}
	lr := upd.Updates[1].LinkRename
	if lr.FromRes.URL != "/a" || lr.NewFromRes.URL != "/a2" {
		t.Fatalf("link rename %s -> %s, want /a -> /a2", lr.FromRes.URL, lr.NewFromRes.URL)
	}
	if upd.Updates[2].Type != rpc.UpdateRenameResource || upd.Updates[2].Rename.NewURL != "/a2" {
		t.Fatalf("third update %+v, want RenameResource to /a2", upd.Updates[2])
	}

	// The stage itself now carries the renamed resource and link.
	bb := blackboardContent(t, s, sid)
	urls := map[string]bool{}
	for _, r := range bb.Resources {
		urls[r.URL] = true
	}
	if !urls["/a2"] || urls["/a"] {
		t.Fatalf("staged resources %v, want /a renamed to /a2", urls)
	}
	if len(bb.Links) != 1 || bb.Links[0].FromRes.URL != "/a2" {
		t.Fatalf("staged links %v, want one from /a2", bb.Links)
	}
}
