package memjson

import (
	"errors"
	"testing"

	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/storage"
)

func setupTestDB(t *testing.T) (storage.DB, storage.Branch) {
	t.Helper()
	cfg := &storage.Config{
		Type:          "memjson",
		StateDir:      t.TempDir(),
		DefaultBranch: "main",
	}
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	branch, err := db.GetBranch("main")
	if err != nil {
		t.Fatalf("GetBranch(main): %v", err)
	}
	return db, branch
}

func ref(url string) model.ResourceRef {
	return model.ResourceRef{ToolID: "git", ResourceGroupURL: "rg1", URL: url}
}

func addResources(t *testing.T, b storage.Branch, urls ...string) {
	t.Helper()
	for _, url := range urls {
		res := &model.Resource{Name: url, ID: "id" + url, URL: url}
		if err := b.AddResource("git", "rg1", "group one", "v0", res); err != nil {
			t.Fatalf("AddResource(%s): %v", url, err)
		}
	}
}

func addLink(t *testing.T, b storage.Branch, fromURL, toURL string) {
	t.Helper()
	err := b.AddLink(&model.Link{FromRes: ref(fromURL), ToRes: ref(toURL)})
	if err != nil {
		t.Fatalf("AddLink(%s -> %s): %v", fromURL, toURL, err)
	}
}

func getLink(t *testing.T, b storage.Branch, fromURL, toURL string) *model.Link {
	t.Helper()
	links, err := b.GetAllLinks(true)
	if err != nil {
		t.Fatalf("GetAllLinks: %v", err)
	}
	for _, lw := range links {
		link := lw.ToLink()
		if link.FromRes == ref(fromURL) && link.ToRes == ref(toURL) {
			return link
		}
	}
	return nil
}

func updateGroup(t *testing.T, b storage.Branch, version string, changes ...*model.ResourceChange) []*model.Link {
	t.Helper()
	change := model.NewResourceGroupChange("group one", "git", "rg1", version)
	for _, rc := range changes {
		change.Resources[rc.URL] = rc
	}
	dirtied, err := b.UpdateResourceGroup(change)
	if err != nil {
		t.Fatalf("UpdateResourceGroup: %v", err)
	}
	return dirtied
}

func TestLinearChainDirtiness(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2", "/r3", "/r4", "/r5")
	addLink(t, b, "/r1", "/r2")
	addLink(t, b, "/r2", "/r3")
	addLink(t, b, "/r3", "/r4")
	addLink(t, b, "/r4", "/r5")

	dirtied := updateGroup(t, b, "v1", &model.ResourceChange{
		URL: "/r2", Name: "/r2", ID: "id/r2", ChangeType: model.ChangeModified,
	})
	if len(dirtied) != 1 || dirtied[0].FromRes != ref("/r2") {
		t.Fatalf("dirtied = %v, want exactly link r2->r3", dirtied)
	}

	l23 := getLink(t, b, "/r2", "/r3")
	if !l23.Dirty || l23.LastCleanVersion != "v0" {
		t.Errorf("r2->r3: dirty=%v lastClean=%q, want dirty with lastClean v0", l23.Dirty, l23.LastCleanVersion)
	}
	for _, pair := range [][2]string{{"/r3", "/r4"}, {"/r4", "/r5"}} {
		link := getLink(t, b, pair[0], pair[1])
		if link.Dirty {
			t.Errorf("%s->%s dirty, want inferred only", pair[0], pair[1])
		}
		if len(link.Inferred) != 1 || link.Inferred[0].Source != ref("/r2") || link.Inferred[0].LastCleanVersion != "v0" {
			t.Errorf("%s->%s inferred = %+v, want (r2, v0)", pair[0], pair[1], link.Inferred)
		}
	}
	if link := getLink(t, b, "/r1", "/r2"); link.Dirty || len(link.Inferred) != 0 {
		t.Errorf("upstream link r1->r2 affected: %+v", link)
	}
}

func TestCleanWithPropagation(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2", "/r3", "/r4", "/r5")
	addLink(t, b, "/r1", "/r2")
	addLink(t, b, "/r2", "/r3")
	addLink(t, b, "/r3", "/r4")
	addLink(t, b, "/r4", "/r5")
	updateGroup(t, b, "v1", &model.ResourceChange{
		URL: "/r2", Name: "/r2", ID: "id/r2", ChangeType: model.ChangeModified,
	})

	cleaned, err := b.MarkLinksClean([]model.LinkKey{{From: ref("/r2"), To: ref("/r3")}}, true)
	if err != nil {
		t.Fatalf("MarkLinksClean: %v", err)
	}
	if len(cleaned) != 1 {
		t.Fatalf("cleaned %d links, want 1", len(cleaned))
	}

	if link := getLink(t, b, "/r2", "/r3"); link.Dirty || link.LastCleanVersion != "" {
		t.Errorf("r2->r3 not clean: %+v", link)
	}
	for _, pair := range [][2]string{{"/r3", "/r4"}, {"/r4", "/r5"}} {
		if link := getLink(t, b, pair[0], pair[1]); len(link.Inferred) != 0 {
			t.Errorf("%s->%s inferred not cleared: %+v", pair[0], pair[1], link.Inferred)
		}
	}

	dirty, err := b.GetDirtyLinks("git", "rg1", true)
	if err != nil {
		t.Fatalf("GetDirtyLinks: %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("GetDirtyLinks returned %d links after clean, want 0", len(dirty))
	}
}

func TestFolderPrefixDirtiness(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/folder/", "/x", "/folderX/")
	addLink(t, b, "/folder/", "/x")
	addLink(t, b, "/folderX/", "/x")

	dirtied := updateGroup(t, b, "v1", &model.ResourceChange{
		URL: "/folder/a.c", Name: "a.c", ID: "id-a", ChangeType: model.ChangeAdded,
	})
	if len(dirtied) != 1 || dirtied[0].FromRes != ref("/folder/") {
		t.Fatalf("dirtied = %v, want exactly the folder link", dirtied)
	}
	link := getLink(t, b, "/folder/", "/x")
	if !link.Dirty || link.LastCleanVersion != "v0" {
		t.Errorf("folder link: dirty=%v lastClean=%q, want dirty at v0", link.Dirty, link.LastCleanVersion)
	}
	if sibling := getLink(t, b, "/folderX/", "/x"); sibling.Dirty {
		t.Errorf("sibling folder link dirtied by /folder/a.c")
	}
}

func TestRenameDoesNotDirty(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2")
	addLink(t, b, "/r1", "/r2")

	updateGroup(t, b, "v1", &model.ResourceChange{
		URL: "/r2", Name: "/r2", ID: "id/r2",
		NewURL: "/r2b", NewName: "/r2b", NewID: "id/r2",
		ChangeType: model.ChangeRenamed,
	})

	if link := getLink(t, b, "/r1", "/r2"); link != nil {
		t.Fatalf("link still points at old URL: %+v", link)
	}
	link := getLink(t, b, "/r1", "/r2b")
	if link == nil {
		t.Fatalf("link endpoint not rewritten to /r2b")
	}
	if link.Dirty {
		t.Errorf("pure rename dirtied the link")
	}

	groups, err := b.GetResources([]model.ResourceRefPattern{
		{ToolID: "git", ResourceGroupURL: "rg1", URLPattern: ".*"},
	}, false)
	if err != nil {
		t.Fatalf("GetResources: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("GetResources returned %d groups, want 1", len(groups))
	}
	if _, ok := groups[0].Resources["/r2"]; ok {
		t.Errorf("old URL /r2 still listed")
	}
	res, ok := groups[0].Resources["/r2b"]
	if !ok {
		t.Fatalf("new URL /r2b not listed")
	}
	if res.Name != "/r2b" {
		t.Errorf("renamed resource name = %q, want /r2b", res.Name)
	}
}

func TestModifiedWithRenameAlsoDirties(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2")
	addLink(t, b, "/r2", "/r1")

	dirtied := updateGroup(t, b, "v1", &model.ResourceChange{
		URL: "/r2", Name: "/r2", ID: "id/r2",
		NewURL: "/r2b", NewName: "/r2b", NewID: "id/r2",
		ChangeType: model.ChangeModified,
	})
	if len(dirtied) != 1 {
		t.Fatalf("dirtied %d links, want 1", len(dirtied))
	}
	link := getLink(t, b, "/r2b", "/r1")
	if link == nil || !link.Dirty {
		t.Errorf("modified-with-rename must rewrite and dirty the link, got %+v", link)
	}
}

func TestDeleteThenCleanReclaimsResource(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2")
	addLink(t, b, "/r1", "/r2")

	updateGroup(t, b, "v1", &model.ResourceChange{
		URL: "/r1", Name: "/r1", ID: "id/r1", ChangeType: model.ChangeRemoved,
	})

	link := getLink(t, b, "/r1", "/r2")
	if link == nil || !link.Dirty || !link.Deleted {
		t.Fatalf("removed-source link = %+v, want dirty tombstone", link)
	}

	pattern := []model.ResourceRefPattern{{ToolID: "git", ResourceGroupURL: "rg1", URLPattern: ".*"}}
	withDeleted, err := b.GetResources(pattern, true)
	if err != nil {
		t.Fatalf("GetResources: %v", err)
	}
	res := withDeleted[0].Resources["/r1"]
	if res == nil || !res.Deleted {
		t.Fatalf("tombstoned /r1 not retrievable with includeDeleted, got %+v", res)
	}
	liveOnly, err := b.GetResources(pattern, false)
	if err != nil {
		t.Fatalf("GetResources: %v", err)
	}
	if len(liveOnly) > 0 {
		if _, ok := liveOnly[0].Resources["/r1"]; ok {
			t.Errorf("deleted /r1 listed without includeDeleted")
		}
	}

	if _, err := b.MarkLinksClean([]model.LinkKey{{From: ref("/r1"), To: ref("/r2")}}, true); err != nil {
		t.Fatalf("MarkLinksClean: %v", err)
	}
	if link := getLink(t, b, "/r1", "/r2"); link != nil {
		t.Errorf("tombstoned link survived cleaning: %+v", link)
	}
	withDeleted, err = b.GetResources(pattern, true)
	if err != nil {
		t.Fatalf("GetResources: %v", err)
	}
	for _, rg := range withDeleted {
		if _, ok := rg.Resources["/r1"]; ok {
			t.Errorf("resource /r1 not reclaimed after clean")
		}
	}
}

func TestRemoveTargetDeletesLinkImmediately(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2")
	addLink(t, b, "/r1", "/r2")

	updateGroup(t, b, "v1", &model.ResourceChange{
		URL: "/r2", Name: "/r2", ID: "id/r2", ChangeType: model.ChangeRemoved,
	})
	if link := getLink(t, b, "/r1", "/r2"); link != nil {
		t.Errorf("link to removed target still present: %+v", link)
	}
}

func TestAddResourceIdempotent(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1")
	addResources(t, b, "/r1")

	groups, err := b.GetResources([]model.ResourceRefPattern{
		{ToolID: "git", ResourceGroupURL: "rg1", URLPattern: ".*"},
	}, false)
	if err != nil {
		t.Fatalf("GetResources: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Resources) != 1 {
		t.Errorf("duplicate AddResource changed the branch: %+v", groups)
	}
}

func TestLinkUnlinkRelink(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2")
	addLink(t, b, "/r1", "/r2")

	key := model.LinkKey{From: ref("/r1"), To: ref("/r2")}
	if err := b.RemoveLink(key); err != nil {
		t.Fatalf("RemoveLink: %v", err)
	}
	if link := getLink(t, b, "/r1", "/r2"); link != nil {
		t.Fatalf("link present after unlink")
	}
	addLink(t, b, "/r1", "/r2")
	link := getLink(t, b, "/r1", "/r2")
	if link == nil || link.Deleted || link.Dirty {
		t.Errorf("relinked link = %+v, want live and clean", link)
	}
}

func TestDependencyGraph(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2", "/r3", "/r4")
	addLink(t, b, "/r1", "/r2")
	addLink(t, b, "/r2", "/r3")
	addLink(t, b, "/r3", "/r4")

	downstream, err := b.GetDependencyGraph(ref("/r1"), false, 0)
	if err != nil {
		t.Fatalf("GetDependencyGraph: %v", err)
	}
	if len(downstream) != 3 {
		t.Errorf("unbounded downstream walk found %d links, want 3", len(downstream))
	}

	bounded, err := b.GetDependencyGraph(ref("/r1"), false, 2)
	if err != nil {
		t.Fatalf("GetDependencyGraph: %v", err)
	}
	if len(bounded) != 2 {
		t.Errorf("depth-2 walk found %d links, want 2", len(bounded))
	}

	upstream, err := b.GetDependencyGraph(ref("/r4"), true, 0)
	if err != nil {
		t.Fatalf("GetDependencyGraph: %v", err)
	}
	if len(upstream) != 3 {
		t.Errorf("upstream walk found %d links, want 3", len(upstream))
	}
}

func TestDependencyGraphCycleSafe(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2", "/r3")
	addLink(t, b, "/r1", "/r2")
	addLink(t, b, "/r2", "/r3")
	addLink(t, b, "/r3", "/r1")

	links, err := b.GetDependencyGraph(ref("/r1"), false, 0)
	if err != nil {
		t.Fatalf("GetDependencyGraph: %v", err)
	}
	if len(links) != 3 {
		t.Errorf("cyclic walk found %d links, want 3", len(links))
	}
}

func TestTagBranchRoundTrip(t *testing.T) {
	db, b := setupTestDB(t)
	addResources(t, b, "/r1", "/r2")
	addLink(t, b, "/r1", "/r2")
	updateGroup(t, b, "v1", &model.ResourceChange{
		URL: "/r1", Name: "/r1", ID: "id/r1", ChangeType: model.ChangeModified,
	})
	if err := b.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	if err := db.CreateTag("release-1", "main"); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if err := db.CreateBranch("feature", "release-1"); err != nil {
		t.Fatalf("CreateBranch from tag: %v", err)
	}

	feature, err := db.GetBranch("feature")
	if err != nil {
		t.Fatalf("GetBranch(feature): %v", err)
	}
	links, err := feature.GetAllLinks(true)
	if err != nil {
		t.Fatalf("GetAllLinks: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("forked branch has %d links, want 1", len(links))
	}
	if !links[0].Dirty || links[0].LastCleanVersion != "v0" {
		t.Errorf("forked branch lost dirtiness state: %+v", links[0])
	}

	// The fork advances independently of main.
	if _, err := feature.MarkLinksClean([]model.LinkKey{{From: ref("/r1"), To: ref("/r2")}}, true); err != nil {
		t.Fatalf("MarkLinksClean on fork: %v", err)
	}
	if link := getLink(t, b, "/r1", "/r2"); !link.Dirty {
		t.Errorf("cleaning the fork changed main")
	}
}

func TestTagIsImmutable(t *testing.T) {
	db, b := setupTestDB(t)
	addResources(t, b, "/r1")
	if err := b.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := db.CreateTag("pinned", "main"); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	tag, err := db.GetBranch("pinned")
	if err != nil {
		t.Fatalf("GetBranch(pinned): %v", err)
	}
	err = tag.AddResource("git", "rg1", "group one", "v0", &model.Resource{Name: "x", ID: "x", URL: "/x"})
	if !errors.Is(err, storage.ErrTagImmutable) {
		t.Errorf("mutating a tag returned %v, want ErrTagImmutable", err)
	}
	if err := tag.SaveState(); !errors.Is(err, storage.ErrTagImmutable) {
		t.Errorf("saving a tag returned %v, want ErrTagImmutable", err)
	}
}

func TestBranchAndTagNamesShareOneNamespace(t *testing.T) {
	db, b := setupTestDB(t)
	addResources(t, b, "/r1")
	if err := b.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := db.CreateTag("rel", "main"); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if err := db.CreateBranch("dev", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	if err := db.CreateBranch("dev", "main"); !errors.Is(err, storage.ErrBranchExists) {
		t.Errorf("duplicate branch name returned %v, want ErrBranchExists", err)
	}
	if err := db.CreateTag("rel", "main"); !errors.Is(err, storage.ErrBranchExists) {
		t.Errorf("duplicate tag name returned %v, want ErrBranchExists", err)
	}
	if err := db.CreateBranch("rel", "main"); !errors.Is(err, storage.ErrBranchExists) {
		t.Errorf("branch over a tag name returned %v, want ErrBranchExists", err)
	}
	if err := db.CreateTag("dev", "main"); !errors.Is(err, storage.ErrBranchExists) {
		t.Errorf("tag over a branch name returned %v, want ErrBranchExists", err)
	}

	// The tag must still resolve read-only under its own name.
	tag, err := db.GetBranch("rel")
	if err != nil {
		t.Fatalf("GetBranch(rel): %v", err)
	}
	if !tag.IsTag() {
		t.Fatal("rel no longer resolves to a tag")
	}
	err = tag.AddResource("git", "rg1", "group one", "v0", &model.Resource{Name: "x", ID: "x", URL: "/x"})
	if !errors.Is(err, storage.ErrTagImmutable) {
		t.Errorf("writing through the tag name returned %v, want ErrTagImmutable", err)
	}
}

func TestBulkAddVersionValidation(t *testing.T) {
	_, b := setupTestDB(t)
	addResources(t, b, "/r1")

	stale := model.NewResourceGroup("group one", "git", "rg1", "v-stale")
	stale.AddResource(&model.Resource{Name: "/r9", ID: "id/r9", URL: "/r9"})
	err := b.BulkAdd([]*model.ResourceGroup{stale}, nil)
	if !errors.Is(err, storage.ErrVersionMismatch) {
		t.Fatalf("BulkAdd with stale version returned %v, want ErrVersionMismatch", err)
	}

	fresh := model.NewResourceGroup("group one", "git", "rg1", "v0")
	fresh.AddResource(&model.Resource{Name: "/r9", ID: "id/r9", URL: "/r9"})
	fresh.AddResource(&model.Resource{Name: "/r10", ID: "id/r10", URL: "/r10"})
	links := []*model.Link{{FromRes: ref("/r9"), ToRes: ref("/r10")}}
	if err := b.BulkAdd([]*model.ResourceGroup{fresh}, links); err != nil {
		t.Fatalf("BulkAdd: %v", err)
	}
	if link := getLink(t, b, "/r9", "/r10"); link == nil {
		t.Errorf("bulk-added link missing")
	}
}

func TestSnapshotReload(t *testing.T) {
	stateDir := t.TempDir()
	cfg := &storage.Config{Type: "memjson", StateDir: stateDir, DefaultBranch: "main"}
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := db.GetBranch("main")
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	addResources(t, b, "/r1", "/r2")
	addLink(t, b, "/r1", "/r2")
	updateGroup(t, b, "v1", &model.ResourceChange{
		URL: "/r1", Name: "/r1", ID: "id/r1", ChangeType: model.ChangeModified,
	})
	if err := b.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rb, err := reopened.GetBranch("main")
	if err != nil {
		t.Fatalf("GetBranch after reload: %v", err)
	}
	links, err := rb.GetAllLinks(true)
	if err != nil {
		t.Fatalf("GetAllLinks: %v", err)
	}
	if len(links) != 1 || !links[0].Dirty || links[0].LastCleanVersion != "v0" {
		t.Errorf("reloaded link state wrong: %+v", links)
	}
	version, err := rb.GetLastKnownVersion("git", "rg1")
	if err != nil || version != "v1" {
		t.Errorf("reloaded version = %q (%v), want v1", version, err)
	}
}

func TestUpdateUnknownGroupIgnored(t *testing.T) {
	_, b := setupTestDB(t)
	change := model.NewResourceGroupChange("ghost", "git", "ghost-rg", "v1")
	change.Resources["/a"] = &model.ResourceChange{URL: "/a", ChangeType: model.ChangeAdded}
	dirtied, err := b.UpdateResourceGroup(change)
	if err != nil {
		t.Fatalf("UpdateResourceGroup: %v", err)
	}
	if len(dirtied) != 0 {
		t.Errorf("update of unknown group dirtied %d links", len(dirtied))
	}
	if _, err := b.GetResourceGroup("git", "ghost-rg"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown group was created by update")
	}
}
