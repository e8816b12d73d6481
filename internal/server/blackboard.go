package server

import (
	"sort"

	"github.com/vu-isis/depi/internal/model"
)

// Blackboard is one user's staging area: resources and links assembled
// across tools before being promoted to the main branch in one save.
// Links removed from the stage are remembered as deletions so watchers
// can undo them when the stage is discarded. All access is serialized
// by the server's write lock.
type Blackboard struct {
	user         string
	groups       map[groupKey]*model.ResourceGroup
	changedLinks map[model.LinkKey]*model.LinkWithResources
	deletedLinks map[model.LinkKey]*model.LinkWithResources
}

// NewBlackboard returns an empty stage for the user.
func NewBlackboard(user string) *Blackboard {
	return &Blackboard{
		user:         user,
		groups:       map[groupKey]*model.ResourceGroup{},
		changedLinks: map[model.LinkKey]*model.LinkWithResources{},
		deletedLinks: map[model.LinkKey]*model.LinkWithResources{},
	}
}

// addResource stages a resource, creating its group entry on first
// use. Reports false when the resource is already staged.
func (bb *Blackboard) addResource(toolID, rgName, rgURL, rgVersion string, res *model.Resource) bool {
	key := groupKey{toolID: toolID, url: rgURL}
	g, ok := bb.groups[key]
	if !ok {
		g = model.NewResourceGroup(rgName, toolID, rgURL, rgVersion)
		bb.groups[key] = g
	}
	return g.AddResource(res)
}

// expand resolves a ref against the staged resources.
func (bb *Blackboard) expand(ref model.ResourceRef) (*model.ResourceGroup, *model.Resource, bool) {
	g, ok := bb.groups[groupKey{toolID: ref.ToolID, url: ref.ResourceGroupURL}]
	if !ok {
		return nil, nil, false
	}
	res := g.GetResource(ref.URL)
	if res == nil {
		return nil, nil, false
	}
	return g, res, true
}

// removeResource drops a staged resource.
func (bb *Blackboard) removeResource(ref model.ResourceRef) bool {
	g, ok := bb.groups[groupKey{toolID: ref.ToolID, url: ref.ResourceGroupURL}]
	if !ok {
		return false
	}
	return g.RemoveResource(ref.URL)
}

// link stages a link between two already-staged resources, cancelling
// a pending deletion of the same link. Reports false when the link is
// already staged.
func (bb *Blackboard) link(lw *model.LinkWithResources) bool {
	key := linkKeyOf(lw)
	delete(bb.deletedLinks, key)
	if _, ok := bb.changedLinks[key]; ok {
		return false
	}
	bb.changedLinks[key] = lw
	return true
}

// unlink moves a staged link to the deletion set.
func (bb *Blackboard) unlink(key model.LinkKey) (*model.LinkWithResources, bool) {
	lw, ok := bb.changedLinks[key]
	if !ok {
		return nil, false
	}
	delete(bb.changedLinks, key)
	bb.deletedLinks[key] = lw
	return lw, true
}

// stagedResources returns every staged resource with its group, in
// stable (toolId, groupURL, URL) order.
func (bb *Blackboard) stagedResources() []stagedResource {
	var out []stagedResource
	for _, g := range bb.groups {
		for _, res := range g.Resources {
			out = append(out, stagedResource{group: g, res: res})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.group.ToolID != b.group.ToolID {
			return a.group.ToolID < b.group.ToolID
		}
		if a.group.URL != b.group.URL {
			return a.group.URL < b.group.URL
		}
		return a.res.URL < b.res.URL
	})
	return out
}

// stagedLinks returns the staged links in stable endpoint order.
func (bb *Blackboard) stagedLinks() []*model.LinkWithResources {
	return sortedLinks(bb.changedLinks)
}

// pendingDeletions returns the links staged for deletion.
func (bb *Blackboard) pendingDeletions() []*model.LinkWithResources {
	return sortedLinks(bb.deletedLinks)
}

// empty reports whether nothing is staged.
func (bb *Blackboard) empty() bool {
	for _, g := range bb.groups {
		if len(g.Resources) > 0 {
			return false
		}
	}
	return len(bb.changedLinks) == 0 && len(bb.deletedLinks) == 0
}

type stagedResource struct {
	group *model.ResourceGroup
	res   *model.Resource
}

func linkKeyOf(lw *model.LinkWithResources) model.LinkKey {
	return model.LinkKey{
		From: lw.FromGroup.Ref(lw.FromRes.URL),
		To:   lw.ToGroup.Ref(lw.ToRes.URL),
	}
}

func sortedLinks(m map[model.LinkKey]*model.LinkWithResources) []*model.LinkWithResources {
	keys := make([]model.LinkKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.From != b.From {
			return lessRef(a.From, b.From)
		}
		return lessRef(a.To, b.To)
	})
	out := make([]*model.LinkWithResources, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func lessRef(a, b model.ResourceRef) bool {
	if a.ToolID != b.ToolID {
		return a.ToolID < b.ToolID
	}
	if a.ResourceGroupURL != b.ResourceGroupURL {
		return a.ResourceGroupURL < b.ResourceGroupURL
	}
	return a.URL < b.URL
}
