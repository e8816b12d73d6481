package memjson

import (
	"strings"

	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/storage"
)

// markLinkDirtyLocked flips the link dirty, pinning lastCleanVersion on
// the first transition, and pushes inferred dirtiness downstream. The
// walk follows links whose source equals the current target, inserting
// (source, origVersion) wherever it is not recorded yet; a visited set
// keyed on the target ref makes cycles terminate. Caller holds the
// lock.
func (b *Branch) markLinkDirtyLocked(link *model.Link, origVersion string) {
	if !link.Dirty {
		link.LastCleanVersion = origVersion
	}
	link.Dirty = true

	fromIndex := map[model.ResourceRef][]*model.Link{}
	for _, l := range b.links {
		fromIndex[l.FromRes] = append(fromIndex[l.FromRes], l)
	}

	visited := map[model.ResourceRef]bool{}
	queue := []model.ResourceRef{link.ToRes}
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		visited[cur] = true
		for _, downstream := range fromIndex[cur] {
			if downstream == link {
				continue
			}
			if downstream.AddInferred(link.FromRes, origVersion) {
				if !visited[downstream.ToRes] {
					queue = append(queue, downstream.ToRes)
				}
			}
		}
	}
}

// rewriteURL maps an endpoint URL through a rename of oldURL to newURL,
// covering both the renamed resource itself and path descendants.
func rewriteURL(url, oldURL, newURL, sep string) (string, bool) {
	if url == oldURL {
		return newURL, true
	}
	if model.MatchesPrefix(oldURL, url, sep) {
		return newURL + strings.TrimPrefix(url, oldURL), true
	}
	return url, false
}

// UpdateResourceGroup applies a tool-reported change set. Updates for
// groups the branch never saw are ignored. Returns the links dirtied by
// the change.
func (b *Branch) UpdateResourceGroup(change *model.ResourceGroupChange) ([]*model.Link, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return nil, err
	}

	rg := b.getGroupLocked(change.ToolID, change.URL)
	if rg == nil {
		return nil, nil
	}
	sep := b.db.cfg.Separator(change.ToolID)
	origVersion := rg.Version
	rg.Version = change.Version

	dirtySeen := map[model.LinkKey]bool{}
	var dirtied []*model.Link
	markDirty := func(link *model.Link) {
		b.markLinkDirtyLocked(link, origVersion)
		if !dirtySeen[link.Key()] {
			dirtySeen[link.Key()] = true
			dirtied = append(dirtied, link)
		}
	}

	for _, rc := range change.Resources {
		if rc.ChangeType == model.ChangeAdded || rc.ChangeType == model.ChangeModified {
			for _, link := range b.links {
				if link.FromMatches(rg.ToolID, rg.URL, rc.URL, sep) {
					markDirty(link)
				}
			}
		}

		switch {
		case rc.ChangeType == model.ChangeRenamed ||
			(rc.ChangeType == model.ChangeModified && rc.ChangesIdentity()):
			b.applyRenameLocked(rg, rc, sep)

		case rc.ChangeType == model.ChangeRemoved:
			b.applyRemoveLocked(rg, rc, sep, origVersion, markDirty)
		}
	}

	return dirtied, nil
}

// applyRenameLocked rewrites the renamed resource and every link
// endpoint and inferred source that referenced it, either exactly or as
// a path descendant. Pure renames never dirty anything. Caller holds
// the lock.
func (b *Branch) applyRenameLocked(rg *model.ResourceGroup, rc *model.ResourceChange, sep string) {
	newURL := rc.NewURL
	if newURL == "" {
		newURL = rc.URL
	}
	newName := rc.NewName
	if newName == "" {
		newName = rc.Name
	}
	newID := rc.NewID
	if newID == "" {
		newID = rc.ID
	}

	for _, link := range b.links {
		if link.FromRes.InGroup(rg.ToolID, rg.URL) {
			if url, ok := rewriteURL(link.FromRes.URL, rc.URL, newURL, sep); ok {
				link.FromRes.URL = url
			}
		}
		if link.ToRes.InGroup(rg.ToolID, rg.URL) {
			if url, ok := rewriteURL(link.ToRes.URL, rc.URL, newURL, sep); ok {
				link.ToRes.URL = url
			}
		}
		for i := range link.Inferred {
			src := &link.Inferred[i].Source
			if src.InGroup(rg.ToolID, rg.URL) {
				if url, ok := rewriteURL(src.URL, rc.URL, newURL, sep); ok {
					src.URL = url
				}
			}
		}
	}
	b.reindexLocked()

	if res, ok := rg.Resources[rc.URL]; ok {
		delete(rg.Resources, rc.URL)
		res.URL = newURL
		res.Name = newName
		res.ID = newID
		rg.Resources[newURL] = res
	}
}

// applyRemoveLocked handles a Removed change: inferred entries sourced
// from the resource are dropped, from-links are dirtied (and kept as
// tombstones pinning the resource), to-links are deleted immediately.
// The resource is physically removed unless a tombstoned from-link
// still needs it. Caller holds the lock.
func (b *Branch) applyRemoveLocked(rg *model.ResourceGroup, rc *model.ResourceChange, sep, origVersion string, markDirty func(*model.Link)) {
	removedRef := rg.Ref(rc.URL)
	for _, link := range b.links {
		link.RemoveInferred(removedRef)
	}

	removeResource := true
	var linksToRemove []*model.Link
	for _, link := range b.links {
		if link.FromMatches(rg.ToolID, rg.URL, rc.URL, sep) {
			markDirty(link)
			if link.FromRes.URL == rc.URL {
				if res := rg.GetResource(rc.URL); res != nil {
					res.Deleted = true
				}
				link.Deleted = true
				removeResource = false
			}
		} else if link.ToMatches(rg.ToolID, rg.URL, rc.URL) {
			link.Deleted = true
			linksToRemove = append(linksToRemove, link)
		}
	}
	for _, link := range linksToRemove {
		delete(b.links, link.Key())
	}
	if removeResource {
		rg.RemoveResource(rc.URL)
	}
}

// MarkLinksClean clears dirtiness on each named link. Tombstoned links
// are physically removed afterwards; a source resource whose tombstone
// no longer participates in any surviving link is pruned together with
// inferred entries referencing it. With propagate set, the link's own
// source is also scrubbed from downstream inferred sets.
func (b *Branch) MarkLinksClean(keys []model.LinkKey, propagate bool) ([]*model.Link, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return nil, err
	}

	var cleaned []*model.Link
	for _, key := range keys {
		link, ok := b.links[key]
		if !ok {
			continue
		}
		link.Dirty = false
		link.LastCleanVersion = ""
		cleaned = append(cleaned, link)

		if link.Deleted {
			delete(b.links, key)
			b.pruneSourceLocked(link.FromRes)
		}
		if propagate {
			b.markInferredCleanLocked(key, key.From, true)
		}
	}
	return cleaned, nil
}

// pruneSourceLocked removes a tombstoned resource once no surviving
// link references it, and scrubs inferred entries pointing at it.
// Caller holds the lock.
func (b *Branch) pruneSourceLocked(ref model.ResourceRef) {
	rg, res := b.getResourceLocked(ref, true)
	if res == nil || !res.Deleted {
		return
	}
	for _, link := range b.links {
		if (link.FromRes == ref || link.ToRes == ref) && !link.Deleted {
			return
		}
	}
	rg.RemoveResource(res.URL)
	for _, link := range b.links {
		link.RemoveInferred(ref)
	}
}

// MarkInferredDirtinessClean removes one inferred source from a link,
// walking downstream when propagate is set. Returns the (link, source)
// pairs actually removed.
func (b *Branch) MarkInferredDirtinessClean(key model.LinkKey, source model.ResourceRef, propagate bool) ([]storage.InferredClean, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return nil, err
	}
	return b.markInferredCleanLocked(key, source, propagate), nil
}

func (b *Branch) markInferredCleanLocked(key model.LinkKey, source model.ResourceRef, propagate bool) []storage.InferredClean {
	var cleaned []storage.InferredClean
	target, haveTarget := b.links[key]

	if !propagate {
		if haveTarget && target.RemoveInferred(source) {
			cleaned = append(cleaned, storage.InferredClean{Link: key, Source: source})
		}
		return cleaned
	}

	processed := map[model.LinkKey]bool{}
	var queue []*model.Link
	if haveTarget {
		queue = append(queue, target)
	} else {
		// The target may have just been removed; continue the walk
		// from its former downstream neighbors.
		for _, link := range b.links {
			if link.FromRes == key.To {
				queue = append(queue, link)
			}
		}
	}
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if processed[cur.Key()] {
			continue
		}
		processed[cur.Key()] = true
		if cur.RemoveInferred(source) {
			cleaned = append(cleaned, storage.InferredClean{Link: cur.Key(), Source: source})
		}
		for _, link := range b.links {
			if link.FromRes == cur.ToRes && !processed[link.Key()] {
				queue = append(queue, link)
			}
		}
	}
	return cleaned
}
