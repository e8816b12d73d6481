package memjson

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/storage"
)

// Branch is one in-memory line of history. Links are keyed by their
// endpoint pair; resource groups are keyed by tool id then group URL.
// All locking goes through the owning DB's mutex so cross-branch
// operations (copy, tag) stay consistent.
type Branch struct {
	db            *DB
	name          string
	isTag         bool
	lastVersion   int
	parentName    string
	parentVersion int
	links         map[model.LinkKey]*model.Link
	tools         map[string]map[string]*model.ResourceGroup
}

func newBranch(db *DB, name string) *Branch {
	return &Branch{
		db:    db,
		name:  name,
		links: map[model.LinkKey]*model.Link{},
		tools: map[string]map[string]*model.ResourceGroup{},
	}
}

// Name returns the branch name.
func (b *Branch) Name() string { return b.name }

// IsTag reports whether the branch is an immutable tag.
func (b *Branch) IsTag() bool { return b.isTag }

// copy deep-copies the branch under a new name. Caller holds the DB
// lock.
func (b *Branch) copy(newName string) *Branch {
	cp := newBranch(b.db, newName)
	cp.parentName = b.name
	cp.parentVersion = b.lastVersion
	for toolID, tool := range b.tools {
		newTool := map[string]*model.ResourceGroup{}
		for rgURL, rg := range tool {
			newTool[rgURL] = rg.Copy()
		}
		cp.tools[toolID] = newTool
	}
	for key, link := range b.links {
		cp.links[key] = link.Copy()
	}
	return cp
}

func (b *Branch) mutable() error {
	if b.isTag {
		return storage.ErrTagImmutable
	}
	return nil
}

// getGroupLocked returns the group or nil. Caller holds the lock.
func (b *Branch) getGroupLocked(toolID, url string) *model.ResourceGroup {
	tool, ok := b.tools[toolID]
	if !ok {
		return nil
	}
	return tool[url]
}

// getResourceLocked resolves a ref to its group and resource. Caller
// holds the lock.
func (b *Branch) getResourceLocked(ref model.ResourceRef, includeDeleted bool) (*model.ResourceGroup, *model.Resource) {
	rg := b.getGroupLocked(ref.ToolID, ref.ResourceGroupURL)
	if rg == nil {
		return nil, nil
	}
	res := rg.GetResource(ref.URL)
	if res == nil || (res.Deleted && !includeDeleted) {
		return nil, nil
	}
	return rg, res
}

// materializeLocked expands a link into full group/resource form.
// Endpoints resolve with deleted resources included so dirty tombstones
// stay visible. Caller holds the lock.
func (b *Branch) materializeLocked(link *model.Link) (*model.LinkWithResources, error) {
	fromRG, fromRes := b.getResourceLocked(link.FromRes, true)
	if fromRes == nil {
		return nil, fmt.Errorf("%w: link source %s %s %s", storage.ErrNotFound,
			link.FromRes.ToolID, link.FromRes.ResourceGroupURL, link.FromRes.URL)
	}
	toRG, toRes := b.getResourceLocked(link.ToRes, true)
	if toRes == nil {
		return nil, fmt.Errorf("%w: link target %s %s %s", storage.ErrNotFound,
			link.ToRes.ToolID, link.ToRes.ResourceGroupURL, link.ToRes.URL)
	}
	lw := &model.LinkWithResources{
		FromGroup:        fromRG,
		FromRes:          fromRes,
		ToGroup:          toRG,
		ToRes:            toRes,
		Dirty:            link.Dirty,
		Deleted:          link.Deleted,
		LastCleanVersion: link.LastCleanVersion,
	}
	for _, inf := range link.Inferred {
		infRG, infRes := b.getResourceLocked(inf.Source, true)
		if infRes == nil {
			continue
		}
		lw.Inferred = append(lw.Inferred, model.InferredResource{
			Group:            infRG,
			Resource:         infRes,
			LastCleanVersion: inf.LastCleanVersion,
		})
	}
	return lw, nil
}

// GetResourceGroups returns every group in the branch.
func (b *Branch) GetResourceGroups() ([]*model.ResourceGroup, error) {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	var groups []*model.ResourceGroup
	for _, tool := range b.tools {
		for _, rg := range tool {
			groups = append(groups, rg)
		}
	}
	return groups, nil
}

// GetResourceGroup returns the group with the given identity.
func (b *Branch) GetResourceGroup(toolID, url string) (*model.ResourceGroup, error) {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	rg := b.getGroupLocked(toolID, url)
	if rg == nil {
		return nil, fmt.Errorf("%w: resource group %s %s", storage.ErrNotFound, toolID, url)
	}
	return rg, nil
}

// GetLastKnownVersion returns the version Depi last saw for a group.
func (b *Branch) GetLastKnownVersion(toolID, url string) (string, error) {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	rg := b.getGroupLocked(toolID, url)
	if rg == nil {
		return "", fmt.Errorf("%w: resource group %s %s", storage.ErrNotFound, toolID, url)
	}
	return rg.Version, nil
}

// AddResourceGroup inserts the group if its identity is free.
func (b *Branch) AddResourceGroup(rg *model.ResourceGroup) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return err
	}
	b.addGroupLocked(rg)
	return nil
}

func (b *Branch) addGroupLocked(rg *model.ResourceGroup) *model.ResourceGroup {
	tool, ok := b.tools[rg.ToolID]
	if !ok {
		tool = map[string]*model.ResourceGroup{}
		b.tools[rg.ToolID] = tool
	}
	if existing, ok := tool[rg.URL]; ok {
		return existing
	}
	if rg.Resources == nil {
		rg.Resources = map[string]*model.Resource{}
	}
	tool[rg.URL] = rg
	return rg
}

// EditResourceGroup rewrites a group's identity and version. Link
// endpoints and inferred sources referencing the group follow the new
// identity so no ref dangles.
func (b *Branch) EditResourceGroup(toolID, url, newToolID, newURL, newName, newVersion string) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return err
	}
	rg := b.getGroupLocked(toolID, url)
	if rg == nil {
		return fmt.Errorf("%w: resource group %s %s", storage.ErrNotFound, toolID, url)
	}
	if newToolID == "" {
		newToolID = toolID
	}
	if newURL == "" {
		newURL = url
	}
	if newName != "" {
		rg.Name = newName
	}
	if newVersion != "" {
		rg.Version = newVersion
	}
	if newToolID == toolID && newURL == url {
		return nil
	}

	delete(b.tools[toolID], url)
	rg.ToolID = newToolID
	rg.URL = newURL
	b.addGroupLocked(rg)

	for _, link := range b.links {
		if link.FromRes.InGroup(toolID, url) {
			link.FromRes.ToolID = newToolID
			link.FromRes.ResourceGroupURL = newURL
		}
		if link.ToRes.InGroup(toolID, url) {
			link.ToRes.ToolID = newToolID
			link.ToRes.ResourceGroupURL = newURL
		}
		for i := range link.Inferred {
			if link.Inferred[i].Source.InGroup(toolID, url) {
				link.Inferred[i].Source.ToolID = newToolID
				link.Inferred[i].Source.ResourceGroupURL = newURL
			}
		}
	}
	b.reindexLocked()
	return nil
}

// RemoveResourceGroup deletes the group, every link referencing it and
// every inferred entry sourced from it.
func (b *Branch) RemoveResourceGroup(toolID, url string) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return err
	}
	if tool, ok := b.tools[toolID]; ok {
		delete(tool, url)
	}
	for key, link := range b.links {
		if link.FromRes.InGroup(toolID, url) || link.ToRes.InGroup(toolID, url) {
			delete(b.links, key)
			continue
		}
		kept := link.Inferred[:0]
		for _, inf := range link.Inferred {
			if !inf.Source.InGroup(toolID, url) {
				kept = append(kept, inf)
			}
		}
		link.Inferred = kept
		if len(link.Inferred) == 0 {
			link.Inferred = nil
		}
	}
	return nil
}

// AddResource inserts a resource, creating the owning group when it is
// absent. Re-adding a tombstoned resource revives it; re-adding a live
// one is a no-op.
func (b *Branch) AddResource(toolID, rgURL, rgName, rgVersion string, res *model.Resource) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return err
	}
	b.addResourceLocked(toolID, rgURL, rgName, rgVersion, res)
	return nil
}

func (b *Branch) addResourceLocked(toolID, rgURL, rgName, rgVersion string, res *model.Resource) {
	rg := b.getGroupLocked(toolID, rgURL)
	if rg == nil {
		rg = b.addGroupLocked(model.NewResourceGroup(rgName, toolID, rgURL, rgVersion))
	}
	if existing := rg.GetResource(res.URL); existing != nil {
		existing.Deleted = false
		return
	}
	rg.Resources[res.URL] = &model.Resource{Name: res.Name, ID: res.ID, URL: res.URL}
}

// RemoveResource tombstones a resource and marks every link touching it
// deleted. The returned links drive notifications.
func (b *Branch) RemoveResource(ref model.ResourceRef) ([]*model.Link, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return nil, err
	}
	_, res := b.getResourceLocked(ref, false)
	if res == nil {
		return nil, fmt.Errorf("%w: resource %s %s %s", storage.ErrNotFound, ref.ToolID, ref.ResourceGroupURL, ref.URL)
	}
	res.Deleted = true
	var touched []*model.Link
	for _, link := range b.links {
		if link.FromRes == ref || link.ToRes == ref {
			link.Deleted = true
			touched = append(touched, link)
		}
	}
	return touched, nil
}

// GetResource resolves a ref to the live resource.
func (b *Branch) GetResource(ref model.ResourceRef) (*model.Resource, error) {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	_, res := b.getResourceLocked(ref, false)
	if res == nil {
		return nil, fmt.Errorf("%w: resource %s %s %s", storage.ErrNotFound, ref.ToolID, ref.ResourceGroupURL, ref.URL)
	}
	return res, nil
}

// GetResourceByID finds a resource by tool-assigned id within a group.
func (b *Branch) GetResourceByID(toolID, rgURL, id string) (*model.Resource, error) {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	rg := b.getGroupLocked(toolID, rgURL)
	if rg == nil {
		return nil, fmt.Errorf("%w: resource group %s %s", storage.ErrNotFound, toolID, rgURL)
	}
	for _, res := range rg.Resources {
		if res.ID == id {
			return res, nil
		}
	}
	return nil, fmt.Errorf("%w: resource id %s", storage.ErrNotFound, id)
}

// GetResources returns groups holding only the resources that match
// one of the patterns.
func (b *Branch) GetResources(patterns []model.ResourceRefPattern, includeDeleted bool) ([]*model.ResourceGroup, error) {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()

	results := map[*model.ResourceGroup]*model.ResourceGroup{}
	var order []*model.ResourceGroup
	err := b.streamResourcesLocked(patterns, includeDeleted, func(rg *model.ResourceGroup, res *model.Resource) bool {
		out, ok := results[rg]
		if !ok {
			out = model.NewResourceGroup(rg.Name, rg.ToolID, rg.URL, rg.Version)
			results[rg] = out
			order = append(order, out)
		}
		out.Resources[res.URL] = res
		return true
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// StreamResources yields matching resources one at a time.
func (b *Branch) StreamResources(patterns []model.ResourceRefPattern, includeDeleted bool, visit storage.ResourceVisitor) error {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	return b.streamResourcesLocked(patterns, includeDeleted, visit)
}

func (b *Branch) streamResourcesLocked(patterns []model.ResourceRefPattern, includeDeleted bool, visit storage.ResourceVisitor) error {
	compiled := make([]*model.CompiledRefPattern, 0, len(patterns))
	for _, p := range patterns {
		cp, err := p.Compile()
		if err != nil {
			return fmt.Errorf("bad URL pattern %q: %w", p.URLPattern, err)
		}
		compiled = append(compiled, cp)
	}
	for _, tool := range b.tools {
		for _, rg := range tool {
			for _, cp := range compiled {
				if !cp.MatchesGroup(rg.ToolID, rg.URL) {
					continue
				}
				for _, res := range rg.Resources {
					if res.Deleted && !includeDeleted {
						continue
					}
					if cp.MatchesURL(res.URL) {
						if !visit(rg, res) {
							return nil
						}
					}
				}
			}
		}
	}
	return nil
}

// AddLink inserts a link between existing resources. Re-adding a
// tombstoned link revives it; re-adding a live one is a no-op.
func (b *Branch) AddLink(link *model.Link) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return err
	}
	return b.addLinkLocked(link)
}

func (b *Branch) addLinkLocked(link *model.Link) error {
	if _, res := b.getResourceLocked(link.FromRes, true); res == nil {
		return fmt.Errorf("%w: link source %s %s %s", storage.ErrNotFound,
			link.FromRes.ToolID, link.FromRes.ResourceGroupURL, link.FromRes.URL)
	}
	if _, res := b.getResourceLocked(link.ToRes, true); res == nil {
		return fmt.Errorf("%w: link target %s %s %s", storage.ErrNotFound,
			link.ToRes.ToolID, link.ToRes.ResourceGroupURL, link.ToRes.URL)
	}
	if existing, ok := b.links[link.Key()]; ok {
		existing.Deleted = false
		return nil
	}
	b.links[link.Key()] = link.Copy()
	return nil
}

// RemoveLink physically deletes the link with the given endpoints.
func (b *Branch) RemoveLink(key model.LinkKey) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return err
	}
	if _, ok := b.links[key]; !ok {
		return fmt.Errorf("%w: link", storage.ErrNotFound)
	}
	delete(b.links, key)
	return nil
}

// GetLinks returns live links matching any of the endpoint patterns.
func (b *Branch) GetLinks(patterns []model.ResourceLinkPattern) ([]*model.LinkWithResources, error) {
	var links []*model.LinkWithResources
	err := b.StreamLinks(patterns, func(link *model.LinkWithResources) bool {
		links = append(links, link)
		return true
	})
	return links, err
}

// StreamLinks yields live matching links one at a time.
func (b *Branch) StreamLinks(patterns []model.ResourceLinkPattern, visit storage.LinkVisitor) error {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	compiled := make([]*model.CompiledLinkPattern, 0, len(patterns))
	for _, p := range patterns {
		cp, err := p.Compile()
		if err != nil {
			return fmt.Errorf("bad link pattern: %w", err)
		}
		compiled = append(compiled, cp)
	}
	for _, link := range b.links {
		if link.Deleted {
			continue
		}
		for _, cp := range compiled {
			if cp.MatchesLink(link) {
				lw, err := b.materializeLocked(link)
				if err != nil {
					return err
				}
				if !visit(lw) {
					return nil
				}
				break
			}
		}
	}
	return nil
}

// GetAllLinks returns every link, optionally including tombstones.
func (b *Branch) GetAllLinks(includeDeleted bool) ([]*model.LinkWithResources, error) {
	var links []*model.LinkWithResources
	err := b.StreamAllLinks(includeDeleted, func(link *model.LinkWithResources) bool {
		links = append(links, link)
		return true
	})
	return links, err
}

// StreamAllLinks yields every link one at a time.
func (b *Branch) StreamAllLinks(includeDeleted bool, visit storage.LinkVisitor) error {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	for _, link := range b.links {
		if link.Deleted && !includeDeleted {
			continue
		}
		lw, err := b.materializeLocked(link)
		if err != nil {
			return err
		}
		if !visit(lw) {
			return nil
		}
	}
	return nil
}

// GetDirtyLinks returns links into the group that are dirty, or carry
// inferred dirtiness when withInferred is set.
func (b *Branch) GetDirtyLinks(toolID, rgURL string, withInferred bool) ([]*model.LinkWithResources, error) {
	var links []*model.LinkWithResources
	err := b.StreamDirtyLinks(toolID, rgURL, withInferred, func(link *model.LinkWithResources) bool {
		links = append(links, link)
		return true
	})
	return links, err
}

// StreamDirtyLinks yields dirty links into the group one at a time.
func (b *Branch) StreamDirtyLinks(toolID, rgURL string, withInferred bool, visit storage.LinkVisitor) error {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	for _, link := range b.links {
		if link.Deleted {
			continue
		}
		if !link.ToRes.InGroup(toolID, rgURL) {
			continue
		}
		if !link.Dirty && !(withInferred && len(link.Inferred) > 0) {
			continue
		}
		lw, err := b.materializeLocked(link)
		if err != nil {
			return err
		}
		if !visit(lw) {
			return nil
		}
	}
	return nil
}

// ExpandLinks materializes the given links, preferring the branch's
// stored state for each endpoint pair.
func (b *Branch) ExpandLinks(links []*model.Link) ([]*model.LinkWithResources, error) {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	expanded := make([]*model.LinkWithResources, 0, len(links))
	for _, link := range links {
		if stored, ok := b.links[link.Key()]; ok {
			link = stored
		}
		lw, err := b.materializeLocked(link)
		if err != nil {
			return nil, err
		}
		expanded = append(expanded, lw)
	}
	return expanded, nil
}

// linksWithResourceLocked returns live links whose seed-side endpoint
// is ref. Caller holds the lock.
func (b *Branch) linksWithResourceLocked(ref model.ResourceRef, upstream bool) []*model.Link {
	var links []*model.Link
	for _, link := range b.links {
		if link.Deleted {
			continue
		}
		if (upstream && link.ToRes == ref) || (!upstream && link.FromRes == ref) {
			links = append(links, link)
		}
	}
	return links
}

// GetDependencyGraph walks the link graph breadth-first from the seed.
// maxDepth <= 0 means unbounded; traversal is cycle-safe by link
// identity.
func (b *Branch) GetDependencyGraph(ref model.ResourceRef, upstream bool, maxDepth int) ([]*model.LinkWithResources, error) {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()

	type workItem struct {
		link  *model.Link
		depth int
	}
	processed := map[model.LinkKey]bool{}
	var found []*model.Link

	work := []workItem{}
	for _, link := range b.linksWithResourceLocked(ref, upstream) {
		work = append(work, workItem{link, 1})
	}
	for len(work) > 0 {
		var next []workItem
		for _, item := range work {
			if processed[item.link.Key()] || (maxDepth > 0 && item.depth > maxDepth) {
				continue
			}
			processed[item.link.Key()] = true
			found = append(found, item.link)
			seed := item.link.ToRes
			if upstream {
				seed = item.link.FromRes
			}
			for _, dep := range b.linksWithResourceLocked(seed, upstream) {
				if !processed[dep.Key()] {
					next = append(next, workItem{dep, item.depth + 1})
				}
			}
		}
		work = next
	}

	expanded := make([]*model.LinkWithResources, 0, len(found))
	for _, link := range found {
		lw, err := b.materializeLocked(link)
		if err != nil {
			return nil, err
		}
		expanded = append(expanded, lw)
	}
	return expanded, nil
}

// BulkAdd applies a blackboard promotion: staged groups must match the
// branch's current version for groups the branch already knows, then
// all resources and links land together.
func (b *Branch) BulkAdd(groups []*model.ResourceGroup, links []*model.Link) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if err := b.mutable(); err != nil {
		return err
	}
	for _, rg := range groups {
		if existing := b.getGroupLocked(rg.ToolID, rg.URL); existing != nil && existing.Version != rg.Version {
			return fmt.Errorf("%w: group %s %s is at %s, staged at %s",
				storage.ErrVersionMismatch, rg.ToolID, rg.URL, existing.Version, rg.Version)
		}
	}
	for _, rg := range groups {
		for _, res := range rg.Resources {
			b.addResourceLocked(rg.ToolID, rg.URL, rg.Name, rg.Version, res)
		}
	}
	for _, link := range links {
		if err := b.addLinkLocked(link); err != nil {
			return err
		}
	}
	return nil
}

// reindexLocked rebuilds the link map after endpoint mutation changed
// link keys. Caller holds the lock.
func (b *Branch) reindexLocked() {
	links := make(map[model.LinkKey]*model.Link, len(b.links))
	for _, link := range b.links {
		links[link.Key()] = link
	}
	b.links = links
}

// SaveState commits the branch as the next numbered snapshot.
func (b *Branch) SaveState() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	return b.saveStateLocked()
}

func (b *Branch) saveStateLocked() error {
	if err := b.mutable(); err != nil {
		return err
	}
	branchDir := filepath.Join(b.db.stateDir, b.name)
	if err := os.MkdirAll(branchDir, 0o750); err != nil {
		return fmt.Errorf("creating branch dir: %w", err)
	}
	b.lastVersion++
	return writeSnapshot(filepath.Join(branchDir, strconv.Itoa(b.lastVersion)), b)
}
