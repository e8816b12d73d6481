// Package model defines the value types shared by the storage backends
// and the server: resources, resource groups, links and their references.
package model

import "strings"

// Resource is a single tracked artifact (a file, a model node, a GSN
// goal) owned by exactly one resource group. Identity is (ID, URL).
type Resource struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	URL     string `json:"URL"`
	Deleted bool   `json:"deleted"`
}

// Equal reports identity equality, not field equality.
func (r *Resource) Equal(other *Resource) bool {
	return r.ID == other.ID && r.URL == other.URL
}

// ResourceRef is the foreign-key triple that names a resource within a
// branch without owning it. It is comparable and safe as a map key.
type ResourceRef struct {
	ToolID           string `json:"toolId"`
	ResourceGroupURL string `json:"resourceGroupURL"`
	URL              string `json:"URL"`
}

// InGroup reports whether the ref points into the given group.
func (rr ResourceRef) InGroup(toolID, rgURL string) bool {
	return rr.ToolID == toolID && rr.ResourceGroupURL == rgURL
}

// ResourceGroup is a versioned container of resources inside one
// external tool. Identity within a branch is (ToolID, URL). Version is
// an opaque tool-supplied string, typically a commit hash.
type ResourceGroup struct {
	Name      string               `json:"name"`
	ToolID    string               `json:"toolId"`
	URL       string               `json:"URL"`
	Version   string               `json:"version"`
	Resources map[string]*Resource `json:"-"`
}

// NewResourceGroup returns an empty group with an initialized resource map.
func NewResourceGroup(name, toolID, url, version string) *ResourceGroup {
	return &ResourceGroup{
		Name:      name,
		ToolID:    toolID,
		URL:       url,
		Version:   version,
		Resources: map[string]*Resource{},
	}
}

// GetResource returns the resource with the given URL, or nil.
func (rg *ResourceGroup) GetResource(url string) *Resource {
	return rg.Resources[url]
}

// AddResource inserts res if no resource with the same URL exists yet.
func (rg *ResourceGroup) AddResource(res *Resource) bool {
	if _, ok := rg.Resources[res.URL]; ok {
		return false
	}
	rg.Resources[res.URL] = res
	return true
}

// RemoveResource deletes the resource with the given URL.
func (rg *ResourceGroup) RemoveResource(url string) bool {
	if _, ok := rg.Resources[url]; !ok {
		return false
	}
	delete(rg.Resources, url)
	return true
}

// Ref returns the reference triple for a resource URL inside this group.
func (rg *ResourceGroup) Ref(url string) ResourceRef {
	return ResourceRef{ToolID: rg.ToolID, ResourceGroupURL: rg.URL, URL: url}
}

// Copy returns a deep copy of the group and its resources.
func (rg *ResourceGroup) Copy() *ResourceGroup {
	cp := NewResourceGroup(rg.Name, rg.ToolID, rg.URL, rg.Version)
	for url, res := range rg.Resources {
		r := *res
		cp.Resources[url] = &r
	}
	return cp
}

// InferredDirtiness records second-order dirtiness on a downstream link:
// the original dirty source and that source group's last clean version.
type InferredDirtiness struct {
	Source           ResourceRef `json:"res"`
	LastCleanVersion string      `json:"lastCleanVersion"`
}

// Link is a directed dependency between two resources, stored as refs.
// Identity is (FromRes, ToRes). Changes at FromRes propagate to ToRes.
type Link struct {
	FromRes          ResourceRef         `json:"fromRes"`
	ToRes            ResourceRef         `json:"toRes"`
	Dirty            bool                `json:"dirty"`
	Deleted          bool                `json:"deleted"`
	LastCleanVersion string              `json:"lastCleanVersion"`
	Inferred         []InferredDirtiness `json:"inferredDirtiness"`
}

// LinkKey is the comparable identity of a link, usable as a map key.
type LinkKey struct {
	From ResourceRef
	To   ResourceRef
}

// Key returns the link's identity.
func (l *Link) Key() LinkKey {
	return LinkKey{From: l.FromRes, To: l.ToRes}
}

// SameEndpoints reports whether both endpoints match the other link.
func (l *Link) SameEndpoints(other *Link) bool {
	return l.FromRes == other.FromRes && l.ToRes == other.ToRes
}

// HasInferredSource reports whether source already appears in the
// link's inferred-dirtiness set.
func (l *Link) HasInferredSource(source ResourceRef) bool {
	for _, inf := range l.Inferred {
		if inf.Source == source {
			return true
		}
	}
	return false
}

// AddInferred inserts an inferred-dirtiness entry if the source is not
// present yet.
func (l *Link) AddInferred(source ResourceRef, lastCleanVersion string) bool {
	if l.HasInferredSource(source) {
		return false
	}
	l.Inferred = append(l.Inferred, InferredDirtiness{Source: source, LastCleanVersion: lastCleanVersion})
	return true
}

// RemoveInferred drops every inferred entry for the given source and
// reports whether anything was removed.
func (l *Link) RemoveInferred(source ResourceRef) bool {
	kept := l.Inferred[:0]
	removed := false
	for _, inf := range l.Inferred {
		if inf.Source == source {
			removed = true
			continue
		}
		kept = append(kept, inf)
	}
	l.Inferred = kept
	if len(l.Inferred) == 0 {
		l.Inferred = nil
	}
	return removed
}

// Copy returns a deep copy of the link.
func (l *Link) Copy() *Link {
	cp := *l
	if len(l.Inferred) > 0 {
		cp.Inferred = make([]InferredDirtiness, len(l.Inferred))
		copy(cp.Inferred, l.Inferred)
	} else {
		cp.Inferred = nil
	}
	return &cp
}

// MatchesPrefix reports whether resURL is the link source URL itself or
// a path descendant of it. A source ending in the separator matches any
// URL it prefixes; otherwise the descendant must continue with the
// separator, so "/folder" matches "/folder/x" but not "/folderX".
func MatchesPrefix(linkURL, resURL, sep string) bool {
	if linkURL == resURL {
		return true
	}
	if strings.HasSuffix(linkURL, sep) {
		return strings.HasPrefix(resURL, linkURL)
	}
	return strings.HasPrefix(resURL, linkURL+sep)
}

// FromMatches reports whether the link's source endpoint covers the
// resource at resURL in the given group, using prefix semantics.
func (l *Link) FromMatches(toolID, rgURL, resURL, sep string) bool {
	if !l.FromRes.InGroup(toolID, rgURL) {
		return false
	}
	normalized := resURL
	if !strings.HasPrefix(normalized, sep) {
		normalized = sep + normalized
	}
	return l.FromRes.URL == resURL || MatchesPrefix(l.FromRes.URL, normalized, sep)
}

// ToMatches reports whether the link's target endpoint is exactly the
// resource at resURL in the given group.
func (l *Link) ToMatches(toolID, rgURL, resURL string) bool {
	return l.ToRes.InGroup(toolID, rgURL) && l.ToRes.URL == resURL
}

// InferredResource is an inferred-dirtiness entry materialized with
// full resource information for the read path.
type InferredResource struct {
	Group            *ResourceGroup
	Resource         *Resource
	LastCleanVersion string
}

// LinkWithResources is a link materialized with full group and resource
// information. It exists only on the read path; links are stored as refs.
type LinkWithResources struct {
	FromGroup        *ResourceGroup
	FromRes          *Resource
	ToGroup          *ResourceGroup
	ToRes            *Resource
	Dirty            bool
	Deleted          bool
	LastCleanVersion string
	Inferred         []InferredResource
}

// ToLink collapses the materialized link back to its ref form.
func (lw *LinkWithResources) ToLink() *Link {
	link := &Link{
		FromRes:          lw.FromGroup.Ref(lw.FromRes.URL),
		ToRes:            lw.ToGroup.Ref(lw.ToRes.URL),
		Dirty:            lw.Dirty,
		Deleted:          lw.Deleted,
		LastCleanVersion: lw.LastCleanVersion,
	}
	for _, inf := range lw.Inferred {
		link.Inferred = append(link.Inferred, InferredDirtiness{
			Source:           inf.Group.Ref(inf.Resource.URL),
			LastCleanVersion: inf.LastCleanVersion,
		})
	}
	return link
}
