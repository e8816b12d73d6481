package server

import (
	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/rpc"
)

func wireResource(rg *model.ResourceGroup, res *model.Resource) rpc.Resource {
	return rpc.Resource{
		ToolID:               rg.ToolID,
		ResourceGroupName:    rg.Name,
		ResourceGroupURL:     rg.URL,
		ResourceGroupVersion: rg.Version,
		Name:                 res.Name,
		ID:                   res.ID,
		URL:                  res.URL,
		Deleted:              res.Deleted,
	}
}

func wireGroup(rg *model.ResourceGroup) rpc.ResourceGroup {
	return rpc.ResourceGroup{
		ToolID:  rg.ToolID,
		Name:    rg.Name,
		URL:     rg.URL,
		Version: rg.Version,
	}
}

func wireLink(lw *model.LinkWithResources) rpc.ResourceLink {
	link := rpc.ResourceLink{
		FromRes:          wireResource(lw.FromGroup, lw.FromRes),
		ToRes:            wireResource(lw.ToGroup, lw.ToRes),
		Dirty:            lw.Dirty,
		Deleted:          lw.Deleted,
		LastCleanVersion: lw.LastCleanVersion,
	}
	for _, inf := range lw.Inferred {
		link.Inferred = append(link.Inferred, rpc.InferredDirtiness{
			Resource:         wireResource(inf.Group, inf.Resource),
			LastCleanVersion: inf.LastCleanVersion,
		})
	}
	return link
}

// modelResource splits a wire resource into its group identity and the
// bare resource.
func modelResource(r rpc.Resource) (toolID, rgName, rgURL, rgVersion string, res *model.Resource) {
	return r.ToolID, r.ResourceGroupName, r.ResourceGroupURL, r.ResourceGroupVersion,
		&model.Resource{Name: r.Name, ID: r.ID, URL: r.URL, Deleted: r.Deleted}
}

// changeResource builds the wire resource described by one entry of a
// group change, using the post-change identity when the entry renames.
func changeResource(rgc rpc.ResourceGroupChange, rc model.ResourceChange) rpc.Resource {
	res := rpc.Resource{
		ToolID:               rgc.ToolID,
		ResourceGroupName:    rgc.Name,
		ResourceGroupURL:     rgc.URL,
		ResourceGroupVersion: rgc.Version,
		Name:                 rc.Name,
		ID:                   rc.ID,
		URL:                  rc.URL,
	}
	if rc.NewName != "" {
		res.Name = rc.NewName
	}
	if rc.NewID != "" {
		res.ID = rc.NewID
	}
	if rc.NewURL != "" {
		res.URL = rc.NewURL
	}
	return res
}

func linkCapabilityArgs(key model.LinkKey) [6]string {
	return [6]string{
		key.From.ToolID, key.From.ResourceGroupURL, key.From.URL,
		key.To.ToolID, key.To.ResourceGroupURL, key.To.URL,
	}
}

func auditLinkData(key model.LinkKey) map[string]string {
	return map[string]string{
		"fromToolId":           key.From.ToolID,
		"fromResourceGroupURL": key.From.ResourceGroupURL,
		"fromURL":              key.From.URL,
		"toToolId":             key.To.ToolID,
		"toResourceGroupURL":   key.To.ResourceGroupURL,
		"toURL":                key.To.URL,
	}
}

func auditResourceData(ref model.ResourceRef) map[string]string {
	return map[string]string{
		"toolId":           ref.ToolID,
		"resourceGroupURL": ref.ResourceGroupURL,
		"URL":              ref.URL,
	}
}
