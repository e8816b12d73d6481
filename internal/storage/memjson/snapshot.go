package memjson

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vu-isis/depi/internal/model"
)

// Snapshot document shapes. Resource groups serialize their resources
// as an array; links serialize with the model's own JSON tags.

type groupDoc struct {
	Name      string            `json:"name"`
	ToolID    string            `json:"toolId"`
	URL       string            `json:"URL"`
	Version   string            `json:"version"`
	Resources []*model.Resource `json:"resources"`
}

type branchDoc struct {
	Name          string                         `json:"name"`
	LastVersion   int                            `json:"lastVersion"`
	ParentName    string                         `json:"parentName"`
	ParentVersion int                            `json:"parentVersion"`
	Links         []*model.Link                  `json:"links"`
	Tools         map[string]map[string]groupDoc `json:"tools"`
}

type tagPointer struct {
	Branch  string `json:"branch"`
	Version int    `json:"version"`
}

func (b *Branch) toDoc() branchDoc {
	doc := branchDoc{
		Name:          b.name,
		LastVersion:   b.lastVersion,
		ParentName:    b.parentName,
		ParentVersion: b.parentVersion,
		Links:         []*model.Link{},
		Tools:         map[string]map[string]groupDoc{},
	}
	for _, link := range b.links {
		doc.Links = append(doc.Links, link)
	}
	for toolID, tool := range b.tools {
		toolDoc := map[string]groupDoc{}
		for rgURL, rg := range tool {
			gd := groupDoc{
				Name:      rg.Name,
				ToolID:    rg.ToolID,
				URL:       rg.URL,
				Version:   rg.Version,
				Resources: []*model.Resource{},
			}
			for _, res := range rg.Resources {
				gd.Resources = append(gd.Resources, res)
			}
			toolDoc[rgURL] = gd
		}
		doc.Tools[toolID] = toolDoc
	}
	return doc
}

func branchFromDoc(db *DB, doc branchDoc) *Branch {
	b := newBranch(db, doc.Name)
	b.lastVersion = doc.LastVersion
	b.parentName = doc.ParentName
	b.parentVersion = doc.ParentVersion
	for _, link := range doc.Links {
		b.links[link.Key()] = link
	}
	for toolID, toolDoc := range doc.Tools {
		tool := map[string]*model.ResourceGroup{}
		for rgURL, gd := range toolDoc {
			rg := model.NewResourceGroup(gd.Name, gd.ToolID, gd.URL, gd.Version)
			for _, res := range gd.Resources {
				rg.Resources[res.URL] = res
			}
			tool[rgURL] = rg
		}
		b.tools[toolID] = tool
	}
	return b
}

func writeSnapshot(path string, b *Branch) error {
	data, err := json.MarshalIndent(b.toDoc(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

func readSnapshot(db *DB, path string) (*Branch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc branchDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	return branchFromDoc(db, doc), nil
}

func writeTagPointer(path string, ptr tagPointer) error {
	data, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing tag pointer: %w", err)
	}
	return nil
}

func readTagPointer(path string) (tagPointer, error) {
	var ptr tagPointer
	data, err := os.ReadFile(path)
	if err != nil {
		return ptr, err
	}
	if err := json.Unmarshal(data, &ptr); err != nil {
		return ptr, fmt.Errorf("decoding tag pointer %s: %w", path, err)
	}
	return ptr, nil
}
