package model

import (
	"regexp"
	"strings"
)

// ResourceRefPattern selects resources within one resource group.
// ToolID and ResourceGroupURL match exactly; URLPattern is a regular
// expression matched against candidate resource URLs.
type ResourceRefPattern struct {
	ToolID           string `json:"toolId"`
	ResourceGroupURL string `json:"resourceGroupURL"`
	URLPattern       string `json:"URLPattern"`
}

// ResourceLinkPattern selects links whose endpoints match both sides.
type ResourceLinkPattern struct {
	FromRes ResourceRefPattern `json:"fromRes"`
	ToRes   ResourceRefPattern `json:"toRes"`
}

// CompiledRefPattern is a ResourceRefPattern with its URL expression
// compiled. The expression is anchored at the start of the URL.
type CompiledRefPattern struct {
	ToolID string
	RGURL  string
	urlRE  *regexp.Regexp
}

// Compile prepares the pattern for repeated matching.
func (p ResourceRefPattern) Compile() (*CompiledRefPattern, error) {
	re, err := regexp.Compile("^(?:" + p.URLPattern + ")")
	if err != nil {
		return nil, err
	}
	return &CompiledRefPattern{ToolID: p.ToolID, RGURL: p.ResourceGroupURL, urlRE: re}, nil
}

// MatchesGroup reports whether the pattern names the given group.
func (cp *CompiledRefPattern) MatchesGroup(toolID, rgURL string) bool {
	return cp.ToolID == toolID && cp.RGURL == rgURL
}

// MatchesURL reports whether the URL expression matches.
func (cp *CompiledRefPattern) MatchesURL(url string) bool {
	return cp.urlRE.MatchString(url)
}

// MatchesRef reports whether the pattern covers the given ref.
func (cp *CompiledRefPattern) MatchesRef(ref ResourceRef) bool {
	return cp.MatchesGroup(ref.ToolID, ref.ResourceGroupURL) && cp.MatchesURL(ref.URL)
}

// CompiledLinkPattern is a ResourceLinkPattern with both sides compiled.
type CompiledLinkPattern struct {
	From *CompiledRefPattern
	To   *CompiledRefPattern
}

// Compile prepares both endpoint patterns.
func (p ResourceLinkPattern) Compile() (*CompiledLinkPattern, error) {
	from, err := p.FromRes.Compile()
	if err != nil {
		return nil, err
	}
	to, err := p.ToRes.Compile()
	if err != nil {
		return nil, err
	}
	return &CompiledLinkPattern{From: from, To: to}, nil
}

// MatchesLink reports whether both link endpoints match.
func (cp *CompiledLinkPattern) MatchesLink(l *Link) bool {
	return cp.From.MatchesRef(l.FromRes) && cp.To.MatchesRef(l.ToRes)
}

// CompileGlob turns a glob pattern into a full-string regexp: "*"
// matches any run of characters, everything else is literal. Used for
// capability argument matching.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, ch := range pattern {
		if ch == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
