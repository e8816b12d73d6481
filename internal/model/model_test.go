package model

import "testing"

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		name    string
		linkURL string
		resURL  string
		want    bool
	}{
		{"exact", "/a/b.c", "/a/b.c", true},
		{"child of folder", "/folder", "/folder/x.txt", true},
		{"nested child", "/folder", "/folder/sub/x.txt", true},
		{"sibling with shared prefix", "/folder", "/folderX/x.txt", false},
		{"trailing separator", "/folder/", "/folder/x.txt", true},
		{"trailing separator no boundary", "/fold", "/folder/x.txt", false},
		{"unrelated", "/a", "/b/x.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesPrefix(tt.linkURL, tt.resURL, "/"); got != tt.want {
				t.Errorf("MatchesPrefix(%q, %q) = %v, want %v", tt.linkURL, tt.resURL, got, tt.want)
			}
		})
	}
}

func TestFromMatchesNormalizesLeadingSeparator(t *testing.T) {
	link := &Link{
		FromRes: ResourceRef{ToolID: "git", ResourceGroupURL: "http://repo", URL: "/src"},
		ToRes:   ResourceRef{ToolID: "gsn", ResourceGroupURL: "http://gsn", URL: "/g1"},
	}
	if !link.FromMatches("git", "http://repo", "src/main.c", "/") {
		t.Errorf("expected match for URL missing leading separator")
	}
	if link.FromMatches("git", "http://other", "src/main.c", "/") {
		t.Errorf("matched resource in the wrong group")
	}
	if link.FromMatches("svn", "http://repo", "src/main.c", "/") {
		t.Errorf("matched resource in the wrong tool")
	}
}

func TestInferredSet(t *testing.T) {
	link := &Link{}
	src := ResourceRef{ToolID: "git", ResourceGroupURL: "http://repo", URL: "/a"}
	other := ResourceRef{ToolID: "git", ResourceGroupURL: "http://repo", URL: "/b"}

	if !link.AddInferred(src, "v1") {
		t.Fatalf("first AddInferred returned false")
	}
	if link.AddInferred(src, "v2") {
		t.Errorf("duplicate AddInferred returned true")
	}
	if len(link.Inferred) != 1 || link.Inferred[0].LastCleanVersion != "v1" {
		t.Errorf("inferred set = %+v, want single v1 entry", link.Inferred)
	}
	if link.RemoveInferred(other) {
		t.Errorf("RemoveInferred removed an absent source")
	}
	if !link.RemoveInferred(src) {
		t.Errorf("RemoveInferred missed the present source")
	}
	if len(link.Inferred) != 0 {
		t.Errorf("inferred set not empty after removal: %+v", link.Inferred)
	}
}

func TestLinkCopyIsDeep(t *testing.T) {
	link := &Link{
		FromRes: ResourceRef{ToolID: "git", ResourceGroupURL: "http://repo", URL: "/a"},
		ToRes:   ResourceRef{ToolID: "gsn", ResourceGroupURL: "http://gsn", URL: "/g"},
		Dirty:   true,
	}
	link.AddInferred(ResourceRef{ToolID: "git", ResourceGroupURL: "http://repo", URL: "/b"}, "v1")

	cp := link.Copy()
	cp.Inferred[0].LastCleanVersion = "changed"
	if link.Inferred[0].LastCleanVersion != "v1" {
		t.Errorf("copy shares the inferred slice with the original")
	}
}

func TestResourceGroupCopyIsDeep(t *testing.T) {
	rg := NewResourceGroup("repo", "git", "http://repo", "v1")
	rg.AddResource(&Resource{Name: "main.c", ID: "1", URL: "/main.c"})

	cp := rg.Copy()
	cp.Resources["/main.c"].Name = "other.c"
	if rg.Resources["/main.c"].Name != "main.c" {
		t.Errorf("copy shares resource pointers with the original")
	}
}

func TestCompileGlob(t *testing.T) {
	re, err := CompileGlob("/src/*.c")
	if err != nil {
		t.Fatalf("CompileGlob: %v", err)
	}
	if !re.MatchString("/src/main.c") {
		t.Errorf("pattern did not match /src/main.c")
	}
	if re.MatchString("/src/main.cpp") {
		t.Errorf("pattern matched /src/main.cpp; glob must anchor the full string")
	}

	re, err = CompileGlob("/literal.dot")
	if err != nil {
		t.Fatalf("CompileGlob: %v", err)
	}
	if re.MatchString("/literalXdot") {
		t.Errorf("dot was treated as a regex metacharacter")
	}
}

func TestCompiledRefPattern(t *testing.T) {
	p := ResourceRefPattern{ToolID: "git", ResourceGroupURL: "http://repo", URLPattern: "/src/.*\\.c"}
	cp, err := p.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !cp.MatchesRef(ResourceRef{ToolID: "git", ResourceGroupURL: "http://repo", URL: "/src/a.c"}) {
		t.Errorf("regex pattern did not match /src/a.c")
	}
	if cp.MatchesRef(ResourceRef{ToolID: "git", ResourceGroupURL: "http://other", URL: "/src/a.c"}) {
		t.Errorf("group URL must match exactly")
	}
	if cp.MatchesRef(ResourceRef{ToolID: "git", ResourceGroupURL: "http://repo", URL: "/doc/a.c"}) {
		t.Errorf("pattern must be anchored at the start of the URL")
	}

	all, err := ResourceRefPattern{ToolID: "git", ResourceGroupURL: "http://repo", URLPattern: ".*"}.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !all.MatchesURL("/anything/at/all") {
		t.Errorf(".* did not match every URL")
	}
}

func TestChangeTypeRoundTrip(t *testing.T) {
	for _, ct := range []ChangeType{ChangeAdded, ChangeModified, ChangeRenamed, ChangeRemoved} {
		parsed, ok := ParseChangeType(ct.String())
		if !ok || parsed != ct {
			t.Errorf("ParseChangeType(%q) = %v, %v", ct.String(), parsed, ok)
		}
	}
	if _, ok := ParseChangeType("Bogus"); ok {
		t.Errorf("ParseChangeType accepted an unknown name")
	}
}

func TestResourceChangeChangesIdentity(t *testing.T) {
	rc := &ResourceChange{Name: "a", ID: "1", URL: "/a", ChangeType: ChangeModified}
	if rc.ChangesIdentity() {
		t.Errorf("no-op modification reported an identity change")
	}
	rc.NewURL = "/b"
	if !rc.ChangesIdentity() {
		t.Errorf("URL change not reported")
	}
	rc.NewURL = "/a"
	rc.NewName = "b"
	if !rc.ChangesIdentity() {
		t.Errorf("name change not reported")
	}
}
