// Package auth evaluates per-user capability grants. Users are granted
// capability patterns (glob arguments); requests carry capabilities
// with concrete arguments and are authorized when a grant of the same
// class matches every argument.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/vu-isis/depi/internal/model"
)

// Class identifies a capability class. Classes carry a fixed arity.
type Class int

const (
	ClassLinkRead Class = iota
	ClassLinkAdd
	ClassLinkRemove
	ClassLinkMarkDirty
	ClassLinkMarkClean
	ClassResGroupRead
	ClassResGroupAdd
	ClassResGroupRemove
	ClassResGroupChange
	ClassResGroupWatch
	ClassResourceRead
	ClassResourceAdd
	ClassResourceRemove
	ClassResourceChange
	ClassDepiWatch
	ClassBranchCreate
	ClassBranchSwitch
	ClassBranchList
	ClassBranchTag
)

var classNames = map[Class]string{
	ClassLinkRead:       "CapLinkRead",
	ClassLinkAdd:        "CapLinkAdd",
	ClassLinkRemove:     "CapLinkRemove",
	ClassLinkMarkDirty:  "CapLinkMarkDirty",
	ClassLinkMarkClean:  "CapLinkMarkClean",
	ClassResGroupRead:   "CapResGroupRead",
	ClassResGroupAdd:    "CapResGroupAdd",
	ClassResGroupRemove: "CapResGroupRemove",
	ClassResGroupChange: "CapResGroupChange",
	ClassResGroupWatch:  "CapResGroupWatch",
	ClassResourceRead:   "CapResourceRead",
	ClassResourceAdd:    "CapResourceAdd",
	ClassResourceRemove: "CapResourceRemove",
	ClassResourceChange: "CapResourceChange",
	ClassDepiWatch:      "CapDepiWatch",
	ClassBranchCreate:   "CapBranchCreate",
	ClassBranchSwitch:   "CapBranchSwitch",
	ClassBranchList:     "CapBranchList",
	ClassBranchTag:      "CapBranchTag",
}

var classArity = map[Class]int{
	ClassLinkRead:       6,
	ClassLinkAdd:        6,
	ClassLinkRemove:     6,
	ClassLinkMarkDirty:  6,
	ClassLinkMarkClean:  6,
	ClassResGroupRead:   2,
	ClassResGroupAdd:    2,
	ClassResGroupRemove: 2,
	ClassResGroupChange: 2,
	ClassResGroupWatch:  2,
	ClassResourceRead:   3,
	ClassResourceAdd:    3,
	ClassResourceRemove: 3,
	ClassResourceChange: 3,
	ClassDepiWatch:      0,
	ClassBranchCreate:   0,
	ClassBranchSwitch:   0,
	ClassBranchList:     0,
	ClassBranchTag:      0,
}

var classByName = func() map[string]Class {
	m := make(map[string]Class, len(classNames))
	for c, n := range classNames {
		m[n] = c
	}
	return m
}()

// String returns the capability class name.
func (c Class) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Capability is a capability class with concrete arguments, as carried
// by a request being authorized.
type Capability struct {
	Class Class
	Args  []string
}

// Link-shaped capabilities: arguments are the source endpoint triple
// followed by the target endpoint triple.

func CapLinkRead(fromTool, fromRG, fromURL, toTool, toRG, toURL string) Capability {
	return Capability{Class: ClassLinkRead, Args: []string{fromTool, fromRG, fromURL, toTool, toRG, toURL}}
}

func CapLinkAdd(fromTool, fromRG, fromURL, toTool, toRG, toURL string) Capability {
	return Capability{Class: ClassLinkAdd, Args: []string{fromTool, fromRG, fromURL, toTool, toRG, toURL}}
}

func CapLinkRemove(fromTool, fromRG, fromURL, toTool, toRG, toURL string) Capability {
	return Capability{Class: ClassLinkRemove, Args: []string{fromTool, fromRG, fromURL, toTool, toRG, toURL}}
}

func CapLinkMarkDirty(fromTool, fromRG, fromURL, toTool, toRG, toURL string) Capability {
	return Capability{Class: ClassLinkMarkDirty, Args: []string{fromTool, fromRG, fromURL, toTool, toRG, toURL}}
}

func CapLinkMarkClean(fromTool, fromRG, fromURL, toTool, toRG, toURL string) Capability {
	return Capability{Class: ClassLinkMarkClean, Args: []string{fromTool, fromRG, fromURL, toTool, toRG, toURL}}
}

// Resource-group capabilities: (toolId, resourceGroupURL).

func CapResGroupRead(tool, rgURL string) Capability {
	return Capability{Class: ClassResGroupRead, Args: []string{tool, rgURL}}
}

func CapResGroupAdd(tool, rgURL string) Capability {
	return Capability{Class: ClassResGroupAdd, Args: []string{tool, rgURL}}
}

func CapResGroupRemove(tool, rgURL string) Capability {
	return Capability{Class: ClassResGroupRemove, Args: []string{tool, rgURL}}
}

func CapResGroupChange(tool, rgURL string) Capability {
	return Capability{Class: ClassResGroupChange, Args: []string{tool, rgURL}}
}

func CapResGroupWatch(tool, rgURL string) Capability {
	return Capability{Class: ClassResGroupWatch, Args: []string{tool, rgURL}}
}

// Resource capabilities: (toolId, resourceGroupURL, resourceURL).

func CapResourceRead(tool, rgURL, resURL string) Capability {
	return Capability{Class: ClassResourceRead, Args: []string{tool, rgURL, resURL}}
}

func CapResourceAdd(tool, rgURL, resURL string) Capability {
	return Capability{Class: ClassResourceAdd, Args: []string{tool, rgURL, resURL}}
}

func CapResourceRemove(tool, rgURL, resURL string) Capability {
	return Capability{Class: ClassResourceRemove, Args: []string{tool, rgURL, resURL}}
}

func CapResourceChange(tool, rgURL, resURL string) Capability {
	return Capability{Class: ClassResourceChange, Args: []string{tool, rgURL, resURL}}
}

// Zero-argument capabilities.

func CapDepiWatch() Capability    { return Capability{Class: ClassDepiWatch} }
func CapBranchCreate() Capability { return Capability{Class: ClassBranchCreate} }
func CapBranchSwitch() Capability { return Capability{Class: ClassBranchSwitch} }
func CapBranchList() Capability   { return Capability{Class: ClassBranchList} }
func CapBranchTag() Capability    { return Capability{Class: ClassBranchTag} }

// grant is a user-held capability pattern with compiled argument globs.
type grant struct {
	class Class
	args  []*regexp.Regexp
}

func (g *grant) matches(cap Capability) bool {
	if g.class != cap.Class || len(g.args) != len(cap.Args) {
		return false
	}
	for i, re := range g.args {
		if !re.MatchString(cap.Args[i]) {
			return false
		}
	}
	return true
}

// ParseCapability parses a capability literal such as
// "CapResGroupRead(git, *)" into a Capability whose arguments are the
// raw patterns.
func ParseCapability(lit string) (Capability, error) {
	lit = strings.TrimSpace(lit)
	open := strings.Index(lit, "(")
	if open < 0 || !strings.HasSuffix(lit, ")") {
		return Capability{}, fmt.Errorf("malformed capability %q", lit)
	}
	name := strings.TrimSpace(lit[:open])
	class, ok := classByName[name]
	if !ok {
		return Capability{}, fmt.Errorf("unknown capability %q", name)
	}
	inner := strings.TrimSpace(lit[open+1 : len(lit)-1])
	var args []string
	if inner != "" {
		for _, a := range strings.Split(inner, ",") {
			args = append(args, strings.TrimSpace(a))
		}
	}
	if len(args) != classArity[class] {
		return Capability{}, fmt.Errorf("capability %s takes %d arguments, got %d", name, classArity[class], len(args))
	}
	return Capability{Class: class, Args: args}, nil
}

func compileGrant(cap Capability) (*grant, error) {
	g := &grant{class: cap.Class}
	for _, arg := range cap.Args {
		re, err := model.CompileGlob(arg)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", arg, err)
		}
		g.args = append(g.args, re)
	}
	return g, nil
}

// Authorization is one user's compiled grant set.
type Authorization struct {
	enabled bool
	grants  []*grant
}

// IsAuthorized reports whether any grant covers the capability. Always
// true when authorization is disabled.
func (a *Authorization) IsAuthorized(cap Capability) bool {
	if !a.enabled {
		return true
	}
	for _, g := range a.grants {
		if g.matches(cap) {
			return true
		}
	}
	return false
}

// HasCapability reports whether the user holds any grant of the class,
// regardless of arguments. Always true when authorization is disabled.
func (a *Authorization) HasCapability(class Class) bool {
	if !a.enabled {
		return true
	}
	for _, g := range a.grants {
		if g.class == class {
			return true
		}
	}
	return false
}

// LoadRuleFile reads a rule-bundle file: a JSON object mapping rule
// names to lists of capability literals.
func LoadRuleFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	rules := map[string][]string{}
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing rule file %s: %w", path, err)
	}
	return rules, nil
}

// Authorizer resolves users to their authorization sets.
type Authorizer struct {
	enabled  bool
	users    map[string]*Authorization
	disabled *Authorization
}

// NewAuthorizer builds the per-user authorization table. rules maps
// rule names to capability literals; userEntries maps user names to
// their entry lists, where each entry is either a rule name or a
// capability literal.
func NewAuthorizer(enabled bool, rules map[string][]string, userEntries map[string][]string) (*Authorizer, error) {
	az := &Authorizer{
		enabled:  enabled,
		users:    map[string]*Authorization{},
		disabled: &Authorization{enabled: false},
	}
	if !enabled {
		return az, nil
	}
	for user, entries := range userEntries {
		authz := &Authorization{enabled: true}
		for _, entry := range entries {
			lits := []string{entry}
			if bundle, ok := rules[entry]; ok {
				lits = bundle
			}
			for _, lit := range lits {
				cap, err := ParseCapability(lit)
				if err != nil {
					return nil, fmt.Errorf("user %s: %w", user, err)
				}
				g, err := compileGrant(cap)
				if err != nil {
					return nil, fmt.Errorf("user %s: %w", user, err)
				}
				authz.grants = append(authz.grants, g)
			}
		}
		az.users[user] = authz
	}
	return az, nil
}

// ForUser returns the user's authorization set. Unknown users get an
// empty set when authorization is enabled.
func (az *Authorizer) ForUser(user string) *Authorization {
	if !az.enabled {
		return az.disabled
	}
	if authz, ok := az.users[user]; ok {
		return authz
	}
	return &Authorization{enabled: true}
}

// Enabled reports whether authorization checks are active.
func (az *Authorizer) Enabled() bool {
	return az.enabled
}
