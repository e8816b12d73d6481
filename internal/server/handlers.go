package server

import (
	"encoding/json"
	"errors"

	"github.com/vu-isis/depi/internal/auth"
	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/rpc"
	"github.com/vu-isis/depi/internal/storage"
)

// Handle dispatches one unary request.
func (s *Server) Handle(req *rpc.Request) rpc.Response {
	switch req.Operation {
	case rpc.OpLogin:
		return s.handleLogin(req)
	case rpc.OpLoginWithToken:
		return s.handleLoginWithToken(req)
	case rpc.OpLogout:
		return s.handleLogout(req)
	case rpc.OpPing:
		return s.handlePing(req)
	case rpc.OpGetBranchList:
		return s.handleGetBranchList(req)
	case rpc.OpCurrentBranch:
		return s.handleCurrentBranch(req)
	case rpc.OpSetBranch:
		return s.handleSetBranch(req)
	case rpc.OpCreateBranch:
		return s.handleCreateBranch(req)
	case rpc.OpCreateTag:
		return s.handleCreateTag(req)
	case rpc.OpGetResourceGroups:
		return s.handleGetResourceGroups(req)
	case rpc.OpGetResourceGroupsForTag:
		return s.handleGetResourceGroupsForTag(req)
	case rpc.OpAddResourceGroup:
		return s.handleAddResourceGroup(req)
	case rpc.OpEditResourceGroup:
		return s.handleEditResourceGroup(req)
	case rpc.OpRemoveResourceGroup:
		return s.handleRemoveResourceGroup(req)
	case rpc.OpGetLastKnownVersion:
		return s.handleGetLastKnownVersion(req)
	case rpc.OpUpdateResourceGroup:
		return s.handleUpdateResourceGroup(req)
	case rpc.OpAddResource:
		return s.handleAddResource(req)
	case rpc.OpGetResources:
		return s.handleGetResources(req)
	case rpc.OpLinkResources:
		return s.handleLinkResources(req)
	case rpc.OpUnlinkResources:
		return s.handleUnlinkResources(req)
	case rpc.OpGetLinks:
		return s.handleGetLinks(req)
	case rpc.OpGetDependencyGraph:
		return s.handleGetDependencyGraph(req)
	case rpc.OpMarkLinksClean:
		return s.handleMarkLinksClean(req)
	case rpc.OpMarkInferredDirtinessClean:
		return s.handleMarkInferredDirtinessClean(req)
	case rpc.OpGetDirtyLinks:
		return s.handleGetDirtyLinks(req)
	case rpc.OpAddResourcesToBlackboard:
		return s.handleAddResourcesToBlackboard(req)
	case rpc.OpRemoveResourcesFromBlackboard:
		return s.handleRemoveResourcesFromBlackboard(req)
	case rpc.OpLinkBlackboardResources:
		return s.handleLinkBlackboardResources(req)
	case rpc.OpUnlinkBlackboardResources:
		return s.handleUnlinkBlackboardResources(req)
	case rpc.OpGetBlackboardResources:
		return s.handleGetBlackboardResources(req)
	case rpc.OpSaveBlackboard:
		return s.handleSaveBlackboard(req)
	case rpc.OpClearBlackboard:
		return s.handleClearBlackboard(req)
	case rpc.OpUnwatchDepi:
		return s.handleUnwatchDepi(req)
	case rpc.OpUnwatchBlackboard:
		return s.handleUnwatchBlackboard(req)
	case rpc.OpWatchResourceGroup:
		return s.handleWatchResourceGroup(req)
	case rpc.OpUnwatchResourceGroup:
		return s.handleUnwatchResourceGroup(req)
	case rpc.OpUpdateDepi:
		return s.handleUpdateDepi(req)
	default:
		return failure("unknown operation: %s", req.Operation)
	}
}

func decode(req *rpc.Request, args any) error {
	if len(req.Args) == 0 {
		return nil
	}
	return json.Unmarshal(req.Args, args)
}

func (s *Server) handleLogin(req *rpc.Request) rpc.Response {
	var args rpc.LoginArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding login args: %v", err)
	}
	user, ok := s.users[args.User]
	if !ok || user.Password != args.Password {
		return failure("invalid user or password")
	}
	if !s.validTool(args.ToolID) {
		return failure("unknown tool: %s", args.ToolID)
	}
	branch, err := s.db.GetBranch(s.defaultBranch)
	if err != nil {
		return failure("opening branch %s: %v", s.defaultBranch, err)
	}
	id, err := newSessionID()
	if err != nil {
		return failure("%v", err)
	}
	sess := newSession(id, user, args.ToolID, branch)
	s.addSession(sess)
	s.log.Info("session opened", "session", sess.id, "user", user.Name, "tool", args.ToolID)
	return success(rpc.LoginPayload{SessionID: sess.id})
}

// handleLoginWithToken resumes a live session by its id, so a client
// restarted with a saved token keeps its branch and blackboard.
func (s *Server) handleLoginWithToken(req *rpc.Request) rpc.Response {
	var args rpc.LoginWithTokenArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding login args: %v", err)
	}
	sess := s.session(args.Token)
	if sess == nil {
		return failure("invalid token")
	}
	return success(rpc.LoginPayload{SessionID: sess.id})
}

func (s *Server) handleLogout(req *rpc.Request) rpc.Response {
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	s.removeSession(req.SessionID)
	s.log.Info("session closed", "session", sess.id, "user", sess.user.Name)
	return success(nil)
}

// handlePing only refreshes the idle timer, which the session lookup
// already did.
func (s *Server) handlePing(req *rpc.Request) rpc.Response {
	if s.session(req.SessionID) == nil {
		return invalidSession(req.SessionID)
	}
	return success(nil)
}

func (s *Server) handleGetBranchList(req *rpc.Request) rpc.Response {
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !authorized(sess.user.Authz, auth.CapBranchList()) {
		return notAuthorized(sess.user, auth.ClassBranchList)
	}
	branches, err := s.db.BranchList()
	if err != nil {
		return failure("listing branches: %v", err)
	}
	tags, err := s.db.TagList()
	if err != nil {
		return failure("listing tags: %v", err)
	}
	return success(rpc.BranchListPayload{Branches: branches, Tags: tags})
}

func (s *Server) handleCurrentBranch(req *rpc.Request) rpc.Response {
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	return success(rpc.CurrentBranchPayload{Branch: sess.Branch().Name()})
}

func (s *Server) handleSetBranch(req *rpc.Request) rpc.Response {
	var args rpc.SetBranchArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !authorized(sess.user.Authz, auth.CapBranchSwitch()) {
		return notAuthorized(sess.user, auth.ClassBranchSwitch)
	}
	branch, err := s.db.GetBranch(args.Branch)
	if err != nil {
		return failure("%v", err)
	}
	sess.setBranch(branch)
	return success(nil)
}

func (s *Server) handleCreateBranch(req *rpc.Request) rpc.Response {
	var args rpc.CreateBranchArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !authorized(sess.user.Authz, auth.CapBranchCreate()) {
		return notAuthorized(sess.user, auth.ClassBranchCreate)
	}
	from := args.FromBranch
	if from == "" {
		from = args.FromTag
	}
	if from == "" {
		from = sess.Branch().Name()
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	if err := s.db.CreateBranch(args.BranchName, from); err != nil {
		return failure("%v", err)
	}
	s.auditWrite(sess, "CreateBranch", map[string]string{"branch": args.BranchName, "from": from})
	return success(nil)
}

func (s *Server) handleCreateTag(req *rpc.Request) rpc.Response {
	var args rpc.CreateTagArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !authorized(sess.user.Authz, auth.CapBranchTag()) {
		return notAuthorized(sess.user, auth.ClassBranchTag)
	}
	from := args.FromBranch
	if from == "" {
		from = sess.Branch().Name()
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	if err := s.db.CreateTag(args.TagName, from); err != nil {
		return failure("%v", err)
	}
	s.auditWrite(sess, "CreateTag", map[string]string{"tag": args.TagName, "from": from})
	return success(nil)
}

func (s *Server) groupsPayload(a *auth.Authorization, groups []*model.ResourceGroup) rpc.Response {
	payload := rpc.ResourceGroupsPayload{ResourceGroups: []rpc.ResourceGroup{}}
	for _, rg := range groups {
		if !a.IsAuthorized(auth.CapResGroupRead(rg.ToolID, rg.URL)) {
			continue
		}
		payload.ResourceGroups = append(payload.ResourceGroups, wireGroup(rg))
	}
	return success(payload)
}

func (s *Server) handleGetResourceGroups(req *rpc.Request) rpc.Response {
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !sess.user.Authz.HasCapability(auth.ClassResGroupRead) {
		return notAuthorized(sess.user, auth.ClassResGroupRead)
	}
	groups, err := sess.Branch().GetResourceGroups()
	if err != nil {
		return failure("%v", err)
	}
	return s.groupsPayload(sess.user.Authz, groups)
}

func (s *Server) handleGetResourceGroupsForTag(req *rpc.Request) rpc.Response {
	var args rpc.TagArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !sess.user.Authz.HasCapability(auth.ClassResGroupRead) {
		return notAuthorized(sess.user, auth.ClassResGroupRead)
	}
	branch, err := s.db.GetBranch(args.Tag)
	if err != nil {
		return failure("%v", err)
	}
	if !branch.IsTag() {
		return failure("%s is not a tag", args.Tag)
	}
	groups, err := branch.GetResourceGroups()
	if err != nil {
		return failure("%v", err)
	}
	return s.groupsPayload(sess.user.Authz, groups)
}

func (s *Server) handleAddResourceGroup(req *rpc.Request) rpc.Response {
	var args rpc.AddResourceGroupArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	rg := args.ResourceGroup
	if !authorized(sess.user.Authz, auth.CapResGroupAdd(rg.ToolID, rg.URL)) {
		return notAuthorized(sess.user, auth.ClassResGroupAdd)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	branch := sess.Branch()
	group := model.NewResourceGroup(rg.Name, rg.ToolID, rg.URL, rg.Version)
	if err := branch.AddResourceGroup(group); err != nil {
		return failure("%v", err)
	}
	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}
	s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: []rpc.Update{
		{Type: rpc.UpdateAddResourceGroup, ResourceGroup: &rg},
	}})
	s.auditWrite(sess, "AddResourceGroup", map[string]string{
		"toolId": rg.ToolID, "URL": rg.URL, "version": rg.Version,
	})
	return success(nil)
}

func (s *Server) handleEditResourceGroup(req *rpc.Request) rpc.Response {
	var args rpc.EditResourceGroupArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !authorized(sess.user.Authz, auth.CapResGroupChange(args.ToolID, args.URL)) {
		return notAuthorized(sess.user, auth.ClassResGroupChange)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	branch := sess.Branch()
	err := branch.EditResourceGroup(args.ToolID, args.URL, args.NewToolID, args.NewURL, args.NewName, args.NewVersion)
	if err != nil {
		return failure("%v", err)
	}
	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}
	toolID, url := args.ToolID, args.URL
	if args.NewToolID != "" {
		toolID = args.NewToolID
	}
	if args.NewURL != "" {
		url = args.NewURL
	}
	edited, err := branch.GetResourceGroup(toolID, url)
	if err == nil {
		wire := wireGroup(edited)
		s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: []rpc.Update{
			{Type: rpc.UpdateEditResourceGroup, ResourceGroup: &wire},
		}})
	}
	s.auditWrite(sess, "EditResourceGroup", map[string]string{
		"toolId": args.ToolID, "URL": args.URL,
		"newToolId": args.NewToolID, "newURL": args.NewURL,
		"newName": args.NewName, "newVersion": args.NewVersion,
	})
	return success(nil)
}

func (s *Server) handleRemoveResourceGroup(req *rpc.Request) rpc.Response {
	var args rpc.RemoveResourceGroupArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !authorized(sess.user.Authz, auth.CapResGroupRemove(args.ToolID, args.URL)) {
		return notAuthorized(sess.user, auth.ClassResGroupRemove)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	branch := sess.Branch()
	removed, err := branch.GetResourceGroup(args.ToolID, args.URL)
	if err != nil {
		return failure("%v", err)
	}
	if err := branch.RemoveResourceGroup(args.ToolID, args.URL); err != nil {
		return failure("%v", err)
	}
	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}
	wire := wireGroup(removed)
	s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: []rpc.Update{
		{Type: rpc.UpdateRemoveResourceGroup, ResourceGroup: &wire},
	}})
	s.auditWrite(sess, "RemoveResourceGroup", map[string]string{
		"toolId": args.ToolID, "URL": args.URL,
	})
	return success(nil)
}

func (s *Server) handleGetLastKnownVersion(req *rpc.Request) rpc.Response {
	var args rpc.LastKnownVersionArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !authorized(sess.user.Authz, auth.CapResGroupRead(args.ToolID, args.URL)) {
		return notAuthorized(sess.user, auth.ClassResGroupRead)
	}
	version, err := sess.Branch().GetLastKnownVersion(args.ToolID, args.URL)
	if errors.Is(err, storage.ErrNotFound) {
		version = ""
	} else if err != nil {
		return failure("%v", err)
	}
	return success(rpc.LastKnownVersionPayload{Version: version})
}

func (s *Server) handleAddResource(req *rpc.Request) rpc.Response {
	var args rpc.AddResourceArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	r := args.Resource
	if !authorized(sess.user.Authz, auth.CapResourceAdd(r.ToolID, r.ResourceGroupURL, r.URL)) {
		return notAuthorized(sess.user, auth.ClassResourceAdd)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	branch := sess.Branch()
	toolID, rgName, rgURL, rgVersion, res := modelResource(r)
	if err := branch.AddResource(toolID, rgURL, rgName, rgVersion, res); err != nil {
		return failure("%v", err)
	}
	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}
	s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: []rpc.Update{
		{Type: rpc.UpdateAddResource, Resource: &r},
	}})
	s.auditWrite(sess, "AddResource", auditResourceData(r.Ref()))
	return success(nil)
}

// readablePatterns keeps the patterns whose group the user may read.
func readablePatterns(a *auth.Authorization, patterns []model.ResourceRefPattern) []model.ResourceRefPattern {
	out := patterns[:0]
	for _, p := range patterns {
		if a.IsAuthorized(auth.CapResGroupRead(p.ToolID, p.ResourceGroupURL)) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleGetResources(req *rpc.Request) rpc.Response {
	var args rpc.GetResourcesArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassResourceRead) {
		return notAuthorized(sess.user, auth.ClassResourceRead)
	}
	groups, err := sess.Branch().GetResources(readablePatterns(a, args.Patterns), args.IncludeDeleted)
	if err != nil {
		return failure("%v", err)
	}
	payload := rpc.ResourcesPayload{Resources: []rpc.Resource{}}
	for _, rg := range groups {
		for _, res := range rg.Resources {
			if !a.IsAuthorized(auth.CapResourceRead(rg.ToolID, rg.URL, res.URL)) {
				continue
			}
			payload.Resources = append(payload.Resources, wireResource(rg, res))
		}
	}
	return success(payload)
}

func (s *Server) handleLinkResources(req *rpc.Request) rpc.Response {
	var args rpc.LinkArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	key := model.LinkKey{From: args.Link.FromRes, To: args.Link.ToRes}
	capArgs := linkCapabilityArgs(key)
	if !authorized(sess.user.Authz, auth.CapLinkAdd(capArgs[0], capArgs[1], capArgs[2], capArgs[3], capArgs[4], capArgs[5])) {
		return notAuthorized(sess.user, auth.ClassLinkAdd)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	branch := sess.Branch()
	if _, err := branch.GetResource(key.From); err != nil {
		return failure("invalid from resource: %v", err)
	}
	if _, err := branch.GetResource(key.To); err != nil {
		return failure("invalid to resource: %v", err)
	}
	link := &model.Link{FromRes: key.From, ToRes: key.To}
	if err := branch.AddLink(link); err != nil {
		return failure("%v", err)
	}
	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}
	if expanded, err := branch.ExpandLinks([]*model.Link{link}); err == nil && len(expanded) == 1 {
		wire := wireLink(expanded[0])
		s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: []rpc.Update{
			{Type: rpc.UpdateAddLink, Link: &wire},
		}})
	}
	s.auditWrite(sess, "LinkResources", auditLinkData(key))
	return success(nil)
}

func (s *Server) handleUnlinkResources(req *rpc.Request) rpc.Response {
	var args rpc.LinkArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	key := model.LinkKey{From: args.Link.FromRes, To: args.Link.ToRes}
	capArgs := linkCapabilityArgs(key)
	if !authorized(sess.user.Authz, auth.CapLinkRemove(capArgs[0], capArgs[1], capArgs[2], capArgs[3], capArgs[4], capArgs[5])) {
		return notAuthorized(sess.user, auth.ClassLinkRemove)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	branch := sess.Branch()
	// Expand before removal so the notification still carries the
	// full endpoints.
	link := &model.Link{FromRes: key.From, ToRes: key.To}
	expanded, expandErr := branch.ExpandLinks([]*model.Link{link})
	if err := branch.RemoveLink(key); err != nil {
		return failure("%v", err)
	}
	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}
	if expandErr == nil && len(expanded) == 1 {
		wire := wireLink(expanded[0])
		s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: []rpc.Update{
			{Type: rpc.UpdateRemoveLink, Link: &wire},
		}})
	}
	s.auditWrite(sess, "UnlinkResources", auditLinkData(key))
	return success(nil)
}

// readableLink checks the read capability against a materialized link.
func readableLink(a *auth.Authorization, lw *model.LinkWithResources) bool {
	return a.IsAuthorized(auth.CapLinkRead(
		lw.FromGroup.ToolID, lw.FromGroup.URL, lw.FromRes.URL,
		lw.ToGroup.ToolID, lw.ToGroup.URL, lw.ToRes.URL))
}

func (s *Server) handleGetLinks(req *rpc.Request) rpc.Response {
	var args rpc.GetLinksArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassLinkRead) {
		return notAuthorized(sess.user, auth.ClassLinkRead)
	}
	links, err := sess.Branch().GetLinks(args.Patterns)
	if err != nil {
		return failure("%v", err)
	}
	payload := rpc.LinksPayload{Links: []rpc.ResourceLink{}}
	for _, lw := range links {
		if readableLink(a, lw) {
			payload.Links = append(payload.Links, wireLink(lw))
		}
	}
	return success(payload)
}

func (s *Server) handleGetDependencyGraph(req *rpc.Request) rpc.Response {
	var args rpc.DependencyGraphArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassLinkRead) {
		return notAuthorized(sess.user, auth.ClassLinkRead)
	}
	branch := sess.Branch()
	res, err := branch.GetResource(args.Resource)
	if err != nil {
		return failure("parent resource not found")
	}
	rg, err := branch.GetResourceGroup(args.Resource.ToolID, args.Resource.ResourceGroupURL)
	if err != nil {
		return failure("parent resource not found")
	}
	links, err := branch.GetDependencyGraph(args.Resource, args.Upstream, args.MaxDepth)
	if err != nil {
		return failure("%v", err)
	}
	payload := rpc.DependencyGraphPayload{Resource: wireResource(rg, res), Links: []rpc.ResourceLink{}}
	for _, lw := range links {
		if readableLink(a, lw) {
			payload.Links = append(payload.Links, wireLink(lw))
		}
	}
	return success(payload)
}

func (s *Server) handleMarkLinksClean(req *rpc.Request) rpc.Response {
	var args rpc.MarkLinksCleanArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassLinkMarkClean) {
		return notAuthorized(sess.user, auth.ClassLinkMarkClean)
	}
	keys := make([]model.LinkKey, 0, len(args.Links))
	for _, ref := range args.Links {
		key := model.LinkKey{From: ref.FromRes, To: ref.ToRes}
		capArgs := linkCapabilityArgs(key)
		if !a.IsAuthorized(auth.CapLinkMarkClean(capArgs[0], capArgs[1], capArgs[2], capArgs[3], capArgs[4], capArgs[5])) {
			return notAuthorized(sess.user, auth.ClassLinkMarkClean)
		}
		keys = append(keys, key)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	branch := sess.Branch()
	cleaned, err := branch.MarkLinksClean(keys, args.Propagate)
	if err != nil {
		return failure("%v", err)
	}
	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}
	var updates []rpc.Update
	if expanded, err := branch.ExpandLinks(cleaned); err == nil {
		for _, lw := range expanded {
			wire := wireLink(lw)
			updates = append(updates, rpc.Update{Type: rpc.UpdateMarkLinkClean, Link: &wire})
		}
	}
	s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: updates})
	for _, key := range keys {
		s.auditWrite(sess, "CleanedLink", auditLinkData(key))
	}
	return success(nil)
}

func (s *Server) handleMarkInferredDirtinessClean(req *rpc.Request) rpc.Response {
	var args rpc.MarkInferredCleanArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	a := sess.user.Authz
	key := model.LinkKey{From: args.Link.FromRes, To: args.Link.ToRes}
	capArgs := linkCapabilityArgs(key)
	if !authorized(a, auth.CapLinkMarkClean(capArgs[0], capArgs[1], capArgs[2], capArgs[3], capArgs[4], capArgs[5])) {
		return notAuthorized(sess.user, auth.ClassLinkMarkClean)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	branch := sess.Branch()
	cleaned, err := branch.MarkInferredDirtinessClean(key, args.Source, args.Propagate)
	if err != nil {
		return failure("%v", err)
	}
	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}
	updates := make([]rpc.Update, 0, len(cleaned))
	for _, entry := range cleaned {
		updates = append(updates, rpc.Update{
			Type: rpc.UpdateMarkInferredLinkClean,
			InferredClean: &rpc.InferredLinkClean{
				Link:   rpc.LinkRef{FromRes: entry.Link.From, ToRes: entry.Link.To},
				Source: entry.Source,
			},
		})
	}
	s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: updates})
	data := auditLinkData(key)
	data["sourceURL"] = args.Source.URL
	s.auditWrite(sess, "CleanedInferredLink", data)
	return success(nil)
}

func (s *Server) handleGetDirtyLinks(req *rpc.Request) rpc.Response {
	var args rpc.GetDirtyLinksArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassLinkRead) {
		return notAuthorized(sess.user, auth.ClassLinkRead)
	}
	links, err := sess.Branch().GetDirtyLinks(args.ToolID, args.URL, args.WithInferred)
	if err != nil {
		return failure("%v", err)
	}
	payload := rpc.DirtyLinksPayload{Resources: []rpc.Resource{}, Links: []rpc.ResourceLink{}}
	for _, lw := range links {
		if !readableLink(a, lw) {
			continue
		}
		payload.Resources = append(payload.Resources, wireResource(lw.ToGroup, lw.ToRes))
		payload.Links = append(payload.Links, wireLink(lw))
	}
	return success(payload)
}

func (s *Server) handleWatchResourceGroup(req *rpc.Request) rpc.Response {
	var args rpc.WatchGroupArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	if !authorized(sess.user.Authz, auth.CapResGroupWatch(args.ToolID, args.URL)) {
		return notAuthorized(sess.user, auth.ClassResGroupWatch)
	}
	sess.watchGroup(groupKey{toolID: args.ToolID, url: args.URL})
	return success(nil)
}

func (s *Server) handleUnwatchResourceGroup(req *rpc.Request) rpc.Response {
	var args rpc.WatchGroupArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	sess.unwatchGroup(groupKey{toolID: args.ToolID, url: args.URL})
	return success(nil)
}

func (s *Server) handleUnwatchDepi(req *rpc.Request) rpc.Response {
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	sess.stopDepiWatch()
	return success(nil)
}

func (s *Server) handleUnwatchBlackboard(req *rpc.Request) rpc.Response {
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	sess.stopBlackboardWatch()
	return success(nil)
}
