package server

import (
	"errors"
	"strings"

	"github.com/vu-isis/depi/internal/auth"
	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/rpc"
	"github.com/vu-isis/depi/internal/storage"
)

// bulkBatch caps the number of staged resources or links promoted per
// storage call.
const bulkBatch = 1000

func (s *Server) handleAddResourcesToBlackboard(req *rpc.Request) rpc.Response {
	var args rpc.BlackboardResourcesArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	bb := s.blackboard(sess.user.Name)
	var updates []rpc.Update
	for _, r := range args.Resources {
		toolID, rgName, rgURL, rgVersion, res := modelResource(r)
		if !bb.addResource(toolID, rgName, rgURL, rgVersion, res) {
			continue
		}
		wire := r
		updates = append(updates, rpc.Update{Type: rpc.UpdateAddResource, Resource: &wire})
	}
	s.notifyBlackboard(sess.user.Name, rpc.BlackboardUpdate{Updates: updates})
	return success(nil)
}

func (s *Server) handleRemoveResourcesFromBlackboard(req *rpc.Request) rpc.Response {
	var args rpc.BlackboardRefsArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	bb := s.blackboard(sess.user.Name)
	var updates []rpc.Update
	for _, ref := range args.Refs {
		g, res, ok := bb.expand(ref)
		if !ok {
			continue
		}
		wire := wireResource(g, res)
		bb.removeResource(ref)
		updates = append(updates, rpc.Update{Type: rpc.UpdateRemoveResource, Resource: &wire})
	}
	s.notifyBlackboard(sess.user.Name, rpc.BlackboardUpdate{Updates: updates})
	return success(nil)
}

func (s *Server) handleLinkBlackboardResources(req *rpc.Request) rpc.Response {
	var args rpc.BlackboardLinksArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	bb := s.blackboard(sess.user.Name)
	var updates []rpc.Update
	for _, ref := range args.Links {
		fromGroup, fromRes, ok := bb.expand(ref.FromRes)
		if !ok {
			return failure("Invalid from resource")
		}
		toGroup, toRes, ok := bb.expand(ref.ToRes)
		if !ok {
			return failure("Invalid to resource")
		}
		lw := &model.LinkWithResources{
			FromGroup: fromGroup, FromRes: fromRes,
			ToGroup: toGroup, ToRes: toRes,
		}
		if !bb.link(lw) {
			continue
		}
		wire := wireLink(lw)
		updates = append(updates, rpc.Update{Type: rpc.UpdateAddLink, Link: &wire})
	}
	s.notifyBlackboard(sess.user.Name, rpc.BlackboardUpdate{Updates: updates})
	return success(nil)
}

func (s *Server) handleUnlinkBlackboardResources(req *rpc.Request) rpc.Response {
	var args rpc.BlackboardLinksArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	bb := s.blackboard(sess.user.Name)
	var updates []rpc.Update
	for _, ref := range args.Links {
		key := model.LinkKey{From: ref.FromRes, To: ref.ToRes}
		lw, ok := bb.unlink(key)
		if !ok {
			continue
		}
		wire := wireLink(lw)
		updates = append(updates, rpc.Update{Type: rpc.UpdateRemoveLink, Link: &wire})
	}
	s.notifyBlackboard(sess.user.Name, rpc.BlackboardUpdate{Updates: updates})
	return success(nil)
}

func (s *Server) handleGetBlackboardResources(req *rpc.Request) rpc.Response {
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	bb := s.blackboard(sess.user.Name)
	payload := rpc.BlackboardPayload{Resources: []rpc.Resource{}, Links: []rpc.ResourceLink{}}
	seen := map[model.ResourceRef]bool{}
	for _, sr := range bb.stagedResources() {
		seen[sr.group.Ref(sr.res.URL)] = true
		payload.Resources = append(payload.Resources, wireResource(sr.group, sr.res))
	}
	for _, lw := range bb.stagedLinks() {
		for _, end := range []struct {
			g   *model.ResourceGroup
			res *model.Resource
		}{{lw.FromGroup, lw.FromRes}, {lw.ToGroup, lw.ToRes}} {
			ref := end.g.Ref(end.res.URL)
			if !seen[ref] {
				seen[ref] = true
				payload.Resources = append(payload.Resources, wireResource(end.g, end.res))
			}
		}
		payload.Links = append(payload.Links, wireLink(lw))
	}
	return success(payload)
}

// handleSaveBlackboard promotes the stage to the main branch in one
// atomic pass: version checks first, then resources in batches, then
// links, then a single save and fan-out. The stage is cleared on
// success.
func (s *Server) handleSaveBlackboard(req *rpc.Request) rpc.Response {
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	a := sess.user.Authz

	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	bb := s.blackboard(sess.user.Name)
	branch, err := s.db.GetBranch(s.defaultBranch)
	if err != nil {
		return failure("opening branch %s: %v", s.defaultBranch, err)
	}

	staged := bb.stagedResources()
	if len(staged) > 0 && !a.HasCapability(auth.ClassResourceAdd) {
		return notAuthorized(sess.user, auth.ClassResourceAdd)
	}

	// A stale stage must not overwrite newer registry state.
	checked := map[groupKey]bool{}
	for _, sr := range staged {
		key := groupKey{toolID: sr.group.ToolID, url: sr.group.URL}
		if checked[key] {
			continue
		}
		checked[key] = true
		version, err := branch.GetLastKnownVersion(key.toolID, key.url)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return failure("%v", err)
		}
		if version != sr.group.Version {
			return failure("Resource version in blackboard %s does not match resource version in Depi %s",
				sr.group.Version, version)
		}
	}

	// Tools sometimes stage URLs without their leading separator;
	// normalize before the authorization check so grants match.
	for _, sr := range staged {
		sep := s.separator(sr.group.ToolID)
		if !strings.HasPrefix(sr.res.URL, sep) {
			sr.group.RemoveResource(sr.res.URL)
			sr.res.URL = sep + sr.res.URL
			sr.group.AddResource(sr.res)
		}
		if !a.IsAuthorized(auth.CapResourceAdd(sr.group.ToolID, sr.group.URL, sr.res.URL)) {
			return notAuthorized(sess.user, auth.ClassResourceAdd)
		}
	}

	links := bb.stagedLinks()

	for i := 0; i < len(staged); i += bulkBatch {
		end := min(i+bulkBatch, len(staged))
		groups := map[groupKey]*model.ResourceGroup{}
		var chunk []*model.ResourceGroup
		for _, sr := range staged[i:end] {
			key := groupKey{toolID: sr.group.ToolID, url: sr.group.URL}
			g, ok := groups[key]
			if !ok {
				g = model.NewResourceGroup(sr.group.Name, sr.group.ToolID, sr.group.URL, sr.group.Version)
				groups[key] = g
				chunk = append(chunk, g)
			}
			g.AddResource(sr.res)
		}
		if err := branch.BulkAdd(chunk, nil); err != nil {
			return failure("%v", err)
		}
	}

	modelLinks := make([]*model.Link, 0, len(links))
	for _, lw := range links {
		modelLinks = append(modelLinks, lw.ToLink())
	}
	for i := 0; i < len(modelLinks); i += bulkBatch {
		end := min(i+bulkBatch, len(modelLinks))
		if err := branch.BulkAdd(nil, modelLinks[i:end]); err != nil {
			return failure("%v", err)
		}
	}

	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}

	// Blackboard saves announce to every registry watcher regardless
	// of branch: the save targets main and main is what everyone
	// follows for promoted resources.
	updates := make([]rpc.Update, 0, len(staged)+len(links))
	for _, sr := range staged {
		wire := wireResource(sr.group, sr.res)
		updates = append(updates, rpc.Update{Type: rpc.UpdateAddResource, Resource: &wire})
	}
	for _, lw := range links {
		wire := wireLink(lw)
		updates = append(updates, rpc.Update{Type: rpc.UpdateAddLink, Link: &wire})
	}
	s.notifyDepi("", rpc.DepiUpdate{Updates: updates})

	for _, sr := range staged {
		s.auditWrite(sess, "AddResource", auditResourceData(sr.group.Ref(sr.res.URL)))
	}
	for _, lw := range links {
		s.auditWrite(sess, "LinkResources", auditLinkData(linkKeyOf(lw)))
	}

	s.clearStage(sess.user.Name, bb)
	return success(nil)
}

func (s *Server) handleClearBlackboard(req *rpc.Request) rpc.Response {
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	s.clearStage(sess.user.Name, s.blackboard(sess.user.Name))
	return success(nil)
}

// clearStage empties a user's blackboard and tells their watching
// sessions to roll the staged picture back: staged resources and links
// disappear, pending deletions come back.
func (s *Server) clearStage(user string, bb *Blackboard) {
	var updates []rpc.Update
	for _, sr := range bb.stagedResources() {
		wire := wireResource(sr.group, sr.res)
		updates = append(updates, rpc.Update{Type: rpc.UpdateRemoveResource, Resource: &wire})
	}
	for _, lw := range bb.pendingDeletions() {
		wire := wireLink(lw)
		updates = append(updates, rpc.Update{Type: rpc.UpdateAddLink, Link: &wire})
	}
	for _, lw := range bb.stagedLinks() {
		wire := wireLink(lw)
		updates = append(updates, rpc.Update{Type: rpc.UpdateRemoveLink, Link: &wire})
	}
	s.notifyBlackboard(user, rpc.BlackboardUpdate{Updates: updates})
	s.resetBlackboard(user)
}
