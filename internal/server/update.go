package server

import (
	"github.com/vu-isis/depi/internal/auth"
	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/rpc"
)

// changeCapability maps a change entry to the capability it requires.
func changeCapability(rgc rpc.ResourceGroupChange, rc model.ResourceChange) auth.Capability {
	switch rc.ChangeType {
	case model.ChangeAdded:
		return auth.CapResourceAdd(rgc.ToolID, rgc.URL, rc.URL)
	case model.ChangeRemoved:
		return auth.CapResourceRemove(rgc.ToolID, rgc.URL, rc.URL)
	default:
		return auth.CapResourceChange(rgc.ToolID, rgc.URL, rc.URL)
	}
}

// changeUpdate builds the watcher-facing update for one applied change.
func changeUpdate(rgc rpc.ResourceGroupChange, rc model.ResourceChange) rpc.Update {
	switch rc.ChangeType {
	case model.ChangeAdded:
		res := changeResource(rgc, rc)
		return rpc.Update{Type: rpc.UpdateAddResource, Resource: &res}
	case model.ChangeRenamed:
		rcCopy := rc
		return rpc.Update{Type: rpc.UpdateRenameResource, Rename: &rcCopy}
	case model.ChangeRemoved:
		res := changeResource(rgc, rc)
		return rpc.Update{Type: rpc.UpdateRemoveResource, Resource: &res}
	default:
		res := changeResource(rgc, rc)
		return rpc.Update{Type: rpc.UpdateModifyResource, Resource: &res}
	}
}

// handleUpdateResourceGroup applies a tool-reported change set: the
// storage layer dirties downstream links, blackboards staging the same
// group are reconciled, and watchers are notified.
func (s *Server) handleUpdateResourceGroup(req *rpc.Request) rpc.Response {
	var args rpc.UpdateResourceGroupArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassResGroupChange) || !a.HasCapability(auth.ClassResourceChange) {
		return notAuthorized(sess.user, auth.ClassResGroupChange)
	}
	rgc := args.ResourceGroup
	if !a.IsAuthorized(auth.CapResGroupChange(rgc.ToolID, rgc.URL)) {
		return notAuthorized(sess.user, auth.ClassResGroupChange)
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	branch := sess.Branch()
	if args.UpdateBranch != "" && args.UpdateBranch != branch.Name() {
		var err error
		branch, err = s.db.GetBranch(args.UpdateBranch)
		if err != nil {
			return failure("%v", err)
		}
	}

	// Changes the user may not make are dropped, not fatal: a tool
	// reports everything it saw and the registry takes what it can.
	change := model.NewResourceGroupChange(rgc.Name, rgc.ToolID, rgc.URL, rgc.Version)
	var allowed []model.ResourceChange
	for _, rc := range rgc.Resources {
		if !a.IsAuthorized(changeCapability(rgc, rc)) {
			s.log.Warn("dropping unauthorized change",
				"user", sess.user.Name, "URL", rc.URL, "changeType", rc.ChangeType.String())
			continue
		}
		rcCopy := rc
		change.Resources[rc.URL] = &rcCopy
		allowed = append(allowed, rc)
	}

	dirtied, err := branch.UpdateResourceGroup(change)
	if err != nil {
		return failure("%v", err)
	}
	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}

	updates := make([]rpc.Update, 0, len(allowed))
	for _, rc := range allowed {
		updates = append(updates, changeUpdate(rgc, rc))
	}

	if branch.Name() == s.defaultBranch {
		for user, bb := range s.blackboardList() {
			s.reconcileBlackboard(user, bb, rgc, allowed)
		}
	}

	if expanded, err := branch.ExpandLinks(dirtied); err == nil {
		for _, lw := range expanded {
			ru := rpc.ResourceUpdate{
				WatchedResource: wireResource(lw.ToGroup, lw.ToRes),
				UpdatedResource: wireResource(lw.FromGroup, lw.FromRes),
			}
			s.notifyResources(branch.Name(), groupKey{toolID: lw.ToGroup.ToolID, url: lw.ToGroup.URL}, ru)
			wire := wireLink(lw)
			updates = append(updates, rpc.Update{Type: rpc.UpdateMarkLinkDirty, Link: &wire})
		}
	}

	s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: updates})
	for _, rc := range allowed {
		s.auditWrite(sess, "UpdateResourceGroupResource", map[string]string{
			"toolId":           rgc.ToolID,
			"resourceGroupURL": rgc.URL,
			"URL":              rc.URL,
			"changeType":       rc.ChangeType.String(),
		})
	}
	return success(nil)
}

func linkTouches(lw *model.LinkWithResources, ref model.ResourceRef) bool {
	if lw.FromGroup.ToolID == ref.ToolID && lw.FromGroup.URL == ref.ResourceGroupURL && lw.FromRes.URL == ref.URL {
		return true
	}
	return lw.ToGroup.ToolID == ref.ToolID && lw.ToGroup.URL == ref.ResourceGroupURL && lw.ToRes.URL == ref.URL
}

// reconcileBlackboard follows a main-branch group change into one
// user's stage: the staged group version moves along, removed
// resources fall out of the stage together with their staged links,
// and renames rewrite staged resources and link endpoints. Watching
// sessions of the user see each adjustment.
func (s *Server) reconcileBlackboard(user string, bb *Blackboard, rgc rpc.ResourceGroupChange, changes []model.ResourceChange) {
	g, ok := bb.groups[groupKey{toolID: rgc.ToolID, url: rgc.URL}]
	if !ok || g.Version == rgc.Version {
		return
	}
	updates := []rpc.Update{{
		Type: rpc.UpdateVersionChanged,
		VersionChange: &rpc.ResourceGroupVersionChange{
			ToolID:     rgc.ToolID,
			Name:       g.Name,
			URL:        rgc.URL,
			Version:    g.Version,
			NewVersion: rgc.Version,
		},
	}}
	g.Version = rgc.Version

	for _, rc := range changes {
		res := g.GetResource(rc.URL)
		if res == nil {
			continue
		}
		ref := g.Ref(rc.URL)
		switch rc.ChangeType {
		case model.ChangeRemoved:
			for key, lw := range bb.changedLinks {
				if !linkTouches(lw, ref) {
					continue
				}
				delete(bb.changedLinks, key)
				bb.deletedLinks[key] = lw
				wire := wireLink(lw)
				updates = append(updates, rpc.Update{Type: rpc.UpdateRemoveLink, Link: &wire})
			}
			wireRes := wireResource(g, res)
			updates = append(updates, rpc.Update{Type: rpc.UpdateRemoveResource, Resource: &wireRes})
			g.RemoveResource(rc.URL)

		case model.ChangeRenamed, model.ChangeModified:
			if !rc.ChangesIdentity() {
				continue
			}
			type affectedLink struct {
				key            model.LinkKey
				lw             *model.LinkWithResources
				oldFrom, oldTo rpc.Resource
			}
			var hits []affectedLink
			for key, lw := range bb.changedLinks {
				if linkTouches(lw, ref) {
					hits = append(hits, affectedLink{
						key:     key,
						lw:      lw,
						oldFrom: wireResource(lw.FromGroup, lw.FromRes),
						oldTo:   wireResource(lw.ToGroup, lw.ToRes),
					})
				}
			}
			// The staged resource is shared by reference with its
			// links, so rewriting it updates both; the maps are
			// rekeyed explicitly.
			g.RemoveResource(rc.URL)
			if rc.NewURL != "" {
				res.URL = rc.NewURL
			}
			if rc.NewName != "" {
				res.Name = rc.NewName
			}
			if rc.NewID != "" {
				res.ID = rc.NewID
			}
			g.AddResource(res)
			for _, hit := range hits {
				delete(bb.changedLinks, hit.key)
				bb.changedLinks[linkKeyOf(hit.lw)] = hit.lw
				updates = append(updates, rpc.Update{
					Type: rpc.UpdateRenameLink,
					LinkRename: &rpc.LinkRename{
						FromRes:    hit.oldFrom,
						NewFromRes: wireResource(hit.lw.FromGroup, hit.lw.FromRes),
						ToRes:      hit.oldTo,
						NewToRes:   wireResource(hit.lw.ToGroup, hit.lw.ToRes),
					},
				})
			}
			rcCopy := rc
			updates = append(updates, rpc.Update{Type: rpc.UpdateRenameResource, Rename: &rcCopy})
		}
	}
	s.notifyBlackboard(user, rpc.BlackboardUpdate{Updates: updates})
}

// handleUpdateDepi applies a batch of raw updates. Unauthorized or
// unsupported entries are skipped; storage errors abort the batch.
func (s *Server) handleUpdateDepi(req *rpc.Request) rpc.Response {
	var args rpc.UpdateDepiArgs
	if err := decode(req, &args); err != nil {
		return failure("decoding args: %v", err)
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		return invalidSession(req.SessionID)
	}
	a := sess.user.Authz

	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	branch := sess.Branch()

	applied := make([]rpc.Update, 0, len(args.Updates))
	for _, upd := range args.Updates {
		switch upd.Type {
		case rpc.UpdateAddResource:
			if upd.Resource == nil {
				continue
			}
			r := *upd.Resource
			if !authorized(a, auth.CapResourceAdd(r.ToolID, r.ResourceGroupURL, r.URL)) {
				s.log.Warn("skipping unauthorized update", "type", upd.Type, "URL", r.URL)
				continue
			}
			toolID, rgName, rgURL, rgVersion, res := modelResource(r)
			if err := branch.AddResource(toolID, rgURL, rgName, rgVersion, res); err != nil {
				return failure("%v", err)
			}
			s.auditWrite(sess, "AddResource", auditResourceData(r.Ref()))

		case rpc.UpdateRemoveResource:
			if upd.Resource == nil {
				continue
			}
			ref := upd.Resource.Ref()
			if !authorized(a, auth.CapResourceRemove(ref.ToolID, ref.ResourceGroupURL, ref.URL)) {
				s.log.Warn("skipping unauthorized update", "type", upd.Type, "URL", ref.URL)
				continue
			}
			if _, err := branch.RemoveResource(ref); err != nil {
				return failure("%v", err)
			}
			s.auditWrite(sess, "RemoveResource", auditResourceData(ref))

		case rpc.UpdateAddLink:
			if upd.Link == nil {
				continue
			}
			key := model.LinkKey{From: upd.Link.FromRes.Ref(), To: upd.Link.ToRes.Ref()}
			capArgs := linkCapabilityArgs(key)
			if !authorized(a, auth.CapLinkAdd(capArgs[0], capArgs[1], capArgs[2], capArgs[3], capArgs[4], capArgs[5])) {
				s.log.Warn("skipping unauthorized update", "type", upd.Type)
				continue
			}
			if err := branch.AddLink(&model.Link{FromRes: key.From, ToRes: key.To}); err != nil {
				return failure("%v", err)
			}
			s.auditWrite(sess, "LinkResources", auditLinkData(key))

		case rpc.UpdateRemoveLink:
			if upd.Link == nil {
				continue
			}
			key := model.LinkKey{From: upd.Link.FromRes.Ref(), To: upd.Link.ToRes.Ref()}
			capArgs := linkCapabilityArgs(key)
			if !authorized(a, auth.CapLinkRemove(capArgs[0], capArgs[1], capArgs[2], capArgs[3], capArgs[4], capArgs[5])) {
				s.log.Warn("skipping unauthorized update", "type", upd.Type)
				continue
			}
			if err := branch.RemoveLink(key); err != nil {
				return failure("%v", err)
			}
			s.auditWrite(sess, "UnlinkResources", auditLinkData(key))

		default:
			s.log.Warn("skipping unsupported update", "type", upd.Type)
			continue
		}
		applied = append(applied, upd)
	}

	if err := branch.SaveState(); err != nil {
		return failure("saving state: %v", err)
	}
	s.notifyDepi(branch.Name(), rpc.DepiUpdate{Updates: applied})
	return success(nil)
}
