package server

import (
	"encoding/json"

	"github.com/vu-isis/depi/internal/auth"
	"github.com/vu-isis/depi/internal/model"
	"github.com/vu-isis/depi/internal/rpc"
)

// IsStream reports whether an operation answers with a run of frames.
func (s *Server) IsStream(operation string) bool {
	switch operation {
	case rpc.OpGetResourcesAsStream,
		rpc.OpGetLinksAsStream,
		rpc.OpGetAllLinksAsStream,
		rpc.OpGetDirtyLinksAsStream,
		rpc.OpWatchDepi,
		rpc.OpWatchBlackboard,
		rpc.OpRegisterCallback:
		return true
	}
	return false
}

// HandleStream dispatches one streaming request. send returns false
// when the client is gone; the handler stops and cleans up.
func (s *Server) HandleStream(req *rpc.Request, send func(rpc.Response) bool) {
	switch req.Operation {
	case rpc.OpGetResourcesAsStream:
		s.streamResources(req, send)
	case rpc.OpGetLinksAsStream:
		s.streamLinks(req, send)
	case rpc.OpGetAllLinksAsStream:
		s.streamAllLinks(req, send)
	case rpc.OpGetDirtyLinksAsStream:
		s.streamDirtyLinks(req, send)
	case rpc.OpWatchDepi:
		s.watchDepi(req, send)
	case rpc.OpWatchBlackboard:
		s.watchBlackboard(req, send)
	case rpc.OpRegisterCallback:
		s.watchResources(req, send)
	default:
		resp := failure("unknown operation: %s", req.Operation)
		resp.End = true
		send(resp)
	}
}

func sendFailure(send func(rpc.Response) bool, resp rpc.Response) {
	resp.End = true
	send(resp)
}

func sendFrame(send func(rpc.Response) bool, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return send(rpc.Response{OK: true, Data: data})
}

func sendEnd(send func(rpc.Response) bool) {
	send(rpc.Response{OK: true, End: true})
}

func (s *Server) streamResources(req *rpc.Request, send func(rpc.Response) bool) {
	var args rpc.GetResourcesArgs
	if err := decode(req, &args); err != nil {
		sendFailure(send, failure("decoding args: %v", err))
		return
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		sendFailure(send, invalidSession(req.SessionID))
		return
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassResourceRead) {
		sendFailure(send, notAuthorized(sess.user, auth.ClassResourceRead))
		return
	}
	err := sess.Branch().StreamResources(readablePatterns(a, args.Patterns), args.IncludeDeleted,
		func(rg *model.ResourceGroup, res *model.Resource) bool {
			if !a.IsAuthorized(auth.CapResourceRead(rg.ToolID, rg.URL, res.URL)) {
				return true
			}
			return sendFrame(send, rpc.ResourcePayload{Resource: wireResource(rg, res)})
		})
	if err != nil {
		sendFailure(send, failure("%v", err))
		return
	}
	sendEnd(send)
}

func (s *Server) streamLinks(req *rpc.Request, send func(rpc.Response) bool) {
	var args rpc.GetLinksArgs
	if err := decode(req, &args); err != nil {
		sendFailure(send, failure("decoding args: %v", err))
		return
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		sendFailure(send, invalidSession(req.SessionID))
		return
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassLinkRead) {
		sendFailure(send, notAuthorized(sess.user, auth.ClassLinkRead))
		return
	}
	err := sess.Branch().StreamLinks(args.Patterns, func(lw *model.LinkWithResources) bool {
		if !readableLink(a, lw) {
			return true
		}
		return sendFrame(send, rpc.LinkPayload{Link: wireLink(lw)})
	})
	if err != nil {
		sendFailure(send, failure("%v", err))
		return
	}
	sendEnd(send)
}

func (s *Server) streamAllLinks(req *rpc.Request, send func(rpc.Response) bool) {
	sess := s.session(req.SessionID)
	if sess == nil {
		sendFailure(send, invalidSession(req.SessionID))
		return
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassLinkRead) {
		sendFailure(send, notAuthorized(sess.user, auth.ClassLinkRead))
		return
	}
	err := sess.Branch().StreamAllLinks(false, func(lw *model.LinkWithResources) bool {
		if !readableLink(a, lw) {
			return true
		}
		return sendFrame(send, rpc.LinkPayload{Link: wireLink(lw)})
	})
	if err != nil {
		sendFailure(send, failure("%v", err))
		return
	}
	sendEnd(send)
}

func (s *Server) streamDirtyLinks(req *rpc.Request, send func(rpc.Response) bool) {
	var args rpc.GetDirtyLinksArgs
	if err := decode(req, &args); err != nil {
		sendFailure(send, failure("decoding args: %v", err))
		return
	}
	sess := s.session(req.SessionID)
	if sess == nil {
		sendFailure(send, invalidSession(req.SessionID))
		return
	}
	a := sess.user.Authz
	if !a.HasCapability(auth.ClassLinkRead) {
		sendFailure(send, notAuthorized(sess.user, auth.ClassLinkRead))
		return
	}
	err := sess.Branch().StreamDirtyLinks(args.ToolID, args.URL, args.WithInferred,
		func(lw *model.LinkWithResources) bool {
			if !readableLink(a, lw) {
				return true
			}
			return sendFrame(send, rpc.DirtyLinkPayload{
				Resource: wireResource(lw.ToGroup, lw.ToRes),
				Link:     wireLink(lw),
			})
		})
	if err != nil {
		sendFailure(send, failure("%v", err))
		return
	}
	sendEnd(send)
}

// watchDepi follows the session's registry update queue until the
// watch is cancelled or the client disconnects.
func (s *Server) watchDepi(req *rpc.Request, send func(rpc.Response) bool) {
	sess := s.session(req.SessionID)
	if sess == nil {
		sendFailure(send, invalidSession(req.SessionID))
		return
	}
	if !sess.user.Authz.HasCapability(auth.ClassDepiWatch) {
		sendFailure(send, notAuthorized(sess.user, auth.ClassDepiWatch))
		return
	}
	q := sess.beginDepiWatch()
	defer sess.endDepiWatch(q)
	s.followQueue(q, send)
}

func (s *Server) watchBlackboard(req *rpc.Request, send func(rpc.Response) bool) {
	sess := s.session(req.SessionID)
	if sess == nil {
		sendFailure(send, invalidSession(req.SessionID))
		return
	}
	q := sess.beginBlackboardWatch()
	defer sess.endBlackboardWatch(q)
	s.followQueue(q, send)
}

func (s *Server) watchResources(req *rpc.Request, send func(rpc.Response) bool) {
	sess := s.session(req.SessionID)
	if sess == nil {
		sendFailure(send, invalidSession(req.SessionID))
		return
	}
	q := sess.beginResourceWatch()
	defer sess.endResourceWatch(q)
	s.followQueue(q, send)
}

// followQueue drains a watch queue into frames. A closed queue ends
// the stream with a terminal frame; a dead client just stops it.
func (s *Server) followQueue(q *eventQueue, send func(rpc.Response) bool) {
	for {
		ev, ok := q.next()
		if !ok {
			sendEnd(send)
			return
		}
		if !sendFrame(send, ev) {
			q.close()
			return
		}
	}
}
