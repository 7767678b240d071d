package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/orbital/internal/actor"
	"github.com/dreamware/orbital/internal/membership"
	"github.com/dreamware/orbital/internal/placement"
	"github.com/dreamware/orbital/internal/pubsub"
	"github.com/dreamware/orbital/internal/scheduler"
	"github.com/dreamware/orbital/internal/wire"
)

// Server is one node's TCP wire listener.
type Server struct {
	self       string
	scheduler  *scheduler.Scheduler
	placement  *placement.Directory
	membership *membership.Protocol
	hub        *pubsub.Hub
	log        *logrus.Entry

	listener net.Listener
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Server. self is this node's own advertised address,
// used to recognize locally-owned placements.
func New(self string, sched *scheduler.Scheduler, dir *placement.Directory, mem *membership.Protocol, hub *pubsub.Hub, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{self: self, scheduler: sched, placement: dir, membership: mem, hub: hub, log: log, ctx: ctx, cancel: cancel}
}

// ListenAndServe binds addr and runs the accept loop until Close is
// called or the listener is closed. Other accept errors are logged and
// the loop keeps accepting.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.WithField("address", addr).Info("server: wire listener started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("server: accept failed")
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections, closes the open ones, and waits
// for in-flight frames to finish.
func (s *Server) Close() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	var writeMu sync.Mutex
	writeFrame := func(f wire.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wire.WriteFrame(conn, f)
	}

	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Debug("server: connection read failed")
			}
			return
		}

		f := frame
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleFrame(conn, f, writeFrame)
		}()
	}
}

func (s *Server) handleFrame(conn net.Conn, f wire.Frame, writeFrame func(wire.Frame) error) {
	switch f.Kind {
	case wire.KindPing:
		_ = writeFrame(wire.Frame{RequestID: f.RequestID, Kind: wire.KindPong})

	case wire.KindRequest:
		var req wire.RequestBody
		if err := wire.DecodeBody(f, &req); err != nil {
			body, _ := wire.EncodeBody(wire.InternalErr(wire.CodeUnknownMessage, err.Error()))
			_ = writeFrame(wire.Frame{RequestID: f.RequestID, Kind: wire.KindResponse, Body: body})
			return
		}
		resp := s.route(s.ctx, req)
		body, _ := wire.EncodeBody(resp)
		_ = writeFrame(wire.Frame{RequestID: f.RequestID, Kind: wire.KindResponse, Body: body})

	case wire.KindShutdown:
		var req wire.RequestBody
		if err := wire.DecodeBody(f, &req); err == nil {
			s.scheduler.Evict(actor.Identity{Type: req.TypeName, ID: req.ID})
		}

	case wire.KindPublish:
		var body wire.PublishBody
		if err := wire.DecodeBody(f, &body); err == nil {
			s.hub.Publish(body.Subject, body.Payload)
		}

	case wire.KindSubscribe:
		var body wire.SubscribeBody
		if err := wire.DecodeBody(f, &body); err == nil {
			sub := s.hub.Subscribe(body.Subject)
			go s.forwardSubscription(sub, writeFrame)
		}

	default:
		s.log.WithField("kind", f.Kind).Debug("server: unhandled frame kind")
	}
}

// forwardSubscription relays every message delivered to sub onto conn as
// KindPublish frames until the subscription's hub connection tears down.
// The server has no direct signal that the remote end unsubscribed short
// of the connection closing, which the caller's ReadFrame loop detects;
// writeFrame failing here is that same signal from the write side.
func (s *Server) forwardSubscription(sub *pubsub.Subscription, writeFrame func(wire.Frame) error) {
	defer sub.Unsubscribe()
	for payload := range sub.Messages() {
		body, _ := wire.EncodeBody(wire.PublishBody{Subject: sub.Subject(), Payload: payload})
		if err := writeFrame(wire.Frame{Kind: wire.KindPublish, Body: body}); err != nil {
			return
		}
	}
}

// route resolves placement for req and either dispatches locally or
// redirects the caller to the owning peer. There is no actor-to-actor
// call facility in this codebase, so a node never originates a request
// on another object's behalf; every non-local target is always a
// Redirect, leaving the client's own redirect budget as the only hop
// bound that matters.
func (s *Server) route(ctx context.Context, req wire.RequestBody) wire.ResponseBody {
	id := actor.Identity{Type: req.TypeName, ID: req.ID}
	if !id.Valid() {
		return wire.InternalErr(wire.CodeUnknownType, "empty type_name or id")
	}

	addr, err := s.placement.Lookup(ctx, id)
	if err != nil {
		return wire.InternalErr(wire.CodeStoreUnavailable, err.Error())
	}
	if addr == "" {
		addr, err = s.placement.Allocate(ctx, id)
		if err != nil {
			return wire.InternalErr(wire.CodeStoreUnavailable, err.Error())
		}
	}

	if addr == s.self {
		out, derr := s.scheduler.Dispatch(ctx, id, req.MessageType, req.Payload)
		return s.outcomeFrom(out, derr)
	}

	return wire.Redirect(addr)
}

func (s *Server) outcomeFrom(payload []byte, err error) wire.ResponseBody {
	if err == nil {
		return wire.OK(payload)
	}
	var ue *wire.UserError
	if errors.As(err, &ue) {
		return wire.UserErr(ue.Type, ue.Payload)
	}
	var re *wire.RedirectError
	if errors.As(err, &re) {
		return wire.Redirect(re.Address)
	}
	var ie *wire.InternalError
	if errors.As(err, &ie) {
		return wire.InternalErr(ie.Code, ie.Message)
	}
	if errors.Is(err, wire.ErrObjectShuttingDown) {
		return wire.ShuttingDown()
	}
	if errors.Is(err, wire.ErrBusy) {
		return wire.Busy()
	}
	return wire.InternalErr(wire.CodeConnectionLost, err.Error())
}
