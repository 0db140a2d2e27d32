// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package roam implements the sessions that carry frames between the nodes of
// a distributed game server.
//
// A node hosts one or more scenes. Each scene owns a set of entities and
// processes the frames addressed to them one at a time. Frames travel between
// nodes over sessions, and are routed to a scene either directly or through
// the [Address] of an entity.
//
// # Sessions
//
// The core type defined by this package is the [Session]. A session exchanges
// frames with one remote session over a [Channel], and correlates the
// responses it receives with the requests it sent.
//
// To create and start a session:
//
//	s := roam.NewSession().Receive(handle).Start(ch)
//
// The session runs until [Session.Stop] is called, the channel is closed by
// the remote session, or a protocol fatal error occurs. Call [Session.Wait] to
// wait for the session to exit and return its status:
//
//	if err := s.Wait(); err != nil {
//	   log.Fatalf("Session failed: %v", err)
//	}
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive frames. A
// Channel implementation must allow concurrent use by one sender and one
// receiver. The channel package provides implementations over in-memory
// queues, byte streams, and QUIC streams.
//
// # Calls
//
// A call is a request frame and the response that completes it. To issue a
// call, use [Session.Call]:
//
//	rsp, err := s.Call(ctx, op, route, payload)
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors returned by s.Call have concrete type [*CallError], and carry an
// [ErrorCode]. Use [CodeOf] to recover the code of any error.
//
// A call that receives no response before the call timeout is settled by the
// session with [CodeRPCFail]. Pings are answered by the session itself, and
// never reach the receiver.
//
// Inbound messages and requests are handed to the [Receiver] of the session,
// which must not block. A receiver answers a request with [Session.Reply].
//
// # Metrics
//
// Sessions maintain a collection of metrics while running. Use the
// [Session.Metrics] method to obtain an [expvar.Map] of the metrics, which are
// shared by all sessions:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - frames_dropped: counter of frames received and discarded
//   - responses_unmatched: counter of responses with no pending call
//   - calls_out: counter of requests sent
//   - calls_out_failed: counter of requests resulting in errors
//   - calls_pending: gauge of requests awaiting a response
//   - calls_expired: counter of requests settled by the call timeout
//
// Nodes additionally report through the go-metrics package, using the names
// and labels defined in this package.
package roam
