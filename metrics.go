// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package roam

import "expvar"

// sessionCounters record session activity counters.
type sessionCounters struct {
	frameRecv      expvar.Int
	frameSent      expvar.Int
	frameDropped   expvar.Int // inbound frames with no receiver
	frameUnmatched expvar.Int // responses with no pending call
	callOut        expvar.Int // number of outbound calls initiated
	callOutErr     expvar.Int // number of outbound calls reporting an error
	callPending    expvar.Int // outbound calls awaiting a response
	callExpired    expvar.Int // outbound calls failed by the sweep

	emap *expvar.Map
}

var sessionMetrics = newSessionCounters()

func newSessionCounters() *sessionCounters {
	sm := &sessionCounters{emap: new(expvar.Map)}
	sm.emap.Set("frames_received", &sm.frameRecv)
	sm.emap.Set("frames_sent", &sm.frameSent)
	sm.emap.Set("frames_dropped", &sm.frameDropped)
	sm.emap.Set("responses_unmatched", &sm.frameUnmatched)
	sm.emap.Set("calls_out", &sm.callOut)
	sm.emap.Set("calls_out_failed", &sm.callOutErr)
	sm.emap.Set("calls_pending", &sm.callPending)
	sm.emap.Set("calls_expired", &sm.callExpired)
	return sm
}
