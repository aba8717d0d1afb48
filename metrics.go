// Copyright (C) 2025 Everything Design. All Rights Reserved.

package presence

import "expvar"

// serviceMetrics record transport activity counters.
type serviceMetrics struct {
	framesRecv    expvar.Int
	framesSent    expvar.Int
	framesDropped expvar.Int // complete frames with unparsable payloads
	dialsStarted  expvar.Int
	dialsFailed   expvar.Int
	connsOpened   expvar.Int
	connsClosed   expvar.Int
	eventsDropped expvar.Int // events discarded due to a full consumer queue

	emap *expvar.Map
}

func newServiceMetrics() *serviceMetrics {
	sm := &serviceMetrics{emap: new(expvar.Map)}
	sm.emap.Set("frames_received", &sm.framesRecv)
	sm.emap.Set("frames_sent", &sm.framesSent)
	sm.emap.Set("frames_dropped", &sm.framesDropped)
	sm.emap.Set("dials_started", &sm.dialsStarted)
	sm.emap.Set("dials_failed", &sm.dialsFailed)
	sm.emap.Set("conns_opened", &sm.connsOpened)
	sm.emap.Set("conns_closed", &sm.connsClosed)
	sm.emap.Set("events_dropped", &sm.eventsDropped)
	return sm
}
