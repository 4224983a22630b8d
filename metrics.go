package kcomm

import "expvar"

// commMetricsType records connection and comm activity counters.
type commMetricsType struct {
	messagesRecv    expvar.Int
	messagesSent    expvar.Int
	messagesDropped expvar.Int // received with no matching callback
	messagesInvalid expvar.Int // comm messages with undecodable payloads
	opensIn         expvar.Int // comm_open messages received
	opensRejected   expvar.Int // opens rejected (unknown target, duplicate id)
	opensFailed     expvar.Int // opens rolled back after a handler failure
	commMsgsIn      expvar.Int // comm_msg payloads delivered
	commMsgsDropped expvar.Int // comm_msg payloads for unknown comm ids
	closesIn        expvar.Int // comm_close messages applied
	commsActive     expvar.Int // currently open comms

	emap *expvar.Map
}

var commMetrics = newCommMetrics()

func newCommMetrics() *commMetricsType {
	cm := &commMetricsType{emap: new(expvar.Map)}
	cm.emap.Set("messages_received", &cm.messagesRecv)
	cm.emap.Set("messages_sent", &cm.messagesSent)
	cm.emap.Set("messages_dropped", &cm.messagesDropped)
	cm.emap.Set("messages_invalid", &cm.messagesInvalid)
	cm.emap.Set("opens_in", &cm.opensIn)
	cm.emap.Set("opens_rejected", &cm.opensRejected)
	cm.emap.Set("opens_failed", &cm.opensFailed)
	cm.emap.Set("comm_msgs_in", &cm.commMsgsIn)
	cm.emap.Set("comm_msgs_dropped", &cm.commMsgsDropped)
	cm.emap.Set("closes_in", &cm.closesIn)
	cm.emap.Set("comms_active", &cm.commsActive)
	return cm
}
