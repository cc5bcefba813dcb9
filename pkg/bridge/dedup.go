// twitterdm - A Matrix-Twitter DM puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"sync"
)

// recentMessageCap is how many recently handled DM ids each portal keeps.
// Anything older falls through to the durable message table.
const recentMessageCap = 100

// dedupLedger tracks which messages a portal has already handled within
// this process lifetime: a bounded most-recent-first window of DM ids plus
// the set of request ids for own sends that haven't been finalized yet.
// Both are process-local; the message table is the store of record for
// anything the window has evicted.
type dedupLedger struct {
	lock sync.Mutex

	recentIDs [recentMessageCap]int64
	recentLen int
	recentPos int

	inflight map[string]struct{}
}

func newDedupLedger() *dedupLedger {
	return &dedupLedger{inflight: make(map[string]struct{})}
}

// RememberMessage inserts a DM id at the front of the recent window,
// evicting the oldest entry when the window is full.
func (dl *dedupLedger) RememberMessage(msgID int64) {
	dl.lock.Lock()
	defer dl.lock.Unlock()
	dl.recentPos = (dl.recentPos + recentMessageCap - 1) % recentMessageCap
	dl.recentIDs[dl.recentPos] = msgID
	if dl.recentLen < recentMessageCap {
		dl.recentLen++
	}
}

// IsRecentMessage reports whether the DM id is still in the recent window.
func (dl *dedupLedger) IsRecentMessage(msgID int64) bool {
	dl.lock.Lock()
	defer dl.lock.Unlock()
	for i := 0; i < dl.recentLen; i++ {
		if dl.recentIDs[(dl.recentPos+i)%recentMessageCap] == msgID {
			return true
		}
	}
	return false
}

// AddRequest marks an outgoing request id as in flight.
func (dl *dedupLedger) AddRequest(requestID string) {
	dl.lock.Lock()
	defer dl.lock.Unlock()
	dl.inflight[requestID] = struct{}{}
}

// HasRequest reports whether the request id belongs to an own send that
// hasn't been finalized yet.
func (dl *dedupLedger) HasRequest(requestID string) bool {
	if requestID == "" {
		return false
	}
	dl.lock.Lock()
	defer dl.lock.Unlock()
	_, ok := dl.inflight[requestID]
	return ok
}

// RemoveRequest drops an in-flight request id marker.
func (dl *dedupLedger) RemoveRequest(requestID string) {
	dl.lock.Lock()
	defer dl.lock.Unlock()
	delete(dl.inflight, requestID)
}
