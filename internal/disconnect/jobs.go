// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package disconnect

import (
	"fmt"
	"sync"
)

// jobKeys is the single-flight table that collapses re-enqueued queue rows
// and the notification/polling double feed into one running job per key.
type jobKeys struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newJobKeys() *jobKeys {
	return &jobKeys{keys: make(map[string]struct{})}
}

// jobKey builds the dedupe key for one queue item.
func jobKey(username string, id int64) string {
	return fmt.Sprintf("disconnect-%s-%d", username, id)
}

// begin claims the key. Returns false when the job is already running.
func (j *jobKeys) begin(key string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, running := j.keys[key]; running {
		return false
	}
	j.keys[key] = struct{}{}
	return true
}

// end releases the key.
func (j *jobKeys) end(key string) {
	j.mu.Lock()
	delete(j.keys, key)
	j.mu.Unlock()
}
