// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

package dedup

import "github.com/shardkeep/shardkeep/lib/fingerprint"

// Mediator routes per-share operations that may belong to a peer node
// in a multi-node deployment: the ownership probe, the inter-user
// store, and the share restore. The core consults it for every share
// so a routing layer can shard fingerprints across nodes.
//
// This engine ships only the local implementation: every call is
// served by the local core, matching a single-node deployment.
type Mediator interface {
	IntraUserIndexUpdate(shareFP fingerprint.FP, userID int32) (bool, error)
	InterUserIndexUpdate(shareFP fingerprint.FP, userID int32, shareData []byte) error
	RestoreShare(shareFP fingerprint.FP, out []byte) error
}

// localMediator routes every peer operation back to the local core.
type localMediator struct {
	core *Core
}

func (m localMediator) IntraUserIndexUpdate(shareFP fingerprint.FP, userID int32) (bool, error) {
	return m.core.IntraUserIndexUpdate(shareFP, userID)
}

func (m localMediator) InterUserIndexUpdate(shareFP fingerprint.FP, userID int32, shareData []byte) error {
	return m.core.InterUserIndexUpdate(shareFP, userID, shareData)
}

func (m localMediator) RestoreShare(shareFP fingerprint.FP, out []byte) error {
	return m.core.RestoreShare(shareFP, out)
}
