// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides JSON configuration loading for the storage
// server.
//
// Configuration is loaded from a single file passed on the command
// line, or, when no file is given, taken from the built-in cluster
// returned by Default. There is no automatic discovery; beyond those
// two sources, the only defaults are the ones applied when the file
// omits a field. This keeps configuration deterministic and auditable.
package config
