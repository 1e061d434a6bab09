// Package transfer implements the Transfer orchestrator: it resolves a
// source LogicalData and a target (host, path) into the cheapest
// available plan, coalesces concurrent requests for the same
// (source-instance, target-host) pair, and retries failures with the
// resilience package's retry and circuit-breaker primitives.
package transfer

import "context"

// Backend is the downward API to transfer backends.
type Backend interface {
	CopyLocal(src, tgt string, atomicPreferred, overwrite bool) error
	CopySSH(ctx context.Context, srcHost, srcPath, tgtHost, tgtPath string) error
	Serialize(obj any, tgtPath string) error
}
