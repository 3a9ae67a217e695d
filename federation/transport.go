// Package federation is the transport collaborator: best-effort
// at-least-once delivery of to-device payloads and key query/claim against
// remote servers. The core tolerates duplicate and out-of-order delivery.
package federation

import (
	"context"

	"roomcrypt/common"
)

// Transport reaches other servers. Every call honors its context deadline;
// the caller decides the timeout.
type Transport interface {
	// DeliverToDevice hands an envelope to the destination server.
	// At-least-once: the caller must be idempotent against duplicates.
	DeliverToDevice(ctx context.Context, server string, env *common.ToDeviceEnvelope) error

	// QueryKeys fetches device identity bundles for the given user→devices
	// map. An empty device list means all devices.
	QueryKeys(ctx context.Context, server string, req map[string][]string) (map[string]map[string]*common.PublicIdentity, error)

	// ClaimOneTimeKey claims one key on the remote server. A claim that
	// commits remotely is spent even if this call is then cancelled.
	ClaimOneTimeKey(ctx context.Context, server, userID, deviceID, algorithm string) (*common.ClaimedKey, error)
}
