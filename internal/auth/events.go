package auth

import "context"

// EventSink receives audit events emitted by the identity core.
type EventSink func(ctx context.Context, event string, fields map[string]any)

func discardEvents(context.Context, string, map[string]any) {}

// Audit event names.
const (
	EventTokenIssued       = "auth.token.issued"
	EventRefreshRotated    = "auth.refresh.rotated"
	EventRefreshRejected   = "auth.refresh.rejected"
	EventRefreshRevoked    = "auth.refresh.revoked"
	EventUserProvisioned   = "auth.user.provisioned"
	EventUserRegistered    = "auth.user.registered"
	EventExternalIDLinked  = "auth.user.external_id_linked"
	EventGroupRolesSynced  = "auth.user.group_roles_synced"
	EventEnrichmentFailure = "auth.enrichment.failed"
)
