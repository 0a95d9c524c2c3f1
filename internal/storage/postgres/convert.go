package postgres

import (
	"encoding/json"

	"github.com/stormhq/stormvault/internal/domain"
)

// --- External service key ---

func toKeyModel(k *domain.ExternalServiceKey) KeyModel {
	return KeyModel{
		ID:             k.ID,
		TenantID:       k.TenantID,
		IntegrationID:  k.IntegrationID,
		Name:           k.Name,
		ServiceName:    k.ServiceName,
		Description:    k.Description,
		KeyType:        string(k.KeyType),
		SecretRef:      k.SecretRef,
		UsageContext:   string(k.UsageContext),
		HeaderName:     k.HeaderName,
		QueryParamName: k.QueryParamName,
		Prefix:         k.Prefix,
		Sensitivity:    string(k.Sensitivity),
		Preview:        k.Preview,
		IsActive:       k.IsActive,
		ExpiresAt:      k.ExpiresAt,
		LastUsedAt:     k.LastUsedAt,
		UsageCount:     k.UsageCount,
		OwnerProjectID: k.OwnerProjectID,
		CreatedAt:      k.CreatedAt,
		UpdatedAt:      k.UpdatedAt,
	}
}

func toKeyDomain(m *KeyModel) *domain.ExternalServiceKey {
	return &domain.ExternalServiceKey{
		ID:             m.ID,
		TenantID:       m.TenantID,
		IntegrationID:  m.IntegrationID,
		Name:           m.Name,
		ServiceName:    m.ServiceName,
		Description:    m.Description,
		KeyType:        domain.KeyType(m.KeyType),
		SecretRef:      m.SecretRef,
		UsageContext:   domain.UsageContext(m.UsageContext),
		HeaderName:     m.HeaderName,
		QueryParamName: m.QueryParamName,
		Prefix:         m.Prefix,
		Sensitivity:    domain.Sensitivity(m.Sensitivity),
		Preview:        m.Preview,
		IsActive:       m.IsActive,
		ExpiresAt:      m.ExpiresAt,
		LastUsedAt:     m.LastUsedAt,
		UsageCount:     m.UsageCount,
		OwnerProjectID: m.OwnerProjectID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// --- Integration ---

func toIntegrationModel(in *domain.Integration) IntegrationModel {
	return IntegrationModel{
		ID:               in.ID,
		TenantID:         in.TenantID,
		Name:             in.Name,
		IntegrationType:  string(in.IntegrationType),
		Description:      in.Description,
		WebhookURL:       in.WebhookURL,
		WebhookSecretRef: in.WebhookSecretRef,
		OwnerAPIKeyRef:   in.OwnerAPIKeyRef,
		IsActive:         in.IsActive,
		CreatedAt:        in.CreatedAt,
		UpdatedAt:        in.UpdatedAt,
	}
}

func toIntegrationDomain(m *IntegrationModel) *domain.Integration {
	return &domain.Integration{
		ID:               m.ID,
		TenantID:         m.TenantID,
		Name:             m.Name,
		IntegrationType:  domain.IntegrationType(m.IntegrationType),
		Description:      m.Description,
		WebhookURL:       m.WebhookURL,
		WebhookSecretRef: m.WebhookSecretRef,
		OwnerAPIKeyRef:   m.OwnerAPIKeyRef,
		IsActive:         m.IsActive,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// --- Webhook delivery ---

func toDeliveryModel(d *domain.WebhookDelivery) DeliveryModel {
	payload := []byte(d.Payload)
	if payload == nil {
		payload = []byte("{}")
	}
	return DeliveryModel{
		ID:            d.ID,
		TenantID:      d.TenantID,
		IntegrationID: d.IntegrationID,
		Event:         d.Event,
		Payload:       JSONB(payload),
		Signature:     d.Signature,
		Attempt:       d.Attempt,
		Status:        string(d.Status),
		NextAttemptAt: d.NextAttemptAt,
		LastError:     d.LastError,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func toDeliveryDomain(m *DeliveryModel) *domain.WebhookDelivery {
	return &domain.WebhookDelivery{
		ID:            m.ID,
		TenantID:      m.TenantID,
		IntegrationID: m.IntegrationID,
		Event:         m.Event,
		Payload:       json.RawMessage(m.Payload),
		Signature:     m.Signature,
		Attempt:       m.Attempt,
		Status:        domain.DeliveryStatus(m.Status),
		NextAttemptAt: m.NextAttemptAt,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// --- Sync job ---

func toSyncJobModel(j *domain.SyncJob) SyncJobModel {
	mappings, _ := json.Marshal(j.FieldMappings)
	if mappings == nil {
		mappings = []byte("[]")
	}
	var conflicts []byte
	if len(j.ConflictFields) > 0 {
		conflicts, _ = json.Marshal(j.ConflictFields)
	}
	return SyncJobModel{
		ID:                 j.ID,
		TenantID:           j.TenantID,
		EntityType:         j.EntityType,
		EntityID:           j.EntityID,
		Direction:          string(j.Direction),
		KeyID:              j.KeyID,
		Endpoint:           j.Endpoint,
		FieldMappings:      JSONB(mappings),
		ConflictResolution: string(j.ConflictResolution),
		Status:             string(j.Status),
		ConflictFields:     JSONB(conflicts),
		Error:              j.Error,
		StartedAt:          j.StartedAt,
		FinishedAt:         j.FinishedAt,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
}

func toSyncJobDomain(m *SyncJobModel) *domain.SyncJob {
	var mappings []domain.FieldMapping
	if len(m.FieldMappings) > 0 {
		_ = json.Unmarshal(m.FieldMappings, &mappings)
	}
	var conflicts []string
	if len(m.ConflictFields) > 0 {
		_ = json.Unmarshal(m.ConflictFields, &conflicts)
	}
	return &domain.SyncJob{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		EntityType:         m.EntityType,
		EntityID:           m.EntityID,
		Direction:          domain.SyncDirection(m.Direction),
		KeyID:              m.KeyID,
		Endpoint:           m.Endpoint,
		FieldMappings:      mappings,
		ConflictResolution: domain.ConflictResolution(m.ConflictResolution),
		Status:             domain.SyncStatus(m.Status),
		ConflictFields:     conflicts,
		Error:              m.Error,
		StartedAt:          m.StartedAt,
		FinishedAt:         m.FinishedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

// --- Entity record ---

func toEntityModel(rec *domain.EntityRecord) EntityModel {
	fields, _ := json.Marshal(rec.Fields)
	if fields == nil {
		fields = []byte("{}")
	}
	return EntityModel{
		TenantID:          rec.TenantID,
		EntityType:        rec.EntityType,
		EntityID:          rec.EntityID,
		Fields:            JSONB(fields),
		ExternalID:        rec.ExternalID,
		IntegrationSource: rec.IntegrationSource,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func toEntityDomain(m *EntityModel) *domain.EntityRecord {
	var fields map[string]any
	if len(m.Fields) > 0 {
		_ = json.Unmarshal(m.Fields, &fields)
	}
	return &domain.EntityRecord{
		TenantID:          m.TenantID,
		EntityType:        m.EntityType,
		EntityID:          m.EntityID,
		Fields:            fields,
		ExternalID:        m.ExternalID,
		IntegrationSource: m.IntegrationSource,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
