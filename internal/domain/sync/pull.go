package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/clinical"
	"github.com/ehr/interop/internal/domain/conflict"
	"github.com/ehr/interop/internal/domain/mapping"
	"github.com/ehr/interop/internal/domain/translate"
	"github.com/ehr/interop/internal/platform/fhir"
)

// pull fetches remote changes for every syncable mapping and lands them
// in the local store. The returned error is always pass-fatal; resource
// failures are recorded and swallowed.
func (p *pass) pull(ctx context.Context) error {
	p.phase = DirectionPull
	p.surfaceCandidates(ctx)

	mappings, err := p.engine.deps.Mappings.ListSyncable(ctx, p.conn.ID)
	if err != nil {
		return fmt.Errorf("list syncable mappings: %w", err)
	}

	for _, m := range mappings {
		for _, rt := range p.orderedTypes() {
			if ctx.Err() != nil {
				p.canceled = true
				return nil
			}
			var err error
			if rt == "Patient" {
				err = p.pullPatient(ctx, m)
			} else {
				err = p.pullType(ctx, m, rt)
			}
			if err != nil {
				return err
			}
			if p.canceled {
				return nil
			}
		}
		p.touchMapping(ctx, m)
	}
	return nil
}

// surfaceCandidates runs match resolution for every directory patient so
// unmapped ones surface as pending mappings before the pass moves data.
// Best effort: failures are logged, never fatal.
func (p *pass) surfaceCandidates(ctx context.Context) {
	const pageSize = 100
	offset := 0
	for {
		pats, total, err := p.engine.deps.Patients.ListPatients(ctx, "", pageSize, offset)
		if err != nil {
			p.engine.logger.Warn().Err(err).
				Str("connection_id", p.conn.ID.String()).
				Msg("patient listing failed, skipping match resolution")
			return
		}
		for _, pat := range pats {
			if ctx.Err() != nil {
				return
			}
			if _, err := p.engine.deps.Mappings.Resolve(ctx, pat.ID, p.conn.ID); err != nil && !errors.Is(err, mapping.ErrNoMatch) {
				p.engine.logger.Debug().Err(err).
					Str("patient_id", pat.ID.String()).
					Str("connection_id", p.conn.ID.String()).
					Msg("match resolution failed")
			}
		}
		offset += len(pats)
		if len(pats) == 0 || offset >= total {
			return
		}
	}
}

// pullType pages one resource type for one mapped patient.
func (p *pass) pullType(ctx context.Context, m *mapping.Mapping, resourceType string) error {
	params := url.Values{}
	params.Set("patient", m.ExternalID)
	if p.log.SyncType == TypeIncremental && p.conn.LastSyncAt != nil {
		params.Set("_lastUpdated", "gt"+p.conn.LastSyncAt.UTC().Format(time.RFC3339))
	}

	err := p.withAuthRetry(ctx, func() error {
		return p.client.ForEachPage(ctx, resourceType, params, func(b *fhir.Bundle) error {
			for _, entry := range b.Matches() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if len(entry.Resource) == 0 {
					continue
				}
				p.pullResource(ctx, m, resourceType, entry.Resource)
			}
			return nil
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			p.canceled = true
			return nil
		}
		if abortClass(err) {
			return err
		}
		p.failResource(ctx, m.PatientID, nil, resourceType, "", fmt.Errorf("search: %w", err))
	}
	return nil
}

// pullResource lands one fetched resource. Every outcome is recorded;
// nothing here aborts the pass.
func (p *pass) pullResource(ctx context.Context, m *mapping.Mapping, resourceType string, raw json.RawMessage) {
	rec, err := p.engine.tr.FromFHIR(resourceType, raw)
	if err != nil {
		p.processed++
		p.failResource(ctx, m.PatientID, nil, resourceType, rawID(raw), err)
		return
	}
	externalID := rec.GetExternalID()
	if externalID == "" {
		p.processed++
		p.failResource(ctx, m.PatientID, nil, resourceType, "", errors.New("resource has no id"))
		return
	}
	key := resourceKey(resourceType, externalID)
	if p.seen[key] {
		return
	}
	p.seen[key] = true
	p.processed++

	open, err := p.engine.deps.Conflicts.HasOpen(ctx, p.conn.ID, resourceType, externalID)
	if err != nil {
		p.failResource(ctx, m.PatientID, nil, resourceType, externalID, err)
		return
	}
	if open {
		p.skipResource(ctx, m.PatientID, nil, resourceType, externalID, "excluded: open conflict")
		return
	}

	remoteMarker, err := p.engine.tr.Fingerprint(rec)
	if err != nil {
		p.failResource(ctx, m.PatientID, nil, resourceType, externalID, err)
		return
	}

	local, err := p.engine.deps.Clinical.GetByExternal(ctx, p.conn.ID, resourceType, externalID)
	if errors.Is(err, clinical.ErrNotFound) {
		p.createLocal(ctx, m, resourceType, externalID, rec, remoteMarker)
		return
	}
	if err != nil {
		p.failResource(ctx, m.PatientID, nil, resourceType, externalID, err)
		return
	}

	localMarker := local.ContentHash
	baseline, err := p.engine.deps.Resources.LatestSynced(ctx, p.conn.ID, resourceType, externalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		p.failResource(ctx, m.PatientID, &local.ID, resourceType, externalID, err)
		return
	}

	switch {
	case baseline == nil:
		if localMarker == remoteMarker {
			p.markSynced(ctx, m.PatientID, &local.ID, resourceType, externalID, remoteMarker)
			return
		}
		p.clinicalConflict(ctx, m, resourceType, local, raw, localMarker, remoteMarker, "")

	case remoteMarker == baseline.RemoteVersion && localMarker == baseline.LocalVersion:
		p.skipResource(ctx, m.PatientID, &local.ID, resourceType, externalID, "unchanged")

	case remoteMarker == baseline.RemoteVersion:
		p.skipResource(ctx, m.PatientID, &local.ID, resourceType, externalID, "local change pending push")

	case localMarker == baseline.LocalVersion:
		if err := local.SetPayload(rec); err != nil {
			p.failResource(ctx, m.PatientID, &local.ID, resourceType, externalID, err)
			return
		}
		if err := p.engine.deps.Clinical.UpdateRecord(ctx, local); err != nil {
			p.failResource(ctx, m.PatientID, &local.ID, resourceType, externalID, err)
			return
		}
		p.markSynced(ctx, m.PatientID, &local.ID, resourceType, externalID, remoteMarker)
		p.auditResource(ctx, audit.ActionRecordPulled, resourceType, externalID)

	default:
		p.clinicalConflict(ctx, m, resourceType, local, raw, localMarker, remoteMarker, baseline.LocalVersion)
	}
}

// createLocal stores a first-seen remote resource as a new remote-origin
// record under the mapped patient.
func (p *pass) createLocal(ctx context.Context, m *mapping.Mapping, resourceType, externalID string, rec translate.Record, remoteMarker string) {
	connID := p.conn.ID
	extID := externalID
	row := &clinical.Record{
		PatientID:    m.PatientID,
		ResourceType: resourceType,
		Origin:       clinical.OriginRemote,
		ConnectionID: &connID,
		ExternalID:   &extID,
	}
	if err := row.SetPayload(rec); err != nil {
		p.failResource(ctx, m.PatientID, nil, resourceType, externalID, err)
		return
	}
	if err := p.engine.deps.Clinical.CreateRecord(ctx, row); err != nil {
		p.failResource(ctx, m.PatientID, nil, resourceType, externalID, err)
		return
	}
	p.markSynced(ctx, m.PatientID, &row.ID, resourceType, externalID, remoteMarker)
	p.auditResource(ctx, audit.ActionRecordPulled, resourceType, externalID)
}

// pullPatient compares the remote Patient against the directory entry.
// Markers cover the demographic core only; identifiers on either side
// are addressing, not content.
func (p *pass) pullPatient(ctx context.Context, m *mapping.Mapping) error {
	key := resourceKey("Patient", m.ExternalID)
	if p.seen[key] {
		return nil
	}
	p.seen[key] = true
	p.processed++

	var raw json.RawMessage
	err := p.withAuthRetry(ctx, func() error {
		var rerr error
		raw, rerr = p.client.Read(ctx, "Patient", m.ExternalID)
		return rerr
	})
	if err != nil {
		if ctx.Err() != nil {
			p.canceled = true
			return nil
		}
		if abortClass(err) {
			return err
		}
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}

	rec, err := p.engine.tr.FromFHIR("Patient", raw)
	if err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}
	remote := rec.(*translate.PatientRecord)
	remoteMarker, err := p.engine.demographicMarker(remote)
	if err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}

	open, err := p.engine.deps.Conflicts.HasOpen(ctx, p.conn.ID, "Patient", m.ExternalID)
	if err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}
	if open {
		p.skipResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, "excluded: open conflict")
		return nil
	}

	pat, err := p.engine.deps.Patients.GetPatient(ctx, m.PatientID)
	if err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}
	localRec := pat.Demographics(p.conn.IdentifierSystem)
	localMarker, err := p.engine.demographicMarker(&localRec)
	if err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}

	baseline, err := p.engine.deps.Resources.LatestSynced(ctx, p.conn.ID, "Patient", m.ExternalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}

	switch {
	case baseline == nil:
		if localMarker == remoteMarker {
			p.markSynced(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, remoteMarker)
			return nil
		}
		p.patientConflict(ctx, m, &localRec, remote, localMarker, remoteMarker, "")

	case remoteMarker == baseline.RemoteVersion && localMarker == baseline.LocalVersion:
		p.skipResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, "unchanged")

	case remoteMarker == baseline.RemoteVersion:
		p.skipResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, "local change pending push")

	case localMarker == baseline.LocalVersion:
		pat.ApplyDemographics(remote)
		if _, err := p.engine.deps.Patients.UpdatePatient(ctx, pat.ID, pat); err != nil {
			p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
			return nil
		}
		p.markSynced(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, remoteMarker)
		p.auditResource(ctx, audit.ActionRecordPulled, "Patient", m.ExternalID)

	default:
		p.patientConflict(ctx, m, &localRec, remote, localMarker, remoteMarker, baseline.LocalVersion)
	}
	return nil
}

// markSynced writes a converged baseline row: one marker fills both
// version columns because the two sides now carry identical content.
func (p *pass) markSynced(ctx context.Context, patientID uuid.UUID, localID *uuid.UUID, resourceType, externalID, marker string) {
	p.succeeded++
	p.writeRow(ctx, &ResourceSync{
		PatientID:     patientID,
		ResourceType:  resourceType,
		LocalID:       localID,
		ExternalID:    externalID,
		Status:        ResourceSynced,
		LocalVersion:  marker,
		RemoteVersion: marker,
	})
}

// clinicalConflict hands a divergent clinical record to the resolver.
func (p *pass) clinicalConflict(ctx context.Context, m *mapping.Mapping, resourceType string, local *clinical.Record, remotePayload json.RawMessage, localMarker, remoteMarker, baselineMarker string) {
	localPayload, err := p.localProjection(local)
	if err != nil {
		p.failResource(ctx, m.PatientID, &local.ID, resourceType, *local.ExternalID, err)
		return
	}
	p.recordConflict(ctx, m, resourceType, local.ID, *local.ExternalID,
		localPayload, remotePayload, localMarker, remoteMarker, baselineMarker)
}

// patientConflict hands divergent demographics to the resolver. Both
// payloads are stripped core projections so the stored diff shows the
// disputed content without identifier noise.
func (p *pass) patientConflict(ctx context.Context, m *mapping.Mapping, local, remote *translate.PatientRecord, localMarker, remoteMarker, baselineMarker string) {
	localPayload, err := p.corePayload(local)
	if err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return
	}
	remotePayload, err := p.corePayload(remote)
	if err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return
	}
	p.recordConflict(ctx, m, "Patient", m.PatientID, m.ExternalID,
		localPayload, remotePayload, localMarker, remoteMarker, baselineMarker)
}

// recordConflict stores the divergence and marks the resource so the
// rest of the pass leaves it alone. Resolution, automatic or manual, is
// the resolver's business.
func (p *pass) recordConflict(ctx context.Context, m *mapping.Mapping, resourceType string, localID uuid.UUID, externalID string, localPayload, remotePayload json.RawMessage, localMarker, remoteMarker, baselineMarker string) {
	c, err := p.engine.deps.Conflicts.Record(ctx, conflict.RecordInput{
		ConnectionID:    p.conn.ID,
		SyncLogID:       &p.log.ID,
		PatientID:       m.PatientID,
		ResourceType:    resourceType,
		LocalID:         localID,
		ExternalID:      externalID,
		LocalPayload:    localPayload,
		RemotePayload:   remotePayload,
		LocalVersion:    localMarker,
		RemoteVersion:   remoteMarker,
		BaselineVersion: baselineMarker,
	})
	if err != nil {
		p.failResource(ctx, m.PatientID, &localID, resourceType, externalID, err)
		return
	}
	p.conflicts++
	p.conflicted[resourceKey(resourceType, externalID)] = true
	p.writeRow(ctx, &ResourceSync{
		PatientID:     m.PatientID,
		ResourceType:  resourceType,
		LocalID:       &localID,
		ExternalID:    externalID,
		Status:        ResourceConflict,
		LocalVersion:  localMarker,
		RemoteVersion: remoteMarker,
	})
	p.engine.logger.Info().
		Str("conflict_id", c.ID.String()).
		Str("connection_id", p.conn.ID.String()).
		Str("resource_type", resourceType).
		Str("external_id", externalID).
		Str("status", c.Status).
		Msg("divergence detected")
}

// localProjection renders a stored record as the FHIR payload a
// conflict row carries for its local side.
func (p *pass) localProjection(local *clinical.Record) (json.RawMessage, error) {
	rec, err := local.Decode()
	if err != nil {
		return nil, err
	}
	proj, err := p.engine.tr.ToFHIR(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(proj)
}

// corePayload renders the stripped demographic projection.
func (p *pass) corePayload(rec *translate.PatientRecord) (json.RawMessage, error) {
	proj, err := p.engine.tr.ToFHIR(demographicCore(rec))
	if err != nil {
		return nil, err
	}
	return json.Marshal(proj)
}
