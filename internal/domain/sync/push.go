package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/clinical"
	"github.com/ehr/interop/internal/domain/mapping"
	"github.com/ehr/interop/internal/domain/translate"
	"github.com/ehr/interop/internal/platform/fhirclient"
)

// push sends local changes out for every syncable mapping. The returned
// error is always pass-fatal; resource failures are recorded and
// swallowed.
func (p *pass) push(ctx context.Context) error {
	p.phase = DirectionPush

	mappings, err := p.engine.deps.Mappings.ListSyncable(ctx, p.conn.ID)
	if err != nil {
		return fmt.Errorf("list syncable mappings: %w", err)
	}

	for _, m := range mappings {
		if err := p.pushMapping(ctx, m); err != nil {
			return err
		}
		if p.canceled {
			return nil
		}
		p.touchMapping(ctx, m)
	}
	return nil
}

func (p *pass) pushMapping(ctx context.Context, m *mapping.Mapping) error {
	since := time.Time{}
	if p.log.SyncType == TypeIncremental && p.conn.LastSyncAt != nil {
		since = *p.conn.LastSyncAt
	}
	records, err := p.engine.deps.Clinical.ListChangedSince(ctx, m.PatientID, since)
	if err != nil {
		p.failed++
		p.errs = append(p.errs, PassError{Message: fmt.Sprintf("list local changes: %v", err)})
		p.engine.logger.Warn().Err(err).
			Str("patient_id", m.PatientID.String()).
			Str("sync_log_id", p.log.ID.String()).
			Msg("local change listing failed")
		return nil
	}

	byType := make(map[string][]*clinical.Record)
	for _, rec := range records {
		if !p.conn.SyncsType(rec.ResourceType) {
			continue
		}
		byType[rec.ResourceType] = append(byType[rec.ResourceType], rec)
	}

	for _, rt := range p.orderedTypes() {
		if ctx.Err() != nil {
			p.canceled = true
			return nil
		}
		if rt == "Patient" {
			if err := p.pushPatient(ctx, m); err != nil {
				return err
			}
			continue
		}
		for _, rec := range byType[rt] {
			if ctx.Err() != nil {
				p.canceled = true
				return nil
			}
			if err := p.pushRecord(ctx, m, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// pushRecord sends one changed clinical record. Records never written
// remotely are created; the rest are replaced after a drift check
// against the current remote copy.
func (p *pass) pushRecord(ctx context.Context, m *mapping.Mapping, rec *clinical.Record) error {
	// A record linked to a different connection was pulled from another
	// EHR; it is never relayed across connections.
	if rec.ConnectionID != nil && *rec.ConnectionID != p.conn.ID {
		return nil
	}
	rt := rec.ResourceType
	if rec.ExternalID == nil || *rec.ExternalID == "" {
		return p.pushCreate(ctx, m, rec)
	}
	externalID := *rec.ExternalID
	if p.conflicted[resourceKey(rt, externalID)] {
		// this pass's pull already recorded the divergence
		return nil
	}

	baseline, err := p.engine.deps.Resources.LatestSynced(ctx, p.conn.ID, rt, externalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		p.processed++
		p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, err)
		return nil
	}
	if baseline != nil && rec.ContentHash == baseline.LocalVersion {
		return nil
	}
	p.processed++

	open, err := p.engine.deps.Conflicts.HasOpen(ctx, p.conn.ID, rt, externalID)
	if err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, err)
		return nil
	}
	if open {
		p.skipResource(ctx, m.PatientID, &rec.ID, rt, externalID, "excluded: open conflict")
		return nil
	}

	// Drift check: never write over a remote copy that moved since the
	// baseline.
	var remoteRaw json.RawMessage
	err = p.withAuthRetry(ctx, func() error {
		var rerr error
		remoteRaw, rerr = p.client.Read(ctx, rt, externalID)
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
		if errors.Is(err, fhirclient.ErrNotFound) {
			p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, fmt.Errorf("remote resource missing: %w", err))
			return nil
		}
		p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, err)
		return nil
	}
	remoteRec, err := p.engine.tr.FromFHIR(rt, remoteRaw)
	if err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, err)
		return nil
	}
	remoteMarker, err := p.engine.tr.Fingerprint(remoteRec)
	if err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, err)
		return nil
	}

	if baseline == nil {
		if rec.ContentHash == remoteMarker {
			p.markSynced(ctx, m.PatientID, &rec.ID, rt, externalID, remoteMarker)
			return nil
		}
		p.clinicalConflict(ctx, m, rt, rec, remoteRaw, rec.ContentHash, remoteMarker, "")
		return nil
	}
	if remoteMarker != baseline.RemoteVersion {
		p.clinicalConflict(ctx, m, rt, rec, remoteRaw, rec.ContentHash, remoteMarker, baseline.LocalVersion)
		return nil
	}

	decoded, err := rec.Decode()
	if err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, err)
		return nil
	}
	decoded.SetPatientRef(m.ExternalID)
	decoded.SetExternalID(externalID)
	proj, err := p.engine.tr.ToFHIR(decoded)
	if err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, err)
		return nil
	}
	marker, err := p.engine.tr.Fingerprint(decoded)
	if err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, err)
		return nil
	}

	err = p.withAuthRetry(ctx, func() error {
		_, uerr := p.client.Update(ctx, rt, externalID, proj)
		return uerr
	})
	if err != nil {
		if ctx.Err() != nil {
			p.canceled = true
			return nil
		}
		if abortClass(err) {
			return err
		}
		p.failResource(ctx, m.PatientID, &rec.ID, rt, externalID, err)
		return nil
	}

	// Normalize the stored payload when the pushed form gained subject
	// or id references it lacked.
	if marker != rec.ContentHash {
		if err := rec.SetPayload(decoded); err == nil {
			if err := p.engine.deps.Clinical.UpdateRecord(ctx, rec); err != nil {
				p.engine.logger.Warn().Err(err).
					Str("record_id", rec.ID.String()).
					Msg("local payload normalization failed")
			}
		}
	}
	p.markSynced(ctx, m.PatientID, &rec.ID, rt, externalID, marker)
	p.auditResource(ctx, audit.ActionRecordPushed, rt, externalID)
	return nil
}

// pushCreate writes a record that has never existed remotely and links
// the created resource id back onto it.
func (p *pass) pushCreate(ctx context.Context, m *mapping.Mapping, rec *clinical.Record) error {
	rt := rec.ResourceType
	p.processed++

	decoded, err := rec.Decode()
	if err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, "", err)
		return nil
	}
	decoded.SetPatientRef(m.ExternalID)
	decoded.SetExternalID("")
	proj, err := p.engine.tr.ToFHIR(decoded)
	if err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, "", err)
		return nil
	}

	var created json.RawMessage
	err = p.withAuthRetry(ctx, func() error {
		var cerr error
		created, cerr = p.client.Create(ctx, rt, proj)
		return cerr
	})
	if err != nil {
		if ctx.Err() != nil {
			p.canceled = true
			return nil
		}
		if abortClass(err) {
			return err
		}
		p.failResource(ctx, m.PatientID, &rec.ID, rt, "", err)
		return nil
	}

	newID := rawID(created)
	if newID == "" {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, "", errors.New("create returned no resource id"))
		return nil
	}

	decoded.SetExternalID(newID)
	if err := rec.SetPayload(decoded); err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, newID, err)
		return nil
	}
	connID := p.conn.ID
	rec.ConnectionID = &connID
	rec.ExternalID = &newID
	if err := p.engine.deps.Clinical.UpdateRecord(ctx, rec); err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, newID, fmt.Errorf("created remotely but local link failed: %w", err))
		return nil
	}

	marker, err := p.engine.tr.Fingerprint(decoded)
	if err != nil {
		p.failResource(ctx, m.PatientID, &rec.ID, rt, newID, err)
		return nil
	}
	p.markSynced(ctx, m.PatientID, &rec.ID, rt, newID, marker)
	p.auditResource(ctx, audit.ActionRecordPushed, rt, newID)
	return nil
}

// pushPatient sends changed directory demographics. The write replaces
// only the demographic core of the remote Patient; remote-only elements
// survive.
func (p *pass) pushPatient(ctx context.Context, m *mapping.Mapping) error {
	if p.conflicted[resourceKey("Patient", m.ExternalID)] {
		return nil
	}

	pat, err := p.engine.deps.Patients.GetPatient(ctx, m.PatientID)
	if err != nil {
		p.processed++
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}
	localRec := pat.Demographics(p.conn.IdentifierSystem)
	localMarker, err := p.engine.demographicMarker(&localRec)
	if err != nil {
		p.processed++
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}

	baseline, err := p.engine.deps.Resources.LatestSynced(ctx, p.conn.ID, "Patient", m.ExternalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		p.processed++
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}
	if baseline != nil && localMarker == baseline.LocalVersion {
		return nil
	}
	p.processed++

	open, err := p.engine.deps.Conflicts.HasOpen(ctx, p.conn.ID, "Patient", m.ExternalID)
	if err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}
	if open {
		p.skipResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, "excluded: open conflict")
		return nil
	}

	var remoteRaw json.RawMessage
	err = p.withAuthRetry(ctx, func() error {
		var rerr error
		remoteRaw, rerr = p.client.Read(ctx, "Patient", m.ExternalID)
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
		if errors.Is(err, fhirclient.ErrNotFound) {
			p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, fmt.Errorf("remote patient missing: %w", err))
			return nil
		}
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}

	rec, err := p.engine.tr.FromFHIR("Patient", remoteRaw)
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

	if baseline == nil {
		if localMarker == remoteMarker {
			p.markSynced(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, localMarker)
			return nil
		}
		p.patientConflict(ctx, m, &localRec, remote, localMarker, remoteMarker, "")
		return nil
	}
	if remoteMarker != baseline.RemoteVersion {
		p.patientConflict(ctx, m, &localRec, remote, localMarker, remoteMarker, baseline.LocalVersion)
		return nil
	}

	var current map[string]interface{}
	if err := json.Unmarshal(remoteRaw, &current); err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}
	coreProj, err := p.engine.tr.ToFHIR(demographicCore(&localRec))
	if err != nil {
		p.failResource(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, err)
		return nil
	}
	body := translate.OverlayPatientCore(current, coreProj)

	err = p.withAuthRetry(ctx, func() error {
		_, uerr := p.client.Update(ctx, "Patient", m.ExternalID, body)
		return uerr
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

	p.markSynced(ctx, m.PatientID, &m.PatientID, "Patient", m.ExternalID, localMarker)
	p.auditResource(ctx, audit.ActionRecordPushed, "Patient", m.ExternalID)
	return nil
}
