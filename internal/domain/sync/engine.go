package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/clinical"
	"github.com/ehr/interop/internal/domain/conflict"
	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/domain/mapping"
	"github.com/ehr/interop/internal/domain/patient"
	"github.com/ehr/interop/internal/domain/translate"
	"github.com/ehr/interop/internal/domain/vault"
	"github.com/ehr/interop/internal/platform/db"
	"github.com/ehr/interop/internal/platform/fhir"
	"github.com/ehr/interop/internal/platform/fhirclient"
	"github.com/ehr/interop/internal/platform/lock"
)

// ErrPassInProgress is returned when the connection's sync lock is
// already held. The tick is skipped, never queued.
var ErrPassInProgress = errors.New("sync pass already in progress")

// ErrConnectionInactive is returned for connections that may not run a
// pass in their current status.
var ErrConnectionInactive = errors.New("connection may not sync")

// Connections is the slice of the connection service a pass drives.
type Connections interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*connection.Connection, error)
	MarkError(ctx context.Context, id uuid.UUID, reason string) error
	TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error
	ListActive(ctx context.Context) ([]*connection.Connection, error)
}

// TokenVault supplies and invalidates connection credentials.
type TokenVault interface {
	GetValidToken(ctx context.Context, conn *connection.Connection) (string, error)
	Invalidate(ctx context.Context, connectionID uuid.UUID) error
}

// Remote is the FHIR surface a pass exercises; *fhirclient.Client
// satisfies it.
type Remote interface {
	Read(ctx context.Context, resourceType, id string) (json.RawMessage, error)
	ForEachPage(ctx context.Context, resourceType string, params url.Values, fn func(*fhir.Bundle) error) error
	Create(ctx context.Context, resourceType string, resource map[string]interface{}) (json.RawMessage, error)
	Update(ctx context.Context, resourceType, id string, resource map[string]interface{}) (json.RawMessage, error)
}

// RemoteFactory builds the authenticated client for one connection.
type RemoteFactory func(conn *connection.Connection) Remote

// Mappings is the slice of the mapping service a pass drives.
type Mappings interface {
	ListSyncable(ctx context.Context, connectionID uuid.UUID) ([]*mapping.Mapping, error)
	Resolve(ctx context.Context, patientID, connectionID uuid.UUID) (*mapping.Resolution, error)
	TouchSynced(ctx context.Context, mappingID uuid.UUID, at time.Time) error
}

// Patients is the demographic side of sync.
type Patients interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	UpdatePatient(ctx context.Context, id uuid.UUID, upd *patient.Patient) (*patient.Patient, error)
	ListPatients(ctx context.Context, q string, limit, offset int) ([]*patient.Patient, int, error)
}

// Clinical is the record store side of sync.
type Clinical interface {
	GetByExternal(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*clinical.Record, error)
	CreateRecord(ctx context.Context, rec *clinical.Record) error
	UpdateRecord(ctx context.Context, rec *clinical.Record) error
	ListChangedSince(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*clinical.Record, error)
}

// Conflicts records divergences and reports open ones.
type Conflicts interface {
	Record(ctx context.Context, in conflict.RecordInput) (*conflict.Conflict, error)
	HasOpen(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (bool, error)
}

// Deps wires an Engine. Audit and Pool are optional; without Pool,
// detached passes run without a tenant-scoped database session.
type Deps struct {
	Logs        LogRepository
	Resources   ResourceRepository
	Connections Connections
	Vault       TokenVault
	Remote      RemoteFactory
	Mappings    Mappings
	Patients    Patients
	Clinical    Clinical
	Conflicts   Conflicts
	Locker      lock.Locker
	Audit       audit.Sink
	Pool        *pgxpool.Pool

	// LockTTL guards against stuck passes holding the connection lock
	// forever. Defaults to 15 minutes.
	LockTTL time.Duration
}

// Engine executes sync passes. At most one pass runs per connection at
// any time, enforced through the locker.
type Engine struct {
	deps    Deps
	lockTTL time.Duration
	logger  zerolog.Logger
	tr      *translate.Translator

	// cancels holds the cancel func of each in-flight pass so a
	// deactivation can wind the pass down. One entry per connection,
	// guaranteed by the sync lock.
	cancelMu sync.Mutex
	cancels  map[uuid.UUID]context.CancelFunc
}

const defaultLockTTL = 15 * time.Minute

func NewEngine(deps Deps, logger zerolog.Logger) *Engine {
	ttl := deps.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Engine{
		deps:    deps,
		lockTTL: ttl,
		logger:  logger,
		tr:      translate.New(),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// CancelPass winds down the connection's in-flight pass, if one is
// running: the pass finishes its current resource, skips the rest and
// closes its log as partial. Reports whether a pass was running.
func (e *Engine) CancelPass(connectionID uuid.UUID) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[connectionID]
	e.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) trackPass(connectionID uuid.UUID, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	e.cancels[connectionID] = cancel
	e.cancelMu.Unlock()
}

func (e *Engine) untrackPass(connectionID uuid.UUID) {
	e.cancelMu.Lock()
	delete(e.cancels, connectionID)
	e.cancelMu.Unlock()
}

var validTypes = map[string]bool{
	TypeFull:        true,
	TypeIncremental: true,
	TypeManual:      true,
}

var validDirections = map[string]bool{
	connection.DirectionPull:          true,
	connection.DirectionPush:          true,
	connection.DirectionBidirectional: true,
}

// RunPass executes one pass for one connection, synchronously.
// direction may be empty to use the connection's configured direction.
// The returned log carries the outcome; an error is returned only when
// no pass could start (lock held, connection ineligible, log
// unwritable).
func (e *Engine) RunPass(ctx context.Context, connectionID uuid.UUID, syncType, direction, triggeredBy string) (*SyncLog, error) {
	log, run, err := e.preparePass(ctx, connectionID, syncType, direction, triggeredBy)
	if err != nil {
		return nil, err
	}
	run(ctx)
	return log, nil
}

// RunDetached starts a pass and returns its running log immediately,
// finishing the phases on a background goroutine with a fresh
// tenant-scoped context. The manual trigger endpoint responds 202 with
// this log.
func (e *Engine) RunDetached(ctx context.Context, connectionID uuid.UUID, syncType, direction, triggeredBy string) (*SyncLog, error) {
	bctx := context.Background()
	cleanup := func() {}
	if tenant := db.TenantFromContext(ctx); tenant != "" && e.deps.Pool != nil {
		tctx, release, err := db.WithTenant(bctx, e.deps.Pool, tenant)
		if err != nil {
			return nil, err
		}
		bctx, cleanup = tctx, release
	}

	log, run, err := e.preparePass(bctx, connectionID, syncType, direction, triggeredBy)
	if err != nil {
		cleanup()
		return nil, err
	}
	// The background run mutates the log as it closes; hand the caller
	// a snapshot of the running state instead of the shared pointer.
	snapshot := *log
	go func() {
		defer cleanup()
		run(bctx)
	}()
	return &snapshot, nil
}

// preparePass takes the connection lock, checks eligibility and writes
// the running log. The returned run function executes the phases and
// always closes the log and releases the lock, even when preparation
// succeeded and the caller never gets to run it on the same goroutine.
func (e *Engine) preparePass(ctx context.Context, connectionID uuid.UUID, syncType, direction, triggeredBy string) (*SyncLog, func(context.Context), error) {
	if !validTypes[syncType] {
		return nil, nil, fmt.Errorf("invalid sync type: %s", syncType)
	}
	if direction != "" && !validDirections[direction] {
		return nil, nil, fmt.Errorf("invalid direction: %s", direction)
	}

	key := fmt.Sprintf("sync:%s:%s", db.TenantFromContext(ctx), connectionID)
	release, err := e.deps.Locker.TryAcquire(ctx, key, e.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		e.logger.Info().
			Str("connection_id", connectionID.String()).
			Msg("sync pass skipped, already running")
		return nil, nil, ErrPassInProgress
	}
	if err != nil {
		return nil, nil, err
	}
	started := false
	defer func() {
		if !started {
			_ = release(context.Background())
		}
	}()

	conn, err := e.deps.Connections.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}
	// Error-status connections may be retried manually after a fix;
	// inactive ones never run.
	if !conn.Active() && !(syncType == TypeManual && conn.Status == connection.StatusError) {
		return nil, nil, fmt.Errorf("%w (status %s)", ErrConnectionInactive, conn.Status)
	}
	if direction == "" {
		direction = conn.SyncDirection
	}

	log := &SyncLog{
		ConnectionID: connectionID,
		SyncType:     syncType,
		Direction:    direction,
		Status:       LogRunning,
		TriggeredBy:  triggeredBy,
		StartedAt:    time.Now().UTC(),
	}
	if err := e.deps.Logs.Create(ctx, log); err != nil {
		return nil, nil, err
	}
	e.auditPass(ctx, audit.ActionSyncStarted, triggeredBy, log, nil)
	e.logger.Info().
		Str("connection_id", connectionID.String()).
		Str("sync_log_id", log.ID.String()).
		Str("sync_type", syncType).
		Str("direction", direction).
		Msg("sync pass started")

	p := newPass(e, conn, log)
	run := func(runCtx context.Context) {
		runCtx, cancelPass := context.WithCancel(runCtx)
		e.trackPass(connectionID, cancelPass)
		defer func() {
			e.untrackPass(connectionID)
			cancelPass()
			_ = release(context.Background())
		}()
		if err := p.ensureToken(runCtx); err != nil {
			p.close(runCtx, err)
			return
		}
		var abortErr error
		if direction == connection.DirectionPull || direction == connection.DirectionBidirectional {
			abortErr = p.pull(runCtx)
		}
		if abortErr == nil && (direction == connection.DirectionPush || direction == connection.DirectionBidirectional) {
			abortErr = p.push(runCtx)
		}
		p.close(runCtx, abortErr)
	}
	started = true
	return log, run, nil
}

// pass is the working state of one RunPass invocation.
type pass struct {
	engine *Engine
	conn   *connection.Connection
	log    *SyncLog
	client Remote
	phase  string

	authRetried bool
	canceled    bool

	// seen dedupes resources within the pass; conflicted keeps a
	// pull-phase conflict from echoing into the same pass's push.
	seen       map[string]bool
	conflicted map[string]bool
	touched    map[uuid.UUID]bool

	processed, succeeded, failed, skipped, conflicts int
	errs                                             []PassError
}

func newPass(e *Engine, conn *connection.Connection, log *SyncLog) *pass {
	return &pass{
		engine:     e,
		conn:       conn,
		log:        log,
		client:     e.deps.Remote(conn),
		seen:       make(map[string]bool),
		conflicted: make(map[string]bool),
		touched:    make(map[uuid.UUID]bool),
	}
}

// ensureToken validates credentials before any remote work. One failed
// refresh is retried after dropping the cached grant; a second failure
// aborts the pass.
func (p *pass) ensureToken(ctx context.Context) error {
	_, err := p.engine.deps.Vault.GetValidToken(ctx, p.conn)
	if err == nil {
		return nil
	}
	if !errors.Is(err, vault.ErrAuthExpired) {
		return err
	}
	p.authRetried = true
	_ = p.engine.deps.Vault.Invalidate(ctx, p.conn.ID)
	if _, err := p.engine.deps.Vault.GetValidToken(ctx, p.conn); err != nil {
		return err
	}
	return nil
}

// withAuthRetry runs a remote operation, refreshing credentials once
// when the server rejects the token mid-pass. The second rejection in a
// pass propagates and aborts it.
func (p *pass) withAuthRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !errors.Is(err, fhirclient.ErrAuthRejected) {
		return err
	}
	if p.authRetried {
		return err
	}
	p.authRetried = true
	_ = p.engine.deps.Vault.Invalidate(ctx, p.conn.ID)
	p.engine.logger.Warn().
		Str("connection_id", p.conn.ID.String()).
		Str("sync_log_id", p.log.ID.String()).
		Msg("token rejected mid-pass, refreshing once")
	return op()
}

// abortClass reports whether the error ends the whole pass rather than
// one resource.
func abortClass(err error) bool {
	return errors.Is(err, fhirclient.ErrAuthRejected) ||
		errors.Is(err, fhirclient.ErrUnreachable) ||
		errors.Is(err, vault.ErrAuthExpired) ||
		errors.Is(err, vault.ErrNoCredentials)
}

// orderedTypes returns the connection's configured resource types in
// translator order, Patient first.
func (p *pass) orderedTypes() []string {
	var out []string
	for _, rt := range p.engine.tr.SupportedTypes() {
		if p.conn.SyncsType(rt) {
			out = append(out, rt)
		}
	}
	return out
}

// touchMapping records a completed pass over a mapping, once.
func (p *pass) touchMapping(ctx context.Context, m *mapping.Mapping) {
	if p.touched[m.ID] {
		return
	}
	p.touched[m.ID] = true
	if err := p.engine.deps.Mappings.TouchSynced(ctx, m.ID, p.log.StartedAt); err != nil {
		p.engine.logger.Warn().Err(err).
			Str("mapping_id", m.ID.String()).
			Msg("mapping touch failed")
	}
}

// writeRow persists one resource outcome.
func (p *pass) writeRow(ctx context.Context, rs *ResourceSync) {
	rs.SyncLogID = &p.log.ID
	rs.ConnectionID = p.conn.ID
	if rs.Direction == "" {
		rs.Direction = p.phase
	}
	if err := p.engine.deps.Resources.Create(ctx, rs); err != nil {
		p.engine.logger.Error().Err(err).
			Str("sync_log_id", p.log.ID.String()).
			Str("resource_type", rs.ResourceType).
			Str("external_id", rs.ExternalID).
			Msg("resource outcome write failed")
	}
}

// failResource records one per-resource failure and continues the pass.
func (p *pass) failResource(ctx context.Context, patientID uuid.UUID, localID *uuid.UUID, resourceType, externalID string, cause error) {
	p.failed++
	p.errs = append(p.errs, PassError{
		ResourceType: resourceType,
		ExternalID:   externalID,
		Message:      cause.Error(),
	})
	p.writeRow(ctx, &ResourceSync{
		PatientID:    patientID,
		ResourceType: resourceType,
		LocalID:      localID,
		ExternalID:   externalID,
		Status:       ResourceError,
		ErrorMessage: cause.Error(),
	})
	p.engine.logger.Warn().Err(cause).
		Str("connection_id", p.conn.ID.String()).
		Str("sync_log_id", p.log.ID.String()).
		Str("resource_type", resourceType).
		Str("external_id", externalID).
		Msg("resource sync failed")
}

// skipResource records an intentionally untouched resource.
func (p *pass) skipResource(ctx context.Context, patientID uuid.UUID, localID *uuid.UUID, resourceType, externalID, reason string) {
	p.skipped++
	p.writeRow(ctx, &ResourceSync{
		PatientID:    patientID,
		ResourceType: resourceType,
		LocalID:      localID,
		ExternalID:   externalID,
		Status:       ResourceSkipped,
		ErrorMessage: reason,
	})
}

// close writes the terminal status exactly once and settles the
// connection's bookkeeping. The pass may be closing because its context
// was canceled; the terminal writes still have to land.
func (p *pass) close(ctx context.Context, abortErr error) {
	ctx = context.WithoutCancel(ctx)
	e := p.engine
	now := time.Now().UTC()

	p.log.Processed = p.processed
	p.log.Succeeded = p.succeeded
	p.log.Failed = p.failed
	p.log.Conflicts = p.conflicts
	p.log.Errors = p.errs
	p.log.CompletedAt = &now

	counts := fmt.Sprintf("%d processed, %d synced, %d skipped, %d conflicts, %d errors",
		p.processed, p.succeeded, p.skipped, p.conflicts, p.failed)

	switch {
	case abortErr != nil:
		p.log.Status = LogFailed
		p.log.Summary = "aborted: " + abortErr.Error()
		if err := e.deps.Connections.MarkError(ctx, p.conn.ID, abortErr.Error()); err != nil {
			e.logger.Error().Err(err).
				Str("connection_id", p.conn.ID.String()).
				Msg("connection status update failed")
		}
	case p.canceled:
		p.log.Status = LogPartial
		p.log.Summary = "canceled: " + counts
	case p.failed > 0:
		p.log.Status = LogPartial
		p.log.Summary = counts
	default:
		p.log.Status = LogSuccess
		p.log.Summary = counts
	}

	if err := e.deps.Logs.Update(ctx, p.log); err != nil {
		e.logger.Error().Err(err).
			Str("sync_log_id", p.log.ID.String()).
			Msg("sync log close failed")
	}

	if p.log.Status == LogSuccess || p.log.Status == LogPartial {
		if err := e.deps.Connections.TouchLastSync(ctx, p.conn.ID, p.log.StartedAt); err != nil {
			e.logger.Warn().Err(err).
				Str("connection_id", p.conn.ID.String()).
				Msg("last sync timestamp update failed")
		}
	}

	e.auditPass(ctx, audit.ActionSyncCompleted, p.log.TriggeredBy, p.log, map[string]interface{}{
		"status":              p.log.Status,
		"resources_processed": p.processed,
		"resources_succeeded": p.succeeded,
		"resources_failed":    p.failed,
		"conflicts_detected":  p.conflicts,
	})
	e.logger.Info().
		Str("connection_id", p.conn.ID.String()).
		Str("sync_log_id", p.log.ID.String()).
		Str("status", p.log.Status).
		Int("processed", p.processed).
		Int("succeeded", p.succeeded).
		Int("failed", p.failed).
		Int("conflicts", p.conflicts).
		Msg("sync pass completed")
}

func (e *Engine) auditPass(ctx context.Context, action, actor string, log *SyncLog, detail map[string]interface{}) {
	if e.deps.Audit == nil {
		return
	}
	_ = e.deps.Audit.Record(ctx, audit.SyncPass(action, actor, log.ConnectionID, log.ID, detail))
}

// auditResource records one external write applied to a resource during
// the pass.
func (p *pass) auditResource(ctx context.Context, action, resourceType, externalID string) {
	if p.engine.deps.Audit == nil {
		return
	}
	_ = p.engine.deps.Audit.Record(ctx, audit.ResourceWrite(action, p.conn.ID, p.log.ID, resourceType, externalID))
}

// demographicCore strips identity fields from a patient projection so
// version markers compare synchronized content only. The remote id and
// MRN address the resource; they are not content.
func demographicCore(rec *translate.PatientRecord) *translate.PatientRecord {
	core := *rec
	core.ExternalID = ""
	core.MRN = ""
	core.MRNSystem = ""
	core.CareTeamNotes = ""
	return &core
}

func (e *Engine) demographicMarker(rec *translate.PatientRecord) (string, error) {
	return e.tr.Fingerprint(demographicCore(rec))
}

func resourceKey(resourceType, externalID string) string {
	return resourceType + "/" + externalID
}

// rawID extracts the resource id from a FHIR payload without a full
// parse, for error rows on resources that failed translation.
func rawID(raw json.RawMessage) string {
	var meta struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &meta)
	return meta.ID
}
