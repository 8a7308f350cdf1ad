package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/sessions"
	"github.com/MarcoPoloResearchLab/tether/internal/updates"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opProcessorNew      = "statesync.processor.new"
	opProcessResponses  = "statesync.process_responses"
	opRecordReport      = "statesync.record_report"
	opApplyActivity     = "statesync.apply_activity"
	fieldUserID         = "user_id"
	fieldCookieID       = "cookie_id"
	fieldSessionID      = "session_id"
	reasonInvalid       = "invalid_response"
	reasonSideEffects   = "side_effects_failed"
	reasonInsertFailed  = "insert_failed"
	reasonIDFailed      = "id_generation_failed"
	reasonMarkReadFail  = "mark_read_failed"
	reasonUpdatesFailed = "create_updates_failed"
)

var (
	errMissingProcessorDeps = errors.New("database, session store, thread marker, update creator and id provider are required")
	noOpLogger              = zap.NewNop()
)

// ServiceError wraps sync failures with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ThreadReadMarker updates a member's unread flag on a thread.
type ThreadReadMarker interface {
	SetThreadUnread(ctx context.Context, userID string, threadID string, unread bool) (bool, error)
}

// UpdateCreator commits change notifications through the update log.
type UpdateCreator interface {
	CommitUpdates(ctx context.Context, descriptors []updates.Descriptor, author viewer.Viewer) error
}

// ProcessorConfig describes the dependencies of the Processor.
type ProcessorConfig struct {
	Database   *gorm.DB
	Cookies    *sessions.Store
	Threads    ThreadReadMarker
	Updates    UpdateCreator
	IDProvider updates.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Processor applies the side effects of client responses.
type Processor struct {
	db         *gorm.DB
	cookies    *sessions.Store
	threads    ThreadReadMarker
	updates    UpdateCreator
	idProvider updates.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// ProcessResult is the outcome of processing client responses. HashResults
// is nil when the client sent no check_state response.
type ProcessResult struct {
	Viewer         viewer.Viewer
	ServerRequests []ServerRequest
	HashResults    map[string]bool
	ActivityResult *ActivityResult
}

type pendingReport struct {
	kind RequestType
	body json.RawMessage
}

// responseBatch accumulates the facts carried by one list of client responses.
type responseBatch struct {
	platform        *viewer.Platform
	platformDetails *viewer.PlatformDetails
	deviceToken     *string
	reports         []pendingReport
	hashResults     map[string]bool
	activity        []ActivityUpdate
}

// NewProcessor constructs a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Database == nil || cfg.Cookies == nil || cfg.Threads == nil || cfg.Updates == nil || cfg.IDProvider == nil {
		return nil, newServiceError(opProcessorNew, "missing_dependencies", errMissingProcessorDeps)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Processor{
		db:         cfg.Database,
		cookies:    cfg.Cookies,
		threads:    cfg.Threads,
		updates:    cfg.Updates,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// ProcessClientResponses records what the client reported on its cookie,
// stores inconsistency reports, marks focused threads read, and lists the
// server requests for facts the server still lacks. A platform response is
// ignored when the same batch carries platform details.
func (p *Processor) ProcessClientResponses(ctx context.Context, current viewer.Viewer, responses []ClientResponse) (ProcessResult, error) {
	batch := &responseBatch{}
	for _, response := range responses {
		if err := response.record(batch); err != nil {
			p.logError(opProcessResponses, reasonInvalid, err,
				zap.String(fieldUserID, current.UserID),
				zap.String("type", string(response.Type())))
			return ProcessResult{}, newServiceError(opProcessResponses, reasonInvalid, err)
		}
	}

	result := ProcessResult{HashResults: batch.hashResults}
	if current.RequireLoggedIn() != nil || current.CookieID == "" {
		result.Viewer = current
		return result, nil
	}

	missingPlatform := current.Platform == ""
	missingDetails := detailsIncomplete(current.Platform, current.PlatformDetails)

	var errs error
	switch {
	case batch.platformDetails != nil:
		details := *batch.platformDetails
		errs = multierr.Append(errs, p.cookies.SetCookiePlatformDetails(ctx, current.CookieID, details))
		current.Platform = details.Platform
		current.PlatformDetails = &details
		missingPlatform = false
		missingDetails = false
	case batch.platform != nil:
		errs = multierr.Append(errs, p.cookies.SetCookiePlatform(ctx, current.CookieID, *batch.platform))
		current.Platform = *batch.platform
		missingPlatform = false
		if !isDevicePlatform(current.Platform) {
			missingDetails = false
		}
	}
	if batch.deviceToken != nil {
		errs = multierr.Append(errs, p.cookies.SetCookieDeviceToken(ctx, current.CookieID, *batch.deviceToken))
		current.DeviceToken = *batch.deviceToken
	}
	for _, report := range batch.reports {
		errs = multierr.Append(errs, p.recordReport(ctx, current, report))
	}
	if len(batch.activity) > 0 {
		activityResult, err := p.applyActivity(ctx, current, batch.activity)
		errs = multierr.Append(errs, err)
		result.ActivityResult = activityResult
	}
	if errs != nil {
		p.logError(opProcessResponses, reasonSideEffects, errs,
			zap.String(fieldUserID, current.UserID),
			zap.String(fieldCookieID, current.CookieID))
		return ProcessResult{}, newServiceError(opProcessResponses, reasonSideEffects, errs)
	}

	if missingPlatform {
		result.ServerRequests = append(result.ServerRequests, ServerRequest{Type: RequestPlatform})
	}
	if missingDetails {
		result.ServerRequests = append(result.ServerRequests, ServerRequest{Type: RequestPlatformDetails})
	}
	if isDevicePlatform(current.Platform) && current.DeviceToken == "" {
		result.ServerRequests = append(result.ServerRequests, ServerRequest{Type: RequestDeviceToken})
	}
	result.Viewer = current
	return result, nil
}

func (p *Processor) recordReport(ctx context.Context, current viewer.Viewer, report pendingReport) error {
	reportID, err := p.idProvider.NewID()
	if err != nil {
		p.logError(opRecordReport, reasonIDFailed, err, zap.String(fieldUserID, current.UserID))
		return newServiceError(opRecordReport, reasonIDFailed, err)
	}
	row := InconsistencyReport{
		ReportID:        reportID,
		UserID:          current.UserID,
		CookieID:        current.CookieID,
		Platform:        string(current.Platform),
		Kind:            report.kind,
		Report:          datatypes.JSON(report.body),
		CreatedAtMillis: p.clock().UnixMilli(),
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		p.logError(opRecordReport, reasonInsertFailed, err, zap.String(fieldUserID, current.UserID))
		return newServiceError(opRecordReport, reasonInsertFailed, err)
	}
	return nil
}

// applyActivity marks focused threads read and emits read-status updates for
// the threads whose flag changed. The last report for a thread wins.
func (p *Processor) applyActivity(ctx context.Context, current viewer.Viewer, activity []ActivityUpdate) (*ActivityResult, error) {
	focus := make(map[string]bool, len(activity))
	var order []string
	for _, update := range activity {
		if _, seen := focus[update.ThreadID]; !seen {
			order = append(order, update.ThreadID)
		}
		focus[update.ThreadID] = update.Focus
	}

	now := p.clock().UnixMilli()
	result := &ActivityResult{ReadThreadIDs: []string{}}
	var descriptors []updates.Descriptor
	for _, threadID := range order {
		if !focus[threadID] {
			continue
		}
		changed, err := p.threads.SetThreadUnread(ctx, current.UserID, threadID, false)
		if err != nil {
			p.logError(opApplyActivity, reasonMarkReadFail, err, zap.String(fieldUserID, current.UserID))
			return nil, newServiceError(opApplyActivity, reasonMarkReadFail, err)
		}
		if !changed {
			continue
		}
		result.ReadThreadIDs = append(result.ReadThreadIDs, threadID)
		descriptors = append(descriptors, updates.UpdateThreadReadStatus{
			UserID:   current.UserID,
			Time:     now,
			ThreadID: threadID,
			Unread:   false,
		})
	}
	if len(descriptors) == 0 {
		return result, nil
	}
	if err := p.updates.CommitUpdates(ctx, descriptors, current); err != nil {
		p.logError(opApplyActivity, reasonUpdatesFailed, err, zap.String(fieldUserID, current.UserID))
		return nil, newServiceError(opApplyActivity, reasonUpdatesFailed, err)
	}
	return result, nil
}

func isDevicePlatform(platform viewer.Platform) bool {
	return platform == viewer.PlatformIOS || platform == viewer.PlatformAndroid
}

func detailsIncomplete(platform viewer.Platform, details *viewer.PlatformDetails) bool {
	if details == nil {
		return true
	}
	return isDevicePlatform(platform) && (details.CodeVersion == nil || details.StateVersion == nil)
}

func (p *Processor) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("state sync error", attrs...)
}
