package statesync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/statecheck"
	"github.com/MarcoPoloResearchLab/tether/internal/updates"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
)

// RequestType names both the requests the server sends and the responses
// clients send back.
type RequestType string

const (
	RequestPlatform               RequestType = "platform"
	RequestPlatformDetails        RequestType = "platform_details"
	RequestDeviceToken            RequestType = "device_token"
	RequestThreadInconsistency    RequestType = "thread_inconsistency"
	RequestEntryInconsistency     RequestType = "entry_inconsistency"
	RequestCheckState             RequestType = "check_state"
	RequestInitialActivityUpdates RequestType = "initial_activity_updates"
)

// PayloadType tags a state sync payload.
type PayloadType string

const (
	PayloadFull        PayloadType = "full"
	PayloadIncremental PayloadType = "incremental"
)

var (
	// ErrInvalidRequest indicates a sync message that failed validation.
	ErrInvalidRequest = errors.New("statesync: invalid request")
	// ErrUnknownResponseType indicates a client response of a type the server does not handle.
	ErrUnknownResponseType = errors.New("statesync: unknown client response type")
)

// Request is a sync attempt sent over HTTP ping or the socket initial message.
type Request struct {
	CalendarQuery       *calendar.Query
	MessagesCurrentAsOf int64
	UpdatesCurrentAsOf  int64
	WatchedIDs          []string
	ClientResponses     []ClientResponse
	SessionID           string
}

type wireRequest struct {
	CalendarQuery       *calendar.Query   `json:"calendarQuery"`
	MessagesCurrentAsOf int64             `json:"messagesCurrentAsOf"`
	UpdatesCurrentAsOf  int64             `json:"updatesCurrentAsOf"`
	WatchedIDs          []string          `json:"watchedIDs"`
	ClientResponses     []json.RawMessage `json:"clientResponses"`
	SessionID           string            `json:"sessionID"`
}

// ClientResponse is an answer to an earlier server request. Only the
// variants declared in this package implement it.
type ClientResponse interface {
	Type() RequestType
	record(batch *responseBatch) error
}

// PlatformResponse reports the client platform.
type PlatformResponse struct {
	Platform string `json:"platform"`
}

func (PlatformResponse) Type() RequestType { return RequestPlatform }

func (r PlatformResponse) record(batch *responseBatch) error {
	platform, err := viewer.NewPlatform(r.Platform)
	if err != nil {
		return err
	}
	batch.platform = &platform
	return nil
}

// PlatformDetailsResponse reports the client platform and build.
type PlatformDetailsResponse struct {
	PlatformDetails viewer.PlatformDetails `json:"platformDetails"`
}

func (PlatformDetailsResponse) Type() RequestType { return RequestPlatformDetails }

func (r PlatformDetailsResponse) record(batch *responseBatch) error {
	platform, err := viewer.NewPlatform(string(r.PlatformDetails.Platform))
	if err != nil {
		return err
	}
	details := r.PlatformDetails
	details.Platform = platform
	batch.platformDetails = &details
	return nil
}

// DeviceTokenResponse reports the push token of the device.
type DeviceTokenResponse struct {
	DeviceToken string `json:"deviceToken"`
}

func (DeviceTokenResponse) Type() RequestType { return RequestDeviceToken }

func (r DeviceTokenResponse) record(batch *responseBatch) error {
	if r.DeviceToken == "" {
		return fmt.Errorf("%w: empty device token", ErrInvalidRequest)
	}
	token := r.DeviceToken
	batch.deviceToken = &token
	return nil
}

// ThreadInconsistencyResponse carries a client-side thread drift report.
// The report body is stored verbatim.
type ThreadInconsistencyResponse struct {
	Report json.RawMessage
}

func (ThreadInconsistencyResponse) Type() RequestType { return RequestThreadInconsistency }

func (r ThreadInconsistencyResponse) record(batch *responseBatch) error {
	batch.reports = append(batch.reports, pendingReport{kind: RequestThreadInconsistency, body: r.Report})
	return nil
}

// EntryInconsistencyResponse carries a client-side calendar drift report.
type EntryInconsistencyResponse struct {
	Report json.RawMessage
}

func (EntryInconsistencyResponse) Type() RequestType { return RequestEntryInconsistency }

func (r EntryInconsistencyResponse) record(batch *responseBatch) error {
	batch.reports = append(batch.reports, pendingReport{kind: RequestEntryInconsistency, body: r.Report})
	return nil
}

// CheckStateResponse reports which hashes matched on the client.
type CheckStateResponse struct {
	HashResults map[string]bool `json:"hashResults"`
}

func (CheckStateResponse) Type() RequestType { return RequestCheckState }

func (r CheckStateResponse) record(batch *responseBatch) error {
	results := make(map[string]bool, len(r.HashResults))
	for key, matched := range r.HashResults {
		results[key] = matched
	}
	batch.hashResults = results
	return nil
}

// ActivityUpdate reports whether the user is looking at a thread.
type ActivityUpdate struct {
	ThreadID string `json:"threadID"`
	Focus    bool   `json:"focus"`
}

// InitialActivityUpdatesResponse carries the focus state the client
// accumulated while disconnected.
type InitialActivityUpdatesResponse struct {
	ActivityUpdates []ActivityUpdate `json:"activityUpdates"`
}

func (InitialActivityUpdatesResponse) Type() RequestType { return RequestInitialActivityUpdates }

func (r InitialActivityUpdatesResponse) record(batch *responseBatch) error {
	batch.activity = append(batch.activity, r.ActivityUpdates...)
	return nil
}

// ServerRequest asks the client for information or a consistency check.
type ServerRequest struct {
	Type RequestType `json:"type"`
	*statecheck.Request
}

// ActivityResult lists the threads marked read from focus reports.
type ActivityResult struct {
	ReadThreadIDs []string `json:"readThreadIDs"`
}

// Payload is a state sync body. Only FullPayload and IncrementalPayload
// implement it.
type Payload interface {
	PayloadType() PayloadType
}

// FullPayload replaces every client cache.
type FullPayload struct {
	Type               PayloadType                    `json:"type"`
	MessagesResult     entities.MessagesResult        `json:"messagesResult"`
	ThreadInfos        map[string]entities.ThreadInfo `json:"threadInfos"`
	CurrentUserInfo    *users.CurrentUserInfo         `json:"currentUserInfo"`
	RawEntryInfos      []entities.EntryInfo           `json:"rawEntryInfos"`
	UserInfos          []users.UserInfo               `json:"userInfos"`
	UpdatesCurrentAsOf int64                          `json:"updatesCurrentAsOf"`
	SessionID          string                         `json:"sessionID,omitempty"`
}

func (FullPayload) PayloadType() PayloadType { return PayloadFull }

// UpdatesResult lists the updates a continuing client missed.
type UpdatesResult struct {
	NewUpdates  []updates.Info `json:"newUpdates"`
	CurrentAsOf int64          `json:"currentAsOf"`
}

// IncrementalPayload patches the caches of a continuing client.
type IncrementalPayload struct {
	Type            PayloadType             `json:"type"`
	MessagesResult  entities.MessagesResult `json:"messagesResult"`
	UpdatesResult   UpdatesResult           `json:"updatesResult"`
	DeltaEntryInfos []entities.EntryInfo    `json:"deltaEntryInfos"`
	DeletedEntryIDs []string                `json:"deletedEntryIDs"`
	UserInfos       []users.UserInfo        `json:"userInfos"`
}

func (IncrementalPayload) PayloadType() PayloadType { return PayloadIncremental }

// Response answers a sync attempt.
type Response struct {
	ServerRequests       []ServerRequest `json:"serverRequests"`
	Payload              Payload         `json:"payload"`
	ActivityUpdateResult *ActivityResult `json:"activityUpdateResult,omitempty"`
}

// UpdatesCurrentAsOf returns the update log position the payload brings the
// client to.
func (r Response) UpdatesCurrentAsOf() int64 {
	switch payload := r.Payload.(type) {
	case FullPayload:
		return payload.UpdatesCurrentAsOf
	case IncrementalPayload:
		return payload.UpdatesResult.CurrentAsOf
	default:
		return 0
	}
}

// UpdatesPush is the body of an updates message sent to a live socket.
type UpdatesPush struct {
	UpdatesResult UpdatesResult    `json:"updatesResult"`
	UserInfos     []users.UserInfo `json:"userInfos"`
}

// DecodeRequest validates a raw sync request and decodes it.
func DecodeRequest(raw []byte) (Request, error) {
	if err := validateDocument(syncRequestSchema, raw); err != nil {
		return Request{}, err
	}
	var wire wireRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	responses, err := decodeClientResponses(wire.ClientResponses)
	if err != nil {
		return Request{}, err
	}
	return Request{
		CalendarQuery:       wire.CalendarQuery,
		MessagesCurrentAsOf: wire.MessagesCurrentAsOf,
		UpdatesCurrentAsOf:  wire.UpdatesCurrentAsOf,
		WatchedIDs:          wire.WatchedIDs,
		ClientResponses:     responses,
		SessionID:           wire.SessionID,
	}, nil
}

// DecodeClientResponses validates and decodes the payload of a socket
// responses message.
func DecodeClientResponses(raw []byte) ([]ClientResponse, error) {
	if err := validateDocument(clientResponsesSchema, raw); err != nil {
		return nil, err
	}
	var wire struct {
		ClientResponses []json.RawMessage `json:"clientResponses"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return decodeClientResponses(wire.ClientResponses)
}

func decodeClientResponses(raws []json.RawMessage) ([]ClientResponse, error) {
	responses := make([]ClientResponse, 0, len(raws))
	for index, raw := range raws {
		response, err := decodeClientResponse(raw)
		if err != nil {
			return nil, fmt.Errorf("client response %d: %w", index, err)
		}
		responses = append(responses, response)
	}
	return responses, nil
}

func decodeClientResponse(raw json.RawMessage) (ClientResponse, error) {
	var envelope struct {
		Type RequestType `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var (
		response ClientResponse
		err      error
	)
	switch envelope.Type {
	case RequestPlatform:
		var decoded PlatformResponse
		err = json.Unmarshal(raw, &decoded)
		response = decoded
	case RequestPlatformDetails:
		var decoded PlatformDetailsResponse
		err = json.Unmarshal(raw, &decoded)
		response = decoded
	case RequestDeviceToken:
		var decoded DeviceTokenResponse
		err = json.Unmarshal(raw, &decoded)
		response = decoded
	case RequestThreadInconsistency:
		response = ThreadInconsistencyResponse{Report: append(json.RawMessage(nil), raw...)}
	case RequestEntryInconsistency:
		response = EntryInconsistencyResponse{Report: append(json.RawMessage(nil), raw...)}
	case RequestCheckState:
		var decoded CheckStateResponse
		err = json.Unmarshal(raw, &decoded)
		response = decoded
	case RequestInitialActivityUpdates:
		var decoded InitialActivityUpdatesResponse
		err = json.Unmarshal(raw, &decoded)
		response = decoded
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponseType, envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return response, nil
}
