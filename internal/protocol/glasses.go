package protocol

import (
	"encoding/json"
	"fmt"
)

// Glasses → cloud frame types.
const (
	GlassesConnectionInit   = "connection_init"
	GlassesStartApp         = "start_app"
	GlassesStopApp          = "stop_app"
	GlassesVAD              = "vad"
	GlassesLocationUpdate   = "location_update"
	GlassesCalendarEvent    = "calendar_event"
	GlassesHeadPosition     = "head_position"
	GlassesCoreStatusUpdate = "core_status_update"
	GlassesRTMPStreamStatus = "rtmp_stream_status"
	GlassesKeepAliveAck     = "keep_alive_ack"
	GlassesPhotoResponse    = "photo_response"
	GlassesRequestSettings  = "request_settings"
)

// Cloud → glasses frame types.
const (
	CloudConnectionAck       = "connection_ack"
	CloudConnectionError     = "connection_error"
	CloudAppStateChange      = "app_state_change"
	CloudSettingsUpdate      = "settings_update"
	CloudDisplayEvent        = "display_event"
	CloudStartRTMPStream     = "start_rtmp_stream"
	CloudStopRTMPStream      = "stop_rtmp_stream"
	CloudKeepRTMPStreamAlive = "keep_rtmp_stream_alive"
	CloudAudioPlayRequest    = "audio_play_request"
	CloudPhotoRequest        = "photo_request"
)

// GlassesFrame is the closed set of frames a glasses client may send.
type GlassesFrame interface {
	isGlassesFrame()
}

// ConnectionInit opens a glasses session. The sample rate declared here
// applies to all binary PCM frames for the life of the link.
type ConnectionInit struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// StartApp asks the cloud to launch an App by package name.
type StartApp struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
}

// StopApp asks the cloud to stop a running App.
type StopApp struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
}

// VAD reports a voice-activity transition from the glasses.
type VAD struct {
	Type   string `json:"type"`
	Status bool   `json:"status"`
}

// LocationUpdate carries the wearer's current position.
type LocationUpdate struct {
	Type      string    `json:"type"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp Timestamp `json:"timestamp,omitempty"`
}

// CalendarEvent relays a device calendar entry.
type CalendarEvent struct {
	Type      string    `json:"type"`
	EventID   string    `json:"eventId"`
	Title     string    `json:"title"`
	StartTime Timestamp `json:"dtStart"`
	EndTime   Timestamp `json:"dtEnd"`
}

// HeadPosition reports a head gesture ("up" or "down").
type HeadPosition struct {
	Type     string `json:"type"`
	Position string `json:"position"`
}

// CoreStatusUpdate carries the full device settings blob; the cloud diffs
// it against the persisted settings and notifies only changed keys.
type CoreStatusUpdate struct {
	Type   string         `json:"type"`
	Status map[string]any `json:"status"`
}

// RTMPStreamStatus reports encoder state transitions from the glasses.
type RTMPStreamStatus struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	Status   string `json:"status"`
	ErrorMsg string `json:"errorDetails,omitempty"`
}

// KeepAliveAck answers a keep_rtmp_stream_alive probe.
type KeepAliveAck struct {
	Type     string `json:"type"`
	AckID    string `json:"ackId"`
	StreamID string `json:"streamId,omitempty"`
}

// PhotoResponse resolves a pending photo request with a gallery URL.
type PhotoResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	PhotoURL  string `json:"photoUrl"`
	Success   bool   `json:"success"`
	ErrorMsg  string `json:"error,omitempty"`
}

// RequestSettings asks the cloud to resend the effective settings.
type RequestSettings struct {
	Type string `json:"type"`
}

func (ConnectionInit) isGlassesFrame()   {}
func (StartApp) isGlassesFrame()         {}
func (StopApp) isGlassesFrame()          {}
func (VAD) isGlassesFrame()              {}
func (LocationUpdate) isGlassesFrame()   {}
func (CalendarEvent) isGlassesFrame()    {}
func (HeadPosition) isGlassesFrame()     {}
func (CoreStatusUpdate) isGlassesFrame() {}
func (RTMPStreamStatus) isGlassesFrame() {}
func (KeepAliveAck) isGlassesFrame()     {}
func (PhotoResponse) isGlassesFrame()    {}
func (RequestSettings) isGlassesFrame()  {}

// DecodeGlassesFrame parses a JSON frame from the glasses link into its
// concrete type. Frames with an unrecognised type decode to [UnknownFrame].
func DecodeGlassesFrame(data []byte) (GlassesFrame, error) {
	t, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case GlassesConnectionInit:
		return decodeGlasses[ConnectionInit](data, t)
	case GlassesStartApp:
		return decodeGlasses[StartApp](data, t)
	case GlassesStopApp:
		return decodeGlasses[StopApp](data, t)
	case GlassesVAD:
		return decodeGlasses[VAD](data, t)
	case GlassesLocationUpdate:
		return decodeGlasses[LocationUpdate](data, t)
	case GlassesCalendarEvent:
		return decodeGlasses[CalendarEvent](data, t)
	case GlassesHeadPosition:
		return decodeGlasses[HeadPosition](data, t)
	case GlassesCoreStatusUpdate:
		return decodeGlasses[CoreStatusUpdate](data, t)
	case GlassesRTMPStreamStatus:
		return decodeGlasses[RTMPStreamStatus](data, t)
	case GlassesKeepAliveAck:
		return decodeGlasses[KeepAliveAck](data, t)
	case GlassesPhotoResponse:
		return decodeGlasses[PhotoResponse](data, t)
	case GlassesRequestSettings:
		return decodeGlasses[RequestSettings](data, t)
	default:
		return UnknownFrame{Type: t, Raw: data}, nil
	}
}

// decodeGlasses unmarshals data into the concrete frame type T.
func decodeGlasses[T GlassesFrame](data []byte, t string) (GlassesFrame, error) {
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", t, err)
	}
	return f, nil
}

// ConnectionAck is sent to glasses once the session is established.
type ConnectionAck struct {
	Type        string      `json:"type"`
	SessionID   string      `json:"sessionId"`
	UserSession SessionView `json:"userSession"`
}

// SessionView is the client-facing snapshot of session state included in
// connection_ack and app_state_change frames.
type SessionView struct {
	UserID         string       `json:"userId"`
	StartedAt      Timestamp    `json:"startTime"`
	ActiveApps     []string     `json:"activeAppSessions"`
	LoadingApps    []string     `json:"loadingApps"`
	InstalledApps  []AppSummary `json:"installedApps"`
	IsTranscribing bool         `json:"isTranscribing"`
}

// AppSummary is the installed-catalog entry shown to glasses.
type AppSummary struct {
	PackageName string `json:"packageName"`
	Name        string `json:"name,omitempty"`
	IsSystemApp bool   `json:"isSystemApp,omitempty"`
}

// ConnectionError reports a session-fatal problem to either peer.
type ConnectionError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AppStateChange notifies glasses that the running/loading app sets changed.
type AppStateChange struct {
	Type        string      `json:"type"`
	UserSession SessionView `json:"userSession"`
}

// SettingsUpdate pushes the effective device settings to glasses.
type SettingsUpdate struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings"`
}

// DisplayEvent renders a layout on the glasses display. View selects the
// surface ("main" or "dashboard").
type DisplayEvent struct {
	Type        string         `json:"type"`
	View        string         `json:"view"`
	PackageName string         `json:"packageName,omitempty"`
	Layout      map[string]any `json:"layout"`
	DurationMs  int            `json:"durationMs,omitempty"`
}

// KeepRTMPStreamAlive probes the glasses encoder; the device must answer
// with keep_alive_ack carrying the same ackId.
type KeepRTMPStreamAlive struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	AckID    string `json:"ackId"`
}

// StartRTMPStreamCmd instructs the glasses to begin pushing to an RTMP URL.
type StartRTMPStreamCmd struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	RTMPURL  string `json:"rtmpUrl"`
}

// PhotoRequestCmd asks the glasses camera for a photo on behalf of an App.
type PhotoRequestCmd struct {
	Type          string `json:"type"`
	RequestID     string `json:"requestId"`
	PackageName   string `json:"packageName"`
	SaveToGallery bool   `json:"saveToGallery,omitempty"`
}

// StopRTMPStreamCmd instructs the glasses to stop the encoder.
type StopRTMPStreamCmd struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
}
