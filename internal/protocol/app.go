package protocol

import (
	"encoding/json"
	"fmt"
)

// App → cloud frame types.
const (
	AppConnectionInit         = "connection_init"
	AppSubscriptionUpdate     = "subscription_update"
	AppDisplayRequest         = "display_request"
	AppDashboardContentUpdate = "dashboard_content_update"
	AppDashboardModeChange    = "dashboard_mode_change"
	AppRTMPStreamRequest      = "rtmp_stream_request"
	AppRTMPStreamStop         = "rtmp_stream_stop"
	AppPhotoRequest           = "photo_request"
	AppAudioPlayRequest       = "audio_play_request"
	AppAudioStopRequest       = "audio_stop_request"
)

// Cloud → App frame types.
const (
	AppConnectionAck       = "connection_ack"
	AppConnectionError     = "connection_error"
	AppStopped             = "app_stopped"
	AppDataStream          = "data_stream"
	AppCustomMessage       = "custom_message"
	AppManagedStreamStatus = "managed_stream_status"
	AppPhotoResponse       = "photo_response"
)

// AppFrame is the closed set of frames an App may send.
type AppFrame interface {
	isAppFrame()
}

// AppInit authenticates an App link. Either the bearer token on the HTTP
// upgrade or this in-band frame (legacy path, sessionId = "userId-package")
// identifies the session.
type AppInit struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	SessionID   string `json:"sessionId"`
}

// SubscriptionUpdate replaces the App's full subscription set.
type SubscriptionUpdate struct {
	Type          string   `json:"type"`
	PackageName   string   `json:"packageName"`
	Subscriptions []string `json:"subscriptions"`
}

// DisplayRequest asks for a layout to be shown on the glasses.
type DisplayRequest struct {
	Type        string         `json:"type"`
	PackageName string         `json:"packageName"`
	View        string         `json:"view"`
	Layout      map[string]any `json:"layout"`
	DurationMs  int            `json:"durationMs,omitempty"`
}

// DashboardContentUpdate replaces the App's dashboard card content.
type DashboardContentUpdate struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	Content     string `json:"content"`
	Mode        string `json:"mode,omitempty"`
}

// DashboardModeChange switches the dashboard between main and expanded.
type DashboardModeChange struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	Mode        string `json:"mode"`
}

// RTMPStreamRequest asks for the camera/encoder to push to an RTMP URL.
type RTMPStreamRequest struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	RTMPURL     string `json:"rtmpUrl"`
	Managed     bool   `json:"managed,omitempty"`
}

// RTMPStreamStop releases the encoder held by the requesting App.
type RTMPStreamStop struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	StreamID    string `json:"streamId,omitempty"`
}

// PhotoRequest asks the glasses to take a photo on behalf of an App.
type PhotoRequest struct {
	Type          string `json:"type"`
	PackageName   string `json:"packageName"`
	SaveToGallery bool   `json:"saveToGallery,omitempty"`
}

// AudioPlayRequest forwards an audio playback request to the glasses.
type AudioPlayRequest struct {
	Type        string  `json:"type"`
	PackageName string  `json:"packageName"`
	RequestID   string  `json:"requestId"`
	AudioURL    string  `json:"audioUrl"`
	Volume      float64 `json:"volume,omitempty"`
}

// AudioStopRequest cancels playback started by the same App.
type AudioStopRequest struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
}

func (AppInit) isAppFrame()                {}
func (SubscriptionUpdate) isAppFrame()     {}
func (DisplayRequest) isAppFrame()         {}
func (DashboardContentUpdate) isAppFrame() {}
func (DashboardModeChange) isAppFrame()    {}
func (RTMPStreamRequest) isAppFrame()      {}
func (RTMPStreamStop) isAppFrame()         {}
func (PhotoRequest) isAppFrame()           {}
func (AudioPlayRequest) isAppFrame()       {}
func (AudioStopRequest) isAppFrame()       {}

// DecodeAppFrame parses a JSON frame from an App link into its concrete
// type. Frames with an unrecognised type decode to [UnknownFrame].
func DecodeAppFrame(data []byte) (AppFrame, error) {
	t, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case AppConnectionInit:
		return decodeApp[AppInit](data, t)
	case AppSubscriptionUpdate:
		return decodeApp[SubscriptionUpdate](data, t)
	case AppDisplayRequest:
		return decodeApp[DisplayRequest](data, t)
	case AppDashboardContentUpdate:
		return decodeApp[DashboardContentUpdate](data, t)
	case AppDashboardModeChange:
		return decodeApp[DashboardModeChange](data, t)
	case AppRTMPStreamRequest:
		return decodeApp[RTMPStreamRequest](data, t)
	case AppRTMPStreamStop:
		return decodeApp[RTMPStreamStop](data, t)
	case AppPhotoRequest:
		return decodeApp[PhotoRequest](data, t)
	case AppAudioPlayRequest:
		return decodeApp[AudioPlayRequest](data, t)
	case AppAudioStopRequest:
		return decodeApp[AudioStopRequest](data, t)
	default:
		return UnknownFrame{Type: t, Raw: data}, nil
	}
}

// decodeApp unmarshals data into the concrete frame type T.
func decodeApp[T AppFrame](data []byte, t string) (AppFrame, error) {
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", t, err)
	}
	return f, nil
}

// AckToApp is the connection_ack sent to an App after a successful init.
// Settings carries the user's effective settings for the App (user override
// falling back to the App's declared defaults).
type AckToApp struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId"`
	Settings  []SettingView `json:"settings"`
}

// SettingView is one effective setting entry in the App connection_ack.
type SettingView struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// AppStoppedMsg tells an App its session is over; sent just before the
// cloud closes the link with code 1000.
type AppStoppedMsg struct {
	Type string `json:"type"`
}

// DataStream is the envelope for all relayed events (transcription,
// translation, location, calendar, head position, settings keys, raw audio
// metadata). StreamType is the effective subscription key that matched.
type DataStream struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	StreamType string    `json:"streamType"`
	Data       any       `json:"data"`
	Timestamp  Timestamp `json:"timestamp"`
}

// PhotoResult resolves an App's photo_request: the gallery URL on success,
// an error message otherwise (including "timeout" when the glasses never
// answered).
type PhotoResult struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	PhotoURL  string `json:"photoUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ManagedStreamStatus reports managed-stream ingest state to viewer Apps.
type ManagedStreamStatus struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	Status   string `json:"status"`
	HLSURL   string `json:"hlsUrl,omitempty"`
}
