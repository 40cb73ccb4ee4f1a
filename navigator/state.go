package navigator

// Mode selects what a session does once the layer is loaded.
type Mode int

const (
	// ModeView loads the layer and stops there.
	ModeView Mode = iota
	// ModeExport also triggers the export render once the layer is loaded
	// and the renderer is captured.
	ModeExport
)

func (m Mode) String() string {
	switch m {
	case ModeView:
		return "view"
	case ModeExport:
		return "export"
	}
	return "unknown"
}

// State is the protocol position of a session.
type State int32

const (
	StateIdle State = iota
	StateBootstrapping
	StateLayerLoading
	StateReady
	StateSVGCapturing
	StateDownloading
	StateSettled
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateBootstrapping: "bootstrapping",
	StateLayerLoading:  "layer_loading",
	StateReady:         "ready",
	StateSVGCapturing:  "svg_capturing",
	StateDownloading:   "downloading",
	StateSettled:       "settled",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
