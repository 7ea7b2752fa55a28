package transfer

// State is the closed set of job states the rest of the system reasons about.
type State int

const (
	StateUnknown State = iota
	StateDownloading
	StateSeeding
	StateStalled
	StateErrored
	StateChecking
	StateMoving
)

var stateNames = map[State]string{
	StateUnknown:     "unknown",
	StateDownloading: "downloading",
	StateSeeding:     "seeding",
	StateStalled:     "stalled",
	StateErrored:     "errored",
	StateChecking:    "checking",
	StateMoving:      "moving",
}

// remoteStates maps the WebUI state strings onto State. Paused and stopped
// variants keep the phase they were paused in.
var remoteStates = map[string]State{
	"downloading":        StateDownloading,
	"forcedDL":           StateDownloading,
	"metaDL":             StateDownloading,
	"forcedMetaDL":       StateDownloading,
	"queuedDL":           StateDownloading,
	"allocating":         StateDownloading,
	"pausedDL":           StateDownloading,
	"stoppedDL":          StateDownloading,
	"uploading":          StateSeeding,
	"forcedUP":           StateSeeding,
	"queuedUP":           StateSeeding,
	"pausedUP":           StateSeeding,
	"stoppedUP":          StateSeeding,
	"stalledDL":          StateStalled,
	"stalledUP":          StateStalled,
	"error":              StateErrored,
	"missingFiles":       StateErrored,
	"checkingDL":         StateChecking,
	"checkingUP":         StateChecking,
	"checkingResumeData": StateChecking,
	"moving":             StateMoving,
}

// ParseState converts a remote state string into a State.
func ParseState(raw string) State {
	if s, ok := remoteStates[raw]; ok {
		return s
	}

	return StateUnknown
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return stateNames[StateUnknown]
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText. Unknown names
// decode to StateUnknown.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state

			return nil
		}
	}

	*s = StateUnknown

	return nil
}
