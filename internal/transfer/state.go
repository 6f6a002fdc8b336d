package transfer

// Group classifies transfer states.
type Group int

const (
	GroupWorking Group = iota + 1
	GroupTerminating
	GroupStopped
)

func (g Group) String() string {
	switch g {
	case GroupWorking:
		return "working"
	case GroupTerminating:
		return "terminating"
	case GroupStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// State is one transfer state. The group travels with the state, so the
// classification cannot disagree with the state itself.
type State struct {
	name  string
	group Group
}

var (
	Waiting             = State{"Waiting", GroupWorking}
	Queued              = State{"Queued", GroupWorking}
	Listing             = State{"Listing", GroupWorking}
	CreatingDirectories = State{"Creating Directories", GroupWorking}
	Running             = State{"Running", GroupWorking}

	Pausing       = State{"Pausing", GroupTerminating}
	Stopping      = State{"Stopping", GroupTerminating}
	Disconnecting = State{"Disconnecting", GroupTerminating}
	Removing      = State{"Removing", GroupTerminating}

	Paused       = State{"Paused", GroupStopped}
	Stopped      = State{"Stopped", GroupStopped}
	Disconnected = State{"Disconnected", GroupStopped}
	Finished     = State{"Finished", GroupStopped}
)

// States lists every state.
func States() []State {
	return []State{
		Waiting, Queued, Listing, CreatingDirectories, Running,
		Pausing, Stopping, Disconnecting, Removing,
		Paused, Stopped, Disconnected, Finished,
	}
}

func (s State) String() string {
	if s.name == "" {
		return "Invalid"
	}
	return s.name
}

// Group returns the group of s.
func (s State) Group() Group { return s.group }

// IsWorking reports whether the transfer is queued or under way.
func (s State) IsWorking() bool { return s.group == GroupWorking }

// IsTerminating reports whether a control request is still being carried
// out.
func (s State) IsTerminating() bool { return s.group == GroupTerminating }

// IsStopped reports whether the transfer is paused or has ended.
func (s State) IsStopped() bool { return s.group == GroupStopped }

// resolved maps a terminating state to the stopped state it ends in.
func (s State) resolved() State {
	switch s {
	case Pausing:
		return Paused
	case Stopping, Removing:
		return Stopped
	case Disconnecting:
		return Disconnected
	default:
		return s
	}
}

var transitions = map[State][]State{
	Waiting:             {Queued},
	Queued:              {Listing, Running},
	Listing:             {CreatingDirectories, Running},
	CreatingDirectories: {Running},
	Running:             {Finished},
	Pausing:             {Paused},
	Stopping:            {Stopped},
	Disconnecting:       {Disconnected},
	Removing:            {Stopped},
	Paused:              {Queued},
}

// CanTransition reports whether from may move to to. Every working state may
// additionally move to any terminating state, and may fail straight to
// Stopped or Disconnected.
func CanTransition(from, to State) bool {
	if from.IsWorking() && (to.IsTerminating() || to == Stopped || to == Disconnected) {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
