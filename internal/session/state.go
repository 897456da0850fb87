package session

// State is the lifecycle state of a Session. Transitions are driven only by
// the Session itself: explicit operations and its own read loop.
type State string

const (
	StateInitializing   State = "INITIALIZING"
	StateAuthenticating State = "AUTHENTICATING"
	StateReady          State = "READY"
	StateBusy           State = "BUSY"
	StateIdle           State = "IDLE"
	StateTerminating    State = "TERMINATING"
	StateTerminated     State = "TERMINATED"
	StateError          State = "ERROR"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further operations are accepted except an
// idempotent terminate.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateError
}

// AcceptsCommands reports whether execute is allowed in this state.
func (s State) AcceptsCommands() bool {
	return s == StateReady || s == StateIdle
}

// CommandStatus is the lifecycle status of one CommandExecution record.
type CommandStatus string

const (
	CommandQueued    CommandStatus = "queued"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandTimedOut  CommandStatus = "timed_out"
	CommandRejected  CommandStatus = "rejected"
)
