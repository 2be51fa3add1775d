package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies launcher failures.
type ErrorKind string

const (
	KindUsage               ErrorKind = "Usage"
	KindBundleRead          ErrorKind = "BundleRead"
	KindBundleDecode        ErrorKind = "BundleDecode"
	KindUiMissing           ErrorKind = "UiMissing"
	KindWorkspace           ErrorKind = "Workspace"
	KindLaunchChild         ErrorKind = "LaunchChild"
	KindIncorrectPassword   ErrorKind = "IncorrectPassword"
	KindAddressAlreadyInUse ErrorKind = "AddressAlreadyInUse"
	KindSqliteCorrupt       ErrorKind = "SqliteCorrupt"
	KindUnknownFatalPanic   ErrorKind = "UnknownFatalPanic"
	KindPortAllocation      ErrorKind = "PortAllocation"
	KindNoAuthority         ErrorKind = "NoAuthority"
	KindUnauthorizedCaller  ErrorKind = "UnauthorizedCaller"
	KindSignFailure         ErrorKind = "SignFailure"
	KindWatcher             ErrorKind = "Watcher"
)

// Sentinels, one per kind, for errors.Is.
var (
	ErrUsage               = errors.New("usage error")
	ErrBundleRead          = errors.New("could not read bundle")
	ErrBundleDecode        = errors.New("could not decode bundle")
	ErrUiMissing           = errors.New("UI assets missing")
	ErrWorkspace           = errors.New("workspace error")
	ErrLaunchChild         = errors.New("could not launch child process")
	ErrIncorrectPassword   = errors.New("incorrect password")
	ErrAddressAlreadyInUse = errors.New("address already in use")
	ErrSqliteCorrupt       = errors.New("conductor database is corrupt")
	ErrUnknownFatalPanic   = errors.New("conductor panicked during startup")
	ErrPortAllocation      = errors.New("no free port available")
	ErrNoAuthority         = errors.New("window has no signing authority")
	ErrUnauthorizedCaller  = errors.New("unauthorized caller")
	ErrSignFailure         = errors.New("keystore failed to sign")
	ErrWatcher             = errors.New("file watcher failed")

	// ErrImpossiblePending means a child closed its output before reporting ready.
	ErrImpossiblePending = fmt.Errorf("%w: child exited before it was ready", ErrLaunchChild)
)

var kindSentinels = map[ErrorKind]error{
	KindUsage:               ErrUsage,
	KindBundleRead:          ErrBundleRead,
	KindBundleDecode:        ErrBundleDecode,
	KindUiMissing:           ErrUiMissing,
	KindWorkspace:           ErrWorkspace,
	KindLaunchChild:         ErrLaunchChild,
	KindIncorrectPassword:   ErrIncorrectPassword,
	KindAddressAlreadyInUse: ErrAddressAlreadyInUse,
	KindSqliteCorrupt:       ErrSqliteCorrupt,
	KindUnknownFatalPanic:   ErrUnknownFatalPanic,
	KindPortAllocation:      ErrPortAllocation,
	KindNoAuthority:         ErrNoAuthority,
	KindUnauthorizedCaller:  ErrUnauthorizedCaller,
	KindSignFailure:         ErrSignFailure,
	KindWatcher:             ErrWatcher,
}

// Error carries a kind, the agent it concerns (-1 when none) and the operation that failed.
type Error struct {
	Kind    ErrorKind
	AgentID AgentID
	Op      string
	Err     error
}

// NoAgent marks errors not tied to a single agent.
const NoAgent AgentID = -1

// NewError builds an Error not tied to an agent.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, AgentID: NoAgent, Op: op, Err: err}
}

// NewAgentError builds an Error for one agent.
func NewAgentError(kind ErrorKind, id AgentID, op string, err error) *Error {
	return &Error{Kind: kind, AgentID: id, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.AgentID != NoAgent {
		msg = fmt.Sprintf("%s (%s)", msg, e.AgentID.Label())
	}
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind's sentinel as well as the wrapped chain.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// ExitCode maps an error returned by the launcher to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case KindOf(err) == KindUsage:
		return 1
	default:
		return 2
	}
}
