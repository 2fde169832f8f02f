package xa

import "fmt"

// Flags are the XA flag values passed by the transaction manager.
type Flags int

const (
	TMNoFlags    Flags = 0x00000000
	TMJoin       Flags = 0x00200000
	TMEndRScan   Flags = 0x00800000
	TMStartRScan Flags = 0x01000000
	TMSuspend    Flags = 0x02000000
	TMSuccess    Flags = 0x04000000
	TMResume     Flags = 0x08000000
	TMFail       Flags = 0x20000000
	TMOnePhase   Flags = 0x40000000
)

func (f Flags) String() string {
	switch f {
	case TMNoFlags:
		return fmt.Sprintf("TMNOFLAGS (%d)", int(f))
	case TMJoin:
		return fmt.Sprintf("TMJOIN (%d)", int(f))
	case TMEndRScan:
		return fmt.Sprintf("TMENDRSCAN (%d)", int(f))
	case TMStartRScan:
		return fmt.Sprintf("TMSTARTRSCAN (%d)", int(f))
	case TMStartRScan | TMEndRScan:
		return fmt.Sprintf("TMSTARTRSCAN|TMENDRSCAN (%d)", int(f))
	case TMSuspend:
		return fmt.Sprintf("TMSUSPEND (%d)", int(f))
	case TMSuccess:
		return fmt.Sprintf("TMSUCCESS (%d)", int(f))
	case TMResume:
		return fmt.Sprintf("TMRESUME (%d)", int(f))
	case TMFail:
		return fmt.Sprintf("TMFAIL (%d)", int(f))
	case TMOnePhase:
		return fmt.Sprintf("TMONEPHASE (%d)", int(f))
	default:
		return fmt.Sprintf("%d", int(f))
	}
}

// Vote is the result of a successful prepare.
type Vote int

const (
	// VoteOK means the branch is prepared and awaits commit or rollback
	VoteOK Vote = 0
	// VoteReadOnly means the branch made no changes and has already been
	// forgotten; no commit or rollback will follow
	VoteReadOnly Vote = 3
)

func (v Vote) String() string {
	switch v {
	case VoteOK:
		return "ok"
	case VoteReadOnly:
		return "read_only"
	default:
		return fmt.Sprintf("vote(%d)", int(v))
	}
}

// Routine names an XA routine, used for error classification, logging and metrics.
type Routine int

const (
	RoutineStart Routine = iota
	RoutineEnd
	RoutinePrepare
	RoutineCommit
	RoutineRollback
	RoutineRecover
	RoutineForget
)

func (r Routine) String() string {
	switch r {
	case RoutineStart:
		return "start"
	case RoutineEnd:
		return "end"
	case RoutinePrepare:
		return "prepare"
	case RoutineCommit:
		return "commit"
	case RoutineRollback:
		return "rollback"
	case RoutineRecover:
		return "recover"
	case RoutineForget:
		return "forget"
	default:
		return fmt.Sprintf("routine(%d)", int(r))
	}
}
