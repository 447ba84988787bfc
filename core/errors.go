package core

import "errors"

// Sentinel errors for ThreadState invariant violations.
var (
	ErrSlotAlreadyWritten = errors.New("slot already written")
	ErrStageAlreadyActive = errors.New("stage already active")
	ErrFinalResponseSet   = errors.New("final response already set")
	ErrTerminated         = errors.New("turn already terminated")
	ErrSlotNotPopulated   = errors.New("stage did not populate its slot")
	ErrStateSealed        = errors.New("turn state is sealed")
)

// ApologyMessage is the generic reply used when no better response exists.
const ApologyMessage = "Sorry, we are experiencing a technical problem. Please try again later or contact customer support."
