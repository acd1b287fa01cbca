package node

import "fmt"

// ProgrammerMistake reports a state the protocol should never reach, such as
// an unexpected message variant or the status manager and the block database
// disagreeing about the current block. A message that raises one is dropped
// and the rest of the tick goes on.
type ProgrammerMistake struct {
	msg string
}

// NewProgrammerMistake ...
func NewProgrammerMistake(format string, args ...interface{}) *ProgrammerMistake {
	return &ProgrammerMistake{msg: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *ProgrammerMistake) Error() string {
	return "programmer mistake: " + e.msg
}

// IsProgrammerMistake ...
func IsProgrammerMistake(err error) bool {
	_, ok := err.(*ProgrammerMistake)
	return ok
}
