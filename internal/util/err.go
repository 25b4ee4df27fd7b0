package util

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type CraneCmdError = int

// general
const (
	ErrorSuccess CraneCmdError = 0
	ErrorGeneric CraneCmdError = 1
	ErrorCmdArg  CraneCmdError = 2
)

// session
const (
	ErrorDevice            CraneCmdError = 10
	ErrorUnsupportedVendor CraneCmdError = 11
	ErrorCapability        CraneCmdError = 12
	ErrorTerminal          CraneCmdError = 13
	ErrorSink              CraneCmdError = 14
	ErrorBusy              CraneCmdError = 15
)

// CraneError carries the exit code a command should terminate with.
// An empty Message means the failure has already been reported.
type CraneError struct {
	Code    CraneCmdError
	Message string
}

func (e *CraneError) Error() string {
	return e.Message
}

func NewCraneErr(code CraneCmdError, message string) *CraneError {
	return &CraneError{Code: code, Message: message}
}

func WrapCraneErr(code CraneCmdError, format string, a ...any) *CraneError {
	return &CraneError{Code: code, Message: fmt.Sprintf(format, a...)}
}

// ExitCodeOf maps any error returned by a command to a process exit code.
func ExitCodeOf(err error) CraneCmdError {
	if err == nil {
		return ErrorSuccess
	}
	var craneErr *CraneError
	if errors.As(err, &craneErr) {
		return craneErr.Code
	}
	return ErrorGeneric
}

// RunEWrapperForLeafCommand silences cobra's own error printing on every
// leaf so that RunAndHandleExit is the only place reporting failures.
func RunEWrapperForLeafCommand(cmd *cobra.Command) {
	if len(cmd.Commands()) == 0 {
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return
	}
	for _, sub := range cmd.Commands() {
		RunEWrapperForLeafCommand(sub)
	}
}

func RunAndHandleExit(cmd *cobra.Command) {
	cmd.SilenceErrors = true
	err := cmd.Execute()
	if err == nil {
		os.Exit(ErrorSuccess)
	}

	var craneErr *CraneError
	if errors.As(err, &craneErr) {
		if craneErr.Message != "" {
			log.Error(craneErr.Message)
			fmt.Fprintln(os.Stderr, craneErr.Message)
		}
		os.Exit(craneErr.Code)
	}

	fmt.Fprintln(os.Stderr, err)
	os.Exit(ErrorGeneric)
}
