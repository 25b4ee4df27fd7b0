/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package device

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorCode int

const (
	ErrorInternal ErrorCode = iota
	ErrorInvalidArgument
	ErrorUnsupported
	ErrorPermissionDenied
	ErrorNotFound
	ErrorPowerCableFault
	ErrorDriverNotLoaded
	ErrorNVMLUnavailable
	ErrorNotImplemented
	ErrorInfoROMCorrupt
	ErrorGPUUnreachable
)

var errorCodeNames = map[ErrorCode]string{
	ErrorInternal:         "internal error",
	ErrorInvalidArgument:  "invalid argument",
	ErrorUnsupported:      "operation not supported",
	ErrorPermissionDenied: "permission denied",
	ErrorNotFound:         "object not found",
	ErrorPowerCableFault:  "power cables not attached",
	ErrorDriverNotLoaded:  "driver not loaded",
	ErrorNVMLUnavailable:  "NVML library unavailable",
	ErrorNotImplemented:   "function not implemented",
	ErrorInfoROMCorrupt:   "infoROM corrupted",
	ErrorGPUUnreachable:   "GPU is lost or unreachable",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code %d", int(c))
}

// DeviceError is the single error type returned by every Backend call.
type DeviceError struct {
	Code      ErrorCode
	Attribute string
	Message   string
}

func (e *DeviceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Attribute != "" {
		b.WriteString(" (")
		b.WriteString(e.Attribute)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is matches on Code only, so errors.Is(err, &DeviceError{Code: ErrorUnsupported})
// works for any attribute.
func (e *DeviceError) Is(target error) bool {
	t, ok := target.(*DeviceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, attr Attribute, format string, a ...any) *DeviceError {
	return &DeviceError{Code: code, Attribute: attr.String(), Message: fmt.Sprintf(format, a...)}
}

// CodeOf extracts the taxonomy code of err, ErrorInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Code
	}
	return ErrorInternal
}

// IsAbsent reports whether err means the attribute does not exist on this
// chip, as opposed to the query itself failing.
func IsAbsent(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrorUnsupported, ErrorNotFound, ErrorNotImplemented:
		return true
	}
	return false
}

// ClassifyExitCode maps the vendor management tool exit status to the
// error taxonomy.
func ClassifyExitCode(status int) ErrorCode {
	switch status {
	case 2:
		return ErrorInvalidArgument
	case 3:
		return ErrorUnsupported
	case 4:
		return ErrorPermissionDenied
	case 6:
		return ErrorNotFound
	case 8:
		return ErrorPowerCableFault
	case 9:
		return ErrorDriverNotLoaded
	case 12:
		return ErrorNVMLUnavailable
	case 13:
		return ErrorNotImplemented
	case 14:
		return ErrorInfoROMCorrupt
	case 15:
		return ErrorGPUUnreachable
	default:
		return ErrorInternal
	}
}

var outputPatterns = []struct {
	needle string
	code   ErrorCode
}{
	{"permission denied", ErrorPermissionDenied},
	{"insufficient permissions", ErrorPermissionDenied},
	{"not available", ErrorUnsupported},
	{"not supported", ErrorUnsupported},
	{"read-only", ErrorUnsupported},
	{"unrecognized attribute", ErrorNotFound},
	{"unknown attribute", ErrorNotFound},
	{"no targets match", ErrorNotFound},
	{"does not exist", ErrorNotFound},
	{"invalid value", ErrorInvalidArgument},
	{"not a valid", ErrorInvalidArgument},
	{"driver is not loaded", ErrorDriverNotLoaded},
	{"failed to initialize nvml", ErrorNVMLUnavailable},
	{"fallen off the bus", ErrorGPUUnreachable},
	{"infoROM is corrupted", ErrorInfoROMCorrupt},
}

// ClassifyOutput inspects the textual output of the settings tool, which
// reports most failures on stdout while still exiting with status 0.
// The second result is false when the output carries no error at all.
func ClassifyOutput(out string) (ErrorCode, bool) {
	lower := strings.ToLower(out)
	if !strings.Contains(lower, "error") && !strings.Contains(lower, "not available") &&
		!strings.Contains(lower, "unable to") && !strings.Contains(lower, "failed") {
		return 0, false
	}
	for _, p := range outputPatterns {
		if strings.Contains(lower, strings.ToLower(p.needle)) {
			return p.code, true
		}
	}
	return ErrorInternal, true
}
