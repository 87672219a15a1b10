// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// File: cmd/core_signal.go
// Purpose: Names and describes the signal recorded in a core file's NT_PRSTATUS
// note, and parses signal names given on the command line.

package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// signalCodeMap maps signal-specific si_code values to descriptions.
var signalCodeMap = map[unix.Signal]map[int]string{
	unix.SIGSEGV: {
		1: "SEGV_MAPERR (Address not mapped to object)",
		2: "SEGV_ACCERR (Invalid permissions for mapped object)",
		3: "SEGV_BNDERR (Failed address bound checks)",
		4: "SEGV_PKUERR (Access denied by memory protection keys)",
	},
	unix.SIGBUS: {
		1: "BUS_ADRALN (Invalid address alignment)",
		2: "BUS_ADRERR (Nonexistent physical address)",
		3: "BUS_OBJERR (Object-specific hardware error)",
	},
	unix.SIGFPE: {
		1: "FPE_INTDIV (Integer divide by zero)",
		2: "FPE_INTOVF (Integer overflow)",
		3: "FPE_FLTDIV (Floating point divide by zero)",
		4: "FPE_FLTOVF (Floating point overflow)",
		5: "FPE_FLTUND (Floating point underflow)",
		6: "FPE_FLTRES (Floating point inexact result)",
		7: "FPE_FLTINV (Invalid floating point operation)",
		8: "FPE_FLTSUB (Subscript out of range)",
	},
	unix.SIGILL: {
		1: "ILL_ILLOPC (Illegal opcode)",
		2: "ILL_ILLOPN (Illegal operand)",
		3: "ILL_ILLADR (Illegal addressing mode)",
		4: "ILL_ILLTRP (Illegal trap)",
		5: "ILL_PRVOPC (Privileged opcode)",
	},
}

// getSignalName converts a signal number to its name.
func getSignalName(signo int) string {
	if signo == 0 {
		return "NONE"
	}
	if name := unix.SignalName(unix.Signal(signo)); name != "" {
		return name
	}
	return fmt.Sprintf("SIGNAL_%d", signo)
}

// getSignalDescription provides a description of a signal and its si_code.
func getSignalDescription(signo, code int) string {
	var desc strings.Builder

	sig := unix.Signal(signo)
	switch sig {
	case 0:
		return "No signal recorded"
	case unix.SIGSEGV:
		desc.WriteString("Segmentation fault")
	case unix.SIGABRT:
		desc.WriteString("Process abort signal (possibly assertion failure)")
	case unix.SIGBUS:
		desc.WriteString("Bus error")
	case unix.SIGFPE:
		desc.WriteString("Floating point exception")
	case unix.SIGILL:
		desc.WriteString("Illegal instruction")
	default:
		desc.WriteString(fmt.Sprintf("Signal %d", signo))
	}

	if codes, ok := signalCodeMap[sig]; ok {
		if codeDesc, ok := codes[code]; ok {
			desc.WriteString(fmt.Sprintf(" - %s", codeDesc))
		} else if code != 0 {
			desc.WriteString(fmt.Sprintf(" (code %d)", code))
		}
	}

	return desc.String()
}

// parseSignal accepts "SIGABRT", "abrt" or "6".
func parseSignal(s string) (unix.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(unix.Signal(n)) == "" {
			return 0, fmt.Errorf("unknown signal number: %d", n)
		}
		return unix.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal: %s", s)
}
