// Code generated by tools/gensyscalls from kernel/syscall's Sys*
// constants. DO NOT EDIT.

package userabi

// Syscall is a symbolic name for a syscall number, for hosted
// programs that want names instead of bare integers.
type Syscall uint64

const (
	PutChar       Syscall = 1
	GetChar       Syscall = 2
	PutString     Syscall = 3
	Pinfo         Syscall = 4
	Fork          Syscall = 5
	Exit          Syscall = 6
	WaitPid       Syscall = 7
	Sleep         Syscall = 8
	RequestMemory Syscall = 9
	PowerOff      Syscall = 10
	Pstat         Syscall = 11
)

// Names maps every syscall number back to its symbolic name.
var Names = map[Syscall]string{
	PutChar:       "PutChar",
	GetChar:       "GetChar",
	PutString:     "PutString",
	Pinfo:         "Pinfo",
	Fork:          "Fork",
	Exit:          "Exit",
	WaitPid:       "WaitPid",
	Sleep:         "Sleep",
	RequestMemory: "RequestMemory",
	PowerOff:      "PowerOff",
	Pstat:         "Pstat",
}
