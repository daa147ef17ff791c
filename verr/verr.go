// Package verr defines the error vocabulary shared by the vmem object
// graph. Every fallible operation in vm, hal, frame and slab returns a
// *verr.Error so that callers can switch on Kind without string matching;
// vm.Userbuf_t's Uioread/Uiowrite hand the same *verr.Error back typed as
// error.
package verr

// Kind names one of the error conditions an address space operation can
// raise. The zero Kind is never produced by this package.
type Kind uint8

const (
	_ Kind = iota
	InvalidArgument
	InvalidAddress
	OutOfBounds
	OutOfMemory
	OutOfVirtualMemory
	NotMapped
	ReadFault
	WriteFault
	ExecFault
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case InvalidAddress:
		return "invalid address"
	case OutOfBounds:
		return "out of bounds"
	case OutOfMemory:
		return "out of memory"
	case OutOfVirtualMemory:
		return "out of virtual memory"
	case NotMapped:
		return "not mapped"
	case ReadFault:
		return "read fault"
	case WriteFault:
		return "write fault"
	case ExecFault:
		return "exec fault"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned throughout this module. Op
// names the failing operation (e.g. "vm.Map"); Msg carries free-form
// detail and may be empty, in which case Kind.String is used instead.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Msg
}

// Is lets errors.Is(err, &verr.Error{Kind: X}) match any *Error of kind X,
// regardless of Op or Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind carried by err, or the zero Kind if err is not
// a *Error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return 0
}
