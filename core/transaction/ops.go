package transaction

// Op enumerates every operation the coordinator intercepts.
type Op uint8

const (
	OpExec Op = iota
	OpRun
	OpGet
	OpAll
	OpEach
	OpMap
	OpReset
	OpFinalize
	OpBind
	OpClose
	OpBegin
)

// itemKind classifies an operation for the lock counter and the pending queue.
type itemKind uint8

const (
	kindSimple      itemKind = iota // deferred during a transaction, never counted
	kindLocking                     // counted while in flight
	kindTransaction                 // a request to begin a transaction
)

var opTable = [...]struct {
	name string
	kind itemKind
}{
	OpExec:     {"exec", kindLocking},
	OpRun:      {"run", kindLocking},
	OpGet:      {"get", kindLocking},
	OpAll:      {"all", kindLocking},
	OpEach:     {"each", kindLocking},
	OpMap:      {"map", kindLocking},
	OpReset:    {"reset", kindLocking},
	OpFinalize: {"finalize", kindLocking},
	OpBind:     {"bind", kindSimple},
	OpClose:    {"close", kindSimple},
	OpBegin:    {"beginTransaction", kindTransaction},
}

func (o Op) String() string {
	if int(o) < len(opTable) {
		return opTable[o].name
	}
	return "unknown"
}

func (o Op) kind() itemKind { return opTable[o].kind }

// Locking reports whether the operation is counted while in flight.
func (o Op) Locking() bool { return o.kind() == kindLocking }

func (k itemKind) String() string {
	switch k {
	case kindSimple:
		return "simple"
	case kindLocking:
		return "locking"
	default:
		return "transaction"
	}
}
