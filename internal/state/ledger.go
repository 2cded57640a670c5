package state

// MaxOperations caps the in-memory ledger.
const MaxOperations = 50

// MaxPersistedOperations caps the ledger slice written to durable storage.
const MaxPersistedOperations = 10

// ledger is a fixed-capacity ring buffer of operations. Newest entries are
// returned first; once full, each insert evicts the oldest entry.
type ledger struct {
	buf   []Operation
	head  int // index of the next write
	count int
}

func newLedger(capacity int) *ledger {
	if capacity <= 0 {
		capacity = MaxOperations
	}
	return &ledger{buf: make([]Operation, capacity)}
}

func (l *ledger) push(op Operation) {
	l.buf[l.head] = op
	l.head = (l.head + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// newest returns up to n entries, newest first. n <= 0 returns all.
func (l *ledger) newest(n int) []Operation {
	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Operation, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.head - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// reset replaces the contents with ops given newest first. Entries beyond
// capacity are dropped from the old end.
func (l *ledger) reset(ops []Operation) {
	for i := range l.buf {
		l.buf[i] = Operation{}
	}
	l.head, l.count = 0, 0
	if len(ops) > len(l.buf) {
		ops = ops[:len(l.buf)]
	}
	for i := len(ops) - 1; i >= 0; i-- {
		l.push(ops[i])
	}
}
