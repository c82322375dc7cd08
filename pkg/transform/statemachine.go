// SPDX-License-Identifier: Apache-2.0

package transform

import "fmt"

// txnState is the two-state machine of §4.4: Idle between transactions,
// InTransaction while buffering a BEGIN...COMMIT span. Modeled after the
// OnBegin/OnData/OnCommit lifecycle of a logical-decoding consumer (see
// DESIGN.md), generalized here to buffer a transaction's statements instead
// of applying them directly.
type txnState int

const (
	stateIdle txnState = iota
	stateInTransaction
)

// Transaction accumulates one BEGIN...COMMIT span (or a continuation of one
// split by a WAL SWITCH) as a sequence of already-rendered SQL statements.
type Transaction struct {
	XID       uint32
	BeginLSN  uint64 // LSN of this transaction's BEGIN, or of a standalone KEEPALIVE
	CommitLSN uint64 // LSN of this transaction's COMMIT; meaningful when Commit is true
	SwitchLSN uint64 // LSN of the SWITCH that split this transaction; meaningful when Switch is true
	// SegmentLSN is the LSN whose containing WAL segment this chunk's output
	// belongs in. It equals BeginLSN except for the continuation half of a
	// split transaction, which belongs in the segment the SWITCH moved to.
	SegmentLSN uint64
	Continued  bool
	Commit     bool
	Switch     bool
	Keepalive  bool
	Statements []string
}

// Machine drives the Idle/InTransaction state machine described in §4.4,
// emitting completed Transactions to Flush/rotation boundaries.
type Machine struct {
	state txnState
	cur   Transaction
}

// NewMachine returns a Machine starting in the Idle state.
func NewMachine() *Machine { return &Machine{state: stateIdle} }

// Feed applies one decoded Message to the state machine. It returns a
// completed Transaction (ok=true) whenever a transaction boundary is
// reached: a normal COMMIT, a SWITCH splitting the current transaction, or
// end-of-segment with no SWITCH (emitted as a KEEPALIVE per §4.4).
func (m *Machine) Feed(msg Message) (Transaction, bool, error) {
	switch msg.Kind {
	case KindBegin:
		if m.state == stateInTransaction {
			return Transaction{}, false, fmt.Errorf("BEGIN while already in a transaction (xid %d)", msg.XID)
		}
		m.state = stateInTransaction
		m.cur = Transaction{XID: msg.XID, BeginLSN: msg.LSN, SegmentLSN: msg.LSN}
		return Transaction{}, false, nil

	case KindInsert, KindUpdate, KindDelete, KindTruncate:
		if m.state != stateInTransaction {
			return Transaction{}, false, fmt.Errorf("%s outside a transaction", msg.Kind)
		}
		stmt, err := EncodeDML(msg)
		if err != nil {
			return Transaction{}, false, err
		}
		m.cur.Statements = append(m.cur.Statements, stmt)
		return Transaction{}, false, nil

	case KindKeepalive:
		if m.state != stateInTransaction {
			// A bare heartbeat outside any transaction: emit it standalone.
			return Transaction{Keepalive: true, BeginLSN: msg.LSN, SegmentLSN: msg.LSN}, true, nil
		}
		return Transaction{}, false, nil

	case KindSwitch:
		if m.state != stateInTransaction {
			return Transaction{}, false, nil
		}
		// Splits the transaction: this segment ends with a SWITCH record
		// instead of COMMIT, and the part that continues after rotation is
		// marked Continued (its own BEGIN is suppressed on output) and keyed
		// to the new segment by SegmentLSN, the SWITCH's own LSN — not the
		// original BeginLSN, which would otherwise misroute the
		// continuation's statements back into the segment it just left.
		done := m.cur
		done.Switch = true
		done.SwitchLSN = msg.LSN
		m.cur = Transaction{XID: done.XID, BeginLSN: done.BeginLSN, SegmentLSN: msg.LSN, Continued: true}
		return done, true, nil

	case KindCommit:
		if m.state != stateInTransaction {
			return Transaction{}, false, fmt.Errorf("COMMIT outside a transaction")
		}
		m.cur.Commit = true
		m.cur.CommitLSN = msg.LSN
		done := m.cur
		m.state = stateIdle
		m.cur = Transaction{}
		return done, true, nil

	default:
		return Transaction{}, false, fmt.Errorf("unhandled message kind %q", msg.Kind)
	}
}

// EndOfSegment is called when a segment ends with no SWITCH (e.g. endpos
// reached mid-transaction): the pending transaction is replaced by a single
// KEEPALIVE carrying the last seen LSN, per §4.4.
func (m *Machine) EndOfSegment(lastLSN uint64) (Transaction, bool) {
	if m.state != stateInTransaction {
		return Transaction{}, false
	}
	m.state = stateIdle
	m.cur = Transaction{}
	return Transaction{Keepalive: true, BeginLSN: lastLSN, SegmentLSN: lastLSN}, true
}
