// Package xa adapts ordinary local database connections to the XA two-phase
// commit protocol as driven by an external transaction manager.
package xa

import (
	"encoding/hex"
	"fmt"
)

const (
	// MaxGlobalTransactionIDSize is the XA limit for the gtrid part of a Xid
	MaxGlobalTransactionIDSize = 64
	// MaxBranchQualifierSize is the XA limit for the bqual part of a Xid
	MaxBranchQualifierSize = 64
)

// Xid identifies one branch of a global transaction. Xids are issued by the
// transaction manager. A Xid is an immutable, comparable value: two Xids are
// equal when their format id and byte contents are equal, so a Xid can be
// used directly as a map key. The zero Xid is the null Xid.
type Xid struct {
	formatID int32
	gtrid    string
	bqual    string
}

// NewXid builds a Xid from its three parts. The byte slices are copied.
func NewXid(formatID int32, gtrid, bqual []byte) (Xid, error) {
	if formatID == -1 {
		return Xid{}, fmt.Errorf("format id -1 denotes the null xid")
	}
	if len(gtrid) == 0 || len(gtrid) > MaxGlobalTransactionIDSize {
		return Xid{}, fmt.Errorf("global transaction id length %d out of range [1,%d]", len(gtrid), MaxGlobalTransactionIDSize)
	}
	if len(bqual) > MaxBranchQualifierSize {
		return Xid{}, fmt.Errorf("branch qualifier length %d exceeds %d", len(bqual), MaxBranchQualifierSize)
	}
	return Xid{formatID: formatID, gtrid: string(gtrid), bqual: string(bqual)}, nil
}

// MustXid is like NewXid but panics on invalid input. Intended for tests and
// constant Xids.
func MustXid(formatID int32, gtrid, bqual []byte) Xid {
	x, err := NewXid(formatID, gtrid, bqual)
	if err != nil {
		panic(err)
	}
	return x
}

// FormatID returns the format identifier.
func (x Xid) FormatID() int32 { return x.formatID }

// GlobalTransactionID returns a copy of the global transaction id.
func (x Xid) GlobalTransactionID() []byte { return []byte(x.gtrid) }

// BranchQualifier returns a copy of the branch qualifier.
func (x Xid) BranchQualifier() []byte { return []byte(x.bqual) }

// IsZero reports whether x is the null Xid.
func (x Xid) IsZero() bool { return x.gtrid == "" }

// SameGlobalTransaction reports whether x and other belong to the same global transaction.
func (x Xid) SameGlobalTransaction(other Xid) bool {
	return x.formatID == other.formatID && x.gtrid == other.gtrid
}

func (x Xid) String() string {
	if x.IsZero() {
		return "XID{null}"
	}
	return fmt.Sprintf("XID{fmt=%d,gtrid=%s,bqual=%s}", x.formatID, hex.EncodeToString([]byte(x.gtrid)), hex.EncodeToString([]byte(x.bqual)))
}
