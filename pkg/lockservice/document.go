package lockservice

import (
	"time"

	"github.com/marmos91/dittolock/pkg/blob"
)

// Mode is the access mode of a holder.
type Mode string

const (
	// ModeRead is shared access. Any number of read holders may coexist.
	ModeRead Mode = "read"

	// ModeWrite is exclusive access. A write holder excludes every other
	// holder.
	ModeWrite Mode = "write"
)

// Holder is one granted lock entry in a Document.
type Holder struct {
	Owner      string    `json:"owner"`
	Mode       Mode      `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Renewals   int       `json:"renewals"`
}

// Request is a pending writer registered in a Document.
//
// While a live request from another owner exists, new readers are refused so
// that a steady stream of overlapping readers cannot starve the writer.
type Request struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Document is the persisted lock state of one file.
//
// Invariants (maintained by Lock, not by the record stores):
//   - at most one holder has ModeWrite
//   - a ModeWrite holder is the only holder
//
// Expired holders and requests are not removed by a background sweeper;
// every mutation purges them first (see Purge).
type Document struct {
	FileID       blob.FileID `json:"file_id"`
	Holders      []Holder    `json:"holders,omitempty"`
	WriteRequest *Request    `json:"write_request,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Holders != nil {
		c.Holders = append([]Holder(nil), d.Holders...)
	}
	if d.WriteRequest != nil {
		req := *d.WriteRequest
		c.WriteRequest = &req
	}
	return &c
}

// Purge drops holders and the write request whose expiry is not after now.
// It reports whether anything was removed.
func (d *Document) Purge(now time.Time) bool {
	changed := false

	live := d.Holders[:0]
	for _, h := range d.Holders {
		if h.ExpiresAt.After(now) {
			live = append(live, h)
		} else {
			changed = true
		}
	}
	if len(live) == 0 {
		live = nil
	}
	d.Holders = live

	if d.WriteRequest != nil && !d.WriteRequest.ExpiresAt.After(now) {
		d.WriteRequest = nil
		changed = true
	}
	return changed
}

// Holder returns the index of owner's holder entry, or -1.
func (d *Document) Holder(owner string) int {
	for i, h := range d.Holders {
		if h.Owner == owner {
			return i
		}
	}
	return -1
}

// RemoveHolder drops owner's entry and reports whether it existed.
func (d *Document) RemoveHolder(owner string) bool {
	i := d.Holder(owner)
	if i < 0 {
		return false
	}
	d.Holders = append(d.Holders[:i], d.Holders[i+1:]...)
	if len(d.Holders) == 0 {
		d.Holders = nil
	}
	return true
}

// WriteHolder returns the current write holder, if any.
func (d *Document) WriteHolder() (Holder, bool) {
	for _, h := range d.Holders {
		if h.Mode == ModeWrite {
			return h, true
		}
	}
	return Holder{}, false
}

// CanGrant reports whether owner may be granted mode given the current
// (already purged) holders and write request.
//
// Rules:
//   - read: no write holder, and no pending write request from another owner
//   - write: no holders at all, and no pending write request from another owner
func (d *Document) CanGrant(owner string, mode Mode) bool {
	if d.WriteRequest != nil && d.WriteRequest.Owner != owner {
		return false
	}
	switch mode {
	case ModeRead:
		_, writer := d.WriteHolder()
		return !writer
	case ModeWrite:
		return len(d.Holders) == 0
	default:
		return false
	}
}

// IsIdle reports whether the document carries no live state.
func (d *Document) IsIdle() bool {
	return len(d.Holders) == 0 && d.WriteRequest == nil
}
