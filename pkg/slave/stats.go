package slave

import (
	"fmt"
	"strings"

	"kvrepl/pkg/reqlog"
)

// Stats is a point-in-time copy of the slave's observable state.
type Stats struct {
	ID      string `json:"id"`
	Master  string `json:"master"`
	Mirror  bool   `json:"mirror"`
	State   State  `json:"-"`
	Status  string `json:"status"`
	Session string `json:"session,omitempty"`

	LastSeq   uint64 `json:"last_seq"`
	LastKey   string `json:"last_key"`
	CopyCount uint64 `json:"copy_count"`
	SyncCount uint64 `json:"sync_count"`
	Retries   uint   `json:"retries"`

	Reqlog *ReqlogStats `json:"reqlog,omitempty"`
}

type ReqlogStats struct {
	Write reqlog.Cursor `json:"write"`
	Read  reqlog.Cursor `json:"read"`
}

func (s Stats) String() string {
	typ := "sync"
	if s.Mirror {
		typ = "mirror"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "slaveof %s\n", s.Master)
	fmt.Fprintf(&b, "    id         : %s\n", s.ID)
	fmt.Fprintf(&b, "    type       : %s\n", typ)
	fmt.Fprintf(&b, "    status     : %s\n", s.State)
	fmt.Fprintf(&b, "    last_seq   : %d\n", s.LastSeq)
	if s.State == Copy {
		fmt.Fprintf(&b, "    last_key   : %q\n", s.LastKey)
	}
	fmt.Fprintf(&b, "    copy_count : %d\n", s.CopyCount)
	fmt.Fprintf(&b, "    sync_count : %d\n", s.SyncCount)
	fmt.Fprintf(&b, "    retries    : %d\n", s.Retries)
	if s.Reqlog != nil {
		fmt.Fprintf(&b, "    reqlog.write : %s\n", s.Reqlog.Write)
		fmt.Fprintf(&b, "    reqlog.read  : %s\n", s.Reqlog.Read)
	}
	return b.String()
}
