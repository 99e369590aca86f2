package status

import (
	"time"

	"github.com/yuriy-kovalchuk/auto-dns/internal/reconciler"
)

// StatusView is the /status response body.
type StatusView struct {
	State  string     `json:"state"`
	Cycles int        `json:"cycles"`
	Last   *CycleView `json:"last,omitempty"`
}

// CycleView is the JSON form of a reconciler.CycleResult.
type CycleView struct {
	ID       string       `json:"id"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Duration string       `json:"duration"`
	Address  string       `json:"address,omitempty"`
	Source   string       `json:"source,omitempty"`
	Error    string       `json:"error,omitempty"`
	Records  []RecordView `json:"records"`
}

// RecordView is the JSON form of a single reconciler.Outcome.
type RecordView struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Zone     string `json:"zone"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Previous string `json:"previous,omitempty"`
	Value    string `json:"value,omitempty"`
	Change   string `json:"change,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewCycleView converts a cycle result for the status API.
func NewCycleView(res reconciler.CycleResult) CycleView {
	v := CycleView{
		ID:       res.ID.String(),
		Started:  res.Started,
		Finished: res.Finished,
		Duration: res.Duration().String(),
		Records:  make([]RecordView, 0, len(res.Outcomes)),
	}
	if res.ResolveErr != nil {
		v.Error = res.ResolveErr.Error()
	} else {
		v.Address = res.Address.Addr.String()
		v.Source = res.Address.Source
	}
	for _, o := range res.Outcomes {
		r := RecordView{
			Name:   o.Target.Name,
			Type:   o.Target.Type,
			Zone:   o.Target.ZoneID,
			Status: string(o.Status),
			Reason: string(o.Reason),
			Change: o.Change.ID,
		}
		if o.Previous.Exists {
			r.Previous = o.Previous.Value.String()
		}
		if o.Value.IsValid() {
			r.Value = o.Value.String()
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		v.Records = append(v.Records, r)
	}
	return v
}
