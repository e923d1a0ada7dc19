package hive

type WorkerSummary struct {
	ID     string
	Name   string
	Online bool
}

// FarmSnapshot is list of workers in API order, fetched once per cycle.
type FarmSnapshot struct {
	FarmID  string
	Workers []WorkerSummary
}

func (f *FarmSnapshot) Online() int {
	n := 0
	for _, w := range f.Workers {
		if w.Online {
			n++
		}
	}
	return n
}

// WorkerDetail is full worker record. Optional fields are read through accessors.
type WorkerDetail struct {
	ID  string
	Raw *Value
}

func NewWorkerDetail(id string, raw *Value) *WorkerDetail {
	return &WorkerDetail{ID: id, Raw: raw}
}

func (d *WorkerDetail) raw() *Value {
	if d == nil {
		return nil
	}
	return d.Raw
}

func (d *WorkerDetail) FlightSheetName() (string, bool) {
	s, ok := d.raw().Path("flight_sheet", "name").Str()
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func (d *WorkerDetail) BootTime() (int64, bool) {
	t, ok := d.raw().Path("stats", "boot_time").Int()
	return t, ok && t > 0
}

func (d *WorkerDetail) PowerDraw() (float64, bool) {
	return d.raw().Path("stats", "power_draw").Float()
}

func (d *WorkerDetail) LastSeen() (int64, bool) {
	t, ok := d.raw().Path("stats", "stats_time").Int()
	return t, ok && t > 0
}

func (d *WorkerDetail) Online() (bool, bool) {
	return d.raw().Path("stats", "online").Boolean()
}
