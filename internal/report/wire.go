package report

import (
	"encoding/json"
	"time"

	"github.com/somesky/flocker/internal/domain"
)

// NodeReport is the wire document one agent publishes per heartbeat: the
// host's full local state, wholesale. The sequence number is assigned at
// report time so the control plane can order reports delivered out of
// order by the transport.
type NodeReport struct {
	Hostname   string      `json:"hostname"`
	Sequence   uint64      `json:"sequence"`
	ReportedAt time.Time   `json:"reported_at"`
	Running    []AppRecord `json:"running"`
	NotRunning []AppRecord `json:"not_running"`
}

type AppRecord struct {
	Name        string       `json:"name"`
	Image       string       `json:"image"`
	Ports       []PortRecord `json:"ports,omitempty"`
	Volume      string       `json:"volume,omitempty"`
	Environment []EnvRecord  `json:"environment,omitempty"`
}

type PortRecord struct {
	Internal int `json:"internal"`
	External int `json:"external"`
}

type EnvRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FromNodeState builds the wire document for a host's state.
func FromNodeState(hostname string, sequence uint64, reportedAt time.Time, ns domain.NodeState) NodeReport {
	return NodeReport{
		Hostname:   hostname,
		Sequence:   sequence,
		ReportedAt: reportedAt,
		Running:    toAppRecords(ns.Running),
		NotRunning: toAppRecords(ns.NotRunning),
	}
}

// NodeState converts the wire document back into the domain value.
func (r NodeReport) NodeState() domain.NodeState {
	return domain.NodeState{
		Hostname:   r.Hostname,
		Running:    toApplications(r.Running),
		NotRunning: toApplications(r.NotRunning),
	}
}

func (r NodeReport) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func Decode(data []byte) (NodeReport, error) {
	var r NodeReport
	if err := json.Unmarshal(data, &r); err != nil {
		return NodeReport{}, err
	}
	return r, nil
}

func toAppRecords(apps []domain.Application) []AppRecord {
	records := make([]AppRecord, 0, len(apps))
	for _, app := range apps {
		rec := AppRecord{
			Name:   app.Name,
			Image:  app.Image.String(),
			Volume: app.Volume,
		}
		for _, p := range app.Ports {
			rec.Ports = append(rec.Ports, PortRecord{Internal: p.Internal, External: p.External})
		}
		for _, e := range app.Environment {
			rec.Environment = append(rec.Environment, EnvRecord{Name: e.Name, Value: e.Value})
		}
		records = append(records, rec)
	}
	return records
}

func toApplications(records []AppRecord) []domain.Application {
	apps := make([]domain.Application, 0, len(records))
	for _, rec := range records {
		app := domain.Application{
			Name:   rec.Name,
			Image:  domain.ParseImage(rec.Image),
			Volume: rec.Volume,
		}
		for _, p := range rec.Ports {
			app.Ports = append(app.Ports, domain.PortMap{Internal: p.Internal, External: p.External})
		}
		for _, e := range rec.Environment {
			app.Environment = append(app.Environment, domain.EnvVar{Name: e.Name, Value: e.Value})
		}
		apps = append(apps, app)
	}
	return apps
}
