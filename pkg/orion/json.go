package orion

import (
	"encoding/json"
	"time"
)

// orionDoc is the wire shape for Orion's round-trip law: serialising
// then deserialising preserves the task set, dependency set, and
// non-derived fields exactly. State/timestamps are non-derived and
// preserved; ReadyTasks/Statistics/etc. stay derived and are recomputed
// on demand, never stored.
type orionDoc struct {
	OrionID            string                   `json:"orion_id"`
	Name               string                   `json:"name"`
	State              OrionState               `json:"state"`
	Tasks              map[string]*TaskStar     `json:"tasks"`
	Dependencies       map[string]*TaskStarLine `json:"dependencies"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
	ExecutionStartTime *time.Time               `json:"execution_start_time,omitempty"`
	ExecutionEndTime   *time.Time               `json:"execution_end_time,omitempty"`
}

// MarshalJSON implements the Orion -> dict half of the round-trip law.
func (o *Orion) MarshalJSON() ([]byte, error) {
	return json.Marshal(orionDoc{
		OrionID:            o.OrionID,
		Name:               o.Name,
		State:              o.State,
		Tasks:              o.Tasks,
		Dependencies:       o.Dependencies,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
		ExecutionStartTime: o.ExecutionStartTime,
		ExecutionEndTime:   o.ExecutionEndTime,
	})
}

// UnmarshalJSON implements the dict -> Orion half of the round-trip law.
func (o *Orion) UnmarshalJSON(data []byte) error {
	var doc orionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	o.OrionID = doc.OrionID
	o.Name = doc.Name
	o.State = doc.State
	o.Tasks = doc.Tasks
	if o.Tasks == nil {
		o.Tasks = make(map[string]*TaskStar)
	}
	o.Dependencies = doc.Dependencies
	if o.Dependencies == nil {
		o.Dependencies = make(map[string]*TaskStarLine)
	}
	o.CreatedAt = doc.CreatedAt
	o.UpdatedAt = doc.UpdatedAt
	o.ExecutionStartTime = doc.ExecutionStartTime
	o.ExecutionEndTime = doc.ExecutionEndTime
	return nil
}
