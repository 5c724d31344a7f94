package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// TimeLayout is ISO-8601 in UTC with millisecond precision, the format used for createdAt and updatedAt
const TimeLayout = "2006-01-02T15:04:05.000Z"

// system-managed field names, never taken from caller input
const (
	fieldID        = "id"
	fieldCreatedAt = "createdAt"
	fieldUpdatedAt = "updatedAt"
)

// Job is a schema-less record. ID and timestamps are owned by the store,
// everything else lives in Fields and is kept as-is.
//
// Timestamps are kept as stored strings, so records the store didn't touch are written back unchanged.
// A record read from the document without a non-empty string id or timestamp has the field empty,
// its stored value, if any, stays in Fields verbatim. Such a record can't be addressed by id.
type Job struct {
	ID        string
	CreatedAt string
	UpdatedAt string
	Fields    map[string]any
}

// MarshalJSON flattens Fields next to the system fields. Empty system fields are not written.
func (j Job) MarshalJSON() ([]byte, error) {
	res := make(map[string]any, len(j.Fields)+3)
	maps.Copy(res, j.Fields)
	for k, v := range map[string]string{fieldID: j.ID, fieldCreatedAt: j.CreatedAt, fieldUpdatedAt: j.UpdatedAt} {
		if v != "" {
			res[k] = v
		}
	}
	return json.Marshal(res)
}

// UnmarshalJSON reads a flat JSON object. Non-empty string system fields go to ID, CreatedAt and UpdatedAt,
// other values under system names stay in Fields. Numbers are kept as json.Number to avoid float rounding.
func (j *Job) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("job is not an object")
	}

	res := Job{Fields: raw}
	res.ID = takeString(raw, fieldID)
	res.CreatedAt = takeString(raw, fieldCreatedAt)
	res.UpdatedAt = takeString(raw, fieldUpdatedAt)
	*j = res
	return nil
}

// normalize returns a deep copy of the job in the form it has after reading back from the document
func (j Job) normalize() (Job, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return Job{}, err
	}
	var res Job
	if err := json.Unmarshal(data, &res); err != nil {
		return Job{}, err
	}
	return res, nil
}

// userFields returns a copy of fields without system-managed names
func userFields(fields map[string]any) map[string]any {
	res := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == fieldID || k == fieldCreatedAt || k == fieldUpdatedAt {
			continue
		}
		res[k] = v
	}
	return res
}

// takeString removes and returns fields[name] if it is a non-empty string
func takeString(fields map[string]any, name string) string {
	s, ok := fields[name].(string)
	if !ok || s == "" {
		return ""
	}
	delete(fields, name)
	return s
}
