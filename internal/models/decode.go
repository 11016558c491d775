package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeVisit unmarshals a visit snapshot, tolerating legacy intake writers:
// numeric ages become strings and any out-of-enum status is normalized. No
// caller ever sees a raw legacy status.
func DecodeVisit(raw []byte) (Visit, error) {
	type alias Visit
	var aux struct {
		alias
		Age any `json:"age,omitempty"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return Visit{}, err
	}
	visit := Visit(aux.alias)
	switch age := aux.Age.(type) {
	case nil:
	case string:
		visit.Age = age
	case float64:
		visit.Age = strings.TrimSuffix(fmt.Sprintf("%g", age), ".0")
	default:
		visit.Age = fmt.Sprint(age)
	}
	visit.Status = NormalizeStatus(visit.Status)
	return visit, nil
}
