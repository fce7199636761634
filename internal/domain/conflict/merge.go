package conflict

import (
	"encoding/json"
	"fmt"
)

// mergeResources computes the merge-strategy payload: a field union of
// both sides where the remote value wins any field both sides carry,
// and fields set on only one side survive. The union is taken over
// top-level FHIR elements; element-internal structure travels with
// whichever side won the element. Identifying fields always come from
// the remote side so the result stays addressable on the EHR.
func mergeResources(local, remote json.RawMessage) (map[string]interface{}, error) {
	var l, r map[string]interface{}
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, fmt.Errorf("merge: local payload: %w", err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, fmt.Errorf("merge: remote payload: %w", err)
	}

	merged := make(map[string]interface{}, len(l)+len(r))
	for k, v := range l {
		merged[k] = v
	}
	for k, v := range r {
		merged[k] = v
	}
	return merged, nil
}
