package plan

import (
	"encoding/json"
	"os"

	extErrors "github.com/pkg/errors"
)

// LoadFile will read from the plan JSON file to define what plans are available for purchase.
// Version fields are ignored; the Catalog assigns them.
// Changing any limit, feature, price or interval of an existing plan id results in a new
// plan version. Schools already subscribed keep the version they subscribed to until renewal.
// To stop selling a plan, set isActive to false rather than removing it from the file.
func LoadFile(filename string) ([]Plan, error) {
	jsonBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open plans JSON file")
	}
	plans := make([]Plan, 0, 1)
	if err := json.Unmarshal(jsonBytes, &plans); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan JSON file")
	}
	for k := range plans {
		plans[k].Version = 0
		if err := plans[k].Validate(); err != nil {
			return nil, extErrors.Wrapf(err, "Invalid plan at index %d", k)
		}
	}
	return plans, nil
}
