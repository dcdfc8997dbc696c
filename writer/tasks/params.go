package tasks

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/ldm-writer/writer/model"
)

// requireString extracts a mandatory string parameter. A missing or empty
// value is the caller's mistake, not a runtime failure.
func requireString(params json.RawMessage, path string) (string, error) {
	v := gjson.GetBytes(params, path)
	if !v.Exists() || v.String() == "" {
		return "", model.NewUserError("missing required parameter %q", path)
	}
	return v.String(), nil
}

func optionalString(params json.RawMessage, path, fallback string) string {
	if v := gjson.GetBytes(params, path); v.Exists() && v.String() != "" {
		return v.String()
	}
	return fallback
}

func optionalBool(params json.RawMessage, path string) bool {
	return gjson.GetBytes(params, path).Bool()
}

// gjsonDuration parses a parameter like "30s". Unparseable values read as 0
// so callers fall back to their default.
func gjsonDuration(params json.RawMessage, path string) time.Duration {
	v := gjson.GetBytes(params, path)
	if !v.Exists() {
		return 0
	}
	d, err := time.ParseDuration(v.String())
	if err != nil {
		return 0
	}
	return d
}
