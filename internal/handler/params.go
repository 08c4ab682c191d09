package handler

import (
	"encoding/json"
	"sort"

	"github.com/gofiber/fiber/v2"

	"github.com/fairyhunter13/scalable-coupon-system/internal/apperror"
)

// decodeJSONParams validates body's top-level keys against mandatory and
// optional before decoding into dst, mirroring api.py's get_json_params:
// any mandatory key missing, or any key outside mandatory+optional, is a
// ParamError.
func decodeJSONParams(body []byte, mandatory, optional []string, dst any) error {
	var raw map[string]json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return apperror.Param("invalid JSON body: %v", err)
		}
	}

	allowed := make(map[string]bool, len(mandatory)+len(optional))
	for _, k := range mandatory {
		allowed[k] = true
	}
	for _, k := range optional {
		allowed[k] = true
	}

	var missing, extra []string
	for _, k := range mandatory {
		if _, ok := raw[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range raw {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperror.Param("Missing request parameters: '%s'", join(missing))
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return apperror.Param("Unexpected request parameters: '%s'", join(extra))
	}

	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperror.Param("invalid JSON body: %v", err)
	}
	return nil
}

// queryParams validates c's query string keys against mandatory/optional,
// mirroring api.py's get_url_params.
func queryParams(c *fiber.Ctx, mandatory, optional []string) (map[string]string, error) {
	present := map[string]string{}
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		present[string(key)] = string(value)
	})

	allowed := make(map[string]bool, len(mandatory)+len(optional))
	for _, k := range mandatory {
		allowed[k] = true
	}
	for _, k := range optional {
		allowed[k] = true
	}

	var missing, extra []string
	for _, k := range mandatory {
		if _, ok := present[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range present {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperror.Param("Missing request parameters: '%s'", join(missing))
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, apperror.Param("Unexpected request parameters: '%s'", join(extra))
	}
	return present, nil
}

func join(ss []string) string {
	out := ss[0]
	for _, s := range ss[1:] {
		out += "', '" + s
	}
	return out
}
