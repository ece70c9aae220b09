package validate

import (
	"fmt"
	"strconv"

	"github.com/paulmach/orb/geojson"

	"github.com/civicmap/civicmap/server/internal/model"
)

// Page parses page/pageSize query values into sane bounds: page
// defaults to 1, pageSize to def, capped at max.
func Page(pageStr, pageSizeStr string, def, max int) (int, int, error) {
	page := 1
	if pageStr != "" {
		v, err := strconv.Atoi(pageStr)
		if err != nil || v < 1 {
			return 0, 0, fmt.Errorf("%w: page must be a positive integer", model.ErrValidation)
		}
		page = v
	}
	pageSize := def
	if pageSizeStr != "" {
		v, err := strconv.Atoi(pageSizeStr)
		if err != nil || v < 1 {
			return 0, 0, fmt.Errorf("%w: pageSize must be a positive integer", model.ErrValidation)
		}
		pageSize = v
	}
	if pageSize > max {
		pageSize = max
	}
	return page, pageSize, nil
}

// TileCoords parses and bounds-checks z/x/y path segments.
func TileCoords(zStr, xStr, yStr string) (int, int, int, error) {
	z, err := strconv.Atoi(zStr)
	if err != nil || z < 0 || z > 24 {
		return 0, 0, 0, fmt.Errorf("%w: invalid zoom %q", model.ErrValidation, zStr)
	}
	max := 1 << z
	x, err := strconv.Atoi(xStr)
	if err != nil || x < 0 || x >= max {
		return 0, 0, 0, fmt.Errorf("%w: invalid tile x %q at zoom %d", model.ErrValidation, xStr, z)
	}
	y, err := strconv.Atoi(yStr)
	if err != nil || y < 0 || y >= max {
		return 0, 0, 0, fmt.Errorf("%w: invalid tile y %q at zoom %d", model.ErrValidation, yStr, z)
	}
	return z, x, y, nil
}

// Frequency checks a subscription frequency value.
func Frequency(v string) (model.SubscriptionFrequency, error) {
	switch model.SubscriptionFrequency(v) {
	case model.FrequencyDay, model.FrequencyWeek, model.FrequencyMonth:
		return model.SubscriptionFrequency(v), nil
	}
	return "", fmt.Errorf("%w: frequency must be one of DAY, WEEK, MONTH", model.ErrValidation)
}

// Subscription checks a subscription create payload.
func Subscription(userID string, geom *geojson.FeatureCollection, frequency string) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", model.ErrValidation)
	}
	if geom == nil || len(geom.Features) == 0 {
		return fmt.Errorf("%w: geom must contain at least one feature", model.ErrValidation)
	}
	for i, f := range geom.Features {
		if f == nil || f.Geometry == nil {
			return fmt.Errorf("%w: geom feature %d has no geometry", model.ErrValidation, i)
		}
	}
	if _, err := Frequency(frequency); err != nil {
		return err
	}
	return nil
}
