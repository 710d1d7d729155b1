package repository

import (
	units "github.com/docker/go-units"
)

// SpaceWeight is an additive, totally ordered amount attributed to a cached resource.
// File resources use bytes.
type SpaceWeight int64

// Add returns the sum of two weights
func (weight SpaceWeight) Add(other SpaceWeight) SpaceWeight {
	return weight + other
}

// Sub returns weight minus other
func (weight SpaceWeight) Sub(other SpaceWeight) SpaceWeight {
	return weight - other
}

// Compare returns -1, 0, 1
func (weight SpaceWeight) Compare(other SpaceWeight) int {
	switch {
	case weight < other:
		return -1
	case weight > other:
		return 1
	default:
		return 0
	}
}

// String returns human-readable size
func (weight SpaceWeight) String() string {
	return units.BytesSize(float64(weight))
}

// ParseSpaceWeight parses human-readable size, e.g., "20GB" or "512KiB"
func ParseSpaceWeight(size string) (SpaceWeight, error) {
	bytes, err := units.RAMInBytes(size)
	if err != nil {
		return 0, err
	}
	return SpaceWeight(bytes), nil
}
