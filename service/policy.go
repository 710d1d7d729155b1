package service

import (
	"strings"

	"github.com/cyverse/resource-cache/commons"
	"github.com/cyverse/resource-cache/repository"
	"golang.org/x/xerrors"
)

// NewEvictionPolicyFromConfig creates EvictionPolicy configured
func NewEvictionPolicyFromConfig(config *commons.Config) (repository.EvictionPolicy, error) {
	switch strings.ToLower(config.EvictionPolicy) {
	case commons.EvictionPolicySize, "":
		cacheSizeMax, err := config.GetCacheSizeMax()
		if err != nil {
			return nil, err
		}

		lowWaterMark, err := config.GetCacheSizeLowWaterMark()
		if err != nil {
			return nil, err
		}

		return repository.NewSizeEvictionPolicyWithLowWaterMark(repository.SpaceWeight(cacheSizeMax), repository.SpaceWeight(lowWaterMark)), nil
	case commons.EvictionPolicyLRU:
		return repository.NewLRUEvictionPolicy(config.LRUMaxEntries), nil
	case commons.EvictionPolicyNone:
		return repository.NewNeverEvictionPolicy(), nil
	default:
		return nil, xerrors.Errorf("unknown eviction policy %q", config.EvictionPolicy)
	}
}
