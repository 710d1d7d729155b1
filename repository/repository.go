package repository

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	RepositoryNameDefault string = "default"
)

// ResourceRepositoryConfig is a configuration for ResourceRepository
type ResourceRepositoryConfig struct {
	// Name labels metrics and logs
	Name string
	// Clock returns current time, time.Now if nil
	Clock func() time.Time
}

// NewDefaultResourceRepositoryConfig creates ResourceRepositoryConfig with defaults
func NewDefaultResourceRepositoryConfig() *ResourceRepositoryConfig {
	return &ResourceRepositoryConfig{
		Name:  RepositoryNameDefault,
		Clock: time.Now,
	}
}

// entry is the repository's record for one cached key
type entry[K comparable, R any] struct {
	id             uint64
	key            K
	resource       R
	weight         SpaceWeight
	lockCount      int
	lastAccessTime time.Time
	usageCount     int64
	pendingRemoval bool
	destroyed      bool
}

// production is an in-flight production shared by all callers waiting for the same key
type production[K comparable, R any] struct {
	done            chan struct{}
	waiters         int
	removeRequested bool
	completed       bool

	// set before done is closed
	entry    *entry[K, R]
	lockTime time.Time
	err      error
}

// ResourceRepository is an in-memory index of produced resources.
// It deduplicates concurrent productions, hands out reference-counted locks and evicts entries by policy.
type ResourceRepository[K comparable, R any] struct {
	config   *ResourceRepositoryConfig
	producer Producer[K, R]
	policy   EvictionPolicy
	disposer Disposer[K, R]
	metrics  *repositoryMetrics

	entries     map[K]*entry[K, R]
	productions map[K]*production[K, R]
	totalWeight SpaceWeight
	totalLocks  int
	lastID      uint64
	mutex       sync.Mutex // mutex to access entries, productions and totals
}

// NewResourceRepository creates a new ResourceRepository.
// If disposer is nil, resources implementing io.Closer are closed on destruction.
func NewResourceRepository[K comparable, R any](config *ResourceRepositoryConfig, producer Producer[K, R], policy EvictionPolicy, disposer Disposer[K, R]) *ResourceRepository[K, R] {
	if config == nil {
		config = NewDefaultResourceRepositoryConfig()
	}

	if len(config.Name) == 0 {
		config.Name = RepositoryNameDefault
	}

	if config.Clock == nil {
		config.Clock = time.Now
	}

	if policy == nil {
		policy = NewNeverEvictionPolicy()
	}

	if disposer == nil {
		disposer = closeDisposer[K, R]
	}

	return &ResourceRepository[K, R]{
		config:   config,
		producer: producer,
		policy:   policy,
		disposer: disposer,
		metrics:  newRepositoryMetrics(config.Name),

		entries:     map[K]*entry[K, R]{},
		productions: map[K]*production[K, R]{},
	}
}

// GetName returns the name of the repository
func (repo *ResourceRepository[K, R]) GetName() string {
	return repo.config.Name
}

// GetPolicy returns the eviction policy
func (repo *ResourceRepository[K, R]) GetPolicy() EvictionPolicy {
	return repo.policy
}

// Get returns a lock on the resource for the key, producing it first if it is not cached.
// Concurrent calls for the same uncached key share one production.
// Returns NotFoundError or ProductionFailedError if the production did not yield a resource,
// or ctx.Err() if ctx is done before the production completes.
func (repo *ResourceRepository[K, R]) Get(ctx context.Context, key K) (*ResourceLock[R], error) {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "Get",
	})

	repo.mutex.Lock()

	if existing, ok := repo.entries[key]; ok {
		now := repo.config.Clock()
		repo.touchEntry(existing, 1, now)
		lock := repo.newLock(existing, now)
		repo.updateGauges()
		repo.mutex.Unlock()

		repo.metrics.hits.Inc()
		logger.Debugf("Locked a cached resource for key %q", keyString(key))
		return lock, nil
	}

	repo.metrics.misses.Inc()

	prod, ok := repo.productions[key]
	if !ok {
		prod = &production[K, R]{
			done: make(chan struct{}),
		}
		repo.productions[key] = prod

		logger.Debugf("Starting a production for key %q", keyString(key))
		go repo.produce(context.WithoutCancel(ctx), key, prod)
	} else {
		logger.Debugf("Joining an in-flight production for key %q", keyString(key))
	}

	prod.waiters++
	repo.mutex.Unlock()

	select {
	case <-prod.done:
	case <-ctx.Done():
		repo.mutex.Lock()
		if !prod.completed {
			prod.waiters--
			repo.mutex.Unlock()

			logger.Debugf("Stopped waiting for the production of key %q", keyString(key))
			return nil, ctx.Err()
		}
		repo.mutex.Unlock()

		// the lock for this caller is already counted
		<-prod.done
	}

	if prod.err != nil {
		return nil, prod.err
	}

	return repo.newLock(prod.entry, prod.lockTime), nil
}

// produce runs the producer outside the repository mutex and publishes the result to all waiters
func (repo *ResourceRepository[K, R]) produce(ctx context.Context, key K, prod *production[K, R]) {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "produce",
	})

	repo.metrics.productions.Inc()

	resource, weight, err := repo.invokeProducer(ctx, key)
	if err == nil && weight < 0 {
		repo.disposeResource(key, resource)
		err = NewStructuralErrorf("negative weight %d produced for key %q", weight, keyString(key))
		logger.WithError(err).Error("Producer returned a negative weight")
	}

	err = repo.classifyProductionError(key, err)

	disposeList := []*entry[K, R]{}
	var duplicate *R

	repo.mutex.Lock()

	delete(repo.productions, key)
	prod.completed = true
	prod.lockTime = repo.config.Clock()

	if err != nil {
		prod.err = err

		if IsNotFoundError(err) {
			repo.metrics.productionNotFound.Inc()
			logger.Debugf("Resource for key %q is not found", keyString(key))
		} else {
			repo.metrics.productionFailures.Inc()
			logger.WithError(err).Errorf("Failed to produce a resource for key %q", keyString(key))
		}
	} else {
		target, exists := repo.entries[key]
		if exists {
			// registered through Add while producing, the new copy is redundant
			duplicate = &resource
			if prod.removeRequested {
				target.pendingRemoval = true
			}
		} else {
			target = repo.insertEntry(key, resource, weight, prod.lockTime)
			target.pendingRemoval = prod.removeRequested
		}

		repo.touchEntry(target, prod.waiters, prod.lockTime)
		prod.entry = target

		if target.lockCount == 0 && target.pendingRemoval {
			repo.destroyEntry(target)
			disposeList = append(disposeList, target)
			repo.metrics.removals.Inc()
		}

		disposeList = append(disposeList, repo.sweep()...)
		logger.Debugf("Produced a resource for key %q, weight %s, %d waiters", keyString(key), weight.String(), prod.waiters)
	}

	repo.updateGauges()
	repo.mutex.Unlock()

	close(prod.done)

	if duplicate != nil {
		repo.disposeResource(key, *duplicate)
	}
	repo.disposeEntries(disposeList)
}

func (repo *ResourceRepository[K, R]) invokeProducer(ctx context.Context, key K) (resource R, weight SpaceWeight, err error) {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "invokeProducer",
	})

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("stacktrace from panic: %s", string(debug.Stack()))
			var zero R
			resource = zero
			weight = 0
			err = xerrors.Errorf("producer panic: %v", r)
		}
	}()

	if repo.producer == nil {
		var zero R
		return zero, 0, NewStructuralError("no producer is configured")
	}

	return repo.producer.Produce(ctx, key)
}

// classifyProductionError converts producer errors to NotFoundError or ProductionFailedError carrying the key
func (repo *ResourceRepository[K, R]) classifyProductionError(key K, err error) error {
	if err == nil {
		return nil
	}

	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return &NotFoundError{
			Key:    keyString(key),
			Reason: notFoundErr.Reason,
		}
	}

	var failedErr *ProductionFailedError
	if errors.As(err, &failedErr) {
		if len(failedErr.Key) == 0 {
			return NewProductionFailedError(keyString(key), failedErr.Reason, failedErr.Err)
		}
		return failedErr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewProductionFailedError(keyString(key), "production was interrupted", err)
	}

	return NewProductionFailedError(keyString(key), "producer returned an error", err)
}

// Has returns true if the key has a live entry
func (repo *ResourceRepository[K, R]) Has(key K) bool {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	existing, ok := repo.entries[key]
	if !ok {
		return false
	}
	return isLive(existing)
}

// Add registers an already existing resource without locking it.
// Returns false if the key is cached or being produced.
func (repo *ResourceRepository[K, R]) Add(key K, resource R, weight SpaceWeight, lastAccessTime time.Time) bool {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "Add",
	})

	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	if _, ok := repo.entries[key]; ok {
		return false
	}

	if _, ok := repo.productions[key]; ok {
		return false
	}

	if weight < 0 {
		logger.WithError(NewStructuralErrorf("negative weight %d for key %q", weight, keyString(key))).Error("Refusing to add a resource")
		return false
	}

	repo.insertEntry(key, resource, weight, lastAccessTime)
	repo.updateGauges()

	logger.Debugf("Added a resource for key %q, weight %s", keyString(key), weight.String())
	return true
}

// Remove destroys the entry for the key if it is not locked and returns true.
// A locked entry is marked for removal and destroyed when its last lock is released; false is returned.
// A removal requested during an in-flight production applies to the produced entry.
func (repo *ResourceRepository[K, R]) Remove(key K) bool {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "Remove",
	})

	repo.mutex.Lock()

	if prod, ok := repo.productions[key]; ok {
		prod.removeRequested = true
		logger.Debugf("Scheduled removal of key %q after its production", keyString(key))
	}

	existing, ok := repo.entries[key]
	if !ok {
		repo.mutex.Unlock()
		return false
	}

	if existing.lockCount > 0 {
		existing.pendingRemoval = true
		repo.mutex.Unlock()

		logger.Debugf("Scheduled removal of locked key %q", keyString(key))
		return false
	}

	repo.destroyEntry(existing)
	repo.updateGauges()
	repo.mutex.Unlock()

	repo.metrics.removals.Inc()
	repo.disposeEntries([]*entry[K, R]{existing})

	logger.Debugf("Removed key %q", keyString(key))
	return true
}

// RemoveAll destroys all unlocked entries and marks locked entries and in-flight productions for removal
func (repo *ResourceRepository[K, R]) RemoveAll() {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "RemoveAll",
	})

	disposeList := []*entry[K, R]{}
	pending := 0

	repo.mutex.Lock()

	for _, prod := range repo.productions {
		prod.removeRequested = true
	}

	for _, existing := range repo.entries {
		if existing.lockCount > 0 {
			existing.pendingRemoval = true
			pending++
			continue
		}

		repo.destroyEntry(existing)
		disposeList = append(disposeList, existing)
	}

	repo.updateGauges()
	repo.mutex.Unlock()

	repo.metrics.removals.Add(float64(len(disposeList)))
	repo.disposeEntries(disposeList)

	logger.Infof("Removed %d entries, %d locked entries are scheduled for removal", len(disposeList), pending)
}

// Release removes all entries, see RemoveAll
func (repo *ResourceRepository[K, R]) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "Release",
	})

	logger.Infof("Releasing repository %q", repo.config.Name)
	repo.RemoveAll()
}

// GetAllExistingKeys returns a snapshot of keys having a live entry
func (repo *ResourceRepository[K, R]) GetAllExistingKeys() []K {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	keys := make([]K, 0, len(repo.entries))
	for key, existing := range repo.entries {
		if isLive(existing) {
			keys = append(keys, key)
		}
	}
	return keys
}

// GetTotalWeight returns total weight of all entries
func (repo *ResourceRepository[K, R]) GetTotalWeight() SpaceWeight {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	return repo.totalWeight
}

// GetEntryCount returns the number of entries
func (repo *ResourceRepository[K, R]) GetEntryCount() int {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	return len(repo.entries)
}

// GetLockCount returns the number of outstanding locks on the key
func (repo *ResourceRepository[K, R]) GetLockCount(key K) int {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	if existing, ok := repo.entries[key]; ok {
		return existing.lockCount
	}
	return 0
}

// Sweep runs one eviction pass
func (repo *ResourceRepository[K, R]) Sweep() {
	repo.mutex.Lock()
	disposeList := repo.sweep()
	repo.updateGauges()
	repo.mutex.Unlock()

	repo.disposeEntries(disposeList)
}

// sweep asks the policy for candidates and destroys unlocked ones, marking locked ones for removal.
// Must be called with mutex held. Returns destroyed entries to be disposed after unlocking.
func (repo *ResourceRepository[K, R]) sweep() []*entry[K, R] {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "sweep",
	})

	// pending entries leave on release, they are not counted
	effectiveWeight := SpaceWeight(0)
	infos := make([]EvictionInfo, 0, len(repo.entries))
	byID := make(map[uint64]*entry[K, R], len(repo.entries))
	for _, existing := range repo.entries {
		if existing.pendingRemoval {
			continue
		}

		effectiveWeight = effectiveWeight.Add(existing.weight)
		byID[existing.id] = existing
		infos = append(infos, EvictionInfo{
			ID:             existing.id,
			Weight:         existing.weight,
			LastAccessTime: existing.lastAccessTime,
			UsageCount:     existing.usageCount,
			InsertionOrder: existing.id,
			Locked:         existing.lockCount > 0,
		})
	}

	if !repo.policy.IsNecessary(effectiveWeight) {
		return nil
	}

	destroyed := []*entry[K, R]{}
	for _, candidate := range repo.policy.SelectForEviction(infos) {
		selected, ok := byID[candidate.ID]
		if !ok || selected.destroyed {
			continue
		}

		if selected.lockCount > 0 {
			selected.pendingRemoval = true
			logger.Debugf("Deferred eviction of locked key %q", keyString(selected.key))
			continue
		}

		repo.destroyEntry(selected)
		destroyed = append(destroyed, selected)
	}

	if len(destroyed) > 0 {
		repo.metrics.evictions.Add(float64(len(destroyed)))
		logger.Debugf("Evicted %d entries, total weight %s", len(destroyed), repo.totalWeight.String())
	}
	return destroyed
}

// insertEntry must be called with mutex held
func (repo *ResourceRepository[K, R]) insertEntry(key K, resource R, weight SpaceWeight, lastAccessTime time.Time) *entry[K, R] {
	repo.lastID++

	newEntry := &entry[K, R]{
		id:             repo.lastID,
		key:            key,
		resource:       resource,
		weight:         weight,
		lastAccessTime: lastAccessTime,
	}

	repo.entries[key] = newEntry
	repo.totalWeight = repo.totalWeight.Add(weight)
	return newEntry
}

// destroyEntry must be called with mutex held
func (repo *ResourceRepository[K, R]) destroyEntry(target *entry[K, R]) {
	if target.destroyed {
		return
	}

	target.destroyed = true
	if current, ok := repo.entries[target.key]; ok && current == target {
		delete(repo.entries, target.key)
	}
	repo.totalWeight = repo.totalWeight.Sub(target.weight)
}

// touchEntry issues count locks and refreshes usage stats, must be called with mutex held
func (repo *ResourceRepository[K, R]) touchEntry(target *entry[K, R], count int, now time.Time) {
	if count <= 0 {
		return
	}

	target.lockCount += count
	target.usageCount += int64(count)
	target.lastAccessTime = now
	repo.totalLocks += count
}

func (repo *ResourceRepository[K, R]) newLock(target *entry[K, R], lockTime time.Time) *ResourceLock[R] {
	return newResourceLock(target.resource, lockTime, func() {
		repo.unlock(target)
	})
}

// unlock is called once per issued lock
func (repo *ResourceRepository[K, R]) unlock(target *entry[K, R]) {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "unlock",
	})

	repo.mutex.Lock()

	if target.lockCount <= 0 {
		repo.mutex.Unlock()

		err := NewStructuralErrorf("lock count of key %q dropped below zero", keyString(target.key))
		logger.WithError(err).Error("Released more locks than issued")
		return
	}

	target.lockCount--
	repo.totalLocks--

	if target.lockCount > 0 || !target.pendingRemoval || target.destroyed {
		repo.updateGauges()
		repo.mutex.Unlock()
		return
	}

	repo.destroyEntry(target)
	repo.updateGauges()
	repo.mutex.Unlock()

	repo.metrics.removals.Inc()
	repo.disposeEntries([]*entry[K, R]{target})

	logger.Debugf("Destroyed key %q on its last lock release", keyString(target.key))
}

// disposeEntries must be called without mutex held
func (repo *ResourceRepository[K, R]) disposeEntries(targets []*entry[K, R]) {
	for _, target := range targets {
		repo.disposeResource(target.key, target.resource)
	}
}

func (repo *ResourceRepository[K, R]) disposeResource(key K, resource R) {
	logger := log.WithFields(log.Fields{
		"package":  "repository",
		"struct":   "ResourceRepository",
		"function": "disposeResource",
	})

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("stacktrace from panic: %s", string(debug.Stack()))
			logger.Errorf("Disposer panicked for key %q: %v", keyString(key), r)
		}
	}()

	err := repo.disposer(key, resource)
	if err != nil {
		logger.WithError(err).Warnf("Failed to dispose a resource for key %q", keyString(key))
	}
}

// updateGauges must be called with mutex held
func (repo *ResourceRepository[K, R]) updateGauges() {
	repo.metrics.reportGauges(float64(repo.totalWeight), float64(len(repo.entries)), float64(repo.totalLocks))
}

func isLive[K comparable, R any](target *entry[K, R]) bool {
	return !(target.lockCount == 0 && target.pendingRemoval)
}

func keyString[K comparable](key K) string {
	return fmt.Sprintf("%v", key)
}
