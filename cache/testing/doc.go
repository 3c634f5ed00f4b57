// Package testing provides an in-memory mock backend for testing code
// built on the cache manager without a real storage driver.
//
// The primary type is MockBackend, which implements cache.Backend and
// cache.TagBackend with configurable failure injection and call tracking:
//
//	mock := cachetesting.NewMockBackend()
//	mock.FailGet(someErr)
//	mgr, _ := cache.NewManager(mock)
//
// A fake clock can be installed with WithClock so expiry behavior is
// testable without sleeping.
package testing
