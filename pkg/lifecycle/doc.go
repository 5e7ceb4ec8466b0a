/*
Package lifecycle's tests use an in-memory fake of pkg/cloudapi.CloudAPI
(see fake_test.go) and pkg/store.Fake, driven by a pkg/clock.Fake, so every
promotion, health-check, and drain transition is deterministic and needs
no network access.
*/
package lifecycle
