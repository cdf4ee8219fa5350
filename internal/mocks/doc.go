// Package mocks provides hand-written test doubles for the interfaces that
// cross package boundaries: the inference client, the notifier used by the
// queue service, and the token service used by the HTTP layer.
//
// Each mock has optional function fields to customise behaviour per test and
// records its calls for later assertions.
package mocks
