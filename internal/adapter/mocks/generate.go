// Package mocks provides gomock implementations of the adapter interfaces.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/adapter/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	ad := mocks.NewMockAdapter(ctrl)
//	ad.EXPECT().Domain().Return(types.DomainGeneration).AnyTimes()
package mocks

// Generate mock for the Adapter interface.
// Domain, ResourceExclusive, Validate, BuildCommand, Parser, ImportArtifacts, CleanupArtifacts
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=adapter_mock.go github.com/ChuLiYu/studio-jobs/internal/adapter Adapter
