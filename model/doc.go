// Package model defines the provider-agnostic abstraction used by the local
// contract simulator to produce assistant turns.
//
// Core goals:
//   - Unify streaming and non-streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement Model in sub-packages so the
// simulator stays decoupled from vendor SDKs.
package model
