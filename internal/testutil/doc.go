// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when scripting ledger runs, turns and session contexts.
// They are not intended for production usage.
package testutil
