// Package testkit provides helpers for exercising a DocumentManager against a mocked
// Postgres connection.
//
// Nothing here opens a network connection, so tests built on it run without a database.
package testkit
