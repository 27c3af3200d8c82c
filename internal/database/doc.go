// Package database provides connection pool management for the PostgreSQL
// database that stores the update journal.
package database
