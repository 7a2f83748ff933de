/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"log"
	"os"
	"strconv"
)

const defaultPostgresPort = 5432

// GetDatabasePort the `DATABASE_PORT` env var, falls back to 5432
func GetDatabasePort() int {
	if databasePortStr := os.Getenv("DATABASE_PORT"); databasePortStr != "" {
		databasePort, err := strconv.Atoi(databasePortStr)
		if err != nil {
			log.Fatalf("given database port (%s) is not a valid int", databasePortStr)
		}
		return databasePort
	}
	return defaultPostgresPort
}

// GetEnvOrElse returns the given environment variable, or the fallback if
// it is not set
func GetEnvOrElse(env, fallback string) string {
	if value := os.Getenv(env); value != "" {
		return value
	}
	return fallback
}
