// Package server implements the HTTP API for chunk submission and polling.
// It handles multipart uploads, maps admission failures onto HTTP statuses,
// serves processed artifacts and provides monitoring/management endpoints.
package server
