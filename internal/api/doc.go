// Package api handles incoming HTTP requests for the segmentation queue:
// routing, request validation and response formatting. It translates HTTP
// concerns to queue service operations and streams project events to
// WebSocket clients.
package api
