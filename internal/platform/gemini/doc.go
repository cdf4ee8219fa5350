// Package gemini provides an inference.Client that asks Google's Gemini API to
// outline objects in an image and returns the outlines as segmentation polygons.
//
// This package is an infrastructure adapter: it translates between the
// queue's inference requests and the Gemini API without exposing the details
// of the external service to the core application.
//
// Key components:
//
//  1. Segmenter: implements inference.Client on top of client.Models.GenerateContent.
//  2. Prompt management: an embedded text/template rendered per request.
//  3. Response processing: JSON polygons are validated, filtered by the
//     requested threshold and given an area.
//  4. Error handling: API errors are classified as transient (429, 5xx) or
//     fatal; blocked or malformed responses are fatal.
package gemini
