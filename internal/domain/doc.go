// Package domain contains the core business entities, value objects, and
// domain logic of the segmentation queue. It represents the heart of the
// system, independent of any specific storage, transport or inference backend.
//
// The central entity is QueueItem: one segmentation request for one image,
// together with its lifecycle state. Status transitions are restricted to the
// edges defined by CanTransition; every layer that mutates an item checks them.
package domain
