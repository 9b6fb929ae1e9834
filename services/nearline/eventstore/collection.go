// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventstore

import (
	"fmt"

	"github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
)

// Collection is an immutable handle to a batch of products of one kind.
//
// Description:
//
//	A Collection is created once by its producer and then shared by every
//	reader of the event. The backing slice is owned by the Collection; callers
//	of Items must treat the returned slice as read-only.
type Collection struct {
	kind  dataproducts.Kind
	items any
	n     int
}

// NewCollection wraps items in a Collection.
//
// Inputs:
//
//	items - The products. The slice is copied so that later changes by the
//	producer are not visible to readers.
//
// Outputs:
//
//	Collection - The immutable handle.
func NewCollection[T dataproducts.Product](items []T) Collection {
	var zero T
	owned := make([]T, len(items))
	copy(owned, items)
	return Collection{kind: zero.Kind(), items: owned, n: len(owned)}
}

// Kind returns the product kind held by the collection.
func (c Collection) Kind() dataproducts.Kind { return c.kind }

// Len returns the number of products.
func (c Collection) Len() int { return c.n }

// Any returns the backing slice as an untyped value, for serializers.
func (c Collection) Any() any { return c.items }

// Items returns the typed products of c.
//
// Description:
//
//	Compares the discriminator of T against the collection's kind before the
//	type assertion, so a mismatch is reported as ErrKindMismatch rather than a
//	panic.
//
// Outputs:
//
//	[]T - The shared, read-only products.
//	error - ErrKindMismatch if T does not match the collection.
func Items[T dataproducts.Product](c Collection) ([]T, error) {
	var zero T
	if zero.Kind() != c.kind {
		return nil, fmt.Errorf("%w: want %s, have %s", ErrKindMismatch, zero.Kind(), c.kind)
	}
	if c.items == nil {
		return nil, nil
	}
	items, ok := c.items.([]T)
	if !ok {
		return nil, fmt.Errorf("%w: want %s, have %T", ErrKindMismatch, zero.Kind(), c.items)
	}
	return items, nil
}
