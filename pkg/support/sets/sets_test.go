// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[string](10)
	s.Insert("E.V", "I.V")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("E.V"))
	assert.False(t, s.Has("E.Spike"))

	s.Insert("E.Spike", "E.V")
	assert.Equal(t, []string{"E.Spike", "E.V", "I.V"}, Sorted(s))

	s.Delete("E.V", "unknown")
	assert.Equal(t, []string{"E.Spike", "I.V"}, Sorted(s))

	ints := MakeWith(3, 1, 2, 3)
	assert.Equal(t, []int{1, 2, 3}, Sorted(ints))
}
