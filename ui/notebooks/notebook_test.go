package notebooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotebook(t *testing.T) {
	t.Setenv(string(GoNB), "")
	assert.True(t, GoNB.Is())
	assert.True(t, IsNotebook())
}
